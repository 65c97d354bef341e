package lsp

// documents.go - the server's synchronized view of open documents.

import (
	"fmt"
	"sync"
)

// Document is a snapshot of one open document.
type Document struct {
	URI        DocumentURI
	LanguageID string
	Version    int32
	Text       string

	// Dirty is set by a change and cleared by a save.
	Dirty bool
}

// DocumentStore maps open document uris to their content. Callers are
// expected to serialize operations on a single uri; operations on different
// uris may run concurrently.
type DocumentStore struct {
	mu   sync.RWMutex
	docs map[DocumentURI]*Document
}

func NewDocumentStore() *DocumentStore {
	return &DocumentStore{docs: make(map[DocumentURI]*Document)}
}

// Open records a newly opened document. Opening a uri that is already open
// replaces it, and replaced reports that.
func (s *DocumentStore) Open(uri DocumentURI, languageID string, version int32, text string) (replaced bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, replaced = s.docs[uri]
	s.docs[uri] = &Document{URI: uri, LanguageID: languageID, Version: version, Text: text}
	return replaced
}

// Change applies changes in order and sets the document version to version.
// The client's version is trusted; stale reports that it did not advance
// past the stored one.
func (s *DocumentStore) Change(uri DocumentURI, version int32, changes []TextDocumentContentChangeEvent) (stale bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[uri]
	if !ok {
		return false, fmt.Errorf("change %s: %w", uri, ErrDocumentNotFound)
	}
	stale = version <= doc.Version
	text := doc.Text
	for _, c := range changes {
		text = applyChange(text, c)
	}
	doc.Text = text
	doc.Version = version
	doc.Dirty = true
	return stale, nil
}

// Save marks the document clean. A non-nil text replaces the content, as
// sent by clients that were asked to include it.
func (s *DocumentStore) Save(uri DocumentURI, text *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[uri]
	if !ok {
		return fmt.Errorf("save %s: %w", uri, ErrDocumentNotFound)
	}
	if text != nil {
		doc.Text = *text
	}
	doc.Dirty = false
	return nil
}

func (s *DocumentStore) Close(uri DocumentURI) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[uri]; !ok {
		return fmt.Errorf("close %s: %w", uri, ErrDocumentNotFound)
	}
	delete(s.docs, uri)
	return nil
}

// Get returns a copy of the document at uri.
func (s *DocumentStore) Get(uri DocumentURI) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[uri]
	if !ok {
		return Document{}, false
	}
	return *doc, true
}

// Len returns the number of open documents.
func (s *DocumentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
