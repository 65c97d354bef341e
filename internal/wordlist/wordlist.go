// Package wordlist loads the completion dictionary: a flat file with one
// candidate per line.
//
// A Dictionary is immutable once built and safe for concurrent use without
// locking.
package wordlist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
)

// DefaultPath is where the server looks for its word list when none is configured.
const DefaultPath = "/tmp/keywords.dict"

const maxLineBytes = 1 << 20

// Dictionary is an ordered list of distinct words, kept in load order.
type Dictionary struct {
	words []string
	index map[string]struct{}
}

// New builds a Dictionary from words. Entries are trimmed; blank entries and
// repeats of an earlier entry are dropped.
func New(words []string) *Dictionary {
	d := &Dictionary{index: make(map[string]struct{}, len(words))}
	for _, w := range words {
		d.add(w)
	}
	return d
}

func (d *Dictionary) add(w string) {
	w = strings.TrimSpace(w)
	if w == "" {
		return
	}
	if _, dup := d.index[w]; dup {
		return
	}
	d.index[w] = struct{}{}
	d.words = append(d.words, w)
}

// Parse reads a word list from r.
func Parse(r io.Reader) (*Dictionary, error) {
	d := New(nil)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	for sc.Scan() {
		d.add(sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return d, nil
}

// Load reads the word list at path.
func Load(path string) (*Dictionary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read word list: %w", err)
	}
	defer f.Close()
	d, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("read word list %s: %w", path, err)
	}
	return d, nil
}

// LoadOrEmpty is Load, except that a failure is logged and yields an empty
// dictionary so the server can still start.
func LoadOrEmpty(path string, logger *zap.Logger) *Dictionary {
	d, err := Load(path)
	if err != nil {
		logger.Warn("word list unavailable, serving an empty dictionary", zap.String("path", path), zap.Error(err))
		return New(nil)
	}
	logger.Info("word list loaded", zap.String("path", path), zap.Int("words", d.Len()))
	return d
}

// Len returns the number of words. A nil Dictionary is empty.
func (d *Dictionary) Len() int {
	if d == nil {
		return 0
	}
	return len(d.words)
}

// At returns the i'th word in load order.
func (d *Dictionary) At(i int) string { return d.words[i] }

// Contains reports whether w is in the dictionary.
func (d *Dictionary) Contains(w string) bool {
	if d == nil {
		return false
	}
	_, ok := d.index[w]
	return ok
}

// Each calls fn for every word in load order until fn returns false.
func (d *Dictionary) Each(fn func(word string) bool) {
	if d == nil {
		return
	}
	for _, w := range d.words {
		if !fn(w) {
			return
		}
	}
}

// Words returns a copy of the words in load order.
func (d *Dictionary) Words() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.words...)
}
