package lsp

import (
	"strings"

	"github.com/sanjit/wordls/internal/wordlist"
)

// MaxCompletionItems caps a single completion response.
const MaxCompletionItems = 100

// Complete returns the dictionary entries starting with prefix, in
// dictionary order, at most limit of them. A limit outside
// (0, MaxCompletionItems] means MaxCompletionItems. The result is never nil.
func Complete(dict *wordlist.Dictionary, prefix string, limit int) []CompletionItem {
	if limit <= 0 || limit > MaxCompletionItems {
		limit = MaxCompletionItems
	}
	items := make([]CompletionItem, 0, min(limit, dict.Len()))
	dict.Each(func(word string) bool {
		if strings.HasPrefix(word, prefix) {
			items = append(items, CompletionItem{Label: word, InsertText: word})
		}
		return len(items) < limit
	})
	return items
}
