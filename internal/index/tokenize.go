package index

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMinTokenLength drops short noise words ("a", "of", "is").
const DefaultMinTokenLength = 3

// Tokenize lowercases text, splits it on any rune that is not a letter
// or digit, and drops tokens shorter than minLen runes.
func Tokenize(text string, minLen int) []string {
	if minLen < 1 {
		minLen = 1
	}
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) >= minLen {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// Unique returns tokens with duplicates removed, first occurrence kept.
func Unique(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
