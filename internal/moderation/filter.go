// Package moderation screens chat messages before they are appended to a
// room: a configurable keyword blocklist plus spam patterns (links, phone
// numbers, character and word floods).
package moderation

import (
	"strings"
	"unicode"
)

// Result describes the outcome of a Check. The zero value means the message
// is clean.
type Result struct {
	Blocked bool
	Reason  string // "blocked_keyword" or "spam_pattern"
	Term    string // matched keyword, or the spam check name
}

// Filter is safe for concurrent use once built.
type Filter struct {
	words   map[string]struct{}
	phrases [][]string
}

// leet maps common character substitutions back to letters.
var leet = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'!': 'i',
	'3': 'e',
	'4': 'a',
	'@': 'a',
	'5': 's',
	'$': 's',
	'7': 't',
}

// NewFilterWithTerms builds a filter blocking terms. Single words match whole
// tokens; multi-word terms match consecutive tokens. Blank terms are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		tokens := tokenize(strings.ToLower(term))
		switch len(tokens) {
		case 0:
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, tokens)
		}
	}
	return f
}

// Check screens text. Keywords are checked before spam patterns. A nil
// Filter only runs the spam checks.
func (f *Filter) Check(text string) Result {
	if f != nil && (len(f.words) > 0 || len(f.phrases) > 0) {
		lower := strings.ToLower(text)
		for _, tokens := range [][]string{tokenize(lower), tokenize(normalizeLeet(lower))} {
			if term, ok := f.match(tokens); ok {
				return Result{Blocked: true, Reason: "blocked_keyword", Term: term}
			}
		}
	}
	return checkSpamPatterns(text)
}

func (f *Filter) match(tokens []string) (string, bool) {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}
	for _, phrase := range f.phrases {
		for i := 0; i+len(phrase) <= len(tokens); i++ {
			if equalTokens(tokens[i:i+len(phrase)], phrase) {
				return strings.Join(phrase, " "), true
			}
		}
	}
	return "", false
}

func equalTokens(a, b []string) bool {
	for i := range b {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// tokenize splits on anything that is not a letter or digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalizeLeet(s string) string {
	return strings.Map(func(r rune) rune {
		if l, ok := leet[r]; ok {
			return l
		}
		return r
	}, s)
}
