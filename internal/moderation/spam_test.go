package moderation

import "testing"

func TestSpamPatterns(t *testing.T) {
	f := NewFilterWithTerms(nil)

	tests := []struct {
		name    string
		input   string
		blocked bool
		term    string
	}{
		{"http url", "check out http://evil.com", true, "url"},
		{"www url", "go to www.phishing.net", true, "url"},
		{"bare domain with path", "visit evil.com/free", true, "url"},
		{"intl phone", "+1-555-123-4567", true, "phone"},
		{"phone in sentence", "call me at 555-123-4567 okay?", true, "phone"},
		{"char flood", "hellooooooo", true, "char_flood"},
		{"exactly 5 repeated", "aaaaa", true, "char_flood"},
		{"word flood", "buy buy buy", true, "word_flood"},
		{"word flood mixed case", "BUY buy Buy", true, "word_flood"},

		{"exactly 4 repeated", "aaaa", false, ""},
		{"version string", "upgrade to v2.0", false, ""},
		{"decimal", "pi is about 3.14", false, ""},
		{"year", "see you in 2025", false, ""},
		{"two repeats", "go go", false, ""},
		{"excitement", "wow!!! that's great!!", false, ""},
		{"money", "it costs $5.99", false, ""},
		{"newline", "hello\nworld", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.Blocked != tt.blocked {
				t.Errorf("Check(%q).Blocked = %v, want %v (term=%q)", tt.input, result.Blocked, tt.blocked, result.Term)
			}
			if tt.blocked && result.Term != tt.term {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, tt.term)
			}
			if tt.blocked && result.Reason != "spam_pattern" {
				t.Errorf("Check(%q).Reason = %q, want spam_pattern", tt.input, result.Reason)
			}
		})
	}
}
