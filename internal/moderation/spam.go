package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// urlPattern matches http(s) and www. links, and bare domains on common
	// TLDs when followed by a path, so "v2.0" or "3.14" do not match.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches formats such as +1-555-123-4567, (555) 123-4567
	// and 555.123.4567, bounded by whitespace so short numbers pass.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

type spamCheck struct {
	name  string
	match func(string) bool
}

// spamChecks run in order; the first match wins.
var spamChecks = []spamCheck{
	{name: "url", match: urlPattern.MatchString},
	{name: "phone", match: phonePattern.MatchString},
	{name: "char_flood", match: hasCharFlood},
	{name: "word_flood", match: hasWordFlood},
}

// hasCharFlood reports 5 or more consecutive identical characters. RE2 has
// no backreferences, hence the scan.
func hasCharFlood(text string) bool {
	const threshold = 5

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood reports the same word 3 or more times in a row, ignoring case.
func hasWordFlood(text string) bool {
	const threshold = 3

	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}

func checkSpamPatterns(text string) Result {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return Result{Blocked: true, Reason: "spam_pattern", Term: sc.name}
		}
	}
	return Result{}
}
