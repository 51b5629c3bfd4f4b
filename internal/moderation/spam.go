package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

// Compiled once at package init and shared by every Filter.
var (
	// urlPattern matches http/https URLs, www. URLs, and bare domains with a
	// path. The bare-domain variant requires a trailing "/" to avoid false
	// positives on "v2.0" or "3.14".
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|me|app|xyz|info|biz|ru|cn|tk)/\S*)`)

	emailPattern = regexp.MustCompile(`(?i)[a-z0-9._%+-]+@[a-z0-9-]+(\.[a-z0-9-]+)*\.[a-z]{2,}`)

	// phonePattern matches +1-555-123-4567, (555) 123-4567, 555.123.4567.
	// Anchored to whitespace so "100 reps" or "3x12" never match.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:[\s.,!?]|$)`)

	// handlePattern matches "ig: name", "whatsapp me", "text me on telegram".
	handlePattern = regexp.MustCompile(`(?i)\b(whatsapp|telegram|signal|venmo|cashapp|paypal\.me|insta(gram)?|ig|snap(chat)?)\b\s*[:@]`)
)

// spamCheck pairs a detection function with metadata used for reporting.
type spamCheck struct {
	name   string
	reason string
	match  func(string) bool
}

// spamChecks is the ordered list applied by checkSpamPatterns. The first match
// wins.
var spamChecks = []spamCheck{
	{name: "url", reason: ReasonContact, match: urlPattern.MatchString},
	{name: "email", reason: ReasonContact, match: emailPattern.MatchString},
	{name: "phone", reason: ReasonContact, match: phonePattern.MatchString},
	{name: "handle", reason: ReasonContact, match: handlePattern.MatchString},
	{name: "char_flood", reason: ReasonSpam, match: hasCharFlood},
	{name: "word_flood", reason: ReasonSpam, match: hasWordFlood},
}

// hasCharFlood reports 8 or more consecutive identical characters. Workout
// talk ("noooo", "5 more reeeeps") stays below it. RE2 has no backreferences,
// so this is a linear scan.
func hasCharFlood(text string) bool {
	const threshold = 8

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

// hasWordFlood reports the same word 4 or more times in a row,
// case-insensitively. Coaches write "push push push" often enough that three
// is not flooding.
func hasWordFlood(text string) bool {
	const threshold = 4

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

// checkSpamPatterns runs every spam check against text and returns a blocking
// FilterResult on the first match.
func (f *Filter) checkSpamPatterns(text string) FilterResult {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return FilterResult{
				Blocked: true,
				Reason:  sc.reason,
				Term:    sc.name,
			}
		}
	}
	return FilterResult{}
}
