// Package moderation screens chat messages before the relay delivers them.
// It blocks abusive terms, contact details that would take a booking off the
// marketplace, and flooding.
package moderation

import (
	"strings"
	"unicode"
)

// Reasons reported in FilterResult.
const (
	ReasonKeyword = "blocked_keyword"
	ReasonContact = "contact_info"
	ReasonSpam    = "spam_pattern"
)

// FilterResult is the outcome of a Check. Term names the matched keyword or
// pattern when Blocked is set.
type FilterResult struct {
	Blocked bool
	Reason  string
	Term    string
}

var defaultTerms = []string{
	// harassment
	"kill yourself",
	"kys",
	"go die",
	"retard",
	"faggot",
	"nigger",
	"whore",
	"slut",
	"cunt",
	// sexual solicitation
	"send nudes",
	"nude pics",
	// payment scams
	"free bitcoin",
	"wire me",
	"gift card code",
}

// Filter checks text against a keyword blocklist and the spam patterns. It
// is immutable after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases []string // space-joined, lower case
}

// NewFilter creates a Filter with the built-in blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms creates a Filter with the given blocklist. Terms with a
// space are matched as whole-word phrases. Empty terms are skipped.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, t := range terms {
		fields := strings.Fields(strings.ToLower(t))
		switch len(fields) {
		case 0:
		case 1:
			f.words[fields[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, strings.Join(fields, " "))
		}
	}
	return f
}

// Check returns the first rule text violates. Keywords are checked as written
// and again with leetspeak folded, then the spam patterns run.
func (f *Filter) Check(text string) FilterResult {
	if res := f.checkTerms(tokenizePlain(text)); res.Blocked {
		return res
	}

	leet := tokenizeLeet(text)
	for i, tok := range leet {
		leet[i] = normalizeLeet(tok)
	}
	if res := f.checkTerms(leet); res.Blocked {
		return res
	}

	return f.checkSpamPatterns(text)
}

func (f *Filter) checkTerms(tokens []string) FilterResult {
	if len(tokens) == 0 {
		return FilterResult{}
	}
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: tok}
		}
	}
	if len(f.phrases) == 0 {
		return FilterResult{}
	}
	joined := " " + strings.Join(tokens, " ") + " "
	for _, p := range f.phrases {
		if strings.Contains(joined, " "+p+" ") {
			return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: p}
		}
	}
	return FilterResult{}
}

var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

func normalizeLeet(s string) string {
	return strings.Map(func(r rune) rune {
		if m, ok := leetMap[r]; ok {
			return m
		}
		return unicode.ToLower(r)
	}, s)
}

// tokenizePlain lower-cases text and splits it on anything that is not a
// letter or digit.
func tokenizePlain(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet is tokenizePlain but keeps the leetspeak symbols inside
// tokens. Tokens are not normalized.
func tokenizeLeet(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		if _, ok := leetMap[r]; ok {
			return false
		}
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
