package gridengine

import (
	"strings"

	"github.com/cloudflare/ahocorasick"
)

var bannedWords = []string{
	"badword", "spam", "offensive", "idiot", "stupid",
	"hate", "kill", "death", "xxx", "porn",
}

// ProfanityFilter does case-insensitive substring matching against a word list.
type ProfanityFilter struct {
	words   []string
	matcher *ahocorasick.Matcher
}

func NewProfanityFilter(words []string) *ProfanityFilter {
	lower := make([]string, len(words))
	for i, w := range words {
		lower[i] = strings.ToLower(w)
	}
	return &ProfanityFilter{words: lower, matcher: ahocorasick.NewStringMatcher(lower)}
}

// DefaultProfanityFilter uses the built-in word list.
func DefaultProfanityFilter() *ProfanityFilter {
	return NewProfanityFilter(bannedWords)
}

// Check returns the first banned word found in any of texts.
func (p *ProfanityFilter) Check(texts ...string) (string, bool) {
	for _, t := range texts {
		hits := p.matcher.Match([]byte(strings.ToLower(t)))
		if len(hits) > 0 {
			return p.words[hits[0]], true
		}
	}
	return "", false
}
