package query

import "strings"

// Keyword is a parsed search expression: plus terms are required
// substrings of the path, minus terms are excluded substrings.
type Keyword struct {
	Plus  []string
	Minus []string
}

// ParseKeyword splits a keyword string on whitespace into plus and minus
// terms. A term prefixed with '-' is a minus term; the bare '-' is ignored.
func ParseKeyword(s string) Keyword {
	var kw Keyword
	for _, term := range strings.Fields(s) {
		if strings.HasPrefix(term, "-") {
			if term = term[1:]; term != "" {
				kw.Minus = append(kw.Minus, term)
			}
			continue
		}
		kw.Plus = append(kw.Plus, term)
	}
	return kw
}

// Empty reports whether the keyword has no terms at all.
func (k Keyword) Empty() bool {
	return len(k.Plus) == 0 && len(k.Minus) == 0
}
