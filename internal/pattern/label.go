package pattern

import (
	"strings"

	"github.com/hpungsan/consult/internal/text"
)

const (
	aliasLabelScore     = 0.8
	substringLabelScore = 0.5
)

// labelScore grades how well a query label names a pattern's disease:
// 1.0 for the same label, 0.8 when their alias groups meet (shared alias or
// one alias containing another), 0.5 for plain substring containment.
func labelScore(lex *text.Lexicon, query, label string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	l := strings.ToLower(strings.TrimSpace(label))
	if q == "" || l == "" {
		return 0
	}
	if q == l {
		return 1.0
	}

	qs, ls := lex.AliasSet(q), lex.AliasSet(l)
	if len(qs) > 1 || len(ls) > 1 {
		for _, a := range qs {
			for _, b := range ls {
				if a == b || strings.Contains(a, b) || strings.Contains(b, a) {
					return aliasLabelScore
				}
			}
		}
	}

	if strings.Contains(l, q) || strings.Contains(q, l) {
		return substringLabelScore
	}
	return 0
}
