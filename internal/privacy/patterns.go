// Package privacy finds personal data in tool arguments and swaps it for
// opaque per-tenant tokens before the arguments reach a tool.
package privacy

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Sensitivity ranks how damaging a disclosure would be.
type Sensitivity string

const (
	SensitivityMedium   Sensitivity = "medium"
	SensitivityHigh     Sensitivity = "high"
	SensitivityCritical Sensitivity = "critical"
)

// Pattern is one row of the detection table.
type Pattern struct {
	Name        string
	Pattern     *regexp.Regexp
	Sensitivity Sensitivity
}

// DefaultPatterns is the detection table. Order breaks ties between
// matches of equal span.
var DefaultPatterns = []Pattern{
	{"api_key", regexp.MustCompile(`\b(?:sk|pk|rk|api|key|tok)[-_][A-Za-z0-9_\-]{16,}\b`), SensitivityCritical},
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), SensitivityHigh},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), SensitivityCritical},
	{"credit_card", regexp.MustCompile(`\b(?:\d{4}[- ]?){3}\d{4}\b`), SensitivityCritical},
	{"phone", regexp.MustCompile(`(?:\+\d{1,2}[ .\-]?)?(?:\(\d{3}\)|\b\d{3})[ .\-]?\d{3}[ .\-]?\d{4}\b`), SensitivityMedium},
}

// TokenPattern matches tokens produced by Tokenizer.
var TokenPattern = regexp.MustCompile(`<<PII:[A-Z_]+:[0-9a-f]{16}>>`)

// Match is a located pattern hit in a string.
type Match struct {
	Pattern     string
	Sensitivity Sensitivity
	Start       int
	End         int
	Value       string
}

// FindMatches returns non-overlapping matches of patterns in s, ordered by
// position. All patterns run against the original string; where matches
// overlap the earliest wins, then the longest, then the one listed first.
// Existing tokens are never matched.
func FindMatches(s string, patterns []Pattern) []Match {
	type cand struct {
		Match
		order int
	}
	var cands []cand
	for i, p := range patterns {
		for _, loc := range p.Pattern.FindAllStringIndex(s, -1) {
			cands = append(cands, cand{
				Match: Match{Pattern: p.Name, Sensitivity: p.Sensitivity, Start: loc[0], End: loc[1], Value: s[loc[0]:loc[1]]},
				order: i,
			})
		}
	}
	if len(cands) == 0 {
		return nil
	}

	sort.SliceStable(cands, func(a, b int) bool {
		ca, cb := cands[a], cands[b]
		if ca.Start != cb.Start {
			return ca.Start < cb.Start
		}
		if la, lb := ca.End-ca.Start, cb.End-cb.Start; la != lb {
			return la > lb
		}
		return ca.order < cb.order
	})

	tokens := TokenPattern.FindAllStringIndex(s, -1)
	var out []Match
	cursor := 0
	for _, c := range cands {
		if c.Start < cursor || overlapsAny(c.Start, c.End, tokens) {
			continue
		}
		out = append(out, c.Match)
		cursor = c.End
	}
	return out
}

func overlapsAny(start, end int, spans [][]int) bool {
	for _, sp := range spans {
		if start < sp[1] && sp[0] < end {
			return true
		}
	}
	return false
}

// Replace rewrites s, substituting each match with repl(match). matches
// must be ordered and non-overlapping as returned by FindMatches.
func Replace(s string, matches []Match, repl func(Match) string) string {
	if len(matches) == 0 {
		return s
	}
	var b strings.Builder
	prev := 0
	for _, m := range matches {
		b.WriteString(s[prev:m.Start])
		b.WriteString(repl(m))
		prev = m.End
	}
	b.WriteString(s[prev:])
	return b.String()
}

// KeyPath and IndexPath build JSONPath-style locations such as
// $.user.emails[1].
func KeyPath(parent, key string) string {
	return parent + "." + key
}

func IndexPath(parent string, i int) string {
	return parent + "[" + strconv.Itoa(i) + "]"
}
