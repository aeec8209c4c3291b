package risk

import (
	"regexp"
	"sort"
)

// lexicon is a set of phrases matched on word boundaries.
type lexicon struct {
	terms []string
	exprs []*regexp.Regexp
}

type lexiconHit struct {
	term       string
	text       string
	start, end int
}

func mustLexicon(terms ...string) lexicon {
	lx := lexicon{terms: terms, exprs: make([]*regexp.Regexp, len(terms))}
	for i, term := range terms {
		lx.exprs[i] = regexp.MustCompile(`\b` + term + `\b`)
	}
	return lx
}

// hits returns the first occurrence of every distinct term found in s,
// ordered by position.
func (lx lexicon) hits(s string) []lexiconHit {
	var out []lexiconHit
	for i, expr := range lx.exprs {
		if loc := expr.FindStringIndex(s); loc != nil {
			out = append(out, lexiconHit{term: lx.terms[i], text: s[loc[0]:loc[1]], start: loc[0], end: loc[1]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

var (
	negationExpr = regexp.MustCompile(`\b(not|never|don't|didn't|wouldn't)\b`)

	hopelessnessLexicon = mustLexicon(
		`hopeless`,
		`worthless`,
		`pointless`,
		`no point`,
		`no future`,
		`giv(?:e|ing) up`,
		`nothing matters`,
		`no hope`,
		`empty inside`,
		`no way out`,
		`trapped`,
		`a burden`,
	)

	intensifierLexicon = mustLexicon(
		`getting worse`,
		`worse than ever`,
		`can'?t take (?:it|this)`,
		`can'?t cope`,
		`falling apart`,
		`out of control`,
		`breaking point`,
		`too much`,
		`overwhelmed`,
		`every single day`,
		`more and more`,
	)

	sensitiveWordExpr = regexp.MustCompile(`^(trauma|traumatic|abuse|abused|abusive|death|dead|die|died|dying|suicide|suicidal|assault|assaulted|rape|raped|kill|killed|funeral)$`)

	coreSuicideExpr = regexp.MustCompile(`\b(suicide|suicidal|kill myself|end it all|end my life|want to die|take my (?:own )?life|better off dead)\b`)
)
