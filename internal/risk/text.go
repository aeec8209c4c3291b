package risk

import (
	"strings"
	"unicode"

	"clinical-risk-service/internal/models"
)

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "ʼ", "'")

type token struct {
	norm       string
	start, end int
}

// input is a transcript prepared for matching: lower-cased text, its
// tokens and their alignment to the supplied word timings.
type input struct {
	lower   string
	tokens  []token
	display []string
	words   []models.WordTiming
	align   []int
}

func newInput(transcript string, words []models.WordTiming) (*input, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, inputError("empty transcript")
	}
	if len(words) == 0 {
		return nil, inputError("empty word timings")
	}
	for i, w := range words {
		if w.EndMs < w.StartMs {
			return nil, inputError("word %d ends before it starts", i)
		}
		if w.Confidence < 0 || w.Confidence > 1 {
			return nil, inputError("word %d confidence %v outside [0,1]", i, w.Confidence)
		}
	}

	orig := apostrophes.Replace(transcript)
	in := &input{
		lower: strings.ToLower(orig),
		words: words,
	}
	in.tokens = tokenize(in.lower)
	in.display = strings.Fields(orig)
	if len(in.display) != len(in.tokens) {
		in.display = make([]string, len(in.tokens))
		for i, t := range in.tokens {
			in.display[i] = in.lower[t.start:t.end]
		}
	}
	in.align = alignWords(in.tokens, words)
	return in, nil
}

func tokenize(s string) []token {
	var tokens []token
	start := -1
	for i, r := range s {
		if unicode.IsSpace(r) {
			if start >= 0 {
				tokens = append(tokens, token{norm: normalizeWord(s[start:i]), start: start, end: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		tokens = append(tokens, token{norm: normalizeWord(s[start:]), start: start, end: len(s)})
	}
	return tokens
}

// normalizeWord lower-cases a word and trims surrounding punctuation,
// keeping inner apostrophes ("can't").
func normalizeWord(w string) string {
	w = strings.ToLower(apostrophes.Replace(w))
	return strings.TrimFunc(w, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

const alignLookahead = 8

// alignWords maps each token index to a word index, or -1. Equal counts
// align by position; otherwise tokens are matched greedily forward.
func alignWords(tokens []token, words []models.WordTiming) []int {
	align := make([]int, len(tokens))
	if len(tokens) == len(words) {
		for i := range align {
			align[i] = i
		}
		return align
	}
	cursor := 0
	for i, t := range tokens {
		align[i] = -1
		for j := cursor; j < len(words) && j < cursor+alignLookahead; j++ {
			if normalizeWord(words[j].Word) == t.norm {
				align[i] = j
				cursor = j + 1
				break
			}
		}
	}
	return align
}

// tokenSpan returns the first and last token indexes overlapping [start,end).
func (in *input) tokenSpan(start, end int) (int, int) {
	first, last := -1, -1
	for i, t := range in.tokens {
		if t.end <= start {
			continue
		}
		if t.start >= end {
			break
		}
		if first < 0 {
			first = i
		}
		last = i
	}
	if first < 0 {
		first, last = len(in.tokens)-1, len(in.tokens)-1
	}
	return first, last
}

// meanConfidence averages the confidence of words aligned to tokens
// [first,last], falling back to all words when none align.
func (in *input) meanConfidence(first, last int) float64 {
	var sum float64
	var n int
	for i := first; i <= last && i < len(in.align); i++ {
		if j := in.align[i]; j >= 0 {
			sum += in.words[j].Confidence
			n++
		}
	}
	if n == 0 {
		for _, w := range in.words {
			sum += w.Confidence
		}
		n = len(in.words)
	}
	return sum / float64(n)
}

// anchor returns the word timing nearest to token i.
func (in *input) anchor(i int) models.WordTiming {
	for k := i; k >= 0 && k < len(in.align); k-- {
		if j := in.align[k]; j >= 0 {
			return in.words[j]
		}
	}
	for k := i + 1; k < len(in.align); k++ {
		if j := in.align[k]; j >= 0 {
			return in.words[j]
		}
	}
	return in.words[0]
}

// window returns the token range [lo,hi) extending radius tokens either
// side of [first,last].
func (in *input) window(first, last, radius int) (int, int) {
	lo := max(0, first-radius)
	hi := min(len(in.tokens), last+radius+1)
	return lo, hi
}

func (in *input) context(lo, hi int) string {
	return strings.Join(in.display[lo:hi], " ")
}

func (in *input) normalized(lo, hi int) string {
	parts := make([]string, 0, hi-lo)
	for _, t := range in.tokens[lo:hi] {
		parts = append(parts, t.norm)
	}
	return strings.Join(parts, " ")
}

func joinWords(words []models.WordTiming) string {
	parts := make([]string, 0, len(words))
	for _, w := range words {
		parts = append(parts, w.Word)
	}
	return strings.Join(parts, " ")
}
