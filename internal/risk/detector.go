package risk

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"clinical-risk-service/internal/models"
)

// ErrDetectionInput reports a malformed transcript or word-timing input.
// Detect degrades it to an empty flag set.
var ErrDetectionInput = errors.New("detection input error")

func inputError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDetectionInput, fmt.Sprintf(format, args...))
}

const (
	contextRadius   = 50
	negationPenalty = 0.8

	hopelessnessMinTerms   = 3
	hopelessnessStep       = 0.2
	hopelessnessCap        = 0.9
	hopelessnessMinConf    = 0.5
	intensifierMinTerms    = 2
	intensifierHighTerms   = 3
	intensifierStep        = 0.25
	intensifierCap         = 0.85
	intensifierMinConf     = 0.45
	pauseThresholdMs       = 5000
	sensitiveRadius        = 10
	dissociationConfidence = 0.5
	rateMinWords           = 10
	rateMediumWPM          = 180.0
	rateHighWPM            = 220.0
	rateMinConf            = 0.5
	escalationMinHits      = 2
	escalationConfidence   = 0.9
)

// Detection stages recorded in flag metadata under "stage".
const (
	StageKeyword    = "keyword"
	StageContextual = "contextual"
	StageBehavioral = "behavioral"
	StageEscalation = "escalation"
)

// Detector runs the detection stages against a pattern library. It holds
// no mutable state and is safe for concurrent use.
type Detector struct {
	lib   *Library
	newID func() string
}

// Option configures a Detector.
type Option func(*Detector)

// WithIDGenerator overrides flag id generation.
func WithIDGenerator(fn func() string) Option {
	return func(d *Detector) { d.newID = fn }
}

// NewDetector creates a detector. A nil library selects DefaultLibrary.
func NewDetector(lib *Library, opts ...Option) *Detector {
	if lib == nil {
		lib = DefaultLibrary()
	}
	d := &Detector{lib: lib, newID: uuid.NewString}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Library returns the pattern library the detector evaluates.
func (d *Detector) Library() *Library { return d.lib }

// Detect returns the prioritized, deduplicated flags for transcript.
// Input errors yield an empty set.
func (d *Detector) Detect(transcript string, words []models.WordTiming, prior []models.RiskFlag) []models.RiskFlag {
	flags, err := d.Analyze(transcript, words, prior)
	if err != nil {
		return []models.RiskFlag{}
	}
	return flags
}

// Analyze is Detect with the input error exposed.
func (d *Detector) Analyze(transcript string, words []models.WordTiming, prior []models.RiskFlag) ([]models.RiskFlag, error) {
	in, err := newInput(transcript, words)
	if err != nil {
		return nil, err
	}

	var candidates []models.RiskFlag
	candidates = append(candidates, d.keywordPass(in)...)
	candidates = append(candidates, d.contextualPass(in)...)
	candidates = append(candidates, d.behavioralPass(in)...)
	candidates = append(candidates, d.escalationPass(in, prior)...)
	return Prioritize(candidates), nil
}

func (d *Detector) keywordPass(in *input) []models.RiskFlag {
	var flags []models.RiskFlag
	for _, p := range d.lib.patterns {
		for _, loc := range p.Expr.FindAllStringIndex(in.lower, -1) {
			first, last := in.tokenSpan(loc[0], loc[1])
			conf := p.Weight * in.meanConfidence(first, last)

			lo, hi := in.window(first, last, contextRadius)
			negated := negationExpr.MatchString(in.normalized(lo, hi))
			if negated {
				conf *= negationPenalty
			}
			if conf < p.MinConfidence {
				continue
			}

			meta := map[string]any{
				"stage":          StageKeyword,
				"pattern_id":     p.ID,
				"min_confidence": p.MinConfidence,
				"negated":        negated,
			}
			for k, v := range p.Metadata {
				if _, reserved := meta[k]; !reserved {
					meta[k] = v
				}
			}
			flags = append(flags, d.newFlag(p.Type, p.Severity, conf,
				in.lower[loc[0]:loc[1]], in.context(lo, hi), in.anchor(first), meta))
		}
	}
	return flags
}

func (d *Detector) contextualPass(in *input) []models.RiskFlag {
	var flags []models.RiskFlag

	if hits := hopelessnessLexicon.hits(in.lower); len(hits) >= hopelessnessMinTerms {
		conf := math.Min(hopelessnessCap, hopelessnessStep*float64(len(hits)))
		if conf >= hopelessnessMinConf {
			flags = append(flags, d.lexiconFlag(in, hits, models.FlagSevereDepression, models.SeverityHigh, conf, hopelessnessMinConf, "hopelessness"))
		}
	}

	if hits := intensifierLexicon.hits(in.lower); len(hits) >= intensifierMinTerms {
		conf := math.Min(intensifierCap, intensifierStep*float64(len(hits)))
		sev := models.SeverityMedium
		if len(hits) >= intensifierHighTerms {
			sev = models.SeverityHigh
		}
		if conf >= intensifierMinConf {
			flags = append(flags, d.lexiconFlag(in, hits, models.FlagSignificantStressor, sev, conf, intensifierMinConf, "escalation_intensifier"))
		}
	}
	return flags
}

func (d *Detector) lexiconFlag(in *input, hits []lexiconHit, t models.FlagType, sev models.Severity, conf, minConf float64, lexiconName string) models.RiskFlag {
	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.text
	}
	first, _ := in.tokenSpan(hits[0].start, hits[0].end)
	_, last := in.tokenSpan(hits[len(hits)-1].start, hits[len(hits)-1].end)
	lo, hi := in.window(first, last, contextRadius)
	meta := map[string]any{
		"stage":          StageContextual,
		"lexicon":        lexiconName,
		"term_count":     len(hits),
		"min_confidence": minConf,
	}
	return d.newFlag(t, sev, conf, strings.Join(texts, ", "), in.context(lo, hi), in.anchor(first), meta)
}

func (d *Detector) behavioralPass(in *input) []models.RiskFlag {
	var flags []models.RiskFlag
	words := in.words

	for i := 1; i < len(words); i++ {
		gap := words[i].StartMs - words[i-1].EndMs
		if gap <= pauseThresholdMs {
			continue
		}
		lo := max(0, i-1-sensitiveRadius)
		hi := min(len(words), i+sensitiveRadius)
		trigger := ""
		for j := lo; j < hi; j++ {
			if w := normalizeWord(words[j].Word); sensitiveWordExpr.MatchString(w) {
				trigger = w
				break
			}
		}
		if trigger == "" {
			continue
		}
		meta := map[string]any{
			"stage":          StageBehavioral,
			"signal":         "pause",
			"pause_ms":       gap,
			"trigger_term":   trigger,
			"min_confidence": dissociationConfidence,
		}
		flags = append(flags, d.newFlag(models.FlagDissociation, models.SeverityLow, dissociationConfidence,
			strings.ToLower(joinWords(words[lo:i])), joinWords(words[lo:hi]), words[i-1], meta))
	}

	if n := len(words); n >= rateMinWords {
		duration := words[n-1].EndMs - words[0].StartMs
		if duration > 0 {
			wpm := float64(n) / (float64(duration) / 60000.0)
			if wpm > rateMediumWPM {
				sev := models.SeverityMedium
				if wpm > rateHighWPM {
					sev = models.SeverityHigh
				}
				conf := math.Min(0.9, 0.5+(wpm-rateMediumWPM)/200.0)
				meta := map[string]any{
					"stage":          StageBehavioral,
					"signal":         "speech_rate",
					"wpm":            math.Round(wpm*10) / 10,
					"word_count":     n,
					"min_confidence": rateMinConf,
				}
				_, hi := in.window(0, 0, 2*contextRadius)
				flags = append(flags, d.newFlag(models.FlagManiaIndicators, sev, conf,
					fmt.Sprintf("speech rate %.0f wpm", wpm), in.context(0, hi), words[0], meta))
			}
		}
	}
	return flags
}

func (d *Detector) escalationPass(in *input, prior []models.RiskFlag) []models.RiskFlag {
	var priorFlag *models.RiskFlag
	for i := range prior {
		if prior[i].Type == models.FlagSuicideRisk {
			priorFlag = &prior[i]
			break
		}
	}
	if priorFlag == nil {
		return nil
	}

	locs := coreSuicideExpr.FindAllStringIndex(in.lower, -1)
	if len(locs) <= escalationMinHits {
		return nil
	}

	var terms []string
	seen := make(map[string]bool)
	for _, loc := range locs {
		term := in.lower[loc[0]:loc[1]]
		if !seen[term] {
			seen[term] = true
			terms = append(terms, term)
		}
	}
	first, _ := in.tokenSpan(locs[0][0], locs[0][1])
	_, last := in.tokenSpan(locs[len(locs)-1][0], locs[len(locs)-1][1])
	lo, hi := in.window(first, last, contextRadius)
	meta := map[string]any{
		"stage":          StageEscalation,
		"prior_flag_id":  priorFlag.ID,
		"occurrences":    len(locs),
		"min_confidence": escalationConfidence,
	}
	return []models.RiskFlag{d.newFlag(models.FlagSuicideRisk, models.SeverityCritical, escalationConfidence,
		"escalation: "+strings.Join(terms, ", "), in.context(lo, hi), in.anchor(first), meta)}
}

func (d *Detector) newFlag(t models.FlagType, sev models.Severity, conf float64, matched, context string, at models.WordTiming, meta map[string]any) models.RiskFlag {
	speaker := at.Speaker
	return models.RiskFlag{
		ID:                         d.newID(),
		Type:                       t,
		Severity:                   sev,
		Confidence:                 math.Max(0, math.Min(1, conf)),
		MatchedText:                matched,
		Context:                    context,
		SessionRelativeTimestampMs: at.StartMs,
		SpeakerID:                  &speaker,
		Metadata:                   meta,
	}
}
