// Package models defines the data structures shared by the detection,
// session and reprocessing components.
package models

import (
	"strings"
	"time"
)

// WordTiming is a single recognized word with its timing and speaker.
type WordTiming struct {
	Word       string  `json:"word"`
	StartMs    int64   `json:"startMs"`
	EndMs      int64   `json:"endMs"`
	Confidence float64 `json:"confidence"`
	Speaker    int     `json:"speaker"`
}

// TranscriptFragment is one incremental unit of transcribed speech.
// Fragments with IsFinal=false may be superseded by a later fragment
// with the same speaker and offset.
type TranscriptFragment struct {
	ID            string       `json:"id,omitempty"`
	Speaker       int          `json:"speaker"`
	Text          string       `json:"text"`
	StartOffsetMs int64        `json:"startOffsetMs"`
	EndOffsetMs   int64        `json:"endOffsetMs"`
	Confidence    float64      `json:"confidence"`
	IsFinal       bool         `json:"isFinal"`
	Words         []WordTiming `json:"words,omitempty"`
}

// defaultWordMs spaces synthesized words when a fragment has no duration.
const defaultWordMs = 300

// WordTimings returns the fragment's word timings. Providers that omit
// them get words spread evenly across the fragment's offsets, carrying
// the fragment confidence and speaker.
func (f TranscriptFragment) WordTimings() []WordTiming {
	if len(f.Words) > 0 {
		return f.Words
	}
	tokens := strings.Fields(f.Text)
	if len(tokens) == 0 {
		return nil
	}
	step := (f.EndOffsetMs - f.StartOffsetMs) / int64(len(tokens))
	if step <= 0 {
		step = defaultWordMs
	}
	words := make([]WordTiming, len(tokens))
	for i, tok := range tokens {
		start := f.StartOffsetMs + int64(i)*step
		words[i] = WordTiming{
			Word:       tok,
			StartMs:    start,
			EndMs:      start + step,
			Confidence: f.Confidence,
			Speaker:    f.Speaker,
		}
	}
	return words
}

// Transcript is a complete transcript produced by a batch transcription pass.
type Transcript struct {
	Text       string               `json:"text"`
	Fragments  []TranscriptFragment `json:"fragments"`
	Words      []WordTiming         `json:"words"`
	DurationMs int64                `json:"durationMs"`
	Provider   string               `json:"provider"`
}

// JoinFragments builds the raw transcript text from final fragments.
func JoinFragments(fragments []TranscriptFragment) string {
	parts := make([]string, 0, len(fragments))
	for _, f := range fragments {
		if text := strings.TrimSpace(f.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// CollectWords flattens the word timings of all fragments in order.
// Fragments without word timings contribute synthesized ones.
func CollectWords(fragments []TranscriptFragment) []WordTiming {
	var words []WordTiming
	for _, f := range fragments {
		words = append(words, f.WordTimings()...)
	}
	return words
}

// TranscriptStatus tracks where a session transcript is in its processing.
type TranscriptStatus string

const (
	TranscriptStatusRecording  TranscriptStatus = "recording"
	TranscriptStatusRecorded   TranscriptStatus = "recorded"
	TranscriptStatusPartial    TranscriptStatus = "partial"
	TranscriptStatusProcessing TranscriptStatus = "processing"
	TranscriptStatusProcessed  TranscriptStatus = "processed"
	TranscriptStatusFailed     TranscriptStatus = "failed"
)

// TranscriptRecord is the persisted transcript for one session.
type TranscriptRecord struct {
	SessionID string               `json:"sessionId"`
	TeamID    string               `json:"teamId"`
	RawText   string               `json:"rawText"`
	Fragments []TranscriptFragment `json:"fragments"`
	Status    TranscriptStatus     `json:"status"`
	AudioRef  string               `json:"audioRef,omitempty"`
	Summary   *FlagSummary         `json:"summary,omitempty"`
	Provider  string               `json:"provider,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
}
