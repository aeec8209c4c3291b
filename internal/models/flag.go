package models

import (
	"fmt"
	"strings"
)

// FlagType identifies the clinical risk category of a flag.
type FlagType string

const (
	FlagSuicideRisk         FlagType = "suicide_risk"
	FlagSelfHarm            FlagType = "self_harm"
	FlagHomicidalIdeation   FlagType = "homicidal_ideation"
	FlagPsychosis           FlagType = "psychosis"
	FlagSevereDepression    FlagType = "severe_depression"
	FlagSubstanceAbuse      FlagType = "substance_abuse"
	FlagAbuseDisclosure     FlagType = "abuse_disclosure"
	FlagEatingDisorder      FlagType = "eating_disorder"
	FlagSignificantStressor FlagType = "significant_stressor"
	FlagDissociation        FlagType = "dissociation"
	FlagManiaIndicators     FlagType = "mania_indicators"
)

// FlagTypes lists every known flag type in a stable order.
var FlagTypes = []FlagType{
	FlagSuicideRisk,
	FlagSelfHarm,
	FlagHomicidalIdeation,
	FlagPsychosis,
	FlagSevereDepression,
	FlagSubstanceAbuse,
	FlagAbuseDisclosure,
	FlagEatingDisorder,
	FlagSignificantStressor,
	FlagDissociation,
	FlagManiaIndicators,
}

// Valid reports whether t is a known flag type.
func (t FlagType) Valid() bool {
	for _, known := range FlagTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Severity is the ordinal risk level attached to a flag.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal value of the severity (low=1 .. critical=4).
// Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ParseSeverity converts a case-insensitive string into a Severity.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// RiskFlag is a detected candidate clinical-risk signal. Flags are
// immutable once created; a later pass supersedes rather than mutates them.
type RiskFlag struct {
	ID                         string         `json:"id"`
	Type                       FlagType       `json:"type"`
	Severity                   Severity       `json:"severity"`
	Confidence                 float64        `json:"confidence"`
	MatchedText                string         `json:"matchedText"`
	Context                    string         `json:"context"`
	SessionRelativeTimestampMs int64          `json:"sessionRelativeTimestampMs"`
	SpeakerID                  *int           `json:"speakerId,omitempty"`
	Metadata                   map[string]any `json:"metadata,omitempty"`
}

// FlagSummary is the derived summary persisted with a processed transcript.
type FlagSummary struct {
	Total           int              `json:"total"`
	BySeverity      map[Severity]int `json:"bySeverity"`
	ByType          map[FlagType]int `json:"byType"`
	HighestSeverity Severity         `json:"highestSeverity,omitempty"`
	RequiresReview  bool             `json:"requiresReview"`
}
