// Package risk implements rule-based clinical risk signal detection over
// transcribed speech.
package risk

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"clinical-risk-service/internal/models"
)

//go:embed patterns.yaml
var builtinPatterns []byte

// ErrInvalidLibrary is returned when a pattern library fails validation.
var ErrInvalidLibrary = errors.New("invalid pattern library")

// PatternSpec is the declarative form of a detection rule, as read from YAML.
type PatternSpec struct {
	ID            string         `yaml:"id" json:"id"`
	Type          string         `yaml:"type" json:"type"`
	Severity      string         `yaml:"severity" json:"severity"`
	Weight        float64        `yaml:"weight" json:"weight"`
	MinConfidence float64        `yaml:"min_confidence" json:"minConfidence"`
	Pattern       string         `yaml:"pattern" json:"pattern"`
	Metadata      map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

type librarySpec struct {
	Version  string        `yaml:"version"`
	Patterns []PatternSpec `yaml:"patterns"`
}

// Pattern is a compiled, validated detection rule.
type Pattern struct {
	ID            string
	Type          models.FlagType
	Severity      models.Severity
	Weight        float64
	MinConfidence float64
	Expr          *regexp.Regexp
	Metadata      map[string]any
}

// Library is an immutable set of compiled patterns grouped by flag type.
// It is safe for concurrent use once constructed.
type Library struct {
	version  string
	patterns []Pattern
	byID     map[string]int
}

// NewLibrary validates and compiles specs. Patterns are ordered by flag
// type (in models.FlagTypes order) and then by declaration order.
func NewLibrary(version string, specs []PatternSpec) (*Library, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no patterns", ErrInvalidLibrary)
	}

	compiled := make([]Pattern, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for i, spec := range specs {
		p, err := compilePattern(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %d (%s): %v", ErrInvalidLibrary, i, spec.ID, err)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("%w: duplicate pattern id %q", ErrInvalidLibrary, p.ID)
		}
		seen[p.ID] = true
		compiled = append(compiled, p)
	}

	lib := &Library{
		version:  version,
		patterns: make([]Pattern, 0, len(compiled)),
		byID:     make(map[string]int, len(compiled)),
	}
	for _, t := range models.FlagTypes {
		for _, p := range compiled {
			if p.Type == t {
				lib.byID[p.ID] = len(lib.patterns)
				lib.patterns = append(lib.patterns, p)
			}
		}
	}
	return lib, nil
}

func compilePattern(spec PatternSpec) (Pattern, error) {
	if spec.ID == "" {
		return Pattern{}, errors.New("missing id")
	}
	t := models.FlagType(spec.Type)
	if !t.Valid() {
		return Pattern{}, fmt.Errorf("unknown flag type %q", spec.Type)
	}
	sev, err := models.ParseSeverity(spec.Severity)
	if err != nil {
		return Pattern{}, err
	}
	if spec.Weight <= 0 || spec.Weight > 1 {
		return Pattern{}, fmt.Errorf("weight %v outside (0,1]", spec.Weight)
	}
	if spec.MinConfidence < 0 || spec.MinConfidence > 1 {
		return Pattern{}, fmt.Errorf("min_confidence %v outside [0,1]", spec.MinConfidence)
	}
	if spec.MinConfidence > spec.Weight {
		return Pattern{}, fmt.Errorf("min_confidence %v exceeds weight %v", spec.MinConfidence, spec.Weight)
	}
	if spec.Pattern == "" {
		return Pattern{}, errors.New("empty pattern")
	}
	expr, err := regexp.Compile(spec.Pattern)
	if err != nil {
		return Pattern{}, fmt.Errorf("compile: %v", err)
	}
	return Pattern{
		ID:            spec.ID,
		Type:          t,
		Severity:      sev,
		Weight:        spec.Weight,
		MinConfidence: spec.MinConfidence,
		Expr:          expr,
		Metadata:      spec.Metadata,
	}, nil
}

// ParseLibrary decodes and validates a YAML pattern library.
func ParseLibrary(data []byte) (*Library, error) {
	var spec librarySpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLibrary, err)
	}
	return NewLibrary(spec.Version, spec.Patterns)
}

// LoadLibraryFile reads a YAML pattern library from disk.
func LoadLibraryFile(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pattern library: %w", err)
	}
	return ParseLibrary(data)
}

// DefaultLibrary returns the built-in pattern library.
func DefaultLibrary() *Library {
	lib, err := ParseLibrary(builtinPatterns)
	if err != nil {
		panic(fmt.Sprintf("built-in pattern library: %v", err))
	}
	return lib
}

// Version returns the library version string.
func (l *Library) Version() string { return l.version }

// Len returns the number of patterns.
func (l *Library) Len() int { return len(l.patterns) }

// Patterns returns a copy of the compiled patterns in evaluation order.
func (l *Library) Patterns() []Pattern {
	out := make([]Pattern, len(l.patterns))
	copy(out, l.patterns)
	return out
}

// Lookup finds a pattern by id.
func (l *Library) Lookup(id string) (Pattern, bool) {
	i, ok := l.byID[id]
	if !ok {
		return Pattern{}, false
	}
	return l.patterns[i], true
}
