package model

import (
	"fmt"
	"strings"
	"time"
)

// Grade is a token of the closed ordinal rating alphabet
type Grade string

// GradeDef binds a grade token to its signed scale value
type GradeDef struct {
	Grade Grade  `json:"grade" yaml:"grade" mapstructure:"grade"`
	Value int    `json:"value" yaml:"value" mapstructure:"value"`
	Label string `json:"label,omitempty" yaml:"label,omitempty" mapstructure:"label"`
}

// GradeScale is the ordered alphabet, most positive first
type GradeScale []GradeDef

// DefaultGradeScale is the eight-point scale without a neutral grade
func DefaultGradeScale() GradeScale {
	return GradeScale{
		{Grade: "A", Value: 4, Label: "very positive"},
		{Grade: "B", Value: 3, Label: "positive"},
		{Grade: "C", Value: 2, Label: "somewhat positive"},
		{Grade: "D", Value: 1, Label: "slightly positive"},
		{Grade: "E", Value: -1, Label: "slightly negative"},
		{Grade: "F", Value: -2, Label: "somewhat negative"},
		{Grade: "G", Value: -3, Label: "negative"},
		{Grade: "H", Value: -4, Label: "very negative"},
	}
}

// Value returns the signed value of g, and false if g is not in the alphabet
func (s GradeScale) Value(g Grade) (int, bool) {
	for _, d := range s {
		if d.Grade == g {
			return d.Value, true
		}
	}
	return 0, false
}

// Parse normalizes a raw token and checks it against the alphabet
func (s GradeScale) Parse(raw string) (Grade, error) {
	tok := strings.TrimSpace(raw)
	tok = strings.Trim(tok, "\"'`[]()*.")
	tok = strings.ToUpper(strings.TrimSpace(tok))
	if tok == "" {
		return "", fmt.Errorf("empty grade")
	}
	for _, d := range s {
		if string(d.Grade) == tok {
			return d.Grade, nil
		}
	}
	return "", fmt.Errorf("grade %q not in alphabet %s", raw, s.Tokens())
}

// Neutral returns the zero-valued grade, if the alphabet has one
func (s GradeScale) Neutral() (Grade, bool) {
	for _, d := range s {
		if d.Value == 0 {
			return d.Grade, true
		}
	}
	return "", false
}

// Max returns N for a symmetric +N..-N scale
func (s GradeScale) Max() int {
	if len(s) == 0 {
		return 0
	}
	return s[0].Value
}

// Tokens renders the alphabet as "A|B|C..."
func (s GradeScale) Tokens() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = string(d.Grade)
	}
	return strings.Join(parts, "|")
}

// Validate checks the scale is strictly decreasing and symmetric
func (s GradeScale) Validate() error {
	if len(s) < 2 {
		return fmt.Errorf("grade scale needs at least 2 grades, got %d", len(s))
	}
	seen := make(map[Grade]bool, len(s))
	for i, d := range s {
		if d.Grade == "" {
			return fmt.Errorf("grade %d has empty token", i)
		}
		if seen[d.Grade] {
			return fmt.Errorf("duplicate grade %q", d.Grade)
		}
		seen[d.Grade] = true
		if i > 0 && d.Value >= s[i-1].Value {
			return fmt.Errorf("grade values must strictly decrease: %q=%d after %q=%d",
				d.Grade, d.Value, s[i-1].Grade, s[i-1].Value)
		}
	}
	if s[0].Value != -s[len(s)-1].Value {
		return fmt.Errorf("grade scale is not symmetric: %+d..%+d", s[0].Value, s[len(s)-1].Value)
	}
	return nil
}

// Rating is one evaluator's assessment of one EvidenceItem
type Rating struct {
	EvidenceID int64     `json:"evidence_id"`
	Evaluator  string    `json:"evaluator"`
	Grade      Grade     `json:"grade"`
	Value      int       `json:"value"`
	Rationale  string    `json:"rationale,omitempty"`
	Session    string    `json:"session"`
	RatedAt    time.Time `json:"rated_at"`

	// Denormalized from the evidence item for scoring and reliability
	PoliticianID string   `json:"politician_id,omitempty"`
	Category     Category `json:"category,omitempty"`
	Collector    string   `json:"collector,omitempty"`
}
