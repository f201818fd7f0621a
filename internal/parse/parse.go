// Package parse extracts structured JSON from free-form judge output.
//
// Extraction runs in a fixed order: a fenced code block if present,
// otherwise the largest balanced bracketed region; then a strict parse;
// then one repair pass. Anything still unparseable is a *ParseError.
package parse

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Stage names the step at which parsing gave up
type Stage string

const (
	StageExtract Stage = "extract"
	StageStrict  Stage = "strict"
	StageRepair  Stage = "repair"
	StageShape   Stage = "shape"
)

// ErrEmpty is returned for blank responses
var ErrEmpty = errors.New("empty response")

// ParseError is the typed failure of Extract and the decoders built on it
type ParseError struct {
	Stage   Stage
	Snippet string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v (near %q)", e.Stage, e.Err, e.Snippet)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*[ \t]*\r?\n?(.*?)```")

// Extract returns the JSON document embedded in raw
func Extract(raw string) (json.RawMessage, error) {
	text := clean(raw)
	if strings.TrimSpace(text) == "" {
		return nil, &ParseError{Stage: StageExtract, Err: ErrEmpty}
	}

	var candidates []region
	if block := fencedBlock(text); block != "" {
		candidates = regions(block)
		if len(candidates) == 0 {
			candidates = []region{{text: block}}
		}
	} else {
		candidates = regions(text)
	}
	if len(candidates) == 0 {
		return nil, &ParseError{Stage: StageExtract, Snippet: snippet(text), Err: errors.New("no bracketed region")}
	}

	for _, c := range candidates {
		if doc, ok := parseRegion(c); ok {
			return doc, nil
		}
	}

	first := candidates[0].text
	var syntaxErr error = errors.New("invalid JSON")
	var v any
	if err := json.Unmarshal([]byte(Repair(first)), &v); err != nil {
		syntaxErr = err
	}
	return nil, &ParseError{Stage: StageRepair, Snippet: snippet(first), Err: syntaxErr}
}

// maxTrims bounds how many trailing elements a truncated document may lose
const maxTrims = 32

// parseRegion accepts c as is or after repair. A region cut off before its
// closing bracket is also retried with its trailing elements dropped one
// at a time, since the last element is usually cut mid-key.
func parseRegion(c region) (json.RawMessage, bool) {
	if json.Valid([]byte(c.text)) {
		return json.RawMessage(c.text), true
	}
	if repaired := Repair(c.text); json.Valid([]byte(repaired)) {
		return json.RawMessage(repaired), true
	}
	if !c.open {
		return nil, false
	}
	cut := c.text
	for range maxTrims {
		i := lastComma(cut)
		if i < 0 {
			break
		}
		cut = cut[:i]
		if repaired := Repair(cut); json.Valid([]byte(repaired)) {
			return json.RawMessage(repaired), true
		}
	}
	return nil, false
}

// Decode extracts the JSON document in raw and unmarshals it into v
func Decode(raw string, v any) error {
	doc, err := Extract(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(doc, v); err != nil {
		return &ParseError{Stage: StageShape, Snippet: snippet(string(doc)), Err: err}
	}
	return nil
}

// clean strips a BOM and zero-width characters models sometimes emit
func clean(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\uFEFF', '\u200B', '\u200C', '\u200D', '\u2060':
			return -1
		}
		return r
	}, s)
}

// fencedBlock returns the longest fenced block that looks like JSON
func fencedBlock(s string) string {
	best := ""
	for _, m := range fencePattern.FindAllStringSubmatch(s, -1) {
		body := strings.TrimSpace(m[1])
		if !strings.ContainsAny(body, "{[") {
			continue
		}
		if len(body) > len(best) {
			best = body
		}
	}
	return best
}

// region is a bracketed span of a response; open means it runs to the
// end of input without closing
type region struct {
	text string
	open bool
}

// regions returns the spans worth parsing, best first. When the first
// opening bracket never closes, the response was most likely cut off, so
// everything from that bracket on comes before the largest balanced
// region, which would otherwise be one inner element.
func regions(s string) []region {
	best := ""
	firstOpen, firstClosed := -1, false
	for i := 0; i < len(s); i++ {
		if s[i] != '{' && s[i] != '[' {
			continue
		}
		end := matchClose(s, i)
		if firstOpen < 0 {
			firstOpen, firstClosed = i, end >= 0
		}
		if end < 0 {
			continue
		}
		if end-i+1 > len(best) {
			best = s[i : end+1]
		}
		i = end
	}

	var out []region
	if firstOpen >= 0 && !firstClosed {
		out = append(out, region{text: strings.TrimSpace(s[firstOpen:]), open: true})
	}
	if best != "" {
		out = append(out, region{text: best})
	}
	return out
}

// matchClose finds the bracket closing s[start], honoring JSON strings
func matchClose(s string, start int) int {
	var stack []byte
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}

// isSmartDouble reports typographic double quotes used as JSON delimiters
func isSmartDouble(r rune) bool {
	switch r {
	case '\u201C', '\u201D', '\u201E', '\u201F':
		return true
	}
	return false
}

// Repair fixes the defects models commonly produce: typographic quotes
// used as delimiters, unescaped control characters inside strings,
// trailing commas and unterminated strings or brackets.
func Repair(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	var stack []byte
	inString := false
	smartOpen := false
	escaped := false

	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
				b.WriteRune(r)
			case r == '\\':
				escaped = true
				b.WriteRune(r)
			case r == '"' || (smartOpen && isSmartDouble(r)):
				inString = false
				b.WriteByte('"')
			case r == '\n':
				b.WriteString(`\n`)
			case r == '\r':
				b.WriteString(`\r`)
			case r == '\t':
				b.WriteString(`\t`)
			case r < 0x20:
				fmt.Fprintf(&b, `\u%04x`, r)
			default:
				b.WriteRune(r)
			}
			continue
		}

		switch {
		case r == '"' || isSmartDouble(r):
			inString = true
			smartOpen = r != '"'
			b.WriteByte('"')
			continue
		case r == '{':
			stack = append(stack, '}')
		case r == '[':
			stack = append(stack, ']')
		case r == '}' || r == ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case r == ',':
			if next := nextNonSpace(s, i+1); next == '}' || next == ']' || next == 0 {
				continue
			}
		}
		b.WriteRune(r)
	}

	if inString {
		if escaped {
			b.WriteByte('\\')
		}
		b.WriteByte('"')
	}
	out := strings.TrimRight(b.String(), " \t\r\n")
	out = strings.TrimSuffix(out, ",")
	for i := len(stack) - 1; i >= 0; i-- {
		out += string(stack[i])
	}
	return out
}

// lastComma returns the index of the last comma outside a JSON string
func lastComma(s string) int {
	last := -1
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case ',':
			last = i
		}
	}
	return last
}

func nextNonSpace(s string, from int) byte {
	for i := from; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return s[i]
	}
	return 0
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
