package parse

import (
	"bufio"
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"
)

// Item is one piece of evidence as returned by a collector
type Item struct {
	Title     string `json:"title" jsonschema:"required" jsonschema_description:"Headline or document title"`
	Body      string `json:"body" jsonschema_description:"Two to four sentence factual summary of the material"`
	Source    string `json:"source" jsonschema:"required" jsonschema_description:"Canonical URL or platform handle of the material"`
	Published string `json:"published" jsonschema:"required" jsonschema_description:"Publication date as YYYY-MM-DD"`

	URL string `json:"url,omitempty" jsonschema:"-"`
}

// Locator returns the source, falling back to a url field
func (i Item) Locator() string {
	if s := strings.TrimSpace(i.Source); s != "" {
		return s
	}
	return strings.TrimSpace(i.URL)
}

// ItemList is the collector response envelope
type ItemList struct {
	Items []Item `json:"items" jsonschema:"required"`
}

// RatingLine is one graded item as returned by an evaluator
type RatingLine struct {
	Index     FlexInt `json:"index" jsonschema:"required" jsonschema_description:"1-based position of the item in the batch"`
	Grade     string  `json:"grade" jsonschema:"required" jsonschema_description:"One grade token from the allowed alphabet"`
	Rationale string  `json:"rationale" jsonschema_description:"One sentence justification"`
}

// RatingList is the evaluator response envelope
type RatingList struct {
	Ratings []RatingLine `json:"ratings" jsonschema:"required"`
}

// FlexInt accepts 3, 3.0 and "3"
type FlexInt int

// UnmarshalJSON implements json.Unmarshaler
func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "#"), "item ")
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		*f = FlexInt(n)
		return nil
	}
	fl, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = FlexInt(int(fl))
	return nil
}

// Items decodes a collector response. A bare array or an object with an
// "items", "evidence" or "results" key are all accepted.
func Items(raw string) ([]Item, error) {
	doc, err := Extract(raw)
	if err != nil {
		return nil, err
	}
	var items []Item
	if err := decodeList(doc, &items, "items", "evidence", "results"); err != nil {
		return nil, err
	}
	return items, nil
}

var ratingLinePattern = regexp.MustCompile(`^\s*(?:item\s*)?[\[#(]?(\d+)[\])]?\s*[:.)\-]?\s*(?:grade\s*[:=]?\s*)?[\["'*]*([A-Za-z])\b[\]"'*]*\s*(?:[-:|\x{2013}\x{2014}]\s*)?(.*)$`)

// RatingLines decodes an evaluator response. JSON is tried first; if it
// yields nothing, a line-oriented "3: B - rationale" form is accepted.
func RatingLines(raw string) ([]RatingLine, error) {
	doc, err := Extract(raw)
	if err == nil {
		var lines []RatingLine
		if err = decodeList(doc, &lines, "ratings", "results", "items"); err == nil && len(lines) > 0 {
			return lines, nil
		}
	}

	if lines := scanRatingLines(raw); len(lines) > 0 {
		return lines, nil
	}
	if err == nil {
		err = &ParseError{Stage: StageShape, Snippet: snippet(raw), Err: errors.New("no ratings in response")}
	}
	return nil, err
}

func scanRatingLines(raw string) []RatingLine {
	var out []RatingLine
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		m := ratingLinePattern.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, RatingLine{
			Index:     FlexInt(idx),
			Grade:     m[2],
			Rationale: strings.TrimSpace(m[3]),
		})
	}
	return out
}

// decodeList unmarshals doc as a list, unwrapping the first matching key
func decodeList(doc json.RawMessage, v any, keys ...string) error {
	trimmed := strings.TrimSpace(string(doc))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(doc, v); err != nil {
			return &ParseError{Stage: StageShape, Snippet: snippet(trimmed), Err: err}
		}
		return nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(doc, &envelope); err != nil {
		return &ParseError{Stage: StageShape, Snippet: snippet(trimmed), Err: err}
	}
	for _, k := range keys {
		for ek, ev := range envelope {
			if !strings.EqualFold(ek, k) {
				continue
			}
			if err := json.Unmarshal(ev, v); err != nil {
				return &ParseError{Stage: StageShape, Snippet: snippet(string(ev)), Err: err}
			}
			return nil
		}
	}
	return &ParseError{Stage: StageShape, Snippet: snippet(trimmed), Err: errors.New("no list field in response")}
}

var reflector = jsonschema.Reflector{
	RequiredFromJSONSchemaTags: true,
	ExpandedStruct:             true,
	DoNotReference:             true,
}

// Schema returns the indented JSON schema of v for embedding in prompts
func Schema(v any) string {
	s := reflector.Reflect(v)
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}
