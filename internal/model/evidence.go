package model

import (
	"fmt"
	"strings"
	"time"
)

// Category is one of the fixed evaluation dimensions
type Category string

const (
	CategoryExpertise      Category = "expertise"
	CategoryLeadership     Category = "leadership"
	CategoryVision         Category = "vision"
	CategoryIntegrity      Category = "integrity"
	CategoryEthics         Category = "ethics"
	CategoryAccountability Category = "accountability"
	CategoryTransparency   Category = "transparency"
	CategoryCommunication  Category = "communication"
	CategoryResponsiveness Category = "responsiveness"
	CategoryPublicInterest Category = "public_interest"
)

// Categories is the ordered set used for collection, scoring and reporting
var Categories = []Category{
	CategoryExpertise,
	CategoryLeadership,
	CategoryVision,
	CategoryIntegrity,
	CategoryEthics,
	CategoryAccountability,
	CategoryTransparency,
	CategoryCommunication,
	CategoryResponsiveness,
	CategoryPublicInterest,
}

var categoryDescriptions = map[Category]string{
	CategoryExpertise:      "professional competence and policy knowledge in the office held",
	CategoryLeadership:     "ability to set direction, build coalitions and deliver outcomes",
	CategoryVision:         "clarity and feasibility of long-term goals for the constituency",
	CategoryIntegrity:      "absence of corruption, conflicts of interest and abuse of office",
	CategoryEthics:         "conduct consistent with ethical norms and the law",
	CategoryAccountability: "acceptance of responsibility for decisions and their consequences",
	CategoryTransparency:   "openness of decisions, finances and information to the public",
	CategoryCommunication:  "quality of engagement with citizens, media and other officials",
	CategoryResponsiveness: "speed and quality of response to constituent needs and crises",
	CategoryPublicInterest: "orientation of actions toward the common good over private gain",
}

// Description returns a short prompt-ready definition of the category
func (c Category) Description() string {
	return categoryDescriptions[c]
}

func (c Category) String() string {
	return string(c)
}

// Index returns the position of the category in the fixed order, or -1
func (c Category) Index() int {
	for i, cat := range Categories {
		if cat == c {
			return i
		}
	}
	return -1
}

// ParseCategory converts a user-supplied name to a Category
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if c.Index() < 0 {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// SourceClass separates institutional records from media/public content
type SourceClass string

const (
	SourceOfficial SourceClass = "OFFICIAL"
	SourcePublic   SourceClass = "PUBLIC"
)

// SourceClasses lists every class in collection order
var SourceClasses = []SourceClass{SourceOfficial, SourcePublic}

// ParseSourceClass converts a user-supplied name to a SourceClass
func ParseSourceClass(s string) (SourceClass, error) {
	switch SourceClass(strings.ToUpper(strings.TrimSpace(s))) {
	case SourceOfficial:
		return SourceOfficial, nil
	case SourcePublic:
		return SourcePublic, nil
	}
	return "", fmt.Errorf("unknown source class %q", s)
}

// Framing is the sentiment slant requested from a collector sub-batch
type Framing string

const (
	FramingNegative Framing = "negative"
	FramingPositive Framing = "positive"
	FramingOpen     Framing = "open"
)

// EvidenceItem is one piece of supporting material for one (politician, category)
type EvidenceItem struct {
	ID              int64       `json:"id"`
	PoliticianID    string      `json:"politician_id"`
	Category        Category    `json:"category"`
	SourceClass     SourceClass `json:"source_class"`
	Collector       string      `json:"collector"`
	Title           string      `json:"title"`
	Body            string      `json:"body,omitempty"`
	Locator         string      `json:"locator"`
	NormLocator     string      `json:"normalized_locator"`
	PublishedAt     *time.Time  `json:"published_at,omitempty"`
	Seq             int         `json:"seq"`
	Verified        bool        `json:"verified"`
	ProtocolVersion string      `json:"protocol_version"`
	Framing         Framing     `json:"framing,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// GroupKey identifies the (politician, category, collector) uniqueness group
type GroupKey struct {
	PoliticianID string   `json:"politician_id"`
	Category     Category `json:"category"`
	Collector    string   `json:"collector"`
}

func (k GroupKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.PoliticianID, k.Category, k.Collector)
}

// Group returns the uniqueness group the item belongs to
func (e EvidenceItem) Group() GroupKey {
	return GroupKey{PoliticianID: e.PoliticianID, Category: e.Category, Collector: e.Collector}
}

// Cell returns the collection cell the item belongs to
func (e EvidenceItem) Cell() CellKey {
	return CellKey{GroupKey: e.Group(), SourceClass: e.SourceClass}
}

// Politician is the directory profile used to contextualize prompts
type Politician struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	Affiliation  string `json:"affiliation,omitempty" yaml:"affiliation,omitempty"`
	Jurisdiction string `json:"jurisdiction,omitempty" yaml:"jurisdiction,omitempty"`
	Office       string `json:"office,omitempty" yaml:"office,omitempty"`
}
