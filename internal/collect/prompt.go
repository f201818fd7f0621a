package collect

import (
	"fmt"
	"strings"
	"time"

	"github.com/civicledger/panelscore/internal/model"
	"github.com/civicledger/panelscore/internal/parse"
)

const systemPrompt = `You are a research assistant compiling verifiable public-record evidence about elected officials.
Only report material you can attribute to a specific, citable source.
Never invent URLs, titles or dates. If you cannot find enough material, return fewer items.
Respond with JSON only, matching the schema you are given.`

var sourceClassDefinitions = map[model.SourceClass]string{
	model.SourceOfficial: "OFFICIAL sources only: institutional records published by legislatures, government " +
		"ministries, courts, election commissions and audit bodies (for example bill records, roll-call votes, " +
		"committee minutes, asset disclosures, court rulings). No news outlets, blogs or social media.",
	model.SourcePublic: "PUBLIC sources only: news reporting, interviews, op-eds, NGO reports and the official's " +
		"own public social media posts. No government or legislature websites.",
}

var framingInstructions = map[model.Framing]string{
	model.FramingNegative: "Focus on material that reflects critically on the official in this category (failures, controversies, criticism).",
	model.FramingPositive: "Focus on material that reflects favorably on the official in this category (achievements, praise, delivered commitments).",
	model.FramingOpen:     "Report the most relevant material regardless of whether it reflects favorably or critically.",
}

var itemSchema = parse.Schema(&parse.ItemList{})

// promptInput is everything a collector prompt is built from
type promptInput struct {
	Politician model.Politician
	Category   model.Category
	Class      model.SourceClass
	Framing    model.Framing
	Count      int
	From, To   time.Time
	Exclude    []string
}

func buildPrompt(in promptInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Subject: %s", in.Politician.Name)
	var details []string
	for _, d := range []string{in.Politician.Office, in.Politician.Affiliation, in.Politician.Jurisdiction} {
		if d != "" {
			details = append(details, d)
		}
	}
	if len(details) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(details, ", "))
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "Category: %s - %s\n", in.Category, in.Category.Description())
	fmt.Fprintf(&b, "Sources: %s\n", sourceClassDefinitions[in.Class])
	fmt.Fprintf(&b, "Date window: only material published between %s and %s.\n",
		in.From.Format("2006-01-02"), in.To.Format("2006-01-02"))
	b.WriteString(framingInstructions[in.Framing])
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Return up to %d distinct items. Each item needs a title, a two to four sentence factual body, "+
		"the canonical source URL (or the platform handle and post id for social media) and the publication date.\n", in.Count)

	if len(in.Exclude) > 0 {
		b.WriteString("\nThese sources are already recorded; do not return them again:\n")
		for _, loc := range in.Exclude {
			fmt.Fprintf(&b, "- %s\n", loc)
		}
	}

	b.WriteString("\nRespond with a JSON object matching this schema:\n")
	b.WriteString(itemSchema)
	b.WriteString("\n")
	return b.String()
}
