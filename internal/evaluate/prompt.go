package evaluate

import (
	"fmt"
	"strings"

	"github.com/civicledger/panelscore/internal/model"
	"github.com/civicledger/panelscore/internal/parse"
)

const systemPrompt = `You are an independent evaluator rating evidence about a public official.
Judge each item only on what it shows about the named category. Do not reward or penalize
items for their source, tone or length. Rate every item exactly once.
Respond with JSON only, matching the schema you are given.`

var ratingSchema = parse.Schema(&parse.RatingList{})

// buildPrompt renders a batch from stored item fields only. Items are
// numbered from 1 in batch order.
func buildPrompt(p model.Politician, category model.Category, grades model.GradeScale, batch []model.EvidenceItem) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Official: %s", p.Name)
	if p.Office != "" {
		fmt.Fprintf(&b, " (%s)", p.Office)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Category: %s - %s\n\n", category, category.Description())

	b.WriteString("Grades, from most positive to most negative:\n")
	for _, g := range grades {
		fmt.Fprintf(&b, "  %s = %s\n", g.Grade, gradeLabel(g))
	}
	fmt.Fprintf(&b, "Use only these letters: %s.\n\n", grades.Tokens())

	b.WriteString("Items:\n")
	for i, it := range batch {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, it.Title)
		if it.PublishedAt != nil {
			fmt.Fprintf(&b, "    Published: %s\n", it.PublishedAt.Format("2006-01-02"))
		}
		fmt.Fprintf(&b, "    Source: %s\n", it.Locator)
		if body := strings.TrimSpace(it.Body); body != "" {
			fmt.Fprintf(&b, "    %s\n", body)
		}
	}

	fmt.Fprintf(&b, "\nReturn one rating per item, using the item number as index (1 to %d).\n", len(batch))
	b.WriteString("Respond with a JSON object matching this schema:\n")
	b.WriteString(ratingSchema)
	b.WriteString("\n")
	return b.String()
}

func gradeLabel(g model.GradeDef) string {
	if g.Label != "" {
		return fmt.Sprintf("%s (%+d)", g.Label, g.Value)
	}
	return fmt.Sprintf("%+d", g.Value)
}
