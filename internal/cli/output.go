package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/civicledger/panelscore/internal/model"
)

// newTable creates a markdown-style table with left-aligned cells
func newTable(w io.Writer, headers ...string) *tablewriter.Table {
	cfg := tablewriter.Config{
		Header: tw.CellConfig{
			Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			Formatting: tw.CellFormatting{AutoFormat: tw.Off},
		},
		Row: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
		Behavior: tw.Behavior{TrimSpace: tw.Off},
	}
	return tablewriter.NewTable(w,
		tablewriter.WithConfig(cfg),
		tablewriter.WithHeader(headers),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Symbols: tw.NewSymbols(tw.StyleMarkdown),
			Borders: tw.Border{Left: tw.On, Top: tw.Off, Right: tw.On, Bottom: tw.Off},
		}),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printRunReport prints the cell table, the per-category summary and any
// scores a run produced
func printRunReport(w io.Writer, r *model.RunReport) error {
	if len(r.Cells) > 0 {
		fmt.Fprintf(w, "\nCells (run %s)\n\n", r.RunID)
		if err := printCellReports(w, r.Cells); err != nil {
			return err
		}
	}
	if len(r.Categories) > 0 {
		fmt.Fprintln(w, "\nCategories")
		fmt.Fprintln(w)
		if err := printCategoryReports(w, r.Categories); err != nil {
			return err
		}
	}
	for _, s := range r.Scores {
		if err := printFinalScore(w, s); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "\nFinished in %s", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	if r.Shortfall() {
		fmt.Fprint(w, " with shortfalls")
	}
	fmt.Fprintln(w)
	return nil
}

func printCellReports(w io.Writer, cells []model.CellReport) error {
	t := newTable(w, "Cell", "State", "Stored", "Target", "Accepted", "Dup", "Parse fail", "Rounds", "Invalid")
	for _, c := range cells {
		state := string(c.State)
		if c.Exhausted {
			state += " (exhausted)"
		}
		_ = t.Append([]string{
			c.Cell.String(), state,
			fmt.Sprint(c.Stored), fmt.Sprint(c.Target), fmt.Sprint(c.Accepted),
			fmt.Sprint(c.Duplicates), fmt.Sprint(c.ParseFails), fmt.Sprint(c.RoundsUsed),
			formatCounts(c.Invalid),
		})
	}
	return t.Render()
}

func printCategoryReports(w io.Writer, cats []model.CategoryReport) error {
	t := newTable(w, "Politician", "Category", "Verified", "Unverified", "Invalid", "Rated", "Unrated", "Budget")
	for _, c := range cats {
		budget := "ok"
		if c.Exhausted {
			budget = "exhausted"
		}
		_ = t.Append([]string{
			c.PoliticianID, string(c.Category),
			fmt.Sprint(c.Verified), fmt.Sprint(c.Unverified), fmt.Sprint(c.Invalid),
			fmt.Sprint(c.Rated), fmt.Sprint(c.Unrated), budget,
		})
	}
	return t.Render()
}

func printFinalScore(w io.Writer, s model.FinalScore) error {
	fmt.Fprintf(w, "\n%s: %d (%s)\n\n", s.PoliticianID, s.Total, s.Tier)
	t := newTable(w, "Category", "Score", "Ratings", "Mean")
	for _, c := range s.Categories {
		_ = t.Append([]string{string(c.Category), fmt.Sprint(c.Score), fmt.Sprint(c.Count), fmt.Sprintf("%+.2f", c.Mean)})
	}
	if err := t.Render(); err != nil {
		return err
	}
	for _, c := range s.Caveats {
		fmt.Fprintf(w, "  ! %s\n", c)
	}
	return nil
}

func printReliability(w io.Writer, r model.ReliabilityReport) error {
	fmt.Fprintf(w, "\nReliability of %s (%s mode)\n\n", r.Subject, r.Mode)
	t := newTable(w, "Scope", "Evaluators", "Units", "ICC(2,1)", "ICC units", "ICC panels", "Mean CV")
	rows := append([]model.ReliabilityStats{r.Aggregate}, r.Categories...)
	for _, s := range rows {
		_ = t.Append([]string{
			s.Scope, strings.Join(s.Evaluators, ","), fmt.Sprint(s.Units),
			formatStat(s.ICC), fmt.Sprint(s.ICCUnits), fmt.Sprint(s.ICCPanels), formatStat(s.MeanCV),
		})
	}
	if err := t.Render(); err != nil {
		return err
	}

	if len(r.Aggregate.Pairs) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	p := newTable(w, "Pair", "N", "Pearson", "Spearman")
	for _, pair := range r.Aggregate.Pairs {
		_ = p.Append([]string{pair.A + " / " + pair.B, fmt.Sprint(pair.N), formatStat(pair.Pearson), formatStat(pair.Spearman)})
	}
	return p.Render()
}

func printCells(w io.Writer, cells []model.Cell) error {
	t := newTable(w, "Cell", "State", "Rounds", "Updated")
	for _, c := range cells {
		_ = t.Append([]string{c.CellKey.String(), string(c.State), fmt.Sprint(c.RoundsUsed), c.UpdatedAt.Format("2006-01-02 15:04")})
	}
	return t.Render()
}

// formatStat prints an undefined statistic as n/a, never as zero
func formatStat(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.3f", *v)
}

func formatCounts(m map[string]int) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return strings.Join(parts, " ")
}
