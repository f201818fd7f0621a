package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/civicledger/panelscore/internal/model"
	"github.com/civicledger/panelscore/internal/pipeline"
	"github.com/civicledger/panelscore/internal/reliability"
	"github.com/civicledger/panelscore/internal/store"
)

var scoreSel = &selection{}

var scoreCmd = &cobra.Command{
	Use:   "score [politician-id...]",
	Short: "Print category and final scores",
	Long: `Compute scores from the stored ratings. Each category score is
clamp(round((6.0 + mean * 0.5) * 10), 20, 100); the final score is the sum
of the ten category scores clamped to 200..1000 and mapped to a tier.

A score whose inputs are incomplete is printed with caveats and the command
exits with status 2.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		ids, err := scoreSel.ids(a, args)
		if err != nil {
			return err
		}
		opts, err := scoreSel.options(pipeline.Stages{Score: true})
		if err != nil {
			return err
		}

		var finals []model.FinalScore
		shortfall := false
		for _, id := range ids {
			if _, err := a.dir.Lookup(ctx, id); err != nil {
				return fmt.Errorf("lookup politician: %w", err)
			}
			final, err := a.scores.Final(ctx, id)
			if err != nil {
				return err
			}
			if !final.Complete {
				shortfall = true
			}
			if len(opts.Categories) > 0 {
				final.Categories = keepCategories(final.Categories, opts.Categories)
			}
			finals = append(finals, final)
		}

		if jsonOutput {
			if err := writeJSON(cmd.OutOrStdout(), finals); err != nil {
				return err
			}
		} else {
			for _, f := range finals {
				if err := printFinalScore(cmd.OutOrStdout(), f); err != nil {
					return err
				}
			}
		}
		if shortfall {
			return pipeline.ErrShortfall
		}
		return nil
	},
}

func keepCategories(scores []model.CategoryScore, keep []model.Category) []model.CategoryScore {
	want := make(map[model.Category]bool, len(keep))
	for _, c := range keep {
		want[c] = true
	}
	var out []model.CategoryScore
	for _, s := range scores {
		if want[s.Category] {
			out = append(out, s)
		}
	}
	return out
}

var (
	reliabilitySel  = &selection{}
	reliabilityMode string
)

var reliabilityCmd = &cobra.Command{
	Use:   "reliability [politician-id...]",
	Short: "Report agreement between evaluators",
	Long: `Compute pairwise Pearson and Spearman correlations, ICC(2,1) and the
coefficient of variation across evaluators.

In item mode the units are evidence items of one politician. In cohort mode
the units are politicians, each evaluator contributing its mean grade per
politician and category. Statistics that are undefined for the data are
printed as n/a.

Example:
  panelscore reliability kim-minji
  panelscore reliability --file cohort.txt --mode cohort`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		ids, err := reliabilitySel.ids(a, args)
		if err != nil {
			return err
		}
		opts, err := reliabilitySel.options(pipeline.Stages{})
		if err != nil {
			return err
		}
		mode := reliabilityMode
		if mode == "" {
			mode = reliability.ModeItem
			if len(ids) > 1 {
				mode = reliability.ModeCohort
			}
		}

		byID := make(map[string][]model.Rating, len(ids))
		var all []model.Rating
		for _, id := range ids {
			ratings, err := a.store.ListRatings(ctx, store.RatingFilter{PoliticianID: id})
			if err != nil {
				return err
			}
			ratings = filterRatings(ratings, opts.Categories)
			byID[id] = ratings
			all = append(all, ratings...)
		}

		var reports []model.ReliabilityReport
		switch mode {
		case reliability.ModeItem:
			for _, id := range ids {
				reports = append(reports, reliability.Analyze(id, byID[id]))
			}
		case reliability.ModeCohort:
			reports = append(reports, reliability.AnalyzeCohort(cohortName(reliabilitySel, ids), all))
		default:
			return fmt.Errorf("unknown mode %q (supported: item, cohort)", mode)
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), reports)
		}
		for _, r := range reports {
			if err := printReliability(cmd.OutOrStdout(), r); err != nil {
				return err
			}
		}
		return nil
	},
}

func filterRatings(ratings []model.Rating, categories []model.Category) []model.Rating {
	if len(categories) == 0 {
		return ratings
	}
	want := make(map[model.Category]bool, len(categories))
	for _, c := range categories {
		want[c] = true
	}
	out := ratings[:0]
	for _, r := range ratings {
		if want[r.Category] {
			out = append(out, r)
		}
	}
	return out
}

func cohortName(sel *selection, ids []string) string {
	if sel.file != "" {
		return sel.file
	}
	if len(ids) <= 3 {
		return strings.Join(ids, ",")
	}
	return fmt.Sprintf("%d politicians", len(ids))
}

var statusSel = &selection{}

var statusCmd = &cobra.Command{
	Use:   "status [politician-id...]",
	Short: "Show cell states and evidence counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		ids, err := statusSel.ids(a, args)
		if err != nil {
			return err
		}
		opts, err := statusSel.options(pipeline.Stages{})
		if err != nil {
			return err
		}

		type status struct {
			PoliticianID string                 `json:"politician_id"`
			Cells        []model.Cell           `json:"cells"`
			Categories   []model.CategoryReport `json:"categories"`
		}
		var out []status
		for _, id := range ids {
			if _, err := a.dir.Lookup(ctx, id); err != nil {
				return fmt.Errorf("lookup politician: %w", err)
			}
			cells, err := a.store.ListCells(ctx, id)
			if err != nil {
				return err
			}
			cats, err := a.pipeline.Summarize(ctx, id, opts.Categories)
			if err != nil {
				return err
			}
			out = append(out, status{PoliticianID: id, Cells: cells, Categories: cats})
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), out)
		}
		w := cmd.OutOrStdout()
		for _, s := range out {
			fmt.Fprintf(w, "\n%s\n\n", s.PoliticianID)
			if len(s.Cells) == 0 {
				fmt.Fprintln(w, "no cells collected yet")
			} else if err := printCells(w, s.Cells); err != nil {
				return err
			}
			fmt.Fprintln(w)
			if err := printCategoryReports(w, s.Categories); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	scoreSel.bind(scoreCmd, pipeline.Stages{})
	reliabilitySel.bind(reliabilityCmd, pipeline.Stages{})
	reliabilityCmd.Flags().StringVar(&reliabilityMode, "mode", "", "item or cohort (default item for one politician, cohort for several)")
	statusSel.bind(statusCmd, pipeline.Stages{})

	rootCmd.AddCommand(scoreCmd, reliabilityCmd, statusCmd)
}
