package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/civicledger/panelscore/internal/model"
	"github.com/civicledger/panelscore/internal/pipeline"
	"github.com/civicledger/panelscore/internal/worker"
)

// selection is the politician and cell selection shared by every stage
// command
type selection struct {
	file       string
	all        bool
	categories []string
	classes    []string
	target     int
	providers  []string
	evaluators []string
}

func (s *selection) bind(cmd *cobra.Command, stages pipeline.Stages) {
	cmd.Flags().StringVarP(&s.file, "file", "f", "", "file of politician ids, one per line")
	cmd.Flags().BoolVar(&s.all, "all", false, "every politician in the directory")
	cmd.Flags().StringSliceVarP(&s.categories, "category", "c", nil, "restrict to these categories (default all ten)")
	if stages.Collect {
		cmd.Flags().StringSliceVar(&s.classes, "class", nil, "restrict to these source classes (official, public)")
		cmd.Flags().IntVar(&s.target, "target", 0, "per-cell target override (default from protocol)")
		cmd.Flags().StringSliceVarP(&s.providers, "provider", "p", nil, "collect with these collectors only (default all configured)")
	}
	if stages.Evaluate {
		cmd.Flags().StringSliceVarP(&s.evaluators, "evaluator", "e", nil, "evaluate with these evaluators only (default all configured)")
	}
}

// ids resolves the positional ids, --file and --all into one ordered,
// de-duplicated list
func (s *selection) ids(a *app, args []string) ([]string, error) {
	var ids []string
	if s.file != "" {
		fromFile, err := worker.ReadIDsFromFile(s.file)
		if err != nil {
			return nil, err
		}
		ids = append(ids, fromFile...)
	}
	if s.all {
		all, err := a.files.IDs()
		if err != nil {
			return nil, fmt.Errorf("list directory: %w", err)
		}
		ids = append(ids, all...)
	}
	ids = append(ids, args...)

	out := dedupe(ids)
	if len(out) == 0 {
		return nil, errors.New("no politicians selected: pass ids, --file or --all")
	}
	return out, nil
}

// dedupe drops repeated and blank names, keeping first occurrences
func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	var out []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

func (s *selection) options(stages pipeline.Stages) (pipeline.Options, error) {
	opts := pipeline.Options{
		Stages:     stages,
		Target:     s.target,
		Collectors: dedupe(s.providers),
		Evaluators: dedupe(s.evaluators),
	}
	if s.target < 0 {
		return opts, fmt.Errorf("--target must not be negative")
	}
	for _, raw := range s.categories {
		c, err := model.ParseCategory(raw)
		if err != nil {
			return opts, err
		}
		opts.Categories = append(opts.Categories, c)
	}
	for _, raw := range s.classes {
		c, err := model.ParseSourceClass(raw)
		if err != nil {
			return opts, err
		}
		opts.Classes = append(opts.Classes, c)
	}
	return opts, nil
}

// stageCommand builds a command that runs the pipeline with the given
// stages and prints the run report
func stageCommand(use, short, long string, stages pipeline.Stages) *cobra.Command {
	sel := &selection{}
	cmd := &cobra.Command{
		Use:   use + " [politician-id...]",
		Short: short,
		Long:  long,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			ids, err := sel.ids(a, args)
			if err != nil {
				return err
			}
			opts, err := sel.options(stages)
			if err != nil {
				return err
			}

			report, runErr := a.pipeline.Run(ctx, ids, opts)
			if report != nil {
				var printErr error
				if jsonOutput {
					printErr = writeJSON(cmd.OutOrStdout(), report)
				} else {
					printErr = printRunReport(cmd.OutOrStdout(), report)
				}
				if printErr != nil && runErr == nil {
					return printErr
				}
			}
			return runErr
		},
	}
	sel.bind(cmd, stages)
	return cmd
}

var collectCmd = stageCommand("collect",
	"Collect evidence from every collector",
	`Ask each configured collector for evidence about the selected politicians,
one cell per (politician, category, collector, source class). Collection
stops at the cell target or when the round budget is spent; exhausted cells
are marked needs_more_data.

Example:
  panelscore collect kim-minji --category ethics,integrity
  panelscore collect --file cohort.txt --class official --target 10
  panelscore collect kim-minji --provider anthropic`,
	pipeline.Stages{Collect: true})

var validateCmd = stageCommand("validate",
	"Validate stored evidence",
	`Check unverified evidence for required fields, source class consistency,
the publication window, duplicates and locator reachability. Invalid items
are deleted and logged; valid ones are marked verified. Verified items are
never re-checked.`,
	pipeline.Stages{Validate: true})

var evaluateCmd = stageCommand("evaluate",
	"Have evaluators grade verified evidence",
	`Send verified evidence in batches to every evaluator that did not collect
it. Each (item, evaluator) keeps exactly one rating; re-evaluation
overwrites.

Example:
  panelscore evaluate kim-minji --evaluator gemini --category vision`,
	pipeline.Stages{Evaluate: true})

var runCmd = stageCommand("run",
	"Collect, validate, evaluate and score",
	`Run every stage in order. Cells the validator empties are recollected
while they have rounds left; collection and recollection share the round
budget, and cells still short are reported as shortfalls.

Example:
  panelscore run kim-minji
  panelscore run --file cohort.txt --json > report.json`,
	pipeline.AllStages)

func init() {
	rootCmd.AddCommand(collectCmd, validateCmd, evaluateCmd, runCmd)
}
