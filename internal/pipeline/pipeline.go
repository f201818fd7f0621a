// Package pipeline runs collection, validation, evaluation and scoring for
// one politician or a cohort.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civicledger/panelscore/internal/collect"
	"github.com/civicledger/panelscore/internal/directory"
	"github.com/civicledger/panelscore/internal/evaluate"
	"github.com/civicledger/panelscore/internal/logging"
	"github.com/civicledger/panelscore/internal/model"
	"github.com/civicledger/panelscore/internal/score"
	"github.com/civicledger/panelscore/internal/store"
	"github.com/civicledger/panelscore/internal/validate"
	"github.com/civicledger/panelscore/internal/worker"
)

// ErrShortfall is returned when a run finished but some cell or category
// is incomplete
var ErrShortfall = errors.New("completed with shortfalls")

// Store is the persistence the pipeline reads for its reports
type Store interface {
	ListEvidence(ctx context.Context, f store.EvidenceFilter) ([]model.EvidenceItem, error)
	GetCell(ctx context.Context, key model.CellKey) (model.Cell, error)
	SaveCell(ctx context.Context, c model.Cell) error
	ListCells(ctx context.Context, politicianID string) ([]model.Cell, error)
	InvalidCounts(ctx context.Context, politicianID string, category model.Category) (map[string]int, error)
}

// Stages selects which stages a run executes
type Stages struct {
	Collect  bool
	Validate bool
	Evaluate bool
	Score    bool
}

// AllStages runs everything
var AllStages = Stages{Collect: true, Validate: true, Evaluate: true, Score: true}

// Options narrows a run
type Options struct {
	Stages     Stages
	Categories []model.Category    // empty means every category
	Classes    []model.SourceClass // empty means every class
	Target     int                 // per-cell target override; 0 uses the protocol
	Collectors []string            // empty means every configured collector
	Evaluators []string            // empty means every configured evaluator
}

// Pipeline wires the stage orchestrators together
type Pipeline struct {
	store     Store
	dir       directory.Directory
	collector *collect.Orchestrator
	validator *validate.Validator
	evaluator *evaluate.Orchestrator
	scores    *score.Service
	cfg       *model.Config
	log       *zap.Logger
	now       func() time.Time
}

// New creates a pipeline over already-built stages
func New(st Store, dir directory.Directory, c *collect.Orchestrator, v *validate.Validator,
	e *evaluate.Orchestrator, s *score.Service, cfg *model.Config, log *zap.Logger) *Pipeline {
	return &Pipeline{
		store:     st,
		dir:       dir,
		collector: c,
		validator: v,
		evaluator: e,
		scores:    s,
		cfg:       cfg,
		log:       logging.OrNop(log).With(zap.String("component", "pipeline")),
		now:       time.Now,
	}
}

// job is one (politician, category) unit of work
type job struct {
	politician model.Politician
	category   model.Category
}

type jobResult struct {
	job   job
	cells []model.CellReport
	err   error
}

// Run executes the selected stages for every politician. Cells run on a
// bounded pool; a failing cell does not stop the others. The report is
// returned even when err is non-nil.
func (p *Pipeline) Run(ctx context.Context, politicianIDs []string, opts Options) (*model.RunReport, error) {
	report := &model.RunReport{RunID: uuid.NewString(), StartedAt: p.now().UTC()}
	log := p.log.With(zap.String("run", report.RunID))

	if err := p.checkProviders(opts); err != nil {
		return report, err
	}

	politicians := make([]model.Politician, 0, len(politicianIDs))
	for _, id := range politicianIDs {
		pol, err := p.dir.Lookup(ctx, id)
		if err != nil {
			return report, fmt.Errorf("lookup politician: %w", err)
		}
		politicians = append(politicians, pol)
	}

	categories := opts.Categories
	if len(categories) == 0 {
		categories = model.Categories
	}
	var jobs []job
	for _, pol := range politicians {
		for _, c := range categories {
			jobs = append(jobs, job{politician: pol, category: c})
		}
	}

	log.Info("run started",
		zap.Int("politicians", len(politicians)),
		zap.Int("cells", len(jobs)),
		zap.Bool("collect", opts.Stages.Collect),
		zap.Bool("validate", opts.Stages.Validate),
		zap.Bool("evaluate", opts.Stages.Evaluate),
		zap.Bool("score", opts.Stages.Score),
	)

	results := worker.Run(ctx, p.cfg.Concurrency.Cells, jobs, func(ctx context.Context, j job) jobResult {
		cells, err := p.runCategory(ctx, j, opts, log)
		return jobResult{job: j, cells: cells, err: err}
	})

	var errs []error
	for _, r := range results {
		if r.job.politician.ID == "" {
			// never started because the context was cancelled
			continue
		}
		report.Cells = append(report.Cells, r.cells...)
		if r.err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", r.job.politician.ID, r.job.category, r.err))
		}
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}

	if opts.Stages.Validate || opts.Stages.Evaluate {
		for _, pol := range politicians {
			cats, err := p.Summarize(context.WithoutCancel(ctx), pol.ID, categories)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			report.Categories = append(report.Categories, cats...)
		}
	}

	if opts.Stages.Score && ctx.Err() == nil {
		for _, pol := range politicians {
			final, err := p.scores.Final(ctx, pol.ID)
			if err != nil {
				errs = append(errs, fmt.Errorf("score %s: %w", pol.ID, err))
				continue
			}
			report.Scores = append(report.Scores, final)
		}
	}

	report.FinishedAt = p.now().UTC()
	log.Info("run finished",
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
		zap.Bool("shortfall", report.Shortfall()),
		zap.Int("errors", len(errs)),
	)

	if err := errors.Join(errs...); err != nil {
		return report, err
	}
	if report.Shortfall() {
		return report, ErrShortfall
	}
	return report, nil
}

// runCategory takes one (politician, category) through the selected
// stages. Cells the validator empties are recollected while they have
// rounds left; collection and recollection share one round budget.
func (p *Pipeline) runCategory(ctx context.Context, j job, opts Options, log *zap.Logger) ([]model.CellReport, error) {
	log = log.With(zap.String("politician", j.politician.ID), zap.String("category", string(j.category)))
	reports := newCellReports()
	collectors := p.collectors(opts)

	if opts.Stages.Collect {
		for _, class := range p.classes(opts) {
			res, err := p.collector.CollectFor(ctx, collectors, j.politician.ID, j.category, class, opts.Target)
			if err != nil {
				return reports.list(), fmt.Errorf("collect %s: %w", class, err)
			}
			for _, c := range res.Cells {
				reports.merge(c)
			}
		}
	}

	if opts.Stages.Validate {
		for pass := 1; ; pass++ {
			items, err := p.store.ListEvidence(ctx, store.EvidenceFilter{PoliticianID: j.politician.ID, Category: j.category})
			if err != nil {
				return reports.list(), fmt.Errorf("list evidence: %w", err)
			}
			res, err := p.validator.Validate(ctx, items)
			if err != nil {
				return reports.list(), fmt.Errorf("validate: %w", err)
			}
			for _, inv := range res.Invalid {
				reports.invalid(inv.Item.Cell(), string(inv.Reason))
			}
			if !opts.Stages.Collect {
				break
			}
			n, err := p.recollect(ctx, res.Cells(), collectors, opts, reports)
			if err != nil {
				return reports.list(), err
			}
			if n == 0 {
				break
			}
			log.Info("recollected cells after validation", zap.Int("pass", pass), zap.Int("cells", n))
		}
		if err := p.markShort(ctx, reports); err != nil {
			return reports.list(), err
		}
	}

	if opts.Stages.Evaluate {
		verified := true
		items, err := p.store.ListEvidence(ctx, store.EvidenceFilter{
			PoliticianID: j.politician.ID,
			Category:     j.category,
			Verified:     &verified,
		})
		if err != nil {
			return reports.list(), fmt.Errorf("list verified evidence: %w", err)
		}
		if len(items) > 0 {
			if _, err := p.evaluator.EvaluateWith(ctx, p.evaluators(opts), items, j.politician); err != nil {
				return reports.list(), fmt.Errorf("evaluate: %w", err)
			}
		}
	}
	return reports.list(), nil
}

// recollect refills the cells validation emptied, each with whatever is
// left of its round budget for this run. It returns how many cells ran at
// least one round; zero means the requeue loop is done.
func (p *Pipeline) recollect(ctx context.Context, keys []model.CellKey, collectors []string, opts Options, reports *cellReports) (int, error) {
	classes := p.classes(opts)
	n := 0
	for _, key := range keys {
		if !slices.Contains(collectors, key.Collector) || !slices.Contains(classes, key.SourceClass) {
			continue
		}
		left := p.cfg.Protocol.MaxRounds - reports.get(key).RoundsUsed
		if left <= 0 {
			continue
		}
		target := opts.Target
		if target <= 0 {
			target = p.cfg.Protocol.Target(key.SourceClass)
		}
		rep, _, err := p.collector.Recollect(ctx, key, target, left)
		if err != nil {
			return n, fmt.Errorf("recollect %s: %w", key, err)
		}
		reports.merge(rep)
		if rep.RoundsUsed > 0 {
			n++
		}
	}
	return n, nil
}

// markShort persists NeedsMoreData for collected cells that validation
// left below target, so the next run picks them up again
func (p *Pipeline) markShort(ctx context.Context, reports *cellReports) error {
	for _, key := range reports.order {
		r := reports.byKey[key]
		if r.State != model.CellComplete || r.Stored >= r.Target {
			continue
		}
		cell, err := p.store.GetCell(ctx, key)
		if err != nil {
			return fmt.Errorf("load cell %s: %w", key, err)
		}
		cell.CellKey = key
		cell.State = model.CellNeedsMoreData
		cell.UpdatedAt = p.now().UTC()
		if err := p.store.SaveCell(context.WithoutCancel(ctx), cell); err != nil {
			return fmt.Errorf("save cell %s: %w", key, err)
		}
		r.State = model.CellNeedsMoreData
	}
	return nil
}

func (p *Pipeline) collectors(opts Options) []string {
	if len(opts.Collectors) > 0 {
		return opts.Collectors
	}
	return p.cfg.Collectors
}

func (p *Pipeline) evaluators(opts Options) []string {
	if len(opts.Evaluators) > 0 {
		return opts.Evaluators
	}
	return p.cfg.Evaluators
}

// checkProviders rejects selections naming providers outside the
// configured collector and evaluator lists
func (p *Pipeline) checkProviders(opts Options) error {
	for _, c := range opts.Collectors {
		if !slices.Contains(p.cfg.Collectors, c) {
			return fmt.Errorf("%q is not a configured collector", c)
		}
	}
	for _, e := range opts.Evaluators {
		if !slices.Contains(p.cfg.Evaluators, e) {
			return fmt.Errorf("%q is not a configured evaluator", e)
		}
	}
	return nil
}

func (p *Pipeline) classes(opts Options) []model.SourceClass {
	if len(opts.Classes) > 0 {
		return opts.Classes
	}
	return model.SourceClasses
}

// Summarize reports verified, invalid and unrated counts per category from
// the store, and whether any of the category's cells ran out of rounds
func (p *Pipeline) Summarize(ctx context.Context, politicianID string, categories []model.Category) ([]model.CategoryReport, error) {
	if len(categories) == 0 {
		categories = model.Categories
	}
	coverage, err := p.scores.Coverage(ctx, politicianID)
	if err != nil {
		return nil, fmt.Errorf("coverage %s: %w", politicianID, err)
	}
	cells, err := p.store.ListCells(ctx, politicianID)
	if err != nil {
		return nil, fmt.Errorf("list cells: %w", err)
	}
	exhausted := make(map[model.Category]bool)
	for _, c := range cells {
		if c.State == model.CellNeedsMoreData {
			exhausted[c.Category] = true
		}
	}

	out := make([]model.CategoryReport, 0, len(categories))
	for _, c := range categories {
		invalid, err := p.store.InvalidCounts(ctx, politicianID, c)
		if err != nil {
			return nil, fmt.Errorf("invalid counts: %w", err)
		}
		total := 0
		for _, n := range invalid {
			total += n
		}
		cov := coverage[c]
		out = append(out, model.CategoryReport{
			PoliticianID: politicianID,
			Category:     c,
			Verified:     cov.Verified,
			Unverified:   cov.Unverified,
			Invalid:      total,
			Rated:        cov.Rated,
			Unrated:      cov.Unrated,
			Exhausted:    exhausted[c],
		})
	}
	return out, nil
}

// cellReports accumulates per-cell outcomes across collection passes
type cellReports struct {
	order []model.CellKey
	byKey map[model.CellKey]*model.CellReport
}

func newCellReports() *cellReports {
	return &cellReports{byKey: make(map[model.CellKey]*model.CellReport)}
}

func (c *cellReports) get(key model.CellKey) *model.CellReport {
	r, ok := c.byKey[key]
	if !ok {
		r = &model.CellReport{Cell: key}
		c.byKey[key] = r
		c.order = append(c.order, key)
	}
	return r
}

// merge folds a later pass into the cell: counters add up, state and
// stored count come from the latest pass
func (c *cellReports) merge(rep model.CellReport) {
	r := c.get(rep.Cell)
	r.State = rep.State
	r.Target = rep.Target
	r.Stored = rep.Stored
	r.Exhausted = rep.Exhausted
	r.Accepted += rep.Accepted
	r.Duplicates += rep.Duplicates
	r.ParseFails += rep.ParseFails
	r.RoundsUsed += rep.RoundsUsed
}

func (c *cellReports) invalid(key model.CellKey, reason string) {
	r, ok := c.byKey[key]
	if !ok {
		// validate-only runs report invalid counts per category instead
		return
	}
	if r.Invalid == nil {
		r.Invalid = make(map[string]int)
	}
	r.Invalid[reason]++
	r.Stored--
}

func (c *cellReports) list() []model.CellReport {
	keys := append([]model.CellKey(nil), c.order...)
	sort.SliceStable(keys, func(i, j int) bool {
		if keys[i].Collector != keys[j].Collector {
			return keys[i].Collector < keys[j].Collector
		}
		return keys[i].SourceClass < keys[j].SourceClass
	})
	out := make([]model.CellReport, 0, len(keys))
	for _, k := range keys {
		out = append(out, *c.byKey[k])
	}
	return out
}
