// Package evaluate has every configured evaluator grade stored evidence in
// small stateless batches.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/civicledger/panelscore/internal/llm"
	"github.com/civicledger/panelscore/internal/logging"
	"github.com/civicledger/panelscore/internal/metrics"
	"github.com/civicledger/panelscore/internal/model"
	"github.com/civicledger/panelscore/internal/parse"
)

// ErrInvalidGrade is a grade outside the configured alphabet
var ErrInvalidGrade = errors.New("grade outside alphabet")

// Unrated reasons
const (
	ReasonProviderError = "provider_error"
	ReasonParseFailure  = "parse_failure"
	ReasonInvalidGrade  = "invalid_grade"
	ReasonMissing       = "missing"
)

// Store is the persistence the orchestrator needs
type Store interface {
	RatedIDs(ctx context.Context, evaluator, politicianID string, category model.Category) (map[int64]bool, error)
	UpsertRatings(ctx context.Context, ratings []model.Rating) error
}

// Judges resolves provider names to judges
type Judges interface {
	Get(name string) (llm.Judge, error)
}

// UnratedItem is an item an evaluator could not grade
type UnratedItem struct {
	Item      model.EvidenceItem
	Evaluator string
	Reason    string
}

// Result is what one Evaluate call produced
type Result struct {
	Ratings []model.Rating
	Unrated []UnratedItem
	// Skipped counts items not sent because they were already rated or
	// self-collected
	Skipped int
}

// Orchestrator runs evaluation batches
type Orchestrator struct {
	store       Store
	judges      Judges
	cfg         model.EvaluationConfig
	grades      model.GradeScale
	evaluators  []string
	concurrency map[string]int
	log         *zap.Logger
	now         func() time.Time
}

// New creates an orchestrator for the configured evaluators
func New(st Store, judges Judges, cfg *model.Config, log *zap.Logger) *Orchestrator {
	conc := make(map[string]int, len(cfg.Evaluators))
	for _, name := range cfg.Evaluators {
		n := 1
		if pc, ok := cfg.Provider(name); ok && pc.Concurrency > 0 {
			n = pc.Concurrency
		}
		conc[name] = n
	}
	return &Orchestrator{
		store:       st,
		judges:      judges,
		cfg:         cfg.Evaluation,
		grades:      cfg.Protocol.Grades,
		evaluators:  cfg.Evaluators,
		concurrency: conc,
		log:         logging.OrNop(log).With(zap.String("component", "evaluate")),
		now:         time.Now,
	}
}

// Evaluate grades items of one politician with every evaluator. Ratings
// are persisted batch by batch, so an interrupted run resumes where it
// stopped.
func (o *Orchestrator) Evaluate(ctx context.Context, items []model.EvidenceItem, politician model.Politician) (*Result, error) {
	return o.EvaluateWith(ctx, o.evaluators, items, politician)
}

// EvaluateWith is Evaluate restricted to the named evaluators, which must
// all be configured
func (o *Orchestrator) EvaluateWith(ctx context.Context, evaluators []string, items []model.EvidenceItem, politician model.Politician) (*Result, error) {
	for _, ev := range evaluators {
		if !slices.Contains(o.evaluators, ev) {
			return nil, fmt.Errorf("%q is not a configured evaluator", ev)
		}
	}

	var mu sync.Mutex
	res := &Result{}

	g, gctx := errgroup.WithContext(ctx)
	for _, evaluator := range evaluators {
		g.Go(func() error {
			r, err := o.evaluateWith(gctx, evaluator, items, politician)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			res.Ratings = append(res.Ratings, r.Ratings...)
			res.Unrated = append(res.Unrated, r.Unrated...)
			res.Skipped += r.Skipped
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(res.Ratings, func(i, j int) bool {
		a, b := res.Ratings[i], res.Ratings[j]
		if a.EvidenceID != b.EvidenceID {
			return a.EvidenceID < b.EvidenceID
		}
		return a.Evaluator < b.Evaluator
	})
	sort.Slice(res.Unrated, func(i, j int) bool {
		a, b := res.Unrated[i], res.Unrated[j]
		if a.Item.ID != b.Item.ID {
			return a.Item.ID < b.Item.ID
		}
		return a.Evaluator < b.Evaluator
	})
	return res, nil
}

func (o *Orchestrator) evaluateWith(ctx context.Context, evaluator string, items []model.EvidenceItem, p model.Politician) (*Result, error) {
	log := o.log.With(zap.String("evaluator", evaluator), zap.String("politician", p.ID))
	judge, err := o.judges.Get(evaluator)
	if err != nil {
		return nil, fmt.Errorf("evaluator %s: %w", evaluator, err)
	}

	res := &Result{}
	byCategory := make(map[model.Category][]model.EvidenceItem)
	for _, it := range items {
		if it.Collector == evaluator && !o.cfg.AllowSelfEvaluation {
			res.Skipped++
			continue
		}
		byCategory[it.Category] = append(byCategory[it.Category], it)
	}

	var batches [][]model.EvidenceItem
	for _, cat := range model.Categories {
		pending := byCategory[cat]
		if len(pending) == 0 {
			continue
		}
		rated, err := o.store.RatedIDs(ctx, evaluator, p.ID, cat)
		if err != nil {
			return nil, fmt.Errorf("load ratings: %w", err)
		}
		var todo []model.EvidenceItem
		for _, it := range pending {
			if rated[it.ID] {
				res.Skipped++
				continue
			}
			todo = append(todo, it)
		}
		batches = append(batches, chunk(todo, o.cfg.BatchSize)...)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.concurrency[evaluator], 1))
	for _, batch := range batches {
		g.Go(func() error {
			ratings, unrated := o.evaluateBatch(gctx, judge, p, batch, log)
			if err := o.store.UpsertRatings(gctx, ratings); err != nil {
				return fmt.Errorf("store ratings: %w", err)
			}
			metrics.Ratings.WithLabelValues(evaluator).Add(float64(len(ratings)))
			for _, u := range unrated {
				metrics.Unrated.WithLabelValues(evaluator, u.Reason).Inc()
			}

			mu.Lock()
			defer mu.Unlock()
			res.Ratings = append(res.Ratings, ratings...)
			res.Unrated = append(res.Unrated, unrated...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Info("evaluation finished",
		zap.Int("batches", len(batches)),
		zap.Int("rated", len(res.Ratings)),
		zap.Int("unrated", len(res.Unrated)),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

// evaluateBatch grades one batch. Under the retry policy, items whose
// grade was missing or invalid are asked for once more in a new session.
func (o *Orchestrator) evaluateBatch(ctx context.Context, judge llm.Judge, p model.Politician, batch []model.EvidenceItem, log *zap.Logger) ([]model.Rating, []UnratedItem) {
	ratings, failed := o.ask(ctx, judge, p, batch, log)
	if len(failed) == 0 {
		return ratings, nil
	}

	if o.cfg.InvalidGradePolicy == model.InvalidGradeRetry && ctx.Err() == nil {
		var again []model.EvidenceItem
		for _, f := range failed {
			if f.retryable {
				again = append(again, f.item)
			}
		}
		if len(again) > 0 {
			log.Info("re-asking for ungraded items", zap.Int("items", len(again)))
			retried, stillFailed := o.ask(ctx, judge, p, again, log)
			ratings = append(ratings, retried...)

			kept := failed[:0]
			for _, f := range failed {
				if !f.retryable {
					kept = append(kept, f)
				}
			}
			failed = append(kept, stillFailed...)
		}
	}

	unrated := make([]UnratedItem, 0, len(failed))
	for _, f := range failed {
		unrated = append(unrated, UnratedItem{Item: f.item, Evaluator: judge.Name(), Reason: f.reason})
	}
	return ratings, unrated
}

// failure is an item a single request did not grade
type failure struct {
	item      model.EvidenceItem
	reason    string
	retryable bool
}

// ask sends one request and maps the answer back to items by position
func (o *Orchestrator) ask(ctx context.Context, judge llm.Judge, p model.Politician, batch []model.EvidenceItem, log *zap.Logger) ([]model.Rating, []failure) {
	evaluator := judge.Name()
	session := uuid.NewString()
	category := batch[0].Category
	log = log.With(zap.String("session", session), zap.String("category", string(category)))

	failAll := func(reason string, retryable bool) []failure {
		out := make([]failure, len(batch))
		for i, it := range batch {
			out[i] = failure{item: it, reason: reason, retryable: retryable}
		}
		return out
	}

	resp, err := judge.Complete(ctx, llm.Request{
		Role:    llm.RoleEvaluator,
		Session: session,
		System:  systemPrompt,
		Prompt:  buildPrompt(p, category, o.grades, batch),
	})
	if err != nil {
		log.Warn("evaluator request failed", zap.Int("items", len(batch)), zap.Error(err))
		return nil, failAll(ReasonProviderError, false)
	}

	lines, err := parse.RatingLines(resp.Text)
	if err != nil {
		metrics.ParseFailures.WithLabelValues(evaluator, string(llm.RoleEvaluator)).Inc()
		log.Warn("unparseable evaluator response", zap.Error(err))
		return nil, failAll(ReasonParseFailure, true)
	}

	graded := make([]*parse.RatingLine, len(batch))
	for i := range lines {
		idx := int(lines[i].Index) - 1
		if idx < 0 || idx >= len(batch) {
			log.Debug("rating index out of range", zap.Int("index", int(lines[i].Index)))
			continue
		}
		if graded[idx] == nil {
			graded[idx] = &lines[i]
		}
	}

	ratedAt := o.now().UTC()
	var ratings []model.Rating
	var failed []failure
	for i, it := range batch {
		line := graded[i]
		reason := ReasonMissing
		var grade model.Grade
		var rationale string
		if line != nil {
			rationale = line.Rationale
			g, err := o.parseGrade(line.Grade)
			if err == nil {
				grade = g
			} else {
				reason = ReasonInvalidGrade
				log.Warn("invalid grade", zap.Int64("evidence_id", it.ID), zap.Error(err))
			}
		}

		if grade == "" && o.cfg.InvalidGradePolicy == model.InvalidGradeMidpoint {
			if neutral, ok := o.grades.Neutral(); ok {
				log.Warn("assigning midpoint grade", zap.Int64("evidence_id", it.ID), zap.String("reason", reason))
				grade = neutral
			}
		}
		if grade == "" {
			failed = append(failed, failure{item: it, reason: reason, retryable: true})
			continue
		}

		value, _ := o.grades.Value(grade)
		ratings = append(ratings, model.Rating{
			EvidenceID:   it.ID,
			Evaluator:    evaluator,
			Grade:        grade,
			Value:        value,
			Rationale:    rationale,
			Session:      session,
			RatedAt:      ratedAt,
			PoliticianID: it.PoliticianID,
			Category:     it.Category,
			Collector:    it.Collector,
		})
	}
	return ratings, failed
}

func (o *Orchestrator) parseGrade(raw string) (model.Grade, error) {
	g, err := o.grades.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidGrade, err)
	}
	return g, nil
}

func chunk(items []model.EvidenceItem, size int) [][]model.EvidenceItem {
	if size <= 0 {
		size = len(items)
	}
	var out [][]model.EvidenceItem
	for len(items) > 0 {
		n := min(size, len(items))
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}
