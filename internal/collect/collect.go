// Package collect gathers evidence from AI collectors into the store, one
// (politician, category, collector, source class) cell at a time.
package collect

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/civicledger/panelscore/internal/directory"
	"github.com/civicledger/panelscore/internal/extract"
	"github.com/civicledger/panelscore/internal/llm"
	"github.com/civicledger/panelscore/internal/logging"
	"github.com/civicledger/panelscore/internal/metrics"
	"github.com/civicledger/panelscore/internal/model"
	"github.com/civicledger/panelscore/internal/parse"
	"github.com/civicledger/panelscore/internal/store"
)

// Store is the persistence the orchestrator needs
type Store interface {
	ListEvidence(ctx context.Context, f store.EvidenceFilter) ([]model.EvidenceItem, error)
	InsertEvidence(ctx context.Context, item *model.EvidenceItem) (bool, error)
	CountCell(ctx context.Context, key model.CellKey) (int, error)
	GetCell(ctx context.Context, key model.CellKey) (model.Cell, error)
	SaveCell(ctx context.Context, c model.Cell) error
}

// Judges resolves provider names to judges
type Judges interface {
	Get(name string) (llm.Judge, error)
}

// Result is what one Collect call accepted
type Result struct {
	Items []model.EvidenceItem
	Cells []model.CellReport
}

// Orchestrator runs bounded collection rounds
type Orchestrator struct {
	store      Store
	judges     Judges
	dir        directory.Directory
	protocol   model.ProtocolConfig
	collectors []string
	log        *zap.Logger
	now        func() time.Time
}

// New creates an orchestrator for the given collectors
func New(st Store, judges Judges, dir directory.Directory, protocol model.ProtocolConfig, collectors []string, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:      st,
		judges:     judges,
		dir:        dir,
		protocol:   protocol,
		collectors: collectors,
		log:        logging.OrNop(log).With(zap.String("component", "collect")),
		now:        time.Now,
	}
}

// Collect fills the cell of every configured collector for one
// (politician, category, source class) up to target items each.
// A non-positive target uses the protocol target for the class.
func (o *Orchestrator) Collect(ctx context.Context, politicianID string, category model.Category, class model.SourceClass, target int) (*Result, error) {
	return o.CollectFor(ctx, o.collectors, politicianID, category, class, target)
}

// CollectFor is Collect restricted to the named collectors, which must all
// be configured
func (o *Orchestrator) CollectFor(ctx context.Context, collectors []string, politicianID string, category model.Category, class model.SourceClass, target int) (*Result, error) {
	for _, c := range collectors {
		if !slices.Contains(o.collectors, c) {
			return nil, fmt.Errorf("%q is not a configured collector", c)
		}
	}
	if target <= 0 {
		target = o.protocol.Target(class)
	}

	reports := make([]model.CellReport, len(collectors))
	items := make([][]model.EvidenceItem, len(collectors))

	g, gctx := errgroup.WithContext(ctx)
	for i, collector := range collectors {
		key := model.CellKey{
			GroupKey:    model.GroupKey{PoliticianID: politicianID, Category: category, Collector: collector},
			SourceClass: class,
		}
		g.Go(func() error {
			rep, accepted, err := o.CollectCell(gctx, key, target)
			if err != nil {
				return err
			}
			reports[i] = rep
			items[i] = accepted
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Cells: reports}
	for _, batch := range items {
		res.Items = append(res.Items, batch...)
	}
	return res, nil
}

// CollectCell runs collection rounds for one cell until it holds target
// items or the round budget is spent. Complete cells are left alone;
// NeedsMoreData cells start over with a fresh budget.
func (o *Orchestrator) CollectCell(ctx context.Context, key model.CellKey, target int) (model.CellReport, []model.EvidenceItem, error) {
	return o.Recollect(ctx, key, target, o.protocol.MaxRounds)
}

// Recollect is CollectCell with at most rounds rounds, for refilling a
// cell that already spent part of its budget in this run. The report's
// RoundsUsed counts only rounds run by this call.
func (o *Orchestrator) Recollect(ctx context.Context, key model.CellKey, target, rounds int) (model.CellReport, []model.EvidenceItem, error) {
	log := o.log.With(
		zap.String("politician", key.PoliticianID),
		zap.String("category", string(key.Category)),
		zap.String("collector", key.Collector),
		zap.String("source_class", string(key.SourceClass)),
	)
	report := model.CellReport{Cell: key, Target: target}

	cell, err := o.store.GetCell(ctx, key)
	if err != nil {
		return report, nil, fmt.Errorf("load cell %s: %w", key, err)
	}
	stored, err := o.store.CountCell(ctx, key)
	if err != nil {
		return report, nil, fmt.Errorf("count cell %s: %w", key, err)
	}
	report.Stored = stored

	if cell.State == model.CellComplete && stored >= target {
		report.State = model.CellComplete
		log.Debug("cell already complete", zap.Int("stored", stored))
		return report, nil, nil
	}

	judge, err := o.judges.Get(key.Collector)
	if err != nil {
		return report, nil, fmt.Errorf("collector %s: %w", key.Collector, err)
	}
	politician, err := o.dir.Lookup(ctx, key.PoliticianID)
	if err != nil {
		return report, nil, fmt.Errorf("lookup politician: %w", err)
	}

	seen, err := o.loadGroup(ctx, key.GroupKey)
	if err != nil {
		return report, nil, err
	}

	cell = model.Cell{CellKey: key, State: model.CellCollecting, UpdatedAt: o.now().UTC()}
	if err := o.store.SaveCell(ctx, cell); err != nil {
		return report, nil, fmt.Errorf("save cell %s: %w", key, err)
	}

	var accepted []model.EvidenceItem
	rounds = min(rounds, o.protocol.MaxRounds)
	for round := 1; round <= rounds && stored < target; round++ {
		if err := ctx.Err(); err != nil {
			return report, accepted, err
		}
		cell.RoundsUsed = round
		metrics.CollectionRounds.WithLabelValues(key.Collector, string(key.SourceClass)).Inc()

		before := len(accepted)
		for _, sub := range SplitFraming(target-stored, o.protocol.Framing) {
			if stored >= target {
				break
			}
			raw, ok := o.request(ctx, judge, politician, key, sub, seen, round, log, &report)
			if !ok {
				continue
			}
			for _, it := range raw {
				if stored >= target {
					break
				}
				item, ok := o.toEvidence(it, key, sub.Framing)
				if !ok {
					continue
				}
				if seen.contains(item) {
					report.Duplicates++
					metrics.EvidenceDuplicates.WithLabelValues(key.Collector).Inc()
					continue
				}
				inserted, err := o.store.InsertEvidence(ctx, &item)
				if err != nil {
					return report, accepted, fmt.Errorf("persist evidence: %w", err)
				}
				seen.add(item)
				if !inserted {
					report.Duplicates++
					metrics.EvidenceDuplicates.WithLabelValues(key.Collector).Inc()
					continue
				}
				accepted = append(accepted, item)
				stored++
				metrics.EvidenceAccepted.WithLabelValues(key.Collector, string(key.SourceClass)).Inc()
			}
		}

		log.Info("collection round finished",
			zap.Int("round", round),
			zap.Int("accepted", len(accepted)-before),
			zap.Int("stored", stored),
			zap.Int("target", target),
		)
	}

	report.Accepted = len(accepted)
	report.Stored = stored
	report.RoundsUsed = cell.RoundsUsed

	cell.State = model.CellComplete
	if stored < target {
		cell.State = model.CellNeedsMoreData
		report.Exhausted = true
		log.Warn("round budget exhausted", zap.Int("stored", stored), zap.Int("target", target))
	}
	cell.UpdatedAt = o.now().UTC()
	// Persist the terminal state even if the caller's context is gone
	if err := o.store.SaveCell(context.WithoutCancel(ctx), cell); err != nil {
		return report, accepted, fmt.Errorf("save cell %s: %w", key, err)
	}
	report.State = cell.State
	metrics.CellOutcomes.WithLabelValues(string(cell.State)).Inc()
	return report, accepted, nil
}

// request sends one framing sub-batch; failures yield no items
func (o *Orchestrator) request(ctx context.Context, judge llm.Judge, p model.Politician, key model.CellKey,
	sub SubBatch, seen *groupIndex, round int, log *zap.Logger, report *model.CellReport) ([]parse.Item, bool) {

	to := o.now().UTC()
	from := to.Add(-o.protocol.Window(key.SourceClass))
	session := uuid.NewString()

	resp, err := judge.Complete(ctx, llm.Request{
		Role:    llm.RoleCollector,
		Session: session,
		System:  systemPrompt,
		Prompt: buildPrompt(promptInput{
			Politician: p,
			Category:   key.Category,
			Class:      key.SourceClass,
			Framing:    sub.Framing,
			Count:      sub.Count,
			From:       from,
			To:         to,
			Exclude:    seen.recent(o.protocol.ExcludeListLimit),
		}),
	})
	if err != nil {
		log.Warn("collector request failed",
			zap.Int("round", round),
			zap.String("framing", string(sub.Framing)),
			zap.String("session", session),
			zap.Error(err),
		)
		return nil, false
	}

	items, err := parse.Items(resp.Text)
	if err != nil {
		report.ParseFails++
		metrics.ParseFailures.WithLabelValues(key.Collector, string(llm.RoleCollector)).Inc()
		log.Warn("unparseable collector response",
			zap.Int("round", round),
			zap.String("session", session),
			zap.Error(err),
		)
		return nil, false
	}
	return items, true
}

// toEvidence maps a parsed item onto the cell; items without a usable
// locator cannot be identified and are dropped
func (o *Orchestrator) toEvidence(it parse.Item, key model.CellKey, framing model.Framing) (model.EvidenceItem, bool) {
	locator := it.Locator()
	norm := extract.NormalizeLocator(locator)
	if norm == "" {
		return model.EvidenceItem{}, false
	}
	item := model.EvidenceItem{
		PoliticianID:    key.PoliticianID,
		Category:        key.Category,
		SourceClass:     key.SourceClass,
		Collector:       key.Collector,
		Title:           strings.TrimSpace(it.Title),
		Body:            strings.TrimSpace(it.Body),
		Locator:         locator,
		NormLocator:     norm,
		ProtocolVersion: o.protocol.Version,
		Framing:         framing,
	}
	if t, ok := extract.ParseDate(it.Published); ok {
		item.PublishedAt = &t
	}
	return item, true
}

func (o *Orchestrator) loadGroup(ctx context.Context, g model.GroupKey) (*groupIndex, error) {
	existing, err := o.store.ListEvidence(ctx, store.EvidenceFilter{
		PoliticianID: g.PoliticianID,
		Category:     g.Category,
		Collector:    g.Collector,
	})
	if err != nil {
		return nil, fmt.Errorf("load group %s: %w", g, err)
	}
	idx := newGroupIndex()
	for _, e := range existing {
		idx.add(e)
	}
	return idx, nil
}

// SubBatch is one framing slice of a round
type SubBatch struct {
	Framing model.Framing
	Count   int
}

// SplitFraming divides a shortfall by the framing ratio. Negative and
// positive counts round down; open takes the remainder.
func SplitFraming(shortfall int, f model.FramingConfig) []SubBatch {
	if shortfall <= 0 {
		return nil
	}
	neg := shortfall * f.Negative / 100
	pos := shortfall * f.Positive / 100
	open := shortfall - neg - pos

	var out []SubBatch
	for _, sb := range []SubBatch{
		{model.FramingNegative, neg},
		{model.FramingPositive, pos},
		{model.FramingOpen, open},
	} {
		if sb.Count > 0 {
			out = append(out, sb)
		}
	}
	return out
}

// groupIndex tracks locators and title fingerprints already in a group
type groupIndex struct {
	locators map[string]bool
	titles   map[string]bool
	order    []string
}

func newGroupIndex() *groupIndex {
	return &groupIndex{locators: make(map[string]bool), titles: make(map[string]bool)}
}

func (g *groupIndex) contains(e model.EvidenceItem) bool {
	if g.locators[e.NormLocator] {
		return true
	}
	fp := extract.TitleFingerprint(e.Title)
	return fp != "" && g.titles[fp]
}

func (g *groupIndex) add(e model.EvidenceItem) {
	if !g.locators[e.NormLocator] {
		g.locators[e.NormLocator] = true
		g.order = append(g.order, e.Locator)
	}
	if fp := extract.TitleFingerprint(e.Title); fp != "" {
		g.titles[fp] = true
	}
}

// recent returns up to limit most recently added locators
func (g *groupIndex) recent(limit int) []string {
	if limit <= 0 || len(g.order) <= limit {
		return g.order
	}
	return g.order[len(g.order)-limit:]
}
