// Package validate checks collected evidence, deleting what fails and
// flagging the rest as verified.
package validate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/civicledger/panelscore/internal/extract"
	"github.com/civicledger/panelscore/internal/logging"
	"github.com/civicledger/panelscore/internal/metrics"
	"github.com/civicledger/panelscore/internal/model"
	"github.com/civicledger/panelscore/internal/store"
	"github.com/civicledger/panelscore/internal/worker"
)

// Reason names why an item was deleted
type Reason string

const (
	ReasonUnreachable  Reason = "unreachable"
	ReasonSourceClass  Reason = "source_class"
	ReasonDateWindow   Reason = "date_window"
	ReasonMissingField Reason = "missing_field"
	ReasonDuplicate    Reason = "duplicate"
)

// futureTolerance absorbs timezone skew in publication dates
const futureTolerance = 24 * time.Hour

// Store is the persistence the validator needs
type Store interface {
	MarkVerified(ctx context.Context, ids []int64) (int, error)
	DeleteEvidence(ctx context.Context, item model.EvidenceItem, reason string) error
}

// InvalidItem is an item the validator deleted
type InvalidItem struct {
	Item   model.EvidenceItem
	Reason Reason
	Detail string
}

// Result is the outcome of one validation pass
type Result struct {
	Verified []model.EvidenceItem
	Invalid  []InvalidItem
	// Pending items could not be probed and stay unverified
	Pending []model.EvidenceItem
}

// Cells returns the cells that lost items, in stable order
func (r *Result) Cells() []model.CellKey {
	seen := make(map[model.CellKey]bool)
	var out []model.CellKey
	for _, inv := range r.Invalid {
		k := inv.Item.Cell()
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// InvalidByReason counts deletions per reason
func (r *Result) InvalidByReason() map[string]int {
	out := make(map[string]int)
	for _, inv := range r.Invalid {
		out[string(inv.Reason)]++
	}
	return out
}

// Validator runs the evidence checks
type Validator struct {
	store      Store
	cfg        model.ValidationConfig
	protocol   model.ProtocolConfig
	classifier *Classifier
	prober     Prober
	workers    int
	log        *zap.Logger
	now        func() time.Time
}

// New creates a validator. prober may be nil when reachability is disabled.
func New(st Store, cfg *model.Config, prober Prober, log *zap.Logger) *Validator {
	workers := cfg.Validation.Workers
	if workers <= 0 {
		workers = 10
	}
	return &Validator{
		store:      st,
		cfg:        cfg.Validation,
		protocol:   cfg.Protocol,
		classifier: NewClassifier(cfg.Validation.InstitutionalHosts, cfg.Validation.PlatformHosts),
		prober:     prober,
		workers:    workers,
		log:        logging.OrNop(log).With(zap.String("component", "validate")),
		now:        time.Now,
	}
}

// Validate checks items, deletes the invalid ones and marks the rest
// verified. Duplicate detection only sees the items passed in, so callers
// pass whole (politician, category) groups. Verified items are never
// deleted or re-probed, which makes a second pass over the same state a
// no-op.
func (v *Validator) Validate(ctx context.Context, items []model.EvidenceItem) (*Result, error) {
	res := &Result{}
	var candidates []model.EvidenceItem

	dups := v.duplicates(items)
	for _, it := range items {
		if it.Verified {
			res.Verified = append(res.Verified, it)
			continue
		}
		if reason, detail, bad := v.staticCheck(it, dups); bad {
			res.Invalid = append(res.Invalid, InvalidItem{Item: it, Reason: reason, Detail: detail})
			continue
		}
		candidates = append(candidates, it)
	}

	probes := make([]ProbeResult, len(candidates))
	if v.cfg.Reachability && v.prober != nil && len(candidates) > 0 {
		probes = worker.Run(ctx, v.workers, candidates, func(ctx context.Context, it model.EvidenceItem) ProbeResult {
			return v.prober.Probe(ctx, it.Locator)
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var verifiedIDs []int64
	for i, it := range candidates {
		pr := probes[i]
		switch pr.Status {
		case ProbeDead:
			res.Invalid = append(res.Invalid, InvalidItem{Item: it, Reason: ReasonUnreachable, Detail: pr.Detail})
		case ProbePending:
			res.Pending = append(res.Pending, it)
			v.log.Info("reachability undecided, left unverified",
				zap.Int64("evidence_id", it.ID),
				zap.String("locator", it.Locator),
				zap.String("detail", pr.Detail),
			)
		default:
			v.logMeta(it, pr)
			it.Verified = true
			res.Verified = append(res.Verified, it)
			verifiedIDs = append(verifiedIDs, it.ID)
		}
	}

	for _, inv := range res.Invalid {
		err := v.store.DeleteEvidence(ctx, inv.Item, string(inv.Reason))
		if err != nil && !store.IsNotFound(err) {
			return nil, fmt.Errorf("delete evidence %d: %w", inv.Item.ID, err)
		}
		metrics.EvidenceInvalid.WithLabelValues(string(inv.Reason)).Inc()
		v.log.Info("evidence deleted",
			zap.Int64("evidence_id", inv.Item.ID),
			zap.String("politician", inv.Item.PoliticianID),
			zap.String("category", string(inv.Item.Category)),
			zap.String("collector", inv.Item.Collector),
			zap.String("reason", string(inv.Reason)),
			zap.String("detail", inv.Detail),
		)
	}

	n, err := v.store.MarkVerified(ctx, verifiedIDs)
	if err != nil {
		return nil, fmt.Errorf("mark verified: %w", err)
	}
	metrics.EvidenceVerified.Add(float64(n))
	return res, nil
}

// staticCheck runs every check that needs no network
func (v *Validator) staticCheck(it model.EvidenceItem, dups map[int64]bool) (Reason, string, bool) {
	if v.cfg.RequiredFields {
		var missing []string
		if strings.TrimSpace(it.Title) == "" {
			missing = append(missing, "title")
		}
		if strings.TrimSpace(it.Locator) == "" {
			missing = append(missing, "locator")
		}
		if it.PublishedAt == nil {
			missing = append(missing, "published")
		}
		if len(missing) > 0 {
			return ReasonMissingField, "missing " + strings.Join(missing, ", "), true
		}
	}

	if v.cfg.Duplicates && dups[it.ID] {
		return ReasonDuplicate, "normalized locator already held by a lower sequence", true
	}

	if v.cfg.DateWindow && it.PublishedAt != nil {
		now := v.now().UTC()
		earliest := now.Add(-v.protocol.Window(it.SourceClass))
		switch {
		case it.PublishedAt.After(now.Add(futureTolerance)):
			return ReasonDateWindow, "published in the future", true
		case it.PublishedAt.Before(earliest):
			return ReasonDateWindow, fmt.Sprintf("published before %s", earliest.Format("2006-01-02")), true
		}
	}

	if v.cfg.SourceClass && !v.classifier.Consistent(it.Locator, it.SourceClass) {
		return ReasonSourceClass, fmt.Sprintf("%s locator on host %q", it.SourceClass, extract.Host(it.Locator)), true
	}
	return "", "", false
}

// duplicates returns the ids to delete: within each group the item with
// the lowest sequence survives, a verified item always survives
func (v *Validator) duplicates(items []model.EvidenceItem) map[int64]bool {
	type slot struct {
		group model.GroupKey
		norm  string
	}
	keep := make(map[slot]model.EvidenceItem)
	for _, it := range items {
		k := slot{group: it.Group(), norm: extract.NormalizeLocator(it.Locator)}
		cur, ok := keep[k]
		if !ok || better(it, cur) {
			keep[k] = it
		}
	}

	drop := make(map[int64]bool)
	for _, it := range items {
		k := slot{group: it.Group(), norm: extract.NormalizeLocator(it.Locator)}
		if keep[k].ID != it.ID && !it.Verified {
			drop[it.ID] = true
		}
	}
	return drop
}

func better(a, b model.EvidenceItem) bool {
	if a.Verified != b.Verified {
		return a.Verified
	}
	return a.Seq < b.Seq
}

// logMeta compares page metadata with what the collector claimed
func (v *Validator) logMeta(it model.EvidenceItem, pr ProbeResult) {
	if pr.Meta == nil {
		return
	}
	fields := []zap.Field{
		zap.Int64("evidence_id", it.ID),
		zap.String("page_title", pr.Meta.Title),
	}
	if pr.Meta.Published != nil && it.PublishedAt != nil {
		drift := pr.Meta.Published.Sub(*it.PublishedAt)
		if drift < 0 {
			drift = -drift
		}
		if drift > 30*24*time.Hour {
			v.log.Warn("page date disagrees with collected date",
				append(fields,
					zap.Time("page_published", *pr.Meta.Published),
					zap.Time("collected_published", *it.PublishedAt),
				)...)
			return
		}
	}
	v.log.Debug("page metadata", fields...)
}
