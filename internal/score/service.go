package score

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/civicledger/panelscore/internal/cache"
	"github.com/civicledger/panelscore/internal/logging"
	"github.com/civicledger/panelscore/internal/metrics"
	"github.com/civicledger/panelscore/internal/model"
	"github.com/civicledger/panelscore/internal/store"
)

// Store is the read side the score views need
type Store interface {
	ListRatings(ctx context.Context, f store.RatingFilter) ([]model.Rating, error)
	ListEvidence(ctx context.Context, f store.EvidenceFilter) ([]model.EvidenceItem, error)
	ListCells(ctx context.Context, politicianID string) ([]model.Cell, error)
}

// Service computes score views from persisted ratings. Views are cached
// under a fingerprint of their inputs, so a changed rating set never
// serves a stale score.
type Service struct {
	store      Store
	scorer     *Scorer
	cache      cache.Cache
	cfg        model.ScoringConfig
	evaluators []string
	selfEval   bool
	log        *zap.Logger
}

// NewService creates a score service. A nil cache disables caching.
func NewService(st Store, c cache.Cache, cfg *model.Config, log *zap.Logger) *Service {
	if c == nil {
		c = cache.Nop{}
	}
	return &Service{
		store:      st,
		scorer:     NewScorer(cfg.Scoring),
		cache:      c,
		cfg:        cfg.Scoring,
		evaluators: cfg.Evaluators,
		selfEval:   cfg.Evaluation.AllowSelfEvaluation,
		log:        logging.OrNop(log).With(zap.String("component", "score")),
	}
}

// Final returns the final score of one politician, with caveats for
// categories that are still missing data
func (s *Service) Final(ctx context.Context, politicianID string) (model.FinalScore, error) {
	ratings, err := s.store.ListRatings(ctx, store.RatingFilter{PoliticianID: politicianID})
	if err != nil {
		return model.FinalScore{}, fmt.Errorf("list ratings: %w", err)
	}
	cells, err := s.store.ListCells(ctx, politicianID)
	if err != nil {
		return model.FinalScore{}, fmt.Errorf("list cells: %w", err)
	}
	items, err := s.store.ListEvidence(ctx, store.EvidenceFilter{PoliticianID: politicianID})
	if err != nil {
		return model.FinalScore{}, fmt.Errorf("list evidence: %w", err)
	}

	key := cache.Key("score", politicianID, s.fingerprint(ratings, cells, items))
	var final model.FinalScore
	if cache.GetJSON(ctx, s.cache, key, &final) {
		metrics.ScoreCache.WithLabelValues("hit").Inc()
		return final, nil
	}
	metrics.ScoreCache.WithLabelValues("miss").Inc()

	final = s.scorer.ScoreAll(politicianID, ratings)
	final.Caveats = s.caveats(ratings, cells, items)
	final.Complete = len(final.Caveats) == 0

	if err := cache.SetJSON(ctx, s.cache, key, final, 0); err != nil {
		s.log.Warn("score cache write failed", zap.String("politician", politicianID), zap.Error(err))
	}
	return final, nil
}

// Category returns the score of one (politician, category)
func (s *Service) Category(ctx context.Context, politicianID string, category model.Category) (model.CategoryScore, error) {
	ratings, err := s.store.ListRatings(ctx, store.RatingFilter{PoliticianID: politicianID, Category: category})
	if err != nil {
		return model.CategoryScore{}, fmt.Errorf("list ratings: %w", err)
	}
	return s.scorer.ScoreCategory(politicianID, category, ratings), nil
}

// Coverage counts the evidence state of one category
type Coverage struct {
	Verified   int
	Unverified int
	// Rated counts verified items every eligible evaluator has graded
	Rated   int
	Unrated int
}

// Coverage reports per-category evidence and rating coverage
func (s *Service) Coverage(ctx context.Context, politicianID string) (map[model.Category]Coverage, error) {
	ratings, err := s.store.ListRatings(ctx, store.RatingFilter{PoliticianID: politicianID})
	if err != nil {
		return nil, fmt.Errorf("list ratings: %w", err)
	}
	items, err := s.store.ListEvidence(ctx, store.EvidenceFilter{PoliticianID: politicianID})
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	return s.coverage(ratings, items), nil
}

func (s *Service) coverage(ratings []model.Rating, items []model.EvidenceItem) map[model.Category]Coverage {
	rated := make(map[int64]map[string]bool)
	for _, r := range ratings {
		if rated[r.EvidenceID] == nil {
			rated[r.EvidenceID] = make(map[string]bool)
		}
		rated[r.EvidenceID][r.Evaluator] = true
	}

	out := make(map[model.Category]Coverage)
	for _, it := range items {
		c := out[it.Category]
		if !it.Verified {
			c.Unverified++
			out[it.Category] = c
			continue
		}
		c.Verified++
		complete := true
		for _, ev := range s.evaluators {
			if ev == it.Collector && !s.selfEval {
				continue
			}
			if !rated[it.ID][ev] {
				complete = false
				break
			}
		}
		if complete {
			c.Rated++
		} else {
			c.Unrated++
		}
		out[it.Category] = c
	}
	return out
}

// caveats names every category whose collection fell short, whose
// evidence is not fully verified, or which has items some eligible
// evaluator did not rate
func (s *Service) caveats(ratings []model.Rating, cells []model.Cell, items []model.EvidenceItem) []string {
	short := make(map[model.Category]bool)
	for _, c := range cells {
		if c.State != model.CellComplete {
			short[c.Category] = true
		}
	}
	cov := s.coverage(ratings, items)

	var out []string
	for _, c := range model.Categories {
		if short[c] {
			out = append(out, fmt.Sprintf("%s: collection below target", c))
		}
		if n := cov[c].Unverified; n > 0 {
			out = append(out, fmt.Sprintf("%s: %d unverified items", c, n))
		}
		if n := cov[c].Unrated; n > 0 {
			out = append(out, fmt.Sprintf("%s: %d items missing ratings", c, n))
		}
	}
	return out
}

// fingerprint hashes every input a view depends on
func (s *Service) fingerprint(ratings []model.Rating, cells []model.Cell, items []model.EvidenceItem) string {
	lines := make([]string, 0, len(ratings)+len(cells)+len(items)+1)
	for _, r := range ratings {
		lines = append(lines, fmt.Sprintf("r|%d|%s|%d|%s", r.EvidenceID, r.Evaluator, r.Value, r.Category))
	}
	for _, c := range cells {
		lines = append(lines, fmt.Sprintf("c|%s|%s", c.CellKey, c.State))
	}
	for _, it := range items {
		lines = append(lines, fmt.Sprintf("e|%d|%t|%s", it.ID, it.Verified, it.Collector))
	}
	sort.Strings(lines)
	lines = append(lines, fmt.Sprintf("cfg|%v|%v|%t", s.cfg, s.evaluators, s.selfEval))

	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
