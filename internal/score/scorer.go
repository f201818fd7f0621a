// Package score turns ratings into category and final scores.
package score

import (
	"fmt"
	"math"
	"sort"

	"github.com/civicledger/panelscore/internal/model"
)

// Scorer applies the scoring constants. It is pure: the same ratings in
// any order give the same scores.
type Scorer struct {
	cfg model.ScoringConfig
}

// NewScorer creates a scorer for the given constants
func NewScorer(cfg model.ScoringConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// ScoreCategory pools every rating of one (politician, category).
// score = round((prior + mean*coefficient) * scale), clamped to the
// category range; with no ratings the mean is 0.
func (s *Scorer) ScoreCategory(politicianID string, category model.Category, ratings []model.Rating) model.CategoryScore {
	sum := 0
	byEvaluator := make(map[string]int)
	for _, r := range ratings {
		sum += r.Value
		byEvaluator[r.Evaluator]++
	}

	mean := 0.0
	if len(ratings) > 0 {
		mean = float64(sum) / float64(len(ratings))
	}

	raw := math.Round((s.cfg.Prior + mean*s.cfg.Coefficient) * s.cfg.Scale)
	score := clamp(int(raw), s.cfg.CategoryFloor, s.cfg.CategoryCeil)

	cs := model.CategoryScore{
		PoliticianID: politicianID,
		Category:     category,
		Score:        score,
		Count:        len(ratings),
		Mean:         mean,
		Formula: fmt.Sprintf("clamp(round((%g + %.4f * %g) * %g), %d, %d)",
			s.cfg.Prior, mean, s.cfg.Coefficient, s.cfg.Scale, s.cfg.CategoryFloor, s.cfg.CategoryCeil),
	}
	if len(byEvaluator) > 0 {
		cs.ByEvaluator = byEvaluator
	}
	return cs
}

// ScoreFinal sums category scores, clamps the total and assigns a tier.
// Categories are reported in the fixed category order.
func (s *Scorer) ScoreFinal(politicianID string, scores []model.CategoryScore) model.FinalScore {
	sorted := append([]model.CategoryScore(nil), scores...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Category.Index() < sorted[j].Category.Index()
	})

	total := 0
	for _, cs := range sorted {
		total += cs.Score
	}
	total = clamp(total, s.cfg.FinalFloor, s.cfg.FinalCeil)

	return model.FinalScore{
		PoliticianID: politicianID,
		Total:        total,
		Tier:         s.Tier(total),
		Categories:   sorted,
		Complete:     true,
	}
}

// ScoreAll groups ratings by category and scores every category, including
// those with no ratings
func (s *Scorer) ScoreAll(politicianID string, ratings []model.Rating) model.FinalScore {
	byCategory := make(map[model.Category][]model.Rating)
	for _, r := range ratings {
		byCategory[r.Category] = append(byCategory[r.Category], r)
	}
	scores := make([]model.CategoryScore, 0, len(model.Categories))
	for _, c := range model.Categories {
		scores = append(scores, s.ScoreCategory(politicianID, c, byCategory[c]))
	}
	return s.ScoreFinal(politicianID, scores)
}

// Tier returns the band containing total, or "" when none does
func (s *Scorer) Tier(total int) string {
	for _, t := range s.cfg.Tiers {
		if total >= t.Min && total <= t.Max {
			return t.Name
		}
	}
	return ""
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
