package score

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/civicledger/panelscore/internal/cache"
	"github.com/civicledger/panelscore/internal/model"
	"github.com/civicledger/panelscore/internal/store"
)

func newTestScorer() *Scorer {
	return NewScorer(model.DefaultConfig().Scoring)
}

func ratingsOf(category model.Category, values ...int) []model.Rating {
	out := make([]model.Rating, len(values))
	for i, v := range values {
		out[i] = model.Rating{
			EvidenceID: int64(i + 1),
			Evaluator:  []string{"alpha", "beta"}[i%2],
			Value:      v,
			Category:   category,
		}
	}
	return out
}

func TestScoreCategory(t *testing.T) {
	tests := []struct {
		name   string
		values []int
		want   int
		mean   float64
	}{
		{name: "mixed positive", values: []int{4, 4, 2, 2}, want: 75, mean: 3},
		{name: "all best", values: []int{4, 4, 4}, want: 80, mean: 4},
		{name: "all worst", values: []int{-4, -4}, want: 40, mean: -4},
		{name: "balanced", values: []int{4, -4, 1, -1}, want: 60, mean: 0},
		{name: "no ratings", values: nil, want: 60, mean: 0},
		{name: "rounds half up", values: []int{1, 0}, want: 63, mean: 0.5},
	}

	s := newTestScorer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.ScoreCategory("p1", model.CategoryEthics, ratingsOf(model.CategoryEthics, tt.values...))
			if got.Score != tt.want {
				t.Errorf("score = %d, want %d", got.Score, tt.want)
			}
			if got.Mean != tt.mean {
				t.Errorf("mean = %v, want %v", got.Mean, tt.mean)
			}
			if got.Count != len(tt.values) {
				t.Errorf("count = %d, want %d", got.Count, len(tt.values))
			}
			if got.Formula == "" {
				t.Error("formula should explain the score")
			}
		})
	}
}

func TestScoreCategory_Clamps(t *testing.T) {
	cfg := model.DefaultConfig().Scoring
	cfg.Coefficient = 5
	s := NewScorer(cfg)

	if got := s.ScoreCategory("p1", model.CategoryEthics, ratingsOf(model.CategoryEthics, 4)).Score; got != cfg.CategoryCeil {
		t.Errorf("expected ceiling %d, got %d", cfg.CategoryCeil, got)
	}
	if got := s.ScoreCategory("p1", model.CategoryEthics, ratingsOf(model.CategoryEthics, -4)).Score; got != cfg.CategoryFloor {
		t.Errorf("expected floor %d, got %d", cfg.CategoryFloor, got)
	}
}

func TestScoreCategory_OrderIndependent(t *testing.T) {
	s := newTestScorer()
	rng := rand.New(rand.NewSource(7))
	values := make([]int, 97)
	for i := range values {
		values[i] = []int{4, 3, 2, 1, -1, -2, -3, -4}[rng.Intn(8)]
	}
	ratings := ratingsOf(model.CategoryVision, values...)
	want := s.ScoreCategory("p1", model.CategoryVision, ratings)

	for i := 0; i < 20; i++ {
		shuffled := append([]model.Rating(nil), ratings...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := s.ScoreCategory("p1", model.CategoryVision, shuffled)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("score depends on rating order (-want +got):\n%s", diff)
		}
	}
}

func TestScoreCategory_ByEvaluator(t *testing.T) {
	got := newTestScorer().ScoreCategory("p1", model.CategoryEthics, ratingsOf(model.CategoryEthics, 1, 2, 3))
	if diff := cmp.Diff(map[string]int{"alpha": 2, "beta": 1}, got.ByEvaluator); diff != "" {
		t.Errorf("unexpected evaluator counts (-want +got):\n%s", diff)
	}
}

func categoryScores(scores ...int) []model.CategoryScore {
	out := make([]model.CategoryScore, len(scores))
	for i, sc := range scores {
		out[i] = model.CategoryScore{Category: model.Categories[i], Score: sc}
	}
	return out
}

func TestScoreFinal(t *testing.T) {
	tests := []struct {
		name   string
		scores []model.CategoryScore
		total  int
		tier   string
	}{
		{name: "ten 75s", scores: categoryScores(75, 75, 75, 75, 75, 75, 75, 75, 75, 75), total: 750, tier: "Platinum"},
		{name: "gold edge", scores: categoryScores(67, 68, 68, 68, 68, 68, 68, 68, 68, 68), total: 679, tier: "Gold"},
		{name: "platinum edge", scores: categoryScores(68, 68, 68, 68, 68, 68, 68, 68, 68, 68), total: 680, tier: "Platinum"},
		{name: "maximum", scores: categoryScores(100, 100, 100, 100, 100, 100, 100, 100, 100, 100), total: 1000, tier: "Diamond"},
		{name: "floor", scores: categoryScores(20, 20, 20, 20, 20, 20, 20, 20, 20, 20), total: 200, tier: "Iron"},
		{name: "clamped up", scores: categoryScores(20, 20), total: 200, tier: "Iron"},
	}

	s := newTestScorer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.ScoreFinal("p1", tt.scores)
			if got.Total != tt.total || got.Tier != tt.tier {
				t.Errorf("got %d %s, want %d %s", got.Total, got.Tier, tt.total, tt.tier)
			}
		})
	}
}

func TestScoreFinal_CategoryOrder(t *testing.T) {
	scores := categoryScores(60, 61, 62)
	scores[0], scores[2] = scores[2], scores[0]

	got := newTestScorer().ScoreFinal("p1", scores)
	var order []model.Category
	for _, cs := range got.Categories {
		order = append(order, cs.Category)
	}
	if diff := cmp.Diff(model.Categories[:3], order); diff != "" {
		t.Errorf("categories not in fixed order (-want +got):\n%s", diff)
	}
}

func TestTier_Boundaries(t *testing.T) {
	s := newTestScorer()
	for _, tier := range model.DefaultTiers() {
		if got := s.Tier(tier.Min); got != tier.Name {
			t.Errorf("Tier(%d) = %q, want %q", tier.Min, got, tier.Name)
		}
		if got := s.Tier(tier.Max); got != tier.Name {
			t.Errorf("Tier(%d) = %q, want %q", tier.Max, got, tier.Name)
		}
	}
	if got := s.Tier(1001); got != "" {
		t.Errorf("out-of-range total should have no tier, got %q", got)
	}
}

func TestScoreAll_EmptyIsNeutral(t *testing.T) {
	got := newTestScorer().ScoreAll("p1", nil)
	if got.Total != 600 || got.Tier != "Gold" {
		t.Errorf("no ratings should give 10 x 60 = 600 Gold, got %d %s", got.Total, got.Tier)
	}
	if len(got.Categories) != len(model.Categories) {
		t.Errorf("expected every category, got %d", len(got.Categories))
	}
}

// seed stores one verified item per value in a single category and rates it
func seed(t *testing.T, st *store.Store, category model.Category, values ...int) []model.EvidenceItem {
	t.Helper()
	ctx := context.Background()
	var items []model.EvidenceItem
	var ratings []model.Rating
	for i, v := range values {
		it := &model.EvidenceItem{
			PoliticianID:    "p1",
			Category:        category,
			SourceClass:     model.SourcePublic,
			Collector:       "alpha",
			Title:           "item",
			Locator:         "https://news.example.com/" + string(category) + "/" + string(rune('a'+i)),
			NormLocator:     "news.example.com/" + string(category) + "/" + string(rune('a'+i)),
			ProtocolVersion: "v1",
		}
		if ok, err := st.InsertEvidence(ctx, it); err != nil || !ok {
			t.Fatalf("insert: %v", err)
		}
		items = append(items, *it)
		ratings = append(ratings, model.Rating{
			EvidenceID: it.ID, Evaluator: "beta", Value: v, Grade: "A",
			Session: "s", RatedAt: time.Now().UTC(),
		})
	}
	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	if _, err := st.MarkVerified(ctx, ids); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	if err := st.UpsertRatings(ctx, ratings); err != nil {
		t.Fatalf("upsert ratings: %v", err)
	}
	return items
}

func newTestService(t *testing.T) (*Service, *store.Store, *cache.MemoryCache) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "score.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := model.DefaultConfig()
	cfg.Evaluators = []string{"beta"}
	mc := cache.NewMemoryCache(time.Minute, time.Minute)
	return NewService(st, mc, cfg, nil), st, mc
}

func TestService_Final(t *testing.T) {
	svc, st, _ := newTestService(t)
	seed(t, st, model.CategoryEthics, 4, 4, 2, 2)

	got, err := svc.Final(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Final failed: %v", err)
	}
	// ethics 75, nine empty categories at 60
	if got.Total != 615 || got.Tier != "Gold" {
		t.Errorf("got %d %s, want 615 Gold", got.Total, got.Tier)
	}
	if !got.Complete || len(got.Caveats) != 0 {
		t.Errorf("fully rated data should be complete, caveats: %v", got.Caveats)
	}
}

func TestService_CacheFollowsRatings(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	items := seed(t, st, model.CategoryEthics, 4, 4)

	first, err := svc.Final(ctx, "p1")
	if err != nil {
		t.Fatalf("Final failed: %v", err)
	}
	again, err := svc.Final(ctx, "p1")
	if err != nil {
		t.Fatalf("Final failed: %v", err)
	}
	if diff := cmp.Diff(first, again); diff != "" {
		t.Errorf("cached view differs (-first +again):\n%s", diff)
	}

	if err := st.UpsertRatings(ctx, []model.Rating{{
		EvidenceID: items[0].ID, Evaluator: "beta", Grade: "H", Value: -4, Session: "s2", RatedAt: time.Now().UTC(),
	}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	changed, err := svc.Final(ctx, "p1")
	if err != nil {
		t.Fatalf("Final failed: %v", err)
	}
	if changed.Total == first.Total {
		t.Errorf("score should change after a rating changes, still %d", changed.Total)
	}
}

func TestService_Caveats(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	seed(t, st, model.CategoryEthics, 4)

	unrated := &model.EvidenceItem{
		PoliticianID: "p1", Category: model.CategoryVision, SourceClass: model.SourcePublic,
		Collector: "alpha", Title: "t", Locator: "https://x.example.com/1", NormLocator: "x.example.com/1",
		ProtocolVersion: "v1",
	}
	if _, err := st.InsertEvidence(ctx, unrated); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := st.MarkVerified(ctx, []int64{unrated.ID}); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	if err := st.SaveCell(ctx, model.Cell{
		CellKey: model.CellKey{
			GroupKey:    model.GroupKey{PoliticianID: "p1", Category: model.CategoryLeadership, Collector: "alpha"},
			SourceClass: model.SourceOfficial,
		},
		State: model.CellNeedsMoreData,
	}); err != nil {
		t.Fatalf("save cell: %v", err)
	}

	got, err := svc.Final(ctx, "p1")
	if err != nil {
		t.Fatalf("Final failed: %v", err)
	}
	want := []string{
		"leadership: collection below target",
		"vision: 1 items missing ratings",
	}
	if diff := cmp.Diff(want, got.Caveats); diff != "" {
		t.Errorf("unexpected caveats (-want +got):\n%s", diff)
	}
	if got.Complete {
		t.Error("score with caveats should not be complete")
	}
}
