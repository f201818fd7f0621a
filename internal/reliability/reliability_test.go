package reliability

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/civicledger/panelscore/internal/model"
)

const tol = 1e-9

func near(t *testing.T, name string, got *float64, want float64) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s is undefined, want %v", name, want)
	}
	if math.Abs(*got-want) > tol {
		t.Errorf("%s = %v, want %v", name, *got, want)
	}
}

func TestPearson(t *testing.T) {
	tests := []struct {
		name string
		x, y []float64
		want *float64
	}{
		{name: "identical", x: []float64{1, 2, 3, 4}, y: []float64{1, 2, 3, 4}, want: ptr(1)},
		{name: "reversed", x: []float64{1, 2, 3, 4}, y: []float64{4, 3, 2, 1}, want: ptr(-1)},
		{name: "constant vector", x: []float64{2, 2, 2}, y: []float64{1, 2, 3}},
		{name: "single point", x: []float64{1}, y: []float64{1}},
		{name: "length mismatch", x: []float64{1, 2}, y: []float64{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Pearson(tt.x, tt.y)
			if tt.want == nil {
				if got != nil {
					t.Errorf("expected undefined, got %v", *got)
				}
				return
			}
			near(t, "pearson", got, *tt.want)
		})
	}
}

func TestRanks_AveragesTies(t *testing.T) {
	got := Ranks([]float64{10, 20, 20, 5, 20})
	want := []float64{2, 4, 4, 1, 4}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected ranks (-want +got):\n%s", diff)
	}
}

func TestSpearman_Monotonic(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	y := []float64{1, 4, 9, 16, 25}
	near(t, "spearman", Spearman(x, y), 1)
	if p := Pearson(x, y); p == nil || *p >= 1 {
		t.Errorf("pearson of a non-linear relation should be below 1, got %v", p)
	}
}

func TestICC(t *testing.T) {
	t.Run("identical raters", func(t *testing.T) {
		rows := [][]float64{{4, 4, 4}, {2, 2, 2}, {-1, -1, -1}, {-3, -3, -3}}
		near(t, "icc", ICC(rows), 1)
	})
	t.Run("constant ratings", func(t *testing.T) {
		if got := ICC([][]float64{{1, 1}, {1, 1}}); got != nil {
			t.Errorf("expected undefined, got %v", *got)
		}
	})
	t.Run("textbook", func(t *testing.T) {
		// Shrout and Fleiss (1979) six targets by four judges, ICC(2,1) = 0.29
		rows := [][]float64{
			{9, 2, 5, 8},
			{6, 1, 3, 2},
			{8, 4, 6, 8},
			{7, 1, 2, 6},
			{10, 5, 6, 9},
			{6, 2, 4, 7},
		}
		got := ICC(rows)
		if got == nil || math.Abs(*got-0.29) > 0.005 {
			t.Errorf("icc = %v, want about 0.29", got)
		}
	})
	t.Run("too few units", func(t *testing.T) {
		if got := ICC([][]float64{{1, 2}}); got != nil {
			t.Errorf("expected undefined, got %v", *got)
		}
	})
}

func TestCV(t *testing.T) {
	mean, cv := CV([]float64{2, 4})
	if mean != 3 {
		t.Errorf("mean = %v, want 3", mean)
	}
	near(t, "cv", cv, math.Sqrt(2)/3)

	if _, cv := CV([]float64{-2, 2}); cv != nil {
		t.Errorf("zero mean should leave cv undefined, got %v", *cv)
	}
	if _, cv := CV([]float64{3}); cv != nil {
		t.Errorf("single value should leave cv undefined, got %v", *cv)
	}
}

func rating(id int64, evaluator string, category model.Category, v int) model.Rating {
	return model.Rating{EvidenceID: id, Evaluator: evaluator, Category: category, Value: v, PoliticianID: "p1"}
}

func TestAnalyze_IdenticalEvaluators(t *testing.T) {
	var ratings []model.Rating
	values := []int{4, 3, -2, 1, -4, 2, -1, 3}
	for i, v := range values {
		for _, ev := range []string{"alpha", "beta", "gamma"} {
			ratings = append(ratings, rating(int64(i+1), ev, model.CategoryEthics, v))
		}
	}

	rep := Analyze("p1", ratings)
	if rep.Mode != ModeItem || len(rep.Categories) != 1 || rep.Categories[0].Scope != "ethics" {
		t.Fatalf("unexpected report shape: %+v", rep)
	}
	agg := rep.Aggregate
	if agg.Units != len(values) || agg.ICCUnits != len(values) {
		t.Errorf("units = %d/%d, want %d", agg.Units, agg.ICCUnits, len(values))
	}
	if len(agg.Pairs) != 3 {
		t.Fatalf("expected 3 evaluator pairs, got %d", len(agg.Pairs))
	}
	for _, p := range agg.Pairs {
		near(t, p.A+"/"+p.B+" pearson", p.Pearson, 1)
		near(t, p.A+"/"+p.B+" spearman", p.Spearman, 1)
	}
	near(t, "icc", agg.ICC, 1)
	near(t, "mean cv", agg.MeanCV, 0)
}

func TestAnalyze_IndependentEvaluators(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	grades := []int{4, 3, 2, 1, -1, -2, -3, -4}
	var ratings []model.Rating
	for i := 1; i <= 500; i++ {
		ratings = append(ratings,
			rating(int64(i), "alpha", model.CategoryVision, grades[rng.Intn(len(grades))]),
			rating(int64(i), "beta", model.CategoryVision, grades[rng.Intn(len(grades))]),
		)
	}

	agg := Analyze("p1", ratings).Aggregate
	p := agg.Pairs[0]
	if p.N != 500 {
		t.Fatalf("expected 500 aligned units, got %d", p.N)
	}
	if p.Pearson == nil || math.Abs(*p.Pearson) > 0.2 {
		t.Errorf("independent pearson should be near 0, got %v", p.Pearson)
	}
	if agg.ICC == nil || math.Abs(*agg.ICC) > 0.2 {
		t.Errorf("independent icc should be near 0, got %v", agg.ICC)
	}
}

func TestAnalyze_PartialOverlap(t *testing.T) {
	ratings := []model.Rating{
		rating(1, "alpha", model.CategoryEthics, 4),
		rating(1, "beta", model.CategoryEthics, 3),
		rating(2, "alpha", model.CategoryEthics, -2),
		rating(2, "beta", model.CategoryEthics, -1),
		rating(3, "alpha", model.CategoryEthics, 1),
		rating(4, "beta", model.CategoryEthics, 2),
	}
	st := Analyze("p1", ratings).Aggregate
	if st.Units != 4 {
		t.Errorf("units = %d, want 4", st.Units)
	}
	if st.Pairs[0].N != 2 || st.ICCUnits != 2 {
		t.Errorf("only units 1 and 2 are rated by both, got n=%d icc units=%d", st.Pairs[0].N, st.ICCUnits)
	}
	if len(st.CV) != 2 {
		t.Errorf("cv should cover units with two or more ratings, got %d", len(st.CV))
	}
}

func TestAnalyze_CollectorsNeverRateOwnItems(t *testing.T) {
	evaluators := []string{"alpha", "beta", "gamma"}
	grades := []int{4, 3, 2, 1, -1, -2, -3, -4}
	var ratings []model.Rating
	for i := 0; i < 30; i++ {
		collector := evaluators[i%len(evaluators)]
		for _, ev := range evaluators {
			if ev == collector {
				continue
			}
			ratings = append(ratings, rating(int64(i+1), ev, model.CategoryEthics, grades[i%len(grades)]))
		}
	}

	rep := Analyze("p1", ratings)
	for _, st := range []model.ReliabilityStats{rep.Aggregate, rep.Categories[0]} {
		if st.ICCUnits != 30 || st.ICCPanels != 3 {
			t.Errorf("%s: icc units/panels = %d/%d, want 30/3", st.Scope, st.ICCUnits, st.ICCPanels)
		}
		near(t, st.Scope+" icc", st.ICC, 1)
		for _, p := range st.Pairs {
			if p.N != 10 {
				t.Errorf("%s/%s aligned %d units, want 10", p.A, p.B, p.N)
			}
		}
	}
}

func TestAnalyze_PanelsWeightedBySize(t *testing.T) {
	var ratings []model.Rating
	// alpha and beta agree on four items
	for i, v := range []int{4, 1, -2, -4} {
		ratings = append(ratings,
			rating(int64(i+1), "alpha", model.CategoryVision, v),
			rating(int64(i+1), "beta", model.CategoryVision, v))
	}
	// beta and gamma disagree on three
	ratings = append(ratings,
		rating(10, "beta", model.CategoryVision, 4),
		rating(10, "gamma", model.CategoryVision, -4),
		rating(11, "beta", model.CategoryVision, -4),
		rating(11, "gamma", model.CategoryVision, 4),
		rating(12, "beta", model.CategoryVision, 1),
		rating(12, "gamma", model.CategoryVision, 1))

	st := Analyze("p1", ratings).Aggregate
	if st.ICCUnits != 7 || st.ICCPanels != 2 {
		t.Fatalf("icc units/panels = %d/%d, want 7/2", st.ICCUnits, st.ICCPanels)
	}
	disagree := ICC([][]float64{{4, -4}, {-4, 4}, {1, 1}})
	if disagree == nil {
		t.Fatal("disagreeing panel should have an icc")
	}
	near(t, "pooled icc", st.ICC, (4*1+3**disagree)/7)
}

func TestAnalyze_SingleEvaluatorIsUndefined(t *testing.T) {
	st := Analyze("p1", []model.Rating{
		rating(1, "alpha", model.CategoryEthics, 4),
		rating(2, "alpha", model.CategoryEthics, 1),
	}).Aggregate
	if len(st.Pairs) != 0 || st.ICC != nil || st.MeanCV != nil {
		t.Errorf("a single evaluator should give no statistics, got %+v", st)
	}
}

func TestAnalyzeCohort(t *testing.T) {
	var ratings []model.Rating
	id := int64(0)
	for _, pol := range []struct {
		id    string
		value int
	}{{"p1", 4}, {"p2", 1}, {"p3", -3}} {
		for _, ev := range []string{"alpha", "beta"} {
			for n := 0; n < 3; n++ {
				id++
				r := rating(id, ev, model.CategoryIntegrity, pol.value)
				r.PoliticianID = pol.id
				ratings = append(ratings, r)
			}
		}
	}

	rep := AnalyzeCohort("cohort", ratings)
	if rep.Mode != ModeCohort {
		t.Errorf("mode = %q", rep.Mode)
	}
	cat := rep.Categories[0]
	if cat.Units != 3 {
		t.Errorf("cohort units should be politicians, got %d", cat.Units)
	}
	near(t, "cohort pearson", cat.Pairs[0].Pearson, 1)
	near(t, "cohort icc", cat.ICC, 1)
}

func ptr(v float64) *float64 { return &v }
