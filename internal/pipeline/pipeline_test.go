package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/civicledger/panelscore/internal/collect"
	"github.com/civicledger/panelscore/internal/directory"
	"github.com/civicledger/panelscore/internal/evaluate"
	"github.com/civicledger/panelscore/internal/llm"
	"github.com/civicledger/panelscore/internal/model"
	"github.com/civicledger/panelscore/internal/score"
	"github.com/civicledger/panelscore/internal/store"
	"github.com/civicledger/panelscore/internal/validate"
)

var itemLine = regexp.MustCompile(`(?m)^\[(\d+)\] `)

// fakeJudge plays both roles: it invents fresh evidence when collecting
// and grades every item "A" when evaluating
type fakeJudge struct {
	name  string
	empty bool

	mu       sync.Mutex
	next     int
	stale    bool // first PUBLIC item is out of the date window once
	allStale bool // every PUBLIC item is out of the date window
	collects int
	evals    int
}

func (f *fakeJudge) Name() string { return f.name }

func (f *fakeJudge) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if req.Role == llm.RoleEvaluator {
		f.evals++
		n := len(itemLine.FindAllString(req.Prompt, -1))
		var parts []string
		for i := 1; i <= n; i++ {
			parts = append(parts, fmt.Sprintf(`{"index":%d,"grade":"A","rationale":"ok"}`, i))
		}
		return &llm.Response{Text: `{"ratings":[` + strings.Join(parts, ",") + `]}`}, nil
	}

	f.collects++
	if f.empty {
		return &llm.Response{Text: `{"items":[]}`}, nil
	}
	host := "news.example.com"
	if strings.Contains(req.Prompt, "Sources: OFFICIAL") {
		host = "www.assembly.go.kr"
	}
	published := time.Now().AddDate(0, 0, -30).Format("2006-01-02")

	var parts []string
	for i := 0; i < 2; i++ {
		f.next++
		date := published
		if f.stale && host == "news.example.com" {
			f.stale = false
			date = time.Now().AddDate(-10, 0, 0).Format("2006-01-02")
		}
		if f.allStale && host == "news.example.com" {
			date = time.Now().AddDate(-10, 0, 0).Format("2006-01-02")
		}
		parts = append(parts, fmt.Sprintf(
			`{"title":"%s report number %d on the budget","body":"b","source":"https://%s/%s/%d","published":"%s"}`,
			f.name, f.next, host, f.name, f.next, date))
	}
	return &llm.Response{Text: `{"items":[` + strings.Join(parts, ",") + `]}`}, nil
}

type fakeJudges map[string]llm.Judge

func (f fakeJudges) Get(name string) (llm.Judge, error) {
	j, ok := f[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return j, nil
}

func testConfig() *model.Config {
	cfg := model.DefaultConfig()
	cfg.Protocol.OfficialTarget = 2
	cfg.Protocol.PublicTarget = 2
	cfg.Collectors = []string{"alpha", "beta"}
	cfg.Evaluators = []string{"alpha", "beta"}
	cfg.Validation.Reachability = false
	cfg.Concurrency.Cells = 2
	return cfg
}

func newTestPipeline(t *testing.T, judges fakeJudges) (*Pipeline, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pipeline.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := testConfig()
	dir := directory.Static{"p1": {ID: "p1", Name: "Kim Min-ji", Office: "Member of the National Assembly"}}
	p := New(st, dir,
		collect.New(st, judges, dir, cfg.Protocol, cfg.Collectors, nil),
		validate.New(st, cfg, nil, nil),
		evaluate.New(st, judges, cfg, nil),
		score.NewService(st, nil, cfg, nil),
		cfg, nil)
	return p, st
}

func ethicsOnly(stages Stages) Options {
	return Options{Stages: stages, Categories: []model.Category{model.CategoryEthics}}
}

func TestRun_AllStages(t *testing.T) {
	alpha, beta := &fakeJudge{name: "alpha"}, &fakeJudge{name: "beta"}
	p, _ := newTestPipeline(t, fakeJudges{"alpha": alpha, "beta": beta})

	report, err := p.Run(context.Background(), []string{"p1"}, ethicsOnly(AllStages))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.RunID == "" || report.FinishedAt.Before(report.StartedAt) {
		t.Errorf("report timing not filled: %+v", report)
	}
	if len(report.Cells) != 4 {
		t.Fatalf("expected 4 cells, got %d", len(report.Cells))
	}
	for _, c := range report.Cells {
		if c.State != model.CellComplete || c.Stored != 2 {
			t.Errorf("cell %s: state %s stored %d", c.Cell, c.State, c.Stored)
		}
	}

	want := []model.CategoryReport{{
		PoliticianID: "p1",
		Category:     model.CategoryEthics,
		Verified:     8,
		Rated:        8,
	}}
	if diff := cmp.Diff(want, report.Categories); diff != "" {
		t.Errorf("unexpected category report (-want +got):\n%s", diff)
	}

	if len(report.Scores) != 1 {
		t.Fatalf("expected one score, got %d", len(report.Scores))
	}
	// ethics all +4 gives 80, nine empty categories give 60 each
	if got := report.Scores[0]; got.Total != 620 || got.Tier != "Gold" || !got.Complete {
		t.Errorf("unexpected score: %d %s complete=%v caveats=%v", got.Total, got.Tier, got.Complete, got.Caveats)
	}
	// each evaluator grades only the other collector's four items
	if alpha.evals != 1 || beta.evals != 1 {
		t.Errorf("expected one evaluation batch per evaluator, got %d and %d", alpha.evals, beta.evals)
	}
}

func TestRun_RequeuesInvalidEvidence(t *testing.T) {
	alpha := &fakeJudge{name: "alpha", stale: true}
	beta := &fakeJudge{name: "beta"}
	p, st := newTestPipeline(t, fakeJudges{"alpha": alpha, "beta": beta})

	report, err := p.Run(context.Background(), []string{"p1"}, ethicsOnly(Stages{Collect: true, Validate: true}))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var public model.CellReport
	for _, c := range report.Cells {
		if c.Cell.Collector == "alpha" && c.Cell.SourceClass == model.SourcePublic {
			public = c
		}
	}
	if public.State != model.CellComplete || public.Stored != 2 || public.Accepted != 3 {
		t.Errorf("requeued cell should be refilled: %+v", public)
	}
	if diff := cmp.Diff(map[string]int{"date_window": 1}, public.Invalid); diff != "" {
		t.Errorf("unexpected invalid counts (-want +got):\n%s", diff)
	}
	if report.Categories[0].Invalid != 1 || report.Categories[0].Verified != 8 {
		t.Errorf("unexpected category report: %+v", report.Categories[0])
	}

	counts, err := st.InvalidCounts(context.Background(), "p1", model.CategoryEthics)
	if err != nil {
		t.Fatalf("InvalidCounts failed: %v", err)
	}
	if counts["date_window"] != 1 {
		t.Errorf("invalid log should hold the stale item, got %v", counts)
	}
}

func TestRun_RequeueSharesRoundBudget(t *testing.T) {
	alpha := &fakeJudge{name: "alpha", allStale: true}
	p, st := newTestPipeline(t, fakeJudges{"alpha": alpha, "beta": &fakeJudge{name: "beta"}})
	budget := testConfig().Protocol.MaxRounds

	report, err := p.Run(context.Background(), []string{"p1"}, Options{
		Stages:     Stages{Collect: true, Validate: true},
		Categories: []model.Category{model.CategoryEthics},
		Classes:    []model.SourceClass{model.SourcePublic},
		Collectors: []string{"alpha"},
	})
	if !errors.Is(err, ErrShortfall) {
		t.Fatalf("expected ErrShortfall, got %v", err)
	}
	if len(report.Cells) != 1 {
		t.Fatalf("expected one cell, got %d", len(report.Cells))
	}
	c := report.Cells[0]
	if c.RoundsUsed != budget {
		t.Errorf("collection and requeue used %d rounds, budget is %d", c.RoundsUsed, budget)
	}
	// a target of 2 is one open sub-batch per round
	if alpha.collects != budget {
		t.Errorf("expected %d collector calls, got %d", budget, alpha.collects)
	}
	if c.State != model.CellNeedsMoreData || c.Stored != 0 {
		t.Errorf("cell should end short: %+v", c)
	}
	if c.Invalid["date_window"] != 2*budget {
		t.Errorf("expected %d stale deletions, got %v", 2*budget, c.Invalid)
	}

	cell, err := st.GetCell(context.Background(), c.Cell)
	if err != nil {
		t.Fatalf("GetCell failed: %v", err)
	}
	if cell.State != model.CellNeedsMoreData {
		t.Errorf("persisted state = %s", cell.State)
	}
}

func TestRun_SelectedProviders(t *testing.T) {
	alpha, beta := &fakeJudge{name: "alpha"}, &fakeJudge{name: "beta"}
	p, st := newTestPipeline(t, fakeJudges{"alpha": alpha, "beta": beta})
	ctx := context.Background()

	opts := ethicsOnly(Stages{Collect: true, Validate: true, Evaluate: true})
	opts.Collectors = []string{"alpha"}
	opts.Evaluators = []string{"beta"}
	report, err := p.Run(ctx, []string{"p1"}, opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(report.Cells) != 2 || beta.collects != 0 {
		t.Errorf("only alpha should collect: %d cells, beta called %d times", len(report.Cells), beta.collects)
	}
	if alpha.evals != 0 || beta.evals != 1 {
		t.Errorf("only beta should evaluate: alpha %d, beta %d", alpha.evals, beta.evals)
	}

	ratings, err := st.ListRatings(ctx, store.RatingFilter{PoliticianID: "p1"})
	if err != nil {
		t.Fatalf("ListRatings failed: %v", err)
	}
	if len(ratings) != 4 {
		t.Errorf("expected beta to rate alpha's 4 items, got %d ratings", len(ratings))
	}

	for _, bad := range []Options{
		{Stages: AllStages, Collectors: []string{"gamma"}},
		{Stages: AllStages, Evaluators: []string{"gamma"}},
	} {
		if _, err := p.Run(ctx, []string{"p1"}, bad); err == nil || !strings.Contains(err.Error(), "gamma") {
			t.Errorf("expected unknown provider error, got %v", err)
		}
	}
}

func TestRun_ShortfallWhenCollectorReturnsNothing(t *testing.T) {
	alpha := &fakeJudge{name: "alpha"}
	beta := &fakeJudge{name: "beta", empty: true}
	p, st := newTestPipeline(t, fakeJudges{"alpha": alpha, "beta": beta})

	report, err := p.Run(context.Background(), []string{"p1"}, ethicsOnly(AllStages))
	if !errors.Is(err, ErrShortfall) {
		t.Fatalf("expected ErrShortfall, got %v", err)
	}
	if report == nil || !report.Shortfall() {
		t.Fatal("report should show the shortfall")
	}
	if !report.Categories[0].Exhausted {
		t.Error("category should be marked exhausted")
	}
	if beta.collects != 2*testConfig().Protocol.MaxRounds {
		t.Errorf("expected every round of both classes to be tried, got %d calls", beta.collects)
	}

	cells, err := st.ListCells(context.Background(), "p1")
	if err != nil {
		t.Fatalf("ListCells failed: %v", err)
	}
	for _, c := range cells {
		if c.Collector == "beta" && c.State != model.CellNeedsMoreData {
			t.Errorf("cell %s should need more data, got %s", c.CellKey, c.State)
		}
	}
	if report.Scores[0].Complete {
		t.Error("score should carry a caveat")
	}
}

func TestRun_StagesRunSeparately(t *testing.T) {
	alpha, beta := &fakeJudge{name: "alpha"}, &fakeJudge{name: "beta"}
	p, _ := newTestPipeline(t, fakeJudges{"alpha": alpha, "beta": beta})
	ctx := context.Background()

	collected, err := p.Run(ctx, []string{"p1"}, ethicsOnly(Stages{Collect: true}))
	if err != nil {
		t.Fatalf("collect run failed: %v", err)
	}
	if len(collected.Categories) != 0 || len(collected.Scores) != 0 {
		t.Errorf("collect-only run should report cells only")
	}

	validated, err := p.Run(ctx, []string{"p1"}, ethicsOnly(Stages{Validate: true}))
	if !errors.Is(err, ErrShortfall) {
		t.Fatalf("unrated items should be a shortfall, got %v", err)
	}
	if validated.Categories[0].Verified != 8 || validated.Categories[0].Unrated != 8 {
		t.Errorf("unexpected validate report: %+v", validated.Categories[0])
	}

	evaluated, err := p.Run(ctx, []string{"p1"}, ethicsOnly(Stages{Evaluate: true, Score: true}))
	if err != nil {
		t.Fatalf("evaluate run failed: %v", err)
	}
	if evaluated.Categories[0].Rated != 8 || len(evaluated.Scores) != 1 {
		t.Errorf("unexpected evaluate report: %+v", evaluated)
	}
	if alpha.collects+beta.collects != 4 {
		t.Errorf("later stages should not collect again, got %d collector calls", alpha.collects+beta.collects)
	}
}

func TestRun_UnknownPolitician(t *testing.T) {
	p, _ := newTestPipeline(t, fakeJudges{"alpha": &fakeJudge{name: "alpha"}, "beta": &fakeJudge{name: "beta"}})
	_, err := p.Run(context.Background(), []string{"nobody"}, ethicsOnly(AllStages))
	if !errors.Is(err, directory.ErrUnknown) {
		t.Errorf("expected ErrUnknown, got %v", err)
	}
}

func TestCellReports_Merge(t *testing.T) {
	key := model.CellKey{
		GroupKey:    model.GroupKey{PoliticianID: "p1", Category: model.CategoryEthics, Collector: "alpha"},
		SourceClass: model.SourcePublic,
	}
	r := newCellReports()
	r.merge(model.CellReport{Cell: key, State: model.CellComplete, Target: 2, Stored: 2, Accepted: 2, RoundsUsed: 1})
	r.invalid(key, "duplicate")
	r.merge(model.CellReport{Cell: key, State: model.CellComplete, Target: 2, Stored: 2, Accepted: 1, Duplicates: 1, RoundsUsed: 1})

	want := []model.CellReport{{
		Cell: key, State: model.CellComplete, Target: 2, Stored: 2,
		Accepted: 3, Duplicates: 1, RoundsUsed: 2,
		Invalid: map[string]int{"duplicate": 1},
	}}
	if diff := cmp.Diff(want, r.list()); diff != "" {
		t.Errorf("unexpected merged report (-want +got):\n%s", diff)
	}
}
