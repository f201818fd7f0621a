package validate

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/civicledger/panelscore/internal/model"
	"github.com/civicledger/panelscore/internal/store"
)

var testNow = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

// fakeProber answers from a locator table; unknown locators are reachable
type fakeProber struct {
	mu     sync.Mutex
	status map[string]ProbeStatus
	calls  []string
}

func (f *fakeProber) Probe(_ context.Context, locator string) ProbeResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, locator)
	if s, ok := f.status[locator]; ok {
		return ProbeResult{Status: s, Detail: "scripted"}
	}
	return ProbeResult{Status: ProbeReachable}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "validate.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestValidator(st Store, prober Prober, reachability bool) *Validator {
	cfg := model.DefaultConfig()
	cfg.Validation.Reachability = reachability
	v := New(st, cfg, prober, nil)
	v.now = func() time.Time { return testNow }
	return v
}

func daysAgo(n int) *time.Time {
	t := testNow.AddDate(0, 0, -n)
	return &t
}

// insert stores an item under an explicit normalized locator so that
// legacy near-duplicates can be staged
func insert(t *testing.T, st *store.Store, class model.SourceClass, locator, norm string, published *time.Time) model.EvidenceItem {
	t.Helper()
	it := &model.EvidenceItem{
		PoliticianID:    "p1",
		Category:        model.CategoryTransparency,
		SourceClass:     class,
		Collector:       "alpha",
		Title:           "Item at " + locator,
		Locator:         locator,
		NormLocator:     norm,
		PublishedAt:     published,
		ProtocolVersion: "v1",
	}
	ok, err := st.InsertEvidence(context.Background(), it)
	if err != nil || !ok {
		t.Fatalf("insert %s: %v (inserted=%v)", locator, err, ok)
	}
	return *it
}

func listAll(t *testing.T, st *store.Store) []model.EvidenceItem {
	t.Helper()
	items, err := st.ListEvidence(context.Background(), store.EvidenceFilter{PoliticianID: "p1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return items
}

func TestValidate_Checks(t *testing.T) {
	st := openStore(t)
	good := insert(t, st, model.SourceOfficial, "https://assembly.go.kr/bill/1", "n1", daysAgo(400))
	insert(t, st, model.SourceOfficial, "https://news.example.com/story", "n2", daysAgo(10))
	insert(t, st, model.SourcePublic, "https://www.congress.gov/vote/7", "n3", daysAgo(10))
	insert(t, st, model.SourcePublic, "https://news.example.com/undated", "n4", nil)
	insert(t, st, model.SourcePublic, "https://news.example.com/old", "n5", daysAgo(3*365))
	insert(t, st, model.SourcePublic, "https://news.example.com/future", "n6", daysAgo(-5))
	keep := insert(t, st, model.SourcePublic, "https://news.example.com/dup", "legacy-a", daysAgo(20))
	insert(t, st, model.SourcePublic, "http://www.news.example.com/dup/", "legacy-b", daysAgo(20))
	handle := insert(t, st, model.SourcePublic, "@kim_official", "n9", daysAgo(30))

	v := newTestValidator(st, nil, false)
	res, err := v.Validate(context.Background(), listAll(t, st))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	want := map[string]int{
		string(ReasonSourceClass):  2,
		string(ReasonMissingField): 1,
		string(ReasonDateWindow):   2,
		string(ReasonDuplicate):    1,
	}
	if diff := cmp.Diff(want, res.InvalidByReason()); diff != "" {
		t.Errorf("unexpected invalid counts (-want +got):\n%s", diff)
	}

	var verified []int64
	for _, it := range res.Verified {
		verified = append(verified, it.ID)
	}
	if diff := cmp.Diff([]int64{good.ID, keep.ID, handle.ID}, verified); diff != "" {
		t.Errorf("unexpected verified ids (-want +got):\n%s", diff)
	}

	remaining := listAll(t, st)
	if len(remaining) != 3 {
		t.Fatalf("expected 3 remaining items, got %d", len(remaining))
	}
	for _, it := range remaining {
		if !it.Verified {
			t.Errorf("remaining item %d should be verified", it.ID)
		}
	}

	counts, err := st.InvalidCounts(context.Background(), "p1", model.CategoryTransparency)
	if err != nil {
		t.Fatalf("InvalidCounts failed: %v", err)
	}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("unexpected persisted invalid log (-want +got):\n%s", diff)
	}

	cells := res.Cells()
	if len(cells) != 2 {
		t.Errorf("expected official and public cells to need requeue, got %v", cells)
	}
}

func TestValidate_SecondPassDeletesNothing(t *testing.T) {
	st := openStore(t)
	insert(t, st, model.SourceOfficial, "https://assembly.go.kr/bill/1", "n1", daysAgo(5))
	insert(t, st, model.SourcePublic, "https://news.example.com/a", "a1", daysAgo(5))
	insert(t, st, model.SourcePublic, "https://news.example.com/a?utm_source=x", "a2", daysAgo(5))
	insert(t, st, model.SourcePublic, "https://news.example.com/b", "n3", nil)

	prober := &fakeProber{}
	v := newTestValidator(st, prober, true)

	first, err := v.Validate(context.Background(), listAll(t, st))
	if err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	if len(first.Invalid) != 2 {
		t.Fatalf("expected 2 deletions on the first pass, got %d", len(first.Invalid))
	}
	probed := len(prober.calls)

	second, err := v.Validate(context.Background(), listAll(t, st))
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if len(second.Invalid) != 0 {
		t.Errorf("second pass deleted %d items", len(second.Invalid))
	}
	if len(second.Verified) != 2 || len(second.Pending) != 0 {
		t.Errorf("unexpected second pass result: %d verified, %d pending", len(second.Verified), len(second.Pending))
	}
	if len(prober.calls) != probed {
		t.Errorf("verified items should not be probed again")
	}
}

func TestValidate_Reachability(t *testing.T) {
	st := openStore(t)
	dead := insert(t, st, model.SourcePublic, "https://news.example.com/dead", "n1", daysAgo(5))
	pending := insert(t, st, model.SourcePublic, "https://news.example.com/slow", "n2", daysAgo(5))
	ok := insert(t, st, model.SourcePublic, "https://news.example.com/ok", "n3", daysAgo(5))

	prober := &fakeProber{status: map[string]ProbeStatus{
		dead.Locator:    ProbeDead,
		pending.Locator: ProbePending,
	}}
	v := newTestValidator(st, prober, true)

	res, err := v.Validate(context.Background(), listAll(t, st))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(res.Invalid) != 1 || res.Invalid[0].Item.ID != dead.ID || res.Invalid[0].Reason != ReasonUnreachable {
		t.Errorf("expected the dead item to be invalid, got %+v", res.Invalid)
	}
	if len(res.Pending) != 1 || res.Pending[0].ID != pending.ID {
		t.Errorf("expected the slow item to be pending, got %+v", res.Pending)
	}
	if len(res.Verified) != 1 || res.Verified[0].ID != ok.ID {
		t.Errorf("expected the ok item verified, got %+v", res.Verified)
	}

	got, err := st.GetEvidence(context.Background(), pending.ID)
	if err != nil {
		t.Fatalf("pending item should remain stored: %v", err)
	}
	if got.Verified {
		t.Error("pending item should stay unverified")
	}
}

func TestValidate_TogglesOff(t *testing.T) {
	st := openStore(t)
	insert(t, st, model.SourceOfficial, "https://news.example.com/story", "n1", nil)

	cfg := model.DefaultConfig()
	cfg.Validation = model.ValidationConfig{}
	v := New(st, cfg, nil, nil)

	res, err := v.Validate(context.Background(), listAll(t, st))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(res.Invalid) != 0 || len(res.Verified) != 1 {
		t.Errorf("with every check disabled the item should verify, got %+v", res)
	}
}
