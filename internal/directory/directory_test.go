package directory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/civicledger/panelscore/internal/model"
)

const sampleDirectory = `politicians:
  - id: kr-2024-0117
    name: Kim Minji
    affiliation: Independent
    jurisdiction: Seoul
    office: National Assembly member
  - id: us-sen-0042
    name: Jane Roe
    office: Senator
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "politicians.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFile_Lookup(t *testing.T) {
	dir := NewFile(writeFile(t, sampleDirectory))

	p, err := dir.Lookup(context.Background(), "kr-2024-0117")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if p.Name != "Kim Minji" || p.Jurisdiction != "Seoul" {
		t.Errorf("unexpected profile %+v", p)
	}

	_, err = dir.Lookup(context.Background(), "nobody")
	if !errors.Is(err, ErrUnknown) {
		t.Errorf("expected ErrUnknown, got %v", err)
	}

	ids, _ := dir.IDs()
	if len(ids) != 2 || ids[0] != "kr-2024-0117" {
		t.Errorf("unexpected ids %v", ids)
	}
}

func TestFile_Invalid(t *testing.T) {
	tests := []struct {
		desc    string
		content string
	}{
		{"missing name", "politicians:\n  - id: x\n"},
		{"duplicate id", "politicians:\n  - id: x\n    name: A\n  - id: x\n    name: B\n"},
		{"bad yaml", "politicians: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			dir := NewFile(writeFile(t, tt.content))
			if _, err := dir.Lookup(context.Background(), "x"); err == nil || errors.Is(err, ErrUnknown) {
				t.Errorf("expected load error, got %v", err)
			}
		})
	}

	if _, err := NewFile(filepath.Join(t.TempDir(), "missing.yaml")).Lookup(context.Background(), "x"); err == nil {
		t.Error("expected error for missing file")
	}
}

type countingDirectory struct {
	calls int
	inner Directory
}

func (c *countingDirectory) Lookup(ctx context.Context, id string) (model.Politician, error) {
	c.calls++
	return c.inner.Lookup(ctx, id)
}

func TestCached(t *testing.T) {
	inner := &countingDirectory{inner: Static{"p1": {ID: "p1", Name: "Jane Roe"}}}
	dir := NewCached(inner, time.Minute)

	for i := 0; i < 3; i++ {
		p, err := dir.Lookup(context.Background(), "p1")
		if err != nil || p.Name != "Jane Roe" {
			t.Fatalf("unexpected lookup %+v (%v)", p, err)
		}
	}
	if inner.calls != 1 {
		t.Errorf("expected 1 underlying lookup, got %d", inner.calls)
	}

	for i := 0; i < 2; i++ {
		_, _ = dir.Lookup(context.Background(), "missing")
	}
	if inner.calls != 3 {
		t.Errorf("failed lookups should not be cached, got %d calls", inner.calls)
	}
}
