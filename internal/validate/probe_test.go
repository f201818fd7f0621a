package validate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/civicledger/panelscore/internal/model"
	"github.com/civicledger/panelscore/internal/worker"
)

func newTestProber(t *testing.T, respectRobots bool) *HTTPProber {
	t.Helper()
	cfg := model.DefaultConfig()
	cfg.HTTP.Timeout = 2 * time.Second
	p := NewHTTPProber(cfg.HTTP, NewClassifier(nil, cfg.Validation.PlatformHosts), respectRobots, nil)
	p.limiter = worker.NewLimiter(0, 1)
	p.retry.BaseBackoff = time.Millisecond
	p.retry.MaxBackoff = 2 * time.Millisecond
	return p
}

func TestProbe_HeadOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected a User-Agent header")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := newTestProber(t, false).Probe(context.Background(), srv.URL+"/bill/1")
	if res.Status != ProbeReachable || res.StatusCode != http.StatusOK {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestProbe_GetFallbackExtractsMeta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><title>Roll call vote 42</title>
			<meta property="article:published_time" content="2024-02-01T00:00:00Z"></head></html>`))
	}))
	defer srv.Close()

	res := newTestProber(t, false).Probe(context.Background(), srv.URL+"/vote/42")
	if res.Status != ProbeReachable {
		t.Fatalf("expected reachable, got %+v", res)
	}
	if res.Meta == nil || res.Meta.Title != "Roll call vote 42" || res.Meta.Published == nil {
		t.Errorf("expected page metadata, got %+v", res.Meta)
	}
}

func TestProbe_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   ProbeStatus
	}{
		{"not found", http.StatusNotFound, ProbeDead},
		{"gone", http.StatusGone, ProbeDead},
		{"bad request", http.StatusBadRequest, ProbeDead},
		{"forbidden is restricted", http.StatusForbidden, ProbeReachable},
		{"server error exhausts retries", http.StatusServiceUnavailable, ProbePending},
		{"rate limited exhausts retries", http.StatusTooManyRequests, ProbePending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			res := newTestProber(t, false).Probe(context.Background(), srv.URL+"/x")
			if res.Status != tt.want {
				t.Errorf("status %d: expected %s, got %+v", tt.status, tt.want, res)
			}
		})
	}
}

func TestProbe_TransientThenSuccess(t *testing.T) {
	var gets int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if atomic.AddInt32(&gets, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := newTestProber(t, false).Probe(context.Background(), srv.URL+"/x")
	if res.Status != ProbeReachable {
		t.Errorf("expected reachable after retries, got %+v", res)
	}
	if n := atomic.LoadInt32(&gets); n != 3 {
		t.Errorf("expected 3 GETs, got %d", n)
	}
}

func TestProbe_Skips(t *testing.T) {
	p := newTestProber(t, false)
	for _, loc := range []string{"@assemblyman_kim", "https://x.com/assemblyman_kim/status/1", "Bill No. 2123"} {
		if res := p.Probe(context.Background(), loc); res.Status != ProbeSkipped {
			t.Errorf("Probe(%q) = %+v, expected skipped", loc, res)
		}
	}
}

func TestProbe_RobotsDisallow(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
			return
		}
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestProber(t, true)
	if res := p.Probe(context.Background(), srv.URL+"/private/doc"); res.Status != ProbeSkipped {
		t.Errorf("expected skipped, got %+v", res)
	}
	if res := p.Probe(context.Background(), srv.URL+"/public/doc"); res.Status != ProbeReachable {
		t.Errorf("expected reachable, got %+v", res)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("expected 1 page request, got %d", n)
	}
}

func TestProbe_ConnectionRefusedIsPending(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	res := newTestProber(t, false).Probe(context.Background(), addr+"/gone")
	if res.Status != ProbePending {
		t.Errorf("expected pending, got %+v", res)
	}
}
