package util

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewProxyFunc(t *testing.T) {
	proxy := NewProxyFunc("http://proxy.internal:3128", "http://secure-proxy.internal:3128", "localhost, .corp.example, assembly.go.kr")

	tests := []struct {
		target string
		want   string
	}{
		{"http://news.example.com/a", "http://proxy.internal:3128"},
		{"https://news.example.com/a", "http://secure-proxy.internal:3128"},
		{"https://wiki.corp.example/a", ""},
		{"https://assembly.go.kr/a", ""},
		{"https://likms.assembly.go.kr/a", ""},
		{"http://127.0.0.1:8080/a", ""},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			u, _ := url.Parse(tt.target)
			got, err := proxy(&http.Request{URL: u})
			if err != nil {
				t.Fatalf("proxy failed: %v", err)
			}
			gotStr := ""
			if got != nil {
				gotStr = got.String()
			}
			if gotStr != tt.want {
				t.Errorf("proxy(%s) = %q, want %q", tt.target, gotStr, tt.want)
			}
		})
	}
}

func TestRobots(t *testing.T) {
	var fetches int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(&fetches, 1)
		_, _ = w.Write([]byte("User-agent: panelscore\nDisallow: /private\nCrawl-delay: 2\n\nUser-agent: *\nDisallow: /\n"))
	}))
	defer srv.Close()

	rb := NewRobots("panelscore/0.1 (+https://example.com)", time.Second, time.Minute, srv.Client())
	ctx := context.Background()

	tests := []struct {
		path    string
		allowed bool
	}{
		{"/public/page", true},
		{"/private/doc", false},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			d, err := rb.Check(ctx, srv.URL+tt.path)
			if err != nil {
				t.Fatalf("Check failed: %v", err)
			}
			if d.Allowed != tt.allowed {
				t.Errorf("allowed = %v, want %v", d.Allowed, tt.allowed)
			}
			if d.CrawlDelay != 2*time.Second {
				t.Errorf("expected crawl delay 2s, got %v", d.CrawlDelay)
			}
		})
	}

	if n := atomic.LoadInt32(&fetches); n != 1 {
		t.Errorf("expected robots.txt fetched once, got %d", n)
	}
}

func TestRobots_ConcurrentMissesFetchOnce(t *testing.T) {
	var fetches int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetches, 1)
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte("User-agent: *\nAllow: /\n"))
	}))
	defer srv.Close()

	rb := NewRobots("panelscore/0.1", time.Second, time.Minute, srv.Client())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = rb.Check(context.Background(), srv.URL+"/a")
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&fetches); n != 1 {
		t.Errorf("expected a single shared fetch, got %d", n)
	}
}

func TestRobots_UnreadableAllows(t *testing.T) {
	tests := []struct {
		name    string
		handler http.Handler
	}{
		{"missing", http.NotFoundHandler()},
		{"server error", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			rb := NewRobots("panelscore/0.1", time.Second, 0, nil)
			d, err := rb.Check(context.Background(), srv.URL+"/anything")
			if err != nil || !d.Allowed {
				t.Errorf("expected allowed without error, got %+v, %v", d, err)
			}
		})
	}
}

func TestRobots_BadLocator(t *testing.T) {
	rb := NewRobots("panelscore/0.1", time.Second, 0, nil)
	if _, err := rb.Check(context.Background(), "no-host-here"); err == nil {
		t.Error("expected an error for a locator without a host")
	}
}

func TestProductToken(t *testing.T) {
	tests := map[string]string{
		"panelscore/0.1 (+https://x)": "panelscore",
		"curl":                        "curl",
		"":                            "",
	}
	for in, want := range tests {
		if got := ProductToken(in); got != want {
			t.Errorf("ProductToken(%q) = %q, want %q", in, got, want)
		}
	}
}
