package util

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
)

// RobotsDecision is the robots.txt verdict for one locator
type RobotsDecision struct {
	Allowed    bool
	CrawlDelay time.Duration
}

// Robots answers robots.txt questions for the reachability probe. Parsed
// files are kept per host for ttl, and concurrent misses on one host share
// a single fetch.
type Robots struct {
	client    *http.Client
	userAgent string
	token     string
	hosts     *gocache.Cache
	inflight  singleflight.Group
}

// NewRobots creates a checker. A nil client gets a plain one bounded by
// timeout; a zero ttl keeps files for an hour.
func NewRobots(userAgent string, timeout, ttl time.Duration, client *http.Client) *Robots {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Robots{
		client:    client,
		userAgent: userAgent,
		token:     ProductToken(userAgent),
		hosts:     gocache.New(ttl, 2*ttl),
	}
}

// Check reports whether locator may be fetched. A host whose robots.txt
// cannot be read allows everything.
func (r *Robots) Check(ctx context.Context, locator string) (RobotsDecision, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return RobotsDecision{}, fmt.Errorf("parse locator: %w", err)
	}
	if u.Host == "" {
		return RobotsDecision{}, fmt.Errorf("locator %q has no host", locator)
	}

	rules := r.rules(ctx, u)
	if rules == nil {
		return RobotsDecision{Allowed: true}, nil
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	d := RobotsDecision{Allowed: rules.TestAgent(path, r.token)}
	if g := rules.FindGroup(r.token); g != nil {
		d.CrawlDelay = g.CrawlDelay
	}
	return d, nil
}

// rules returns the parsed file for u's host, or nil when there is none
func (r *Robots) rules(ctx context.Context, u *url.URL) *robotstxt.RobotsData {
	key := u.Scheme + "://" + u.Host
	if v, ok := r.hosts.Get(key); ok {
		return v.(*robotstxt.RobotsData)
	}

	v, _, _ := r.inflight.Do(key, func() (any, error) {
		data, err := r.fetch(ctx, key+"/robots.txt")
		if err != nil {
			data = nil
		}
		r.hosts.SetDefault(key, data)
		return data, nil
	})
	return v.(*robotstxt.RobotsData)
}

func (r *Robots) fetch(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("robots.txt returned %d", resp.StatusCode)
	}
	return robotstxt.FromResponse(resp)
}

// ProductToken returns the leading product name of a User-Agent, which is
// what robots.txt groups match against
func ProductToken(ua string) string {
	fields := strings.Fields(ua)
	if len(fields) == 0 {
		return ua
	}
	name, _, _ := strings.Cut(fields[0], "/")
	return name
}
