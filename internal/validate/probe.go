package validate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/civicledger/panelscore/internal/extract"
	"github.com/civicledger/panelscore/internal/logging"
	"github.com/civicledger/panelscore/internal/model"
	"github.com/civicledger/panelscore/internal/retry"
	"github.com/civicledger/panelscore/internal/util"
	"github.com/civicledger/panelscore/internal/worker"
)

// ProbeStatus is the outcome of one reachability check
type ProbeStatus string

const (
	ProbeReachable ProbeStatus = "reachable"
	ProbeDead      ProbeStatus = "dead"
	ProbePending   ProbeStatus = "pending"
	ProbeSkipped   ProbeStatus = "skipped"
)

// ProbeResult describes a reachability check
type ProbeResult struct {
	Status     ProbeStatus
	StatusCode int
	FinalURL   string
	Detail     string
	Meta       *extract.PageMeta
}

// Prober checks whether a locator resolves
type Prober interface {
	Probe(ctx context.Context, locator string) ProbeResult
}

// errProbeTransient marks failures worth another attempt
var errProbeTransient = errors.New("transient probe failure")

// HTTPProber checks locators with HEAD, falling back to GET
type HTTPProber struct {
	client     *http.Client
	robots     *util.Robots
	limiter    *worker.Limiter
	classifier *Classifier
	userAgent  string
	maxBytes   int64
	retry      retry.Config
	log        *zap.Logger
}

// NewHTTPProber creates a proxy-aware prober. Requests to one host are
// paced at one per second; robots.txt is honored when respectRobots is set.
func NewHTTPProber(httpCfg model.HTTPConfig, classifier *Classifier, respectRobots bool, log *zap.Logger) *HTTPProber {
	client := util.NewHTTPClient(httpCfg.HTTPProxy, httpCfg.HTTPSProxy, httpCfg.NoProxy)
	client.Timeout = httpCfg.Timeout
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 5 {
			return fmt.Errorf("stopped after 5 redirects")
		}
		return nil
	}

	p := &HTTPProber{
		client:     client,
		limiter:    worker.NewLimiter(1, 2),
		classifier: classifier,
		userAgent:  httpCfg.UserAgent,
		maxBytes:   httpCfg.MaxBytes,
		retry: retry.Config{
			MaxRetries:     2,
			BaseBackoff:    time.Second,
			MaxBackoff:     8 * time.Second,
			JitterFraction: 0.1,
			Logger:         logging.OrNop(log),
		},
		log: logging.OrNop(log).With(zap.String("component", "probe")),
	}
	if p.maxBytes <= 0 {
		p.maxBytes = 1 << 20
	}
	if respectRobots {
		p.robots = util.NewRobots(httpCfg.UserAgent, httpCfg.Timeout, time.Hour, client)
	}
	return p
}

// Probe checks one locator. Handles and platform hosts are skipped;
// transient failures that survive the retries come back pending.
func (p *HTTPProber) Probe(ctx context.Context, locator string) ProbeResult {
	target, ok := extract.FetchURL(locator)
	if !ok {
		return ProbeResult{Status: ProbeSkipped, Detail: "not a URL"}
	}
	if p.classifier != nil && p.classifier.Platform(extract.Host(locator)) {
		return ProbeResult{Status: ProbeSkipped, Detail: "platform host"}
	}

	var delay time.Duration
	if p.robots != nil {
		d, err := p.robots.Check(ctx, target)
		if err == nil && !d.Allowed {
			return ProbeResult{Status: ProbeSkipped, Detail: "disallowed by robots.txt"}
		}
		delay = d.CrawlDelay
	}

	res, err := retry.Do(ctx, p.retry, "probe "+target, isTransientProbe, func(attempt int) (ProbeResult, error) {
		if err := p.limiter.WaitWithDelay(ctx, worker.HostKey(target), delay); err != nil {
			return ProbeResult{}, err
		}
		return p.check(ctx, target)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ProbeResult{Status: ProbePending, Detail: ctx.Err().Error()}
		}
		res.Status = ProbePending
		res.Detail = err.Error()
	}
	return res
}

// check runs one HEAD, then a GET when HEAD does not settle it
func (p *HTTPProber) check(ctx context.Context, target string) (ProbeResult, error) {
	resp, err := p.do(ctx, http.MethodHead, target)
	if err == nil {
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return ProbeResult{Status: ProbeReachable, StatusCode: resp.StatusCode, FinalURL: resp.Request.URL.String()}, nil
		}
	} else if isDNSNotFound(err) {
		return ProbeResult{Status: ProbeDead, Detail: err.Error()}, nil
	}

	resp, err = p.do(ctx, http.MethodGet, target)
	if err != nil {
		if isDNSNotFound(err) {
			return ProbeResult{Status: ProbeDead, Detail: err.Error()}, nil
		}
		if isNetworkTransient(err) {
			return ProbeResult{Detail: err.Error()}, fmt.Errorf("%w: %v", errProbeTransient, err)
		}
		return ProbeResult{Status: ProbeDead, Detail: err.Error()}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	res := ProbeResult{StatusCode: resp.StatusCode, FinalURL: resp.Request.URL.String()}
	switch code := resp.StatusCode; {
	case code >= 200 && code < 400:
		res.Status = ProbeReachable
		if strings.Contains(resp.Header.Get("Content-Type"), "html") {
			if meta, err := extract.ParsePage(io.LimitReader(resp.Body, p.maxBytes), res.FinalURL); err == nil {
				res.Meta = &meta
			}
		}
	case code == http.StatusTooManyRequests || code >= 500:
		return res, fmt.Errorf("%w: status %d", errProbeTransient, code)
	case code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusUnavailableForLegalReasons:
		// The resource exists behind a paywall or bot wall
		res.Status = ProbeReachable
		res.Detail = fmt.Sprintf("restricted (%d)", code)
	default:
		res.Status = ProbeDead
		res.Detail = fmt.Sprintf("status %d", code)
	}
	return res, nil
}

func (p *HTTPProber) do(ctx context.Context, method, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.8")
	return p.client.Do(req)
}

func isTransientProbe(err error) bool {
	return errors.Is(err, errProbeTransient)
}

func isDNSNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

// isNetworkTransient checks for timeouts and dropped connections
func isNetworkTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "timeout") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "eof")
}
