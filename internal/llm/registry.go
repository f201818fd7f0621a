package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-envconfig"
	"go.uber.org/zap"

	"github.com/civicledger/panelscore/internal/metrics"
	"github.com/civicledger/panelscore/internal/model"
	"github.com/civicledger/panelscore/internal/retry"
	"github.com/civicledger/panelscore/internal/worker"
)

// Credentials are read from the environment, never from the config file
type Credentials struct {
	OpenAIKey     string `env:"OPENAI_API_KEY"`
	AnthropicKey  string `env:"ANTHROPIC_API_KEY"`
	GeminiKey     string `env:"GEMINI_API_KEY"`
	OllamaBaseURL string `env:"OLLAMA_BASE_URL"`
}

// LoadCredentials reads provider credentials from the process environment
func LoadCredentials(ctx context.Context) (Credentials, error) {
	var c Credentials
	if err := envconfig.Process(ctx, &c); err != nil {
		return Credentials{}, fmt.Errorf("load credentials: %w", err)
	}
	return c, nil
}

// Client wraps a provider with pacing, a per-call deadline, retries and
// metrics. It holds no conversational state.
type Client struct {
	provider Provider
	limiter  *worker.Limiter
	timeout  time.Duration
	retry    retry.Config
	log      *zap.Logger
}

// Name returns the wrapped provider's name
func (c *Client) Name() string {
	return c.provider.Name()
}

// IsAvailable delegates to the provider
func (c *Client) IsAvailable(ctx context.Context) bool {
	return c.provider.IsAvailable(ctx)
}

// Complete runs one request, retrying transient failures with backoff
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	name := c.Name()
	role := string(req.Role)

	return retry.Do(ctx, c.retry, fmt.Sprintf("%s %s call", name, role), IsTransient, func(attempt int) (*Response, error) {
		if attempt > 0 {
			metrics.ProviderRetries.WithLabelValues(name).Inc()
		}
		if err := c.limiter.Wait(ctx, name); err != nil {
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		start := time.Now()
		resp, err := c.provider.Complete(callCtx, req)
		metrics.ProviderLatency.WithLabelValues(name, role).Observe(time.Since(start).Seconds())

		if err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				err = &ProviderError{Provider: name, Transient: true, Err: fmt.Errorf("call exceeded %s: %w", c.timeout, err)}
			}
			outcome := "error"
			if IsTransient(err) {
				outcome = "transient"
			}
			metrics.ProviderCalls.WithLabelValues(name, role, outcome).Inc()
			c.log.Debug("provider call failed",
				zap.String("session", req.Session),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			return nil, err
		}

		metrics.ProviderCalls.WithLabelValues(name, role, "ok").Inc()
		c.log.Debug("provider call succeeded",
			zap.String("session", req.Session),
			zap.String("model", resp.Model),
			zap.Int("tokens", resp.TokensUsed),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, nil
	})
}

// Registry hands out one Client per configured provider, built on first use
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client
	configs map[string]model.ProviderConfig
	creds   Credentials
	http    model.HTTPConfig
	retry   retry.Config
	limiter *worker.Limiter
	log     *zap.Logger
}

// NewRegistry creates a registry for the providers in cfg
func NewRegistry(cfg *model.Config, creds Credentials, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}

	r := &Registry{
		clients: make(map[string]*Client),
		configs: make(map[string]model.ProviderConfig),
		creds:   creds,
		http:    cfg.HTTP,
		retry: retry.Config{
			MaxRetries:     cfg.Retry.MaxRetries,
			BaseBackoff:    cfg.Retry.BaseBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
			JitterFraction: 0.1,
			Logger:         log,
		},
		limiter: worker.NewLimiter(1, 1),
		log:     log.With(zap.String("component", "llm")),
	}
	for _, pc := range cfg.Providers {
		r.configs[pc.Name] = pc
		r.limiter.SetRate(pc.Name, pc.RequestsPerSecond, pc.Burst)
	}
	return r
}

// Register installs a prebuilt provider under its name. Tests use it to
// inject fakes; the provider's config entry supplies pacing and timeout.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[p.Name()] = r.wrap(p, r.configs[p.Name()])
}

// Get returns the client for a configured provider name
func (r *Registry) Get(name string) (Judge, error) {
	return r.client(name)
}

// Names returns the configured provider names in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.configs))
	for n := range r.configs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Check reports availability of every configured provider. A provider
// that cannot be built (for example a missing key) maps to its error.
func (r *Registry) Check(ctx context.Context) map[string]error {
	out := make(map[string]error, len(r.configs))
	for _, name := range r.Names() {
		c, err := r.client(name)
		if err != nil {
			out[name] = err
			continue
		}
		if !c.IsAvailable(ctx) {
			out[name] = fmt.Errorf("provider %s is not reachable", name)
			continue
		}
		out[name] = nil
	}
	return out
}

func (r *Registry) client(name string) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[name]; ok {
		return c, nil
	}
	pc, ok := r.configs[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", name)
	}
	p, err := NewProvider(ConfigFromModel(pc, r.creds, r.http))
	if err != nil {
		return nil, fmt.Errorf("create provider %s: %w", name, err)
	}
	c := r.wrap(p, pc)
	r.clients[name] = c
	return c, nil
}

func (r *Registry) wrap(p Provider, pc model.ProviderConfig) *Client {
	return &Client{
		provider: p,
		limiter:  r.limiter,
		timeout:  orDefault(pc.Timeout, 60*time.Second),
		retry:    r.retry,
		log:      r.log.With(zap.String("provider", p.Name())),
	}
}
