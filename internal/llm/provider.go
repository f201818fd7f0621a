// Package llm puts every AI vendor behind one completion capability.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Role is the part a judge plays in a request
type Role string

const (
	RoleCollector Role = "collector"
	RoleEvaluator Role = "evaluator"
)

// Judge is the capability every vendor implements
type Judge interface {
	// Name returns the configured provider name
	Name() string

	// Complete sends one stateless prompt and returns the raw text
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Provider is a Judge that can also report whether it is reachable
type Provider interface {
	Judge

	// IsAvailable checks if the provider is properly configured and accessible
	IsAvailable(ctx context.Context) bool
}

// Request is one prompt sent to a judge
type Request struct {
	Role Role

	// Session identifies this call in logs; providers keep no state between calls
	Session string

	System string
	Prompt string

	// MaxTokens overrides the provider default when positive
	MaxTokens int
}

// Response is the judge output before parsing
type Response struct {
	Text       string
	Model      string
	TokensUsed int
}

// Config holds one provider's connection settings
type Config struct {
	// Name is the identity used for collectors and evaluators
	Name string

	// Kind selects the vendor: openai, anthropic, gemini, ollama
	Kind string

	Model       string
	APIKey      string
	BaseURL     string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64

	// Proxy settings
	HTTPProxy  string
	HTTPSProxy string
	NoProxy    string
}

// ErrTransient marks failures worth retrying: timeouts, rate limits, overload
var ErrTransient = errors.New("transient provider error")

// ProviderError is a failed vendor call
type ProviderError struct {
	Provider   string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrTransient) true for transient failures
func (e *ProviderError) Is(target error) bool {
	return target == ErrTransient && e.Transient
}

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// transientStatus lists HTTP statuses retried with backoff. 529 is the
// overload status some vendors use.
func transientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout, 529:
		return true
	}
	return false
}

// statusError builds a ProviderError classified by HTTP status
func statusError(provider string, code int, err error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		StatusCode: code,
		Transient:  transientStatus(code),
		Err:        err,
	}
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// networkError wraps transport failures, which are always worth a retry
func networkError(provider string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ProviderError{Provider: provider, Transient: true, Err: err}
	}
	return &ProviderError{Provider: provider, Err: err}
}
