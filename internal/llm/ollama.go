package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/civicledger/panelscore/internal/util"
)

// OllamaProvider runs a judge on a local Ollama daemon through /api/chat.
// Replies are constrained to JSON since every judge prompt asks for it.
type OllamaProvider struct {
	baseURL string
	client  *http.Client
	config  Config
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
	Error           string        `json:"error,omitempty"`
}

type ollamaTags struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

// NewOllamaProvider creates an Ollama judge. Per-call deadlines come from
// the caller's context.
func NewOllamaProvider(config Config) (*OllamaProvider, error) {
	if config.Model == "" {
		return nil, fmt.Errorf("ollama model must be specified (e.g., llama3.1:8b, mistral)")
	}
	return &OllamaProvider{
		baseURL: strings.TrimSuffix(orDefault(config.BaseURL, "http://localhost:11434"), "/"),
		client: &http.Client{
			Transport: &http.Transport{
				Proxy: util.NewProxyFunc(config.HTTPProxy, config.HTTPSProxy, config.NoProxy),
			},
		},
		config: config,
	}, nil
}

// Name returns the provider name
func (p *OllamaProvider) Name() string {
	return orDefault(p.config.Name, "ollama")
}

// IsAvailable reports whether the daemon answers and has the configured
// model pulled
func (p *OllamaProvider) IsAvailable(ctx context.Context) bool {
	var tags ollamaTags
	if err := p.call(ctx, http.MethodGet, "/api/tags", nil, &tags); err != nil {
		return false
	}
	want := p.config.Model
	for _, m := range tags.Models {
		name := orDefault(m.Name, m.Model)
		if name == want || strings.TrimSuffix(name, ":latest") == want {
			return true
		}
	}
	return false
}

// Complete sends one stateless chat turn
func (p *OllamaProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	chat := ollamaChatRequest{
		Model:  p.config.Model,
		Format: "json",
		Options: map[string]any{
			"temperature": p.config.Temperature,
		},
	}
	if n := orDefault(req.MaxTokens, p.config.MaxTokens); n > 0 {
		chat.Options["num_predict"] = n
	}
	if req.System != "" {
		chat.Messages = append(chat.Messages, ollamaMessage{Role: "system", Content: req.System})
	}
	chat.Messages = append(chat.Messages, ollamaMessage{Role: "user", Content: req.Prompt})

	var out ollamaChatResponse
	if err := p.call(ctx, http.MethodPost, "/api/chat", chat, &out); err != nil {
		return nil, err
	}
	if !out.Done {
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("incomplete reply")}
	}

	return &Response{
		Text:       strings.TrimSpace(out.Message.Content),
		Model:      orDefault(out.Model, p.config.Model),
		TokensUsed: out.PromptEvalCount + out.EvalCount,
	}, nil
}

// call sends body as JSON (when non-nil) and decodes the reply into out
func (p *OllamaProvider) call(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return networkError(p.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return networkError(p.Name(), fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data))
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return statusError(p.Name(), resp.StatusCode, fmt.Errorf("API error: %s", msg))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ProviderError{Provider: p.Name(), Err: fmt.Errorf("unmarshal response: %w", err)}
	}
	return nil
}
