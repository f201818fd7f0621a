package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/civicledger/panelscore/internal/util"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiProvider implements Provider for Google Gemini models
type GeminiProvider struct {
	client *genai.Client
	config Config
}

// NewGeminiProvider creates a Gemini API (not Vertex) provider
func NewGeminiProvider(config Config) (*GeminiProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required (set GEMINI_API_KEY)")
	}

	cc := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				Proxy: util.NewProxyFunc(config.HTTPProxy, config.HTTPSProxy, config.NoProxy),
			},
		},
	}
	if config.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}

	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &GeminiProvider{client: client, config: config}, nil
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return orDefault(p.config.Name, "gemini")
}

// IsAvailable fetches the configured model's metadata
func (p *GeminiProvider) IsAvailable(ctx context.Context) bool {
	if _, err := p.client.Models.Get(ctx, orDefault(p.config.Model, defaultGeminiModel), nil); err != nil {
		zap.L().Warn("gemini availability check failed", zap.String("provider", p.Name()), zap.Error(err))
		return false
	}
	return true
}

// Complete sends one GenerateContent request
func (p *GeminiProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	model := orDefault(p.config.Model, defaultGeminiModel)

	gc := &genai.GenerateContentConfig{
		Temperature:     ptr(float32(p.config.Temperature)),
		MaxOutputTokens: int32(orDefault(req.MaxTokens, orDefault(p.config.MaxTokens, 4000))),
	}
	if req.System != "" {
		gc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), gc)
	if err != nil {
		return nil, p.classify(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, &ProviderError{Provider: p.Name(), Err: errors.New("no candidates in response")}
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			text.WriteString(part.Text)
		}
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.PromptTokenCount + resp.UsageMetadata.CandidatesTokenCount)
	}

	return &Response{
		Text:       strings.TrimSpace(text.String()),
		Model:      orDefault(resp.ModelVersion, model),
		TokensUsed: tokens,
	}, nil
}

func (p *GeminiProvider) classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return statusError(p.Name(), apiErr.Code, err)
	}
	if msg := err.Error(); strings.Contains(msg, "RESOURCE_EXHAUSTED") || strings.Contains(msg, "UNAVAILABLE") {
		return &ProviderError{Provider: p.Name(), Transient: true, Err: err}
	}
	return networkError(p.Name(), err)
}

func ptr[T any](v T) *T {
	return &v
}
