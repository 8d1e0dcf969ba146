package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"roundtable/internal/domain"
)

// OpenAICompat implements domain.Provider against any OpenAI-compatible
// chat-completions endpoint. Ollama, vLLM, and most local gateways speak
// this dialect.
type OpenAICompat struct {
	name    string
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
	retry   retryPolicy
	logger  *slog.Logger
}

type OpenAICompatConfig struct {
	Name    string
	APIKey  string
	APIBase string
	Model   string
	// MaxRetries and RetryBaseDelay tune the transport retry policy; zero
	// values take the defaults (3 reissues, 1s backoff unit).
	MaxRetries     int
	RetryBaseDelay time.Duration
	Logger         *slog.Logger
}

func NewOpenAICompat(cfg OpenAICompatConfig) *OpenAICompat {
	if cfg.Name == "" {
		cfg.Name = "openai-compat"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	retry := defaultRetryPolicy()
	if cfg.MaxRetries > 0 {
		retry.attempts = cfg.MaxRetries
	}
	if cfg.RetryBaseDelay > 0 {
		retry.baseDelay = cfg.RetryBaseDelay
	}
	return &OpenAICompat{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		apiBase: cfg.APIBase,
		model:   cfg.Model,
		client:  sharedHTTPClient(defaultHTTPTimeout),
		retry:   retry,
		logger:  cfg.Logger,
	}
}

func (o *OpenAICompat) Name() string { return o.name }

func (o *OpenAICompat) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s not reachable: %w", o.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s: invalid API key", o.name)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", o.name, resp.StatusCode)
	}
	return nil
}

type oaiRequest struct {
	Model       string              `json:"model"`
	Messages    []domain.ChatMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
	Stream      bool                `json:"stream"`
}

type oaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (o *OpenAICompat) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	body := oaiRequest{
		Model:     model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	start := time.Now()
	resp, err := o.retry.do(ctx, o.client, func() (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if o.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
		}
		return httpReq, nil
	}, o.logger)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", o.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s %d: %s", o.name, resp.StatusCode, string(respBody))
	}

	var parsed oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty choices", o.name)
	}

	return &domain.ChatResponse{
		Content: parsed.Choices[0].Message.Content,
		Usage: domain.Usage{
			TokensIn:  parsed.Usage.PromptTokens,
			TokensOut: parsed.Usage.CompletionTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}
