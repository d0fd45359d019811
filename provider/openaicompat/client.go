package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	skillagent "github.com/alleneee/skill-agent"
)

// defaultMaxTokensCeiling is the per-call completion budget ceiling when the
// model's is unknown.
const defaultMaxTokensCeiling = 16384

// Client implements skillagent.LLMClient for any OpenAI-compatible API.
//
// Works with OpenAI, DeepSeek, Moonshot, OpenRouter, Groq, Together, Ollama,
// vLLM, LM Studio, and any other provider implementing the chat completions
// API.
type Client struct {
	apiKey      string
	model       string
	baseURL     string
	httpClient  *http.Client
	name        string
	ceiling     int
	temperature *float64
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithName overrides the provider name reported by Name() (default "openai").
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithHTTPClient replaces the HTTP client (timeouts, proxies, test doubles).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithMaxTokensCeiling sets the model's completion token ceiling. Requests
// above it are clamped with a warning.
func WithMaxTokensCeiling(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.ceiling = n
		}
	}
}

// WithTemperature sets the sampling temperature for every request.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = &t }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates an OpenAI-compatible chat client.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.deepseek.com/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
// Returns skillagent.ErrNoAPIKey when apiKey is empty.
func New(apiKey, model, baseURL string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, skillagent.ErrNoAPIKey
	}
	c := &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		name:       "openai",
		ceiling:    defaultMaxTokensCeiling,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name returns the provider name.
func (c *Client) Name() string { return c.name }

// clampMaxTokens bounds the requested completion budget to the model ceiling.
func (c *Client) clampMaxTokens(n int) int {
	if n <= 0 || n > c.ceiling {
		if n > c.ceiling {
			c.logger.Warn("max_tokens clamped to model ceiling",
				"requested", n, "ceiling", c.ceiling, "model", c.model)
		}
		return c.ceiling
	}
	return n
}

// Generate sends a non-streaming chat request and returns the parsed response.
func (c *Client) Generate(ctx context.Context, req skillagent.GenerateRequest) (skillagent.LLMResponse, error) {
	body := BuildBody(req.Messages, req.Tools, c.model, c.clampMaxTokens(req.MaxTokens))
	body.Temperature = c.temperature

	resp, err := c.sendHTTP(ctx, body)
	if err != nil {
		return skillagent.LLMResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return skillagent.LLMResponse{}, c.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return skillagent.LLMResponse{}, &skillagent.ErrLLM{Provider: c.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return ParseResponse(chatResp)
}

// GenerateStream streams delta events into ch, then returns the final
// accumulated response. The channel is closed when streaming completes
// (via StreamSSE) or on error.
func (c *Client) GenerateStream(ctx context.Context, req skillagent.GenerateRequest, ch chan<- skillagent.LLMStreamEvent) (skillagent.LLMResponse, error) {
	body := BuildBody(req.Messages, req.Tools, c.model, c.clampMaxTokens(req.MaxTokens))
	body.Temperature = c.temperature
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := c.sendHTTP(ctx, body)
	if err != nil {
		close(ch)
		return skillagent.LLMResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return skillagent.LLMResponse{}, c.httpErr(resp)
	}

	// StreamSSE closes ch when done.
	return StreamSSE(ctx, resp.Body, ch)
}

// sendHTTP marshals the request body and posts it to the chat completions
// endpoint.
func (c *Client) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &skillagent.ErrLLM{Provider: c.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &skillagent.ErrLLM{Provider: c.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	return c.httpClient.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for retry
// middleware. Parses the Retry-After header when present.
func (c *Client) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &skillagent.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: skillagent.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

var _ skillagent.LLMClient = (*Client)(nil)
