package anthropic

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

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"

	// defaultMaxTokensCeiling bounds the per-call completion budget when the
	// model's ceiling is not configured.
	defaultMaxTokensCeiling = 8192
)

// Client implements skillagent.LLMClient over the Anthropic Messages API.
// Also works against MiniMax's Anthropic-format endpoint via WithBaseURL;
// its in-band base_resp error envelope is handled transparently.
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

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithName overrides the provider name reported by Name().
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

// New creates a Messages API client. Returns skillagent.ErrNoAPIKey when
// apiKey is empty: the core refuses to start an LLM call without credentials.
func New(apiKey, model string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, skillagent.ErrNoAPIKey
	}
	c := &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		name:       "anthropic",
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

// Generate sends a non-streaming request and returns the parsed response.
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

	var msgResp MessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&msgResp); err != nil {
		return skillagent.LLMResponse{}, &skillagent.ErrLLM{Provider: c.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if msgResp.BaseResp != nil && msgResp.BaseResp.StatusCode != 0 {
		return skillagent.LLMResponse{}, &skillagent.ErrLLM{
			Provider: c.name,
			Message:  fmt.Sprintf("api error %d: %s", msgResp.BaseResp.StatusCode, msgResp.BaseResp.StatusMsg),
		}
	}
	return ParseResponse(msgResp), nil
}

// GenerateStream streams delta events into ch, then returns the final
// accumulated response. The channel is closed when streaming completes
// (via StreamSSE) or on error.
func (c *Client) GenerateStream(ctx context.Context, req skillagent.GenerateRequest, ch chan<- skillagent.LLMStreamEvent) (skillagent.LLMResponse, error) {
	body := BuildBody(req.Messages, req.Tools, c.model, c.clampMaxTokens(req.MaxTokens))
	body.Temperature = c.temperature
	body.Stream = true

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
	return StreamSSE(ctx, c.name, resp.Body, ch)
}

func (c *Client) sendHTTP(ctx context.Context, body MessagesRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &skillagent.ErrLLM{Provider: c.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := c.baseURL + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &skillagent.ErrLLM{Provider: c.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	return c.httpClient.Do(httpReq)
}

func (c *Client) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &skillagent.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: skillagent.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

var _ skillagent.LLMClient = (*Client)(nil)
