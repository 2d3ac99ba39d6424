// Package llm talks to the task generation service: a chat-completion
// endpoint behind one of the registered provider dialects. A Client makes
// exactly one attempt per call; retrying is the caller's business.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/taskbatch/workflow"
)

// maxResponseSize limits the response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// EndpointConfig locates the generation model.
type EndpointConfig struct {
	// Provider selects the API dialect: "ollama", "openai" or "anthropic".
	Provider string `yaml:"provider" json:"provider"`

	// URL is the API base URL. Empty uses the provider default.
	URL string `yaml:"url" json:"url"`

	// Model is the model name sent to the endpoint.
	Model string `yaml:"model" json:"model"`

	// MaxTokens caps the completion length. 0 uses the provider default.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`

	// Temperature is nil for the endpoint default.
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`

	// Timeout bounds one request.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultEndpointConfig targets a local Ollama.
func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		Provider:  "ollama",
		Model:     "qwen2.5:14b",
		MaxTokens: 2048,
		Timeout:   120 * time.Second,
	}
}

// Validate checks the endpoint configuration.
func (c EndpointConfig) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request is one completion request.
type Request struct {
	Messages []Message
}

// TokenUsage represents token consumption for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the completion result.
type Response struct {
	// RequestID identifies this call in logs.
	RequestID string

	// Content is the generated text.
	Content string

	// Model is the model that answered.
	Model string

	// Usage contains token consumption.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// Completer sends one completion request.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Client is a single-endpoint completion client.
type Client struct {
	endpoint   EndpointConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client, typically one from the pool manager.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a client for the endpoint.
func NewClient(endpoint EndpointConfig, opts ...ClientOption) *Client {
	timeout := endpoint.Timeout
	if timeout == 0 {
		timeout = DefaultEndpointConfig().Timeout
	}
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends the request once. Non-2xx replies come back as
// *StatusError, unparseable bodies as *ParseError, and transport failures
// as the underlying net error.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, workflow.NewPermanentError(fmt.Errorf("at least one message is required"))
	}

	provider := GetProvider(c.endpoint.Provider)
	if provider == nil {
		return nil, workflow.NewPermanentError(fmt.Errorf("unknown provider: %s", c.endpoint.Provider))
	}

	requestID := uuid.New().String()
	url := provider.BuildURL(c.endpoint.URL)

	body, err := provider.BuildRequestBody(c.endpoint.Model, req.Messages, c.endpoint.Temperature, c.endpoint.MaxTokens)
	if err != nil {
		return nil, workflow.NewPermanentError(fmt.Errorf("build request body: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, workflow.NewPermanentError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	c.logger.Debug("Sending generation request",
		"request_id", requestID,
		"provider", c.endpoint.Provider,
		"model", c.endpoint.Model,
		"messages", len(req.Messages))

	started := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, newStatusError(httpResp.StatusCode, respBody)
	}

	resp, err := provider.ParseResponse(respBody, c.endpoint.Model)
	if err != nil {
		return nil, NewParseError(err)
	}
	resp.RequestID = requestID

	c.logger.Debug("Generation response received",
		"request_id", requestID,
		"model", resp.Model,
		"tokens", resp.Usage.TotalTokens,
		"duration", time.Since(started))
	return resp, nil
}
