// Package ollama is the HTTP client for the upstream generation API
// (POST /api/chat and GET /api/tags).
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeTimeout
	ErrTypeCanceled
	ErrTypeInvalidRequest
	ErrTypeInvalidResponse
)

// ClientError is a failure that happened before or around the HTTP exchange.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// Is matches another *ClientError of the same Type, so the sentinels below
// work with errors.Is.
func (e *ClientError) Is(target error) bool {
	t, ok := target.(*ClientError)
	return ok && t.Type == e.Type
}

var (
	ErrNotRunning = &ClientError{Type: ErrTypeNotRunning, Message: "Ollama is not running"}
	ErrTimeout    = &ClientError{Type: ErrTypeTimeout, Message: "request timed out"}

	// ErrIncompleteStream means the body ended before a line with done=true.
	ErrIncompleteStream = errors.New("stream ended before completion")
)

// UpstreamError is returned when Ollama answers with a non-2xx status.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("ollama returned %d: %s", e.StatusCode, e.Message)
}

// AsUpstreamError unwraps err to an *UpstreamError if it is one.
func AsUpstreamError(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// IsNotRunning checks if an error indicates Ollama could not be reached.
func IsNotRunning(err error) bool {
	return errors.Is(err, ErrNotRunning)
}

// IsTimeout checks if an error is a timeout error.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// =============================================================================
// CLIENT
// =============================================================================

// ClientConfig holds configuration options for the Ollama client.
type ClientConfig struct {
	// BaseURL is the Ollama API base URL (default: http://127.0.0.1:11434)
	BaseURL string

	// Timeout for catalog requests (default: 30s). Chat requests are bounded
	// by their context only.
	Timeout time.Duration

	// DefaultModel is used when a chat call passes an empty model.
	DefaultModel string
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:      "http://127.0.0.1:11434",
		Timeout:      30 * time.Second,
		DefaultModel: "llama3.2",
	}
}

// Client talks to one Ollama server. It is constructed once at startup and is
// safe for concurrent use.
type Client struct {
	config       *ClientConfig
	httpClient   *http.Client
	streamClient *http.Client // no timeout for streaming
}

// NewClient creates a client, filling zero config values with defaults.
func NewClient(config *ClientConfig) *Client {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.DefaultModel == "" {
		config.DefaultModel = def.DefaultModel
	}

	return &Client{
		config:       config,
		httpClient:   &http.Client{Timeout: config.Timeout},
		streamClient: &http.Client{},
	}
}

// DefaultModel returns the model used when none is given.
func (c *Client) DefaultModel() string {
	return c.config.DefaultModel
}

// ChatOptions controls a single Chat call.
type ChatOptions struct {
	// Stream defaults to true when nil.
	Stream      *bool
	Temperature *float64
	MaxTokens   *int
	Format      json.RawMessage

	// Streaming callbacks. OnToken gets each non-empty content delta,
	// OnComplete gets the final response with the full accumulated content,
	// OnError gets any failure after the stream was opened.
	OnToken    func(delta string)
	OnComplete func(resp *ChatResponse)
	OnError    func(err error)
}

func (o ChatOptions) streaming() bool {
	return o.Stream == nil || *o.Stream
}

// BuildRequest assembles the upstream body. Optional fields are only set when
// present.
func BuildRequest(model string, messages []Message, opts ChatOptions) ChatRequest {
	req := ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   opts.streaming(),
		Format:   opts.Format,
	}
	if opts.Temperature != nil || opts.MaxTokens != nil {
		req.Options = &Options{Temperature: opts.Temperature, NumPredict: opts.MaxTokens}
	}
	return req
}

// Chat sends messages to model. Without streaming it returns the decoded
// response object. With streaming it reads the body line by line, calling the
// option callbacks, and returns the synthesized final response.
func (c *Client) Chat(ctx context.Context, model string, messages []Message, opts ChatOptions) (*ChatResponse, error) {
	if model == "" {
		model = c.config.DefaultModel
	}
	if len(messages) == 0 {
		return nil, &ClientError{Type: ErrTypeInvalidRequest, Message: "messages are required"}
	}

	req := BuildRequest(model, messages, opts)
	body, err := c.OpenChat(ctx, req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	if !req.Stream {
		var result ChatResponse
		if err := json.NewDecoder(body).Decode(&result); err != nil {
			return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
		}
		return &result, nil
	}

	return NewStreamReader(body).Collect(ctx, opts)
}

// OpenChat issues the request and returns the raw response body once the
// status is known to be successful. The caller owns the body.
func (c *Client) OpenChat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidRequest, Message: "failed to marshal request", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidRequest, Message: "failed to create request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer drainAndClose(resp.Body)
		return nil, readUpstreamError(resp)
	}

	return resp.Body, nil
}

// ListModels retrieves the model catalog.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidRequest, Message: "failed to create request", Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, readUpstreamError(resp)
	}

	var result ListModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	if result.Models == nil {
		result.Models = []ModelInfo{}
	}

	return result.Models, nil
}

func transportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ClientError{Type: ErrTypeTimeout, Message: ErrTimeout.Message, Cause: err}
	case ctx.Err() != nil:
		return &ClientError{Type: ErrTypeCanceled, Message: "request canceled", Cause: ctx.Err()}
	default:
		return &ClientError{Type: ErrTypeNotRunning, Message: ErrNotRunning.Message, Cause: err}
	}
}

func readUpstreamError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return &UpstreamError{StatusCode: resp.StatusCode, Message: body.Error}
	}
	return &UpstreamError{StatusCode: resp.StatusCode, Message: resp.Status}
}

func drainAndClose(r io.ReadCloser) {
	io.Copy(io.Discard, r)
	r.Close()
}
