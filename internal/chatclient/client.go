// Package chatclient consumes the relay's streaming chat endpoint and keeps a
// live segmented view of the assistant's answer.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ahmetk3436/ollachat/internal/content"
	"github.com/ahmetk3436/ollachat/internal/ollama"
)

// ErrIncompleteStream means the server closed the stream before done=true.
var ErrIncompleteStream = ollama.ErrIncompleteStream

// HTTPError is a non-2xx answer from the server.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

type State int

const (
	Completed State = iota
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// Update is delivered for every content delta. Buffer is the whole answer so
// far and Parsed its streaming segmentation.
type Update struct {
	Delta  string
	Buffer string
	Parsed content.Parsed
}

// Result is the outcome of one streamed turn. Err is nil unless State is
// Failed. Incomplete marks Content as a partial answer.
type Result struct {
	State      State
	Content    string
	Parsed     content.Parsed
	Final      *ollama.ChatResponse
	Incomplete bool
	Err        error
}

type ChatRequest struct {
	Model          string           `json:"model"`
	Messages       []ollama.Message `json:"messages"`
	ConversationID string           `json:"conversationId,omitempty"`
	Temperature    *float64         `json:"temperature,omitempty"`
	MaxTokens      *int             `json:"maxTokens,omitempty"`
}

type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{},
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func readHTTPError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return &HTTPError{StatusCode: resp.StatusCode, Message: body.Error}
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: resp.Status}
}

// Stream sends one chat turn and consumes the response line by line, calling
// onUpdate after every content delta. Cancelling ctx stops reading and yields
// a Cancelled result holding whatever arrived so far.
func (c *Client) Stream(ctx context.Context, req ChatRequest, onUpdate func(Update)) Result {
	payload := struct {
		ChatRequest
		Stream bool `json:"stream"`
	}{req, true}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/chat", payload)
	if err != nil {
		return Result{State: Failed, Err: err}
	}

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{State: Cancelled, Incomplete: true}
		}
		return Result{State: Failed, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{State: Failed, Err: readHTTPError(resp)}
	}

	var acc ollama.StreamAccumulator
	partial := func(state State, err error) Result {
		text := acc.Content()
		return Result{
			State:      state,
			Content:    text,
			Parsed:     content.ParseStreaming(text),
			Incomplete: true,
			Err:        err,
		}
	}

	// Lines are split on the '\n' byte before decoding, so a multi-byte
	// character split across reads is reassembled intact.
	reader := ollama.NewStreamReader(resp.Body)
	for {
		line, err := reader.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return partial(Cancelled, nil)
			}
			return partial(Failed, err)
		}

		chunk, ok := ollama.DecodeChunk(line)
		if !ok {
			continue
		}

		if delta := acc.Add(chunk); delta != "" && onUpdate != nil {
			text := acc.Content()
			onUpdate(Update{Delta: delta, Buffer: text, Parsed: content.ParseStreaming(text)})
		}

		if final := acc.Final(); final != nil {
			return Result{
				State:   Completed,
				Content: final.Message.Content,
				Parsed:  content.Parse(final.Message.Content),
				Final:   final,
			}
		}
	}
}

// Login exchanges credentials for an access token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", readHTTPError(resp)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	c.Token = body.AccessToken
	return body.AccessToken, nil
}

// Models lists the model names the server can reach.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/models", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readHTTPError(resp)
	}

	var body ollama.ListModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	names := make([]string, len(body.Models))
	for i, m := range body.Models {
		names[i] = m.Name
	}
	return names, nil
}

// CreateConversation starts a persisted conversation and returns its id.
func (c *Client) CreateConversation(ctx context.Context, model string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/conversations", map[string]string{"model": model})
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", readHTTPError(resp)
	}

	var conv struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return "", fmt.Errorf("decode conversation: %w", err)
	}
	return conv.ID, nil
}
