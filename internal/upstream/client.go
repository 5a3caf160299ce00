// Package upstream calls the OpenAI-compatible completion service that
// executes prompt enhancements and API completions.
package upstream

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

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/apierr"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/circuitbreaker"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/tokens"
	"github.com/tidwall/gjson"
)

// ErrNotConfigured is returned when no upstream URL is set.
var ErrNotConfigured = errors.New("upstream: no completion endpoint configured")

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Breaker circuitbreaker.Config
}

type ChatRequest struct {
	Model       string           `json:"model"`
	Messages    []tokens.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
}

// Completion is the part of an upstream response the gateway uses.
type Completion struct {
	Model       string          `json:"model"`
	Content     string          `json:"content"`
	TotalTokens int             `json:"total_tokens"`
	Raw         json.RawMessage `json:"-"`
}

type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Breaker.IsFailure == nil {
		cfg.Breaker.IsFailure = isUpstreamFault
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(cfg.Breaker),
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Breaker exposes the circuit state for health reporting.
func (c *Client) Breaker() circuitbreaker.Snapshot {
	return c.breaker.Snapshot()
}

// Complete sends a chat completion. While the circuit is open it fails fast
// with *apierr.StoreUnavailableError; upstream failures are
// *apierr.UpstreamError.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (*Completion, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if req.Model == "" {
		req.Model = c.model
	}

	var completion *Completion
	err := c.breaker.Call(func() error {
		var callErr error
		completion, callErr = c.do(ctx, req)
		return callErr
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, &apierr.StoreUnavailableError{Component: "upstream", Err: err}
	}
	if err != nil {
		return nil, err
	}
	return completion, nil
}

func (c *Client) do(ctx context.Context, req ChatRequest) (*Completion, error) {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &apierr.UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apierr.UpstreamError{Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &apierr.UpstreamError{Status: resp.StatusCode, Err: errors.New(msg)}
	}

	if !gjson.ValidBytes(body) {
		return nil, &apierr.UpstreamError{Status: resp.StatusCode, Err: errors.New("invalid json response")}
	}
	choices := gjson.GetBytes(body, "choices")
	if !choices.IsArray() || len(choices.Array()) == 0 {
		return nil, &apierr.UpstreamError{Status: resp.StatusCode, Err: fmt.Errorf("no choices in response")}
	}

	return &Completion{
		Model:       gjson.GetBytes(body, "model").String(),
		Content:     gjson.GetBytes(body, "choices.0.message.content").String(),
		TotalTokens: int(gjson.GetBytes(body, "usage.total_tokens").Int()),
		Raw:         body,
	}, nil
}

// isUpstreamFault reports whether err says the upstream itself is unhealthy.
// Rejections of our request do not trip the breaker.
func isUpstreamFault(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var upstreamErr *apierr.UpstreamError
	if errors.As(err, &upstreamErr) && upstreamErr.Status != 0 {
		return upstreamErr.Status >= http.StatusInternalServerError || upstreamErr.Status == http.StatusTooManyRequests
	}
	return true
}
