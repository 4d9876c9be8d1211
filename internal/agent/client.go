package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"forensiq/internal/logging"
)

const (
	anthropicVersion = "2023-06-01"
	defaultBaseURL   = "https://api.anthropic.com"
	maxAttempts      = 3
	minRequestGap    = 100 * time.Millisecond
)

// Client talks to the Anthropic Messages API over plain HTTP.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	timeout time.Duration
	http    *http.Client

	mu       sync.Mutex
	lastCall time.Time
}

// ClientOptions configures the API client.
type ClientOptions struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// NewClient builds a client. APIKey and Model are required.
func NewClient(o ClientOptions) (*Client, error) {
	if o.APIKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	if o.Model == "" {
		return nil, fmt.Errorf("model required")
	}
	if o.BaseURL == "" {
		o.BaseURL = defaultBaseURL
	}
	if o.Timeout <= 0 {
		o.Timeout = 120 * time.Second
	}
	return &Client{
		apiKey:  o.APIKey,
		model:   o.Model,
		baseURL: o.BaseURL,
		timeout: o.Timeout,
		http:    &http.Client{},
	}, nil
}

// Model reports the configured model name.
func (c *Client) Model() string { return c.model }

// CreateMessage sends one messages request, retrying transient failures
// with exponential backoff. Calls are spaced by a minimum gap.
func (c *Client) CreateMessage(ctx context.Context, req *MessagesRequest) (*MessagesResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}

	c.rateGate()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			wait := time.Duration(1<<(attempt-2)) * time.Second
			logging.Agent("model call retry %d/%d after %s: %v", attempt, maxAttempts, wait, lastErr)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, retryable, err := c.once(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, body []byte) (*MessagesResponse, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("model request: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, true, fmt.Errorf("read model response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		var ae apiError
		msg := string(raw)
		if json.Unmarshal(raw, &ae) == nil && ae.Error.Message != "" {
			msg = ae.Error.Message
		}
		retryable := httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("model api %d: %s", httpResp.StatusCode, msg)
	}

	var out MessagesResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false, fmt.Errorf("decode model response: %w", err)
	}
	logging.AgentDebug("model call ok in %s: stop=%s in=%d out=%d",
		time.Since(start).Round(time.Millisecond), out.StopReason, out.Usage.InputTokens, out.Usage.OutputTokens)
	return &out, false, nil
}

func (c *Client) rateGate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if since := time.Since(c.lastCall); since < minRequestGap {
		time.Sleep(minRequestGap - since)
	}
	c.lastCall = time.Now()
}
