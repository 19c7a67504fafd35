// Package ollama provides a client for an Ollama-compatible chat
// completion endpoint.
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

	"github.com/rs/zerolog"

	"github.com/alifeinbinary/penny/internal/history"
	"github.com/alifeinbinary/penny/internal/metrics"
)

// InferenceError is returned when a generation request fails. Transient
// reports whether the failure is worth retrying (connectivity, timeout,
// server-side fault) as opposed to a request fault the backend rejected.
type InferenceError struct {
	StatusCode int // zero when the request never reached the backend
	Transient  bool
	Err        error
}

func (e *InferenceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("inference failed: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// Client calls the Ollama chat API. It is stateless and safe for
// concurrent use.
type Client struct {
	baseURL      string
	model        string
	systemPrompt string
	httpClient   *http.Client
	logger       zerolog.Logger

	// Retry policy: maxRetries additional attempts after the first
	// failure, retryDelay apart. Only transient failures are retried.
	maxRetries int
	retryDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-attempt request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRetry overrides the retry budget and delay.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryDelay = delay
	}
}

// NewClient creates an Ollama client for the given base URL and model.
// systemPrompt, when non-empty, is prepended to every request as a system
// turn.
func NewClient(baseURL, model, systemPrompt string, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		model:        model,
		systemPrompt: systemPrompt,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		logger:       logger.With().Str("component", "ollama").Logger(),
		maxRetries:   2,
		retryDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []history.Turn `json:"messages"`
	Stream   bool           `json:"stream"`
}

type chatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// Generate produces a completion for the given turns. The final turn is
// expected to be the user's message. Transient failures are retried within
// the client's budget; the last error is returned once it is exhausted.
func (c *Client) Generate(ctx context.Context, turns []history.Turn) (string, error) {
	messages := make([]history.Turn, 0, len(turns)+1)
	if c.systemPrompt != "" {
		messages = append(messages, history.Turn{Role: history.RoleSystem, Content: c.systemPrompt})
	}
	messages = append(messages, turns...)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("retrying inference")
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return "", &InferenceError{Transient: true, Err: ctx.Err()}
			}
		}

		text, err := c.chat(ctx, messages)
		if err == nil {
			metrics.InferenceRequests.WithLabelValues("ok").Inc()
			return text, nil
		}
		lastErr = err

		var infErr *InferenceError
		if !errors.As(err, &infErr) || !infErr.Transient {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	metrics.InferenceRequests.WithLabelValues("error").Inc()
	return "", lastErr
}

func (c *Client) chat(ctx context.Context, messages []history.Turn) (string, error) {
	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages, Stream: false})
	if err != nil {
		return "", &InferenceError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", &InferenceError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &InferenceError{Transient: true, Err: err}
	}
	defer resp.Body.Close()
	metrics.InferenceDuration.Observe(time.Since(start).Seconds())

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &InferenceError{
			StatusCode: resp.StatusCode,
			Transient:  transientStatus(resp.StatusCode),
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(respBody))),
		}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &InferenceError{Transient: true, Err: fmt.Errorf("decoding response: %w", err)}
	}

	text := strings.TrimSpace(out.Message.Content)
	if text == "" {
		return "", &InferenceError{Err: fmt.Errorf("empty completion")}
	}

	c.logger.Debug().
		Str("model", c.model).
		Int("turns", len(messages)).
		Int("length", len(text)).
		Dur("latency", time.Since(start)).
		Msg("completion generated")

	return text, nil
}

// transientStatus reports whether an HTTP status is worth retrying.
// Client faults (bad model name, malformed request) are permanent;
// timeouts, throttling and server faults are not.
func transientStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	}
	return false
}
