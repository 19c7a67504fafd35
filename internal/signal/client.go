// Package signal talks to a signal-cli REST API: a websocket receive
// stream for inbound messages and a one-shot send endpoint for replies.
package signal

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

	"github.com/alifeinbinary/penny/internal/metrics"
)

// DeliveryError is returned when a send request fails. The reply was
// generated but could not be handed to the transport.
type DeliveryError struct {
	StatusCode int
	Transient  bool
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("delivery failed: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("delivery failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Client sends messages through the signal-cli REST API. It is stateless
// and safe for concurrent use.
type Client struct {
	baseURL    string
	number     string
	httpClient *http.Client
	logger     zerolog.Logger

	// Retry policy: maxAttempts total attempts with exponential backoff.
	// Delivery failures are mostly transient network blips, so the budget
	// is larger than the inference client's.
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithSendTimeout sets the per-attempt request timeout.
func WithSendTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithSendRetry overrides the total attempt budget and backoff bounds.
func WithSendRetry(maxAttempts int, base, max time.Duration) ClientOption {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
		c.backoffBase = base
		c.backoffMax = max
	}
}

// NewClient creates a delivery client sending from the given registered
// number.
func NewClient(baseURL, number string, logger zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		number:      number,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger.With().Str("component", "signal").Logger(),
		maxAttempts: 4,
		backoffBase: 500 * time.Millisecond,
		backoffMax:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type sendRequest struct {
	Message    string   `json:"message"`
	Number     string   `json:"number"`
	Recipients []string `json:"recipients"`
}

// Send delivers text to the recipient, retrying transient failures within
// the client's budget.
func (c *Client) Send(ctx context.Context, recipient, text string) error {
	backoff := NewBackoff(c.backoffBase, c.backoffMax)

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			c.logger.Warn().Err(lastErr).Int("attempt", attempt).Str("recipient", recipient).Msg("retrying delivery")
			select {
			case <-time.After(backoff.Next()):
			case <-ctx.Done():
				return &DeliveryError{Transient: true, Err: ctx.Err()}
			}
		}

		err := c.send(ctx, recipient, text)
		if err == nil {
			metrics.DeliveryRequests.WithLabelValues("ok").Inc()
			return nil
		}
		lastErr = err

		var delErr *DeliveryError
		if !errors.As(err, &delErr) || !delErr.Transient {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	metrics.DeliveryRequests.WithLabelValues("error").Inc()
	return lastErr
}

func (c *Client) send(ctx context.Context, recipient, text string) error {
	body, err := json.Marshal(sendRequest{
		Message:    text,
		Number:     c.number,
		Recipients: []string{recipient},
	})
	if err != nil {
		return &DeliveryError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/send", bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &DeliveryError{Transient: true, Err: err}
	}
	defer resp.Body.Close()
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &DeliveryError{
			StatusCode: resp.StatusCode,
			Transient:  transientStatus(resp.StatusCode),
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(respBody))),
		}
	}

	c.logger.Info().
		Str("recipient", recipient).
		Int("length", len(text)).
		Dur("latency", time.Since(start)).
		Msg("message sent")

	return nil
}

// transientStatus reports whether an HTTP status is worth retrying.
func transientStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	}
	return false
}
