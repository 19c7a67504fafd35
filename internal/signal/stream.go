package signal

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/alifeinbinary/penny/internal/metrics"
)

// State is the connection state of the inbound stream.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// RawEvent is a normalized inbound message from the transport.
type RawEvent struct {
	ConversationID string
	Sender         string
	Content        string
	Timestamp      time.Time
}

// envelope is the signal-cli receive frame. Frames carrying no dataMessage
// (receipts, typing notifications, sync messages) are dropped at this layer.
type envelope struct {
	Envelope struct {
		Source      string `json:"source"`
		Timestamp   int64  `json:"timestamp"` // unix milliseconds
		DataMessage *struct {
			Message string `json:"message"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

// Stream owns the lifecycle of the inbound websocket: connect, read,
// detect disconnect, reconnect with capped exponential backoff. Reconnect
// attempts are unbounded; the backoff resets to its base after any
// connected interval longer than the stability threshold.
type Stream struct {
	url       string
	dialer    *websocket.Dialer
	logger    zerolog.Logger
	events    chan RawEvent
	backoff   *Backoff
	stability time.Duration

	mu    sync.Mutex
	state State
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithReconnectBackoff overrides the reconnect schedule.
func WithReconnectBackoff(b *Backoff) StreamOption {
	return func(s *Stream) { s.backoff = b }
}

// WithStabilityThreshold overrides how long a connection must hold before
// the backoff resets to its base delay.
func WithStabilityThreshold(d time.Duration) StreamOption {
	return func(s *Stream) { s.stability = d }
}

// NewStream creates a stream receiving for the given registered number.
func NewStream(apiURL, number string, logger zerolog.Logger, opts ...StreamOption) (*Stream, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/receive/" + number

	s := &Stream{
		url:       u.String(),
		dialer:    websocket.DefaultDialer,
		logger:    logger.With().Str("component", "stream").Logger(),
		events:    make(chan RawEvent, 64),
		backoff:   NewBackoff(time.Second, 60*time.Second),
		stability: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Events returns the channel of normalized inbound events. It is closed
// when Run returns.
func (s *Stream) Events() <-chan RawEvent {
	return s.events
}

// State returns the current connection state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == "" {
		return StateDisconnected
	}
	return s.state
}

func (s *Stream) setState(state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()
	if prev != state {
		s.logger.Info().Str("from", string(prev)).Str("to", string(state)).Msg("stream state changed")
	}
}

// Run connects and reads the stream until ctx is cancelled, reconnecting
// on every failure. The events channel is closed on return.
func (s *Stream) Run(ctx context.Context) error {
	defer close(s.events)
	defer s.setState(StateDisconnected)

	for {
		s.setState(StateConnecting)
		conn, resp, err := s.dialer.DialContext(ctx, s.url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := s.waitReconnect(ctx, err); err != nil {
				return err
			}
			continue
		}

		s.setState(StateConnected)
		metrics.StreamConnected.Set(1)
		connectedAt := time.Now()

		readErr := s.read(ctx, conn)

		metrics.StreamConnected.Set(0)
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that held for a while was healthy; a quick drop
		// means the link is flapping and the delay should keep growing.
		if time.Since(connectedAt) >= s.stability {
			s.backoff.Reset()
		}
		if err := s.waitReconnect(ctx, readErr); err != nil {
			return err
		}
	}
}

// read pumps frames from one connection until it fails or ctx is done.
func (s *Stream) read(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		ev, ok := s.decode(data)
		if !ok {
			continue
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Stream) decode(data []byte) (RawEvent, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn().Err(err).Msg("discarding undecodable frame")
		return RawEvent{}, false
	}
	if env.Envelope.DataMessage == nil {
		return RawEvent{}, false
	}

	ts := time.Now().UTC()
	if env.Envelope.Timestamp > 0 {
		ts = time.UnixMilli(env.Envelope.Timestamp).UTC()
	}

	return RawEvent{
		ConversationID: env.Envelope.Source,
		Sender:         env.Envelope.Source,
		Content:        strings.TrimSpace(env.Envelope.DataMessage.Message),
		Timestamp:      ts,
	}, true
}

func (s *Stream) waitReconnect(ctx context.Context, cause error) error {
	s.setState(StateReconnecting)
	metrics.StreamReconnects.Inc()

	delay := s.backoff.Next()
	s.logger.Warn().Err(cause).Dur("retry_in", delay).Msg("stream lost, reconnecting")

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
