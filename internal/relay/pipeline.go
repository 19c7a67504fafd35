package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alifeinbinary/penny/internal/history"
	"github.com/alifeinbinary/penny/internal/metrics"
	"github.com/alifeinbinary/penny/internal/models"
	"github.com/alifeinbinary/penny/internal/ollama"
	"github.com/alifeinbinary/penny/internal/signal"
	"github.com/alifeinbinary/penny/internal/store"
)

// Generator produces a completion from a prompt window.
type Generator interface {
	Generate(ctx context.Context, turns []history.Turn) (string, error)
}

// Sender delivers a reply to a recipient.
type Sender interface {
	Send(ctx context.Context, recipient, text string) error
}

// dedupLookback bounds how far back the duplicate probe scans when the
// transport redelivers an event after a reconnect.
const dedupLookback = 5 * time.Minute

// pipeline processes the events of one conversation strictly in order.
// Events arrive on a buffered channel consumed by a single goroutine, so
// no two events of the same conversation are ever in flight together.
type pipeline struct {
	events   chan signal.RawEvent
	lastSeen time.Time // touched only by the relay dispatch goroutine

	// pending counts dispatched events the worker has not finished
	// handling. A pipeline must not be retired while it is nonzero:
	// retiring it would let a successor process the same conversation
	// concurrently with the old worker.
	pending atomic.Int64

	store     store.MessageStore
	builder   *history.Builder
	generator Generator
	sender    Sender
	logger    zerolog.Logger

	// Storage retry policy for the write-ahead insert.
	storageAttempts int
	storageDelay    time.Duration
}

func (p *pipeline) run(ctx context.Context) {
	for ev := range p.events {
		p.handle(ctx, ev)
		p.pending.Add(-1)
	}
}

// handle walks one event through the full relay sequence: validate, dedup,
// write-ahead incoming record, context build, generate, deliver, outgoing
// record. Exactly one terminal record (outgoing or error) is written for
// every event that passes validation and the write-ahead step.
func (p *pipeline) handle(ctx context.Context, ev signal.RawEvent) {
	logger := p.logger.With().Str("event_id", uuid.NewString()).Logger()

	if ev.Sender == "" || ev.Content == "" {
		logger.Warn().Str("sender", ev.Sender).Msg("dropping malformed event")
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		p.append(ctx, logger, models.Message{
			ConversationID: ev.ConversationID,
			Sender:         models.AgentSender,
			Content:        "malformed event: missing sender or content",
			Timestamp:      ev.Timestamp,
			Kind:           models.KindError,
		})
		return
	}

	seen, err := p.store.HasIncoming(ctx, ev.ConversationID, ev.Sender, ev.Content, ev.Timestamp, dedupLookback)
	if err != nil {
		logger.Error().Err(err).Msg("duplicate probe failed, processing anyway")
	} else if seen {
		logger.Info().Msg("skipping redelivered event")
		metrics.EventsDropped.WithLabelValues("duplicate").Inc()
		return
	}

	// Write-ahead: the incoming record must be durable before any
	// downstream step runs.
	if !p.appendIncoming(ctx, logger, ev) {
		metrics.EventsDropped.WithLabelValues("storage").Inc()
		return
	}

	turns, err := p.builder.Build(ctx, ev.ConversationID)
	if err != nil {
		logger.Error().Err(err).Msg("context build failed")
		p.append(ctx, logger, models.Message{
			ConversationID: ev.ConversationID,
			Sender:         models.AgentSender,
			Content:        "generation failed: context unavailable",
			Timestamp:      time.Now().UTC(),
			Kind:           models.KindError,
		})
		return
	}

	reply, err := p.generator.Generate(ctx, turns)
	if err != nil {
		logger.Error().Err(err).Msg("generation failed")
		p.append(ctx, logger, models.Message{
			ConversationID: ev.ConversationID,
			Sender:         models.AgentSender,
			Content:        "generation failed: " + redactInference(err),
			Timestamp:      time.Now().UTC(),
			Kind:           models.KindError,
		})
		return
	}
	generatedAt := time.Now().UTC()

	if err := p.sender.Send(ctx, ev.Sender, reply); err != nil {
		logger.Error().Err(err).Msg("delivery failed")
		p.append(ctx, logger, models.Message{
			ConversationID: ev.ConversationID,
			Sender:         models.AgentSender,
			Content:        "undelivered: " + redactDelivery(err),
			Timestamp:      time.Now().UTC(),
			Kind:           models.KindError,
		})
		return
	}

	p.append(ctx, logger, models.Message{
		ConversationID: ev.ConversationID,
		Sender:         models.AgentSender,
		Content:        reply,
		Timestamp:      generatedAt,
		Kind:           models.KindOutgoing,
	})
}

// appendIncoming writes the incoming record, retrying transient storage
// failures a bounded number of times before the event is dropped.
func (p *pipeline) appendIncoming(ctx context.Context, logger zerolog.Logger, ev signal.RawEvent) bool {
	msg := models.Message{
		ConversationID: ev.ConversationID,
		Sender:         ev.Sender,
		Content:        ev.Content,
		Timestamp:      ev.Timestamp,
		Kind:           models.KindIncoming,
	}

	var lastErr error
	for attempt := 1; attempt <= p.storageAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(p.storageDelay):
			case <-ctx.Done():
				return false
			}
		}
		if _, lastErr = p.store.Append(ctx, msg); lastErr == nil {
			metrics.MessagesLogged.WithLabelValues(string(models.KindIncoming)).Inc()
			return true
		}
		logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("incoming append failed")
	}

	logger.Error().Err(lastErr).Msg("storage unavailable, event permanently dropped")
	return false
}

// append writes a record, logging rather than failing the process when
// storage rejects it.
func (p *pipeline) append(ctx context.Context, logger zerolog.Logger, msg models.Message) {
	if msg.ConversationID == "" {
		return
	}
	if _, err := p.store.Append(ctx, msg); err != nil {
		logger.Error().Err(err).Str("kind", string(msg.Kind)).Msg("record append failed")
		return
	}
	metrics.MessagesLogged.WithLabelValues(string(msg.Kind)).Inc()
}

// redactInference reduces a generation failure to its class: error records
// are user-discoverable and must not leak backend response bodies.
func redactInference(err error) string {
	var infErr *ollama.InferenceError
	if errors.As(err, &infErr) && infErr.StatusCode != 0 {
		return fmt.Sprintf("backend status %d", infErr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "request cancelled"
	}
	return "backend unreachable"
}

func redactDelivery(err error) string {
	var delErr *signal.DeliveryError
	if errors.As(err, &delErr) && delErr.StatusCode != 0 {
		return fmt.Sprintf("transport status %d", delErr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "request cancelled"
	}
	return "transport unreachable"
}
