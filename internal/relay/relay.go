// Package relay drives the agent loop: it consumes normalized events from
// the inbound stream and fans them out to per-conversation pipelines.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alifeinbinary/penny/internal/history"
	"github.com/alifeinbinary/penny/internal/metrics"
	"github.com/alifeinbinary/penny/internal/signal"
	"github.com/alifeinbinary/penny/internal/store"
)

// EventSource is the inbound stream consumed by the relay. Run owns the
// connection lifecycle (including reconnects) and Events is closed when
// Run returns.
type EventSource interface {
	Run(ctx context.Context) error
	Events() <-chan signal.RawEvent
}

// Relay routes inbound events to per-conversation pipelines and owns
// their lifetimes. It performs no retries of its own; every retry policy
// lives in the stream, the storage step, and the two clients.
type Relay struct {
	source    EventSource
	store     store.MessageStore
	builder   *history.Builder
	generator Generator
	sender    Sender
	logger    zerolog.Logger

	idleTimeout time.Duration
	grace       time.Duration

	// pipelines is touched only from the Run goroutine.
	pipelines map[string]*pipeline
	wg        sync.WaitGroup
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithIdleTimeout overrides how long an inactive conversation keeps its
// pipeline alive.
func WithIdleTimeout(d time.Duration) RelayOption {
	return func(r *Relay) { r.idleTimeout = d }
}

// WithShutdownGrace overrides how long shutdown waits for in-flight
// pipeline work before cancelling it.
func WithShutdownGrace(d time.Duration) RelayOption {
	return func(r *Relay) { r.grace = d }
}

// New creates a Relay over the given source and collaborators.
func New(source EventSource, st store.MessageStore, builder *history.Builder, generator Generator, sender Sender, logger zerolog.Logger, opts ...RelayOption) *Relay {
	r := &Relay{
		source:      source,
		store:       st,
		builder:     builder,
		generator:   generator,
		sender:      sender,
		logger:      logger.With().Str("component", "relay").Logger(),
		idleTimeout: 30 * time.Minute,
		grace:       10 * time.Second,
		pipelines:   make(map[string]*pipeline),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drives the event loop until ctx is cancelled, then shuts down
// gracefully: intake stops first, in-flight pipeline work gets the grace
// period to reach a terminal record, and only then are the remaining
// calls cancelled. An event abandoned mid-pipeline is acceptable: its
// incoming record is already durable.
func (r *Relay) Run(ctx context.Context) error {
	streamCtx, cancelStream := context.WithCancel(context.Background())
	defer cancelStream()
	pipeCtx, cancelPipes := context.WithCancel(context.Background())
	defer cancelPipes()

	streamDone := make(chan error, 1)
	go func() { streamDone <- r.source.Run(streamCtx) }()

	evict := time.NewTicker(time.Minute)
	defer evict.Stop()

	r.logger.Info().Msg("relay started")

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case now := <-evict.C:
			r.evictIdle(now)
		case ev, ok := <-r.source.Events():
			if !ok {
				break loop
			}
			r.dispatch(pipeCtx, ev)
		}
	}

	r.logger.Info().Int("pipelines", len(r.pipelines)).Msg("relay stopping")
	cancelStream()
	// Discard whatever the stream emits while it winds down.
	go func() {
		for range r.source.Events() {
		}
	}()

	for _, p := range r.pipelines {
		close(p.events)
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(r.grace):
		r.logger.Warn().Dur("grace", r.grace).Msg("grace period elapsed, cancelling in-flight work")
		cancelPipes()
		<-done
	}

	<-streamDone
	metrics.ActivePipelines.Set(0)
	r.logger.Info().Msg("relay stopped")
	return ctx.Err()
}

// dispatch routes one event to its conversation's pipeline, creating it
// lazily on first contact.
func (r *Relay) dispatch(ctx context.Context, ev signal.RawEvent) {
	key := ev.ConversationID
	p, ok := r.pipelines[key]
	if !ok {
		p = r.newPipeline(key)
		r.pipelines[key] = p
		metrics.ActivePipelines.Set(float64(len(r.pipelines)))
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			p.run(ctx)
		}()
		r.logger.Debug().Str("conversation", key).Msg("pipeline created")
	}
	p.lastSeen = time.Now()

	// Never block intake behind one conversation's backlog: a full
	// buffer means the pipeline is badly behind, and stalling here would
	// stall every other conversation too. The dropped event never
	// reached the write-ahead step, same as a storage outage.
	p.pending.Add(1)
	select {
	case p.events <- ev:
	default:
		p.pending.Add(-1)
		r.logger.Warn().Str("conversation", key).Msg("pipeline backlog full, event dropped")
		metrics.EventsDropped.WithLabelValues("overflow").Inc()
	}
}

func (r *Relay) newPipeline(conversationID string) *pipeline {
	return &pipeline{
		events:          make(chan signal.RawEvent, 16),
		store:           r.store,
		builder:         r.builder,
		generator:       r.generator,
		sender:          r.sender,
		logger:          r.logger.With().Str("conversation", conversationID).Logger(),
		storageAttempts: 3,
		storageDelay:    500 * time.Millisecond,
	}
}

// evictIdle retires pipelines that have not seen an event for the idle
// timeout. Conversation count stays small, so this is a full scan.
// A pipeline with queued or in-flight work is never retired regardless
// of how long ago it last saw a dispatch; the worker must be fully
// drained before a successor for the conversation may exist.
func (r *Relay) evictIdle(now time.Time) {
	for key, p := range r.pipelines {
		if p.pending.Load() > 0 {
			continue
		}
		if now.Sub(p.lastSeen) >= r.idleTimeout {
			close(p.events)
			delete(r.pipelines, key)
			r.logger.Debug().Str("conversation", key).Msg("pipeline retired")
		}
	}
	metrics.ActivePipelines.Set(float64(len(r.pipelines)))
}
