package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/alifeinbinary/penny/internal/history"
	"github.com/alifeinbinary/penny/internal/models"
	"github.com/alifeinbinary/penny/internal/signal"
	"github.com/alifeinbinary/penny/internal/store"
)

// fakeStore is an in-memory MessageStore.
type fakeStore struct {
	mu       sync.Mutex
	msgs     []models.Message
	nextID   int64
	failNext int // make this many Appends fail
}

var _ store.MessageStore = (*fakeStore)(nil)

func (f *fakeStore) Close()                         {}
func (f *fakeStore) Ping(ctx context.Context) error { return nil }

func (f *fakeStore) Append(ctx context.Context, msg models.Message) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("database is locked")
	}
	f.nextID++
	msg.ID = f.nextID
	msg.CreatedAt = time.Now().UTC()
	f.msgs = append(f.msgs, msg)
	return &msg, nil
}

func (f *fakeStore) RecentByConversation(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, m := range f.msgs {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeStore) Recent(ctx context.Context, limit int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Message, len(f.msgs))
	copy(out, f.msgs)
	return out, nil
}

func (f *fakeStore) HasIncoming(ctx context.Context, conversationID, sender, content string, timestamp time.Time, lookback time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.msgs {
		if m.Kind == models.KindIncoming && m.ConversationID == conversationID &&
			m.Sender == sender && m.Content == content && m.Timestamp.Equal(timestamp) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) CountByKind(ctx context.Context, kind models.Kind) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, m := range f.msgs {
		if m.Kind == kind {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) byKind(kind models.Kind) []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, m := range f.msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// fakeGenerator records calls and replies per configured behavior.
type fakeGenerator struct {
	mu    sync.Mutex
	calls [][]history.Turn
	reply func(turns []history.Turn) (string, error)
	delay time.Duration
}

func (f *fakeGenerator) Generate(ctx context.Context, turns []history.Turn) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, turns)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.reply != nil {
		return f.reply(turns)
	}
	return "generated reply", nil
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeSender records deliveries.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	fail error
}

type sentMessage struct {
	recipient string
	text      string
}

func (f *fakeSender) Send(ctx context.Context, recipient, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, sentMessage{recipient: recipient, text: text})
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeSource feeds events from a channel; its Events channel closes when
// Run returns, matching the stream contract.
type fakeSource struct {
	ch chan signal.RawEvent
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan signal.RawEvent, 64)}
}

func (f *fakeSource) Run(ctx context.Context) error {
	<-ctx.Done()
	close(f.ch)
	return ctx.Err()
}

func (f *fakeSource) Events() <-chan signal.RawEvent { return f.ch }

type harness struct {
	source *fakeSource
	store  *fakeStore
	gen    *fakeGenerator
	sender *fakeSender
	relay  *Relay
	cancel context.CancelFunc
	done   chan struct{}
}

func newHarness(t *testing.T, opts ...RelayOption) *harness {
	t.Helper()
	h := &harness{
		source: newFakeSource(),
		store:  &fakeStore{},
		gen:    &fakeGenerator{},
		sender: &fakeSender{},
		done:   make(chan struct{}),
	}
	builder := history.NewBuilder(h.store, 20)
	h.relay = New(h.source, h.store, builder, h.gen, h.sender, zerolog.Nop(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.relay.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(15 * time.Second):
		panic("relay did not stop")
	}
}

func (h *harness) push(conversation, content string, ts time.Time) {
	h.ch() <- signal.RawEvent{
		ConversationID: conversation,
		Sender:         conversation,
		Content:        content,
		Timestamp:      ts,
	}
}

func (h *harness) ch() chan signal.RawEvent { return h.source.ch }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 10*time.Second, 5*time.Millisecond)
}

func TestRelaySingleEvent(t *testing.T) {
	h := newHarness(t)

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h.push("+15559998888", "hello", ts)

	waitFor(t, func() bool { return h.sender.sentCount() == 1 })

	// The write-ahead incoming record precedes the terminal outgoing one.
	incoming := h.store.byKind(models.KindIncoming)
	require.Len(t, incoming, 1)
	require.Equal(t, "hello", incoming[0].Content)
	require.Equal(t, "+15559998888", incoming[0].Sender)
	require.Equal(t, ts, incoming[0].Timestamp)

	outgoing := h.store.byKind(models.KindOutgoing)
	require.Len(t, outgoing, 1)
	require.Equal(t, "generated reply", outgoing[0].Content)
	require.Equal(t, models.AgentSender, outgoing[0].Sender)
	require.Greater(t, outgoing[0].ID, incoming[0].ID)

	require.Empty(t, h.store.byKind(models.KindError))

	// The model saw the conversation ending with the user's message; a
	// brand-new conversation has nothing before it.
	require.Equal(t, 1, h.gen.callCount())
	require.Equal(t, []history.Turn{{Role: history.RoleUser, Content: "hello"}}, h.gen.calls[0])

	require.Equal(t, sentMessage{recipient: "+15559998888", text: "generated reply"}, h.sender.sent[0])
}

func TestRelayGenerationFailure(t *testing.T) {
	h := newHarness(t)
	h.gen.reply = func([]history.Turn) (string, error) {
		return "", errors.New("model exploded")
	}

	h.push("+15559998888", "hello", time.Now().UTC())

	waitFor(t, func() bool { return len(h.store.byKind(models.KindError)) == 1 })

	errs := h.store.byKind(models.KindError)
	require.True(t, strings.HasPrefix(errs[0].Content, "generation failed:"), errs[0].Content)
	require.Empty(t, h.store.byKind(models.KindOutgoing))
	require.Zero(t, h.sender.sentCount())
}

func TestRelayDeliveryFailure(t *testing.T) {
	h := newHarness(t)
	h.sender.fail = errors.New("transport down")

	h.push("+15559998888", "hello", time.Now().UTC())

	waitFor(t, func() bool { return len(h.store.byKind(models.KindError)) == 1 })

	errs := h.store.byKind(models.KindError)
	require.True(t, strings.HasPrefix(errs[0].Content, "undelivered:"), errs[0].Content)
	require.Empty(t, h.store.byKind(models.KindOutgoing))
	// Generation did happen; only delivery failed.
	require.Equal(t, 1, h.gen.callCount())
	// The write-ahead incoming record survives the failure.
	require.Len(t, h.store.byKind(models.KindIncoming), 1)
}

func TestRelayMalformedEventDropped(t *testing.T) {
	h := newHarness(t)

	h.ch() <- signal.RawEvent{ConversationID: "+15559998888", Sender: "+15559998888", Content: "", Timestamp: time.Now().UTC()}

	waitFor(t, func() bool { return len(h.store.byKind(models.KindError)) == 1 })

	errs := h.store.byKind(models.KindError)
	require.True(t, strings.HasPrefix(errs[0].Content, "malformed event:"), errs[0].Content)
	require.Empty(t, h.store.byKind(models.KindIncoming))
	require.Zero(t, h.gen.callCount())
}

func TestRelaySkipsRedeliveredEvent(t *testing.T) {
	h := newHarness(t)

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h.push("+15559998888", "hello", ts)
	waitFor(t, func() bool { return h.sender.sentCount() == 1 })

	// The transport redelivers the same event after a reconnect.
	h.push("+15559998888", "hello", ts)

	// A different message on the same conversation still goes through.
	h.push("+15559998888", "hello again", ts.Add(time.Second))
	waitFor(t, func() bool { return h.sender.sentCount() == 2 })

	require.Len(t, h.store.byKind(models.KindIncoming), 2)
	require.Equal(t, 2, h.gen.callCount())
}

func TestRelayPerConversationOrdering(t *testing.T) {
	h := newHarness(t)
	h.gen.reply = func(turns []history.Turn) (string, error) {
		return "re: " + turns[len(turns)-1].Content, nil
	}

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	const n = 10
	for i := 0; i < n; i++ {
		h.push("+15559998888", fmt.Sprintf("msg-%02d", i), base.Add(time.Duration(i)*time.Second))
	}

	waitFor(t, func() bool { return len(h.store.byKind(models.KindOutgoing)) == n })

	// Terminal records appear in the same relative order as the inbound
	// events that produced them.
	outgoing := h.store.byKind(models.KindOutgoing)
	for i := 0; i < n; i++ {
		require.Equal(t, fmt.Sprintf("re: msg-%02d", i), outgoing[i].Content)
	}
}

func TestRelayConversationsRunConcurrently(t *testing.T) {
	h := newHarness(t)

	release := make(chan struct{})
	h.gen.reply = func(turns []history.Turn) (string, error) {
		if turns[len(turns)-1].Content == "slow" {
			<-release
		}
		return "ok", nil
	}

	h.push("+15550000001", "slow", time.Now().UTC())
	waitFor(t, func() bool { return h.gen.callCount() == 1 })

	// A second conversation is not blocked behind the first.
	h.push("+15550000002", "fast", time.Now().UTC())
	waitFor(t, func() bool { return h.sender.sentCount() == 1 })
	require.Equal(t, "+15550000002", h.sender.sent[0].recipient)

	close(release)
	waitFor(t, func() bool { return h.sender.sentCount() == 2 })
}

func TestRelayEvictionSparesBusyPipeline(t *testing.T) {
	st := &fakeStore{}
	gen := &fakeGenerator{}
	sender := &fakeSender{}

	release := make(chan struct{})
	gen.reply = func(turns []history.Turn) (string, error) {
		<-release
		return "re: " + turns[len(turns)-1].Content, nil
	}

	builder := history.NewBuilder(st, 20)
	r := New(newFakeSource(), st, builder, gen, sender, zerolog.Nop())

	// The test goroutine plays the Run goroutine's role: it alone
	// touches the pipeline map via dispatch and evictIdle.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.dispatch(ctx, signal.RawEvent{ConversationID: "+15559998888", Sender: "+15559998888", Content: "first", Timestamp: base})
	waitFor(t, func() bool { return gen.callCount() == 1 })

	// Age the pipeline far past the idle timeout while its worker is
	// still mid-generation. An eviction sweep must leave it alone.
	r.pipelines["+15559998888"].lastSeen = time.Now().Add(-time.Hour)
	r.evictIdle(time.Now())
	require.Len(t, r.pipelines, 1)

	// The next event lands on the same still-live pipeline and is
	// handled strictly after the first.
	r.dispatch(ctx, signal.RawEvent{ConversationID: "+15559998888", Sender: "+15559998888", Content: "second", Timestamp: base.Add(time.Second)})
	close(release)
	waitFor(t, func() bool { return sender.sentCount() == 2 })
	require.Equal(t, "re: first", sender.sent[0].text)
	require.Equal(t, "re: second", sender.sent[1].text)

	// Once the worker has drained, the aged pipeline is retired.
	waitFor(t, func() bool { return r.pipelines["+15559998888"].pending.Load() == 0 })
	r.pipelines["+15559998888"].lastSeen = time.Now().Add(-time.Hour)
	r.evictIdle(time.Now())
	require.Empty(t, r.pipelines)
}

func TestRelayBacklogDoesNotStallIntake(t *testing.T) {
	h := newHarness(t)

	release := make(chan struct{})
	h.gen.reply = func(turns []history.Turn) (string, error) {
		if turns[len(turns)-1].Content != "fast" {
			<-release
		}
		return "re: " + turns[len(turns)-1].Content, nil
	}

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h.push("+15550000001", "msg-00", base)
	waitFor(t, func() bool { return h.gen.callCount() == 1 })

	// With the worker stuck, fill the pipeline's buffer and push one
	// event past it. The overflow must be dropped, not block intake.
	for i := 1; i <= 17; i++ {
		h.push("+15550000001", fmt.Sprintf("msg-%02d", i), base.Add(time.Duration(i)*time.Second))
	}

	// Another conversation still flows while the first is backlogged.
	h.push("+15550000002", "fast", base)
	waitFor(t, func() bool { return h.sender.sentCount() == 1 })
	require.Equal(t, "+15550000002", h.sender.sent[0].recipient)

	close(release)

	// One in-flight plus sixteen buffered survive; the one past the
	// buffer was dropped before its write-ahead insert.
	waitFor(t, func() bool { return h.sender.sentCount() == 18 })
	require.Len(t, h.store.byKind(models.KindOutgoing), 18)

	var first []models.Message
	for _, m := range h.store.byKind(models.KindIncoming) {
		if m.ConversationID == "+15550000001" {
			first = append(first, m)
		}
	}
	require.Len(t, first, 17)
	require.Equal(t, "msg-16", first[len(first)-1].Content)
}

func TestRelayStorageFailureDropsEvent(t *testing.T) {
	h := newHarness(t)
	h.store.mu.Lock()
	h.store.failNext = 10 // more than the bounded retry budget
	h.store.mu.Unlock()

	h.push("+15559998888", "hello", time.Now().UTC())

	// All three bounded attempts burn; the event never reaches the model.
	waitFor(t, func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return h.store.failNext == 7
	})
	require.Zero(t, h.gen.callCount())
	require.Zero(t, h.sender.sentCount())
}

func TestRelayStorageRetrySucceeds(t *testing.T) {
	h := newHarness(t)
	h.store.mu.Lock()
	h.store.failNext = 1
	h.store.mu.Unlock()

	h.push("+15559998888", "hello", time.Now().UTC())

	waitFor(t, func() bool { return h.sender.sentCount() == 1 })
	require.Len(t, h.store.byKind(models.KindIncoming), 1)
	require.Len(t, h.store.byKind(models.KindOutgoing), 1)
}

func TestRelayGracefulShutdownWaitsForInflight(t *testing.T) {
	h := newHarness(t, WithShutdownGrace(5*time.Second))
	h.gen.delay = 200 * time.Millisecond

	h.push("+15559998888", "hello", time.Now().UTC())
	waitFor(t, func() bool { return h.gen.callCount() == 1 })

	h.stop()

	// The in-flight event reached its terminal record before shutdown.
	require.Len(t, h.store.byKind(models.KindOutgoing), 1)
}

func TestRelayContextGrowsAcrossEvents(t *testing.T) {
	h := newHarness(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h.push("+15559998888", "first", base)
	waitFor(t, func() bool { return h.sender.sentCount() == 1 })

	h.push("+15559998888", "second", base.Add(time.Second))
	waitFor(t, func() bool { return h.sender.sentCount() == 2 })

	// The second call sees the whole exchange so far.
	require.Equal(t, []history.Turn{
		{Role: history.RoleUser, Content: "first"},
		{Role: history.RoleAssistant, Content: "generated reply"},
		{Role: history.RoleUser, Content: "second"},
	}, h.gen.calls[1])
}
