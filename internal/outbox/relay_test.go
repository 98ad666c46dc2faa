package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defscope/definition-extraction-service/internal/database"
	"github.com/defscope/definition-extraction-service/internal/domain"
)

// fakeTxRunner runs the transaction body directly; a returned error stands
// in for a rollback.
type fakeTxRunner struct{}

func (fakeTxRunner) WithTransaction(_ context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

// fakeSource is an in-memory unpublished-event queue.
type fakeSource struct {
	mu     sync.Mutex
	events []*domain.ProcessingEvent
}

func (f *fakeSource) ListUnpublishedEvents(_ context.Context, limit int) ([]*domain.ProcessingEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ProcessingEvent
	for _, ev := range f.events {
		if ev.PublishedAt == nil {
			out = append(out, ev)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeSource) MarkEventsPublished(_ context.Context, ids []uuid.UUID, publishedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, ev := range f.events {
		if want[ev.ID] {
			t := publishedAt
			ev.PublishedAt = &t
		}
	}
	return nil
}

func (f *fakeSource) unpublishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.PublishedAt == nil {
			n++
		}
	}
	return n
}

// fakePublisher records published messages and can fail on demand.
type fakePublisher struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (f *fakePublisher) Publish(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePublisher) published() []kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kafka.Message(nil), f.messages...)
}

func newTestRelay(source *fakeSource, publisher Publisher, batchSize int) *Relay {
	return NewRelay(
		fakeTxRunner{},
		func(database.DBTX) EventSource { return source },
		publisher,
		Config{Service: "definition-extraction-service", BatchSize: batchSize, PollInterval: 5 * time.Millisecond},
		zerolog.Nop(), nil,
	)
}

func makeEvent(paperID uuid.UUID, eventType string, pct int) *domain.ProcessingEvent {
	return &domain.ProcessingEvent{
		ID:         uuid.New(),
		TaskID:     uuid.New(),
		PaperID:    paperID,
		EventType:  eventType,
		TotalSteps: 4,
		Percentage: pct,
		Message:    eventType,
		CreatedAt:  time.Now(),
	}
}

func TestRelayOncePublishesAndMarks(t *testing.T) {
	paperID := uuid.New()
	source := &fakeSource{events: []*domain.ProcessingEvent{
		makeEvent(paperID, domain.EventTypeProcessingStarted, 2),
		makeEvent(paperID, domain.EventTypeExtractionCompleted, 35),
	}}
	publisher := &fakePublisher{}
	relay := newTestRelay(source, publisher, 100)

	published, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, published)
	assert.Equal(t, 0, source.unpublishedCount())

	msgs := publisher.published()
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte(paperID.String()), msgs[0].Key, "messages are keyed by paper for partition ordering")

	var envelope domain.EventEnvelope
	require.NoError(t, json.Unmarshal(msgs[0].Value, &envelope))
	assert.Equal(t, domain.EventTypeProcessingStarted, envelope.EventType)
	assert.Equal(t, paperID.String(), envelope.AggregateID)
	assert.Equal(t, domain.AggregateTypePaper, envelope.AggregateType)
	assert.Equal(t, "definition-extraction-service", envelope.Service)
	assert.Equal(t, 1, envelope.EventVersion)

	var payload domain.ProcessingEventPayload
	require.NoError(t, json.Unmarshal(envelope.Payload, &payload))
	assert.Equal(t, 2, payload.Percentage)
}

func TestRelayOnceEmptyQueue(t *testing.T) {
	relay := newTestRelay(&fakeSource{}, &fakePublisher{}, 100)

	published, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, published)
}

func TestRelayOnceKeepsEventsOnPublishFailure(t *testing.T) {
	source := &fakeSource{events: []*domain.ProcessingEvent{
		makeEvent(uuid.New(), domain.EventTypeProcessingStarted, 2),
	}}
	publisher := &fakePublisher{err: errors.New("broker unavailable")}
	relay := newTestRelay(source, publisher, 100)

	_, err := relay.RelayOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, source.unpublishedCount(), "failed batches stay unpublished for the next scan")

	// The broker recovers; the same event goes out.
	publisher.err = nil
	published, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, published)
	assert.Equal(t, 0, source.unpublishedCount())
}

func TestRelayOnceHonorsBatchSize(t *testing.T) {
	source := &fakeSource{}
	for i := 0; i < 5; i++ {
		source.events = append(source.events, makeEvent(uuid.New(), domain.EventTypeProcessingQueued, 0))
	}
	relay := newTestRelay(source, &fakePublisher{}, 2)

	published, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, published)
	assert.Equal(t, 3, source.unpublishedCount())
}

func TestRelayRunDrainsBacklogAndStops(t *testing.T) {
	source := &fakeSource{}
	for i := 0; i < 7; i++ {
		source.events = append(source.events, makeEvent(uuid.New(), domain.EventTypeProcessingQueued, 0))
	}
	publisher := &fakePublisher{}
	relay := newTestRelay(source, publisher, 3)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		return source.unpublishedCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Len(t, publisher.published(), 7)
}

func TestRelayCloseClosesPublisher(t *testing.T) {
	publisher := &fakePublisher{}
	relay := newTestRelay(&fakeSource{}, publisher, 1)

	require.NoError(t, relay.Close())
	assert.True(t, publisher.closed)
}

func TestBuildMessageHeaders(t *testing.T) {
	ev := makeEvent(uuid.New(), domain.EventTypeProcessingCompleted, 100)

	msg, err := buildMessage(ev, "svc")
	require.NoError(t, err)

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, domain.EventTypeProcessingCompleted, headers["event_type"])
	assert.Equal(t, ev.ID.String(), headers["event_id"])
}
