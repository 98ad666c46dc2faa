package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/defscope/definition-extraction-service/internal/database"
	"github.com/defscope/definition-extraction-service/internal/domain"
	"github.com/defscope/definition-extraction-service/internal/observability"
)

// Defaults applied when the relay config leaves fields unset.
const (
	DefaultPollInterval = 1 * time.Second
	DefaultBatchSize    = 100
)

// TxRunner runs a function inside a database transaction. Satisfied by
// *database.DB.
type TxRunner interface {
	WithTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// EventSource lists and marks unpublished events. The relay constructs one
// per transaction so the SKIP LOCKED claim and the published stamp share a
// unit of work.
type EventSource interface {
	ListUnpublishedEvents(ctx context.Context, limit int) ([]*domain.ProcessingEvent, error)
	MarkEventsPublished(ctx context.Context, ids []uuid.UUID, publishedAt time.Time) error
}

// Config holds relay settings.
type Config struct {
	// Service is the source service name stamped on envelopes.
	Service string

	// PollInterval is how often the relay scans for unpublished events.
	PollInterval time.Duration

	// BatchSize is the number of events claimed per scan.
	BatchSize int
}

// Relay moves unpublished processing events from the database to the broker.
// Each scan claims a batch inside a transaction with SKIP LOCKED, publishes
// it, and stamps published_at before committing. A publish that succeeds but
// whose commit is lost re-delivers the batch: at-least-once by construction.
type Relay struct {
	db        TxRunner
	newSource func(database.DBTX) EventSource
	publisher Publisher

	metrics *observability.Metrics
	logger  zerolog.Logger
	cfg     Config
}

// NewRelay creates an event relay. newSource builds an event source bound to
// the given transaction; metrics may be nil.
func NewRelay(db TxRunner, newSource func(database.DBTX) EventSource, publisher Publisher, cfg Config, logger zerolog.Logger, metrics *observability.Metrics) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Service == "" {
		cfg.Service = "definition-extraction-service"
	}

	return &Relay{
		db:        db,
		newSource: newSource,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With().Str("component", "event_relay").Logger(),
		cfg:       cfg,
	}
}

// Run scans on the poll interval until the context is cancelled. A full
// batch triggers an immediate rescan so backlogs drain faster than the
// interval.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info().
		Dur("poll_interval", r.cfg.PollInterval).
		Int("batch_size", r.cfg.BatchSize).
		Msg("event relay starting")

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		published, err := r.RelayOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info().Msg("event relay stopped")
				return ctx.Err()
			}
			r.logger.Error().Err(err).Msg("relay scan failed")
		}
		if published == r.cfg.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			r.logger.Info().Msg("event relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RelayOnce claims and publishes one batch. Returns the number of events
// published.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	published := 0

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		source := r.newSource(tx)

		events, err := source.ListUnpublishedEvents(ctx, r.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("listing unpublished events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}

		msgs := make([]kafka.Message, 0, len(events))
		ids := make([]uuid.UUID, 0, len(events))
		for _, ev := range events {
			msg, err := buildMessage(ev, r.cfg.Service)
			if err != nil {
				// An unmarshalable event would wedge the relay forever.
				// Stamp it published and move on; the row keeps the data.
				r.logger.Error().Err(err).
					Str("event_id", ev.ID.String()).
					Msg("skipping unencodable event")
				ids = append(ids, ev.ID)
				continue
			}
			msgs = append(msgs, msg)
			ids = append(ids, ev.ID)
		}

		if err := r.publisher.Publish(ctx, msgs...); err != nil {
			if r.metrics != nil {
				r.metrics.RecordEventsPublishFailed(len(msgs))
			}
			return err
		}

		if err := source.MarkEventsPublished(ctx, ids, time.Now()); err != nil {
			return fmt.Errorf("marking events published: %w", err)
		}
		published = len(msgs)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if published > 0 {
		if r.metrics != nil {
			r.metrics.RecordEventsPublished(published)
		}
		r.logger.Debug().Int("count", published).Msg("events published")
	}
	return published, nil
}

// Close closes the underlying publisher.
func (r *Relay) Close() error {
	if err := r.publisher.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildMessage wraps one event in its envelope, keyed by paper ID for
// per-paper ordering.
func buildMessage(ev *domain.ProcessingEvent, service string) (kafka.Message, error) {
	envelope, err := domain.NewEventEnvelope(ev, service)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("building envelope for event %s: %w", ev.ID, err)
	}
	value, err := json.Marshal(envelope)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encoding envelope for event %s: %w", ev.ID, err)
	}

	return kafka.Message{
		Key:   []byte(ev.PaperID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.EventType)},
			{Key: "event_id", Value: []byte(ev.ID.String())},
		},
	}, nil
}
