package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medledger/hms-forms/internal/observability/metrics"
)

// errLocked means another relay holds the outbox lock
var errLocked = errors.New("outbox locked by another relay")

const (
	pendingQuery = `SELECT ` + entryColumns + `
		FROM outbox
		WHERE processed_at IS NULL AND retry_count < $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`

	exhaustedQuery = `SELECT ` + entryColumns + `
		FROM outbox
		WHERE processed_at IS NULL AND retry_count >= $1
		ORDER BY id
		FOR UPDATE SKIP LOCKED`

	markQuery  = `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`
	retryQuery = `UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW() WHERE id = $2`
)

// RelayDB is the part of *pgxpool.Pool the relay uses
type RelayDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Publisher sends one message to the broker
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// RelayConfig holds relay configuration
type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries failed publishes park an entry for the dead-letter sweep
	MaxRetries      int
	DeadLetterTopic string
}

// DefaultRelayConfig returns default configuration
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:       100,
		PollInterval:    100 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "dead.letter",
	}
}

// Relay streams outbox entries to the broker. Each batch runs in one
// transaction holding a transaction-scoped advisory lock, so only one relay
// publishes at a time and the lock cannot outlive the batch.
type Relay struct {
	db        RelayDB
	config    RelayConfig
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a relay. m may be nil.
func NewRelay(db RelayDB, publisher Publisher, cfg RelayConfig, m *metrics.Metrics, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		db:        db,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox-relay"),
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins polling the outbox
func (r *Relay) Start() {
	go r.loop()
	r.logger.Info("outbox relay polling",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop waits for the running batch to finish
func (r *Relay) Stop() {
	r.cancel()
	<-r.done
}

func (r *Relay) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.relayBatch(r.ctx); err != nil && !errors.Is(err, errLocked) && r.ctx.Err() == nil {
				r.logger.Error("outbox batch failed", zap.Error(err))
			}
		}
	}
}

// withLock runs fn in a transaction holding the relay's advisory lock. Commit
// or rollback releases the lock and every row lock taken by fn.
func (r *Relay) withLock(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin relay tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var acquired bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", outboxLockID).Scan(&acquired); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		return errLocked
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit relay tx: %w", err)
	}
	return nil
}

// relayBatch publishes up to BatchSize pending entries in id order. After a
// failed publish the rest of that key's entries wait for the next batch, so
// messages of one record are never reordered.
func (r *Relay) relayBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox_relay_batch")
	defer span.End()

	var published, held int
	err := r.withLock(ctx, func(tx pgx.Tx) error {
		entries, err := selectEntries(ctx, tx, pendingQuery, r.config.MaxRetries, r.config.BatchSize)
		if err != nil {
			return err
		}
		r.metrics.SetOutboxPending(len(entries))
		span.SetAttributes(attribute.Int("batch_size", len(entries)))

		blocked := make(map[string]bool)
		for _, e := range entries {
			if blocked[e.KafkaKey] {
				held++
				continue
			}
			ok, err := r.publish(ctx, tx, e)
			if err != nil {
				return err
			}
			if !ok {
				blocked[e.KafkaKey] = true
				held++
				continue
			}
			published++
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, errLocked) {
			span.RecordError(err)
		}
		return 0, err
	}
	if held > 0 {
		r.logger.Warn("outbox entries held back", zap.Int("held", held), zap.Int("published", published))
	}
	return published, nil
}

// publish sends e and marks it. A broker failure is recorded on the row and
// reported as false; only database errors abort the batch.
func (r *Relay) publish(ctx context.Context, tx pgx.Tx, e *OutboxEntry) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "outbox_publish",
		trace.WithAttributes(
			attribute.Int64("entry_id", e.ID),
			attribute.String("event_type", e.EventType),
			attribute.String("key", e.KafkaKey),
		))
	defer span.End()

	if err := r.publisher.Publish(ctx, e.KafkaTopic, e.KafkaKey, e.Payload); err != nil {
		span.RecordError(err)
		if _, dbErr := tx.Exec(ctx, retryQuery, err.Error(), e.ID); dbErr != nil {
			return false, fmt.Errorf("record retry of entry %d: %w", e.ID, dbErr)
		}
		r.logger.Warn("outbox publish failed",
			zap.Int64("id", e.ID),
			zap.Int("retry", e.RetryCount+1),
			zap.Error(err))
		return false, nil
	}

	if _, err := tx.Exec(ctx, markQuery, e.ID); err != nil {
		return false, fmt.Errorf("mark entry %d: %w", e.ID, err)
	}
	r.metrics.MessageProduced()
	return true, nil
}

// deadLetter wraps an entry that exhausted its retries
type deadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MoveToDeadLetter republishes exhausted entries to the dead-letter topic and
// retires them. It does nothing while another relay holds the lock.
func (r *Relay) MoveToDeadLetter(ctx context.Context) (int64, error) {
	var moved int64
	err := r.withLock(ctx, func(tx pgx.Tx) error {
		entries, err := selectEntries(ctx, tx, exhaustedQuery, r.config.MaxRetries)
		if err != nil {
			return err
		}
		for _, e := range entries {
			body, err := json.Marshal(deadLetter{
				OriginalTopic: e.KafkaTopic,
				EventType:     e.EventType,
				AggregateID:   e.AggregateID,
				Payload:       e.Payload,
				RetryCount:    e.RetryCount,
				LastError:     e.LastError,
				CreatedAt:     e.CreatedAt,
			})
			if err != nil {
				return fmt.Errorf("encode dead letter %d: %w", e.ID, err)
			}
			if err := r.publisher.Publish(ctx, r.config.DeadLetterTopic, e.KafkaKey, body); err != nil {
				r.logger.Error("dead letter publish failed", zap.Int64("id", e.ID), zap.Error(err))
				continue
			}
			if _, err := tx.Exec(ctx, markQuery, e.ID); err != nil {
				return fmt.Errorf("retire entry %d: %w", e.ID, err)
			}
			moved++
		}
		return nil
	})
	if errors.Is(err, errLocked) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// CleanupProcessed deletes entries published more than olderThan ago
func (r *Relay) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < $1`,
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats summarizes the outbox table
type OutboxStats struct {
	Pending       int64
	Published     int64 // last 24 hours
	Failed        int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics
func (r *Relay) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := r.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL AND retry_count < $1)
		FROM outbox
	`, r.config.MaxRetries).Scan(&stats.Pending, &stats.Published, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	r.metrics.SetOutboxPending(int(stats.Pending))
	return stats, nil
}
