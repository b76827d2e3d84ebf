package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medledger/hms-forms/internal/submission"
)

// TopicFormSubmissions carries one message per stored form change
const TopicFormSubmissions = "form.submissions"

// DB is the part of *pgxpool.Pool the audit store uses
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// AuditStore records submission audit events together with their outbox
// entry, so an event is streamed if and only if it was stored.
type AuditStore struct {
	db     DB
	topic  string
	logger *zap.Logger
	tracer trace.Tracer
}

// NewAuditStore creates an audit store. An empty topic means
// TopicFormSubmissions.
func NewAuditStore(db DB, topic string, logger *zap.Logger) *AuditStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topic == "" {
		topic = TopicFormSubmissions
	}
	return &AuditStore{
		db:     db,
		topic:  topic,
		logger: logger,
		tracer: otel.Tracer("audit-store"),
	}
}

// Record implements submission.Recorder
func (s *AuditStore) Record(ctx context.Context, e submission.AuditEvent) error {
	ctx, span := s.tracer.Start(ctx, "audit_record",
		trace.WithAttributes(
			attribute.String("kind", e.Kind),
			attribute.String("record_id", e.RecordID),
		))
	defer span.End()

	entry, err := NewAuditEntry(e, s.topic)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO submission_audit (id, kind, resource, record_id, draft_id, mode, recorded_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
	`, e.ID, e.Kind, e.Resource, e.RecordID, e.DraftID, string(e.Mode), e.At)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert audit row: %w", err)
	}

	if err := WriteEntry(ctx, tx, entry); err != nil {
		span.RecordError(err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit audit tx: %w", err)
	}

	s.logger.Debug("audit event stored",
		zap.String("id", e.ID),
		zap.String("kind", e.Kind),
		zap.Int64("outbox_id", entry.ID))
	return nil
}

// NewAuditEntry builds the outbox entry streamed for e. Messages are keyed by
// kind and record id so changes to one record stay ordered.
func NewAuditEntry(e submission.AuditEvent, topic string) (*OutboxEntry, error) {
	if e.RecordID == "" {
		return nil, fmt.Errorf("audit event %s has no record id", e.ID)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode audit event: %w", err)
	}
	return &OutboxEntry{
		AggregateID:   e.RecordID,
		AggregateType: e.Kind,
		EventType:     "form." + string(e.Mode),
		Payload:       payload,
		KafkaTopic:    topic,
		KafkaKey:      e.Kind + ":" + e.RecordID,
	}, nil
}

// Recent returns the newest audit rows, optionally filtered by kind
func (s *AuditStore) Recent(ctx context.Context, kind string, limit int) ([]submission.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id::text, kind, resource, record_id, COALESCE(draft_id, ''), mode, recorded_at
		FROM submission_audit
		WHERE $1 = '' OR kind = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []submission.AuditEvent
	for rows.Next() {
		var (
			e    submission.AuditEvent
			mode string
			at   time.Time
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.Resource, &e.RecordID, &e.DraftID, &mode, &at); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Mode = submission.Mode(mode)
		e.At = at
		out = append(out, e)
	}
	return out, rows.Err()
}
