package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medledger/hms-forms/internal/submission"
)

type fakeRow struct {
	id int64
	at time.Time
}

func (r fakeRow) Scan(dest ...any) error {
	*dest[0].(*int64) = r.id
	*dest[1].(*time.Time) = r.at
	return nil
}

// fakeTx records statements; unimplemented pgx.Tx methods panic via the nil embed
type fakeTx struct {
	pgx.Tx
	execs      []string
	outboxArgs []any
	execErr    error
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, sql)
	return pgconn.NewCommandTag("INSERT 0 1"), t.execErr
}

func (t *fakeTx) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	t.outboxArgs = args
	return fakeRow{id: 17, at: time.Now()}
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

type fakeDB struct {
	tx *fakeTx
}

func (d *fakeDB) Begin(context.Context) (pgx.Tx, error) { return d.tx, nil }

func (d *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

var event = submission.AuditEvent{
	ID:       "7d7a9a8e-6a55-4c1b-8d0a-3f3f5c0f9e11",
	Kind:     "ledger.cash",
	Resource: "ledgers/cash",
	RecordID: "c-9",
	DraftID:  "d-1",
	Mode:     submission.ModeCreate,
	At:       time.Date(2024, 1, 12, 10, 0, 0, 0, time.UTC),
}

func TestNewAuditEntry(t *testing.T) {
	entry, err := NewAuditEntry(event, TopicFormSubmissions)
	require.NoError(t, err)
	assert.Equal(t, "c-9", entry.AggregateID)
	assert.Equal(t, "ledger.cash", entry.AggregateType)
	assert.Equal(t, "form.create", entry.EventType)
	assert.Equal(t, "form.submissions", entry.KafkaTopic)
	assert.Equal(t, "ledger.cash:c-9", entry.KafkaKey)

	var decoded submission.AuditEvent
	require.NoError(t, json.Unmarshal(entry.Payload, &decoded))
	assert.Equal(t, event, decoded)

	_, err = NewAuditEntry(submission.AuditEvent{ID: "x", Kind: "bill"}, TopicFormSubmissions)
	assert.Error(t, err)
}

func TestRecordWritesAuditAndOutboxInOneTx(t *testing.T) {
	tx := &fakeTx{}
	store := NewAuditStore(&fakeDB{tx: tx}, "", nil)

	require.NoError(t, store.Record(context.Background(), event))
	require.Len(t, tx.execs, 1)
	assert.Contains(t, tx.execs[0], "INSERT INTO submission_audit")
	require.Len(t, tx.outboxArgs, 6)
	assert.Equal(t, "form.submissions", tx.outboxArgs[4])
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
}

func TestRecordRollsBackOnInsertFailure(t *testing.T) {
	tx := &fakeTx{execErr: errors.New("duplicate key")}
	store := NewAuditStore(&fakeDB{tx: tx}, "", nil)

	err := store.Record(context.Background(), event)
	require.Error(t, err)
	assert.Nil(t, tx.outboxArgs)
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
}
