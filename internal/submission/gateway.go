// Package submission sends validated drafts to the remote API, at most once
// per draft, and maps the answer into a user-facing outcome.
package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medledger/hms-forms/internal/domain/draft"
	"github.com/medledger/hms-forms/internal/domain/forms"
	"github.com/medledger/hms-forms/internal/domain/validation"
	"github.com/medledger/hms-forms/internal/infrastructure/hospitalapi"
	"github.com/medledger/hms-forms/internal/observability/metrics"
	"github.com/medledger/hms-forms/pkg/idempotency"
)

var (
	// ErrSubmissionInFlight is returned while the same draft is being submitted
	ErrSubmissionInFlight = errors.New("submission already in flight")
	// ErrDuplicateSubmission is returned for a draft that was already stored
	ErrDuplicateSubmission = errors.New("draft already submitted")
)

// RejectedError is a well-formed refusal by the remote API. The draft is
// left untouched so the user can correct it and retry.
type RejectedError struct {
	Resource string
	Message  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Resource, e.Message)
}

// Remote is the subset of the hospital API the gateway writes through
type Remote interface {
	Create(ctx context.Context, resource string, payload interface{}, idempotencyKey string) (*hospitalapi.Result, error)
	Update(ctx context.Context, resource, id string, payload interface{}, idempotencyKey string) (*hospitalapi.Result, error)
	Delete(ctx context.Context, resource, id string) (*hospitalapi.Result, error)
}

// Mode of a stored change
type Mode string

const (
	ModeCreate Mode = "create"
	ModeUpdate Mode = "update"
	ModeDelete Mode = "delete"
)

// Outcome is what the user sees after a successful submission
type Outcome struct {
	Kind        forms.Kind `json:"kind"`
	Mode        Mode       `json:"mode"`
	RecordID    string     `json:"recordId"`
	Message     string     `json:"message"`
	Destination string     `json:"destination"`
}

// AuditEvent describes one stored change
type AuditEvent struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Resource string    `json:"resource"`
	RecordID string    `json:"recordId"`
	DraftID  string    `json:"draftId,omitempty"`
	Mode     Mode      `json:"mode"`
	At       time.Time `json:"at"`
}

// Recorder persists audit events
type Recorder interface {
	Record(ctx context.Context, event AuditEvent) error
}

// LogRecorder writes audit events to the log only
type LogRecorder struct {
	Logger *zap.Logger
}

func (r LogRecorder) Record(_ context.Context, e AuditEvent) error {
	if r.Logger != nil {
		r.Logger.Info("submission recorded",
			zap.String("kind", e.Kind),
			zap.String("record_id", e.RecordID),
			zap.String("mode", string(e.Mode)),
		)
	}
	return nil
}

// Gateway validates, encodes and submits drafts
type Gateway struct {
	remote    Remote
	validator *validation.Validator
	guard     *idempotency.Guard
	recorder  Recorder
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewGateway creates a gateway. guard and recorder may be nil.
func NewGateway(remote Remote, v *validation.Validator, guard *idempotency.Guard, recorder Recorder, m *metrics.Metrics, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if v == nil {
		v = validation.New()
	}
	if guard == nil {
		guard = idempotency.NewGuard(idempotency.DefaultGuardConfig(), logger)
	}
	if recorder == nil {
		recorder = LogRecorder{Logger: logger}
	}
	return &Gateway{
		remote:    remote,
		validator: v,
		guard:     guard,
		recorder:  recorder,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("submission"),
		now:       time.Now,
	}
}

// Validate runs both validation passes of b against d
func (g *Gateway) Validate(b forms.Binding, d *draft.Draft) error {
	err := g.validator.Validate(b.Schema(), d)
	var verrs *validation.Errors
	if errors.As(err, &verrs) {
		for _, f := range verrs.Failures {
			g.metrics.ValidationFailed(f.Field)
		}
	}
	return err
}

// Submit sends d through b's handler. Validation failures never reach the
// network. Only one submission per draft may be in flight, and a draft that
// was stored cannot be submitted again.
func (g *Gateway) Submit(ctx context.Context, b forms.Binding, d *draft.Draft) (*Outcome, error) {
	ctx, span := g.tracer.Start(ctx, "submission.submit",
		trace.WithAttributes(
			attribute.String("kind", string(b.Kind())),
			attribute.String("draft_id", d.ID()),
		))
	defer span.End()

	res, err := g.guard.Process(ctx, submitKey(b, d), string(b.Kind()), func(ctx context.Context) (interface{}, error) {
		return g.submit(ctx, b, d)
	})
	if err != nil {
		if errors.Is(err, idempotency.ErrInProgress) {
			return nil, ErrSubmissionInFlight
		}
		span.RecordError(err)
		return nil, err
	}
	if !res.IsNew && !res.WasRecovered {
		return nil, ErrDuplicateSubmission
	}
	return res.Result.(*Outcome), nil
}

// Release drops the submit claim of a discarded draft so the guard does not
// hold it until expiry. A submission still in flight keeps its claim.
func (g *Gateway) Release(b forms.Binding, d *draft.Draft) {
	key := submitKey(b, d)
	entry, ok := g.guard.Lookup(key)
	if !ok || entry.Status == idempotency.StatusStarted {
		return
	}
	g.guard.Forget(key)
}

func submitKey(b forms.Binding, d *draft.Draft) string {
	return idempotency.GenerateKey(d.ID(), string(b.Kind()), d.RecordID())
}

func (g *Gateway) submit(ctx context.Context, b forms.Binding, d *draft.Draft) (*Outcome, error) {
	if err := g.Validate(b, d); err != nil {
		return nil, err
	}

	h := b.Handler()
	payload, err := h.Encode(d)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", b.Kind(), err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", b.Kind(), err)
	}
	// identical payloads of the same draft collapse upstream
	upstreamKey := idempotency.GenerateKey(d.ID(), h.Resource, string(body))

	mode := ModeCreate
	start := g.now()
	var result *hospitalapi.Result
	if id := d.RecordID(); id != "" {
		mode = ModeUpdate
		result, err = g.remote.Update(ctx, h.Resource, id, payload, upstreamKey)
	} else {
		result, err = g.remote.Create(ctx, h.Resource, payload, upstreamKey)
	}
	elapsed := g.now().Sub(start)
	if err != nil {
		g.metrics.Submission(h.Resource, "error", elapsed)
		g.logger.Warn("submission failed",
			zap.String("kind", string(b.Kind())),
			zap.String("draft_id", d.ID()),
			zap.Error(err),
		)
		return nil, err
	}
	if !result.Success {
		g.metrics.Submission(h.Resource, "rejected", elapsed)
		return nil, &RejectedError{Resource: h.Resource, Message: result.Message}
	}
	g.metrics.Submission(h.Resource, string(mode), elapsed)

	recordID := result.RecordID
	if recordID == "" {
		recordID = d.RecordID()
	}
	g.audit(ctx, AuditEvent{
		Kind:     string(b.Kind()),
		Resource: h.Resource,
		RecordID: recordID,
		DraftID:  d.ID(),
		Mode:     mode,
	})

	return &Outcome{
		Kind:        b.Kind(),
		Mode:        mode,
		RecordID:    recordID,
		Message:     result.Message,
		Destination: b.Destination(),
	}, nil
}

// Delete removes a stored record of kind
func (g *Gateway) Delete(ctx context.Context, kind forms.Kind, recordID string) (*Outcome, error) {
	b, err := forms.Lookup(kind)
	if err != nil {
		return nil, err
	}
	resource := b.Handler().Resource

	ctx, span := g.tracer.Start(ctx, "submission.delete",
		trace.WithAttributes(attribute.String("kind", string(kind))))
	defer span.End()

	result, err := g.remote.Delete(ctx, resource, recordID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !result.Success {
		return nil, &RejectedError{Resource: resource, Message: result.Message}
	}

	g.audit(ctx, AuditEvent{Kind: string(kind), Resource: resource, RecordID: recordID, Mode: ModeDelete})
	return &Outcome{
		Kind:        kind,
		Mode:        ModeDelete,
		RecordID:    recordID,
		Message:     result.Message,
		Destination: b.Destination(),
	}, nil
}

// audit failures are logged; the remote change already happened
func (g *Gateway) audit(ctx context.Context, e AuditEvent) {
	e.ID = uuid.New().String()
	e.At = g.now().UTC()
	if err := g.recorder.Record(ctx, e); err != nil {
		g.logger.Error("failed to record audit event",
			zap.String("kind", e.Kind),
			zap.String("record_id", e.RecordID),
			zap.Error(err),
		)
	}
}
