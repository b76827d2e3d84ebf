// Package search resolves free-text queries into reference selections.
// Every query issued for a slot carries a generation token; a response is
// applied only while its token is still the slot's latest, so a slow reply
// to an older query can never overwrite a newer result.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medledger/hms-forms/internal/domain/reference"
	"github.com/medledger/hms-forms/internal/observability/metrics"
)

var (
	// ErrUnknownSlot is returned for slots that have never been queried
	ErrUnknownSlot = errors.New("slot has no search state")
	// ErrNotReady is returned when selecting from a slot without results
	ErrNotReady = errors.New("search results are not ready")
	// ErrCandidateNotFound is returned when the id is not in the current list
	ErrCandidateNotFound = errors.New("candidate not in current results")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("resolver closed")
)

// Searcher looks up candidates of one category
type Searcher interface {
	Search(ctx context.Context, category reference.Category, query string) ([]reference.Candidate, error)
}

// State of a slot's candidate list
type State string

const (
	StateIdle    State = "idle"
	StatePending State = "pending"
	StateReady   State = "ready"
)

// Result is a snapshot of one slot
type Result struct {
	Slot       string
	Token      uint64
	Query      string
	State      State
	Candidates []reference.Candidate
	Err        error
}

// Config holds resolver configuration
type Config struct {
	// MinQueryLength is the trimmed length below which no search is sent
	MinQueryLength int
	// Debounce delays each lookup; a newer query within the window replaces it
	Debounce time.Duration
	// Timeout bounds a single lookup
	Timeout time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		MinQueryLength: 2,
		Debounce:       300 * time.Millisecond,
		Timeout:        10 * time.Second,
	}
}

type slotState struct {
	slot       reference.Slot
	token      uint64
	query      string
	state      State
	candidates []reference.Candidate
	err        error
	timer      *time.Timer
	cancel     context.CancelFunc
}

func (s *slotState) snapshot() Result {
	return Result{
		Slot:       s.slot.Name,
		Token:      s.token,
		Query:      s.query,
		State:      s.state,
		Candidates: append([]reference.Candidate(nil), s.candidates...),
		Err:        s.err,
	}
}

// supersede invalidates whatever is pending or in flight for the slot
func (s *slotState) supersede() uint64 {
	s.token++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return s.token
}

// Resolver runs debounced, cancellable lookups for the slots of one form
type Resolver struct {
	searcher Searcher
	config   Config
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	slots    map[string]*slotState
	closed   bool
	inflight sync.WaitGroup
}

// NewResolver creates a resolver backed by searcher
func NewResolver(searcher Searcher, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinQueryLength < 1 {
		cfg.MinQueryLength = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Resolver{
		searcher: searcher,
		config:   cfg,
		logger:   logger,
		metrics:  m,
		slots:    make(map[string]*slotState),
	}
}

func (r *Resolver) state(slot reference.Slot) *slotState {
	st, ok := r.slots[slot.Name]
	if !ok {
		st = &slotState{slot: slot, state: StateIdle}
		r.slots[slot.Name] = st
	}
	return st
}

// Query issues a new search for slot and returns its token. The previous
// pending or in-flight lookup of the slot is superseded. Short queries
// clear the list without contacting the searcher. The lookup outlives ctx
// but its span joins the trace carried by ctx.
func (r *Resolver) Query(ctx context.Context, slot reference.Slot, text string) (uint64, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrClosed
	}
	st := r.state(slot)
	token := st.supersede()
	query := strings.TrimSpace(text)
	st.query = query
	st.candidates = nil
	st.err = nil

	if utf8.RuneCountInString(query) < r.config.MinQueryLength {
		st.state = StateIdle
		r.mu.Unlock()
		return token, nil
	}

	st.state = StatePending
	parent := trace.SpanContextFromContext(ctx)
	st.timer = time.AfterFunc(r.config.Debounce, func() {
		r.lookup(parent, st, token, query)
	})
	r.mu.Unlock()
	return token, nil
}

func (r *Resolver) lookup(parent trace.SpanContext, st *slotState, token uint64, query string) {
	slot := st.slot
	r.mu.Lock()
	if r.closed || st.token != token {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(trace.ContextWithSpanContext(context.Background(), parent), r.config.Timeout)
	st.timer = nil
	st.cancel = cancel
	r.inflight.Add(1)
	r.mu.Unlock()
	defer r.inflight.Done()
	defer cancel()

	ctx, span := otel.Tracer("search").Start(ctx, "search.lookup")
	span.SetAttributes(
		attribute.String("slot", slot.Name),
		attribute.String("category", string(slot.Category)),
		attribute.Int64("token", int64(token)),
	)
	defer span.End()

	r.metrics.SearchIssued(string(slot.Category))
	candidates, err := r.searcher.Search(ctx, slot.Category, query)

	r.mu.Lock()
	if st.token != token {
		r.mu.Unlock()
		r.metrics.SearchStale(string(slot.Category))
		span.SetAttributes(attribute.Bool("stale", true))
		r.logger.Debug("discarding stale search response",
			zap.String("slot", slot.Name),
			zap.Uint64("token", token),
		)
		return
	}
	st.cancel = nil
	st.state = StateReady
	if err != nil {
		st.candidates = nil
		st.err = err
	} else {
		st.candidates = candidates
	}
	r.mu.Unlock()

	if err != nil {
		r.metrics.SearchFailed(string(slot.Category))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("search failed",
			zap.String("slot", slot.Name),
			zap.String("category", string(slot.Category)),
			zap.Error(err),
		)
	}
}

// Results returns the current snapshot of a slot
func (r *Resolver) Results(slotName string) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.slots[slotName]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownSlot, slotName)
	}
	return st.snapshot(), nil
}

// Select turns a candidate of the slot's current list into a selection and
// closes the list.
func (r *Resolver) Select(slotName, candidateID string) (reference.Selection, error) {
	return r.pick(slotName, func(c reference.Candidate) bool {
		return c.ID == candidateID
	})
}

// SelectByField selects the first current candidate whose field equals value,
// ignoring case and surrounding space.
func (r *Resolver) SelectByField(slotName, field, value string) (reference.Selection, error) {
	value = strings.TrimSpace(value)
	return r.pick(slotName, func(c reference.Candidate) bool {
		return strings.EqualFold(strings.TrimSpace(c.Field(field)), value)
	})
}

func (r *Resolver) pick(slotName string, match func(reference.Candidate) bool) (reference.Selection, error) {
	r.mu.Lock()
	st, ok := r.slots[slotName]
	if !ok {
		r.mu.Unlock()
		return reference.Selection{}, fmt.Errorf("%w: %s", ErrUnknownSlot, slotName)
	}
	if st.state != StateReady {
		r.mu.Unlock()
		return reference.Selection{}, fmt.Errorf("%w: %s is %s", ErrNotReady, slotName, st.state)
	}

	for _, c := range st.candidates {
		if !match(c) {
			continue
		}
		sel, err := reference.NewSelection(st.slot, c)
		if err != nil {
			r.mu.Unlock()
			return reference.Selection{}, err
		}
		st.supersede()
		st.state = StateIdle
		st.candidates = nil
		r.mu.Unlock()
		return sel, nil
	}
	r.mu.Unlock()
	return reference.Selection{}, fmt.Errorf("%w: %s", ErrCandidateNotFound, slotName)
}

// Reset cancels the slot's lookup and empties its list
func (r *Resolver) Reset(slotName string) {
	r.mu.Lock()
	st, ok := r.slots[slotName]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.resetLocked(st)
	r.mu.Unlock()
}

// ResetAll drops every slot; used when the form's category changes
func (r *Resolver) ResetAll() {
	r.mu.Lock()
	for _, st := range r.slots {
		r.resetLocked(st)
	}
	r.slots = make(map[string]*slotState)
	r.mu.Unlock()
}

func (r *Resolver) resetLocked(st *slotState) {
	st.supersede()
	st.query = ""
	st.state = StateIdle
	st.candidates = nil
	st.err = nil
}

// Close cancels all lookups and waits for in-flight searchers to return
func (r *Resolver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, st := range r.slots {
		r.resetLocked(st)
	}
	r.mu.Unlock()

	r.inflight.Wait()
}
