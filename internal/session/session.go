// Package session hosts one open entry form per session: the category
// dispatcher, the draft it owns, the search resolver for the draft's
// reference slots, and the path to the submission gateway.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/medledger/hms-forms/internal/domain/draft"
	"github.com/medledger/hms-forms/internal/domain/forms"
	"github.com/medledger/hms-forms/internal/domain/lineitem"
	"github.com/medledger/hms-forms/internal/domain/reference"
	"github.com/medledger/hms-forms/internal/domain/validation"
	"github.com/medledger/hms-forms/internal/search"
	"github.com/medledger/hms-forms/internal/submission"
)

var (
	// ErrSessionNotFound is returned for unknown or expired session ids
	ErrSessionNotFound = errors.New("form session not found")
	// ErrSessionClosed is returned by every operation after the session closed
	ErrSessionClosed = errors.New("form session closed")
)

// Session serializes every event of one form. While a submission is in
// flight the draft is frozen, so the payload sent is the draft the user saw.
type Session struct {
	id        string
	form      forms.Form
	validator *validation.Validator
	gateway   *submission.Gateway
	resolver  *search.Resolver
	logger    *zap.Logger
	now       func() time.Time

	mu         sync.Mutex
	dispatcher *forms.Dispatcher
	submitting bool
	closed     bool
	lastUsed   time.Time
	outcome    *submission.Outcome
	onClose    func(*Session)
}

func newSession(id string, form forms.Form, dispatcher *forms.Dispatcher, resolver *search.Resolver, v *validation.Validator, g *submission.Gateway, logger *zap.Logger) *Session {
	s := &Session{
		id:         id,
		form:       form,
		validator:  v,
		gateway:    g,
		resolver:   resolver,
		logger:     logger.With(zap.String("session_id", id)),
		now:        time.Now,
		dispatcher: dispatcher,
	}
	s.lastUsed = s.now()
	dispatcher.OnSwitch(func(prev, next forms.Binding) {
		resolver.ResetAll()
		s.logger.Debug("category switched",
			zap.String("from", string(prev.Kind())),
			zap.String("to", string(next.Kind())))
	})
	return s
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// Form returns the form the session was opened for
func (s *Session) Form() forms.Form { return s.form }

// Outcome returns the result of the successful submission, if any
func (s *Session) Outcome() *submission.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// begin locks the session for a mutation of the draft
func (s *Session) begin() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.submitting {
		s.mu.Unlock()
		return submission.ErrSubmissionInFlight
	}
	s.lastUsed = s.now()
	return nil
}

// read locks the session for a read; reads are allowed during a submission
func (s *Session) read() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.lastUsed = s.now()
	return nil
}

func (s *Session) draft() *draft.Draft { return s.dispatcher.Draft() }

func (s *Session) schema() validation.Schema { return s.dispatcher.Active().Schema() }

// SetField writes a scalar field and returns the failures of semantic rules
// that depend on it.
func (s *Session) SetField(field, value string) ([]validation.FieldError, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if err := s.draft().Set(field, value); err != nil {
		return nil, err
	}
	return s.validator.Revalidate(s.schema(), s.draft(), []string{field}), nil
}

// Search feeds the text typed into a slot's search input to the resolver
func (s *Session) Search(ctx context.Context, slotName, text string) (uint64, error) {
	if err := s.begin(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	slot, err := s.draft().Slot(slotName)
	if err != nil {
		return 0, err
	}
	return s.resolver.Query(ctx, slot, text)
}

// Results returns the current candidate list of a slot. A slot that was
// never searched reports an idle empty list.
func (s *Session) Results(slotName string) (search.Result, error) {
	if err := s.read(); err != nil {
		return search.Result{}, err
	}
	defer s.mu.Unlock()

	if _, err := s.draft().Slot(slotName); err != nil {
		return search.Result{}, err
	}
	res, err := s.resolver.Results(slotName)
	if errors.Is(err, search.ErrUnknownSlot) {
		return search.Result{Slot: slotName, State: search.StateIdle}, nil
	}
	return res, err
}

// Bound is the effect of a selection on the draft. Checked lists every field
// whose rules were re-run, so stale messages on them can be cleared.
type Bound struct {
	Selection reference.Selection     `json:"selection"`
	Fields    []string                `json:"fields"`
	Checked   []string                `json:"checked"`
	Failures  []validation.FieldError `json:"failures,omitempty"`
}

// Select binds a candidate of the slot's current results
func (s *Session) Select(slotName, candidateID string) (*Bound, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	sel, err := s.resolver.Select(slotName, candidateID)
	if err != nil {
		return nil, err
	}
	return s.bind(slotName, sel)
}

// SelectByField binds the first current candidate whose field matches the
// typed value, e.g. an admission number typed in full.
func (s *Session) SelectByField(slotName, field, value string) (*Bound, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	sel, err := s.resolver.SelectByField(slotName, field, value)
	if err != nil {
		return nil, err
	}
	return s.bind(slotName, sel)
}

func (s *Session) bind(slotName string, sel reference.Selection) (*Bound, error) {
	fields, err := s.draft().Bind(slotName, sel)
	if err != nil {
		return nil, err
	}
	schema := s.schema()
	return &Bound{
		Selection: sel,
		Fields:    fields,
		Checked:   schema.Dependents(fields),
		Failures:  s.validator.Revalidate(schema, s.draft(), fields),
	}, nil
}

// ClearSlot drops the slot's selection and its search results
func (s *Session) ClearSlot(slotName string) ([]string, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	fields, err := s.draft().Clear(slotName)
	if err != nil {
		return nil, err
	}
	s.resolver.Reset(slotName)
	return fields, nil
}

// AddItem appends a bill line and returns the new total
func (s *Session) AddItem(c lineitem.Candidate) (decimal.Decimal, error) {
	return s.items(func(l *lineitem.List) error {
		_, err := l.Add(c)
		return err
	})
}

// UpdateItem replaces the bill line at index
func (s *Session) UpdateItem(index int, c lineitem.Candidate) (decimal.Decimal, error) {
	return s.items(func(l *lineitem.List) error {
		_, err := l.Update(index, c)
		return err
	})
}

// RemoveItem deletes the bill line at index
func (s *Session) RemoveItem(index int) (decimal.Decimal, error) {
	return s.items(func(l *lineitem.List) error {
		return l.Remove(index)
	})
}

func (s *Session) items(fn func(*lineitem.List) error) (decimal.Decimal, error) {
	if err := s.begin(); err != nil {
		return decimal.Zero, err
	}
	defer s.mu.Unlock()

	list, err := s.draft().LineItems()
	if err != nil {
		return decimal.Zero, err
	}
	if err := fn(list); err != nil {
		return list.Total(), err
	}
	return list.Total(), nil
}

// SwitchCategory activates another category of the form. Switching drops
// the draft and all search state; choosing the active category does nothing.
func (s *Session) SwitchCategory(kind forms.Kind) (bool, error) {
	if err := s.begin(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	return s.dispatcher.Select(kind)
}

// Validate runs the full validation of the active category
func (s *Session) Validate() error {
	if err := s.read(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.gateway.Validate(s.dispatcher.Active(), s.draft())
}

// Submit sends the draft. Mutations are refused until it returns; on
// success the session closes and the draft is discarded.
func (s *Session) Submit(ctx context.Context) (*submission.Outcome, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	s.submitting = true
	b, d := s.dispatcher.Active(), s.draft()
	s.mu.Unlock()

	out, err := s.gateway.Submit(ctx, b, d)

	s.mu.Lock()
	s.submitting = false
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.outcome = out
	s.closeLocked()
	onClose := s.onClose
	s.mu.Unlock()

	if onClose != nil {
		onClose(s)
	}
	s.logger.Info("form submitted",
		zap.String("kind", string(out.Kind)),
		zap.String("record_id", out.RecordID),
		zap.String("mode", string(out.Mode)))
	return out, nil
}

// Close discards the draft and stops the resolver
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	b, d := s.dispatcher.Active(), s.draft()
	s.closeLocked()
	onClose := s.onClose
	s.mu.Unlock()

	s.gateway.Release(b, d)
	if onClose != nil {
		onClose(s)
	}
}

func (s *Session) closeLocked() {
	s.closed = true
	s.dispatcher.Reset()
	// resolver.Close waits for in-flight lookups, none of which take s.mu
	s.resolver.Close()
}
