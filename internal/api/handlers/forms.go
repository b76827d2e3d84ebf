// Package handlers provides HTTP handlers for the forms API.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medledger/hms-forms/internal/api/middleware"
	"github.com/medledger/hms-forms/internal/domain/draft"
	"github.com/medledger/hms-forms/internal/domain/forms"
	"github.com/medledger/hms-forms/internal/domain/lineitem"
	"github.com/medledger/hms-forms/internal/domain/reference"
	"github.com/medledger/hms-forms/internal/domain/validation"
	"github.com/medledger/hms-forms/internal/infrastructure/hospitalapi"
	"github.com/medledger/hms-forms/internal/search"
	"github.com/medledger/hms-forms/internal/session"
	"github.com/medledger/hms-forms/internal/submission"
	"github.com/medledger/hms-forms/pkg/circuitbreaker"
)

// Deleter removes stored records
type Deleter interface {
	Delete(ctx context.Context, kind forms.Kind, recordID string) (*submission.Outcome, error)
}

// AuditLister reads the submission audit trail
type AuditLister interface {
	Recent(ctx context.Context, kind string, limit int) ([]submission.AuditEvent, error)
}

// FormsHandler exposes form sessions over HTTP
type FormsHandler struct {
	store   *session.Store
	deleter Deleter
	audit   AuditLister
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewFormsHandler creates a handler. audit may be nil.
func NewFormsHandler(store *session.Store, deleter Deleter, audit AuditLister, logger *zap.Logger) *FormsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FormsHandler{
		store:   store,
		deleter: deleter,
		audit:   audit,
		logger:  logger,
		tracer:  otel.Tracer("forms-handler"),
	}
}

// Routes returns the handler routes
func (h *FormsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/forms", h.Open)
	r.Route("/forms/{id}", func(r chi.Router) {
		r.Get("/", h.View)
		r.Delete("/", h.Discard)
		r.Put("/fields/{field}", h.SetField)
		r.Put("/category", h.SwitchCategory)
		r.Get("/slots/{slot}", h.Results)
		r.Post("/slots/{slot}/query", h.Query)
		r.Post("/slots/{slot}/select", h.Select)
		r.Delete("/slots/{slot}", h.ClearSlot)
		r.Post("/items", h.AddItem)
		r.Put("/items/{index}", h.UpdateItem)
		r.Delete("/items/{index}", h.RemoveItem)
		r.Post("/validate", h.Validate)
		r.Post("/submit", h.Submit)
	})
	r.Delete("/records/{kind}/{recordID}", h.DeleteRecord)
	if h.audit != nil {
		r.Get("/audit", h.Audit)
	}
	return r
}

// OpenRequest opens a new entry of Form, or an edit of (Kind, RecordID)
type OpenRequest struct {
	Form     forms.Form `json:"form"`
	Kind     forms.Kind `json:"kind,omitempty"`
	RecordID string     `json:"recordId,omitempty"`
}

// Open handles POST /forms
func (h *FormsHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if !h.decode(w, r, &req) {
		return
	}

	var (
		s   *session.Session
		err error
	)
	if req.RecordID != "" {
		s, err = h.store.OpenRecord(r.Context(), req.Kind, req.RecordID)
	} else {
		s, err = h.store.Open(req.Form)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("form opened",
		zap.String("session_id", s.ID()),
		zap.String("form", string(s.Form())),
		zap.String("record_id", req.RecordID),
		zap.String("request_id", middleware.GetRequestID(r.Context())))

	v, err := s.View()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/forms/"+s.ID())
	h.jsonResponse(w, v, http.StatusCreated)
}

// View handles GET /forms/{id}
func (h *FormsHandler) View(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	v, err := s.View()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, v, http.StatusOK)
}

// Discard handles DELETE /forms/{id}
func (h *FormsHandler) Discard(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Close(chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type valueRequest struct {
	Value string `json:"value"`
}

// SetField handles PUT /forms/{id}/fields/{field}
func (h *FormsHandler) SetField(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req valueRequest
	if !h.decode(w, r, &req) {
		return
	}
	failures, err := s.SetField(chi.URLParam(r, "field"), req.Value)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]interface{}{"failures": nonNil(failures)}, http.StatusOK)
}

type categoryRequest struct {
	Kind forms.Kind `json:"kind"`
}

// SwitchCategory handles PUT /forms/{id}/category
func (h *FormsHandler) SwitchCategory(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req categoryRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := s.SwitchCategory(req.Kind); err != nil {
		h.fail(w, r, err)
		return
	}
	v, err := s.View()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, v, http.StatusOK)
}

type queryRequest struct {
	Text string `json:"text"`
}

// Query handles POST /forms/{id}/slots/{slot}/query
func (h *FormsHandler) Query(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req queryRequest
	if !h.decode(w, r, &req) {
		return
	}
	token, err := s.Search(r.Context(), chi.URLParam(r, "slot"), req.Text)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]uint64{"token": token}, http.StatusAccepted)
}

// ResultsResponse is the candidate list of a slot
type ResultsResponse struct {
	Slot       string                `json:"slot"`
	Token      uint64                `json:"token"`
	Query      string                `json:"query"`
	State      search.State          `json:"state"`
	Candidates []reference.Candidate `json:"candidates"`
	Error      string                `json:"error,omitempty"`
}

// Results handles GET /forms/{id}/slots/{slot}
func (h *FormsHandler) Results(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	res, err := s.Results(chi.URLParam(r, "slot"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := ResultsResponse{
		Slot:       res.Slot,
		Token:      res.Token,
		Query:      res.Query,
		State:      res.State,
		Candidates: res.Candidates,
	}
	if out.Candidates == nil {
		out.Candidates = []reference.Candidate{}
	}
	if res.Err != nil {
		out.Error = "search unavailable"
	}
	h.jsonResponse(w, out, http.StatusOK)
}

// SelectRequest picks a candidate by id, or by a display field's value
type SelectRequest struct {
	CandidateID string `json:"candidateId,omitempty"`
	Field       string `json:"field,omitempty"`
	Value       string `json:"value,omitempty"`
}

// Select handles POST /forms/{id}/slots/{slot}/select
func (h *FormsHandler) Select(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req SelectRequest
	if !h.decode(w, r, &req) {
		return
	}
	slot := chi.URLParam(r, "slot")

	var (
		bound *session.Bound
		err   error
	)
	switch {
	case req.CandidateID != "":
		bound, err = s.Select(slot, req.CandidateID)
	case req.Field != "":
		bound, err = s.SelectByField(slot, req.Field, req.Value)
	default:
		h.jsonError(w, "candidateId or field is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, bound, http.StatusOK)
}

// ClearSlot handles DELETE /forms/{id}/slots/{slot}
func (h *FormsHandler) ClearSlot(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	fields, err := s.ClearSlot(chi.URLParam(r, "slot"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, map[string][]string{"fields": fields}, http.StatusOK)
}

// AddItem handles POST /forms/{id}/items
func (h *FormsHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	h.mutateItems(w, r, http.StatusCreated, func(s *session.Session, c lineitem.Candidate, _ int) (interface{}, error) {
		return s.AddItem(c)
	})
}

// UpdateItem handles PUT /forms/{id}/items/{index}
func (h *FormsHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	h.mutateItems(w, r, http.StatusOK, func(s *session.Session, c lineitem.Candidate, index int) (interface{}, error) {
		return s.UpdateItem(index, c)
	})
}

// RemoveItem handles DELETE /forms/{id}/items/{index}
func (h *FormsHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	h.mutateItems(w, r, http.StatusOK, func(s *session.Session, _ lineitem.Candidate, index int) (interface{}, error) {
		return s.RemoveItem(index)
	})
}

func (h *FormsHandler) mutateItems(w http.ResponseWriter, r *http.Request, code int, fn func(*session.Session, lineitem.Candidate, int) (interface{}, error)) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	index := -1
	if raw := chi.URLParam(r, "index"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.jsonError(w, "item index must be a number", http.StatusBadRequest)
			return
		}
		index = n
	}
	var c lineitem.Candidate
	if r.Method != http.MethodDelete && !h.decode(w, r, &c) {
		return
	}
	total, err := fn(s, c, index)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	v, err := s.View()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]interface{}{"items": v.Items, "total": total}, code)
}

// Validate handles POST /forms/{id}/validate
func (h *FormsHandler) Validate(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Validate(); err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]interface{}{"valid": true, "failures": []validation.FieldError{}}, http.StatusOK)
}

// Submit handles POST /forms/{id}/submit
func (h *FormsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "submit_form")
	defer span.End()

	s, ok := h.session(w, r)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("session_id", s.ID()))

	out, err := s.Submit(ctx)
	if err != nil {
		span.RecordError(err)
		h.fail(w, r, err)
		return
	}
	span.SetAttributes(
		attribute.String("kind", string(out.Kind)),
		attribute.String("record_id", out.RecordID))
	h.jsonResponse(w, out, http.StatusOK)
}

// DeleteRecord handles DELETE /records/{kind}/{recordID}
func (h *FormsHandler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	out, err := h.deleter.Delete(r.Context(), forms.Kind(chi.URLParam(r, "kind")), chi.URLParam(r, "recordID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, out, http.StatusOK)
}

// Audit handles GET /audit?kind=&limit=
func (h *FormsHandler) Audit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.audit.Recent(r.Context(), r.URL.Query().Get("kind"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if events == nil {
		events = []submission.AuditEvent{}
	}
	h.jsonResponse(w, events, http.StatusOK)
}

func (h *FormsHandler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return s, true
}

func (h *FormsHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error    string                  `json:"error"`
	Failures []validation.FieldError `json:"failures,omitempty"`
	Field    string                  `json:"field,omitempty"`
}

// fail maps domain errors onto HTTP statuses
func (h *FormsHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verrs    *validation.Errors
		invalid  *lineitem.InvalidItemError
		rejected *submission.RejectedError
		status   *hospitalapi.StatusError
	)
	switch {
	case errors.As(err, &verrs):
		h.jsonResponse(w, ErrorResponse{Error: "validation failed", Failures: verrs.Failures}, http.StatusUnprocessableEntity)
	case errors.As(err, &invalid):
		h.jsonResponse(w, ErrorResponse{Error: invalid.Error(), Field: invalid.Field}, http.StatusUnprocessableEntity)
	case errors.As(err, &rejected):
		h.jsonError(w, rejected.Message, http.StatusBadGateway)
	case errors.Is(err, draft.ErrFieldLocked), errors.Is(err, draft.ErrSlotField):
		h.jsonError(w, err.Error(), http.StatusLocked)
	case errors.Is(err, submission.ErrSubmissionInFlight),
		errors.Is(err, submission.ErrDuplicateSubmission),
		errors.Is(err, search.ErrNotReady):
		h.jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, session.ErrSessionClosed):
		h.jsonError(w, err.Error(), http.StatusGone)
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, draft.ErrUnknownField),
		errors.Is(err, draft.ErrUnknownSlot),
		errors.Is(err, search.ErrUnknownSlot),
		errors.Is(err, search.ErrCandidateNotFound),
		errors.Is(err, lineitem.ErrIndexOutOfRange),
		errors.Is(err, hospitalapi.ErrNotFound):
		h.jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, forms.ErrUnknownForm),
		errors.Is(err, forms.ErrUnknownCategory),
		errors.Is(err, draft.ErrNoLineItems),
		errors.Is(err, reference.ErrIncompleteSelection):
		h.jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, hospitalapi.ErrUnauthorized):
		h.jsonError(w, "hospital api session expired", http.StatusBadGateway)
	case errors.As(err, &status):
		h.jsonError(w, "hospital api unavailable", http.StatusBadGateway)
	case circuitbreaker.IsOpenError(err):
		h.jsonError(w, "hospital api unavailable", http.StatusServiceUnavailable)
	default:
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		h.jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *FormsHandler) jsonResponse(w http.ResponseWriter, v interface{}, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *FormsHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.jsonResponse(w, map[string]string{"error": message}, code)
}

func nonNil(f []validation.FieldError) []validation.FieldError {
	if f == nil {
		return []validation.FieldError{}
	}
	return f
}
