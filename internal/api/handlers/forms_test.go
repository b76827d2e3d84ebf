package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medledger/hms-forms/internal/domain/forms"
	"github.com/medledger/hms-forms/internal/domain/reference"
	"github.com/medledger/hms-forms/internal/infrastructure/hospitalapi"
	"github.com/medledger/hms-forms/internal/search"
	"github.com/medledger/hms-forms/internal/session"
	"github.com/medledger/hms-forms/internal/submission"
	"github.com/medledger/hms-forms/pkg/circuitbreaker"
)

type doctors struct{}

func (doctors) Search(_ context.Context, c reference.Category, q string) ([]reference.Candidate, error) {
	if c != reference.CategoryDoctor || !strings.HasPrefix("smith", strings.ToLower(q)) {
		return nil, nil
	}
	return []reference.Candidate{
		{ID: "007", Fields: map[string]string{reference.FieldName: "Dr. Smith", reference.FieldSpecialization: "Cardiology"}},
	}, nil
}

type remote struct {
	mu     sync.Mutex
	reject string
	sent   []interface{}
}

func (r *remote) Create(_ context.Context, _ string, p interface{}, _ string) (*hospitalapi.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject != "" {
		return &hospitalapi.Result{Success: false, Message: r.reject}, nil
	}
	r.sent = append(r.sent, p)
	return &hospitalapi.Result{Success: true, RecordID: "rec-9", Message: "saved"}, nil
}

func (r *remote) Update(ctx context.Context, res, _ string, p interface{}, key string) (*hospitalapi.Result, error) {
	return r.Create(ctx, res, p, key)
}

func (r *remote) Delete(_ context.Context, _, id string) (*hospitalapi.Result, error) {
	if id == "missing" {
		return nil, hospitalapi.ErrNotFound
	}
	return &hospitalapi.Result{Success: true, RecordID: id, Message: "deleted"}, nil
}

type auditLog []submission.AuditEvent

func (a auditLog) Recent(_ context.Context, kind string, _ int) ([]submission.AuditEvent, error) {
	var out []submission.AuditEvent
	for _, e := range a {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	return out, nil
}

type server struct {
	t      *testing.T
	url    string
	remote *remote
}

func newServer(t *testing.T) *server {
	t.Helper()
	rem := &remote{}
	gw := submission.NewGateway(rem, nil, nil, nil, nil, nil)
	cfg := session.DefaultStoreConfig()
	cfg.Search.Debounce = time.Millisecond
	store := session.NewStore(cfg, doctors{}, gw, nil, nil, nil, nil)
	t.Cleanup(store.Stop)

	audit := auditLog{{ID: "1", Kind: string(forms.KindCashLedger), RecordID: "c-1"}}
	r := chi.NewRouter()
	NewHealthHandler("forms-api", "test", circuitbreaker.NewManager(nil), store.Len).Register(r)
	r.Mount("/api/v1", NewFormsHandler(store, gw, audit, nil).Routes())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &server{t: t, url: srv.URL, remote: rem}
}

func (s *server) do(method, path string, body interface{}, out interface{}) int {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.url+path, &buf)
	require.NoError(s.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(s.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *server) open(form forms.Form) string {
	s.t.Helper()
	var v session.View
	require.Equal(s.t, http.StatusCreated, s.do(http.MethodPost, "/api/v1/forms", OpenRequest{Form: form}, &v))
	return "/api/v1/forms/" + v.ID
}

func TestOpenUnknownForm(t *testing.T) {
	s := newServer(t)
	var e ErrorResponse
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/v1/forms", OpenRequest{Form: "payroll"}, &e))
	assert.Contains(t, e.Error, "unknown form")

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/forms/nope", nil, &e))
}

func TestLedgerSubmitOverHTTP(t *testing.T) {
	s := newServer(t)
	base := s.open(forms.FormLedger)

	var v session.View
	require.Equal(t, http.StatusOK, s.do(http.MethodPut, base+"/category", categoryRequest{Kind: forms.KindCashLedger}, &v))
	assert.Equal(t, forms.KindCashLedger, v.Kind)

	for field, value := range map[string]string{"entryDate": "2024-01-12", "purpose": "Stationery"} {
		require.Equal(t, http.StatusOK, s.do(http.MethodPut, base+"/fields/"+field, valueRequest{Value: value}, nil))
	}

	var e ErrorResponse
	require.Equal(t, http.StatusUnprocessableEntity, s.do(http.MethodPost, base+"/submit", nil, &e))
	require.NotEmpty(t, e.Failures)
	assert.Equal(t, "amount", e.Failures[0].Field)
	assert.Empty(t, s.remote.sent)

	require.Equal(t, http.StatusOK, s.do(http.MethodPut, base+"/fields/amount", valueRequest{Value: "250"}, nil))
	var out submission.Outcome
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, base+"/submit", nil, &out))
	assert.Equal(t, "rec-9", out.RecordID)
	assert.Len(t, s.remote.sent, 1)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, base, nil, nil))
}

func TestRejectionKeepsSession(t *testing.T) {
	s := newServer(t)
	s.remote.reject = "duplicate entry"
	base := s.open(forms.FormLedger)
	require.Equal(t, http.StatusOK, s.do(http.MethodPut, base+"/category", categoryRequest{Kind: forms.KindCashLedger}, nil))
	for field, value := range map[string]string{"entryDate": "2024-01-12", "purpose": "Stationery", "amount": "10"} {
		require.Equal(t, http.StatusOK, s.do(http.MethodPut, base+"/fields/"+field, valueRequest{Value: value}, nil))
	}

	var e ErrorResponse
	assert.Equal(t, http.StatusBadGateway, s.do(http.MethodPost, base+"/submit", nil, &e))
	assert.Equal(t, "duplicate entry", e.Error)

	var v session.View
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, base, nil, &v))
	assert.Equal(t, "10", v.Fields["amount"])
}

func TestSearchSelectAndLock(t *testing.T) {
	s := newServer(t)
	base := s.open(forms.FormAdmission)

	var tok map[string]uint64
	require.Equal(t, http.StatusAccepted, s.do(http.MethodPost, base+"/slots/doctor/query", queryRequest{Text: "Sm"}, &tok))
	assert.NotZero(t, tok["token"])

	var res ResultsResponse
	require.Eventually(t, func() bool {
		s.do(http.MethodGet, base+"/slots/doctor", nil, &res)
		return res.State == search.StateReady
	}, time.Second, 5*time.Millisecond)
	require.Len(t, res.Candidates, 1)

	var e ErrorResponse
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, base+"/slots/doctor/select", SelectRequest{CandidateID: "999"}, &e))
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, base+"/slots/doctor/select", SelectRequest{}, &e))

	var bound session.Bound
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, base+"/slots/doctor/select", SelectRequest{CandidateID: "007"}, &bound))
	assert.Contains(t, bound.Fields, "doctorName")

	assert.Equal(t, http.StatusLocked, s.do(http.MethodPut, base+"/fields/doctorName", valueRequest{Value: "x"}, &e))

	var cleared map[string][]string
	require.Equal(t, http.StatusOK, s.do(http.MethodDelete, base+"/slots/doctor", nil, &cleared))
	assert.Contains(t, cleared["fields"], "doctorName")
	assert.Equal(t, http.StatusLocked, s.do(http.MethodPut, base+"/fields/doctorName", valueRequest{Value: "x"}, &e))
	assert.Contains(t, e.Error, "selecting a reference")
	assert.Equal(t, http.StatusOK, s.do(http.MethodPut, base+"/fields/wardNo", valueRequest{Value: "W-2"}, nil))

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, base+"/slots/ward", nil, &e))
}

func TestBillItems(t *testing.T) {
	s := newServer(t)
	base := s.open(forms.FormBill)

	var out struct {
		Items []session.ItemView `json:"items"`
		Total string             `json:"total"`
	}
	item := map[string]string{"category": "Room", "description": "Ward bed", "quantity": "2", "unitPrice": "50"}
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, base+"/items", item, &out))
	assert.Equal(t, "100", out.Total)

	item["quantity"] = "3"
	require.Equal(t, http.StatusOK, s.do(http.MethodPut, base+"/items/0", item, &out))
	assert.Equal(t, "150", out.Total)

	var e ErrorResponse
	item["quantity"] = "0"
	assert.Equal(t, http.StatusUnprocessableEntity, s.do(http.MethodPost, base+"/items", item, &e))
	assert.Equal(t, "quantity", e.Field)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, base+"/items/5", nil, &e))
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodDelete, base+"/items/x", nil, &e))
	require.Equal(t, http.StatusOK, s.do(http.MethodDelete, base+"/items/0", nil, &out))
	assert.Empty(t, out.Items)
}

func TestDiscardAndDeleteRecord(t *testing.T) {
	s := newServer(t)
	base := s.open(forms.FormMoneyReceipt)
	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, base, nil, nil))
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, base, nil, nil))

	var out submission.Outcome
	require.Equal(t, http.StatusOK, s.do(http.MethodDelete, "/api/v1/records/bill/b-1", nil, &out))
	assert.Equal(t, "b-1", out.RecordID)

	var e ErrorResponse
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, "/api/v1/records/bill/missing", nil, &e))
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodDelete, "/api/v1/records/payroll/x", nil, &e))
}

func TestAuditAndHealth(t *testing.T) {
	s := newServer(t)
	var events []submission.AuditEvent
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/audit?kind=bill", nil, &events))
	assert.Empty(t, events)
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/audit", nil, &events))
	assert.Len(t, events, 1)

	s.open(forms.FormBill)
	var health map[string]interface{}
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health", nil, &health))
	assert.Equal(t, float64(1), health["sessions"])
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/ready", nil, nil))
}
