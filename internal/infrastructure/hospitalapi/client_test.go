package hospitalapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medledger/hms-forms/internal/domain/reference"
)

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "frontdesk",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newClient(t *testing.T, srv *httptest.Server, access, refresh string) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.AccessToken = access
	cfg.RefreshToken = refresh
	cfg.SearchRate = 0
	c, err := New(cfg, nil, nil, nil, nil)
	require.NoError(t, err)
	return c
}

func TestSearchDecodesCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/doctors/search", r.URL.Path)
		assert.Equal(t, "Sm", r.URL.Query().Get("q"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"data": []map[string]interface{}{
				{"id": 7, "name": "Dr. Smith", "specialization": "Cardiology"},
			},
		})
	}))
	defer srv.Close()

	c := newClient(t, srv, "tok", "")
	got, err := c.Search(context.Background(), reference.CategoryDoctor, "Sm")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "7", got[0].ID)
	assert.Equal(t, "Cardiology", got[0].Field(reference.FieldSpecialization))
	_, hasID := got[0].Fields["id"]
	assert.False(t, hasID)
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]reference.Candidate
}

func (m *memCache) Get(_ context.Context, c reference.Category, q string) ([]reference.Candidate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[string(c)+"|"+q]
	return v, ok
}

func (m *memCache) Put(_ context.Context, c reference.Category, q string, v []reference.Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(c)+"|"+q] = v
}

func TestSearchServedFromCache(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"data":    []map[string]interface{}{{"id": "p-1", "name": "Ann", "phone": "017"}},
		})
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	c, err := New(cfg, nil, &memCache{data: map[string][]reference.Candidate{}}, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := c.Search(context.Background(), reference.CategoryPatient, "Ann")
		require.NoError(t, err)
		require.Len(t, got, 1)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestCreateSendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/bills", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a-42", body["admissionId"])

		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"success": true,
			"message": "Bill created",
			"data":    map[string]interface{}{"id": "b-9"},
		})
	}))
	defer srv.Close()

	c := newClient(t, srv, "", "")
	res, err := c.Create(context.Background(), "bills", map[string]interface{}{"admissionId": "a-42"}, "key-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "b-9", res.RecordID)
	assert.Equal(t, "Bill created", res.Message)
}

func TestRejectionIsResultNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"success": false,
			"message": "Admission already discharged",
		})
	}))
	defer srv.Close()

	c := newClient(t, srv, "", "")
	for i := 0; i < 10; i++ {
		res, err := c.Update(context.Background(), "admissions", "a-1", map[string]interface{}{}, "")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "Admission already discharged", res.Message)
	}
	assert.True(t, c.writes.IsClosed())
}

func TestServerErrorsTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newClient(t, srv, "", "")
	var se *StatusError
	for i := 0; i < 5; i++ {
		_, err := c.Delete(context.Background(), "ledgers/cash", "c-1")
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	}
	assert.True(t, c.writes.IsOpen())
}

func TestSearchOutageTripsReadBreaker(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newClient(t, srv, "", "")
	var se *StatusError
	for i := 0; i < 5; i++ {
		_, err := c.Search(context.Background(), reference.CategoryDoctor, "smi")
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	}
	assert.True(t, c.reads.IsOpen())

	for i := 0; i < 5; i++ {
		_, err := c.Search(context.Background(), reference.CategoryDoctor, "smi")
		assert.Error(t, err)
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
}

func TestSearchRejectedEnvelopeKeepsBreakerClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "message": "query too short"})
	}))
	defer srv.Close()

	c := newClient(t, srv, "", "")
	var se *StatusError
	for i := 0; i < 6; i++ {
		_, err := c.Search(context.Background(), reference.CategoryDoctor, "s")
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "query too short", se.Message)
	}
	assert.False(t, c.reads.IsOpen())
}

func TestUnauthorizedRefreshesOnce(t *testing.T) {
	fresh := signed(t, time.Now().Add(time.Hour))
	var refreshes, calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/refresh" {
			atomic.AddInt32(&refreshes, 1)
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "refresh-1", body["refreshToken"])
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"success": true,
				"data":    map[string]string{"accessToken": fresh, "refreshToken": "refresh-2"},
			})
			return
		}
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer "+fresh {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": map[string]interface{}{"id": "a-1", "wardNo": "W2"}})
	}))
	defer srv.Close()

	c := newClient(t, srv, "stale", "refresh-1")
	rec, err := c.Get(context.Background(), "admissions", "a-1")
	require.NoError(t, err)
	assert.Equal(t, "W2", rec.String("wardNo"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshes))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestUnauthorizedAfterRefreshSurfaces(t *testing.T) {
	var refreshes int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/refresh" {
			atomic.AddInt32(&refreshes, 1)
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"success": true,
				"data":    map[string]string{"accessToken": "still-bad"},
			})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newClient(t, srv, "stale", "refresh-1")
	_, err := c.Create(context.Background(), "admissions", map[string]interface{}{}, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshes))
	assert.True(t, c.writes.IsClosed())
}

func TestGetNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false, "message": "no such admission"})
	}))
	defer srv.Close()

	c := newClient(t, srv, "", "")
	_, err := c.Get(context.Background(), "admissions", "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTokenProactiveRefresh(t *testing.T) {
	now := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	expiring := signed(t, now.Add(10*time.Second))
	renewed := signed(t, now.Add(time.Hour))

	var exchanged int
	ts := NewTokenSource(expiring, "r-1", func(ctx context.Context, refresh string) (string, string, error) {
		exchanged++
		return renewed, "", nil
	}, nil)
	ts.now = func() time.Time { return now }

	tok, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, renewed, tok)
	assert.Equal(t, 1, exchanged)

	tok, err = ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, renewed, tok)
	assert.Equal(t, 1, exchanged)
}

func TestRefreshRaceSingleExchange(t *testing.T) {
	var exchanged int
	ts := NewTokenSource("opaque", "r-1", func(ctx context.Context, refresh string) (string, string, error) {
		exchanged++
		return "next", "", nil
	}, nil)

	a, err := ts.Refresh(context.Background(), "opaque")
	require.NoError(t, err)
	b, err := ts.Refresh(context.Background(), "opaque")
	require.NoError(t, err)
	assert.Equal(t, "next", a)
	assert.Equal(t, "next", b)
	assert.Equal(t, 1, exchanged)
}

func TestRefreshWithoutToken(t *testing.T) {
	ts := NewTokenSource("opaque", "", nil, nil)
	_, err := ts.Refresh(context.Background(), "opaque")
	assert.ErrorIs(t, err, ErrNoRefresh)
}
