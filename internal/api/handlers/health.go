package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/medledger/hms-forms/pkg/circuitbreaker"
)

// BreakerStatus reports the circuit breakers guarding the remote API
type BreakerStatus interface {
	GetHealthStatus() []circuitbreaker.HealthStatus
}

// HealthHandler serves liveness and readiness probes
type HealthHandler struct {
	service  string
	version  string
	breakers BreakerStatus
	sessions func() int
}

// NewHealthHandler creates a health handler. sessions may be nil.
func NewHealthHandler(service, version string, breakers BreakerStatus, sessions func() int) *HealthHandler {
	return &HealthHandler{service: service, version: version, breakers: breakers, sessions: sessions}
}

// Register mounts /health and /ready on r
func (h *HealthHandler) Register(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "healthy",
		"service": h.service,
		"version": h.version,
	}
	if h.sessions != nil {
		body["sessions"] = h.sessions()
	}
	writeJSON(w, body, http.StatusOK)
}

type breakerView struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
}

// Ready handles GET /ready. The service is not ready while any breaker
// in front of the hospital API is open.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ready := true
	var views []breakerView
	if h.breakers != nil {
		for _, s := range h.breakers.GetHealthStatus() {
			if s.State == circuitbreaker.StateOpen {
				ready = false
			}
			views = append(views, breakerView{
				Name:     s.Name,
				State:    string(s.State),
				Requests: s.Requests,
				Failures: s.Failures,
			})
		}
	}

	code, status := http.StatusOK, "ready"
	if !ready {
		code, status = http.StatusServiceUnavailable, "not ready"
	}
	writeJSON(w, map[string]interface{}{"status": status, "breakers": views}, code)
}

func writeJSON(w http.ResponseWriter, v interface{}, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
