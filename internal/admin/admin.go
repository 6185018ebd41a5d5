// Package admin provides the HTTP surface for runtime inspection of pool
// state: public health endpoints plus admin endpoints protected by JWT
// bearer tokens.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dskow/pool-core/internal/apierror"
	"github.com/dskow/pool-core/internal/config"
	"github.com/dskow/pool-core/internal/health"
	"github.com/dskow/pool-core/internal/manager"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

// Handler provides the /health, /pools, and /admin endpoints.
type Handler struct {
	mgr      *manager.Manager
	reloader ConfigProvider
	adminCfg config.AdminConfig
	logger   *slog.Logger
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// New creates a new admin Handler.
func New(mgr *manager.Manager, reloader ConfigProvider, adminCfg config.AdminConfig, logger *slog.Logger) *Handler {
	return &Handler{
		mgr:      mgr,
		reloader: reloader,
		adminCfg: adminCfg,
		logger:   logger,
	}
}

// RegisterPublic adds the unauthenticated health endpoints to the mux.
func (h *Handler) RegisterPublic(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/pools", h.pools)
	mux.HandleFunc("/pools/", h.poolHistory)
}

// RegisterAdmin adds the JWT-guarded admin endpoints to the mux. No-op when
// the admin API is disabled.
func (h *Handler) RegisterAdmin(mux *http.ServeMux) {
	if !h.adminCfg.Enabled {
		return
	}
	mux.HandleFunc("/admin/config", h.guard(h.configHandler))
	mux.HandleFunc("/admin/breakers", h.guard(h.breakersHandler))
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody) //nolint:errcheck
}

// pools serves the aggregated health snapshot. A snapshot where every kind
// is unhealthy or circuit-open is reported 503 so upstream load balancers
// see the degradation without parsing the body.
func (h *Handler) pools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method not allowed")
		return
	}

	snap := h.mgr.HealthSnapshot()

	status := http.StatusOK
	if allDegraded(snap) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status": http.StatusText(status),
		"pools":  snap,
		"time":   time.Now().UTC(),
	})
}

// poolHistory serves /pools/{kind}/history — the rolling probe history.
func (h *Handler) poolHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/pools/")
	kind, ok := strings.CutSuffix(rest, "/history")
	if !ok || kind == "" || strings.Contains(kind, "/") {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.UnknownKind, "unknown pool endpoint")
		return
	}

	hist, err := h.mgr.History(kind)
	if err != nil {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.UnknownKind, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind":    kind,
		"history": hist,
	})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.reloader.Current()

	// Shallow copy and redact sensitive fields.
	redacted := *cfg
	if redacted.Admin.JWTSecret != "" {
		redacted.Admin.JWTSecret = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": h.mgr.BreakerStats(),
	})
}

// allDegraded reports whether every configured kind is simultaneously
// unusable (open breaker or unhealthy probe).
func allDegraded(snap map[string]manager.Snapshot) bool {
	if len(snap) == 0 {
		return false
	}
	for _, s := range snap {
		if s.CircuitState == "open" {
			continue
		}
		if s.Health != nil && s.Health.Status == health.StatusUnhealthy {
			continue
		}
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
