package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/alfredjeanlab/stockmesh/internal/ledger"
	"github.com/alfredjeanlab/stockmesh/internal/model"
	"github.com/alfredjeanlab/stockmesh/internal/store"
)

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except GET /v1/health) must include
// a valid Authorization: Bearer <token> header.
func (s *Server) NewHTTPHandler(authToken string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/inventory", s.handleListInventory)
	mux.HandleFunc("GET /v1/inventory/{product_id}", s.handleGetInventory)
	mux.HandleFunc("POST /v1/deltas", s.handleCreateDelta)
	mux.HandleFunc("GET /v1/deltas", s.handleListDeltas)
	mux.HandleFunc("GET /v1/outbox/stats", s.handleOutboxStats)
	mux.HandleFunc("GET /v1/outbox/dead", s.handleDeadOutbox)
	mux.HandleFunc("POST /v1/outbox/{id}/retry", s.handleRetryOutbox)
	mux.HandleFunc("GET /v1/events/stream", s.handleEventStream)
	return AuthMiddleware(authToken, mux)
}

// AuthMiddleware enforces bearer token auth on every route except the health
// check. A constant-time compare keeps the token out of timing side channels.
func AuthMiddleware(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/v1/health" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "invalid authorization scheme")
			return
		}
		provided := strings.TrimPrefix(auth, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus handles GET /v1/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{
		Role:    model.RoleOffline.String(),
		Session: "disconnected",
	}
	if s.status != nil {
		st = s.status()
	}
	st.DeviceID = s.deviceID
	st.SiteID = s.siteID
	st.Uptime = time.Since(s.started).Truncate(time.Second).String()

	if stats, err := s.store.OutboxStats(r.Context()); err == nil {
		st.Outbox = stats
	} else {
		s.logger.Warn("failed to read outbox stats for status", "error", err)
	}
	if deltas, err := s.ledger.Unsynced(r.Context(), 0); err == nil {
		st.UnsyncedDeltas = len(deltas)
	} else {
		s.logger.Warn("failed to count unsynced deltas for status", "error", err)
	}
	if st.Health == "" {
		st.Health = healthFor(st.Session, st.Outbox)
	}
	writeJSON(w, http.StatusOK, st)
}

// healthFor derives the health rollup when the serve wiring did not set one.
// A ready session with no dead letters is healthy; a disconnected session is
// offline; anything in between is degraded.
func healthFor(session string, stats *model.OutboxStats) string {
	switch session {
	case "ready":
		if stats != nil && stats.Dead > 0 {
			return "degraded"
		}
		return "healthy"
	case "disconnected":
		return "offline"
	default:
		return "degraded"
	}
}

// inventoryResponse is one product's quantity as seen by this device.
type inventoryResponse struct {
	ProductID  string    `json:"product_id"`
	Quantity   int64     `json:"quantity"`
	Generation int64     `json:"generation"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// handleListInventory handles GET /v1/inventory.
func (s *Server) handleListInventory(w http.ResponseWriter, r *http.Request) {
	aggs, err := s.store.ListAggregates(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]inventoryResponse, 0, len(aggs))
	for _, a := range aggs {
		out = append(out, inventoryResponse{
			ProductID:  a.ProductID,
			Quantity:   a.Quantity,
			Generation: a.Generation,
			UpdatedAt:  a.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetInventory handles GET /v1/inventory/{product_id}. When no merged
// aggregate exists yet the local ledger sum is reported, so a device that
// has never reached the hub still sees its own stock movements.
func (s *Server) handleGetInventory(w http.ResponseWriter, r *http.Request) {
	productID := r.PathValue("product_id")

	agg, err := s.store.GetAggregate(r.Context(), productID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, inventoryResponse{
			ProductID:  agg.ProductID,
			Quantity:   agg.Quantity,
			Generation: agg.Generation,
			UpdatedAt:  agg.UpdatedAt,
		})
	case errors.Is(err, store.ErrNotFound):
		qty, err := s.ledger.Quantity(r.Context(), productID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, inventoryResponse{
			ProductID: productID,
			Quantity:  qty,
		})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// createDeltaRequest is the body of POST /v1/deltas.
type createDeltaRequest struct {
	ProductID   string `json:"product_id"`
	Change      int64  `json:"change"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"reference_id,omitempty"`
}

// handleCreateDelta handles POST /v1/deltas.
func (s *Server) handleCreateDelta(w http.ResponseWriter, r *http.Request) {
	var req createDeltaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	reason := model.DeltaReason(req.Reason)
	if !reason.IsValid() {
		writeError(w, http.StatusBadRequest, "invalid reason")
		return
	}

	rec, err := s.ledger.Append(r.Context(), ledger.AppendInput{
		ProductID:   req.ProductID,
		Change:      req.Change,
		Reason:      reason,
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.Broadcast("stock.delta", rec)
	writeJSON(w, http.StatusCreated, rec)
}

// handleListDeltas handles GET /v1/deltas. Supports product_id, synced, and
// limit query parameters.
func (s *Server) handleListDeltas(w http.ResponseWriter, r *http.Request) {
	filter := model.DeltaFilter{
		ProductID: r.URL.Query().Get("product_id"),
		Limit:     100,
	}
	if v := r.URL.Query().Get("synced"); v != "" {
		synced := v == "true"
		filter.Synced = &synced
	}

	deltas, err := s.store.ListDeltas(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if deltas == nil {
		deltas = []*model.DeltaRecord{}
	}
	writeJSON(w, http.StatusOK, deltas)
}

// handleOutboxStats handles GET /v1/outbox/stats.
func (s *Server) handleOutboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.OutboxStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleDeadOutbox handles GET /v1/outbox/dead.
func (s *Server) handleDeadOutbox(w http.ResponseWriter, r *http.Request) {
	dead, err := s.store.DeadOutbox(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if dead == nil {
		dead = []*model.OutboxRecord{}
	}
	writeJSON(w, http.StatusOK, dead)
}

// handleRetryOutbox handles POST /v1/outbox/{id}/retry.
func (s *Server) handleRetryOutbox(w http.ResponseWriter, r *http.Request) {
	if s.requeue == nil {
		writeError(w, http.StatusServiceUnavailable, "retry not available")
		return
	}
	id := r.PathValue("id")
	if err := s.requeue(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no dead letter with that id")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
