package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alfredjeanlab/stockmesh/internal/ledger"
	"github.com/alfredjeanlab/stockmesh/internal/model"
	"github.com/alfredjeanlab/stockmesh/internal/store/storetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, *storetest.MemStore) {
	t.Helper()
	st := storetest.New()
	l := ledger.New(st, "dev-1", testLogger())
	srv := New(st, l, Options{
		DeviceID: "dev-1",
		SiteID:   "site-1",
		Status: func() Status {
			return Status{Role: "secondary", Term: 2, Leader: "dev-2", Session: "ready"}
		},
		Requeue: func(ctx context.Context, id string) error {
			return st.RequeueOutbox(ctx, id, time.Now().UTC())
		},
	}, testLogger())
	return srv, st
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.NewHTTPHandler("")

	w := doJSON(t, h, http.MethodGet, "/v1/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.NewHTTPHandler("sekrit")

	// Health is exempt.
	if w := doJSON(t, h, http.MethodGet, "/v1/health", ""); w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}

	// Everything else requires the bearer token.
	if w := doJSON(t, h, http.MethodGet, "/v1/status", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("good token status = %d", w.Code)
	}
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.NewHTTPHandler("")

	// One movement recorded but not yet confirmed by the hub.
	if _, err := srv.ledger.Append(context.Background(), ledger.AppendInput{
		ProductID: "prod-1", Change: -1, Reason: model.ReasonSale,
	}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	w := doJSON(t, h, http.MethodGet, "/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("body does not parse: %v", err)
	}
	if st.Role != "secondary" || st.Leader != "dev-2" || st.DeviceID != "dev-1" {
		t.Errorf("unexpected status: %+v", st)
	}
	if st.Health != "healthy" {
		t.Errorf("health = %q, want healthy", st.Health)
	}
	if st.Outbox == nil {
		t.Error("expected outbox stats in status")
	}
	if st.UnsyncedDeltas != 1 {
		t.Errorf("unsynced deltas = %d, want 1", st.UnsyncedDeltas)
	}
}

func TestHealthFor(t *testing.T) {
	tests := []struct {
		session string
		dead    int
		want    string
	}{
		{"ready", 0, "healthy"},
		{"ready", 3, "degraded"},
		{"handshaking", 0, "degraded"},
		{"connecting", 0, "degraded"},
		{"disconnected", 0, "offline"},
	}
	for _, tt := range tests {
		got := healthFor(tt.session, &model.OutboxStats{Dead: tt.dead})
		if got != tt.want {
			t.Errorf("healthFor(%q, dead=%d) = %q, want %q", tt.session, tt.dead, got, tt.want)
		}
	}
}

func TestCreateDelta(t *testing.T) {
	srv, st := newTestServer(t)
	h := srv.NewHTTPHandler("")

	w := doJSON(t, h, http.MethodPost, "/v1/deltas",
		`{"product_id":"prod-1","change":-2,"reason":"sale","reference_id":"sale-9"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var rec model.DeltaRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("body does not parse: %v", err)
	}
	if rec.Change != -2 || rec.OriginSequence != 1 {
		t.Errorf("unexpected record: %+v", rec)
	}

	// The write is durable and queued.
	stats, err := st.OutboxStats(context.Background())
	if err != nil {
		t.Fatalf("OutboxStats failed: %v", err)
	}
	if stats.Pending != 1 {
		t.Errorf("pending = %d, want 1", stats.Pending)
	}
}

func TestCreateDeltaValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.NewHTTPHandler("")

	if w := doJSON(t, h, http.MethodPost, "/v1/deltas", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", w.Code)
	}
	if w := doJSON(t, h, http.MethodPost, "/v1/deltas",
		`{"product_id":"prod-1","change":1,"reason":"banana"}`); w.Code != http.StatusBadRequest {
		t.Errorf("bad reason status = %d", w.Code)
	}
	if w := doJSON(t, h, http.MethodPost, "/v1/deltas",
		`{"change":1,"reason":"sale"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing product status = %d", w.Code)
	}
}

func TestGetInventory(t *testing.T) {
	srv, st := newTestServer(t)
	h := srv.NewHTTPHandler("")
	ctx := context.Background()

	// With a merged aggregate, its absolute value wins.
	if err := st.UpsertAggregate(ctx, &model.Aggregate{
		ProductID: "prod-1", Quantity: -4, Generation: 7, UpdatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("UpsertAggregate failed: %v", err)
	}

	w := doJSON(t, h, http.MethodGet, "/v1/inventory/prod-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var inv inventoryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &inv); err != nil {
		t.Fatalf("body does not parse: %v", err)
	}
	if inv.Quantity != -4 || inv.Generation != 7 {
		t.Errorf("unexpected inventory: %+v", inv)
	}

	// Without an aggregate, the local ledger sum is reported.
	doJSON(t, h, http.MethodPost, "/v1/deltas",
		`{"product_id":"prod-2","change":3,"reason":"receive"}`)
	w = doJSON(t, h, http.MethodGet, "/v1/inventory/prod-2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &inv); err != nil {
		t.Fatalf("body does not parse: %v", err)
	}
	if inv.Quantity != 3 || inv.Generation != 0 {
		t.Errorf("unexpected fallback inventory: %+v", inv)
	}
}

func TestOutboxStatsAndRetry(t *testing.T) {
	srv, st := newTestServer(t)
	h := srv.NewHTTPHandler("")
	ctx := context.Background()

	doJSON(t, h, http.MethodPost, "/v1/deltas",
		`{"product_id":"prod-1","change":-1,"reason":"sale"}`)

	// Kill the record.
	pending, _ := st.PendingOutbox(ctx, 1, time.Now().UTC())
	if err := st.FailOutbox(ctx, pending[0].ID, "unknown entity", time.Now().UTC(), true); err != nil {
		t.Fatalf("FailOutbox failed: %v", err)
	}

	w := doJSON(t, h, http.MethodGet, "/v1/outbox/stats", "")
	var stats model.OutboxStats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("stats do not parse: %v", err)
	}
	if stats.Dead != 1 {
		t.Errorf("dead = %d, want 1", stats.Dead)
	}

	w = doJSON(t, h, http.MethodGet, "/v1/outbox/dead", "")
	var dead []*model.OutboxRecord
	if err := json.Unmarshal(w.Body.Bytes(), &dead); err != nil {
		t.Fatalf("dead list does not parse: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("dead list length = %d", len(dead))
	}

	if w := doJSON(t, h, http.MethodPost, "/v1/outbox/"+dead[0].ID+"/retry", ""); w.Code != http.StatusOK {
		t.Errorf("retry status = %d: %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, h, http.MethodPost, "/v1/outbox/ob-missing/retry", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing retry status = %d", w.Code)
	}
}

func TestSSEHubReplay(t *testing.T) {
	h := newSSEHub()
	h.broadcast("stock.delta", []byte(`{"n":1}`))
	h.broadcast("stock.push", []byte(`{"n":2}`))
	h.broadcast("stock.delta", []byte(`{"n":3}`))

	evts := h.eventsSince(1)
	if len(evts) != 2 {
		t.Fatalf("replay length = %d, want 2", len(evts))
	}
	if evts[0].ID != 2 || evts[1].ID != 3 {
		t.Errorf("replay ids = %d, %d", evts[0].ID, evts[1].ID)
	}
}

func TestMatchTopicPattern(t *testing.T) {
	for _, tc := range []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"stock.delta", "stock.delta", true},
		{"stock.*", "stock.delta", true},
		{"stock.*", "stock.push", true},
		{"stock.*", "election.role", false},
		{">", "anything.at.all", true},
		{"stock.>", "stock.delta.detail", true},
		{"stock.delta", "stock.push", false},
	} {
		if got := matchTopicPattern(tc.pattern, tc.topic); got != tc.want {
			t.Errorf("matchTopicPattern(%q, %q) = %v, want %v", tc.pattern, tc.topic, got, tc.want)
		}
	}
}
