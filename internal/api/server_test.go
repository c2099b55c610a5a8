package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bardlex/gomp/internal/bitcoin"
	"github.com/bardlex/gomp/internal/identity"
	"github.com/bardlex/gomp/internal/poolstore"
	"github.com/bardlex/gomp/internal/stats"
	"github.com/bardlex/gomp/pkg/log"
)

type fakeRPC struct {
	bitcoin.RPCInterface
	difficulty float64
	height     int64
}

func (f *fakeRPC) GetDifficulty(context.Context) (float64, error) { return f.difficulty, nil }
func (f *fakeRPC) GetBlockCount(context.Context) (int64, error)   { return f.height, nil }

func newTestServer(t *testing.T) (*Server, *poolstore.Store) {
	t.Helper()
	ids := identity.New(identity.KindMiner, identity.KindWorker, identity.KindShare, identity.KindRound, identity.KindPayment)
	store := poolstore.New(ids, poolstore.Limits{})
	logger := log.New("api-test", "test", "error", "text")
	view := stats.New(store, &fakeRPC{difficulty: 50000, height: 500}, stats.Config{}, time.Now(), logger)
	return NewServer("127.0.0.1:0", view, logger), store
}

func seed(t *testing.T, store *poolstore.Store) (minerID int64) {
	t.Helper()
	minerID, err := store.RegisterMiner("alice", "alice", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	workerID, err := store.AddWorker(minerID, "rig1", poolstore.Endpoint{Addr: "10.0.0.1"})
	if err != nil {
		t.Fatalf("add worker: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.RecordShare(poolstore.Share{
			ID: int64(i + 1), MinerID: minerID, WorkerID: workerID,
			JobID: "j", Nonce: string(rune('a' + i)),
			Difficulty: 10000, Timestamp: time.Now(), Valid: true,
		}); err != nil {
			t.Fatalf("record share: %v", err)
		}
	}
	return minerID
}

func get(t *testing.T, server *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPoolStatsEndpoint(t *testing.T) {
	server, store := newTestServer(t)
	seed(t, store)

	rec := get(t, server, "/api/pool/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}

	var payload stats.PoolStats
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.NetworkDifficulty != 50000 || payload.NetworkHeight != 500 {
		t.Errorf("network fields = %v/%v", payload.NetworkDifficulty, payload.NetworkHeight)
	}
	if payload.TotalShares != 3 {
		t.Errorf("total shares = %d", payload.TotalShares)
	}
}

func TestWorkerStatsEndpoint(t *testing.T) {
	server, store := newTestServer(t)
	seed(t, store)

	rec := get(t, server, "/api/pool/worker?address=alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var payload stats.WorkerStats
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Address != "alice" || payload.AcceptedShares != 3 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestWorkerStatsNotFound(t *testing.T) {
	server, _ := newTestServer(t)

	rec := get(t, server, "/api/pool/worker?address=nobody")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["error"] == "" {
		t.Error("missing error field in not-found body")
	}
}

func TestWorkerStatsMissingAddress(t *testing.T) {
	server, _ := newTestServer(t)
	if rec := get(t, server, "/api/pool/worker"); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestBlocksEndpointLimit(t *testing.T) {
	server, store := newTestServer(t)
	minerID := seed(t, store)
	for h := int64(1); h <= 5; h++ {
		store.CloseRound(h, "hash", 100, minerID)
	}

	rec := get(t, server, "/api/pool/blocks?limit=2")
	var blocks []stats.BlockInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &blocks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(blocks) != 2 {
		t.Errorf("got %d blocks, want 2", len(blocks))
	}
}

func TestTopMinersEndpoint(t *testing.T) {
	server, store := newTestServer(t)
	seed(t, store)

	rec := get(t, server, "/api/pool/topminers")
	var standings []stats.MinerStanding
	if err := json.Unmarshal(rec.Body.Bytes(), &standings); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(standings) != 1 || standings[0].Address != "alice" {
		t.Errorf("standings = %+v", standings)
	}
}

func TestHealthAndRoot(t *testing.T) {
	server, _ := newTestServer(t)

	for _, path := range []string{"/health", "/"} {
		rec := get(t, server, path)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
		}
	}

	if rec := get(t, server, "/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/pool/stats", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	server, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/pool/stats", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("OPTIONS status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}
