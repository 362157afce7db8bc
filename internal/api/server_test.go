package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/zkpool/coordinator/internal/config"
	"github.com/zkpool/coordinator/internal/coordinator"
	"github.com/zkpool/coordinator/internal/storage"
)

type noopReader struct{}

func (noopReader) LatestHeight(ctx context.Context) (uint64, error) { return 0, nil }
func (noopReader) PrepareBlockTemplate(ctx context.Context, recipient coordinator.WorkerAddress, mempool [][]byte) (*coordinator.BlockTemplate, error) {
	return nil, nil
}

type noopRouter struct{}

func (noopRouter) SubmitUnconfirmedBlock(ctx context.Context, localAddr string, block *coordinator.ProposedBlock, prover coordinator.ProverHandle) error {
	return nil
}

type noopPeers struct{}

func (noopPeers) SendBlockTemplate(ctx context.Context, peerID string, shareDifficulty uint64, template *coordinator.BlockTemplate) error {
	return nil
}

type noopMempool struct{}

func (noopMempool) Snapshot(ctx context.Context) ([][]byte, error) { return nil, nil }

type noopValidator struct{}

func (noopValidator) SelfValidate(block *coordinator.ProposedBlock) bool { return true }

type noopNotifier struct{}

func (noopNotifier) NotifyBlockFound(height uint64, finder string) {}

type noopMetrics struct{}

func (noopMetrics) RecordShareSubmission(worker string, difficulty uint64, valid bool) {}
func (noopMetrics) RecordBlockFound(height uint64, finder string)                      {}

func newTestServer(t *testing.T) (*Server, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	store, err := storage.NewRedisShareStore(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("NewRedisShareStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	coord := coordinator.New(
		coordinator.Config{PoolRecipient: "addr1pool"},
		noopReader{}, noopRouter{}, noopPeers{}, noopMempool{},
		store, noopValidator{}, noopNotifier{}, noopMetrics{},
	)

	apiCfg := &config.APIConfig{Bind: ":0", StatsCache: time.Second}
	statsCfg := config.StatsConfig{HashrateWindow: time.Hour, HashrateLargeWindow: 24 * time.Hour}

	return NewServer(apiCfg, statsCfg, store, coord), mr
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleStats(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Workers != 0 {
		t.Errorf("Workers = %d, want 0", resp.Workers)
	}
}

func TestHandleStatsCached(t *testing.T) {
	s, _ := newTestServer(t)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	}

	if s.statsCache == nil {
		t.Error("expected stats cache to be populated after first request")
	}
}

func TestHandleWorkersRequiresAddress(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/workers", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleWorkersInvalidAddress(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/workers?address=not-an-address", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleTemplateNotYetBuilt(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/template", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHandleUpstreamsNoCallback(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/upstreams", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["total"].(float64) != 0 {
		t.Errorf("total = %v, want 0", body["total"])
	}
}

func TestHandleUpstreamsWithCallback(t *testing.T) {
	s, _ := newTestServer(t)
	s.SetUpstreamStateFunc(func() []UpstreamStatus {
		return []UpstreamStatus{
			{URL: "http://a", Healthy: true, Height: 10},
			{URL: "http://b", Healthy: false, Height: 5},
		}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/upstreams", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["healthy"].(float64) != 1 {
		t.Errorf("healthy = %v, want 1", body["healthy"])
	}
}
