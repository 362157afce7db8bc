package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zkpool/coordinator/internal/config"
)

func heightServer(height uint64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		result, _ := json.Marshal(remoteInfo{Height: height})
		json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
	}))
}

func failingServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
}

func TestUpstreamManagerSelectsHealthiestByHeight(t *testing.T) {
	low := heightServer(10)
	defer low.Close()
	high := heightServer(20)
	defer high.Close()

	mgr := NewUpstreamManager(context.Background(), config.LedgerConfig{
		URLs:    []string{low.URL, high.URL},
		Timeout: time.Second,
	})
	mgr.checkAll()

	if mgr.Active().url != high.URL {
		t.Errorf("expected manager to select the higher chain tip %s, got %s", high.URL, mgr.Active().url)
	}
}

func TestUpstreamManagerMarksFailingNodeUnhealthy(t *testing.T) {
	bad := failingServer()
	defer bad.Close()

	mgr := NewUpstreamManager(context.Background(), config.LedgerConfig{
		URLs:        []string{bad.URL},
		Timeout:     time.Second,
		MaxFailures: 1,
	})

	mgr.checkAll()
	mgr.checkAll()

	if mgr.HasHealthyUpstream() {
		t.Error("expected no healthy upstreams after repeated failures")
	}
}

func TestUpstreamManagerFailsOverOnCallError(t *testing.T) {
	bad := failingServer()
	defer bad.Close()
	good := heightServer(5)
	defer good.Close()

	mgr := NewUpstreamManager(context.Background(), config.LedgerConfig{
		URLs:    []string{bad.URL, good.URL},
		Timeout: time.Second,
	})
	// bad (index 0) is the active upstream initially; both are healthy.
	mgr.upstreams[0].healthy = true
	mgr.upstreams[1].healthy = true

	var gotHeight uint64
	err := mgr.CallWithFailover(func(c *Client) error {
		h, err := c.LatestHeight(context.Background())
		if err != nil {
			return err
		}
		gotHeight = h
		return nil
	})
	if err != nil {
		t.Fatalf("CallWithFailover() error = %v", err)
	}
	if gotHeight != 5 {
		t.Errorf("expected failover to reach the good upstream, got height %d", gotHeight)
	}
}

func TestUpstreamManagerNoUpstreams(t *testing.T) {
	mgr := NewUpstreamManager(context.Background(), config.LedgerConfig{})
	if mgr.Active() != nil {
		t.Error("expected nil active client with no upstreams configured")
	}
	if mgr.HasHealthyUpstream() {
		t.Error("expected no healthy upstreams with none configured")
	}
}

func TestUpstreamManagerStatesSnapshot(t *testing.T) {
	low := heightServer(10)
	defer low.Close()
	bad := failingServer()
	defer bad.Close()

	mgr := NewUpstreamManager(context.Background(), config.LedgerConfig{
		URLs:        []string{low.URL, bad.URL},
		Timeout:     time.Second,
		MaxFailures: 1,
	})
	mgr.checkAll()

	states := mgr.States()
	if len(states) != 2 {
		t.Fatalf("len(States()) = %d, want 2", len(states))
	}

	byURL := make(map[string]UpstreamState, len(states))
	for _, s := range states {
		byURL[s.URL] = s
	}

	if got := byURL[low.URL]; !got.Healthy || got.Height != 10 {
		t.Errorf("state for healthy upstream = %+v, want Healthy=true Height=10", got)
	}
	if got := byURL[bad.URL]; got.Healthy {
		t.Errorf("state for failing upstream = %+v, want Healthy=false", got)
	}
}
