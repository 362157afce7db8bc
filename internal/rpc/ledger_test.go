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

func methodServer(t *testing.T, results map[string]interface{}) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)

		result, ok := results[req.Method]
		if !ok {
			t.Fatalf("unexpected method %q", req.Method)
		}
		raw, _ := json.Marshal(result)
		json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: raw})
	}))
}

func TestLedgerAdapterPrepareBlockTemplate(t *testing.T) {
	srv := methodServer(t, map[string]interface{}{
		"get_block_template": remoteBlockTemplate{Height: 7, PreviousHash: "deadbeef", Difficulty: 9000, Timestamp: 123},
	})
	defer srv.Close()

	mgr := NewUpstreamManager(context.Background(), config.LedgerConfig{URLs: []string{srv.URL}, Timeout: time.Second})
	adapter := NewLedgerAdapter(mgr)

	tmpl, err := adapter.PrepareBlockTemplate(context.Background(), "addr1recipient", nil)
	if err != nil {
		t.Fatalf("PrepareBlockTemplate() error = %v", err)
	}
	if tmpl.Height != 7 || tmpl.DifficultyTarget != 9000 {
		t.Errorf("PrepareBlockTemplate() = %+v", tmpl)
	}
	if tmpl.CoinbaseRecipient != "addr1recipient" {
		t.Errorf("expected recipient to be threaded through, got %s", tmpl.CoinbaseRecipient)
	}
}

func TestLedgerAdapterLatestHeight(t *testing.T) {
	srv := methodServer(t, map[string]interface{}{"get_info": remoteInfo{Height: 55}})
	defer srv.Close()

	mgr := NewUpstreamManager(context.Background(), config.LedgerConfig{URLs: []string{srv.URL}, Timeout: time.Second})
	adapter := NewLedgerAdapter(mgr)

	height, err := adapter.LatestHeight(context.Background())
	if err != nil {
		t.Fatalf("LatestHeight() error = %v", err)
	}
	if height != 55 {
		t.Errorf("LatestHeight() = %d, want 55", height)
	}
}

func TestMempoolAdapterSnapshot(t *testing.T) {
	srv := methodServer(t, map[string]interface{}{"get_mempool": [][]byte{[]byte("a"), []byte("b")}})
	defer srv.Close()

	mgr := NewUpstreamManager(context.Background(), config.LedgerConfig{URLs: []string{srv.URL}, Timeout: time.Second})
	adapter := NewMempoolAdapter(mgr)

	txs, err := adapter.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(txs) != 2 {
		t.Errorf("expected 2 transactions, got %d", len(txs))
	}
}
