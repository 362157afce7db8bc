package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func jsonRPCServer(t *testing.T, handler func(method string, params json.RawMessage) (interface{}, *rpcError)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		paramsRaw, _ := json.Marshal(req.Params)
		result, rpcErr := handler(req.Method, paramsRaw)

		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			raw, _ := json.Marshal(result)
			resp.Result = raw
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestClientLatestHeight(t *testing.T) {
	srv := jsonRPCServer(t, func(method string, params json.RawMessage) (interface{}, *rpcError) {
		if method != "get_info" {
			t.Errorf("unexpected method %q", method)
		}
		return remoteInfo{Height: 42}, nil
	})
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	height, err := client.LatestHeight(context.Background())
	if err != nil {
		t.Fatalf("LatestHeight() error = %v", err)
	}
	if height != 42 {
		t.Errorf("LatestHeight() = %d, want 42", height)
	}
}

func TestClientRequestBlockTemplate(t *testing.T) {
	srv := jsonRPCServer(t, func(method string, params json.RawMessage) (interface{}, *rpcError) {
		if method != "get_block_template" {
			t.Errorf("unexpected method %q", method)
		}
		return remoteBlockTemplate{Height: 10, PreviousHash: "abcd", Difficulty: 5000}, nil
	})
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	tmpl, err := client.RequestBlockTemplate(context.Background(), "addr1recipient", nil)
	if err != nil {
		t.Fatalf("RequestBlockTemplate() error = %v", err)
	}
	if tmpl.Height != 10 || tmpl.Difficulty != 5000 {
		t.Errorf("RequestBlockTemplate() = %+v", tmpl)
	}
}

func TestClientSubmitBlockError(t *testing.T) {
	srv := jsonRPCServer(t, func(method string, params json.RawMessage) (interface{}, *rpcError) {
		return nil, &rpcError{Code: -1, Message: "rejected"}
	})
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	err := client.SubmitBlock(context.Background(), "addr1local", 10, []byte("proof"), nil)
	if err == nil {
		t.Fatal("expected error from rejected submission")
	}
}

func TestClientMempoolSnapshot(t *testing.T) {
	srv := jsonRPCServer(t, func(method string, params json.RawMessage) (interface{}, *rpcError) {
		return [][]byte{[]byte("tx1"), []byte("tx2")}, nil
	})
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	txs, err := client.MempoolSnapshot(context.Background())
	if err != nil {
		t.Fatalf("MempoolSnapshot() error = %v", err)
	}
	if len(txs) != 2 {
		t.Errorf("expected 2 transactions, got %d", len(txs))
	}
}
