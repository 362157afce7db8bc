// Package rpc provides ledger-node communication with multi-upstream
// failover: a JSON-RPC client per upstream, plus a manager that health
// checks them and exposes a single logical connection to the rest of
// the coordinator.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Client speaks JSON-RPC 2.0 to a single ledger node.
type Client struct {
	url       string
	http      *http.Client
	requestID uint64
}

// NewClient constructs a Client bound to url with the given per-call
// timeout.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url:  url,
		http: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      uint64      `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.requestID, 1)

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// remoteBlockTemplate mirrors the wire shape of a ledger node's
// block-template response.
type remoteBlockTemplate struct {
	Height       uint64 `json:"height"`
	PreviousHash string `json:"previous_hash"`
	Difficulty   uint64 `json:"difficulty"`
	Timestamp    uint64 `json:"timestamp"`
	Template     string `json:"template"`
}

type remoteInfo struct {
	Height uint64 `json:"height"`
}

// LatestHeight asks the node for its current chain tip.
func (c *Client) LatestHeight(ctx context.Context) (uint64, error) {
	raw, err := c.call(ctx, "get_info", nil)
	if err != nil {
		return 0, err
	}
	var info remoteInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return 0, fmt.Errorf("decode get_info: %w", err)
	}
	return info.Height, nil
}

// blockTemplateParams are the request params for get_block_template.
type blockTemplateParams struct {
	Recipient string   `json:"recipient"`
	Mempool   [][]byte `json:"mempool,omitempty"`
}

// RequestBlockTemplate asks the node to assemble a new template paying
// recipient, over the given mempool snapshot.
func (c *Client) RequestBlockTemplate(ctx context.Context, recipient string, mempool [][]byte) (*remoteBlockTemplate, error) {
	raw, err := c.call(ctx, "get_block_template", blockTemplateParams{Recipient: recipient, Mempool: mempool})
	if err != nil {
		return nil, err
	}
	var tmpl remoteBlockTemplate
	if err := json.Unmarshal(raw, &tmpl); err != nil {
		return nil, fmt.Errorf("decode get_block_template: %w", err)
	}
	return &tmpl, nil
}

// submitBlockParams are the request params for submit_block.
type submitBlockParams struct {
	LocalAddr string      `json:"local_addr"`
	Height    uint64      `json:"height"`
	Proof     []byte      `json:"proof"`
	Coinbase  interface{} `json:"coinbase"`
}

// SubmitBlock submits a promoted block for inclusion.
func (c *Client) SubmitBlock(ctx context.Context, localAddr string, height uint64, proof []byte, coinbase interface{}) error {
	_, err := c.call(ctx, "submit_block", submitBlockParams{
		LocalAddr: localAddr,
		Height:    height,
		Proof:     proof,
		Coinbase:  coinbase,
	})
	return err
}

// MempoolSnapshot requests pending transaction bytes from the node.
func (c *Client) MempoolSnapshot(ctx context.Context) ([][]byte, error) {
	raw, err := c.call(ctx, "get_mempool", nil)
	if err != nil {
		return nil, err
	}
	var txs [][]byte
	if err := json.Unmarshal(raw, &txs); err != nil {
		return nil, fmt.Errorf("decode get_mempool: %w", err)
	}
	return txs, nil
}
