package rpc

import (
	"context"
	"fmt"

	"github.com/zkpool/coordinator/internal/coordinator"
)

// LedgerAdapter implements coordinator.LedgerReader and
// coordinator.LedgerRouter over an UpstreamManager, translating between
// the coordinator's domain types and the wire shapes in client.go.
type LedgerAdapter struct {
	manager *UpstreamManager
}

// NewLedgerAdapter wraps manager for use by the coordinator.
func NewLedgerAdapter(manager *UpstreamManager) *LedgerAdapter {
	return &LedgerAdapter{manager: manager}
}

// LatestHeight implements coordinator.LedgerReader.
func (a *LedgerAdapter) LatestHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := a.manager.CallWithFailover(func(c *Client) error {
		h, err := c.LatestHeight(ctx)
		if err != nil {
			return err
		}
		height = h
		return nil
	})
	return height, err
}

// PrepareBlockTemplate implements coordinator.LedgerReader.
func (a *LedgerAdapter) PrepareBlockTemplate(ctx context.Context, recipient coordinator.WorkerAddress, mempool [][]byte) (*coordinator.BlockTemplate, error) {
	var tmpl *coordinator.BlockTemplate
	err := a.manager.CallWithFailover(func(c *Client) error {
		remote, err := c.RequestBlockTemplate(ctx, string(recipient), mempool)
		if err != nil {
			return err
		}
		tmpl = &coordinator.BlockTemplate{
			Height:            remote.Height,
			DifficultyTarget:  remote.Difficulty,
			PreviousHash:      []byte(remote.PreviousHash),
			CoinbaseRecipient: recipient,
			Timestamp:         remote.Timestamp,
			Payload:           []byte(remote.Template),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("prepare block template: %w", err)
	}
	return tmpl, nil
}

// SubmitUnconfirmedBlock implements coordinator.LedgerRouter. Only the
// block's height, proof and coinbase records are sent to the node;
// prover is not forwarded.
func (a *LedgerAdapter) SubmitUnconfirmedBlock(ctx context.Context, localAddr string, block *coordinator.ProposedBlock, prover coordinator.ProverHandle) error {
	return a.manager.CallWithFailover(func(c *Client) error {
		return c.SubmitBlock(ctx, localAddr, block.Height, block.Proof, block.CoinbaseRecords)
	})
}

// MempoolAdapter implements coordinator.Mempool over an UpstreamManager.
type MempoolAdapter struct {
	manager *UpstreamManager
}

// NewMempoolAdapter wraps manager for use by the coordinator.
func NewMempoolAdapter(manager *UpstreamManager) *MempoolAdapter {
	return &MempoolAdapter{manager: manager}
}

// Snapshot implements coordinator.Mempool.
func (a *MempoolAdapter) Snapshot(ctx context.Context) ([][]byte, error) {
	var txs [][]byte
	err := a.manager.CallWithFailover(func(c *Client) error {
		snap, err := c.MempoolSnapshot(ctx)
		if err != nil {
			return err
		}
		txs = snap
		return nil
	})
	return txs, err
}
