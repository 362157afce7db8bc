// Package coordinator implements the mining-pool coordinator: a
// block-template cache, a worker registry, and the single-writer
// request dispatcher that serializes share validation, template
// refresh, and round bookkeeping.
package coordinator

import (
	"context"
	"time"
)

// WorkerAddress identifies a worker in the chain's account scheme.
type WorkerAddress string

// CoinbaseRecord is one output of a block's coinbase transaction.
type CoinbaseRecord struct {
	Owner  string
	Amount uint64
	Data   []byte
}

// BlockTemplate is the canonical description of the block a worker
// should attempt to prove. Height is the tip the template targets
// (current ledger tip + 1); DifficultyTarget is the full network
// difficulty the produced block must clear.
type BlockTemplate struct {
	Height            uint64
	DifficultyTarget  uint64
	PreviousHash      []byte
	Transactions      []byte
	CoinbaseRecipient WorkerAddress
	Timestamp         uint64

	// Payload is everything else a worker needs to construct a
	// candidate block, opaque to the coordinator.
	Payload []byte
}

// ProposedBlock is a worker-submitted candidate block.
type ProposedBlock struct {
	Height           uint64
	CoinbaseRecords  []CoinbaseRecord
	Proof            []byte
	DifficultyTarget uint64
}

// BlockValidator asks the block to self-validate its proof-of-work against
// its own (possibly just-restored) DifficultyTarget. The coordinator
// never inspects proof internals beyond this call and the hash
// reduction in §4.E.
type BlockValidator interface {
	SelfValidate(block *ProposedBlock) bool
}

// WorkerInfo is the per-worker bookkeeping row.
type WorkerInfo struct {
	LastSubmitted    time.Time
	ShareDifficulty  uint64
	SharesSinceReset uint64
}

// ProverHandle is an opaque handle forwarded verbatim into
// UnconfirmedBlock submissions; the coordinator never inspects it.
type ProverHandle interface{}

// ProposedBlockRequest asks the coordinator to validate a worker's
// submitted block as a share (and, if it clears full difficulty, as a
// block).
type ProposedBlockRequest struct {
	PeerID string
	Block  *ProposedBlock
	Worker WorkerAddress
	Prover ProverHandle

	// Result, if non-nil, receives the outcome. Callers that don't
	// need a synchronous result may leave it nil.
	Result chan<- ShareOutcome
}

// GetCurrentBlockTemplateRequest asks the coordinator for the
// template currently being mined on.
type GetCurrentBlockTemplateRequest struct {
	PeerID string
	Worker WorkerAddress
}

// BlockHeightClearRequest clears all ShareLedger entries recorded at
// a height, intended to run after that round's shares have been paid
// out (payout itself is out of scope here).
type BlockHeightClearRequest struct {
	Height uint64
}

// ShareOutcome reports what happened to a submitted share.
type ShareOutcome struct {
	Credited bool
	Promoted bool
	Reason   string
}

// request is the tagged-union envelope the dispatcher drains from its
// inbound channel; exactly one field is non-nil per value.
type request struct {
	proposedBlock *ProposedBlockRequest
	getTemplate   *GetCurrentBlockTemplateRequest
	clearHeight   *BlockHeightClearRequest
}

// LedgerReader is the boundary adapter the core reads ledger tip
// height and builds templates from.
type LedgerReader interface {
	LatestHeight(ctx context.Context) (uint64, error)
	PrepareBlockTemplate(ctx context.Context, recipient WorkerAddress, mempool [][]byte) (*BlockTemplate, error)
}

// LedgerRouter accepts newly-promoted blocks for inclusion.
type LedgerRouter interface {
	SubmitUnconfirmedBlock(ctx context.Context, localAddr string, block *ProposedBlock, prover ProverHandle) error
}

// PeersRouter delivers outbound messages (currently only
// BlockTemplate responses) to a specific peer.
type PeersRouter interface {
	SendBlockTemplate(ctx context.Context, peerID string, shareDifficulty uint64, template *BlockTemplate) error
}

// Mempool is a snapshot-only read of unconfirmed transactions.
type Mempool interface {
	Snapshot(ctx context.Context) ([][]byte, error)
}

// ShareStore is the durable, append-only per-block share tally plus
// coinbase archive (§4.A). Implemented by internal/storage.
type ShareStore interface {
	AddShares(height uint64, worker WorkerAddress, n uint64) error
	AddCoinbaseRecord(height uint64, record CoinbaseRecord) error
	RemoveShares(height uint64) error
	ToShares() (map[uint64]map[WorkerAddress]uint64, error)

	// RecordWorkerActivity logs one accepted share towards the
	// rolling hashrate estimate the API surface reports; it is
	// independent of the share ledger itself.
	RecordWorkerActivity(worker WorkerAddress, difficulty uint64) error
}
