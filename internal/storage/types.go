// Package storage provides the durable Share Store: per-height share
// tallies, the coinbase archive for promoted blocks, and the
// read-side hashrate/pool statistics the API surface reports.
package storage

// CoinbaseRecord is the durable form of a promoted block's coinbase
// output, archived alongside the round it was credited against.
type CoinbaseRecord struct {
	Height    uint64 `json:"height"`
	Owner     string `json:"owner"`
	Amount    uint64 `json:"amount"`
	Data      []byte `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// WorkerStats summarizes a worker's recent activity for the API
// surface.
type WorkerStats struct {
	Address          string  `json:"address"`
	Hashrate         float64 `json:"hashrate"`
	SharesSinceReset uint64  `json:"shares_since_reset"`
	LastShare        int64   `json:"last_share"`
}

// PoolStats summarizes pool-wide activity for the API surface.
type PoolStats struct {
	Hashrate        float64 `json:"hashrate"`
	Workers         int64   `json:"workers"`
	RoundShares     uint64  `json:"round_shares"`
	BlocksFound     uint64  `json:"blocks_found"`
	LastBlockHeight uint64  `json:"last_block_height"`
	LastBlockFound  int64   `json:"last_block_found"`
}
