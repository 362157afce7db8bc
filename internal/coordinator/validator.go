package coordinator

import (
	"context"

	"github.com/zkpool/coordinator/internal/util"
)

// handleProposedBlock implements the Share Validator (§4.E). It is
// invoked exclusively from the dispatcher goroutine, so it observes no
// interleaved writes to the template cache, worker registry, or share
// store.
func (c *Coordinator) handleProposedBlock(ctx context.Context, req *ProposedBlockRequest) ShareOutcome {
	tmpl := c.template.get()
	if tmpl == nil {
		util.Warnf("[ProposedBlock] no current template exists; dropping submission from %s", req.PeerID)
		return ShareOutcome{Reason: "no current template"}
	}

	block := req.Block

	// Staleness: strictly height == the current template's height, not
	// >=. The template's height is the ledger tip + 1 as of the last
	// refresh; the ledger tip is not re-read here, so a tip advance the
	// refresh timer has not yet picked up is not detected by this check.
	// A future-height submission is rejected the same as a stale one.
	if block.Height != tmpl.Height {
		util.Warnf("[ProposedBlock] peer %s sent a stale candidate block (height %d, want %d)",
			req.PeerID, block.Height, tmpl.Height)
		return ShareOutcome{Reason: "stale submission"}
	}

	// Pool ownership: at least one coinbase output must belong to the
	// template's configured recipient.
	owned := false
	for _, r := range block.CoinbaseRecords {
		if WorkerAddress(r.Owner) == tmpl.CoinbaseRecipient {
			owned = true
			break
		}
	}
	if !owned {
		util.Warnf("[ProposedBlock] peer %s sent a candidate block with an invalid coinbase owner", req.PeerID)
		return ShareOutcome{Reason: "invalid owner"}
	}

	// Proof extraction.
	if len(block.Proof) == 0 {
		util.Warnf("[ProposedBlock] peer %s sent a candidate block with a missing proof", req.PeerID)
		return ShareOutcome{Reason: "missing proof"}
	}

	hashDifficulty := util.Sha256dToUint64(block.Proof)

	// First contact for this worker: default share difficulty is the
	// template's full difficulty times the configured multiplier
	// (50x easier, per spec).
	info := c.registry.getOrInsert(req.Worker, tmpl.DifficultyTarget*c.initialShareMultiplier)

	if hashDifficulty > info.ShareDifficulty {
		util.Warnf("[ProposedBlock] faulty share submitted by %s", req.Worker)
		if c.metrics != nil {
			c.metrics.RecordShareSubmission(string(req.Worker), info.ShareDifficulty, false)
		}
		return ShareOutcome{Reason: "faulty share"}
	}

	// Credit the share. A storage fault is logged but does not fail
	// the handler — shares are a soft credit.
	if err := c.store.AddShares(block.Height, req.Worker, 1); err != nil {
		util.Warnf("[ProposedBlock] failed to credit share for %s at height %d: %v", req.Worker, block.Height, err)
	}
	if err := c.store.RecordWorkerActivity(req.Worker, info.ShareDifficulty); err != nil {
		util.Warnf("[ProposedBlock] failed to record hashrate activity for %s: %v", req.Worker, err)
	}
	if c.metrics != nil {
		c.metrics.RecordShareSubmission(string(req.Worker), info.ShareDifficulty, true)
	}
	c.registry.recordShare(req.Worker)

	util.Debugf("Coordinator credited share %d (%s) - %s / %s",
		block.Height, templateID(tmpl), req.Worker, req.PeerID)

	// Full-difficulty promotion: restore the network difficulty the
	// worker locally swapped out for their easier share target, then
	// ask the block to self-validate under the real target.
	block.DifficultyTarget = tmpl.DifficultyTarget

	if !c.blockValidator.SelfValidate(block) {
		return ShareOutcome{Credited: true, Reason: "share accepted"}
	}

	util.Debugf("Coordinator found unconfirmed block %d (%s)", block.Height, templateID(tmpl))

	for _, r := range block.CoinbaseRecords {
		if err := c.store.AddCoinbaseRecord(block.Height, r); err != nil {
			util.Warnf("could not store coinbase record at height %d: %v", block.Height, err)
		}
	}

	if err := c.ledgerRouter.SubmitUnconfirmedBlock(ctx, c.localAddr, block, req.Prover); err != nil {
		util.Warnf("failed to broadcast mined block at height %d: %v", block.Height, err)
		return ShareOutcome{Credited: true, Reason: "broadcast failed"}
	}

	if c.notifier != nil {
		c.notifier.NotifyBlockFound(block.Height, string(req.Worker))
	}
	if c.metrics != nil {
		c.metrics.RecordBlockFound(block.Height, string(req.Worker))
	}

	return ShareOutcome{Credited: true, Promoted: true, Reason: "block found"}
}

// handleGetCurrentBlockTemplate implements the template-request path
// of §4.E.
func (c *Coordinator) handleGetCurrentBlockTemplate(ctx context.Context, req *GetCurrentBlockTemplateRequest) {
	tmpl := c.template.get()
	if tmpl == nil {
		util.Warnf("[GetCurrentBlockTemplate] no current block template exists")
		return
	}

	info := c.registry.getOrInsert(req.Worker, tmpl.DifficultyTarget*c.initialShareMultiplier)

	if err := c.peersRouter.SendBlockTemplate(ctx, req.PeerID, info.ShareDifficulty, tmpl); err != nil {
		util.Warnf("[GetCurrentBlockTemplate] %v", err)
	}
}

// handleBlockHeightClear implements the round-clear path of §4.E.
func (c *Coordinator) handleBlockHeightClear(req *BlockHeightClearRequest) {
	if err := c.store.RemoveShares(req.Height); err != nil {
		util.Warnf("[BlockHeightClear] %v", err)
	}
}
