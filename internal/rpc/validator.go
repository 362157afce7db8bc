package rpc

import (
	"github.com/zkpool/coordinator/internal/coordinator"
	"github.com/zkpool/coordinator/internal/util"
)

// ProofValidator implements coordinator.BlockValidator by reducing a
// candidate block's proof the same way the dispatcher reduces shares
// (§4.E): double-SHA-256, truncated to a uint64, compared against the
// block's (already-restored) full network difficulty.
type ProofValidator struct{}

// SelfValidate implements coordinator.BlockValidator.
func (ProofValidator) SelfValidate(block *coordinator.ProposedBlock) bool {
	return util.Sha256dToUint64(block.Proof) <= block.DifficultyTarget
}
