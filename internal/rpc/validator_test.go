package rpc

import (
	"testing"

	"github.com/zkpool/coordinator/internal/coordinator"
	"github.com/zkpool/coordinator/internal/util"
)

func TestProofValidatorSelfValidate(t *testing.T) {
	proof := []byte("candidate-proof")
	reduced := util.Sha256dToUint64(proof)

	block := &coordinator.ProposedBlock{Proof: proof, DifficultyTarget: reduced}
	if !(ProofValidator{}).SelfValidate(block) {
		t.Error("SelfValidate() = false, want true when target equals the reduced proof")
	}

	block.DifficultyTarget = reduced - 1
	if reduced > 0 && (ProofValidator{}).SelfValidate(block) {
		t.Error("SelfValidate() = true, want false when target is below the reduced proof")
	}
}
