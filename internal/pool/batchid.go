package pool

import (
	"golang.org/x/crypto/sha3"
)

const batchIDTagV1 = "ZKPOOL_BATCH_V1"

// BatchIDV1 computes the deterministic batch id for an ordered member sequence.
//
// Layout:
//
//	membersHash = keccak256(concat(opId_0, ..., opId_n))
//	batchId     = keccak256("ZKPOOL_BATCH_V1" || membersHash)
//
// Member order is significant: it is fixed at formation time (enqueue order) and the
// same sequence always yields the same id, which is what makes batch creation and
// settlement redelivery idempotent.
func BatchIDV1(members [][32]byte) [32]byte {
	if len(members) == 0 {
		return [32]byte{}
	}

	h1 := sha3.NewLegacyKeccak256()
	for i := range members {
		_, _ = h1.Write(members[i][:])
	}
	membersHash := h1.Sum(nil)

	h2 := sha3.NewLegacyKeccak256()
	_, _ = h2.Write([]byte(batchIDTagV1))
	_, _ = h2.Write(membersHash)

	var out [32]byte
	copy(out[:], h2.Sum(nil))
	return out
}
