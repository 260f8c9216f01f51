package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// BlockDetails is the per-block bookkeeping record kept alongside the
// header: chain position, accumulated difficulty and the finality marker.
type BlockDetails struct {
	Number          uint64
	TotalDifficulty *big.Int
	Parent          common.Hash
	IsFinalized     bool
}

// ExtendedHeader pairs a header with the details fork choice needs.
type ExtendedHeader struct {
	Header *types.Header
	// ParentTotalDifficulty is the accumulated difficulty up to but not
	// including this header.
	ParentTotalDifficulty *big.Int
	IsFinalized           bool
}

// TotalDifficulty returns the accumulated difficulty including this header.
func (h *ExtendedHeader) TotalDifficulty() *big.Int {
	return new(big.Int).Add(h.ParentTotalDifficulty, h.Header.Difficulty)
}

// PendingTransition is an epoch-change proof generated during import,
// awaiting finality of its block. Persisted at commit, never deleted.
type PendingTransition struct {
	Proof []byte
}

// EpochTransition records a finalized epoch change for audit: the block
// that signalled it plus the proof that lets a third party re-derive the
// new validator set. Append-only.
type EpochTransition struct {
	BlockHash   common.Hash
	BlockNumber uint64
	Proof       []byte
}
