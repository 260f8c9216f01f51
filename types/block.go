package types

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

var (
	ErrEmptyBlock   = errors.New("empty block bytes")
	ErrMissingSeal  = errors.New("header seal missing")
	ErrZeroGasLimit = errors.New("zero gas limit")
)

// extBlock is the RLP wire layout of a complete block.
type extBlock struct {
	Header *types.Header
	Txs    []*types.Transaction
	Uncles []*types.Header
}

// UnverifiedBlock is a block as it arrives off the wire: decoded header,
// raw bytes and the handful of fields the queue needs before any real
// verification has run. It exists only between ingestion and the first
// verification stage.
type UnverifiedBlock struct {
	Header *types.Header
	Uncles []*types.Header
	// Transactions are still raw at this stage; they are decoded along with
	// the rest of the body but signatures have not been checked.
	Transactions []*types.Transaction
	// Bytes is the full RLP encoding the block arrived as.
	Bytes []byte
}

// NewUnverifiedBlock decodes the raw RLP of a block. Only structural
// well-formedness is checked here; everything else is the queue's job.
func NewUnverifiedBlock(data []byte) (*UnverifiedBlock, error) {
	if len(data) == 0 {
		return nil, ErrEmptyBlock
	}
	var ext extBlock
	if err := rlp.DecodeBytes(data, &ext); err != nil {
		return nil, fmt.Errorf("block decode: %w", err)
	}
	return &UnverifiedBlock{
		Header:       ext.Header,
		Uncles:       ext.Uncles,
		Transactions: ext.Txs,
		Bytes:        data,
	}, nil
}

// EncodeBlock produces the wire encoding for a header and its body.
func EncodeBlock(header *types.Header, txs []*types.Transaction, uncles []*types.Header) ([]byte, error) {
	return rlp.EncodeToBytes(&extBlock{Header: header, Txs: txs, Uncles: uncles})
}

// Hash returns the header hash, the block's identity everywhere else in the
// pipeline.
func (b *UnverifiedBlock) Hash() common.Hash { return b.Header.Hash() }

// RawHash hashes the undecoded bytes. Used to track bad blocks whose header
// may not even decode consistently.
func (b *UnverifiedBlock) RawHash() common.Hash { return crypto.Keccak256Hash(b.Bytes) }

func (b *UnverifiedBlock) ParentHash() common.Hash { return b.Header.ParentHash }

func (b *UnverifiedBlock) Number() uint64 { return b.Header.Number.Uint64() }

func (b *UnverifiedBlock) Difficulty() *big.Int { return b.Header.Difficulty }

// MemUsage approximates the heap held by the block, for queue back-pressure
// accounting.
func (b *UnverifiedBlock) MemUsage() int { return len(b.Bytes) + 1024 }

// PreverifiedBlock has passed every check that does not require the parent
// state: structural sanity, seal shape and transaction signatures. Senders
// are recovered and cached on the transactions.
type PreverifiedBlock struct {
	Header       *types.Header
	Uncles       []*types.Header
	Transactions []*types.Transaction
	Bytes        []byte
}

func (b *PreverifiedBlock) Hash() common.Hash { return b.Header.Hash() }

func (b *PreverifiedBlock) ParentHash() common.Hash { return b.Header.ParentHash }

func (b *PreverifiedBlock) Number() uint64 { return b.Header.Number.Uint64() }

func (b *PreverifiedBlock) Difficulty() *big.Int { return b.Header.Difficulty }

func (b *PreverifiedBlock) MemUsage() int { return len(b.Bytes) + 1024 }

// LockedBlock is the product of enacting a PreverifiedBlock on top of its
// parent state: receipts, the resulting state and the header as computed by
// execution. It is transient and consumed by commit.
type LockedBlock struct {
	// Header is the header as received, sealed.
	Header *types.Header
	// ComputedHeader carries the post-execution roots (state, receipts,
	// logs bloom, gas used) for final verification against Header.
	ComputedHeader *types.Header
	Transactions   []*types.Transaction
	Uncles         []*types.Header
	Receipts       types.Receipts
	Bytes          []byte
	// State is the resulting state, ready to journal its diff at commit.
	State State
}

func (b *LockedBlock) Hash() common.Hash { return b.Header.Hash() }

// StripReceiptOutcomes drops the per-receipt outcome field (post-state /
// status) from the computed receipts. Chains before the receipts validation
// transition allowed the outcome to disagree with the sealed header.
func (b *LockedBlock) StripReceiptOutcomes() {
	for _, r := range b.Receipts {
		r.PostState = nil
		r.Status = types.ReceiptStatusSuccessful
	}
}
