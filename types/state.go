package types

import (
	"github.com/ethereum/go-ethereum/common"
)

// StateBatch collects state writes destined for one atomic database write.
// The storage package provides the concrete implementation.
type StateBatch interface {
	Put(key, value []byte)
	Delete(key []byte)
}

// State is the handle to the resulting state of an enacted block, produced
// by the external state-transition function. The import pipeline only ever
// journals it into a commit batch and scopes its cache to the fork-choice
// outcome.
type State interface {
	// Root returns the state root after execution.
	Root() common.Hash

	// Journal appends the incremental state diff for the block to the
	// batch. The diff becomes durable with the batch.
	Journal(batch StateBatch, number uint64, hash common.Hash) error

	// SyncCache restricts cached state entries to the canonical chain
	// described by the enacted and retracted sets.
	SyncCache(enacted, retracted []common.Hash, isCanon bool)
}
