package client

import (
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/openethereum/oe-go/engine"
	"github.com/openethereum/oe-go/types"
)

// StateMachine is the externally supplied state-transition function. The
// import pipeline never executes transactions itself; it hands blocks to
// the machine and commits what comes back.
type StateMachine interface {
	engine.Machine

	// Enact executes the block on top of the parent's state. lastHashes
	// are the up-to-256 most recent ancestor hashes, most recent first.
	Enact(block *types.PreverifiedBlock, parent *ethtypes.Header, lastHashes []common.Hash) (*types.LockedBlock, error)

	// Call runs a read-only contract call against the committed state at
	// blockHash.
	Call(blockHash common.Hash, addr common.Address, data []byte) ([]byte, error)

	// ProvingCall is Call returning also the raw trie nodes read, against
	// the committed state at blockHash.
	ProvingCall(blockHash common.Hash, addr common.Address, data []byte) ([]byte, [][]byte, error)

	// ProvingCallOn runs a proving call against a not-yet-committed state,
	// as produced by Enact. Used to discharge state-proof obligations
	// against the signalling block's own state.
	ProvingCallOn(state types.State, header *ethtypes.Header, addr common.Address, data []byte) ([]byte, [][]byte, error)

	// SystemCallOn runs a contract call with system privileges against a
	// not-yet-committed state, as produced by Enact. Used for the engine's
	// start-of-epoch bookkeeping on the first block of an epoch.
	SystemCallOn(state types.State, header *ethtypes.Header, addr common.Address, data []byte) ([]byte, error)

	// PruneAncient drops state journal entries for blocks below
	// keepBefore. Best effort; failures are logged, not fatal.
	PruneAncient(batch types.StateBatch, keepBefore uint64) error
}
