// Package engine defines the consensus engine surface used by the block
// import pipeline, together with the contract-backed validator set that
// governs proof-of-authority epochs.
package engine

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/openethereum/oe-go/types"
)

var (
	// ErrInsufficientProof marks an epoch proof that does not prove what it
	// claims.
	ErrInsufficientProof = errors.New("insufficient epoch proof")
	// ErrFailedSystemCall marks a failed read-only consensus-contract call.
	ErrFailedSystemCall = errors.New("failed system call")
	// ErrInvalidEngine marks an engine that claims to need more data than
	// is ever supplied. This is an implementation bug, not a chain fault.
	ErrInvalidEngine = errors.New("invalid engine implementation")
	// ErrTemporarilyInvalid marks a verdict that may change as time
	// passes, such as a seal from a slightly future step. Blocks carrying
	// it are retried rather than condemned.
	ErrTemporarilyInvalid = errors.New("temporarily invalid")
	// ErrUnauthorizedSealer marks a seal by an address outside the
	// validator set.
	ErrUnauthorizedSealer = errors.New("sealer not in validator set")
	// ErrInvalidSeal marks a structurally broken seal.
	ErrInvalidSeal = errors.New("invalid seal")
)

// Call performs a read-only contract call against some fixed state.
type Call func(addr common.Address, data []byte) ([]byte, error)

// ProvingCall is a Call that additionally returns the raw trie nodes read
// while executing, so the result can be re-verified without the full state.
type ProvingCall func(addr common.Address, data []byte) ([]byte, [][]byte, error)

// SystemCall performs a contract call with system privileges during block
// processing.
type SystemCall func(addr common.Address, data []byte) ([]byte, error)

// Machine is the slice of the external state-transition function the
// engine needs: replaying a read-only call against a detached set of trie
// nodes claimed to back it.
type Machine interface {
	// ExecuteProvedCall runs the call against exactly the supplied state
	// items under the given header's state root. It fails if the items do
	// not prove the execution.
	ExecuteProvedCall(header *ethtypes.Header, stateItems [][]byte, addr common.Address, data []byte) ([]byte, error)
}

// TransactionSender submits self-transactions on behalf of the local
// validator, used for malicious-behavior reports.
type TransactionSender interface {
	LatestNonce(addr common.Address) uint64
	// SendTransaction submits a contract call transaction. It returns
	// ErrNonceUsed when the nonce was already consumed.
	SendTransaction(to common.Address, data []byte, nonce uint64) error
}

// ErrNonceUsed signals that a submitted transaction reused a stale nonce
// and should be retried with a higher one.
var ErrNonceUsed = errors.New("transaction nonce already used")

// AuxiliaryData is extra block data optionally available to epoch-end
// detection. Receipts are nil until execution has produced them.
type AuxiliaryData struct {
	Bytes    []byte
	Receipts ethtypes.Receipts
}

// EpochSignal classifies an epoch-end check.
type EpochSignal int

const (
	// SignalNo: the block does not end an epoch.
	SignalNo EpochSignal = iota
	// SignalYes: the block ends an epoch and a proof is available or can
	// be generated.
	SignalYes
	// SignalNeedReceipts: cannot decide without the block's receipts.
	SignalNeedReceipts
)

// EpochChange is the result of SignalsEpochEnd. For SignalYes either Proof
// is set (known proof) or GenerateProof is non-nil (state-proof
// obligation to be discharged against the block's own state).
type EpochChange struct {
	Signal        EpochSignal
	Proof         []byte
	GenerateProof func(ProvingCall) ([]byte, error)
}

// EngineTransaction is a contract call the engine wants included when the
// local node seals a block.
type EngineTransaction struct {
	To   common.Address
	Data []byte
}

// Ancestry walks headers from some starting block toward genesis.
type Ancestry interface {
	Next() *types.ExtendedHeader
}

// Engine is the consensus engine consulted at every verification stage and
// at commit time. Implementations are stateless with respect to chain
// data: anything state-dependent arrives as an explicit argument.
type Engine interface {
	Name() string

	// VerifyBasic runs the cheapest structural header checks, at queue
	// ingress.
	VerifyBasic(header *ethtypes.Header) error

	// VerifyUnordered runs stateless seal-shape checks, on the worker pool.
	VerifyUnordered(header *ethtypes.Header) error

	// VerifyFamily checks the header against its parent.
	VerifyFamily(header, parent *ethtypes.Header) error

	// VerifyExternal fully verifies the seal. The caller reads the state
	// the validator set was defined by.
	VerifyExternal(header *ethtypes.Header, caller Call) error

	// ForkChoice picks between a freshly imported block and the current
	// best block.
	ForkChoice(newHeader, best *types.ExtendedHeader) types.ForkChoice

	// SignalsEpochEnd checks whether the block ends an epoch. first marks
	// the first block governed by the consensus contract.
	SignalsEpochEnd(first bool, header *ethtypes.Header, aux AuxiliaryData) EpochChange

	// IsEpochEnd decides, given freshly finalized blocks, whether an epoch
	// transition can now be committed, returning its proof.
	IsEpochEnd(chainHead *ethtypes.Header, finalized []common.Hash, pendingOf func(common.Hash) (types.PendingTransition, bool)) []byte

	// EpochSet recovers the validator set from an epoch proof.
	EpochSet(first bool, machine Machine, number uint64, proof []byte) (*types.ValidatorList, common.Hash, error)

	// OnEpochBegin runs the engine's start-of-epoch bookkeeping with
	// system privileges.
	OnEpochBegin(first bool, header *ethtypes.Header, caller SystemCall) error

	// OnCloseBlock runs end-of-block bookkeeping for the local sealer.
	OnCloseBlock(header *ethtypes.Header, ourAddress common.Address, caller Call, sender TransactionSender) error

	// AncestryActions returns hashes of ancestors whose finality is now
	// decided by the imported header.
	AncestryActions(header *ethtypes.Header, ancestry Ancestry, validatorCount int) []common.Hash

	// GenesisEpochData produces the epoch proof for the genesis block.
	GenesisEpochData(header *ethtypes.Header, caller ProvingCall) ([]byte, error)

	// GenerateEngineTransactions returns contract calls to include when
	// sealing on top of the given header.
	GenerateEngineTransactions(first bool, header *ethtypes.Header, caller SystemCall) ([]EngineTransaction, error)
}

func systemCallError(err error) error {
	return fmt.Errorf("%w: %v", ErrFailedSystemCall, err)
}
