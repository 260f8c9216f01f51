package engine

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openethereum/oe-go/log"
	"github.com/openethereum/oe-go/types"
)

// validatorSetABI is the interface of the validator set contract. The
// InitiateChange event announces a pending set change keyed by the parent
// hash of the emitting block.
const validatorSetABI = `[
	{"constant":true,"inputs":[],"name":"getValidators","outputs":[{"name":"","type":"address[]"}],"type":"function"},
	{"constant":false,"inputs":[],"name":"finalizeChange","outputs":[],"type":"function"},
	{"constant":false,"inputs":[],"name":"emitInitiateChange","outputs":[],"type":"function"},
	{"constant":true,"inputs":[],"name":"emitInitiateChangeCallable","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"_validator","type":"address"},{"name":"_blockNumber","type":"uint256"},{"name":"_proof","type":"bytes"}],"name":"reportMalicious","outputs":[],"type":"function"},
	{"constant":true,"inputs":[{"name":"_reportingValidator","type":"address"},{"name":"_maliciousValidator","type":"address"},{"name":"_blockNumber","type":"uint256"}],"name":"shouldValidatorReport","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"parentHash","type":"bytes32"},{"indexed":false,"name":"newSet","type":"address[]"}],"name":"InitiateChange","type":"event"}
]`

// memoizedSets is the per-state-hash validator set cache size.
const memoizedSets = 500

// SafeContractConfig carries the chain-spec parameters of the validator
// set contract.
type SafeContractConfig struct {
	// ContractAddress is where the validator set contract lives.
	ContractAddress common.Address
	// FixValidatorSetTransition is the block from which, when several
	// InitiateChange events appear in one block, the chronologically last
	// one wins. Before it the buggy historical selection is kept for
	// replay compatibility.
	FixValidatorSetTransition uint64
	// PosdaoTransition, when set, is the block from which POSDAO engine
	// transactions replace service transactions. Reports are held back
	// before it.
	PosdaoTransition *uint64
}

// ValidatorSafeContract resolves the validator set by calling
// getValidators() on a contract, memoizing results per state hash, and
// watches for InitiateChange events signalling epoch ends.
type ValidatorSafeContract struct {
	cfg SafeContractConfig
	abi abi.ABI

	// sets memoizes getValidators results keyed by the block hash whose
	// state answered the call.
	sets *lru.Cache[common.Hash, *types.ValidatorList]

	pending reportQueue
	// resentReportsInBlock is the height reports were last resubmitted at.
	resentMu             sync.Mutex
	resentReportsInBlock uint64

	lg log.Logger
}

// NewValidatorSafeContract builds a validator set backed by the contract
// at cfg.ContractAddress.
func NewValidatorSafeContract(cfg SafeContractConfig, lg log.Logger) *ValidatorSafeContract {
	parsed, err := abi.JSON(strings.NewReader(validatorSetABI))
	if err != nil {
		panic(fmt.Sprintf("invalid validator set abi: %v", err))
	}
	sets, _ := lru.New[common.Hash, *types.ValidatorList](memoizedSets)
	return &ValidatorSafeContract{
		cfg:  cfg,
		abi:  parsed,
		sets: sets,
		lg:   lg,
	}
}

// Address returns the contract address.
func (v *ValidatorSafeContract) Address() common.Address {
	return v.cfg.ContractAddress
}

// GetList returns the validator set as of the state at blockHash,
// consulting the memoization cache first. The cache only ever moves from
// absent to present for a given hash, so reads are monotonic.
func (v *ValidatorSafeContract) GetList(blockHash common.Hash, caller Call) (*types.ValidatorList, error) {
	if list, ok := v.sets.Get(blockHash); ok {
		return list, nil
	}
	list, err := v.fetchList(caller)
	if err != nil {
		return nil, err
	}
	v.lg.Debug(log.EngineModule, "fetched validator set", "state", blockHash, "count", list.Count())
	v.sets.Add(blockHash, list)
	return list, nil
}

func (v *ValidatorSafeContract) fetchList(caller Call) (*types.ValidatorList, error) {
	data, err := v.abi.Pack("getValidators")
	if err != nil {
		return nil, err
	}
	out, err := caller(v.cfg.ContractAddress, data)
	if err != nil {
		return nil, systemCallError(err)
	}
	decoded, err := v.abi.Unpack("getValidators", out)
	if err != nil {
		return nil, fmt.Errorf("%w: bad getValidators output: %v", ErrFailedSystemCall, err)
	}
	addrs, ok := decoded[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("%w: getValidators returned non-address list", ErrFailedSystemCall)
	}
	return types.NewValidatorList(addrs), nil
}

// Contains reports whether addr is in the validator set as of blockHash.
func (v *ValidatorSafeContract) Contains(blockHash common.Hash, addr common.Address, caller Call) (bool, error) {
	list, err := v.GetList(blockHash, caller)
	if err != nil {
		return false, err
	}
	return list.Contains(addr), nil
}

// Count returns the validator set size as of blockHash.
func (v *ValidatorSafeContract) Count(blockHash common.Hash, caller Call) (int, error) {
	list, err := v.GetList(blockHash, caller)
	if err != nil {
		return 0, err
	}
	return list.Count(), nil
}

// AddressAt returns the validator owning the given slot, wrapping modulo
// the set size.
func (v *ValidatorSafeContract) AddressAt(blockHash common.Hash, slot uint64, caller Call) (common.Address, error) {
	list, err := v.GetList(blockHash, caller)
	if err != nil {
		return common.Address{}, err
	}
	return list.AddressAt(slot), nil
}

// expectedBloom is the bloom an InitiateChange event for the given parent
// would set on the emitting block's header.
func (v *ValidatorSafeContract) expectedBloom(header *ethtypes.Header) ethtypes.Bloom {
	probe := &ethtypes.Log{
		Address: v.cfg.ContractAddress,
		Topics:  []common.Hash{v.abi.Events["InitiateChange"].ID, header.ParentHash},
	}
	return ethtypes.CreateBloom(&ethtypes.Receipt{Logs: []*ethtypes.Log{probe}})
}

// bloomContains reports whether every bit of needle is set in haystack.
func bloomContains(haystack, needle ethtypes.Bloom) bool {
	for i := range needle {
		if haystack[i]&needle[i] != needle[i] {
			return false
		}
	}
	return true
}

// extractFromEvent pulls the new validator set announced by the block's
// receipts, or nil when no InitiateChange event matches. Receipts are
// scanned in reverse so the latest change is found first; before the
// fix transition the historical first-match selection is kept instead.
func (v *ValidatorSafeContract) extractFromEvent(header *ethtypes.Header, receipts ethtypes.Receipts) *types.ValidatorList {
	if len(receipts) == 0 {
		return nil
	}
	expected := v.expectedBloom(header)
	eventID := v.abi.Events["InitiateChange"].ID

	var matches []*types.ValidatorList
	for i := len(receipts) - 1; i >= 0; i-- {
		r := receipts[i]
		if !bloomContains(r.Bloom, expected) {
			continue
		}
		for _, lg := range r.Logs {
			if lg.Address != v.cfg.ContractAddress {
				continue
			}
			if len(lg.Topics) != 2 || lg.Topics[0] != eventID || lg.Topics[1] != header.ParentHash {
				continue
			}
			decoded, err := v.abi.Unpack("InitiateChange", lg.Data)
			if err != nil {
				v.lg.Warn(log.EngineModule, "undecodable InitiateChange event", "block", header.Number, "err", err)
				continue
			}
			addrs, ok := decoded[0].([]common.Address)
			if !ok {
				continue
			}
			matches = append(matches, types.NewValidatorList(addrs))
		}
	}
	if len(matches) == 0 {
		return nil
	}
	if header.Number.Uint64() > v.cfg.FixValidatorSetTransition {
		return matches[len(matches)-1]
	}
	return matches[0]
}

// firstProofRLP is the epoch proof form for the first contract-governed
// block: the header plus the state items proving the getValidators call.
type firstProofRLP struct {
	Header *ethtypes.Header
	State  [][]byte
}

// receiptsProofRLP is the epoch proof form for later transitions: the
// header plus the full receipts it committed to.
type receiptsProofRLP struct {
	Header   *ethtypes.Header
	Receipts []*ethtypes.Receipt
}

func encodeFirstProof(header *ethtypes.Header, state [][]byte) ([]byte, error) {
	return rlp.EncodeToBytes(&firstProofRLP{Header: header, State: state})
}

func encodeReceiptsProof(header *ethtypes.Header, receipts ethtypes.Receipts) ([]byte, error) {
	return rlp.EncodeToBytes(&receiptsProofRLP{Header: header, Receipts: receipts})
}

// SignalsEpochEnd decides whether the block ends an epoch. For the first
// contract-governed block the answer is always yes, with a state-proof
// obligation against the block's own state. Later blocks are prefiltered
// by bloom, then decided from receipts.
func (v *ValidatorSafeContract) SignalsEpochEnd(first bool, header *ethtypes.Header, aux AuxiliaryData) EpochChange {
	if first {
		v.lg.Debug(log.EngineModule, "epoch signal: first contract block", "number", header.Number)
		hdr := ethtypes.CopyHeader(header)
		contract := v.cfg.ContractAddress
		a := v.abi
		return EpochChange{
			Signal: SignalYes,
			GenerateProof: func(prove ProvingCall) ([]byte, error) {
				data, err := a.Pack("getValidators")
				if err != nil {
					return nil, err
				}
				_, state, err := prove(contract, data)
				if err != nil {
					return nil, systemCallError(err)
				}
				return encodeFirstProof(hdr, state)
			},
		}
	}

	expected := v.expectedBloom(header)
	if !bloomContains(header.Bloom, expected) {
		return EpochChange{Signal: SignalNo}
	}
	if aux.Receipts == nil {
		return EpochChange{Signal: SignalNeedReceipts}
	}
	if v.extractFromEvent(header, aux.Receipts) == nil {
		return EpochChange{Signal: SignalNo}
	}
	proof, err := encodeReceiptsProof(header, aux.Receipts)
	if err != nil {
		v.lg.Error(log.EngineModule, "failed to encode epoch proof", "err", err)
		return EpochChange{Signal: SignalNo}
	}
	v.lg.Info(log.EngineModule, "epoch transition signalled", "block", header.Number, "hash", header.Hash())
	return EpochChange{Signal: SignalYes, Proof: proof}
}

// EpochSet recovers the validator set from an epoch proof, verifying the
// proof as it goes. The returned hash keys the memoization entry for the
// recovered set.
func (v *ValidatorSafeContract) EpochSet(first bool, machine Machine, _ uint64, proof []byte) (*types.ValidatorList, common.Hash, error) {
	if first {
		var p firstProofRLP
		if err := rlp.DecodeBytes(proof, &p); err != nil {
			return nil, common.Hash{}, fmt.Errorf("%w: undecodable first proof: %v", ErrInsufficientProof, err)
		}
		data, err := v.abi.Pack("getValidators")
		if err != nil {
			return nil, common.Hash{}, err
		}
		out, err := machine.ExecuteProvedCall(p.Header, p.State, v.cfg.ContractAddress, data)
		if err != nil {
			return nil, common.Hash{}, fmt.Errorf("%w: state items do not prove the call: %v", ErrInsufficientProof, err)
		}
		decoded, err := v.abi.Unpack("getValidators", out)
		if err != nil {
			return nil, common.Hash{}, fmt.Errorf("%w: bad proved getValidators output: %v", ErrInsufficientProof, err)
		}
		addrs, ok := decoded[0].([]common.Address)
		if !ok {
			return nil, common.Hash{}, fmt.Errorf("%w: proved call returned non-address list", ErrInsufficientProof)
		}
		list := types.NewValidatorList(addrs)
		hash := p.Header.Hash()
		v.sets.Add(hash, list)
		return list, hash, nil
	}

	var p receiptsProofRLP
	if err := rlp.DecodeBytes(proof, &p); err != nil {
		return nil, common.Hash{}, fmt.Errorf("%w: undecodable receipts proof: %v", ErrInsufficientProof, err)
	}
	root := ethtypes.DeriveSha(ethtypes.Receipts(p.Receipts), trie.NewStackTrie(nil))
	if root != p.Header.ReceiptHash {
		return nil, common.Hash{}, fmt.Errorf("%w: receipts root mismatch: got %x want %x", ErrInsufficientProof, root, p.Header.ReceiptHash)
	}
	list := v.extractFromEvent(p.Header, p.Receipts)
	if list == nil {
		return nil, common.Hash{}, fmt.Errorf("%w: no InitiateChange event in proof", ErrInsufficientProof)
	}
	hash := p.Header.Hash()
	v.sets.Add(hash, list)
	return list, hash, nil
}

// GenesisEpochData produces the first-proof for the genesis header.
func (v *ValidatorSafeContract) GenesisEpochData(header *ethtypes.Header, prove ProvingCall) ([]byte, error) {
	data, err := v.abi.Pack("getValidators")
	if err != nil {
		return nil, err
	}
	_, state, err := prove(v.cfg.ContractAddress, data)
	if err != nil {
		return nil, systemCallError(err)
	}
	return encodeFirstProof(header, state)
}

// OnEpochBegin calls finalizeChange() with system privileges, activating
// the pending validator set.
func (v *ValidatorSafeContract) OnEpochBegin(_ bool, header *ethtypes.Header, caller SystemCall) error {
	data, err := v.abi.Pack("finalizeChange")
	if err != nil {
		return err
	}
	if _, err := caller(v.cfg.ContractAddress, data); err != nil {
		return systemCallError(err)
	}
	v.lg.Debug(log.EngineModule, "finalizeChange called", "block", header.Number)
	return nil
}

// EnqueueReport queues a malice report for submission. data is the proof
// to pass to reportMalicious.
func (v *ValidatorSafeContract) EnqueueReport(validator common.Address, number uint64, data []byte) {
	v.lg.Warn(log.EngineModule, "queueing malice report", "validator", validator, "block", number)
	v.pending.push(validator, number, data)
}

// QueuedReportCount returns the number of reports awaiting submission.
func (v *ValidatorSafeContract) QueuedReportCount() int {
	return v.pending.len()
}

// shouldReport asks the contract whether a report is still worth sending.
func (v *ValidatorSafeContract) shouldReport(our, malicious common.Address, number uint64, caller Call) bool {
	data, err := v.abi.Pack("shouldValidatorReport", our, malicious, new(big.Int).SetUint64(number))
	if err != nil {
		return false
	}
	out, err := caller(v.cfg.ContractAddress, data)
	if err != nil {
		v.lg.Debug(log.EngineModule, "shouldValidatorReport call failed", "err", err)
		return false
	}
	decoded, err := v.abi.Unpack("shouldValidatorReport", out)
	if err != nil {
		return false
	}
	b, ok := decoded[0].(bool)
	return ok && b
}

// OnCloseBlock drops reports the contract no longer wants and resubmits
// the rest, at most once every reportsSkipBlocks blocks. Before the
// POSDAO transition reports are held back entirely.
func (v *ValidatorSafeContract) OnCloseBlock(header *ethtypes.Header, ourAddress common.Address, caller Call, sender TransactionSender) error {
	if v.cfg.PosdaoTransition == nil || header.Number.Uint64() < *v.cfg.PosdaoTransition {
		v.lg.Trace(log.EngineModule, "skipping report submission before POSDAO transition")
		return nil
	}

	v.pending.filter(func(malicious common.Address, number uint64) bool {
		return v.shouldReport(ourAddress, malicious, number, caller)
	})

	v.resentMu.Lock()
	resent := v.resentReportsInBlock
	number := header.Number.Uint64()
	if number <= resent+reportsSkipBlocks {
		v.resentMu.Unlock()
		return nil
	}
	v.resentReportsInBlock = number
	v.resentMu.Unlock()

	nonce := sender.LatestNonce(ourAddress)
	for _, r := range v.pending.snapshot(maxReportsPerBlock) {
		data, err := v.abi.Pack("reportMalicious", r.validator, new(big.Int).SetUint64(r.number), r.data)
		if err != nil {
			return err
		}
		for {
			err := sender.SendTransaction(v.cfg.ContractAddress, data, nonce)
			if err == nil {
				nonce++
				break
			}
			if errors.Is(err, ErrNonceUsed) {
				nonce++
				continue
			}
			return fmt.Errorf("resubmitting malice report: %w", err)
		}
		v.lg.Info(log.EngineModule, "resubmitted malice report", "validator", r.validator, "block", r.number)
	}
	return nil
}

// GenerateEngineTransactions returns an emitInitiateChange() call when the
// contract reports one is due. Only meaningful after the POSDAO
// transition; first-block state has no pending change to emit.
func (v *ValidatorSafeContract) GenerateEngineTransactions(first bool, header *ethtypes.Header, caller SystemCall) ([]EngineTransaction, error) {
	if first || v.cfg.PosdaoTransition == nil || header.Number.Uint64() < *v.cfg.PosdaoTransition {
		return nil, nil
	}
	data, err := v.abi.Pack("emitInitiateChangeCallable")
	if err != nil {
		return nil, err
	}
	out, err := caller(v.cfg.ContractAddress, data)
	if err != nil {
		return nil, systemCallError(err)
	}
	decoded, err := v.abi.Unpack("emitInitiateChangeCallable", out)
	if err != nil {
		return nil, fmt.Errorf("%w: bad emitInitiateChangeCallable output: %v", ErrFailedSystemCall, err)
	}
	callable, ok := decoded[0].(bool)
	if !ok || !callable {
		return nil, nil
	}
	emit, err := v.abi.Pack("emitInitiateChange")
	if err != nil {
		return nil, err
	}
	v.lg.Debug(log.EngineModule, "emitInitiateChange due", "block", header.Number)
	return []EngineTransaction{{To: v.cfg.ContractAddress, Data: emit}}, nil
}
