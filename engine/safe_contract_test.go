package engine

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/stretchr/testify/require"

	"github.com/openethereum/oe-go/log"
)

var (
	testContract = common.HexToAddress("0x0000000000000000000000000000000000000005")
	valA         = common.HexToAddress("0xaaa0000000000000000000000000000000000001")
	valB         = common.HexToAddress("0xaaa0000000000000000000000000000000000002")
	valC         = common.HexToAddress("0xaaa0000000000000000000000000000000000003")
)

func newTestContract(t *testing.T, fix uint64) *ValidatorSafeContract {
	t.Helper()
	return NewValidatorSafeContract(SafeContractConfig{
		ContractAddress:           testContract,
		FixValidatorSetTransition: fix,
	}, log.Root())
}

// packValidators encodes a getValidators() return value.
func packValidators(t *testing.T, v *ValidatorSafeContract, addrs []common.Address) []byte {
	t.Helper()
	out, err := v.abi.Methods["getValidators"].Outputs.Pack(addrs)
	require.NoError(t, err)
	return out
}

// initiateChangeLog builds the event log the contract would emit.
func initiateChangeLog(t *testing.T, v *ValidatorSafeContract, parent common.Hash, newSet []common.Address) *ethtypes.Log {
	t.Helper()
	data, err := v.abi.Events["InitiateChange"].Inputs.NonIndexed().Pack(newSet)
	require.NoError(t, err)
	return &ethtypes.Log{
		Address: testContract,
		Topics:  []common.Hash{v.abi.Events["InitiateChange"].ID, parent},
		Data:    data,
	}
}

func receiptWithLogs(logs []*ethtypes.Log) *ethtypes.Receipt {
	return &ethtypes.Receipt{
		Status:            ethtypes.ReceiptStatusSuccessful,
		CumulativeGasUsed: 21000,
		Bloom:             ethtypes.CreateBloom(&ethtypes.Receipt{Logs: logs}),
		Logs:              logs,
	}
}

func signallingHeader(number uint64, receipts ethtypes.Receipts) *ethtypes.Header {
	header := &ethtypes.Header{
		ParentHash:  common.HexToHash("0xdead"),
		Number:      new(big.Int).SetUint64(number),
		Difficulty:  big.NewInt(1),
		GasLimit:    8_000_000,
		ReceiptHash: ethtypes.DeriveSha(receipts, trie.NewStackTrie(nil)),
	}
	var all []*ethtypes.Log
	for _, r := range receipts {
		all = append(all, r.Logs...)
	}
	header.Bloom = ethtypes.CreateBloom(&ethtypes.Receipt{Logs: all})
	return header
}

func TestGetList_MemoizesPerStateHash(t *testing.T) {
	v := newTestContract(t, 0)
	calls := 0
	caller := func(addr common.Address, data []byte) ([]byte, error) {
		calls++
		require.Equal(t, testContract, addr)
		return packValidators(t, v, []common.Address{valA, valB}), nil
	}

	stateHash := common.HexToHash("0x01")
	list, err := v.GetList(stateHash, caller)
	require.NoError(t, err)
	require.Equal(t, 2, list.Count())
	require.True(t, list.Contains(valA))

	// second read for the same hash never calls the contract
	_, err = v.GetList(stateHash, caller)
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	// different hash refetches
	_, err = v.GetList(common.HexToHash("0x02"), caller)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestGetList_CallFailure(t *testing.T) {
	v := newTestContract(t, 0)
	caller := func(common.Address, []byte) ([]byte, error) {
		return nil, errors.New("no state")
	}
	_, err := v.GetList(common.HexToHash("0x01"), caller)
	require.ErrorIs(t, err, ErrFailedSystemCall)
}

func TestSignalsEpochEnd_NoBloomNoSignal(t *testing.T) {
	v := newTestContract(t, 0)
	header := signallingHeader(10, nil)

	change := v.SignalsEpochEnd(false, header, AuxiliaryData{})
	require.Equal(t, SignalNo, change.Signal)
}

func TestSignalsEpochEnd_BloomWithoutReceiptsIsUnsure(t *testing.T) {
	v := newTestContract(t, 0)
	lg := initiateChangeLog(t, v, common.HexToHash("0xdead"), []common.Address{valA})
	receipts := ethtypes.Receipts{receiptWithLogs([]*ethtypes.Log{lg})}
	header := signallingHeader(10, receipts)

	change := v.SignalsEpochEnd(false, header, AuxiliaryData{Receipts: nil})
	require.Equal(t, SignalNeedReceipts, change.Signal)
}

func TestSignalsEpochEnd_ReceiptsWithoutEventIsNo(t *testing.T) {
	v := newTestContract(t, 0)
	// bloom bits set (e.g. by an unrelated contract sharing bits is rare,
	// so force the header bloom to pass the prefilter)
	other := &ethtypes.Log{Address: testContract, Topics: []common.Hash{v.abi.Events["InitiateChange"].ID, common.HexToHash("0xdead")}}
	receipts := ethtypes.Receipts{receiptWithLogs(nil)}
	header := signallingHeader(10, receipts)
	header.Bloom = ethtypes.CreateBloom(&ethtypes.Receipt{Logs: []*ethtypes.Log{other}})

	change := v.SignalsEpochEnd(false, header, AuxiliaryData{Receipts: receipts})
	require.Equal(t, SignalNo, change.Signal)
}

func TestSignalsEpochEnd_EventYieldsProof(t *testing.T) {
	v := newTestContract(t, 0)
	lg := initiateChangeLog(t, v, common.HexToHash("0xdead"), []common.Address{valA, valB, valC})
	receipts := ethtypes.Receipts{receiptWithLogs([]*ethtypes.Log{lg})}
	header := signallingHeader(10, receipts)

	change := v.SignalsEpochEnd(false, header, AuxiliaryData{Receipts: receipts})
	require.Equal(t, SignalYes, change.Signal)
	require.NotEmpty(t, change.Proof)

	// the proof round-trips through epoch set recovery
	list, setHash, err := v.EpochSet(false, nil, header.Number.Uint64(), change.Proof)
	require.NoError(t, err)
	require.Equal(t, 3, list.Count())
	require.Equal(t, header.Hash(), setHash)
}

func TestSignalsEpochEnd_FirstBlockObligation(t *testing.T) {
	v := newTestContract(t, 0)
	header := signallingHeader(1, nil)

	change := v.SignalsEpochEnd(true, header, AuxiliaryData{})
	require.Equal(t, SignalYes, change.Signal)
	require.Nil(t, change.Proof)
	require.NotNil(t, change.GenerateProof)

	stateItems := [][]byte{[]byte("node-1"), []byte("node-2")}
	prove := func(addr common.Address, data []byte) ([]byte, [][]byte, error) {
		require.Equal(t, testContract, addr)
		return packValidators(t, v, []common.Address{valA}), stateItems, nil
	}
	proof, err := change.GenerateProof(prove)
	require.NoError(t, err)
	require.NotEmpty(t, proof)

	// replay: the machine re-executes against exactly the proved items
	machine := &provedCallMachine{t: t, wantItems: stateItems, out: packValidators(t, v, []common.Address{valA})}
	list, _, err := v.EpochSet(true, machine, 1, proof)
	require.NoError(t, err)
	require.Equal(t, 1, list.Count())
	require.True(t, list.Contains(valA))
}

type provedCallMachine struct {
	t         *testing.T
	wantItems [][]byte
	out       []byte
	fail      bool
}

func (m *provedCallMachine) ExecuteProvedCall(header *ethtypes.Header, items [][]byte, addr common.Address, data []byte) ([]byte, error) {
	if m.fail {
		return nil, errors.New("missing trie node")
	}
	require.Equal(m.t, m.wantItems, items)
	require.Equal(m.t, testContract, addr)
	return m.out, nil
}

func TestEpochSet_InsufficientProofs(t *testing.T) {
	v := newTestContract(t, 0)

	// garbage bytes
	_, _, err := v.EpochSet(false, nil, 5, []byte{0x1, 0x2})
	require.ErrorIs(t, err, ErrInsufficientProof)

	// receipts root mismatch
	lg := initiateChangeLog(t, v, common.HexToHash("0xdead"), []common.Address{valA})
	receipts := ethtypes.Receipts{receiptWithLogs([]*ethtypes.Log{lg})}
	header := signallingHeader(5, receipts)
	header.ReceiptHash = common.HexToHash("0xbadbad")
	proof, err := encodeReceiptsProof(header, receipts)
	require.NoError(t, err)
	_, _, err = v.EpochSet(false, nil, 5, proof)
	require.ErrorIs(t, err, ErrInsufficientProof)

	// valid root but no matching event
	empty := ethtypes.Receipts{receiptWithLogs(nil)}
	header2 := signallingHeader(5, empty)
	proof2, err := encodeReceiptsProof(header2, empty)
	require.NoError(t, err)
	_, _, err = v.EpochSet(false, nil, 5, proof2)
	require.ErrorIs(t, err, ErrInsufficientProof)

	// state items that fail replay
	first, err := encodeFirstProof(header2, [][]byte{[]byte("x")})
	require.NoError(t, err)
	_, _, err = v.EpochSet(true, &provedCallMachine{t: t, fail: true}, 5, first)
	require.ErrorIs(t, err, ErrInsufficientProof)
}

func TestExtractFromEvent_FixTransitionSelection(t *testing.T) {
	parent := common.HexToHash("0xdead")

	// two receipts each announcing a different set
	build := func(v *ValidatorSafeContract) (ethtypes.Receipts, *ethtypes.Header) {
		early := receiptWithLogs([]*ethtypes.Log{initiateChangeLog(t, v, parent, []common.Address{valA})})
		late := receiptWithLogs([]*ethtypes.Log{initiateChangeLog(t, v, parent, []common.Address{valB})})
		receipts := ethtypes.Receipts{early, late}
		return receipts, signallingHeader(100, receipts)
	}

	// after the transition: the chronologically resolved selection
	vNew := newTestContract(t, 50)
	receipts, header := build(vNew)
	list := vNew.extractFromEvent(header, receipts)
	require.NotNil(t, list)
	require.True(t, list.Contains(valA))

	// before the transition: the historical selection is preserved
	vOld := newTestContract(t, 200)
	receipts, header = build(vOld)
	list = vOld.extractFromEvent(header, receipts)
	require.NotNil(t, list)
	require.True(t, list.Contains(valB))
}

func TestReportQueue_CapAndEviction(t *testing.T) {
	v := newTestContract(t, 0)
	for i := 0; i < maxQueuedReports+5; i++ {
		v.EnqueueReport(valA, uint64(i), []byte{byte(i)})
	}
	require.Equal(t, maxQueuedReports, v.QueuedReportCount())

	// the oldest five were evicted
	oldest := v.pending.snapshot(1)
	require.Len(t, oldest, 1)
	require.Equal(t, uint64(5), oldest[0].number)
}

type recordingSender struct {
	nonce     uint64
	usedUntil uint64 // nonces < usedUntil are rejected as stale
	sent      []uint64
}

func (s *recordingSender) LatestNonce(common.Address) uint64 { return s.nonce }

func (s *recordingSender) SendTransaction(to common.Address, data []byte, nonce uint64) error {
	if nonce < s.usedUntil {
		return ErrNonceUsed
	}
	s.sent = append(s.sent, nonce)
	return nil
}

func TestOnCloseBlock_InertBeforePosdao(t *testing.T) {
	posdao := uint64(100)
	v := NewValidatorSafeContract(SafeContractConfig{
		ContractAddress:  testContract,
		PosdaoTransition: &posdao,
	}, log.Root())
	v.EnqueueReport(valB, 7, []byte("proof"))

	sender := &recordingSender{}
	header := signallingHeader(10, nil)
	caller := func(common.Address, []byte) ([]byte, error) {
		t.Fatal("contract called before posdao transition")
		return nil, nil
	}
	require.NoError(t, v.OnCloseBlock(header, valA, caller, sender))
	require.Empty(t, sender.sent)
	require.Equal(t, 1, v.QueuedReportCount())
}

func TestOnCloseBlock_FiltersAndResubmits(t *testing.T) {
	posdao := uint64(0)
	v := NewValidatorSafeContract(SafeContractConfig{
		ContractAddress:  testContract,
		PosdaoTransition: &posdao,
	}, log.Root())
	v.EnqueueReport(valB, 7, []byte("keep"))
	v.EnqueueReport(valC, 8, []byte("drop"))

	// contract wants the valB report, rejects the valC one
	caller := func(addr common.Address, data []byte) ([]byte, error) {
		decoded, err := v.abi.Methods["shouldValidatorReport"].Inputs.Unpack(data[4:])
		require.NoError(t, err)
		malicious := decoded[1].(common.Address)
		return v.abi.Methods["shouldValidatorReport"].Outputs.Pack(malicious == valB)
	}

	sender := &recordingSender{nonce: 3, usedUntil: 5}
	header := signallingHeader(10, nil)
	require.NoError(t, v.OnCloseBlock(header, valA, caller, sender))

	// stale nonces 3 and 4 were skipped, 5 landed
	require.Equal(t, []uint64{5}, sender.sent)
	require.Equal(t, 1, v.QueuedReportCount())

	// within the skip window nothing is resent
	sender.sent = nil
	header2 := signallingHeader(11, nil)
	require.NoError(t, v.OnCloseBlock(header2, valA, caller, sender))
	require.Empty(t, sender.sent)

	// past the window the surviving report goes out again
	header3 := signallingHeader(12, nil)
	require.NoError(t, v.OnCloseBlock(header3, valA, caller, sender))
	require.Len(t, sender.sent, 1)
}

func TestGenerateEngineTransactions(t *testing.T) {
	posdao := uint64(0)
	v := NewValidatorSafeContract(SafeContractConfig{
		ContractAddress:  testContract,
		PosdaoTransition: &posdao,
	}, log.Root())
	header := signallingHeader(10, nil)

	callable := false
	caller := func(addr common.Address, data []byte) ([]byte, error) {
		return v.abi.Methods["emitInitiateChangeCallable"].Outputs.Pack(callable)
	}

	txs, err := v.GenerateEngineTransactions(false, header, caller)
	require.NoError(t, err)
	require.Empty(t, txs)

	callable = true
	txs, err = v.GenerateEngineTransactions(false, header, caller)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, testContract, txs[0].To)
	wantData, err := v.abi.Pack("emitInitiateChange")
	require.NoError(t, err)
	require.Equal(t, wantData, txs[0].Data)

	// first-block state has no pending change to emit
	txs, err = v.GenerateEngineTransactions(true, header, caller)
	require.NoError(t, err)
	require.Empty(t, txs)
}
