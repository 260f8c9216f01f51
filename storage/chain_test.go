package storage

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/openethereum/oe-go/types"
)

func testGenesis() *ethtypes.Header {
	return &ethtypes.Header{
		Number:      new(big.Int),
		Difficulty:  big.NewInt(1),
		GasLimit:    8_000_000,
		TxHash:      ethtypes.EmptyRootHash,
		ReceiptHash: ethtypes.EmptyRootHash,
		UncleHash:   ethtypes.EmptyUncleHash,
	}
}

func childHeader(parent *ethtypes.Header, diff int64, seed byte) *ethtypes.Header {
	return &ethtypes.Header{
		ParentHash:  parent.Hash(),
		Number:      new(big.Int).Add(parent.Number, big.NewInt(1)),
		Difficulty:  big.NewInt(diff),
		GasLimit:    8_000_000,
		Time:        parent.Time + 1,
		Extra:       []byte{seed},
		TxHash:      ethtypes.EmptyRootHash,
		ReceiptHash: ethtypes.EmptyRootHash,
		UncleHash:   ethtypes.EmptyUncleHash,
	}
}

func newTestChain(t *testing.T) (*ChainIndex, *Store, *ethtypes.Header) {
	t.Helper()
	store, err := NewMemoryStore()
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	genesis := testGenesis()
	chain, err := NewChainIndex(store, genesis)
	if err != nil {
		t.Fatalf("NewChainIndex: %v", err)
	}
	return chain, store, genesis
}

// insert writes one block as best and publishes it.
func insert(t *testing.T, chain *ChainIndex, store *Store, header *ethtypes.Header, choice types.ForkChoice) types.ImportRoute {
	t.Helper()
	batch := store.NewBatch()
	route, err := chain.InsertBlock(batch, header, []byte{0x1}, nil, ExtrasInsert{ForkChoice: choice})
	if err != nil {
		t.Fatalf("InsertBlock: %v", err)
	}
	if err := store.Write(batch); err != nil {
		t.Fatalf("Write: %v", err)
	}
	chain.Commit()
	return route
}

func TestChainIndex_GenesisInit(t *testing.T) {
	chain, _, genesis := newTestChain(t)

	if chain.BestBlockHash() != genesis.Hash() {
		t.Fatalf("best hash = %s, want genesis", chain.BestBlockHash())
	}
	if chain.BestBlockNumber() != 0 {
		t.Fatalf("best number = %d, want 0", chain.BestBlockNumber())
	}
	hash, ok := chain.CanonicalHash(0)
	if !ok || hash != genesis.Hash() {
		t.Fatal("genesis not canonical at 0")
	}
}

func TestChainIndex_BestStagedUntilCommit(t *testing.T) {
	chain, store, genesis := newTestChain(t)
	b1 := childHeader(genesis, 2, 1)

	batch := store.NewBatch()
	if _, err := chain.InsertBlock(batch, b1, []byte{0x1}, nil, ExtrasInsert{ForkChoice: types.ForkChoiceNew}); err != nil {
		t.Fatalf("InsertBlock: %v", err)
	}
	if err := store.Write(batch); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Not published yet
	if chain.BestBlockHash() != genesis.Hash() {
		t.Fatal("best advanced before Commit")
	}
	chain.Commit()
	if chain.BestBlockHash() != b1.Hash() {
		t.Fatal("best not advanced after Commit")
	}
	if got := chain.BestBlockTotalDifficulty(); got.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("total difficulty = %s, want 3", got)
	}
}

func TestChainIndex_ReorgRewritesCanonIndex(t *testing.T) {
	chain, store, genesis := newTestChain(t)

	// canonical: g -> a1 -> a2
	a1 := childHeader(genesis, 2, 1)
	a2 := childHeader(a1, 2, 2)
	insert(t, chain, store, a1, types.ForkChoiceNew)
	insert(t, chain, store, a2, types.ForkChoiceNew)

	// heavier fork from genesis: g -> b1
	b1 := childHeader(genesis, 10, 3)
	route := insert(t, chain, store, b1, types.ForkChoiceNew)

	if len(route.Retracted) != 2 {
		t.Fatalf("retracted = %d, want 2", len(route.Retracted))
	}
	if len(route.Enacted) != 1 || route.Enacted[0] != b1.Hash() {
		t.Fatalf("enacted = %v, want [%s]", route.Enacted, b1.Hash())
	}
	hash, ok := chain.CanonicalHash(1)
	if !ok || hash != b1.Hash() {
		t.Fatal("fork block not canonical at 1")
	}
	// old head's number entry must be gone
	if _, ok := chain.CanonicalHash(2); ok {
		t.Fatal("stale canonical entry above new head")
	}
	if !chain.IsCanon(b1.Hash()) || chain.IsCanon(a2.Hash()) {
		t.Fatal("canon flags wrong after reorg")
	}
}

func TestChainIndex_OmittedBlockKeepsBest(t *testing.T) {
	chain, store, genesis := newTestChain(t)
	a1 := childHeader(genesis, 5, 1)
	insert(t, chain, store, a1, types.ForkChoiceNew)

	b1 := childHeader(genesis, 2, 2)
	route := insert(t, chain, store, b1, types.ForkChoiceOld)

	if !route.IsNone() || len(route.Omitted) != 1 {
		t.Fatalf("expected omitted-only route, got %+v", route)
	}
	if chain.BestBlockHash() != a1.Hash() {
		t.Fatal("best changed on omitted insert")
	}
	// branch block is still stored and reachable
	if !chain.HasHeader(b1.Hash()) {
		t.Fatal("omitted block not stored")
	}
}

func TestChainIndex_TreeRoute(t *testing.T) {
	chain, store, genesis := newTestChain(t)
	a1 := childHeader(genesis, 2, 1)
	a2 := childHeader(a1, 2, 2)
	b1 := childHeader(genesis, 3, 3)
	insert(t, chain, store, a1, types.ForkChoiceNew)
	insert(t, chain, store, a2, types.ForkChoiceNew)
	insert(t, chain, store, b1, types.ForkChoiceOld)

	route, err := chain.TreeRoute(a2.Hash(), b1.Hash())
	if err != nil {
		t.Fatalf("TreeRoute: %v", err)
	}
	if route.Ancestor != genesis.Hash() {
		t.Fatalf("ancestor = %s, want genesis", route.Ancestor)
	}
	if len(route.Retracted) != 2 || len(route.Enacted) != 1 {
		t.Fatalf("route shape retracted=%d enacted=%d", len(route.Retracted), len(route.Enacted))
	}
	// Retracted runs from the from-end toward the ancestor.
	if route.Retracted[0] != a2.Hash() || route.Retracted[1] != a1.Hash() {
		t.Fatal("retracted order wrong")
	}
}

func TestChainIndex_TreeRouteDetectsFinalizedRetraction(t *testing.T) {
	chain, store, genesis := newTestChain(t)
	a1 := childHeader(genesis, 2, 1)
	b1 := childHeader(genesis, 3, 2)
	insert(t, chain, store, a1, types.ForkChoiceNew)
	insert(t, chain, store, b1, types.ForkChoiceOld)

	batch := store.NewBatch()
	if err := chain.MarkFinalized(batch, a1.Hash()); err != nil {
		t.Fatalf("MarkFinalized: %v", err)
	}
	if err := store.Write(batch); err != nil {
		t.Fatalf("Write: %v", err)
	}

	route, err := chain.TreeRoute(a1.Hash(), b1.Hash())
	if err != nil {
		t.Fatalf("TreeRoute: %v", err)
	}
	if !route.IsFromRouteFinalized {
		t.Fatal("finalized retraction not detected")
	}
}

func TestChainIndex_InsertUnorderedBlock(t *testing.T) {
	chain, store, genesis := newTestChain(t)

	// backfill a historical block without touching the best pointer
	old := childHeader(genesis, 1, 9)
	batch := store.NewBatch()
	if err := chain.InsertUnorderedBlock(batch, old, []byte{0x2}, nil); err != nil {
		t.Fatalf("InsertUnorderedBlock: %v", err)
	}
	if err := store.Write(batch); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if chain.BestBlockHash() != genesis.Hash() {
		t.Fatal("unordered insert moved best pointer")
	}
	if !chain.HasHeader(old.Hash()) {
		t.Fatal("unordered block not stored")
	}
	hash, ok := chain.CanonicalHash(1)
	if !ok || hash != old.Hash() {
		t.Fatal("unordered block not indexed by number")
	}
}

func TestChainIndex_InsertUnorderedSiblingKeepsCanonIndex(t *testing.T) {
	chain, store, genesis := newTestChain(t)
	h1 := childHeader(genesis, 2, 1)
	h2 := childHeader(h1, 2, 2)
	insert(t, chain, store, h1, types.ForkChoiceNew)
	insert(t, chain, store, h2, types.ForkChoiceNew)

	// a historical sibling of h1 must not displace it in the number index
	sibling := childHeader(genesis, 1, 9)
	batch := store.NewBatch()
	if err := chain.InsertUnorderedBlock(batch, sibling, []byte{0x3}, nil); err != nil {
		t.Fatalf("InsertUnorderedBlock: %v", err)
	}
	if err := store.Write(batch); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !chain.HasHeader(sibling.Hash()) {
		t.Fatal("sibling not stored")
	}
	hash, ok := chain.CanonicalHash(1)
	if !ok || hash != h1.Hash() {
		t.Fatalf("canonical hash at 1 = %s, want %s", hash, h1.Hash())
	}
	if chain.IsCanon(sibling.Hash()) {
		t.Fatal("sibling reported canonical")
	}
}

func TestChainIndex_EpochTransitions(t *testing.T) {
	chain, _, genesis := newTestChain(t)

	if chain.HasEpochTransition(5) {
		t.Fatal("unexpected epoch transition")
	}
	err := chain.InsertEpochTransition(5, types.EpochTransition{
		BlockHash:   genesis.Hash(),
		BlockNumber: 5,
		Proof:       []byte("proof-5"),
	})
	if err != nil {
		t.Fatalf("InsertEpochTransition: %v", err)
	}
	err = chain.InsertEpochTransition(9, types.EpochTransition{
		BlockHash:   genesis.Hash(),
		BlockNumber: 9,
		Proof:       []byte("proof-9"),
	})
	if err != nil {
		t.Fatalf("InsertEpochTransition: %v", err)
	}

	// exact hit
	tr, ok := chain.EpochTransitionFor(5)
	if !ok || string(tr.Proof) != "proof-5" {
		t.Fatalf("EpochTransitionFor(5) = %+v, %v", tr, ok)
	}
	// between transitions resolves downward
	tr, ok = chain.EpochTransitionFor(7)
	if !ok || string(tr.Proof) != "proof-5" {
		t.Fatalf("EpochTransitionFor(7) = %+v, %v", tr, ok)
	}
	// above the last transition resolves to it
	tr, ok = chain.EpochTransitionFor(100)
	if !ok || string(tr.Proof) != "proof-9" {
		t.Fatalf("EpochTransitionFor(100) = %+v, %v", tr, ok)
	}
	// below the first finds nothing
	if _, ok := chain.EpochTransitionFor(3); ok {
		t.Fatal("EpochTransitionFor(3) found a later transition")
	}
}

func TestChainIndex_PendingTransitions(t *testing.T) {
	chain, store, genesis := newTestChain(t)
	hash := common.HexToHash("0xabc123")

	batch := store.NewBatch()
	chain.InsertPendingTransition(batch, hash, types.PendingTransition{Proof: []byte("pending")})
	if err := store.Write(batch); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, ok := chain.GetPendingTransition(hash)
	if !ok || string(got.Proof) != "pending" {
		t.Fatalf("GetPendingTransition = %+v, %v", got, ok)
	}
	if _, ok := chain.GetPendingTransition(genesis.Hash()); ok {
		t.Fatal("unexpected pending transition for genesis")
	}
}

func TestChainIndex_AncestryIter(t *testing.T) {
	chain, store, genesis := newTestChain(t)
	a1 := childHeader(genesis, 2, 1)
	a2 := childHeader(a1, 2, 2)
	insert(t, chain, store, a1, types.ForkChoiceNew)
	insert(t, chain, store, a2, types.ForkChoiceNew)

	iter := chain.Ancestry(a2.Hash())
	want := []common.Hash{a2.Hash(), a1.Hash(), genesis.Hash()}
	for i, w := range want {
		ext := iter.Next()
		if ext == nil {
			t.Fatalf("iterator ended at step %d", i)
		}
		if ext.Header.Hash() != w {
			t.Fatalf("step %d = %s, want %s", i, ext.Header.Hash(), w)
		}
	}
	if iter.Next() != nil {
		t.Fatal("iterator did not stop past genesis")
	}
}
