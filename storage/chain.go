package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openethereum/oe-go/log"
	"github.com/openethereum/oe-go/types"
)

const headerCacheSize = 2048

var (
	ErrUnknownBlock    = errors.New("block unknown to the chain index")
	ErrUnknownAncestor = errors.New("no common ancestor between blocks")
)

// Key layout. Hash-keyed records use a one-byte prefix; number-keyed
// records append the big-endian block number so iteration follows chain
// order.
var (
	headerPrefix     = []byte("h") // h + hash -> header RLP
	bodyPrefix       = []byte("b") // b + hash -> full block RLP
	receiptsPrefix   = []byte("r") // r + hash -> receipts RLP
	detailsPrefix    = []byte("d") // d + hash -> details RLP
	canonPrefix      = []byte("c") // c + num -> canonical hash
	pendingPrefix    = []byte("p") // p + hash -> pending transition proof
	epochPrefix      = []byte("e") // e + num -> epoch transition RLP
	bestBlockKey     = []byte("best")
	firstEpochSetKey = []byte("genesis-epoch")
)

func numberKey(prefix []byte, number uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], number)
	return key
}

func hashKey(prefix []byte, hash common.Hash) []byte {
	return append(append([]byte{}, prefix...), hash[:]...)
}

// detailsRLP is the persisted form of types.BlockDetails.
type detailsRLP struct {
	Number          uint64
	TotalDifficulty *big.Int
	Parent          common.Hash
	IsFinalized     bool
}

// epochTransitionRLP is the persisted form of types.EpochTransition.
type epochTransitionRLP struct {
	BlockHash   common.Hash
	BlockNumber uint64
	Proof       []byte
}

// ExtrasInsert tells InsertBlock what fork choice decided for the block.
type ExtrasInsert struct {
	ForkChoice  types.ForkChoice
	IsFinalized bool
}

type bestBlock struct {
	hash            common.Hash
	number          uint64
	totalDifficulty *big.Int
}

// ChainIndex maintains the canonical chain over the raw key-value store:
// headers, bodies, receipts, per-block details, the number index and the
// best-block pointer. Mutations are staged into a batch by the caller and
// become visible to readers only after Commit.
type ChainIndex struct {
	store *Store

	mu      sync.RWMutex
	best    bestBlock
	pending *bestBlock

	headerCache *lru.Cache[common.Hash, *ethtypes.Header]
}

// NewChainIndex opens the chain index, initializing it from the genesis
// header on first use.
func NewChainIndex(store *Store, genesis *ethtypes.Header) (*ChainIndex, error) {
	cache, err := lru.New[common.Hash, *ethtypes.Header](headerCacheSize)
	if err != nil {
		return nil, err
	}
	c := &ChainIndex{store: store, headerCache: cache}

	data, ok, err := store.Get(bestBlockKey)
	if err != nil {
		return nil, fmt.Errorf("read best block: %w", err)
	}
	if ok {
		hash := common.BytesToHash(data)
		details, err := c.Details(hash)
		if err != nil {
			return nil, fmt.Errorf("best block details: %w", err)
		}
		c.best = bestBlock{hash: hash, number: details.Number, totalDifficulty: details.TotalDifficulty}
		return c, nil
	}

	// Fresh database: install the genesis block as best.
	hash := genesis.Hash()
	batch := store.NewBatch()
	headerRLP, err := rlp.EncodeToBytes(genesis)
	if err != nil {
		return nil, err
	}
	batch.Put(hashKey(headerPrefix, hash), headerRLP)
	if err := writeDetails(batch, hash, &types.BlockDetails{
		Number:          genesis.Number.Uint64(),
		TotalDifficulty: new(big.Int).Set(genesis.Difficulty),
		Parent:          genesis.ParentHash,
	}); err != nil {
		return nil, err
	}
	batch.Put(numberKey(canonPrefix, genesis.Number.Uint64()), hash[:])
	batch.Put(bestBlockKey, hash[:])
	if err := store.Write(batch); err != nil {
		return nil, fmt.Errorf("write genesis: %w", err)
	}
	c.best = bestBlock{hash: hash, number: genesis.Number.Uint64(), totalDifficulty: new(big.Int).Set(genesis.Difficulty)}
	log.Info(log.ChainModule, "Initialized chain index from genesis", "hash", hash)
	return c, nil
}

func writeDetails(batch *Batch, hash common.Hash, details *types.BlockDetails) error {
	data, err := rlp.EncodeToBytes(&detailsRLP{
		Number:          details.Number,
		TotalDifficulty: details.TotalDifficulty,
		Parent:          details.Parent,
		IsFinalized:     details.IsFinalized,
	})
	if err != nil {
		return err
	}
	batch.Put(hashKey(detailsPrefix, hash), data)
	return nil
}

// HasHeader reports whether the chain index knows the header.
func (c *ChainIndex) HasHeader(hash common.Hash) bool {
	if _, ok := c.headerCache.Get(hash); ok {
		return true
	}
	ok, err := c.store.Has(hashKey(headerPrefix, hash))
	return err == nil && ok
}

// Header returns the stored header, or nil when unknown.
func (c *ChainIndex) Header(hash common.Hash) *ethtypes.Header {
	if header, ok := c.headerCache.Get(hash); ok {
		return header
	}
	data, ok, err := c.store.Get(hashKey(headerPrefix, hash))
	if err != nil || !ok {
		return nil
	}
	header := new(ethtypes.Header)
	if err := rlp.DecodeBytes(data, header); err != nil {
		log.Error(log.ChainModule, "Corrupt header record", "hash", hash, "err", err)
		return nil
	}
	c.headerCache.Add(hash, header)
	return header
}

// BlockBytes returns the stored wire encoding of the block.
func (c *ChainIndex) BlockBytes(hash common.Hash) []byte {
	data, ok, err := c.store.Get(hashKey(bodyPrefix, hash))
	if err != nil || !ok {
		return nil
	}
	return data
}

// Receipts returns the stored receipts for a block, or nil.
func (c *ChainIndex) Receipts(hash common.Hash) ethtypes.Receipts {
	data, ok, err := c.store.Get(hashKey(receiptsPrefix, hash))
	if err != nil || !ok {
		return nil
	}
	var stored []*ethtypes.ReceiptForStorage
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		log.Error(log.ChainModule, "Corrupt receipts record", "hash", hash, "err", err)
		return nil
	}
	receipts := make(ethtypes.Receipts, len(stored))
	for i, r := range stored {
		receipts[i] = (*ethtypes.Receipt)(r)
	}
	return receipts
}

// Details returns the per-block bookkeeping record.
func (c *ChainIndex) Details(hash common.Hash) (*types.BlockDetails, error) {
	data, ok, err := c.store.Get(hashKey(detailsPrefix, hash))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, hash)
	}
	var stored detailsRLP
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("corrupt details for %s: %w", hash, err)
	}
	return &types.BlockDetails{
		Number:          stored.Number,
		TotalDifficulty: stored.TotalDifficulty,
		Parent:          stored.Parent,
		IsFinalized:     stored.IsFinalized,
	}, nil
}

// ExtendedHeader returns the header joined with fork-choice details.
func (c *ChainIndex) ExtendedHeader(hash common.Hash) (*types.ExtendedHeader, error) {
	header := c.Header(hash)
	if header == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, hash)
	}
	details, err := c.Details(hash)
	if err != nil {
		return nil, err
	}
	return &types.ExtendedHeader{
		Header:                header,
		ParentTotalDifficulty: new(big.Int).Sub(details.TotalDifficulty, header.Difficulty),
		IsFinalized:           details.IsFinalized,
	}, nil
}

// CanonicalHash returns the canonical block hash at the given height.
func (c *ChainIndex) CanonicalHash(number uint64) (common.Hash, bool) {
	data, ok, err := c.store.Get(numberKey(canonPrefix, number))
	if err != nil || !ok {
		return common.Hash{}, false
	}
	return common.BytesToHash(data), true
}

// IsCanon reports whether the block sits on the canonical chain.
func (c *ChainIndex) IsCanon(hash common.Hash) bool {
	details, err := c.Details(hash)
	if err != nil {
		return false
	}
	canon, ok := c.CanonicalHash(details.Number)
	return ok && canon == hash
}

// BestBlockHash returns the committed best block hash.
func (c *ChainIndex) BestBlockHash() common.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.best.hash
}

// BestBlockNumber returns the committed best block height.
func (c *ChainIndex) BestBlockNumber() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.best.number
}

// BestBlockTotalDifficulty returns the committed best accumulated difficulty.
func (c *ChainIndex) BestBlockTotalDifficulty() *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return new(big.Int).Set(c.best.totalDifficulty)
}

// TreeRoute computes the path from one block to another through their
// common ancestor. Retracted hashes walk down from `from`; enacted hashes
// walk up to `to`.
func (c *ChainIndex) TreeRoute(from, to common.Hash) (*types.TreeRoute, error) {
	route := &types.TreeRoute{}

	fromDetails, err := c.Details(from)
	if err != nil {
		return nil, err
	}
	toDetails, err := c.Details(to)
	if err != nil {
		return nil, err
	}

	current, other := from, to
	currentDetails, otherDetails := fromDetails, toDetails

	var enacted []common.Hash
	for currentDetails.Number > otherDetails.Number {
		route.Retracted = append(route.Retracted, current)
		if currentDetails.IsFinalized {
			route.IsFromRouteFinalized = true
		}
		current = currentDetails.Parent
		if currentDetails, err = c.Details(current); err != nil {
			return nil, err
		}
	}
	for otherDetails.Number > currentDetails.Number {
		enacted = append(enacted, other)
		other = otherDetails.Parent
		if otherDetails, err = c.Details(other); err != nil {
			return nil, err
		}
	}
	for current != other {
		route.Retracted = append(route.Retracted, current)
		if currentDetails.IsFinalized {
			route.IsFromRouteFinalized = true
		}
		enacted = append(enacted, other)

		current = currentDetails.Parent
		other = otherDetails.Parent
		if currentDetails, err = c.Details(current); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownAncestor, err)
		}
		if otherDetails, err = c.Details(other); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownAncestor, err)
		}
	}
	route.Ancestor = current

	// Enacted hashes run ancestor-first.
	for i := len(enacted) - 1; i >= 0; i-- {
		route.Enacted = append(route.Enacted, enacted[i])
	}
	return route, nil
}

// InsertBlock writes a freshly imported block into the batch and stages
// the canonical-chain changes decided by fork choice. The returned route
// describes the change relative to the current best block. Readers see
// nothing until the batch is written and Commit is called.
func (c *ChainIndex) InsertBlock(batch *Batch, header *ethtypes.Header, blockBytes []byte, receipts ethtypes.Receipts, extras ExtrasInsert) (types.ImportRoute, error) {
	hash := header.Hash()
	number := header.Number.Uint64()

	parentDetails, err := c.Details(header.ParentHash)
	if err != nil {
		return types.ImportRoute{}, fmt.Errorf("parent of inserted block: %w", err)
	}
	td := new(big.Int).Add(parentDetails.TotalDifficulty, header.Difficulty)

	if err := c.writeBlockRecords(batch, header, blockBytes, receipts, &types.BlockDetails{
		Number:          number,
		TotalDifficulty: td,
		Parent:          header.ParentHash,
		IsFinalized:     extras.IsFinalized,
	}); err != nil {
		return types.ImportRoute{}, err
	}

	if extras.ForkChoice != types.ForkChoiceNew {
		return types.ImportRoute{Omitted: []common.Hash{hash}}, nil
	}

	// The block becomes best: rewrite the number index along the route
	// from the old best block.
	c.mu.RLock()
	bestHash := c.best.hash
	bestNumber := c.best.number
	c.mu.RUnlock()

	route := types.ImportRoute{}
	if header.ParentHash == bestHash {
		route.Enacted = []common.Hash{hash}
	} else {
		tree, err := c.TreeRoute(bestHash, header.ParentHash)
		if err != nil {
			return types.ImportRoute{}, fmt.Errorf("tree route to new best: %w", err)
		}
		route.Retracted = tree.Retracted
		route.Enacted = append(route.Enacted, tree.Enacted...)
		route.Enacted = append(route.Enacted, hash)
	}
	route.IsFinalized = extras.IsFinalized

	for _, enactedHash := range route.Enacted {
		enactedNumber := number
		if enactedHash != hash {
			details, err := c.Details(enactedHash)
			if err != nil {
				return types.ImportRoute{}, err
			}
			enactedNumber = details.Number
		}
		batch.Put(numberKey(canonPrefix, enactedNumber), enactedHash[:])
	}
	// A retracted branch longer than the new one leaves stale number
	// entries above the new head; drop them.
	for n := number + 1; n <= bestNumber; n++ {
		batch.Delete(numberKey(canonPrefix, n))
	}
	batch.Put(bestBlockKey, hash[:])

	c.mu.Lock()
	c.pending = &bestBlock{hash: hash, number: number, totalDifficulty: td}
	c.mu.Unlock()

	return route, nil
}

// InsertUnorderedBlock writes a trusted historical block below the current
// best block, updating the number index but never the best pointer.
func (c *ChainIndex) InsertUnorderedBlock(batch *Batch, header *ethtypes.Header, blockBytes []byte, receipts ethtypes.Receipts) error {
	number := header.Number.Uint64()
	parentTD := big.NewInt(0)
	if details, err := c.Details(header.ParentHash); err == nil {
		parentTD = details.TotalDifficulty
	}
	hash := header.Hash()
	if err := c.writeBlockRecords(batch, header, blockBytes, receipts, &types.BlockDetails{
		Number:          number,
		TotalDifficulty: new(big.Int).Add(parentTD, header.Difficulty),
		Parent:          header.ParentHash,
	}); err != nil {
		return err
	}
	// Index the number only when the block extends the canonical lineage
	// into a vacant slot; a historical sibling must not displace the live
	// canonical entry.
	if existing, ok := c.CanonicalHash(number); ok && existing != hash {
		return nil
	}
	if number > 0 {
		parentCanon, ok := c.CanonicalHash(number - 1)
		if !ok || parentCanon != header.ParentHash {
			return nil
		}
	}
	batch.Put(numberKey(canonPrefix, number), hash[:])
	return nil
}

func (c *ChainIndex) writeBlockRecords(batch *Batch, header *ethtypes.Header, blockBytes []byte, receipts ethtypes.Receipts, details *types.BlockDetails) error {
	hash := header.Hash()
	headerRLP, err := rlp.EncodeToBytes(header)
	if err != nil {
		return err
	}
	batch.Put(hashKey(headerPrefix, hash), headerRLP)
	batch.Put(hashKey(bodyPrefix, hash), blockBytes)

	stored := make([]*ethtypes.ReceiptForStorage, len(receipts))
	for i, r := range receipts {
		stored[i] = (*ethtypes.ReceiptForStorage)(r)
	}
	receiptsRLP, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	batch.Put(hashKey(receiptsPrefix, hash), receiptsRLP)
	return writeDetails(batch, hash, details)
}

// MarkFinalized stages a finality marker for an already stored block.
func (c *ChainIndex) MarkFinalized(batch *Batch, hash common.Hash) error {
	details, err := c.Details(hash)
	if err != nil {
		return err
	}
	if details.IsFinalized {
		return nil
	}
	details.IsFinalized = true
	return writeDetails(batch, hash, details)
}

// Commit publishes staged best-block changes to readers. It is the sync
// point between the importer's critical section and everyone else.
func (c *ChainIndex) Commit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		c.best = *c.pending
		c.pending = nil
	}
}

// InsertPendingTransition stages an epoch-change proof for a block whose
// finality is not yet decided. Pending transitions are never deleted.
func (c *ChainIndex) InsertPendingTransition(batch *Batch, hash common.Hash, transition types.PendingTransition) {
	batch.Put(hashKey(pendingPrefix, hash), transition.Proof)
}

// GetPendingTransition returns the staged proof for a block, if any.
func (c *ChainIndex) GetPendingTransition(hash common.Hash) (types.PendingTransition, bool) {
	data, ok, err := c.store.Get(hashKey(pendingPrefix, hash))
	if err != nil || !ok {
		return types.PendingTransition{}, false
	}
	return types.PendingTransition{Proof: data}, true
}

// InsertEpochTransition records a finalized epoch change. The write goes
// directly to the store rather than a buffered batch: transition proofs
// are read back through iterators, and iterators only see flushed data.
func (c *ChainIndex) InsertEpochTransition(number uint64, transition types.EpochTransition) error {
	data, err := rlp.EncodeToBytes(&epochTransitionRLP{
		BlockHash:   transition.BlockHash,
		BlockNumber: transition.BlockNumber,
		Proof:       transition.Proof,
	})
	if err != nil {
		return err
	}
	batch := c.store.NewBatch()
	batch.Put(numberKey(epochPrefix, number), data)
	return c.store.Write(batch)
}

// EpochTransitionFor returns the most recent epoch transition at or below
// the given height.
func (c *ChainIndex) EpochTransitionFor(number uint64) (types.EpochTransition, bool) {
	iter := c.store.NewIterator(epochPrefix)
	defer iter.Release()

	target := numberKey(epochPrefix, number)
	var data []byte
	if iter.Seek(target) {
		if string(iter.Key()) == string(target) {
			data = append([]byte{}, iter.Value()...)
		} else if iter.Prev() {
			data = append([]byte{}, iter.Value()...)
		}
	} else if iter.Last() {
		data = append([]byte{}, iter.Value()...)
	}
	if data == nil {
		return types.EpochTransition{}, false
	}
	var stored epochTransitionRLP
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		log.Error(log.ChainModule, "Corrupt epoch transition record", "err", err)
		return types.EpochTransition{}, false
	}
	return types.EpochTransition{
		BlockHash:   stored.BlockHash,
		BlockNumber: stored.BlockNumber,
		Proof:       stored.Proof,
	}, true
}

// HasEpochTransition reports whether a transition is recorded at exactly
// the given height.
func (c *ChainIndex) HasEpochTransition(number uint64) bool {
	ok, err := c.store.Has(numberKey(epochPrefix, number))
	return err == nil && ok
}

// AncestryIter walks a chain of headers parent by parent.
type AncestryIter struct {
	chain   *ChainIndex
	current common.Hash
}

// Ancestry returns an iterator starting at the given block and walking
// toward genesis.
func (c *ChainIndex) Ancestry(start common.Hash) *AncestryIter {
	return &AncestryIter{chain: c, current: start}
}

// Next returns the next header in the walk, or nil once past genesis or
// off the known chain.
func (it *AncestryIter) Next() *types.ExtendedHeader {
	if it.current == (common.Hash{}) {
		return nil
	}
	header, err := it.chain.ExtendedHeader(it.current)
	if err != nil {
		return nil
	}
	if header.Header.Number.Uint64() == 0 {
		it.current = common.Hash{}
	} else {
		it.current = header.Header.ParentHash
	}
	return header
}
