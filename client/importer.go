package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/openethereum/oe-go/engine"
	"github.com/openethereum/oe-go/log"
	"github.com/openethereum/oe-go/storage"
	"github.com/openethereum/oe-go/types"
	"github.com/openethereum/oe-go/verification"
)

var (
	// ErrAlreadyInChain: the block is already committed.
	ErrAlreadyInChain = errors.New("block already in chain")
	// ErrUnknownParent: the parent is not in the chain.
	ErrUnknownParent = errors.New("parent block not found")
	// ErrAncientBlock: the block is below the pruning horizon.
	ErrAncientBlock = errors.New("block is ancient")
)

// validatorCounter is implemented by engines whose finality depends on a
// validator set size.
type validatorCounter interface {
	ValidatorCount(blockHash common.Hash, caller engine.Call) (int, error)
}

// Importer owns the import critical section. All chain mutation funnels
// through importLock, one round at a time.
type Importer struct {
	importLock sync.Mutex

	engine engine.Engine
	queue  *verification.Queue
	bad    *verification.BadBlocks
	cfg    Config
	lg     log.Logger
}

func NewImporter(cfg Config, eng engine.Engine, lg log.Logger) *Importer {
	bad := verification.NewBadBlocks()
	var verifier verification.Verifier
	if cfg.TrustedImport {
		verifier = verification.TrustedVerifier{ChainID: cfg.ChainID}
	} else {
		verifier = verification.FullVerifier{ChainID: cfg.ChainID}
	}
	return &Importer{
		engine: eng,
		queue:  verification.NewQueue(cfg.Queue, eng, verifier, bad, lg),
		bad:    bad,
		cfg:    cfg,
		lg:     lg,
	}
}

// Queue exposes the verification queue.
func (i *Importer) Queue() *verification.Queue { return i.queue }

// BadBlocks exposes the rejected-block cache.
func (i *Importer) BadBlocks() *verification.BadBlocks { return i.bad }

// ImportVerifiedBlocks drains one round of ready blocks and commits them
// under the import lock. Returns how many blocks were committed. Blocks
// whose parent was rejected in the same round are rejected without being
// re-verified.
func (i *Importer) ImportVerifiedBlocks(c *Client) int {
	start := time.Now()

	i.importLock.Lock()
	blocks := i.queue.Drain(i.cfg.MaxRoundBlocks)
	if len(blocks) == 0 {
		i.importLock.Unlock()
		return 0
	}

	var (
		imported       []common.Hash
		invalid        []common.Hash
		routes         []types.ImportRoute
		invalidParents = make(map[common.Hash]struct{})
	)
	for _, block := range blocks {
		hash := block.Hash()
		if _, bad := invalidParents[block.ParentHash()]; bad {
			invalidParents[hash] = struct{}{}
			invalid = append(invalid, hash)
			i.bad.Report(hash, hash, block.Bytes, "parent rejected in same round")
			continue
		}
		locked, pending, err := i.checkAndLockBlock(c, block)
		if err != nil {
			i.lg.Warn(log.ClientModule, "rejecting block", "hash", hash, "number", block.Number(), "err", err)
			invalidParents[hash] = struct{}{}
			invalid = append(invalid, hash)
			i.bad.Report(hash, hash, block.Bytes, err.Error())
			continue
		}
		route, err := i.commitBlock(c, block, locked, pending)
		if err != nil {
			// Commit failures are storage faults, not block faults. The
			// block must not be recorded as bad; durability is mandatory.
			i.lg.Crit(log.ClientModule, "commit failed, aborting", "hash", hash, "err", err)
			break
		}
		imported = append(imported, hash)
		routes = append(routes, route)
	}

	i.queue.MarkAsGood(imported)
	i.queue.MarkAsBad(invalid)
	hasMore := i.queue.Info().VerifiedCount > 0
	i.importLock.Unlock()

	if len(imported) > 0 || len(invalid) > 0 {
		c.notifyNewBlocks(NewBlocksEvent{
			Imported:    imported,
			Invalid:     invalid,
			Route:       types.NewChainRoute(routes),
			HasMore:     hasMore,
			ProcessTime: time.Since(start),
		})
		if err := c.store.Flush(); err != nil {
			i.lg.Crit(log.ClientModule, "database flush failed", "err", err)
		}
	}
	return len(imported)
}

// checkAndLockBlock runs every remaining verification stage and enacts
// the block, without touching the database.
func (i *Importer) checkAndLockBlock(c *Client, block *types.PreverifiedBlock) (*types.LockedBlock, *types.PendingTransition, error) {
	header := block.Header
	hash := block.Hash()
	number := block.Number()

	best := c.chain.BestBlockNumber()
	if number+i.cfg.HistoryRetention < best {
		return nil, nil, fmt.Errorf("%w: number %d, best %d", ErrAncientBlock, number, best)
	}
	if c.chain.HasHeader(hash) {
		return nil, nil, ErrAlreadyInChain
	}
	parent := c.chain.Header(block.ParentHash())
	if parent == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownParent, block.ParentHash())
	}

	if err := verification.VerifyFamily(header, parent, i.engine); err != nil {
		return nil, nil, err
	}
	if err := i.engine.VerifyExternal(header, c.callerAt(block.ParentHash())); err != nil {
		return nil, nil, err
	}

	locked, err := c.machine.Enact(block, parent, c.buildLastHashes(block.ParentHash()))
	if err != nil {
		return nil, nil, fmt.Errorf("enacting block: %w", err)
	}

	if i.isEpochBegin(c, parent) {
		err := i.engine.OnEpochBegin(header.Number.Sign() == 0, header, func(addr common.Address, data []byte) ([]byte, error) {
			return c.machine.SystemCallOn(locked.State, header, addr, data)
		})
		if err != nil {
			return nil, nil, fmt.Errorf("starting epoch: %w", err)
		}
	}

	// Before the receipts validation transition the outcome field was not
	// committed to. Sealed roots over outcome-bearing receipts are still
	// valid, so only strip and recompute when the roots disagree.
	if number < i.cfg.ValidateReceiptsTransition && locked.ComputedHeader.ReceiptHash != header.ReceiptHash {
		locked.StripReceiptOutcomes()
		locked.ComputedHeader.ReceiptHash = ethtypes.DeriveSha(locked.Receipts, trie.NewStackTrie(nil))
	}

	if err := verification.VerifyFinal(header, locked.ComputedHeader); err != nil {
		return nil, nil, err
	}

	pending, err := i.checkEpochEndSignal(c, header, locked)
	if err != nil {
		return nil, nil, err
	}
	return locked, pending, nil
}

// isEpochBegin reports whether the parent is the exact block a committed
// epoch transition points at, making this block the epoch's first.
func (i *Importer) isEpochBegin(c *Client, parent *ethtypes.Header) bool {
	tr, ok := c.chain.EpochTransitionFor(parent.Number.Uint64())
	return ok && tr.BlockNumber == parent.Number.Uint64() && tr.BlockHash == parent.Hash()
}

// checkEpochEndSignal asks the engine whether the block ends an epoch and
// materializes the proof, discharging state-proof obligations against the
// block's own freshly enacted state.
func (i *Importer) checkEpochEndSignal(c *Client, header *ethtypes.Header, locked *types.LockedBlock) (*types.PendingTransition, error) {
	_, haveEpoch := c.chain.EpochTransitionFor(header.Number.Uint64() - 1)
	first := !haveEpoch
	change := i.engine.SignalsEpochEnd(first, header, engine.AuxiliaryData{
		Bytes:    locked.Bytes,
		Receipts: locked.Receipts,
	})
	switch change.Signal {
	case engine.SignalNo:
		return nil, nil
	case engine.SignalNeedReceipts:
		// receipts were supplied, so the engine can never legitimately
		// still want them
		return nil, engine.ErrInvalidEngine
	}

	proof := change.Proof
	if proof == nil && change.GenerateProof != nil {
		var err error
		proof, err = change.GenerateProof(func(addr common.Address, data []byte) ([]byte, [][]byte, error) {
			return c.machine.ProvingCallOn(locked.State, header, addr, data)
		})
		if err != nil {
			return nil, fmt.Errorf("generating epoch proof: %w", err)
		}
	}
	if proof == nil {
		return nil, engine.ErrInvalidEngine
	}
	i.lg.Debug(log.ClientModule, "block signals epoch end", "hash", header.Hash(), "number", header.Number)
	return &types.PendingTransition{Proof: proof}, nil
}

// commitBlock writes the enacted block, its state diff and the canonical
// chain update as one buffered batch, then publishes it.
func (i *Importer) commitBlock(c *Client, block *types.PreverifiedBlock, locked *types.LockedBlock, pending *types.PendingTransition) (types.ImportRoute, error) {
	header := block.Header
	hash := block.Hash()
	number := block.Number()
	batch := c.store.NewBatch()

	if pending != nil {
		c.chain.InsertPendingTransition(batch, hash, *pending)
	}
	if err := locked.State.Journal(batch, number, hash); err != nil {
		return types.ImportRoute{}, fmt.Errorf("journalling state: %w", err)
	}

	parentExt, err := c.chain.ExtendedHeader(block.ParentHash())
	if err != nil {
		return types.ImportRoute{}, err
	}
	bestExt, err := c.chain.ExtendedHeader(c.chain.BestBlockHash())
	if err != nil {
		return types.ImportRoute{}, err
	}
	newExt := &types.ExtendedHeader{
		Header:                header,
		ParentTotalDifficulty: parentExt.TotalDifficulty(),
	}
	choice := i.engine.ForkChoice(newExt, bestExt)

	// Retracting a finalized block is never allowed; if the route back to
	// the common ancestor passes one, the new branch cannot win.
	if choice == types.ForkChoiceNew && block.ParentHash() != bestExt.Header.Hash() {
		tree, err := c.chain.TreeRoute(bestExt.Header.Hash(), block.ParentHash())
		if err != nil {
			return types.ImportRoute{}, err
		}
		if tree.IsFromRouteFinalized {
			i.lg.Warn(log.ClientModule, "fork choice overridden, route retracts finalized blocks", "hash", hash)
			choice = types.ForkChoiceOld
		}
	}

	finalized := i.checkFinality(c, header, block.ParentHash())
	for _, f := range finalized {
		if err := c.chain.MarkFinalized(batch, f); err != nil {
			return types.ImportRoute{}, err
		}
	}
	isFinalized := false
	for _, f := range finalized {
		if f == hash {
			isFinalized = true
		}
	}

	route, err := c.chain.InsertBlock(batch, header, locked.Bytes, locked.Receipts, storage.ExtrasInsert{
		ForkChoice:  choice,
		IsFinalized: isFinalized,
	})
	if err != nil {
		return types.ImportRoute{}, fmt.Errorf("inserting block: %w", err)
	}

	locked.State.SyncCache(route.Enacted, route.Retracted, choice == types.ForkChoiceNew)

	if err := c.machine.PruneAncient(batch, saturatingSub(number, i.cfg.HistoryRetention)); err != nil {
		i.lg.Warn(log.ClientModule, "ancient state prune failed", "err", err)
	}

	if err := c.store.WriteBuffered(batch); err != nil {
		return types.ImportRoute{}, fmt.Errorf("writing commit batch: %w", err)
	}
	c.chain.Commit()

	i.checkEpochEnd(c, header, finalized, isFinalized)

	i.lg.Info(log.ClientModule, "imported block", "number", number, "hash", hash, "choice", choice, "enacted", len(route.Enacted), "retracted", len(route.Retracted))
	return route, nil
}

// checkFinality collects ancestors finalized by this block.
func (i *Importer) checkFinality(c *Client, header *ethtypes.Header, parentHash common.Hash) []common.Hash {
	count := 0
	if vc, ok := i.engine.(validatorCounter); ok {
		n, err := vc.ValidatorCount(parentHash, c.callerAt(parentHash))
		if err != nil {
			i.lg.Debug(log.ClientModule, "validator count unavailable", "err", err)
			return nil
		}
		count = n
	}
	return i.engine.AncestryActions(header, c.chain.Ancestry(parentHash), count)
}

// checkEpochEnd commits an epoch transition once its signalling block is
// finalized. Epoch records are written synchronously: they are read back
// through iterators, which only see flushed data.
func (i *Importer) checkEpochEnd(c *Client, header *ethtypes.Header, finalized []common.Hash, selfFinalized bool) {
	if selfFinalized {
		finalized = append(finalized, header.Hash())
	}
	proof := i.engine.IsEpochEnd(header, finalized, c.chain.GetPendingTransition)
	if proof == nil {
		return
	}
	number := header.Number.Uint64()
	err := c.chain.InsertEpochTransition(number, types.EpochTransition{
		BlockHash:   header.Hash(),
		BlockNumber: number,
		Proof:       proof,
	})
	if err != nil {
		i.lg.Error(log.ClientModule, "failed to persist epoch transition", "number", number, "err", err)
		return
	}
	i.lg.Info(log.ClientModule, "epoch transition committed", "number", number, "hash", header.Hash())
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
