package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openethereum/oe-go/engine"
	"github.com/openethereum/oe-go/log"
	"github.com/openethereum/oe-go/storage"
	"github.com/openethereum/oe-go/types"
	"github.com/openethereum/oe-go/verification"
)

// lastHashesDepth is how many recent ancestor hashes the machine sees
// while enacting (the BLOCKHASH window).
const lastHashesDepth = 256

// NewBlocksEvent describes one committed import round.
type NewBlocksEvent struct {
	Imported []common.Hash
	Invalid  []common.Hash
	Route    types.ChainRoute
	// HasMore is set when the queue already holds further ready blocks,
	// so subscribers may defer expensive refreshes.
	HasMore     bool
	ProcessTime time.Duration
}

// ChainNotify receives import-round notifications outside the import
// lock.
type ChainNotify interface {
	NewBlocks(ev NewBlocksEvent)
}

// Client is the import pipeline facade: blocks go in as raw bytes, come
// out as canonical chain updates.
type Client struct {
	cfg      Config
	store    *storage.Store
	chain    *storage.ChainIndex
	engine   engine.Engine
	machine  StateMachine
	importer *Importer

	lastHashes *lru.Cache[common.Hash, []common.Hash]

	notifyMu sync.RWMutex
	notify   []ChainNotify

	loopWG sync.WaitGroup
	quit   chan struct{}
	lg     log.Logger
}

// NewClient builds the pipeline on the given store. The genesis block's
// epoch data is generated and recorded on first start.
func NewClient(cfg Config, store *storage.Store, eng engine.Engine, machine StateMachine, lg log.Logger) (*Client, error) {
	if cfg.Genesis == nil {
		return nil, errors.New("genesis header required")
	}
	if cfg.MaxRoundBlocks <= 0 {
		cfg.MaxRoundBlocks = DefaultConfig().MaxRoundBlocks
	}
	chain, err := storage.NewChainIndex(store, cfg.Genesis)
	if err != nil {
		return nil, fmt.Errorf("opening chain index: %w", err)
	}
	hashCache, _ := lru.New[common.Hash, []common.Hash](16)
	c := &Client{
		cfg:        cfg,
		store:      store,
		chain:      chain,
		engine:     eng,
		machine:    machine,
		importer:   NewImporter(cfg, eng, lg),
		lastHashes: hashCache,
		quit:       make(chan struct{}),
		lg:         lg,
	}
	if err := c.ensureGenesisEpochData(); err != nil {
		return nil, err
	}
	return c, nil
}

// ensureGenesisEpochData records the epoch-zero proof so the first real
// epoch transition is never mistaken for the first contract block.
func (c *Client) ensureGenesisEpochData() error {
	if c.chain.HasEpochTransition(0) {
		return nil
	}
	genesis := c.cfg.Genesis
	proof, err := c.engine.GenesisEpochData(genesis, func(addr common.Address, data []byte) ([]byte, [][]byte, error) {
		return c.machine.ProvingCall(genesis.Hash(), addr, data)
	})
	if err != nil {
		return fmt.Errorf("generating genesis epoch data: %w", err)
	}
	return c.chain.InsertEpochTransition(0, types.EpochTransition{
		BlockHash:   genesis.Hash(),
		BlockNumber: 0,
		Proof:       proof,
	})
}

// Start runs the import loop, which drains the queue whenever blocks
// become ready.
func (c *Client) Start() {
	c.loopWG.Add(1)
	go func() {
		defer c.loopWG.Done()
		ready := c.importer.queue.ReadySignal()
		for {
			select {
			case <-ready:
				for c.importer.ImportVerifiedBlocks(c) > 0 {
				}
			case <-c.quit:
				return
			}
		}
	}()
}

// Close stops the import loop and the queue. The store stays open; it
// belongs to the caller.
func (c *Client) Close() {
	close(c.quit)
	c.importer.queue.Close()
	c.loopWG.Wait()
}

// AddNotify subscribes to import-round events.
func (c *Client) AddNotify(n ChainNotify) {
	c.notifyMu.Lock()
	c.notify = append(c.notify, n)
	c.notifyMu.Unlock()
}

func (c *Client) notifyNewBlocks(ev NewBlocksEvent) {
	c.notifyMu.RLock()
	subs := make([]ChainNotify, len(c.notify))
	copy(subs, c.notify)
	c.notifyMu.RUnlock()
	for _, n := range subs {
		n.NewBlocks(ev)
	}
}

// ImportBlock queues raw block bytes for verification and import.
func (c *Client) ImportBlock(data []byte) (common.Hash, error) {
	block, err := types.NewUnverifiedBlock(data)
	if err != nil {
		return common.Hash{}, err
	}
	if c.chain.HasHeader(block.Hash()) {
		return block.Hash(), ErrAlreadyInChain
	}
	return c.importer.queue.Import(block)
}

// ImportOldBlock inserts a trusted historical block below the current
// best, bypassing the queue. Used for bulk backfill where validity is
// vouched for out of band.
func (c *Client) ImportOldBlock(data []byte) (common.Hash, error) {
	block, err := types.NewUnverifiedBlock(data)
	if err != nil {
		return common.Hash{}, err
	}
	hash := block.Hash()
	if c.chain.HasHeader(hash) {
		return hash, ErrAlreadyInChain
	}
	if block.Number() >= c.chain.BestBlockNumber() {
		return hash, errors.New("old block import above best block")
	}

	c.importer.importLock.Lock()
	defer c.importer.importLock.Unlock()
	batch := c.store.NewBatch()
	if err := c.chain.InsertUnorderedBlock(batch, block.Header, block.Bytes, nil); err != nil {
		return hash, err
	}
	if err := c.store.WriteBuffered(batch); err != nil {
		return hash, err
	}
	c.lg.Debug(log.ClientModule, "imported old block", "number", block.Number(), "hash", hash)
	return hash, nil
}

// ImportVerifiedBlocks runs import rounds until the ready set is empty.
// Exposed for callers that drive the pipeline without the loop.
func (c *Client) ImportVerifiedBlocks() int {
	total := 0
	for {
		n := c.importer.ImportVerifiedBlocks(c)
		if n == 0 {
			return total
		}
		total += n
	}
}

// QueueInfo snapshots verification queue occupancy.
func (c *Client) QueueInfo() verification.Info {
	return c.importer.queue.Info()
}

// QueueStatus reports a block's standing with the queue.
func (c *Client) QueueStatus(hash common.Hash) verification.Status {
	return c.importer.queue.Status(hash)
}

// ClearQueue drops every in-flight block.
func (c *Client) ClearQueue() {
	c.importer.queue.Clear()
}

// IsProcessingFork reports whether the queue holds blocks building on a
// known non-best branch.
func (c *Client) IsProcessingFork() bool {
	return c.importer.queue.ProcessingFork(c.chain.BestBlockHash(), c.chain.HasHeader)
}

// BadBlocks lists recently rejected blocks.
func (c *Client) BadBlocks() []*verification.BadBlock {
	return c.importer.bad.All()
}

// Chain exposes the chain index for read access.
func (c *Client) Chain() *storage.ChainIndex { return c.chain }

// BestBlockHash returns the committed best block hash.
func (c *Client) BestBlockHash() common.Hash { return c.chain.BestBlockHash() }

// BestBlockNumber returns the committed best block height.
func (c *Client) BestBlockNumber() uint64 { return c.chain.BestBlockNumber() }

// CallContract runs a read-only contract call against the state at
// blockHash.
func (c *Client) CallContract(blockHash common.Hash, addr common.Address, data []byte) ([]byte, error) {
	return c.machine.Call(blockHash, addr, data)
}

// callerAt builds the engine's read-only caller bound to one state.
func (c *Client) callerAt(blockHash common.Hash) engine.Call {
	return func(addr common.Address, data []byte) ([]byte, error) {
		return c.machine.Call(blockHash, addr, data)
	}
}

// buildLastHashes collects up to 256 ancestor hashes starting at parent,
// most recent first. Results are cached; ancestry is immutable.
func (c *Client) buildLastHashes(parent common.Hash) []common.Hash {
	if hashes, ok := c.lastHashes.Get(parent); ok {
		return hashes
	}
	hashes := make([]common.Hash, 0, lastHashesDepth)
	current := parent
	for len(hashes) < lastHashesDepth {
		header := c.chain.Header(current)
		if header == nil {
			break
		}
		hashes = append(hashes, current)
		if header.Number.Uint64() == 0 {
			break
		}
		current = header.ParentHash
	}
	c.lastHashes.Add(parent, hashes)
	return hashes
}

// EngineTransactions returns contract calls the engine wants included
// when sealing on top of parent.
func (c *Client) EngineTransactions(parent *ethtypes.Header) ([]engine.EngineTransaction, error) {
	_, haveEpoch := c.chain.EpochTransitionFor(parent.Number.Uint64())
	return c.engine.GenerateEngineTransactions(!haveEpoch, parent, engine.SystemCall(c.callerAt(parent.Hash())))
}

// CloseBlock runs the engine's end-of-block duties for a locally sealed
// block, submitting queued malice reports through sender.
func (c *Client) CloseBlock(header *ethtypes.Header, sender engine.TransactionSender) error {
	return c.engine.OnCloseBlock(header, c.cfg.Author, c.callerAt(c.chain.BestBlockHash()), sender)
}
