package verification

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openethereum/oe-go/engine"
	"github.com/openethereum/oe-go/log"
	"github.com/openethereum/oe-go/types"
)

var (
	// ErrAlreadyQueued: the block is already in flight in the queue.
	ErrAlreadyQueued = errors.New("block already queued")
	// ErrKnownBad: the block, or its parent, was previously rejected.
	ErrKnownBad = errors.New("block known to be bad")
	// ErrClosed: the queue has been shut down.
	ErrClosed = errors.New("queue closed")
)

// Status is a block's relationship to the queue.
type Status int

const (
	StatusUnknown Status = iota
	StatusQueued
	StatusBad
)

// Config sizes the queue.
type Config struct {
	// Workers is the verification pool size.
	Workers int
	// MaxQueueSize caps the number of blocks in flight before Import
	// blocks.
	MaxQueueSize int
	// MaxMemUse caps the approximate heap held by queued blocks.
	MaxMemUse int
}

// DefaultConfig mirrors long-standing queue defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		MaxQueueSize: 30000,
		MaxMemUse:    64 * 1024 * 1024,
	}
}

// Info is a point-in-time snapshot of queue occupancy, used for
// back-pressure decisions by callers.
type Info struct {
	UnverifiedCount int
	VerifyingCount  int
	VerifiedCount   int
	MemUsed         int
	MaxQueueSize    int
	MaxMemUse       int
}

// IsFull reports whether the queue is at either capacity limit.
func (i Info) IsFull() bool {
	total := i.UnverifiedCount + i.VerifyingCount + i.VerifiedCount
	return total >= i.MaxQueueSize || i.MemUsed >= i.MaxMemUse
}

// IsEmpty reports whether nothing is in flight.
func (i Info) IsEmpty() bool {
	return i.UnverifiedCount+i.VerifyingCount+i.VerifiedCount == 0
}

// verifyingEntry is a reorder-buffer slot. Slots are appended in the order
// blocks are taken off the unverified pool, which is submission order, and
// only a fully-verified prefix ever moves to the ready set. That keeps
// Drain order equal to Import order regardless of worker interleaving.
type verifyingEntry struct {
	hash    common.Hash
	mem     int
	block   *types.PreverifiedBlock
	done    bool
	failed  bool
	requeue *types.UnverifiedBlock
}

// Queue verifies blocks asynchronously on a worker pool while preserving
// submission order in its ready set.
type Queue struct {
	cfg      Config
	engine   engine.Engine
	verifier Verifier
	bad      *BadBlocks
	lg       log.Logger

	mu      sync.Mutex
	more    *sync.Cond // signalled when unverified gains an item or queue closes
	space   *sync.Cond // signalled when occupancy drops
	closed  bool
	started sync.WaitGroup

	unverified []*types.UnverifiedBlock
	verifying  []*verifyingEntry
	verified   []*types.PreverifiedBlock

	// processing tracks every in-flight hash with its difficulty, from
	// Import until MarkAsGood or MarkAsBad.
	processing map[common.Hash]*big.Int
	totalDiff  *big.Int
	memUsed    int

	ready chan struct{}
}

// NewQueue starts the worker pool immediately.
func NewQueue(cfg Config, eng engine.Engine, verifier Verifier, bad *BadBlocks, lg log.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	q := &Queue{
		cfg:        cfg,
		engine:     eng,
		verifier:   verifier,
		bad:        bad,
		lg:         lg,
		processing: make(map[common.Hash]*big.Int),
		totalDiff:  new(big.Int),
		ready:      make(chan struct{}, 1),
	}
	q.more = sync.NewCond(&q.mu)
	q.space = sync.NewCond(&q.mu)
	q.started.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go q.worker(i)
	}
	return q
}

// ReadySignal fires (coalesced) whenever new blocks reach the ready set.
func (q *Queue) ReadySignal() <-chan struct{} { return q.ready }

func (q *Queue) signalReady() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Import performs the cheap structural check and schedules the block for
// asynchronous verification. It blocks while the queue is at capacity.
// The returned hash identifies the block through the rest of the pipeline.
func (q *Queue) Import(block *types.UnverifiedBlock) (common.Hash, error) {
	hash := block.Hash()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return hash, ErrClosed
	}
	if _, exists := q.processing[hash]; exists {
		q.mu.Unlock()
		return hash, ErrAlreadyQueued
	}
	q.mu.Unlock()

	if q.bad.Contains(hash) || q.bad.Contains(block.RawHash()) {
		return hash, ErrKnownBad
	}
	if q.bad.Contains(block.ParentHash()) {
		q.bad.Report(hash, block.RawHash(), block.Bytes, "parent known bad")
		return hash, ErrKnownBad
	}

	if err := VerifyBasic(block, q.engine); err != nil {
		if !IsTemporarilyInvalid(err) {
			q.bad.Report(hash, block.RawHash(), block.Bytes, err.Error())
		}
		q.lg.Debug(log.QueueModule, "rejected at ingress", "hash", hash, "err", err)
		return hash, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && q.occupancyLocked() {
		q.space.Wait()
	}
	if q.closed {
		return hash, ErrClosed
	}
	if _, exists := q.processing[hash]; exists {
		return hash, ErrAlreadyQueued
	}
	q.unverified = append(q.unverified, block)
	q.processing[hash] = new(big.Int).Set(block.Difficulty())
	q.totalDiff.Add(q.totalDiff, block.Difficulty())
	q.memUsed += block.MemUsage()
	q.more.Signal()
	return hash, nil
}

func (q *Queue) occupancyLocked() bool {
	total := len(q.unverified) + len(q.verifying) + len(q.verified)
	return total >= q.cfg.MaxQueueSize || q.memUsed >= q.cfg.MaxMemUse
}

func (q *Queue) worker(id int) {
	defer q.started.Done()
	for {
		q.mu.Lock()
		for !q.closed && len(q.unverified) == 0 {
			q.more.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		block := q.unverified[0]
		q.unverified = q.unverified[1:]
		entry := &verifyingEntry{hash: block.Hash(), mem: block.MemUsage()}
		q.verifying = append(q.verifying, entry)
		q.mu.Unlock()

		pre, err := q.verifier.Verify(block, q.engine)

		q.mu.Lock()
		entry.done = true
		if err != nil {
			if IsTemporarilyInvalid(err) {
				// back of the line, it may verify later
				entry.requeue = block
				q.lg.Debug(log.QueueModule, "requeueing temporarily invalid block", "hash", entry.hash)
			} else {
				entry.failed = true
				q.bad.Report(entry.hash, block.RawHash(), block.Bytes, err.Error())
				q.lg.Warn(log.QueueModule, "verification failed", "hash", entry.hash, "err", err)
			}
		} else {
			entry.block = pre
		}
		q.drainVerifyingLocked()
		q.mu.Unlock()
	}
}

// drainVerifyingLocked moves the completed prefix of the reorder buffer
// into the ready set.
func (q *Queue) drainVerifyingLocked() {
	moved := false
	for len(q.verifying) > 0 && q.verifying[0].done {
		entry := q.verifying[0]
		q.verifying = q.verifying[1:]
		switch {
		case entry.failed:
			if diff, ok := q.processing[entry.hash]; ok {
				q.totalDiff.Sub(q.totalDiff, diff)
				delete(q.processing, entry.hash)
			}
			q.memUsed -= entry.mem
		case entry.requeue != nil:
			q.unverified = append(q.unverified, entry.requeue)
			q.more.Signal()
			continue
		default:
			q.verified = append(q.verified, entry.block)
			moved = true
		}
	}
	q.space.Broadcast()
	if moved {
		q.signalReady()
	}
}

// Drain removes up to max ready blocks, in submission order. The drained
// hashes stay tracked until the caller reports the import outcome via
// MarkAsGood or MarkAsBad.
func (q *Queue) Drain(max int) []*types.PreverifiedBlock {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.verified)
	if n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]*types.PreverifiedBlock, n)
	copy(out, q.verified[:n])
	q.verified = q.verified[n:]
	for _, b := range out {
		q.memUsed -= b.MemUsage()
	}
	if q.memUsed < 0 {
		q.memUsed = 0
	}
	q.space.Broadcast()
	return out
}

// MarkAsGood releases tracking for blocks that committed.
func (q *Queue) MarkAsGood(hashes []common.Hash) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, h := range hashes {
		if diff, ok := q.processing[h]; ok {
			q.totalDiff.Sub(q.totalDiff, diff)
			delete(q.processing, h)
		}
	}
}

// MarkAsBad rejects blocks that failed import and transitively evicts any
// queued descendants, which can never import.
func (q *Queue) MarkAsBad(hashes []common.Hash) {
	if len(hashes) == 0 {
		return
	}
	badSet := make(map[common.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		badSet[h] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, h := range hashes {
		if !q.bad.Contains(h) {
			q.bad.Report(h, h, nil, "rejected on import")
		}
		if diff, ok := q.processing[h]; ok {
			q.totalDiff.Sub(q.totalDiff, diff)
			delete(q.processing, h)
		}
	}
	kept := q.verified[:0]
	for _, b := range q.verified {
		_, selfBad := badSet[b.Hash()]
		_, parentBad := badSet[b.ParentHash()]
		if !selfBad && !parentBad {
			kept = append(kept, b)
			continue
		}
		if !selfBad {
			badSet[b.Hash()] = struct{}{}
			q.bad.Report(b.Hash(), b.Hash(), b.Bytes, "descendant of bad block")
		}
		if diff, ok := q.processing[b.Hash()]; ok {
			q.totalDiff.Sub(q.totalDiff, diff)
			delete(q.processing, b.Hash())
		}
		q.memUsed -= b.MemUsage()
	}
	q.verified = kept

	keptRaw := q.unverified[:0]
	for _, b := range q.unverified {
		_, selfBad := badSet[b.Hash()]
		_, parentBad := badSet[b.ParentHash()]
		if !selfBad && !parentBad {
			keptRaw = append(keptRaw, b)
			continue
		}
		if !selfBad {
			badSet[b.Hash()] = struct{}{}
			q.bad.Report(b.Hash(), b.RawHash(), b.Bytes, "descendant of bad block")
		}
		if diff, ok := q.processing[b.Hash()]; ok {
			q.totalDiff.Sub(q.totalDiff, diff)
			delete(q.processing, b.Hash())
		}
		q.memUsed -= b.MemUsage()
	}
	q.unverified = keptRaw
	if q.memUsed < 0 {
		q.memUsed = 0
	}
	q.space.Broadcast()
}

// Clear empties the queue entirely.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.unverified = nil
	q.verifying = nil
	q.verified = nil
	q.processing = make(map[common.Hash]*big.Int)
	q.totalDiff = new(big.Int)
	q.memUsed = 0
	q.space.Broadcast()
}

// Status reports a block's standing with the queue.
func (q *Queue) Status(hash common.Hash) Status {
	q.mu.Lock()
	_, inFlight := q.processing[hash]
	q.mu.Unlock()
	if inFlight {
		return StatusQueued
	}
	if q.bad.Contains(hash) {
		return StatusBad
	}
	return StatusUnknown
}

// Info snapshots queue occupancy.
func (q *Queue) Info() Info {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Info{
		UnverifiedCount: len(q.unverified),
		VerifyingCount:  len(q.verifying),
		VerifiedCount:   len(q.verified),
		MemUsed:         q.memUsed,
		MaxQueueSize:    q.cfg.MaxQueueSize,
		MaxMemUse:       q.cfg.MaxMemUse,
	}
}

// ProcessingFork reports whether any queued block extends a known block
// other than the current best, i.e. a fork branch is being verified.
func (q *Queue) ProcessingFork(best common.Hash, hasHeader func(common.Hash) bool) bool {
	q.mu.Lock()
	parents := make([]common.Hash, 0, len(q.unverified)+len(q.verified))
	for _, b := range q.unverified {
		parents = append(parents, b.ParentHash())
	}
	for _, b := range q.verified {
		parents = append(parents, b.ParentHash())
	}
	q.mu.Unlock()

	for _, p := range parents {
		if p != best && hasHeader(p) {
			return true
		}
	}
	return false
}

// TotalDifficulty sums the difficulty of every in-flight block.
func (q *Queue) TotalDifficulty() *big.Int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return new(big.Int).Set(q.totalDiff)
}

// Close stops the workers and unblocks any waiting Import.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.more.Broadcast()
	q.space.Broadcast()
	q.mu.Unlock()
	q.started.Wait()
}
