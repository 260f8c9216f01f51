package engine

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// maxQueuedReports bounds the malice report queue. When full, the oldest
// entry is dropped to make room.
const maxQueuedReports = 10

// maxReportsPerBlock bounds how many reports are resubmitted per block.
const maxReportsPerBlock = 10

// reportsSkipBlocks is how many blocks to wait before resending reports
// that have not landed on chain.
const reportsSkipBlocks = 1

type report struct {
	validator common.Address
	number    uint64
	data      []byte
}

// reportQueue is a FIFO of pending malice reports awaiting submission.
type reportQueue struct {
	mu      sync.Mutex
	reports []report
}

func (q *reportQueue) push(validator common.Address, number uint64, data []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.reports) >= maxQueuedReports {
		q.reports = q.reports[1:]
	}
	q.reports = append(q.reports, report{validator: validator, number: number, data: data})
}

// filter drops queued reports the keep predicate rejects.
func (q *reportQueue) filter(keep func(validator common.Address, number uint64) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.reports[:0]
	for _, r := range q.reports {
		if keep(r.validator, r.number) {
			kept = append(kept, r)
		}
	}
	q.reports = kept
}

// snapshot returns up to max of the oldest queued reports.
func (q *reportQueue) snapshot(max int) []report {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.reports)
	if n > max {
		n = max
	}
	out := make([]report, n)
	copy(out, q.reports[:n])
	return out
}

func (q *reportQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.reports)
}
