package types

import (
	"github.com/ethereum/go-ethereum/common"
)

// ForkChoice is the engine's verdict on where a freshly imported block
// belongs relative to the current best block.
type ForkChoice int

const (
	// ForkChoiceNew makes the imported block the new best block.
	ForkChoiceNew ForkChoice = iota
	// ForkChoiceOld leaves the current best block in place.
	ForkChoiceOld
)

func (f ForkChoice) String() string {
	if f == ForkChoiceNew {
		return "new"
	}
	return "old"
}

// TreeRoute is the path between two points in the chain index: the common
// ancestor plus the hashes retracted walking down from the starting point
// and enacted walking up to the destination.
type TreeRoute struct {
	Ancestor common.Hash
	// Retracted blocks, starting point first.
	Retracted []common.Hash
	// Enacted blocks, destination last.
	Enacted []common.Hash
	// IsFromRouteFinalized is set when any retracted block carries a
	// finality marker. Fork choice must never revert such a route.
	IsFromRouteFinalized bool
}

// ImportRoute describes what one committed block did to the canonical
// chain, relative to the best block before the commit.
type ImportRoute struct {
	// Enacted hashes now on the canonical chain, best block last.
	Enacted []common.Hash
	// Retracted hashes no longer on the canonical chain.
	Retracted []common.Hash
	// Omitted is the block itself when it was inserted as a branch.
	Omitted []common.Hash
	// IsFinalized is set when the committed block was immediately finalized.
	IsFinalized bool
}

// IsNone reports whether the commit changed nothing canonical.
func (r *ImportRoute) IsNone() bool {
	return len(r.Enacted) == 0 && len(r.Retracted) == 0
}

// ChainRoute aggregates the ImportRoutes of one import round in commit
// order, deduplicating blocks that were enacted and later retracted within
// the same round.
type ChainRoute struct {
	enacted   []common.Hash
	retracted []common.Hash
}

// NewChainRoute folds per-block routes into the net effect of the round.
func NewChainRoute(routes []ImportRoute) ChainRoute {
	var route ChainRoute
	enacted := make(map[common.Hash]struct{})
	retracted := make(map[common.Hash]struct{})
	for _, r := range routes {
		for _, hash := range r.Retracted {
			if _, ok := enacted[hash]; ok {
				delete(enacted, hash)
				route.enacted = remove(route.enacted, hash)
			}
			if _, ok := retracted[hash]; !ok {
				retracted[hash] = struct{}{}
				route.retracted = append(route.retracted, hash)
			}
		}
		for _, hash := range r.Enacted {
			if _, ok := retracted[hash]; ok {
				delete(retracted, hash)
				route.retracted = remove(route.retracted, hash)
			}
			if _, ok := enacted[hash]; !ok {
				enacted[hash] = struct{}{}
				route.enacted = append(route.enacted, hash)
			}
		}
	}
	return route
}

func remove(hashes []common.Hash, hash common.Hash) []common.Hash {
	for i, h := range hashes {
		if h == hash {
			return append(hashes[:i], hashes[i+1:]...)
		}
	}
	return hashes
}

// Enacted returns the hashes enacted over the whole round, commit order.
func (r *ChainRoute) Enacted() []common.Hash { return r.enacted }

// Retracted returns the hashes retracted over the whole round.
func (r *ChainRoute) Retracted() []common.Hash { return r.retracted }
