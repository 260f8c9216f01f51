package verification

import (
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
)

// badBlockCap bounds how many recently rejected blocks are remembered.
const badBlockCap = 64

// BadBlock is a rejected block kept around for diagnostics.
type BadBlock struct {
	Hash common.Hash
	// Bytes is the raw encoding as received, so the offending block can be
	// inspected even if its header does not decode.
	Bytes  []byte
	Reason string
}

// BadBlocks remembers recently rejected blocks and why. Membership is
// keyed by both the header hash and the raw-bytes hash, since a
// permanently bad block may be re-fed with the same bytes.
type BadBlocks struct {
	cache *lru.Cache[common.Hash, *BadBlock]
}

func NewBadBlocks() *BadBlocks {
	c, _ := lru.New[common.Hash, *BadBlock](badBlockCap)
	return &BadBlocks{cache: c}
}

// Report records a rejected block under both of its identities.
func (b *BadBlocks) Report(hash, rawHash common.Hash, bytes []byte, reason string) {
	bad := &BadBlock{Hash: hash, Bytes: bytes, Reason: reason}
	b.cache.Add(hash, bad)
	if rawHash != hash {
		b.cache.Add(rawHash, bad)
	}
}

// Contains reports whether the hash belongs to a known bad block.
func (b *BadBlocks) Contains(hash common.Hash) bool {
	return b.cache.Contains(hash)
}

// Get returns the recorded bad block, if still cached.
func (b *BadBlocks) Get(hash common.Hash) (*BadBlock, bool) {
	return b.cache.Get(hash)
}

// All returns every currently cached bad block.
func (b *BadBlocks) All() []*BadBlock {
	keys := b.cache.Keys()
	seen := make(map[common.Hash]struct{}, len(keys))
	var out []*BadBlock
	for _, k := range keys {
		bad, ok := b.cache.Peek(k)
		if !ok {
			continue
		}
		if _, dup := seen[bad.Hash]; dup {
			continue
		}
		seen[bad.Hash] = struct{}{}
		out = append(out, bad)
	}
	return out
}
