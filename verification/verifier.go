package verification

import (
	"math/big"

	"github.com/openethereum/oe-go/engine"
	"github.com/openethereum/oe-go/types"
)

// Verifier is the stateless verification capability the queue's workers
// run. The choice of implementation is fixed at queue construction.
type Verifier interface {
	Verify(block *types.UnverifiedBlock, eng engine.Engine) (*types.PreverifiedBlock, error)
}

// FullVerifier performs complete stateless verification including the
// seal.
type FullVerifier struct {
	ChainID *big.Int
}

func (v FullVerifier) Verify(block *types.UnverifiedBlock, eng engine.Engine) (*types.PreverifiedBlock, error) {
	return VerifyUnordered(block, eng, v.ChainID, true)
}

// TrustedVerifier skips seal checks. Used for blocks whose validity is
// vouched for out of band, such as historical bulk import.
type TrustedVerifier struct {
	ChainID *big.Int
}

func (v TrustedVerifier) Verify(block *types.UnverifiedBlock, eng engine.Engine) (*types.PreverifiedBlock, error) {
	return VerifyUnordered(block, eng, v.ChainID, false)
}
