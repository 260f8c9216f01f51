// Package client wires the verification queue, the consensus engine and
// the chain index into the block import pipeline.
package client

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/openethereum/oe-go/verification"
)

// Config carries the import pipeline parameters.
type Config struct {
	// ChainID is used for transaction signature recovery.
	ChainID *big.Int

	// Genesis is the chain's genesis header.
	Genesis *ethtypes.Header

	// MaxRoundBlocks caps how many blocks one import round commits before
	// releasing the import lock so other writers get a turn.
	MaxRoundBlocks int

	// ValidateReceiptsTransition is the first block whose receipt outcome
	// fields are validated against the sealed header. Before it, outcomes
	// are stripped prior to final verification.
	ValidateReceiptsTransition uint64

	// HistoryRetention is how many recent blocks of state journal to keep.
	// Older entries are pruned best-effort at commit.
	HistoryRetention uint64

	// Author is the local sealer address, used when submitting queued
	// malice reports.
	Author common.Address

	// TrustedImport selects the no-seal verifier for the queue, for
	// blocks vouched for out of band.
	TrustedImport bool

	// Queue sizes the verification queue.
	Queue verification.Config
}

// DefaultConfig mirrors long-standing client defaults.
func DefaultConfig() Config {
	return Config{
		ChainID:          big.NewInt(1),
		MaxRoundBlocks:   12,
		HistoryRetention: 64,
		Queue:            verification.DefaultConfig(),
	}
}
