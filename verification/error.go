// Package verification implements the staged block verification pipeline:
// cheap structural checks at ingress, a concurrent stateless verification
// pool, and the ordered ready set the importer drains.
package verification

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Kind classifies a verification failure, deciding how the queue and
// importer treat the block.
type Kind int

const (
	// KindStructural: the block is malformed and permanently bad.
	KindStructural Kind = iota
	// KindTemporarilyInvalid: the block may become valid later (e.g. a
	// timestamp slightly in the future). It is not marked bad.
	KindTemporarilyInvalid
	// KindFamily: the block contradicts its parent.
	KindFamily
	// KindExternal: the seal is invalid.
	KindExternal
	// KindFinal: post-execution header fields do not match the computed
	// ones.
	KindFinal
)

func (k Kind) String() string {
	switch k {
	case KindStructural:
		return "structural"
	case KindTemporarilyInvalid:
		return "temporarily-invalid"
	case KindFamily:
		return "family"
	case KindExternal:
		return "external"
	case KindFinal:
		return "final"
	default:
		return "unknown"
	}
}

// Error is a verification failure tied to a block.
type Error struct {
	Kind Kind
	Hash common.Hash
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s verification of %s failed: %v", e.Kind, e.Hash, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, hash common.Hash, err error) *Error {
	return &Error{Kind: kind, Hash: hash, Err: err}
}

// IsTemporarilyInvalid reports whether err is a retryable verification
// failure.
func IsTemporarilyInvalid(err error) bool {
	var verr *Error
	return errors.As(err, &verr) && verr.Kind == KindTemporarilyInvalid
}
