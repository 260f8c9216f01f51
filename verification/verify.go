package verification

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/openethereum/oe-go/engine"
	"github.com/openethereum/oe-go/types"
)

// acceptableClockDrift tolerates slightly future timestamps before a block
// is deemed temporarily invalid.
const acceptableClockDrift = 15 * time.Second

var (
	errFutureTimestamp  = errors.New("timestamp too far in the future")
	errZeroNumber       = errors.New("genesis cannot be imported")
	errGasUsedExceeds   = errors.New("gas used exceeds gas limit")
	errTxRootMismatch   = errors.New("transactions root mismatch")
	errUncleHashMis     = errors.New("uncles hash mismatch")
	errWrongParent      = errors.New("parent hash mismatch")
	errWrongNumber      = errors.New("number is not parent number + 1")
	errFieldsDiffer     = errors.New("computed header fields differ from sealed header")
	errInvalidSignature = errors.New("invalid transaction signature")
)

// VerifyBasic runs the cheap structural checks performed synchronously at
// queue ingress. It must stay inexpensive: it runs on the caller.
func VerifyBasic(block *types.UnverifiedBlock, eng engine.Engine) error {
	h := block.Header
	if h.Number == nil || h.Number.Sign() == 0 {
		return newError(KindStructural, block.Hash(), errZeroNumber)
	}
	if h.GasLimit == 0 {
		return newError(KindStructural, block.Hash(), types.ErrZeroGasLimit)
	}
	if h.GasUsed > h.GasLimit {
		return newError(KindStructural, block.Hash(), errGasUsedExceeds)
	}
	if err := eng.VerifyBasic(h); err != nil {
		return newError(KindStructural, block.Hash(), err)
	}
	if h.Time > uint64(time.Now().Add(acceptableClockDrift).Unix()) {
		return newError(KindTemporarilyInvalid, block.Hash(), errFutureTimestamp)
	}
	return nil
}

// VerifyUnordered is the expensive stateless stage run on the worker pool:
// body roots, transaction signatures and, unless the verifier is trusted,
// the seal shape. No parent data is available here.
func VerifyUnordered(block *types.UnverifiedBlock, eng engine.Engine, chainID *big.Int, checkSeal bool) (*types.PreverifiedBlock, error) {
	h := block.Header

	txRoot := ethtypes.DeriveSha(ethtypes.Transactions(block.Transactions), trie.NewStackTrie(nil))
	if txRoot != h.TxHash {
		return nil, newError(KindStructural, block.Hash(), fmt.Errorf("%w: got %x want %x", errTxRootMismatch, txRoot, h.TxHash))
	}
	uncleEnc, err := rlp.EncodeToBytes(block.Uncles)
	if err != nil {
		return nil, newError(KindStructural, block.Hash(), err)
	}
	if crypto.Keccak256Hash(uncleEnc) != h.UncleHash {
		return nil, newError(KindStructural, block.Hash(), errUncleHashMis)
	}

	signer := ethtypes.LatestSignerForChainID(chainID)
	for _, tx := range block.Transactions {
		if _, err := ethtypes.Sender(signer, tx); err != nil {
			return nil, newError(KindStructural, block.Hash(), fmt.Errorf("%w: %v", errInvalidSignature, err))
		}
	}

	if checkSeal {
		if err := eng.VerifyUnordered(h); err != nil {
			kind := KindStructural
			if errors.Is(err, engine.ErrTemporarilyInvalid) {
				kind = KindTemporarilyInvalid
			}
			return nil, newError(kind, block.Hash(), err)
		}
	}
	return &types.PreverifiedBlock{
		Header:       h,
		Uncles:       block.Uncles,
		Transactions: block.Transactions,
		Bytes:        block.Bytes,
	}, nil
}

// VerifyFamily checks a header against its parent, once the parent is
// known to the chain.
func VerifyFamily(header, parent *ethtypes.Header, eng engine.Engine) error {
	if header.ParentHash != parent.Hash() {
		return newError(KindFamily, header.Hash(), errWrongParent)
	}
	if header.Number.Uint64() != parent.Number.Uint64()+1 {
		return newError(KindFamily, header.Hash(), errWrongNumber)
	}
	if err := eng.VerifyFamily(header, parent); err != nil {
		return newError(KindFamily, header.Hash(), err)
	}
	return nil
}

// VerifyFinal compares the sealed header against the header recomputed by
// execution. A mismatch in any committed field rejects the block.
func VerifyFinal(sealed, computed *ethtypes.Header) error {
	switch {
	case sealed.Root != computed.Root:
		return newError(KindFinal, sealed.Hash(), fmt.Errorf("%w: state root got %x want %x", errFieldsDiffer, computed.Root, sealed.Root))
	case sealed.GasUsed != computed.GasUsed:
		return newError(KindFinal, sealed.Hash(), fmt.Errorf("%w: gas used got %d want %d", errFieldsDiffer, computed.GasUsed, sealed.GasUsed))
	case sealed.ReceiptHash != computed.ReceiptHash:
		return newError(KindFinal, sealed.Hash(), fmt.Errorf("%w: receipts root got %x want %x", errFieldsDiffer, computed.ReceiptHash, sealed.ReceiptHash))
	case sealed.Bloom != computed.Bloom:
		return newError(KindFinal, sealed.Hash(), fmt.Errorf("%w: logs bloom", errFieldsDiffer))
	}
	return nil
}
