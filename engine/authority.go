package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/openethereum/oe-go/log"
	"github.com/openethereum/oe-go/types"
)

// extraSealBytes is the length of the secp256k1 sealer signature carried
// at the end of the header extra-data.
const extraSealBytes = 65

// Authority is a proof-of-authority engine whose validator set is managed
// by an on-chain contract. Blocks are sealed by a validator signature over
// the header, and finality follows from a majority of distinct validators
// building on a block.
type Authority struct {
	validators *ValidatorSafeContract
	lg         log.Logger
}

// NewAuthority builds the engine around the given validator set contract.
func NewAuthority(cfg SafeContractConfig, lg log.Logger) *Authority {
	return &Authority{
		validators: NewValidatorSafeContract(cfg, lg),
		lg:         lg,
	}
}

// Validators exposes the backing validator set.
func (a *Authority) Validators() *ValidatorSafeContract {
	return a.validators
}

func (a *Authority) Name() string { return "authority" }

// SealHash is the hash the sealer signs: the header with the signature
// stripped from the extra-data.
func SealHash(header *ethtypes.Header) common.Hash {
	h := ethtypes.CopyHeader(header)
	h.Extra = h.Extra[:len(h.Extra)-extraSealBytes]
	enc, err := rlp.EncodeToBytes(h)
	if err != nil {
		panic(fmt.Sprintf("header must encode: %v", err))
	}
	return crypto.Keccak256Hash(enc)
}

// RecoverSealer extracts the sealing address from the header signature.
func RecoverSealer(header *ethtypes.Header) (common.Address, error) {
	if len(header.Extra) < extraSealBytes {
		return common.Address{}, fmt.Errorf("%w: extra-data too short for seal", ErrInvalidSeal)
	}
	sig := header.Extra[len(header.Extra)-extraSealBytes:]
	pub, err := crypto.Ecrecover(SealHash(header).Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSeal, err)
	}
	var addr common.Address
	copy(addr[:], crypto.Keccak256(pub[1:])[12:])
	return addr, nil
}

func (a *Authority) VerifyBasic(header *ethtypes.Header) error {
	if header.Number == nil || header.Difficulty == nil {
		return fmt.Errorf("%w: missing number or difficulty", ErrInvalidSeal)
	}
	if len(header.Extra) < extraSealBytes {
		return fmt.Errorf("%w: extra-data too short for seal", ErrInvalidSeal)
	}
	return nil
}

// VerifyUnordered checks that the seal signature is recoverable. Run on
// the verification worker pool; needs no chain state.
func (a *Authority) VerifyUnordered(header *ethtypes.Header) error {
	_, err := RecoverSealer(header)
	return err
}

func (a *Authority) VerifyFamily(header, parent *ethtypes.Header) error {
	if header.Time <= parent.Time {
		return fmt.Errorf("%w: timestamp %d not after parent %d", ErrInvalidSeal, header.Time, parent.Time)
	}
	return nil
}

// VerifyExternal checks that the sealer belongs to the validator set
// defined by the parent's state.
func (a *Authority) VerifyExternal(header *ethtypes.Header, caller Call) error {
	sealer, err := RecoverSealer(header)
	if err != nil {
		return err
	}
	ok, err := a.validators.Contains(header.ParentHash, sealer, caller)
	if err != nil {
		return err
	}
	if !ok {
		a.lg.Warn(log.EngineModule, "seal by non-validator", "block", header.Number, "sealer", sealer)
		return fmt.Errorf("%w: %s", ErrUnauthorizedSealer, sealer)
	}
	return nil
}

// ForkChoice prefers the chain with more total difficulty. Ties keep the
// current best.
func (a *Authority) ForkChoice(newHeader, best *types.ExtendedHeader) types.ForkChoice {
	if newHeader.TotalDifficulty().Cmp(best.TotalDifficulty()) > 0 {
		return types.ForkChoiceNew
	}
	return types.ForkChoiceOld
}

func (a *Authority) SignalsEpochEnd(first bool, header *ethtypes.Header, aux AuxiliaryData) EpochChange {
	return a.validators.SignalsEpochEnd(first, header, aux)
}

// IsEpochEnd commits a pending transition once its signalling block is
// finalized.
func (a *Authority) IsEpochEnd(_ *ethtypes.Header, finalized []common.Hash, pendingOf func(common.Hash) (types.PendingTransition, bool)) []byte {
	for _, hash := range finalized {
		if t, ok := pendingOf(hash); ok {
			return t.Proof
		}
	}
	return nil
}

func (a *Authority) EpochSet(first bool, machine Machine, number uint64, proof []byte) (*types.ValidatorList, common.Hash, error) {
	return a.validators.EpochSet(first, machine, number, proof)
}

func (a *Authority) OnEpochBegin(first bool, header *ethtypes.Header, caller SystemCall) error {
	return a.validators.OnEpochBegin(first, header, caller)
}

func (a *Authority) OnCloseBlock(header *ethtypes.Header, ourAddress common.Address, caller Call, sender TransactionSender) error {
	return a.validators.OnCloseBlock(header, ourAddress, caller, sender)
}

// AncestryActions finalizes every ancestor once a strict majority of
// distinct validators have sealed blocks above it. The walk stops at the
// first already-finalized ancestor. Returned hashes are oldest first.
func (a *Authority) AncestryActions(header *ethtypes.Header, ancestry Ancestry, validatorCount int) []common.Hash {
	if validatorCount == 0 {
		return nil
	}
	seen := make(map[common.Address]struct{})
	if sealer, err := RecoverSealer(header); err == nil {
		seen[sealer] = struct{}{}
	}

	var finalized []common.Hash
	for {
		ext := ancestry.Next()
		if ext == nil || ext.IsFinalized {
			break
		}
		if len(seen)*2 > validatorCount {
			finalized = append(finalized, ext.Header.Hash())
		}
		if sealer, err := RecoverSealer(ext.Header); err == nil {
			seen[sealer] = struct{}{}
		}
	}
	// reverse to oldest-first so transitions commit in chain order
	for i, j := 0, len(finalized)-1; i < j; i, j = i+1, j-1 {
		finalized[i], finalized[j] = finalized[j], finalized[i]
	}
	return finalized
}

// ValidatorCount reports the validator set size as of blockHash, for
// finality thresholds.
func (a *Authority) ValidatorCount(blockHash common.Hash, caller Call) (int, error) {
	return a.validators.Count(blockHash, caller)
}

func (a *Authority) GenesisEpochData(header *ethtypes.Header, caller ProvingCall) ([]byte, error) {
	return a.validators.GenesisEpochData(header, caller)
}

func (a *Authority) GenerateEngineTransactions(first bool, header *ethtypes.Header, caller SystemCall) ([]EngineTransaction, error) {
	return a.validators.GenerateEngineTransactions(first, header, caller)
}
