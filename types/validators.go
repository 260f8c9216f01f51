package types

import (
	"github.com/ethereum/go-ethereum/common"
)

// ValidatorList is the ordered set of addresses authorized to produce
// blocks during one epoch. Order matters: the sealing schedule is derived
// from list position.
type ValidatorList struct {
	validators []common.Address
}

func NewValidatorList(validators []common.Address) *ValidatorList {
	return &ValidatorList{validators: validators}
}

// Contains reports whether the address is in the set.
func (l *ValidatorList) Contains(address common.Address) bool {
	for _, v := range l.validators {
		if v == address {
			return true
		}
	}
	return false
}

// AddressAt returns the validator for the given slot, wrapping around the
// list length.
func (l *ValidatorList) AddressAt(slot uint64) common.Address {
	if len(l.validators) == 0 {
		return common.Address{}
	}
	return l.validators[slot%uint64(len(l.validators))]
}

// Count returns the number of validators in the set.
func (l *ValidatorList) Count() int { return len(l.validators) }

// Addresses returns the backing slice. Callers must not mutate it.
func (l *ValidatorList) Addresses() []common.Address { return l.validators }

// Equal reports whether both lists hold the same addresses in the same
// order.
func (l *ValidatorList) Equal(other *ValidatorList) bool {
	if len(l.validators) != len(other.validators) {
		return false
	}
	for i, v := range l.validators {
		if other.validators[i] != v {
			return false
		}
	}
	return true
}
