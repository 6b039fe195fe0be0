// fork from github.com/tendermint/tendermint/types/validator_set.go
package types

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/merkle"

	"github.com/tari-project/tari-dan-sub001/crypto/bls"
)

// ValidatorSet is one committee for one epoch, sorted by address so every
// member derives the same leader schedule and signer indexes.
//
// NOTE: Not goroutine-safe.
// NOTE: All get/set to validators should copy the value for safety.
type ValidatorSet struct {
	// NOTE: persisted via reflect, must be exported.
	Validators []*Validator `json:"validators"`
}

// NewValidatorSet initializes a ValidatorSet by copying over the values
// from `valz`, a list of Validators, sorted by address. If valz is nil or
// empty, the new ValidatorSet will have an empty list of Validators.
func NewValidatorSet(valz []*Validator) *ValidatorSet {
	vals := &ValidatorSet{}
	vals.Validators = validatorListCopy(valz)
	sort.Slice(vals.Validators, func(i, j int) bool {
		return bytes.Compare(vals.Validators[i].Address, vals.Validators[j].Address) < 0
	})
	return vals
}

func (vals *ValidatorSet) ValidateBasic() error {
	if vals.IsNilOrEmpty() {
		return errors.New("validator set is nil or empty")
	}

	for idx, val := range vals.Validators {
		if err := val.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid validator #%d: %w", idx, err)
		}
	}

	return nil
}

// IsNilOrEmpty returns true if validator set is nil or empty.
func (vals *ValidatorSet) IsNilOrEmpty() bool {
	return vals == nil || len(vals.Validators) == 0
}

// Makes a copy of the validator list.
func validatorListCopy(valsList []*Validator) []*Validator {
	if valsList == nil {
		return nil
	}
	valsCopy := make([]*Validator, len(valsList))
	for i, val := range valsList {
		valsCopy[i] = val.Copy()
	}
	return valsCopy
}

// Copy each validator into a new ValidatorSet.
func (vals *ValidatorSet) Copy() *ValidatorSet {
	return &ValidatorSet{
		Validators: validatorListCopy(vals.Validators),
	}
}

// HasAddress returns true if address given is in the validator set, false -
// otherwise.
func (vals *ValidatorSet) HasAddress(address []byte) bool {
	for _, val := range vals.Validators {
		if bytes.Equal(val.Address, address) {
			return true
		}
	}
	return false
}

// GetByAddress returns an index of the validator with address and validator
// itself (copy) if found. Otherwise, -1 and nil are returned.
func (vals *ValidatorSet) GetByAddress(address []byte) (index int32, val *Validator) {
	for idx, val := range vals.Validators {
		if bytes.Equal(val.Address, address) {
			return int32(idx), val.Copy()
		}
	}
	return -1, nil
}

// GetByIndex returns the validator's address and validator itself (copy) by
// index.
// It returns nil values if index is less than 0 or greater or equal to
// len(ValidatorSet.Validators).
func (vals *ValidatorSet) GetByIndex(index int32) (address []byte, val *Validator) {
	if index < 0 || int(index) >= len(vals.Validators) {
		return nil, nil
	}
	val = vals.Validators[index]
	return val.Address, val.Copy()
}

// Size returns the length of the validator set.
func (vals *ValidatorSet) Size() int {
	return len(vals.Validators)
}

// MaxFailures is f: the number of faulty members the committee tolerates.
func (vals *ValidatorSet) MaxFailures() int {
	if vals.Size() == 0 {
		return 0
	}
	return (vals.Size() - 1) / 3
}

// QuorumThreshold is 2f+1: the number of matching votes that certify a
// block.
func (vals *ValidatorSet) QuorumThreshold() int {
	return 2*vals.MaxFailures() + 1
}

// Leader returns the proposer for (height, round): round-robin over the
// address-sorted members, offset by the round so a silent leader is skipped
// after a timeout. If the validator set is empty, nil is returned.
func (vals *ValidatorSet) Leader(height uint64, round uint64) (leader *Validator) {
	if len(vals.Validators) == 0 {
		return nil
	}
	idx := (height + round) % uint64(len(vals.Validators))
	return vals.Validators[idx].Copy()
}

// Hash returns the Merkle root hash build using validators (as leaves) in
// the set.
func (vals *ValidatorSet) Hash() []byte {
	bzs := make([][]byte, len(vals.Validators))
	for i, val := range vals.Validators {
		bzs[i] = val.Bytes()
	}
	return merkle.HashFromByteSlices(bzs)
}

// Iterate will run the given function over the set.
func (vals *ValidatorSet) Iterate(fn func(index int, val *Validator) bool) {
	for i, val := range vals.Validators {
		stop := fn(i, val.Copy())
		if stop {
			break
		}
	}
}

// VerifyQuorumCertificate checks that qc carries 2f+1 distinct committee
// signers and that the aggregated signature verifies against their
// aggregated public key over the vote challenge.
func (vals *ValidatorSet) VerifyQuorumCertificate(chainID string, qc *QuorumCertificate) error {
	if qc == nil {
		return errors.New("nil quorum certificate")
	}
	if qc.IsGenesis() {
		return nil
	}
	if err := qc.ValidateBasic(); err != nil {
		return err
	}
	if got, needed := len(qc.Signers), vals.QuorumThreshold(); got < needed {
		return ErrNotEnoughVotesSigned{Got: int64(got), Needed: int64(needed)}
	}
	pubKeys := make([]crypto.PubKey, 0, len(qc.Signers))
	for _, idx := range qc.Signers {
		_, val := vals.GetByIndex(idx)
		if val == nil {
			return fmt.Errorf("qc signer index %d outside committee of %d", idx, vals.Size())
		}
		pubKeys = append(pubKeys, val.PubKey)
	}
	msg := VoteSignBytes(chainID, qc.Epoch, qc.BlockHeight, qc.BlockID, qc.Decision)
	if err := bls.VerifyAggregate(pubKeys, msg, qc.Signature); err != nil {
		return fmt.Errorf("qc aggregate signature invalid: %w", err)
	}
	return nil
}

//-----------------

// IsErrNotEnoughVotesSigned returns true if err is ErrNotEnoughVotesSigned.
func IsErrNotEnoughVotesSigned(err error) bool {
	return errors.As(err, &ErrNotEnoughVotesSigned{})
}

// ErrNotEnoughVotesSigned is returned when fewer than 2f+1 members signed a
// quorum certificate.
type ErrNotEnoughVotesSigned struct {
	Got    int64
	Needed int64
}

func (e ErrNotEnoughVotesSigned) Error() string {
	return fmt.Sprintf("invalid qc -- insufficient signers: got %d, needed at least %d", e.Got, e.Needed)
}

//----------------

// String returns a string representation of ValidatorSet.
//
// See StringIndented.
func (vals *ValidatorSet) String() string {
	return vals.StringIndented("")
}

// StringIndented returns an intended String.
//
// See Validator#String.
func (vals *ValidatorSet) StringIndented(indent string) string {
	if vals == nil {
		return "nil-ValidatorSet"
	}
	var valStrings []string
	vals.Iterate(func(index int, val *Validator) bool {
		valStrings = append(valStrings, val.String())
		return false
	})
	return fmt.Sprintf(`ValidatorSet{
%s  Validators:
%s    %v
%s}`,
		indent,
		indent, strings.Join(valStrings, "\n"+indent+"    "),
		indent)

}

//----------------------------------------

// RandValidatorSet returns a randomized validator set (size:
// +numValidators+).
//
// EXPOSED FOR TESTING.
func RandValidatorSet(numValidators int) (*ValidatorSet, []PrivValidator) {
	var (
		valz           = make([]*Validator, numValidators)
		privValidators = make([]PrivValidator, numValidators)
	)

	for i := 0; i < numValidators; i++ {
		val, privValidator := RandValidator()
		valz[i] = val
		privValidators[i] = privValidator
	}

	vals := NewValidatorSet(valz)
	sort.Sort(PrivValidatorsByAddress(privValidators))

	return vals, privValidators
}
