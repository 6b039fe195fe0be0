package types

import (
	"errors"
	"fmt"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// SubstateType enumerates the closed set of substate variants. New variants
// require a network upgrade; exhaustive switches below must be extended
// together.
type SubstateType byte

const (
	SubstateComponent SubstateType = iota + 1
	SubstateResource
	SubstateVault
	SubstateNonFungible
	SubstateTransactionReceipt
	SubstateUnclaimedConfidentialOutput
	SubstateFeeClaim
)

func (t SubstateType) String() string {
	switch t {
	case SubstateComponent:
		return "Component"
	case SubstateResource:
		return "Resource"
	case SubstateVault:
		return "Vault"
	case SubstateNonFungible:
		return "NonFungible"
	case SubstateTransactionReceipt:
		return "TransactionReceipt"
	case SubstateUnclaimedConfidentialOutput:
		return "UnclaimedConfidentialOutput"
	case SubstateFeeClaim:
		return "FeeClaim"
	default:
		return fmt.Sprintf("SubstateType(%d)", byte(t))
	}
}

func (t SubstateType) Valid() bool {
	return t >= SubstateComponent && t <= SubstateFeeClaim
}

const SubstateKeySize = 32

// SubstateId is a variant tag plus a canonical 32-byte key.
type SubstateId struct {
	Type SubstateType     `json:"type"`
	Key  tmbytes.HexBytes `json:"key"`
}

func NewSubstateId(t SubstateType, key []byte) SubstateId {
	k := make([]byte, len(key))
	copy(k, key)
	return SubstateId{Type: t, Key: k}
}

func (id SubstateId) ValidateBasic() error {
	if !id.Type.Valid() {
		return fmt.Errorf("unknown substate type %d", id.Type)
	}
	if len(id.Key) != SubstateKeySize {
		return fmt.Errorf("substate key must be %d bytes, got %d", SubstateKeySize, len(id.Key))
	}
	return nil
}

func (id SubstateId) Equal(other SubstateId) bool {
	return id.Type == other.Type && id.Key.String() == other.Key.String()
}

func (id SubstateId) IsEmpty() bool {
	return id.Type == 0 && len(id.Key) == 0
}

func (id SubstateId) String() string {
	return fmt.Sprintf("%s_%s", id.Type, id.Key)
}

// MapKey returns a stable string usable as a map key for this id.
func (id SubstateId) MapKey() string {
	return id.String()
}

// SubstateAddress pins a substate id to one version. A given address is
// immutable once written.
type SubstateAddress struct {
	Id      SubstateId `json:"id"`
	Version uint32     `json:"version"`
}

func NewSubstateAddress(id SubstateId, version uint32) SubstateAddress {
	return SubstateAddress{Id: id, Version: version}
}

func (a SubstateAddress) Equal(other SubstateAddress) bool {
	return a.Version == other.Version && a.Id.Equal(other.Id)
}

func (a SubstateAddress) String() string {
	return fmt.Sprintf("%s:v%d", a.Id, a.Version)
}

func (a SubstateAddress) MapKey() string {
	return a.String()
}

// SubstateRequirement is a declared transaction input: an id plus an
// optional pinned version. A nil version means "latest up version at
// prepare time".
type SubstateRequirement struct {
	Id      SubstateId `json:"id"`
	Version *uint32    `json:"version,omitempty"`
}

func (r SubstateRequirement) String() string {
	if r.Version == nil {
		return fmt.Sprintf("%s:v?", r.Id)
	}
	return fmt.Sprintf("%s:v%d", r.Id, *r.Version)
}

// SubstateRecord is the durable state of one substate at one version.
// Records are never deleted; consuming a substate only sets DestroyedBy.
type SubstateRecord struct {
	Address     SubstateAddress  `json:"address"`
	Value       tmbytes.HexBytes `json:"value"`
	CreatedBy   TxID             `json:"created_by"`
	DestroyedBy *TxID            `json:"destroyed_by,omitempty"`
}

// IsUp reports whether the record is live, i.e. not yet consumed.
func (r *SubstateRecord) IsUp() bool {
	return r.DestroyedBy == nil
}

func (r *SubstateRecord) ValidateBasic() error {
	if err := r.Address.Id.ValidateBasic(); err != nil {
		return err
	}
	if r.CreatedBy.IsZero() {
		return errors.New("substate record has no creating transaction")
	}
	return nil
}
