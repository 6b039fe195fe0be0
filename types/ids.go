package types

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/tendermint/tendermint/crypto/tmhash"
)

const IDSize = tmhash.Size

// TxID is the content hash of a transaction. Fixed length so it can be used
// as a map key directly.
type TxID [IDSize]byte

func TxIDFromBytes(bz []byte) (TxID, error) {
	var id TxID
	if len(bz) != IDSize {
		return id, fmt.Errorf("wrong tx id size: want %d, got %d", IDSize, len(bz))
	}
	copy(id[:], bz)
	return id, nil
}

func (id TxID) Bytes() []byte  { return id[:] }
func (id TxID) IsZero() bool   { return id == TxID{} }
func (id TxID) String() string { return hex.EncodeToString(id[:]) }

func (id TxID) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(id[:])), nil
}

func (id *TxID) UnmarshalText(text []byte) error {
	bz, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	parsed, err := TxIDFromBytes(bz)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// BlockID is the header hash of a block.
type BlockID [IDSize]byte

func BlockIDFromBytes(bz []byte) (BlockID, error) {
	var id BlockID
	if len(bz) != IDSize {
		return id, fmt.Errorf("wrong block id size: want %d, got %d", IDSize, len(bz))
	}
	copy(id[:], bz)
	return id, nil
}

func (id BlockID) Bytes() []byte  { return id[:] }
func (id BlockID) IsZero() bool   { return id == BlockID{} }
func (id BlockID) String() string { return hex.EncodeToString(id[:]) }

func (id BlockID) Equal(other BlockID) bool {
	return bytes.Equal(id[:], other[:])
}

func (id BlockID) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(id[:])), nil
}

func (id *BlockID) UnmarshalText(text []byte) error {
	bz, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	parsed, err := BlockIDFromBytes(bz)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// QCID identifies a quorum certificate. QCs are content addressed the same
// way blocks are, so evidence can reference them without carrying the
// signatures around.
type QCID [IDSize]byte

func QCIDFromBytes(bz []byte) (QCID, error) {
	var id QCID
	if len(bz) != IDSize {
		return id, fmt.Errorf("wrong qc id size: want %d, got %d", IDSize, len(bz))
	}
	copy(id[:], bz)
	return id, nil
}

func (id QCID) Bytes() []byte  { return id[:] }
func (id QCID) IsZero() bool   { return id == QCID{} }
func (id QCID) String() string { return hex.EncodeToString(id[:]) }

func (id QCID) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(id[:])), nil
}

func (id *QCID) UnmarshalText(text []byte) error {
	bz, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	parsed, err := QCIDFromBytes(bz)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
