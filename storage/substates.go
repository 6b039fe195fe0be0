package storage

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/tari-project/tari-dan-sub001/types"
)

//------------------------------------------------------------
// substate version chains
//
// A substate id owns a chain of versions. Each version is written exactly
// once (up) and consumed at most once (down). Records are never deleted.

// PutSubstateUp writes a new substate version. The version must not exist
// yet, and version v>0 requires version v-1 to be down.
func (tx *Tx) PutSubstateUp(record *types.SubstateRecord) error {
	addr := record.Address

	exists, err := tx.has(substateKey(addr))
	if err != nil {
		return err
	}
	if exists {
		return errors.WithStack(ErrExpectedSubstateNotExist{Address: addr})
	}

	if addr.Version > 0 {
		prev := types.NewSubstateAddress(addr.Id, addr.Version-1)
		prevRecord, err := tx.GetSubstate(prev)
		if err != nil {
			return err
		}
		if prevRecord.IsUp() {
			return errors.WithStack(ErrExpectedSubstateDown{Address: prev})
		}
	}

	if err := tx.setJSON(substateKey(addr), record); err != nil {
		return err
	}
	return tx.set(substateHeadKey(addr.Id), uint32Bytes(addr.Version))
}

// SetSubstateDown marks an up version as consumed by txID. Fails when the
// version does not exist or is already down.
func (tx *Tx) SetSubstateDown(addr types.SubstateAddress, txID types.TxID) error {
	record, err := tx.GetSubstate(addr)
	if err != nil {
		return err
	}
	if !record.IsUp() {
		return errors.WithStack(ErrSubstateIsDown{Address: addr})
	}
	record.DestroyedBy = &txID
	return tx.setJSON(substateKey(addr), record)
}

// GetSubstate returns the record at an exact address.
func (tx *Tx) GetSubstate(addr types.SubstateAddress) (*types.SubstateRecord, error) {
	var record types.SubstateRecord
	err := tx.getJSON(substateKey(addr), &record)
	if IsNotFound(err) {
		return nil, errors.WithStack(ErrSubstateNotFound{Address: addr})
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetLatestSubstate returns the highest version written for id, up or
// down.
func (tx *Tx) GetLatestSubstate(id types.SubstateId) (*types.SubstateRecord, error) {
	bz, err := tx.get(substateHeadKey(id))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, errors.WithStack(ErrSubstateNotFound{
			Address: types.NewSubstateAddress(id, 0),
		})
	}
	version := binary.BigEndian.Uint32(bz)
	return tx.GetSubstate(types.NewSubstateAddress(id, version))
}

// SubstateExists reports whether any version was ever written for id.
func (tx *Tx) SubstateExists(id types.SubstateId) (bool, error) {
	return tx.has(substateHeadKey(id))
}

// IterateSubstates walks every substate record whose shard falls in sg, in
// key order. Used by the sync server to stream state to a catching-up
// replica.
func (tx *Tx) IterateSubstates(sg types.ShardGroup, fn func(record *types.SubstateRecord) (bool, error)) error {
	start, end := shardRange(prefixSubstate, sg)
	return tx.iterate(start, end, func(key, value []byte) (bool, error) {
		var record types.SubstateRecord
		if err := unmarshalJSON(value, &record); err != nil {
			return false, err
		}
		return fn(&record)
	})
}

//------------------------------------------------------------
// substate locks

// SetLocks appends locks for id and indexes them by transaction for
// release.
func (tx *Tx) SetLocks(id types.SubstateId, locks ...types.SubstateLock) error {
	existing, err := tx.GetLocks(id)
	if err != nil {
		return err
	}
	existing = append(existing, locks...)
	if err := tx.setJSON(substateLocksKey(id), existing); err != nil {
		return err
	}

	for _, lock := range locks {
		ids, err := tx.lockedIds(lock.TransactionID)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		if err := tx.setJSON(locksByTxKey(lock.TransactionID), ids); err != nil {
			return err
		}
	}
	return nil
}

// GetLocks returns every live lock on id, in acquisition order.
func (tx *Tx) GetLocks(id types.SubstateId) ([]types.SubstateLock, error) {
	var locks []types.SubstateLock
	err := tx.getJSON(substateLocksKey(id), &locks)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return locks, nil
}

// ReleaseLocks drops every lock held by txID.
func (tx *Tx) ReleaseLocks(txID types.TxID) error {
	ids, err := tx.lockedIds(txID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		locks, err := tx.GetLocks(id)
		if err != nil {
			return err
		}
		kept := locks[:0]
		for _, lock := range locks {
			if lock.TransactionID != txID {
				kept = append(kept, lock)
			}
		}
		if len(kept) == 0 {
			if err := tx.delete(substateLocksKey(id)); err != nil {
				return err
			}
		} else if err := tx.setJSON(substateLocksKey(id), kept); err != nil {
			return err
		}
	}
	return tx.delete(locksByTxKey(txID))
}

func (tx *Tx) lockedIds(txID types.TxID) ([]types.SubstateId, error) {
	var ids []types.SubstateId
	err := tx.getJSON(locksByTxKey(txID), &ids)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ids, nil
}
