// Package substate holds the pending substate store: a read-through,
// write-buffered layer over the durable store, scoped to one proposed
// block. All substate reads, writes and lock acquisitions during command
// application go through it; nothing touches disk until the block commits.
package substate

import (
	"github.com/pkg/errors"

	"github.com/tari-project/tari-dan-sub001/storage"
	"github.com/tari-project/tari-dan-sub001/types"
)

// Change is one buffered substate mutation. Up carries the new value;
// a down records only the consumer.
type Change struct {
	Up            bool                  `json:"up"`
	Address       types.SubstateAddress `json:"address"`
	Value         []byte                `json:"value,omitempty"`
	TransactionID types.TxID            `json:"transaction_id"`
}

// PendingStore buffers the substate effects of one candidate block. It is
// owned by a single goroutine and never shared.
type PendingStore struct {
	store *storage.Tx

	// diff is ordered oldest to newest; head indexes the latest change
	// per substate id.
	diff []Change
	head map[string]int

	// locks acquired while applying this block, in addition order.
	lockOrder []types.SubstateId
	locks     map[string][]types.SubstateLock
}

// NewPendingStore layers a fresh buffer over a storage view.
func NewPendingStore(store *storage.Tx) *PendingStore {
	return &PendingStore{
		store: store,
		head:  map[string]int{},
		locks: map[string][]types.SubstateLock{},
	}
}

// Get returns the value at an exact address, preferring buffered changes
// over the durable store.
func (ps *PendingStore) Get(addr types.SubstateAddress) ([]byte, error) {
	if idx, ok := ps.head[addr.Id.MapKey()]; ok {
		change := ps.diff[idx]
		if change.Address.Version == addr.Version {
			if !change.Up {
				return nil, errors.WithStack(storage.ErrSubstateIsDown{Address: addr})
			}
			return change.Value, nil
		}
		// buffered changes moved past the requested version
		if change.Address.Version > addr.Version {
			return nil, errors.WithStack(storage.ErrSubstateIsDown{Address: addr})
		}
	}

	record, err := ps.store.GetSubstate(addr)
	if err != nil {
		return nil, err
	}
	if !record.IsUp() {
		return nil, errors.WithStack(storage.ErrSubstateIsDown{Address: addr})
	}
	return record.Value, nil
}

// GetLatest resolves the current up version for id across buffer and
// store.
func (ps *PendingStore) GetLatest(id types.SubstateId) (types.SubstateAddress, []byte, error) {
	if idx, ok := ps.head[id.MapKey()]; ok {
		change := ps.diff[idx]
		if !change.Up {
			return types.SubstateAddress{}, nil, errors.WithStack(storage.ErrSubstateIsDown{Address: change.Address})
		}
		return change.Address, change.Value, nil
	}

	record, err := ps.store.GetLatestSubstate(id)
	if err != nil {
		return types.SubstateAddress{}, nil, err
	}
	if !record.IsUp() {
		return types.SubstateAddress{}, nil, errors.WithStack(storage.ErrSubstateIsDown{Address: record.Address})
	}
	return record.Address, record.Value, nil
}

// isUp reports the current up/down/absent state of id: up=true when an up
// version exists, exists=false when no version was ever written.
func (ps *PendingStore) isUp(id types.SubstateId) (up bool, exists bool, err error) {
	if idx, ok := ps.head[id.MapKey()]; ok {
		return ps.diff[idx].Up, true, nil
	}
	record, err := ps.store.GetLatestSubstate(id)
	if storage.IsNotFound(err) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return record.IsUp(), true, nil
}

// PutUp buffers a new up version. Version v requires every prior version
// to be down; the exact version must not exist yet.
func (ps *PendingStore) PutUp(addr types.SubstateAddress, value []byte, txID types.TxID) error {
	up, exists, err := ps.isUp(addr.Id)
	if err != nil {
		return err
	}
	if exists && up {
		return errors.WithStack(storage.ErrExpectedSubstateDown{Address: addr})
	}
	if addr.Version > 0 && !exists {
		return errors.WithStack(storage.ErrSubstateNotFound{
			Address: types.NewSubstateAddress(addr.Id, addr.Version-1),
		})
	}
	collides, err := ps.versionExists(addr)
	if err != nil {
		return err
	}
	if collides {
		return errors.WithStack(storage.ErrExpectedSubstateNotExist{Address: addr})
	}

	ps.push(Change{Up: true, Address: addr, Value: value, TransactionID: txID})
	return nil
}

// PutDown buffers the consumption of the current up version.
func (ps *PendingStore) PutDown(addr types.SubstateAddress, txID types.TxID) error {
	if idx, ok := ps.head[addr.Id.MapKey()]; ok {
		change := ps.diff[idx]
		if !change.Up {
			return errors.WithStack(storage.ErrSubstateIsDown{Address: addr})
		}
		if change.Address.Version != addr.Version {
			return errors.WithStack(storage.ErrSubstateNotFound{Address: addr})
		}
	} else {
		record, err := ps.store.GetSubstate(addr)
		if err != nil {
			return err
		}
		if !record.IsUp() {
			return errors.WithStack(storage.ErrSubstateIsDown{Address: addr})
		}
	}

	ps.push(Change{Up: false, Address: addr, TransactionID: txID})
	return nil
}

func (ps *PendingStore) versionExists(addr types.SubstateAddress) (bool, error) {
	if idx, ok := ps.head[addr.Id.MapKey()]; ok {
		if ps.diff[idx].Address.Version >= addr.Version {
			return true, nil
		}
	}
	_, err := ps.store.GetSubstate(addr)
	if storage.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (ps *PendingStore) push(change Change) {
	ps.diff = append(ps.diff, change)
	ps.head[change.Address.Id.MapKey()] = len(ps.diff) - 1
}

//------------------------------------------------------------
// locking

// TryLock applies the compatibility matrix for one lock intent. Either the
// lock is appended or an error is returned; there is no partial success.
func (ps *PendingStore) TryLock(txID types.TxID, intent types.LockIntent, isLocalOnly bool) error {
	id := intent.Id

	held, err := ps.allLocks(id)
	if err != nil {
		return err
	}

	if len(held) == 0 {
		// no holders: the substate's own state decides. An Output lock
		// claims an id with no live record; an input lock needs one.
		up, exists, err := ps.isUp(id)
		if err != nil {
			return err
		}
		if intent.Mode.IsOutput() {
			if exists && up {
				return errors.WithStack(storage.ErrExpectedSubstateNotExist{Address: intent.ToAddress()})
			}
		} else {
			if !exists {
				return errors.WithStack(storage.ErrSubstateNotFound{Address: intent.ToAddress()})
			}
			if !up {
				return errors.WithStack(storage.ErrSubstateIsDown{Address: intent.ToAddress()})
			}
		}
	}

	for _, lock := range held {
		if err := checkCompatible(id, lock, txID, intent.Mode, isLocalOnly); err != nil {
			return err
		}
	}

	key := id.MapKey()
	if _, ok := ps.locks[key]; !ok {
		ps.lockOrder = append(ps.lockOrder, id)
	}
	ps.locks[key] = append(ps.locks[key], types.NewSubstateLock(txID, intent.VersionToLock, intent.Mode, isLocalOnly))
	return nil
}

// checkCompatible decides one cell of the matrix for one held lock.
// Read+Read always passes, Output+Output never does, and every other pair
// passes only for the same transaction or when both sides are local-only.
func checkCompatible(id types.SubstateId, held types.SubstateLock, txID types.TxID, requested types.LockMode, isLocalOnly bool) error {
	if held.Mode == types.LockRead && requested == types.LockRead {
		return nil
	}

	conflict := errors.WithStack(ErrLockConflict{
		SubstateId:    id,
		TransactionID: txID,
		Requested:     requested,
		Held:          held,
	})

	if held.Mode == types.LockOutput && requested == types.LockOutput {
		return conflict
	}

	sameTx := held.TransactionID == txID
	bothLocal := held.IsLocalOnly && isLocalOnly
	if !sameTx && !bothLocal {
		return conflict
	}

	// within the exception, a held Write only tolerates an Output upgrade
	if held.Mode == types.LockWrite && requested != types.LockOutput {
		return conflict
	}
	return nil
}

func (ps *PendingStore) allLocks(id types.SubstateId) ([]types.SubstateLock, error) {
	durable, err := ps.store.GetLocks(id)
	if err != nil {
		return nil, err
	}
	return append(durable, ps.locks[id.MapKey()]...), nil
}

//------------------------------------------------------------
// commit surface

// Diff returns the buffered changes, oldest first.
func (ps *PendingStore) Diff() []Change {
	return ps.diff
}

// EachLock walks the new locks in acquisition order.
func (ps *PendingStore) EachLock(fn func(id types.SubstateId, locks []types.SubstateLock) error) error {
	for _, id := range ps.lockOrder {
		if err := fn(id, ps.locks[id.MapKey()]); err != nil {
			return err
		}
	}
	return nil
}

// IsEmpty reports whether the buffer holds no changes and no locks.
func (ps *PendingStore) IsEmpty() bool {
	return len(ps.diff) == 0 && len(ps.lockOrder) == 0
}
