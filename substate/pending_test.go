package substate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/tmhash"
	"github.com/tendermint/tendermint/libs/log"
	tmrand "github.com/tendermint/tendermint/libs/rand"
	tmdb "github.com/tendermint/tm-db"

	"github.com/tari-project/tari-dan-sub001/storage"
	"github.com/tari-project/tari-dan-sub001/substate"
	"github.com/tari-project/tari-dan-sub001/types"
)

func randTxID() types.TxID {
	id, _ := types.TxIDFromBytes(tmhash.Sum(tmrand.Bytes(16)))
	return id
}

func randSubstateId() types.SubstateId {
	return types.NewSubstateId(types.SubstateComponent, tmhash.Sum(tmrand.Bytes(16)))
}

// newPending returns a pending store over a fresh database with one up
// substate at version 0.
func newPending(t *testing.T) (*substate.PendingStore, types.SubstateId) {
	t.Helper()
	store := storage.NewStore(tmdb.NewMemDB(), log.TestingLogger())

	id := randSubstateId()
	wtx := store.WriteTx()
	require.NoError(t, wtx.PutSubstateUp(&types.SubstateRecord{
		Address:   types.NewSubstateAddress(id, 0),
		Value:     []byte(`{"n":1}`),
		CreatedBy: randTxID(),
	}))
	require.NoError(t, wtx.Commit())

	return substate.NewPendingStore(store.WriteTx()), id
}

func intent(id types.SubstateId, mode types.LockMode) types.LockIntent {
	return types.LockIntent{Id: id, VersionToLock: 0, Mode: mode}
}

func TestGetPrefersBufferedValue(t *testing.T) {
	ps, id := newPending(t)
	txID := randTxID()

	v0 := types.NewSubstateAddress(id, 0)
	value, err := ps.Get(v0)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"n":1}`), value)

	require.NoError(t, ps.PutDown(v0, txID))
	require.NoError(t, ps.PutUp(types.NewSubstateAddress(id, 1), []byte(`{"n":2}`), txID))

	_, err = ps.Get(v0)
	assert.Error(t, err)

	addr, value, err := ps.GetLatest(id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, addr.Version)
	assert.Equal(t, []byte(`{"n":2}`), value)
}

func TestPutUpRequiresPriorDown(t *testing.T) {
	ps, id := newPending(t)
	txID := randTxID()

	// v0 is still up
	err := ps.PutUp(types.NewSubstateAddress(id, 1), []byte(`x`), txID)
	assert.Error(t, err)

	require.NoError(t, ps.PutDown(types.NewSubstateAddress(id, 0), txID))
	assert.NoError(t, ps.PutUp(types.NewSubstateAddress(id, 1), []byte(`x`), txID))
}

func TestPutDownTwiceFails(t *testing.T) {
	ps, id := newPending(t)
	txID := randTxID()

	require.NoError(t, ps.PutDown(types.NewSubstateAddress(id, 0), txID))
	assert.Error(t, ps.PutDown(types.NewSubstateAddress(id, 0), txID))
}

func TestLockMatrix(t *testing.T) {
	tx1 := randTxID()
	tx2 := randTxID()

	cases := []struct {
		name      string
		held      types.LockMode
		requested types.LockMode
		sameTx    bool
		localOnly bool
		ok        bool
	}{
		{"read read different tx", types.LockRead, types.LockRead, false, false, true},
		{"read write different tx", types.LockRead, types.LockWrite, false, false, false},
		{"read write same tx", types.LockRead, types.LockWrite, true, false, true},
		{"read write both local", types.LockRead, types.LockWrite, false, true, true},
		{"read output different tx", types.LockRead, types.LockOutput, false, false, false},
		{"read output same tx", types.LockRead, types.LockOutput, true, false, true},
		{"write read same tx", types.LockWrite, types.LockRead, true, false, false},
		{"write write same tx", types.LockWrite, types.LockWrite, true, false, false},
		{"write write different tx", types.LockWrite, types.LockWrite, false, false, false},
		{"write output same tx", types.LockWrite, types.LockOutput, true, false, true},
		{"write output both local", types.LockWrite, types.LockOutput, false, true, true},
		{"output output same tx", types.LockOutput, types.LockOutput, true, false, false},
		{"output read same tx", types.LockOutput, types.LockRead, true, false, true},
		{"output write both local", types.LockOutput, types.LockWrite, false, true, true},
		{"output write different tx", types.LockOutput, types.LockWrite, false, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ps, id := newPending(t)

			heldVersion := uint32(0)
			if tc.held.IsOutput() {
				// an Output hold claims an id with no live record
				require.NoError(t, ps.PutDown(types.NewSubstateAddress(id, 0), tx1))
				heldVersion = 1
			}
			require.NoError(t, ps.TryLock(tx1, types.LockIntent{Id: id, VersionToLock: heldVersion, Mode: tc.held}, tc.localOnly))

			requester := tx2
			if tc.sameTx {
				requester = tx1
			}
			reqVersion := heldVersion
			if tc.requested.IsOutput() && !tc.held.IsOutput() {
				reqVersion = heldVersion + 1
			}
			err := ps.TryLock(requester, types.LockIntent{Id: id, VersionToLock: reqVersion, Mode: tc.requested}, tc.localOnly)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, substate.IsLockConflict(err))
			}
		})
	}
}

func TestTryLockOutputOnExistingSubstateFails(t *testing.T) {
	ps, id := newPending(t)

	err := ps.TryLock(randTxID(), intent(id, types.LockOutput), false)
	require.Error(t, err)
	assert.False(t, substate.IsLockConflict(err))
}

func TestTryLockInputOnMissingSubstateFails(t *testing.T) {
	store := storage.NewStore(tmdb.NewMemDB(), log.TestingLogger())
	ps := substate.NewPendingStore(store.WriteTx())

	err := ps.TryLock(randTxID(), intent(randSubstateId(), types.LockWrite), false)
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err))
}

func TestTryLockSeesDurableLocks(t *testing.T) {
	store := storage.NewStore(tmdb.NewMemDB(), log.TestingLogger())
	id := randSubstateId()
	holder := randTxID()

	wtx := store.WriteTx()
	require.NoError(t, wtx.PutSubstateUp(&types.SubstateRecord{
		Address:   types.NewSubstateAddress(id, 0),
		CreatedBy: randTxID(),
	}))
	require.NoError(t, wtx.SetLocks(id, types.NewSubstateLock(holder, 0, types.LockWrite, false)))
	require.NoError(t, wtx.Commit())

	ps := substate.NewPendingStore(store.WriteTx())
	err := ps.TryLock(randTxID(), intent(id, types.LockRead), false)
	require.Error(t, err)
	assert.True(t, substate.IsLockConflict(err))
}

func TestDiffAndLockOrder(t *testing.T) {
	ps, id := newPending(t)
	txID := randTxID()

	require.NoError(t, ps.TryLock(txID, intent(id, types.LockWrite), true))
	require.NoError(t, ps.PutDown(types.NewSubstateAddress(id, 0), txID))
	require.NoError(t, ps.PutUp(types.NewSubstateAddress(id, 1), []byte(`z`), txID))

	diff := ps.Diff()
	require.Len(t, diff, 2)
	assert.False(t, diff[0].Up)
	assert.True(t, diff[1].Up)

	var seen []types.SubstateId
	require.NoError(t, ps.EachLock(func(lockID types.SubstateId, locks []types.SubstateLock) error {
		seen = append(seen, lockID)
		require.Len(t, locks, 1)
		assert.True(t, locks[0].IsLocalOnly)
		return nil
	}))
	require.Len(t, seen, 1)
	assert.True(t, seen[0].Equal(id))
}
