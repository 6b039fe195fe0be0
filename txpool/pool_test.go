package txpool_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/tmhash"
	"github.com/tendermint/tendermint/libs/log"
	tmrand "github.com/tendermint/tendermint/libs/rand"
	tmdb "github.com/tendermint/tm-db"

	"github.com/tari-project/tari-dan-sub001/storage"
	"github.com/tari-project/tari-dan-sub001/txpool"
	"github.com/tari-project/tari-dan-sub001/types"
)

func randTxID() types.TxID {
	id, _ := types.TxIDFromBytes(tmhash.Sum(tmrand.Bytes(16)))
	return id
}

func newPool(t *testing.T) (*txpool.Pool, *storage.Store) {
	t.Helper()
	store := storage.NewStore(tmdb.NewMemDB(), log.TestingLogger())
	return txpool.NewPool(store, log.TestingLogger()), store
}

func insert(t *testing.T, pool *txpool.Pool, store *storage.Store, txID types.TxID) {
	t.Helper()
	require.NoError(t, store.WithWriteTx(func(tx *storage.Tx) error {
		_, err := pool.Insert(tx, txID)
		return err
	}))
}

func TestInsertAndGet(t *testing.T) {
	pool, store := newPool(t)
	txID := randTxID()

	insert(t, pool, store, txID)

	record, err := pool.Get(txID)
	require.NoError(t, err)
	assert.Equal(t, txpool.StageNew, record.Stage)
	assert.True(t, record.IsReady)
	assert.Equal(t, types.DecisionCommit, record.Decision())

	// double insert keeps the original record
	insert(t, pool, store, txID)
	assert.Equal(t, 1, pool.Size())

	_, err = pool.Get(randTxID())
	assert.Error(t, err)
}

func TestSetNextStageAssertsCurrent(t *testing.T) {
	pool, store := newPool(t)
	txID := randTxID()
	insert(t, pool, store, txID)

	err := store.WithWriteTx(func(tx *storage.Tx) error {
		return pool.SetNextStage(tx, txID, txpool.StagePrepared, txpool.StageLocalPrepared, false)
	})
	require.Error(t, err)
	var wrongStage txpool.ErrWrongStage
	require.ErrorAs(t, err, &wrongStage)
	assert.Equal(t, txpool.StageNew, wrongStage.Actual)

	require.NoError(t, store.WithWriteTx(func(tx *storage.Tx) error {
		return pool.SetNextStage(tx, txID, txpool.StageNew, txpool.StagePrepared, true)
	}))

	record, err := pool.Get(txID)
	require.NoError(t, err)
	assert.Equal(t, txpool.StagePrepared, record.Stage)
}

func TestSetNextStageOnFinalizedRecord(t *testing.T) {
	pool, store := newPool(t)
	txID := randTxID()
	insert(t, pool, store, txID)

	require.NoError(t, store.WithWriteTx(func(tx *storage.Tx) error {
		return pool.SetNextStage(tx, txID, txpool.StageNew, txpool.StageAllAccepted, false)
	}))

	err := store.WithWriteTx(func(tx *storage.Tx) error {
		return pool.SetNextStage(tx, txID, txpool.StageAllAccepted, txpool.StageAllAccepted, false)
	})
	var already txpool.ErrAlreadyExecuted
	require.ErrorAs(t, err, &already)
	assert.Equal(t, txID, already.TransactionID)
}

func TestGetManyReadyOrdersByStage(t *testing.T) {
	pool, store := newPool(t)

	first := randTxID()
	second := randTxID()
	insert(t, pool, store, first)
	insert(t, pool, store, second)

	require.NoError(t, store.WithWriteTx(func(tx *storage.Tx) error {
		return pool.SetNextStage(tx, second, txpool.StageNew, txpool.StagePrepared, true)
	}))

	ready := pool.GetManyReady(10)
	require.Len(t, ready, 2)
	assert.Equal(t, txpool.StageNew, ready[0].Stage)
	assert.Equal(t, txpool.StagePrepared, ready[1].Stage)

	assert.Len(t, pool.GetManyReady(1), 1)
}

func TestRemoteAbortOverridesLocalCommit(t *testing.T) {
	pool, store := newPool(t)
	txID := randTxID()
	insert(t, pool, store, txID)

	require.NoError(t, store.WithWriteTx(func(tx *storage.Tx) error {
		return pool.Update(tx, txID, func(record *txpool.Record) error {
			record.SetLocalDecision(types.DecisionCommit)
			record.SetRemoteDecision(types.DecisionAbort)
			return nil
		})
	}))

	record, err := pool.Get(txID)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionAbort, record.Decision())

	// a later remote commit does not un-abort
	require.NoError(t, store.WithWriteTx(func(tx *storage.Tx) error {
		return pool.Update(tx, txID, func(record *txpool.Record) error {
			record.SetRemoteDecision(types.DecisionCommit)
			return nil
		})
	}))
	record, err = pool.Get(txID)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionAbort, record.Decision())
}

func TestRemoveAny(t *testing.T) {
	pool, store := newPool(t)
	txID := randTxID()
	insert(t, pool, store, txID)

	require.NoError(t, store.WithWriteTx(func(tx *storage.Tx) error {
		return pool.RemoveAny(tx, []types.TxID{txID, randTxID()})
	}))
	assert.Equal(t, 0, pool.Size())
}

func TestLoadRebuildsFromStore(t *testing.T) {
	pool, store := newPool(t)
	txID := randTxID()
	insert(t, pool, store, txID)

	require.NoError(t, store.WithWriteTx(func(tx *storage.Tx) error {
		return pool.SetNextStage(tx, txID, txpool.StageNew, txpool.StageLocalPrepared, false)
	}))

	reloaded := txpool.NewPool(store, log.TestingLogger())
	require.NoError(t, reloaded.Load())

	record, err := reloaded.Get(txID)
	require.NoError(t, err)
	assert.Equal(t, txpool.StageLocalPrepared, record.Stage)
}

func TestCount(t *testing.T) {
	pool, store := newPool(t)
	for i := 0; i < 3; i++ {
		insert(t, pool, store, randTxID())
	}
	assert.Equal(t, 3, pool.Count(txpool.StageNew, true))
	assert.Equal(t, 0, pool.Count(txpool.StageNew, false))
	assert.Equal(t, 0, pool.Count(txpool.StagePrepared, true))
}
