package state_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	tmrand "github.com/tendermint/tendermint/libs/rand"
	tmdb "github.com/tendermint/tm-db"

	"github.com/tari-project/tari-dan-sub001/state"
	"github.com/tari-project/tari-dan-sub001/storage"
	"github.com/tari-project/tari-dan-sub001/substate"
	"github.com/tari-project/tari-dan-sub001/txpool"
	"github.com/tari-project/tari-dan-sub001/types"
)

func randTxID() types.TxID {
	id, _ := types.TxIDFromBytes(tmhash.Sum(tmrand.Bytes(16)))
	return id
}

func opsTx(t *testing.T, ops []state.AccountOp) *types.Transaction {
	t.Helper()
	bz, err := tmjson.Marshal(ops)
	require.NoError(t, err)
	return &types.Transaction{
		Instructions: bz,
		Signature:    []byte("sig"),
	}
}

func accountInput(t *testing.T, name string, version uint32, balance int64, lock types.LockMode) state.ResolvedInput {
	t.Helper()
	value, err := tmjson.Marshal(struct {
		Balance int64 `json:"balance"`
	}{balance})
	require.NoError(t, err)
	return state.ResolvedInput{
		Address: types.NewSubstateAddress(state.AccountSubstateId(name), version),
		Value:   value,
		Lock:    lock,
	}
}

func TestAccountExecutorTransfer(t *testing.T) {
	exec := state.NewAccountExecutor()

	tx := opsTx(t, []state.AccountOp{
		{Op: "transfer", Account: "alice", To: "bob", Amount: 30},
	})
	inputs := []state.ResolvedInput{
		accountInput(t, "alice", 2, 100, types.LockWrite),
		accountInput(t, "bob", 0, 5, types.LockWrite),
	}

	result, err := exec.Execute(tx, inputs)
	require.NoError(t, err)
	require.True(t, result.Decision.IsCommit())
	require.Len(t, result.Diff.Down, 2)
	require.Len(t, result.Diff.Up, 2)
	assert.EqualValues(t, 3, result.Diff.Up[0].Version)
	assert.EqualValues(t, 1, result.FeeCost)

	var alice struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, tmjson.Unmarshal(result.Diff.Up[0].Value, &alice))
	assert.EqualValues(t, 70, alice.Balance)
}

func TestAccountExecutorInsufficientBalance(t *testing.T) {
	exec := state.NewAccountExecutor()

	tx := opsTx(t, []state.AccountOp{
		{Op: "withdraw", Account: "alice", Amount: 200},
	})
	result, err := exec.Execute(tx, []state.ResolvedInput{
		accountInput(t, "alice", 0, 100, types.LockWrite),
	})
	require.NoError(t, err)
	assert.True(t, result.Decision.IsAbort())
	assert.Contains(t, result.RejectReason, "insufficient")
}

func TestAccountExecutorCreate(t *testing.T) {
	exec := state.NewAccountExecutor()

	tx := opsTx(t, []state.AccountOp{
		{Op: "create", Account: "carol", Amount: 50},
	})
	result, err := exec.Execute(tx, nil)
	require.NoError(t, err)
	require.True(t, result.Decision.IsCommit())
	require.Len(t, result.Diff.Up, 1)
	assert.EqualValues(t, 0, result.Diff.Up[0].Version)
	assert.True(t, result.Diff.Up[0].Id.Equal(state.AccountSubstateId("carol")))
}

func TestChangeSetRoundTrip(t *testing.T) {
	store := storage.NewStore(tmdb.NewMemDB(), log.TestingLogger())
	blockID, _ := types.BlockIDFromBytes(tmhash.Sum([]byte("block")))
	txID := randTxID()

	ps := substate.NewPendingStore(store.WriteTx())
	id := types.NewSubstateId(types.SubstateComponent, tmhash.Sum([]byte("x")))
	require.NoError(t, ps.TryLock(txID, types.LockIntent{Id: id, VersionToLock: 0, Mode: types.LockOutput}, true))
	require.NoError(t, ps.PutUp(types.NewSubstateAddress(id, 0), []byte(`{"n":1}`), txID))

	cs := state.NewChangeSet(blockID)
	require.NoError(t, cs.CapturePending(ps))
	cs.AddPoolUpdate(state.PoolUpdate{
		TransactionID: txID,
		CurrentStage:  txpool.StageNew,
		NextStage:     txpool.StagePrepared,
		IsReady:       true,
	})
	cs.SetAccept()

	wtx := store.WriteTx()
	require.NoError(t, cs.Save(wtx))
	require.NoError(t, wtx.Commit())

	loaded, err := state.LoadChangeSet(store.ReadTx(), blockID)
	require.NoError(t, err)
	assert.True(t, loaded.IsAccept())
	require.Len(t, loaded.Diff, 1)
	assert.True(t, loaded.Diff[0].Up)
	require.Len(t, loaded.Locks, 1)
	require.Len(t, loaded.PoolUpdates, 1)
	assert.Equal(t, txpool.StagePrepared, loaded.PoolUpdates[0].NextStage)
}

func TestCommitBlockAppliesEverything(t *testing.T) {
	store := storage.NewStore(tmdb.NewMemDB(), log.TestingLogger())
	pool := txpool.NewPool(store, log.TestingLogger())
	committer := state.NewCommitter(store, pool, log.TestingLogger())

	txID := randTxID()
	require.NoError(t, store.WithWriteTx(func(tx *storage.Tx) error {
		_, err := pool.Insert(tx, txID)
		return err
	}))

	block := types.NewDummyBlock("test-chain", 3, 1, 0, types.BlockID{}, nil, types.GenesisQC(types.FullShardGroup()))
	id := types.NewSubstateId(types.SubstateComponent, tmhash.Sum([]byte("acct")))

	cs := state.NewChangeSet(block.ID())
	cs.Diff = []substate.Change{
		{Up: true, Address: types.NewSubstateAddress(id, 0), Value: []byte(`{"n":1}`), TransactionID: txID},
	}
	cs.AddPoolUpdate(state.PoolUpdate{
		TransactionID: txID,
		CurrentStage:  txpool.StageNew,
		NextStage:     txpool.StagePrepared,
		IsReady:       true,
	})
	cs.SetAccept()

	wtx := store.WriteTx()
	require.NoError(t, committer.CommitBlock(wtx, block, cs))
	require.NoError(t, wtx.Commit())

	record, err := store.ReadTx().GetLatestSubstate(id)
	require.NoError(t, err)
	assert.True(t, record.IsUp())

	poolRecord, err := pool.Get(txID)
	require.NoError(t, err)
	assert.Equal(t, txpool.StagePrepared, poolRecord.Stage)

	_, height, err := store.ReadTx().GetLastExecuted()
	require.NoError(t, err)
	assert.EqualValues(t, 3, height)

	committed, err := store.ReadTx().GetCommittedBlock(3)
	require.NoError(t, err)
	assert.Equal(t, block.ID(), committed.ID())
}

func TestCommitRemovesFinalizedRecordsAndLocks(t *testing.T) {
	store := storage.NewStore(tmdb.NewMemDB(), log.TestingLogger())
	pool := txpool.NewPool(store, log.TestingLogger())
	committer := state.NewCommitter(store, pool, log.TestingLogger())

	txID := randTxID()
	id := types.NewSubstateId(types.SubstateComponent, tmhash.Sum([]byte("locked")))

	require.NoError(t, store.WithWriteTx(func(tx *storage.Tx) error {
		if _, err := pool.Insert(tx, txID); err != nil {
			return err
		}
		if err := tx.PutSubstateUp(&types.SubstateRecord{
			Address:   types.NewSubstateAddress(id, 0),
			CreatedBy: randTxID(),
		}); err != nil {
			return err
		}
		return tx.SetLocks(id, types.NewSubstateLock(txID, 0, types.LockWrite, true))
	}))

	block := types.NewDummyBlock("test-chain", 7, 1, 0, types.BlockID{}, nil, types.GenesisQC(types.FullShardGroup()))
	cs := state.NewChangeSet(block.ID())
	cs.AddPoolUpdate(state.PoolUpdate{
		TransactionID: txID,
		Remove:        true,
		ReleaseLocks:  true,
	})
	cs.SetAccept()

	wtx := store.WriteTx()
	require.NoError(t, committer.CommitBlock(wtx, block, cs))
	require.NoError(t, wtx.Commit())

	assert.Equal(t, 0, pool.Size())
	locks, err := store.ReadTx().GetLocks(id)
	require.NoError(t, err)
	assert.Empty(t, locks)
}
