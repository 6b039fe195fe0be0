package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tmjson "github.com/tendermint/tendermint/libs/json"

	"github.com/tari-project/tari-dan-sub001/state"
	"github.com/tari-project/tari-dan-sub001/txpool"
	"github.com/tari-project/tari-dan-sub001/types"
)

func accountBalance(t *testing.T, env *testEnv, name string) (uint32, int64) {
	t.Helper()
	tx := env.store.ReadTx()
	defer tx.Discard()

	record, err := tx.GetLatestSubstate(state.AccountSubstateId(name))
	require.NoError(t, err)
	var acc struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, tmjson.Unmarshal(record.Value, &acc))
	return record.Address.Version, acc.Balance
}

func TestWalkLocalOnlyCommit(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	env.seedAccount("alice", 0, 100)
	env.seedAccount("bob", 0, 5)

	transaction := env.addTransaction(
		[]state.AccountOp{{Op: "transfer", Account: "alice", To: "bob", Amount: 30}},
		accountReq("alice"), accountReq("bob"),
	)
	rec, err := env.pool.Get(transaction.ID())
	require.NoError(t, err)

	genesis := env.genesisBlock()
	block := env.proposeOn(genesis, types.GenesisQC(env.epochs.LocalShardGroup()), 1,
		types.NewTransactionCommand(types.CommandLocalOnly, rec.Atom()))

	cs := env.walkAndSave(block)
	require.True(t, cs.IsAccept())
	require.Len(t, cs.PoolUpdates, 1)
	assert.True(t, cs.PoolUpdates[0].Remove)
	require.Len(t, cs.TransactionRecords, 1)
	require.NotNil(t, cs.TransactionRecords[0].FinalDecision)
	assert.True(t, cs.TransactionRecords[0].FinalDecision.IsCommit())

	env.commit(block, cs)

	version, balance := accountBalance(t, env, "alice")
	assert.EqualValues(t, 1, version)
	assert.EqualValues(t, 70, balance)
	_, balance = accountBalance(t, env, "bob")
	assert.EqualValues(t, 35, balance)

	assert.False(t, env.pool.Exists(transaction.ID()))
}

func TestWalkDecisionMismatch(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	env.seedAccount("alice", 0, 100)

	transaction := env.addTransaction(
		[]state.AccountOp{{Op: "withdraw", Account: "alice", Amount: 10}},
		accountReq("alice"),
	)
	rec, err := env.pool.Get(transaction.ID())
	require.NoError(t, err)

	// the proposer claims abort; the local execution commits
	atom := rec.Atom()
	atom.Decision = types.DecisionAbort

	genesis := env.genesisBlock()
	block := env.proposeOn(genesis, types.GenesisQC(env.epochs.LocalShardGroup()), 1,
		types.NewTransactionCommand(types.CommandLocalOnly, atom))

	cs := env.walkAndSave(block)
	assert.False(t, cs.IsAccept())
	assert.Contains(t, cs.NoVoteReason, "disagrees")
	assert.Empty(t, cs.Diff)
	assert.Empty(t, cs.PoolUpdates)
}

func TestWalkLockConflict(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	env.seedAccount("alice", 0, 100)

	tx1 := env.addTransaction(
		[]state.AccountOp{{Op: "withdraw", Account: "alice", Amount: 10}},
		accountReq("alice"),
	)
	tx2 := env.addTransaction(
		[]state.AccountOp{{Op: "withdraw", Account: "alice", Amount: 20}},
		accountReq("alice"),
	)
	rec1, err := env.pool.Get(tx1.ID())
	require.NoError(t, err)
	rec2, err := env.pool.Get(tx2.ID())
	require.NoError(t, err)

	genesis := env.genesisBlock()
	block := env.proposeOn(genesis, types.GenesisQC(env.epochs.LocalShardGroup()), 1,
		types.NewTransactionCommand(types.CommandPrepare, rec1.Atom()),
		types.NewTransactionCommand(types.CommandPrepare, rec2.Atom()),
	)

	// both claim a write lock on the same substate
	cs := env.walkAndSave(block)
	assert.False(t, cs.IsAccept())
	assert.Contains(t, cs.NoVoteReason, "lock")
}

func TestWalkUnpledgedForeignInput(t *testing.T) {
	env := newTestEnv(t, 2, 1)
	localSG := env.epochs.LocalShardGroup()

	// pick one account per committee; the id hash decides ownership
	localName, foreignName := "", ""
	for _, name := range []string{"alice", "bob", "carol", "dave", "erin", "frank"} {
		if localSG.ContainsID(state.AccountSubstateId(name)) {
			if localName == "" {
				localName = name
			}
		} else if foreignName == "" {
			foreignName = name
		}
	}
	require.NotEmpty(t, localName, "no locally owned account name found")
	require.NotEmpty(t, foreignName, "no foreign account name found")
	env.seedAccount(localName, 0, 100)

	transaction := env.addTransaction(
		[]state.AccountOp{{Op: "transfer", Account: localName, To: foreignName, Amount: 30}},
		accountReq(localName), accountReq(foreignName),
	)
	rec, err := env.pool.Get(transaction.ID())
	require.NoError(t, err)

	genesis := env.genesisBlock()
	block := env.proposeOn(genesis, types.GenesisQC(localSG), 1,
		types.NewTransactionCommand(types.CommandPrepare, rec.Atom()))

	cs := env.walkAndSave(block)
	assert.False(t, cs.IsAccept())
	assert.Contains(t, cs.NoVoteReason, "not pledged")
}

func TestWalkPipelinedStages(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	localSG := env.epochs.LocalShardGroup()
	env.seedAccount("alice", 0, 100)

	transaction := env.addTransaction(
		[]state.AccountOp{{Op: "withdraw", Account: "alice", Amount: 10}},
		accountReq("alice"),
	)
	rec, err := env.pool.Get(transaction.ID())
	require.NoError(t, err)

	genesis := env.genesisBlock()
	b1 := env.proposeOn(genesis, types.GenesisQC(localSG), 1,
		types.NewTransactionCommand(types.CommandPrepare, rec.Atom()))
	cs1 := env.walkAndSave(b1)
	require.True(t, cs1.IsAccept())
	require.Len(t, cs1.PoolUpdates, 1)
	assert.Equal(t, txpool.StagePrepared, cs1.PoolUpdates[0].NextStage)

	// b1 is uncommitted; the pool still says New, but the walker of b2
	// sees Prepared through b1's buffered updates
	gotRec, err := env.pool.Get(transaction.ID())
	require.NoError(t, err)
	assert.Equal(t, txpool.StageNew, gotRec.Stage)

	qc1 := env.makeQC(0, b1, types.QuorumAccept)
	atom2 := rec.Atom()
	atom2.Evidence = cs1.PoolUpdates[0].Evidence.Copy()
	b2 := env.proposeOn(b1, qc1, 2,
		types.NewTransactionCommand(types.CommandLocalPrepare, atom2))
	cs2 := env.walkAndSave(b2)
	require.True(t, cs2.IsAccept(), "no-vote: %s", cs2.NoVoteReason)
	require.Len(t, cs2.PoolUpdates, 1)
	assert.Equal(t, txpool.StageLocalPrepared, cs2.PoolUpdates[0].NextStage)
	// a single involved shard group is trivially all-prepared
	assert.True(t, cs2.PoolUpdates[0].IsReady)

	ev := cs2.PoolUpdates[0].Evidence
	require.NotNil(t, ev)
	se, ok := ev.Get(localSG)
	require.True(t, ok)
	require.NotNil(t, se.PrepareQC)
	assert.Equal(t, qc1.ID(), *se.PrepareQC)
}

func TestWalkFinalizedByUncommittedAncestor(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	localSG := env.epochs.LocalShardGroup()
	env.seedAccount("alice", 0, 100)

	transaction := env.addTransaction(
		[]state.AccountOp{{Op: "withdraw", Account: "alice", Amount: 10}},
		accountReq("alice"),
	)
	rec, err := env.pool.Get(transaction.ID())
	require.NoError(t, err)

	genesis := env.genesisBlock()
	b1 := env.proposeOn(genesis, types.GenesisQC(localSG), 1,
		types.NewTransactionCommand(types.CommandLocalOnly, rec.Atom()))
	cs1 := env.walkAndSave(b1)
	require.True(t, cs1.IsAccept())

	qc1 := env.makeQC(0, b1, types.QuorumAccept)
	b2 := env.proposeOn(b1, qc1, 2,
		types.NewTransactionCommand(types.CommandLocalOnly, rec.Atom()))
	cs2 := env.walkAndSave(b2)
	assert.False(t, cs2.IsAccept())
	assert.Contains(t, cs2.NoVoteReason, "finalized")
}

func TestWalkMintAndEndEpoch(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	localSG := env.epochs.LocalShardGroup()

	id := state.AccountSubstateId("burn-claim")
	genesis := env.genesisBlock()
	b1 := env.proposeOn(genesis, types.GenesisQC(localSG), 1,
		types.NewMintConfidentialOutputCommand(id))
	cs1 := env.walkAndSave(b1)
	require.True(t, cs1.IsAccept())
	require.Len(t, cs1.Mints, 1)
	env.commit(b1, cs1)

	tx := env.store.ReadTx()
	record, err := tx.GetLatestSubstate(id)
	tx.Discard()
	require.NoError(t, err)
	assert.EqualValues(t, 0, record.Address.Version)

	qc1 := env.makeQC(0, b1, types.QuorumAccept)
	b2 := env.proposeOn(b1, qc1, 2, types.NewEndEpochCommand())
	cs2 := env.walkAndSave(b2)
	require.True(t, cs2.IsAccept())
	assert.True(t, cs2.EndEpoch)
}

func TestWalkExecutorAbortMatchesProposal(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	env.seedAccount("alice", 0, 5)

	// overdraw: the executor aborts deterministically
	transaction := env.addTransaction(
		[]state.AccountOp{{Op: "withdraw", Account: "alice", Amount: 50}},
		accountReq("alice"),
	)
	rec, err := env.pool.Get(transaction.ID())
	require.NoError(t, err)

	atom := rec.Atom()
	atom.Decision = types.DecisionAbort

	genesis := env.genesisBlock()
	block := env.proposeOn(genesis, types.GenesisQC(env.epochs.LocalShardGroup()), 1,
		types.NewTransactionCommand(types.CommandLocalOnly, atom))

	cs := env.walkAndSave(block)
	require.True(t, cs.IsAccept(), "no-vote: %s", cs.NoVoteReason)
	assert.Empty(t, cs.Diff)
	require.Len(t, cs.TransactionRecords, 1)
	require.NotNil(t, cs.TransactionRecords[0].FinalDecision)
	assert.True(t, cs.TransactionRecords[0].FinalDecision.IsAbort())

	env.commit(block, cs)

	// the abort left the account untouched
	version, balance := accountBalance(t, env, "alice")
	assert.EqualValues(t, 0, version)
	assert.EqualValues(t, 5, balance)
}
