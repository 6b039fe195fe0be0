package consensus

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tmjson "github.com/tendermint/tendermint/libs/json"

	"github.com/tari-project/tari-dan-sub001/state"
	"github.com/tari-project/tari-dan-sub001/storage"
	"github.com/tari-project/tari-dan-sub001/types"
)

// foreignFixture is a cross-shard transaction seen from committee 0, with
// a certified block from committee 1 carrying its LocalPrepare.
type foreignFixture struct {
	env       *testEnv
	fp        *foreignProcessor
	localSG   types.ShardGroup
	foreignSG types.ShardGroup

	transaction *types.Transaction
	localAddr   types.SubstateAddress
	foreignAddr types.SubstateAddress
}

func newForeignFixture(t *testing.T) *foreignFixture {
	t.Helper()
	env := newTestEnv(t, 2, 1)
	localSG := env.epochs.LocalShardGroup()
	foreignSG := env.genDoc.Committees[1].ShardGroup
	require.False(t, localSG.Equal(foreignSG))

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
	require.NotEmpty(t, localName)
	require.NotEmpty(t, foreignName)

	f := &foreignFixture{
		env:       env,
		fp:        newForeignProcessor(testChainID, env.pool, env.epochs, env.logger),
		localSG:   localSG,
		foreignSG: foreignSG,
		localAddr: env.seedAccount(localName, 0, 100),
	}
	f.foreignAddr = types.NewSubstateAddress(state.AccountSubstateId(foreignName), 0)
	f.transaction = env.addTransaction(
		[]state.AccountOp{{Op: "transfer", Account: foreignName, To: localName, Amount: 10}},
		accountReq(localName), accountReq(foreignName),
	)
	return f
}

// foreignBlock builds a certified committee-1 block carrying one
// transaction command for the fixture's transaction.
func (f *foreignFixture) foreignBlock(t *testing.T, cmdType types.CommandType, decision types.Decision) *types.Block {
	t.Helper()
	env := f.env

	pv := env.privVals[1][0]
	pubKey, err := pv.GetPubKey()
	require.NoError(t, err)
	proposer := types.GetAddress(pubKey)

	parent := types.NewBlock(testChainID, 1, 1, 0,
		types.GenesisBlock(testChainID, 1, f.foreignSG).ID(),
		proposer, types.GenesisQC(f.foreignSG), nil)
	require.NoError(t, pv.SignBlock(testChainID, parent))
	justify := env.makeQC(1, parent, types.QuorumAccept)

	ev := types.NewEvidence()
	ev.AddClaim(f.localSG, f.localAddr, types.LockWrite)
	ev.AddClaim(f.foreignSG, f.foreignAddr, types.LockWrite)

	atom := &types.TransactionAtom{
		TransactionID: f.transaction.ID(),
		Decision:      decision,
		Evidence:      ev,
	}
	block := types.NewBlock(testChainID, 2, 1, 0, parent.ID(), proposer, justify,
		[]types.Command{types.NewTransactionCommand(cmdType, atom)})
	require.NoError(t, pv.SignBlock(testChainID, block))
	return block
}

func (f *foreignFixture) pledges() types.BlockPledge {
	value, _ := tmjson.Marshal(struct {
		Balance int64 `json:"balance"`
	}{50})
	pledge := types.BlockPledge{}
	pledge.Add(f.transaction.ID(), types.NewInputPledge(f.foreignAddr, value))
	return pledge
}

func (f *foreignFixture) process(t *testing.T, block *types.Block, pledges types.BlockPledge) error {
	t.Helper()
	return f.env.store.WithWriteTx(func(tx *storage.Tx) error {
		return f.fp.Process(tx, block, pledges)
	})
}

func TestForeignProcessMergesEvidence(t *testing.T) {
	f := newForeignFixture(t)
	block := f.foreignBlock(t, types.CommandLocalPrepare, types.DecisionCommit)

	require.NoError(t, f.process(t, block, f.pledges()))

	rec, err := f.env.pool.Get(f.transaction.ID())
	require.NoError(t, err)
	se, ok := rec.Evidence.Get(f.foreignSG)
	require.True(t, ok)
	require.NotNil(t, se.PrepareQC)
	assert.Equal(t, block.Justify.ID(), *se.PrepareQC)
	assert.True(t, rec.Decision().IsCommit())

	tx := f.env.store.ReadTx()
	defer tx.Discard()
	pledged, _, err := tx.FindPledgesForTransaction(f.transaction.ID())
	require.NoError(t, err)
	require.Len(t, pledged, 1)
	assert.True(t, pledged[0].Address.Equal(f.foreignAddr))

	// replaying the same block is a no-op
	require.NoError(t, f.process(t, block, f.pledges()))
}

func TestForeignAcceptQCWitness(t *testing.T) {
	f := newForeignFixture(t)
	block := f.foreignBlock(t, types.CommandLocalAccept, types.DecisionCommit)

	require.NoError(t, f.process(t, block, f.pledges()))

	rec, err := f.env.pool.Get(f.transaction.ID())
	require.NoError(t, err)
	se, ok := rec.Evidence.Get(f.foreignSG)
	require.True(t, ok)
	require.NotNil(t, se.AcceptQC)
	assert.Equal(t, block.Justify.ID(), *se.AcceptQC)
	assert.Nil(t, se.PrepareQC)
}

func TestForeignAbortOverridesLocalCommit(t *testing.T) {
	f := newForeignFixture(t)
	block := f.foreignBlock(t, types.CommandLocalPrepare, types.DecisionAbort)

	// an aborting shard pledges nothing
	require.NoError(t, f.process(t, block, types.BlockPledge{}))

	rec, err := f.env.pool.Get(f.transaction.ID())
	require.NoError(t, err)
	require.NotNil(t, rec.RemoteDecision)
	assert.True(t, rec.RemoteDecision.IsAbort())
	assert.True(t, rec.Decision().IsAbort())
}

func TestForeignOmittedPledges(t *testing.T) {
	f := newForeignFixture(t)
	block := f.foreignBlock(t, types.CommandLocalPrepare, types.DecisionCommit)

	err := f.process(t, block, types.BlockPledge{})
	require.Error(t, err)
	var omitted ErrForeignOmittedPledges
	require.True(t, errors.As(err, &omitted))
	assert.Equal(t, f.transaction.ID(), omitted.TransactionID)
	assert.True(t, omitted.Address.Equal(f.foreignAddr))
}

func TestForeignParkAndRelease(t *testing.T) {
	f := newForeignFixture(t)
	env := f.env

	// a transaction this replica has not received yet
	unknown := &types.Transaction{
		Instructions: []byte(`[]`),
		Inputs:       []types.SubstateRequirement{{Id: f.localAddr.Id}},
		Signature:    []byte("sig"),
	}
	f.transaction = unknown
	block := f.foreignBlock(t, types.CommandLocalPrepare, types.DecisionCommit)
	pledges := f.pledges()

	require.NoError(t, f.process(t, block, pledges))
	assert.False(t, env.pool.Exists(unknown.ID()))

	// the transaction arrives; the parked block replays cleanly
	require.NoError(t, env.store.WithWriteTx(func(tx *storage.Tx) error {
		if err := tx.SaveTransaction(types.NewTransactionRecord(unknown)); err != nil {
			return err
		}
		if _, err := env.pool.Insert(tx, unknown.ID()); err != nil {
			return err
		}
		released, err := tx.RemoveMissingTransaction(unknown.ID())
		if err != nil {
			return err
		}
		require.Len(t, released, 1)
		require.True(t, released[0].Foreign)
		return f.fp.Process(tx, released[0].Block, released[0].Pledges)
	}))

	rec, err := env.pool.Get(unknown.ID())
	require.NoError(t, err)
	se, ok := rec.Evidence.Get(f.foreignSG)
	require.True(t, ok)
	assert.NotNil(t, se.PrepareQC)
}

func TestForeignOwnShardGroupRejected(t *testing.T) {
	f := newForeignFixture(t)

	// a block whose justify claims the local shard group
	pv := f.env.privVals[0][0]
	pubKey, err := pv.GetPubKey()
	require.NoError(t, err)
	parent := f.env.genesisBlock()
	b1 := f.env.proposeOn(parent, types.GenesisQC(f.localSG), 1)
	justify := f.env.makeQC(0, b1, types.QuorumAccept)
	block := types.NewBlock(testChainID, 2, 1, 0, b1.ID(), types.GetAddress(pubKey), justify, nil)
	require.NoError(t, pv.SignBlock(testChainID, block))

	err = f.process(t, block, types.BlockPledge{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "own shard group")
}
