package consensus

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cstypes "github.com/tari-project/tari-dan-sub001/consensus/types"
	"github.com/tari-project/tari-dan-sub001/storage"
	"github.com/tari-project/tari-dan-sub001/types"
)

// chainOf extends the genesis with n certified empty blocks and returns
// them. Each block's justify certifies its parent, so the chain commits
// as soon as the 3-chain closes.
func chainOf(t *testing.T, env *testEnv, n int) []*types.Block {
	t.Helper()
	blocks := make([]*types.Block, 0, n)
	parent := env.genesisBlock()
	justify := types.GenesisQC(env.epochs.LocalShardGroup())
	for h := uint64(1); h <= uint64(n); h++ {
		block := env.proposeOn(parent, justify, h)
		require.NoError(t, env.store.WithWriteTx(func(tx *storage.Tx) error {
			return tx.SaveBlock(block)
		}))
		blocks = append(blocks, block)
		justify = env.makeQC(0, block, types.QuorumAccept)
		parent = block
	}
	return blocks
}

func TestVerifyProposalRejectsWrongLeader(t *testing.T) {
	env := newTestEnv(t, 1, 4)

	genesis := env.genesisBlock()
	leader, err := env.epochs.Leader(1, 0)
	require.NoError(t, err)

	// signed by a committee member that is not the scheduled leader
	var impostor types.PrivValidator
	for _, pv := range env.privVals[0] {
		pubKey, err := pv.GetPubKey()
		require.NoError(t, err)
		if !types.AddressesEqual(types.GetAddress(pubKey), leader.Address) {
			impostor = pv
			break
		}
	}
	require.NotNil(t, impostor)
	pubKey, err := impostor.GetPubKey()
	require.NoError(t, err)

	block := types.NewBlock(testChainID, 1, 1, 0, genesis.ID(),
		types.GetAddress(pubKey), types.GenesisQC(env.epochs.LocalShardGroup()), nil)
	require.NoError(t, impostor.SignBlock(testChainID, block))

	err = verifyProposal(block, testChainID, env.epochs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader")
}

func TestVerifyProposalRejectsDummy(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	genesis := env.genesisBlock()
	leader, err := env.epochs.Leader(1, 0)
	require.NoError(t, err)

	dummy := types.NewDummyBlock(testChainID, 1, 1, 0, genesis.ID(),
		leader.Address, types.GenesisQC(env.epochs.LocalShardGroup()))
	err = verifyProposal(dummy, testChainID, env.epochs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dummy")
}

func TestSynthesizeDummyChainDeterminism(t *testing.T) {
	env := newTestEnv(t, 1, 4)

	blocks := chainOf(t, env, 1)
	justified := blocks[0]
	justify := env.makeQC(0, justified, types.QuorumAccept)

	// two failed rounds leave heights 2 and 3 to dummies
	a, err := synthesizeDummyChain(env.epochs, testChainID, justified, justify, 4, 2)
	require.NoError(t, err)
	b, err := synthesizeDummyChain(env.epochs, testChainID, justified, justify, 4, 2)
	require.NoError(t, err)

	require.Len(t, a, 2)
	require.Len(t, b, 2)
	for i := range a {
		assert.True(t, a[i].ID().Equal(b[i].ID()))
		assert.True(t, a[i].IsDummy())
		assert.EqualValues(t, 2, a[i].Round)
	}
	assert.True(t, a[0].Parent.Equal(justified.ID()))
	assert.True(t, a[1].Parent.Equal(a[0].ID()))

	// a different round yields a different chain
	c, err := synthesizeDummyChain(env.epochs, testChainID, justified, justify, 4, 1)
	require.NoError(t, err)
	require.Len(t, c, 2)
	assert.False(t, c[1].ID().Equal(a[1].ID()))
}

func TestCheckAncestrySavesDummies(t *testing.T) {
	env := newTestEnv(t, 1, 4)

	blocks := chainOf(t, env, 1)
	justified := blocks[0]
	justify := env.makeQC(0, justified, types.QuorumAccept)

	// round 1 timed out; the round-1 leader proposes at height 3 through
	// a dummy at height 2
	dummies, err := synthesizeDummyChain(env.epochs, testChainID, justified, justify, 3, 1)
	require.NoError(t, err)
	require.Len(t, dummies, 1)

	leader, err := env.epochs.Leader(3, 1)
	require.NoError(t, err)
	block := types.NewBlock(testChainID, 3, 1, 1, dummies[0].ID(), leader.Address, justify, nil)
	require.NoError(t, env.leaderPV(leader.Address).SignBlock(testChainID, block))

	require.NoError(t, env.store.WithWriteTx(func(tx *storage.Tx) error {
		return checkAncestry(tx, env.epochs, block)
	}))

	tx := env.store.ReadTx()
	defer tx.Discard()
	saved, err := tx.GetBlock(dummies[0].ID())
	require.NoError(t, err)
	assert.True(t, saved.IsDummy())
}

func TestCheckAncestryNeedsSync(t *testing.T) {
	env := newTestEnv(t, 1, 4)

	// a justify whose block this replica has never seen
	var unknown types.BlockID
	copy(unknown[:], []byte("never-seen-block-id-entirely-0000"))
	justify := types.NewQuorumCertificate(unknown, 9, 1,
		env.epochs.LocalShardGroup(), types.QuorumAccept, []int32{0, 1, 2}, []byte("sig"))

	leader, err := env.epochs.Leader(10, 0)
	require.NoError(t, err)
	block := types.NewBlock(testChainID, 10, 1, 0, unknown, leader.Address, justify, nil)
	require.NoError(t, env.leaderPV(leader.Address).SignBlock(testChainID, block))

	err = env.store.WithWriteTx(func(tx *storage.Tx) error {
		return checkAncestry(tx, env.epochs, block)
	})
	require.Error(t, err)
	require.True(t, IsNeedsSync(err))
	var needsSync ErrNeedsSync
	require.True(t, errors.As(err, &needsSync))
	assert.EqualValues(t, 9, needsSync.RemoteHeight)
	assert.EqualValues(t, 0, needsSync.LocalHeight)
}

func TestSafeNode(t *testing.T) {
	env := newTestEnv(t, 1, 4)
	blocks := chainOf(t, env, 3)

	rs := &cstypes.RoundState{
		LockedBlock:  blocks[0].ID(),
		LockedHeight: blocks[0].Height,
		LastVoted:    2,
	}

	tx := env.store.ReadTx()
	defer tx.Discard()

	// height 3 extends the lock but was already voted past
	rs.LastVoted = 3
	ok, err := safeNode(tx, rs, blocks[2])
	require.NoError(t, err)
	assert.False(t, ok)

	// fresh height extending the lock
	rs.LastVoted = 2
	ok, err = safeNode(tx, rs, blocks[2])
	require.NoError(t, err)
	assert.True(t, ok)

	// a block that does not extend the lock needs a justify above it
	leader, err := env.epochs.Leader(3, 0)
	require.NoError(t, err)
	fork := types.NewBlock(testChainID, 3, 1, 0, env.genesisBlock().ID(),
		leader.Address, types.GenesisQC(env.epochs.LocalShardGroup()), nil)
	require.NoError(t, env.leaderPV(leader.Address).SignBlock(testChainID, fork))
	ok, err = safeNode(tx, rs, fork)
	require.NoError(t, err)
	assert.False(t, ok)

	forkJustified := env.makeQC(0, blocks[1], types.QuorumAccept)
	fork2 := types.NewBlock(testChainID, 3, 1, 0, blocks[1].ID(),
		leader.Address, forkJustified, nil)
	require.NoError(t, env.leaderPV(leader.Address).SignBlock(testChainID, fork2))
	ok, err = safeNode(tx, rs, fork2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProcessJustifyThreeChain(t *testing.T) {
	env := newTestEnv(t, 1, 4)

	// b1 <- b2 <- b3 <- b4, each justify certifying the parent
	blocks := chainOf(t, env, 4)

	rs := &cstypes.RoundState{}
	require.NoError(t, env.store.WithWriteTx(func(tx *storage.Tx) error {
		// b3's justify locks b1; nothing commits yet
		target, err := processJustify(tx, rs, blocks[2])
		require.NoError(t, err)
		assert.Nil(t, target)
		assert.Equal(t, blocks[0].ID(), rs.LockedBlock)

		// b4's justify closes b1's 3-chain
		target, err = processJustify(tx, rs, blocks[3])
		require.NoError(t, err)
		require.NotNil(t, target)
		assert.Equal(t, blocks[0].ID(), target.ID())
		assert.Equal(t, blocks[1].ID(), rs.LockedBlock)
		assert.Equal(t, blocks[3].Justify.BlockID, rs.HighQC.BlockID)
		return nil
	}))
}

func TestUncommittedAncestryForkDetection(t *testing.T) {
	env := newTestEnv(t, 1, 4)
	blocks := chainOf(t, env, 3)

	rs := &cstypes.RoundState{
		LastExecuted:       blocks[0].ID(),
		LastExecutedHeight: blocks[0].Height,
	}

	tx := env.store.ReadTx()
	defer tx.Discard()

	chain, err := uncommittedAncestry(tx, rs, blocks[2])
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, blocks[1].ID(), chain[0].ID())
	assert.Equal(t, blocks[2].ID(), chain[1].ID())

	// an ancestry bottoming out beside the executed anchor is a fork
	leader, err := env.epochs.Leader(2, 1)
	require.NoError(t, err)
	forked := types.NewBlock(testChainID, 2, 1, 1, env.genesisBlock().ID(),
		leader.Address, types.GenesisQC(env.epochs.LocalShardGroup()), nil)
	require.NoError(t, env.leaderPV(leader.Address).SignBlock(testChainID, forked))

	_, err = uncommittedAncestry(tx, rs, forked)
	require.Error(t, err)
	assert.True(t, IsForkDetected(err))
}
