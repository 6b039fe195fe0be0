package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tmrand "github.com/tendermint/tendermint/libs/rand"

	"github.com/tari-project/tari-dan-sub001/types"
)

const testChainID = "vote-set-test-chain"

func randBlockID() types.BlockID {
	var id types.BlockID
	copy(id[:], tmrand.Bytes(types.IDSize))
	return id
}

func signedVote(
	t *testing.T,
	pv types.PrivValidator,
	idx int32,
	height uint64,
	blockID types.BlockID,
	decision types.QuorumDecision,
) *types.Vote {
	t.Helper()
	pubKey, err := pv.GetPubKey()
	require.NoError(t, err)
	vote := &types.Vote{
		Epoch:            1,
		Height:           height,
		BlockID:          blockID,
		Decision:         decision,
		Timestamp:        time.Now(),
		ValidatorAddress: pubKey.Address(),
		ValidatorIndex:   idx,
	}
	require.NoError(t, pv.SignVote(testChainID, vote))
	return vote
}

func TestVoteSetAddVote(t *testing.T) {
	_, privVals := types.RandValidatorSet(4)
	vs := MakeVoteSet()
	blockID := randBlockID()

	vote := signedVote(t, privVals[0], 0, 5, blockID, types.QuorumAccept)
	added, err := vs.AddVote(vote)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, 1, vs.Count(blockID, types.QuorumAccept))

	// exact repeat is tolerated but not double counted
	added, err = vs.AddVote(vote)
	require.ErrorIs(t, err, ErrDuplicateVote)
	assert.False(t, added)
	assert.Equal(t, 1, vs.Count(blockID, types.QuorumAccept))
}

func TestVoteSetEquivocation(t *testing.T) {
	_, privVals := types.RandValidatorSet(4)
	vs := MakeVoteSet()
	blockID := randBlockID()

	_, err := vs.AddVote(signedVote(t, privVals[0], 0, 5, blockID, types.QuorumAccept))
	require.NoError(t, err)

	// same signer, same height, different block
	added, err := vs.AddVote(signedVote(t, privVals[0], 0, 5, randBlockID(), types.QuorumAccept))
	require.ErrorIs(t, err, ErrConflictingVote)
	assert.False(t, added)

	// same signer, same height, flipped decision
	added, err = vs.AddVote(signedVote(t, privVals[0], 0, 5, blockID, types.QuorumReject))
	require.ErrorIs(t, err, ErrConflictingVote)
	assert.False(t, added)

	// a different height is a fresh slate
	_, err = vs.AddVote(signedVote(t, privVals[0], 0, 6, randBlockID(), types.QuorumAccept))
	require.NoError(t, err)
}

func TestVoteSetTryAggregate(t *testing.T) {
	vals, privVals := types.RandValidatorSet(4)
	sg := types.SplitShardSpace(1)[0]
	vs := MakeVoteSet()
	blockID := randBlockID()

	require.Equal(t, 3, vals.QuorumThreshold())

	for i := 0; i < 2; i++ {
		_, err := vs.AddVote(signedVote(t, privVals[i], int32(i), 5, blockID, types.QuorumAccept))
		require.NoError(t, err)
	}

	// below threshold: no certificate, no error
	qc, err := vs.TryAggregate(vals, sg, blockID, types.QuorumAccept)
	require.NoError(t, err)
	require.Nil(t, qc)

	_, err = vs.AddVote(signedVote(t, privVals[2], 2, 5, blockID, types.QuorumAccept))
	require.NoError(t, err)

	qc, err = vs.TryAggregate(vals, sg, blockID, types.QuorumAccept)
	require.NoError(t, err)
	require.NotNil(t, qc)
	assert.Equal(t, blockID, qc.BlockID)
	assert.Equal(t, uint64(5), qc.BlockHeight)
	assert.Equal(t, []int32{0, 1, 2}, qc.Signers)
	require.NoError(t, vals.VerifyQuorumCertificate(testChainID, qc))

	// fires at most once per (block, decision)
	qc, err = vs.TryAggregate(vals, sg, blockID, types.QuorumAccept)
	require.NoError(t, err)
	assert.Nil(t, qc)

	// a late fourth vote does not rearm the key
	_, err = vs.AddVote(signedVote(t, privVals[3], 3, 5, blockID, types.QuorumAccept))
	require.NoError(t, err)
	qc, err = vs.TryAggregate(vals, sg, blockID, types.QuorumAccept)
	require.NoError(t, err)
	assert.Nil(t, qc)
}

func TestVoteSetSingleValidatorQuorum(t *testing.T) {
	vals, privVals := types.RandValidatorSet(1)
	sg := types.SplitShardSpace(1)[0]
	vs := MakeVoteSet()
	blockID := randBlockID()

	require.Equal(t, 1, vals.QuorumThreshold())

	_, err := vs.AddVote(signedVote(t, privVals[0], 0, 1, blockID, types.QuorumAccept))
	require.NoError(t, err)

	qc, err := vs.TryAggregate(vals, sg, blockID, types.QuorumAccept)
	require.NoError(t, err)
	require.NotNil(t, qc)
	require.NoError(t, vals.VerifyQuorumCertificate(testChainID, qc))
}

func TestVoteSetPrune(t *testing.T) {
	vals, privVals := types.RandValidatorSet(4)
	sg := types.SplitShardSpace(1)[0]
	vs := MakeVoteSet()

	lowID, highID := randBlockID(), randBlockID()
	for i := 0; i < 3; i++ {
		_, err := vs.AddVote(signedVote(t, privVals[i], int32(i), 3, lowID, types.QuorumAccept))
		require.NoError(t, err)
		_, err = vs.AddVote(signedVote(t, privVals[i], int32(i), 7, highID, types.QuorumAccept))
		require.NoError(t, err)
	}

	vs.Prune(3)

	assert.Equal(t, 0, vs.Count(lowID, types.QuorumAccept))
	assert.Equal(t, 3, vs.Count(highID, types.QuorumAccept))

	// the pruned height accepts votes again instead of flagging equivocation
	_, err := vs.AddVote(signedVote(t, privVals[0], 0, 3, lowID, types.QuorumAccept))
	require.NoError(t, err)

	qc, err := vs.TryAggregate(vals, sg, highID, types.QuorumAccept)
	require.NoError(t, err)
	require.NotNil(t, qc)
}
