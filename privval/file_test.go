package privval

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tmrand "github.com/tendermint/tendermint/libs/rand"

	"github.com/tari-project/tari-dan-sub001/types"
)

func tempFilePV(t *testing.T) *FilePV {
	dir := t.TempDir()
	return GenFilePV(filepath.Join(dir, "priv_validator_key.json"), filepath.Join(dir, "priv_validator_state.json"))
}

func randVote(epoch, height uint64) *types.Vote {
	var id types.BlockID
	copy(id[:], tmrand.Bytes(types.IDSize))
	return &types.Vote{
		Epoch:    epoch,
		Height:   height,
		BlockID:  id,
		Decision: types.QuorumAccept,
	}
}

func TestFilePVSaveLoadRoundTrip(t *testing.T) {
	pv := tempFilePV(t)
	pv.Save()

	loaded := LoadFilePV(pv.Key.filePath, pv.LastSignState.filePath)
	assert.Equal(t, pv.Key.Address, loaded.Key.Address)
	assert.Equal(t, pv.Key.PubKey, loaded.Key.PubKey)
}

func TestFilePVDeterministicCommitteeKeys(t *testing.T) {
	dir := t.TempDir()
	a := GenFilePVWithSeedAndIdx(filepath.Join(dir, "a.key"), filepath.Join(dir, "a.state"), 3, 1, 42)
	b := GenFilePVWithSeedAndIdx(filepath.Join(dir, "b.key"), filepath.Join(dir, "b.state"), 3, 1, 42)
	c := GenFilePVWithSeedAndIdx(filepath.Join(dir, "c.key"), filepath.Join(dir, "c.state"), 3, 2, 42)

	assert.Equal(t, a.Key.Address, b.Key.Address)
	assert.NotEqual(t, a.Key.Address, c.Key.Address)
}

func TestFilePVSignVoteOncePerHeight(t *testing.T) {
	pv := tempFilePV(t)

	vote := randVote(1, 5)
	require.NoError(t, pv.SignVote("test-chain", vote))
	require.NotEmpty(t, vote.Signature)

	// Same challenge after a crash reuses the stored signature.
	replay := randVote(1, 5)
	replay.BlockID = vote.BlockID
	require.NoError(t, pv.SignVote("test-chain", replay))
	assert.Equal(t, vote.Signature, replay.Signature)

	// A different block at the same height is an equivocation.
	conflicting := randVote(1, 5)
	require.Error(t, pv.SignVote("test-chain", conflicting))

	// Height regression is refused even across restarts.
	reloaded := LoadFilePV(pv.Key.filePath, pv.LastSignState.filePath)
	require.Error(t, reloaded.SignVote("test-chain", randVote(1, 4)))
	require.Error(t, reloaded.SignVote("test-chain", randVote(0, 9)))
	require.NoError(t, reloaded.SignVote("test-chain", randVote(1, 6)))
}

func TestFilePVReset(t *testing.T) {
	pv := tempFilePV(t)
	require.NoError(t, pv.SignVote("test-chain", randVote(1, 5)))

	pv.Reset()
	require.NoError(t, pv.SignVote("test-chain", randVote(1, 1)))
}
