package threshold_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tari-project/tari-dan-sub001/crypto/bls"
	"github.com/tari-project/tari-dan-sub001/crypto/threshold"
)

func TestMasterDeterministic(t *testing.T) {
	master := bls.GenPrivKeyWithSeed(7)

	polyA := threshold.Master(master, 3, 7)
	polyB := threshold.Master(master, 3, 7)

	for idx := int64(0); idx < 4; idx++ {
		a, err := polyA.GetValue(idx)
		require.NoError(t, err)
		b, err := polyB.GetValue(idx)
		require.NoError(t, err)
		assert.True(t, a.Equals(b), "share %d should be reproducible", idx)
	}
}

func TestSharesAreDistinct(t *testing.T) {
	poly := threshold.Master(bls.GenPrivKey(), 3, 1)

	a, err := poly.GetValue(0)
	require.NoError(t, err)
	b, err := poly.GetValue(1)
	require.NoError(t, err)

	assert.False(t, a.Equals(b))

	// each share is a working signing key
	sig, err := a.Sign([]byte("msg"))
	require.NoError(t, err)
	assert.True(t, a.PubKey().VerifySignature([]byte("msg"), sig))
}

func TestGetValueRejectsNegativeIndex(t *testing.T) {
	poly := threshold.Master(bls.GenPrivKey(), 2, 1)
	_, err := poly.GetValue(-1)
	assert.Error(t, err)
}
