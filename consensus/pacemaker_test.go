package consensus

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacemakerFiresTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	pm := NewPacemaker(20*time.Millisecond, 200*time.Millisecond)
	require.NoError(t, pm.Start())
	defer pm.Stop() //nolint:errcheck

	pm.Reset(4, 0)

	select {
	case ti := <-pm.Chan():
		assert.EqualValues(t, 4, ti.Height)
		assert.EqualValues(t, 0, ti.Round)
		assert.Equal(t, 20*time.Millisecond, ti.Duration)
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
}

func TestPacemakerResetRearms(t *testing.T) {
	defer leaktest.Check(t)()

	pm := NewPacemaker(50*time.Millisecond, 400*time.Millisecond)
	require.NoError(t, pm.Start())
	defer pm.Stop() //nolint:errcheck

	// keep kicking the deadline forward; no timeout may slip through
	for i := 0; i < 5; i++ {
		pm.Reset(uint64(i), 0)
		time.Sleep(10 * time.Millisecond)
	}
	select {
	case ti := <-pm.Chan():
		t.Fatalf("unexpected timeout %v", ti)
	case <-time.After(20 * time.Millisecond):
	}

	// after the last reset the timer runs to its deadline
	select {
	case ti := <-pm.Chan():
		assert.EqualValues(t, 4, ti.Height)
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
}

func TestPacemakerBackoff(t *testing.T) {
	pm := NewPacemaker(10*time.Millisecond, 80*time.Millisecond)

	pm.Reset(1, 0)
	require.Equal(t, 10*time.Millisecond, pm.CurrentTimeout())

	pm.Backoff()
	pm.Reset(1, 1)
	require.Equal(t, 20*time.Millisecond, pm.CurrentTimeout())

	pm.Backoff()
	pm.Reset(1, 2)
	require.Equal(t, 40*time.Millisecond, pm.CurrentTimeout())

	// backoff saturates at the max deadline
	for i := 0; i < 10; i++ {
		pm.Backoff()
	}
	pm.Reset(1, 3)
	require.Equal(t, 80*time.Millisecond, pm.CurrentTimeout())

	pm.ResetBackoff()
	pm.Reset(2, 0)
	require.Equal(t, 10*time.Millisecond, pm.CurrentTimeout())
}
