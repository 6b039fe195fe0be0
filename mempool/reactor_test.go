package mempool

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/p2p/mock"

	"github.com/tari-project/tari-dan-sub001/types"
)

const broadcastTimeout = 30 * time.Second

func TestReactorBroadcastsTxs(t *testing.T) {
	config := cfg.TestConfig()

	const N = 2
	reactors := makeAndConnectReactors(config, N)
	defer stopReactors(t, reactors)

	txs := submitTxs(t, reactors[0].mempool, 50, UnknownPeerID)

	waitForTxsOnReactors(t, txs, reactors)
}

func TestReactorNoBroadcastToSender(t *testing.T) {
	config := cfg.TestConfig()

	const N = 2
	reactors := makeAndConnectReactors(config, N)
	defer stopReactors(t, reactors)

	// pretend peer 1 sent us these; it must not receive them back
	const peerID = 1
	submitTxs(t, reactors[0].mempool, 20, peerID)

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, reactors[peerID].mempool.Size())
}

func TestReactorReceiveInvalidBytes(t *testing.T) {
	config := cfg.TestConfig()

	reactors := makeAndConnectReactors(config, 1)
	defer stopReactors(t, reactors)

	peer := mock.NewPeer(net.IP{127, 0, 0, 1})
	reactors[0].InitPeer(peer)
	reactors[0].Receive(MempoolChannel, peer, []byte{0x01, 0x02})
	assert.Zero(t, reactors[0].mempool.Size())
}

func TestBroadcastTxForPeerStopsWhenPeerStops(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode.")
	}

	config := cfg.TestConfig()
	const N = 2
	reactors := makeAndConnectReactors(config, N)
	defer stopReactors(t, reactors)

	// stop peer
	sw := reactors[1].Switch
	sw.StopPeerForError(sw.Peers().List()[0], errors.New("some reason"))

	// check that we are not leaking any go-routines
	// i.e. broadcastTxRoutine finishes when peer is stopped
	leaktest.CheckTimeout(t, 10*time.Second)()
}

func TestBroadcastTxForPeerStopsWhenReactorStops(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode.")
	}

	config := cfg.TestConfig()
	const N = 2
	reactors := makeAndConnectReactors(config, N)

	stopReactors(t, reactors)

	// check that we are not leaking any go-routines
	// i.e. broadcastTxRoutine finishes when reactor is stopped
	leaktest.CheckTimeout(t, 10*time.Second)()
}

func TestMempoolIDsBasic(t *testing.T) {
	ids := newMempoolIDs()

	peer := mock.NewPeer(net.IP{127, 0, 0, 1})

	ids.ReserveForPeer(peer)
	assert.EqualValues(t, 1, ids.GetForPeer(peer))
	ids.Reclaim(peer)

	ids.ReserveForPeer(peer)
	assert.EqualValues(t, 2, ids.GetForPeer(peer))
	ids.Reclaim(peer)
}

//--------------------------------------------------------------------------------

// connect N mempool reactors through N switches
func makeAndConnectReactors(config *cfg.Config, n int) []*Reactor {
	reactors := make([]*Reactor, n)
	logger := log.TestingLogger()
	for i := 0; i < n; i++ {
		handler := &recordingHandler{}
		mem := NewListMempool(config.Mempool, handler.handle)

		reactors[i] = NewReactor(mem)
		reactors[i].SetLogger(logger.With("validator", i))
	}

	p2p.MakeConnectedSwitches(config.P2P, n, func(i int, s *p2p.Switch) *p2p.Switch {
		s.AddReactor("MEMPOOL", reactors[i])
		return s
	}, p2p.Connect2Switches)
	return reactors
}

func stopReactors(t *testing.T, reactors []*Reactor) {
	for _, r := range reactors {
		require.NoError(t, r.Stop())
	}
}

func waitForTxsOnReactors(t *testing.T, txs []*types.Transaction, reactors []*Reactor) {
	wg := new(sync.WaitGroup)
	for i, reactor := range reactors {
		wg.Add(1)
		go func(r *Reactor, reactorIndex int) {
			defer wg.Done()
			waitForTxsOnReactor(t, txs, r, reactorIndex)
		}(reactor, i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-time.After(broadcastTimeout):
		t.Fatal("timed out waiting for txs")
	case <-done:
	}
}

func waitForTxsOnReactor(t *testing.T, txs []*types.Transaction, reactor *Reactor, reactorIndex int) {
	mem := reactor.mempool
	for mem.Size() < len(txs) {
		time.Sleep(10 * time.Millisecond)
	}

	for _, tx := range txs {
		_, ok := mem.txsMap.Load(tx.ID())
		assert.Truef(t, ok, "tx %s missing on reactor %d", tx.ID(), reactorIndex)
	}
}
