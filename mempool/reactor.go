package mempool

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/clist"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"

	"github.com/tari-project/tari-dan-sub001/types"
)

const (
	MempoolChannel = byte(0x30)

	maxMsgSize = 1024 * 1024

	peerCatchupSleepIntervalMS = 100 // If peer is behind, sleep this amount

	// UnknownPeerID is the peer ID used for transactions that arrive without
	// a peer, e.g. over RPC.
	UnknownPeerID uint16 = 0

	maxActiveIDs = math.MaxUint16
)

// Reactor gossips admitted transactions between validator nodes. Each entry
// is sent to every peer that has not already sent it to us.
type Reactor struct {
	p2p.BaseReactor

	mempool *ListMempool
	ids     *mempoolIDs
}

func NewReactor(mempool *ListMempool) *Reactor {
	memR := &Reactor{
		mempool: mempool,
		ids:     newMempoolIDs(),
	}
	memR.BaseReactor = *p2p.NewBaseReactor("Mempool", memR)
	return memR
}

// SetLogger sets the Logger on the reactor and the underlying mempool.
func (memR *Reactor) SetLogger(l log.Logger) {
	memR.Logger = l
	memR.mempool.SetLogger(l)
}

// InitPeer implements Reactor by reserving a compact sender id for the
// peer before any of its transactions arrive.
func (memR *Reactor) InitPeer(peer p2p.Peer) p2p.Peer {
	memR.ids.ReserveForPeer(peer)
	return peer
}

// OnStart implements p2p.BaseReactor.
func (memR *Reactor) OnStart() error {
	return nil
}

// GetChannels implements Reactor.
func (memR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  MempoolChannel,
			Priority:            5,
			RecvMessageCapacity: maxMsgSize,
		},
	}
}

// AddPeer implements Reactor. It starts a broadcast routine that streams
// the gossip list to the peer.
func (memR *Reactor) AddPeer(peer p2p.Peer) {
	go memR.broadcastTxRoutine(peer)
}

// RemovePeer implements Reactor.
func (memR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	memR.ids.Reclaim(peer)
	// broadcast routine checks if peer is gone and returns
}

// Receive implements Reactor. It adds any received transactions to the
// mempool.
func (memR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	msg, err := decodeMsg(msgBytes)
	if err != nil {
		memR.Logger.Error("error decoding message", "src", src, "chId", chID, "err", err)
		memR.Switch.StopPeerForError(src, err)
		return
	}

	txInfo := TxInfo{SenderID: memR.ids.GetForPeer(src)}
	if src != nil {
		txInfo.SenderP2PID = src.ID()
	}
	for _, tx := range msg.Txs {
		err := memR.mempool.SubmitTransaction(tx, txInfo)
		if err != nil && err != ErrTxInCache {
			memR.Logger.Info("could not add gossiped transaction", "tx", tx.ID(), "err", err)
		}
	}
}

//--------------------------------------------------------------------------------

func (memR *Reactor) broadcastTxRoutine(peer p2p.Peer) {
	peerID := memR.ids.GetForPeer(peer)
	var next *clist.CElement

	for {
		if !memR.IsRunning() || !peer.IsRunning() {
			return
		}

		// Wait for an entry when the list is drained; clist closes the
		// element's wait channel once a successor exists.
		if next == nil {
			select {
			case <-memR.mempool.TxsWaitChan():
				if next = memR.mempool.TxsFront(); next == nil {
					continue
				}
			case <-peer.Quit():
				return
			case <-memR.Quit():
				return
			}
		}

		memTx := next.Value.(*mempoolTx)

		if _, ok := memTx.senders.Load(peerID); !ok {
			msg := TxsMessage{Txs: []*types.Transaction{memTx.tx}}
			bz, err := tmjson.Marshal(&msg)
			if err != nil {
				panic(err)
			}
			if success := peer.Send(MempoolChannel, bz); !success {
				time.Sleep(peerCatchupSleepIntervalMS * time.Millisecond)
				continue
			}
		}

		select {
		case <-next.NextWaitChan():
			next = next.Next()
		case <-peer.Quit():
			return
		case <-memR.Quit():
			return
		}
	}
}

//--------------------------------------------------------------------------------

// mempoolIDs maps peers to compact ids used in per-transaction sender sets.
type mempoolIDs struct {
	mtx       sync.RWMutex
	peerMap   map[p2p.ID]uint16
	nextID    uint16 // assumes that a node will never have over 65536 active peers
	activeIDs map[uint16]struct{}
}

func newMempoolIDs() *mempoolIDs {
	return &mempoolIDs{
		peerMap:   make(map[p2p.ID]uint16),
		activeIDs: map[uint16]struct{}{0: {}},
		nextID:    1, // reserve unknownPeerID(0) for mempoolReactor.BroadcastTx
	}
}

// ReserveForPeer searches for the next unused ID and assigns it to the
// peer.
func (ids *mempoolIDs) ReserveForPeer(peer p2p.Peer) {
	ids.mtx.Lock()
	defer ids.mtx.Unlock()

	curID := ids.nextPeerID()
	ids.peerMap[peer.ID()] = curID
	ids.activeIDs[curID] = struct{}{}
}

// nextPeerID returns the next unused peer ID to use.
// This assumes that ids's mutex is already locked.
func (ids *mempoolIDs) nextPeerID() uint16 {
	if len(ids.activeIDs) == maxActiveIDs {
		panic(fmt.Sprintf("node has maximum %d active IDs and wanted to get one more", maxActiveIDs))
	}

	_, idExists := ids.activeIDs[ids.nextID]
	for idExists {
		ids.nextID++
		_, idExists = ids.activeIDs[ids.nextID]
	}
	curID := ids.nextID
	ids.nextID++
	return curID
}

// Reclaim returns the ID reserved for the peer back to unused pool.
func (ids *mempoolIDs) Reclaim(peer p2p.Peer) {
	ids.mtx.Lock()
	defer ids.mtx.Unlock()

	removedID, ok := ids.peerMap[peer.ID()]
	if ok {
		delete(ids.activeIDs, removedID)
		delete(ids.peerMap, peer.ID())
	}
}

// GetForPeer returns an ID for the peer. ID is generated on the peer
// initialization.
func (ids *mempoolIDs) GetForPeer(peer p2p.Peer) uint16 {
	ids.mtx.RLock()
	defer ids.mtx.RUnlock()

	return ids.peerMap[peer.ID()]
}

//--------------------------------------------------------------------------------

// TxsMessage is the wire format for gossiped transactions.
type TxsMessage struct {
	Txs []*types.Transaction `json:"txs"`
}

func decodeMsg(bz []byte) (*TxsMessage, error) {
	msg := &TxsMessage{}
	if err := tmjson.Unmarshal(bz, msg); err != nil {
		return nil, errors.Wrap(err, "decode mempool message")
	}
	return msg, nil
}
