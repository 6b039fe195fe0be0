package blocksync

import (
	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
)

const (
	// BlocksyncChannel carries status polls and block streams.
	BlocksyncChannel = byte(0x23)

	maxMsgSize = 1024 * 1024
)

// Reactor bridges the syncer and the p2p switch. It answers status polls
// and serves block streams for peers, and feeds the syncer's inbound
// frames when this node is the one catching up.
type Reactor struct {
	p2p.BaseReactor

	syncer *Syncer
}

func NewReactor(syncer *Syncer) *Reactor {
	bcR := &Reactor{syncer: syncer}
	bcR.BaseReactor = *p2p.NewBaseReactor("Blocksync", bcR)
	syncer.SetSender(bcR)
	return bcR
}

func (bcR *Reactor) SetLogger(l log.Logger) {
	bcR.Logger = l
	bcR.BaseService.SetLogger(l)
	bcR.syncer.SetLogger(l.With("module", "syncer"))
}

func (bcR *Reactor) OnStart() error {
	return bcR.syncer.Start()
}

func (bcR *Reactor) OnStop() {
	if err := bcR.syncer.Stop(); err != nil {
		bcR.Logger.Error("stopping syncer", "err", err)
	}
}

// Syncer exposes the managed syncer for node wiring.
func (bcR *Reactor) Syncer() *Syncer { return bcR.syncer }

// GetChannels implements Reactor.
func (bcR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  BlocksyncChannel,
			Priority:            4,
			SendQueueCapacity:   200,
			RecvMessageCapacity: maxMsgSize,
		},
	}
}

// Receive implements Reactor.
func (bcR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	if !bcR.IsRunning() {
		return
	}
	msg, err := decodeMsg(msgBytes)
	if err != nil {
		bcR.Logger.Error("error decoding message", "src", src, "chId", chID, "err", err)
		bcR.Switch.StopPeerForError(src, err)
		return
	}
	if err := msg.ValidateBasic(); err != nil {
		bcR.Logger.Error("peer sent an invalid message", "src", src, "msg", msg, "err", err)
		bcR.Switch.StopPeerForError(src, err)
		return
	}
	bcR.Logger.Debug("received message", "src", src, "chId", chID, "msg", msg)

	switch m := msg.(type) {
	case *StatusRequestMessage:
		bcR.respondStatus(src)
	case *SyncRequestMessage:
		// streaming may block on sends, keep it off the receive path
		go bcR.serveStream(src, m.FromHeight)
	default:
		bcR.syncer.Deliver(src.ID(), msg)
	}
}

func (bcR *Reactor) respondStatus(peer p2p.Peer) {
	status, err := bcR.syncer.Status()
	if err != nil {
		bcR.Logger.Error("building status response", "err", err)
		return
	}
	bcR.sendTo(peer, status)
}

func (bcR *Reactor) serveStream(peer p2p.Peer, fromHeight uint64) {
	err := bcR.syncer.StreamBlocks(fromHeight, func(msg Message) bool {
		return bcR.sendTo(peer, msg)
	})
	bcR.syncer.Metrics().MarkServedStream(err != nil)
	if err != nil {
		bcR.Logger.Info("block stream aborted", "peer", peer.ID(), "from", fromHeight, "err", err)
		return
	}
	bcR.Logger.Info("served block stream", "peer", peer.ID(), "from", fromHeight)
}

//------------------------------------------------------------
// sender

// PeerIDs implements sender over the switch's live peer set.
func (bcR *Reactor) PeerIDs() []p2p.ID {
	var ids []p2p.ID
	for _, peer := range bcR.Switch.Peers().List() {
		ids = append(ids, peer.ID())
	}
	return ids
}

// SendTo implements sender.
func (bcR *Reactor) SendTo(peerID p2p.ID, msg Message) bool {
	peer := bcR.Switch.Peers().Get(peerID)
	if peer == nil {
		return false
	}
	return bcR.sendTo(peer, msg)
}

func (bcR *Reactor) sendTo(peer p2p.Peer, msg Message) bool {
	bz, err := encodeMsg(msg)
	if err != nil {
		bcR.Logger.Error("error encoding message", "msg", msg, "err", err)
		return false
	}
	return peer.Send(BlocksyncChannel, bz)
}

//------------------------------------------------------------

func encodeMsg(msg Message) ([]byte, error) {
	return tmjson.Marshal(msg)
}

func decodeMsg(bz []byte) (Message, error) {
	var msg Message
	if err := tmjson.Unmarshal(bz, &msg); err != nil {
		return nil, errors.Wrap(err, "decode blocksync message")
	}
	if msg == nil {
		return nil, errors.New("message decoded to nil")
	}
	return msg, nil
}
