package consensus

import (
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/events"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"

	"github.com/tari-project/tari-dan-sub001/types"
)

const (
	// StateChannel carries intra-committee traffic: proposals, votes and
	// new views.
	StateChannel = byte(0x21)

	// ForeignChannel carries cross-committee traffic: foreign proposals
	// and missing-transaction exchange.
	ForeignChannel = byte(0x22)

	maxMsgSize = 1024 * 1024

	listenerID = "consensus-reactor"
)

// Reactor bridges the consensus state and the p2p switch. Inbound wire
// messages are decoded and queued on the state; outbound messages arrive
// as events fired by the state.
type Reactor struct {
	p2p.BaseReactor

	cs   *State
	evsw events.EventSwitch
}

func NewReactor(cs *State) *Reactor {
	conR := &Reactor{
		cs:   cs,
		evsw: events.NewEventSwitch(),
	}
	conR.BaseReactor = *p2p.NewBaseReactor("Consensus", conR)
	cs.SetEventSwitch(conR.evsw)
	return conR
}

func (conR *Reactor) SetLogger(l log.Logger) {
	conR.Logger = l
	conR.BaseService.SetLogger(l)
	conR.evsw.SetLogger(l.With("module", "events"))
}

func (conR *Reactor) OnStart() error {
	if err := conR.evsw.Start(); err != nil {
		return err
	}
	if err := conR.subscribeEvents(); err != nil {
		return err
	}
	return conR.cs.Start()
}

func (conR *Reactor) OnStop() {
	if err := conR.cs.Stop(); err != nil {
		conR.Logger.Error("stopping consensus state", "err", err)
	}
	if err := conR.evsw.Stop(); err != nil {
		conR.Logger.Error("stopping event switch", "err", err)
	}
}

// GetChannels implements Reactor.
func (conR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  StateChannel,
			Priority:            6,
			SendQueueCapacity:   100,
			RecvMessageCapacity: maxMsgSize,
		},
		{
			ID:                  ForeignChannel,
			Priority:            5,
			SendQueueCapacity:   100,
			RecvMessageCapacity: maxMsgSize,
		},
	}
}

// Receive implements Reactor. Decoded messages all funnel into the
// state's peer queue; the state does its own validation.
func (conR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	if !conR.IsRunning() {
		return
	}
	msg, err := decodeMsg(msgBytes)
	if err != nil {
		conR.Logger.Error("error decoding message", "src", src, "chId", chID, "err", err)
		conR.Switch.StopPeerForError(src, err)
		return
	}
	if err := msg.ValidateBasic(); err != nil {
		conR.Logger.Error("peer sent an invalid message", "src", src, "msg", msg, "err", err)
		conR.Switch.StopPeerForError(src, err)
		return
	}
	conR.Logger.Debug("received message", "src", src, "chId", chID, "msg", msg)
	conR.cs.SendPeerMessage(msg, src.ID())
}

// OnCommittedBlock registers fn for every committed non-dummy block. The
// node hooks the mempool's eviction and anyone else who needs commit
// notifications through here.
func (conR *Reactor) OnCommittedBlock(listenerID string, fn func(*types.Block)) error {
	return conR.evsw.AddListenerForEvent(listenerID, EventCommittedBlock, func(data events.EventData) {
		block, ok := data.(*types.Block)
		if !ok {
			conR.Logger.Error("committed event carried a non-block", "data", data)
			return
		}
		fn(block)
	})
}

// subscribeEvents wires the state's outbound events onto the switch.
func (conR *Reactor) subscribeEvents() error {
	broadcast := func(chID byte) events.EventCallback {
		return func(data events.EventData) {
			msg, ok := data.(Message)
			if !ok {
				conR.Logger.Error("event carried a non-message", "data", data)
				return
			}
			conR.broadcastMsg(chID, msg)
		}
	}

	if err := conR.evsw.AddListenerForEvent(listenerID, EventProposal, broadcast(StateChannel)); err != nil {
		return err
	}
	if err := conR.evsw.AddListenerForEvent(listenerID, EventVote, broadcast(StateChannel)); err != nil {
		return err
	}
	if err := conR.evsw.AddListenerForEvent(listenerID, EventNewView, broadcast(StateChannel)); err != nil {
		return err
	}
	if err := conR.evsw.AddListenerForEvent(listenerID, EventForeignProposal, broadcast(ForeignChannel)); err != nil {
		return err
	}
	return conR.evsw.AddListenerForEvent(listenerID, EventPeerMessage, func(data events.EventData) {
		pm, ok := data.(PeerMessage)
		if !ok {
			conR.Logger.Error("missing-txs event carried a non peer message", "data", data)
			return
		}
		conR.sendToPeer(pm)
	})
}

func (conR *Reactor) broadcastMsg(chID byte, msg Message) {
	bz, err := encodeMsg(msg)
	if err != nil {
		conR.Logger.Error("error encoding message", "msg", msg, "err", err)
		return
	}
	conR.Switch.Broadcast(chID, bz)
}

// sendToPeer delivers a directed message, silently dropping it when the
// peer is gone; the request window times out naturally.
func (conR *Reactor) sendToPeer(pm PeerMessage) {
	peer := conR.Switch.Peers().Get(pm.PeerID)
	if peer == nil {
		conR.Logger.Debug("peer for directed message is gone", "peer", pm.PeerID)
		return
	}
	bz, err := encodeMsg(pm.Msg)
	if err != nil {
		conR.Logger.Error("error encoding message", "msg", pm.Msg, "err", err)
		return
	}
	if !peer.Send(ForeignChannel, bz) {
		conR.Logger.Debug("directed message send failed", "peer", pm.PeerID, "msg", pm.Msg)
	}
}

//------------------------------------------------------------

func encodeMsg(msg Message) ([]byte, error) {
	return tmjson.Marshal(msg)
}

func decodeMsg(bz []byte) (Message, error) {
	var msg Message
	if err := tmjson.Unmarshal(bz, &msg); err != nil {
		return nil, errors.Wrap(err, "decode consensus message")
	}
	if msg == nil {
		return nil, errors.New("message decoded to nil")
	}
	return msg, nil
}
