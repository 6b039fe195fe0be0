package consensus

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	tmsync "github.com/tendermint/tendermint/libs/sync"
	"github.com/tendermint/tendermint/p2p"

	cstypes "github.com/tari-project/tari-dan-sub001/consensus/types"
	"github.com/tari-project/tari-dan-sub001/epoch"
	"github.com/tari-project/tari-dan-sub001/state"
	"github.com/tari-project/tari-dan-sub001/storage"
	"github.com/tari-project/tari-dan-sub001/txpool"
	"github.com/tari-project/tari-dan-sub001/types"
)

// Event keys fired toward the reactor.
const (
	EventProposal        = "ConsensusProposal"
	EventVote            = "ConsensusVote"
	EventNewView         = "ConsensusNewView"
	EventForeignProposal = "ConsensusForeignProposal"
	EventPeerMessage     = "ConsensusPeerMessage"
	EventCommittedBlock  = "ConsensusCommittedBlock"
)

const msgQueueSize = 1000

// missingTxWindowSize bounds the in-flight missing-transaction requests.
// Responses outside the window are stale and dropped.
const missingTxWindowSize = 16

// Config carries the consensus tunables.
type Config struct {
	TimeoutBase      time.Duration `mapstructure:"timeout_base"`
	TimeoutMax       time.Duration `mapstructure:"timeout_max"`
	MaxBlockCommands int           `mapstructure:"max_block_commands"`
}

func DefaultConfig() *Config {
	return &Config{
		TimeoutBase:      defaultBaseTimeout,
		TimeoutMax:       defaultMaxTimeout,
		MaxBlockCommands: 500,
	}
}

func (cfg *Config) ValidateBasic() error {
	if cfg.TimeoutBase <= 0 {
		return errors.New("timeout_base must be positive")
	}
	if cfg.TimeoutMax < cfg.TimeoutBase {
		return errors.New("timeout_max must be at least timeout_base")
	}
	if cfg.MaxBlockCommands <= 0 {
		return errors.New("max_block_commands must be positive")
	}
	return nil
}

//------------------------------------------------------------

// PeerMessage is a message addressed to one peer rather than broadcast.
type PeerMessage struct {
	PeerID p2p.ID
	Msg    Message
}

// missingTxRequest is one slot of the in-flight request window.
type missingTxRequest struct {
	ID      uint32
	BlockID types.BlockID
	Active  bool
}

// State drives the hotstuff pipeline for one replica: it validates and
// walks proposals, votes, aggregates votes into certificates when
// leading, absorbs foreign proposals and commits 3-chains. All input
// arrives on the two message queues and the pacemaker channel; one
// receive routine serializes everything.
type State struct {
	service.BaseService

	cfg     *Config
	chainID string

	privVal   types.PrivValidator
	localAddr types.Address

	store     *storage.Store
	pool      *txpool.Pool
	epochs    epoch.Manager
	exec      state.Executor
	committer *state.Committer
	foreign   *foreignProcessor
	pacemaker *Pacemaker

	evsw    events.EventSwitch
	metrics *Metrics

	mtx      tmsync.Mutex
	rs       cstypes.RoundState
	votes    *cstypes.VoteSet
	newViews map[uint64]map[int32]*NewViewMessage

	// proposer-side queues, drained into commands on beat
	foreignQueue []types.BlockID
	mintQueue    []types.SubstateId
	endEpoch     bool

	requests      [missingTxWindowSize]missingTxRequest
	nextRequestID uint32

	peerMsgQueue     chan msgInfo
	internalMsgQueue chan msgInfo

	// decideProposal builds and injects the leader's block. Overridable
	// for tests.
	decideProposal func(height, round uint64)

	// onNeedsSync is called when a justify outruns the local chain.
	onNeedsSync func(ErrNeedsSync)
}

// NewState wires a consensus state over its collaborators. Call
// SetEventSwitch before Start when a reactor is attached.
func NewState(
	cfg *Config,
	chainID string,
	store *storage.Store,
	pool *txpool.Pool,
	epochs epoch.Manager,
	exec state.Executor,
	privVal types.PrivValidator,
	logger log.Logger,
) (*State, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	pubKey, err := privVal.GetPubKey()
	if err != nil {
		return nil, errors.Wrap(err, "get validator key")
	}

	cs := &State{
		cfg:              cfg,
		chainID:          chainID,
		privVal:          privVal,
		localAddr:        types.GetAddress(pubKey),
		store:            store,
		pool:             pool,
		epochs:           epochs,
		exec:             exec,
		committer:        state.NewCommitter(store, pool, logger),
		foreign:          newForeignProcessor(chainID, pool, epochs, logger),
		pacemaker:        NewPacemaker(cfg.TimeoutBase, cfg.TimeoutMax),
		votes:            cstypes.MakeVoteSet(),
		newViews:         make(map[uint64]map[int32]*NewViewMessage),
		metrics:          NewMetrics(),
		peerMsgQueue:     make(chan msgInfo, msgQueueSize),
		internalMsgQueue: make(chan msgInfo, msgQueueSize),
	}
	cs.decideProposal = cs.defaultDecideProposal
	cs.BaseService = *service.NewBaseService(logger, "State", cs)
	cs.pacemaker.SetLogger(logger.With("module", "pacemaker"))
	return cs, nil
}

func (cs *State) SetEventSwitch(evsw events.EventSwitch) { cs.evsw = evsw }
func (cs *State) SetMetrics(m *Metrics)                  { cs.metrics = m }

// SetNeedsSyncHandler installs the callback that hands control to the
// sync manager.
func (cs *State) SetNeedsSyncHandler(fn func(ErrNeedsSync)) { cs.onNeedsSync = fn }

// Bootstrap seeds an empty store with the shard group's genesis block and
// its anchors. Safe to call on every start.
func Bootstrap(store *storage.Store, chainID string, epochNum uint64, sg types.ShardGroup) error {
	return store.WithWriteTx(func(tx *storage.Tx) error {
		if _, _, err := tx.GetLastExecuted(); err == nil {
			return nil
		} else if !storage.IsNotFound(err) {
			return err
		}

		genesis := types.GenesisBlock(chainID, epochNum, sg)
		genesisID := genesis.ID()
		if err := tx.SaveBlock(genesis); err != nil {
			return err
		}
		if err := tx.SetCommittedBlock(genesis); err != nil {
			return err
		}
		if err := tx.SetHighQC(types.GenesisQC(sg)); err != nil {
			return err
		}
		if err := tx.SetLeafBlock(genesisID, 0); err != nil {
			return err
		}
		if err := tx.SetLockedBlock(genesisID, 0); err != nil {
			return err
		}
		if err := tx.SetLastExecuted(genesisID, 0); err != nil {
			return err
		}
		return tx.SetCurrentEpoch(epochNum)
	})
}

func (cs *State) OnStart() error {
	if err := cs.loadRoundState(); err != nil {
		return err
	}
	if err := cs.pool.Load(); err != nil {
		return err
	}
	if err := cs.pacemaker.Start(); err != nil {
		return err
	}

	// a led proposal lands on the internal queue; the routine picks it
	// up as soon as it starts
	cs.mtx.Lock()
	height, round := cs.rs.TargetHeight(), cs.rs.Round
	cs.pacemaker.Reset(height, round)
	cs.maybeBeat(height, round)
	cs.mtx.Unlock()

	go cs.receiveRoutine()
	return nil
}

func (cs *State) OnStop() {
	if err := cs.pacemaker.Stop(); err != nil {
		cs.Logger.Error("stopping pacemaker", "err", err)
	}
}

// loadRoundState rebuilds the in-memory position from the persisted
// anchors.
func (cs *State) loadRoundState() error {
	tx := cs.store.ReadTx()
	defer tx.Discard()

	highQC, err := tx.GetHighQC()
	if err != nil {
		return errors.Wrap(err, "the store is not bootstrapped")
	}
	leafID, leafHeight, err := tx.GetLeafBlock()
	if err != nil {
		return err
	}
	lockedID, lockedHeight, err := tx.GetLockedBlock()
	if err != nil {
		return err
	}
	lastVoted, err := tx.GetLastVoted()
	if err != nil {
		return err
	}
	execID, execHeight, err := tx.GetLastExecuted()
	if err != nil {
		return err
	}
	epochNum, err := tx.GetCurrentEpoch()
	if err != nil {
		return err
	}

	cs.mtx.Lock()
	cs.rs = cstypes.RoundState{
		Epoch:              epochNum,
		HighQC:             highQC,
		LeafBlock:          leafID,
		LeafHeight:         leafHeight,
		LockedBlock:        lockedID,
		LockedHeight:       lockedHeight,
		LastVoted:          lastVoted,
		LastExecuted:       execID,
		LastExecutedHeight: execHeight,
	}
	cs.mtx.Unlock()
	return nil
}

// ReloadRoundState re-reads the persisted anchors and re-arms the
// pacemaker at the new position. The sync manager calls this after an
// out-of-band catch up so the replica rejoins consensus past everything
// it just applied.
func (cs *State) ReloadRoundState() error {
	if err := cs.loadRoundState(); err != nil {
		return err
	}
	cs.mtx.Lock()
	height, round := cs.rs.TargetHeight(), cs.rs.Round
	cs.pacemaker.Reset(height, round)
	cs.maybeBeat(height, round)
	cs.mtx.Unlock()
	return nil
}

// GetRoundState returns a snapshot for rpc and metrics.
func (cs *State) GetRoundState() cstypes.RoundState {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.rs
}

//------------------------------------------------------------
// external entry points

// SendPeerMessage enqueues a decoded wire message. Called by the reactor.
func (cs *State) SendPeerMessage(msg Message, peerID p2p.ID) {
	select {
	case cs.peerMsgQueue <- msgInfo{Msg: msg, PeerID: peerID}:
	default:
		cs.Logger.Error("peer msg queue is full, dropping message", "peer", peerID)
	}
}

// AddTransaction stores an incoming transaction, admits it to the pool
// and replays any proposals that were parked on it. Called by the
// mempool on intake and gossip.
func (cs *State) AddTransaction(transaction *types.Transaction) error {
	txID := transaction.ID()

	var released []*storage.ParkedProposal
	err := cs.store.WithWriteTx(func(tx *storage.Tx) error {
		known, err := tx.HasTransaction(txID)
		if err != nil {
			return err
		}
		if !known {
			if err := tx.SaveTransaction(&types.TransactionRecord{Transaction: transaction}); err != nil {
				return err
			}
		}
		if _, err := cs.pool.Insert(tx, txID); err != nil {
			return err
		}
		released, err = tx.RemoveMissingTransaction(txID)
		return err
	})
	if err != nil {
		return err
	}

	for _, parked := range released {
		if parked.Foreign {
			cs.sendInternalMessage(msgInfo{Msg: &ForeignProposalMessage{
				Block:   parked.Block,
				Pledges: parked.Pledges,
			}})
			continue
		}
		cs.sendInternalMessage(msgInfo{Msg: &ProposalMessage{Block: parked.Block}})
	}

	// nudge the proposer; a no-op unless this node leads the next height
	if cs.IsRunning() {
		cs.mtx.Lock()
		cs.maybeBeatLocked()
		cs.mtx.Unlock()
	}
	return nil
}

// ProposeMint queues a confidential output mint for the next block this
// node leads.
func (cs *State) ProposeMint(id types.SubstateId) {
	cs.mtx.Lock()
	cs.mintQueue = append(cs.mintQueue, id)
	cs.mtx.Unlock()
}

// ScheduleEndEpoch makes the next led block the epoch's last.
func (cs *State) ScheduleEndEpoch() {
	cs.mtx.Lock()
	cs.endEpoch = true
	cs.mtx.Unlock()
}

// sendInternalMessage never blocks the receive routine; a full queue
// spills into a goroutine.
func (cs *State) sendInternalMessage(mi msgInfo) {
	select {
	case cs.internalMsgQueue <- mi:
	default:
		cs.Logger.Info("internal msg queue is full; using a go-routine")
		go func() { cs.internalMsgQueue <- mi }()
	}
}

func (cs *State) fireEvent(event string, data events.EventData) {
	if cs.evsw != nil {
		cs.evsw.FireEvent(event, data)
	}
}

//------------------------------------------------------------
// receive routine

func (cs *State) receiveRoutine() {
	for {
		select {
		case <-cs.Quit():
			return
		case mi := <-cs.peerMsgQueue:
			cs.handleMsg(mi)
		case mi := <-cs.internalMsgQueue:
			cs.handleMsg(mi)
		case ti := <-cs.pacemaker.Chan():
			cs.handleTimeout(ti)
		}
	}
}

func (cs *State) handleMsg(mi msgInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	var err error
	switch msg := mi.Msg.(type) {
	case *ProposalMessage:
		err = cs.onProposal(msg.Block, mi.PeerID)
	case *VoteMessage:
		err = cs.onVote(msg.Vote)
	case *NewViewMessage:
		err = cs.onNewView(msg)
	case *ForeignProposalMessage:
		err = cs.onForeignProposal(msg)
	case *MissingTxsRequestMessage:
		err = cs.onMissingTxsRequest(msg, mi.PeerID)
	case *MissingTxsResponseMessage:
		err = cs.onMissingTxsResponse(msg)
	default:
		cs.Logger.Error("unknown message type", "type", fmt.Sprintf("%T", msg))
		return
	}

	if err != nil {
		if IsForkDetected(err) {
			cs.Logger.Error("HALT: safety violation", "err", err)
			go func() {
				if serr := cs.Stop(); serr != nil {
					cs.Logger.Error("stopping after fork", "err", serr)
				}
			}()
			return
		}
		if ns, ok := err.(ErrNeedsSync); ok || errors.As(err, &ns) {
			cs.Logger.Info("falling behind, requesting sync",
				"local", ns.LocalHeight, "remote", ns.RemoteHeight)
			if cs.onNeedsSync != nil {
				go cs.onNeedsSync(ns)
			}
			return
		}
		cs.Logger.Error("failed to process message",
			"msg", mi.Msg, "peer", mi.PeerID, "err", err)
	}
}

// handleTimeout fires when the current round's leader stayed silent. The
// replica moves to the next round and tells its leader with a NewView;
// the height the round skipped will be covered by a dummy block that the
// next proposal's validators synthesize identically.
func (cs *State) handleTimeout(ti timeoutInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	if ti.Height != cs.rs.TargetHeight() || ti.Round != cs.rs.Round {
		cs.Logger.Debug("stale timeout", "timeout", ti,
			"height", cs.rs.TargetHeight(), "round", cs.rs.Round)
		return
	}
	cs.Logger.Info("leader timed out", "height", ti.Height, "round", ti.Round, "after", ti.Duration)
	cs.metrics.MarkTimeout()

	cs.rs.Round++
	target := cs.rs.TargetHeight()
	cs.pacemaker.Backoff()
	cs.pacemaker.Reset(target, cs.rs.Round)

	nv := &NewViewMessage{
		HighQC:           cs.rs.HighQC,
		Height:           target,
		Round:            cs.rs.Round,
		ValidatorAddress: cs.localAddr,
	}
	cs.fireEvent(EventNewView, nv)
	// count our own new view toward the quorum
	if err := cs.addNewView(nv); err != nil {
		cs.Logger.Error("recording own new view", "err", err)
	}
}

//------------------------------------------------------------
// proposals

func (cs *State) onProposal(block *types.Block, peerID p2p.ID) error {
	blockID := block.ID()
	if block.Height <= cs.rs.LastExecutedHeight {
		cs.Logger.Debug("proposal below committed height", "block", blockID, "height", block.Height)
		return nil
	}

	// every named transaction must be present before the walk
	missing, err := cs.findMissingTransactions(block)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return cs.parkAndRequest(block, missing, false, nil, peerID)
	}

	if err := verifyProposal(block, cs.chainID, cs.epochs); err != nil {
		return err
	}

	var committed []*types.Block
	err = cs.store.WithWriteTx(func(tx *storage.Tx) error {
		if err := checkAncestry(tx, cs.epochs, block); err != nil {
			return err
		}
		if err := tx.SaveBlock(block); err != nil {
			return err
		}

		target, err := processJustify(tx, &cs.rs, block)
		if err != nil {
			return err
		}
		if target != nil {
			committed, err = cs.commitChain(tx, target)
			if err != nil {
				return err
			}
		}

		if block.Height > cs.rs.LeafHeight {
			if err := tx.SetLeafBlock(blockID, block.Height); err != nil {
				return err
			}
			cs.rs.LeafBlock = blockID
			cs.rs.LeafHeight = block.Height
			cs.rs.Round = 0
		}

		safe, err := safeNode(tx, &cs.rs, block)
		if err != nil {
			return err
		}
		if !safe {
			cs.Logger.Info("proposal is not safe to vote on",
				"block", blockID, "height", block.Height, "last_voted", cs.rs.LastVoted)
			return nil
		}
		return cs.walkAndVote(tx, block)
	})
	if err != nil {
		return err
	}

	cs.afterCommit(committed)
	cs.pacemaker.Reset(cs.rs.TargetHeight(), cs.rs.Round)
	cs.maybeBeatLocked()
	return nil
}

// walkAndVote runs the command walk and, on a clean pass, signs and
// dispatches the vote. A failed walk persists only the no-vote reason.
func (cs *State) walkAndVote(tx *storage.Tx, block *types.Block) error {
	blockID := block.ID()

	walker := newBlockWalker(tx, cs.pool, cs.epochs, cs.exec, block, cs.Logger)
	changeSet, err := walker.Walk()
	if err != nil {
		return err
	}
	if err := changeSet.Save(tx); err != nil {
		return err
	}
	if !changeSet.IsAccept() {
		cs.metrics.MarkNoVote()
		return nil
	}

	if err := tx.SetLastVoted(block.Height); err != nil {
		return err
	}
	cs.rs.LastVoted = block.Height

	vote := &types.Vote{
		Epoch:            block.Epoch,
		Height:           block.Height,
		BlockID:          blockID,
		Decision:         types.QuorumAccept,
		Timestamp:        time.Now().UTC(),
		ValidatorAddress: cs.localAddr,
	}
	vals, err := cs.epochs.LocalCommittee()
	if err != nil {
		return err
	}
	idx, _ := vals.GetByAddress(cs.localAddr)
	if idx < 0 {
		// observers walk blocks but never vote
		return nil
	}
	vote.ValidatorIndex = idx
	if err := cs.privVal.SignVote(cs.chainID, vote); err != nil {
		return errors.Wrap(err, "sign vote")
	}

	cs.metrics.MarkVote()
	cs.dispatchVote(vote, block.Height+1)
	return nil
}

// dispatchVote routes the vote to the next height's leader, short
// circuiting when that is us.
func (cs *State) dispatchVote(vote *types.Vote, nextHeight uint64) {
	leader, err := cs.epochs.Leader(nextHeight, cs.rs.Round)
	if err != nil {
		cs.Logger.Error("look up next leader", "err", err)
		return
	}
	if types.AddressesEqual(leader.Address, cs.localAddr) {
		cs.sendInternalMessage(msgInfo{Msg: &VoteMessage{Vote: vote}})
		return
	}
	cs.fireEvent(EventVote, &VoteMessage{Vote: vote})
}

// findMissingTransactions lists the block's transaction ids absent from
// the store.
func (cs *State) findMissingTransactions(block *types.Block) ([]types.TxID, error) {
	tx := cs.store.ReadTx()
	defer tx.Discard()

	var missing []types.TxID
	for _, txID := range block.TransactionIDs() {
		known, err := tx.HasTransaction(txID)
		if err != nil {
			return nil, err
		}
		if !known {
			missing = append(missing, txID)
		}
	}
	return missing, nil
}

// parkAndRequest parks a proposal on its missing transactions and asks
// the sending peer for them, if a window slot is free. A full window
// leaves the block parked; mempool gossip eventually fills the gap.
func (cs *State) parkAndRequest(block *types.Block, missing []types.TxID, foreign bool, pledges types.BlockPledge, peerID p2p.ID) error {
	blockID := block.ID()
	err := cs.store.WithWriteTx(func(tx *storage.Tx) error {
		return tx.ParkBlock(block, missing, foreign, pledges)
	})
	if err != nil {
		return err
	}
	cs.Logger.Info("parked proposal on missing transactions",
		"block", blockID, "missing", len(missing), "peer", peerID)

	if peerID == "" {
		return nil
	}
	slot := &cs.requests[cs.nextRequestID%missingTxWindowSize]
	if slot.Active {
		cs.Logger.Debug("missing-tx request window is full", "block", blockID)
		return nil
	}
	cs.nextRequestID++
	*slot = missingTxRequest{ID: cs.nextRequestID, BlockID: blockID, Active: true}

	cs.fireEvent(EventPeerMessage, PeerMessage{
		PeerID: peerID,
		Msg: &MissingTxsRequestMessage{
			RequestID: slot.ID,
			BlockID:   blockID,
			TxIDs:     missing,
		},
	})
	return nil
}

//------------------------------------------------------------
// votes and new views

func (cs *State) onVote(vote *types.Vote) error {
	if err := vote.ValidateBasic(); err != nil {
		return errors.Wrap(err, "invalid vote")
	}
	if vote.Height <= cs.rs.LastExecutedHeight {
		return nil
	}

	vals, err := cs.epochs.LocalCommittee()
	if err != nil {
		return err
	}
	addr, val := vals.GetByIndex(vote.ValidatorIndex)
	if val == nil || !types.AddressesEqual(addr, vote.ValidatorAddress) {
		return errors.Errorf("vote from unknown validator %s (index %d)",
			vote.ValidatorAddress, vote.ValidatorIndex)
	}
	if !val.PubKey.VerifySignature(vote.SignBytes(cs.chainID), vote.Signature) {
		return errors.Errorf("bad vote signature from %s", vote.ValidatorAddress)
	}

	added, err := cs.votes.AddVote(vote)
	if err != nil {
		if errors.Is(err, cstypes.ErrDuplicateVote) {
			return nil
		}
		return err
	}
	if !added {
		return nil
	}
	cs.Logger.Debug("added vote", "vote", vote,
		"count", cs.votes.Count(vote.BlockID, vote.Decision))

	qc, err := cs.votes.TryAggregate(vals, cs.epochs.LocalShardGroup(), vote.BlockID, vote.Decision)
	if err != nil {
		return err
	}
	if qc == nil {
		return nil
	}
	cs.Logger.Info("quorum reached", "block", qc.BlockID, "height", qc.BlockHeight)
	cs.metrics.MarkQuorum()

	err = cs.store.WithWriteTx(func(tx *storage.Tx) error {
		if err := tx.SaveQC(qc); err != nil {
			return err
		}
		if cs.rs.HighQC == nil || qc.BlockHeight > cs.rs.HighQC.BlockHeight {
			if err := tx.SetHighQC(qc); err != nil {
				return err
			}
			cs.rs.HighQC = qc
		}
		return nil
	})
	if err != nil {
		return err
	}

	cs.maybeBeatLocked()
	return nil
}

func (cs *State) onNewView(msg *NewViewMessage) error {
	if err := msg.ValidateBasic(); err != nil {
		return errors.Wrap(err, "invalid new view")
	}
	if !msg.HighQC.IsGenesis() {
		sgVals, err := cs.epochs.Committee(msg.HighQC.ShardGroup)
		if err != nil {
			return err
		}
		if err := sgVals.VerifyQuorumCertificate(cs.chainID, msg.HighQC); err != nil {
			return errors.Wrap(err, "new view carries an invalid high qc")
		}
	}

	// absorb a fresher certificate regardless of quorum
	if cs.rs.HighQC == nil || msg.HighQC.BlockHeight > cs.rs.HighQC.BlockHeight {
		err := cs.store.WithWriteTx(func(tx *storage.Tx) error {
			if err := tx.SaveQC(msg.HighQC); err != nil {
				return err
			}
			return tx.SetHighQC(msg.HighQC)
		})
		if err != nil {
			return err
		}
		cs.rs.HighQC = msg.HighQC
	}

	return cs.addNewView(msg)
}

func (cs *State) addNewView(msg *NewViewMessage) error {
	vals, err := cs.epochs.LocalCommittee()
	if err != nil {
		return err
	}
	idx, val := vals.GetByAddress(msg.ValidatorAddress)
	if val == nil {
		return errors.Errorf("new view from non-member %s", msg.ValidatorAddress)
	}

	byIdx, ok := cs.newViews[msg.Height]
	if !ok {
		byIdx = make(map[int32]*NewViewMessage)
		cs.newViews[msg.Height] = byIdx
	}
	if _, seen := byIdx[idx]; seen {
		return nil
	}
	byIdx[idx] = msg

	if len(byIdx) < vals.QuorumThreshold() {
		return nil
	}

	// quorum of timeouts; the highest round among them is the live one
	round := cs.rs.Round
	for _, nv := range byIdx {
		if nv.Round > round {
			round = nv.Round
		}
	}
	cs.rs.Round = round
	delete(cs.newViews, msg.Height)
	cs.maybeBeat(msg.Height, round)
	return nil
}

//------------------------------------------------------------
// leading

// maybeBeat proposes when this node leads (height, round). Callers hold
// the mutex via maybeBeatLocked or call during OnStart before the
// routine runs.
func (cs *State) maybeBeat(height, round uint64) {
	leader, err := cs.epochs.Leader(height, round)
	if err != nil {
		cs.Logger.Error("look up leader", "height", height, "err", err)
		return
	}
	if !types.AddressesEqual(leader.Address, cs.localAddr) {
		return
	}
	cs.decideProposal(height, round)
}

func (cs *State) maybeBeatLocked() {
	cs.maybeBeat(cs.rs.TargetHeight(), cs.rs.Round)
}

// defaultDecideProposal builds the leader's block from the pool and the
// proposer queues, signs it and feeds it back through the proposal path.
func (cs *State) defaultDecideProposal(height, round uint64) {
	if round == 0 && cs.rs.LeafHeight > 0 && !cs.rs.HighQC.BlockID.Equal(cs.rs.LeafBlock) {
		// the leaf is not certified yet; extending now would orphan it
		return
	}

	commands, pendingWork, err := cs.buildCommands()
	if err != nil {
		cs.Logger.Error("build commands", "err", err)
		return
	}
	if len(commands) == 0 && !pendingWork {
		// nothing to order and no uncommitted work needs the chain to
		// keep extending
		return
	}

	parent, err := cs.proposalParent(height, round)
	if err != nil {
		cs.Logger.Error("derive proposal parent", "err", err)
		return
	}

	block := types.NewBlock(cs.chainID, height, cs.rs.Epoch, round,
		parent, cs.localAddr, cs.rs.HighQC, commands)
	if err := cs.privVal.SignBlock(cs.chainID, block); err != nil {
		cs.Logger.Error("sign proposal", "err", err)
		return
	}

	cs.Logger.Info("proposing block", "block", block.ID(),
		"height", height, "round", round, "commands", len(commands))
	cs.metrics.MarkProposal(len(commands))

	cs.fireEvent(EventProposal, &ProposalMessage{Block: block})
	cs.sendInternalMessage(msgInfo{Msg: &ProposalMessage{Block: block}})
}

// proposalParent is the justified block, or the tip of the dummy chain
// covering the heights that timed-out rounds skipped. The dummies are not
// saved here; validation re-synthesizes and saves them on every replica,
// this one included.
func (cs *State) proposalParent(height, round uint64) (types.BlockID, error) {
	tx := cs.store.ReadTx()
	defer tx.Discard()

	var (
		justified *types.Block
		err       error
	)
	if cs.rs.HighQC.IsGenesis() {
		// the genesis qc has no block id; the chain hangs off the
		// committed height-0 block
		justified, err = tx.GetCommittedBlock(0)
	} else {
		justified, err = tx.GetBlock(cs.rs.HighQC.BlockID)
	}
	if err != nil {
		return types.BlockID{}, err
	}
	if height == justified.Height+1 {
		return justified.ID(), nil
	}
	dummies, err := synthesizeDummyChain(cs.epochs, cs.chainID, justified, cs.rs.HighQC, height, round)
	if err != nil {
		return types.BlockID{}, err
	}
	if len(dummies) == 0 {
		return types.BlockID{}, errors.Errorf("no dummy chain from height %d to %d", justified.Height, height)
	}
	return dummies[len(dummies)-1].ID(), nil
}

// buildCommands turns pool records into pipeline commands as seen from
// the leaf, then appends queued foreign proposals and mints. An epoch end
// preempts everything; EndEpoch rides alone.
func (cs *State) buildCommands() ([]types.Command, bool, error) {
	if cs.endEpoch {
		return []types.Command{types.NewEndEpochCommand()}, false, nil
	}

	tx := cs.store.ReadTx()
	defer tx.Discard()

	views, pendingWork, err := loadPendingViews(tx, cs.rs.LeafBlock, cs.rs.LastExecutedHeight)
	if err != nil {
		return nil, false, err
	}

	var commands []types.Command
	seen := make(map[types.TxID]bool)
	for _, rec := range cs.pool.GetManyReady(cs.cfg.MaxBlockCommands) {
		seen[rec.TransactionID] = true
		cmd, ok, err := cs.commandForRecord(tx, rec, views[rec.TransactionID])
		if err != nil {
			return nil, false, err
		}
		if ok {
			commands = append(commands, cmd)
		}
	}

	// records the pool holds back but an uncommitted ancestor made ready
	overlayReady := make([]types.TxID, 0)
	for txID, view := range views {
		if !seen[txID] && !view.removed && view.isReady {
			overlayReady = append(overlayReady, txID)
		}
	}
	sort.Slice(overlayReady, func(i, j int) bool {
		return bytes.Compare(overlayReady[i][:], overlayReady[j][:]) < 0
	})
	for _, txID := range overlayReady {
		rec, err := cs.pool.Get(txID)
		if err != nil {
			continue
		}
		cmd, ok, err := cs.commandForRecord(tx, rec, views[txID])
		if err != nil {
			return nil, false, err
		}
		if ok {
			commands = append(commands, cmd)
		}
	}

	for _, blockID := range cs.foreignQueue {
		commands = append(commands, types.NewForeignProposalCommand(blockID))
	}
	cs.foreignQueue = nil
	for _, id := range cs.mintQueue {
		commands = append(commands, types.NewMintConfidentialOutputCommand(id))
	}
	cs.mintQueue = nil
	return commands, pendingWork, nil
}

// commandForRecord maps a pool record's stage, as seen through the
// pending view of the leaf, onto the command advancing it. The bool is
// false when the record has nothing to do this block.
func (cs *State) commandForRecord(tx *storage.Tx, rec *txpool.Record, view *pendingView) (types.Command, bool, error) {
	rec = applyView(rec, view)
	if rec == nil || !rec.IsReady {
		return types.Command{}, false, nil
	}

	var cmdType types.CommandType
	switch rec.Stage {
	case txpool.StageNew:
		local, err := cs.isLocalOnly(tx, rec.TransactionID)
		if err != nil {
			return types.Command{}, false, err
		}
		if local {
			cmdType = types.CommandLocalOnly
		} else {
			cmdType = types.CommandPrepare
		}
	case txpool.StagePrepared:
		cmdType = types.CommandLocalPrepare
	case txpool.StageLocalPrepared:
		if rec.Decision().IsCommit() {
			cmdType = types.CommandAllPrepare
		} else {
			cmdType = types.CommandSomePrepare
		}
	case txpool.StageAllPrepared, txpool.StageSomePrepared:
		cmdType = types.CommandLocalAccept
	case txpool.StageLocalAccepted:
		if rec.Decision().IsCommit() {
			cmdType = types.CommandAllAccept
		} else {
			cmdType = types.CommandSomeAccept
		}
	default:
		return types.Command{}, false, nil
	}
	return types.NewTransactionCommand(cmdType, rec.Atom()), true, nil
}

// isLocalOnly reports whether every declared input of the transaction is
// owned by the local shard group.
func (cs *State) isLocalOnly(tx *storage.Tx, txID types.TxID) (bool, error) {
	txRec, err := tx.GetTransaction(txID)
	if err != nil {
		return false, err
	}
	localSG := cs.epochs.LocalShardGroup()
	for _, req := range txRec.Transaction.AllInputs() {
		sg, err := cs.epochs.ShardGroupFor(req.Id.ToShard())
		if err != nil {
			return false, err
		}
		if !sg.Equal(localSG) {
			return false, nil
		}
	}
	return true, nil
}

//------------------------------------------------------------
// committing

// commitChain applies target and its uncommitted ancestors, oldest
// first. A block this replica refused to vote on is re-walked; the
// quorum overruled the local objection, which must have been transient.
func (cs *State) commitChain(tx *storage.Tx, target *types.Block) ([]*types.Block, error) {
	chain, err := uncommittedAncestry(tx, &cs.rs, target)
	if err != nil {
		return nil, err
	}

	sawRealBlock := false
	for _, block := range chain {
		blockID := block.ID()
		if block.IsDummy() {
			if err := tx.SetCommittedBlock(block); err != nil {
				return nil, err
			}
			if err := tx.SetLastExecuted(blockID, block.Height); err != nil {
				return nil, err
			}
			continue
		}
		sawRealBlock = true

		changeSet, err := state.LoadChangeSet(tx, blockID)
		if storage.IsNotFound(err) || (err == nil && !changeSet.IsAccept()) {
			walker := newBlockWalker(tx, cs.pool, cs.epochs, cs.exec, block, cs.Logger)
			changeSet, err = walker.Walk()
			if err == nil && !changeSet.IsAccept() {
				err = errors.Errorf("block %s committed by quorum but fails locally: %s",
					blockID, changeSet.NoVoteReason)
			}
		}
		if err != nil {
			return nil, err
		}

		if err := cs.committer.CommitBlock(tx, block, changeSet); err != nil {
			return nil, err
		}
		if changeSet.EndEpoch {
			if err := cs.advanceEpoch(tx); err != nil {
				return nil, err
			}
		}
		cs.metrics.MarkCommit(block)
	}

	last := chain[len(chain)-1]
	cs.rs.LastExecuted = last.ID()
	cs.rs.LastExecutedHeight = last.Height
	cs.votes.Prune(last.Height)
	for h := range cs.newViews {
		if h <= last.Height {
			delete(cs.newViews, h)
		}
	}
	cs.rs.Round = 0

	if sawRealBlock {
		cs.pacemaker.ResetBackoff()
	} else {
		cs.pacemaker.Backoff()
	}
	return chain, nil
}

func (cs *State) advanceEpoch(tx *storage.Tx) error {
	type advancer interface{ AdvanceEpoch() uint64 }
	adv, ok := cs.epochs.(advancer)
	if !ok {
		return errors.New("epoch manager cannot advance epochs")
	}
	next := adv.AdvanceEpoch()
	if err := tx.SetCurrentEpoch(next); err != nil {
		return err
	}
	cs.rs.Epoch = next
	cs.Logger.Info("advanced epoch", "epoch", next)
	return nil
}

// afterCommit publishes commit side effects that must not run inside the
// write transaction: committed-block events and foreign broadcasts.
func (cs *State) afterCommit(committed []*types.Block) {
	for _, block := range committed {
		if block.IsDummy() {
			continue
		}
		cs.fireEvent(EventCommittedBlock, block)
		cs.broadcastForeign(block)
	}
}

// broadcastForeign sends a committed block to the other involved shard
// groups when it advances cross-shard transactions, attaching the local
// pledges those groups will need.
func (cs *State) broadcastForeign(block *types.Block) {
	localSG := cs.epochs.LocalShardGroup()
	pledges := types.BlockPledge{}
	relevant := false

	tx := cs.store.ReadTx()
	defer tx.Discard()

	for _, cmd := range block.Commands {
		if cmd.Type != types.CommandLocalPrepare && cmd.Type != types.CommandLocalAccept {
			continue
		}
		atom := cmd.Transaction
		if atom.Evidence == nil || len(atom.Evidence.ShardGroups()) < 2 {
			continue
		}
		relevant = true

		if cmd.Type != types.CommandLocalPrepare {
			continue
		}
		all, _, err := tx.FindPledgesForTransaction(atom.TransactionID)
		if err != nil {
			cs.Logger.Error("collect pledges for foreign broadcast",
				"tx", atom.TransactionID, "err", err)
			continue
		}
		for _, pledge := range all {
			// only this committee's own substates are ours to pledge
			if localSG.ContainsID(pledge.Address.Id) {
				pledges.Add(atom.TransactionID, pledge)
			}
		}
	}
	if !relevant {
		return
	}
	cs.fireEvent(EventForeignProposal, &ForeignProposalMessage{Block: block, Pledges: pledges})
}

//------------------------------------------------------------
// foreign proposals and missing transactions

func (cs *State) onForeignProposal(msg *ForeignProposalMessage) error {
	if err := msg.ValidateBasic(); err != nil {
		return errors.Wrap(err, "invalid foreign proposal")
	}
	// our own committee's commits loop back through the broadcast
	if msg.Block.Justify.ShardGroup.Equal(cs.epochs.LocalShardGroup()) {
		return nil
	}

	err := cs.store.WithWriteTx(func(tx *storage.Tx) error {
		return cs.foreign.Process(tx, msg.Block, msg.Pledges)
	})
	if err != nil {
		return err
	}

	cs.foreignQueue = append(cs.foreignQueue, msg.Block.ID())
	cs.metrics.MarkForeignProposal()
	return nil
}

func (cs *State) onMissingTxsRequest(msg *MissingTxsRequestMessage, peerID p2p.ID) error {
	if err := msg.ValidateBasic(); err != nil {
		return errors.Wrap(err, "invalid missing-txs request")
	}
	tx := cs.store.ReadTx()
	defer tx.Discard()

	transactions := make([]*types.Transaction, 0, len(msg.TxIDs))
	for _, txID := range msg.TxIDs {
		rec, err := tx.GetTransaction(txID)
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return err
		}
		transactions = append(transactions, rec.Transaction)
	}

	cs.fireEvent(EventPeerMessage, PeerMessage{
		PeerID: peerID,
		Msg: &MissingTxsResponseMessage{
			RequestID:    msg.RequestID,
			BlockID:      msg.BlockID,
			Transactions: transactions,
		},
	})
	return nil
}

func (cs *State) onMissingTxsResponse(msg *MissingTxsResponseMessage) error {
	if err := msg.ValidateBasic(); err != nil {
		return errors.Wrap(err, "invalid missing-txs response")
	}

	found := false
	for i := range cs.requests {
		slot := &cs.requests[i]
		if slot.Active && slot.ID == msg.RequestID && slot.BlockID.Equal(msg.BlockID) {
			slot.Active = false
			found = true
			break
		}
	}
	if !found {
		cs.Logger.Debug("dropping unsolicited missing-txs response", "request", msg.RequestID)
		return nil
	}

	for _, transaction := range msg.Transactions {
		// AddTransaction takes the mutex; run it after handleMsg returns
		t := transaction
		go func() {
			if err := cs.AddTransaction(t); err != nil {
				cs.Logger.Error("adding requested transaction", "tx", t.ID(), "err", err)
			}
		}()
	}
	return nil
}

//------------------------------------------------------------
// internal message types

type msgInfo struct {
	Msg    Message `json:"msg"`
	PeerID p2p.ID  `json:"peer_key"`
}
