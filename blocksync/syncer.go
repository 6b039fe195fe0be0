package blocksync

import (
	"time"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	tmrand "github.com/tendermint/tendermint/libs/rand"
	"github.com/tendermint/tendermint/libs/service"
	tmsync "github.com/tendermint/tendermint/libs/sync"
	"github.com/tendermint/tendermint/p2p"

	"github.com/tari-project/tari-dan-sub001/consensus"
	"github.com/tari-project/tari-dan-sub001/epoch"
	"github.com/tari-project/tari-dan-sub001/storage"
	"github.com/tari-project/tari-dan-sub001/substate"
	"github.com/tari-project/tari-dan-sub001/txpool"
	"github.com/tari-project/tari-dan-sub001/types"
)

// SyncStatus is the outcome of a status poll against the committee.
type SyncStatus int

const (
	UpToDate SyncStatus = iota
	Behind
)

func (s SyncStatus) String() string {
	if s == Behind {
		return "Behind"
	}
	return "UpToDate"
}

const (
	// statusTimeout bounds the status poll; peers that answer later are
	// counted by the next poll.
	statusTimeout = 3 * time.Second

	// frameTimeout bounds the wait for the next stream frame from the
	// serving peer.
	frameTimeout = 10 * time.Second

	statusChSize = 64
	frameChSize  = 256
)

// sender is the slice of the p2p layer the syncer needs: who is
// reachable, and a way to hand one of them a message.
type sender interface {
	PeerIDs() []p2p.ID
	SendTo(peerID p2p.ID, msg Message) bool
}

type statusUpdate struct {
	peerID p2p.ID
	msg    *StatusResponseMessage
}

// Syncer brings a lagging replica's store up to the committee's high qc
// by streaming committed blocks from one peer at a time. It runs as its
// own routine; the consensus state hands it control through Trigger when
// a justify outruns the local chain, and gets it back through the
// onSynced callback.
type Syncer struct {
	service.BaseService

	chainID string
	store   *storage.Store
	pool    *txpool.Pool
	epochs  epoch.Manager

	sender  sender
	metrics *Metrics

	triggerCh chan struct{}
	statusCh  chan statusUpdate
	frameCh   chan Message

	mtx        tmsync.Mutex
	activePeer p2p.ID
	halted     bool

	// onSynced is called after a successful catch-up so the consensus
	// state can reload its anchors and resume.
	onSynced func()
}

func NewSyncer(
	chainID string,
	store *storage.Store,
	pool *txpool.Pool,
	epochs epoch.Manager,
	logger log.Logger,
) *Syncer {
	s := &Syncer{
		chainID:   chainID,
		store:     store,
		pool:      pool,
		epochs:    epochs,
		metrics:   NewMetrics(),
		triggerCh: make(chan struct{}, 1),
		statusCh:  make(chan statusUpdate, statusChSize),
		frameCh:   make(chan Message, frameChSize),
	}
	s.BaseService = *service.NewBaseService(logger, "Syncer", s)
	return s
}

// SetSender attaches the p2p side. Must be called before Start.
func (s *Syncer) SetSender(snd sender) { s.sender = snd }

// SetOnSynced installs the callback fired after a successful sync.
func (s *Syncer) SetOnSynced(fn func()) { s.onSynced = fn }

func (s *Syncer) SetMetrics(m *Metrics) { s.metrics = m }

func (s *Syncer) Metrics() *Metrics { return s.metrics }

func (s *Syncer) OnStart() error {
	if s.sender == nil {
		return errors.New("syncer started without a sender")
	}
	go s.syncRoutine()
	return nil
}

func (s *Syncer) OnStop() {}

// Trigger requests a sync pass. Coalesces when one is already queued.
func (s *Syncer) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// Deliver routes an inbound message from the reactor. Status responses
// are always accepted; stream frames only from the peer currently being
// synced from.
func (s *Syncer) Deliver(peerID p2p.ID, msg Message) {
	if resp, ok := msg.(*StatusResponseMessage); ok {
		select {
		case s.statusCh <- statusUpdate{peerID: peerID, msg: resp}:
		default:
		}
		return
	}

	s.mtx.Lock()
	active := s.activePeer
	s.mtx.Unlock()
	if peerID != active {
		s.Logger.Debug("dropping stream frame from inactive peer", "peer", peerID, "msg", msg)
		return
	}
	select {
	case s.frameCh <- msg:
	default:
		s.Logger.Error("stream frame queue is full, dropping frame", "peer", peerID)
	}
}

func (s *Syncer) syncRoutine() {
	for {
		select {
		case <-s.Quit():
			return
		case <-s.triggerCh:
			s.runSync()
		}
	}
}

func (s *Syncer) runSync() {
	s.mtx.Lock()
	halted := s.halted
	s.mtx.Unlock()
	if halted {
		return
	}

	status, target, err := s.CheckSync()
	if err != nil {
		s.Logger.Error("sync status check failed", "err", err)
		return
	}
	if status == UpToDate {
		s.Logger.Debug("already up to date")
		return
	}

	start := time.Now()
	if err := s.Sync(target); err != nil {
		if consensus.IsForkDetected(err) {
			s.Logger.Error("HALT: peer chain conflicts with a committed block", "err", err)
			s.mtx.Lock()
			s.halted = true
			s.mtx.Unlock()
			return
		}
		s.Logger.Error("sync failed", "err", err)
		return
	}
	s.metrics.MarkSyncCompleted(time.Since(start))

	if s.onSynced != nil {
		s.onSynced()
	}
}

//------------------------------------------------------------
// check_sync

// CheckSync polls the connected committee members for their high qc and
// compares against the local one. A single verified certificate above the
// local height is proof of being behind; it needs no corroboration.
func (s *Syncer) CheckSync() (SyncStatus, uint64, error) {
	tx := s.store.ReadTx()
	localQC, err := tx.GetHighQC()
	tx.Discard()
	if err != nil {
		return UpToDate, 0, err
	}

	vals, err := s.epochs.LocalCommittee()
	if err != nil {
		return UpToDate, 0, err
	}

	// stale responses from an earlier poll are dropped
	for {
		select {
		case <-s.statusCh:
			continue
		default:
		}
		break
	}

	peers := s.sender.PeerIDs()
	asked := 0
	for _, peerID := range peers {
		if s.sender.SendTo(peerID, &StatusRequestMessage{}) {
			asked++
		}
	}
	if asked == 0 {
		return UpToDate, localQC.BlockHeight, nil
	}

	// own status counts toward the quorum
	need := vals.QuorumThreshold() - 1
	if need > asked {
		need = asked
	}

	best := localQC.BlockHeight
	heard := map[p2p.ID]bool{}
	deadline := time.After(statusTimeout)
	for len(heard) < need {
		select {
		case <-s.Quit():
			return UpToDate, best, nil
		case <-deadline:
			if best > localQC.BlockHeight {
				return Behind, best, nil
			}
			return UpToDate, best, nil
		case update := <-s.statusCh:
			if heard[update.peerID] {
				continue
			}
			qc := update.msg.HighQC
			if !qc.IsGenesis() {
				if err := vals.VerifyQuorumCertificate(s.chainID, qc); err != nil {
					s.Logger.Info("peer advertised an unverifiable high qc",
						"peer", update.peerID, "err", err)
					continue
				}
			}
			heard[update.peerID] = true
			if qc.BlockHeight > best {
				best = qc.BlockHeight
			}
		}
	}

	if best > localQC.BlockHeight {
		return Behind, best, nil
	}
	return UpToDate, best, nil
}

//------------------------------------------------------------
// sync

// Sync streams committed blocks until the local chain reaches target,
// trying connected peers in shuffled order and moving to the next on
// failure. A fork against a committed block is fatal and propagates.
func (s *Syncer) Sync(target uint64) error {
	peers := s.sender.PeerIDs()
	if len(peers) == 0 {
		return errors.New("no peers to sync from")
	}

	var lastErr error
	for _, i := range tmrand.Perm(len(peers)) {
		peerID := peers[i]
		err := s.syncFromPeer(peerID, target)
		if err == nil {
			return nil
		}
		if consensus.IsForkDetected(err) {
			return err
		}
		s.Logger.Info("sync attempt failed, trying the next peer", "peer", peerID, "err", err)
		lastErr = err
	}
	return errors.Wrap(lastErr, "every peer failed to serve the sync")
}

func (s *Syncer) syncFromPeer(peerID p2p.ID, target uint64) error {
	s.mtx.Lock()
	s.activePeer = peerID
	s.mtx.Unlock()
	defer func() {
		s.mtx.Lock()
		s.activePeer = ""
		s.mtx.Unlock()
	}()

	// frames from a previous attempt are stale
	for {
		select {
		case <-s.frameCh:
			continue
		default:
		}
		break
	}

	tx := s.store.ReadTx()
	execID, execHeight, err := tx.GetLastExecuted()
	if err != nil {
		tx.Discard()
		return err
	}
	cursor, err := tx.GetBlock(execID)
	tx.Discard()
	if err != nil {
		return err
	}
	if execHeight >= target {
		return nil
	}

	s.Logger.Info("syncing", "peer", peerID, "from", execHeight+1, "target", target)
	if !s.sender.SendTo(peerID, &SyncRequestMessage{FromHeight: execHeight + 1}) {
		return errors.Errorf("peer %s refused the sync request", peerID)
	}

	for {
		msg, err := s.nextFrame()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *SyncCompleteMessage:
			s.Logger.Info("sync stream complete", "peer", peerID, "upTo", m.UpToHeight)
			return nil
		case *BlockMessage:
			cursor, err = s.receiveBlock(cursor, m.Block)
			if err != nil {
				return err
			}
		default:
			return errors.Errorf("unexpected frame %v, wanted a block", msg)
		}
	}
}

// receiveBlock consumes the rest of one block's frame sequence and
// applies it.
func (s *Syncer) receiveBlock(cursor, block *types.Block) (*types.Block, error) {
	msg, err := s.nextFrame()
	if err != nil {
		return nil, err
	}
	qcsMsg, ok := msg.(*QuorumCertificatesMessage)
	if !ok {
		return nil, errors.Errorf("unexpected frame %v, wanted quorum certificates", msg)
	}

	msg, err = s.nextFrame()
	if err != nil {
		return nil, err
	}
	countMsg, ok := msg.(*SubstateCountMessage)
	if !ok {
		return nil, errors.Errorf("unexpected frame %v, wanted a substate count", msg)
	}
	changes := make([]substate.Change, 0, countMsg.Count)
	for i := uint32(0); i < countMsg.Count; i++ {
		msg, err = s.nextFrame()
		if err != nil {
			return nil, err
		}
		update, ok := msg.(*SubstateUpdateMessage)
		if !ok {
			return nil, errors.Errorf("unexpected frame %v, wanted substate update %d of %d",
				msg, i+1, countMsg.Count)
		}
		changes = append(changes, update.Change)
	}

	msg, err = s.nextFrame()
	if err != nil {
		return nil, err
	}
	txsMsg, ok := msg.(*TransactionsMessage)
	if !ok {
		return nil, errors.Errorf("unexpected frame %v, wanted transactions", msg)
	}

	if err := s.applyBlock(cursor, block, qcsMsg.QCs, changes, txsMsg.Transactions); err != nil {
		return nil, err
	}
	s.metrics.MarkSyncedBlock(block)
	return block, nil
}

func (s *Syncer) nextFrame() (Message, error) {
	select {
	case <-s.Quit():
		return nil, errors.New("syncer is shutting down")
	case <-time.After(frameTimeout):
		return nil, errors.New("timed out waiting for the next stream frame")
	case msg := <-s.frameCh:
		return msg, nil
	}
}

//------------------------------------------------------------
// applying

// applyBlock verifies one streamed block against the local chain and
// commits it with its side data in a single write transaction. The
// streamed chain carries only non-dummy blocks; the heights they skip are
// synthesized locally, exactly as the voting path does.
func (s *Syncer) applyBlock(
	cursor, block *types.Block,
	qcs []*types.QuorumCertificate,
	changes []substate.Change,
	records []*types.TransactionRecord,
) error {
	blockID := block.ID()

	return s.store.WithWriteTx(func(tx *storage.Tx) error {
		committedID, err := tx.GetCommittedBlockID(block.Height)
		if err == nil {
			if !committedID.Equal(blockID) {
				return consensus.ErrForkDetected{
					CommittedID: committedID,
					ForkID:      blockID,
					Height:      block.Height,
				}
			}
			// already have it
			return nil
		}
		if !storage.IsNotFound(err) {
			return err
		}

		if err := s.verifyBlock(block); err != nil {
			return err
		}

		if err := s.extendChain(tx, cursor, block); err != nil {
			return err
		}

		for _, qc := range qcs {
			if err := tx.SaveQC(qc); err != nil {
				return err
			}
		}
		if err := tx.SaveBlock(block); err != nil {
			return err
		}

		// ups before downs, as the walk ordered them
		for _, change := range changes {
			if !change.Up {
				continue
			}
			err := tx.PutSubstateUp(&types.SubstateRecord{
				Address:   change.Address,
				Value:     change.Value,
				CreatedBy: change.TransactionID,
			})
			if err != nil {
				return errors.Wrapf(err, "sync up %s", change.Address)
			}
		}
		for _, change := range changes {
			if change.Up {
				continue
			}
			if err := tx.SetSubstateDown(change.Address, change.TransactionID); err != nil {
				return errors.Wrapf(err, "sync down %s", change.Address)
			}
		}

		for _, record := range records {
			if err := tx.SaveTransaction(record); err != nil {
				return err
			}
		}

		if err := s.finalizePool(tx, block); err != nil {
			return err
		}

		if err := tx.SetCommittedBlock(block); err != nil {
			return err
		}
		if err := tx.SetLastExecuted(blockID, block.Height); err != nil {
			return err
		}
		return s.raiseAnchors(tx, block)
	})
}

func (s *Syncer) verifyBlock(block *types.Block) error {
	leader, err := s.epochs.Leader(block.Height, block.Round)
	if err != nil {
		return err
	}
	if !types.AddressesEqual(leader.Address, block.Proposer) {
		return errors.Errorf("block %s proposed by %s, leader for height %d round %d is %s",
			block.ID(), block.Proposer, block.Height, block.Round, leader.Address)
	}
	if !leader.PubKey.VerifySignature(block.SignBytes(), block.Signature) {
		return errors.Errorf("block %s has a bad proposer signature", block.ID())
	}

	if block.Justify.IsGenesis() {
		return nil
	}
	vals, err := s.epochs.Committee(block.Justify.ShardGroup)
	if err != nil {
		return err
	}
	if err := vals.VerifyQuorumCertificate(s.chainID, block.Justify); err != nil {
		return errors.Wrapf(err, "block %s carries an invalid justify", block.ID())
	}
	return nil
}

// extendChain connects block to the synced tip. The served stream skips
// dummy blocks, so a gap between the cursor and the block is covered by
// synthesizing them from the shared leader schedule and committing them
// as the voting path would.
func (s *Syncer) extendChain(tx *storage.Tx, cursor, block *types.Block) error {
	if block.Height <= cursor.Height {
		return errors.Errorf("stream went backwards: block height %d, synced tip %d",
			block.Height, cursor.Height)
	}
	if block.Height == cursor.Height+1 {
		if !block.Parent.Equal(cursor.ID()) {
			return errors.Errorf("block %s does not extend the synced tip %s",
				block.ID(), cursor.ID())
		}
		return nil
	}

	parent := cursor.ID()
	for h := cursor.Height + 1; h < block.Height; h++ {
		leader, err := s.epochs.Leader(h, block.Round)
		if err != nil {
			return err
		}
		dummy := types.NewDummyBlock(s.chainID, h, block.Justify.Epoch, block.Round, parent, leader.Address, block.Justify)
		if err := tx.SaveBlock(dummy); err != nil {
			return err
		}
		if err := tx.SetCommittedBlock(dummy); err != nil {
			return err
		}
		if err := tx.SetLastExecuted(dummy.ID(), dummy.Height); err != nil {
			return err
		}
		parent = dummy.ID()
	}
	if !block.Parent.Equal(parent) {
		return errors.Errorf("block %s parent %s does not match the synthesized dummy chain",
			block.ID(), block.Parent)
	}
	return nil
}

// finalizePool retires pool records for the transactions this block
// finalizes, releasing any local locks they still hold.
func (s *Syncer) finalizePool(tx *storage.Tx, block *types.Block) error {
	var finalized []types.TxID
	for _, cmd := range block.Commands {
		if !cmd.Type.IsTransactionCommand() || !cmd.Type.IsFinalizing() {
			continue
		}
		txID := cmd.Transaction.TransactionID
		if err := tx.ReleaseLocks(txID); err != nil {
			return err
		}
		finalized = append(finalized, txID)
	}
	if len(finalized) == 0 {
		return nil
	}
	return s.pool.RemoveAny(tx, finalized)
}

// raiseAnchors moves last_voted, the leaf and the high qc up to the
// synced block so the replica rejoins consensus past everything it just
// applied, without ever lowering an anchor.
func (s *Syncer) raiseAnchors(tx *storage.Tx, block *types.Block) error {
	lastVoted, err := tx.GetLastVoted()
	if err != nil {
		return err
	}
	if block.Height > lastVoted {
		if err := tx.SetLastVoted(block.Height); err != nil {
			return err
		}
	}

	_, leafHeight, err := tx.GetLeafBlock()
	if err != nil {
		return err
	}
	if block.Height > leafHeight {
		if err := tx.SetLeafBlock(block.ID(), block.Height); err != nil {
			return err
		}
	}

	highQC, err := tx.GetHighQC()
	if err != nil {
		return err
	}
	if !block.Justify.IsGenesis() && block.Justify.BlockHeight > highQC.BlockHeight {
		if err := tx.SetHighQC(block.Justify); err != nil {
			return err
		}
	}
	return nil
}

//------------------------------------------------------------
// serving

// Status snapshots the local chain position for a status response.
func (s *Syncer) Status() (*StatusResponseMessage, error) {
	tx := s.store.ReadTx()
	defer tx.Discard()

	highQC, err := tx.GetHighQC()
	if err != nil {
		return nil, err
	}
	_, execHeight, err := tx.GetLastExecuted()
	if err != nil {
		return nil, err
	}
	return &StatusResponseMessage{HighQC: highQC, CommittedHeight: execHeight}, nil
}

// StreamBlocks serves one sync request: every committed non-dummy block
// from fromHeight up to the local executed tip, each as its frame
// sequence, closed by a completion frame. Frames go out through send; a
// false return aborts the stream.
func (s *Syncer) StreamBlocks(fromHeight uint64, send func(Message) bool) error {
	tx := s.store.ReadTx()
	defer tx.Discard()

	_, execHeight, err := tx.GetLastExecuted()
	if err != nil {
		return err
	}

	for h := fromHeight; h <= execHeight; h++ {
		block, err := tx.GetCommittedBlock(h)
		if err != nil {
			return errors.Wrapf(err, "serving height %d", h)
		}
		if block.IsDummy() {
			continue
		}
		if err := s.streamOneBlock(tx, block, send); err != nil {
			return err
		}
	}

	if !send(&SyncCompleteMessage{UpToHeight: execHeight}) {
		return errors.New("stream send failed")
	}
	return nil
}

func (s *Syncer) streamOneBlock(tx *storage.Tx, block *types.Block, send func(Message) bool) error {
	var qcs []*types.QuorumCertificate
	if !block.Justify.IsGenesis() {
		qcs = append(qcs, block.Justify)
	}

	changes, err := s.collectChanges(tx, block)
	if err != nil {
		return err
	}

	records, err := tx.GetTransactions(block.TransactionIDs())
	if err != nil {
		return err
	}

	if !send(&BlockMessage{Block: block}) {
		return errors.New("stream send failed")
	}
	if !send(&QuorumCertificatesMessage{QCs: qcs}) {
		return errors.New("stream send failed")
	}
	if !send(&SubstateCountMessage{Count: uint32(len(changes))}) {
		return errors.New("stream send failed")
	}
	for _, change := range changes {
		if !send(&SubstateUpdateMessage{Change: change}) {
			return errors.New("stream send failed")
		}
	}
	if !send(&TransactionsMessage{Transactions: records}) {
		return errors.New("stream send failed")
	}
	return nil
}

// collectChanges reconstructs the substate ups and downs a committed
// block produced, from the durable records of the transactions it
// finalized. Ups come first.
func (s *Syncer) collectChanges(tx *storage.Tx, block *types.Block) ([]substate.Change, error) {
	finalized := map[types.TxID]bool{}
	for _, cmd := range block.Commands {
		if cmd.Type.IsTransactionCommand() && cmd.Type.IsFinalizing() {
			finalized[cmd.Transaction.TransactionID] = true
		}
	}
	if len(finalized) == 0 {
		return nil, nil
	}

	var ups, downs []substate.Change
	err := tx.IterateSubstates(s.epochs.LocalShardGroup(), func(record *types.SubstateRecord) (bool, error) {
		if finalized[record.CreatedBy] {
			ups = append(ups, substate.Change{
				Up:            true,
				Address:       record.Address,
				Value:         record.Value,
				TransactionID: record.CreatedBy,
			})
		}
		if record.DestroyedBy != nil && finalized[*record.DestroyedBy] {
			downs = append(downs, substate.Change{
				Address:       record.Address,
				TransactionID: *record.DestroyedBy,
			})
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return append(ups, downs...), nil
}
