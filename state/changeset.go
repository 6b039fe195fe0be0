package state

import (
	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"

	"github.com/tari-project/tari-dan-sub001/storage"
	"github.com/tari-project/tari-dan-sub001/substate"
	"github.com/tari-project/tari-dan-sub001/txpool"
	"github.com/tari-project/tari-dan-sub001/types"
)

const changeSetPrefix = "cs/"

// PoolUpdate is one buffered stage transition plus its supporting record
// mutations, applied when the block commits.
type PoolUpdate struct {
	TransactionID  types.TxID      `json:"transaction_id"`
	CurrentStage   txpool.Stage    `json:"current_stage"`
	NextStage      txpool.Stage    `json:"next_stage"`
	IsReady        bool            `json:"is_ready"`
	Evidence       *types.Evidence `json:"evidence,omitempty"`
	LocalDecision  *types.Decision `json:"local_decision,omitempty"`
	RemoteDecision *types.Decision `json:"remote_decision,omitempty"`
	Remove         bool            `json:"remove"`
	ReleaseLocks   bool            `json:"release_locks"`
}

// LockEntry carries the locks acquired on one substate id, in order.
type LockEntry struct {
	Id    types.SubstateId      `json:"id"`
	Locks []types.SubstateLock  `json:"locks"`
}

// ChangeSet accumulates everything a candidate block does. It is built
// during the command walk, persisted once the replica votes, and applied
// when the block's 3-chain closes.
type ChangeSet struct {
	BlockID types.BlockID `json:"block_id"`

	Diff  []substate.Change `json:"diff,omitempty"`
	Locks []LockEntry       `json:"locks,omitempty"`

	PoolUpdates        []PoolUpdate               `json:"pool_updates,omitempty"`
	TransactionRecords []*types.TransactionRecord `json:"transaction_records,omitempty"`

	ForeignProposals []types.BlockID    `json:"foreign_proposals,omitempty"`
	Mints            []types.SubstateId `json:"mints,omitempty"`
	OutgoingPledges  types.BlockPledge  `json:"outgoing_pledges,omitempty"`
	VoidPledges      []types.BlockID    `json:"void_pledges,omitempty"`

	EndEpoch bool `json:"end_epoch,omitempty"`

	QuorumDecision *types.QuorumDecision `json:"quorum_decision,omitempty"`
	NoVoteReason   string                `json:"no_vote_reason,omitempty"`
}

func NewChangeSet(blockID types.BlockID) *ChangeSet {
	return &ChangeSet{
		BlockID:         blockID,
		OutgoingPledges: types.BlockPledge{},
	}
}

// CapturePending folds the pending store's buffered diff and locks into
// the change set.
func (cs *ChangeSet) CapturePending(ps *substate.PendingStore) error {
	cs.Diff = ps.Diff()
	cs.Locks = nil
	return ps.EachLock(func(id types.SubstateId, locks []types.SubstateLock) error {
		cs.Locks = append(cs.Locks, LockEntry{Id: id, Locks: locks})
		return nil
	})
}

// AddPoolUpdate buffers one stage transition. Updates apply in order.
func (cs *ChangeSet) AddPoolUpdate(update PoolUpdate) {
	cs.PoolUpdates = append(cs.PoolUpdates, update)
}

// AddTransactionRecord buffers a record save (execution results, abort
// details).
func (cs *ChangeSet) AddTransactionRecord(record *types.TransactionRecord) {
	cs.TransactionRecords = append(cs.TransactionRecords, record)
}

func (cs *ChangeSet) AddForeignProposal(blockID types.BlockID) {
	cs.ForeignProposals = append(cs.ForeignProposals, blockID)
}

func (cs *ChangeSet) AddMint(id types.SubstateId) {
	cs.Mints = append(cs.Mints, id)
}

// AddPledge promises a substate to foreign committees on behalf of txID.
func (cs *ChangeSet) AddPledge(txID types.TxID, pledge types.SubstatePledge) {
	cs.OutgoingPledges.Add(txID, pledge)
}

// AddVoidPledges schedules a foreign block's pledges for removal when this
// block commits.
func (cs *ChangeSet) AddVoidPledges(blockID types.BlockID) {
	cs.VoidPledges = append(cs.VoidPledges, blockID)
}

// SetNoVote marks the walk as failed; the block gets no vote and the
// change set is discarded.
func (cs *ChangeSet) SetNoVote(reason string) {
	decision := types.QuorumReject
	cs.QuorumDecision = &decision
	cs.NoVoteReason = reason
}

// SetAccept marks the walk as clean.
func (cs *ChangeSet) SetAccept() {
	decision := types.QuorumAccept
	cs.QuorumDecision = &decision
	cs.NoVoteReason = ""
}

// IsAccept reports whether the walk finished clean.
func (cs *ChangeSet) IsAccept() bool {
	return cs.QuorumDecision != nil && *cs.QuorumDecision == types.QuorumAccept
}

//------------------------------------------------------------
// persistence

func changeSetKey(blockID types.BlockID) []byte {
	return append([]byte(changeSetPrefix), blockID.Bytes()...)
}

// Save persists the change set keyed by its block.
func (cs *ChangeSet) Save(tx *storage.Tx) error {
	bz, err := tmjson.Marshal(cs)
	if err != nil {
		return errors.Wrap(err, "marshal change set")
	}
	return tx.SetRaw(changeSetKey(cs.BlockID), bz)
}

// LoadChangeSet reads the change set persisted for blockID.
func LoadChangeSet(tx *storage.Tx, blockID types.BlockID) (*ChangeSet, error) {
	bz, err := tx.GetRaw(changeSetKey(blockID))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, errors.Wrapf(storage.ErrNotFound, "change set for block %s", blockID)
	}
	var cs ChangeSet
	if err := tmjson.Unmarshal(bz, &cs); err != nil {
		return nil, errors.Wrap(err, "unmarshal change set")
	}
	return &cs, nil
}

// DeleteChangeSet removes a change set once its block is committed or
// abandoned.
func DeleteChangeSet(tx *storage.Tx, blockID types.BlockID) error {
	return tx.DeleteRaw(changeSetKey(blockID))
}
