// Package epoch tracks the active epoch and the committee topology: which
// shard group each committee owns and who leads at a given height.
package epoch

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/tari-project/tari-dan-sub001/types"
)

// Manager answers topology questions for consensus and sync.
type Manager interface {
	// CurrentEpoch is the epoch this node is operating in.
	CurrentEpoch() uint64

	// LocalShardGroup is the shard range this node's committee owns.
	LocalShardGroup() types.ShardGroup

	// Committee returns the validator set owning sg.
	Committee(sg types.ShardGroup) (*types.ValidatorSet, error)

	// LocalCommittee returns this node's own validator set.
	LocalCommittee() (*types.ValidatorSet, error)

	// ShardGroupFor maps a shard to its owning group.
	ShardGroupFor(shard types.Shard) (types.ShardGroup, error)

	// Leader returns the proposer for (height, round) in the local
	// committee.
	Leader(height uint64, round uint64) (*types.Validator, error)

	// IsLocalValidator reports whether addr sits on the local committee.
	IsLocalValidator(addr types.Address) bool
}

//------------------------------------------------------------

// StaticManager serves a fixed topology read from the genesis doc. Epoch
// advancement keeps the committees and only bumps the epoch number; a
// validator-set registry is the base layer's concern.
type StaticManager struct {
	mtx   sync.RWMutex
	epoch uint64

	localGroup types.ShardGroup
	committees map[types.ShardGroup]*types.ValidatorSet
}

var _ Manager = (*StaticManager)(nil)

// NewStaticManager builds a manager from genDoc for the node at
// localAddr.
func NewStaticManager(genDoc *types.GenesisDoc, localAddr types.Address) (*StaticManager, error) {
	mgr := &StaticManager{
		epoch:      genDoc.InitialEpoch,
		committees: map[types.ShardGroup]*types.ValidatorSet{},
	}

	found := false
	for _, committee := range genDoc.Committees {
		vals, err := genDoc.ValidatorSetFor(committee.ShardGroup)
		if err != nil {
			return nil, err
		}
		mgr.committees[committee.ShardGroup] = vals
		if vals.HasAddress(localAddr) {
			if found {
				return nil, errors.Errorf("validator %v registered in more than one committee", localAddr)
			}
			mgr.localGroup = committee.ShardGroup
			found = true
		}
	}
	if !found {
		return nil, errors.Errorf("validator %v is not in any genesis committee", localAddr)
	}
	return mgr, nil
}

// NewObserverManager builds a manager for a node outside every committee,
// pinned to the group owning the full shard space or the first committee.
// Used by tooling that only reads.
func NewObserverManager(genDoc *types.GenesisDoc) (*StaticManager, error) {
	if len(genDoc.Committees) == 0 {
		return nil, errors.New("genesis doc has no committees")
	}
	mgr := &StaticManager{
		epoch:      genDoc.InitialEpoch,
		localGroup: genDoc.Committees[0].ShardGroup,
		committees: map[types.ShardGroup]*types.ValidatorSet{},
	}
	for _, committee := range genDoc.Committees {
		vals, err := genDoc.ValidatorSetFor(committee.ShardGroup)
		if err != nil {
			return nil, err
		}
		mgr.committees[committee.ShardGroup] = vals
	}
	return mgr, nil
}

func (mgr *StaticManager) CurrentEpoch() uint64 {
	mgr.mtx.RLock()
	defer mgr.mtx.RUnlock()
	return mgr.epoch
}

// AdvanceEpoch moves to the next epoch. Called when an EndEpoch block
// commits.
func (mgr *StaticManager) AdvanceEpoch() uint64 {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	mgr.epoch++
	return mgr.epoch
}

func (mgr *StaticManager) LocalShardGroup() types.ShardGroup {
	return mgr.localGroup
}

func (mgr *StaticManager) Committee(sg types.ShardGroup) (*types.ValidatorSet, error) {
	vals, ok := mgr.committees[sg]
	if !ok {
		return nil, errors.Errorf("no committee for shard group %v", sg)
	}
	return vals.Copy(), nil
}

func (mgr *StaticManager) LocalCommittee() (*types.ValidatorSet, error) {
	return mgr.Committee(mgr.localGroup)
}

func (mgr *StaticManager) ShardGroupFor(shard types.Shard) (types.ShardGroup, error) {
	for sg := range mgr.committees {
		if sg.Contains(shard) {
			return sg, nil
		}
	}
	return types.ShardGroup{}, errors.Errorf("shard %d is not covered by any committee", shard)
}

func (mgr *StaticManager) Leader(height uint64, round uint64) (*types.Validator, error) {
	vals, err := mgr.LocalCommittee()
	if err != nil {
		return nil, err
	}
	leader := vals.Leader(height, round)
	if leader == nil {
		return nil, errors.New("local committee is empty")
	}
	return leader, nil
}

func (mgr *StaticManager) IsLocalValidator(addr types.Address) bool {
	vals, err := mgr.LocalCommittee()
	if err != nil {
		return false
	}
	return vals.HasAddress(addr)
}
