package types

import (
	"sort"
)

// SubstateClaim is one substate address an involved shard group pledges to
// a transaction, with the lock mode the transaction declared for it.
type SubstateClaim struct {
	Address SubstateAddress `json:"address"`
	Lock    LockMode        `json:"lock"`
}

func (c SubstateClaim) IsInput() bool  { return c.Lock.IsInput() }
func (c SubstateClaim) IsOutput() bool { return c.Lock.IsOutput() }

// ShardEvidence is the per-shard-group slice of a transaction's evidence:
// which addresses that group owns and which QCs it has contributed.
type ShardEvidence struct {
	ShardGroup ShardGroup      `json:"shard_group"`
	Substates  []SubstateClaim `json:"substates"`
	PrepareQC  *QCID           `json:"prepare_qc,omitempty"`
	AcceptQC   *QCID           `json:"accept_qc,omitempty"`
}

func (se *ShardEvidence) HasInputs() bool {
	for _, claim := range se.Substates {
		if claim.IsInput() {
			return true
		}
	}
	return false
}

func (se *ShardEvidence) addClaim(claim SubstateClaim) {
	for i, existing := range se.Substates {
		if existing.Address.Equal(claim.Address) {
			// Write beats Read beats nothing; Output is never merged with
			// an input mode on the same address.
			if claim.Lock > existing.Lock && claim.Lock.IsInput() == existing.Lock.IsInput() {
				se.Substates[i].Lock = claim.Lock
			}
			return
		}
	}
	se.Substates = append(se.Substates, claim)
}

func (se *ShardEvidence) Copy() *ShardEvidence {
	cp := &ShardEvidence{ShardGroup: se.ShardGroup}
	cp.Substates = append(cp.Substates, se.Substates...)
	if se.PrepareQC != nil {
		qc := *se.PrepareQC
		cp.PrepareQC = &qc
	}
	if se.AcceptQC != nil {
		qc := *se.AcceptQC
		cp.AcceptQC = &qc
	}
	return cp
}

// Evidence aggregates, per shard group, which substate addresses a
// transaction touches and which QCs justify its progress. It is carried in
// every transaction command and merged from foreign proposals.
type Evidence struct {
	Shards []*ShardEvidence `json:"shards"`
}

func NewEvidence() *Evidence {
	return &Evidence{}
}

// ForShard returns the entry for sg, inserting an empty one in sorted
// position if absent.
func (ev *Evidence) ForShard(sg ShardGroup) *ShardEvidence {
	for _, se := range ev.Shards {
		if se.ShardGroup.Equal(sg) {
			return se
		}
	}
	se := &ShardEvidence{ShardGroup: sg}
	ev.Shards = append(ev.Shards, se)
	sort.Slice(ev.Shards, func(i, j int) bool {
		return ev.Shards[i].ShardGroup.Start < ev.Shards[j].ShardGroup.Start
	})
	return se
}

func (ev *Evidence) Get(sg ShardGroup) (*ShardEvidence, bool) {
	for _, se := range ev.Shards {
		if se.ShardGroup.Equal(sg) {
			return se, true
		}
	}
	return nil, false
}

func (ev *Evidence) AddClaim(sg ShardGroup, address SubstateAddress, lock LockMode) *Evidence {
	ev.ForShard(sg).addClaim(SubstateClaim{Address: address, Lock: lock})
	return ev
}

func (ev *Evidence) SetPrepareQC(sg ShardGroup, qcID QCID) {
	ev.ForShard(sg).PrepareQC = &qcID
}

func (ev *Evidence) SetAcceptQC(sg ShardGroup, qcID QCID) {
	ev.ForShard(sg).AcceptQC = &qcID
}

func (ev *Evidence) IsEmpty() bool {
	return ev == nil || len(ev.Shards) == 0
}

func (ev *Evidence) ShardGroups() []ShardGroup {
	groups := make([]ShardGroup, 0, len(ev.Shards))
	for _, se := range ev.Shards {
		groups = append(groups, se.ShardGroup)
	}
	return groups
}

// Claims returns every substate claim across all shard groups.
func (ev *Evidence) Claims() []SubstateClaim {
	var out []SubstateClaim
	for _, se := range ev.Shards {
		out = append(out, se.Substates...)
	}
	return out
}

// ClaimFor finds the claim for address, if any shard group carries it.
func (ev *Evidence) ClaimFor(address SubstateAddress) (SubstateClaim, bool) {
	for _, se := range ev.Shards {
		for _, claim := range se.Substates {
			if claim.Address.Equal(address) {
				return claim, true
			}
		}
	}
	return SubstateClaim{}, false
}

// Merge folds other into ev: claims are united per shard group and QC
// witnesses are kept once seen. Merging never removes evidence.
func (ev *Evidence) Merge(other *Evidence) *Evidence {
	if other == nil {
		return ev
	}
	for _, se := range other.Shards {
		local := ev.ForShard(se.ShardGroup)
		for _, claim := range se.Substates {
			local.addClaim(claim)
		}
		if local.PrepareQC == nil && se.PrepareQC != nil {
			qc := *se.PrepareQC
			local.PrepareQC = &qc
		}
		if local.AcceptQC == nil && se.AcceptQC != nil {
			qc := *se.AcceptQC
			local.AcceptQC = &qc
		}
	}
	return ev
}

// AllInputAddressesPrepared reports whether every shard group owning at
// least one input address has contributed a Prepare QC. Output-only groups
// do not gate the LocalPrepared -> LocalAccept transition.
func (ev *Evidence) AllInputAddressesPrepared() bool {
	if ev.IsEmpty() {
		return false
	}
	for _, se := range ev.Shards {
		if se.HasInputs() && se.PrepareQC == nil {
			return false
		}
	}
	return true
}

// AllAddressesJustified reports whether every involved shard group, inputs
// and outputs alike, has contributed an Accept QC.
func (ev *Evidence) AllAddressesJustified() bool {
	if ev.IsEmpty() {
		return false
	}
	for _, se := range ev.Shards {
		if se.AcceptQC == nil {
			return false
		}
	}
	return true
}

func (ev *Evidence) Copy() *Evidence {
	if ev == nil {
		return nil
	}
	cp := &Evidence{Shards: make([]*ShardEvidence, 0, len(ev.Shards))}
	for _, se := range ev.Shards {
		cp.Shards = append(cp.Shards, se.Copy())
	}
	return cp
}
