// Package txpool is the transaction stage machine: a content-addressed set
// of pool records advancing New through AllAccepted as consensus commands
// commit and foreign evidence arrives.
package txpool

import (
	"fmt"

	"github.com/tari-project/tari-dan-sub001/types"
)

// Stage is a transaction's position in the multi-shard pipeline.
type Stage int

const (
	StageNew Stage = iota + 1
	StagePrepared
	StageLocalPrepared
	StageAllPrepared
	StageSomePrepared
	StageLocalAccepted
	StageAllAccepted
	StageSomeAccepted
)

var stageNames = map[Stage]string{
	StageNew:           "New",
	StagePrepared:      "Prepared",
	StageLocalPrepared: "LocalPrepared",
	StageAllPrepared:   "AllPrepared",
	StageSomePrepared:  "SomePrepared",
	StageLocalAccepted: "LocalAccepted",
	StageAllAccepted:   "AllAccepted",
	StageSomeAccepted:  "SomeAccepted",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

func (s Stage) Valid() bool {
	_, ok := stageNames[s]
	return ok
}

// IsFinalized reports whether the stage ends the pipeline; finalized
// records are removed on commit.
func (s Stage) IsFinalized() bool {
	return s == StageAllAccepted || s == StageSomeAccepted
}

// IsAccepted reports whether the stage is on the accept path.
func (s Stage) IsAccepted() bool {
	return s == StageLocalAccepted || s == StageAllAccepted
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(text []byte) error {
	for stage, name := range stageNames {
		if name == string(text) {
			*s = stage
			return nil
		}
	}
	return fmt.Errorf("unknown pool stage %q", string(text))
}

//------------------------------------------------------------

// Record tracks one transaction through the pipeline.
type Record struct {
	TransactionID  types.TxID      `json:"transaction_id"`
	Stage          Stage           `json:"stage"`
	Evidence       *types.Evidence `json:"evidence"`
	LocalDecision  *types.Decision `json:"local_decision,omitempty"`
	RemoteDecision *types.Decision `json:"remote_decision,omitempty"`
	IsReady        bool            `json:"is_ready"`
	Fee            uint64          `json:"fee"`
}

func NewRecord(txID types.TxID) *Record {
	return &Record{
		TransactionID: txID,
		Stage:         StageNew,
		Evidence:      types.NewEvidence(),
	}
}

// Decision folds local and remote decisions; any observed Abort wins, and
// an unknown decision defaults to Commit until evidence says otherwise.
func (r *Record) Decision() types.Decision {
	decision := types.DecisionCommit
	if r.LocalDecision != nil {
		decision = decision.And(*r.LocalDecision)
	}
	if r.RemoteDecision != nil {
		decision = decision.And(*r.RemoteDecision)
	}
	return decision
}

// SetLocalDecision records the executor's verdict.
func (r *Record) SetLocalDecision(d types.Decision) {
	r.LocalDecision = &d
}

// SetRemoteDecision folds in a decision observed from a foreign proposal.
// A remote Abort is sticky.
func (r *Record) SetRemoteDecision(d types.Decision) {
	if r.RemoteDecision != nil {
		d = r.RemoteDecision.And(d)
	}
	r.RemoteDecision = &d
}

// Atom builds the command payload for this record's next command.
func (r *Record) Atom() *types.TransactionAtom {
	return &types.TransactionAtom{
		TransactionID: r.TransactionID,
		Decision:      r.Decision(),
		Evidence:      r.Evidence.Copy(),
		Fee:           r.Fee,
	}
}

// UpdateReadiness re-derives is_ready from the current stage and
// evidence. A LocalPrepared record waits for a Prepare QC from every
// input-owning shard; a LocalAccepted record waits for Accept evidence
// from every involved shard.
func (r *Record) UpdateReadiness() {
	switch r.Stage {
	case StageNew, StagePrepared, StageAllPrepared, StageSomePrepared:
		r.IsReady = true
	case StageLocalPrepared:
		r.IsReady = r.Evidence.AllInputAddressesPrepared()
	case StageLocalAccepted:
		r.IsReady = r.Evidence.AllAddressesJustified()
	default:
		r.IsReady = false
	}
}

func (r *Record) Copy() *Record {
	cp := *r
	cp.Evidence = r.Evidence.Copy()
	if r.LocalDecision != nil {
		d := *r.LocalDecision
		cp.LocalDecision = &d
	}
	if r.RemoteDecision != nil {
		d := *r.RemoteDecision
		cp.RemoteDecision = &d
	}
	return &cp
}

func (r *Record) String() string {
	return fmt.Sprintf("PoolRecord{%s stage=%s decision=%s ready=%v}",
		r.TransactionID, r.Stage, r.Decision(), r.IsReady)
}
