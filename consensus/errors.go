package consensus

import (
	"errors"
	"fmt"

	"github.com/tari-project/tari-dan-sub001/types"
)

// ProposalErrKind enumerates the ways a proposal can fail validation
// before its commands are even walked.
type ProposalErrKind byte

const (
	NodeHashMismatch ProposalErrKind = iota + 1
	JustifyBlockNotFound
	JustifyBlockInvalid
	NotLeader
	QuorumNotReached
	NoTransactionsInCommittee
	ForeignInvalidPledge
	CandidateBlockDoesNotExtendJustify
)

func (k ProposalErrKind) String() string {
	switch k {
	case NodeHashMismatch:
		return "NodeHashMismatch"
	case JustifyBlockNotFound:
		return "JustifyBlockNotFound"
	case JustifyBlockInvalid:
		return "JustifyBlockInvalid"
	case NotLeader:
		return "NotLeader"
	case QuorumNotReached:
		return "QuorumNotReached"
	case NoTransactionsInCommittee:
		return "NoTransactionsInCommittee"
	case ForeignInvalidPledge:
		return "ForeignInvalidPledge"
	case CandidateBlockDoesNotExtendJustify:
		return "CandidateBlockDoesNotExtendJustify"
	default:
		return fmt.Sprintf("ProposalErrKind(%d)", byte(k))
	}
}

// ProposalValidationError rejects a proposal outright. The replica records
// the reason as its no-vote and never retransmits.
type ProposalValidationError struct {
	Kind    ProposalErrKind
	BlockID types.BlockID
	Detail  string
}

func (e ProposalValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("proposal %s rejected: %s", e.BlockID, e.Kind)
	}
	return fmt.Sprintf("proposal %s rejected: %s: %s", e.BlockID, e.Kind, e.Detail)
}

func proposalErr(kind ProposalErrKind, blockID types.BlockID, format string, args ...interface{}) error {
	return ProposalValidationError{Kind: kind, BlockID: blockID, Detail: fmt.Sprintf(format, args...)}
}

// IsProposalValidationError reports whether err is a proposal rejection.
func IsProposalValidationError(err error) bool {
	var pve ProposalValidationError
	return errors.As(err, &pve)
}

// ErrForeignOmittedPledges is fatal for a foreign proposal: the foreign
// committee committed to a transaction without pledging the substates its
// evidence claims.
type ErrForeignOmittedPledges struct {
	BlockID       types.BlockID
	TransactionID types.TxID
	Address       types.SubstateAddress
}

func (e ErrForeignOmittedPledges) Error() string {
	return fmt.Sprintf("foreign block %s omitted pledge for %s of transaction %s",
		e.BlockID, e.Address, e.TransactionID)
}

// ErrForkDetected means the committed chain and an incoming chain name
// different blocks at the same height. Safety is already lost at that
// point, so the node halts rather than pick a side.
type ErrForkDetected struct {
	CommittedID types.BlockID
	ForkID      types.BlockID
	Height      uint64
}

func (e ErrForkDetected) Error() string {
	return fmt.Sprintf("fork detected at height %d: committed %s, incoming chain has %s",
		e.Height, e.CommittedID, e.ForkID)
}

func IsForkDetected(err error) bool {
	var fd ErrForkDetected
	return errors.As(err, &fd)
}

// ErrNeedsSync reports a QC too far ahead of the local chain to close the
// gap with dummy blocks. The sync manager takes over.
type ErrNeedsSync struct {
	LocalHeight  uint64
	RemoteHeight uint64
}

func (e ErrNeedsSync) Error() string {
	return fmt.Sprintf("behind the committee: local height %d, remote qc height %d",
		e.LocalHeight, e.RemoteHeight)
}

func IsNeedsSync(err error) bool {
	var ns ErrNeedsSync
	return errors.As(err, &ns)
}
