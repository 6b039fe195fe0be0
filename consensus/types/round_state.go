package types

import (
	types "github.com/tari-project/tari-dan-sub001/types"
)

// RoundState is the replica's position on the hotstuff chain: the five
// persisted anchors plus the round counter that only lives between
// timeouts. Embedded in the consensus state and snapshotted for metrics.
type RoundState struct {
	Epoch uint64
	Round uint64

	HighQC *types.QuorumCertificate

	LeafBlock  types.BlockID
	LeafHeight uint64

	LockedBlock  types.BlockID
	LockedHeight uint64

	LastVoted uint64

	LastExecuted       types.BlockID
	LastExecutedHeight uint64
}

// NextHeight is the height the next proposal carries when the current
// round's leader is live.
func (rs *RoundState) NextHeight() uint64 {
	return rs.LeafHeight + 1
}

// TargetHeight is the height the next proposal carries given the failed
// rounds since the leaf: every timed-out round leaves one height to a
// dummy block.
func (rs *RoundState) TargetHeight() uint64 {
	return rs.LeafHeight + 1 + rs.Round
}

// ExtendsLeaf reports whether block builds directly on the current leaf.
func (rs *RoundState) ExtendsLeaf(block *types.Block) bool {
	return block.Parent.Equal(rs.LeafBlock) && block.Height == rs.LeafHeight+1
}
