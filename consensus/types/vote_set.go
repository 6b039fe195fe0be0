package types

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tari-project/tari-dan-sub001/crypto/bls"
	types "github.com/tari-project/tari-dan-sub001/types"
)

var (
	ErrDuplicateVote = errors.New("duplicate vote")
	// ErrConflictingVote marks equivocation: the same signer voted a
	// different way on the same height.
	ErrConflictingVote = errors.New("conflicting vote from same validator")
)

// voteKey partitions votes by the pair they certify.
type voteKey struct {
	BlockID  types.BlockID
	Decision types.QuorumDecision
}

// VoteSet accumulates votes per (block, decision) until a quorum forms.
// Adding is idempotent; a second vote by the same signer on the same
// height with a different block or decision is equivocation and is
// rejected.
type VoteSet struct {
	votes  map[voteKey]map[int32]*types.Vote
	seen   map[uint64]map[int32]voteKey
	quorum map[voteKey]bool
}

func MakeVoteSet() *VoteSet {
	return &VoteSet{
		votes:  make(map[voteKey]map[int32]*types.Vote),
		seen:   make(map[uint64]map[int32]voteKey),
		quorum: make(map[voteKey]bool),
	}
}

// AddVote records vote. Returns (true, nil) when newly added, (false,
// ErrDuplicateVote) for an exact repeat, and (false, ErrConflictingVote)
// for equivocation. Signature checks are the caller's job.
func (vs *VoteSet) AddVote(vote *types.Vote) (bool, error) {
	key := voteKey{BlockID: vote.BlockID, Decision: vote.Decision}

	byIdx, ok := vs.seen[vote.Height]
	if !ok {
		byIdx = make(map[int32]voteKey)
		vs.seen[vote.Height] = byIdx
	}
	if prev, voted := byIdx[vote.ValidatorIndex]; voted {
		if prev == key {
			return false, ErrDuplicateVote
		}
		return false, ErrConflictingVote
	}
	byIdx[vote.ValidatorIndex] = key

	if vs.votes[key] == nil {
		vs.votes[key] = make(map[int32]*types.Vote)
	}
	vs.votes[key][vote.ValidatorIndex] = vote
	return true, nil
}

// Count returns how many votes have been collected for (blockID, decision).
func (vs *VoteSet) Count(blockID types.BlockID, decision types.QuorumDecision) int {
	return len(vs.votes[voteKey{BlockID: blockID, Decision: decision}])
}

// TryAggregate builds a quorum certificate once 2f+1 votes agree on
// (blockID, decision). It fires at most once per key; later calls return
// nil. The aggregate is the BLS sum of the member signatures over the
// shared vote challenge.
func (vs *VoteSet) TryAggregate(
	vals *types.ValidatorSet,
	sg types.ShardGroup,
	blockID types.BlockID,
	decision types.QuorumDecision,
) (*types.QuorumCertificate, error) {
	key := voteKey{BlockID: blockID, Decision: decision}
	votes := vs.votes[key]
	if len(votes) < vals.QuorumThreshold() || vs.quorum[key] {
		return nil, nil
	}

	signers := make([]int32, 0, len(votes))
	for idx := range votes {
		signers = append(signers, idx)
	}
	sort.Slice(signers, func(i, j int) bool { return signers[i] < signers[j] })

	var (
		height uint64
		epoch  uint64
		sigs   = make([][]byte, 0, len(signers))
	)
	for _, idx := range signers {
		vote := votes[idx]
		height, epoch = vote.Height, vote.Epoch
		sigs = append(sigs, vote.Signature)
	}

	aggregate, err := bls.AggregateSignatures(sigs...)
	if err != nil {
		return nil, fmt.Errorf("aggregate %d vote signatures: %w", len(sigs), err)
	}

	vs.quorum[key] = true
	return types.NewQuorumCertificate(blockID, height, epoch, sg, decision, signers, aggregate), nil
}

// Prune drops everything at or below height. Called after commit so the
// set does not grow with the chain.
func (vs *VoteSet) Prune(height uint64) {
	for h, byIdx := range vs.seen {
		if h > height {
			continue
		}
		for _, key := range byIdx {
			delete(vs.votes, key)
			delete(vs.quorum, key)
		}
		delete(vs.seen, h)
	}
}
