package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Vote is one replica's signed decision on one block. A replica emits at
// most one vote per (epoch, height); the pacemaker routes it to the leader
// of the next height.
type Vote struct {
	Epoch            uint64           `json:"epoch"`
	Height           uint64           `json:"height"`
	BlockID          BlockID          `json:"block_id"`
	Decision         QuorumDecision   `json:"decision"`
	Timestamp        time.Time        `json:"timestamp"`
	ValidatorAddress Address          `json:"validator_address"`
	ValidatorIndex   int32            `json:"validator_index"`
	Signature        tmbytes.HexBytes `json:"signature"`
}

func (v *Vote) ValidateBasic() error {
	if v == nil {
		return errors.New("nil vote")
	}
	if v.BlockID.IsZero() {
		return errors.New("vote has no block id")
	}
	if !v.Decision.Valid() {
		return fmt.Errorf("vote has invalid decision %d", v.Decision)
	}
	if v.ValidatorIndex < 0 {
		return errors.New("vote has negative validator index")
	}
	if len(v.Signature) == 0 {
		return errors.New("vote is not signed")
	}
	return nil
}

func (v *Vote) String() string {
	return fmt.Sprintf("Vote{%s h=%d e=%d %s by %X}", v.BlockID, v.Height, v.Epoch, v.Decision, v.ValidatorAddress)
}

// VoteSignBytes is the challenge every committee member signs. All votes
// for the same (block, decision) produce the same challenge, which is what
// makes the BLS signatures aggregatable into a QC.
func VoteSignBytes(chainID string, epoch, height uint64, blockID BlockID, decision QuorumDecision) []byte {
	h := tmhash.New()
	h.Write([]byte(chainID))
	h.Write([]byte(fmt.Sprintf("/%d/%d/", epoch, height)))
	h.Write(blockID.Bytes())
	h.Write([]byte{byte(decision)})
	return h.Sum(nil)
}

func (v *Vote) SignBytes(chainID string) []byte {
	return VoteSignBytes(chainID, v.Epoch, v.Height, v.BlockID, v.Decision)
}
