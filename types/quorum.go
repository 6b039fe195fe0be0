package types

import (
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

// QuorumDecision is what a vote (and the certificate built from matching
// votes) says about a block.
type QuorumDecision byte

const (
	QuorumAccept QuorumDecision = iota + 1
	QuorumReject
)

func (q QuorumDecision) String() string {
	switch q {
	case QuorumAccept:
		return "Accept"
	case QuorumReject:
		return "Reject"
	default:
		return fmt.Sprintf("QuorumDecision(%d)", byte(q))
	}
}

func (q QuorumDecision) Valid() bool {
	return q == QuorumAccept || q == QuorumReject
}

// QuorumCertificate proves that 2f+1 members of the block's committee voted
// the same way on it. The signature is the BLS aggregate over the vote
// challenge; Signers lists the validator indexes that contributed, in
// ascending order.
type QuorumCertificate struct {
	BlockID     BlockID          `json:"block_id"`
	BlockHeight uint64           `json:"block_height"`
	Epoch       uint64           `json:"epoch"`
	ShardGroup  ShardGroup       `json:"shard_group"`
	Decision    QuorumDecision   `json:"decision"`
	Signers     []int32          `json:"signers"`
	Signature   tmbytes.HexBytes `json:"signature"`

	id *QCID
}

func NewQuorumCertificate(
	blockID BlockID,
	height uint64,
	epoch uint64,
	sg ShardGroup,
	decision QuorumDecision,
	signers []int32,
	signature []byte,
) *QuorumCertificate {
	return &QuorumCertificate{
		BlockID:     blockID,
		BlockHeight: height,
		Epoch:       epoch,
		ShardGroup:  sg,
		Decision:    decision,
		Signers:     signers,
		Signature:   signature,
	}
}

// GenesisQC anchors the chain: it certifies the (virtual) genesis block for
// the first epoch with no signatures. Every replica derives the same one.
func GenesisQC(sg ShardGroup) *QuorumCertificate {
	return &QuorumCertificate{
		ShardGroup: sg,
		Decision:   QuorumAccept,
	}
}

func (qc *QuorumCertificate) IsGenesis() bool {
	return qc.BlockID.IsZero() && qc.BlockHeight == 0
}

// ID is a content hash over everything except the signature set, so the
// same certified (block, decision) yields the same witness id regardless of
// which 2f+1 subset signed.
func (qc *QuorumCertificate) ID() QCID {
	if qc.id != nil {
		return *qc.id
	}
	h := tmhash.New()
	h.Write(qc.BlockID.Bytes())
	h.Write([]byte(fmt.Sprintf("%d/%d/%s/%d", qc.BlockHeight, qc.Epoch, qc.ShardGroup, qc.Decision)))
	var id QCID
	copy(id[:], h.Sum(nil))
	qc.id = &id
	return id
}

func (qc *QuorumCertificate) ValidateBasic() error {
	if qc == nil {
		return errors.New("nil quorum certificate")
	}
	if qc.IsGenesis() {
		return nil
	}
	if !qc.Decision.Valid() {
		return fmt.Errorf("qc has invalid decision %d", qc.Decision)
	}
	if len(qc.Signers) == 0 {
		return errors.New("qc has no signers")
	}
	for i := 1; i < len(qc.Signers); i++ {
		if qc.Signers[i] <= qc.Signers[i-1] {
			return errors.New("qc signers must be strictly ascending")
		}
	}
	if len(qc.Signature) == 0 {
		return errors.New("qc has no aggregate signature")
	}
	return nil
}

func (qc *QuorumCertificate) String() string {
	return fmt.Sprintf("QC{%s h=%d e=%d %s %s}", qc.BlockID, qc.BlockHeight, qc.Epoch, qc.ShardGroup, qc.Decision)
}

func (qc *QuorumCertificate) MarshalJSONString() string {
	bz, _ := tmjson.Marshal(qc)
	return string(bz)
}
