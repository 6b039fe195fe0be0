package consensus

import (
	"errors"
	"fmt"

	tmjson "github.com/tendermint/tendermint/libs/json"

	"github.com/tari-project/tari-dan-sub001/types"
)

// Message is anything exchanged on the consensus channels.
type Message interface {
	ValidateBasic() error
}

func init() {
	tmjson.RegisterType(&ProposalMessage{}, "tari-dan/Proposal")
	tmjson.RegisterType(&VoteMessage{}, "tari-dan/Vote")
	tmjson.RegisterType(&NewViewMessage{}, "tari-dan/NewView")
	tmjson.RegisterType(&ForeignProposalMessage{}, "tari-dan/ForeignProposal")
	tmjson.RegisterType(&MissingTxsRequestMessage{}, "tari-dan/MissingTxsRequest")
	tmjson.RegisterType(&MissingTxsResponseMessage{}, "tari-dan/MissingTxsResponse")
}

// ProposalMessage carries a leader's block to its own committee.
type ProposalMessage struct {
	Block *types.Block `json:"block"`
}

func (m *ProposalMessage) ValidateBasic() error {
	if m.Block == nil {
		return errors.New("proposal has no block")
	}
	return m.Block.ValidateBasic()
}

func (m *ProposalMessage) String() string {
	return fmt.Sprintf("[Proposal %s height=%d]", m.Block.ID(), m.Block.Height)
}

// VoteMessage carries a replica's vote to the next leader.
type VoteMessage struct {
	Vote *types.Vote `json:"vote"`
}

func (m *VoteMessage) ValidateBasic() error {
	if m.Vote == nil {
		return errors.New("vote message has no vote")
	}
	return m.Vote.ValidateBasic()
}

func (m *VoteMessage) String() string {
	return fmt.Sprintf("[Vote %v]", m.Vote)
}

// NewViewMessage tells the next leader a replica gave up on the current
// height. Carries the sender's high qc so the leader proposes on the
// freshest certificate any honest replica holds.
type NewViewMessage struct {
	HighQC           *types.QuorumCertificate `json:"high_qc"`
	Height           uint64                   `json:"height"`
	Round            uint64                   `json:"round"`
	ValidatorAddress types.Address            `json:"validator_address"`
}

func (m *NewViewMessage) ValidateBasic() error {
	if m.HighQC == nil {
		return errors.New("new view has no high qc")
	}
	if err := m.HighQC.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid high qc: %w", err)
	}
	if m.Height == 0 {
		return errors.New("new view for height 0")
	}
	if len(m.ValidatorAddress) == 0 {
		return errors.New("new view has no sender")
	}
	return nil
}

func (m *NewViewMessage) String() string {
	return fmt.Sprintf("[NewView height=%d round=%d from=%s]", m.Height, m.Round, m.ValidatorAddress)
}

// ForeignProposalMessage carries a committed block across shard groups,
// with the pledges backing its cross-shard transactions.
type ForeignProposalMessage struct {
	Block   *types.Block      `json:"block"`
	Pledges types.BlockPledge `json:"pledges"`
}

func (m *ForeignProposalMessage) ValidateBasic() error {
	if m.Block == nil {
		return errors.New("foreign proposal has no block")
	}
	return m.Block.ValidateBasic()
}

func (m *ForeignProposalMessage) String() string {
	return fmt.Sprintf("[ForeignProposal %s height=%d]", m.Block.ID(), m.Block.Height)
}

// MissingTxsRequestMessage asks the sender of a parked proposal for the
// transactions the block names that this replica has not seen.
type MissingTxsRequestMessage struct {
	RequestID uint32        `json:"request_id"`
	BlockID   types.BlockID `json:"block_id"`
	TxIDs     []types.TxID  `json:"transaction_ids"`
}

func (m *MissingTxsRequestMessage) ValidateBasic() error {
	if m.BlockID.IsZero() {
		return errors.New("missing-txs request has no block id")
	}
	if len(m.TxIDs) == 0 {
		return errors.New("missing-txs request asks for nothing")
	}
	return nil
}

func (m *MissingTxsRequestMessage) String() string {
	return fmt.Sprintf("[MissingTxsRequest #%d block=%s n=%d]", m.RequestID, m.BlockID, len(m.TxIDs))
}

// MissingTxsResponseMessage answers a request with the full transactions.
type MissingTxsResponseMessage struct {
	RequestID    uint32               `json:"request_id"`
	BlockID      types.BlockID        `json:"block_id"`
	Transactions []*types.Transaction `json:"transactions"`
}

func (m *MissingTxsResponseMessage) ValidateBasic() error {
	if m.BlockID.IsZero() {
		return errors.New("missing-txs response has no block id")
	}
	for i, transaction := range m.Transactions {
		if transaction == nil {
			return fmt.Errorf("missing-txs response transaction #%d is nil", i)
		}
	}
	return nil
}

func (m *MissingTxsResponseMessage) String() string {
	return fmt.Sprintf("[MissingTxsResponse #%d block=%s n=%d]", m.RequestID, m.BlockID, len(m.Transactions))
}
