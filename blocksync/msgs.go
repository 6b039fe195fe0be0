package blocksync

import (
	"errors"
	"fmt"

	tmjson "github.com/tendermint/tendermint/libs/json"

	"github.com/tari-project/tari-dan-sub001/substate"
	"github.com/tari-project/tari-dan-sub001/types"
)

// Message is anything exchanged on the sync channel.
type Message interface {
	ValidateBasic() error
}

func init() {
	tmjson.RegisterType(&StatusRequestMessage{}, "tari-dan/SyncStatusRequest")
	tmjson.RegisterType(&StatusResponseMessage{}, "tari-dan/SyncStatusResponse")
	tmjson.RegisterType(&SyncRequestMessage{}, "tari-dan/SyncRequest")
	tmjson.RegisterType(&BlockMessage{}, "tari-dan/SyncBlock")
	tmjson.RegisterType(&QuorumCertificatesMessage{}, "tari-dan/SyncQuorumCertificates")
	tmjson.RegisterType(&SubstateCountMessage{}, "tari-dan/SyncSubstateCount")
	tmjson.RegisterType(&SubstateUpdateMessage{}, "tari-dan/SyncSubstateUpdate")
	tmjson.RegisterType(&TransactionsMessage{}, "tari-dan/SyncTransactions")
	tmjson.RegisterType(&SyncCompleteMessage{}, "tari-dan/SyncComplete")
}

// StatusRequestMessage asks a peer where its chain stands.
type StatusRequestMessage struct{}

func (m *StatusRequestMessage) ValidateBasic() error { return nil }

func (m *StatusRequestMessage) String() string { return "[SyncStatusRequest]" }

// StatusResponseMessage advertises the responder's high qc and committed
// height. The qc lets the asker verify the claim against the committee.
type StatusResponseMessage struct {
	HighQC          *types.QuorumCertificate `json:"high_qc"`
	CommittedHeight uint64                   `json:"committed_height"`
}

func (m *StatusResponseMessage) ValidateBasic() error {
	if m.HighQC == nil {
		return errors.New("status response has no high qc")
	}
	return m.HighQC.ValidateBasic()
}

func (m *StatusResponseMessage) String() string {
	return fmt.Sprintf("[SyncStatusResponse qc=%d committed=%d]", m.HighQC.BlockHeight, m.CommittedHeight)
}

// SyncRequestMessage opens a block stream starting at FromHeight.
type SyncRequestMessage struct {
	FromHeight uint64 `json:"from_height"`
}

func (m *SyncRequestMessage) ValidateBasic() error {
	if m.FromHeight == 0 {
		return errors.New("sync request starts at the genesis height")
	}
	return nil
}

func (m *SyncRequestMessage) String() string {
	return fmt.Sprintf("[SyncRequest from=%d]", m.FromHeight)
}

// BlockMessage opens one block's frame sequence.
type BlockMessage struct {
	Block *types.Block `json:"block"`
}

func (m *BlockMessage) ValidateBasic() error {
	if m.Block == nil {
		return errors.New("sync block message has no block")
	}
	return m.Block.ValidateBasic()
}

func (m *BlockMessage) String() string {
	return fmt.Sprintf("[SyncBlock %s height=%d]", m.Block.ID(), m.Block.Height)
}

// QuorumCertificatesMessage carries the certificates the preceding block
// references.
type QuorumCertificatesMessage struct {
	QCs []*types.QuorumCertificate `json:"quorum_certificates"`
}

func (m *QuorumCertificatesMessage) ValidateBasic() error {
	for i, qc := range m.QCs {
		if qc == nil {
			return fmt.Errorf("quorum certificate #%d is nil", i)
		}
		if err := qc.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid quorum certificate #%d: %w", i, err)
		}
	}
	return nil
}

func (m *QuorumCertificatesMessage) String() string {
	return fmt.Sprintf("[SyncQuorumCertificates n=%d]", len(m.QCs))
}

// SubstateCountMessage announces how many substate updates follow for the
// current block.
type SubstateCountMessage struct {
	Count uint32 `json:"count"`
}

func (m *SubstateCountMessage) ValidateBasic() error { return nil }

func (m *SubstateCountMessage) String() string {
	return fmt.Sprintf("[SyncSubstateCount %d]", m.Count)
}

// SubstateUpdateMessage carries one substate change of the current block.
// Ups are sent before downs.
type SubstateUpdateMessage struct {
	Change substate.Change `json:"change"`
}

func (m *SubstateUpdateMessage) ValidateBasic() error {
	if err := m.Change.Address.Id.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid substate update: %w", err)
	}
	if m.Change.TransactionID.IsZero() {
		return errors.New("substate update names no transaction")
	}
	return nil
}

func (m *SubstateUpdateMessage) String() string {
	kind := "down"
	if m.Change.Up {
		kind = "up"
	}
	return fmt.Sprintf("[SyncSubstateUpdate %s %s]", kind, m.Change.Address)
}

// TransactionsMessage closes a block's frame sequence with the records its
// commands reference.
type TransactionsMessage struct {
	Transactions []*types.TransactionRecord `json:"transactions"`
}

func (m *TransactionsMessage) ValidateBasic() error {
	for i, record := range m.Transactions {
		if record == nil || record.Transaction == nil {
			return fmt.Errorf("transaction record #%d is empty", i)
		}
	}
	return nil
}

func (m *TransactionsMessage) String() string {
	return fmt.Sprintf("[SyncTransactions n=%d]", len(m.Transactions))
}

// SyncCompleteMessage ends the stream.
type SyncCompleteMessage struct {
	UpToHeight uint64 `json:"up_to_height"`
}

func (m *SyncCompleteMessage) ValidateBasic() error { return nil }

func (m *SyncCompleteMessage) String() string {
	return fmt.Sprintf("[SyncComplete upTo=%d]", m.UpToHeight)
}
