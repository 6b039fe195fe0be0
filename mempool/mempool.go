package mempool

import (
	"github.com/tendermint/tendermint/p2p"

	"github.com/tari-project/tari-dan-sub001/types"
)

// Mempool is the intake and gossip buffer for client transactions. It
// validates and dedupes submissions, hands them to the consensus core and
// keeps them on a list for peer broadcast until a committed block settles
// them.
type Mempool interface {
	// SubmitTransaction validates tx and admits it. ErrTxInCache when the
	// transaction was seen recently, ErrMempoolFull when the gossip list is
	// at capacity.
	SubmitTransaction(tx *types.Transaction, txInfo TxInfo) error

	// Update drops the transactions settled by a committed block from the
	// gossip list.
	Update(block *types.Block)

	// Flush drops every queued transaction and clears the seen cache.
	Flush()

	// Size returns the number of transactions queued for gossip.
	Size() int

	// TxsBytes returns the payload bytes queued for gossip.
	TxsBytes() int64
}

// PreCheckFunc rejects a transaction before it is handed to consensus.
type PreCheckFunc func(*types.Transaction) error

// TxInfo carries submission provenance.
type TxInfo struct {
	// SenderID is the internal peer ID used in the mempool to identify the
	// sender, storing 2 bytes with each tx instead of 20 bytes for the p2p.ID.
	SenderID uint16
	// SenderP2PID is the actual p2p.ID of the sender, used e.g. for logging.
	SenderP2PID p2p.ID
}
