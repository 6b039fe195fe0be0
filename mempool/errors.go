package mempool

import (
	"errors"
	"fmt"
)

var (
	// ErrTxInCache is returned when the transaction was seen recently,
	// either from a peer or a local resubmission.
	ErrTxInCache = errors.New("tx already exists in cache")
)

// ErrMempoolFull is returned when the gossip list is at capacity.
type ErrMempoolFull struct {
	NumTxs int
	MaxTxs int
}

func (e ErrMempoolFull) Error() string {
	return fmt.Sprintf("mempool is full: %d txs (max %d)", e.NumTxs, e.MaxTxs)
}
