package mock

import (
	mempl "github.com/tari-project/tari-dan-sub001/mempool"
	"github.com/tari-project/tari-dan-sub001/types"
)

// Mempool is an empty implementation of a Mempool, useful for testing.
type Mempool struct{}

var _ mempl.Mempool = Mempool{}

func (Mempool) SubmitTransaction(_ *types.Transaction, _ mempl.TxInfo) error { return nil }
func (Mempool) Update(_ *types.Block)                                        {}
func (Mempool) Flush()                                                       {}
func (Mempool) Size() int                                                    { return 0 }
func (Mempool) TxsBytes() int64                                              { return 0 }
