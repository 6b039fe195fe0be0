package mempool

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
)

// MetricLabel keys the mempool metrics in the node's metric set.
const MetricLabel = "mempool"

func NewMetric() *Metric {
	return &Metric{}
}

// Metric counts the gossip list's externally visible state. Exposed on
// the rpc metrics route via JSONString.
type Metric struct {
	mtx      sync.RWMutex
	TxsNum   int   `json:"txs_num"`
	TxsBytes int64 `json:"txs_bytes"`
}

func (mm *Metric) JSONString() string {
	mm.mtx.RLock()
	defer mm.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(mm)
	return s
}

func (mm *Metric) MarkTxsNum(txsNum int) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.TxsNum = txsNum
}

func (mm *Metric) MarkTxsBytes(txsBytes int64) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.TxsBytes = txsBytes
}
