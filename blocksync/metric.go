package blocksync

import (
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/tari-project/tari-dan-sub001/types"
)

// MetricLabel keys the sync metrics in the node's metric set.
const MetricLabel = "blocksync"

func NewMetrics() *Metrics {
	return &Metrics{}
}

// Metrics counts sync activity. Exposed on the rpc metrics route via
// JSONString.
type Metrics struct {
	mtx sync.RWMutex

	SyncedHeight     uint64  `json:"synced_height"`
	SyncedBlocks     int64   `json:"synced_blocks"`
	SyncedCommands   int64   `json:"synced_commands"`
	CompletedSyncs   int64   `json:"completed_syncs"`
	LastSyncSeconds  float64 `json:"last_sync_seconds"`
	ServedStreams    int64   `json:"served_streams"`
	ServedStreamsErr int64   `json:"served_streams_failed"`
}

func (m *Metrics) JSONString() string {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(m)
	return s
}

func (m *Metrics) MarkSyncedBlock(block *types.Block) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.SyncedHeight = block.Height
	m.SyncedBlocks++
	m.SyncedCommands += int64(len(block.Commands))
}

func (m *Metrics) MarkSyncCompleted(took time.Duration) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.CompletedSyncs++
	m.LastSyncSeconds = took.Seconds()
}

func (m *Metrics) MarkServedStream(failed bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.ServedStreams++
	if failed {
		m.ServedStreamsErr++
	}
}
