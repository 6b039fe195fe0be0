package metric

import (
	"errors"
	"sort"
	"sync"
)

var ErrMetricLabelExist = errors.New("metric label already exist")

func NewMetricSet() *MetricSet {
	return &MetricSet{
		metrics: make(map[string]MetricItem),
	}
}

// MetricSet collects the per-module metric items under their labels.
// Modules register once at wiring time; the RPC layer reads.
type MetricSet struct {
	mtx     sync.RWMutex
	metrics map[string]MetricItem
}

// SetMetrics registers item under label. A second registration of the
// same label is an error.
func (ms *MetricSet) SetMetrics(label string, item MetricItem) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()

	if _, existed := ms.metrics[label]; existed {
		return ErrMetricLabelExist
	}
	ms.metrics[label] = item
	return nil
}

func (ms *MetricSet) HasMetrics(label string) bool {
	ms.mtx.RLock()
	_, existed := ms.metrics[label]
	ms.mtx.RUnlock()
	return existed
}

func (ms *MetricSet) GetMetrics(label string) MetricItem {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	return ms.metrics[label]
}

func (ms *MetricSet) GetAllLabels() []string {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()

	keys := make([]string, 0, len(ms.metrics))
	for k := range ms.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (ms *MetricSet) GetAllMetrics() []MetricItem {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()

	vals := make([]MetricItem, 0, len(ms.metrics))
	for _, label := range ms.labelsLocked() {
		vals = append(vals, ms.metrics[label])
	}
	return vals
}

func (ms *MetricSet) labelsLocked() []string {
	keys := make([]string, 0, len(ms.metrics))
	for k := range ms.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
