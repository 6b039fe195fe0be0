package metric

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetricSet() *MetricSet {
	ms := NewMetricSet()
	ms.metrics["consensus"] = &mockMetricItem{name: "consensus"}
	return ms
}

func TestMetricSetHasMetrics(t *testing.T) {
	ms := newTestMetricSet()

	assert.True(t, ms.HasMetrics("consensus"))
	assert.False(t, ms.HasMetrics("mempool"))
}

func TestMetricSetSetMetrics(t *testing.T) {
	ms := newTestMetricSet()

	item := &mockMetricItem{name: "mempool"}
	require.ErrorIs(t, ms.SetMetrics("consensus", item), ErrMetricLabelExist)
	require.NoError(t, ms.SetMetrics("mempool", item))

	assert.True(t, ms.HasMetrics("consensus"))
	assert.True(t, ms.HasMetrics("mempool"))
}

func TestMetricSetGetAllLabels(t *testing.T) {
	ms := newTestMetricSet()
	require.NoError(t, ms.SetMetrics("blocksync", &mockMetricItem{name: "blocksync"}))

	labels := ms.GetAllLabels()

	require.Len(t, labels, 2)
	assert.Equal(t, []string{"blocksync", "consensus"}, labels)
}
