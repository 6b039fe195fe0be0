package rpc

import (
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

// ResultMetrics is returned by metrics: one JSON document per registered
// module label.
type ResultMetrics struct {
	Metrics map[string]string `json:"metrics"`
}

// JSONMetrics returns the counters for one label, or for every registered
// label when label is empty.
func JSONMetrics(ctx *rpctypes.Context, label string) (*ResultMetrics, error) {
	result := &ResultMetrics{Metrics: make(map[string]string)}

	var labels []string
	if label != "" {
		labels = []string{label}
	} else {
		labels = env.MetricSet.GetAllLabels()
	}

	for _, l := range labels {
		item := env.MetricSet.GetMetrics(l)
		if item != nil {
			result.Metrics[l] = item.JSONString()
		}
	}

	return result, nil
}
