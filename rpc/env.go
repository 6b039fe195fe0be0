package rpc

import (
	"github.com/tari-project/tari-dan-sub001/consensus"
	"github.com/tari-project/tari-dan-sub001/epoch"
	"github.com/tari-project/tari-dan-sub001/libs/metric"
	"github.com/tari-project/tari-dan-sub001/mempool"
	"github.com/tari-project/tari-dan-sub001/storage"
	"github.com/tari-project/tari-dan-sub001/txpool"
)

var env *Environment

// SetEnvironment installs the handles the route handlers read. Called once
// during node wiring, before the rpc server starts.
func SetEnvironment(e *Environment) {
	env = e
}

// Environment is everything the rpc routes need from the node.
type Environment struct {
	Mempool   mempool.Mempool
	Consensus *consensus.State
	Store     *storage.Store
	Pool      *txpool.Pool
	Epochs    epoch.Manager

	MetricSet *metric.MetricSet
}
