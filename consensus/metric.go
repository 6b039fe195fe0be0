package consensus

import (
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/tari-project/tari-dan-sub001/types"
)

// MetricLabel keys the consensus metrics in the node's metric set.
const MetricLabel = "consensus"

func NewMetrics() *Metrics {
	return &Metrics{}
}

// Metrics counts the pipeline's externally visible events. Exposed on the
// rpc metrics route via JSONString.
type Metrics struct {
	mtx sync.RWMutex

	CommittedHeight   uint64 `json:"committed_height"`
	CommittedBlocks   int64  `json:"committed_blocks"`
	CommittedCommands int64  `json:"committed_commands"`
	Proposals         int64  `json:"proposals"`
	ProposedCommands  int64  `json:"proposed_commands"`
	Votes             int64  `json:"votes"`
	NoVotes           int64  `json:"no_votes"`
	Quorums           int64  `json:"quorums"`
	Timeouts          int64  `json:"timeouts"`
	ForeignProposals  int64  `json:"foreign_proposals"`
}

func (m *Metrics) JSONString() string {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(m)
	return s
}

func (m *Metrics) MarkCommit(block *types.Block) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.CommittedHeight = block.Height
	m.CommittedBlocks++
	m.CommittedCommands += int64(len(block.Commands))
}

func (m *Metrics) MarkProposal(commands int) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.Proposals++
	m.ProposedCommands += int64(commands)
}

func (m *Metrics) MarkVote() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.Votes++
}

func (m *Metrics) MarkNoVote() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.NoVotes++
}

func (m *Metrics) MarkQuorum() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.Quorums++
}

func (m *Metrics) MarkTimeout() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.Timeouts++
}

func (m *Metrics) MarkForeignProposal() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.ForeignProposals++
}
