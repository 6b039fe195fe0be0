package rpc

import (
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"github.com/tari-project/tari-dan-sub001/libs/utils"
	"github.com/tari-project/tari-dan-sub001/types"
)

// ResultBlock is returned by get_block and get_committed_block.
type ResultBlock struct {
	Block *types.Block `json:"block"`
}

func GetBlock(ctx *rpctypes.Context, id types.BlockID) (*ResultBlock, error) {
	tx := env.Store.ReadTx()
	defer tx.Discard()

	block, err := tx.GetBlock(id)
	if err != nil {
		return nil, err
	}
	return &ResultBlock{Block: block}, nil
}

func GetCommittedBlock(ctx *rpctypes.Context, height uint64) (*ResultBlock, error) {
	tx := env.Store.ReadTx()
	defer tx.Discard()

	block, err := tx.GetCommittedBlock(height)
	if err != nil {
		return nil, err
	}
	return &ResultBlock{Block: block}, nil
}

// ResultRoundState is returned by round_state.
type ResultRoundState struct {
	Epoch              uint64        `json:"epoch"`
	Round              uint64        `json:"round"`
	HighQCHeight       uint64        `json:"high_qc_height"`
	LeafBlock          types.BlockID `json:"leaf_block"`
	LeafHeight         uint64        `json:"leaf_height"`
	LockedHeight       uint64        `json:"locked_height"`
	LastVoted          uint64        `json:"last_voted"`
	LastExecuted       types.BlockID `json:"last_executed"`
	LastExecutedHeight uint64        `json:"last_executed_height"`
	LocalShardGroup    string        `json:"local_shard_group"`
}

func RoundState(ctx *rpctypes.Context) (*ResultRoundState, error) {
	rs := env.Consensus.GetRoundState()

	result := &ResultRoundState{
		Epoch:              rs.Epoch,
		Round:              rs.Round,
		LeafBlock:          rs.LeafBlock,
		LeafHeight:         rs.LeafHeight,
		LockedHeight:       rs.LockedHeight,
		LastVoted:          rs.LastVoted,
		LastExecuted:       rs.LastExecuted,
		LastExecutedHeight: rs.LastExecutedHeight,
		LocalShardGroup:    env.Epochs.LocalShardGroup().String(),
	}
	if rs.HighQC != nil {
		result.HighQCHeight = rs.HighQC.BlockHeight
	}
	return result, nil
}

// ResultChainInfo is returned by chain_info: the committed suffix of the
// chain plus proposal-to-proposal latency stats over it.
type ResultChainInfo struct {
	CommittedHeight uint64 `json:"committed_height"`
	Blocks          int    `json:"blocks"`
	DummyBlocks     int    `json:"dummy_blocks"`
	Commands        int    `json:"commands"`

	MaxInterval    float64 `json:"max_block_interval"`
	MinInterval    float64 `json:"min_block_interval"`
	MedianInterval float64 `json:"median_block_interval"`
	AvgInterval    float64 `json:"avg_block_interval"`
}

// chainInfoWindow bounds how far back chain_info walks.
const chainInfoWindow = 256

func ChainInfo(ctx *rpctypes.Context) (*ResultChainInfo, error) {
	rs := env.Consensus.GetRoundState()

	tx := env.Store.ReadTx()
	defer tx.Discard()

	result := &ResultChainInfo{CommittedHeight: rs.LastExecutedHeight}

	var intervals []float64
	var prev *types.Block
	start := uint64(0)
	if rs.LastExecutedHeight > chainInfoWindow {
		start = rs.LastExecutedHeight - chainInfoWindow
	}
	for h := start; h <= rs.LastExecutedHeight; h++ {
		block, err := tx.GetCommittedBlock(h)
		if err != nil {
			return nil, err
		}
		result.Blocks++
		result.Commands += len(block.Commands)
		if block.IsDummy() {
			// dummies carry no proposal time
			result.DummyBlocks++
			prev = nil
			continue
		}
		if prev != nil {
			intervals = append(intervals, block.ProposalTime.Sub(prev.ProposalTime).Seconds())
		}
		prev = block
	}

	if len(intervals) > 0 {
		result.MaxInterval = utils.Max(intervals...)
		result.MinInterval = utils.Min(intervals...)
		result.MedianInterval = utils.Median(intervals...)
		result.AvgInterval = utils.Avg(intervals...)
	}
	return result, nil
}
