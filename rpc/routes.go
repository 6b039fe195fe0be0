package rpc

import rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"

// Routes is the jsonrpc dispatch table served over http and websocket.
var Routes = map[string]*rpcserver.RPCFunc{
	// transactions
	"submit_transaction": rpcserver.NewRPCFunc(SubmitTransaction, "tx"),
	"get_transaction":    rpcserver.NewRPCFunc(GetTransaction, "id"),
	"pool_status":        rpcserver.NewRPCFunc(PoolStatus, ""),

	// chain
	"get_block":           rpcserver.NewRPCFunc(GetBlock, "id"),
	"get_committed_block": rpcserver.NewRPCFunc(GetCommittedBlock, "height"),
	"chain_info":          rpcserver.NewRPCFunc(ChainInfo, ""),
	"round_state":         rpcserver.NewRPCFunc(RoundState, ""),

	// substates
	"get_substate": rpcserver.NewRPCFunc(GetSubstate, "id,version"),

	// observability
	"metrics": rpcserver.NewRPCFunc(JSONMetrics, "label"),
}
