package rpc

import (
	"github.com/pkg/errors"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"github.com/tari-project/tari-dan-sub001/mempool"
	"github.com/tari-project/tari-dan-sub001/txpool"
	"github.com/tari-project/tari-dan-sub001/types"
)

// ResultSubmitTransaction is returned by submit_transaction.
type ResultSubmitTransaction struct {
	TransactionID types.TxID `json:"transaction_id"`
}

// SubmitTransaction admits a client transaction. Admission is asynchronous:
// a nil error means the transaction entered the local pool and will be
// gossiped, not that it is settled.
func SubmitTransaction(ctx *rpctypes.Context, tx *types.Transaction) (*ResultSubmitTransaction, error) {
	if tx == nil {
		return nil, errors.New("no transaction")
	}
	err := env.Mempool.SubmitTransaction(tx, mempool.TxInfo{SenderID: mempool.UnknownPeerID})
	if err != nil && err != mempool.ErrTxInCache {
		return nil, err
	}
	return &ResultSubmitTransaction{TransactionID: tx.ID()}, nil
}

// ResultTransaction is returned by get_transaction.
type ResultTransaction struct {
	Record *types.TransactionRecord `json:"record"`

	// pool view; empty once the transaction left the pipeline
	Stage   string `json:"stage,omitempty"`
	IsReady bool   `json:"is_ready,omitempty"`
}

func GetTransaction(ctx *rpctypes.Context, id types.TxID) (*ResultTransaction, error) {
	tx := env.Store.ReadTx()
	defer tx.Discard()

	record, err := tx.GetTransaction(id)
	if err != nil {
		return nil, err
	}

	result := &ResultTransaction{Record: record}
	if poolRec, err := env.Pool.Get(id); err == nil {
		result.Stage = poolRec.Stage.String()
		result.IsReady = poolRec.IsReady
	}
	return result, nil
}

// ResultPoolStatus is returned by pool_status.
type ResultPoolStatus struct {
	Size   int            `json:"size"`
	Stages map[string]int `json:"stages"`

	MempoolSize     int   `json:"mempool_size"`
	MempoolTxsBytes int64 `json:"mempool_txs_bytes"`
}

func PoolStatus(ctx *rpctypes.Context) (*ResultPoolStatus, error) {
	stages := map[string]int{}
	for s := txpool.StageNew; s <= txpool.StageSomeAccepted; s++ {
		if n := env.Pool.Count(s, false) + env.Pool.Count(s, true); n > 0 {
			stages[s.String()] = n
		}
	}
	return &ResultPoolStatus{
		Size:            env.Pool.Size(),
		Stages:          stages,
		MempoolSize:     env.Mempool.Size(),
		MempoolTxsBytes: env.Mempool.TxsBytes(),
	}, nil
}
