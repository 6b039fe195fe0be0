package rpc

import (
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"github.com/tari-project/tari-dan-sub001/types"
)

// ResultSubstate is returned by get_substate.
type ResultSubstate struct {
	Record *types.SubstateRecord `json:"record"`
}

// GetSubstate returns the substate record for id. A negative version means
// "latest".
func GetSubstate(ctx *rpctypes.Context, id types.SubstateId, version int64) (*ResultSubstate, error) {
	if err := id.ValidateBasic(); err != nil {
		return nil, err
	}

	tx := env.Store.ReadTx()
	defer tx.Discard()

	var record *types.SubstateRecord
	var err error
	if version < 0 {
		record, err = tx.GetLatestSubstate(id)
	} else {
		record, err = tx.GetSubstate(types.NewSubstateAddress(id, uint32(version)))
	}
	if err != nil {
		return nil, err
	}
	return &ResultSubstate{Record: record}, nil
}
