package types

import (
	"fmt"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// SubstatePledge is a promise by the owning committee to supply one
// substate version to a transaction's execution. Input pledges carry the
// substate value; output pledges only reserve the address.
type SubstatePledge struct {
	Address SubstateAddress  `json:"address"`
	IsInput bool             `json:"is_input"`
	Value   tmbytes.HexBytes `json:"value,omitempty"`
}

func NewInputPledge(address SubstateAddress, value []byte) SubstatePledge {
	return SubstatePledge{Address: address, IsInput: true, Value: value}
}

func NewOutputPledge(address SubstateAddress) SubstatePledge {
	return SubstatePledge{Address: address, IsInput: false}
}

func (p SubstatePledge) String() string {
	kind := "output"
	if p.IsInput {
		kind = "input"
	}
	return fmt.Sprintf("pledge(%s %s)", kind, p.Address)
}

// BlockPledge maps each transaction in a proposed block to the substate
// pledges the proposing committee makes for it. Foreign committees consume
// this to assemble the cross-shard view needed to execute.
type BlockPledge map[TxID][]SubstatePledge

func (bp BlockPledge) Add(txID TxID, pledge SubstatePledge) {
	bp[txID] = append(bp[txID], pledge)
}

func (bp BlockPledge) ForTransaction(txID TxID) []SubstatePledge {
	return bp[txID]
}

func (bp BlockPledge) IsEmpty() bool {
	return len(bp) == 0
}
