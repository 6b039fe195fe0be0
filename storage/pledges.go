package storage

import (
	"github.com/pkg/errors"

	"github.com/tari-project/tari-dan-sub001/types"
)

//------------------------------------------------------------
// foreign substate pledges
//
// Pledges arrive attached to foreign proposals and are kept until the
// transactions they back reach a final decision. Voiding removes a whole
// block's pledges at once, after an abort.

// SaveForeignPledges stores the pledges carried by one foreign block.
func (tx *Tx) SaveForeignPledges(blockID types.BlockID, pledges types.BlockPledge) error {
	if pledges.IsEmpty() {
		return nil
	}
	existing, err := tx.GetForeignPledges(blockID)
	if err != nil {
		return err
	}
	for txID, list := range pledges {
		for _, pledge := range list {
			existing.Add(txID, pledge)
		}
	}
	return tx.setJSON(pledgeKey(blockID), existing)
}

// GetForeignPledges returns the pledges recorded for a foreign block. An
// unknown block yields an empty pledge set, not an error.
func (tx *Tx) GetForeignPledges(blockID types.BlockID) (types.BlockPledge, error) {
	var pledges types.BlockPledge
	err := tx.getJSON(pledgeKey(blockID), &pledges)
	if IsNotFound(err) {
		return types.BlockPledge{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "pledges for block %s", blockID)
	}
	return pledges, nil
}

// GetPledgesForTransaction collects every pledge recorded for txID across
// the given foreign blocks.
func (tx *Tx) GetPledgesForTransaction(blockIDs []types.BlockID, txID types.TxID) ([]types.SubstatePledge, error) {
	var out []types.SubstatePledge
	for _, blockID := range blockIDs {
		pledges, err := tx.GetForeignPledges(blockID)
		if err != nil {
			return nil, err
		}
		out = append(out, pledges.ForTransaction(txID)...)
	}
	return out, nil
}

// FindPledgesForTransaction scans the whole pledge table for txID,
// returning the pledges and the foreign blocks that carried them. Used
// when the carrying blocks are not known up front.
func (tx *Tx) FindPledgesForTransaction(txID types.TxID) ([]types.SubstatePledge, []types.BlockID, error) {
	var (
		out    []types.SubstatePledge
		blocks []types.BlockID
	)
	err := tx.iteratePrefix([]byte(prefixPledge), func(key, value []byte) (bool, error) {
		var pledges types.BlockPledge
		if err := unmarshalJSON(value, &pledges); err != nil {
			return false, err
		}
		list := pledges.ForTransaction(txID)
		if len(list) == 0 {
			return true, nil
		}
		blockID, err := types.BlockIDFromBytes(key[len(prefixPledge):])
		if err != nil {
			return false, err
		}
		out = append(out, list...)
		blocks = append(blocks, blockID)
		return true, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, blocks, nil
}

// VoidForeignPledges drops every pledge recorded for a foreign block.
func (tx *Tx) VoidForeignPledges(blockID types.BlockID) error {
	return tx.delete(pledgeKey(blockID))
}
