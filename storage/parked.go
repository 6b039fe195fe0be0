package storage

import (
	"github.com/pkg/errors"

	"github.com/tari-project/tari-dan-sub001/types"
)

//------------------------------------------------------------
// parked proposals
//
// A proposal naming transactions this replica has not seen yet is parked
// until the last missing transaction arrives. The missing-tx index points
// back at every parked block waiting on a given transaction.

// ParkedProposal is a proposal held back on missing transactions. Foreign
// proposals keep the pledges that arrived with them so release can replay
// the original message.
type ParkedProposal struct {
	Block   *types.Block      `json:"block"`
	Missing []types.TxID      `json:"missing"`
	Foreign bool              `json:"foreign"`
	Pledges types.BlockPledge `json:"pledges,omitempty"`
}

// ParkBlock stores block until all of missing arrive. Pledges may be nil
// for local proposals.
func (tx *Tx) ParkBlock(block *types.Block, missing []types.TxID, foreign bool, pledges types.BlockPledge) error {
	if len(missing) == 0 {
		return errors.New("refusing to park a block with no missing transactions")
	}
	blockID := block.ID()
	if err := tx.setJSON(parkedBlockKey(blockID), ParkedProposal{
		Block:   block,
		Missing: missing,
		Foreign: foreign,
		Pledges: pledges,
	}); err != nil {
		return err
	}
	for _, txID := range missing {
		if err := tx.set(missingTxKey(txID, blockID), []byte{1}); err != nil {
			return err
		}
	}
	return nil
}

// MissingTransactions returns the ids a parked block is still waiting on,
// or nil if the block is not parked.
func (tx *Tx) MissingTransactions(blockID types.BlockID) ([]types.TxID, error) {
	var parked ParkedProposal
	err := tx.getJSON(parkedBlockKey(blockID), &parked)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parked.Missing, nil
}

// RemoveMissingTransaction records the arrival of txID and returns every
// parked proposal it fully released.
func (tx *Tx) RemoveMissingTransaction(txID types.TxID) ([]*ParkedProposal, error) {
	var waiting []types.BlockID
	err := tx.iteratePrefix(missingTxPrefix(txID), func(key, value []byte) (bool, error) {
		blockID, err := types.BlockIDFromBytes(key[len(key)-32:])
		if err != nil {
			return false, err
		}
		waiting = append(waiting, blockID)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	var released []*ParkedProposal
	for _, blockID := range waiting {
		if err := tx.delete(missingTxKey(txID, blockID)); err != nil {
			return nil, err
		}

		var parked ParkedProposal
		if err := tx.getJSON(parkedBlockKey(blockID), &parked); err != nil {
			return nil, errors.Wrapf(err, "parked block %s", blockID)
		}

		remaining := parked.Missing[:0]
		for _, id := range parked.Missing {
			if id != txID {
				remaining = append(remaining, id)
			}
		}
		parked.Missing = remaining

		if len(parked.Missing) == 0 {
			if err := tx.delete(parkedBlockKey(blockID)); err != nil {
				return nil, err
			}
			p := parked
			released = append(released, &p)
			continue
		}
		if err := tx.setJSON(parkedBlockKey(blockID), parked); err != nil {
			return nil, err
		}
	}
	return released, nil
}
