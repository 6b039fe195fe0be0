package storage

import (
	"github.com/pkg/errors"

	"github.com/tari-project/tari-dan-sub001/types"
)

//------------------------------------------------------------
// blocks

// SaveBlock persists a block keyed by its id.
func (tx *Tx) SaveBlock(block *types.Block) error {
	return tx.setJSON(blockKey(block.ID()), block)
}

func (tx *Tx) GetBlock(id types.BlockID) (*types.Block, error) {
	var block types.Block
	if err := tx.getJSON(blockKey(id), &block); err != nil {
		return nil, errors.Wrapf(err, "block %s", id)
	}
	return &block, nil
}

func (tx *Tx) HasBlock(id types.BlockID) (bool, error) {
	return tx.has(blockKey(id))
}

// SetCommittedBlock indexes a committed block by height. Only the committed
// chain gets a height index; uncommitted forks do not.
func (tx *Tx) SetCommittedBlock(block *types.Block) error {
	id := block.ID()
	return tx.set(blockHeightKey(block.Height), id.Bytes())
}

// GetCommittedBlockID returns the id of the committed block at height.
func (tx *Tx) GetCommittedBlockID(height uint64) (types.BlockID, error) {
	bz, err := tx.get(blockHeightKey(height))
	if err != nil {
		return types.BlockID{}, err
	}
	if bz == nil {
		return types.BlockID{}, errors.Wrapf(ErrNotFound, "no committed block at height %d", height)
	}
	return types.BlockIDFromBytes(bz)
}

// GetCommittedBlock returns the committed block at height.
func (tx *Tx) GetCommittedBlock(height uint64) (*types.Block, error) {
	id, err := tx.GetCommittedBlockID(height)
	if err != nil {
		return nil, err
	}
	return tx.GetBlock(id)
}

//------------------------------------------------------------
// quorum certificates

func (tx *Tx) SaveQC(qc *types.QuorumCertificate) error {
	return tx.setJSON(qcKey(qc.ID()), qc)
}

func (tx *Tx) GetQC(id types.QCID) (*types.QuorumCertificate, error) {
	var qc types.QuorumCertificate
	if err := tx.getJSON(qcKey(id), &qc); err != nil {
		return nil, errors.Wrapf(err, "qc %s", id)
	}
	return &qc, nil
}

//------------------------------------------------------------
// consensus anchors
//
// Anchors record where the local replica stands: the highest qc seen, the
// current leaf, the locked block, the last voted height and the last
// executed (committed) block.

type blockAnchor struct {
	BlockID types.BlockID `json:"block_id"`
	Height  uint64        `json:"height"`
}

func (tx *Tx) SetHighQC(qc *types.QuorumCertificate) error {
	if err := tx.SaveQC(qc); err != nil {
		return err
	}
	return tx.setJSON(anchorKey(anchorHighQC), qc)
}

func (tx *Tx) GetHighQC() (*types.QuorumCertificate, error) {
	var qc types.QuorumCertificate
	if err := tx.getJSON(anchorKey(anchorHighQC), &qc); err != nil {
		return nil, errors.Wrap(err, "high qc")
	}
	return &qc, nil
}

func (tx *Tx) SetLeafBlock(id types.BlockID, height uint64) error {
	return tx.setJSON(anchorKey(anchorLeafBlock), blockAnchor{BlockID: id, Height: height})
}

func (tx *Tx) GetLeafBlock() (types.BlockID, uint64, error) {
	var anchor blockAnchor
	if err := tx.getJSON(anchorKey(anchorLeafBlock), &anchor); err != nil {
		return types.BlockID{}, 0, errors.Wrap(err, "leaf block")
	}
	return anchor.BlockID, anchor.Height, nil
}

func (tx *Tx) SetLockedBlock(id types.BlockID, height uint64) error {
	return tx.setJSON(anchorKey(anchorLockedBlock), blockAnchor{BlockID: id, Height: height})
}

func (tx *Tx) GetLockedBlock() (types.BlockID, uint64, error) {
	var anchor blockAnchor
	if err := tx.getJSON(anchorKey(anchorLockedBlock), &anchor); err != nil {
		return types.BlockID{}, 0, errors.Wrap(err, "locked block")
	}
	return anchor.BlockID, anchor.Height, nil
}

// SetLastVoted records the highest height this replica has voted at. One
// vote per height, ever.
func (tx *Tx) SetLastVoted(height uint64) error {
	return tx.set(anchorKey(anchorLastVoted), uint64Bytes(height))
}

func (tx *Tx) GetLastVoted() (uint64, error) {
	bz, err := tx.get(anchorKey(anchorLastVoted))
	if err != nil {
		return 0, err
	}
	if bz == nil {
		return 0, nil
	}
	return bytesUint64(bz), nil
}

func (tx *Tx) SetLastExecuted(id types.BlockID, height uint64) error {
	return tx.setJSON(anchorKey(anchorLastExecuted), blockAnchor{BlockID: id, Height: height})
}

func (tx *Tx) GetLastExecuted() (types.BlockID, uint64, error) {
	var anchor blockAnchor
	if err := tx.getJSON(anchorKey(anchorLastExecuted), &anchor); err != nil {
		return types.BlockID{}, 0, errors.Wrap(err, "last executed")
	}
	return anchor.BlockID, anchor.Height, nil
}

// SetCurrentEpoch persists the active epoch number.
func (tx *Tx) SetCurrentEpoch(epoch uint64) error {
	return tx.set(anchorKey(anchorEpoch), uint64Bytes(epoch))
}

func (tx *Tx) GetCurrentEpoch() (uint64, error) {
	bz, err := tx.get(anchorKey(anchorEpoch))
	if err != nil {
		return 0, err
	}
	if bz == nil {
		return 0, nil
	}
	return bytesUint64(bz), nil
}
