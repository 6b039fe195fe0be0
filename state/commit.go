package state

import (
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/tari-project/tari-dan-sub001/storage"
	"github.com/tari-project/tari-dan-sub001/txpool"
	"github.com/tari-project/tari-dan-sub001/types"
)

// Committer applies the change sets of committed blocks to the durable
// store and the transaction pool. Only the replica's commit path and the
// sync manager use it.
type Committer struct {
	store  *storage.Store
	pool   *txpool.Pool
	logger log.Logger
}

func NewCommitter(store *storage.Store, pool *txpool.Pool, logger log.Logger) *Committer {
	return &Committer{store: store, pool: pool, logger: logger}
}

// CommitBlock applies one committed block's change set inside tx. The
// caller owns the write transaction so a whole 3-chain ancestry commits
// atomically.
func (c *Committer) CommitBlock(tx *storage.Tx, block *types.Block, cs *ChangeSet) error {
	blockID := block.ID()
	if !cs.BlockID.Equal(blockID) {
		return errors.Errorf("change set belongs to block %s, not %s", cs.BlockID, blockID)
	}

	for _, record := range cs.TransactionRecords {
		if err := tx.SaveTransaction(record); err != nil {
			return err
		}
	}

	// substate diff: downs and ups in walk order
	for _, change := range cs.Diff {
		if change.Up {
			err := tx.PutSubstateUp(&types.SubstateRecord{
				Address:   change.Address,
				Value:     change.Value,
				CreatedBy: change.TransactionID,
			})
			if err != nil {
				return errors.Wrapf(err, "commit up %s", change.Address)
			}
			continue
		}
		if err := tx.SetSubstateDown(change.Address, change.TransactionID); err != nil {
			return errors.Wrapf(err, "commit down %s", change.Address)
		}
	}

	for _, entry := range cs.Locks {
		if err := tx.SetLocks(entry.Id, entry.Locks...); err != nil {
			return err
		}
	}

	for _, update := range cs.PoolUpdates {
		if err := c.applyPoolUpdate(tx, update); err != nil {
			return err
		}
	}

	if !cs.OutgoingPledges.IsEmpty() {
		if err := tx.SaveForeignPledges(blockID, cs.OutgoingPledges); err != nil {
			return err
		}
	}
	for _, foreignBlockID := range cs.VoidPledges {
		if err := tx.VoidForeignPledges(foreignBlockID); err != nil {
			return err
		}
	}

	if err := tx.SetCommittedBlock(block); err != nil {
		return err
	}
	if err := tx.SetLastExecuted(blockID, block.Height); err != nil {
		return err
	}
	if err := DeleteChangeSet(tx, blockID); err != nil {
		return err
	}

	c.logger.Info("committed block",
		"block", blockID,
		"height", block.Height,
		"commands", len(block.Commands),
		"diff", len(cs.Diff),
	)
	return nil
}

func (c *Committer) applyPoolUpdate(tx *storage.Tx, update PoolUpdate) error {
	if update.Remove {
		if update.ReleaseLocks {
			if err := tx.ReleaseLocks(update.TransactionID); err != nil {
				return err
			}
		}
		return c.pool.RemoveAny(tx, []types.TxID{update.TransactionID})
	}

	// a synced replica may see the commit before the insert
	if !c.pool.Exists(update.TransactionID) {
		if _, err := c.pool.Insert(tx, update.TransactionID); err != nil {
			return err
		}
	}

	err := c.pool.Update(tx, update.TransactionID, func(record *txpool.Record) error {
		if update.Evidence != nil {
			record.Evidence = update.Evidence
		}
		if update.LocalDecision != nil {
			record.SetLocalDecision(*update.LocalDecision)
		}
		if update.RemoteDecision != nil {
			record.SetRemoteDecision(*update.RemoteDecision)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if update.NextStage != update.CurrentStage {
		return c.pool.SetNextStage(tx, update.TransactionID,
			update.CurrentStage, update.NextStage, update.IsReady)
	}
	return nil
}
