package consensus

import (
	"github.com/tari-project/tari-dan-sub001/state"
	"github.com/tari-project/tari-dan-sub001/storage"
	"github.com/tari-project/tari-dan-sub001/txpool"
	"github.com/tari-project/tari-dan-sub001/types"
)

// pendingView is a transaction's position as of an uncommitted chain tip.
// Pool stages only advance when blocks commit, so walking or extending a
// chain of uncommitted blocks requires overlaying their buffered pool
// updates on the committed pool state.
type pendingView struct {
	stage          txpool.Stage
	isReady        bool
	evidence       *types.Evidence
	localDecision  *types.Decision
	remoteDecision *types.Decision
	removed        bool
}

// loadPendingViews folds the change sets of the uncommitted ancestors of
// `from` (inclusive) down to sinceHeight into per-transaction views,
// oldest first. Also reports whether any of those ancestors still carries
// commands, i.e. whether the chain must keep extending to commit real
// work.
func loadPendingViews(tx *storage.Tx, from types.BlockID, sinceHeight uint64) (map[types.TxID]*pendingView, bool, error) {
	var chain []*types.Block
	curID := from
	for !curID.IsZero() {
		block, err := tx.GetBlock(curID)
		if err != nil {
			if storage.IsNotFound(err) {
				break
			}
			return nil, false, err
		}
		if block.Height <= sinceHeight {
			break
		}
		chain = append(chain, block)
		curID = block.Parent
	}

	views := make(map[types.TxID]*pendingView)
	pendingWork := false
	for i := len(chain) - 1; i >= 0; i-- {
		block := chain[i]
		if block.IsDummy() {
			continue
		}
		if len(block.Commands) > 0 {
			pendingWork = true
		}
		changeSet, err := state.LoadChangeSet(tx, block.ID())
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return nil, false, err
		}
		if !changeSet.IsAccept() {
			continue
		}
		for _, update := range changeSet.PoolUpdates {
			view, ok := views[update.TransactionID]
			if !ok {
				view = &pendingView{}
				views[update.TransactionID] = view
			}
			if update.Remove {
				view.removed = true
				continue
			}
			view.stage = update.NextStage
			view.isReady = update.IsReady
			if update.Evidence != nil {
				view.evidence = update.Evidence
			}
			if update.LocalDecision != nil {
				view.localDecision = update.LocalDecision
			}
			if update.RemoteDecision != nil {
				view.remoteDecision = update.RemoteDecision
			}
		}
	}
	return views, pendingWork, nil
}

// applyView overlays a pending view on a pool record copy. Returns nil
// when an uncommitted ancestor already finalized the transaction.
func applyView(rec *txpool.Record, view *pendingView) *txpool.Record {
	if view == nil {
		return rec
	}
	if view.removed {
		return nil
	}
	rec.Stage = view.stage
	rec.IsReady = view.isReady
	if view.evidence != nil {
		rec.Evidence = view.evidence.Copy()
	}
	if view.localDecision != nil {
		d := *view.localDecision
		rec.LocalDecision = &d
	}
	if view.remoteDecision != nil {
		d := *view.remoteDecision
		rec.RemoteDecision = &d
	}
	return rec
}
