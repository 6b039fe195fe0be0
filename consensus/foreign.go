package consensus

import (
	"github.com/tendermint/tendermint/libs/log"

	"github.com/tari-project/tari-dan-sub001/epoch"
	"github.com/tari-project/tari-dan-sub001/storage"
	"github.com/tari-project/tari-dan-sub001/txpool"
	"github.com/tari-project/tari-dan-sub001/types"
)

// foreignProcessor absorbs committed blocks from other shard groups:
// remote decisions, evidence and substate pledges for the cross-shard
// transactions this committee participates in.
type foreignProcessor struct {
	chainID string
	pool    *txpool.Pool
	epochs  epoch.Manager
	logger  log.Logger
}

func newForeignProcessor(chainID string, pool *txpool.Pool, epochs epoch.Manager, logger log.Logger) *foreignProcessor {
	return &foreignProcessor{chainID: chainID, pool: pool, epochs: epochs, logger: logger}
}

// Process validates a foreign block and folds its transaction commands
// into the local pool. Transactions not yet known locally park the block;
// it is replayed when the last of them arrives.
func (fp *foreignProcessor) Process(tx *storage.Tx, block *types.Block, pledges types.BlockPledge) error {
	if err := fp.validate(block, pledges); err != nil {
		return err
	}

	seen, err := tx.HasBlock(block.ID())
	if err != nil {
		return err
	}
	if seen {
		fp.logger.Debug("foreign block already processed", "block", block.ID())
		return nil
	}

	localSG := fp.epochs.LocalShardGroup()
	var missing []types.TxID
	for _, cmd := range block.Commands {
		if !cmd.Type.IsTransactionCommand() {
			continue
		}
		atom := cmd.Transaction
		if atom.Evidence == nil {
			continue
		}
		if se, ok := atom.Evidence.Get(localSG); !ok || len(se.Substates) == 0 {
			continue
		}
		if !fp.pool.Exists(atom.TransactionID) {
			missing = append(missing, atom.TransactionID)
			continue
		}
		if err := fp.applyAtom(tx, block, cmd.Type, atom, pledges); err != nil {
			return err
		}
	}

	if len(missing) > 0 {
		fp.logger.Info("parking foreign block on missing transactions",
			"block", block.ID(), "missing", len(missing))
		return tx.ParkBlock(block, missing, true, pledges)
	}

	if err := tx.SaveBlock(block); err != nil {
		return err
	}
	return tx.SaveForeignPledges(block.ID(), pledges)
}

// validate checks the foreign committee's signatures and that every
// local input the block's atoms claim from the foreign group comes with
// a pledge.
func (fp *foreignProcessor) validate(block *types.Block, pledges types.BlockPledge) error {
	if err := block.ValidateBasic(); err != nil {
		return proposalErr(JustifyBlockInvalid, block.ID(), "invalid foreign block: %v", err)
	}
	foreignSG := block.Justify.ShardGroup
	if foreignSG.Equal(fp.epochs.LocalShardGroup()) {
		return proposalErr(ForeignInvalidPledge, block.ID(), "foreign block from own shard group")
	}
	vals, err := fp.epochs.Committee(foreignSG)
	if err != nil {
		return err
	}
	if err := vals.VerifyQuorumCertificate(fp.chainID, block.Justify); err != nil {
		return proposalErr(QuorumNotReached, block.ID(), "invalid foreign justify: %v", err)
	}

	// a committing LocalPrepare must pledge every input that the foreign
	// group owns, or the transaction can never execute here
	for _, cmd := range block.Commands {
		if cmd.Type != types.CommandLocalPrepare || cmd.Transaction.Decision.IsAbort() {
			continue
		}
		atom := cmd.Transaction
		se, ok := atom.Evidence.Get(foreignSG)
		if !ok {
			continue
		}
		for _, claim := range se.Substates {
			if !claim.IsInput() {
				continue
			}
			if !hasInputPledge(pledges[atom.TransactionID], claim.Address) {
				return ErrForeignOmittedPledges{
					BlockID:       block.ID(),
					TransactionID: atom.TransactionID,
					Address:       claim.Address,
				}
			}
		}
	}
	return nil
}

func (fp *foreignProcessor) applyAtom(tx *storage.Tx, block *types.Block, cmdType types.CommandType, atom *types.TransactionAtom, pledges types.BlockPledge) error {
	foreignSG := block.Justify.ShardGroup
	qcID := block.Justify.ID()

	return fp.pool.Update(tx, atom.TransactionID, func(rec *txpool.Record) error {
		// stage transitions happen only on local commits; the foreign
		// block merely contributes evidence and a remote decision
		if rec.Stage == txpool.StageAllAccepted || rec.Stage == txpool.StageSomeAccepted {
			fp.logger.Debug("foreign atom arrived after finalization",
				"tx", atom.TransactionID, "stage", rec.Stage)
			return nil
		}
		if atom.Decision.IsAbort() {
			rec.SetRemoteDecision(types.DecisionAbort)
		}

		rec.Evidence.Merge(atom.Evidence)
		switch {
		case cmdType.IsPrepareFamily():
			rec.Evidence.SetPrepareQC(foreignSG, qcID)
		case cmdType.IsAcceptFamily():
			rec.Evidence.SetAcceptQC(foreignSG, qcID)
		}
		rec.UpdateReadiness()
		return nil
	})
}

func hasInputPledge(pledges []types.SubstatePledge, addr types.SubstateAddress) bool {
	for _, p := range pledges {
		if p.IsInput && p.Address.Equal(addr) {
			return true
		}
	}
	return false
}
