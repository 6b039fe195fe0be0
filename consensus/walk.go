package consensus

import (
	"fmt"

	"github.com/tendermint/tendermint/libs/log"

	"github.com/tari-project/tari-dan-sub001/epoch"
	"github.com/tari-project/tari-dan-sub001/state"
	"github.com/tari-project/tari-dan-sub001/storage"
	"github.com/tari-project/tari-dan-sub001/substate"
	"github.com/tari-project/tari-dan-sub001/txpool"
	"github.com/tari-project/tari-dan-sub001/types"
)

// noVoteError aborts the walk and becomes the block's recorded no-vote
// reason. It never propagates past Walk.
type noVoteError struct {
	reason string
}

func (e noVoteError) Error() string { return e.reason }

func noVote(format string, args ...interface{}) error {
	return noVoteError{reason: fmt.Sprintf(format, args...)}
}

// blockWalker applies one proposed block's commands in order against a
// fresh pending store, producing the block's change set. The walker never
// writes durable state; everything lands in the change set and is applied
// by the committer when the 3-chain closes.
type blockWalker struct {
	tx      *storage.Tx
	pending *substate.PendingStore
	pool    *txpool.Pool
	epochs  epoch.Manager
	exec    state.Executor
	logger  log.Logger

	block *types.Block
	cs    *state.ChangeSet
	views map[types.TxID]*pendingView
}

func newBlockWalker(
	tx *storage.Tx,
	pool *txpool.Pool,
	epochs epoch.Manager,
	exec state.Executor,
	block *types.Block,
	logger log.Logger,
) *blockWalker {
	return &blockWalker{
		tx:      tx,
		pending: substate.NewPendingStore(tx),
		pool:    pool,
		epochs:  epochs,
		exec:    exec,
		logger:  logger,
		block:   block,
		cs:      state.NewChangeSet(block.ID()),
	}
}

// Walk applies every command. A clean walk returns an Accept change set;
// a validation failure returns a change set carrying only the no-vote
// reason. Genuine storage failures propagate as errors.
func (w *blockWalker) Walk() (*state.ChangeSet, error) {
	_, execHeight, err := w.tx.GetLastExecuted()
	if err != nil {
		return nil, err
	}
	w.views, _, err = loadPendingViews(w.tx, w.block.Parent, execHeight)
	if err != nil {
		return nil, err
	}

	for i, cmd := range w.block.Commands {
		if err := w.applyCommand(cmd); err != nil {
			if nv, ok := err.(noVoteError); ok {
				w.logger.Info("block walk failed, withholding vote",
					"block", w.block.ID(), "command", i, "reason", nv.reason)
				w.cs = state.NewChangeSet(w.block.ID())
				w.cs.SetNoVote(fmt.Sprintf("%s(#%d): %s", cmd.Type, i, nv.reason))
				return w.cs, nil
			}
			return nil, err
		}
	}
	if err := w.cs.CapturePending(w.pending); err != nil {
		return nil, err
	}
	w.cs.SetAccept()
	return w.cs, nil
}

func (w *blockWalker) applyCommand(cmd types.Command) error {
	switch cmd.Type {
	case types.CommandPrepare:
		return w.applyPrepare(cmd.Transaction)
	case types.CommandLocalPrepare:
		return w.applyLocalPrepare(cmd.Transaction)
	case types.CommandAllPrepare:
		return w.applyAllPrepare(cmd.Transaction)
	case types.CommandSomePrepare:
		return w.applySomePrepare(cmd.Transaction)
	case types.CommandLocalAccept:
		return w.applyLocalAccept(cmd.Transaction)
	case types.CommandAllAccept:
		return w.applyAllAccept(cmd.Transaction)
	case types.CommandSomeAccept:
		return w.applySomeAccept(cmd.Transaction)
	case types.CommandLocalOnly:
		return w.applyLocalOnly(cmd.Transaction)
	case types.CommandForeignProposal:
		return w.applyForeignProposal(*cmd.ForeignProposal)
	case types.CommandMintConfidentialOutput:
		return w.applyMint(*cmd.MintedOutput)
	case types.CommandEndEpoch:
		w.cs.EndEpoch = true
		return nil
	default:
		return noVote("unknown command type %d", byte(cmd.Type))
	}
}

// recordAt fetches the pool record as seen from this block's parent and
// asserts its stage.
func (w *blockWalker) recordAt(txID types.TxID, stages ...txpool.Stage) (*txpool.Record, error) {
	rec, err := w.pool.Get(txID)
	if err != nil {
		return nil, noVote("transaction %s not in pool", txID)
	}
	if rec = applyView(rec, w.views[txID]); rec == nil {
		return nil, noVote("transaction %s already finalized by an uncommitted ancestor", txID)
	}
	for _, stage := range stages {
		if rec.Stage == stage {
			return rec, nil
		}
	}
	return nil, noVote("transaction %s is at stage %s, expected %v", txID, rec.Stage, stages)
}

//------------------------------------------------------------
// Prepare

func (w *blockWalker) applyPrepare(atom *types.TransactionAtom) error {
	rec, err := w.recordAt(atom.TransactionID, txpool.StageNew)
	if err != nil {
		return err
	}
	return w.prepare(rec, atom, false)
}

// prepare resolves and locks inputs, executes, locks outputs and buffers
// the New -> Prepared transition. localOnly collapses the pipeline to a
// single finalizing command.
func (w *blockWalker) prepare(rec *txpool.Record, atom *types.TransactionAtom, localOnly bool) error {
	txID := atom.TransactionID

	txRec, err := w.tx.GetTransaction(txID)
	if err != nil {
		if storage.IsNotFound(err) {
			return noVote("transaction %s not in store", txID)
		}
		return err
	}

	if atom.Decision.IsAbort() && !localOnly {
		// the leader already knows a shard aborts; no locks, no execution
		abort := types.DecisionAbort
		w.cs.AddPoolUpdate(state.PoolUpdate{
			TransactionID: txID,
			CurrentStage:  txpool.StageNew,
			NextStage:     txpool.StagePrepared,
			IsReady:       true,
			Evidence:      mergeEvidence(rec.Evidence, atom.Evidence),
			LocalDecision: &abort,
		})
		return nil
	}

	resolved, evidence, err := w.resolveAndLockInputs(txRec.Transaction, localOnly)
	if err != nil {
		return err
	}
	if localOnly && len(evidence.ShardGroups()) > 1 {
		return noVote("transaction %s declared foreign inputs in a local-only command", txID)
	}

	result, err := w.exec.Execute(txRec.Transaction, resolved)
	if err != nil {
		// executor failures are transaction failures, never consensus ones
		result = types.NewAbortResult(err.Error())
	}

	if result.Decision.IsCommit() {
		if err := w.lockOutputs(txID, result, evidence, localOnly); err != nil {
			return err
		}
	}
	if result.Decision != atom.Decision {
		return noVote("local decision %s disagrees with proposed %s for %s",
			result.Decision, atom.Decision, txID)
	}

	crossShard := len(evidence.ShardGroups()) > 1
	if crossShard && result.Decision.IsCommit() {
		w.pledgeLocalSubstates(txID, resolved, result, evidence)
	}

	txRec.Result = result
	decision := result.Decision
	if localOnly {
		txRec.FinalDecision = &decision
		if decision.IsAbort() {
			txRec.AbortDetails = result.RejectReason
		}
	}
	w.cs.AddTransactionRecord(txRec)

	if localOnly {
		if decision.IsCommit() {
			if err := w.applyDiff(txID, result.Diff); err != nil {
				return err
			}
		}
		next := txpool.StageAllAccepted
		if decision.IsAbort() {
			next = txpool.StageSomeAccepted
		}
		w.cs.AddPoolUpdate(state.PoolUpdate{
			TransactionID: txID,
			CurrentStage:  txpool.StageNew,
			NextStage:     next,
			Remove:        true,
			ReleaseLocks:  true,
		})
		return nil
	}

	w.cs.AddPoolUpdate(state.PoolUpdate{
		TransactionID: txID,
		CurrentStage:  txpool.StageNew,
		NextStage:     txpool.StagePrepared,
		IsReady:       true,
		Evidence:      mergeEvidence(evidence, atom.Evidence),
		LocalDecision: &decision,
	})
	return nil
}

// resolveAndLockInputs materializes every declared input, locking the
// locally owned ones. Foreign inputs must already be pledged by their
// owning committee; an unpledged foreign input withholds the vote until
// the pledge arrives.
func (w *blockWalker) resolveAndLockInputs(transaction *types.Transaction, localOnly bool) ([]state.ResolvedInput, *types.Evidence, error) {
	txID := transaction.ID()
	localSG := w.epochs.LocalShardGroup()
	evidence := types.NewEvidence()

	var pledged []types.SubstatePledge
	pledged, _, err := w.tx.FindPledgesForTransaction(txID)
	if err != nil {
		return nil, nil, err
	}

	type plan struct {
		req  types.SubstateRequirement
		mode types.LockMode
	}
	plans := make([]plan, 0, len(transaction.Inputs)+len(transaction.InputRefs)+len(transaction.FilledInputs))
	for _, req := range transaction.Inputs {
		plans = append(plans, plan{req: req, mode: types.LockWrite})
	}
	for _, req := range transaction.InputRefs {
		plans = append(plans, plan{req: req, mode: types.LockRead})
	}
	for _, filled := range transaction.FilledInputs {
		v := filled.Version
		plans = append(plans, plan{req: types.SubstateRequirement{Id: filled.Id, Version: &v}, mode: types.LockWrite})
	}

	resolved := make([]state.ResolvedInput, 0, len(plans))
	for _, p := range plans {
		sg, err := w.epochs.ShardGroupFor(p.req.Id.ToShard())
		if err != nil {
			return nil, nil, err
		}

		if !sg.Equal(localSG) {
			addr, value, ok := findInputPledge(pledged, p.req)
			if !ok {
				return nil, nil, noVote("input %s of %s not pledged by shard group %s yet",
					p.req, txID, sg)
			}
			resolved = append(resolved, state.ResolvedInput{Address: addr, Value: value, Lock: p.mode})
			evidence.AddClaim(sg, addr, p.mode)
			continue
		}

		var (
			addr  types.SubstateAddress
			value []byte
		)
		if p.req.Version != nil {
			addr = types.NewSubstateAddress(p.req.Id, *p.req.Version)
			value, err = w.pending.Get(addr)
		} else {
			addr, value, err = w.pending.GetLatest(p.req.Id)
		}
		if err != nil {
			return nil, nil, noVote("resolve input %s of %s: %v", p.req, txID, err)
		}

		intent := types.LockIntent{Id: p.req.Id, VersionToLock: addr.Version, Mode: p.mode}
		if err := w.pending.TryLock(txID, intent, localOnly); err != nil {
			return nil, nil, noVote("lock %s for %s: %v", intent, txID, err)
		}
		resolved = append(resolved, state.ResolvedInput{Address: addr, Value: value, Lock: p.mode})
		evidence.AddClaim(localSG, addr, p.mode)
	}
	return resolved, evidence, nil
}

// lockOutputs claims every output the execution produced. Locally owned
// outputs get Output locks; foreign outputs only enter the evidence.
func (w *blockWalker) lockOutputs(txID types.TxID, result *types.ExecuteResult, evidence *types.Evidence, localOnly bool) error {
	if result.Diff == nil {
		return nil
	}
	localSG := w.epochs.LocalShardGroup()
	for _, up := range result.Diff.Up {
		addr := types.NewSubstateAddress(up.Id, up.Version)
		sg, err := w.epochs.ShardGroupFor(up.Id.ToShard())
		if err != nil {
			return err
		}
		if sg.Equal(localSG) {
			intent := types.LockIntent{Id: up.Id, VersionToLock: up.Version, Mode: types.LockOutput}
			if err := w.pending.TryLock(txID, intent, localOnly); err != nil {
				return noVote("lock output %s for %s: %v", intent, txID, err)
			}
		}
		evidence.AddClaim(sg, addr, types.LockOutput)
	}
	return nil
}

// pledgeLocalSubstates promises the locally owned inputs (with values) and
// outputs to the foreign committees involved in the transaction.
func (w *blockWalker) pledgeLocalSubstates(txID types.TxID, resolved []state.ResolvedInput, result *types.ExecuteResult, evidence *types.Evidence) {
	localSG := w.epochs.LocalShardGroup()
	for _, input := range resolved {
		if localSG.ContainsID(input.Address.Id) {
			w.cs.AddPledge(txID, types.NewInputPledge(input.Address, input.Value))
		}
	}
	if result.Diff == nil {
		return
	}
	for _, up := range result.Diff.Up {
		if localSG.ContainsID(up.Id) {
			w.cs.AddPledge(txID, types.NewOutputPledge(types.NewSubstateAddress(up.Id, up.Version)))
		}
	}
}

// applyDiff buffers a committed execution result: downs first, then ups,
// restricted to the substates this committee owns.
func (w *blockWalker) applyDiff(txID types.TxID, diff *types.SubstateDiff) error {
	if diff == nil {
		return nil
	}
	localSG := w.epochs.LocalShardGroup()
	for _, down := range diff.Down {
		if !localSG.ContainsID(down.Id) {
			continue
		}
		if err := w.pending.PutDown(down, txID); err != nil {
			return noVote("down %s for %s: %v", down, txID, err)
		}
	}
	for _, up := range diff.Up {
		if !localSG.ContainsID(up.Id) {
			continue
		}
		addr := types.NewSubstateAddress(up.Id, up.Version)
		if err := w.pending.PutUp(addr, up.Value, txID); err != nil {
			return noVote("up %s for %s: %v", addr, txID, err)
		}
	}
	return nil
}

//------------------------------------------------------------
// LocalPrepare / AllPrepare / SomePrepare

func (w *blockWalker) applyLocalPrepare(atom *types.TransactionAtom) error {
	rec, err := w.recordAt(atom.TransactionID, txpool.StagePrepared)
	if err != nil {
		return err
	}

	// the justify certifies the parent block, which carried this
	// transaction's Prepare; its id is our Prepare witness
	ev := mergeEvidence(rec.Evidence, atom.Evidence)
	ev.SetPrepareQC(w.epochs.LocalShardGroup(), w.block.Justify.ID())

	w.cs.AddPoolUpdate(state.PoolUpdate{
		TransactionID: atom.TransactionID,
		CurrentStage:  txpool.StagePrepared,
		NextStage:     txpool.StageLocalPrepared,
		IsReady:       ev.AllInputAddressesPrepared(),
		Evidence:      ev,
	})
	return nil
}

func (w *blockWalker) applyAllPrepare(atom *types.TransactionAtom) error {
	rec, err := w.recordAt(atom.TransactionID, txpool.StageLocalPrepared)
	if err != nil {
		return err
	}
	ev := mergeEvidence(rec.Evidence, atom.Evidence)
	if !ev.AllInputAddressesPrepared() {
		return noVote("transaction %s is missing prepare evidence for some input shard", atom.TransactionID)
	}
	if rec.Decision().IsAbort() || atom.Decision.IsAbort() {
		return noVote("transaction %s has an abort decision on the all-prepared path", atom.TransactionID)
	}
	w.cs.AddPoolUpdate(state.PoolUpdate{
		TransactionID: atom.TransactionID,
		CurrentStage:  txpool.StageLocalPrepared,
		NextStage:     txpool.StageAllPrepared,
		IsReady:       true,
		Evidence:      ev,
	})
	return nil
}

func (w *blockWalker) applySomePrepare(atom *types.TransactionAtom) error {
	rec, err := w.recordAt(atom.TransactionID, txpool.StageLocalPrepared)
	if err != nil {
		return err
	}
	if atom.Decision.IsCommit() {
		return noVote("transaction %s proposed SomePrepare with a commit decision", atom.TransactionID)
	}
	abort := types.DecisionAbort
	w.cs.AddPoolUpdate(state.PoolUpdate{
		TransactionID:  atom.TransactionID,
		CurrentStage:   txpool.StageLocalPrepared,
		NextStage:      txpool.StageSomePrepared,
		IsReady:        true,
		Evidence:       mergeEvidence(rec.Evidence, atom.Evidence),
		RemoteDecision: &abort,
	})
	return nil
}

//------------------------------------------------------------
// LocalAccept / AllAccept / SomeAccept

func (w *blockWalker) applyLocalAccept(atom *types.TransactionAtom) error {
	rec, err := w.recordAt(atom.TransactionID, txpool.StageAllPrepared, txpool.StageSomePrepared)
	if err != nil {
		return err
	}

	ev := mergeEvidence(rec.Evidence, atom.Evidence)
	ev.SetAcceptQC(w.epochs.LocalShardGroup(), w.block.Justify.ID())

	w.cs.AddPoolUpdate(state.PoolUpdate{
		TransactionID: atom.TransactionID,
		CurrentStage:  rec.Stage,
		NextStage:     txpool.StageLocalAccepted,
		IsReady:       ev.AllAddressesJustified(),
		Evidence:      ev,
	})
	return nil
}

func (w *blockWalker) applyAllAccept(atom *types.TransactionAtom) error {
	rec, err := w.recordAt(atom.TransactionID, txpool.StageLocalAccepted)
	if err != nil {
		return err
	}
	ev := mergeEvidence(rec.Evidence, atom.Evidence)
	if !ev.AllAddressesJustified() {
		return noVote("transaction %s is missing accept evidence for some shard", atom.TransactionID)
	}
	if rec.Decision().IsAbort() || atom.Decision.IsAbort() {
		return noVote("transaction %s has an abort decision on the all-accept path", atom.TransactionID)
	}

	txRec, err := w.tx.GetTransaction(atom.TransactionID)
	if err != nil {
		return err
	}
	if txRec.Result == nil {
		return noVote("transaction %s reached AllAccept without an execution result", atom.TransactionID)
	}
	if err := w.applyDiff(atom.TransactionID, txRec.Result.Diff); err != nil {
		return err
	}
	commit := types.DecisionCommit
	txRec.FinalDecision = &commit
	w.cs.AddTransactionRecord(txRec)

	w.cs.AddPoolUpdate(state.PoolUpdate{
		TransactionID: atom.TransactionID,
		CurrentStage:  txpool.StageLocalAccepted,
		NextStage:     txpool.StageAllAccepted,
		Remove:        true,
		ReleaseLocks:  true,
	})
	return nil
}

func (w *blockWalker) applySomeAccept(atom *types.TransactionAtom) error {
	_, err := w.recordAt(atom.TransactionID, txpool.StageLocalAccepted)
	if err != nil {
		return err
	}
	if atom.Decision.IsCommit() {
		return noVote("transaction %s proposed SomeAccept with a commit decision", atom.TransactionID)
	}

	txRec, err := w.tx.GetTransaction(atom.TransactionID)
	if err != nil {
		return err
	}
	txRec.SetAbort("a shard group decided abort")
	w.cs.AddTransactionRecord(txRec)

	// local locks are released on commit; pledges from foreign blocks
	// that backed this transaction are voided afterwards
	_, pledgeBlocks, err := w.tx.FindPledgesForTransaction(atom.TransactionID)
	if err != nil {
		return err
	}
	for _, blockID := range pledgeBlocks {
		w.cs.AddVoidPledges(blockID)
	}

	w.cs.AddPoolUpdate(state.PoolUpdate{
		TransactionID: atom.TransactionID,
		CurrentStage:  txpool.StageLocalAccepted,
		NextStage:     txpool.StageSomeAccepted,
		Remove:        true,
		ReleaseLocks:  true,
	})
	return nil
}

//------------------------------------------------------------
// LocalOnly / ForeignProposal / Mint

func (w *blockWalker) applyLocalOnly(atom *types.TransactionAtom) error {
	rec, err := w.recordAt(atom.TransactionID, txpool.StageNew)
	if err != nil {
		return err
	}
	return w.prepare(rec, atom, true)
}

func (w *blockWalker) applyForeignProposal(blockID types.BlockID) error {
	ok, err := w.tx.HasBlock(blockID)
	if err != nil {
		return err
	}
	if !ok {
		return noVote("foreign block %s has not been processed here", blockID)
	}
	w.cs.AddForeignProposal(blockID)
	return nil
}

// applyMint brings up version 0 of a substate sourced from a base layer
// burn. The scanner upstream is trusted to have validated the burn proof.
func (w *blockWalker) applyMint(id types.SubstateId) error {
	addr := types.NewSubstateAddress(id, 0)
	if err := w.pending.PutUp(addr, []byte("{}"), types.TxID{}); err != nil {
		return noVote("mint %s: %v", addr, err)
	}
	w.cs.AddMint(id)
	return nil
}

//------------------------------------------------------------

func mergeEvidence(base, extra *types.Evidence) *types.Evidence {
	merged := types.NewEvidence()
	merged.Merge(base)
	merged.Merge(extra)
	return merged
}

// findInputPledge matches a declared requirement against the pledges
// absorbed from foreign proposals. A declared version must match the
// pledged version exactly.
func findInputPledge(pledged []types.SubstatePledge, req types.SubstateRequirement) (types.SubstateAddress, []byte, bool) {
	for _, pledge := range pledged {
		if !pledge.IsInput || !pledge.Address.Id.Equal(req.Id) {
			continue
		}
		if req.Version != nil && pledge.Address.Version != *req.Version {
			continue
		}
		return pledge.Address, pledge.Value, true
	}
	return types.SubstateAddress{}, nil, false
}
