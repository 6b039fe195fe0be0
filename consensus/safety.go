package consensus

import (
	cstypes "github.com/tari-project/tari-dan-sub001/consensus/types"
	"github.com/tari-project/tari-dan-sub001/epoch"
	"github.com/tari-project/tari-dan-sub001/storage"
	"github.com/tari-project/tari-dan-sub001/types"
)

// verifyProposal checks everything about a proposed block that does not
// require the local chain: structure, epoch, leader schedule, proposer
// signature and the justify certificate.
func verifyProposal(block *types.Block, chainID string, epochs epoch.Manager) error {
	if err := block.ValidateBasic(); err != nil {
		return proposalErr(JustifyBlockInvalid, block.ID(), "invalid block: %v", err)
	}
	if block.IsDummy() {
		// dummies are synthesized locally, never received
		return proposalErr(JustifyBlockInvalid, block.ID(), "received a dummy block")
	}
	if block.Epoch != epochs.CurrentEpoch() {
		return proposalErr(JustifyBlockInvalid, block.ID(),
			"block epoch %d, local epoch %d", block.Epoch, epochs.CurrentEpoch())
	}

	leader, err := epochs.Leader(block.Height, block.Round)
	if err != nil {
		return err
	}
	if !types.AddressesEqual(leader.Address, block.Proposer) {
		return proposalErr(NotLeader, block.ID(),
			"proposed by %s, leader for height %d round %d is %s",
			block.Proposer, block.Height, block.Round, leader.Address)
	}
	if !leader.PubKey.VerifySignature(block.SignBytes(), block.Signature) {
		return proposalErr(NodeHashMismatch, block.ID(), "bad proposer signature")
	}

	if !block.Justify.IsGenesis() {
		vals, err := epochs.Committee(block.Justify.ShardGroup)
		if err != nil {
			return err
		}
		if err := vals.VerifyQuorumCertificate(chainID, block.Justify); err != nil {
			return proposalErr(QuorumNotReached, block.ID(), "invalid justify: %v", err)
		}
	}
	return nil
}

// checkAncestry connects the block to its justify. A direct block must
// name the justified block as its parent; an indirect one must sit on a
// chain of dummy blocks that every honest replica synthesizes
// identically, so the dummies are derived here rather than received.
// The dummies are saved so later blocks can walk through them.
func checkAncestry(tx *storage.Tx, epochs epoch.Manager, block *types.Block) error {
	var (
		justified *types.Block
		err       error
	)
	if block.Justify.IsGenesis() {
		// the genesis qc has no block id; it certifies the committed
		// height-0 block
		justified, err = tx.GetCommittedBlock(0)
		if err != nil {
			return err
		}
	} else {
		justified, err = tx.GetBlock(block.Justify.BlockID)
		if err != nil {
			if storage.IsNotFound(err) {
				_, leafHeight, lerr := tx.GetLeafBlock()
				if lerr != nil {
					return lerr
				}
				return ErrNeedsSync{LocalHeight: leafHeight, RemoteHeight: block.Justify.BlockHeight}
			}
			return err
		}
	}

	if block.Height == justified.Height+1 {
		if !block.Parent.Equal(justified.ID()) {
			return proposalErr(CandidateBlockDoesNotExtendJustify, block.ID(),
				"direct block parent %s != justified block %s", block.Parent, justified.ID())
		}
		return nil
	}

	dummies, err := synthesizeDummyChain(epochs, block.ChainID, justified, block.Justify, block.Height, block.Round)
	if err != nil {
		return err
	}
	if len(dummies) == 0 || !dummies[len(dummies)-1].ID().Equal(block.Parent) {
		return proposalErr(CandidateBlockDoesNotExtendJustify, block.ID(),
			"parent %s does not match the synthesized dummy chain from %s",
			block.Parent, block.Justify.BlockID)
	}
	for _, dummy := range dummies {
		if err := tx.SaveBlock(dummy); err != nil {
			return err
		}
	}
	return nil
}

// synthesizeDummyChain builds the empty blocks covering the heights
// skipped between a justified block and targetHeight. Every replica runs
// the same leader schedule, so the chain is identical everywhere without
// any network traffic.
func synthesizeDummyChain(
	epochs epoch.Manager,
	chainID string,
	justified *types.Block,
	justify *types.QuorumCertificate,
	targetHeight uint64,
	round uint64,
) ([]*types.Block, error) {
	var dummies []*types.Block
	parent := justified.ID()
	for h := justified.Height + 1; h < targetHeight; h++ {
		leader, err := epochs.Leader(h, round)
		if err != nil {
			return nil, err
		}
		dummy := types.NewDummyBlock(chainID, h, justify.Epoch, round, parent, leader.Address, justify)
		dummies = append(dummies, dummy)
		parent = dummy.ID()
	}
	return dummies, nil
}

// safeNode is the hotstuff voting rule: never vote twice at a height,
// and only vote for blocks that either extend the locked block or carry
// a justify newer than the lock.
func safeNode(tx *storage.Tx, rs *cstypes.RoundState, block *types.Block) (bool, error) {
	if block.Height <= rs.LastVoted {
		return false, nil
	}
	extends, err := extendsBlock(tx, block, rs.LockedBlock, rs.LockedHeight)
	if err != nil {
		return false, err
	}
	if extends {
		return true, nil
	}
	return block.Justify.BlockHeight > rs.LockedHeight, nil
}

// extendsBlock walks parent links from block down to ancestorHeight and
// reports whether it lands on ancestorID.
func extendsBlock(tx *storage.Tx, block *types.Block, ancestorID types.BlockID, ancestorHeight uint64) (bool, error) {
	cur := block
	for cur.Height > ancestorHeight {
		if cur.Height == ancestorHeight+1 {
			return cur.Parent.Equal(ancestorID), nil
		}
		parent, err := tx.GetBlock(cur.Parent)
		if err != nil {
			if storage.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		cur = parent
	}
	return cur.ID().Equal(ancestorID), nil
}

// processJustify folds a block's justify into the round state: raise the
// high qc, advance the lock on a 2-chain and return the block whose
// 3-chain just closed, or nil. Both chain links must be direct parent
// links for the commit to fire.
func processJustify(tx *storage.Tx, rs *cstypes.RoundState, block *types.Block) (*types.Block, error) {
	justify := block.Justify
	if justify.IsGenesis() {
		return nil, nil
	}

	if rs.HighQC == nil || justify.BlockHeight > rs.HighQC.BlockHeight {
		if err := tx.SetHighQC(justify); err != nil {
			return nil, err
		}
		rs.HighQC = justify
	}

	precommit, err := tx.GetBlock(justify.BlockID) // b''
	if err != nil {
		return nil, err
	}
	if precommit.Justify.IsGenesis() {
		return nil, nil
	}
	prepare, err := tx.GetBlock(precommit.Justify.BlockID) // b'
	if err != nil {
		return nil, err
	}

	if prepare.Height > rs.LockedHeight {
		if err := tx.SetLockedBlock(prepare.ID(), prepare.Height); err != nil {
			return nil, err
		}
		rs.LockedBlock = prepare.ID()
		rs.LockedHeight = prepare.Height
	}

	if prepare.Justify.IsGenesis() {
		return nil, nil
	}
	decide, err := tx.GetBlock(prepare.Justify.BlockID) // b
	if err != nil {
		return nil, err
	}

	if !precommit.Parent.Equal(prepare.ID()) || !prepare.Parent.Equal(decide.ID()) {
		// chain broken by dummies, commit waits for the next direct link
		return nil, nil
	}
	if decide.Height <= rs.LastExecutedHeight {
		return nil, nil
	}
	return decide, nil
}

// uncommittedAncestry lists target and its uncommitted ancestors, oldest
// first, stopping at the last executed block. A walk that bottoms out on
// a different block than the executed anchor means the chains diverged
// below a committed height.
func uncommittedAncestry(tx *storage.Tx, rs *cstypes.RoundState, target *types.Block) ([]*types.Block, error) {
	var chain []*types.Block
	cur := target
	for cur.Height > rs.LastExecutedHeight {
		chain = append(chain, cur)
		if cur.Height == rs.LastExecutedHeight+1 {
			if !cur.Parent.Equal(rs.LastExecuted) && !rs.LastExecuted.IsZero() {
				return nil, ErrForkDetected{
					CommittedID: rs.LastExecuted,
					ForkID:      cur.Parent,
					Height:      rs.LastExecutedHeight,
				}
			}
			break
		}
		parent, err := tx.GetBlock(cur.Parent)
		if err != nil {
			return nil, err
		}
		cur = parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
