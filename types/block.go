package types

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Block is one node of the hotstuff chain. A block whose parent equals its
// justify's block id is "direct"; the gap between a block and its justify
// is otherwise filled with dummy blocks so heights stay dense.
type Block struct {
	ChainID      string             `json:"chain_id"`
	Height       uint64             `json:"height"`
	Epoch        uint64             `json:"epoch"`
	Round        uint64             `json:"round"`
	Parent       BlockID            `json:"parent"`
	Proposer     Address            `json:"proposer"`
	Justify      *QuorumCertificate `json:"justify"`
	MerkleRoot   tmbytes.HexBytes   `json:"merkle_root"`
	Commands     []Command          `json:"commands"`
	ProposalTime time.Time          `json:"proposal_time"`
	Signature    tmbytes.HexBytes   `json:"signature"`
	Dummy        bool               `json:"dummy,omitempty"`

	mtx sync.Mutex
	id  *BlockID
}

func NewBlock(
	chainID string,
	height uint64,
	epoch uint64,
	round uint64,
	parent BlockID,
	proposer Address,
	justify *QuorumCertificate,
	commands []Command,
) *Block {
	b := &Block{
		ChainID:      chainID,
		Height:       height,
		Epoch:        epoch,
		Round:        round,
		Parent:       parent,
		Proposer:     proposer,
		Justify:      justify,
		Commands:     commands,
		ProposalTime: time.Now(),
	}
	b.MerkleRoot = b.computeMerkleRoot()
	return b
}

// NewDummyBlock fills one height after a leader timeout: same justify, no
// commands, no signature. Every honest replica synthesizes the identical
// dummy, so its id needs no proposer signature to agree.
func NewDummyBlock(chainID string, height uint64, epoch uint64, round uint64, parent BlockID, proposer Address, justify *QuorumCertificate) *Block {
	b := &Block{
		ChainID:  chainID,
		Height:   height,
		Epoch:    epoch,
		Round:    round,
		Parent:   parent,
		Proposer: proposer,
		Justify:  justify,
		Dummy:    true,
	}
	b.MerkleRoot = b.computeMerkleRoot()
	return b
}

// GenesisBlock is the virtual height-0 block every chain hangs off.
func GenesisBlock(chainID string, epoch uint64, sg ShardGroup) *Block {
	return &Block{
		ChainID: chainID,
		Height:  0,
		Epoch:   epoch,
		Justify: GenesisQC(sg),
		Dummy:   true,
	}
}

func (b *Block) computeMerkleRoot() tmbytes.HexBytes {
	leaves := make([][]byte, len(b.Commands))
	for i, cmd := range b.Commands {
		leaves[i] = cmd.Hash()
	}
	return merkle.HashFromByteSlices(leaves)
}

// ID hashes the header. Cached; blocks are immutable after construction.
func (b *Block) ID() BlockID {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.id != nil {
		return *b.id
	}
	if b.Height == 0 {
		// the genesis block id is all zeroes so the genesis QC and an
		// unset parent reference agree
		b.id = &BlockID{}
		return *b.id
	}
	var justifyID QCID
	if b.Justify != nil {
		justifyID = b.Justify.ID()
	}
	h := tmhash.New()
	h.Write([]byte(b.ChainID))
	h.Write([]byte(fmt.Sprintf("/%d/%d/%d/", b.Height, b.Epoch, b.Round)))
	h.Write(b.Parent.Bytes())
	h.Write(b.Proposer)
	h.Write(justifyID.Bytes())
	h.Write(b.MerkleRoot)
	if b.Dummy {
		h.Write([]byte("dummy"))
	}
	var id BlockID
	copy(id[:], h.Sum(nil))
	b.id = &id
	return id
}

// IsDirect reports whether this block directly extends the block its QC
// certifies. Only direct blocks advance the 3-chain.
func (b *Block) IsDirect() bool {
	return b.Justify != nil && b.Parent.Equal(b.Justify.BlockID)
}

func (b *Block) IsGenesis() bool { return b.Height == 0 }
func (b *Block) IsDummy() bool   { return b.Dummy }

// SignBytes is what the proposer signs. Dummy blocks are unsigned.
func (b *Block) SignBytes() []byte {
	id := b.ID()
	return id.Bytes()
}

func (b *Block) ValidateBasic() error {
	if b == nil {
		return errors.New("nil block")
	}
	if b.IsGenesis() {
		return nil
	}
	if b.Justify == nil {
		return errors.New("block has no justify qc")
	}
	if err := b.Justify.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid justify: %w", err)
	}
	if b.Height <= b.Justify.BlockHeight {
		return fmt.Errorf("block height %d not above justify height %d", b.Height, b.Justify.BlockHeight)
	}
	if b.Dummy {
		if len(b.Commands) != 0 {
			return errors.New("dummy block carries commands")
		}
		return nil
	}
	if len(b.Proposer) == 0 {
		return errors.New("block has no proposer")
	}
	if len(b.Signature) == 0 {
		return errors.New("block is not signed")
	}
	for i, cmd := range b.Commands {
		if err := cmd.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid command #%d: %w", i, err)
		}
		if cmd.Type == CommandEndEpoch && len(b.Commands) != 1 {
			return errors.New("EndEpoch must be the sole command of its block")
		}
	}
	if !bytes.Equal(b.MerkleRoot, b.computeMerkleRoot()) {
		return errors.New("merkle root does not match commands")
	}
	return nil
}

// TransactionIDs returns the ids referenced by the block's transaction
// commands, in command order.
func (b *Block) TransactionIDs() []TxID {
	var ids []TxID
	for _, cmd := range b.Commands {
		if cmd.Type.IsTransactionCommand() {
			ids = append(ids, cmd.Transaction.TransactionID)
		}
	}
	return ids
}

func (b *Block) String() string {
	kind := "block"
	if b.Dummy {
		kind = "dummy"
	}
	return fmt.Sprintf("Block{%s %s h=%d e=%d r=%d cmds=%d}", kind, b.ID(), b.Height, b.Epoch, b.Round, len(b.Commands))
}
