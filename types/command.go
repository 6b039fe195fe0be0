package types

import (
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto/tmhash"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

// CommandType tags the closed set of block commands.
type CommandType byte

const (
	CommandPrepare CommandType = iota + 1
	CommandLocalPrepare
	CommandAllPrepare
	CommandSomePrepare
	CommandLocalAccept
	CommandAllAccept
	CommandSomeAccept
	CommandLocalOnly
	CommandForeignProposal
	CommandMintConfidentialOutput
	CommandEndEpoch
)

func (t CommandType) String() string {
	switch t {
	case CommandPrepare:
		return "Prepare"
	case CommandLocalPrepare:
		return "LocalPrepare"
	case CommandAllPrepare:
		return "AllPrepare"
	case CommandSomePrepare:
		return "SomePrepare"
	case CommandLocalAccept:
		return "LocalAccept"
	case CommandAllAccept:
		return "AllAccept"
	case CommandSomeAccept:
		return "SomeAccept"
	case CommandLocalOnly:
		return "LocalOnly"
	case CommandForeignProposal:
		return "ForeignProposal"
	case CommandMintConfidentialOutput:
		return "MintConfidentialOutput"
	case CommandEndEpoch:
		return "EndEpoch"
	default:
		return fmt.Sprintf("CommandType(%d)", byte(t))
	}
}

func (t CommandType) Valid() bool {
	return t >= CommandPrepare && t <= CommandEndEpoch
}

// IsTransactionCommand reports whether commands of this type carry a
// transaction atom.
func (t CommandType) IsTransactionCommand() bool {
	return t >= CommandPrepare && t <= CommandLocalOnly
}

// IsAccept reports whether committing a command of this type finalizes the
// transaction (either way).
func (t CommandType) IsFinalizing() bool {
	return t == CommandAllAccept || t == CommandSomeAccept || t == CommandLocalOnly
}

// IsPrepareFamily reports whether the command belongs to the prepare half
// of the pipeline; its justify QC then witnesses the shard's prepare.
func (t CommandType) IsPrepareFamily() bool {
	switch t {
	case CommandPrepare, CommandLocalPrepare, CommandAllPrepare, CommandSomePrepare:
		return true
	}
	return false
}

// IsAcceptFamily is the accept-half counterpart of IsPrepareFamily.
func (t CommandType) IsAcceptFamily() bool {
	switch t {
	case CommandLocalAccept, CommandAllAccept, CommandSomeAccept, CommandLocalOnly:
		return true
	}
	return false
}

// TransactionAtom is the per-transaction payload of a command: enough for
// a foreign committee to merge evidence without fetching the transaction.
type TransactionAtom struct {
	TransactionID TxID      `json:"transaction_id"`
	Decision      Decision  `json:"decision"`
	Evidence      *Evidence `json:"evidence"`
	Fee           uint64    `json:"fee"`
}

func (a *TransactionAtom) ValidateBasic() error {
	if a == nil {
		return errors.New("nil transaction atom")
	}
	if a.TransactionID.IsZero() {
		return errors.New("transaction atom has no transaction id")
	}
	if a.Decision != DecisionCommit && a.Decision != DecisionAbort {
		return fmt.Errorf("transaction atom has invalid decision %d", a.Decision)
	}
	return nil
}

func (a *TransactionAtom) Copy() *TransactionAtom {
	if a == nil {
		return nil
	}
	return &TransactionAtom{
		TransactionID: a.TransactionID,
		Decision:      a.Decision,
		Evidence:      a.Evidence.Copy(),
		Fee:           a.Fee,
	}
}

// Command is a tagged union. Exactly one payload field is set, determined
// by Type.
type Command struct {
	Type            CommandType      `json:"type"`
	Transaction     *TransactionAtom `json:"transaction,omitempty"`
	ForeignProposal *BlockID         `json:"foreign_proposal,omitempty"`
	MintedOutput    *SubstateId      `json:"minted_output,omitempty"`
}

func NewTransactionCommand(t CommandType, atom *TransactionAtom) Command {
	return Command{Type: t, Transaction: atom}
}

func NewForeignProposalCommand(blockID BlockID) Command {
	return Command{Type: CommandForeignProposal, ForeignProposal: &blockID}
}

func NewMintConfidentialOutputCommand(id SubstateId) Command {
	return Command{Type: CommandMintConfidentialOutput, MintedOutput: &id}
}

func NewEndEpochCommand() Command {
	return Command{Type: CommandEndEpoch}
}

func (c Command) ValidateBasic() error {
	if !c.Type.Valid() {
		return fmt.Errorf("unknown command type %d", byte(c.Type))
	}
	switch {
	case c.Type.IsTransactionCommand():
		return c.Transaction.ValidateBasic()
	case c.Type == CommandForeignProposal:
		if c.ForeignProposal == nil || c.ForeignProposal.IsZero() {
			return errors.New("foreign proposal command has no block id")
		}
	case c.Type == CommandMintConfidentialOutput:
		if c.MintedOutput == nil {
			return errors.New("mint command has no substate id")
		}
		return c.MintedOutput.ValidateBasic()
	}
	return nil
}

func (c Command) String() string {
	switch {
	case c.Type.IsTransactionCommand():
		return fmt.Sprintf("%s(%s)", c.Type, c.Transaction.TransactionID)
	case c.Type == CommandForeignProposal:
		return fmt.Sprintf("ForeignProposal(%s)", c.ForeignProposal)
	case c.Type == CommandMintConfidentialOutput:
		return fmt.Sprintf("MintConfidentialOutput(%s)", c.MintedOutput)
	default:
		return c.Type.String()
	}
}

// Hash is the leaf value for the block's command merkle root.
func (c Command) Hash() []byte {
	bz, err := tmjson.Marshal(c)
	if err != nil {
		panic(err)
	}
	return tmhash.Sum(bz)
}
