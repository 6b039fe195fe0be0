package types

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

// Decision is the binary outcome for a transaction.
type Decision byte

const (
	DecisionCommit Decision = iota + 1
	DecisionAbort
)

func (d Decision) String() string {
	switch d {
	case DecisionCommit:
		return "Commit"
	case DecisionAbort:
		return "Abort"
	default:
		return fmt.Sprintf("Decision(%d)", byte(d))
	}
}

func (d Decision) IsCommit() bool { return d == DecisionCommit }
func (d Decision) IsAbort() bool  { return d == DecisionAbort }

// And merges two decisions: any abort wins.
func (d Decision) And(other Decision) Decision {
	if d.IsAbort() || other.IsAbort() {
		return DecisionAbort
	}
	return DecisionCommit
}

// Transaction is the unit of work submitted by clients. The consensus core
// treats the instruction payloads as opaque; only the declared inputs and
// the id matter here.
type Transaction struct {
	FeeInstructions tmbytes.HexBytes      `json:"fee_instructions"`
	Instructions    tmbytes.HexBytes      `json:"instructions"`
	Inputs          []SubstateRequirement `json:"inputs"`
	InputRefs       []SubstateRequirement `json:"input_refs"`
	FilledInputs    []SubstateAddress     `json:"filled_inputs"`
	SignerPublicKey tmbytes.HexBytes      `json:"signer_public_key"`
	Signature       tmbytes.HexBytes      `json:"signature"`

	mtx sync.Mutex
	id  *TxID
}

// ID returns the content hash of the transaction. Cached after the first
// call; a transaction is immutable once submitted.
func (tx *Transaction) ID() TxID {
	tx.mtx.Lock()
	defer tx.mtx.Unlock()

	if tx.id != nil {
		return *tx.id
	}
	h := tmhash.New()
	h.Write(tx.FeeInstructions)
	h.Write(tx.Instructions)
	for _, in := range tx.Inputs {
		h.Write(requirementBytes(in))
	}
	for _, ref := range tx.InputRefs {
		h.Write(requirementBytes(ref))
	}
	for _, filled := range tx.FilledInputs {
		h.Write([]byte(filled.String()))
	}
	h.Write(tx.SignerPublicKey)
	var id TxID
	copy(id[:], h.Sum(nil))
	tx.id = &id
	return id
}

func requirementBytes(r SubstateRequirement) []byte {
	return []byte(r.String())
}

// AllInputs returns declared inputs plus refs plus filled inputs as
// requirements, in declaration order.
func (tx *Transaction) AllInputs() []SubstateRequirement {
	out := make([]SubstateRequirement, 0, len(tx.Inputs)+len(tx.InputRefs)+len(tx.FilledInputs))
	out = append(out, tx.Inputs...)
	out = append(out, tx.InputRefs...)
	for _, filled := range tx.FilledInputs {
		v := filled.Version
		out = append(out, SubstateRequirement{Id: filled.Id, Version: &v})
	}
	return out
}

func (tx *Transaction) ValidateBasic() error {
	if len(tx.Instructions) == 0 && len(tx.FeeInstructions) == 0 {
		return errors.New("transaction has no instructions")
	}
	if len(tx.Signature) == 0 {
		return errors.New("transaction is not signed")
	}
	for _, in := range tx.Inputs {
		if err := in.Id.ValidateBasic(); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Transaction) String() string {
	return fmt.Sprintf("Transaction{%s, %d inputs}", tx.ID(), len(tx.Inputs))
}

// UpSubstate is one substate produced by a committed transaction.
type UpSubstate struct {
	Id      SubstateId       `json:"id"`
	Version uint32           `json:"version"`
	Value   tmbytes.HexBytes `json:"value"`
}

// SubstateDiff is the executor's output: substates to bring up and
// addresses to take down, owner-agnostic.
type SubstateDiff struct {
	Up   []UpSubstate      `json:"up"`
	Down []SubstateAddress `json:"down"`
}

func (d *SubstateDiff) IsEmpty() bool {
	return d == nil || (len(d.Up) == 0 && len(d.Down) == 0)
}

// ExecuteResult is the outcome of running a transaction against a fully
// materialized pledge set. Deterministic across replicas by contract.
type ExecuteResult struct {
	Decision     Decision      `json:"decision"`
	Diff         *SubstateDiff `json:"diff,omitempty"`
	RejectReason string        `json:"reject_reason,omitempty"`
	FeeCost      uint64        `json:"fee_cost"`
}

func NewAbortResult(reason string) *ExecuteResult {
	return &ExecuteResult{Decision: DecisionAbort, RejectReason: reason}
}

// TransactionRecord wraps a transaction with everything the local committee
// has learned about it.
type TransactionRecord struct {
	Transaction   *Transaction   `json:"transaction"`
	Result        *ExecuteResult `json:"result,omitempty"`
	FinalDecision *Decision      `json:"final_decision,omitempty"`
	AbortDetails  string         `json:"abort_details,omitempty"`
}

func NewTransactionRecord(tx *Transaction) *TransactionRecord {
	return &TransactionRecord{Transaction: tx}
}

func (rec *TransactionRecord) ID() TxID {
	return rec.Transaction.ID()
}

func (rec *TransactionRecord) IsFinalized() bool {
	return rec.FinalDecision != nil
}

// SetAbort forces the final decision to Abort, recording why. A remote
// abort overrides a local commit, never the other way around.
func (rec *TransactionRecord) SetAbort(details string) {
	abort := DecisionAbort
	rec.FinalDecision = &abort
	if rec.AbortDetails == "" {
		rec.AbortDetails = details
	}
}

func (rec *TransactionRecord) MarshalJSONString() string {
	bz, _ := tmjson.Marshal(rec)
	return string(bz)
}
