// Package state holds the execution collaborator and the per-block change
// set: everything a candidate block wants to do to the durable store,
// buffered until its 3-chain commits.
package state

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmjson "github.com/tendermint/tendermint/libs/json"

	"github.com/tari-project/tari-dan-sub001/types"
)

// ResolvedInput is a pledged input handed to the executor: the exact
// version, its value and the lock mode it was claimed under.
type ResolvedInput struct {
	Address types.SubstateAddress `json:"address"`
	Value   []byte                `json:"value"`
	Lock    types.LockMode        `json:"lock"`
}

// Executor runs a transaction against a fully materialized input set.
// Implementations must be deterministic: every honest replica executing
// the same transaction with the same inputs gets the same result.
type Executor interface {
	Execute(tx *types.Transaction, inputs []ResolvedInput) (*types.ExecuteResult, error)
}

//------------------------------------------------------------
// account executor

// AccountOp is one instruction of the built-in account engine.
type AccountOp struct {
	Op      string `json:"op"` // create | deposit | withdraw | transfer
	Account string `json:"account"`
	To      string `json:"to,omitempty"`
	Amount  int64  `json:"amount"`
}

type accountState struct {
	Balance int64 `json:"balance"`
}

// feePerOp is the flat fee charged per instruction.
const feePerOp = 1

// AccountExecutor is a deterministic balance engine over component
// substates. Each account is one substate; instruction payloads are a
// JSON op list.
type AccountExecutor struct{}

var _ Executor = AccountExecutor{}

func NewAccountExecutor() AccountExecutor { return AccountExecutor{} }

// AccountSubstateId derives the substate id for an account name.
func AccountSubstateId(name string) types.SubstateId {
	return types.NewSubstateId(types.SubstateComponent, tmhash.Sum([]byte("account/"+name)))
}

func (AccountExecutor) Execute(tx *types.Transaction, inputs []ResolvedInput) (*types.ExecuteResult, error) {
	var ops []AccountOp
	if err := tmjson.Unmarshal(tx.Instructions, &ops); err != nil {
		return types.NewAbortResult(fmt.Sprintf("malformed instructions: %v", err)), nil
	}

	// working balances keyed by substate id, seeded from the pledged
	// inputs
	balances := map[string]int64{}
	touched := map[string]bool{}
	for _, input := range inputs {
		var acc accountState
		if err := tmjson.Unmarshal(input.Value, &acc); err != nil {
			return types.NewAbortResult(fmt.Sprintf("corrupt account substate %s: %v", input.Address, err)), nil
		}
		balances[input.Address.Id.MapKey()] = acc.Balance
	}

	created := map[string]types.SubstateId{}
	var createdOrder []string
	for i, op := range ops {
		id := AccountSubstateId(op.Account)
		key := id.MapKey()
		switch op.Op {
		case "create":
			if _, ok := balances[key]; ok {
				return types.NewAbortResult(fmt.Sprintf("op %d: account %q already exists", i, op.Account)), nil
			}
			balances[key] = op.Amount
			created[key] = id
			createdOrder = append(createdOrder, key)
			touched[key] = true
		case "deposit":
			if _, ok := balances[key]; !ok {
				return types.NewAbortResult(fmt.Sprintf("op %d: unknown account %q", i, op.Account)), nil
			}
			balances[key] += op.Amount
			touched[key] = true
		case "withdraw":
			bal, ok := balances[key]
			if !ok {
				return types.NewAbortResult(fmt.Sprintf("op %d: unknown account %q", i, op.Account)), nil
			}
			if bal < op.Amount {
				return types.NewAbortResult(fmt.Sprintf("op %d: insufficient balance in %q", i, op.Account)), nil
			}
			balances[key] -= op.Amount
			touched[key] = true
		case "transfer":
			toID := AccountSubstateId(op.To)
			toKey := toID.MapKey()
			bal, ok := balances[key]
			if !ok {
				return types.NewAbortResult(fmt.Sprintf("op %d: unknown account %q", i, op.Account)), nil
			}
			if _, ok := balances[toKey]; !ok {
				return types.NewAbortResult(fmt.Sprintf("op %d: unknown account %q", i, op.To)), nil
			}
			if bal < op.Amount {
				return types.NewAbortResult(fmt.Sprintf("op %d: insufficient balance in %q", i, op.Account)), nil
			}
			balances[key] -= op.Amount
			balances[toKey] += op.Amount
			touched[key] = true
			touched[toKey] = true
		default:
			return types.NewAbortResult(fmt.Sprintf("op %d: unknown op %q", i, op.Op)), nil
		}
	}

	diff := &types.SubstateDiff{}
	// consume every touched writable input and bring up the next
	// version; created accounts come up at version 0
	for _, input := range inputs {
		key := input.Address.Id.MapKey()
		if !touched[key] || input.Lock != types.LockWrite {
			continue
		}
		value, err := tmjson.Marshal(accountState{Balance: balances[key]})
		if err != nil {
			return nil, errors.Wrap(err, "marshal account state")
		}
		diff.Down = append(diff.Down, input.Address)
		diff.Up = append(diff.Up, types.UpSubstate{
			Id:      input.Address.Id,
			Version: input.Address.Version + 1,
			Value:   value,
		})
	}
	for _, key := range createdOrder {
		value, err := tmjson.Marshal(accountState{Balance: balances[key]})
		if err != nil {
			return nil, errors.Wrap(err, "marshal account state")
		}
		diff.Up = append(diff.Up, types.UpSubstate{Id: created[key], Version: 0, Value: value})
	}

	return &types.ExecuteResult{
		Decision: types.DecisionCommit,
		Diff:     diff,
		FeeCost:  uint64(len(ops)) * feePerOp,
	}, nil
}
