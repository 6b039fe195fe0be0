package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	tmrand "github.com/tendermint/tendermint/libs/rand"
	tmdb "github.com/tendermint/tm-db"

	cstypes "github.com/tari-project/tari-dan-sub001/consensus/types"
	"github.com/tari-project/tari-dan-sub001/epoch"
	"github.com/tari-project/tari-dan-sub001/state"
	"github.com/tari-project/tari-dan-sub001/storage"
	"github.com/tari-project/tari-dan-sub001/txpool"
	"github.com/tari-project/tari-dan-sub001/types"
)

const testChainID = "consensus-test-chain"

func randTxID() types.TxID {
	id, _ := types.TxIDFromBytes(tmhash.Sum(tmrand.Bytes(16)))
	return id
}

// testEnv wires a store, pool, epoch manager and executor for one
// replica. The local validator is always the first member of the first
// committee.
type testEnv struct {
	t         *testing.T
	store     *storage.Store
	pool      *txpool.Pool
	epochs    *epoch.StaticManager
	exec      state.Executor
	committer *state.Committer
	genDoc    *types.GenesisDoc

	// privVals[i] holds the private validators of committee i, in
	// genesis order
	privVals [][]types.PrivValidator
	logger   log.Logger
}

func newTestEnv(t *testing.T, committees, perCommittee int) *testEnv {
	t.Helper()

	groups := types.SplitShardSpace(committees)
	genDoc := &types.GenesisDoc{
		ChainID:      testChainID,
		InitialEpoch: 1,
	}
	privVals := make([][]types.PrivValidator, committees)
	for i, sg := range groups {
		committee := types.GenesisCommittee{ShardGroup: sg}
		for j := 0; j < perCommittee; j++ {
			val, pv := types.RandValidator()
			committee.Validators = append(committee.Validators, types.GenesisValidator{
				Address: val.Address,
				PubKey:  val.PubKey,
			})
			privVals[i] = append(privVals[i], pv)
		}
		genDoc.Committees = append(genDoc.Committees, committee)
	}
	require.NoError(t, genDoc.ValidateAndComplete())

	pubKey, err := privVals[0][0].GetPubKey()
	require.NoError(t, err)
	epochs, err := epoch.NewStaticManager(genDoc, pubKey.Address())
	require.NoError(t, err)

	logger := log.TestingLogger()
	store := storage.NewStore(tmdb.NewMemDB(), logger)
	require.NoError(t, Bootstrap(store, testChainID, 1, epochs.LocalShardGroup()))

	pool := txpool.NewPool(store, logger)
	require.NoError(t, pool.Load())

	return &testEnv{
		t:         t,
		store:     store,
		pool:      pool,
		epochs:    epochs,
		exec:      state.NewAccountExecutor(),
		committer: state.NewCommitter(store, pool, logger),
		genDoc:    genDoc,
		privVals:  privVals,
		logger:    logger,
	}
}

func (env *testEnv) genesisBlock() *types.Block {
	return types.GenesisBlock(testChainID, 1, env.epochs.LocalShardGroup())
}

// seedAccount plants a committed account substate.
func (env *testEnv) seedAccount(name string, version uint32, balance int64) types.SubstateAddress {
	env.t.Helper()
	value, err := tmjson.Marshal(struct {
		Balance int64 `json:"balance"`
	}{balance})
	require.NoError(env.t, err)

	addr := types.NewSubstateAddress(state.AccountSubstateId(name), version)
	require.NoError(env.t, env.store.WithWriteTx(func(tx *storage.Tx) error {
		return tx.PutSubstateUp(&types.SubstateRecord{
			Address:   addr,
			Value:     value,
			CreatedBy: randTxID(),
		})
	}))
	return addr
}

func accountReq(name string) types.SubstateRequirement {
	return types.SubstateRequirement{Id: state.AccountSubstateId(name)}
}

// addTransaction stores a transaction and inserts it into the pool at
// stage New.
func (env *testEnv) addTransaction(ops []state.AccountOp, inputs ...types.SubstateRequirement) *types.Transaction {
	env.t.Helper()
	bz, err := tmjson.Marshal(ops)
	require.NoError(env.t, err)

	transaction := &types.Transaction{
		Instructions: bz,
		Inputs:       inputs,
		Signature:    []byte("sig"),
	}
	require.NoError(env.t, env.store.WithWriteTx(func(tx *storage.Tx) error {
		if err := tx.SaveTransaction(types.NewTransactionRecord(transaction)); err != nil {
			return err
		}
		_, err := env.pool.Insert(tx, transaction.ID())
		return err
	}))
	return transaction
}

// proposeOn builds a signed block extending parent with the given
// commands, using the scheduled leader of committee 0.
func (env *testEnv) proposeOn(parent *types.Block, justify *types.QuorumCertificate, height uint64, commands ...types.Command) *types.Block {
	env.t.Helper()
	leader, err := env.epochs.Leader(height, 0)
	require.NoError(env.t, err)
	block := types.NewBlock(testChainID, height, 1, 0, parent.ID(), leader.Address, justify, commands)
	require.NoError(env.t, env.leaderPV(leader.Address).SignBlock(testChainID, block))
	return block
}

func (env *testEnv) leaderPV(addr types.Address) types.PrivValidator {
	env.t.Helper()
	for _, committee := range env.privVals {
		for _, pv := range committee {
			pubKey, err := pv.GetPubKey()
			require.NoError(env.t, err)
			if types.AddressesEqual(types.GetAddress(pubKey), addr) {
				return pv
			}
		}
	}
	env.t.Fatalf("no private validator for %s", addr)
	return nil
}

// makeQC aggregates real votes from every member of a committee.
func (env *testEnv) makeQC(committee int, block *types.Block, decision types.QuorumDecision) *types.QuorumCertificate {
	env.t.Helper()
	sg := env.genDoc.Committees[committee].ShardGroup
	vals, err := env.epochs.Committee(sg)
	require.NoError(env.t, err)

	vs := cstypes.MakeVoteSet()
	for _, pv := range env.privVals[committee] {
		pubKey, err := pv.GetPubKey()
		require.NoError(env.t, err)
		idx, _ := vals.GetByAddress(pubKey.Address())
		require.GreaterOrEqual(env.t, idx, int32(0))

		vote := &types.Vote{
			Epoch:            block.Epoch,
			Height:           block.Height,
			BlockID:          block.ID(),
			Decision:         decision,
			Timestamp:        time.Now(),
			ValidatorAddress: pubKey.Address(),
			ValidatorIndex:   idx,
		}
		require.NoError(env.t, pv.SignVote(testChainID, vote))
		_, err = vs.AddVote(vote)
		require.NoError(env.t, err)
	}

	qc, err := vs.TryAggregate(vals, sg, block.ID(), decision)
	require.NoError(env.t, err)
	require.NotNil(env.t, qc)
	return qc
}

// walkAndSave runs the block walker and persists the block plus its
// change set, mirroring the vote path without the vote.
func (env *testEnv) walkAndSave(block *types.Block) *state.ChangeSet {
	env.t.Helper()
	var cs *state.ChangeSet
	require.NoError(env.t, env.store.WithWriteTx(func(tx *storage.Tx) error {
		walker := newBlockWalker(tx, env.pool, env.epochs, env.exec, block, env.logger)
		var err error
		cs, err = walker.Walk()
		if err != nil {
			return err
		}
		if err := tx.SaveBlock(block); err != nil {
			return err
		}
		return cs.Save(tx)
	}))
	return cs
}

// commit applies a walked block's change set as the commit path would.
func (env *testEnv) commit(block *types.Block, cs *state.ChangeSet) {
	env.t.Helper()
	require.NoError(env.t, env.store.WithWriteTx(func(tx *storage.Tx) error {
		return env.committer.CommitBlock(tx, block, cs)
	}))
}
