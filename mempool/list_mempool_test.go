package mempool

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	tmrand "github.com/tendermint/tendermint/libs/rand"

	"github.com/tari-project/tari-dan-sub001/types"
)

// recordingHandler stands in for the consensus core's transaction intake.
type recordingHandler struct {
	mtx      sync.Mutex
	received []*types.Transaction
	err      error
}

func (h *recordingHandler) handle(tx *types.Transaction) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.err != nil {
		return h.err
	}
	h.received = append(h.received, tx)
	return nil
}

func (h *recordingHandler) count() int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return len(h.received)
}

func newMempool(t *testing.T) (*ListMempool, *recordingHandler) {
	return newMempoolWithConfig(t, cfg.TestConfig().Mempool)
}

func newMempoolWithConfig(t *testing.T, config *cfg.MempoolConfig) (*ListMempool, *recordingHandler) {
	handler := &recordingHandler{}
	mem := NewListMempool(config, handler.handle)
	mem.SetLogger(log.TestingLogger())
	return mem, handler
}

func randTx() *types.Transaction {
	return &types.Transaction{
		Instructions:    tmrand.Bytes(20),
		SignerPublicKey: tmrand.Bytes(32),
		Signature:       tmrand.Bytes(64),
	}
}

func submitTxs(t *testing.T, mem *ListMempool, count int, peerID uint16) []*types.Transaction {
	txs := make([]*types.Transaction, count)
	for i := 0; i < count; i++ {
		txs[i] = randTx()
		require.NoError(t, mem.SubmitTransaction(txs[i], TxInfo{SenderID: peerID}))
	}
	return txs
}

func TestMempoolSubmit(t *testing.T) {
	mem, handler := newMempool(t)

	txs := submitTxs(t, mem, 10, UnknownPeerID)

	assert.Equal(t, 10, mem.Size())
	assert.Greater(t, mem.TxsBytes(), int64(0))
	assert.Equal(t, 10, handler.count())

	// arrival order is preserved for gossip
	i := 0
	for e := mem.TxsFront(); e != nil; e = e.Next() {
		assert.Equal(t, txs[i].ID(), e.Value.(*mempoolTx).tx.ID())
		i++
	}
	assert.Equal(t, 10, i)
}

func TestMempoolRejectsInvalid(t *testing.T) {
	mem, handler := newMempool(t)

	unsigned := &types.Transaction{Instructions: tmrand.Bytes(20)}
	require.Error(t, mem.SubmitTransaction(unsigned, TxInfo{}))
	assert.Zero(t, mem.Size())
	assert.Zero(t, handler.count())
}

func TestMempoolDedupes(t *testing.T) {
	mem, handler := newMempool(t)

	tx := randTx()
	require.NoError(t, mem.SubmitTransaction(tx, TxInfo{SenderID: UnknownPeerID}))
	require.ErrorIs(t, mem.SubmitTransaction(tx, TxInfo{SenderID: 7}), ErrTxInCache)

	assert.Equal(t, 1, mem.Size())
	assert.Equal(t, 1, handler.count())

	// the duplicate's sender was recorded so gossip will skip it
	memTx := mem.TxsFront().Value.(*mempoolTx)
	_, ok := memTx.senders.Load(uint16(7))
	assert.True(t, ok)
}

func TestMempoolHandlerError(t *testing.T) {
	mem, handler := newMempool(t)
	handler.err = errors.New("store unavailable")

	tx := randTx()
	require.Error(t, mem.SubmitTransaction(tx, TxInfo{}))
	assert.Zero(t, mem.Size())

	// a failed submission is evicted from the cache so it can be retried
	handler.err = nil
	require.NoError(t, mem.SubmitTransaction(tx, TxInfo{}))
	assert.Equal(t, 1, mem.Size())
}

func TestMempoolFull(t *testing.T) {
	config := cfg.TestConfig().Mempool
	config.Size = 2
	mem, _ := newMempoolWithConfig(t, config)

	submitTxs(t, mem, 2, UnknownPeerID)

	err := mem.SubmitTransaction(randTx(), TxInfo{})
	require.Error(t, err)
	var full ErrMempoolFull
	require.True(t, errors.As(err, &full))
	assert.Equal(t, 2, full.NumTxs)
}

func TestMempoolUpdateEvictsFinalized(t *testing.T) {
	mem, _ := newMempool(t)

	txs := submitTxs(t, mem, 3, UnknownPeerID)

	// a prepare command is mid-pipeline and must not evict
	mem.Update(&types.Block{Commands: []types.Command{
		types.NewTransactionCommand(types.CommandLocalPrepare, &types.TransactionAtom{TransactionID: txs[0].ID(), Decision: types.DecisionCommit}),
	}})
	assert.Equal(t, 3, mem.Size())

	mem.Update(&types.Block{Commands: []types.Command{
		types.NewTransactionCommand(types.CommandAllAccept, &types.TransactionAtom{TransactionID: txs[0].ID(), Decision: types.DecisionCommit}),
		types.NewTransactionCommand(types.CommandLocalOnly, &types.TransactionAtom{TransactionID: txs[2].ID(), Decision: types.DecisionCommit}),
	}})
	assert.Equal(t, 1, mem.Size())
	assert.Equal(t, txs[1].ID(), mem.TxsFront().Value.(*mempoolTx).tx.ID())
}

func TestMempoolFlush(t *testing.T) {
	mem, _ := newMempool(t)

	txs := submitTxs(t, mem, 5, UnknownPeerID)
	mem.Flush()

	assert.Zero(t, mem.Size())
	assert.Zero(t, mem.TxsBytes())

	// the cache is reset too, so a flushed transaction may be resubmitted
	require.NoError(t, mem.SubmitTransaction(txs[0], TxInfo{}))
	assert.Equal(t, 1, mem.Size())
}

func TestMapTxCacheEvictsOldest(t *testing.T) {
	cache := newMapTxCache(2)

	var a, b, c types.TxID
	copy(a[:], tmrand.Bytes(types.IDSize))
	copy(b[:], tmrand.Bytes(types.IDSize))
	copy(c[:], tmrand.Bytes(types.IDSize))

	require.True(t, cache.Push(a))
	require.True(t, cache.Push(b))
	require.False(t, cache.Push(a))

	// b is now the oldest entry, so pushing c evicts it
	require.True(t, cache.Push(c))
	assert.True(t, cache.Push(b))
}
