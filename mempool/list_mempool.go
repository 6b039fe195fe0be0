package mempool

import (
	"container/list"
	"sync"
	"sync/atomic"

	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/clist"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/tari-project/tari-dan-sub001/types"
)

// TransactionHandler delivers an admitted transaction to the consensus
// core. It persists the transaction and admits it to the stage pool.
type TransactionHandler func(*types.Transaction) error

// ListMempool keeps admitted transactions on a concurrent linked list in
// arrival order for peer gossip. Settlement ordering happens in the stage
// pool, not here; an entry leaves the list when a committed block
// finalizes its transaction.
type ListMempool struct {
	txsBytes int64 // total payload size, atomic

	config *cfg.MempoolConfig

	updateMtx sync.RWMutex
	preCheck  PreCheckFunc

	handler TransactionHandler

	txs    *clist.CList
	txsMap sync.Map // types.TxID -> *clist.CElement

	// Keep a cache of already-seen txs so gossiped duplicates never reach
	// the handler twice.
	cache txCache

	metrics *Metric
	logger  log.Logger
}

var _ Mempool = (*ListMempool)(nil)

type ListMempoolOption func(*ListMempool)

// SetPreCheck rejects transactions before they are handed to consensus.
func SetPreCheck(precheck PreCheckFunc) ListMempoolOption {
	return func(mem *ListMempool) {
		mem.preCheck = precheck
	}
}

func NewListMempool(config *cfg.MempoolConfig, handler TransactionHandler, options ...ListMempoolOption) *ListMempool {
	mem := &ListMempool{
		config:  config,
		handler: handler,
		txs:     clist.New(),
		metrics: NewMetric(),
		logger:  log.NewNopLogger(),
	}

	if config.CacheSize > 0 {
		mem.cache = newMapTxCache(config.CacheSize)
	} else {
		mem.cache = nopTxCache{}
	}

	for _, option := range options {
		option(mem)
	}

	return mem
}

func (mem *ListMempool) SetLogger(logger log.Logger) {
	mem.logger = logger
}

// Metrics returns the mempool's counter bundle for the node metric set.
func (mem *ListMempool) Metrics() *Metric {
	return mem.metrics
}

// SubmitTransaction implements Mempool.
func (mem *ListMempool) SubmitTransaction(tx *types.Transaction, txInfo TxInfo) error {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	if err := tx.ValidateBasic(); err != nil {
		return err
	}
	if mem.preCheck != nil {
		if err := mem.preCheck(tx); err != nil {
			return err
		}
	}

	txID := tx.ID()
	if !mem.cache.Push(txID) {
		// Record the new sender so gossip does not echo the transaction
		// back to it.
		if e, ok := mem.txsMap.Load(txID); ok {
			memTx := e.(*clist.CElement).Value.(*mempoolTx)
			memTx.senders.LoadOrStore(txInfo.SenderID, struct{}{})
		}
		return ErrTxInCache
	}

	if mem.txs.Len() >= mem.config.Size {
		mem.cache.Remove(txID)
		return ErrMempoolFull{NumTxs: mem.txs.Len(), MaxTxs: mem.config.Size}
	}

	bz, err := tmjson.Marshal(tx)
	if err != nil {
		mem.cache.Remove(txID)
		return err
	}

	if err := mem.handler(tx); err != nil {
		mem.cache.Remove(txID)
		return err
	}

	memTx := &mempoolTx{tx: tx, bz: bz}
	memTx.senders.Store(txInfo.SenderID, struct{}{})
	mem.addTx(memTx)

	mem.logger.Debug("added transaction", "tx", txID, "peer", txInfo.SenderP2PID, "size", mem.txs.Len())
	return nil
}

// Update implements Mempool. Entries leave the gossip list once a committed
// block finalizes their transaction; until then peers keep receiving them.
func (mem *ListMempool) Update(block *types.Block) {
	mem.updateMtx.Lock()
	defer mem.updateMtx.Unlock()

	for _, cmd := range block.Commands {
		if !cmd.Type.IsFinalizing() || cmd.Transaction == nil {
			continue
		}
		mem.removeTx(cmd.Transaction.TransactionID)
	}
	mem.markMetrics()
}

// Flush implements Mempool.
func (mem *ListMempool) Flush() {
	mem.updateMtx.Lock()
	defer mem.updateMtx.Unlock()

	for e := mem.txs.Front(); e != nil; e = e.Next() {
		mem.txs.Remove(e)
		e.DetachPrev()
	}
	mem.txsMap.Range(func(key, _ interface{}) bool {
		mem.txsMap.Delete(key)
		return true
	})
	atomic.StoreInt64(&mem.txsBytes, 0)
	mem.cache.Reset()
	mem.markMetrics()
}

// Size implements Mempool.
func (mem *ListMempool) Size() int {
	return mem.txs.Len()
}

// TxsBytes implements Mempool.
func (mem *ListMempool) TxsBytes() int64 {
	return atomic.LoadInt64(&mem.txsBytes)
}

// TxsWaitChan unblocks when the list becomes non-empty. Used by the gossip
// routine.
func (mem *ListMempool) TxsWaitChan() <-chan struct{} {
	return mem.txs.WaitChan()
}

// TxsFront returns the oldest queued transaction, or nil.
func (mem *ListMempool) TxsFront() *clist.CElement {
	return mem.txs.Front()
}

func (mem *ListMempool) addTx(memTx *mempoolTx) {
	e := mem.txs.PushBack(memTx)
	mem.txsMap.Store(memTx.tx.ID(), e)
	atomic.AddInt64(&mem.txsBytes, int64(len(memTx.bz)))
	mem.markMetrics()
}

func (mem *ListMempool) removeTx(txID types.TxID) {
	e, ok := mem.txsMap.Load(txID)
	if !ok {
		return
	}
	elem := e.(*clist.CElement)
	mem.txs.Remove(elem)
	elem.DetachPrev()
	elem.DetachNext()
	mem.txsMap.Delete(txID)
	atomic.AddInt64(&mem.txsBytes, -int64(len(elem.Value.(*mempoolTx).bz)))
}

func (mem *ListMempool) markMetrics() {
	mem.metrics.MarkTxsNum(mem.txs.Len())
	mem.metrics.MarkTxsBytes(atomic.LoadInt64(&mem.txsBytes))
}

//--------------------------------------------------------------------------------

// mempoolTx is a gossip list entry. senders tracks which peers already have
// the transaction so broadcast skips them.
type mempoolTx struct {
	tx *types.Transaction
	bz []byte // tmjson encoding, shared by every peer send

	senders sync.Map // uint16 -> struct{}
}

//--------------------------------------------------------------------------------

type txCache interface {
	Reset()
	Push(txID types.TxID) bool
	Remove(txID types.TxID)
}

// mapTxCache is an LRU of recently seen transaction ids.
type mapTxCache struct {
	mtx      sync.Mutex
	size     int
	cacheMap map[types.TxID]*list.Element
	list     *list.List
}

var _ txCache = (*mapTxCache)(nil)

func newMapTxCache(cacheSize int) *mapTxCache {
	return &mapTxCache{
		size:     cacheSize,
		cacheMap: make(map[types.TxID]*list.Element, cacheSize),
		list:     list.New(),
	}
}

func (cache *mapTxCache) Reset() {
	cache.mtx.Lock()
	cache.cacheMap = make(map[types.TxID]*list.Element, cache.size)
	cache.list.Init()
	cache.mtx.Unlock()
}

// Push returns false if the id is already cached.
func (cache *mapTxCache) Push(txID types.TxID) bool {
	cache.mtx.Lock()
	defer cache.mtx.Unlock()

	if moved, exists := cache.cacheMap[txID]; exists {
		cache.list.MoveToBack(moved)
		return false
	}

	if cache.list.Len() >= cache.size {
		front := cache.list.Front()
		if front != nil {
			delete(cache.cacheMap, front.Value.(types.TxID))
			cache.list.Remove(front)
		}
	}
	e := cache.list.PushBack(txID)
	cache.cacheMap[txID] = e
	return true
}

func (cache *mapTxCache) Remove(txID types.TxID) {
	cache.mtx.Lock()
	e := cache.cacheMap[txID]
	delete(cache.cacheMap, txID)
	if e != nil {
		cache.list.Remove(e)
	}
	cache.mtx.Unlock()
}

type nopTxCache struct{}

var _ txCache = nopTxCache{}

func (nopTxCache) Reset()               {}
func (nopTxCache) Push(types.TxID) bool { return true }
func (nopTxCache) Remove(types.TxID)    {}
