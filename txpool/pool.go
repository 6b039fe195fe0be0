package txpool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/tari-project/tari-dan-sub001/storage"
	"github.com/tari-project/tari-dan-sub001/types"
)

// ErrTransactionNotInPool is returned on a miss.
var ErrTransactionNotInPool = errors.New("transaction not in pool")

// ErrAlreadyExecuted reports a stage transition against a finalized
// record.
type ErrAlreadyExecuted struct {
	TransactionID types.TxID
}

func (e ErrAlreadyExecuted) Error() string {
	return fmt.Sprintf("transaction %s already executed", e.TransactionID)
}

// ErrWrongStage reports a transition whose stage assertion failed.
type ErrWrongStage struct {
	TransactionID types.TxID
	Expected      Stage
	Actual        Stage
}

func (e ErrWrongStage) Error() string {
	return fmt.Sprintf("transaction %s is at stage %s, expected %s",
		e.TransactionID, e.Actual, e.Expected)
}

//------------------------------------------------------------

// Pool is the in-memory stage machine, write-through to the pool table of
// the durable store. Safe for concurrent use.
type Pool struct {
	mtx     sync.RWMutex
	records map[types.TxID]*Record

	store  *storage.Store
	logger log.Logger
}

func NewPool(store *storage.Store, logger log.Logger) *Pool {
	return &Pool{
		records: map[types.TxID]*Record{},
		store:   store,
		logger:  logger,
	}
}

// Load rebuilds the in-memory view from the durable pool table.
func (p *Pool) Load() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.records = map[types.TxID]*Record{}
	return p.store.ReadTx().IterateRaw(storage.PoolPrefix(), func(key, value []byte) (bool, error) {
		var record Record
		if err := tmjson.Unmarshal(value, &record); err != nil {
			return false, err
		}
		p.records[record.TransactionID] = &record
		return true, nil
	})
}

// Insert adds a transaction at stage New. Inserting a known id is a no-op.
func (p *Pool) Insert(tx *storage.Tx, txID types.TxID) (*Record, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if existing, ok := p.records[txID]; ok {
		return existing.Copy(), nil
	}

	record := NewRecord(txID)
	record.UpdateReadiness()
	if err := p.persist(tx, record); err != nil {
		return nil, err
	}
	p.records[txID] = record
	p.logger.Debug("inserted transaction into pool", "tx", txID)
	return record.Copy(), nil
}

// Get returns a copy of the record for txID.
func (p *Pool) Get(txID types.TxID) (*Record, error) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	record, ok := p.records[txID]
	if !ok {
		return nil, errors.Wrapf(ErrTransactionNotInPool, "%s", txID)
	}
	return record.Copy(), nil
}

// Exists reports whether txID is tracked.
func (p *Pool) Exists(txID types.TxID) bool {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	_, ok := p.records[txID]
	return ok
}

// GetManyReady returns up to max ready records for the leader's next
// proposal, lowest stage first so earlier phases drain before later ones.
func (p *Pool) GetManyReady(max int) []*Record {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	var ready []*Record
	for _, record := range p.records {
		if record.IsReady && !record.Stage.IsFinalized() {
			ready = append(ready, record.Copy())
		}
	}
	sortRecords(ready)
	if len(ready) > max {
		ready = ready[:max]
	}
	return ready
}

// Count returns how many records sit at stage with the given readiness.
func (p *Pool) Count(stage Stage, isReady bool) int {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	n := 0
	for _, record := range p.records {
		if record.Stage == stage && record.IsReady == isReady {
			n++
		}
	}
	return n
}

// Size returns the total number of tracked records.
func (p *Pool) Size() int {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return len(p.records)
}

// SetNextStage advances txID from currentStage to next, asserting the
// record really is at currentStage. Only the commit path calls this.
func (p *Pool) SetNextStage(tx *storage.Tx, txID types.TxID, currentStage, next Stage, isReady bool) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	record, ok := p.records[txID]
	if !ok {
		return errors.Wrapf(ErrTransactionNotInPool, "%s", txID)
	}
	if record.Stage.IsFinalized() {
		return errors.WithStack(ErrAlreadyExecuted{TransactionID: txID})
	}
	if record.Stage != currentStage {
		return errors.WithStack(ErrWrongStage{
			TransactionID: txID,
			Expected:      currentStage,
			Actual:        record.Stage,
		})
	}

	record.Stage = next
	record.IsReady = isReady
	return p.persist(tx, record)
}

// Update applies fn to the record under the pool lock and persists the
// result. Used by the foreign processor to merge evidence and decisions.
func (p *Pool) Update(tx *storage.Tx, txID types.TxID, fn func(record *Record) error) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	record, ok := p.records[txID]
	if !ok {
		return errors.Wrapf(ErrTransactionNotInPool, "%s", txID)
	}
	if err := fn(record); err != nil {
		return err
	}
	return p.persist(tx, record)
}

// RemoveAny drops finalized records; unknown ids are ignored.
func (p *Pool) RemoveAny(tx *storage.Tx, txIDs []types.TxID) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	for _, txID := range txIDs {
		if _, ok := p.records[txID]; !ok {
			continue
		}
		if err := tx.DeleteRaw(storage.PoolKey(txID)); err != nil {
			return err
		}
		delete(p.records, txID)
	}
	return nil
}

func (p *Pool) persist(tx *storage.Tx, record *Record) error {
	bz, err := tmjson.Marshal(record)
	if err != nil {
		return err
	}
	return tx.SetRaw(storage.PoolKey(record.TransactionID), bz)
}

// sortRecords orders by stage then transaction id for deterministic
// proposals.
func sortRecords(records []*Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Stage != records[j].Stage {
			return records[i].Stage < records[j].Stage
		}
		return records[i].TransactionID.String() < records[j].TransactionID.String()
	})
}
