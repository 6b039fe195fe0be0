// Package storage is the durable state store: blocks, quorum certificates,
// substate version chains, locks, transaction records and consensus
// anchors, all on one tm-db keyspace.
package storage

import (
	"sort"

	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"
)

type Store struct {
	db     tmdb.DB
	logger log.Logger
}

// NewStore wraps an existing tm-db instance.
func NewStore(db tmdb.DB, logger log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// NewDefaultStore opens (or creates) a goleveldb-backed store under dir.
func NewDefaultStore(name, dir string, logger log.Logger) (*Store, error) {
	db, err := tmdb.NewGoLevelDB(name, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "open state db %s", name)
	}
	return NewStore(db, logger), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ReadTx opens a read-only view. Reads go straight to the database.
func (s *Store) ReadTx() *Tx {
	return &Tx{db: s.db}
}

// WriteTx opens a buffered transaction. Writes land in an overlay and only
// reach the database on Commit, in one batch. Reads see the overlay first,
// so a transaction observes its own writes.
func (s *Store) WriteTx() *Tx {
	return &Tx{
		db:       s.db,
		writable: true,
		overlay:  map[string][]byte{},
		deleted:  map[string]struct{}{},
	}
}

// WithWriteTx runs fn inside a write transaction and commits it when fn
// succeeds.
func (s *Store) WithWriteTx(fn func(tx *Tx) error) error {
	tx := s.WriteTx()
	if err := fn(tx); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit()
}

//------------------------------------------------------------

// Tx is a view over the store. Write transactions buffer all mutations
// until Commit. A Tx is not safe for concurrent use.
type Tx struct {
	db       tmdb.DB
	writable bool
	overlay  map[string][]byte
	deleted  map[string]struct{}
}

func (tx *Tx) get(key []byte) ([]byte, error) {
	if tx.writable {
		if _, gone := tx.deleted[string(key)]; gone {
			return nil, nil
		}
		if v, ok := tx.overlay[string(key)]; ok {
			return v, nil
		}
	}
	return tx.db.Get(key)
}

func (tx *Tx) has(key []byte) (bool, error) {
	v, err := tx.get(key)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

func (tx *Tx) set(key, value []byte) error {
	if !tx.writable {
		return errors.New("set on read-only transaction")
	}
	delete(tx.deleted, string(key))
	cp := make([]byte, len(value))
	copy(cp, value)
	tx.overlay[string(key)] = cp
	return nil
}

func (tx *Tx) delete(key []byte) error {
	if !tx.writable {
		return errors.New("delete on read-only transaction")
	}
	delete(tx.overlay, string(key))
	tx.deleted[string(key)] = struct{}{}
	return nil
}

// iterate walks keys in [start, end) in key order, merging the overlay
// over the database view. fn returning false stops the walk.
func (tx *Tx) iterate(start, end []byte, fn func(key, value []byte) (bool, error)) error {
	merged := map[string][]byte{}

	it, err := tx.db.Iterator(start, end)
	if err != nil {
		return err
	}
	for ; it.Valid(); it.Next() {
		merged[string(it.Key())] = it.Value()
	}
	if err := it.Error(); err != nil {
		it.Close()
		return err
	}
	it.Close()

	if tx.writable {
		for k, v := range tx.overlay {
			if k >= string(start) && k < string(end) {
				merged[k] = v
			}
		}
		for k := range tx.deleted {
			delete(merged, k)
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		cont, err := fn([]byte(k), merged[k])
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func (tx *Tx) iteratePrefix(prefix []byte, fn func(key, value []byte) (bool, error)) error {
	return tx.iterate(prefix, prefixEnd(prefix), fn)
}

// getJSON unmarshals the value at key into out. Returns ErrNotFound when
// the key is absent.
func (tx *Tx) getJSON(key []byte, out interface{}) error {
	bz, err := tx.get(key)
	if err != nil {
		return err
	}
	if bz == nil {
		return errors.WithStack(ErrNotFound)
	}
	return tmjson.Unmarshal(bz, out)
}

func unmarshalJSON(bz []byte, out interface{}) error {
	return tmjson.Unmarshal(bz, out)
}

func (tx *Tx) setJSON(key []byte, val interface{}) error {
	bz, err := tmjson.Marshal(val)
	if err != nil {
		return err
	}
	return tx.set(key, bz)
}

// Commit writes every buffered mutation in one batch.
func (tx *Tx) Commit() error {
	if !tx.writable {
		return nil
	}
	batch := tx.db.NewBatch()
	defer batch.Close()

	for k, v := range tx.overlay {
		if err := batch.Set([]byte(k), v); err != nil {
			return err
		}
	}
	for k := range tx.deleted {
		if err := batch.Delete([]byte(k)); err != nil {
			return err
		}
	}
	if err := batch.WriteSync(); err != nil {
		return err
	}
	tx.overlay = nil
	tx.deleted = nil
	tx.writable = false
	return nil
}

// Discard drops all buffered mutations.
func (tx *Tx) Discard() {
	tx.overlay = nil
	tx.deleted = nil
	tx.writable = false
}

//------------------------------------------------------------
// raw access for sibling packages that manage their own tables

// GetRaw reads an arbitrary key. A nil value means the key is absent.
func (tx *Tx) GetRaw(key []byte) ([]byte, error) { return tx.get(key) }

// SetRaw writes an arbitrary key.
func (tx *Tx) SetRaw(key, value []byte) error { return tx.set(key, value) }

// DeleteRaw removes an arbitrary key.
func (tx *Tx) DeleteRaw(key []byte) error { return tx.delete(key) }

// IterateRaw walks all keys under prefix.
func (tx *Tx) IterateRaw(prefix []byte, fn func(key, value []byte) (bool, error)) error {
	return tx.iteratePrefix(prefix, fn)
}
