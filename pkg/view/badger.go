package view

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/l7mp/dflow/pkg/dataflow"
)

// storedRecord is the value of a tuple key. Frontier is the frontier of the commit that last
// changed the record.
type storedRecord struct {
	Record   `msgpack:",inline"`
	Frontier uint64 `msgpack:"frontier"`
}

var (
	tuplePrefix = []byte("tuple/")
	frontierKey = []byte("meta/frontier")
)

// BadgerStore is a Store persisted in a badger database. Each tuple is stored under a key
// holding its big-endian components, with a msgpack encoded record as value.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens a badger-backed store at path. An empty path opens an in-memory database.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	return newBadgerStore(opts)
}

func newBadgerStore(opts badger.Options) (*BadgerStore, error) {
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	return &BadgerStore{db: db}, nil
}

func tupleKey(t dataflow.Tuple) []byte {
	key := make([]byte, len(tuplePrefix)+16)
	n := copy(key, tuplePrefix)
	binary.BigEndian.PutUint64(key[n:], t.A)
	binary.BigEndian.PutUint64(key[n+8:], t.B)
	return key
}

// Commit implements Store. The changes are written in one transaction if they fit, otherwise they
// are split across several transactions with the frontier written last. Each record remembers
// the frontier of the commit that last changed it, so a commit that was interrupted midway can be
// repeated without applying any change twice.
func (s *BadgerStore) Commit(frontier uint64, changes map[dataflow.Tuple]int) error {
	tuples := make([]dataflow.Tuple, 0, len(changes))
	for t, diff := range changes {
		if diff != 0 {
			tuples = append(tuples, t)
		}
	}
	slices.SortFunc(tuples, dataflow.Tuple.Compare)

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, t := range tuples {
			if err := applyChange(txn, frontier, t, changes[t], false); err != nil {
				return err
			}
		}
		return setFrontier(txn, frontier)
	})
	if !errors.Is(err, badger.ErrTxnTooBig) {
		return err
	}

	return s.commitSplit(frontier, tuples, changes)
}

// commitSplit writes the changes in as many transactions as needed. Tuples whose count drops to
// zero are kept as tombstones until the frontier is written and removed afterwards.
func (s *BadgerStore) commitSplit(frontier uint64, tuples []dataflow.Tuple, changes map[dataflow.Tuple]int) error {
	b := &splitTxn{db: s.db}
	defer b.discard()

	for _, t := range tuples {
		if err := b.do(func(txn *badger.Txn) error {
			return applyChange(txn, frontier, t, changes[t], true)
		}); err != nil {
			return err
		}
	}
	if err := b.do(func(txn *badger.Txn) error { return setFrontier(txn, frontier) }); err != nil {
		return err
	}
	if err := b.commit(); err != nil {
		return err
	}

	return s.dropTombstones()
}

func (s *BadgerStore) dropTombstones() error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = tuplePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			r, err := decodeRecord(it.Item())
			if err != nil {
				return err
			}
			if r.Count == 0 {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	b := &splitTxn{db: s.db}
	defer b.discard()
	for _, key := range keys {
		if err := b.do(func(txn *badger.Txn) error { return txn.Delete(key) }); err != nil {
			return err
		}
	}
	return b.commit()
}

// splitTxn is a write transaction that is committed and renewed whenever it grows too big.
type splitTxn struct {
	db      *badger.DB
	txn     *badger.Txn
	pending int
}

func (b *splitTxn) do(op func(txn *badger.Txn) error) error {
	if b.txn == nil {
		b.txn = b.db.NewTransaction(true)
	}
	err := op(b.txn)
	if errors.Is(err, badger.ErrTxnTooBig) && b.pending > 0 {
		if err := b.commit(); err != nil {
			return err
		}
		b.txn = b.db.NewTransaction(true)
		err = op(b.txn)
	}
	if err != nil {
		return err
	}
	b.pending++
	return nil
}

func (b *splitTxn) commit() error {
	if b.txn == nil {
		return nil
	}
	err := b.txn.Commit()
	b.txn, b.pending = nil, 0
	return err
}

func (b *splitTxn) discard() {
	if b.txn != nil {
		b.txn.Discard()
		b.txn = nil
	}
}

// applyChange adds diff to the stored count of a tuple, unless the commit at frontier has already
// changed the tuple.
func applyChange(txn *badger.Txn, frontier uint64, t dataflow.Tuple, diff int, tombstone bool) error {
	key := tupleKey(t)
	r, err := getRecord(txn, key)
	if err != nil {
		return err
	}
	if r.Frontier >= frontier && r.Frontier != 0 {
		return nil
	}

	count := r.Count + diff
	if count == 0 && !tombstone {
		return txn.Delete(key)
	}
	value, err := msgpack.Marshal(&storedRecord{Record: Record{A: t.A, B: t.B, Count: count}, Frontier: frontier})
	if err != nil {
		return err
	}
	return txn.Set(key, value)
}

func setFrontier(txn *badger.Txn, frontier uint64) error {
	value, err := msgpack.Marshal(frontier)
	if err != nil {
		return err
	}
	return txn.Set(frontierKey, value)
}

func getRecord(txn *badger.Txn, key []byte) (storedRecord, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storedRecord{}, nil
	} else if err != nil {
		return storedRecord{}, err
	}
	return decodeRecord(item)
}

func decodeRecord(item *badger.Item) (storedRecord, error) {
	var r storedRecord
	if err := item.Value(func(val []byte) error { return msgpack.Unmarshal(val, &r) }); err != nil {
		return storedRecord{}, fmt.Errorf("failed to decode record: %w", err)
	}
	return r, nil
}

// Get implements Store.
func (s *BadgerStore) Get(t dataflow.Tuple) (int, error) {
	var r storedRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		r, err = getRecord(txn, tupleKey(t))
		return err
	})
	return r.Count, err
}

// List implements Store.
func (s *BadgerStore) List() ([]Record, error) {
	var ret []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = tuplePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			r, err := decodeRecord(it.Item())
			if err != nil {
				return err
			}
			if r.Count != 0 {
				ret = append(ret, r.Record)
			}
		}
		return nil
	})
	return ret, err
}

// Frontier implements Store.
func (s *BadgerStore) Frontier() (uint64, error) {
	var frontier uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(frontierKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return msgpack.Unmarshal(val, &frontier) })
	})
	return frontier, err
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
