package store

import (
	"errors"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerBackend adapts a *badger.DB to the Backend interface, the default
// production persistence layer for the tables in this package.
type BadgerBackend struct {
	db *badger.DB
}

// OpenBadger opens (creating if absent) a badger database rooted at dir.
func OpenBadger(dir string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerBackend{db: db}, nil
}

// Close releases the underlying database handle.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

func (b *BadgerBackend) GetState(key []byte) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			val = append([]byte(nil), v...)
			return nil
		})
	})
	return val, err
}

func (b *BadgerBackend) SetState(key, val []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

func (b *BadgerBackend) DeleteState(key []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// badgerIterator adapts badger's iterator to the package's Iterator
// interface, buffering each key/value pair fully (matching the teacher's
// StateIterator contract, which also surfaces whole values per step).
type badgerIterator struct {
	txn    *badger.Txn
	it     *badger.Iterator
	prefix []byte
	key    []byte
	value  []byte
	err    error
	closed bool
}

func (b *BadgerBackend) PrefixIterator(prefix []byte) Iterator {
	txn := b.db.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	it.Seek(prefix)
	return &badgerIterator{txn: txn, it: it, prefix: prefix}
}

func (i *badgerIterator) Next() bool {
	if i.closed || !i.it.ValidForPrefix(i.prefix) {
		i.close()
		return false
	}
	item := i.it.Item()
	i.key = append([]byte(nil), item.Key()...)
	err := item.Value(func(v []byte) error {
		i.value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		i.err = err
		i.close()
		return false
	}
	i.it.Next()
	return true
}

func (i *badgerIterator) Key() []byte   { return i.key }
func (i *badgerIterator) Value() []byte { return i.value }
func (i *badgerIterator) Error() error  { return i.err }

func (i *badgerIterator) close() {
	if i.closed {
		return
	}
	i.closed = true
	i.it.Close()
	i.txn.Discard()
}
