// Package utils provides storage and download helpers shared by the grid packages.
package utils

import (
	"errors"

	"github.com/dgraph-io/badger/v4"
)

// DiskKV is a small key-value layer over badger. Keys are plain strings; callers
// namespace them with a prefix such as "doc/" or "local/".
type DiskKV struct {
	db *badger.DB
}

// OpenDiskKV opens (or creates) a badger directory. An empty path opens an
// in-memory database that is discarded on Close.
func OpenDiskKV(path string) (*DiskKV, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	// Decrease logging verbosity
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &DiskKV{db: db}, nil
}

func (s *DiskKV) Close() error {
	return s.db.Close()
}

func (s *DiskKV) Set(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *DiskKV) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Get returns nil, nil when the key does not exist.
func (s *DiskKV) Get(key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	return val, err
}

// Apply writes sets and deletes in a single transaction, so either all of them
// land or none do.
func (s *DiskKV) Apply(sets map[string][]byte, deletes []string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for k, v := range sets {
			if err := txn.Set([]byte(k), v); err != nil {
				return err
			}
		}
		for _, k := range deletes {
			if err := txn.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

// BatchSet loads many entries at once. Unlike Apply it is not atomic, but it is
// not bounded by the transaction size limit either.
func (s *DiskKV) BatchSet(entries map[string][]byte) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for k, v := range entries {
		if err := wb.Set([]byte(k), v); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// ForEachPrefix visits every key starting with prefix in key order.
func (s *DiskKV) ForEachPrefix(prefix string, fn func(k string, v []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			k := string(item.Key())
			err := item.Value(func(v []byte) error {
				return fn(k, v)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}
