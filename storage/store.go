package storage

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Store wraps LevelDB for raw key-value persistence. This is the
// foundational persistence layer; no chain logic lives here.
// Thread-safe: LevelDB handles its own synchronization.
type Store struct {
	db *leveldb.DB
}

// NewStore opens or creates a LevelDB database at the given path.
// If path is empty, uses in-memory storage.
func NewStore(path string) (*Store, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		memStorage := leveldbstorage.NewMemStorage()
		db, err = leveldb.Open(memStorage, nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// NewMemoryStore creates an in-memory Store for testing.
func NewMemoryStore() (*Store, error) {
	return NewStore("")
}

// Get retrieves a value by key. Returns (nil, false, nil) if not found.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	data, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Get %x: %w", key, err)
	}
	return data, true, nil
}

func (s *Store) Put(key []byte, value []byte) error {
	return s.db.Put(key, value, nil)
}

func (s *Store) Delete(key []byte) error {
	return s.db.Delete(key, nil)
}

// Has reports whether the key exists.
func (s *Store) Has(key []byte) (bool, error) {
	return s.db.Has(key, nil)
}

// NewIterator iterates keys with the given prefix, in key order.
func (s *Store) NewIterator(prefix []byte) iterator.Iterator {
	return s.db.NewIterator(util.BytesPrefix(prefix), nil)
}

// Batch collects writes destined for one atomic database transaction.
type Batch struct {
	inner leveldb.Batch
}

func (s *Store) NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) Put(key, value []byte) {
	b.inner.Put(key, value)
}

func (b *Batch) Delete(key []byte) {
	b.inner.Delete(key)
}

// Len returns the number of staged writes.
func (b *Batch) Len() int { return b.inner.Len() }

// Write commits the batch atomically and durably.
func (s *Store) Write(batch *Batch) error {
	return s.db.Write(&batch.inner, &opt.WriteOptions{Sync: true})
}

// WriteBuffered commits the batch atomically but without forcing it to
// disk. A later Flush makes it durable.
func (s *Store) WriteBuffered(batch *Batch) error {
	return s.db.Write(&batch.inner, nil)
}

// Flush is a durability barrier: everything written before it is on disk
// when it returns.
func (s *Store) Flush() error {
	var empty leveldb.Batch
	return s.db.Write(&empty, &opt.WriteOptions{Sync: true})
}

func (s *Store) Close() error {
	return s.db.Close()
}
