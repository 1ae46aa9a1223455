package storage

import (
	"bytes"
	"errors"
	"sort"
	"sync"
)

// ErrReadOnly is returned when a write is attempted inside a View transaction.
var ErrReadOnly = errors.New("storage: read-only transaction")

// Tx is a bucketed key-value transaction. Values returned by Get are only
// valid until the transaction ends; callers copy what they keep.
type Tx interface {
	Get(bucket, key []byte) []byte
	Put(bucket, key, value []byte) error
	Delete(bucket, key []byte) error
	// ForEach visits keys with the given prefix in ascending order.
	ForEach(bucket, prefix []byte, fn func(key, value []byte) error) error
}

// Store runs atomic read-write and concurrent read-only transactions. A
// non-nil error returned from an Update callback discards every write made
// inside it.
type Store interface {
	Update(fn func(Tx) error) error
	View(fn func(Tx) error) error
	Close() error
}

// MemStore is an in-memory Store. Update works on a private copy that is only
// published when the callback succeeds.
type MemStore struct {
	mu      sync.RWMutex
	writeMu sync.Mutex
	buckets map[string]map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{buckets: make(map[string]map[string][]byte)}
}

func (s *MemStore) Update(fn func(Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	snapshot := make(map[string]map[string][]byte, len(s.buckets))
	for name, bucket := range s.buckets {
		cp := make(map[string][]byte, len(bucket))
		for k, v := range bucket {
			cp[k] = v
		}
		snapshot[name] = cp
	}
	s.mu.RUnlock()

	tx := &memTx{buckets: snapshot, writable: true}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.buckets = snapshot
	s.mu.Unlock()
	return nil
}

func (s *MemStore) View(fn func(Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{buckets: s.buckets})
}

func (s *MemStore) Close() error { return nil }

type memTx struct {
	buckets  map[string]map[string][]byte
	writable bool
}

func (tx *memTx) Get(bucket, key []byte) []byte {
	b, ok := tx.buckets[string(bucket)]
	if !ok {
		return nil
	}
	return b[string(key)]
}

func (tx *memTx) Put(bucket, key, value []byte) error {
	if !tx.writable {
		return ErrReadOnly
	}
	b, ok := tx.buckets[string(bucket)]
	if !ok {
		b = make(map[string][]byte)
		tx.buckets[string(bucket)] = b
	}
	b[string(key)] = append([]byte(nil), value...)
	return nil
}

func (tx *memTx) Delete(bucket, key []byte) error {
	if !tx.writable {
		return ErrReadOnly
	}
	if b, ok := tx.buckets[string(bucket)]; ok {
		delete(b, string(key))
	}
	return nil
}

func (tx *memTx) ForEach(bucket, prefix []byte, fn func(key, value []byte) error) error {
	b, ok := tx.buckets[string(bucket)]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(b))
	for k := range b {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), b[k]); err != nil {
			return err
		}
	}
	return nil
}
