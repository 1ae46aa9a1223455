package storage

import (
	"bytes"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore is the persistent Store backed by a single bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the bbolt file at path and makes sure the given
// buckets exist.
func OpenBolt(path string, options *bolt.Options, buckets ...[]byte) (*BoltStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if !options.ReadOnly && len(buckets) > 0 {
		if err := db.Update(func(tx *bolt.Tx) error {
			for _, bucket := range buckets {
				if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Update(fn func(Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *BoltStore) View(fn func(Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// Close releases the underlying Bolt database handle.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type boltTx struct {
	tx *bolt.Tx
}

func (b *boltTx) Get(bucket, key []byte) []byte {
	bk := b.tx.Bucket(bucket)
	if bk == nil {
		return nil
	}
	return bk.Get(key)
}

func (b *boltTx) Put(bucket, key, value []byte) error {
	if !b.tx.Writable() {
		return ErrReadOnly
	}
	bk, err := b.tx.CreateBucketIfNotExists(bucket)
	if err != nil {
		return err
	}
	return bk.Put(key, value)
}

func (b *boltTx) Delete(bucket, key []byte) error {
	if !b.tx.Writable() {
		return ErrReadOnly
	}
	bk := b.tx.Bucket(bucket)
	if bk == nil {
		return nil
	}
	return bk.Delete(key)
}

func (b *boltTx) ForEach(bucket, prefix []byte, fn func(key, value []byte) error) error {
	bk := b.tx.Bucket(bucket)
	if bk == nil {
		return nil
	}
	c := bk.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}
