package operators

import (
	"errors"
	"sort"
	"sync"

	"cowlend/crypto"
	"cowlend/storage"
)

var bucketOperators = []byte("operators/set")

var ErrZeroOperator = errors.New("operators: zero address")

// Set is the allow-list of batch operators. When backed by a store every
// change is written through so the list survives restarts.
type Set struct {
	mu      sync.RWMutex
	members map[string]crypto.Address
	store   storage.Store
}

// NewSet builds an in-memory set seeded with addrs.
func NewSet(addrs ...crypto.Address) *Set {
	s := &Set{members: make(map[string]crypto.Address)}
	for _, addr := range addrs {
		if !addr.IsZero() {
			s.members[string(addr.Bytes())] = addr
		}
	}
	return s
}

// LoadSet restores the persisted set from store and keeps writing to it.
// seed entries are added when missing.
func LoadSet(store storage.Store, seed ...crypto.Address) (*Set, error) {
	s := NewSet()
	s.store = store
	err := store.View(func(tx storage.Tx) error {
		return tx.ForEach(bucketOperators, nil, func(key, _ []byte) error {
			addr := crypto.NewAddress(crypto.LendPrefix, key)
			s.members[string(addr.Bytes())] = addr
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for _, addr := range seed {
		if err := s.Add(addr); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// IsAuthorized reports whether addr may submit settlement batches.
func (s *Set) IsAuthorized(addr crypto.Address) bool {
	if s == nil || addr.IsZero() {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[string(addr.Bytes())]
	return ok
}

func (s *Set) Add(addr crypto.Address) error {
	if addr.IsZero() {
		return ErrZeroOperator
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store != nil {
		if err := s.store.Update(func(tx storage.Tx) error {
			return tx.Put(bucketOperators, addr.Bytes(), []byte{1})
		}); err != nil {
			return err
		}
	}
	s.members[string(addr.Bytes())] = addr
	return nil
}

func (s *Set) Remove(addr crypto.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store != nil {
		if err := s.store.Update(func(tx storage.Tx) error {
			return tx.Delete(bucketOperators, addr.Bytes())
		}); err != nil {
			return err
		}
	}
	delete(s.members, string(addr.Bytes()))
	return nil
}

// Members lists the operators in byte order.
func (s *Set) Members() []crypto.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.members))
	for key := range s.members {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]crypto.Address, len(keys))
	for i, key := range keys {
		out[i] = s.members[key]
	}
	return out
}
