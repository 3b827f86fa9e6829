package storage

import "sync"

// MemoryStore keeps sealed values in process memory. Used when no storage
// directory is configured, and by tests.
type MemoryStore struct {
	box *cipherBox
	mu  sync.RWMutex
	m   map[string][]byte
}

// NewMemoryStore creates an in-memory secure store. encodedKey may be empty.
func NewMemoryStore(encodedKey string) (*MemoryStore, error) {
	box, err := newCipherBox(encodedKey)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{box: box, m: make(map[string][]byte)}, nil
}

func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	sealed, ok := s.m[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.box.open(sealed)
}

func (s *MemoryStore) Set(key string, value []byte) error {
	sealed, err := s.box.seal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.m[key] = sealed
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	s.m = make(map[string][]byte)
	s.mu.Unlock()
	return nil
}
