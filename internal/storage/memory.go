package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps everything in process memory. State is lost on restart.
// All methods are safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	clients map[string]map[string]string
	premium map[string]PremiumRecord
	closed  bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients: make(map[string]map[string]string),
		premium: make(map[string]PremiumRecord),
	}
}

type memoryScope struct {
	m        *MemoryStore
	clientID string
}

func (m *MemoryStore) History(clientID string) KeyValueStore {
	return &memoryScope{m: m, clientID: clientID}
}

func (c *memoryScope) Get(key string) (string, bool, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.m.closed {
		return "", false, ErrClosed
	}
	v, ok := c.m.clients[c.clientID][key]
	return v, ok, nil
}

func (c *memoryScope) Set(key, value string) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.m.closed {
		return ErrClosed
	}
	scope, ok := c.m.clients[c.clientID]
	if !ok {
		scope = make(map[string]string)
		c.m.clients[c.clientID] = scope
	}
	scope[key] = value
	return nil
}

func (m *MemoryStore) GetPremium(userID string) (*PremiumRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	rec, ok := m.premium[userID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) SetPremium(userID string, rec PremiumRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.premium[userID] = rec
	return nil
}

func (m *MemoryStore) CountClients() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return len(m.clients), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// SizeBytes always reports 0; there is no on-disk footprint.
func (m *MemoryStore) SizeBytes() (int64, error) {
	return 0, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
