package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by every operation on a store after Close.
var ErrClosed = errors.New("storage: store closed")

// KeyValueStore is a string-keyed view over the values persisted for one
// browser client. It is the server-side counterpart of browser local storage.
type KeyValueStore interface {
	// Get returns the stored value and whether the key was present.
	Get(key string) (string, bool, error)
	// Set overwrites the value for key. Last writer wins.
	Set(key, value string) error
}

// PremiumRecord is the subscription flag published for a signed-in user.
type PremiumRecord struct {
	IsPremium bool
	Source    string // e.g. "billing", "admin"
	UpdatedAt time.Time
}

// Store is the persistence interface for the gate daemon.
type Store interface {
	// History returns the key-value scope for one browser client.
	History(clientID string) KeyValueStore

	// Premium flags, keyed by identity-provider user ID.
	GetPremium(userID string) (*PremiumRecord, error)
	SetPremium(userID string, rec PremiumRecord) error

	// Utility
	CountClients() (int, error)
	Ping(ctx context.Context) error
	SizeBytes() (int64, error)
	Close() error
}

var (
	_ Store = (*bboltStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)

// OpenConfig selects and configures a backend for Open.
type OpenConfig struct {
	Backend string // "bbolt", "redis" or "memory"
	DataDir string
	Redis   RedisConfig
}

// Open returns the configured backend.
func Open(ctx context.Context, cfg OpenConfig) (Store, error) {
	switch cfg.Backend {
	case "", "bbolt":
		return NewBboltStore(cfg.DataDir)
	case "redis":
		rs, err := NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return rs, nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
