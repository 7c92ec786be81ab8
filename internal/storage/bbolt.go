package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketClients = "clients"
	bucketPremium = "premium"
)

type bboltStore struct {
	db     *bolt.DB
	closed atomic.Bool
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/adgate.db.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "adgate.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketClients, bucketPremium} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db}, nil
}

// ---- Client history --------------------------------------------------------

// bboltScope stores one client's values in a nested bucket under "clients".
type bboltScope struct {
	s        *bboltStore
	clientID []byte
}

func (s *bboltStore) History(clientID string) KeyValueStore {
	return &bboltScope{s: s, clientID: []byte(clientID)}
}

func (c *bboltScope) Get(key string) (string, bool, error) {
	if c.s.closed.Load() {
		return "", false, ErrClosed
	}
	var (
		val   string
		found bool
	)
	err := c.s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketClients)).Bucket(c.clientID)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			val = string(v) // copy: v is only valid inside the tx
			found = true
		}
		return nil
	})
	return val, found, err
}

func (c *bboltScope) Set(key, value string) error {
	if c.s.closed.Load() {
		return ErrClosed
	}
	if len(c.clientID) == 0 {
		return fmt.Errorf("empty client id")
	}
	return c.s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket([]byte(bucketClients)).CreateBucketIfNotExists(c.clientID)
		if err != nil {
			return fmt.Errorf("create client bucket: %w", err)
		}
		return b.Put([]byte(key), []byte(value))
	})
}

// ---- Premium flags ---------------------------------------------------------

func (s *bboltStore) GetPremium(userID string) (*PremiumRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var rec PremiumRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketPremium)).Get([]byte(userID))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("get premium for %s: %w", userID, err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

func (s *bboltStore) SetPremium(userID string, rec PremiumRecord) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if userID == "" {
		return fmt.Errorf("empty user id")
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal PremiumRecord: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPremium)).Put([]byte(userID), data)
	})
}

// ---- Utility ---------------------------------------------------------------

// CountClients returns the number of clients with at least one stored value.
func (s *bboltStore) CountClients() (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketClients)).ForEach(func(k, v []byte) error {
			if v == nil { // nested bucket
				n++
			}
			return nil
		})
	})
	return n, err
}

func (s *bboltStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
