package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Store provides a persistent generation-aware KV cache with TTL semantics.
// Each generation is a separate Bolt bucket.
// It is safe for concurrent use by multiple goroutines.
type Store struct {
	db         *bolt.DB
	prefix     []byte
	defaultTTL time.Duration
	mu         sync.RWMutex
}

type Options struct {
	// Prefix is prepended to every generation bucket name.
	Prefix string
	// DefaultTTL is used when Put is called with ttl <= 0.
	DefaultTTL time.Duration
}

var (
	ErrNotFound = errors.New("cache: not found")
	ErrExpired  = errors.New("cache: expired")
	// ErrNoGeneration is returned when a generation name is empty.
	ErrNoGeneration = errors.New("cache: empty generation")
	// ErrUnknownGeneration is returned by Put when the generation was never
	// created or has been dropped.
	ErrUnknownGeneration = errors.New("cache: unknown generation")
)

// Open initializes or opens a Store at the given path.
func Open(path string, opts Options) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	prefix := []byte("gen:")
	if opts.Prefix != "" {
		prefix = []byte(opts.Prefix)
	}
	return &Store{db: db, prefix: prefix, defaultTTL: opts.DefaultTTL}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) bucketName(generation string) []byte {
	return append(append([]byte(nil), s.prefix...), generation...)
}

// Put stores value with an absolute expiration computed as now+ttl.
// If ttl <= 0, DefaultTTL is used; if DefaultTTL <= 0, the item never expires.
// The generation must exist.
func (s *Store) Put(generation, key string, value []byte, ttl time.Duration) error {
	if generation == "" {
		return ErrNoGeneration
	}
	expiresAt := int64(0)
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).Unix()
	}
	// Layout: 8 bytes big endian expiresAt || raw value
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf[:8], uint64(expiresAt))
	copy(buf[8:], value)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucketName(generation))
		if b == nil {
			return ErrUnknownGeneration
		}
		return b.Put([]byte(key), buf)
	})
}

// Get returns cached value if present and not expired.
func (s *Store) Get(generation, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []byte
	var expired bool
	var exists bool
	if err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucketName(generation))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if len(v) < 8 {
			return nil
		}
		exists = true
		expiresAt := int64(binary.BigEndian.Uint64(v[:8]))
		if expiresAt > 0 && time.Now().Unix() > expiresAt {
			expired = true
			return nil
		}
		out = append([]byte(nil), v[8:]...)
		return nil
	}); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	if expired {
		return nil, ErrExpired
	}
	return out, nil
}

// Delete removes a key from a generation. Deleting from a missing
// generation is not an error.
func (s *Store) Delete(generation, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucketName(generation))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Generations returns the sorted names of every stored generation.
func (s *Store) Generations() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if bytes.HasPrefix(name, s.prefix) {
				out = append(out, string(name[len(s.prefix):]))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) CreateGeneration(generation string) error {
	if generation == "" {
		return ErrNoGeneration
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucketName(generation))
		return err
	})
}

// DropGeneration deletes a generation and every entry inside it.
func (s *Store) DropGeneration(generation string) error {
	if generation == "" {
		return ErrNoGeneration
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(s.bucketName(generation))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("drop generation %q: %w", generation, err)
		}
		return nil
	})
}
