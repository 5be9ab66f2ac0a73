package cache

import "time"

// KV defines the generation-aware key-value cache contract with TTL semantics.
// Every key lives inside a named generation; dropping a generation removes
// all of its keys at once.
// Implementations must be safe for concurrent use by multiple goroutines.
type KV interface {
	Get(generation, key string) ([]byte, error)
	// Put writes into an existing generation and fails with
	// ErrUnknownGeneration otherwise.
	Put(generation, key string, value []byte, ttl time.Duration) error
	Delete(generation, key string) error
	// Generations lists every generation that currently holds a namespace.
	Generations() ([]string, error)
	// CreateGeneration makes an empty generation; existing ones are kept.
	CreateGeneration(generation string) error
	DropGeneration(generation string) error
}
