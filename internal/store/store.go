// Package store defines the Store Backend contract shared by the
// remote (Redis Streams) and file-based implementations. Nothing
// above this package may depend on backend-specific concepts (stream
// IDs, file paths, lock files) — only on this interface.
package store

import (
	"context"
	"errors"
	"time"
)

// Contract errors common to both backend implementations.
var (
	// ErrStoreBusy is raised when the file-mode advisory lock could not
	// be acquired within its timeout. Callers may retry with backoff.
	ErrStoreBusy = errors.New("store busy")
	// ErrStoreUnavailable is raised on remote connectivity loss.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrStoreReset is raised when the file-mode state document was
	// corrupt and has been reinitialized.
	ErrStoreReset = errors.New("store reset")
	// ErrInvalidKey is raised for key/channel names that fail backend
	// validation (empty, or containing characters the backend cannot
	// represent).
	ErrInvalidKey = errors.New("invalid key")
	// ErrNotFound is returned by Get/HGet/RPop when nothing is present.
	ErrNotFound = errors.New("not found")
)

// Message is a single delivered item from a Subscription, carrying the
// backend-assigned per-channel sequence number used for resume.
type Message struct {
	Channel string
	Data    []byte
	Seq     uint64
}

// StreamEntry is a single append-only ledger record, keyed by an
// opaque backend-assigned ID that sorts lexically with insertion
// order.
type StreamEntry struct {
	ID   string
	Data []byte
}

// Subscription is a restartable, lazy sequence of messages on one
// channel for one consumer. Backends must resume from the consumer's
// last acknowledged seq across reconnects.
type Subscription interface {
	// Next blocks until a message is available, ctx is done, or the
	// subscription is closed. ok is false only when the subscription
	// was closed with no further messages pending.
	Next(ctx context.Context) (msg Message, ok bool, err error)
	Close() error
}

// Backend is the single capability set both implementations expose.
// All methods are safe for concurrent use.
type Backend interface {
	// Publish is fire-and-forget with at-least-once delivery; ordering
	// is guaranteed only per (sender, channel) via Seq, never globally.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a cursor-based stream for clientID on channel,
	// resuming from any previously recorded read position for that
	// pair.
	Subscribe(ctx context.Context, channel, clientID string) (Subscription, error)

	// Set stores a value, optionally with a TTL (ttl <= 0 means no
	// expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns ErrNotFound if the key is absent or lazily expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// CAS sets key to newValue iff the current value equals expected.
	// expected == nil means "key must not currently exist" (used for
	// the coordinator lease). Returns true iff the swap happened.
	CAS(ctx context.Context, key string, expected, newValue []byte, ttl time.Duration) (bool, error)
	// Delete removes key unconditionally; absence is not an error.
	Delete(ctx context.Context, key string) error
	// Expire sets or refreshes a TTL on any existing string key, hash,
	// or list name (ttl <= 0 clears it), for records such as
	// pop:completed:<session>/pop:patterns:<id> that must age out after
	// 24h regardless of which capability wrote them (spec §4.C9, §6.5).
	Expire(ctx context.Context, key string, ttl time.Duration) error

	HSet(ctx context.Context, name, field string, value []byte) error
	HGet(ctx context.Context, name, field string) ([]byte, error)
	HGetAll(ctx context.Context, name string) (map[string][]byte, error)

	LPush(ctx context.Context, name string, value []byte) error
	RPop(ctx context.Context, name string) ([]byte, error)
	LRange(ctx context.Context, name string, start, stop int64) ([][]byte, error)

	XAdd(ctx context.Context, stream string, value []byte) (string, error)
	XRange(ctx context.Context, stream string, count int64) ([]StreamEntry, error)

	// Close releases any held resources (connections, file handles,
	// background pollers).
	Close() error
}
