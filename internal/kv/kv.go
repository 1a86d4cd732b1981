// Package kv defines the key-value store contract the game core is written
// against.
//
// The primitives mirror a Redis-like data model: strings, hashes, sets and
// sorted sets, each addressed by a key that may carry an expiration. All
// mutation happens inside Store.Update, which applies its writes as one
// all-or-nothing batch.
package kv

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrBadKey    = errors.New("key is empty or contains a NUL byte")
	ErrWrongType = errors.New("operation against a key holding the wrong kind of value")
	ErrNotInt    = errors.New("value is not an integer")
	ErrNaNScore  = errors.New("sorted set score is NaN")
)

// Z is one sorted-set entry.
type Z struct {
	Member string
	Score  float64
}

// Reader is the read-only view of a store snapshot.
type Reader interface {
	Get(key string) (string, bool, error)
	Exists(key string) (bool, error)

	HGet(key, field string) (string, bool, error)
	HGetAll(key string) (map[string]string, error)

	SMembers(key string) ([]string, error)
	SIsMember(key, member string) (bool, error)

	ZScore(key, member string) (float64, bool, error)
	ZCard(key string) (int, error)
	// ZRange returns members by rank, start and stop inclusive. Negative
	// indices count from the end (-1 is the last member). With rev the
	// ranking runs from the highest score down.
	ZRange(key string, start, stop int, rev bool) ([]Z, error)
	// ZRangeByScore returns members with min <= score <= max.
	ZRangeByScore(key string, min, max float64, rev bool) ([]Z, error)
}

// Tx is a read-write batch. Reads observe the batch's own earlier writes.
type Tx interface {
	Reader

	// Set stores a string value. A zero ttl stores it without expiration.
	Set(key, value string, ttl time.Duration) error
	Incr(key string) (int64, error)
	Delete(keys ...string) error
	Expire(key string, ttl time.Duration) error

	HSet(key string, fields map[string]string) error
	HIncrBy(key, field string, n int64) (int64, error)

	SAdd(key string, members ...string) error
	SRem(key string, members ...string) error

	ZAdd(key, member string, score float64) error
	ZRem(key string, members ...string) error
}

// Store is implemented by every backend.
type Store interface {
	View(ctx context.Context, fn func(r Reader) error) error
	// Update runs fn in a transaction. If fn returns an error nothing it
	// wrote becomes visible. Conflicts and backend failures are reported as
	// fault.ErrStoreUnavailable.
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Kind tags the value type stored under a key.
type Kind byte

const (
	KindString Kind = 's'
	KindHash   Kind = 'h'
	KindSet    Kind = 'e'
	KindZSet   Kind = 'z'
)

// CheckKey rejects keys no backend can encode.
func CheckKey(key string) error {
	if key == "" || strings.IndexByte(key, 0) >= 0 {
		return ErrBadKey
	}
	return nil
}

// RankWindow resolves a Redis style inclusive rank window against a set of
// size n. ok is false when the window is empty.
func RankWindow(start, stop, n int) (from, to int, ok bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return 0, 0, false
	}
	return start, stop, true
}
