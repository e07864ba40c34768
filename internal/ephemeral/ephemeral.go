// Package ephemeral defines the TTL key-value store used for short links,
// access counters and upload bookkeeping. The store is the only state shared
// between server processes that serve one disk root.
package ephemeral

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and TTL when a key is absent or expired.
var ErrNotFound = errors.New("ephemeral: key not found")

// NoExpiry is returned by TTL for keys without a time-to-live.
const NoExpiry time.Duration = -1

// Store is a key-value store with TTLs, counters and lists.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// MGet returns one value per key; missing keys yield "".
	MGet(ctx context.Context, keys ...string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)

	// SetEX stores value under key. A ttl <= 0 stores without expiry.
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error
	// SetMany stores every pair atomically with one shared ttl.
	SetMany(ctx context.Context, pairs map[string]string, ttl time.Duration) error
	// Delete removes keys atomically. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	Incr(ctx context.Context, key string) (int64, error)

	// LPush prepends value to the list under key, keeping its TTL.
	LPush(ctx context.Context, key, value string) error
	// LRange returns list items in [start, stop]; negative stop counts from
	// the end as in Redis.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Keys lists every live key beginning with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// DeletePrefix removes every key beginning with prefix.
func DeletePrefix(ctx context.Context, s Store, prefix string) (int, error) {
	keys, err := s.Keys(ctx, prefix)
	if err != nil || len(keys) == 0 {
		return 0, err
	}
	if err := s.Delete(ctx, keys...); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Keyspace builds the keys used by the server under a shared prefix.
type Keyspace struct {
	Prefix string
}

// Link is the short-link mapping key for a code or a share id.
func (k Keyspace) Link(codeOrID string) string { return k.Prefix + ":LINK:" + codeOrID }

// Num is the access counter key for a disk path.
func (k Keyspace) Num(rel string) string { return k.Prefix + ":NUM:" + rel }

// NumPrefix matches every counter under a disk path.
func (k Keyspace) NumPrefix(rel string) string { return k.Prefix + ":NUM:" + rel }

func (k Keyspace) UploadFlag() string  { return k.Prefix + ":UPLOAD_FLAG" }
func (k Keyspace) UploadList() string  { return k.Prefix + ":UPLOAD:LIST" }
func (k Keyspace) FileCount() string   { return k.Prefix + ":FILE_COUNT" }
func (k Keyspace) CountUpdate() string { return k.Prefix + ":COUNT_UPDATE" }
func (k Keyspace) SendTotal() string   { return k.Prefix + ":SEND:TOTAL" }

// Slice applies Redis LRANGE index semantics to list.
func Slice(list []string, start, stop int64) []string {
	n := int64(len(list))
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
		return nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out
}
