// Package badger implements the ephemeral store on an embedded BadgerDB,
// for single-node deployments that want counters and links to survive a
// restart without running Redis.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/xaixapi/filelist/internal/apperr"
	"github.com/xaixapi/filelist/internal/ephemeral"
)

// Config holds BadgerDB settings. An empty Path opens an in-memory store.
type Config struct {
	Path string
}

// Store implements ephemeral.Store on BadgerDB.
type Store struct {
	db *badger.DB
}

// New opens the database.
func New(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %q: %w", cfg.Path, err)
	}
	return &Store{db: db}, nil
}

// RunGC reclaims value log space; call periodically on disk-backed stores.
func (s *Store) RunGC() error {
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
		return nil
	}
	return err
}

// update retries fn on transaction conflicts.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func entry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

// remaining converts an item's absolute expiry back into a TTL.
func remaining(item *badger.Item) time.Duration {
	exp := item.ExpiresAt()
	if exp == 0 {
		return 0
	}
	d := time.Until(time.Unix(int64(exp), 0))
	if d <= 0 {
		return time.Nanosecond
	}
	return d
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	var out string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		out = string(v)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ephemeral.ErrNotFound
	}
	return out, err
}

func (s *Store) MGet(_ context.Context, keys ...string) ([]string, error) {
	out := make([]string, len(keys))
	err := s.db.View(func(txn *badger.Txn) error {
		for i, k := range keys {
			item, err := txn.Get([]byte(k))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[i] = string(v)
		}
		return nil
	})
	return out, err
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if errors.Is(err, ephemeral.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.SetEntry(entry(key, []byte(value), ttl))
	})
}

func (s *Store) SetMany(ctx context.Context, pairs map[string]string, ttl time.Duration) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		for k, v := range pairs {
			if err := txn.SetEntry(entry(k, []byte(v), ttl)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.update(ctx, func(txn *badger.Txn) error {
		n = 0
		var ttl time.Duration
		item, err := txn.Get([]byte(key))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			n, err = strconv.ParseInt(string(v), 10, 64)
			if err != nil {
				return apperr.Errorf(apperr.Validation, "value at %s is not an integer", key)
			}
			ttl = remaining(item)
		}
		n++
		return txn.SetEntry(entry(key, []byte(strconv.FormatInt(n, 10)), ttl))
	})
	return n, err
}

func (s *Store) readList(txn *badger.Txn, key string) ([]string, *badger.Item, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var list []string
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &list)
	})
	return list, item, err
}

func (s *Store) LPush(ctx context.Context, key, value string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		list, item, err := s.readList(txn, key)
		if err != nil {
			return err
		}
		var ttl time.Duration
		if item != nil {
			ttl = remaining(item)
		}
		data, err := json.Marshal(append([]string{value}, list...))
		if err != nil {
			return err
		}
		return txn.SetEntry(entry(key, data, ttl))
	})
}

func (s *Store) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		list, _, err := s.readList(txn, key)
		out = ephemeral.Slice(list, start, stop)
		return err
	})
	return out, err
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return txn.SetEntry(entry(key, v, ttl))
	})
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		if item.ExpiresAt() == 0 {
			d = ephemeral.NoExpiry
			return nil
		}
		d = remaining(item)
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, ephemeral.ErrNotFound
	}
	return d, err
}

func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, err
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ ephemeral.Store = (*Store)(nil)
