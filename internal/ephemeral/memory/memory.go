// Package memory is an in-process ephemeral store for single-node
// deployments and tests.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xaixapi/filelist/internal/apperr"
	"github.com/xaixapi/filelist/internal/ephemeral"
)

type item struct {
	value   string
	list    []string
	expires time.Time
}

// Store implements ephemeral.Store with a mutex-guarded map.
type Store struct {
	mu    sync.Mutex
	items map[string]*item
	now   func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{items: make(map[string]*item), now: time.Now}
}

// SetClock replaces the time source. Used by tests to expire keys.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) live(key string) *item {
	it, ok := s.items[key]
	if !ok {
		return nil
	}
	if !it.expires.IsZero() && !s.now().Before(it.expires) {
		delete(s.items, key)
		return nil
	}
	return it
}

func (s *Store) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.live(key)
	if it == nil {
		return "", ephemeral.ErrNotFound
	}
	return it.value, nil
}

func (s *Store) MGet(_ context.Context, keys ...string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(keys))
	for i, k := range keys {
		if it := s.live(k); it != nil {
			out[i] = it.value
		}
	}
	return out, nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live(key) != nil, nil
}

func (s *Store) SetEX(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &item{value: value, expires: s.deadline(ttl)}
	return nil
}

func (s *Store) SetMany(_ context.Context, pairs map[string]string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp := s.deadline(ttl)
	for k, v := range pairs {
		s.items[k] = &item{value: v, expires: exp}
	}
	return nil
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.items, k)
	}
	return nil
}

func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.live(key)
	if it == nil {
		it = &item{value: "0"}
		s.items[key] = it
	}
	n, err := strconv.ParseInt(it.value, 10, 64)
	if err != nil {
		return 0, apperr.Errorf(apperr.Validation, "value at %s is not an integer", key)
	}
	n++
	it.value = strconv.FormatInt(n, 10)
	return n, nil
}

func (s *Store) LPush(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.live(key)
	if it == nil {
		it = &item{}
		s.items[key] = it
	}
	it.list = append([]string{value}, it.list...)
	return nil
}

func (s *Store) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.live(key)
	if it == nil {
		return nil, nil
	}
	return ephemeral.Slice(it.list, start, stop), nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it := s.live(key); it != nil {
		it.expires = s.deadline(ttl)
	}
	return nil
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.live(key)
	if it == nil {
		return 0, ephemeral.ErrNotFound
	}
	if it.expires.IsZero() {
		return ephemeral.NoExpiry, nil
	}
	return it.expires.Sub(s.now()), nil
}

func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.items {
		if strings.HasPrefix(k, prefix) && s.live(k) != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Close() error { return nil }

var _ ephemeral.Store = (*Store)(nil)
