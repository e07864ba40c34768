// Package memory is an in-process metadata store used when auth is disabled
// and in tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/xaixapi/filelist/internal/apperr"
	"github.com/xaixapi/filelist/internal/metadata"
)

// Store implements metadata.Store with maps.
type Store struct {
	mu       sync.RWMutex
	shares   map[string]*metadata.Share
	users    map[int]*metadata.User
	offloads map[string]*metadata.Offload
}

// New returns an empty store.
func New() *Store {
	return &Store{
		shares:   make(map[string]*metadata.Share),
		users:    make(map[int]*metadata.User),
		offloads: make(map[string]*metadata.Offload),
	}
}

// AddUser registers an account.
func (s *Store) AddUser(u metadata.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

// AddOffload registers an offloaded path.
func (s *Store) AddOffload(o metadata.Offload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offloads[o.Path] = &o
}

func clone(sh *metadata.Share) *metadata.Share {
	c := *sh
	if sh.ExpiresAt != nil {
		t := *sh.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

func (s *Store) findLocked(token, path string) *metadata.Share {
	for _, sh := range s.shares {
		if sh.Token == token && sh.Path == path {
			return sh
		}
	}
	return nil
}

func (s *Store) UpsertShare(_ context.Context, sh *metadata.Share) (*metadata.Share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := clone(sh)
	if existing := s.findLocked(sh.Token, sh.Path); existing != nil {
		rec.ID = existing.ID
	} else if rec.ID == "" {
		rec.ID = metadata.NewID()
	}
	s.shares[rec.ID] = rec
	return clone(rec), nil
}

func (s *Store) GetShare(_ context.Context, id string) (*metadata.Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.shares[id]
	if !ok {
		return nil, apperr.E(apperr.NotFound, "share not found")
	}
	return clone(sh), nil
}

func (s *Store) FindShare(_ context.Context, token, path string) (*metadata.Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh := s.findLocked(token, path)
	if sh == nil {
		return nil, apperr.E(apperr.NotFound, "share not found")
	}
	return clone(sh), nil
}

func (s *Store) DeleteShare(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shares, id)
	return nil
}

func (s *Store) DeleteSharesByPath(_ context.Context, path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, sh := range s.shares {
		if sh.Path == path {
			ids = append(ids, id)
			delete(s.shares, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) ListShares(_ context.Context, token string) ([]*metadata.Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*metadata.Share
	for _, sh := range s.shares {
		if token == "" || sh.Token == token {
			out = append(out, clone(sh))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CountShares(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.shares), nil
}

func (s *Store) UserByToken(_ context.Context, token string) (*metadata.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if token != "" && u.Token == token {
			c := *u
			return &c, nil
		}
	}
	return nil, apperr.E(apperr.NotFound, "user not found")
}

func (s *Store) UserByID(_ context.Context, id int) (*metadata.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, apperr.E(apperr.NotFound, "user not found")
	}
	c := *u
	return &c, nil
}

func (s *Store) GetOffload(_ context.Context, path string) (*metadata.Offload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offloads[path]
	if !ok {
		return nil, apperr.E(apperr.NotFound, "offload not found")
	}
	c := *o
	return &c, nil
}

func (s *Store) Close() error { return nil }

var _ metadata.Store = (*Store)(nil)
