// Package metadata defines the persistent records (shares, users, offloaded
// files) and the store contract the server consumes them through.
package metadata

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Share is a persistent share record. At most one exists per (Token, Path).
type Share struct {
	ID        string     `json:"id"`
	Token     string     `json:"-"`
	Path      string     `json:"name"`
	ModTime   int64      `json:"mtime"`
	Size      int64      `json:"size"`
	IsDir     bool       `json:"is_dir"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expired_at,omitempty"`
}

// Expired reports whether the share is past its expiry at now.
func (s *Share) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// User is an account as seen by the disk server. Accounts are created and
// authenticated elsewhere; the server only looks them up.
type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Token    string `json:"-"`
	Admin    bool   `json:"admin"`
	Public   bool   `json:"public"`
}

// Offload marks a disk path whose bytes are served from external storage,
// either a literal URL or an object key in the offload bucket.
type Offload struct {
	Path  string `json:"path"`
	URL   string `json:"url,omitempty"`
	S3Key string `json:"s3_key,omitempty"`
}

// ShareStore persists share records.
type ShareStore interface {
	// UpsertShare inserts s or replaces the record with the same
	// (Token, Path), keeping its ID. The stored record is returned.
	UpsertShare(ctx context.Context, s *Share) (*Share, error)
	GetShare(ctx context.Context, id string) (*Share, error)
	FindShare(ctx context.Context, token, path string) (*Share, error)
	DeleteShare(ctx context.Context, id string) error
	// DeleteSharesByPath removes every share on path and returns their IDs.
	DeleteSharesByPath(ctx context.Context, path string) ([]string, error)
	// ListShares returns the owner's shares; an empty token lists all.
	ListShares(ctx context.Context, token string) ([]*Share, error)
	CountShares(ctx context.Context) (int, error)
}

// UserStore resolves accounts.
type UserStore interface {
	UserByToken(ctx context.Context, token string) (*User, error)
	UserByID(ctx context.Context, id int) (*User, error)
}

// OffloadStore resolves offloaded paths.
type OffloadStore interface {
	GetOffload(ctx context.Context, path string) (*Offload, error)
}

// Store is the full metadata store.
type Store interface {
	ShareStore
	UserStore
	OffloadStore
	Close() error
}

// NewID returns a random 24-character lowercase hex identifier.
func NewID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("metadata: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// IsID reports whether s has the shape of a share identifier.
func IsID(s string) bool {
	if len(s) != 24 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
