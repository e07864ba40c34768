package sharing

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"math/big"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/xaixapi/filelist/internal/ephemeral"
)

// DefaultLinkTTL is the lifetime of a short link whose share never expires.
const DefaultLinkTTL = 36000 * 24 * time.Hour

const codeAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// LinkPairs stores short links as two keys, code -> id and id -> code,
// written and removed together.
type LinkPairs struct {
	store ephemeral.Store
	keys  ephemeral.Keyspace
}

// NewLinkPairs returns link pairs stored in s under keys.
func NewLinkPairs(s ephemeral.Store, keys ephemeral.Keyspace) *LinkPairs {
	return &LinkPairs{store: s, keys: keys}
}

// Get returns the code minted for a share id, or "" when none is live.
func (l *LinkPairs) Get(ctx context.Context, id string) (string, error) {
	code, err := l.store.Get(ctx, l.keys.Link(id))
	if errors.Is(err, ephemeral.ErrNotFound) {
		return "", nil
	}
	return code, err
}

// Resolve returns the share id a code points at, or "" when the code is
// unknown or expired.
func (l *LinkPairs) Resolve(ctx context.Context, code string) (string, error) {
	id, err := l.store.Get(ctx, l.keys.Link(code))
	if errors.Is(err, ephemeral.ErrNotFound) {
		return "", nil
	}
	return id, err
}

// Put writes both directions of a pair with one ttl.
func (l *LinkPairs) Put(ctx context.Context, id, code string, ttl time.Duration) error {
	return l.store.SetMany(ctx, map[string]string{
		l.keys.Link(code): id,
		l.keys.Link(id):   code,
	}, ttl)
}

// Drop removes the pair of a share id, if any.
func (l *LinkPairs) Drop(ctx context.Context, id string) error {
	code, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	keys := []string{l.keys.Link(id)}
	if code != "" {
		keys = append(keys, l.keys.Link(code))
	}
	return l.store.Delete(ctx, keys...)
}

// GenerateCode mints a 12 character short code for id: eight hex digits of
// a salted BLAKE2b digest and four random alphanumerics, in random order.
func GenerateCode(id string) string {
	salt := make([]byte, 6)
	mustRead(salt)

	h, err := blake2b.New(6, nil)
	if err != nil {
		panic("sharing: blake2b: " + err.Error())
	}
	h.Write([]byte(id + base64.RawURLEncoding.EncodeToString(salt)))
	digest := hex.EncodeToString(h.Sum(nil))[:8]

	suffix := make([]byte, 4)
	for i := range suffix {
		suffix[i] = codeAlphabet[randInt(len(codeAlphabet))]
	}
	if randInt(2) == 0 {
		return digest + string(suffix)
	}
	return string(suffix) + digest
}

func mustRead(b []byte) {
	if _, err := rand.Read(b); err != nil {
		panic("sharing: crypto/rand failed: " + err.Error())
	}
}

func randInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("sharing: crypto/rand failed: " + err.Error())
	}
	return int(v.Int64())
}

// linkTTL is the pair lifetime for a share at now.
func linkTTL(expiresAt *time.Time, now time.Time) time.Duration {
	if expiresAt == nil {
		return DefaultLinkTTL
	}
	return expiresAt.Sub(now)
}
