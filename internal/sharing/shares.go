// Package sharing implements share records, their short links and the
// access gate that decides who may read or write a disk path.
package sharing

import (
	"cmp"
	"context"
	"regexp"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xaixapi/filelist/internal/apperr"
	"github.com/xaixapi/filelist/internal/disk"
	"github.com/xaixapi/filelist/internal/ephemeral"
	"github.com/xaixapi/filelist/internal/logging"
	"github.com/xaixapi/filelist/internal/metadata"
	"github.com/xaixapi/filelist/internal/metrics"
)

// Resolver creates, lists and resolves shares.
type Resolver struct {
	shares metadata.ShareStore
	root   *disk.Root
	store  ephemeral.Store
	keys   ephemeral.Keyspace
	links  *LinkPairs
	now    func() time.Time
}

// NewResolver returns a resolver over the given stores.
func NewResolver(shares metadata.ShareStore, root *disk.Root, store ephemeral.Store, keys ephemeral.Keyspace) *Resolver {
	return &Resolver{
		shares: shares,
		root:   root,
		store:  store,
		keys:   keys,
		links:  NewLinkPairs(store, keys),
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (r *Resolver) SetClock(now func() time.Time) { r.now = now }

// Links exposes the short-link pairs.
func (r *Resolver) Links() *LinkPairs { return r.links }

// View is a share as presented to its owner.
type View struct {
	*metadata.Share
	Key  string `json:"key"`
	Link string `json:"link"`
	Num  int64  `json:"num"`
}

func (r *Resolver) find(ctx context.Context, token, rel string) (*metadata.Share, error) {
	sh, err := r.shares.FindShare(ctx, token, rel)
	if apperr.Is(err, apperr.NotFound) {
		return nil, nil
	}
	return sh, err
}

// CreateOrToggle shares rel on behalf of owner. When toggle is set and the
// share already exists it is removed instead and removed is true. A
// positive days bounds the share's lifetime; otherwise it never expires.
func (r *Resolver) CreateOrToggle(ctx context.Context, owner *metadata.User, rel string, days int, toggle bool) (*metadata.Share, bool, error) {
	rel = disk.Clean(rel)
	existing, err := r.find(ctx, owner.Token, rel)
	if err != nil {
		return nil, false, err
	}
	if existing != nil && toggle {
		if err := r.remove(ctx, existing); err != nil {
			return nil, false, err
		}
		r.updateGauge(ctx)
		return existing, true, nil
	}

	info, err := r.root.Stat(rel)
	if err != nil {
		return nil, false, err
	}
	now := r.now().Truncate(time.Second)
	sh := &metadata.Share{
		Token:     owner.Token,
		Path:      rel,
		ModTime:   info.ModTime().Unix(),
		Size:      info.Size(),
		IsDir:     info.IsDir(),
		CreatedAt: now,
	}
	if days > 0 {
		exp := now.Add(time.Duration(days) * 24 * time.Hour)
		sh.ExpiresAt = &exp
	}
	stored, err := r.shares.UpsertShare(ctx, sh)
	if err != nil {
		return nil, false, err
	}

	code, err := r.links.Get(ctx, stored.ID)
	if err != nil {
		return nil, false, err
	}
	if code != "" {
		if err := r.links.Put(ctx, stored.ID, code, linkTTL(stored.ExpiresAt, r.now())); err != nil {
			return nil, false, err
		}
	}
	r.updateGauge(ctx)
	logging.WithContext(ctx).Info("share saved",
		zap.String("path", rel),
		zap.Int("owner", owner.ID),
		zap.Int("days", days))
	return stored, false, nil
}

// Unshare removes owner's share of rel. Unknown shares are ignored.
func (r *Resolver) Unshare(ctx context.Context, owner *metadata.User, rel string) error {
	sh, err := r.find(ctx, owner.Token, disk.Clean(rel))
	if err != nil || sh == nil {
		return err
	}
	if err := r.remove(ctx, sh); err != nil {
		return err
	}
	r.updateGauge(ctx)
	return nil
}

// ForgetPath drops every share of rel together with its short links.
func (r *Resolver) ForgetPath(ctx context.Context, rel string) error {
	ids, err := r.shares.DeleteSharesByPath(ctx, disk.Clean(rel))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.links.Drop(ctx, id); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		r.updateGauge(ctx)
	}
	return nil
}

func (r *Resolver) remove(ctx context.Context, sh *metadata.Share) error {
	if err := r.links.Drop(ctx, sh.ID); err != nil {
		return err
	}
	if err := r.shares.DeleteShare(ctx, sh.ID); err != nil && !apperr.Is(err, apperr.NotFound) {
		return err
	}
	return nil
}

// stale reports why sh can no longer be served, or "" when it is live.
func (r *Resolver) stale(sh *metadata.Share) string {
	if sh.Expired(r.now()) {
		return "expired"
	}
	if !r.root.Exists(sh.Path) {
		return "missing"
	}
	return ""
}

// Lookup returns the live share with id. Expired shares and shares whose
// path is gone are deleted along with their links and reported NotFound.
func (r *Resolver) Lookup(ctx context.Context, id string) (*metadata.Share, error) {
	if !metadata.IsID(id) {
		return nil, apperr.E(apperr.NotFound, "share not found")
	}
	sh, err := r.shares.GetShare(ctx, id)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			metrics.RecordShareAccess("missing")
		}
		return nil, err
	}
	if reason := r.stale(sh); reason != "" {
		if err := r.remove(ctx, sh); err != nil {
			return nil, err
		}
		metrics.RecordShareAccess(reason)
		r.updateGauge(ctx)
		return nil, apperr.Errorf(apperr.NotFound, "share %s", reason)
	}
	return sh, nil
}

// IsCode reports whether s has the length of a short code or a share id.
func IsCode(s string) bool {
	switch len(s) {
	case 6, 8, 10, 12, 24:
		return true
	}
	return false
}

// Access resolves a short code or share id to a live share and makes sure
// it has a short link.
func (r *Resolver) Access(ctx context.Context, codeOrID string) (*metadata.Share, error) {
	id := codeOrID
	switch len(codeOrID) {
	case 24:
	case 6, 8, 10, 12:
		resolved, err := r.links.Resolve(ctx, codeOrID)
		if err != nil {
			return nil, err
		}
		if resolved == "" {
			metrics.RecordShareAccess("missing")
			return nil, apperr.E(apperr.NotFound, "link not found")
		}
		id = resolved
	default:
		return nil, apperr.E(apperr.NotFound, "link not found")
	}
	sh, err := r.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := r.EnsureLink(ctx, sh); err != nil {
		return nil, err
	}
	metrics.RecordShareAccess("ok")
	return sh, nil
}

// EnsureLink returns the short code of sh, minting one if none is live.
// The link lives until the share expires, or DefaultLinkTTL.
func (r *Resolver) EnsureLink(ctx context.Context, sh *metadata.Share) (string, error) {
	code, err := r.links.Get(ctx, sh.ID)
	if err != nil || code != "" {
		return code, err
	}
	ttl := linkTTL(sh.ExpiresAt, r.now())
	if ttl <= 0 {
		return "", nil
	}
	code = GenerateCode(sh.ID)
	if err := r.links.Put(ctx, sh.ID, code, ttl); err != nil {
		return "", err
	}
	metrics.RecordLinkMinted()
	return code, nil
}

// ShareOf returns owner's share of rel, or nil.
func (r *Resolver) ShareOf(ctx context.Context, owner *metadata.User, rel string) (*metadata.Share, error) {
	return r.find(ctx, owner.Token, disk.Clean(rel))
}

// List returns the shares of token whose path matches the regular
// expression q (all when q is empty). Stale shares are removed on the way.
// Sort is "time", "size", "num" or anything else for newest first.
func (r *Resolver) List(ctx context.Context, token, q, sortKey string, order int) ([]View, error) {
	var re *regexp.Regexp
	if q != "" {
		var err error
		if re, err = regexp.Compile(q); err != nil {
			re = regexp.MustCompile(regexp.QuoteMeta(q))
		}
	}
	shares, err := r.shares.ListShares(ctx, token)
	if err != nil {
		return nil, err
	}

	views := make([]View, 0, len(shares))
	removed := false
	for _, sh := range shares {
		if re != nil && !re.MatchString(sh.Path) {
			continue
		}
		if r.stale(sh) != "" {
			if err := r.remove(ctx, sh); err != nil {
				return nil, err
			}
			removed = true
			continue
		}
		code, err := r.EnsureLink(ctx, sh)
		if err != nil {
			return nil, err
		}
		views = append(views, View{Share: sh, Key: sh.ID, Link: code, Num: r.accessCount(ctx, sh.Path)})
	}
	if removed {
		r.updateGauge(ctx)
	}
	sortViews(views, sortKey, order)
	return views, nil
}

func (r *Resolver) accessCount(ctx context.Context, rel string) int64 {
	v, err := r.store.Get(ctx, r.keys.Num(rel))
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

func sortViews(views []View, sortKey string, order int) {
	var key func(a, b View) int
	desc := order == -1
	switch sortKey {
	case "time":
		key = func(a, b View) int { return cmp.Compare(a.ModTime, b.ModTime) }
		desc = order == 1
	case "size":
		key = func(a, b View) int { return cmp.Compare(a.Size, b.Size) }
	case "num":
		key = func(a, b View) int { return cmp.Compare(a.Num, b.Num) }
	default:
		key = func(a, b View) int { return cmp.Compare(a.ModTime, b.ModTime) }
		desc = order != -1
	}
	slices.SortStableFunc(views, func(a, b View) int {
		if desc {
			return key(b, a)
		}
		return key(a, b)
	})
}

func (r *Resolver) updateGauge(ctx context.Context) {
	n, err := r.shares.CountShares(ctx)
	if err != nil {
		logging.WithContext(ctx).Warn("count shares", zap.Error(err))
		return
	}
	metrics.SetSharesActive(n)
}
