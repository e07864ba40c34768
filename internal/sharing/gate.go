package sharing

import (
	"context"
	"net/http"
	"strconv"

	"github.com/xaixapi/filelist/internal/apperr"
	"github.com/xaixapi/filelist/internal/disk"
	"github.com/xaixapi/filelist/internal/metadata"
	"github.com/xaixapi/filelist/internal/metrics"
)

// GateConfig configures an access gate.
type GateConfig struct {
	AuthEnabled     bool
	PublicNamespace string
}

// Gate decides whether a requester may act on a disk path.
type Gate struct {
	cfg      GateConfig
	users    metadata.UserStore
	resolver *Resolver
}

// NewGate returns a gate backed by users and resolver.
func NewGate(cfg GateConfig, users metadata.UserStore, resolver *Resolver) *Gate {
	if cfg.PublicNamespace == "" {
		cfg.PublicNamespace = "0"
	}
	return &Gate{cfg: cfg, users: users, resolver: resolver}
}

// CanAccess reports whether requester (nil when anonymous) may perform
// method on rel. shareKey is the optional share id carried by the request.
//
// Owners and admins may do anything. Everybody else may only read, and
// only inside the public namespace, inside a public user's namespace, or
// beneath the path of a live share named by shareKey.
func (g *Gate) CanAccess(ctx context.Context, requester *metadata.User, rel, method, shareKey string) (bool, error) {
	ok, err := g.decide(ctx, requester, rel, method, shareKey)
	if err != nil {
		return false, err
	}
	metrics.RecordPermissionCheck(ok)
	return ok, nil
}

func (g *Gate) decide(ctx context.Context, requester *metadata.User, rel, method, shareKey string) (bool, error) {
	if !g.cfg.AuthEnabled {
		return true, nil
	}
	rel = disk.Clean(rel)
	ns := disk.FirstSegment(rel)
	if requester != nil {
		if ns == strconv.Itoa(requester.ID) || requester.Admin {
			return true, nil
		}
	}
	if method != http.MethodGet && method != http.MethodHead {
		return false, nil
	}
	if ns == g.cfg.PublicNamespace {
		return true, nil
	}
	id, err := strconv.Atoi(ns)
	if err != nil {
		return false, nil
	}
	owner, err := g.users.UserByID(ctx, id)
	switch {
	case err == nil && owner.Public:
		return true, nil
	case err != nil && !apperr.Is(err, apperr.NotFound):
		return false, err
	}
	if len(shareKey) != 24 {
		return false, nil
	}
	sh, err := g.resolver.Lookup(ctx, shareKey)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return false, nil
		}
		return false, err
	}
	return disk.HasPathPrefix(rel, sh.Path), nil
}
