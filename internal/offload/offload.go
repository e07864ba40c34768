// Package offload redirects downloads of files whose bytes live in external
// storage, either behind a fixed URL or as an object in an S3 bucket.
package offload

import (
	"context"
	"path"

	"github.com/xaixapi/filelist/internal/apperr"
	"github.com/xaixapi/filelist/internal/metadata"
)

// Presigner mints temporary download URLs for object keys.
type Presigner interface {
	PresignGet(ctx context.Context, key, filename string) (string, error)
}

// Redirector finds the external location of offloaded paths.
type Redirector struct {
	records   metadata.OffloadStore
	presigner Presigner
}

// NewRedirector returns a redirector. presigner may be nil, in which case
// records carrying only an object key are ignored.
func NewRedirector(records metadata.OffloadStore, presigner Presigner) *Redirector {
	return &Redirector{records: records, presigner: presigner}
}

// Location returns where rel should be downloaded from, or "" when rel is
// served from the disk.
func (r *Redirector) Location(ctx context.Context, rel string) (string, error) {
	if r == nil || r.records == nil {
		return "", nil
	}
	rec, err := r.records.GetOffload(ctx, rel)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return "", nil
		}
		return "", err
	}
	if rec.URL != "" {
		return rec.URL, nil
	}
	if rec.S3Key != "" && r.presigner != nil {
		return r.presigner.PresignGet(ctx, rec.S3Key, path.Base(rec.Path))
	}
	return "", nil
}
