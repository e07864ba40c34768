package index

import (
	"context"
	"strconv"

	"github.com/xaixapi/filelist/internal/ephemeral"
)

// StoreCounter reads access counters from the ephemeral store.
type StoreCounter struct {
	Store ephemeral.Store
	Keys  ephemeral.Keyspace
}

// Counts implements Counter.
func (s StoreCounter) Counts(ctx context.Context, paths []string) ([]int64, error) {
	keys := make([]string, len(paths))
	for i, p := range paths {
		keys[i] = s.Keys.Num(p)
	}
	vals, err := s.Store.MGet(ctx, keys...)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(paths))
	for i, v := range vals {
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			out[i] = n
		}
	}
	return out, nil
}
