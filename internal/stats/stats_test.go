package stats

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaixapi/filelist/internal/ephemeral"
	"github.com/xaixapi/filelist/internal/ephemeral/memory"
	"github.com/xaixapi/filelist/internal/metadata"
	metamem "github.com/xaixapi/filelist/internal/metadata/memory"
)

var keys = ephemeral.Keyspace{Prefix: "t"}

func populate(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
}

func TestRecorder(t *testing.T) {
	store := memory.New()
	r := NewRecorder(store, keys)
	r.now = func() time.Time { return time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC) }
	ctx := context.Background()

	require.NoError(t, r.Upload(ctx, "7/a.txt"))
	require.NoError(t, r.Upload(ctx, "7/b.txt"))
	list, err := store.LRange(ctx, keys.UploadList(), 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-03-01 08:30:00 7/b.txt", "2026-03-01 08:30:00 7/a.txt"}, list)
	ttl, err := store.TTL(ctx, keys.UploadFlag())
	require.NoError(t, err)
	assert.Equal(t, uploadFlagTTL, ttl)

	n, err := r.Access(ctx, "7/a.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = r.Access(ctx, "7/dir/c.txt")
	require.NoError(t, err)
	_, err = r.Access(ctx, "7/directory.txt")
	require.NoError(t, err)

	require.NoError(t, r.Forget(ctx, "7/dir"))
	ok, err := store.Exists(ctx, keys.Num("7/dir/c.txt"))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.Exists(ctx, keys.Num("7/directory.txt"))
	require.NoError(t, err)
	assert.True(t, ok, "sibling with a common prefix survives")

	total, err := r.Send(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestFileCounterGatedByFlag(t *testing.T) {
	root := t.TempDir()
	populate(t, root, "top.txt", "7/a.txt", "7/b.txt", "9/x/y.txt")
	store := memory.New()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	c := NewFileCounter(root, store, keys, 4)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	ran, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ran, "no flag")

	require.NoError(t, NewRecorder(store, keys).Touch(ctx))
	ran, err = c.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ran, "flag too fresh")

	now = now.Add(30 * time.Minute)
	ran, err = c.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	v, err := store.Get(ctx, keys.FileCount())
	require.NoError(t, err)
	assert.Equal(t, "4   ( +4 )", v)
	ok, err := store.Exists(ctx, keys.UploadFlag())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.Remove(filepath.Join(root, "7", "a.txt")))
	require.NoError(t, NewRecorder(store, keys).Touch(ctx))
	now = now.Add(time.Hour)
	ran, err = c.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)
	v, err = store.Get(ctx, keys.FileCount())
	require.NoError(t, err)
	assert.Equal(t, "3   ( -1 )", v)
	upd, err := store.Get(ctx, keys.CountUpdate())
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01 09:30:00", upd)
}

func TestSnapshot(t *testing.T) {
	root := t.TempDir()
	store := memory.New()
	shares := metamem.New()
	ctx := context.Background()
	_, err := shares.UpsertShare(ctx, &metadata.Share{Token: "t", Path: "7/a"})
	require.NoError(t, err)
	require.NoError(t, store.SetEX(ctx, keys.SendTotal(), "12", 0))
	require.NoError(t, NewRecorder(store, keys).Upload(ctx, "7/a"))

	s, err := Snapshot(ctx, root, store, keys, shares)
	require.NoError(t, err)
	assert.EqualValues(t, 12, s.SendTotal)
	assert.Equal(t, 1, s.Shares)
	assert.Len(t, s.Uploads, 1)
	require.NotNil(t, s.Disk)
	assert.Greater(t, s.Disk.Total, uint64(0))
}
