package upload

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaixapi/filelist/internal/apperr"
	"github.com/xaixapi/filelist/internal/disk"
)

func newManager(t *testing.T) (*Manager, *disk.Root) {
	t.Helper()
	root, err := disk.New(disk.Config{RootPath: t.TempDir()})
	require.NoError(t, err)
	m, err := NewManager(root, Config{TmpDir: t.TempDir()})
	require.NoError(t, err)
	return m, root
}

func split(data []byte, n int) [][]byte {
	size := (len(data) + n - 1) / n
	parts := make([][]byte, n)
	for i := range parts {
		start := min(i*size, len(data))
		end := min(start+size, len(data))
		parts[i] = data[start:end]
	}
	return parts
}

func md5hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func readRel(t *testing.T, root *disk.Root, rel string) []byte {
	t.Helper()
	abs, err := root.Abs(rel)
	require.NoError(t, err)
	b, err := os.ReadFile(abs)
	require.NoError(t, err)
	return b
}

func TestMergeOutOfOrder(t *testing.T) {
	m, root := newManager(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte("0123456789"), 1000)
	parts := split(data, 3)
	session := SessionID("guid", "1")

	for _, i := range []int{0, 2, 1} {
		_, err := m.WriteChunk(ctx, session, 3, i, bytes.NewReader(parts[i]))
		require.NoError(t, err)
	}

	rel, err := m.Merge(ctx, session, "7/docs", "big.bin", md5hex(data))
	require.NoError(t, err)
	assert.Equal(t, "7/docs/big.bin", rel)
	assert.Equal(t, data, readRel(t, root, rel))

	_, err = os.Stat(filepath.Join(m.tmpDir, session))
	assert.True(t, os.IsNotExist(err), "session directory removed after merge")
}

func TestMergeAnyPermutation(t *testing.T) {
	data := make([]byte, 64*1024+17)
	rand.New(rand.NewSource(1)).Read(data)

	for _, n := range []int{1, 2, 5, 8} {
		m, root := newManager(t)
		ctx := context.Background()
		parts := split(data, n)
		session := SessionID("perm", "x")

		var wg sync.WaitGroup
		for _, i := range rand.New(rand.NewSource(int64(n))).Perm(n) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := m.WriteChunk(ctx, session, n, i, bytes.NewReader(parts[i]))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		rel, err := m.Merge(ctx, session, "", "out.bin", "")
		require.NoError(t, err, "n=%d", n)
		assert.Equal(t, data, readRel(t, root, rel), "n=%d", n)
	}
}

func TestMergeMissingFragmentKeepsSession(t *testing.T) {
	m, root := newManager(t)
	ctx := context.Background()
	data := []byte("abcdefghi")
	parts := split(data, 3)
	session := SessionID("g", "2")

	for _, i := range []int{0, 2} {
		_, err := m.WriteChunk(ctx, session, 3, i, bytes.NewReader(parts[i]))
		require.NoError(t, err)
	}

	_, err := m.Merge(ctx, session, "7", "f.txt", md5hex(data))
	require.Error(t, err)
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, apperr.Integrity, ae.Kind)
	assert.Equal(t, 1, ae.Missing)
	assert.False(t, root.Exists("7/f.txt"), "no destination on failure")

	st, err := m.Status(session)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, st.Missing())

	_, err = m.WriteChunk(ctx, session, 3, 1, bytes.NewReader(parts[1]))
	require.NoError(t, err)
	rel, err := m.Merge(ctx, session, "7", "f.txt", md5hex(data))
	require.NoError(t, err)
	assert.Equal(t, data, readRel(t, root, rel))
}

func TestMergeDigestMismatch(t *testing.T) {
	m, root := newManager(t)
	ctx := context.Background()
	session := SessionID("g", "3")
	_, err := m.WriteChunk(ctx, session, 1, 0, bytes.NewReader([]byte("payload")))
	require.NoError(t, err)

	_, err = m.Merge(ctx, session, "7", "f.txt", md5hex([]byte("other")))
	assert.Equal(t, apperr.Integrity, apperr.KindOf(err))
	assert.False(t, root.Exists("7/f.txt"))

	entries, err := os.ReadDir(filepath.Join(root.Path(), "7"))
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary merge output removed")

	_, err = m.Status(session)
	require.NoError(t, err, "session kept for retry")

	for _, skip := range []string{"", "undefined"} {
		_, err = m.WriteChunk(ctx, session, 1, 0, bytes.NewReader([]byte("payload")))
		require.NoError(t, err)
		_, err = m.Merge(ctx, session, "7", "f.txt", skip)
		require.NoError(t, err, "digest %q means none", skip)
	}
}

func TestMergeKeepsFolderStructure(t *testing.T) {
	m, root := newManager(t)
	ctx := context.Background()
	session := SessionID("dir", "4")
	_, err := m.WriteChunk(ctx, session, 1, 0, bytes.NewReader([]byte("nested")))
	require.NoError(t, err)

	rel, err := m.Merge(ctx, session, "7", "album/2024/a.txt", "")
	require.NoError(t, err)
	assert.Equal(t, "7/album/2024/a.txt", rel)
	assert.Equal(t, []byte("nested"), readRel(t, root, rel))

	for _, bad := range []string{"../x.txt", "album/../../x.txt", " / "} {
		_, err = m.WriteChunk(ctx, session, 1, 0, bytes.NewReader([]byte("nested")))
		require.NoError(t, err)
		_, err = m.Merge(ctx, session, "7", bad, "")
		assert.Equal(t, apperr.Validation, apperr.KindOf(err), "name %q", bad)
	}
}

func TestMergeUnknownSession(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Merge(context.Background(), "nope-1", "7", "f", "")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestWriteChunkValidation(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	tests := []struct {
		name    string
		session string
		chunks  int
		index   int
	}{
		{"traversal", "../etc", 1, 0},
		{"separator", "a/b", 1, 0},
		{"hidden", ".x-1", 1, 0},
		{"zero chunks", "g-1", 0, 0},
		{"index too large", "g-1", 2, 2},
		{"negative index", "g-1", 2, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.WriteChunk(ctx, tt.session, tt.chunks, tt.index, bytes.NewReader(nil))
			assert.Equal(t, apperr.Validation, apperr.KindOf(err))
		})
	}
}

func TestConcurrentMergeSharesResult(t *testing.T) {
	m, root := newManager(t)
	ctx := context.Background()
	session := SessionID("g", "4")
	data := bytes.Repeat([]byte("x"), 1<<20)
	for i, p := range split(data, 4) {
		_, err := m.WriteChunk(ctx, session, 4, i, bytes.NewReader(p))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	results := make([]string, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = m.Merge(ctx, session, "7", "x.bin", "")
		}()
	}
	wg.Wait()

	ok := 0
	for i := range results {
		if errs[i] == nil {
			ok++
			assert.Equal(t, "7/x.bin", results[i])
		} else {
			assert.Equal(t, apperr.NotFound, apperr.KindOf(errs[i]), "a late merge finds the session consumed")
		}
	}
	assert.GreaterOrEqual(t, ok, 1)
	assert.Equal(t, data, readRel(t, root, "7/x.bin"))
}

func TestStatus(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	session := SessionID("g", "5")

	_, err := m.Status(session)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	for _, i := range []int{3, 0} {
		_, err := m.WriteChunk(ctx, session, 4, i, bytes.NewReader([]byte{1}))
		require.NoError(t, err)
	}
	st, err := m.Status(session)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Chunks)
	assert.Equal(t, []int{0, 3}, st.Received)
	assert.Equal(t, []int{1, 2}, st.Missing())
}

func TestCleanup(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	_, err := m.WriteChunk(ctx, "old-1", 1, 0, bytes.NewReader([]byte{1}))
	require.NoError(t, err)
	_, err = m.WriteChunk(ctx, "new-1", 1, 0, bytes.NewReader([]byte{1}))
	require.NoError(t, err)

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(m.tmpDir, "old-1"), past, past))

	assert.Equal(t, 1, m.Cleanup(time.Now()))
	_, err = m.Status("old-1")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	_, err = m.Status("new-1")
	assert.NoError(t, err)
}

func TestParseFragment(t *testing.T) {
	tests := []struct {
		name          string
		chunks, index int
		ok            bool
	}{
		{"3_0", 3, 0, true},
		{"10_9", 10, 9, true},
		{"3_3", 0, 0, false},
		{".part-123", 0, 0, false},
		{"x_1", 0, 0, false},
	}
	for _, tt := range tests {
		c, i, ok := parseFragment(tt.name)
		if ok != tt.ok || (ok && (c != tt.chunks || i != tt.index)) {
			t.Errorf("parseFragment(%q) = %d, %d, %v", tt.name, c, i, ok)
		}
	}
}
