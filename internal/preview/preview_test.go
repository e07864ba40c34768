package preview

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := map[string]Kind{
		"a.zip":      Zip,
		"a.tar.gz":   Tar,
		"a.TGZ":      Tar,
		"movie.MKV":  Video,
		"song.flac":  Audio,
		"data.json":  JSON,
		"README.md":  Markdown,
		"main.go":    Code,
		"notes.txt":  Code,
		"photo.jpg":  Raw,
		"doc.pdf":    Raw,
		"binary.exe": Unsupported,
		"no-suffix":  Unsupported,
	}
	for name, want := range tests {
		assert.Equal(t, want, Classify(name), name)
	}
}

func TestListZip(t *testing.T) {
	file := filepath.Join(t.TempDir(), "a.zip")
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"b.txt", "a/", "a/c.txt"} {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: time.Unix(1700000000, 0)})
		require.NoError(t, err)
		if !strings.HasSuffix(name, "/") {
			_, err = w.Write([]byte("hello"))
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(file, buf.Bytes(), 0o644))

	items, err := ListZip(file)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "a/", items[0].Path)
	assert.True(t, items[0].IsDir)
	assert.Equal(t, "a/c.txt", items[1].Path)
	assert.EqualValues(t, 5, items[1].Size)
	assert.Equal(t, "b.txt", items[2].Path)

	bad := filepath.Join(t.TempDir(), "bad.zip")
	require.NoError(t, os.WriteFile(bad, []byte("nope"), 0o644))
	_, err = ListZip(bad)
	assert.ErrorIs(t, err, ErrNotArchive)
}

func writeTar(t *testing.T, w *tar.Writer) {
	t.Helper()
	require.NoError(t, w.WriteHeader(&tar.Header{Name: "dir/", Typeflag: tar.TypeDir, Mode: 0o755, ModTime: time.Unix(1700000000, 0)}))
	require.NoError(t, w.WriteHeader(&tar.Header{Name: "dir/x.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: 3}))
	_, err := w.Write([]byte("xyz"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestListTar(t *testing.T) {
	dir := t.TempDir()

	var plain bytes.Buffer
	writeTar(t, tar.NewWriter(&plain))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.tar"), plain.Bytes(), 0o644))

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	writeTar(t, tar.NewWriter(gz))
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.tgz"), compressed.Bytes(), 0o644))

	for _, name := range []string{"a.tar", "a.tgz"} {
		items, err := ListTar(filepath.Join(dir, name))
		require.NoError(t, err, name)
		require.Len(t, items, 2, name)
		assert.True(t, items[0].IsDir)
		assert.Equal(t, "dir/x.txt", items[1].Path)
		assert.EqualValues(t, 3, items[1].Size)
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.gz"), []byte("plain text"), 0o644))
	_, err := ListTar(filepath.Join(dir, "bad.gz"))
	assert.ErrorIs(t, err, ErrNotArchive)
}

func TestRenderMarkdown(t *testing.T) {
	page, err := RenderMarkdown([]byte("# Title\n\n| a | b |\n|---|---|\n| 1 | 2 |\n\n~~gone~~\n"))
	require.NoError(t, err)
	assert.Contains(t, page, `<h1 id="title">Title</h1>`)
	assert.Contains(t, page, "<table>")
	assert.Contains(t, page, "<del>gone</del>")
	assert.True(t, strings.HasPrefix(page, "<!DOCTYPE html>"))
}

func TestRenderCode(t *testing.T) {
	page, err := RenderCode("main.go", []byte("package main\n\nfunc main() {}\n"))
	require.NoError(t, err)
	assert.Contains(t, page, "<pre")
	assert.Contains(t, page, "package")

	page, err = RenderCode("notes.unknownext", []byte("<script>alert(1)</script>"))
	require.NoError(t, err)
	assert.NotContains(t, page, "<script>alert")
}

func TestMediaPagesEscapeSource(t *testing.T) {
	assert.Contains(t, RenderVideo(`/disk/7/a".mp4`), `src="/disk/7/a&#34;.mp4"`)
	assert.Contains(t, RenderAudio("/disk/7/a.mp3?key=x&y"), "key=x&amp;y")
}
