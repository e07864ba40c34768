package preview

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/bzip2"
	"errors"
	"io"
	"os"
	"sort"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// Item is one member of an archive listing.
type Item struct {
	Path    string `json:"path"`
	ModTime int64  `json:"mtime"`
	Size    int64  `json:"size"`
	IsDir   bool   `json:"is_dir"`
}

// ErrNotArchive is returned when a file cannot be read as the archive
// type its name suggests.
var ErrNotArchive = errors.New("preview: not an archive")

// ListZip lists the members of a zip file sorted by name. Names stored
// without the UTF-8 flag are decoded as GBK when that succeeds.
func ListZip(file string) ([]Item, error) {
	zr, err := zip.OpenReader(file)
	if err != nil {
		return nil, errors.Join(ErrNotArchive, err)
	}
	defer zr.Close()

	items := make([]Item, 0, len(zr.File))
	for _, f := range zr.File {
		name := f.Name
		if f.NonUTF8 {
			name = decodeGBK(name)
		}
		items = append(items, Item{
			Path:    name,
			ModTime: f.Modified.Unix(),
			Size:    int64(f.UncompressedSize64),
			IsDir:   f.FileInfo().IsDir(),
		})
	}
	sortItems(items)
	return items, nil
}

func decodeGBK(name string) string {
	out, err := simplifiedchinese.GBK.NewDecoder().String(name)
	if err != nil {
		return name
	}
	return out
}

// ListTar lists the members of a tar file, optionally gzip or bzip2
// compressed, sorted by name.
func ListTar(file string) ([]Item, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := decompress(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Join(ErrNotArchive, err)
	}
	tr := tar.NewReader(r)
	var items []Item
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Join(ErrNotArchive, err)
		}
		items = append(items, Item{
			Path:    hdr.Name,
			ModTime: hdr.ModTime.Unix(),
			Size:    hdr.Size,
			IsDir:   hdr.Typeflag == tar.TypeDir,
		})
	}
	if items == nil {
		return nil, ErrNotArchive
	}
	sortItems(items)
	return items, nil
}

func decompress(r *bufio.Reader) (io.Reader, error) {
	magic, err := r.Peek(3)
	if err != nil && err != io.EOF {
		return nil, err
	}
	switch {
	case bytes.HasPrefix(magic, []byte{0x1f, 0x8b}):
		return gzip.NewReader(r)
	case bytes.HasPrefix(magic, []byte("BZh")):
		return bzip2.NewReader(r), nil
	}
	return r, nil
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
}
