// Package disk confines filesystem access to the served root and implements
// the mutating tree operations (folder, rename, move, delete, public link).
package disk

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/xaixapi/filelist/internal/apperr"
)

// Config holds disk root settings.
type Config struct {
	RootPath   string
	CreateDirs bool
}

// Root is the served filesystem subtree.
type Root struct {
	rootPath string
}

// New opens the disk root, creating it when allowed.
func New(cfg Config) (*Root, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}
	abs, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(abs, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", abs, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", abs, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", abs)
	}

	return &Root{rootPath: abs}, nil
}

// Path returns the absolute root path.
func (r *Root) Path() string { return r.rootPath }

// Clean normalizes a request path into a slash-separated path relative to the
// root. "" means the root itself. Parent segments are kept so that callers
// can reject them with HasTraversal.
func Clean(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, s := range parts {
		if s == "" || s == "." {
			continue
		}
		out = append(out, s)
	}
	return strings.Join(out, "/")
}

// HasTraversal reports whether rel contains a ".." segment.
func HasTraversal(rel string) bool {
	for _, s := range strings.Split(strings.ReplaceAll(rel, "\\", "/"), "/") {
		if s == ".." {
			return true
		}
	}
	return false
}

// Parent returns the parent of rel ("" for top-level entries).
func Parent(rel string) string {
	rel = Clean(rel)
	if i := strings.LastIndexByte(rel, '/'); i >= 0 {
		return rel[:i]
	}
	return ""
}

// FirstSegment returns the namespace segment of rel.
func FirstSegment(rel string) string {
	rel = Clean(rel)
	if i := strings.IndexByte(rel, '/'); i >= 0 {
		return rel[:i]
	}
	return rel
}

// Join joins slash paths relative to the root.
func Join(elem ...string) string {
	return Clean(path.Join(elem...))
}

// HasPathPrefix reports whether rel equals prefix or lies beneath it.
func HasPathPrefix(rel, prefix string) bool {
	rel, prefix = Clean(rel), Clean(prefix)
	if prefix == "" {
		return true
	}
	return rel == prefix || strings.HasPrefix(rel, prefix+"/")
}

// Abs resolves rel to an absolute path under the root.
func (r *Root) Abs(rel string) (string, error) {
	if HasTraversal(rel) || strings.ContainsRune(rel, 0) {
		return "", apperr.E(apperr.Validation, "target is forbidden")
	}
	rel = Clean(rel)
	if rel == "" {
		return r.rootPath, nil
	}
	return filepath.Join(r.rootPath, filepath.FromSlash(rel)), nil
}

// Rel converts an absolute path under the root back to a relative one.
func (r *Root) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(r.rootPath, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperr.E(apperr.Validation, "target is forbidden")
	}
	if rel == "." {
		return "", nil
	}
	return filepath.ToSlash(rel), nil
}

// Stat returns file info for rel without following a final symlink's
// target directory listing.
func (r *Root) Stat(rel string) (fs.FileInfo, error) {
	abs, err := r.Abs(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.Errorf(apperr.NotFound, "%s not exists", rel)
		}
		return nil, apperr.Wrap(apperr.Transient, "stat", err)
	}
	return info, nil
}

// Exists reports whether rel exists.
func (r *Root) Exists(rel string) bool {
	abs, err := r.Abs(rel)
	if err != nil {
		return false
	}
	_, err = os.Lstat(abs)
	return err == nil
}

// Mkdir creates dir/name and any missing parents.
func (r *Root) Mkdir(dir, name string) (string, error) {
	name = strings.Trim(name, "./")
	if name == "" {
		return "", apperr.E(apperr.Validation, "folder name is required")
	}
	rel := Join(dir, name)
	abs, err := r.Abs(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return "", apperr.Wrap(apperr.Transient, "create folder", err)
	}
	return rel, nil
}

// Rename gives rel a new base name within the same directory.
func (r *Root) Rename(rel, newName string) (string, error) {
	if newName == "" || strings.ContainsRune(newName, '/') || newName == "." || newName == ".." {
		return "", apperr.E(apperr.Validation, "file name must not contain /")
	}
	target := Join(Parent(rel), newName)
	return target, r.move(rel, target)
}

// Move relocates rel into destDir keeping its base name.
func (r *Root) Move(rel, destDir string) (string, error) {
	target := Join(destDir, path.Base(Clean(rel)))
	destAbs, err := r.Abs(destDir)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(destAbs); err == nil && !info.IsDir() {
		return "", apperr.E(apperr.Validation, "target folder is a file")
	}
	if err := os.MkdirAll(destAbs, 0755); err != nil {
		return "", apperr.Wrap(apperr.Transient, "create target folder", err)
	}
	return target, r.move(rel, target)
}

func (r *Root) move(from, to string) error {
	src, err := r.Abs(from)
	if err != nil {
		return err
	}
	dst, err := r.Abs(to)
	if err != nil {
		return err
	}
	if src == r.rootPath {
		return apperr.E(apperr.Validation, "target is forbidden")
	}
	if _, err := os.Lstat(dst); err == nil {
		return apperr.E(apperr.Exist, "target already exists")
	}
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return apperr.Errorf(apperr.NotFound, "%s not exists", from)
		}
		return apperr.Wrap(apperr.Transient, "move", err)
	}
	return nil
}

// Remove deletes a file, symlink or whole directory tree.
func (r *Root) Remove(rel string) error {
	abs, err := r.Abs(rel)
	if err != nil {
		return err
	}
	if abs == r.rootPath {
		return apperr.E(apperr.Validation, "target is forbidden")
	}
	info, err := os.Lstat(abs)
	if err != nil {
		return apperr.Errorf(apperr.NotFound, "%s not exists", rel)
	}
	if info.IsDir() {
		err = os.RemoveAll(abs)
	} else {
		err = os.Remove(abs)
	}
	if err != nil {
		return apperr.Wrap(apperr.Transient, "delete", err)
	}
	return nil
}

// Link publishes rel into the namespace directory ns as a symlink named
// after rel's base name.
func (r *Root) Link(rel, ns string) (string, error) {
	src, err := r.Abs(rel)
	if err != nil {
		return "", err
	}
	target := Join(ns, path.Base(Clean(rel)))
	dst, err := r.Abs(target)
	if err != nil {
		return "", err
	}
	if _, err := os.Lstat(dst); err == nil {
		return "", apperr.Errorf(apperr.Exist, "%s already exists in public space", rel)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", apperr.Wrap(apperr.Transient, "create public space", err)
	}
	if err := os.Symlink(src, dst); err != nil {
		return "", apperr.Wrap(apperr.Transient, "link", err)
	}
	return target, nil
}

// Unlink removes every symlink under ns that resolves to rel and returns
// the removed link paths.
func (r *Root) Unlink(rel, ns string) ([]string, error) {
	target, err := r.Abs(rel)
	if err != nil {
		return nil, err
	}
	nsAbs, err := r.Abs(ns)
	if err != nil {
		return nil, err
	}
	var removed []string
	err = filepath.WalkDir(nsAbs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		dest, err := os.Readlink(p)
		if err != nil {
			return nil
		}
		if !filepath.IsAbs(dest) {
			dest = filepath.Join(filepath.Dir(p), dest)
		}
		if filepath.Clean(dest) != target {
			return nil
		}
		if err := os.Remove(p); err == nil {
			if linkRel, err := r.Rel(p); err == nil {
				removed = append(removed, linkRel)
			}
		}
		return nil
	})
	return removed, err
}
