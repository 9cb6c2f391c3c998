// Package fsstore is a filesystem-backed implementation of
// blobstore.Store. No object-storage client SDK (S3, GCS, MinIO, ...)
// appears anywhere in the retrieved example corpus, so the concrete
// backend for this module is built directly on os/path-filepath; the
// blob store's specific wire protocol is explicitly out of scope per
// spec.md §1, so a working filesystem-backed instance satisfies the
// contract without needing a third-party client.
package fsstore

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/scribe/internal/scribeerr"
)

// Store persists blobs as files under Root, mirroring the key's path
// segments (a key containing "/" becomes nested directories).
type Store struct {
	Root string
}

// New creates a Store rooted at dir, creating the directory if absent.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, scribeerr.NewStorageFailure("creating blob store root", err)
	}
	return &Store{Root: dir}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.Root, filepath.FromSlash(key))
}

func (s *Store) Put(key string, data []byte) error {
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return scribeerr.NewStorageFailure("creating blob directory", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return scribeerr.NewStorageFailure("writing blob", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return scribeerr.NewStorageFailure("renaming blob into place", err)
	}
	return nil
}

func (s *Store) Get(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, scribeerr.NewStorageFailure("reading blob", err)
	}
	return data, true, nil
}

func (s *Store) Delete(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return scribeerr.NewStorageFailure("deleting blob", err)
	}
	return nil
}

func (s *Store) List(prefix string) ([]string, error) {
	var out []string
	err := filepath.Walk(s.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(s.Root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
		return nil
	})
	if err != nil {
		return nil, scribeerr.NewStorageFailure("listing blobs", err)
	}
	return out, nil
}

func (s *Store) Health() error {
	info, err := os.Stat(s.Root)
	if err != nil {
		return scribeerr.NewStorageFailure("blob store root unavailable", err)
	}
	if !info.IsDir() {
		return scribeerr.NewStorageFailure("blob store root is not a directory", nil)
	}
	return nil
}
