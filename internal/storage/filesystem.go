package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DirStore mirrors objects into a local directory, typically one served by a
// static file server or CDN origin.
type DirStore struct {
	root       string
	publicBase string
}

// NewDirStore creates root if needed. Without publicBase, URLs use the file
// scheme.
func NewDirStore(root, publicBase string) (*DirStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("%w: filesystem directory is required", ErrNotConfigured)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &DirStore{root: abs, publicBase: strings.TrimSpace(publicBase)}, nil
}

func (d *DirStore) Put(ctx context.Context, key, contentType string, body io.ReadSeeker) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	target, cleanKey, err := d.resolve(key)
	if err != nil {
		return Object{}, err
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return Object{}, fmt.Errorf("rewind object %s: %w", cleanKey, err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Object{}, fmt.Errorf("create object directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*.tmp")
	if err != nil {
		return Object{}, fmt.Errorf("create object %s: %w", cleanKey, err)
	}
	size, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Object{}, fmt.Errorf("write object %s: %w", cleanKey, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Object{}, fmt.Errorf("write object %s: %w", cleanKey, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return Object{}, fmt.Errorf("write object %s: %w", cleanKey, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return Object{}, fmt.Errorf("commit object %s: %w", cleanKey, err)
	}
	return Object{Key: cleanKey, URL: d.URL(cleanKey), ContentType: contentType, Size: size}, nil
}

func (d *DirStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, cleanKey, err := d.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete object %s: %w", cleanKey, err)
	}
	return nil
}

func (d *DirStore) URL(key string) string {
	cleanKey := cleanObjectKey(key)
	if d.publicBase != "" {
		return joinURL(d.publicBase, cleanKey)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(d.root, filepath.FromSlash(cleanKey)))}
	return u.String()
}

// Root returns the mirror directory.
func (d *DirStore) Root() string {
	return d.root
}

func (d *DirStore) resolve(key string) (string, string, error) {
	cleanKey := cleanObjectKey(key)
	if cleanKey == "" || cleanKey == "." || strings.HasPrefix(cleanKey, "../") || cleanKey == ".." {
		return "", "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(d.root, filepath.FromSlash(cleanKey)), cleanKey, nil
}

func cleanObjectKey(key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	if trimmed == "" {
		return ""
	}
	return strings.TrimLeft(path.Clean("/"+trimmed), "/")
}
