package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

const tmpPrefix = ".tmp-"

// Filesystem implements Backend on top of an afero filesystem.
// Writes are atomic using a temp file and rename pattern.
type Filesystem struct {
	fs   afero.Fs
	root string
}

// NewFilesystem creates a new backend rooted at the given path on the
// local disk. The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return NewFilesystemFs(afero.NewBasePathFs(afero.NewOsFs(), root), root), nil
}

// NewFilesystemFs creates a backend over an arbitrary afero filesystem.
// root is informational only; keys are resolved relative to the fs.
func NewFilesystemFs(afs afero.Fs, root string) *Filesystem {
	return &Filesystem{fs: afs, root: root}
}

// Root returns the root directory path.
func (f *Filesystem) Root() string {
	return f.root
}

// Write stores data at the given key using atomic write.
func (f *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	p := keyToPath(key)

	dir := path.Dir(p)
	if err := f.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(f.fs, dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = f.fs.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := f.fs.Rename(tmpPath, p); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// Read retrieves data at the given key.
func (f *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	file, err := f.fs.Open(keyToPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return file, nil
}

// Delete removes data at the given key.
func (f *Filesystem) Delete(ctx context.Context, key string) error {
	err := f.fs.Remove(keyToPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Exists checks if a key exists.
func (f *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := afero.Exists(f.fs, keyToPath(key))
	if err != nil {
		return false, fmt.Errorf("checking file: %w", err)
	}
	return ok, nil
}

// List returns all keys with the given prefix.
func (f *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	dir := keyToPath(prefix)

	info, err := f.fs.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}

	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = afero.Walk(f.fs, dir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), tmpPrefix) {
			return nil
		}
		keys = append(keys, strings.TrimPrefix(path.Clean(p), "/"))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return keys, nil
}

// Size returns the size of the data at the given key.
func (f *Filesystem) Size(ctx context.Context, key string) (int64, error) {
	info, err := f.fs.Stat(keyToPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size(), nil
}

// keyToPath converts a key to an fs path rooted at "/".
func keyToPath(key string) string {
	return path.Join("/", key)
}

// Compile-time interface checks
var (
	_ Backend          = (*Filesystem)(nil)
	_ SizeAwareBackend = (*Filesystem)(nil)
)
