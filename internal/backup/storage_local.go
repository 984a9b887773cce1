package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const localTempPrefix = ".tmp-"

// LocalDisk stores objects on the local file system
type LocalDisk struct {
	name        string
	root        string
	permissions os.FileMode
}

// NewLocalDisk creates a local disk rooted at config.Root
func NewLocalDisk(name string, config *LocalConfig) (*LocalDisk, error) {
	if config == nil || config.Root == "" {
		return nil, NewValidationError("local disk root is required", nil)
	}

	perm := config.Permissions
	if perm == 0 {
		perm = 0750
	}

	root, err := filepath.Abs(config.Root)
	if err != nil {
		return nil, NewStorageError("failed to resolve local disk root", err)
	}
	if err := os.MkdirAll(root, perm); err != nil {
		return nil, NewStorageError("failed to create local disk root", err)
	}

	return &LocalDisk{name: name, root: root, permissions: perm}, nil
}

// Name returns the disk name
func (d *LocalDisk) Name() string {
	return d.name
}

// Root returns the absolute root directory
func (d *LocalDisk) Root() string {
	return d.root
}

// Put writes r to a temporary file, fsyncs it and renames it into place
func (d *LocalDisk) Put(ctx context.Context, path string, r io.Reader) error {
	target, err := d.resolve(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, d.permissions); err != nil {
		return NewStorageError("failed to create directory", err).WithContext("path", path)
	}

	tmp, err := os.CreateTemp(dir, localTempPrefix+filepath.Base(target)+"-*")
	if err != nil {
		return NewStorageError("failed to create temporary file", err).WithContext("path", path)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, &contextReader{ctx: ctx, r: r}); err != nil {
		return NewStorageError("failed to write object", err).WithContext("path", path)
	}
	if err := tmp.Sync(); err != nil {
		return NewStorageError("failed to sync object", err).WithContext("path", path)
	}
	if err := tmp.Close(); err != nil {
		return NewStorageError("failed to close object", err).WithContext("path", path)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return NewStorageError("failed to move object into place", err).WithContext("path", path)
	}
	committed = true

	syncDir(dir)
	return nil
}

// Get opens an object for reading
func (d *LocalDisk) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	target, err := d.resolve(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, NewNotFoundError(fmt.Sprintf("object %s not found on disk %s", path, d.name), err)
		}
		return nil, NewStorageError("failed to open object", err).WithContext("path", path)
	}
	return f, nil
}

// Delete removes an object
func (d *LocalDisk) Delete(ctx context.Context, path string) error {
	target, err := d.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return NewStorageError("failed to delete object", err).WithContext("path", path)
	}
	return nil
}

// Exists reports whether an object exists
func (d *LocalDisk) Exists(ctx context.Context, path string) (bool, error) {
	target, err := d.resolve(path)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, NewStorageError("failed to stat object", err).WithContext("path", path)
	}
	return !info.IsDir(), nil
}

// List returns every object below prefix, sorted by path. Temporary files of
// in-flight writes are not listed.
func (d *LocalDisk) List(ctx context.Context, prefix string) ([]FileInfo, error) {
	var files []FileInfo

	err := filepath.WalkDir(d.root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), localTempPrefix) {
			return nil
		}

		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !strings.HasPrefix(rel, prefix) {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		files = append(files, FileInfo{Path: rel, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, NewStorageError("failed to list local disk", err).WithContext("prefix", prefix)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// resolve maps a disk path to an absolute file path below root
func (d *LocalDisk) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(path))
	if clean == string(filepath.Separator) {
		return "", NewValidationError("object path cannot be empty", nil)
	}
	return filepath.Join(d.root, clean), nil
}

func syncDir(dir string) {
	f, err := os.Open(dir)
	if err != nil {
		return
	}
	defer f.Close()
	_ = f.Sync()
}

// contextReader stops a copy once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
