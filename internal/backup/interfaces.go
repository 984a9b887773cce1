package backup

import (
	"context"
	"io"
	"time"
)

// Disk is a named place archives are stored. Put must be atomic: a reader
// either sees the complete object or nothing at all.
type Disk interface {
	Name() string
	Put(ctx context.Context, path string, r io.Reader) error
	// Get returns a NOT_FOUND_ERROR when the object does not exist.
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	// Delete succeeds when the object is already gone.
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	List(ctx context.Context, prefix string) ([]FileInfo, error)
}

// FileInfo describes an object stored on a disk
type FileInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// DiskResolver looks up disks by name
type DiskResolver interface {
	Disk(name string) (Disk, error)
}

// KeyResolver turns a key id into 32 bytes of AES-256 key material
type KeyResolver interface {
	ResolveKey(ctx context.Context, keyID string) ([]byte, error)
}

// ProgressFunc receives the row count of a table once it has been extracted
type ProgressFunc func(category, table string, rows int)

// FileProgressFunc receives per-file progress during collection
type FileProgressFunc func(path string, done, total int)
