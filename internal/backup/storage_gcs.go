package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSDisk stores objects in a Google Cloud Storage bucket. An object only
// becomes visible once its writer is closed successfully.
type GCSDisk struct {
	name   string
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSDisk creates a new GCS disk
func NewGCSDisk(ctx context.Context, name string, config *GCSConfig) (*GCSDisk, error) {
	if config == nil || config.Bucket == "" {
		return nil, NewValidationError("GCS bucket is required", nil)
	}

	var opts []option.ClientOption
	if config.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsPath))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, NewStorageError("failed to create GCS client", err)
	}

	return &GCSDisk{
		name:   name,
		client: client,
		bucket: config.Bucket,
		prefix: normalizePrefix(config.Prefix),
	}, nil
}

// Name returns the disk name
func (d *GCSDisk) Name() string {
	return d.name
}

// Put streams r into a new object. Cancelling the write context aborts the
// upload so a partial object is never committed.
func (d *GCSDisk) Put(ctx context.Context, path string, r io.Reader) error {
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := d.client.Bucket(d.bucket).Object(d.key(path)).NewWriter(writeCtx)
	w.ContentType = "application/octet-stream"

	if _, err := io.Copy(w, r); err != nil {
		cancel()
		w.Close()
		return newRemoteError("failed to write object to GCS", err).WithContext("path", path)
	}
	if err := w.Close(); err != nil {
		return newRemoteError("failed to upload object to GCS", err).WithContext("path", path)
	}
	return nil
}

// Get opens an object for reading
func (d *GCSDisk) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	reader, err := d.client.Bucket(d.bucket).Object(d.key(path)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, NewNotFoundError(fmt.Sprintf("object %s not found on disk %s", path, d.name), err)
		}
		return nil, newRemoteError("failed to read object from GCS", err).WithContext("path", path)
	}
	return reader, nil
}

// Delete removes an object
func (d *GCSDisk) Delete(ctx context.Context, path string) error {
	err := d.client.Bucket(d.bucket).Object(d.key(path)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return newRemoteError("failed to delete object from GCS", err).WithContext("path", path)
	}
	return nil
}

// Exists reports whether an object exists
func (d *GCSDisk) Exists(ctx context.Context, path string) (bool, error) {
	_, err := d.client.Bucket(d.bucket).Object(d.key(path)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, newRemoteError("failed to stat object in GCS", err).WithContext("path", path)
	}
	return true, nil
}

// List returns every object below prefix
func (d *GCSDisk) List(ctx context.Context, prefix string) ([]FileInfo, error) {
	var files []FileInfo

	it := d.client.Bucket(d.bucket).Objects(ctx, &storage.Query{Prefix: d.prefix + prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, newRemoteError("failed to list objects in GCS", err).WithContext("prefix", prefix)
		}
		files = append(files, FileInfo{
			Path:    strings.TrimPrefix(attrs.Name, d.prefix),
			Size:    attrs.Size,
			ModTime: attrs.Updated,
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Close releases the underlying client
func (d *GCSDisk) Close() error {
	return d.client.Close()
}

func (d *GCSDisk) key(path string) string {
	return d.prefix + strings.TrimPrefix(path, "/")
}
