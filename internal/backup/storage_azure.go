package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// AzureDisk stores objects in an Azure Blob Storage container. Block blobs
// are committed only after the final block list is written.
type AzureDisk struct {
	name      string
	container azblob.ContainerURL
	prefix    string
}

// NewAzureDisk creates a new Azure disk
func NewAzureDisk(name string, config *AzureConfig) (*AzureDisk, error) {
	if config == nil || config.AccountName == "" || config.ContainerName == "" {
		return nil, NewValidationError("Azure account name and container are required", nil)
	}

	credential, err := azblob.NewSharedKeyCredential(config.AccountName, config.AccountKey)
	if err != nil {
		return nil, NewStorageError("failed to create Azure credentials", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", config.AccountName))
	if err != nil {
		return nil, NewStorageError("failed to parse Azure service URL", err)
	}

	return &AzureDisk{
		name:      name,
		container: azblob.NewServiceURL(*serviceURL, pipeline).NewContainerURL(config.ContainerName),
		prefix:    normalizePrefix(config.Prefix),
	}, nil
}

// Name returns the disk name
func (d *AzureDisk) Name() string {
	return d.name
}

// Put uploads r as a block blob
func (d *AzureDisk) Put(ctx context.Context, path string, r io.Reader) error {
	blobURL := d.container.NewBlockBlobURL(d.key(path))
	_, err := azblob.UploadStreamToBlockBlob(ctx, r, blobURL, azblob.UploadStreamToBlockBlobOptions{
		BufferSize: 4 * 1024 * 1024,
		MaxBuffers: 4,
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
	})
	if err != nil {
		return newRemoteError("failed to upload object to Azure", err).WithContext("path", path)
	}
	return nil
}

// Get downloads an object
func (d *AzureDisk) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	blobURL := d.container.NewBlobURL(d.key(path))
	resp, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if isAzureNotFound(err) {
			return nil, NewNotFoundError(fmt.Sprintf("object %s not found on disk %s", path, d.name), err)
		}
		return nil, newRemoteError("failed to download object from Azure", err).WithContext("path", path)
	}
	return resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 20}), nil
}

// Delete removes an object
func (d *AzureDisk) Delete(ctx context.Context, path string) error {
	blobURL := d.container.NewBlobURL(d.key(path))
	_, err := blobURL.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
	if err != nil && !isAzureNotFound(err) {
		return newRemoteError("failed to delete object from Azure", err).WithContext("path", path)
	}
	return nil
}

// Exists reports whether an object exists
func (d *AzureDisk) Exists(ctx context.Context, path string) (bool, error) {
	blobURL := d.container.NewBlobURL(d.key(path))
	_, err := blobURL.GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if isAzureNotFound(err) {
			return false, nil
		}
		return false, newRemoteError("failed to stat object in Azure", err).WithContext("path", path)
	}
	return true, nil
}

// List returns every object below prefix
func (d *AzureDisk) List(ctx context.Context, prefix string) ([]FileInfo, error) {
	var files []FileInfo

	for marker := (azblob.Marker{}); marker.NotDone(); {
		resp, err := d.container.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix: d.prefix + prefix,
		})
		if err != nil {
			return nil, newRemoteError("failed to list objects in Azure", err).WithContext("prefix", prefix)
		}

		for _, blob := range resp.Segment.BlobItems {
			var size int64
			if blob.Properties.ContentLength != nil {
				size = *blob.Properties.ContentLength
			}
			files = append(files, FileInfo{
				Path:    strings.TrimPrefix(blob.Name, d.prefix),
				Size:    size,
				ModTime: blob.Properties.LastModified,
			})
		}
		marker = resp.NextMarker
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (d *AzureDisk) key(path string) string {
	return d.prefix + strings.TrimPrefix(path, "/")
}

func isAzureNotFound(err error) bool {
	var serr azblob.StorageError
	if errors.As(err, &serr) {
		return serr.ServiceCode() == azblob.ServiceCodeBlobNotFound
	}
	return false
}
