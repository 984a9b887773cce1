package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Disk stores objects in an Amazon S3 bucket. Uploads go through the
// multipart uploader, which only creates the object once every part landed.
type S3Disk struct {
	name     string
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Disk creates a new S3 disk
func NewS3Disk(name string, config *S3Config) (*S3Disk, error) {
	if config == nil || config.Bucket == "" {
		return nil, NewValidationError("S3 bucket is required", nil)
	}

	awsConfig := &aws.Config{
		Region:           aws.String(config.Region),
		S3ForcePathStyle: aws.Bool(config.ForcePathStyle),
	}
	if config.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, "")
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, NewStorageError("failed to create AWS session", err)
	}

	client := s3.New(sess)
	return &S3Disk{
		name:     name,
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
		bucket:   config.Bucket,
		prefix:   normalizePrefix(config.Prefix),
	}, nil
}

// Name returns the disk name
func (d *S3Disk) Name() string {
	return d.name
}

// Put uploads r as a single object
func (d *S3Disk) Put(ctx context.Context, path string, r io.Reader) error {
	_, err := d.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(path)),
		Body:   r,
	})
	if err != nil {
		return newRemoteError("failed to upload object to S3", err).WithContext("path", path)
	}
	return nil
}

// Get downloads an object
func (d *S3Disk) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := d.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(path)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, NewNotFoundError(fmt.Sprintf("object %s not found on disk %s", path, d.name), err)
		}
		return nil, newRemoteError("failed to download object from S3", err).WithContext("path", path)
	}
	return out.Body, nil
}

// Delete removes an object
func (d *S3Disk) Delete(ctx context.Context, path string) error {
	_, err := d.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(path)),
	})
	if err != nil && !isS3NotFound(err) {
		return newRemoteError("failed to delete object from S3", err).WithContext("path", path)
	}
	return nil
}

// Exists reports whether an object exists
func (d *S3Disk) Exists(ctx context.Context, path string) (bool, error) {
	_, err := d.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(path)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, newRemoteError("failed to stat object in S3", err).WithContext("path", path)
	}
	return true, nil
}

// List returns every object below prefix
func (d *S3Disk) List(ctx context.Context, prefix string) ([]FileInfo, error) {
	var files []FileInfo

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
		Prefix: aws.String(d.prefix + prefix),
	}
	err := d.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			files = append(files, FileInfo{
				Path:    strings.TrimPrefix(aws.StringValue(obj.Key), d.prefix),
				Size:    aws.Int64Value(obj.Size),
				ModTime: aws.TimeValue(obj.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, newRemoteError("failed to list objects in S3", err).WithContext("prefix", prefix)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (d *S3Disk) key(path string) string {
	return d.prefix + strings.TrimPrefix(path, "/")
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

// normalizePrefix makes a non-empty prefix end with a slash
func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}
