// Package backup takes periodic snapshots of the local database, prunes
// old ones, and optionally replicates the newest snapshot to
// S3-compatible storage. With no bucket configured the system stays in
// local-only mode via the NoopUploader.
package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotConfigured is returned when S3 backup storage is not configured.
var ErrNotConfigured = errors.New("backup storage not configured")

// Uploader replicates backup files to remote storage.
type Uploader interface {
	// Upload replicates the backup file at filePath under objectName.
	Upload(ctx context.Context, objectName, filePath string) error
}

// S3Options configures the S3-compatible backup target.
type S3Options struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// s3Client is the minimal minio.Client surface the uploader uses.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// S3Uploader replicates backups to S3-compatible storage.
type S3Uploader struct {
	client s3Client
	bucket string
	prefix string
}

// Upload replicates the backup file at filePath.
func (u *S3Uploader) Upload(ctx context.Context, objectName, filePath string) error {
	key := objectName
	if u.prefix != "" {
		key = u.prefix + "/" + objectName
	}
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	if _, err := u.client.FPutObject(ctx, u.bucket, key, filePath, opts); err != nil {
		return fmt.Errorf("upload backup to S3: %w", err)
	}
	return nil
}

// NoopUploader is used when S3 storage is not configured.
type NoopUploader struct{}

// Upload is a no-op when S3 is not configured.
func (NoopUploader) Upload(ctx context.Context, objectName, filePath string) error {
	return nil
}

// NewUploader creates the appropriate Uploader based on configuration:
// NoopUploader when bucket is empty, S3Uploader otherwise.
func NewUploader(opts S3Options) (Uploader, error) {
	if opts.Bucket == "" {
		return NoopUploader{}, nil
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

// backupName builds the timestamped snapshot file name.
func backupName(at time.Time) string {
	return "possync-" + at.UTC().Format("20060102T150405Z") + ".db"
}
