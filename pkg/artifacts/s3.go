// Package artifacts uploads report files to object storage.
package artifacts

import (
	"context"
	"path"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/dbsql-qa/definer-bugbash/pkg/config"
)

// ReportPrefix is the object prefix of uploaded reports.
const ReportPrefix = "reports"

// S3Client encapsulate minio-go sdk
type S3Client struct {
	*minio.Client
	bucket string
}

// NewS3Client creates an S3client instance
func NewS3Client(cfg config.S3Config) (*S3Client, error) {
	if !cfg.Enabled() {
		return nil, errors.New("object storage is not configured, set REPORT_S3_BUCKET")
	}
	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.Secure,
		Region:       "us-east-1",
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &S3Client{Client: minioClient, bucket: cfg.Bucket}, nil
}

// ObjectName is the key a local report file is uploaded to.
func ObjectName(file string) string {
	return path.Join(ReportPrefix, filepath.Base(file))
}

// UploadReport uploads file and returns its object key. The bucket is
// created if missing.
func (c *S3Client) UploadReport(ctx context.Context, file string) (string, error) {
	exists, err := c.BucketExists(ctx, c.bucket)
	if err != nil {
		return "", errors.Annotatef(err, "check bucket %s", c.bucket)
	}
	if !exists {
		if err := c.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return "", errors.Annotatef(err, "create bucket %s", c.bucket)
		}
	}
	key := ObjectName(file)
	contentType := "application/x-ndjson"
	if filepath.Ext(file) == ".json" {
		contentType = "application/json"
	}
	info, err := c.FPutObject(ctx, c.bucket, key, file, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", errors.Annotatef(err, "upload %s", file)
	}
	zap.L().Info("report uploaded", zap.String("bucket", c.bucket), zap.String("key", key), zap.Int64("size", info.Size))
	return key, nil
}
