package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/tarekmestiri/souqtalk/internal/faults"
)

// MinioStore implements BlobStore against a MinIO/S3 bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioClient builds a minio client from static credentials.
func NewMinioClient(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Client, error) {
	return minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
}

// NewMinioStore wraps a client for one bucket, creating the bucket if it
// does not exist yet.
func NewMinioStore(ctx context.Context, client *minio.Client, bucket string) (*MinioStore, error) {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, faults.New(faults.Transient, "blob.ensure_bucket", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, faults.New(faults.Transient, "blob.ensure_bucket", err)
		}
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

// Upload writes data under path with an explicit content type and returns
// a presigned download URL for the committed object.
func (s *MinioStore) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	reader := bytes.NewReader(data)
	_, err := s.client.PutObject(ctx, s.bucket, path, reader, int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", classifyBlobErr("blob.upload", err)
	}
	return s.DownloadURL(ctx, path)
}

// Download reads a committed object back in full.
func (s *MinioStore) Download(ctx context.Context, path string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyBlobErr("blob.download", err)
	}
	defer func() { _ = obj.Close() }()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyBlobErr("blob.download", err)
	}
	return data, nil
}

// DownloadURL returns a time-limited URL for an already committed object.
func (s *MinioStore) DownloadURL(ctx context.Context, path string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, path, 24*time.Hour, url.Values{})
	if err != nil {
		return "", classifyBlobErr("blob.download_url", err)
	}
	return u.String(), nil
}

// classifyBlobErr maps transport-level failures to Transient and everything
// else to Permanent.
func classifyBlobErr(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return faults.New(faults.Transient, op, err)
	}
	resp := minio.ToErrorResponse(err)
	switch resp.StatusCode {
	case 408, 429, 500, 502, 503, 504:
		return faults.New(faults.Transient, op, err)
	}
	return faults.New(faults.Permanent, op, err)
}
