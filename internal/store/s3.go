package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Compile-time interface check.
var _ BlobStore = (*S3Store)(nil)

// S3Store implements BlobStore on an S3-compatible bucket. Versions are
// ETags. Preconditions are checked with a stat before the upload, which
// narrows but does not close the race with a concurrent writer.
type S3Store struct {
	client *minio.Client
	bucket string
}

// NewS3Store creates an S3Store. endpoint may be a bare host:port or a URL;
// a URL scheme of http disables TLS.
func NewS3Store(endpoint, accessKey, secretKey, bucket string, insecure bool) (*S3Store, error) {
	host := endpoint
	secure := !insecure
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
		secure = u.Scheme == "https" && !insecure
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &S3Store{client: client, bucket: bucket}, nil
}

// Get downloads the named object.
func (s *S3Store) Get(ctx context.Context, name string) (*Blob, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrap("reading", name, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, s.wrap("reading", name, err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.wrap("reading", name, err)
	}
	return &Blob{Name: name, Data: data, Version: info.ETag}, nil
}

// Put uploads the object after checking any precondition.
func (s *S3Store) Put(ctx context.Context, name string, data []byte, opts PutOptions) (string, error) {
	if opts.IfAbsent || opts.IfVersion != "" {
		info, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
		exists := err == nil
		if err != nil && !isNoSuchKey(err) {
			return "", s.wrap("checking", name, err)
		}
		if opts.IfAbsent && exists {
			return "", fmt.Errorf("s3://%s/%s already exists: %w", s.bucket, name, ErrConflict)
		}
		if opts.IfVersion != "" && (!exists || info.ETag != opts.IfVersion) {
			return "", fmt.Errorf("s3://%s/%s changed since read: %w", s.bucket, name, ErrConflict)
		}
	}

	info, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: opts.ContentType})
	if err != nil {
		return "", s.wrap("writing", name, err)
	}
	return info.ETag, nil
}

// List returns every object key in the bucket.
func (s *S3Store) List(ctx context.Context) ([]string, error) {
	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing s3://%s: %w", s.bucket, obj.Err)
		}
		names = append(names, obj.Key)
	}
	return names, nil
}

// Delete removes the named object. S3 treats a missing key as success.
func (s *S3Store) Delete(ctx context.Context, name string) error {
	err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("deleting s3://%s/%s: %w", s.bucket, name, err)
	}
	return nil
}

func (s *S3Store) wrap(op, name string, err error) error {
	if isNoSuchKey(err) {
		return ErrNotFound
	}
	return fmt.Errorf("%s s3://%s/%s: %w", op, s.bucket, name, err)
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
