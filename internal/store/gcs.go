package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Compile-time interface check.
var _ BlobStore = (*GCSStore)(nil)

// GCSStore implements BlobStore on one Cloud Storage bucket. Versions are
// object generations.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore creates a GCSStore. credentialsFile may be empty to use
// application default credentials. A non-empty endpoint points the client at
// an emulator; without a credentials file it then runs unauthenticated.
func NewGCSStore(ctx context.Context, bucket, credentialsFile, endpoint string) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
		if credentialsFile == "" {
			opts = append(opts, option.WithoutAuthentication())
		}
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// Get reads the named object.
func (s *GCSStore) Get(ctx context.Context, name string) (*Blob, error) {
	r, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading gs://%s/%s: %w", s.bucket, name, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading gs://%s/%s: %w", s.bucket, name, err)
	}
	return &Blob{
		Name:    name,
		Data:    data,
		Version: strconv.FormatInt(r.Attrs.Generation, 10),
	}, nil
}

// Put writes the object with a generation precondition when requested.
func (s *GCSStore) Put(ctx context.Context, name string, data []byte, opts PutOptions) (string, error) {
	obj := s.client.Bucket(s.bucket).Object(name)
	switch {
	case opts.IfVersion != "":
		gen, err := strconv.ParseInt(opts.IfVersion, 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid generation %q: %w", opts.IfVersion, err)
		}
		obj = obj.If(storage.Conditions{GenerationMatch: gen})
	case opts.IfAbsent:
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}

	w := obj.NewWriter(ctx)
	if opts.ContentType != "" {
		w.ContentType = opts.ContentType
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", s.writeError(name, err)
	}
	if err := w.Close(); err != nil {
		return "", s.writeError(name, err)
	}
	return strconv.FormatInt(w.Attrs().Generation, 10), nil
}

func (s *GCSStore) writeError(name string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
		return fmt.Errorf("writing gs://%s/%s: %w", s.bucket, name, ErrConflict)
	}
	return fmt.Errorf("writing gs://%s/%s: %w", s.bucket, name, err)
}

// List iterates every object in the bucket.
func (s *GCSStore) List(ctx context.Context) ([]string, error) {
	var names []string
	it := s.client.Bucket(s.bucket).Objects(ctx, nil)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing gs://%s: %w", s.bucket, err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// Delete removes the named object. A missing object is not an error.
func (s *GCSStore) Delete(ctx context.Context, name string) error {
	err := s.client.Bucket(s.bucket).Object(name).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("deleting gs://%s/%s: %w", s.bucket, name, err)
	}
	return nil
}
