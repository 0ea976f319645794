package store

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// Compile-time interface check.
var _ BlobStore = (*AzureStore)(nil)

// AzureStore implements BlobStore on one Azure Blob Storage container using
// shared-key authentication. Versions are blob ETags.
type AzureStore struct {
	client    *azblob.Client
	container string
}

// NewAzureStore creates an AzureStore. endpoint may be empty, in which case
// the public endpoint of the account is used.
func NewAzureStore(accountName, accountKey, container, endpoint string) (*AzureStore, error) {
	cred, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", accountName)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure client: %w", err)
	}
	return &AzureStore{client: client, container: container}, nil
}

// Get downloads the named blob.
func (s *AzureStore) Get(ctx context.Context, name string) (*Blob, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("downloading %s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", name, err)
	}

	b := &Blob{Name: name, Data: data}
	if resp.ETag != nil {
		b.Version = string(*resp.ETag)
	}
	return b, nil
}

// Put uploads data as a block blob, honouring If-Match / If-None-Match.
func (s *AzureStore) Put(ctx context.Context, name string, data []byte, opts PutOptions) (string, error) {
	upload := &azblob.UploadBufferOptions{}
	if opts.ContentType != "" {
		ct := opts.ContentType
		upload.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &ct}
	}
	switch {
	case opts.IfVersion != "":
		etag := azcore.ETag(opts.IfVersion)
		upload.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: &etag},
		}
	case opts.IfAbsent:
		anyTag := azcore.ETagAny
		upload.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: &anyTag},
		}
	}

	resp, err := s.client.UploadBuffer(ctx, s.container, name, data, upload)
	if err != nil {
		if bloberror.HasCode(err, bloberror.ConditionNotMet, bloberror.BlobAlreadyExists) {
			return "", fmt.Errorf("uploading %s: %w", name, ErrConflict)
		}
		return "", fmt.Errorf("uploading %s: %w", name, err)
	}
	if resp.ETag == nil {
		return "", nil
	}
	return string(*resp.ETag), nil
}

// List pages through every blob in the container.
func (s *AzureStore) List(ctx context.Context) ([]string, error) {
	var names []string
	pager := s.client.NewListBlobsFlatPager(s.container, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", s.container, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	return names, nil
}

// Delete removes the named blob.
func (s *AzureStore) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteBlob(ctx, s.container, name, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("deleting %s: %w", name, err)
	}
	return nil
}
