package store

import (
	"context"
	"fmt"

	"flurrysync/internal/config"
)

// Open builds the BlobStore selected by cfg.Storage.Backend. The returned
// close function releases backend resources and is never nil.
func Open(ctx context.Context, cfg *config.Config) (BlobStore, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Storage.Backend {
	case config.BackendAzure:
		s, err := NewAzureStore(cfg.BlobAccountName, cfg.BlobAccountKey, cfg.BlobImageContainer, cfg.Storage.Endpoint)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil

	case config.BackendGCS:
		s, err := NewGCSStore(ctx, cfg.BlobImageContainer, cfg.Storage.CredentialsFile, cfg.Storage.Endpoint)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.BackendS3:
		s, err := NewS3Store(cfg.Storage.Endpoint, cfg.BlobAccountName, cfg.BlobAccountKey,
			cfg.BlobImageContainer, cfg.Storage.Insecure)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil

	case config.BackendFS:
		s, err := NewFSStore(cfg.Storage.Dir)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}
