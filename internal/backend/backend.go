// Package backend builds the configured storage.Store.
package backend

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cognitedata/cdffs/internal/config"
	"github.com/cognitedata/cdffs/internal/retry"
	"github.com/cognitedata/cdffs/internal/storage"
	"github.com/cognitedata/cdffs/internal/storage/cdf"
	"github.com/cognitedata/cdffs/internal/storage/memory"
	"github.com/cognitedata/cdffs/internal/storage/s3"
	"github.com/cognitedata/cdffs/internal/transport"
)

// New creates a Store from the backend type in cfg.
func New(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Backend {
	case "cdf":
		cdfCfg := cfg.CDF
		cdfCfg.Retry = retry.DefaultConfig()
		cdfCfg.Retry.MaxAttempts = max(cfg.UploadRetries, 1)
		cdfCfg.Retry.InitialWait = cfg.UploadRetryWait
		return cdf.New(cdfCfg)
	case "s3":
		return s3.New(ctx, cfg.S3)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Backend)
	}
}

// HTTPClient returns the client to use for the store's upload and download
// URLs.
func HTTPClient(store storage.Store) *http.Client {
	if p, ok := store.(storage.HTTPClientProvider); ok {
		return p.HTTPClient()
	}
	return transport.NewClient(0)
}
