// Package upload coordinates chunked uploads of one object.
//
// A Session buffers written bytes, slices them into fixed-size blocks and
// hands the blocks to a Strategy from a bounded worker pool. The strategy
// speaks the backend's upload protocol: Azure block blobs, Google resumable
// uploads, or a fully buffered single request.
package upload

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cognitedata/cdffs/internal/storage"
)

// Strategy names accepted by New.
const (
	StrategyAzure    = "azure"
	StrategyGoogle   = "google"
	StrategyInMemory = "inmemory"
)

// Strategy uploads the blocks of one object and commits them.
type Strategy interface {
	// UploadChunk uploads block index. Blocks may arrive in any order and
	// concurrently.
	UploadChunk(ctx context.Context, data []byte, index int) error

	// MergeChunks commits the uploaded blocks and returns the object size.
	MergeChunks(ctx context.Context) (int64, error)

	// Name returns the strategy name.
	Name() string
}

// Buffering is implemented by strategies that keep every block in memory
// and transfer the object in one request at merge time.
type Buffering interface {
	Strategy
	BuffersAll() bool
}

// New creates the named strategy for an object described by meta. Each
// strategy registers the object with the store once, at construction.
func New(ctx context.Context, name string, store storage.Store, client *http.Client, meta storage.FileMetadata) (Strategy, error) {
	var (
		s   Strategy
		err error
	)
	switch name {
	case StrategyAzure:
		s, err = NewBlockBlob(ctx, store, client, meta)
	case StrategyGoogle:
		s, err = NewResumable(ctx, store, client, meta)
	case StrategyInMemory, "":
		s, err = NewBuffered(ctx, store, meta)
	default:
		return nil, fmt.Errorf("unknown upload strategy: %s", name)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// createTarget opens the backend upload session, requiring an upload URL
// when the strategy needs one.
func createTarget(ctx context.Context, store storage.Store, meta storage.FileMetadata, needURL bool) (*storage.UploadTarget, error) {
	target, err := store.CreateObject(ctx, meta)
	if err != nil {
		return nil, fmt.Errorf("create upload session for %s: %w", meta.ExternalID, err)
	}
	if needURL && target.UploadURL == "" {
		return nil, fmt.Errorf("create upload session for %s: %w", meta.ExternalID, storage.ErrUploadURLRequired)
	}
	if target.MimeType == "" {
		target.MimeType = meta.MimeType
	}
	return target, nil
}
