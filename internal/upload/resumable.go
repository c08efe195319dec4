package upload

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/cognitedata/cdffs/internal/logging"
	"github.com/cognitedata/cdffs/internal/storage"
	"github.com/cognitedata/cdffs/internal/transport"
)

// Resumable appends blocks to a Google resumable upload. The protocol only
// accepts contiguous byte ranges, so out-of-order blocks wait in a pending
// map until every earlier block is written.
type Resumable struct {
	client    *http.Client
	uploadURL string

	mu               sync.Mutex
	pending          map[int][]byte
	lastWrittenIndex int
	lastWrittenByte  int64
}

// NewResumable opens an upload session for meta.
func NewResumable(ctx context.Context, store storage.Store, client *http.Client, meta storage.FileMetadata) (*Resumable, error) {
	target, err := createTarget(ctx, store, meta, true)
	if err != nil {
		return nil, err
	}
	return &Resumable{
		client:           client,
		uploadURL:        target.UploadURL,
		pending:          make(map[int][]byte),
		lastWrittenIndex: -1,
		lastWrittenByte:  -1,
	}, nil
}

// Name returns "google".
func (r *Resumable) Name() string { return StrategyGoogle }

// UploadChunk queues the block and writes every block that is now
// contiguous. A failed write keeps its block queued, so retrying any call
// resumes from it.
func (r *Resumable) UploadChunk(ctx context.Context, data []byte, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index > r.lastWrittenIndex {
		r.pending[index] = data
	}

	for {
		next := r.lastWrittenIndex + 1
		block, ok := r.pending[next]
		if !ok {
			break
		}
		if err := r.write(ctx, next, block); err != nil {
			return err
		}
		delete(r.pending, next)
		r.lastWrittenIndex = next
	}

	logging.WithContext(ctx).Debug("received block",
		logging.Int("index", index), logging.Int("pending", len(r.pending)))
	return nil
}

// write PUTs one block at the current offset. Callers hold r.mu.
func (r *Resumable) write(ctx context.Context, index int, data []byte) error {
	start := r.lastWrittenByte + 1
	end := start + int64(len(data)) - 1

	header := http.Header{}
	header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", start, end))
	if _, err := transport.Do(ctx, r.client, http.MethodPut, r.uploadURL, header, data); err != nil {
		return fmt.Errorf("upload block %d [%d-%d]: %w", index, start, end, err)
	}
	r.lastWrittenByte = end
	return nil
}

// MergeChunks is a no-op; the backend assembles the object as it goes.
func (r *Resumable) MergeChunks(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) > 0 {
		return 0, fmt.Errorf("merge: %d blocks never became contiguous", len(r.pending))
	}
	return r.lastWrittenByte + 1, nil
}
