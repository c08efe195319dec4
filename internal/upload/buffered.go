package upload

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/cognitedata/cdffs/internal/storage"
)

// Buffered keeps every block in memory and uploads the whole object in one
// request when merged.
type Buffered struct {
	store storage.Store
	meta  storage.FileMetadata

	mu     sync.Mutex
	blocks map[int][]byte
}

var _ Buffering = (*Buffered)(nil)

// NewBuffered registers the object with the store.
func NewBuffered(ctx context.Context, store storage.Store, meta storage.FileMetadata) (*Buffered, error) {
	if _, err := createTarget(ctx, store, meta, false); err != nil {
		return nil, err
	}
	return &Buffered{store: store, meta: meta, blocks: make(map[int][]byte)}, nil
}

// Name returns "inmemory".
func (b *Buffered) Name() string { return StrategyInMemory }

// BuffersAll reports that blocks never leave memory before the merge.
func (b *Buffered) BuffersAll() bool { return true }

// UploadChunk stores the block.
func (b *Buffered) UploadChunk(_ context.Context, data []byte, index int) error {
	b.mu.Lock()
	b.blocks[index] = data
	b.mu.Unlock()
	return nil
}

// MergeChunks concatenates the blocks in index order and uploads them.
func (b *Buffered) MergeChunks(ctx context.Context) (int64, error) {
	b.mu.Lock()
	var buf bytes.Buffer
	for _, idx := range slices.Sorted(maps.Keys(b.blocks)) {
		buf.Write(b.blocks[idx])
	}
	b.mu.Unlock()

	if err := b.store.UploadBytes(ctx, b.meta, buf.Bytes()); err != nil {
		return 0, fmt.Errorf("upload %s: %w", b.meta.ExternalID, err)
	}
	return int64(buf.Len()), nil
}
