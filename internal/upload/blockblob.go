package upload

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/cognitedata/cdffs/internal/logging"
	"github.com/cognitedata/cdffs/internal/storage"
	"github.com/cognitedata/cdffs/internal/transport"
)

const (
	blockIDSeed    = "cdffs-block-blob"
	blockIDSeedLen = 19
	azureVersion   = "2019-12-12"
)

// BlockBlob uploads blocks to an Azure block blob and commits them with a
// block list. Blocks are independent, so any order works.
type BlockBlob struct {
	client    *http.Client
	uploadURL string
	mimeType  string

	mu     sync.Mutex
	blocks map[int]int64 // index -> size
}

// NewBlockBlob opens an upload session for meta.
func NewBlockBlob(ctx context.Context, store storage.Store, client *http.Client, meta storage.FileMetadata) (*BlockBlob, error) {
	target, err := createTarget(ctx, store, meta, true)
	if err != nil {
		return nil, err
	}
	return &BlockBlob{
		client:    client,
		uploadURL: target.UploadURL,
		mimeType:  target.MimeType,
		blocks:    make(map[int]int64),
	}, nil
}

// Name returns "azure".
func (b *BlockBlob) Name() string { return StrategyAzure }

// blockID encodes the seed, padded with "x" or cut to 19 characters, and the
// five-digit index.
func blockID(index int) string {
	seed := blockIDSeed
	if len(seed) < blockIDSeedLen {
		seed += strings.Repeat("x", blockIDSeedLen-len(seed))
	}
	raw := fmt.Sprintf("%s%05d", seed[:blockIDSeedLen], index)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// UploadChunk PUTs one block.
func (b *BlockBlob) UploadChunk(ctx context.Context, data []byte, index int) error {
	blockURL := b.endpoint("blockid=" + url.QueryEscape(blockID(index)) + "&comp=block")

	header := http.Header{}
	header.Set("Accept", "application/xml")
	header.Set("Content-Type", "application/octet-stream")
	header.Set("x-ms-version", azureVersion)
	if _, err := transport.Do(ctx, b.client, http.MethodPut, blockURL, header, data); err != nil {
		return fmt.Errorf("upload block %d: %w", index, err)
	}

	b.mu.Lock()
	b.blocks[index] = int64(len(data))
	b.mu.Unlock()

	logging.WithContext(ctx).Debug("uploaded block",
		logging.Int("index", index), logging.Int("bytes", len(data)))
	return nil
}

// endpoint puts op in front of the signature query of the upload URL.
func (b *BlockBlob) endpoint(op string) string {
	base, query, _ := strings.Cut(b.uploadURL, "?")
	if query == "" {
		return base + "?" + op
	}
	return base + "?" + op + "&" + query
}

type blockList struct {
	XMLName xml.Name `xml:"BlockList"`
	Latest  []string `xml:"Latest"`
}

// MergeChunks commits the block list in ascending index order.
func (b *BlockBlob) MergeChunks(ctx context.Context) (int64, error) {
	b.mu.Lock()
	indexes := slices.Sorted(maps.Keys(b.blocks))
	var total int64
	for _, size := range b.blocks {
		total += size
	}
	b.mu.Unlock()

	list := blockList{Latest: make([]string, len(indexes))}
	for i, idx := range indexes {
		list.Latest[i] = blockID(idx)
	}
	body, err := xml.Marshal(list)
	if err != nil {
		return 0, fmt.Errorf("encode block list: %w", err)
	}
	body = append([]byte(`<?xml version="1.0" encoding="utf-8"?>`), body...)

	header := http.Header{}
	header.Set("Content-Type", "application/xml")
	header.Set("x-ms-version", azureVersion)
	header.Set("x-ms-blob-content-type", b.mimeType)
	if _, err := transport.Do(ctx, b.client, http.MethodPut, b.endpoint("comp=blocklist"), header, body); err != nil {
		return 0, fmt.Errorf("commit block list: %w", err)
	}
	return total, nil
}
