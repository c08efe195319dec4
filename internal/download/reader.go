package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cognitedata/cdffs/internal/logging"
	"github.com/cognitedata/cdffs/internal/metrics"
	"github.com/cognitedata/cdffs/internal/retry"
	"github.com/cognitedata/cdffs/internal/storage"
	"github.com/cognitedata/cdffs/internal/transport"
)

// Defaults for read retries.
const (
	DefaultRetries     = 5
	DefaultInitialWait = 500 * time.Millisecond
)

// URLSource issues download URLs.
type URLSource interface {
	DownloadURL(ctx context.Context, externalID string) (string, error)
}

// ReaderOptions tunes a Reader.
type ReaderOptions struct {
	Retries        int  // retries after the first attempt
	DisableRetries bool // a single attempt
	InitialWait    time.Duration
}

// Reader fetches object bytes, reusing cached download URLs.
type Reader struct {
	source URLSource
	client *http.Client
	urls   *URLCache
	retry  retry.Config
}

// NewReader creates a reader. urls may be shared with other readers of the
// same filesystem.
func NewReader(source URLSource, client *http.Client, urls *URLCache, opts ReaderOptions) *Reader {
	if client == nil {
		client = transport.NewClient(0)
	}
	if urls == nil {
		urls = NewURLCache(DefaultURLTTL)
	}
	wait := opts.InitialWait
	if wait <= 0 {
		wait = DefaultInitialWait
	}
	attempts := opts.Retries + 1
	if opts.DisableRetries || opts.Retries < 0 {
		attempts = 1
	}
	return &Reader{
		source: source,
		client: client,
		urls:   urls,
		retry: retry.Config{
			MaxAttempts: attempts,
			InitialWait: wait,
			Multiplier:  2,
			Operation:   "download",
		},
	}
}

// Read returns bytes start..end (inclusive) of the object, or the whole
// object when either offset is negative. A read that exhausts its retries
// fails with storage.ErrNotFound.
func (r *Reader) Read(ctx context.Context, id string, start, end int64) ([]byte, error) {
	header := http.Header{}
	if start >= 0 && end >= 0 {
		if end < start {
			return []byte{}, nil
		}
		header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	}

	data, err := retry.DoWithResult(ctx, r.retry, func() ([]byte, error) {
		url, err := r.url(ctx, id)
		if err != nil {
			return nil, err
		}
		data, err := transport.Do(ctx, r.client, http.MethodGet, url, header, nil)
		if err != nil {
			r.urls.Evict(id)
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || ctx.Err() != nil {
			return nil, err
		}
		logging.WithContext(ctx).Warn("download failed",
			logging.String("id", id), logging.Err(err))
		return nil, fmt.Errorf("read %s: %w: %w", id, storage.ErrNotFound, err)
	}

	metrics.RecordDownload(len(data))
	return data, nil
}

// url returns a cached download URL or fetches a fresh one. Store errors
// are returned as the store classified them; stores retry their own calls.
func (r *Reader) url(ctx context.Context, id string) (string, error) {
	if u, ok := r.urls.Get(id); ok {
		return u, nil
	}
	u, err := r.source.DownloadURL(ctx, id)
	if err != nil {
		return "", err
	}
	r.urls.Set(id, u)
	return u, nil
}
