// Package cdffs is the filesystem over a remote object store. A FileSystem
// owns its directory, download-URL and content caches; they live and die
// with the instance.
package cdffs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cognitedata/cdffs/internal/cdfpath"
	"github.com/cognitedata/cdffs/internal/config"
	"github.com/cognitedata/cdffs/internal/dircache"
	"github.com/cognitedata/cdffs/internal/download"
	"github.com/cognitedata/cdffs/internal/logging"
	"github.com/cognitedata/cdffs/internal/retry"
	"github.com/cognitedata/cdffs/internal/storage"
	"github.com/cognitedata/cdffs/internal/transport"
)

// ErrNotSupported is returned for operations the filesystem does not offer.
var ErrNotSupported = errors.New("operation not supported")

// Options configures a FileSystem. Zero values take package defaults.
type Options struct {
	Store      storage.Store
	HTTPClient *http.Client

	UploadStrategy string
	BlockSize      int64
	UploadWorkers  int
	UploadRetry    retry.Config

	ListExpiry             time.Duration
	DownloadRetries        int
	DisableDownloadRetries bool
	DownloadRetryWait      time.Duration
	URLTTL                 time.Duration
	CacheContents          bool

	DirectoryPrefix string
	FileMetadata    storage.FileMetadata
}

// OptionsFromConfig maps cfg onto Options for store.
func OptionsFromConfig(cfg *config.Config, store storage.Store, client *http.Client) Options {
	up := retry.DefaultConfig()
	up.MaxAttempts = cfg.UploadRetries
	if up.MaxAttempts < 1 {
		up.MaxAttempts = 1
	}
	up.InitialWait = cfg.UploadRetryWait

	return Options{
		Store:                  store,
		HTTPClient:             client,
		UploadStrategy:         cfg.UploadStrategy,
		BlockSize:              cfg.BlockSize,
		UploadWorkers:          cfg.UploadWorkers,
		UploadRetry:            up,
		ListExpiry:             cfg.ListExpiry,
		DownloadRetries:        cfg.DownloadRetries,
		DisableDownloadRetries: !cfg.DownloadRetry,
		URLTTL:                 cfg.URLTTL,
		CacheContents:          cfg.CacheContents,
		DirectoryPrefix:        cfg.DirectoryPrefix,
		FileMetadata:           cfg.FileMetadata,
	}
}

// FileSystem is one filesystem instance.
type FileSystem struct {
	opts    Options
	store   storage.Store
	client  *http.Client
	dirs    *dircache.Cache
	urls    *download.URLCache
	reader  *download.Reader
	content *download.ContentCache
}

// New creates a FileSystem.
func New(opts Options) (*FileSystem, error) {
	if opts.Store == nil {
		return nil, errors.New("cdffs: a store is required")
	}
	client := opts.HTTPClient
	if client == nil {
		if p, ok := opts.Store.(storage.HTTPClientProvider); ok {
			client = p.HTTPClient()
		} else {
			client = transport.NewClient(0)
		}
	}

	urls := download.NewURLCache(opts.URLTTL)
	reader := download.NewReader(opts.Store, client, urls, download.ReaderOptions{
		Retries:        opts.DownloadRetries,
		DisableRetries: opts.DisableDownloadRetries,
		InitialWait:    opts.DownloadRetryWait,
	})

	return &FileSystem{
		opts:    opts,
		store:   opts.Store,
		client:  client,
		dirs:    dircache.New(opts.Store, opts.ListExpiry),
		urls:    urls,
		reader:  reader,
		content: download.NewContentCache(reader),
	}, nil
}

// Store returns the backing store.
func (f *FileSystem) Store() storage.Store { return f.store }

// SplitPath resolves p into (rootDir, idPrefix, id) using the configured
// directory prefix.
func (f *FileSystem) SplitPath(p string, validateSuffix bool) (rootDir, idPrefix, id string, err error) {
	return cdfpath.Split(cleanPath(p), validateSuffix, f.opts.DirectoryPrefix)
}

// Ls lists the directory or file at p. A positive limit bounds the remote
// listing and bypasses the cache; dircache.Unbounded lists everything.
func (f *FileSystem) Ls(ctx context.Context, p string, limit int) ([]dircache.Entry, error) {
	p = cleanPath(p)
	rootDir, idPrefix, _, err := f.SplitPath(p, false)
	if err != nil {
		return nil, err
	}
	return f.dirs.List(ctx, p, rootDir, idPrefix, limit)
}

// Stat returns the entry for p. The root is always a directory.
func (f *FileSystem) Stat(ctx context.Context, p string) (dircache.Entry, error) {
	key := cdfpath.Key(cleanPath(p))
	if key == "" {
		return dircache.Entry{Kind: dircache.KindDirectory, Size: -1}, nil
	}
	if e, ok := f.dirs.Lookup(key); ok {
		return e, nil
	}
	// listing the parent registers p when it exists remotely
	if _, err := f.Ls(ctx, "/"+cdfpath.Parent(key), dircache.Unbounded); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return dircache.Entry{}, err
	}
	if e, ok := f.dirs.Lookup(key); ok {
		return e, nil
	}
	return dircache.Entry{}, fmt.Errorf("stat %q: %w", key, storage.ErrNotFound)
}

// Exists reports whether the object at p exists remotely.
func (f *FileSystem) Exists(ctx context.Context, p string) (bool, error) {
	_, _, id, err := f.SplitPath(p, false)
	if err != nil || id == "" {
		return false, err
	}
	return f.store.Retrieve(ctx, id)
}

// Rm deletes the object at p. Paths without an object are ignored.
func (f *FileSystem) Rm(ctx context.Context, p string) error {
	rootDir, idPrefix, _, err := f.SplitPath(p, false)
	if err != nil {
		return err
	}
	if idPrefix == "" {
		return nil
	}
	if err := f.store.Delete(ctx, idPrefix); err != nil {
		return notFound("rm "+p, err)
	}
	f.forget(rootDir, idPrefix)
	logging.WithContext(ctx).Info("removed", logging.String("path", p))
	return nil
}

// RmFiles deletes the objects at paths in one request. Either all of them
// are removed or none.
func (f *FileSystem) RmFiles(ctx context.Context, paths []string) error {
	type target struct{ rootDir, id string }
	var targets []target
	var ids []string
	for _, p := range paths {
		rootDir, idPrefix, _, err := f.SplitPath(p, false)
		if err != nil {
			return err
		}
		if idPrefix != "" {
			targets = append(targets, target{rootDir, idPrefix})
			ids = append(ids, idPrefix)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := f.store.Delete(ctx, ids...); err != nil {
		return notFound(fmt.Sprintf("rm %d files", len(ids)), err)
	}
	for _, t := range targets {
		f.forget(t.rootDir, t.id)
	}
	return nil
}

// Mkdir registers an empty directory. Directories only exist remotely once
// an object is written below them.
func (f *FileSystem) Mkdir(p string, existOK bool) error {
	return f.dirs.Mkdir(cleanPath(p), existOK)
}

// Makedirs is Mkdir tolerating existing directories.
func (f *FileSystem) Makedirs(p string) error {
	return f.Mkdir(p, true)
}

// Mv is not supported.
func (f *FileSystem) Mv(ctx context.Context, from, to string) error {
	return fmt.Errorf("mv %s %s: %w", from, to, ErrNotSupported)
}

// Cd is not supported.
func (f *FileSystem) Cd(p string) error {
	return fmt.Errorf("cd %s: %w", p, ErrNotSupported)
}

// forget drops everything cached about a removed object.
func (f *FileSystem) forget(rootDir, id string) {
	f.urls.Evict(id)
	f.content.Evict(id)
	f.dirs.Invalidate(cdfpath.Parent(cdfpath.Join(rootDir, id)))
	f.dirs.Invalidate(rootDir)
}

// notFound reports a failed delete as storage.ErrNotFound.
func notFound(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, storage.ErrNotFound, err)
}

func cleanPath(p string) string {
	p = cdfpath.StripProtocol(p)
	if p == "" {
		return "/"
	}
	return p
}
