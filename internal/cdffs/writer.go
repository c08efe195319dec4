package cdffs

import (
	"context"
	"fmt"
	"mime"
	"path"

	"github.com/cognitedata/cdffs/internal/logging"
	"github.com/cognitedata/cdffs/internal/storage"
	"github.com/cognitedata/cdffs/internal/upload"
)

// Writer streams a new object to the store. Bytes are uploaded in blocks as
// they accumulate; Close commits the object. A Writer is not safe for
// concurrent use.
type Writer struct {
	fs      *FileSystem
	ctx     context.Context
	path    string
	id      string
	session *upload.Session
}

// Create opens p for writing. meta is merged over the filesystem's default
// metadata; name, external id and directory always come from p. An existing
// object at p is overwritten when the writer commits.
func (f *FileSystem) Create(ctx context.Context, p string, meta storage.FileMetadata) (*Writer, error) {
	rootDir, _, id, err := f.SplitPath(p, true)
	if err != nil {
		return nil, err
	}

	m := f.opts.FileMetadata.Merge(meta)
	m.Name = path.Base(id)
	m.ExternalID = id
	m.Directory = rootDir
	if m.MimeType == "" {
		m.MimeType = mime.TypeByExtension(path.Ext(id))
	}

	strategy, err := upload.New(ctx, f.opts.UploadStrategy, f.store, f.client, m)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", p, err)
	}
	session := upload.NewSession(strategy, f.store, f.dirs, rootDir, id, upload.Options{
		BlockSize: f.opts.BlockSize,
		Workers:   f.opts.UploadWorkers,
		Retry:     f.opts.UploadRetry,
	})

	logging.WithContext(ctx).Debug("opened for write",
		logging.String("path", p),
		logging.String("session", session.ID()),
		logging.String("strategy", strategy.Name()))

	return &Writer{fs: f, ctx: ctx, path: p, id: id, session: session}, nil
}

// Write buffers p and uploads every whole block once the buffer reaches
// the block size.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.session.Write(p)
	if err != nil {
		return n, err
	}
	if int64(w.session.Buffered()) >= w.session.BlockSize() {
		if err := w.session.Flush(w.ctx, false); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Close uploads the remaining bytes and commits the object.
func (w *Writer) Close() error {
	err := w.session.Flush(w.ctx, true)
	w.fs.urls.Evict(w.id)
	w.fs.content.Evict(w.id)
	if err != nil {
		return fmt.Errorf("close %s: %w", w.path, err)
	}
	return nil
}

// Abort discards the upload and removes the partially written object.
func (w *Writer) Abort() {
	w.session.Abort(w.ctx)
}

// Session returns the underlying upload session.
func (w *Writer) Session() *upload.Session { return w.session }
