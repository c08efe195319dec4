package cdffs

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cognitedata/cdffs/internal/cdfpath"
	"github.com/cognitedata/cdffs/internal/logging"
)

// catWorkers bounds concurrent downloads in CatMany.
const catWorkers = 5

// File reads one object. Reads go through the content cache when the
// filesystem caches contents, and are ranged requests otherwise.
type File struct {
	fs   *FileSystem
	ctx  context.Context
	path string
	id   string
	size int64 // -1 when unknown

	mu     sync.Mutex // guards offset
	offset int64

	wholeMu sync.Mutex
	whole   []byte // full content when the size is unknown
}

// Open opens the object at p for reading.
func (f *FileSystem) Open(ctx context.Context, p string) (*File, error) {
	rootDir, _, id, err := f.SplitPath(p, true)
	if err != nil {
		return nil, err
	}

	size := int64(-1)
	if e, err := f.Stat(ctx, "/"+cdfpath.Join(rootDir, id)); err == nil && !e.IsDir() {
		size = e.Size
	}
	return &File{fs: f, ctx: ctx, path: p, id: id, size: size}, nil
}

// Size returns the object size, or -1 when the store has not recorded it.
func (fl *File) Size() int64 { return fl.size }

// ReadAt implements io.ReaderAt.
func (fl *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read %s: negative offset", fl.path)
	}
	if len(p) == 0 {
		return 0, nil
	}

	data, err := fl.fetch(off, off+int64(len(p))-1)
	if err != nil {
		return 0, err
	}
	n := copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Read implements io.Reader.
func (fl *File) Read(p []byte) (int, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	n, err := fl.ReadAt(p, fl.offset)
	fl.offset += int64(n)
	return n, err
}

// Close releases the file.
func (fl *File) Close() error { return nil }

// fetch returns bytes start..end (inclusive), clipped to the object.
func (fl *File) fetch(start, end int64) ([]byte, error) {
	if fl.fs.opts.CacheContents {
		all, err := fl.fs.content.Get(fl.ctx, fl.id)
		if err != nil {
			return nil, err
		}
		return clip(all, start, end), nil
	}

	if fl.size < 0 {
		fl.wholeMu.Lock()
		defer fl.wholeMu.Unlock()
		if fl.whole == nil {
			all, err := fl.fs.reader.Read(fl.ctx, fl.id, -1, -1)
			if err != nil {
				return nil, err
			}
			fl.whole = all
		}
		return clip(fl.whole, start, end), nil
	}

	if start >= fl.size {
		return nil, nil
	}
	end = min(end, fl.size-1)
	return fl.fs.reader.Read(fl.ctx, fl.id, start, end)
}

func clip(b []byte, start, end int64) []byte {
	if start >= int64(len(b)) {
		return nil
	}
	return b[start:min(end+1, int64(len(b)))]
}

// Cat returns the whole content of the object at p.
func (f *FileSystem) Cat(ctx context.Context, p string) ([]byte, error) {
	_, _, id, err := f.SplitPath(p, true)
	if err != nil {
		return nil, err
	}
	if f.opts.CacheContents {
		return f.content.Get(ctx, id)
	}
	return f.reader.Read(ctx, id, -1, -1)
}

// CatMany returns the content of every path, keyed by path. The first
// failure cancels the remaining downloads.
func (f *FileSystem) CatMany(ctx context.Context, paths []string) (map[string][]byte, error) {
	var mu sync.Mutex
	out := make(map[string][]byte, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(catWorkers)
	for _, p := range paths {
		g.Go(func() error {
			data, err := f.Cat(gctx, p)
			if err != nil {
				logging.WithContext(gctx).Debug("cat failed",
					logging.String("path", p), logging.Err(err))
				return fmt.Errorf("cat %s: %w", p, err)
			}
			mu.Lock()
			out[p] = data
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
