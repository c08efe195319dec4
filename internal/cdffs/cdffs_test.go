package cdffs

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/cognitedata/cdffs/internal/cdfpath"
	"github.com/cognitedata/cdffs/internal/dircache"
	"github.com/cognitedata/cdffs/internal/retry"
	"github.com/cognitedata/cdffs/internal/storage"
	"github.com/cognitedata/cdffs/internal/storage/memory"
)

func newTestFS(t *testing.T, mutate func(*Options)) (*FileSystem, *memory.Store) {
	t.Helper()
	store := memory.New()
	opts := Options{
		Store:             store,
		UploadRetry:       retry.Config{MaxAttempts: 2, InitialWait: time.Millisecond, Multiplier: 1},
		DownloadRetries:   1,
		DownloadRetryWait: time.Millisecond,
		FileMetadata:      storage.FileMetadata{Source: "sensor-import"},
	}
	if mutate != nil {
		mutate(&opts)
	}
	fs, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fs, store
}

func writeFile(t *testing.T, fs *FileSystem, p, content string) {
	t.Helper()
	w, err := fs.Create(context.Background(), p, storage.FileMetadata{})
	if err != nil {
		t.Fatalf("Create %s: %v", p, err)
	}
	if _, err := io.WriteString(w, content); err != nil {
		t.Fatalf("Write %s: %v", p, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close %s: %v", p, err)
	}
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without a store")
	}
}

func TestCreate_WritesAndPublishes(t *testing.T) {
	fs, store := newTestFS(t, func(o *Options) { o.BlockSize = 4 })
	ctx := context.Background()

	writeFile(t, fs, "cdffs://out/run1/result.csv", "abcdefghijklmnopq")

	entries, err := fs.Ls(ctx, "/out/run1", dircache.Unbounded)
	if err != nil {
		t.Fatalf("Ls: %v", err)
	}
	want := dircache.Entry{Kind: dircache.KindFile, Name: "out/run1/result.csv", Size: 17}
	if len(entries) != 1 || entries[0] != want {
		t.Errorf("entries = %+v, want [%+v]", entries, want)
	}

	parent, err := fs.Ls(ctx, "/out", dircache.Unbounded)
	if err != nil {
		t.Fatalf("Ls parent: %v", err)
	}
	if len(parent) != 1 || !parent[0].IsDir() || parent[0].Name != "out/run1" {
		t.Errorf("parent entries = %+v", parent)
	}

	content, _ := store.Content("result.csv")
	if string(content) != "abcdefghijklmnopq" {
		t.Errorf("stored content = %q", content)
	}
	if ok, err := fs.Exists(ctx, "/out/run1/result.csv"); err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}
}

func TestCreate_Metadata(t *testing.T) {
	fs, store := newTestFS(t, nil)

	w, err := fs.Create(context.Background(), "/raw/2024/readings.json", storage.FileMetadata{
		Name:     "ignored",
		Metadata: map[string]string{"unit": "bar"},
	})
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, `{"p": 1}`)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	meta, ok := store.Metadata("readings.json")
	if !ok {
		t.Fatal("object not stored")
	}
	if meta.Name != "readings.json" || meta.ExternalID != "readings.json" || meta.Directory != "/raw/2024" {
		t.Errorf("path-derived fields = %+v", meta)
	}
	if meta.Source != "sensor-import" {
		t.Errorf("default source not applied: %q", meta.Source)
	}
	if meta.MimeType != "application/json" {
		t.Errorf("mime type = %q", meta.MimeType)
	}
	if meta.Metadata["unit"] != "bar" || meta.Metadata[storage.SizeKey] != "8" {
		t.Errorf("metadata = %v", meta.Metadata)
	}
}

func TestCreate_InvalidPath(t *testing.T) {
	fs, _ := newTestFS(t, nil)
	if _, err := fs.Create(context.Background(), "/no/suffix", storage.FileMetadata{}); !errors.Is(err, cdfpath.ErrInvalidPath) {
		t.Errorf("error = %v, want ErrInvalidPath", err)
	}

	prefixed, store := newTestFS(t, func(o *Options) { o.DirectoryPrefix = "data" })
	for _, p := range []string{"/data", "data/", "/data/"} {
		if _, err := prefixed.Create(context.Background(), p, storage.FileMetadata{}); !errors.Is(err, cdfpath.ErrInvalidPath) {
			t.Errorf("Create(%q) = %v, want ErrInvalidPath", p, err)
		}
	}
	if objs, _ := store.ListObjects(context.Background(), storage.ListQuery{}); len(objs) != 0 {
		t.Errorf("store holds %d objects after rejected creates", len(objs))
	}
}

func TestOpen_Reads(t *testing.T) {
	tests := []struct {
		name  string
		cache bool
	}{
		{"ranged", false},
		{"content cache", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, _ := newTestFS(t, func(o *Options) { o.CacheContents = tt.cache })
			ctx := context.Background()
			writeFile(t, fs, "/data/blob.bin", "0123456789")

			f, err := fs.Open(ctx, "/data/blob.bin")
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if f.Size() != 10 {
				t.Errorf("Size = %d", f.Size())
			}

			buf := make([]byte, 4)
			n, err := f.ReadAt(buf, 3)
			if err != nil || string(buf[:n]) != "3456" {
				t.Errorf("ReadAt(3) = %q, %v", buf[:n], err)
			}
			n, err = f.ReadAt(buf, 8)
			if err != io.EOF || string(buf[:n]) != "89" {
				t.Errorf("ReadAt(8) = %q, %v; want \"89\", EOF", buf[:n], err)
			}

			all, err := io.ReadAll(f)
			if err != nil || string(all) != "0123456789" {
				t.Errorf("ReadAll = %q, %v", all, err)
			}
		})
	}
}

func TestOpen_UnknownSize(t *testing.T) {
	fs, store := newTestFS(t, nil)
	ctx := context.Background()
	store.UploadBytes(ctx, storage.FileMetadata{ExternalID: "legacy.txt", Directory: "/old"}, []byte("hello"))

	f, err := fs.Open(ctx, "/old/legacy.txt")
	if err != nil {
		t.Fatal(err)
	}
	if f.Size() != -1 {
		t.Errorf("Size = %d, want -1", f.Size())
	}
	all, err := io.ReadAll(f)
	if err != nil || string(all) != "hello" {
		t.Errorf("ReadAll = %q, %v", all, err)
	}
}

func TestCat(t *testing.T) {
	fs, _ := newTestFS(t, nil)
	ctx := context.Background()
	writeFile(t, fs, "/a/one.txt", "1")
	writeFile(t, fs, "/a/two.txt", "22")

	got, err := fs.CatMany(ctx, []string{"/a/one.txt", "/a/two.txt"})
	if err != nil {
		t.Fatalf("CatMany: %v", err)
	}
	if string(got["/a/one.txt"]) != "1" || string(got["/a/two.txt"]) != "22" {
		t.Errorf("CatMany = %q", got)
	}

	if _, err := fs.Cat(ctx, "/a/missing.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Cat missing = %v, want ErrNotFound", err)
	}
	if _, err := fs.CatMany(ctx, []string{"/a/one.txt", "/a/missing.txt"}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("CatMany with missing = %v, want ErrNotFound", err)
	}
}

func TestRm(t *testing.T) {
	fs, _ := newTestFS(t, nil)
	ctx := context.Background()
	writeFile(t, fs, "/logs/a.log", "a")
	writeFile(t, fs, "/logs/b.log", "b")
	writeFile(t, fs, "/logs/c.log", "c")

	if err := fs.Rm(ctx, "/logs/a.log"); err != nil {
		t.Fatalf("Rm: %v", err)
	}
	if ok, _ := fs.Exists(ctx, "/logs/a.log"); ok {
		t.Error("a.log still exists")
	}
	if err := fs.Rm(ctx, "/logs/a.log"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second Rm = %v, want ErrNotFound", err)
	}
	if err := fs.Rm(ctx, "/logs"); err != nil {
		t.Errorf("Rm of a directory path = %v, want no-op", err)
	}

	entries, err := fs.Ls(ctx, "/logs", dircache.Unbounded)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("entries after Rm = %+v", entries)
	}

	if err := fs.RmFiles(ctx, []string{"/logs/b.log", "/logs/missing.log"}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("RmFiles with missing = %v", err)
	}
	if ok, _ := fs.Exists(ctx, "/logs/b.log"); !ok {
		t.Error("RmFiles removed b.log despite failing")
	}
	if err := fs.RmFiles(ctx, []string{"/logs/b.log", "/logs/c.log"}); err != nil {
		t.Fatalf("RmFiles: %v", err)
	}
	if _, err := fs.Ls(ctx, "/logs", dircache.Unbounded); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Ls of emptied directory = %v, want ErrNotFound", err)
	}
}

func TestMkdir(t *testing.T) {
	fs, _ := newTestFS(t, nil)
	ctx := context.Background()

	if err := fs.Mkdir("/new/dir", false); err != nil {
		t.Fatal(err)
	}
	if err := fs.Mkdir("/new/dir", false); !errors.Is(err, dircache.ErrAlreadyExists) {
		t.Errorf("second Mkdir = %v, want ErrAlreadyExists", err)
	}
	if err := fs.Makedirs("/new/dir"); err != nil {
		t.Errorf("Makedirs = %v", err)
	}

	entries, err := fs.Ls(ctx, "/new/dir", dircache.Unbounded)
	if err != nil || len(entries) != 0 {
		t.Errorf("Ls of empty dir = %+v, %v", entries, err)
	}
	e, err := fs.Stat(ctx, "/new/dir")
	if err != nil || !e.IsDir() {
		t.Errorf("Stat = %+v, %v", e, err)
	}
}

func TestStat(t *testing.T) {
	fs, _ := newTestFS(t, nil)
	ctx := context.Background()
	writeFile(t, fs, "/s/x.txt", "xyz")

	if e, err := fs.Stat(ctx, "/"); err != nil || !e.IsDir() {
		t.Errorf("Stat root = %+v, %v", e, err)
	}
	if e, err := fs.Stat(ctx, "/s/x.txt"); err != nil || e.Size != 3 {
		t.Errorf("Stat file = %+v, %v", e, err)
	}
	if _, err := fs.Stat(ctx, "/s/nope.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Stat missing = %v", err)
	}
}

func TestUnsupported(t *testing.T) {
	fs, _ := newTestFS(t, nil)
	if err := fs.Mv(context.Background(), "/a.txt", "/b.txt"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Mv = %v", err)
	}
	if err := fs.Cd("/a"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Cd = %v", err)
	}
}
