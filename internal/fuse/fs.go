// Package fuse mounts a cdffs.FileSystem through go-fuse.
//
// Files are written sequentially and committed when the handle is flushed.
// Renames, directory removal and random-access writes are not supported.
package fuse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/cognitedata/cdffs/internal/cdffs"
	"github.com/cognitedata/cdffs/internal/cdfpath"
	"github.com/cognitedata/cdffs/internal/dircache"
	"github.com/cognitedata/cdffs/internal/logging"
	"github.com/cognitedata/cdffs/internal/storage"
)

// Config holds mount options.
type Config struct {
	AllowOther bool
	Debug      bool
}

// Node is a file or directory. key is the slash-trimmed path; the root's
// key is "".
type Node struct {
	fs.Inode

	fsys *cdffs.FileSystem
	// ctx outlives single FUSE requests; readers and writers keep it for
	// the lifetime of their handle.
	ctx context.Context
	key string
}

// Mount mounts fsys at mountPoint. Cancelling ctx aborts in-flight
// transfers of open handles.
func Mount(ctx context.Context, fsys *cdffs.FileSystem, mountPoint string, cfg Config) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	root := &Node{fsys: fsys, ctx: ctx}
	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: cfg.AllowOther,
			Debug:      cfg.Debug,
			FsName:     "cdffs",
			Name:       "cdffs",
		},
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	}

	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	logging.Info("mounted", logging.String("mount_point", mountPoint))
	return server, nil
}

var (
	_ fs.InodeEmbedder = (*Node)(nil)
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeOpener    = (*Node)(nil)
	_ fs.NodeCreater   = (*Node)(nil)
	_ fs.NodeMkdirer   = (*Node)(nil)
	_ fs.NodeUnlinker  = (*Node)(nil)
	_ fs.NodeRmdirer   = (*Node)(nil)
	_ fs.NodeRenamer   = (*Node)(nil)
	_ fs.NodeSetattrer = (*Node)(nil)
)

// Getattr never downloads content; sizes come from the directory cache.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	if h, ok := fh.(*writeHandle); ok {
		fillAttr(&out.Attr, dircache.Entry{Kind: dircache.KindFile, Size: h.size()})
		return 0
	}
	e, err := n.fsys.Stat(ctx, "/"+n.key)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, e)
	return 0
}

// Lookup finds a child by name.
func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	key := childKey(n.key, name)
	e, err := n.fsys.Stat(ctx, "/"+key)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(&out.Attr, e)
	return n.NewInode(ctx, n.child(key), fs.StableAttr{Mode: out.Mode & syscall.S_IFMT}), 0
}

// Readdir lists the directory through the directory cache.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.fsys.Ls(ctx, "/"+n.key, dircache.Unbounded)
	if err != nil {
		if n.key == "" && errors.Is(err, storage.ErrNotFound) {
			return fs.NewListDirStream(nil), 0
		}
		return nil, toErrno(err)
	}

	out := make([]gofuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		if cdfpath.Parent(e.Name) != n.key || e.Name == n.key {
			continue
		}
		mode := uint32(syscall.S_IFREG)
		if e.IsDir() {
			mode = syscall.S_IFDIR
		}
		out = append(out, gofuse.DirEntry{Name: cdfpath.Base(e.Name), Mode: mode})
	}
	return fs.NewListDirStream(out), 0
}

// Open opens a file for reading, or truncates it for a sequential rewrite.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		if flags&syscall.O_TRUNC == 0 {
			return nil, 0, syscall.ENOTSUP
		}
		h, errno := n.openWriter()
		if errno != 0 {
			return nil, 0, errno
		}
		return h, 0, 0
	}

	f, err := n.fsys.Open(n.ctx, "/"+n.key)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &readHandle{file: f}, 0, 0
}

// Create creates a file and returns a handle for writing it.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	child := n.child(childKey(n.key, name))
	h, errno := child.openWriter()
	if errno != 0 {
		return nil, nil, 0, errno
	}

	fillAttr(&out.Attr, dircache.Entry{Kind: dircache.KindFile, Size: 0})
	inode := n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFREG})
	logging.Debug("created", logging.String("path", child.key))
	return inode, h, 0, 0
}

// Mkdir registers an empty directory. It becomes remote once a file is
// written below it.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	key := childKey(n.key, name)
	if err := n.fsys.Mkdir("/"+key, false); err != nil {
		return nil, toErrno(err)
	}
	fillAttr(&out.Attr, dircache.Entry{Kind: dircache.KindDirectory, Size: -1})
	return n.NewInode(ctx, n.child(key), fs.StableAttr{Mode: syscall.S_IFDIR}), 0
}

// Unlink removes a file.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	key := childKey(n.key, name)
	if err := n.fsys.Rm(ctx, "/"+key); err != nil {
		logging.Warn("unlink failed", logging.String("path", key), logging.Err(err))
		return toErrno(err)
	}
	return 0
}

// Rmdir is not supported.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return syscall.ENOTSUP
}

// Rename is not supported.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return syscall.ENOTSUP
}

// Setattr ignores time changes. Sizes can only be set on a handle being
// written, and only to the bytes written so far.
func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	if sz, ok := in.GetSize(); ok {
		h, writing := fh.(*writeHandle)
		if !writing || sz != uint64(h.size()) {
			return syscall.ENOTSUP
		}
	}
	return n.Getattr(ctx, fh, out)
}

func (n *Node) child(key string) *Node {
	return &Node{fsys: n.fsys, ctx: n.ctx, key: key}
}

func (n *Node) openWriter() (*writeHandle, syscall.Errno) {
	w, err := n.fsys.Create(n.ctx, "/"+n.key, storage.FileMetadata{})
	if err != nil {
		logging.Warn("open for write failed", logging.String("path", n.key), logging.Err(err))
		return nil, toErrno(err)
	}
	return &writeHandle{key: n.key, w: w}, 0
}

var (
	_ fs.FileReader = (*readHandle)(nil)

	_ fs.FileWriter   = (*writeHandle)(nil)
	_ fs.FileFlusher  = (*writeHandle)(nil)
	_ fs.FileReleaser = (*writeHandle)(nil)
)

type readHandle struct {
	file *cdffs.File
}

func (h *readHandle) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	n, err := h.file.ReadAt(dest, off)
	if err != nil && n == 0 && !errors.Is(err, io.EOF) {
		return nil, toErrno(err)
	}
	return gofuse.ReadResultData(dest[:n]), 0
}

// writeHandle streams appends into one upload. The object is committed by
// the first Flush.
type writeHandle struct {
	key string
	w   *cdffs.Writer

	mu        sync.Mutex
	offset    int64
	committed bool
}

func (h *writeHandle) size() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.offset
}

func (h *writeHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.committed {
		return 0, syscall.EIO
	}
	if off != h.offset {
		return 0, syscall.ENOTSUP
	}
	n, err := h.w.Write(data)
	h.offset += int64(n)
	if err != nil {
		logging.Warn("write failed", logging.String("path", h.key), logging.Err(err))
		return uint32(n), syscall.EIO
	}
	return uint32(n), 0
}

func (h *writeHandle) Flush(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.committed {
		return 0
	}
	h.committed = true
	if err := h.w.Close(); err != nil {
		logging.Error("upload failed", logging.String("path", h.key), logging.Err(err))
		return syscall.EIO
	}
	logging.Info("uploaded", logging.String("path", h.key), logging.Int64("size", h.offset))
	return 0
}

func (h *writeHandle) Release(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.committed {
		h.committed = true
		h.w.Abort()
	}
	return 0
}

func fillAttr(out *gofuse.Attr, e dircache.Entry) {
	if e.IsDir() {
		out.Mode = 0755 | syscall.S_IFDIR
	} else {
		out.Mode = 0644 | syscall.S_IFREG
	}
	if e.Size > 0 {
		out.Size = uint64(e.Size)
	}
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
}

func childKey(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// toErrno maps filesystem errors onto errno values.
func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, storage.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, cdfpath.ErrInvalidPath):
		return syscall.EINVAL
	case errors.Is(err, dircache.ErrAlreadyExists):
		return syscall.EEXIST
	case errors.Is(err, cdffs.ErrNotSupported):
		return syscall.ENOTSUP
	default:
		return syscall.EIO
	}
}
