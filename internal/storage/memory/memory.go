// Package memory provides an in-process storage backend.
//
// Objects live in a map guarded by a mutex. The store issues no upload URLs,
// so only the fully-buffered upload strategy applies. Download URLs use the
// memory:// scheme and are served by the store's own HTTP round tripper.
package memory

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cognitedata/cdffs/internal/metrics"
	"github.com/cognitedata/cdffs/internal/storage"
)

// Scheme is the URL scheme of download URLs handed out by the store.
const Scheme = "memory"

type object struct {
	id       int64
	meta     storage.FileMetadata
	data     []byte
	uploaded bool
}

// Store implements storage.Store in memory.
type Store struct {
	mu      sync.RWMutex
	objects map[string]*object
	nextID  int64
}

var _ storage.Store = (*Store)(nil)
var _ storage.HTTPClientProvider = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{objects: make(map[string]*object)}
}

// Type returns "memory".
func (s *Store) Type() string { return "memory" }

// CreateObject registers the object, replacing any existing one.
func (s *Store) CreateObject(_ context.Context, meta storage.FileMetadata) (*storage.UploadTarget, error) {
	start := time.Now()
	if meta.ExternalID == "" {
		metrics.RecordStoreOperation(s.Type(), "create", time.Since(start), false)
		return nil, fmt.Errorf("create object: external id is required")
	}

	s.mu.Lock()
	s.nextID++
	obj := &object{id: s.nextID, meta: cloneMeta(meta)}
	s.objects[meta.ExternalID] = obj
	s.mu.Unlock()

	metrics.RecordStoreOperation(s.Type(), "create", time.Since(start), true)
	return &storage.UploadTarget{
		ID:         obj.id,
		ExternalID: meta.ExternalID,
		MimeType:   meta.MimeType,
	}, nil
}

// UploadBytes stores content under meta.ExternalID.
func (s *Store) UploadBytes(_ context.Context, meta storage.FileMetadata, content []byte) error {
	start := time.Now()
	if meta.ExternalID == "" {
		metrics.RecordStoreOperation(s.Type(), "upload", time.Since(start), false)
		return fmt.Errorf("upload: external id is required")
	}

	s.mu.Lock()
	obj, ok := s.objects[meta.ExternalID]
	if !ok {
		s.nextID++
		obj = &object{id: s.nextID}
		s.objects[meta.ExternalID] = obj
	}
	merged := cloneMeta(meta)
	if obj.meta.Metadata != nil {
		base := maps.Clone(obj.meta.Metadata)
		maps.Copy(base, merged.Metadata)
		merged.Metadata = base
	}
	obj.meta = merged
	obj.data = slices.Clone(content)
	obj.uploaded = true
	s.mu.Unlock()

	metrics.RecordStoreOperation(s.Type(), "upload", time.Since(start), true)
	return nil
}

// ListObjects returns matching objects ordered by external id.
func (s *Store) ListObjects(_ context.Context, q storage.ListQuery) ([]storage.ObjectInfo, error) {
	start := time.Now()
	s.mu.RLock()
	ids := slices.Sorted(maps.Keys(s.objects))
	var out []storage.ObjectInfo
	for _, id := range ids {
		obj := s.objects[id]
		if q.ExternalIDPrefix != "" && !strings.HasPrefix(id, q.ExternalIDPrefix) {
			continue
		}
		if q.DirectoryPrefix != "" && !strings.HasPrefix(obj.meta.Directory, q.DirectoryPrefix) {
			continue
		}
		out = append(out, storage.ObjectInfo{
			ExternalID: id,
			Directory:  obj.meta.Directory,
			Metadata:   maps.Clone(obj.meta.Metadata),
		})
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	s.mu.RUnlock()

	metrics.RecordStoreOperation(s.Type(), "list", time.Since(start), true)
	return out, nil
}

// DownloadURL returns a memory:// URL for the object.
func (s *Store) DownloadURL(_ context.Context, externalID string) (string, error) {
	s.mu.RLock()
	_, ok := s.objects[externalID]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("download url %s: %w", externalID, storage.ErrNotFound)
	}
	return Scheme + ":///" + url.PathEscape(externalID), nil
}

// Delete removes the objects. Nothing is deleted when any id is unknown.
func (s *Store) Delete(_ context.Context, externalIDs ...string) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range externalIDs {
		if _, ok := s.objects[id]; !ok {
			metrics.RecordStoreOperation(s.Type(), "delete", time.Since(start), false)
			return fmt.Errorf("delete %s: %w", id, storage.ErrNotFound)
		}
	}
	for _, id := range externalIDs {
		delete(s.objects, id)
	}
	metrics.RecordStoreOperation(s.Type(), "delete", time.Since(start), true)
	return nil
}

// UpdateMetadata adds or replaces metadata keys.
func (s *Store) UpdateMetadata(_ context.Context, externalID string, patch map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[externalID]
	if !ok {
		return fmt.Errorf("update %s: %w", externalID, storage.ErrNotFound)
	}
	if obj.meta.Metadata == nil {
		obj.meta.Metadata = make(map[string]string, len(patch))
	}
	maps.Copy(obj.meta.Metadata, patch)
	return nil
}

// Retrieve reports whether the object exists.
func (s *Store) Retrieve(_ context.Context, externalID string) (bool, error) {
	s.mu.RLock()
	_, ok := s.objects[externalID]
	s.mu.RUnlock()
	return ok, nil
}

// Content returns a copy of the object's bytes.
func (s *Store) Content(externalID string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[externalID]
	if !ok {
		return nil, false
	}
	return slices.Clone(obj.data), true
}

// Metadata returns a copy of the object's metadata.
func (s *Store) Metadata(externalID string) (storage.FileMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[externalID]
	if !ok {
		return storage.FileMetadata{}, false
	}
	return cloneMeta(obj.meta), true
}

// HTTPClient returns a client that serves memory:// download URLs.
func (s *Store) HTTPClient() *http.Client {
	return &http.Client{Transport: roundTripper{store: s}}
}

func cloneMeta(meta storage.FileMetadata) storage.FileMetadata {
	meta.Metadata = maps.Clone(meta.Metadata)
	return meta
}
