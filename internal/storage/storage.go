// Package storage defines the remote object-store contract the filesystem
// engine is built on, together with the types and errors shared by its
// implementations (cdf, s3, memory).
package storage

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"strconv"
)

// NoLimit requests every matching object from ListObjects.
const NoLimit = -1

// SizeKey is the metadata key holding the committed object size.
const SizeKey = "size"

var (
	// ErrNotFound is returned when an object does not exist, or when a read
	// or listing failed in a way that leaves the object unreachable.
	ErrNotFound = errors.New("not found")

	// ErrUploadURLRequired is returned by stores that cannot hand out a
	// pre-signed upload URL for a strategy that needs one.
	ErrUploadURLRequired = errors.New("store does not issue upload URLs")
)

// FileMetadata describes an object when it is created or uploaded.
type FileMetadata struct {
	ExternalID string            `json:"externalId,omitempty" yaml:"external_id,omitempty"`
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	Directory  string            `json:"directory,omitempty" yaml:"directory,omitempty"`
	MimeType   string            `json:"mimeType,omitempty" yaml:"mime_type,omitempty"`
	Source     string            `json:"source,omitempty" yaml:"source,omitempty"`
	DataSetID  int64             `json:"dataSetId,omitempty" yaml:"data_set_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Merge returns m with every non-empty field of override applied on top.
// Metadata maps are merged key by key.
func (m FileMetadata) Merge(override FileMetadata) FileMetadata {
	out := m
	if override.ExternalID != "" {
		out.ExternalID = override.ExternalID
	}
	if override.Name != "" {
		out.Name = override.Name
	}
	if override.Directory != "" {
		out.Directory = override.Directory
	}
	if override.MimeType != "" {
		out.MimeType = override.MimeType
	}
	if override.Source != "" {
		out.Source = override.Source
	}
	if override.DataSetID != 0 {
		out.DataSetID = override.DataSetID
	}
	if len(m.Metadata) > 0 || len(override.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(m.Metadata)+len(override.Metadata))
		maps.Copy(out.Metadata, m.Metadata)
		maps.Copy(out.Metadata, override.Metadata)
	}
	return out
}

// UploadTarget is the backend upload session returned by CreateObject.
type UploadTarget struct {
	ID         int64
	ExternalID string
	UploadURL  string
	MimeType   string
}

// ListQuery filters ListObjects. Empty prefixes are not applied.
type ListQuery struct {
	DirectoryPrefix  string
	ExternalIDPrefix string
	Limit            int // NoLimit for all objects
}

// ObjectInfo is one object returned by ListObjects.
type ObjectInfo struct {
	ExternalID string
	Directory  string
	Metadata   map[string]string
}

// Size returns the size recorded in the object's metadata, or -1.
func (o ObjectInfo) Size() int64 {
	v, ok := o.Metadata[SizeKey]
	if !ok {
		return -1
	}
	size, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1
	}
	return size
}

// Store is the remote object store.
type Store interface {
	// CreateObject registers an object and opens an upload session for it.
	// Existing objects with the same external id are overwritten.
	CreateObject(ctx context.Context, meta FileMetadata) (*UploadTarget, error)

	// ListObjects lists objects matching q.
	ListObjects(ctx context.Context, q ListQuery) ([]ObjectInfo, error)

	// DownloadURL returns a short-lived URL to fetch the object's content.
	DownloadURL(ctx context.Context, externalID string) (string, error)

	// Delete removes objects. Missing ids yield ErrNotFound.
	Delete(ctx context.Context, externalIDs ...string) error

	// UpdateMetadata adds or replaces metadata keys on an object.
	UpdateMetadata(ctx context.Context, externalID string, patch map[string]string) error

	// Retrieve reports whether the object exists.
	Retrieve(ctx context.Context, externalID string) (bool, error)

	// UploadBytes creates or overwrites the object with content in one request.
	UploadBytes(ctx context.Context, meta FileMetadata, content []byte) error

	// Type returns the backend type identifier ("cdf", "s3", "memory").
	Type() string
}

// HTTPClientProvider is implemented by stores whose upload and download
// URLs need a specific HTTP client (for example a custom URL scheme).
type HTTPClientProvider interface {
	HTTPClient() *http.Client
}
