// Package cdf implements storage.Store against the Cognite Data Fusion
// Files API.
package cdf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/cognitedata/cdffs/internal/logging"
	"github.com/cognitedata/cdffs/internal/metrics"
	"github.com/cognitedata/cdffs/internal/retry"
	"github.com/cognitedata/cdffs/internal/storage"
	"github.com/cognitedata/cdffs/internal/transport"
)

// pageSize is the largest page the list endpoint returns.
const pageSize = 1000

// Config holds CDF connection settings.
type Config struct {
	BaseURL      string        `yaml:"base_url"`
	Project      string        `yaml:"project"`
	TokenURL     string        `yaml:"token_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Scopes       []string      `yaml:"scopes"`
	Token        string        `yaml:"token"`
	Timeout      time.Duration `yaml:"timeout"`
	Retry        retry.Config  `yaml:"-"`
}

// Store is a CDF Files API client.
type Store struct {
	api     *http.Client // authenticated, for the REST API
	objects *http.Client // plain, for pre-signed upload/download URLs
	baseURL string
	project string
	retry   retry.Config
}

var _ storage.Store = (*Store)(nil)
var _ storage.HTTPClientProvider = (*Store)(nil)

// New creates a store. OAuth2 client credentials are used when a client id
// is configured, otherwise the static token.
func New(cfg Config) (*Store, error) {
	if cfg.BaseURL == "" || cfg.Project == "" {
		return nil, fmt.Errorf("cdf: base url and project are required")
	}

	base := transport.NewClient(cfg.Timeout)
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	var api *http.Client
	switch {
	case cfg.ClientID != "":
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		api = cc.Client(tokenCtx)
	case cfg.Token != "":
		api = oauth2.NewClient(tokenCtx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	default:
		return nil, fmt.Errorf("cdf: either client credentials or a token is required")
	}

	rc := cfg.Retry
	if rc.MaxAttempts == 0 && rc.InitialWait == 0 {
		rc = retry.DefaultConfig()
	}

	return &Store{
		api:     api,
		objects: base,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		project: cfg.Project,
		retry:   rc,
	}, nil
}

// Type returns "cdf".
func (s *Store) Type() string { return "cdf" }

// HTTPClient returns the client for pre-signed URLs.
func (s *Store) HTTPClient() *http.Client { return s.objects }

type fileItem struct {
	ID         int64             `json:"id,omitempty"`
	ExternalID string            `json:"externalId,omitempty"`
	Name       string            `json:"name,omitempty"`
	Directory  string            `json:"directory,omitempty"`
	MimeType   string            `json:"mimeType,omitempty"`
	Source     string            `json:"source,omitempty"`
	DataSetID  int64             `json:"dataSetId,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	UploadURL  string            `json:"uploadUrl,omitempty"`
	Uploaded   bool              `json:"uploaded,omitempty"`
}

type identity struct {
	ExternalID string `json:"externalId"`
}

type apiError struct {
	Error struct {
		Code    int               `json:"code"`
		Message string            `json:"message"`
		Missing []json.RawMessage `json:"missing"`
	} `json:"error"`
}

// CreateObject creates the file, overwriting any existing one, and returns
// its upload URL.
func (s *Store) CreateObject(ctx context.Context, meta storage.FileMetadata) (*storage.UploadTarget, error) {
	start := time.Now()
	var resp fileItem
	err := s.call(ctx, "files?overwrite=true", toItem(meta), &resp)
	metrics.RecordStoreOperation(s.Type(), "create", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", meta.ExternalID, err)
	}
	return &storage.UploadTarget{
		ID:         resp.ID,
		ExternalID: resp.ExternalID,
		UploadURL:  resp.UploadURL,
		MimeType:   meta.MimeType,
	}, nil
}

// UploadBytes creates the file and PUTs content to its upload URL.
func (s *Store) UploadBytes(ctx context.Context, meta storage.FileMetadata, content []byte) error {
	target, err := s.CreateObject(ctx, meta)
	if err != nil {
		return err
	}
	if target.UploadURL == "" {
		return fmt.Errorf("upload %s: %w", meta.ExternalID, storage.ErrUploadURLRequired)
	}

	start := time.Now()
	header := http.Header{}
	if meta.MimeType != "" {
		header.Set("Content-Type", meta.MimeType)
	}
	err = retry.Do(ctx, s.retry.Named("cdf_upload"), func() error {
		_, err := transport.Do(ctx, s.objects, http.MethodPut, target.UploadURL, header, content)
		return err
	})
	metrics.RecordStoreOperation(s.Type(), "upload", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("upload %s: %w", meta.ExternalID, retry.Permanent(err))
	}
	return nil
}

// ListObjects pages through files/list until the limit or the last page.
func (s *Store) ListObjects(ctx context.Context, q storage.ListQuery) ([]storage.ObjectInfo, error) {
	start := time.Now()

	filter := map[string]string{}
	if q.DirectoryPrefix != "" {
		filter["directoryPrefix"] = q.DirectoryPrefix
	}
	if q.ExternalIDPrefix != "" {
		filter["externalIdPrefix"] = q.ExternalIDPrefix
	}

	var out []storage.ObjectInfo
	cursor := ""
	for {
		limit := pageSize
		if q.Limit > 0 {
			limit = min(pageSize, q.Limit-len(out))
		}
		body := map[string]any{"filter": filter, "limit": limit}
		if cursor != "" {
			body["cursor"] = cursor
		}

		var page struct {
			Items      []fileItem `json:"items"`
			NextCursor string     `json:"nextCursor"`
		}
		if err := s.call(ctx, "files/list", body, &page); err != nil {
			metrics.RecordStoreOperation(s.Type(), "list", time.Since(start), false)
			return nil, fmt.Errorf("list files: %w", err)
		}
		for _, item := range page.Items {
			out = append(out, storage.ObjectInfo{
				ExternalID: item.ExternalID,
				Directory:  item.Directory,
				Metadata:   item.Metadata,
			})
		}

		cursor = page.NextCursor
		if cursor == "" || (q.Limit > 0 && len(out) >= q.Limit) {
			break
		}
	}

	metrics.RecordStoreOperation(s.Type(), "list", time.Since(start), true)
	logging.Debug("listed files",
		zap.String("directory_prefix", q.DirectoryPrefix),
		zap.String("external_id_prefix", q.ExternalIDPrefix),
		zap.Int("count", len(out)))
	return out, nil
}

// DownloadURL fetches a short-lived download link.
func (s *Store) DownloadURL(ctx context.Context, externalID string) (string, error) {
	start := time.Now()
	var resp struct {
		Items []struct {
			ExternalID  string `json:"externalId"`
			DownloadURL string `json:"downloadUrl"`
		} `json:"items"`
	}
	err := s.call(ctx, "files/downloadlink", map[string]any{"items": []identity{{externalID}}}, &resp)
	metrics.RecordStoreOperation(s.Type(), "download_link", time.Since(start), err == nil)
	if err != nil {
		return "", fmt.Errorf("download link %s: %w", externalID, err)
	}
	if len(resp.Items) == 0 || resp.Items[0].DownloadURL == "" {
		return "", fmt.Errorf("download link %s: %w", externalID, storage.ErrNotFound)
	}
	return resp.Items[0].DownloadURL, nil
}

// Delete removes files by external id.
func (s *Store) Delete(ctx context.Context, externalIDs ...string) error {
	if len(externalIDs) == 0 {
		return nil
	}
	start := time.Now()
	items := make([]identity, len(externalIDs))
	for i, id := range externalIDs {
		items[i] = identity{ExternalID: id}
	}
	err := s.call(ctx, "files/delete", map[string]any{"items": items}, nil)
	metrics.RecordStoreOperation(s.Type(), "delete", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("delete %s: %w", strings.Join(externalIDs, ","), err)
	}
	return nil
}

// UpdateMetadata adds metadata keys to a file.
func (s *Store) UpdateMetadata(ctx context.Context, externalID string, patch map[string]string) error {
	start := time.Now()
	body := map[string]any{
		"items": []map[string]any{{
			"externalId": externalID,
			"update": map[string]any{
				"metadata": map[string]any{"add": patch},
			},
		}},
	}
	err := s.call(ctx, "files/update", body, nil)
	metrics.RecordStoreOperation(s.Type(), "update", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("update %s: %w", externalID, err)
	}
	return nil
}

// Retrieve reports whether the file exists.
func (s *Store) Retrieve(ctx context.Context, externalID string) (bool, error) {
	start := time.Now()
	var resp struct {
		Items []fileItem `json:"items"`
	}
	body := map[string]any{"items": []identity{{externalID}}, "ignoreUnknownIds": true}
	err := s.call(ctx, "files/byids", body, &resp)
	metrics.RecordStoreOperation(s.Type(), "retrieve", time.Since(start), err == nil)
	if err != nil {
		return false, fmt.Errorf("retrieve %s: %w", externalID, err)
	}
	return len(resp.Items) > 0, nil
}

// call POSTs body as JSON to the project-relative endpoint and decodes the
// response into out. 429 and 5xx answers are retried; once the policy gives
// up the error is permanent for callers.
func (s *Store) call(ctx context.Context, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	url := fmt.Sprintf("%s/api/v1/projects/%s/%s", s.baseURL, s.project, endpoint)

	respBody, err := retry.DoWithResult(ctx, s.retry.Named("cdf_api"), func() ([]byte, error) {
		return s.post(ctx, url, payload)
	})
	if err != nil {
		return retry.Permanent(err)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (s *Store) post(ctx context.Context, url string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.api.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Retryable(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Retryable(err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}
	return nil, classify(resp.StatusCode, respBody)
}

// classify maps a failed API answer to the storage error taxonomy.
func classify(status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	base := fmt.Errorf("cdf api: status %d: %s", status, msg)

	switch {
	case status == http.StatusNotFound, status == http.StatusUnauthorized:
		return errors.Join(storage.ErrNotFound, base)
	case status == http.StatusBadRequest && len(apiErr.Error.Missing) > 0:
		return errors.Join(storage.ErrNotFound, base)
	case status == http.StatusTooManyRequests, status >= 500:
		return retry.Retryable(base)
	default:
		return base
	}
}

func toItem(meta storage.FileMetadata) fileItem {
	return fileItem{
		ExternalID: meta.ExternalID,
		Name:       meta.Name,
		Directory:  meta.Directory,
		MimeType:   meta.MimeType,
		Source:     meta.Source,
		DataSetID:  meta.DataSetID,
		Metadata:   meta.Metadata,
	}
}
