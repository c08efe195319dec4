// Package s3 implements storage.Store on S3-compatible object storage.
//
// The object key is the external id. Directory, name and the rest of the
// file metadata are kept as user metadata on the object. S3 speaks neither
// the block-blob nor the resumable upload protocol, so the store is used with
// the fully-buffered upload strategy.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/cognitedata/cdffs/internal/logging"
	"github.com/cognitedata/cdffs/internal/metrics"
	"github.com/cognitedata/cdffs/internal/storage"
)

// Reserved user-metadata keys.
const (
	metaDirectory = "cdffs-directory"
	metaName      = "cdffs-name"
	metaSource    = "cdffs-source"
)

// Config holds S3 connection settings.
type Config struct {
	Endpoint   string        `yaml:"endpoint"`
	Bucket     string        `yaml:"bucket"`
	AccessKey  string        `yaml:"access_key"`
	SecretKey  string        `yaml:"secret_key"`
	Region     string        `yaml:"region"`
	PresignTTL time.Duration `yaml:"presign_ttl"`
}

// Store implements storage.Store using S3/MinIO.
type Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	ttl       time.Duration
}

var _ storage.Store = (*Store)(nil)

// New creates an S3 store and makes sure the bucket exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	ttl := cfg.PresignTTL
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	store := &Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		ttl:       ttl,
	}

	if err := store.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.Error(err))
	}
	return store, nil
}

// Type returns "s3".
func (s *Store) Type() string { return "s3" }

func (s *Store) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	_, createErr := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	metrics.RecordStoreOperation(s.Type(), "create_bucket", time.Since(start), createErr == nil)
	if createErr != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", s.bucket, createErr)
	}
	logging.Info("created S3 bucket", zap.String("bucket", s.bucket))
	return nil
}

// CreateObject writes an empty placeholder carrying the metadata and returns
// a pre-signed PUT URL for the object.
func (s *Store) CreateObject(ctx context.Context, meta storage.FileMetadata) (*storage.UploadTarget, error) {
	if err := s.put(ctx, meta, nil); err != nil {
		return nil, fmt.Errorf("create %s: %w", meta.ExternalID, err)
	}

	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(meta.ExternalID),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return nil, fmt.Errorf("presign put %s: %w", meta.ExternalID, err)
	}
	return &storage.UploadTarget{
		ExternalID: meta.ExternalID,
		UploadURL:  req.URL,
		MimeType:   meta.MimeType,
	}, nil
}

// UploadBytes writes content with its metadata in one PutObject.
func (s *Store) UploadBytes(ctx context.Context, meta storage.FileMetadata, content []byte) error {
	if err := s.put(ctx, meta, content); err != nil {
		return fmt.Errorf("upload %s: %w", meta.ExternalID, err)
	}
	logging.Debug("S3 put object", zap.String("key", meta.ExternalID), zap.Int("size", len(content)))
	return nil
}

func (s *Store) put(ctx context.Context, meta storage.FileMetadata, content []byte) error {
	start := time.Now()
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(meta.ExternalID),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
		Metadata:      encodeMetadata(meta),
	}
	if meta.MimeType != "" {
		input.ContentType = aws.String(meta.MimeType)
	}
	_, err := s.client.PutObject(ctx, input)
	metrics.RecordStoreOperation(s.Type(), "put_object", time.Since(start), err == nil)
	return err
}

// ListObjects lists keys under the external-id prefix and reads each
// object's metadata to filter on the directory.
func (s *Store) ListObjects(ctx context.Context, q storage.ListQuery) ([]storage.ObjectInfo, error) {
	start := time.Now()
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if q.ExternalIDPrefix != "" {
		input.Prefix = aws.String(q.ExternalIDPrefix)
	}

	var out []storage.ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			metrics.RecordStoreOperation(s.Type(), "list_objects", time.Since(start), false)
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			head, err := s.head(ctx, key)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				metrics.RecordStoreOperation(s.Type(), "list_objects", time.Since(start), false)
				return nil, err
			}
			info := decodeMetadata(key, head.Metadata)
			if q.DirectoryPrefix != "" && !strings.HasPrefix(info.Directory, q.DirectoryPrefix) {
				continue
			}
			out = append(out, info)
			if q.Limit > 0 && len(out) >= q.Limit {
				metrics.RecordStoreOperation(s.Type(), "list_objects", time.Since(start), true)
				return out, nil
			}
		}
	}

	metrics.RecordStoreOperation(s.Type(), "list_objects", time.Since(start), true)
	return out, nil
}

// DownloadURL returns a pre-signed GET URL.
func (s *Store) DownloadURL(ctx context.Context, externalID string) (string, error) {
	if _, err := s.head(ctx, externalID); err != nil {
		return "", fmt.Errorf("download url: %w", err)
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(externalID),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", externalID, err)
	}
	return req.URL, nil
}

// Delete removes the objects. Nothing is deleted when any key is missing.
func (s *Store) Delete(ctx context.Context, externalIDs ...string) error {
	if len(externalIDs) == 0 {
		return nil
	}
	ids := make([]types.ObjectIdentifier, 0, len(externalIDs))
	for _, id := range externalIDs {
		if _, err := s.head(ctx, id); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		ids = append(ids, types.ObjectIdentifier{Key: aws.String(id)})
	}

	start := time.Now()
	out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
	})
	if err == nil && len(out.Errors) > 0 {
		err = fmt.Errorf("%s: %s", aws.ToString(out.Errors[0].Key), aws.ToString(out.Errors[0].Message))
	}
	metrics.RecordStoreOperation(s.Type(), "delete_objects", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("delete objects: %w", err)
	}
	logging.Debug("S3 delete objects", zap.Strings("keys", externalIDs))
	return nil
}

// UpdateMetadata merges patch into the object's metadata with an in-place
// copy.
func (s *Store) UpdateMetadata(ctx context.Context, externalID string, patch map[string]string) error {
	head, err := s.head(ctx, externalID)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	merged := maps.Clone(head.Metadata)
	if merged == nil {
		merged = make(map[string]string, len(patch))
	}
	maps.Copy(merged, patch)

	start := time.Now()
	input := &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(externalID),
		CopySource:        aws.String(s.bucket + "/" + externalID),
		Metadata:          merged,
		MetadataDirective: types.MetadataDirectiveReplace,
		ContentType:       head.ContentType,
	}
	_, err = s.client.CopyObject(ctx, input)
	metrics.RecordStoreOperation(s.Type(), "copy_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("update %s: %w", externalID, err)
	}
	return nil
}

// Retrieve reports whether the object exists.
func (s *Store) Retrieve(ctx context.Context, externalID string) (bool, error) {
	_, err := s.head(ctx, externalID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	start := time.Now()
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	metrics.RecordStoreOperation(s.Type(), "head_object", time.Since(start), err == nil)
	if err != nil {
		var nf *types.NotFound
		var nsk *types.NoSuchKey
		if errors.As(err, &nf) || errors.As(err, &nsk) {
			return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("head object %s: %w", key, err)
	}
	return out, nil
}

func encodeMetadata(meta storage.FileMetadata) map[string]string {
	out := make(map[string]string, len(meta.Metadata)+3)
	for k, v := range meta.Metadata {
		out[strings.ToLower(k)] = v
	}
	if meta.Directory != "" {
		out[metaDirectory] = meta.Directory
	}
	if meta.Name != "" {
		out[metaName] = meta.Name
	}
	if meta.Source != "" {
		out[metaSource] = meta.Source
	}
	return out
}

func decodeMetadata(key string, raw map[string]string) storage.ObjectInfo {
	info := storage.ObjectInfo{ExternalID: key, Metadata: make(map[string]string, len(raw))}
	for k, v := range raw {
		switch strings.ToLower(k) {
		case metaDirectory:
			info.Directory = v
		case metaName, metaSource:
		default:
			info.Metadata[strings.ToLower(k)] = v
		}
	}
	return info
}
