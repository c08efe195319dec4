package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(FileEnv, "")
	t.Setenv("CDFFS_BACKEND", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BlockSize != 5*1024*1024 {
		t.Errorf("BlockSize = %d", cfg.BlockSize)
	}
	if cfg.UploadWorkers != 5 || cfg.UploadRetries != 5 || cfg.DownloadRetries != 5 {
		t.Errorf("workers/retries = %d/%d/%d", cfg.UploadWorkers, cfg.UploadRetries, cfg.DownloadRetries)
	}
	if cfg.ListExpiry != 60*time.Second || cfg.URLTTL != 28*time.Second {
		t.Errorf("expiry/ttl = %v/%v", cfg.ListExpiry, cfg.URLTTL)
	}
	if !cfg.DownloadRetry {
		t.Error("download retries should be enabled by default")
	}
	if cfg.UploadStrategy != "inmemory" {
		t.Errorf("UploadStrategy = %q", cfg.UploadStrategy)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cdffs.yaml")
	content := `
backend: cdf
cdf:
  base_url: https://example.cognitedata.com
  project: from-file
  token: file-token
upload_strategy: azure
block_size: 1024
list_expiry: 5s
directory_prefix: /sample_data
file_metadata:
  source: pipeline
  metadata:
    team: geo
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(FileEnv, path)
	t.Setenv("COGNITE_PROJECT", "from-env")
	t.Setenv("UPLOAD_WORKERS", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CDF.Project != "from-env" {
		t.Errorf("env should override file: project = %q", cfg.CDF.Project)
	}
	if cfg.CDF.Token != "file-token" || cfg.CDF.BaseURL != "https://example.cognitedata.com" {
		t.Errorf("cdf = %+v", cfg.CDF)
	}
	if cfg.UploadStrategy != "azure" || cfg.BlockSize != 1024 || cfg.UploadWorkers != 2 {
		t.Errorf("upload settings = %s/%d/%d", cfg.UploadStrategy, cfg.BlockSize, cfg.UploadWorkers)
	}
	if cfg.ListExpiry != 5*time.Second {
		t.Errorf("ListExpiry = %v", cfg.ListExpiry)
	}
	if cfg.DirectoryPrefix != "/sample_data" {
		t.Errorf("DirectoryPrefix = %q", cfg.DirectoryPrefix)
	}
	if cfg.FileMetadata.Source != "pipeline" || cfg.FileMetadata.Metadata["team"] != "geo" {
		t.Errorf("FileMetadata = %+v", cfg.FileMetadata)
	}
}

func TestLoad_ClusterBuildsBaseURL(t *testing.T) {
	t.Setenv(FileEnv, "")
	t.Setenv("CDFFS_BACKEND", "cdf")
	t.Setenv("COGNITE_PROJECT", "p")
	t.Setenv("CDF_CLUSTER", "westeurope-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CDF.BaseURL != "https://westeurope-1.cognitedata.com" {
		t.Errorf("BaseURL = %q", cfg.CDF.BaseURL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown backend", func(c *Config) { c.Backend = "ftp" }, "unknown backend"},
		{"unknown strategy", func(c *Config) { c.UploadStrategy = "tape" }, "unknown upload strategy"},
		{"s3 needs inmemory", func(c *Config) { c.Backend = "s3"; c.S3.Bucket = "b"; c.UploadStrategy = "google" }, "only supports"},
		{"zero block size", func(c *Config) { c.BlockSize = 0 }, "block size"},
		{"cdf needs project", func(c *Config) { c.Backend = "cdf" }, "COGNITE_PROJECT"},
		{"s3 needs bucket", func(c *Config) { c.Backend = "s3" }, "S3_BUCKET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Backend = "memory"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
