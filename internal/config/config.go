// Package config loads configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cognitedata/cdffs/internal/storage"
	"github.com/cognitedata/cdffs/internal/storage/cdf"
	"github.com/cognitedata/cdffs/internal/storage/s3"
)

// FileEnv names the environment variable pointing at the YAML config file.
const FileEnv = "CDFFS_CONFIG"

// Config holds all cdffs configuration.
type Config struct {
	// Backend ("cdf", "s3" or "memory")
	Backend string     `yaml:"backend"`
	CDF     cdf.Config `yaml:"cdf"`
	S3      s3.Config  `yaml:"s3"`

	// Uploads
	UploadStrategy  string        `yaml:"upload_strategy"`
	BlockSize       int64         `yaml:"block_size"`
	UploadWorkers   int           `yaml:"upload_workers"`
	UploadRetries   int           `yaml:"upload_retries"`
	UploadRetryWait time.Duration `yaml:"upload_retry_wait"`

	// Listing and reads
	ListExpiry      time.Duration `yaml:"list_expiry"`
	DownloadRetries int           `yaml:"download_retries"`
	DownloadRetry   bool          `yaml:"download_retry"`
	URLTTL          time.Duration `yaml:"url_ttl"`
	CacheContents   bool          `yaml:"cache_contents"`

	// Paths and default metadata for written files
	DirectoryPrefix string               `yaml:"directory_prefix"`
	FileMetadata    storage.FileMetadata `yaml:"file_metadata"`

	// Logging and metrics
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Backend:         "cdf",
		UploadStrategy:  "inmemory",
		BlockSize:       5 * 1024 * 1024,
		UploadWorkers:   5,
		UploadRetries:   5,
		UploadRetryWait: 500 * time.Millisecond,
		ListExpiry:      60 * time.Second,
		DownloadRetries: 5,
		DownloadRetry:   true,
		URLTTL:          28 * time.Second,
		LogLevel:        "info",
		LogFormat:       "json",
		MetricsAddr:     ":9090",
		S3: s3.Config{
			Region: "us-east-1",
		},
	}
}

// Load reads the YAML file named by CDFFS_CONFIG, if any, then applies
// environment overrides and validates the result.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Backend = envOr("CDFFS_BACKEND", c.Backend)

	c.CDF.Project = envOr("COGNITE_PROJECT", c.CDF.Project)
	if cluster := os.Getenv("CDF_CLUSTER"); cluster != "" {
		c.CDF.BaseURL = fmt.Sprintf("https://%s.cognitedata.com", cluster)
	}
	c.CDF.BaseURL = envOr("CDF_BASE_URL", c.CDF.BaseURL)
	c.CDF.TokenURL = envOr("TOKEN_URL", c.CDF.TokenURL)
	c.CDF.ClientID = envOr("CLIENT_ID", c.CDF.ClientID)
	c.CDF.ClientSecret = envOr("CLIENT_SECRET", c.CDF.ClientSecret)
	c.CDF.Token = envOr("TOKEN", c.CDF.Token)
	if scopes := os.Getenv("SCOPES"); scopes != "" {
		c.CDF.Scopes = strings.Split(scopes, ",")
	}

	c.S3.Endpoint = envOr("S3_ENDPOINT", c.S3.Endpoint)
	c.S3.Bucket = envOr("S3_BUCKET", c.S3.Bucket)
	c.S3.AccessKey = envOr("S3_ACCESS_KEY", c.S3.AccessKey)
	c.S3.SecretKey = envOr("S3_SECRET_KEY", c.S3.SecretKey)
	c.S3.Region = envOr("S3_REGION", c.S3.Region)

	c.UploadStrategy = envOr("UPLOAD_STRATEGY", c.UploadStrategy)
	c.BlockSize = envInt64("BLOCK_SIZE", c.BlockSize)
	c.UploadWorkers = envInt("UPLOAD_WORKERS", c.UploadWorkers)
	c.UploadRetries = envInt("UPLOAD_MAX_RETRIES", c.UploadRetries)
	c.UploadRetryWait = envDuration("UPLOAD_RETRY_WAIT", c.UploadRetryWait)

	c.ListExpiry = envDuration("LIST_EXPIRY", c.ListExpiry)
	c.DownloadRetries = envInt("MAX_DOWNLOAD_RETRIES", c.DownloadRetries)
	c.DownloadRetry = envBool("DOWNLOAD_RETRIES", c.DownloadRetry)
	c.URLTTL = envDuration("URL_TTL", c.URLTTL)
	c.CacheContents = envBool("CACHE_CONTENTS", c.CacheContents)

	c.DirectoryPrefix = envOr("DIRECTORY_PREFIX", c.DirectoryPrefix)
	c.FileMetadata.Source = envOr("FILE_SOURCE", c.FileMetadata.Source)
	c.FileMetadata.DataSetID = envInt64("DATA_SET_ID", c.FileMetadata.DataSetID)

	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)
	c.MetricsAddr = envOr("METRICS_ADDR", c.MetricsAddr)
}

// Validate checks value ranges and backend/strategy compatibility.
func (c *Config) Validate() error {
	switch c.Backend {
	case "cdf", "s3", "memory":
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	switch c.UploadStrategy {
	case "azure", "google", "inmemory":
	default:
		return fmt.Errorf("unknown upload strategy %q", c.UploadStrategy)
	}
	if c.Backend != "cdf" && c.UploadStrategy != "inmemory" {
		return fmt.Errorf("backend %q only supports the inmemory upload strategy", c.Backend)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("block size must be positive")
	}
	if c.UploadWorkers <= 0 {
		return fmt.Errorf("upload workers must be positive")
	}
	if c.UploadRetries < 0 || c.DownloadRetries < 0 {
		return fmt.Errorf("retry counts must not be negative")
	}
	if c.Backend == "cdf" && (c.CDF.Project == "" || c.CDF.BaseURL == "") {
		return fmt.Errorf("COGNITE_PROJECT and CDF_CLUSTER (or CDF_BASE_URL) are required")
	}
	if c.Backend == "s3" && c.S3.Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
