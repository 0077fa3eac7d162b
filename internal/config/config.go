// Package config provides configuration loading for the OCR pipeline.
// Values come from defaults, an optional YAML file and environment overrides,
// in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a pipeline run.
type Config struct {
	Source        SourceConfig        `yaml:"source"`
	Destination   DestinationConfig   `yaml:"destination"`
	Drive         DriveConfig         `yaml:"drive"`
	OCR           OCRConfig           `yaml:"ocr"`
	Retry         RetryConfig         `yaml:"retry"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Output        OutputConfig        `yaml:"output"`
	Cache         CacheConfig         `yaml:"cache"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Server        ServerConfig        `yaml:"server"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// SourceConfig selects where images are read from.
type SourceConfig struct {
	Store         string `yaml:"store"`  // drive or local
	Folder        string `yaml:"folder"` // Drive folder id or local directory
	IncludePDF    bool   `yaml:"include_pdf"`
	PDFDPI        int    `yaml:"pdf_dpi"`
	MaxBytes      int64  `yaml:"max_bytes"`
	KeepDownloads bool   `yaml:"keep_downloads"`
}

// DestinationConfig selects where the output file is uploaded.
type DestinationConfig struct {
	Store    string `yaml:"store"` // defaults to the source store
	Folder   string `yaml:"folder"`
	FileName string `yaml:"file_name"`
}

// DriveConfig holds Google Drive settings.
type DriveConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	APIURL          string `yaml:"api_url"`
	UploadURL       string `yaml:"upload_url"`
	PageSize        int    `yaml:"page_size"`
}

// OCRConfig holds recognizer settings.
type OCRConfig struct {
	Engine        string        `yaml:"engine"`  // vision or tesseract
	Feature       string        `yaml:"feature"` // TEXT_DETECTION or DOCUMENT_TEXT_DETECTION
	LanguageHints []string      `yaml:"language_hints"`
	APIKey        string        `yaml:"api_key"`
	Endpoint      string        `yaml:"endpoint"`
	MaxImageBytes int64         `yaml:"max_image_bytes"`
	Timeout       time.Duration `yaml:"timeout"`
}

// RetryConfig bounds retries of transient remote failures.
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// PipelineConfig holds orchestration settings.
type PipelineConfig struct {
	Workers       int  `yaml:"workers"`
	FailOnSkipped bool `yaml:"fail_on_skipped"`
	PublishEmpty  bool `yaml:"publish_empty"`
}

// OutputConfig controls the local output file.
type OutputConfig struct {
	WorkDir          string `yaml:"work_dir"`
	IncludeTimestamp bool   `yaml:"include_timestamp"`
	Sync             bool   `yaml:"sync"`
}

// CacheConfig holds result cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // none, memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

// LedgerConfig holds run ledger settings.
type LedgerConfig struct {
	Driver   string         `yaml:"driver"` // none, sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// ServerConfig holds settings of the run history HTTP server.
type ServerConfig struct {
	Addr             string        `yaml:"addr"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}

		if cfg.Drive.CredentialsFile != "" {
			cfg.Drive.CredentialsFile = ResolveRelativePath(path, cfg.Drive.CredentialsFile)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// DefaultConfig returns a configuration matching the original Drive + Vision setup.
func DefaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			Store:    "drive",
			PDFDPI:   150,
			MaxBytes: 50 * 1024 * 1024,
		},
		Destination: DestinationConfig{
			FileName: "google_ocr_output.jsonl",
		},
		Drive: DriveConfig{
			APIURL:    "https://www.googleapis.com/drive/v3",
			UploadURL: "https://www.googleapis.com/upload/drive/v3",
			PageSize:  100,
		},
		OCR: OCRConfig{
			Engine:        "vision",
			Feature:       "TEXT_DETECTION",
			Endpoint:      "https://vision.googleapis.com/v1",
			MaxImageBytes: 10 * 1024 * 1024,
			Timeout:       60 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			InitialBackoff: 1 * time.Second,
			MaxBackoff:     30 * time.Second,
		},
		Pipeline: PipelineConfig{
			Workers: 1,
		},
		Output: OutputConfig{
			WorkDir: "downloaded_images",
		},
		Cache: CacheConfig{
			Driver:     "none",
			TTL:        7 * 24 * time.Hour,
			MaxEntries: 10000,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
				Prefix:   "ocr:",
			},
		},
		Ledger: LedgerConfig{
			Driver: "sqlite",
		},
		Server: ServerConfig{
			Addr:             "127.0.0.1:8080",
			ReadTimeout:      10 * time.Second,
			WriteTimeout:     30 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "console",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Source.Store {
	case "drive", "local":
	default:
		return fmt.Errorf("invalid source store: %q", c.Source.Store)
	}

	if strings.TrimSpace(c.Source.Folder) == "" {
		return fmt.Errorf("source folder is required (INPUT_FOLDER_ID)")
	}

	switch c.DestinationStore() {
	case "drive", "local":
	default:
		return fmt.Errorf("invalid destination store: %q", c.Destination.Store)
	}

	if strings.TrimSpace(c.Destination.Folder) == "" {
		return fmt.Errorf("destination folder is required (OUTPUT_FOLDER_ID)")
	}

	if c.Destination.FileName == "" || strings.ContainsAny(c.Destination.FileName, `/\`) {
		return fmt.Errorf("invalid output file name: %q", c.Destination.FileName)
	}

	if c.usesDrive() && c.Drive.CredentialsFile == "" {
		return fmt.Errorf("drive credentials file is required (GOOGLE_APPLICATION_CREDENTIALS)")
	}

	switch c.OCR.Engine {
	case "vision":
		if c.OCR.Feature != "TEXT_DETECTION" && c.OCR.Feature != "DOCUMENT_TEXT_DETECTION" {
			return fmt.Errorf("invalid vision feature: %q", c.OCR.Feature)
		}
		if c.OCR.APIKey == "" && c.Drive.CredentialsFile == "" {
			return fmt.Errorf("vision needs an API key (GOOGLE_VISION_API_KEY) or service account credentials")
		}
		if c.OCR.Timeout <= 0 {
			return fmt.Errorf("ocr.timeout must be positive, got %s", c.OCR.Timeout)
		}
	case "tesseract":
	default:
		return fmt.Errorf("invalid ocr engine: %q", c.OCR.Engine)
	}

	if c.Retry.MaxRetries < 0 || c.Retry.MaxRetries > 10 {
		return fmt.Errorf("retry.max_retries must be between 0 and 10, got %d", c.Retry.MaxRetries)
	}

	if c.Retry.InitialBackoff <= 0 || c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return fmt.Errorf("retry backoff must be positive and max_backoff >= initial_backoff")
	}

	if c.Pipeline.Workers < 1 || c.Pipeline.Workers > 64 {
		return fmt.Errorf("pipeline.workers must be between 1 and 64, got %d", c.Pipeline.Workers)
	}

	if c.Output.WorkDir == "" {
		return fmt.Errorf("output.work_dir is required")
	}

	switch c.Cache.Driver {
	case "none", "memory", "redis":
	default:
		return fmt.Errorf("invalid cache driver: %q", c.Cache.Driver)
	}

	switch c.Ledger.Driver {
	case "none", "sqlite":
	case "postgres":
		if c.Ledger.Postgres.DSN == "" {
			return fmt.Errorf("ledger.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid ledger driver: %q", c.Ledger.Driver)
	}

	return nil
}

// DestinationStore returns the destination store, defaulting to the source store.
func (c *Config) DestinationStore() string {
	if c.Destination.Store == "" {
		return c.Source.Store
	}
	return c.Destination.Store
}

// LedgerDSN returns the connection string for the configured ledger driver.
func (c *Config) LedgerDSN() string {
	switch c.Ledger.Driver {
	case "postgres":
		return c.Ledger.Postgres.DSN
	case "sqlite":
		if c.Ledger.SQLite.Path != "" {
			return c.Ledger.SQLite.Path
		}
		return filepath.Join(c.Output.WorkDir, "runs.db")
	}
	return ""
}

// OutputPath returns the local path of the output file.
func (c *Config) OutputPath() string {
	return filepath.Join(c.Output.WorkDir, c.Destination.FileName)
}

func (c *Config) usesDrive() bool {
	return c.Source.Store == "drive" || c.DestinationStore() == "drive"
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("INPUT_FOLDER_ID"); v != "" {
		cfg.Source.Folder = v
	}

	if v := os.Getenv("OUTPUT_FOLDER_ID"); v != "" {
		cfg.Destination.Folder = v
	}

	if v := os.Getenv("SOURCE_STORE"); v != "" {
		cfg.Source.Store = v
	}

	if v := os.Getenv("DESTINATION_STORE"); v != "" {
		cfg.Destination.Store = v
	}

	if v := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); v != "" {
		cfg.Drive.CredentialsFile = v
	}

	if v := os.Getenv("GOOGLE_VISION_API_KEY"); v != "" {
		cfg.OCR.APIKey = v
	}

	if v := os.Getenv("OCR_ENGINE"); v != "" {
		cfg.OCR.Engine = v
	}

	if v := os.Getenv("PIPELINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.Workers = n
		}
	}

	if v := os.Getenv("WORK_DIR"); v != "" {
		cfg.Output.WorkDir = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Ledger.Driver = "sqlite"
			cfg.Ledger.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Ledger.Driver = "postgres"
			cfg.Ledger.Postgres.DSN = v
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}

// ResolveRelativePath resolves a path relative to the config file location.
func ResolveRelativePath(configPath, targetPath string) string {
	if filepath.IsAbs(targetPath) {
		return targetPath
	}
	return filepath.Join(filepath.Dir(configPath), targetPath)
}
