package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"

	"flurrysync/internal/domain"
)

// DefaultPath is the config file used when FLURRY_SYNC_CONFIG is unset.
const DefaultPath = "config/flurry-sync.yaml"

// Storage backends.
const (
	BackendAzure = "azure"
	BackendGCS   = "gcs"
	BackendS3    = "s3"
	BackendFS    = "fs"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the full configuration of a sync run. The top-level keys match
// the flat config.json layout the job has always used, so an existing JSON
// file loads unchanged.
type Config struct {
	DefaultIniDate     string `yaml:"default_ini_date" env:"FLURRY_DEFAULT_INI_DATE"`
	FlurryKey          string `yaml:"flurry_key" env:"FLURRY_KEY"`
	FlurryURL          string `yaml:"flurry_url" env:"FLURRY_URL"`
	BlobAccountName    string `yaml:"blob_account_name" env:"BLOB_ACCOUNT_NAME"`
	BlobAccountKey     string `yaml:"blob_account_key" env:"BLOB_ACCOUNT_KEY"`
	BlobImageContainer string `yaml:"blob_image_container" env:"BLOB_CONTAINER"`
	Filename           string `yaml:"filename" env:"FLURRY_FILENAME"`
	LocalPath          string `yaml:"local_path" env:"FLURRY_LOCAL_PATH"`

	Storage Storage `yaml:"storage"`
	Backup  Backup  `yaml:"backup"`
	Fetch   Fetch   `yaml:"fetch"`
	Logging Logging `yaml:"logging"`
	RunLog  RunLog  `yaml:"run_log"`
	Export  Export  `yaml:"export"`
}

// Storage selects and parameterises the object-storage backend.
type Storage struct {
	Backend string `yaml:"backend" env:"STORAGE_BACKEND"`
	// Endpoint overrides the service URL (azure, gcs, s3). Empty means the
	// public endpoint of the service.
	Endpoint string `yaml:"endpoint" env:"STORAGE_ENDPOINT"`
	// Dir is the root directory of the fs backend.
	Dir string `yaml:"dir" env:"STORAGE_DIR"`
	// CredentialsFile is a service-account JSON file for gcs. Empty uses
	// application default credentials.
	CredentialsFile string `yaml:"credentials_file" env:"GOOGLE_APPLICATION_CREDENTIALS"`
	Insecure        bool   `yaml:"insecure" env:"STORAGE_INSECURE"`
}

// Backup controls the rolling backup of the pre-merge snapshot.
type Backup struct {
	Suffix string `yaml:"suffix"`
	Keep   int    `yaml:"keep" env:"BACKUP_KEEP"`
}

// Fetch controls the metrics API call.
type Fetch struct {
	Timeout     time.Duration `yaml:"timeout" env:"FETCH_TIMEOUT"`
	MaxAttempts int           `yaml:"max_attempts" env:"FETCH_MAX_ATTEMPTS"`
	Metrics     []string      `yaml:"metrics"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// RunLog configures the SQLite run history. Empty path disables it.
type RunLog struct {
	SQLitePath string `yaml:"sqlite_path" env:"RUN_LOG_PATH"`
}

// Export controls the optional local copy written to LocalPath.
type Export struct {
	LocalFormat string `yaml:"local_format" env:"LOCAL_FORMAT"`
}

// DefaultMetrics are requested when fetch.metrics is empty.
var DefaultMetrics = []string{"newDevices", "activeDevices", "completeSessions", "activeUsers"}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the config file path, honouring FLURRY_SYNC_CONFIG.
func Path() string {
	if p := os.Getenv("FLURRY_SYNC_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads the configuration file at path (YAML or JSON), applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendAzure
	}
	if c.Backup.Suffix == "" {
		c.Backup.Suffix = "bkp_flurry"
	}
	if c.Backup.Keep == 0 {
		c.Backup.Keep = 1
	}
	if c.Fetch.Timeout == 0 {
		c.Fetch.Timeout = 60 * time.Second
	}
	if c.Fetch.MaxAttempts == 0 {
		c.Fetch.MaxAttempts = 1
	}
	if len(c.Fetch.Metrics) == 0 {
		c.Fetch.Metrics = append([]string(nil), DefaultMetrics...)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Export.LocalFormat == "" {
		c.Export.LocalFormat = "csv"
	}
}

// Validate reports every missing or malformed setting at once.
func (c *Config) Validate() error {
	var errs []error
	require := func(key, val string) {
		if strings.TrimSpace(val) == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
	}

	require("default_ini_date", c.DefaultIniDate)
	require("flurry_key", c.FlurryKey)
	require("flurry_url", c.FlurryURL)
	require("blob_image_container", c.BlobImageContainer)
	require("filename", c.Filename)

	if c.DefaultIniDate != "" {
		if _, err := time.Parse(domain.DateLayout, c.DefaultIniDate); err != nil {
			errs = append(errs, fmt.Errorf("default_ini_date %q is not YYYY-MM-DD", c.DefaultIniDate))
		}
	}

	switch c.Storage.Backend {
	case BackendAzure, BackendS3:
		require("blob_account_name", c.BlobAccountName)
		require("blob_account_key", c.BlobAccountKey)
		if c.Storage.Backend == BackendS3 {
			require("storage.endpoint", c.Storage.Endpoint)
		}
	case BackendGCS:
	case BackendFS:
		require("storage.dir", c.Storage.Dir)
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of azure, gcs, s3, fs", c.Storage.Backend))
	}

	if c.Backup.Keep < 1 {
		errs = append(errs, fmt.Errorf("backup.keep must be at least 1, got %d", c.Backup.Keep))
	}
	if c.Fetch.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("fetch.max_attempts must be at least 1, got %d", c.Fetch.MaxAttempts))
	}
	if c.Export.LocalFormat != "csv" && c.Export.LocalFormat != "parquet" {
		errs = append(errs, fmt.Errorf("export.local_format %q is not csv or parquet", c.Export.LocalFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
