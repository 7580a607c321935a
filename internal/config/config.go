package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DataDir     string `envconfig:"DATA_DIR" default:"data"`
	ModulesDir  string `envconfig:"MODULES_DIR" default:"data/modules"`
	TempDir     string `envconfig:"TEMP_DIR" default:"data/tmp"`
	DBPath      string `envconfig:"DB_PATH" default:"data/tasks.db"`
	CatalogPath string `envconfig:"CATALOG_PATH" default:"data/catalog.db"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"INFO"`
	ManifestURL string `envconfig:"MANIFEST_URL"`
	CDNToken    string `envconfig:"CDN_TOKEN"`

	NotifyWebhookURL string `envconfig:"NOTIFY_WEBHOOK_URL"`

	Transfer struct {
		MaxParallel   int           `split_words:"true" default:"3"`
		ChunkSize     int64         `split_words:"true" default:"4194304"`
		RetryBase     time.Duration `split_words:"true" default:"1s"`
		RetryMax      time.Duration `split_words:"true" default:"30s"`
		RetryAttempts uint          `split_words:"true" default:"5"`
		FetchTimeout  time.Duration `split_words:"true" default:"60s"`
	}

	Curation struct {
		KeywordsFile          string `split_words:"true" default:"medical_priorities.txt"`
		BatchSize             int    `split_words:"true" default:"1000"`
		MaxExpansionsPerEntry int    `split_words:"true" default:"5"`
		MaxExpansionsTotal    int    `split_words:"true" default:"10000"`
	}

	Index struct {
		// Mode is "basic" (term presence only, smallest) or "full" (positions, phrase queries).
		Mode         string `split_words:"true" default:"basic"`
		StoreSummary bool   `split_words:"true" default:"false"`
		BatchSize    int    `split_words:"true" default:"500"`
	}

	Search struct {
		Limit   int           `split_words:"true" default:"20"`
		Timeout time.Duration `split_words:"true" default:"2s"`
		// EmergencyOnly restricts every query to critical-tier content.
		EmergencyOnly bool `split_words:"true" default:"false"`
		// Fuzzy enables fuzzy title suggestions when a query has no hits.
		Fuzzy bool `split_words:"true" default:"true"`
		// Weights scales module scores, as in "core:1.5,medical:2".
		Weights map[string]float64 `split_words:"true"`
	}

	Cache struct {
		MaxBytes   int64 `split_words:"true" default:"33554432"`
		MaxEntries int   `split_words:"true" default:"512"`
	}

	Storage struct {
		MonitorInterval    time.Duration `split_words:"true" default:"1m"`
		LowSpaceBytes      uint64        `split_words:"true" default:"524288000"`
		CriticalSpaceBytes uint64        `split_words:"true" default:"104857600"`
		RecentAccessWindow time.Duration `split_words:"true" default:"168h"`
		MountRoots         []string      `split_words:"true" default:"/media,/run/media,/mnt"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"prepper"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:8088"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	if c.Transfer.MaxParallel < 1 {
		return fmt.Errorf("TRANSFER_MAX_PARALLEL must be at least 1, got %d", c.Transfer.MaxParallel)
	}

	if c.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("TRANSFER_CHUNK_SIZE must be positive, got %d", c.Transfer.ChunkSize)
	}

	switch strings.ToLower(c.Index.Mode) {
	case "basic", "full":
	default:
		return fmt.Errorf("INDEX_MODE must be basic or full, got %q", c.Index.Mode)
	}

	if c.Storage.CriticalSpaceBytes > c.Storage.LowSpaceBytes {
		return fmt.Errorf("critical space threshold (%d) exceeds low space threshold (%d)",
			c.Storage.CriticalSpaceBytes, c.Storage.LowSpaceBytes)
	}

	if c.Cache.MaxBytes <= 0 || c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache budgets must be positive")
	}

	for id, w := range c.Search.Weights {
		if w < 0 {
			return fmt.Errorf("SEARCH_WEIGHTS for %s must not be negative, got %g", id, w)
		}
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
