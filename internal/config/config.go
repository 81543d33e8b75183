// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/legal-registry-crawler/internal/sources"
	"github.com/JakeFAU/legal-registry-crawler/internal/transport"
)

// Config captures every knob loaded via Viper.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Batch   BatchConfig   `mapstructure:"batch"`
	Walker  WalkerConfig  `mapstructure:"walker"`
	Extract ExtractConfig `mapstructure:"extract"`
	DB      DBConfig      `mapstructure:"db"`
	Storage StorageConfig `mapstructure:"storage"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Server  ServerConfig  `mapstructure:"server"`
	Source  SourceConfig  `mapstructure:"source"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HTTPConfig configures the retrying transport.
type HTTPConfig struct {
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	BackoffJitter     float64       `mapstructure:"backoff_jitter"`
	MaxBodyBytes      int           `mapstructure:"max_body_bytes"`
	RateLimitRPS      float64       `mapstructure:"rate_limit_rps"`
}

// BatchConfig controls the scheduler.
type BatchConfig struct {
	Workers         int           `mapstructure:"workers"`
	BatchSize       int           `mapstructure:"batch_size"`
	CommitFrequency int           `mapstructure:"commit_frequency"`
	InterBatchDelay time.Duration `mapstructure:"inter_batch_delay"`
	Limit           int           `mapstructure:"limit"`
}

// WalkerConfig bounds listing traversal.
type WalkerConfig struct {
	MaxPages      int           `mapstructure:"max_pages"`
	MaxEmptyPages int           `mapstructure:"max_empty_pages"`
	PageDelay     time.Duration `mapstructure:"page_delay"`
}

// ExtractConfig tunes the text extraction chain.
type ExtractConfig struct {
	MinHTMLText   int           `mapstructure:"min_html_text"`
	AlternateURL  string        `mapstructure:"alternate_url"`
	WordCommand   string        `mapstructure:"word_command"`
	WordTimeout   time.Duration `mapstructure:"word_timeout"`
	OCREnabled    bool          `mapstructure:"ocr_enabled"`
	OCRCommand    string        `mapstructure:"ocr_command"`
	OCRLanguage   string        `mapstructure:"ocr_language"`
	OCRConfidence float64       `mapstructure:"ocr_confidence"`
	MaxImagePages int           `mapstructure:"max_image_pages"`
}

// DBConfig selects and configures the entity store.
type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StorageConfig selects where downloaded artifacts go.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds the event topic. An empty project keeps events in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the health and metrics listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// SourceConfig overrides the registry profile.
type SourceConfig struct {
	BaseURL  string            `mapstructure:"base_url"`
	Listings []sources.Listing `mapstructure:"listings"`
}

// Load builds a Config from an optional file and LEGALCRAWL_* variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEGALCRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("http.user_agent", transport.DefaultUserAgent)
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_base", time.Second)
	v.SetDefault("http.backoff_multiplier", 2.0)
	v.SetDefault("http.backoff_max", 60*time.Second)
	v.SetDefault("http.backoff_jitter", 0.0)
	v.SetDefault("http.max_body_bytes", 64<<20)
	v.SetDefault("http.rate_limit_rps", 0.0)

	v.SetDefault("batch.workers", 4)
	v.SetDefault("batch.batch_size", 50)
	v.SetDefault("batch.commit_frequency", 10)
	v.SetDefault("batch.inter_batch_delay", 500*time.Millisecond)
	v.SetDefault("batch.limit", 0)

	v.SetDefault("walker.max_pages", 200)
	v.SetDefault("walker.max_empty_pages", 3)
	v.SetDefault("walker.page_delay", 1500*time.Millisecond)

	v.SetDefault("extract.min_html_text", 500)
	v.SetDefault("extract.alternate_url", "")
	v.SetDefault("extract.word_command", "antiword")
	v.SetDefault("extract.word_timeout", 30*time.Second)
	v.SetDefault("extract.ocr_enabled", true)
	v.SetDefault("extract.ocr_command", "tesseract")
	v.SetDefault("extract.ocr_language", "sqi+eng")
	v.SetDefault("extract.ocr_confidence", 0.5)
	v.SetDefault("extract.max_image_pages", 50)

	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.base_dir", "data")

	v.SetDefault("pubsub.topic_name", "entity-processed")

	v.SetDefault("server.addr", "")
	v.SetDefault("source.base_url", sources.Registry().BaseURL)
}

// Validate enforces required values and sane limits.
func (c Config) Validate() error {
	if c.Batch.Workers <= 0 {
		return fmt.Errorf("batch.workers must be > 0")
	}
	if c.Batch.BatchSize <= 0 {
		return fmt.Errorf("batch.batch_size must be > 0")
	}
	if c.Batch.CommitFrequency <= 0 {
		return fmt.Errorf("batch.commit_frequency must be > 0")
	}
	if c.Batch.Limit < 0 {
		return fmt.Errorf("batch.limit must be >= 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.MaxRetries <= 0 {
		return fmt.Errorf("http.max_retries must be > 0")
	}
	if c.HTTP.BackoffMultiplier < 1 {
		return fmt.Errorf("http.backoff_multiplier must be >= 1")
	}
	if c.HTTP.BackoffJitter < 0 {
		return fmt.Errorf("http.backoff_jitter must be >= 0")
	}
	if c.Extract.OCRConfidence < 0 || c.Extract.OCRConfidence >= 1 {
		return fmt.Errorf("extract.ocr_confidence must be in [0,1)")
	}
	switch c.DB.Driver {
	case "postgres", "sqlite":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for driver %q", c.DB.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("db.driver must be postgres, sqlite or memory, got %q", c.DB.Driver)
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend must be local, gcs or memory, got %q", c.Storage.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name is required when pubsub.project_id is set")
	}
	if _, err := c.Profile(); err != nil {
		return err
	}
	return nil
}

// Transport converts the http section.
func (c Config) Transport() transport.Config {
	return transport.Config{
		UserAgent:    c.HTTP.UserAgent,
		Timeout:      c.HTTP.Timeout,
		MaxBodyBytes: c.HTTP.MaxBodyBytes,
		RateLimitRPS: c.HTTP.RateLimitRPS,
		Retry: transport.RetryConfig{
			MaxRetries: c.HTTP.MaxRetries,
			BaseDelay:  c.HTTP.BackoffBase,
			Multiplier: c.HTTP.BackoffMultiplier,
			MaxDelay:   c.HTTP.BackoffMax,
			Jitter:     c.HTTP.BackoffJitter,
		},
	}
}

// Profile returns the registry profile with configured overrides applied.
func (c Config) Profile() (sources.Profile, error) {
	p, err := sources.Registry().WithBaseURL(c.Source.BaseURL)
	if err != nil {
		return sources.Profile{}, fmt.Errorf("source.base_url: %w", err)
	}
	p = p.WithListings(c.Source.Listings)
	if err := p.Validate(); err != nil {
		return sources.Profile{}, err
	}
	return p, nil
}
