// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/spf13/viper"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig            `mapstructure:"server"`
	Logging   LoggingConfig           `mapstructure:"logging"`
	Crawler   CrawlerConfig           `mapstructure:"crawler"`
	Fetch     FetchConfig             `mapstructure:"fetch"`
	Headless  HeadlessConfig          `mapstructure:"headless"`
	Media     MediaConfig             `mapstructure:"media"`
	Sources   map[string]SourceConfig `mapstructure:"sources"`
	Normalize NormalizeConfig         `mapstructure:"normalize"`
	Dedup     DedupConfig             `mapstructure:"dedup"`
	Storage   StorageConfig           `mapstructure:"storage"`
	Catalog   CatalogConfig           `mapstructure:"catalog"`
	Redis     RedisConfig             `mapstructure:"redis"`
	PubSub    PubSubConfig            `mapstructure:"pubsub"`
	Delist    DelistConfig            `mapstructure:"delist"`
	Telemetry TelemetryConfig         `mapstructure:"telemetry"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey enables X-API-Key checks on /v1 routes when non-empty.
	APIKey                string `mapstructure:"api_key"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CrawlerConfig governs the DetailFetch worker pool.
type CrawlerConfig struct {
	Concurrency        int      `mapstructure:"concurrency"`
	PerHostRPS         float64  `mapstructure:"per_host_rps"`
	PerHostBurst       int      `mapstructure:"per_host_burst"`
	UserAgents         []string `mapstructure:"user_agents"`
	ItemTimeoutSeconds int      `mapstructure:"item_timeout_seconds"`
	MaxMediaPerProduct int      `mapstructure:"max_media_per_product"`
}

// FetchConfig controls readiness waits and retry backoff.
type FetchConfig struct {
	MaxRetries      int      `mapstructure:"max_retries"`
	BackoffBaseMs   int      `mapstructure:"backoff_base_ms"`
	BackoffFactor   float64  `mapstructure:"backoff_factor"`
	BackoffMaxMs    int      `mapstructure:"backoff_max_ms"`
	Jitter          bool     `mapstructure:"jitter"`
	MaxWaitSeconds  int      `mapstructure:"max_wait_seconds"`
	PollIntervalMs  int      `mapstructure:"poll_interval_ms"`
	BlockHintsExtra []string `mapstructure:"block_hints_extra"`
}

// HeadlessConfig configures the browser process.
type HeadlessConfig struct {
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	ExecPath      string `mapstructure:"exec_path"`
	Visible       bool   `mapstructure:"visible"`
}

// MediaConfig controls image downloads.
type MediaConfig struct {
	TimeoutSeconds int   `mapstructure:"timeout_seconds"`
	RespectRobots  bool  `mapstructure:"respect_robots"`
	MaxBytes       int64 `mapstructure:"max_bytes"`
}

// SourceConfig describes how one storefront is crawled.
type SourceConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	ListingURL   string   `mapstructure:"listing_url"`
	PageSize     int      `mapstructure:"page_size"`
	MaxPages     int      `mapstructure:"max_pages"`
	MaxItems     int      `mapstructure:"max_items"`
	ListingReady string   `mapstructure:"listing_ready"`
	DetailReady  string   `mapstructure:"detail_ready"`
	Dismiss      []string `mapstructure:"dismiss"`
	AgeGate      bool     `mapstructure:"age_gate"`
	Currency     string   `mapstructure:"currency"`
}

// NormalizeConfig tunes the normalizer.
type NormalizeConfig struct {
	FuzzyMaxDistance int    `mapstructure:"fuzzy_max_distance"`
	DefaultCurrency  string `mapstructure:"default_currency"`
}

// DedupConfig holds the cross-source matching thresholds.
type DedupConfig struct {
	AutoLinkThreshold  float64 `mapstructure:"auto_link_threshold"`
	CandidateThreshold float64 `mapstructure:"candidate_threshold"`
}

// ReplicaConfig describes one blob-store replica.
type ReplicaConfig struct {
	Name    string `mapstructure:"name"`
	Kind    string `mapstructure:"kind"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
}

// StorageConfig sets the blob layout and replica quorum.
type StorageConfig struct {
	Prefix                string          `mapstructure:"prefix"`
	Quorum                int             `mapstructure:"quorum"`
	ReplicaTimeoutSeconds int             `mapstructure:"replica_timeout_seconds"`
	Replicas              []ReplicaConfig `mapstructure:"replicas"`
}

// CatalogConfig selects the relational store.
type CatalogConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	// AutoMigrate applies the schema at startup.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// RedisConfig enables Redis-backed checkpoints and key locks when Addr is set.
type RedisConfig struct {
	Addr           string `mapstructure:"addr"`
	Password       string `mapstructure:"password"`
	DB             int    `mapstructure:"db"`
	LockTTLSeconds int    `mapstructure:"lock_ttl_seconds"`
}

// PubSubConfig holds metadata for review notifications.
type PubSubConfig struct {
	ProjectID   string `mapstructure:"project_id"`
	ReviewTopic string `mapstructure:"review_topic"`
}

// DelistConfig controls soft-delisting.
type DelistConfig struct {
	MissedRuns int `mapstructure:"missed_runs"`
}

// TelemetryConfig controls tracing export.
type TelemetryConfig struct {
	ServiceName  string  `mapstructure:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	if err := cfg.applySourceDefaults(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.per_host_rps", 0.5)
	v.SetDefault("crawler.per_host_burst", 1)
	v.SetDefault("crawler.user_agents", []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
		"Mozilla/5.0 (X11; Linux x86_64; rv:129.0) Gecko/20100101 Firefox/129.0",
	})
	v.SetDefault("crawler.item_timeout_seconds", 180)
	v.SetDefault("crawler.max_media_per_product", 6)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.backoff_base_ms", 1000)
	v.SetDefault("fetch.backoff_factor", 2.0)
	v.SetDefault("fetch.backoff_max_ms", 30000)
	v.SetDefault("fetch.jitter", false)
	v.SetDefault("fetch.max_wait_seconds", 20)
	v.SetDefault("fetch.poll_interval_ms", 250)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("media.timeout_seconds", 20)
	v.SetDefault("media.respect_robots", true)
	v.SetDefault("media.max_bytes", 10<<20)
	v.SetDefault("normalize.fuzzy_max_distance", 2)
	v.SetDefault("normalize.default_currency", "USD")
	v.SetDefault("dedup.auto_link_threshold", 0.92)
	v.SetDefault("dedup.candidate_threshold", 0.80)
	v.SetDefault("storage.prefix", "media")
	v.SetDefault("storage.quorum", 1)
	v.SetDefault("storage.replica_timeout_seconds", 15)
	v.SetDefault("catalog.driver", "sqlite")
	v.SetDefault("catalog.dsn", "catalog.db")
	v.SetDefault("catalog.auto_migrate", true)
	v.SetDefault("redis.lock_ttl_seconds", 60)
	v.SetDefault("delist.missed_runs", 3)
	v.SetDefault("telemetry.service_name", "game-catalog-crawler")
	v.SetDefault("telemetry.sample_ratio", 0.1)
}

// DefaultSources returns the built-in storefront settings.
func DefaultSources() map[string]SourceConfig {
	return map[string]SourceConfig{
		string(crawler.SourceSteam): {
			Enabled:      true,
			ListingURL:   "https://store.steampowered.com/search/?filter=topsellers&page={page}",
			PageSize:     50,
			MaxPages:     5,
			ListingReady: "#search_resultsRows > a",
			DetailReady:  "#appHubAppName, .apphub_AppName",
			AgeGate:      true,
			Currency:     "USD",
		},
		string(crawler.SourceMetacritic): {
			Enabled:      true,
			ListingURL:   "https://www.metacritic.com/browse/game/?page={page}",
			PageSize:     24,
			MaxPages:     5,
			ListingReady: ".c-finderProductCard",
			DetailReady:  ".c-productHero_title, h1",
			Dismiss:      []string{"#onetrust-accept-btn-handler"},
			Currency:     "USD",
		},
		string(crawler.SourceEpic): {
			Enabled:      true,
			ListingURL:   "https://store.epicgames.com/en-US/browse?sortBy=releaseDate&sortDir=DESC&count=40&start={offset}",
			PageSize:     40,
			MaxPages:     5,
			ListingReady: "a[href*='/p/']",
			DetailReady:  "h1, [data-testid='pdp-title']",
			Dismiss:      []string{"#onetrust-accept-btn-handler", "button[aria-label='Accept All Cookies']"},
			Currency:     "USD",
		},
	}
}

// applySourceDefaults fills unset per-source fields from DefaultSources so a
// config file only has to name the knobs it changes.
func (c *Config) applySourceDefaults() error {
	defaults := DefaultSources()
	if c.Sources == nil {
		c.Sources = make(map[string]SourceConfig, len(defaults))
	}
	for name, def := range defaults {
		override, ok := c.Sources[name]
		if !ok {
			c.Sources[name] = def
			continue
		}
		if err := mergo.Merge(&override, def); err != nil {
			return fmt.Errorf("merge %s source defaults: %w", name, err)
		}
		c.Sources[name] = override
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.PerHostRPS < 0 {
		return fmt.Errorf("crawler.per_host_rps must be >= 0")
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be >= 0")
	}
	if c.Fetch.BackoffFactor < 1 {
		return fmt.Errorf("fetch.backoff_factor must be >= 1")
	}
	if c.Fetch.MaxWaitSeconds <= 0 {
		return fmt.Errorf("fetch.max_wait_seconds must be > 0")
	}
	if c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0")
	}
	if c.Dedup.CandidateThreshold <= 0 || c.Dedup.CandidateThreshold > c.Dedup.AutoLinkThreshold ||
		c.Dedup.AutoLinkThreshold > 1 {
		return fmt.Errorf("dedup thresholds must satisfy 0 < candidate_threshold <= auto_link_threshold <= 1")
	}
	if c.Storage.Quorum <= 0 {
		return fmt.Errorf("storage.quorum must be > 0")
	}
	if len(c.Storage.Replicas) > 0 && c.Storage.Quorum > len(c.Storage.Replicas) {
		return fmt.Errorf("storage.quorum must be <= number of replicas (%d)", len(c.Storage.Replicas))
	}
	for i, r := range c.Storage.Replicas {
		switch r.Kind {
		case "memory":
		case "local":
			if r.BaseDir == "" {
				return fmt.Errorf("storage.replicas[%d].base_dir is required for local replicas", i)
			}
		case "gcs":
			if r.Bucket == "" {
				return fmt.Errorf("storage.replicas[%d].bucket is required for gcs replicas", i)
			}
		default:
			return fmt.Errorf("storage.replicas[%d].kind %q is not supported", i, r.Kind)
		}
	}
	switch c.Catalog.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Catalog.DSN == "" {
			return fmt.Errorf("catalog.dsn is required for driver %s", c.Catalog.Driver)
		}
	default:
		return fmt.Errorf("catalog.driver %q is not supported", c.Catalog.Driver)
	}
	if c.Delist.MissedRuns <= 0 {
		return fmt.Errorf("delist.missed_runs must be > 0")
	}
	for name, src := range c.Sources {
		if _, err := crawler.ParseSource(name); err != nil {
			return fmt.Errorf("sources.%s: %w", name, err)
		}
		if src.Enabled && src.ListingURL == "" {
			return fmt.Errorf("sources.%s.listing_url is required", name)
		}
	}
	return nil
}

// Source returns the settings for one storefront.
func (c Config) Source(src crawler.Source) (SourceConfig, bool) {
	sc, ok := c.Sources[string(src)]
	return sc, ok
}

// EnabledSources lists enabled storefronts in a stable order.
func (c Config) EnabledSources() []crawler.Source {
	var out []crawler.Source
	for _, src := range crawler.Sources() {
		if sc, ok := c.Sources[string(src)]; ok && sc.Enabled {
			out = append(out, src)
		}
	}
	return out
}

// RetryConfig converts the fetch section into a crawler.RetryConfig.
func (c Config) RetryConfig() crawler.RetryConfig {
	return crawler.RetryConfig{
		MaxRetries: c.Fetch.MaxRetries,
		BaseDelay:  time.Duration(c.Fetch.BackoffBaseMs) * time.Millisecond,
		Factor:     c.Fetch.BackoffFactor,
		MaxDelay:   time.Duration(c.Fetch.BackoffMaxMs) * time.Millisecond,
		Jitter:     c.Fetch.Jitter,
	}
}

// ItemTimeout bounds one DetailFetch item including its commit.
func (c Config) ItemTimeout() time.Duration {
	return time.Duration(c.Crawler.ItemTimeoutSeconds) * time.Second
}

// MaxWait bounds a readiness poll.
func (c Config) MaxWait() time.Duration {
	return time.Duration(c.Fetch.MaxWaitSeconds) * time.Second
}
