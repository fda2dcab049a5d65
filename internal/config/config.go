// Package config loads and validates scrapews configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/scrape-workspace/internal/logging"
	"github.com/JakeFAU/scrape-workspace/internal/policy/retry"
	"github.com/JakeFAU/scrape-workspace/internal/tokens"
	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

// EnvPrefix is prepended to environment overrides, e.g. SCRAPEWS_WORKSPACE_ROOT.
const EnvPrefix = "SCRAPEWS"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Tokens    tokens.Config   `mapstructure:"tokens"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Logging   logging.Config  `mapstructure:"logging"`
	Mirror    MirrorConfig    `mapstructure:"mirror"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Events    EventsConfig    `mapstructure:"events"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// WorkspaceConfig locates the output tree and sets operation defaults.
type WorkspaceConfig struct {
	Root string `mapstructure:"root"`
	// DefaultSelector scopes WARC token counts when a run names none.
	DefaultSelector string `mapstructure:"default_selector"`
	// Kinds lists the artifact kinds compression bundles.
	Kinds []string `mapstructure:"kinds"`
}

// ScraperConfig governs the static fetcher and link extraction.
type ScraperConfig struct {
	UserAgent      string   `mapstructure:"user_agent"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	RespectRobots  bool     `mapstructure:"respect_robots"`
	Strategy       string   `mapstructure:"strategy"`
	Selectors      []string `mapstructure:"selectors"`
	MaxBodyBytes   int      `mapstructure:"max_body_bytes"`
	DomainRPS      float64  `mapstructure:"domain_rps"`
	DomainBurst    int      `mapstructure:"domain_burst"`
	// MaxAttempts counts the first try; 429, 5xx and timeouts are retried.
	MaxAttempts int `mapstructure:"max_attempts"`
	RetryBaseMs int `mapstructure:"retry_base_ms"`
	RetryMaxMs  int `mapstructure:"retry_max_ms"`
	// BlockedDomains lists hosts or "*.suffix" patterns that are never fetched.
	BlockedDomains []string `mapstructure:"blocked_domains"`
	// ForbiddenThreshold blocks a host after this many 403s; negative disables.
	ForbiddenThreshold int `mapstructure:"forbidden_threshold"`
}

// HeadlessConfig configures the chromedp renderer.
type HeadlessConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	MaxParallel        int    `mapstructure:"max_parallel"`
	NavTimeoutSeconds  int    `mapstructure:"nav_timeout_seconds"`
	PromotionThreshold int    `mapstructure:"promotion_threshold"`
	WaitSelector       string `mapstructure:"wait_selector"`
}

// ArchiveConfig tunes the archive codec.
type ArchiveConfig struct {
	// Level is a flate level (1-9, or -1 for the library default).
	Level int `mapstructure:"level"`
}

// MirrorConfig enables the GCS mirror of central archives.
type MirrorConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// NotifyConfig enables Pub/Sub notifications after collection.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// EventsConfig controls the progress hub and its optional Postgres run store.
type EventsConfig struct {
	DSN             string `mapstructure:"dsn"`
	Table           string `mapstructure:"table"`
	BufferSize      int    `mapstructure:"buffer_size"`
	BatchSize       int    `mapstructure:"batch_size"`
	FlushIntervalMs int    `mapstructure:"flush_interval_ms"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk and environment. An empty path searches
// ./scrapews.yaml, $HOME/.scrapews/ and /etc/scrapews/; finding nothing there
// is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("scrapews")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.scrapews")
		v.AddConfigPath("/etc/scrapews/")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("workspace.root", "output")
	v.SetDefault("workspace.default_selector", "")
	v.SetDefault("workspace.kinds", []string{string(workspace.KindPDFs), string(workspace.KindWARCs)})
	v.SetDefault("tokens.chars_per_token", tokens.DefaultCharsPerToken)
	v.SetDefault("scraper.user_agent", "scrapews/0.1 (+https://github.com/JakeFAU/scrape-workspace)")
	v.SetDefault("scraper.timeout_seconds", 30)
	v.SetDefault("scraper.respect_robots", true)
	v.SetDefault("scraper.strategy", string(workspace.StrategyStatic))
	v.SetDefault("scraper.selectors", []string{})
	v.SetDefault("scraper.max_body_bytes", 50*1024*1024)
	v.SetDefault("scraper.domain_rps", 1.0)
	v.SetDefault("scraper.domain_burst", 1)
	v.SetDefault("scraper.max_attempts", 3)
	v.SetDefault("scraper.retry_base_ms", 250)
	v.SetDefault("scraper.retry_max_ms", 5000)
	v.SetDefault("scraper.blocked_domains", []string{})
	v.SetDefault("scraper.forbidden_threshold", 3)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("headless.wait_selector", "body")
	v.SetDefault("archive.level", 9)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("events.table", "workspace_runs")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.batch_size", 256)
	v.SetDefault("events.flush_interval_ms", 250)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "scrapews")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if strings.TrimSpace(c.Workspace.Root) == "" {
		return fmt.Errorf("workspace.root must be set")
	}
	if _, err := c.ArchiveKinds(); err != nil {
		return err
	}
	if c.Tokens.CharsPerToken <= 0 {
		return fmt.Errorf("tokens.chars_per_token must be > 0")
	}
	if c.Scraper.TimeoutSeconds <= 0 {
		return fmt.Errorf("scraper.timeout_seconds must be > 0")
	}
	if c.Scraper.DomainRPS < 0 {
		return fmt.Errorf("scraper.domain_rps must be >= 0")
	}
	if c.Scraper.MaxAttempts < 0 || c.Scraper.RetryBaseMs < 0 || c.Scraper.RetryMaxMs < 0 {
		return fmt.Errorf("scraper retry settings must be >= 0")
	}
	strategy, err := workspace.ParseStrategy(c.Scraper.Strategy)
	if err != nil {
		return fmt.Errorf("scraper.strategy: %w", err)
	}
	if strategy != workspace.StrategyStatic && !c.Headless.Enabled {
		return fmt.Errorf("scraper.strategy %q requires headless.enabled", strategy)
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Archive.Level < -1 || c.Archive.Level > 9 {
		return fmt.Errorf("archive.level must be between -1 and 9")
	}
	if (c.Notify.ProjectID == "") != (c.Notify.Topic == "") {
		return fmt.Errorf("notify.project_id and notify.topic must be set together")
	}
	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry.service_name must be set when telemetry is enabled")
	}
	return nil
}

// ArchiveKinds parses Workspace.Kinds; only archivable kinds are accepted.
func (c Config) ArchiveKinds() ([]workspace.Kind, error) {
	if len(c.Workspace.Kinds) == 0 {
		return append([]workspace.Kind(nil), workspace.ArchivableKinds...), nil
	}
	out := make([]workspace.Kind, 0, len(c.Workspace.Kinds))
	for _, raw := range c.Workspace.Kinds {
		kind, err := workspace.ParseKind(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("workspace.kinds: %w", err)
		}
		if kind != workspace.KindPDFs && kind != workspace.KindWARCs {
			return nil, fmt.Errorf("workspace.kinds: %q cannot be archived", kind)
		}
		out = append(out, kind)
	}
	return out, nil
}

// ScrapeTimeout converts scraper.timeout_seconds into a duration.
func (c Config) ScrapeTimeout() time.Duration {
	return time.Duration(c.Scraper.TimeoutSeconds) * time.Second
}

// NavTimeout converts headless.nav_timeout_seconds into a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSeconds) * time.Second
}

// RetryConfig converts the scraper retry settings.
func (c Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts: c.Scraper.MaxAttempts,
		BaseDelay:   time.Duration(c.Scraper.RetryBaseMs) * time.Millisecond,
		MaxDelay:    time.Duration(c.Scraper.RetryMaxMs) * time.Millisecond,
	}
}

// ShutdownTimeout converts server.shutdown_timeout_seconds into a duration.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// FlushInterval converts events.flush_interval_ms into a duration.
func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.Events.FlushIntervalMs) * time.Millisecond
}
