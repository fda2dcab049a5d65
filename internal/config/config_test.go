package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "scrapews.yaml")
	configYAML := `
server:
  port: 9090
workspace:
  root: /data/output
  default_selector: article
  kinds: [warcs]
tokens:
  chars_per_token: 3
scraper:
  user_agent: kominfo-bot
  timeout_seconds: 12
  respect_robots: false
  strategy: auto
  selectors: ["div.news", "ul.docs"]
  domain_rps: 0.5
headless:
  enabled: true
  max_parallel: 2
  nav_timeout_seconds: 20
archive:
  level: 6
logging:
  development: false
  level: debug
mirror:
  gcs_bucket: scrape-archive
  prefix: central
notify:
  project_id: gcp-project
  topic: workspace-events
events:
  dsn: postgres://localhost/scrapews
  flush_interval_ms: 100
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Workspace.Root != "/data/output" || cfg.Workspace.DefaultSelector != "article" {
		t.Fatalf("expected workspace overrides, got %+v", cfg.Workspace)
	}
	kinds, err := cfg.ArchiveKinds()
	if err != nil || len(kinds) != 1 || kinds[0] != workspace.KindWARCs {
		t.Fatalf("expected [warcs], got %v (%v)", kinds, err)
	}
	if cfg.Tokens.CharsPerToken != 3 {
		t.Fatalf("expected chars_per_token 3, got %d", cfg.Tokens.CharsPerToken)
	}
	if cfg.Scraper.RespectRobots || cfg.Scraper.Strategy != "auto" || len(cfg.Scraper.Selectors) != 2 {
		t.Fatalf("expected scraper overrides, got %+v", cfg.Scraper)
	}
	if got := cfg.ScrapeTimeout(); got != 12*time.Second {
		t.Fatalf("expected scrape timeout 12s, got %v", got)
	}
	if got := cfg.NavTimeout(); got != 20*time.Second {
		t.Fatalf("expected nav timeout 20s, got %v", got)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
	if cfg.Mirror.GCSBucket != "scrape-archive" || cfg.Notify.Topic != "workspace-events" {
		t.Fatalf("expected mirror and notify settings, got %+v %+v", cfg.Mirror, cfg.Notify)
	}
	if cfg.Events.Table != "workspace_runs" {
		t.Fatalf("expected default events table, got %q", cfg.Events.Table)
	}
	if got := cfg.FlushInterval(); got != 100*time.Millisecond {
		t.Fatalf("expected flush interval 100ms, got %v", got)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Workspace.Root != "output" {
		t.Fatalf("expected default root output, got %q", cfg.Workspace.Root)
	}
	if cfg.Scraper.Strategy != string(workspace.StrategyStatic) || !cfg.Scraper.RespectRobots {
		t.Fatalf("unexpected scraper defaults: %+v", cfg.Scraper)
	}
	if cfg.Archive.Level != 9 {
		t.Fatalf("expected archive level 9, got %d", cfg.Archive.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SCRAPEWS_WORKSPACE_ROOT", "/srv/scrape")
	t.Setenv("SCRAPEWS_SERVER_PORT", "7070")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Workspace.Root != "/srv/scrape" || cfg.Server.Port != 7070 {
		t.Fatalf("expected env overrides, got root=%q port=%d", cfg.Workspace.Root, cfg.Server.Port)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:    ServerConfig{Port: 8080},
		Workspace: WorkspaceConfig{Root: "output"},
		Scraper:   ScraperConfig{TimeoutSeconds: 10, Strategy: "static"},
		Archive:   ArchiveConfig{Level: 9},
	}
	base.Tokens.CharsPerToken = 4
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"missing root", func(c *Config) { c.Workspace.Root = " " }, "workspace.root"},
		{"bad kind", func(c *Config) { c.Workspace.Kinds = []string{"links"} }, "cannot be archived"},
		{"unknown kind", func(c *Config) { c.Workspace.Kinds = []string{"videos"} }, "workspace.kinds"},
		{"chars per token", func(c *Config) { c.Tokens.CharsPerToken = 0 }, "tokens.chars_per_token"},
		{"timeout", func(c *Config) { c.Scraper.TimeoutSeconds = 0 }, "scraper.timeout_seconds"},
		{"negative rps", func(c *Config) { c.Scraper.DomainRPS = -1 }, "scraper.domain_rps"},
		{"unknown strategy", func(c *Config) { c.Scraper.Strategy = "magic" }, "scraper.strategy"},
		{"headless strategy disabled", func(c *Config) { c.Scraper.Strategy = "headless" }, "headless.enabled"},
		{"headless parallel", func(c *Config) {
			c.Headless.Enabled = true
			c.Headless.MaxParallel = 0
		}, "headless.max_parallel"},
		{"archive level", func(c *Config) { c.Archive.Level = 12 }, "archive.level"},
		{"notify pair", func(c *Config) { c.Notify.Topic = "t" }, "notify.project_id"},
		{"telemetry name", func(c *Config) { c.Telemetry.Enabled = true }, "telemetry.service_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Workspace.Kinds = nil
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() error = %v, want substring %q", err, tt.want)
			}
		})
	}
}
