package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/timmy/skiptrace/internal/domain"
)

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
scraper:
  max_concurrency: 7
  timeout: 5s
cache:
  ttl: 24h
sources:
  phonebook:
    enabled: true
    base_url: https://pb.test
    search_page_cost: "3"
    detail_page_cost: "1.25"
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Scraper.MaxConcurrency != 7 {
		t.Errorf("expected max_concurrency 7, got %d", cfg.Scraper.MaxConcurrency)
	}
	if cfg.Scraper.Timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %s", cfg.Scraper.Timeout)
	}
	if cfg.Cache.TTL != 24*time.Hour {
		t.Errorf("expected cache ttl 24h, got %s", cfg.Cache.TTL)
	}
	if cfg.Scraper.MaxRetries != 3 {
		t.Errorf("expected default max_retries 3, got %d", cfg.Scraper.MaxRetries)
	}

	pb, ok := cfg.Sources["phonebook"]
	if !ok {
		t.Fatal("expected phonebook source")
	}
	search, detail, err := pb.Costs()
	if err != nil {
		t.Fatalf("Costs failed: %v", err)
	}
	if search != domain.MustParseCredits("3") || detail != domain.MustParseCredits("1.25") {
		t.Errorf("unexpected costs search=%s detail=%s", search, detail)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Database: DatabaseConfig{Driver: "sqlite"},
			Scraper:  ScraperConfig{MaxConcurrency: 1, Timeout: time.Second},
			Filters:  FiltersConfig{DefaultMinAge: 18, DefaultMaxAge: 90},
			Sources: map[string]SourceConfig{
				"a": {Enabled: true, SearchPageCost: "0.5", DetailPageCost: "1"},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "zero concurrency", mutate: func(c *Config) { c.Scraper.MaxConcurrency = 0 }, wantErr: true},
		{name: "zero timeout", mutate: func(c *Config) { c.Scraper.Timeout = 0 }, wantErr: true},
		{name: "inverted age window", mutate: func(c *Config) { c.Filters.DefaultMinAge = 95 }, wantErr: true},
		{name: "bad cost", mutate: func(c *Config) {
			c.Sources["a"] = SourceConfig{Enabled: true, SearchPageCost: "abc", DetailPageCost: "1"}
		}, wantErr: true},
		{name: "too precise cost", mutate: func(c *Config) {
			c.Sources["a"] = SourceConfig{Enabled: true, SearchPageCost: "0.00001", DetailPageCost: "1"}
		}, wantErr: true},
		{name: "disabled source skipped", mutate: func(c *Config) {
			c.Sources["a"] = SourceConfig{Enabled: false, SearchPageCost: "abc"}
		}},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
