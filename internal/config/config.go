package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/timmy/skiptrace/internal/domain"
)

type Config struct {
	Server   ServerConfig            `mapstructure:"server"`
	Database DatabaseConfig          `mapstructure:"database"`
	Scraper  ScraperConfig           `mapstructure:"scraper"`
	Cache    CacheConfig             `mapstructure:"cache"`
	Filters  FiltersConfig           `mapstructure:"filters"`
	Tasks    TasksConfig             `mapstructure:"tasks"`
	Sources  map[string]SourceConfig `mapstructure:"sources"`
	Storage  StorageConfig           `mapstructure:"storage"`
}

type ServerConfig struct {
	Port       int        `mapstructure:"port"`
	Mode       string     `mapstructure:"mode"`
	CORS       CORSConfig `mapstructure:"cors"`
	AdminToken string     `mapstructure:"admin_token"` // empty disables /admin routes
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// DatabaseConfig selects the SQL driver backing accounts, ledger, tasks and cache.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite or postgres
	Path            string        `mapstructure:"path"`   // sqlite file
	URL             string        `mapstructure:"url"`    // postgres DSN
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogQueries      bool          `mapstructure:"log_queries"`
}

// DSN returns the connection string for the configured driver.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return c.URL
	}
	if c.Path == "" {
		return "file::memory:?cache=shared"
	}
	return c.Path + "?_busy_timeout=5000"
}

// ScraperConfig configures the scraping proxy client and the global admission gate.
type ScraperConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	Token          string        `mapstructure:"token"`
	Render         bool          `mapstructure:"render"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// FiltersConfig holds the defaults applied when a task leaves a filter unset.
type FiltersConfig struct {
	DefaultMinAge   int  `mapstructure:"default_min_age"`
	DefaultMaxAge   int  `mapstructure:"default_max_age"`
	ExcludeDeceased bool `mapstructure:"exclude_deceased"`
}

type TasksConfig struct {
	MaxNames     int `mapstructure:"max_names"`
	MaxLocations int `mapstructure:"max_locations"`
	MaxPages     int `mapstructure:"max_pages"` // per query slice
}

// SourceConfig overrides a built-in lookup source preset.
type SourceConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BaseURL        string `mapstructure:"base_url"`
	SearchPageCost string `mapstructure:"search_page_cost"`
	DetailPageCost string `mapstructure:"detail_page_cost"`
}

// Costs parses the configured unit costs.
func (s SourceConfig) Costs() (search, detail domain.Credits, err error) {
	if search, err = domain.ParseCredits(s.SearchPageCost); err != nil {
		return 0, 0, err
	}
	if detail, err = domain.ParseCredits(s.DetailPageCost); err != nil {
		return 0, 0, err
	}
	return search, detail, nil
}

// StorageConfig configures the S3-compatible bucket receiving CSV exports.
type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Type      string `mapstructure:"type"` // r2, s3, s3compatible
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
	Prefix    string `mapstructure:"prefix"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets come from the environment
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("server.admin_token", "ADMIN_TOKEN")
	v.BindEnv("scraper.endpoint", "SCRAPER_ENDPOINT")
	v.BindEnv("scraper.token", "SCRAPER_TOKEN")
	v.BindEnv("scraper.max_concurrency", "SCRAPER_MAX_CONCURRENCY")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.bucket", "STORAGE_BUCKET")
	v.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/skiptrace.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scraper.endpoint", "https://api.scrape.do")
	v.SetDefault("scraper.render", false)
	v.SetDefault("scraper.timeout", "60s")
	v.SetDefault("scraper.max_retries", 3)
	v.SetDefault("scraper.backoff_base", "1s")
	v.SetDefault("scraper.backoff_max", "15s")
	v.SetDefault("scraper.max_concurrency", 20)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", "4320h") // 180 days

	v.SetDefault("filters.default_min_age", 18)
	v.SetDefault("filters.default_max_age", 120)
	v.SetDefault("filters.exclude_deceased", true)

	v.SetDefault("tasks.max_names", 500)
	v.SetDefault("tasks.max_locations", 50)
	v.SetDefault("tasks.max_pages", 5)

	v.SetDefault("sources", map[string]interface{}{
		"peoplelookup": map[string]interface{}{
			"enabled":          true,
			"base_url":         "https://www.peoplelookup.example",
			"search_page_cost": "0.5",
			"detail_page_cost": "1",
		},
		"phonebook": map[string]interface{}{
			"enabled":          true,
			"base_url":         "https://www.phonebook.example",
			"search_page_cost": "0.35",
			"detail_page_cost": "0.75",
		},
	})

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.bucket", "skiptrace-exports")
	v.SetDefault("storage.prefix", "exports")
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Scraper.MaxConcurrency <= 0 {
		return fmt.Errorf("scraper.max_concurrency must be positive, got %d", c.Scraper.MaxConcurrency)
	}
	if c.Scraper.Timeout <= 0 {
		return fmt.Errorf("scraper.timeout must be positive, got %s", c.Scraper.Timeout)
	}
	if c.Scraper.MaxRetries < 0 {
		return fmt.Errorf("scraper.max_retries must not be negative, got %d", c.Scraper.MaxRetries)
	}
	if c.Filters.DefaultMinAge > c.Filters.DefaultMaxAge {
		return fmt.Errorf("filters.default_min_age %d exceeds default_max_age %d",
			c.Filters.DefaultMinAge, c.Filters.DefaultMaxAge)
	}
	for name, src := range c.Sources {
		if !src.Enabled || (src.SearchPageCost == "" && src.DetailPageCost == "") {
			continue
		}
		search, detail, err := src.Costs()
		if err != nil {
			return fmt.Errorf("sources.%s: %w", name, err)
		}
		if search <= 0 || detail <= 0 {
			return fmt.Errorf("sources.%s: unit costs must be positive", name)
		}
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	return nil
}
