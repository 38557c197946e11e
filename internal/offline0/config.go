package offline0

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"offline0/internal/store"
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	App struct {
		// Origin is the application's own origin; relative requests and
		// asset paths resolve against it.
		Origin   string `yaml:"origin"`
		Fallback string `yaml:"fallback"`

		originURL *url.URL
	} `yaml:"app"`

	Cache struct {
		Version             string   `yaml:"version"`
		Assets              []string `yaml:"assets"`
		Optional            []string `yaml:"optional"`
		PrecacheConcurrency int      `yaml:"precacheConcurrency"`
		MaxEntrySize        string   `yaml:"maxEntrySize"`
		RetryInstallEvery   string   `yaml:"retryInstallEvery"`

		maxEntryBytes int64
		retryEveryDur time.Duration
	} `yaml:"cache"`

	Storage struct {
		Provider string `yaml:"provider"`
		Path     string `yaml:"path"`
		RAM      struct {
			Entries int `yaml:"entries"`
		} `yaml:"ram"`
	} `yaml:"storage"`

	Network struct {
		Timeout string `yaml:"timeout"`

		timeoutDur time.Duration
	} `yaml:"network"`

	Discover struct {
		Sitemaps []string `yaml:"sitemaps"`
		MaxURLs  int      `yaml:"maxURLs"`
	} `yaml:"discover"`

	Logging struct {
		Level         string `yaml:"level"`
		File          string `yaml:"file"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Normalize applies defaults and compiles derived fields. Call it again after
// changing fields by hand.
func (c *Config) Normalize() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	if c.App.Origin == "" {
		return fmt.Errorf("app.origin is required")
	}
	u, err := url.Parse(strings.TrimSpace(c.App.Origin))
	if err != nil {
		return fmt.Errorf("app.origin: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("app.origin must be an absolute url, got %q", c.App.Origin)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	c.App.originURL = u
	if c.App.Fallback == "" {
		c.App.Fallback = "/index.html"
	}

	c.Cache.Version = strings.TrimSpace(c.Cache.Version)
	if c.Cache.Version == "" {
		return fmt.Errorf("cache.version is required")
	}
	if strings.ContainsRune(c.Cache.Version, 0) {
		return fmt.Errorf("cache.version contains a NUL byte")
	}
	if c.Cache.PrecacheConcurrency <= 0 {
		c.Cache.PrecacheConcurrency = 4
	}
	if c.Cache.MaxEntrySize == "" {
		c.Cache.MaxEntrySize = "10mb"
	}
	if c.Cache.maxEntryBytes, err = parseBytes(c.Cache.MaxEntrySize); err != nil {
		return fmt.Errorf("cache.maxEntrySize: %w", err)
	}
	if c.Cache.RetryInstallEvery == "" {
		c.Cache.RetryInstallEvery = "1m"
	}
	if c.Cache.retryEveryDur, err = parseDuration(c.Cache.RetryInstallEvery); err != nil {
		return fmt.Errorf("cache.retryInstallEvery: %w", err)
	}

	switch c.Storage.Provider {
	case "":
		c.Storage.Provider = store.ProviderLevelDB
	case store.ProviderLevelDB, store.ProviderSQLite, store.ProviderMemory:
	default:
		return fmt.Errorf("storage.provider %q is not one of leveldb, sqlite, memory", c.Storage.Provider)
	}
	if c.Storage.Path == "" {
		switch c.Storage.Provider {
		case store.ProviderSQLite:
			c.Storage.Path = "./data/offline0.db"
		default:
			c.Storage.Path = "./data/leveldb"
		}
	}
	if c.Storage.RAM.Entries < 0 {
		return fmt.Errorf("storage.ram.entries must not be negative")
	}

	if c.Network.Timeout == "" {
		c.Network.Timeout = "30s"
	}
	if c.Network.timeoutDur, err = parseDuration(c.Network.Timeout); err != nil {
		return fmt.Errorf("network.timeout: %w", err)
	}

	if c.Discover.MaxURLs <= 0 {
		c.Discover.MaxURLs = 500
	}

	if c.Logging.LogStatsEvery != "" {
		if c.Logging.logStatsEveryDur, err = parseDuration(c.Logging.LogStatsEvery); err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
	}
	return nil
}

// Origin returns the compiled application origin. Valid after Normalize.
func (c *Config) Origin() *url.URL {
	return c.App.originURL
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}
