package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the application's configuration model. Operator-editable
// monitor knobs live in the settings table; this file covers process-level
// wiring such as listen addresses, storage paths, and credentials.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Monitor MonitorConfig `yaml:"monitor"`
	Scraper ScraperConfig `yaml:"scraper"`
	Actor   ActorConfig   `yaml:"actor"`
	AI      AIConfig      `yaml:"ai"`
	Images  ImagesConfig  `yaml:"images"`
}

type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metricsAddr"`
}

type StorageConfig struct {
	DBPath string `yaml:"dbPath"`
}

type MonitorConfig struct {
	// Defaults seeded into the settings row on first run.
	IntervalMinutes   int `yaml:"intervalMinutes"`
	FetchDelaySeconds int `yaml:"fetchDelaySeconds"`
	// BackoffMinutes is the fixed cool-down applied after a rate-limit hit.
	BackoffMinutes int `yaml:"backoffMinutes"`
	// KnownBreakThreshold stops a fetch after this many consecutive
	// already-stored posts.
	KnownBreakThreshold int `yaml:"knownBreakThreshold"`
}

type ScraperConfig struct {
	// SessionFile holds the uploaded session cookie payload, if any.
	SessionFile       string  `yaml:"sessionFile"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

type ActorConfig struct {
	// Token and ActorID may also arrive via settings; config values act as
	// environment-provided defaults.
	Token          string `yaml:"token"`
	ActorID        string `yaml:"actorId"`
	BaseURL        string `yaml:"baseUrl"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

type AIConfig struct {
	// If empty, read from env AI_API_KEY.
	APIKey  string `yaml:"apiKey"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"baseUrl"`
}

type ImagesConfig struct {
	Dir string `yaml:"dir"`
}

// Default returns a sensible default configuration.
func Default() Config {
	return Config{
		Server:  ServerConfig{Addr: ":8000", MetricsAddr: ""},
		Storage: StorageConfig{DBPath: "./eventmonitor.db"},
		Monitor: MonitorConfig{
			IntervalMinutes:     45,
			FetchDelaySeconds:   2,
			BackoffMinutes:      15,
			KnownBreakThreshold: 2,
		},
		Scraper: ScraperConfig{
			SessionFile:       "./data/scraper.session",
			RequestsPerSecond: 0.5,
			Burst:             3,
		},
		Actor: ActorConfig{
			BaseURL:        "https://api.apify.com/v2",
			TimeoutSeconds: 180,
		},
		AI:     AIConfig{Model: "gemini-2.5-flash", BaseURL: "https://generativelanguage.googleapis.com/v1beta"},
		Images: ImagesConfig{Dir: "./data/images"},
	}
}

// ResolveEnv fills in config fields from environment variables if not set.
func (c *Config) ResolveEnv() {
	if c.Actor.Token == "" {
		c.Actor.Token = os.Getenv("ACTOR_API_TOKEN")
	}
	if c.Actor.ActorID == "" {
		c.Actor.ActorID = os.Getenv("ACTOR_ID")
	}
	if c.AI.APIKey == "" {
		c.AI.APIKey = os.Getenv("AI_API_KEY")
	}
	if v := os.Getenv("MONITOR_BACKOFF_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Monitor.BackoffMinutes = n
		}
	}
	if v := os.Getenv("MONITOR_KNOWN_BREAK_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Monitor.KnownBreakThreshold = n
		}
	}
}

// Load reads YAML config from path. A .env file next to the working
// directory is honored before env resolution.
func Load(path string) (Config, error) {
	_ = godotenv.Load()
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ResolveEnv()
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.ResolveEnv()
	return cfg, nil
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
