package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/technosupport/ts-sentinel/internal/analyze"
	"github.com/technosupport/ts-sentinel/internal/cost"
	"github.com/technosupport/ts-sentinel/internal/source"
)

// Config is the root service configuration. Durations are milliseconds in
// YAML; accessor methods convert them.
type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	NATS struct {
		URL             string `yaml:"url"`
		PublishRetryMax int    `yaml:"publish_retry_max"`
	} `yaml:"nats"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`

	Gateway struct {
		SuppressionWindowMs int `yaml:"suppression_window_ms"`
		DedupCacheSize      int `yaml:"dedup_cache_size"`
	} `yaml:"gateway"`

	Correlation struct {
		WindowMs      int `yaml:"window_ms"`
		ExtendByMs    int `yaml:"extend_by_ms"`
		MaxLifetimeMs int `yaml:"max_lifetime_ms"`
		MaxCameras    int `yaml:"max_cameras"`
		SweepMs       int `yaml:"sweep_interval_ms"`
	} `yaml:"correlation"`

	Frames struct {
		MaxAttempts      int     `yaml:"max_attempts"`
		BackoffBaseMs    int     `yaml:"backoff_base_ms"`
		FetchTimeoutMs   int     `yaml:"fetch_timeout_ms"`
		MinFrames        int     `yaml:"min_frames"`
		MaxFrames        int     `yaml:"max_frames"`
		HistThreshold    float64 `yaml:"hist_threshold"`
		SSIMThreshold    float64 `yaml:"ssim_threshold"`
		QualityThreshold float64 `yaml:"quality_threshold"`
	} `yaml:"frames"`

	Analysis struct {
		CallTimeoutMs int                    `yaml:"call_timeout_ms"`
		Prompt        string                 `yaml:"prompt"`
		Providers     []analyze.OpenAIConfig `yaml:"providers"`
	} `yaml:"analysis"`

	Cost struct {
		Backend   string    `yaml:"backend"` // "memory" or "redis"
		Caps      cost.Caps `yaml:"caps"`
		KeyPrefix string    `yaml:"key_prefix"`
	} `yaml:"cost"`

	Policy struct {
		Path string `yaml:"path"`
	} `yaml:"policy"`

	Pipeline struct {
		Workers       int `yaml:"workers"`
		QueueSize     int `yaml:"queue_size"`
		TaskTimeoutMs int `yaml:"task_timeout_ms"`
	} `yaml:"pipeline"`

	Sources struct {
		NATSEnabled bool                   `yaml:"nats_enabled"`
		HTTP        []source.HTTPCamConfig `yaml:"http"`
		Poll        struct {
			Enabled          bool            `yaml:"enabled"`
			IntervalMs       int             `yaml:"interval_ms"`
			MaxInflight      int             `yaml:"max_inflight"`
			MaxEventsPerPoll int             `yaml:"max_events_per_poll"`
			TimeBudgetMs     int             `yaml:"time_budget_ms"`
			BackoffMs        int             `yaml:"backoff_ms"`
			LookbackMinutes  int             `yaml:"lookback_minutes"`
			Targets          []source.Target `yaml:"targets"`
		} `yaml:"poll"`
	} `yaml:"sources"`

	Sinks struct {
		NATSEnabled     bool `yaml:"nats_enabled"`
		PostgresEnabled bool `yaml:"postgres_enabled"`
	} `yaml:"sinks"`
}

// Load reads the YAML file, applies environment overrides and fills
// defaults. A missing file is not an error; env and defaults still apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config read %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.fillDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Postgres.DSN = getEnv("POSTGRES_DSN", c.Postgres.DSN)
	c.Policy.Path = getEnv("POLICY_PATH", c.Policy.Path)
	c.Cost.Backend = getEnv("COST_BACKEND", c.Cost.Backend)
	c.Cost.Caps.Daily = getEnvInt64("COST_DAILY_CAP", c.Cost.Caps.Daily)
	c.Cost.Caps.Monthly = getEnvInt64("COST_MONTHLY_CAP", c.Cost.Caps.Monthly)
	c.Pipeline.Workers = getEnvInt("PIPELINE_WORKERS", c.Pipeline.Workers)

	// Provider secrets come from the environment, keyed by provider name:
	// PROVIDER_API_KEY_<NAME>
	for i := range c.Analysis.Providers {
		key := "PROVIDER_API_KEY_" + sanitizeEnvKey(c.Analysis.Providers[i].Name)
		c.Analysis.Providers[i].APIKey = getEnv(key, c.Analysis.Providers[i].APIKey)
	}
}

func (c *Config) fillDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.PublishRetryMax == 0 {
		c.NATS.PublishRetryMax = 3
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Cost.Backend == "" {
		c.Cost.Backend = "memory"
	}
	if c.Cost.Caps.Daily == 0 {
		c.Cost.Caps.Daily = 50000
	}
	if c.Cost.Caps.Monthly == 0 {
		c.Cost.Caps.Monthly = 1000000
	}
	if c.Policy.Path == "" {
		c.Policy.Path = "config/policies.yaml"
	}
}

// Duration accessors

func (c *Config) SuppressionWindow() time.Duration { return ms(c.Gateway.SuppressionWindowMs) }
func (c *Config) CorrelationWindow() time.Duration { return ms(c.Correlation.WindowMs) }
func (c *Config) CorrelationExtend() time.Duration { return ms(c.Correlation.ExtendByMs) }
func (c *Config) CorrelationMaxLifetime() time.Duration {
	return ms(c.Correlation.MaxLifetimeMs)
}
func (c *Config) CorrelationSweep() time.Duration { return ms(c.Correlation.SweepMs) }
func (c *Config) FramesBackoffBase() time.Duration {
	return ms(c.Frames.BackoffBaseMs)
}
func (c *Config) FramesFetchTimeout() time.Duration { return ms(c.Frames.FetchTimeoutMs) }
func (c *Config) AnalysisCallTimeout() time.Duration {
	return ms(c.Analysis.CallTimeoutMs)
}
func (c *Config) PipelineTaskTimeout() time.Duration {
	return ms(c.Pipeline.TaskTimeoutMs)
}
func (c *Config) PollInterval() time.Duration   { return ms(c.Sources.Poll.IntervalMs) }
func (c *Config) PollTimeBudget() time.Duration { return ms(c.Sources.Poll.TimeBudgetMs) }
func (c *Config) PollBackoff() time.Duration    { return ms(c.Sources.Poll.BackoffMs) }
func (c *Config) PollLookback() time.Duration {
	return time.Duration(c.Sources.Poll.LookbackMinutes) * time.Minute
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func sanitizeEnvKey(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
