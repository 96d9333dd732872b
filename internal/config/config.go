package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration (file + env overrides)
type Config struct {
	Server struct {
		Addr      string `mapstructure:"addr"`
		LogLevel  string `mapstructure:"log_level"`
		LogFormat string `mapstructure:"log_format"`
	} `mapstructure:"server"`

	Storage struct {
		Driver string `mapstructure:"driver"`
	} `mapstructure:"storage"`

	Postgres struct {
		Host         string `mapstructure:"host"`
		Port         int    `mapstructure:"port"`
		User         string `mapstructure:"user"`
		Password     string `mapstructure:"password"`
		DBName       string `mapstructure:"db_name"`
		SSLMode      string `mapstructure:"ssl_mode"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
		MaxIdleConns int    `mapstructure:"max_idle_conns"`
	} `mapstructure:"postgres"`

	Listener struct {
		Channel          string `mapstructure:"channel"`
		ReconnectSeconds int    `mapstructure:"reconnect_seconds"`
	} `mapstructure:"listener"`

	Engine struct {
		Workers         int           `mapstructure:"workers"`
		UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`
		ActionTimeout   time.Duration `mapstructure:"action_timeout"`
		MaxRunDuration  time.Duration `mapstructure:"max_run_duration"`
		MinDailyBudget  float64       `mapstructure:"min_daily_budget"`
		Timezone        string        `mapstructure:"timezone"`
	} `mapstructure:"engine"`

	Scheduler struct {
		Tick            time.Duration `mapstructure:"tick"`
		SweepInterval   time.Duration `mapstructure:"sweep_interval"`
		SweepBatch      int           `mapstructure:"sweep_batch"`
		StaleClaimAfter time.Duration `mapstructure:"stale_claim_after"`
	} `mapstructure:"scheduler"`

	Platform struct {
		Driver      string        `mapstructure:"driver"`
		BaseURL     string        `mapstructure:"base_url"`
		APIVersion  string        `mapstructure:"api_version"`
		AccessToken string        `mapstructure:"access_token"`
		Timeout     time.Duration `mapstructure:"timeout"`
	} `mapstructure:"platform"`

	Rules struct {
		Source string `mapstructure:"source"`
		File   string `mapstructure:"file"`
	} `mapstructure:"rules"`

	NATS struct {
		URL           string `mapstructure:"url"`
		SubjectPrefix string `mapstructure:"subject_prefix"`
	} `mapstructure:"nats"`

	Tracing struct {
		Endpoint    string  `mapstructure:"endpoint"`
		Insecure    bool    `mapstructure:"insecure"`
		SampleRatio float64 `mapstructure:"sample_ratio"`
		ServiceName string  `mapstructure:"service_name"`
	} `mapstructure:"tracing"`
}

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"

	RulesFromPostgres = "postgres"
	RulesFromFile     = "file"

	PlatformGraph  = "graph"
	PlatformMemory = "memory"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "console")

	v.SetDefault("storage.driver", StoragePostgres)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 2)

	v.SetDefault("listener.channel", "rule_change")
	v.SetDefault("listener.reconnect_seconds", 5)

	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.upstream_timeout", "15s")
	v.SetDefault("engine.action_timeout", "10s")
	v.SetDefault("engine.max_run_duration", "5m")
	v.SetDefault("engine.min_daily_budget", 1.0)
	v.SetDefault("engine.timezone", "UTC")

	v.SetDefault("scheduler.tick", "30s")
	v.SetDefault("scheduler.sweep_interval", "1m")
	v.SetDefault("scheduler.sweep_batch", 100)
	v.SetDefault("scheduler.stale_claim_after", "15m")

	v.SetDefault("platform.driver", PlatformMemory)
	v.SetDefault("platform.base_url", "https://graph.facebook.com")
	v.SetDefault("platform.api_version", "v19.0")
	v.SetDefault("platform.timeout", "10s")

	v.SetDefault("rules.source", RulesFromPostgres)
	v.SetDefault("rules.file", "configs/rules.yaml")

	v.SetDefault("nats.subject_prefix", "automation")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.service_name", "ad-rule-engine")
}

// Load reads configs/application.yaml when present and applies APP_* env
// overrides, e.g. APP_ENGINE_WORKERS.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("application")
	v.SetConfigType("yaml")
	v.AddConfigPath("configs")
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode config: %w", err)
	}
	// The token is never read from the config file.
	cfg.Platform.AccessToken = os.Getenv("APP_PLATFORM_ACCESS_TOKEN")
	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(c *Config) error {
	var errs []error
	if c.Engine.Workers <= 0 {
		c.Engine.Workers = 1
	}
	if c.Listener.ReconnectSeconds <= 0 {
		c.Listener.ReconnectSeconds = 5
	}
	if _, err := time.LoadLocation(c.Engine.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("engine.timezone: %w", err))
	}
	switch c.Storage.Driver {
	case StoragePostgres:
		// each advisory lock pins a connection
		if floor := 2*c.Engine.Workers + 2; c.Postgres.MaxOpenConns < floor {
			c.Postgres.MaxOpenConns = floor
		}
	case StorageMemory:
		if c.Rules.Source != RulesFromFile {
			errs = append(errs, errors.New("storage.driver=memory requires rules.source=file"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	switch c.Rules.Source {
	case RulesFromPostgres:
	case RulesFromFile:
		if c.Rules.File == "" {
			errs = append(errs, errors.New("rules.file is required when rules.source=file"))
		}
	default:
		errs = append(errs, fmt.Errorf("rules.source: unknown source %q", c.Rules.Source))
	}
	switch c.Platform.Driver {
	case PlatformMemory:
	case PlatformGraph:
		if c.Platform.AccessToken == "" {
			errs = append(errs, errors.New("APP_PLATFORM_ACCESS_TOKEN is required for platform.driver=graph"))
		}
	default:
		errs = append(errs, fmt.Errorf("platform.driver: unknown driver %q", c.Platform.Driver))
	}
	if r := c.Tracing.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio: %v is outside [0, 1]", r))
	}
	return errors.Join(errs...)
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
		c.Postgres.SSLMode,
	)
}

// DSNRedacted is DSN without credentials, for logs.
func (c Config) DSNRedacted() string {
	return fmt.Sprintf("postgres://***:***@%s:%d/%s", c.Postgres.Host, c.Postgres.Port, c.Postgres.DBName)
}

func (c Config) Backoff() time.Duration { return time.Duration(c.Listener.ReconnectSeconds) * time.Second }

// Location is the timezone used to resolve rule time ranges.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
