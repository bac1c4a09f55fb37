// Package config provides runtime configuration for cloudmetrics.
// It uses Viper to load settings from a config file, environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/vesaa/cloudmetrics/internal/models"
)

// Config holds all runtime configuration for cloudmetrics.
type Config struct {
	// ── Server ───────────────────────────────────────────────────────────────
	ListenAddr string `mapstructure:"listen_addr"`
	CORSOrigin string `mapstructure:"cors_origin"`
	LogLevel   string `mapstructure:"log_level"` // debug | info | warn | error

	// ── Storage ──────────────────────────────────────────────────────────────
	DBDriver string `mapstructure:"db_driver"` // "sqlite" or "postgres"
	DBPath   string `mapstructure:"db_path"`   // used when db_driver = sqlite
	DBDSN    string `mapstructure:"db_dsn"`    // used when db_driver = postgres

	// RedisAddr selects the redis cache backend; empty keeps the cache in process.
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// ── Pipeline ─────────────────────────────────────────────────────────────
	MetricsIntervalMS int        `mapstructure:"metrics_interval_ms"`
	CacheTTLSeconds   int        `mapstructure:"cache_ttl_seconds"`
	Thresholds        Thresholds `mapstructure:"thresholds"`
	// TickWorkerLimit caps concurrent per-instance units in a tick (0 = no cap).
	TickWorkerLimit int `mapstructure:"tick_worker_limit"`
	// InstanceTimeoutMS bounds the storage calls of one instance within a tick.
	InstanceTimeoutMS int `mapstructure:"instance_timeout_ms"`
	SubscriberBuffer  int `mapstructure:"subscriber_buffer"`

	// ── Fleet ────────────────────────────────────────────────────────────────
	// Instances is the static fleet used when the instances table is empty.
	Instances       []string `mapstructure:"instances"`
	RegistryRefresh string   `mapstructure:"registry_refresh"` // cron spec

	// ── Security ─────────────────────────────────────────────────────────────
	// JWTSecret enables JWT protection of mutating routes when non-empty.
	JWTSecret string `mapstructure:"jwt_secret"`
	AdminUser string `mapstructure:"admin_user"`
	// AdminPassHash is a bcrypt hash, e.g. from `htpasswd -bnBC 10 "" secret`.
	AdminPassHash string `mapstructure:"admin_pass_hash"`

	// ── Sinks ────────────────────────────────────────────────────────────────
	KafkaBrokers    []string `mapstructure:"kafka_brokers"`
	KafkaTopic      string   `mapstructure:"kafka_topic"`
	MQTTBroker      string   `mapstructure:"mqtt_broker"`
	MQTTTopicPrefix string   `mapstructure:"mqtt_topic_prefix"`
}

// Thresholds mirrors models.Thresholds with config keys.
type Thresholds struct {
	CPUWarning           float64 `mapstructure:"cpu_warning"`
	CPUCritical          float64 `mapstructure:"cpu_critical"`
	MemoryWarning        float64 `mapstructure:"memory_warning"`
	MemoryCritical       float64 `mapstructure:"memory_critical"`
	ResponseTimeWarning  float64 `mapstructure:"response_time_warning"`
	ResponseTimeCritical float64 `mapstructure:"response_time_critical"`
}

// Model converts the config section into the evaluator's type.
func (t Thresholds) Model() models.Thresholds {
	return models.Thresholds{
		CPUWarning:           t.CPUWarning,
		CPUCritical:          t.CPUCritical,
		MemoryWarning:        t.MemoryWarning,
		MemoryCritical:       t.MemoryCritical,
		ResponseTimeWarning:  t.ResponseTimeWarning,
		ResponseTimeCritical: t.ResponseTimeCritical,
	}
}

// Interval is the tick interval.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.MetricsIntervalMS) * time.Millisecond
}

// CacheTTL is the lifetime of a cached history query.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// InstanceTimeout bounds one instance's storage work within a tick.
func (c *Config) InstanceTimeout() time.Duration {
	return time.Duration(c.InstanceTimeoutMS) * time.Millisecond
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.MetricsIntervalMS <= 0 {
		errs = append(errs, fmt.Errorf("metrics_interval_ms must be positive, got %d", c.MetricsIntervalMS))
	}
	if c.CacheTTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("cache_ttl_seconds must be positive, got %d", c.CacheTTLSeconds))
	}
	if c.TickWorkerLimit < 0 {
		errs = append(errs, fmt.Errorf("tick_worker_limit must not be negative, got %d", c.TickWorkerLimit))
	}
	pairs := []struct {
		name              string
		warning, critical float64
	}{
		{"cpu", c.Thresholds.CPUWarning, c.Thresholds.CPUCritical},
		{"memory", c.Thresholds.MemoryWarning, c.Thresholds.MemoryCritical},
		{"response_time", c.Thresholds.ResponseTimeWarning, c.Thresholds.ResponseTimeCritical},
	}
	for _, p := range pairs {
		if p.warning >= p.critical {
			errs = append(errs, fmt.Errorf("thresholds.%s_warning (%v) must be below thresholds.%s_critical (%v)",
				p.name, p.warning, p.name, p.critical))
		}
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported db_driver %q (use 'sqlite' or 'postgres')", c.DBDriver))
	}
	if c.DBDriver == "postgres" && c.DBDSN == "" {
		errs = append(errs, errors.New("db_dsn is required when db_driver = postgres"))
	}
	return errors.Join(errs...)
}

// Load reads config from file (cfgFile if given, else ./config.yaml or
// ~/.cloudmetrics/config.yaml) and falls back to defaults. Environment
// variables with prefix CM_ override file values, e.g. CM_THRESHOLDS_CPU_WARNING.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// --- Config file ---
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.cloudmetrics")
	}
	if err := v.ReadInConfig(); err != nil {
		// config file is optional unless named explicitly
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// --- Environment Variables ---
	v.SetEnvPrefix("CM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", "0.0.0.0:3001")
	v.SetDefault("cors_origin", "*")
	v.SetDefault("log_level", "info")

	v.SetDefault("db_driver", "sqlite")
	v.SetDefault("db_path", "cloudmetrics.db")
	v.SetDefault("db_dsn", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetDefault("metrics_interval_ms", 30000)
	v.SetDefault("cache_ttl_seconds", 60)
	th := models.DefaultThresholds()
	v.SetDefault("thresholds.cpu_warning", th.CPUWarning)
	v.SetDefault("thresholds.cpu_critical", th.CPUCritical)
	v.SetDefault("thresholds.memory_warning", th.MemoryWarning)
	v.SetDefault("thresholds.memory_critical", th.MemoryCritical)
	v.SetDefault("thresholds.response_time_warning", th.ResponseTimeWarning)
	v.SetDefault("thresholds.response_time_critical", th.ResponseTimeCritical)
	v.SetDefault("tick_worker_limit", 0)
	v.SetDefault("instance_timeout_ms", 10000)
	v.SetDefault("subscriber_buffer", 64)

	v.SetDefault("instances", []string{"i-server-01", "i-server-02", "i-server-03"})
	v.SetDefault("registry_refresh", "@every 1m")

	v.SetDefault("jwt_secret", "")
	v.SetDefault("admin_user", "admin")
	v.SetDefault("admin_pass_hash", "")

	v.SetDefault("kafka_brokers", []string{})
	v.SetDefault("kafka_topic", "cloudmetrics.events")
	v.SetDefault("mqtt_broker", "")
	v.SetDefault("mqtt_topic_prefix", "cloudmetrics")
}
