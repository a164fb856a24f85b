// Package config loads replica settings from defaults, a config file,
// REPLICA_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. REPLICA_REMOTE_URL.
const EnvPrefix = "REPLICA"

// AppConfig holds the complete configuration for the application
type AppConfig struct {
	Database  string          `mapstructure:"database"`
	Fixtures  string          `mapstructure:"fixtures"`
	Log       LogConfig       `mapstructure:"log"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Cursor    CursorConfig    `mapstructure:"cursor"`
	Server    ServerConfig    `mapstructure:"server"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Environment string `mapstructure:"environment"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
}

type RemoteConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SyncConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	Debounce     time.Duration `mapstructure:"debounce"`
	RetryInitial time.Duration `mapstructure:"retry_initial"`
	RetryMax     time.Duration `mapstructure:"retry_max"`
	MaxRetries   uint64        `mapstructure:"max_retries"`
}

// CursorConfig adds mirrors of the cursor next to the local database.
type CursorConfig struct {
	File      string `mapstructure:"file"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisKey  string `mapstructure:"redis_key"`
}

type ServerConfig struct {
	Addr             string   `mapstructure:"addr"`
	Database         string   `mapstructure:"database"`
	Token            string   `mapstructure:"token"`
	MinSchemaVersion int      `mapstructure:"min_schema_version"`
	EchoSuppression  bool     `mapstructure:"echo_suppression"`
	StrictSchema     bool     `mapstructure:"strict_schema"`
	AllowOrigins     []string `mapstructure:"allow_origins"`
}

type DashboardConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database", ".replica/replica.db")
	v.SetDefault("fixtures", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.environment", "development")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("remote.url", "http://localhost:8080")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.debounce", 200*time.Millisecond)
	v.SetDefault("sync.retry_initial", 500*time.Millisecond)
	v.SetDefault("sync.retry_max", 30*time.Second)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("cursor.file", "")
	v.SetDefault("cursor.redis_addr", "")
	v.SetDefault("cursor.redis_key", "replica:cursor")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.database", ".replica/server.db")
	v.SetDefault("server.token", "")
	v.SetDefault("server.min_schema_version", 0)
	v.SetDefault("server.echo_suppression", true)
	v.SetDefault("server.strict_schema", true)
	v.SetDefault("server.allow_origins", []string{"*"})
	v.SetDefault("dashboard.addr", ":8081")
}

// Load reads the configuration. path may be empty, in which case
// replica.yaml or replica.toml is looked up in the working directory and
// .replica/. Flags that were set on the command line override everything;
// a flag named "remote-url" binds to the key "remote.url".
func Load(path string, flags *pflag.FlagSet) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("replica")
		v.AddConfigPath(".")
		v.AddConfigPath(".replica")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if bindErr != nil || f.Name == "config" {
				return
			}
			key := strings.ReplaceAll(f.Name, "-", ".")
			if !v.IsSet(key) && !f.Changed {
				return
			}
			bindErr = v.BindPFlag(key, f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// A comma separated env value arrives as one element.
	if len(cfg.Server.AllowOrigins) == 1 && strings.Contains(cfg.Server.AllowOrigins[0], ",") {
		cfg.Server.AllowOrigins = strings.Split(cfg.Server.AllowOrigins[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks if the configuration is valid
func (c *AppConfig) Validate() error {
	if c.Database == "" {
		return errors.New("database is required")
	}
	if c.Sync.Interval <= 0 {
		return errors.New("sync.interval must be positive")
	}
	if c.Sync.RetryInitial <= 0 || c.Sync.RetryMax < c.Sync.RetryInitial {
		return errors.New("sync.retry_max must be at least sync.retry_initial")
	}
	if c.Remote.Timeout <= 0 {
		return errors.New("remote.timeout must be positive")
	}
	if c.Server.MinSchemaVersion < 0 {
		return errors.New("server.min_schema_version must not be negative")
	}
	return nil
}
