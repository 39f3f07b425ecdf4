package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/jask/jaskledger/internal/csvimport"
	"github.com/jask/jaskledger/internal/rules"
)

// Config holds application configuration.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Rules      RulesConfig      `mapstructure:"rules"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Events     EventsConfig     `mapstructure:"events"`
}

// DatabaseConfig holds sqlite settings. An empty MigrationsPath uses the
// migrations compiled into the binary.
type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RulesConfig controls rule compilation. An empty AllowedFields permits every
// known field.
type RulesConfig struct {
	CacheSize     int      `mapstructure:"cache_size"`
	AllowedFields []string `mapstructure:"allowed_fields"`
}

type ClassifierConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

// ReconcileConfig controls balance recalculation. Schedule is a cron spec for
// projecting anchored accounts forward; empty disables it.
type ReconcileConfig struct {
	Workers  int    `mapstructure:"workers"`
	Schedule string `mapstructure:"schedule"`
	Timezone string `mapstructure:"timezone"`
}

type IngestConfig struct {
	WatchDir              string             `mapstructure:"watch_dir"`
	QuietPeriod           time.Duration      `mapstructure:"quiet_period"`
	CreateMissingAccounts bool               `mapstructure:"create_missing_accounts"`
	Formats               []csvimport.Format `mapstructure:"formats"`
}

// EventsConfig selects the batch-completion transport. Without brokers the
// in-process bus is used.
type EventsConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// Location resolves the reconcile timezone.
func (c ReconcileConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Path returns the config file location. JASKLEDGER_CONFIG overrides the default.
func Path() string {
	if p := os.Getenv("JASKLEDGER_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(os.Getenv("HOME"), ".config", "jaskledger", "config.toml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", filepath.Join(os.Getenv("HOME"), ".local", "share", "jaskledger", "jaskledger.db"))
	v.SetDefault("database.migrations_path", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("rules.cache_size", rules.DefaultCacheSize)
	v.SetDefault("rules.allowed_fields", []string{})
	v.SetDefault("classifier.queue_size", 64)
	v.SetDefault("reconcile.workers", 4)
	v.SetDefault("reconcile.schedule", "")
	v.SetDefault("reconcile.timezone", "Australia/Melbourne")
	v.SetDefault("ingest.watch_dir", "")
	v.SetDefault("ingest.quiet_period", 10*time.Second)
	v.SetDefault("ingest.create_missing_accounts", true)
	v.SetDefault("events.brokers", []string{})
	v.SetDefault("events.topic", "jaskledger.batches")
	v.SetDefault("events.group_id", "jaskledger-classifier")
}

// Load reads configuration from file and env. Env var overrides use prefix JASKLEDGER_.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")
	if cfgPath := os.Getenv("JASKLEDGER_CONFIG"); cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "jaskledger"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("JASKLEDGER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var problems []string

	if c.Database.Path == "" {
		problems = append(problems, "database.path is required")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q must be console or json", c.Logging.Format))
	}
	if c.Rules.CacheSize < 0 {
		problems = append(problems, "rules.cache_size must not be negative")
	}
	if len(c.Rules.AllowedFields) > 0 {
		if _, err := rules.NewParser(c.Rules.AllowedFields...); err != nil {
			problems = append(problems, fmt.Sprintf("rules.allowed_fields: %v", err))
		}
	}
	if c.Classifier.QueueSize <= 0 {
		problems = append(problems, "classifier.queue_size must be greater than 0")
	}
	if c.Reconcile.Workers <= 0 {
		problems = append(problems, "reconcile.workers must be greater than 0")
	}
	if c.Reconcile.Schedule != "" {
		if _, err := cron.ParseStandard(c.Reconcile.Schedule); err != nil {
			problems = append(problems, fmt.Sprintf("reconcile.schedule: %v", err))
		}
	}
	if _, err := c.Reconcile.Location(); err != nil {
		problems = append(problems, fmt.Sprintf("reconcile.timezone: %v", err))
	}
	if c.Ingest.QuietPeriod <= 0 {
		problems = append(problems, "ingest.quiet_period must be greater than 0")
	}
	for i, f := range c.Ingest.Formats {
		if err := f.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("ingest.formats[%d]: %v", i, err))
		}
	}
	if len(c.Events.Brokers) > 0 && c.Events.Topic == "" {
		problems = append(problems, "events.topic is required when brokers are set")
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Save writes the scalar settings of cfg to disk, creating the config
// directory if needed. CSV formats are left to hand-editing.
func Save(cfg Config) error {
	path := Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("database.path", cfg.Database.Path)
	v.Set("database.migrations_path", cfg.Database.MigrationsPath)
	v.Set("logging.level", cfg.Logging.Level)
	v.Set("logging.format", cfg.Logging.Format)
	v.Set("rules.cache_size", cfg.Rules.CacheSize)
	v.Set("rules.allowed_fields", orEmpty(cfg.Rules.AllowedFields))
	v.Set("classifier.queue_size", cfg.Classifier.QueueSize)
	v.Set("reconcile.workers", cfg.Reconcile.Workers)
	v.Set("reconcile.schedule", cfg.Reconcile.Schedule)
	v.Set("reconcile.timezone", cfg.Reconcile.Timezone)
	v.Set("ingest.watch_dir", cfg.Ingest.WatchDir)
	v.Set("ingest.quiet_period", cfg.Ingest.QuietPeriod.String())
	v.Set("ingest.create_missing_accounts", cfg.Ingest.CreateMissingAccounts)
	v.Set("events.brokers", orEmpty(cfg.Events.Brokers))
	v.Set("events.topic", cfg.Events.Topic)
	v.Set("events.group_id", cfg.Events.GroupID)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
