package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[database]
path = "/tmp/ledger.db"

[reconcile]
workers = 2
schedule = "0 3 * * *"
timezone = "UTC"

[ingest]
quiet_period = "3s"

[[ingest.formats]]
name = "bank"
file_pattern = "bank-*.csv"
account = "ACC-1"
date_column = "Date"
date_layout = "02/01/2006"
description_column = "Details"
amount_column = "Amount"
unique_columns = ["datetime", "description", "amount"]
`), 0o600))
	t.Setenv("JASKLEDGER_CONFIG", path)
	t.Setenv("JASKLEDGER_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/tmp/ledger.db", cfg.Database.Path)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "console", cfg.Logging.Format)
	require.Equal(t, 2, cfg.Reconcile.Workers)
	require.Equal(t, 3*time.Second, cfg.Ingest.QuietPeriod)
	require.Equal(t, 64, cfg.Classifier.QueueSize)
	require.Len(t, cfg.Ingest.Formats, 1)
	require.Equal(t, "Details", cfg.Ingest.Formats[0].DescriptionColumn)
	require.Equal(t, []string{"datetime", "description", "amount"}, cfg.Ingest.Formats[0].UniqueColumns)
	require.Empty(t, cfg.Events.Brokers)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("JASKLEDGER_CONFIG", "")
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	require.NotEmpty(t, cfg.Database.Path)
	require.Equal(t, 4, cfg.Reconcile.Workers)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Logging:   LoggingConfig{Format: "xml"},
		Rules:     RulesConfig{AllowedFields: []string{"nope"}},
		Reconcile: ReconcileConfig{Schedule: "every day", Timezone: "Mars/Base"},
		Events:    EventsConfig{Brokers: []string{"localhost:9092"}},
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"database.path", "logging.format", "rules.allowed_fields", "classifier.queue_size",
		"reconcile.workers", "reconcile.schedule", "reconcile.timezone", "ingest.quiet_period", "events.topic",
	} {
		require.Contains(t, err.Error(), want)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	t.Setenv("JASKLEDGER_CONFIG", path)

	cfg := Config{
		Database:   DatabaseConfig{Path: "/data/ledger.db"},
		Logging:    LoggingConfig{Level: "warn", Format: "json"},
		Classifier: ClassifierConfig{QueueSize: 8},
		Reconcile:  ReconcileConfig{Workers: 3, Timezone: "UTC"},
		Ingest:     IngestConfig{QuietPeriod: 5 * time.Second},
		Events:     EventsConfig{Topic: "batches"},
	}
	require.NoError(t, Save(cfg))

	got, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/data/ledger.db", got.Database.Path)
	require.Equal(t, "json", got.Logging.Format)
	require.Equal(t, 3, got.Reconcile.Workers)
	require.Equal(t, 5*time.Second, got.Ingest.QuietPeriod)
}
