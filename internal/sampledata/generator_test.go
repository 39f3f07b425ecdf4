package sampledata

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jask/jaskledger/internal/database"
	"github.com/jask/jaskledger/internal/database/repository"
	"github.com/jask/jaskledger/internal/service"
)

func TestSeedIsRepeatable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, database.RunMigrations(dbPath, ""))
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc := Services{
		Ingest:   &service.IngestService{DB: db, Log: zerolog.Nop()},
		History:  &service.HistoryService{DB: db, Log: zerolog.Nop()},
		Rules:    repository.NewRuleRepo(db),
		Accounts: repository.NewAccountRepo(db),
	}
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	first, err := Seed(ctx, svc, 7, now)
	require.NoError(t, err)
	require.Equal(t, 20, first.Ingest.Inserted)
	require.Len(t, first.Rules, len(starterRules))

	second, err := Seed(ctx, svc, 7, now)
	require.NoError(t, err)
	require.Zero(t, second.Ingest.Inserted)
	require.Equal(t, 20, second.Ingest.Skipped)
	require.Empty(t, second.Rules)

	anchors, err := repository.NewAccountHistoryRepo(db).Anchors(ctx, CheckingID)
	require.NoError(t, err)
	require.Len(t, anchors, 1)

	family, err := repository.NewAccountRepo(db).Family(ctx, BankID)
	require.NoError(t, err)
	require.Len(t, family, 2)
}
