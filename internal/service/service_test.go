package service

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jask/jaskledger/internal/database"
	"github.com/jask/jaskledger/internal/database/repository"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, database.RunMigrations(dbPath, ""))
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// ts is 2024-01-d at hour h, UTC.
func ts(d, h int) time.Time {
	return time.Date(2024, 1, d, h, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.NullDecimal {
	if s == "" {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: decimal.RequireFromString(s), Valid: true}
}

func seedAccount(t *testing.T, db *sql.DB, id string, typ ...string) {
	t.Helper()
	a := repository.Account{ID: id, Name: id}
	if len(typ) > 0 {
		a.Type = &typ[0]
	}
	require.NoError(t, repository.NewAccountRepo(db).Upsert(context.Background(), a))
}

func addTx(t *testing.T, db *sql.DB, id, account, description string, at time.Time, credit, debit, balance string) {
	t.Helper()
	ok, err := repository.NewTransactionRepo(db).InsertIfAbsent(context.Background(), repository.Transaction{
		ID:          id,
		Datetime:    at,
		AccountID:   account,
		Description: description,
		Credit:      dec(credit),
		Debit:       dec(debit),
		Balance:     dec(balance),
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func startQueue(t *testing.T) *ReclassifyQueue {
	t.Helper()
	q := NewReclassifyQueue(8, zerolog.Nop())
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Stop(context.Background()) })
	return q
}

func getTx(t *testing.T, db *sql.DB, id string) *repository.Transaction {
	t.Helper()
	tx, err := repository.NewTransactionRepo(db).Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, tx, id)
	return tx
}
