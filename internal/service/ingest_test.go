package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jask/jaskledger/internal/database/repository"
	"github.com/jask/jaskledger/internal/fingerprint"
)

var bankSource = Source{
	Name:                  "bank",
	File:                  "statement.csv",
	AccountID:             "ACC",
	UniqueColumns:         []string{"account", "datetime", "description", "credit", "debit"},
	MustExistBeforeSaving: []string{"description", MustExistDebitOrCredit},
}

func bankRecords() []Record {
	revised := "Coffee"
	return []Record{
		{Datetime: ts(1, 9), Description: "CAFE 123", Debit: dec("5"), Raw: map[string]string{"memo": "card"}, RevisedDescription: &revised, Tags: []string{"food"}},
		{Datetime: ts(2, 9), Description: "SALARY", Credit: dec("2000"), Balance: dec("2500")},
		{Datetime: ts(3, 9), Description: "RENT", Debit: dec("900")},
	}
}

func newIngest(db *sql.DB, create bool) *IngestService {
	return &IngestService{DB: db, CreateMissingAccounts: create, Log: zerolog.Nop()}
}

func TestIngestIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	svc := newIngest(db, true)

	first, err := svc.Ingest(ctx, bankSource, bankRecords())
	require.NoError(t, err)
	require.True(t, first.IsSuccess())
	require.Equal(t, 3, first.Lines)
	require.Equal(t, 3, first.Inserted)
	require.Len(t, first.InsertedIDs, 3)
	require.Equal(t, []string{"ACC"}, first.Accounts)
	require.Equal(t, ts(1, 9), first.Dates.Inserted.Min)
	require.Equal(t, ts(3, 9), first.Dates.Inserted.Max)

	second, err := svc.Ingest(ctx, bankSource, bankRecords())
	require.NoError(t, err)
	require.Zero(t, second.Inserted)
	require.Equal(t, first.Inserted, second.Skipped)
	require.Empty(t, second.Accounts)
	require.Equal(t, first.Dates.Inserted, second.Dates.Skipped)

	list, err := repository.NewTransactionRepo(db).ListByAccount(ctx, "ACC")
	require.NoError(t, err)
	require.Len(t, list, 3)
}

func TestIngestStoresFingerprintAndOverlay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	recs := bankRecords()

	res, err := newIngest(db, true).Ingest(ctx, bankSource, recs)
	require.NoError(t, err)

	want := fingerprint.Fingerprint(recs[0].Raw, recs[0].processed("ACC"), bankSource.UniqueColumns)
	require.Equal(t, want, res.InsertedIDs[0])

	tx := getTx(t, db, want)
	require.Equal(t, "CAFE 123", tx.Description)
	require.Equal(t, "card", tx.Raw["memo"])
	require.True(t, tx.Debit.Valid)
	require.False(t, tx.Credit.Valid)

	e, err := repository.NewEnrichmentRepo(db).Get(ctx, want)
	require.NoError(t, err)
	require.NotNil(t, e)
	require.Equal(t, "Coffee", *e.Description)
	require.Equal(t, []string{"food"}, e.Tags.Values)
	require.Nil(t, e.Party)

	e, err = repository.NewEnrichmentRepo(db).Get(ctx, res.InsertedIDs[1])
	require.NoError(t, err)
	require.Nil(t, e)
}

func TestIngestCountsInvalidRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	seedAccount(t, db, "ACC")

	recs := []Record{
		{Description: "no date", Debit: dec("1")},
		{Datetime: ts(1, 8), Description: "no amount"},
		{Datetime: ts(1, 9), Description: "both", Credit: dec("1"), Debit: dec("1")},
		{Datetime: ts(1, 10), Account: "OTHER", Description: "unknown account", Debit: dec("3")},
		{Datetime: ts(1, 11), Description: "ok", Debit: dec("4")},
	}
	res, err := newIngest(db, false).Ingest(ctx, bankSource, recs)
	require.NoError(t, err)
	require.False(t, res.IsSuccess())
	require.Equal(t, 5, res.Lines)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 3, res.Invalid)
	require.Equal(t, 1, res.Inserted)
	require.Len(t, res.Problems, 3)
	require.Contains(t, res.Problems[0], "debit or credit must be set")
	require.Contains(t, res.Problems[1], "both credit and debit")
	require.Contains(t, res.Problems[2], "OTHER")
	require.Equal(t, ts(1, 8), res.Dates.InFile.Min)
}

func TestIngestCreatesMissingAccounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	recs := []Record{
		{Datetime: ts(1, 9), Account: "SAVINGS", Description: "interest", Credit: dec("1")},
		{Datetime: ts(1, 9), Description: "interest", Credit: dec("1")},
	}

	res, err := newIngest(db, true).Ingest(ctx, bankSource, recs)
	require.NoError(t, err)
	require.Equal(t, 2, res.Inserted)
	require.ElementsMatch(t, []string{"SAVINGS", "ACC"}, res.Accounts)
	require.NotEqual(t, res.InsertedIDs[0], res.InsertedIDs[1])

	acct, err := repository.NewAccountRepo(db).Get(ctx, "SAVINGS")
	require.NoError(t, err)
	require.NotNil(t, acct)
}

func TestIngestRejectsDuplicatedFingerprint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	seedAccount(t, db, "ACC")
	rec := Record{Datetime: ts(1, 9), Description: "dup", Debit: dec("1")}
	id := fingerprint.Fingerprint(nil, rec.processed("ACC"), bankSource.UniqueColumns)

	// Ids are primary keys, so a broken store is simulated by dropping the
	// constraint on a copy of the table.
	_, err := db.ExecContext(ctx, `
	CREATE TABLE transactions_loose AS SELECT * FROM transactions;
	DROP VIEW transaction_view;
	DROP TABLE transaction_enriched;
	DROP TABLE transactions;
	ALTER TABLE transactions_loose RENAME TO transactions;
	`)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := db.ExecContext(ctx, `INSERT INTO transactions(id, datetime, account_id, description, tags, party, raw) VALUES(?, '2024-01-01T09:00:00Z', 'ACC', 'dup', '{}', '{}', '{}')`, id)
		require.NoError(t, err)
	}

	_, err = newIngest(db, false).Ingest(ctx, bankSource, []Record{rec})
	var multi *repository.MultipleMatchingRowsError
	require.ErrorAs(t, err, &multi)
	require.Equal(t, 2, multi.Count)
}

func TestMigrateFingerprints(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	svc := newIngest(db, true)

	res, err := svc.Ingest(ctx, bankSource, bankRecords())
	require.NoError(t, err)
	seedAccount(t, db, "ACC")
	addTx(t, db, "manual-id", "ACC", "hand entered", ts(4, 9), "1", "", "")

	newKeys := []string{"account", "datetime", "description"}
	out, err := svc.MigrateFingerprints(ctx, "ACC", bankSource.UniqueColumns, newKeys)
	require.NoError(t, err)
	require.Equal(t, 4, out.Scanned)
	require.Equal(t, 3, out.Renamed)
	require.Equal(t, 1, out.Foreign)
	require.Zero(t, out.Collisions)

	txs := repository.NewTransactionRepo(db)
	n, err := txs.CountByID(ctx, res.InsertedIDs[0])
	require.NoError(t, err)
	require.Zero(t, n)

	recs := bankRecords()
	newID := fingerprint.Fingerprint(recs[0].Raw, recs[0].processed("ACC"), newKeys)
	require.Equal(t, "CAFE 123", getTx(t, db, newID).Description)
	e, err := repository.NewEnrichmentRepo(db).Get(ctx, newID)
	require.NoError(t, err)
	require.NotNil(t, e)
	require.Equal(t, "Coffee", *e.Description)

	again, err := svc.MigrateFingerprints(ctx, "ACC", newKeys, newKeys)
	require.NoError(t, err)
	require.Equal(t, 3, again.Unchanged)
	require.Zero(t, again.Renamed)
}
