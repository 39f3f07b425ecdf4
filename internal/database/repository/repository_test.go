package repository

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jask/jaskledger/internal/database"
	"github.com/jask/jaskledger/internal/rules"
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

func day(d, h int) time.Time {
	return time.Date(2024, 1, d, h, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.RequireFromString(s), Valid: true}
}

func seedAccount(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	require.NoError(t, NewAccountRepo(db).Upsert(context.Background(), Account{ID: id, Name: id}))
}

func TestInsertIfAbsent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	seedAccount(t, db, "ACC")
	repo := NewTransactionRepo(db)

	tx := Transaction{ID: "abc", Datetime: day(1, 12), AccountID: "ACC", Description: "coffee", Debit: dec("4.5")}
	ok, err := repo.InsertIfAbsent(ctx, tx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.InsertIfAbsent(ctx, tx)
	require.NoError(t, err)
	require.False(t, ok)

	n, err := repo.CountByID(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := repo.Get(ctx, "abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, day(1, 12), got.Datetime)
	require.True(t, got.Debit.Decimal.Equal(decimal.RequireFromString("4.5")))
	require.False(t, got.Credit.Valid)
	require.True(t, got.Tags.IsZero())

	_, err = repo.InsertIfAbsent(ctx, Transaction{ID: "x", Datetime: day(1, 1), AccountID: "NOPE"})
	var nf *AccountNotFoundError
	require.True(t, errors.As(err, &nf))
	require.Equal(t, "NOPE", nf.AccountID)
}

func TestCreditAndDebitAreExclusive(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	seedAccount(t, db, "ACC")
	_, err := NewTransactionRepo(db).InsertIfAbsent(context.Background(), Transaction{
		ID: "both", Datetime: day(1, 1), AccountID: "ACC", Credit: dec("1"), Debit: dec("1"),
	})
	require.Error(t, err)
}

func TestAnnotationsRoundTripThroughStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	seedAccount(t, db, "ACC")
	repo := NewTransactionRepo(db)
	for _, id := range []string{"a", "b"} {
		_, err := repo.InsertIfAbsent(ctx, Transaction{ID: id, Datetime: day(1, 1), AccountID: "ACC", Description: "shop " + id, Debit: dec("10")})
		require.NoError(t, err)
	}

	tags := AutoTags{}.Merge([]string{"food"}, 1).Merge([]string{"food", "cafe"}, 2)
	require.NoError(t, repo.UpdateAnnotations(ctx, []AnnotationUpdate{
		{ID: "a", Tags: tags, Party: AutoParty{Party: []string{"Cafe"}, Rule: 2}},
	}))

	var raw string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT tags FROM transactions WHERE id = 'a'`).Scan(&raw))
	require.JSONEq(t, `{"tags":["food","cafe"],"rule":[1,2]}`, raw)

	ids, err := repo.IDsByRule(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids)
	ids, err = repo.IDsByRule(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids)

	n, err := repo.ClearAnnotations(ctx, []string{})
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = repo.ClearAnnotations(ctx, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, got.Tags.IsZero())
	require.True(t, got.Party.IsZero())
}

func TestMatchPredicateHonorsScopeAndOptOut(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	seedAccount(t, db, "ACC")
	repo := NewTransactionRepo(db)
	for _, id := range []string{"a", "b", "c"} {
		_, err := repo.InsertIfAbsent(ctx, Transaction{ID: id, Datetime: day(1, 1), AccountID: "ACC", Description: "AMAZON " + id, Debit: dec("10")})
		require.NoError(t, err)
	}
	require.NoError(t, NewEnrichmentRepo(db).SetAutoCategorize(ctx, "c", false))

	pred, err := rules.Parse("description = 'amazon'")
	require.NoError(t, err)

	all, err := repo.MatchPredicate(ctx, pred, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)

	scoped, err := repo.MatchPredicate(ctx, pred, []string{"b", "c"})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	require.Equal(t, "b", scoped[0].ID)

	none, err := repo.MatchPredicate(ctx, pred, []string{})
	require.NoError(t, err)
	require.Empty(t, none)

	ids, err := repo.MatchingIDs(ctx, pred)
	require.NoError(t, err)
	require.Len(t, ids, 3)
}

func TestEnrichmentOverlaysView(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	seedAccount(t, db, "ACC")
	_, err := NewTransactionRepo(db).InsertIfAbsent(ctx, Transaction{ID: "a", Datetime: day(1, 1), AccountID: "ACC", Description: "POS 123", Credit: dec("5")})
	require.NoError(t, err)

	enr := NewEnrichmentRepo(db)
	desc := "Corner shop"
	require.NoError(t, enr.Upsert(ctx, Enrichment{ID: "a", Description: &desc, Tags: &ManualAnnotation{Values: []string{"manual"}}, AutoCategorize: true}))
	require.NoError(t, enr.Upsert(ctx, Enrichment{ID: "a", Party: &ManualAnnotation{Values: []string{"Shop"}}, AutoCategorize: true}))

	got, err := enr.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "Corner shop", *got.Description)
	require.Equal(t, []string{"manual"}, got.Tags.Values)
	require.Equal(t, []string{"Shop"}, got.Party.Values)

	views, err := NewTransactionRepo(db).View(ctx, nil)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, "Corner shop", views[0].Description.String)
	require.Equal(t, "POS 123", views[0].OrigDescription.String)
	require.Equal(t, `["manual"]`, views[0].Tags.String)
	require.True(t, views[0].Amount.Equal(decimal.NewFromInt(5)))

	missing, err := enr.Get(ctx, "zzz")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestRenameMovesEnrichment(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	seedAccount(t, db, "ACC")
	_, err := NewTransactionRepo(db).InsertIfAbsent(ctx, Transaction{ID: "old", Datetime: day(1, 1), AccountID: "ACC", Credit: dec("5")})
	require.NoError(t, err)
	require.NoError(t, NewEnrichmentRepo(db).SetAutoCategorize(ctx, "old", false))

	require.NoError(t, database.WithTx(ctx, db, func(tx *sql.Tx) error {
		return NewTransactionRepo(tx).Rename(ctx, "old", "new")
	}))

	got, err := NewTransactionRepo(db).Get(ctx, "new")
	require.NoError(t, err)
	require.NotNil(t, got)
	e, err := NewEnrichmentRepo(db).Get(ctx, "new")
	require.NoError(t, err)
	require.NotNil(t, e)
	require.False(t, e.AutoCategorize)
}

func TestRuleCRUD(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewRuleRepo(openTestDB(t))

	id, err := repo.Create(ctx, Rule{Rule: "amount > 1", Tags: []string{"big"}})
	require.NoError(t, err)
	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []string{"big"}, got.Tags)
	require.Empty(t, got.Party)

	got.Party = []string{"Someone"}
	got.Group = "misc"
	require.NoError(t, repo.Update(ctx, *got))
	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, []string{"Someone"}, list[0].Party)
	require.Equal(t, "misc", list[0].Group)

	require.NoError(t, repo.Delete(ctx, id))
	_, err = repo.Get(ctx, id)
	require.ErrorIs(t, err, ErrRuleNotFound)
	require.ErrorIs(t, repo.Delete(ctx, id), ErrRuleNotFound)
}

func TestAnchorsPreferManualOnTies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	seedAccount(t, db, "ACC")
	hist := NewAccountHistoryRepo(db)
	txs := NewTransactionRepo(db)

	_, err := txs.InsertIfAbsent(ctx, Transaction{ID: "t1", Datetime: day(2, 0), AccountID: "ACC", Credit: dec("5"), Balance: dec("900")})
	require.NoError(t, err)
	_, err = hist.Insert(ctx, "ACC", day(2, 0), decimal.NewFromInt(1000), HistoryData{From: OriginManual})
	require.NoError(t, err)
	_, err = hist.Insert(ctx, "ACC", day(3, 0), decimal.NewFromInt(7), HistoryData{From: OriginRecreation})
	require.NoError(t, err)

	anchors, err := hist.Anchors(ctx, "ACC")
	require.NoError(t, err)
	require.Len(t, anchors, 2)
	require.Equal(t, SourceTransaction, anchors[0].Source)
	require.Equal(t, SourceAccountHistory, anchors[1].Source)

	prev, err := hist.NearestBefore(ctx, "ACC", day(5, 0))
	require.NoError(t, err)
	require.Equal(t, SourceAccountHistory, prev.Source)
	require.True(t, prev.Balance.Equal(decimal.NewFromInt(1000)))

	next, err := hist.NearestAfter(ctx, "ACC", day(2, 0))
	require.NoError(t, err)
	require.Nil(t, next)

	n, err := hist.DeleteDerived(ctx, "ACC", day(1, 0), day(9, 0))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = hist.Insert(ctx, "GONE", day(1, 0), decimal.Zero, HistoryData{})
	var nf *AccountNotFoundError
	require.True(t, errors.As(err, &nf))
}

func TestSeriesPrefersHistoryRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	seedAccount(t, db, "ACC")
	hist := NewAccountHistoryRepo(db)
	_, err := NewTransactionRepo(db).InsertIfAbsent(ctx, Transaction{ID: "t1", Datetime: day(2, 0), AccountID: "ACC", Credit: dec("5"), Balance: dec("900")})
	require.NoError(t, err)
	_, err = hist.Insert(ctx, "ACC", day(2, 0), decimal.NewFromInt(950), HistoryData{From: OriginManual})
	require.NoError(t, err)
	_, err = hist.Insert(ctx, "ACC", day(4, 0), decimal.NewFromInt(970), HistoryData{From: OriginRecreation})
	require.NoError(t, err)

	points, err := hist.Series(ctx, []string{"ACC"}, nil, nil)
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.True(t, points[0].Balance.Equal(decimal.NewFromInt(950)))

	from := day(3, 0)
	points, err = hist.Series(ctx, []string{"ACC"}, &from, nil)
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.Equal(t, day(4, 0), points[0].Datetime)
}
