package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jask/jaskledger/internal/database"
	"github.com/jask/jaskledger/internal/database/repository"
)

func newReconciler(db *sql.DB, now time.Time) *BalanceReconciler {
	return &BalanceReconciler{DB: db, Workers: 2, Log: zerolog.Nop(), Now: func() time.Time { return now }}
}

func recordManual(t *testing.T, db *sql.DB, account string, at time.Time, balance string) {
	t.Helper()
	h := &HistoryService{DB: db, Log: zerolog.Nop()}
	_, err := h.RecordBalance(context.Background(), account, at, decimal.RequireFromString(balance), repository.HistoryData{})
	require.NoError(t, err)
}

type historyRow struct {
	Datetime string
	Balance  string
	Data     string
}

func historyRows(t *testing.T, db *sql.DB, account string, derived bool) []historyRow {
	t.Helper()
	list, err := repository.NewAccountHistoryRepo(db).List(context.Background(), account)
	require.NoError(t, err)
	var out []historyRow
	for _, e := range list {
		if e.Data.IsDerived() != derived {
			continue
		}
		out = append(out, historyRow{Datetime: database.FormatTime(e.Datetime), Balance: e.Balance.String(), Data: e.RawData})
	}
	return out
}

func TestRecreateFullAccountHistoryBridgesAnchors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	seedAccount(t, db, "A")
	recordManual(t, db, "A", ts(1, 0), "1000")
	recordManual(t, db, "A", ts(3, 0), "1500")
	addTx(t, db, "t1", "A", "salary", ts(1, 12), "100", "", "")
	addTx(t, db, "t2", "A", "bonus", ts(2, 12), "300", "", "")
	r := newReconciler(db, ts(3, 0))

	summary, err := r.RecreateFullAccountHistory(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, 2, summary.Anchors)
	require.Equal(t, 2, summary.Inserted)
	require.Equal(t, 1, summary.Mismatches)

	derived := historyRows(t, db, "A", true)
	require.Len(t, derived, 2)
	require.Equal(t, "2024-01-01T12:00:00Z", derived[0].Datetime)
	require.Equal(t, "1100", derived[0].Balance)
	require.Equal(t, "2024-01-02T12:00:00Z", derived[1].Datetime)
	require.Equal(t, "1400", derived[1].Balance)
	require.JSONEq(t, `{
		"from": "recreation",
		"direction": "forward",
		"source_balance_from": {"datetime": "2024-01-01T00:00:00Z", "balance": "1000", "source": "account_history"},
		"source_balance_next": {"datetime": "2024-01-03T00:00:00Z", "balance": "1500", "source": "account_history"},
		"transaction_id": "t1"
	}`, derived[0].Data)

	manual := historyRows(t, db, "A", false)
	require.Len(t, manual, 2)
	require.Equal(t, "1000", manual[0].Balance)
	require.Equal(t, "1500", manual[1].Balance)

	again, err := r.RecreateFullAccountHistory(ctx, "A")
	require.NoError(t, err)
	require.EqualValues(t, 2, again.Deleted)
	require.Equal(t, derived, historyRows(t, db, "A", true))
	require.Equal(t, manual, historyRows(t, db, "A", false))
}

func TestRecreateFullAccountHistoryProjectsToNow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	seedAccount(t, db, "A")
	addTx(t, db, "t1", "A", "opening", ts(1, 12), "100", "", "1100")
	addTx(t, db, "t2", "A", "groceries", ts(2, 12), "", "50", "")
	addTx(t, db, "t3", "A", "future", ts(9, 12), "", "1", "")

	summary, err := newReconciler(db, ts(3, 0)).RecreateFullAccountHistory(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Anchors)

	derived := historyRows(t, db, "A", true)
	require.Len(t, derived, 1)
	require.Equal(t, "2024-01-02T12:00:00Z", derived[0].Datetime)
	require.Equal(t, "1050", derived[0].Balance)
	require.Contains(t, derived[0].Data, `"source":"transaction"`)
	require.NotContains(t, derived[0].Data, "source_balance_next")
}

func TestRecreateHistoryAroundManualPoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	seedAccount(t, db, "A")
	recordManual(t, db, "A", ts(1, 0), "1000")
	addTx(t, db, "t1", "A", "salary", ts(1, 12), "100", "", "")
	addTx(t, db, "t2", "A", "bonus", ts(2, 12), "300", "", "")
	addTx(t, db, "t3", "A", "refund", ts(4, 12), "50", "", "")
	r := newReconciler(db, ts(5, 0))

	summary, err := r.RecreateHistory(ctx, "A", ts(3, 0), decimal.NewFromInt(1500))
	require.NoError(t, err)
	require.NotZero(t, summary.ManualID)
	require.Equal(t, 3, summary.Inserted)

	derived := historyRows(t, db, "A", true)
	require.Len(t, derived, 3)
	require.Equal(t, []string{"1100", "1400", "1550"}, []string{derived[0].Balance, derived[1].Balance, derived[2].Balance})

	entry, err := repository.NewAccountHistoryRepo(db).Get(ctx, summary.ManualID)
	require.NoError(t, err)
	require.True(t, entry.Data.IsManualBalance)
	require.Equal(t, repository.OriginManual, entry.Data.From)
	require.NotNil(t, entry.Data.FinalForwardBalance)
	require.True(t, entry.Data.FinalForwardBalance.Equal(decimal.NewFromInt(1400)))

	_, err = r.RecreateHistory(ctx, "A", ts(3, 0), decimal.NewFromInt(1500))
	require.NoError(t, err)
	manual := historyRows(t, db, "A", false)
	require.Len(t, manual, 2, "repeating the same balance replaces the row")

	_, err = r.RecreateHistory(ctx, "A", ts(3, 0), decimal.NewFromInt(1600))
	require.NoError(t, err)
	manual = historyRows(t, db, "A", false)
	require.Len(t, manual, 3, "a different balance keeps the earlier checkpoint")
	require.Equal(t, []string{"1000", "1500", "1600"}, []string{manual[0].Balance, manual[1].Balance, manual[2].Balance})
	derived = historyRows(t, db, "A", true)
	require.Len(t, derived, 3)
	require.Equal(t, "1650", derived[2].Balance)
}

func TestLiabilityAccountsInvertDeltas(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	seedAccount(t, db, "CARD", AccountTypeLiability)
	recordManual(t, db, "CARD", ts(1, 0), "500")
	addTx(t, db, "c1", "CARD", "fuel", ts(1, 12), "", "100", "")

	_, err := newReconciler(db, ts(2, 0)).ProjectToNow(ctx, "CARD")
	require.NoError(t, err)
	derived := historyRows(t, db, "CARD", true)
	require.Len(t, derived, 1)
	require.Equal(t, "600", derived[0].Balance)
}

func TestReconcileWithoutAnchorsIsNoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	seedAccount(t, db, "A")
	addTx(t, db, "t1", "A", "salary", ts(1, 12), "100", "", "")

	summary, err := newReconciler(db, ts(5, 0)).RecreateFullAccountHistory(ctx, "A")
	require.NoError(t, err)
	require.Zero(t, summary.Anchors)
	require.Empty(t, historyRows(t, db, "A", true))
}

func TestReconcileUnknownAccount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	seedAccount(t, db, "A")
	recordManual(t, db, "A", ts(1, 0), "10")
	addTx(t, db, "t1", "A", "salary", ts(1, 12), "5", "", "")
	r := newReconciler(db, ts(2, 0))

	_, err := r.RecreateFullAccountHistory(ctx, "missing")
	var notFound *repository.AccountNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "missing", notFound.AccountID)

	_, err = r.RecreateHistory(ctx, "missing", ts(1, 0), decimal.Zero)
	require.ErrorAs(t, err, &notFound)

	summaries, err := r.RecalculateAccounts(ctx, []string{"A", "missing"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing")
	require.Len(t, summaries, 1)
	require.Equal(t, "A", summaries[0].AccountID)
	require.Len(t, historyRows(t, db, "A", true), 1)
}
