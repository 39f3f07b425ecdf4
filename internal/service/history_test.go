package service

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jask/jaskledger/internal/database/repository"
	"github.com/jask/jaskledger/internal/timeseries"
)

func values(points []timeseries.Point) []string {
	out := make([]string, len(points))
	for i, p := range points {
		out[i] = p.Value.String()
	}
	return out
}

func TestRecordBalanceUnknownAccount(t *testing.T) {
	t.Parallel()

	h := &HistoryService{DB: openTestDB(t), Log: zerolog.Nop()}
	_, err := h.RecordBalance(context.Background(), "nope", ts(1, 0), decimal.NewFromInt(1), repository.HistoryData{})
	var notFound *repository.AccountNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "nope", notFound.AccountID)
}

func TestGetAccountHistorySingleAccount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	h := &HistoryService{DB: db, Log: zerolog.Nop()}
	seedAccount(t, db, "A")
	recordManual(t, db, "A", ts(1, 0), "100")
	recordManual(t, db, "A", ts(3, 0), "300")
	addTx(t, db, "t1", "A", "salary", ts(2, 0), "50", "", "150")

	series, err := h.GetAccountHistory(ctx, HistoryFilter{AccountID: "A"})
	require.NoError(t, err)
	require.Len(t, series, 1)
	require.Equal(t, "A", series[0].AccountID)
	require.Equal(t, []string{"100", "150", "300"}, values(series[0].Points))

	from, to := ts(2, 0), ts(3, 0)
	series, err = h.GetAccountHistory(ctx, HistoryFilter{AccountID: "A", From: &from, To: &to})
	require.NoError(t, err)
	require.Equal(t, []string{"150", "300"}, values(series[0].Points))

	_, err = h.GetAccountHistory(ctx, HistoryFilter{AccountID: "missing"})
	var notFound *repository.AccountNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestGetAccountHistoryRollsUpChildren(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	h := &HistoryService{DB: db, Log: zerolog.Nop()}
	accounts := repository.NewAccountRepo(db)
	parent := "BANK"
	require.NoError(t, accounts.Upsert(ctx, repository.Account{ID: "BANK", Name: "Bank"}))
	require.NoError(t, accounts.Upsert(ctx, repository.Account{ID: "C1", Name: "Checking", ParentID: &parent}))
	require.NoError(t, accounts.Upsert(ctx, repository.Account{ID: "C2", Name: "Savings", ParentID: &parent}))

	recordManual(t, db, "BANK", ts(1, 0), "1")
	recordManual(t, db, "C1", ts(1, 0), "100")
	recordManual(t, db, "C1", ts(1, 2), "200")
	addTx(t, db, "s1", "C2", "interest", ts(1, 1), "1", "", "70")
	recordManual(t, db, "C2", ts(1, 1), "50")

	series, err := h.GetAccountHistory(ctx, HistoryFilter{AccountID: "BANK"})
	require.NoError(t, err)
	require.Len(t, series, 2)
	require.Equal(t, "C1", series[0].AccountID)
	require.Equal(t, "C2", series[1].AccountID)
	require.Len(t, series[0].Points, 3)
	require.Equal(t, series[0].Points[0].Time, series[1].Points[0].Time)
	require.Equal(t, []string{"100", "150", "200"}, values(series[0].Points))
	require.Equal(t, []string{"50", "50", "50"}, values(series[1].Points))

	all, err := h.GetAccountHistory(ctx, HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
}
