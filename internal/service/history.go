package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jask/jaskledger/internal/database/repository"
	"github.com/jask/jaskledger/internal/timeseries"
)

// HistoryService records balance observations and reads balance series.
type HistoryService struct {
	DB  *sql.DB
	Log zerolog.Logger
}

// RecordBalance stores one balance observation and returns its id. Rows
// without an origin are recorded as manual. An unknown account yields
// *repository.AccountNotFoundError.
func (s *HistoryService) RecordBalance(ctx context.Context, accountID string, at time.Time, balance decimal.Decimal, data repository.HistoryData) (int64, error) {
	if data.From == "" {
		data.From = repository.OriginManual
	}
	id, err := repository.NewAccountHistoryRepo(s.DB).Insert(ctx, accountID, at, balance, data)
	if err != nil {
		return 0, err
	}
	s.Log.Info().Int64("history_id", id).Str("account_id", accountID).Str("balance", balance.String()).Msg("balance recorded")
	return id, nil
}

// HistoryFilter selects a balance history query. An empty AccountID means
// every account; otherwise the account and its direct children.
type HistoryFilter struct {
	AccountID   string
	From        *time.Time
	To          *time.Time
	Interpolate bool
}

// GetAccountHistory returns one ordered series per account. When an account
// with children is requested only the children are returned. Series are
// resampled onto a shared grid when asked to, or when more than one account
// is returned.
func (s *HistoryService) GetAccountHistory(ctx context.Context, f HistoryFilter) ([]timeseries.Series, error) {
	accounts := repository.NewAccountRepo(s.DB)
	var list []repository.Account
	var err error
	if f.AccountID == "" {
		list, err = accounts.List(ctx)
	} else {
		list, err = accounts.Family(ctx, f.AccountID)
		if err == nil && len(list) == 0 {
			return nil, &repository.AccountNotFoundError{AccountID: f.AccountID}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}

	ids := make([]string, 0, len(list))
	for _, a := range list {
		if f.AccountID != "" && a.ID == f.AccountID && len(list) > 1 {
			continue
		}
		ids = append(ids, a.ID)
	}

	points, err := repository.NewAccountHistoryRepo(s.DB).Series(ctx, ids, f.From, f.To)
	if err != nil {
		return nil, fmt.Errorf("load balance series: %w", err)
	}
	var out []timeseries.Series
	for _, p := range points {
		if len(out) == 0 || out[len(out)-1].AccountID != p.AccountID {
			out = append(out, timeseries.Series{AccountID: p.AccountID})
		}
		cur := &out[len(out)-1]
		cur.Points = append(cur.Points, timeseries.Point{Time: p.Datetime, Value: p.Balance})
	}
	if f.Interpolate || len(out) > 1 {
		out = timeseries.Normalize(out)
	}
	return out, nil
}
