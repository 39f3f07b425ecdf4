package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/jask/jaskledger/internal/database"
	"github.com/jask/jaskledger/internal/database/repository"
)

// AccountTypeLiability marks accounts whose balance grows with debits.
const AccountTypeLiability = "liability"

// BalanceReconciler fills the gaps between balance anchors with derived
// balances, one per transaction. Only rows with data.from = "recreation" are
// ever deleted or rewritten.
type BalanceReconciler struct {
	DB      *sql.DB
	Workers int
	Log     zerolog.Logger
	Now     func() time.Time

	locks sync.Map
}

// ReconcileSummary reports one account run.
type ReconcileSummary struct {
	AccountID  string
	Anchors    int
	Segments   int
	Deleted    int64
	Inserted   int
	Mismatches int
	// ManualID is the id of the manual row written by RecreateHistory.
	ManualID int64
}

func (r *BalanceReconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC().Truncate(time.Second)
	}
	return database.Now()
}

// lock serializes writers of one account.
func (r *BalanceReconciler) lock(accountID string) func() {
	m, _ := r.locks.LoadOrStore(accountID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// RecreateHistory records a manual balance at `at` and rebuilds the derived
// rows on both sides of it: from the previous anchor up to `at`, and from `at`
// up to the next anchor, or up to now when there is none.
func (r *BalanceReconciler) RecreateHistory(ctx context.Context, accountID string, at time.Time, balance decimal.Decimal) (ReconcileSummary, error) {
	at = at.UTC().Truncate(time.Second)
	summary := ReconcileSummary{AccountID: accountID}
	defer r.lock(accountID)()

	err := database.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		w, err := r.newWalker(ctx, tx, accountID, &summary)
		if err != nil {
			return err
		}
		if _, err := w.hist.DeleteManualDuplicate(ctx, accountID, at, balance); err != nil {
			return fmt.Errorf("replace repeated manual balance: %w", err)
		}
		prev, err := w.hist.NearestBefore(ctx, accountID, at)
		if err != nil {
			return err
		}
		next, err := w.hist.NearestAfter(ctx, accountID, at)
		if err != nil {
			return err
		}

		from, to := at, at
		if prev != nil {
			from = prev.Datetime
		}
		if next != nil {
			to = next.Datetime
		}
		now := r.now()
		if next == nil && now.After(at) {
			to = now
		}
		if err := w.deleteDerived(from, to); err != nil {
			return err
		}

		manual := repository.Anchor{Datetime: at, Balance: balance, Source: repository.SourceAccountHistory}
		var final *decimal.Decimal
		if prev != nil {
			bal, err := w.walk(*prev, &manual, at, true)
			if err != nil {
				return err
			}
			final = &bal
		}
		switch {
		case next != nil:
			if _, err := w.walk(manual, next, next.Datetime, false); err != nil {
				return err
			}
		case now.After(at):
			if _, err := w.walk(manual, nil, now, true); err != nil {
				return err
			}
		}

		summary.ManualID, err = w.hist.Insert(ctx, accountID, at, balance, repository.HistoryData{
			From:                repository.OriginManual,
			IsManualBalance:     true,
			FinalForwardBalance: final,
		})
		return err
	})
	if err != nil {
		return summary, fmt.Errorf("recreate history of %s: %w", accountID, err)
	}
	r.logSummary(summary, "balance history recreated")
	return summary, nil
}

// RecreateFullAccountHistory recomputes every derived row of the account from
// its anchors, then projects the last anchor forward to now. Running it twice
// yields identical rows.
func (r *BalanceReconciler) RecreateFullAccountHistory(ctx context.Context, accountID string) (ReconcileSummary, error) {
	summary := ReconcileSummary{AccountID: accountID}
	defer r.lock(accountID)()

	err := database.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		w, err := r.newWalker(ctx, tx, accountID, &summary)
		if err != nil {
			return err
		}
		anchors, err := w.hist.Anchors(ctx, accountID)
		if err != nil {
			return err
		}
		summary.Anchors = len(anchors)
		if len(anchors) == 0 {
			return nil
		}
		first, last := anchors[0], anchors[len(anchors)-1]
		if err := w.deleteDerived(first.Datetime, last.Datetime); err != nil {
			return err
		}
		for i := 0; i+1 < len(anchors); i++ {
			if _, err := w.walk(anchors[i], &anchors[i+1], anchors[i+1].Datetime, false); err != nil {
				return err
			}
		}
		return w.project(last, r.now())
	})
	if err != nil {
		return summary, fmt.Errorf("recreate full history of %s: %w", accountID, err)
	}
	r.logSummary(summary, "full balance history recreated")
	return summary, nil
}

// ProjectToNow extends the derived rows from the latest anchor up to now.
func (r *BalanceReconciler) ProjectToNow(ctx context.Context, accountID string) (ReconcileSummary, error) {
	summary := ReconcileSummary{AccountID: accountID}
	defer r.lock(accountID)()

	err := database.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		w, err := r.newWalker(ctx, tx, accountID, &summary)
		if err != nil {
			return err
		}
		anchors, err := w.hist.Anchors(ctx, accountID)
		if err != nil {
			return err
		}
		summary.Anchors = len(anchors)
		if len(anchors) == 0 {
			return nil
		}
		return w.project(anchors[len(anchors)-1], r.now())
	})
	if err != nil {
		return summary, fmt.Errorf("project %s to now: %w", accountID, err)
	}
	r.logSummary(summary, "balance projected to now")
	return summary, nil
}

// RecalculateAccounts runs RecreateFullAccountHistory for each account on a
// worker pool. One account failing does not stop the others; all failures
// are returned combined.
func (r *BalanceReconciler) RecalculateAccounts(ctx context.Context, accountIDs []string) ([]ReconcileSummary, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}
	size := r.Workers
	if size <= 0 {
		size = 1
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("reconcile pool: %w", err)
	}
	defer pool.Release()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		summaries = make([]ReconcileSummary, 0, len(accountIDs))
		errs      error
	)
	for _, id := range accountIDs {
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			s, err := r.RecreateFullAccountHistory(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.Log.Error().Err(err).Str("account_id", id).Msg("account reconciliation failed")
				errs = multierr.Append(errs, err)
				return
			}
			summaries = append(summaries, s)
		}); err != nil {
			wg.Done()
			mu.Lock()
			errs = multierr.Append(errs, fmt.Errorf("submit %s: %w", id, err))
			mu.Unlock()
		}
	}
	wg.Wait()
	return summaries, errs
}

func (r *BalanceReconciler) logSummary(s ReconcileSummary, msg string) {
	r.Log.Info().
		Str("account_id", s.AccountID).
		Int("anchors", s.Anchors).
		Int("segments", s.Segments).
		Int64("deleted", s.Deleted).
		Int("inserted", s.Inserted).
		Int("mismatches", s.Mismatches).
		Msg(msg)
}

// walker writes derived rows for one account inside one store transaction.
type walker struct {
	ctx       context.Context
	accountID string
	liability bool
	hist      *repository.AccountHistoryRepo
	txs       *repository.TransactionRepo
	summary   *ReconcileSummary
	log       zerolog.Logger
}

func (r *BalanceReconciler) newWalker(ctx context.Context, tx *sql.Tx, accountID string, summary *ReconcileSummary) (*walker, error) {
	acct, err := repository.NewAccountRepo(tx).Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, &repository.AccountNotFoundError{AccountID: accountID}
	}
	return &walker{
		ctx:       ctx,
		accountID: accountID,
		liability: acct.Type != nil && *acct.Type == AccountTypeLiability,
		hist:      repository.NewAccountHistoryRepo(tx),
		txs:       repository.NewTransactionRepo(tx),
		summary:   summary,
		log:       r.Log.With().Str("account_id", accountID).Logger(),
	}, nil
}

func (w *walker) deleteDerived(from, to time.Time) error {
	n, err := w.hist.DeleteDerived(w.ctx, w.accountID, from, to)
	if err != nil {
		return fmt.Errorf("delete derived rows: %w", err)
	}
	w.summary.Deleted += n
	return nil
}

// project deletes derived rows after last and walks forward to now.
func (w *walker) project(last repository.Anchor, now time.Time) error {
	if !now.After(last.Datetime) {
		return nil
	}
	if err := w.deleteDerived(last.Datetime, now); err != nil {
		return err
	}
	_, err := w.walk(last, nil, now, true)
	return err
}

// walk accumulates the transactions after start up to until and stores one
// derived row per transaction. It returns the final running balance.
func (w *walker) walk(start repository.Anchor, end *repository.Anchor, until time.Time, inclusive bool) (decimal.Decimal, error) {
	list, err := w.txs.Between(w.ctx, w.accountID, start.Datetime, until, inclusive)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load segment transactions: %w", err)
	}
	w.summary.Segments++

	data := repository.HistoryData{
		From:              repository.OriginRecreation,
		Direction:         "forward",
		SourceBalanceFrom: start.Point(),
	}
	if end != nil {
		data.SourceBalanceNext = end.Point()
	}
	bal := start.Balance
	for _, t := range list {
		if w.liability {
			bal = bal.Sub(t.Delta())
		} else {
			bal = bal.Add(t.Delta())
		}
		data.TransactionID = t.ID
		if _, err := w.hist.Insert(w.ctx, w.accountID, t.Datetime, bal, data); err != nil {
			return decimal.Zero, fmt.Errorf("insert derived balance for %s: %w", t.ID, err)
		}
		w.summary.Inserted++
	}

	if end != nil && end.Source == repository.SourceAccountHistory && !bal.Equal(end.Balance) {
		w.summary.Mismatches++
		w.log.Warn().
			Str("from", start.Point().Datetime).
			Str("to", end.Point().Datetime).
			Str("walked", bal.String()).
			Str("expected", end.Balance.String()).
			Msg("segment does not reach the next anchor balance")
	}
	return bal, nil
}
