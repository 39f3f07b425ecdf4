package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jask/jaskledger/internal/database"
)

// AccountHistoryRepo stores balance checkpoints and derived balances.
type AccountHistoryRepo struct{ db database.DBTX }

func NewAccountHistoryRepo(db database.DBTX) *AccountHistoryRepo {
	return &AccountHistoryRepo{db: db}
}

// WithTx returns a repo bound to tx.
func (r *AccountHistoryRepo) WithTx(tx *sql.Tx) *AccountHistoryRepo {
	return &AccountHistoryRepo{db: tx}
}

// Insert stores one balance row and returns its id.
func (r *AccountHistoryRepo) Insert(ctx context.Context, accountID string, at time.Time, balance decimal.Decimal, data HistoryData) (int64, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("encode history data: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
	INSERT INTO account_history(account_id, datetime, balance, data) VALUES(?, ?, ?, ?)
	`, accountID, database.FormatTime(at), balance.String(), string(b))
	if err != nil {
		if database.IsForeignKeyViolation(err) {
			return 0, &AccountNotFoundError{AccountID: accountID}
		}
		return 0, err
	}
	return res.LastInsertId()
}

// anchorsSQL yields the anchors of one account. Manual rows sort after
// transaction balances at the same instant so they win ties.
const anchorsSQL = `
SELECT datetime, balance, source, ref, prio FROM (
	SELECT datetime, balance, 'account_history' AS source, CAST(id AS TEXT) AS ref, 1 AS prio
	FROM account_history
	WHERE account_id = ? AND COALESCE(json_extract(data, '$.from'), '') <> 'recreation'
	UNION ALL
	SELECT datetime, balance, 'transaction', id, 0
	FROM transactions
	WHERE account_id = ? AND balance IS NOT NULL
)`

// Anchors returns every anchor of the account in chronological order.
func (r *AccountHistoryRepo) Anchors(ctx context.Context, accountID string) ([]Anchor, error) {
	return r.anchors(ctx, anchorsSQL+` ORDER BY datetime, prio, ref`, accountID, accountID)
}

// NearestBefore returns the latest anchor strictly before at, or nil.
func (r *AccountHistoryRepo) NearestBefore(ctx context.Context, accountID string, at time.Time) (*Anchor, error) {
	return r.nearest(ctx, anchorsSQL+` WHERE datetime < ? ORDER BY datetime DESC, prio DESC, ref DESC LIMIT 1`,
		accountID, accountID, database.FormatTime(at))
}

// NearestAfter returns the earliest anchor strictly after at, or nil.
func (r *AccountHistoryRepo) NearestAfter(ctx context.Context, accountID string, at time.Time) (*Anchor, error) {
	return r.nearest(ctx, anchorsSQL+` WHERE datetime > ? ORDER BY datetime, prio DESC, ref LIMIT 1`,
		accountID, accountID, database.FormatTime(at))
}

func (r *AccountHistoryRepo) HasAnchors(ctx context.Context, accountID string) (bool, error) {
	a, err := r.nearest(ctx, anchorsSQL+` LIMIT 1`, accountID, accountID)
	return a != nil, err
}

func (r *AccountHistoryRepo) nearest(ctx context.Context, q string, args ...any) (*Anchor, error) {
	out, err := r.anchors(ctx, q, args...)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}

func (r *AccountHistoryRepo) anchors(ctx context.Context, q string, args ...any) ([]Anchor, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Anchor
	for rows.Next() {
		var a Anchor
		var datetime string
		var prio int
		if err := rows.Scan(&datetime, &a.Balance, &a.Source, &a.Ref, &prio); err != nil {
			return nil, err
		}
		if a.Datetime, err = database.ParseTime(datetime); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteDerived removes reconciliation rows of the account within [from, to].
func (r *AccountHistoryRepo) DeleteDerived(ctx context.Context, accountID string, from, to time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
	DELETE FROM account_history
	WHERE account_id = ? AND json_extract(data, '$.from') = 'recreation' AND datetime BETWEEN ? AND ?
	`, accountID, database.FormatTime(from), database.FormatTime(to))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteManualDuplicate removes manual rows recorded at exactly at with the
// same balance. Checkpoints holding a different balance are left alone.
func (r *AccountHistoryRepo) DeleteManualDuplicate(ctx context.Context, accountID string, at time.Time, balance decimal.Decimal) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
	DELETE FROM account_history
	WHERE account_id = ? AND datetime = ? AND balance = ? AND json_extract(data, '$.from') = 'manual'
	`, accountID, database.FormatTime(at), balance.String())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// List returns the account's history rows in chronological order.
func (r *AccountHistoryRepo) List(ctx context.Context, accountID string) ([]HistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, account_id, datetime, balance, data FROM account_history
	WHERE account_id = ? ORDER BY datetime, id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var datetime string
		if err := rows.Scan(&e.ID, &e.AccountID, &datetime, &e.Balance, &e.RawData); err != nil {
			return nil, err
		}
		if e.Datetime, err = database.ParseTime(datetime); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(e.RawData), &e.Data); err != nil {
			return nil, fmt.Errorf("decode history data %d: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns one history row by id.
func (r *AccountHistoryRepo) Get(ctx context.Context, id int64) (*HistoryEntry, error) {
	var e HistoryEntry
	var datetime string
	err := r.db.QueryRowContext(ctx, `
	SELECT id, account_id, datetime, balance, data FROM account_history WHERE id = ?
	`, id).Scan(&e.ID, &e.AccountID, &datetime, &e.Balance, &e.RawData)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if e.Datetime, err = database.ParseTime(datetime); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(e.RawData), &e.Data); err != nil {
		return nil, fmt.Errorf("decode history data %d: %w", e.ID, err)
	}
	return &e, nil
}

// Series returns balance observations for the accounts, merging history rows
// with transaction-reported balances. When both exist for the same account
// and instant, the most recent history row wins. Bounds are inclusive and
// optional.
func (r *AccountHistoryRepo) Series(ctx context.Context, accountIDs []string, from, to *time.Time) ([]SeriesPoint, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}
	var out []SeriesPoint
	for _, part := range chunk(accountIDs, maxScopeChunk/2) {
		in := placeholders(len(part))
		args := append(stringArgs(part), stringArgs(part)...)
		q := `SELECT account_id, datetime, balance FROM (
		SELECT account_id, datetime, balance, 1 AS prio, id AS ord FROM account_history WHERE account_id IN (` + in + `)
		UNION ALL
		SELECT account_id, datetime, balance, 0, rowid FROM transactions WHERE account_id IN (` + in + `) AND balance IS NOT NULL
		) WHERE 1 = 1`
		if from != nil {
			q += ` AND datetime >= ?`
			args = append(args, database.FormatTime(*from))
		}
		if to != nil {
			q += ` AND datetime <= ?`
			args = append(args, database.FormatTime(*to))
		}
		q += ` ORDER BY account_id, datetime, prio DESC, ord DESC`

		points, err := r.series(ctx, q, args...)
		if err != nil {
			return nil, err
		}
		out = append(out, points...)
	}
	return out, nil
}

func (r *AccountHistoryRepo) series(ctx context.Context, q string, args ...any) ([]SeriesPoint, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SeriesPoint
	var lastAccount, lastDatetime string
	for rows.Next() {
		var p SeriesPoint
		var datetime string
		if err := rows.Scan(&p.AccountID, &datetime, &p.Balance); err != nil {
			return nil, err
		}
		if p.AccountID == lastAccount && datetime == lastDatetime {
			continue
		}
		lastAccount, lastDatetime = p.AccountID, datetime
		if p.Datetime, err = database.ParseTime(datetime); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AccountsWithAnchors keeps the ids that have at least one anchor.
func (r *AccountHistoryRepo) AccountsWithAnchors(ctx context.Context, accountIDs []string) ([]string, error) {
	var out []string
	for _, id := range accountIDs {
		ok, err := r.HasAnchors(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("check anchors for %s: %w", id, err)
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}
