package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jask/jaskledger/internal/database"
)

// AccountRepo handles accounts.
type AccountRepo struct {
	db database.DBTX
}

func NewAccountRepo(db database.DBTX) *AccountRepo {
	return &AccountRepo{db: db}
}

// WithTx returns a repo bound to tx.
func (r *AccountRepo) WithTx(tx *sql.Tx) *AccountRepo { return &AccountRepo{db: tx} }

func (r *AccountRepo) Upsert(ctx context.Context, a Account) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO accounts(id, name, shortname, institution, currency, type, parent_id)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
	 name=excluded.name,
	 shortname=excluded.shortname,
	 institution=excluded.institution,
	 currency=excluded.currency,
	 type=excluded.type,
	 parent_id=excluded.parent_id,
	 updated_at=strftime('%Y-%m-%dT%H:%M:%SZ', 'now');
	`, a.ID, a.Name, a.Shortname, a.Institution, a.Currency, a.Type, a.ParentID)
	return err
}

// EnsureExists creates a minimal account row when id is unknown.
func (r *AccountRepo) EnsureExists(ctx context.Context, id, name string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `INSERT OR IGNORE INTO accounts(id, name) VALUES (?, ?)`, id, name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *AccountRepo) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (r *AccountRepo) Get(ctx context.Context, id string) (*Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepo) List(ctx context.Context) ([]Account, error) {
	return r.query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
}

// Family returns the account and its direct children.
func (r *AccountRepo) Family(ctx context.Context, id string) ([]Account, error) {
	return r.query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ? OR parent_id = ? ORDER BY id`, id, id)
}

func (r *AccountRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	return err
}

func (r *AccountRepo) query(ctx context.Context, q string, args ...any) ([]Account, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const accountColumns = `id, name, shortname, institution, currency, type, parent_id, created_at, updated_at`

func scanAccount(row scanner) (Account, error) {
	var a Account
	var shortname, institution, currency, typ, parent sql.NullString
	var created, updated string
	if err := row.Scan(&a.ID, &a.Name, &shortname, &institution, &currency, &typ, &parent, &created, &updated); err != nil {
		return Account{}, err
	}
	a.Shortname = nullableString(shortname)
	a.Institution = nullableString(institution)
	a.Currency = nullableString(currency)
	a.Type = nullableString(typ)
	a.ParentID = nullableString(parent)
	a.CreatedAt, _ = database.ParseTime(created)
	a.UpdatedAt, _ = database.ParseTime(updated)
	return a, nil
}
