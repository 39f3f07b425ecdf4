package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jask/jaskledger/internal/database"
	"github.com/jask/jaskledger/internal/rules"
)

// maxScopeChunk keeps IN (...) lists well under sqlite's bound-parameter limit.
const maxScopeChunk = 500

// TransactionRepo handles transactions.
type TransactionRepo struct {
	db database.DBTX
}

func NewTransactionRepo(db database.DBTX) *TransactionRepo { return &TransactionRepo{db: db} }

// WithTx returns a repo bound to tx.
func (r *TransactionRepo) WithTx(tx *sql.Tx) *TransactionRepo { return &TransactionRepo{db: tx} }

// InsertIfAbsent stores t unless a row with the same id exists. It reports
// whether a row was written.
func (r *TransactionRepo) InsertIfAbsent(ctx context.Context, t Transaction) (bool, error) {
	if t.Raw == nil {
		t.Raw = map[string]string{}
	}
	raw, err := json.Marshal(t.Raw)
	if err != nil {
		return false, fmt.Errorf("encode raw record: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
	INSERT INTO transactions(id, datetime, account_id, description, credit, debit, balance, type, tags, party, raw, notes)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING;
	`,
		t.ID, database.FormatTime(t.Datetime), t.AccountID, t.Description, t.Credit, t.Debit, t.Balance,
		nullIfEmpty(t.Type), t.Tags, t.Party, string(raw), t.Notes)
	if err != nil {
		if database.IsForeignKeyViolation(err) {
			return false, &AccountNotFoundError{AccountID: t.AccountID}
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CountByID returns how many rows carry id.
func (r *TransactionRepo) CountByID(ctx context.Context, id string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE id = ?`, id).Scan(&n)
	return n, err
}

func (r *TransactionRepo) Get(ctx context.Context, id string) (*Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// ListByAccount returns the account's transactions in ledger order.
func (r *TransactionRepo) ListByAccount(ctx context.Context, accountID string) ([]Transaction, error) {
	return r.query(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE account_id = ? ORDER BY datetime, rowid`, accountID)
}

// Between returns the account's transactions strictly after `after` and before
// `until` (or at `until` when inclusive), in ledger order: datetime, then
// insertion order.
func (r *TransactionRepo) Between(ctx context.Context, accountID string, after, until time.Time, inclusive bool) ([]Transaction, error) {
	cmp := "<"
	if inclusive {
		cmp = "<="
	}
	return r.query(ctx, `SELECT `+transactionColumns+` FROM transactions
	WHERE account_id = ? AND datetime > ? AND datetime `+cmp+` ?
	ORDER BY datetime, rowid`, accountID, database.FormatTime(after), database.FormatTime(until))
}

// AccountsFor returns the distinct accounts owning ids.
func (r *TransactionRepo) AccountsFor(ctx context.Context, ids []string) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	for _, part := range chunk(ids, maxScopeChunk) {
		rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT account_id FROM transactions WHERE id IN (`+placeholders(len(part))+`) ORDER BY account_id`, stringArgs(part)...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Annotated is the current auto annotation of a matching transaction.
type Annotated struct {
	ID    string
	Tags  AutoTags
	Party AutoParty
}

// MatchPredicate returns auto-categorizable transactions satisfying pred,
// optionally restricted to scope. A nil scope means every transaction.
func (r *TransactionRepo) MatchPredicate(ctx context.Context, pred *rules.Predicate, scope []string) ([]Annotated, error) {
	base := `SELECT t.id, t.tags, t.party FROM transactions t WHERE t.id IN (
	SELECT id FROM transaction_view WHERE auto_categorize = 1 AND (` + pred.SQL + `)`
	var out []Annotated
	err := r.forScope(scope, func(clause string, args []any) error {
		q := base + clause + `) ORDER BY t.rowid`
		rows, err := r.db.QueryContext(ctx, q, append(append([]any{}, pred.Params...), args...)...)
		if err != nil {
			return fmt.Errorf("match rule %q: %w", pred.Source, err)
		}
		defer rows.Close()
		for rows.Next() {
			var a Annotated
			if err := rows.Scan(&a.ID, &a.Tags, &a.Party); err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

// MatchingIDs returns every transaction id satisfying pred, ignoring the
// auto-categorize flag.
func (r *TransactionRepo) MatchingIDs(ctx context.Context, pred *rules.Predicate) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM transaction_view WHERE (`+pred.SQL+`) ORDER BY datetime, id`, pred.Params...)
	if err != nil {
		return nil, fmt.Errorf("match rule %q: %w", pred.Source, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Search returns view rows satisfying pred, newest first. limit <= 0 means no limit.
func (r *TransactionRepo) Search(ctx context.Context, pred *rules.Predicate, limit int) ([]TransactionView, error) {
	q := `SELECT ` + viewColumns + ` FROM transaction_view WHERE (` + pred.SQL + `) ORDER BY datetime DESC, id`
	args := append([]any{}, pred.Params...)
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryView(ctx, q, args...)
}

// View returns view rows for scope (nil means all) in ledger order.
func (r *TransactionRepo) View(ctx context.Context, scope []string) ([]TransactionView, error) {
	var out []TransactionView
	err := r.forScope(scope, func(clause string, args []any) error {
		q := `SELECT ` + viewColumns + ` FROM transaction_view WHERE 1 = 1` + clause + ` ORDER BY datetime, id`
		rows, err := r.queryView(ctx, q, args...)
		out = append(out, rows...)
		return err
	})
	return out, err
}

// AnnotationUpdate sets both auto annotations of one transaction.
type AnnotationUpdate struct {
	ID    string
	Tags  AutoTags
	Party AutoParty
}

// UpdateAnnotations writes updates with one prepared statement.
func (r *TransactionRepo) UpdateAnnotations(ctx context.Context, updates []AnnotationUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	stmt, err := r.db.PrepareContext(ctx, `UPDATE transactions SET tags = ?, party = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare annotation update: %w", err)
	}
	defer stmt.Close()
	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.Tags, u.Party, u.ID); err != nil {
			return fmt.Errorf("update annotations for %s: %w", u.ID, err)
		}
	}
	return nil
}

// ClearAnnotations resets auto tags and party to {} for scope (nil means all).
func (r *TransactionRepo) ClearAnnotations(ctx context.Context, scope []string) (int64, error) {
	var total int64
	err := r.forScope(scope, func(clause string, args []any) error {
		res, err := r.db.ExecContext(ctx, `UPDATE transactions SET tags = '{}', party = '{}' WHERE 1 = 1`+clause, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		total += n
		return err
	})
	return total, err
}

// IDsByRule returns transactions whose audit trail names ruleID in either
// tags.rule or party.rule.
func (r *TransactionRepo) IDsByRule(ctx context.Context, ruleID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT t.id FROM transactions t
	WHERE EXISTS (SELECT 1 FROM json_each(t.tags, '$.rule') WHERE value = ?)
	   OR json_extract(t.party, '$.rule') = ?
	ORDER BY t.rowid
	`, ruleID, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Rename moves a transaction to a new id, carrying its enrichment along.
// Callers run it inside a transaction so both tables change together.
func (r *TransactionRepo) Rename(ctx context.Context, oldID, newID string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE transactions SET id = ? WHERE id = ?`, newID, oldID); err != nil {
		return fmt.Errorf("rename transaction %s: %w", oldID, err)
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE transaction_enriched SET id = ? WHERE id = ?`, newID, oldID); err != nil {
		return fmt.Errorf("rename enrichment %s: %w", oldID, err)
	}
	return nil
}

// forScope calls fn once for all rows (nil scope) or once per id chunk with
// an " AND id IN (...)" clause.
func (r *TransactionRepo) forScope(scope []string, fn func(clause string, args []any) error) error {
	if scope == nil {
		return fn("", nil)
	}
	for _, part := range chunk(scope, maxScopeChunk) {
		if err := fn(` AND id IN (`+placeholders(len(part))+`)`, stringArgs(part)); err != nil {
			return err
		}
	}
	return nil
}

func (r *TransactionRepo) query(ctx context.Context, q string, args ...any) ([]Transaction, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TransactionRepo) queryView(ctx context.Context, q string, args ...any) ([]TransactionView, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TransactionView
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const transactionColumns = `id, datetime, account_id, description, credit, debit, balance, type, tags, party, raw, notes, inserted_at`

const viewColumns = `id, datetime, account, account_shortname, description, orig_description, revised_description,
	credit, debit, amount, balance, type, tags, auto_tags, manual_tags, party, auto_party, manual_party, auto_categorize`

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (Transaction, error) {
	var t Transaction
	var datetime, inserted, raw string
	var description, typ, notes sql.NullString
	if err := row.Scan(&t.ID, &datetime, &t.AccountID, &description, &t.Credit, &t.Debit, &t.Balance,
		&typ, &t.Tags, &t.Party, &raw, &notes, &inserted); err != nil {
		return Transaction{}, err
	}
	var err error
	if t.Datetime, err = database.ParseTime(datetime); err != nil {
		return Transaction{}, err
	}
	t.InsertedAt, _ = database.ParseTime(inserted)
	t.Description = description.String
	t.Type = typ.String
	t.Notes = nullableString(notes)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &t.Raw); err != nil {
			return Transaction{}, fmt.Errorf("decode raw record of %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func scanView(row scanner) (TransactionView, error) {
	var v TransactionView
	var datetime string
	var autoCategorize int
	if err := row.Scan(&v.ID, &datetime, &v.Account, &v.AccountShortname, &v.Description, &v.OrigDescription,
		&v.RevisedDescription, &v.Credit, &v.Debit, &v.Amount, &v.Balance, &v.Type, &v.Tags, &v.AutoTags,
		&v.ManualTags, &v.Party, &v.AutoParty, &v.ManualParty, &autoCategorize); err != nil {
		return TransactionView{}, err
	}
	var err error
	if v.Datetime, err = database.ParseTime(datetime); err != nil {
		return TransactionView{}, err
	}
	v.AutoCategorize = autoCategorize != 0
	return v, nil
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > 0 {
		n := size
		if len(ids) < n {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func stringArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func nullableString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
