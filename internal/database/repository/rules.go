package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jask/jaskledger/internal/database"
)

// ErrRuleNotFound is returned when a rule id does not exist.
var ErrRuleNotFound = errors.New("rule not found")

// RuleRepo stores classification rules.
type RuleRepo struct{ db database.DBTX }

func NewRuleRepo(db database.DBTX) *RuleRepo { return &RuleRepo{db: db} }

// WithTx returns a repo bound to tx.
func (r *RuleRepo) WithTx(tx *sql.Tx) *RuleRepo { return &RuleRepo{db: tx} }

// Create inserts rule and returns its id.
func (r *RuleRepo) Create(ctx context.Context, rule Rule) (int64, error) {
	tags, party, err := encodeRuleLists(rule)
	if err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, `
	INSERT INTO rules(rule, "group", tag, party, comment)
	VALUES(?, ?, ?, ?, ?)
	`, rule.Rule, nullIfEmpty(rule.Group), tags, party, nullIfEmpty(rule.Comment))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Update replaces every mutable column of rule.ID.
func (r *RuleRepo) Update(ctx context.Context, rule Rule) error {
	tags, party, err := encodeRuleLists(rule)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
	UPDATE rules SET rule = ?, "group" = ?, tag = ?, party = ?, comment = ?,
	 updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
	WHERE id = ?
	`, rule.Rule, nullIfEmpty(rule.Group), tags, party, nullIfEmpty(rule.Comment), rule.ID)
	if err != nil {
		return err
	}
	return requireOne(res, rule.ID)
}

func (r *RuleRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireOne(res, id)
}

func (r *RuleRepo) Get(ctx context.Context, id int64) (*Rule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("rule %d: %w", id, ErrRuleNotFound)
		}
		return nil, err
	}
	return &rule, nil
}

// List returns every rule in application order (ascending id).
func (r *RuleRepo) List(ctx context.Context) ([]Rule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

const ruleColumns = `id, rule, "group", tag, party, comment, created_at, updated_at`

func scanRule(row scanner) (Rule, error) {
	var rule Rule
	var group, comment sql.NullString
	var tags, party, created, updated string
	if err := row.Scan(&rule.ID, &rule.Rule, &group, &tags, &party, &comment, &created, &updated); err != nil {
		return Rule{}, err
	}
	rule.Group = group.String
	rule.Comment = comment.String
	if err := json.Unmarshal([]byte(tags), &rule.Tags); err != nil {
		return Rule{}, fmt.Errorf("decode tags of rule %d: %w", rule.ID, err)
	}
	if err := json.Unmarshal([]byte(party), &rule.Party); err != nil {
		return Rule{}, fmt.Errorf("decode party of rule %d: %w", rule.ID, err)
	}
	rule.CreatedAt, _ = database.ParseTime(created)
	rule.UpdatedAt, _ = database.ParseTime(updated)
	return rule, nil
}

func encodeRuleLists(rule Rule) (string, string, error) {
	enc := func(v []string) (string, error) {
		if v == nil {
			v = []string{}
		}
		b, err := json.Marshal(v)
		return string(b), err
	}
	tags, err := enc(rule.Tags)
	if err != nil {
		return "", "", err
	}
	party, err := enc(rule.Party)
	if err != nil {
		return "", "", err
	}
	return tags, party, nil
}

func requireOne(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("rule %d: %w", id, ErrRuleNotFound)
	}
	return nil
}

// RuleUsage is a rule with the number of transactions whose annotations
// record it.
type RuleUsage struct {
	Rule
	Transactions int
}

// ListWithUsage returns every rule with its usage count, in id order.
func (r *RuleRepo) ListWithUsage(ctx context.Context) ([]RuleUsage, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT `+prefixed("r.", ruleColumns)+`, COUNT(DISTINCT used.id)
	FROM rules r
	LEFT JOIN (
		SELECT t.id, j.value AS rule FROM transactions t, json_each(t.tags, '$.rule') j
		UNION ALL
		SELECT t.id, json_extract(t.party, '$.rule') FROM transactions t
		WHERE json_extract(t.party, '$.rule') IS NOT NULL
	) used ON used.rule = r.id
	GROUP BY r.id
	ORDER BY r.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RuleUsage
	for rows.Next() {
		var u RuleUsage
		var count int
		rule, err := scanRule(scannerFunc(func(dest ...any) error {
			return rows.Scan(append(dest, &count)...)
		}))
		if err != nil {
			return nil, err
		}
		u.Rule = rule
		u.Transactions = count
		out = append(out, u)
	}
	return out, rows.Err()
}

type scannerFunc func(dest ...any) error

func (f scannerFunc) Scan(dest ...any) error { return f(dest...) }

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
