package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jask/jaskledger/internal/database"
	"github.com/jask/jaskledger/internal/database/repository"
	"github.com/jask/jaskledger/internal/rules"
)

// Classifier applies persisted rules to transactions, merging rule tags into
// the auto tags (union) and replacing the auto party (last matching rule wins).
//
// Scopes follow one convention throughout: a nil scope means every
// transaction, a non-nil empty scope means none.
type Classifier struct {
	DB    *sql.DB
	Rules *rules.Cache
	Log   zerolog.Logger
}

// RuleOutcome is the result of one rule within a run.
type RuleOutcome struct {
	RuleID  int64
	Matched int
	Err     error
}

// RunSummary reports an ApplyAllRules pass.
type RunSummary struct {
	Scoped       bool
	ScopeSize    int
	Rules        []RuleOutcome
	TotalMatched int
	FailedRules  int
}

// ApplyRule evaluates one rule over scope and merges its annotations. It
// returns the number of matching transactions.
func (c *Classifier) ApplyRule(ctx context.Context, rule repository.Rule, scope []string) (int, error) {
	if scope != nil && len(scope) == 0 {
		return 0, nil
	}
	var n int
	err := database.WithTx(ctx, c.DB, func(tx *sql.Tx) error {
		var err error
		n, err = c.applyRule(ctx, tx, rule, scope)
		return err
	})
	return n, err
}

// ApplyAllRules clears auto annotations in scope and re-applies every rule in
// ascending id order, all inside one store transaction. A rule that fails to
// compile or execute is rolled back alone, logged, and reported in the summary.
func (c *Classifier) ApplyAllRules(ctx context.Context, scope []string) (RunSummary, error) {
	summary := RunSummary{Scoped: scope != nil, ScopeSize: len(scope)}
	if scope != nil && len(scope) == 0 {
		return summary, nil
	}
	err := database.WithTx(ctx, c.DB, func(tx *sql.Tx) error {
		if _, err := repository.NewTransactionRepo(tx).ClearAnnotations(ctx, scope); err != nil {
			return fmt.Errorf("clear annotations: %w", err)
		}
		list, err := repository.NewRuleRepo(tx).List(ctx)
		if err != nil {
			return fmt.Errorf("list rules: %w", err)
		}
		for _, rule := range list {
			outcome := RuleOutcome{RuleID: rule.ID}
			outcome.Err = database.Savepoint(ctx, tx, fmt.Sprintf("rule_%d", rule.ID), func() error {
				var err error
				outcome.Matched, err = c.applyRule(ctx, tx, rule, scope)
				return err
			})
			if outcome.Err != nil {
				summary.FailedRules++
				c.Log.Error().Err(outcome.Err).Int64("rule_id", rule.ID).Str("rule", rule.Rule).Msg("rule failed, continuing")
				outcome.Matched = 0
			}
			summary.TotalMatched += outcome.Matched
			summary.Rules = append(summary.Rules, outcome)
		}
		return nil
	})
	if err != nil {
		return summary, err
	}
	c.Log.Info().
		Bool("scoped", summary.Scoped).
		Int("scope_size", summary.ScopeSize).
		Int("rules", len(summary.Rules)).
		Int("matched", summary.TotalMatched).
		Int("failed", summary.FailedRules).
		Msg("rules applied")
	return summary, nil
}

// ClearTags resets auto tags and party for scope in one store transaction.
func (c *Classifier) ClearTags(ctx context.Context, scope []string) (int64, error) {
	if scope != nil && len(scope) == 0 {
		return 0, nil
	}
	var n int64
	err := database.WithTx(ctx, c.DB, func(tx *sql.Tx) error {
		var err error
		n, err = repository.NewTransactionRepo(tx).ClearAnnotations(ctx, scope)
		return err
	})
	return n, err
}

// TransactionsMatchingRule returns the transactions whose annotations record
// ruleID.
func (c *Classifier) TransactionsMatchingRule(ctx context.Context, ruleID int64) ([]string, error) {
	return repository.NewTransactionRepo(c.DB).IDsByRule(ctx, ruleID)
}

func (c *Classifier) compile(src string) (*rules.Predicate, error) {
	if c.Rules == nil {
		return rules.Parse(src)
	}
	return c.Rules.Compile(src)
}

func (c *Classifier) applyRule(ctx context.Context, tx *sql.Tx, rule repository.Rule, scope []string) (int, error) {
	pred, err := c.compile(rule.Rule)
	if err != nil {
		return 0, err
	}
	txs := repository.NewTransactionRepo(tx)
	matches, err := txs.MatchPredicate(ctx, pred, scope)
	if err != nil {
		return 0, err
	}
	updates := make([]repository.AnnotationUpdate, 0, len(matches))
	for _, m := range matches {
		u := repository.AnnotationUpdate{ID: m.ID, Tags: m.Tags.Merge(rule.Tags, rule.ID), Party: m.Party}
		if len(rule.Party) > 0 {
			u.Party = repository.AutoParty{Party: rule.Party, Rule: rule.ID}
		}
		updates = append(updates, u)
	}
	if err := txs.UpdateAnnotations(ctx, updates); err != nil {
		return 0, err
	}
	c.Log.Debug().Int64("rule_id", rule.ID).Int("matched", len(matches)).Msg("rule applied")
	return len(matches), nil
}
