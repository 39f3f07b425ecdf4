package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jask/jaskledger/internal/database"
	"github.com/jask/jaskledger/internal/database/repository"
	"github.com/jask/jaskledger/internal/rules"
)

// RuleService is the CRUD surface for classification rules. Writes validate
// the rule text first and then queue the matching reclassification.
type RuleService struct {
	DB         *sql.DB
	Rules      *rules.Cache
	Classifier *Classifier
	Queue      *ReclassifyQueue
	Log        zerolog.Logger
}

// RuleInput is the user-editable part of a rule.
type RuleInput struct {
	Rule    string
	Group   string
	Tags    []string
	Party   []string
	Comment string
}

func (in RuleInput) normalized() RuleInput {
	in.Rule = strings.TrimSpace(in.Rule)
	in.Tags = cleanList(in.Tags)
	in.Party = cleanList(in.Party)
	return in
}

func (s *RuleService) validate(src string) error {
	_, err := s.compile(src)
	return err
}

// Create stores a new rule and queues applying it to every transaction.
func (s *RuleService) Create(ctx context.Context, in RuleInput) (repository.Rule, *ReclassifyJob, error) {
	in = in.normalized()
	if err := s.validate(in.Rule); err != nil {
		return repository.Rule{}, nil, err
	}
	repo := repository.NewRuleRepo(s.DB)
	id, err := repo.Create(ctx, repository.Rule{Rule: in.Rule, Group: in.Group, Tags: in.Tags, Party: in.Party, Comment: in.Comment})
	if err != nil {
		return repository.Rule{}, nil, fmt.Errorf("create rule: %w", err)
	}
	rule, err := repo.Get(ctx, id)
	if err != nil {
		return repository.Rule{}, nil, err
	}
	s.Log.Info().Int64("rule_id", id).Str("rule", rule.Rule).Msg("rule created")

	job, err := s.Queue.Enqueue(ctx, "rule created", id, nil, func(ctx context.Context) (RunSummary, error) {
		current, err := repository.NewRuleRepo(s.DB).Get(ctx, id)
		if err != nil {
			return RunSummary{}, err
		}
		n, err := s.Classifier.ApplyRule(ctx, *current, nil)
		return RunSummary{Rules: []RuleOutcome{{RuleID: id, Matched: n, Err: err}}, TotalMatched: n}, err
	})
	return *rule, job, err
}

// Update replaces a rule and queues reclassification of the transactions it
// previously annotated plus those it matches now.
func (s *RuleService) Update(ctx context.Context, id int64, in RuleInput) (repository.Rule, *ReclassifyJob, error) {
	in = in.normalized()
	pred, err := s.compile(in.Rule)
	if err != nil {
		return repository.Rule{}, nil, err
	}

	var scope []string
	err = database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		txs := repository.NewTransactionRepo(tx)
		previous, err := txs.IDsByRule(ctx, id)
		if err != nil {
			return err
		}
		if err := repository.NewRuleRepo(tx).Update(ctx, repository.Rule{
			ID: id, Rule: in.Rule, Group: in.Group, Tags: in.Tags, Party: in.Party, Comment: in.Comment,
		}); err != nil {
			return err
		}
		current, err := txs.MatchingIDs(ctx, pred)
		if err != nil {
			return err
		}
		scope = unionIDs(previous, current)
		return nil
	})
	if err != nil {
		return repository.Rule{}, nil, fmt.Errorf("update rule %d: %w", id, err)
	}
	rule, err := repository.NewRuleRepo(s.DB).Get(ctx, id)
	if err != nil {
		return repository.Rule{}, nil, err
	}
	s.Log.Info().Int64("rule_id", id).Int("scope", len(scope)).Msg("rule updated")

	job, err := s.enqueueReapply(ctx, "rule updated", id, scope)
	return *rule, job, err
}

// Delete removes a rule and queues re-applying the remaining rules to the
// transactions it had annotated. Unrelated transactions are not touched.
func (s *RuleService) Delete(ctx context.Context, id int64) (*ReclassifyJob, error) {
	var scope []string
	err := database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		var err error
		scope, err = repository.NewTransactionRepo(tx).IDsByRule(ctx, id)
		if err != nil {
			return err
		}
		return repository.NewRuleRepo(tx).Delete(ctx, id)
	})
	if err != nil {
		return nil, fmt.Errorf("delete rule %d: %w", id, err)
	}
	if scope == nil {
		scope = []string{}
	}
	s.Log.Info().Int64("rule_id", id).Int("scope", len(scope)).Msg("rule deleted")
	return s.enqueueReapply(ctx, "rule deleted", id, scope)
}

// Get returns one rule.
func (s *RuleService) Get(ctx context.Context, id int64) (repository.Rule, error) {
	r, err := repository.NewRuleRepo(s.DB).Get(ctx, id)
	if err != nil {
		return repository.Rule{}, err
	}
	return *r, nil
}

// List returns every rule with the number of transactions it annotates.
func (s *RuleService) List(ctx context.Context) ([]repository.RuleUsage, error) {
	return repository.NewRuleRepo(s.DB).ListWithUsage(ctx)
}

// ReapplyAll queues a full clear-and-apply over every transaction.
func (s *RuleService) ReapplyAll(ctx context.Context) (*ReclassifyJob, error) {
	return s.enqueueReapply(ctx, "reapply all", 0, nil)
}

func (s *RuleService) enqueueReapply(ctx context.Context, reason string, ruleID int64, scope []string) (*ReclassifyJob, error) {
	return s.Queue.Enqueue(ctx, reason, ruleID, scope, func(ctx context.Context) (RunSummary, error) {
		return s.Classifier.ApplyAllRules(ctx, scope)
	})
}

func (s *RuleService) compile(src string) (*rules.Predicate, error) {
	if s.Rules != nil {
		return s.Rules.Compile(src)
	}
	return rules.Parse(src)
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func unionIDs(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
