package service

import (
	"context"
	"database/sql"

	"github.com/jask/jaskledger/internal/database/repository"
	"github.com/jask/jaskledger/internal/rules"
)

// DefaultSearchLimit caps Search when the caller passes no limit.
const DefaultSearchLimit = 200

// QueryService runs rule expressions as ad-hoc filters.
type QueryService struct {
	DB    *sql.DB
	Rules *rules.Cache
}

func (s *QueryService) compile(expr string) (*rules.Predicate, error) {
	if s.Rules != nil {
		return s.Rules.Compile(expr)
	}
	return rules.Parse(expr)
}

// Search returns the newest transactions matching expr, evaluated by the
// store.
func (s *QueryService) Search(ctx context.Context, expr string, limit int) ([]repository.TransactionView, error) {
	pred, err := s.compile(expr)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	return repository.NewTransactionRepo(s.DB).Search(ctx, pred, limit)
}

// DryRun evaluates expr in memory over the transactions in scope, without
// touching annotations. A nil scope loads every transaction.
func (s *QueryService) DryRun(ctx context.Context, expr string, scope []string) ([]repository.TransactionView, error) {
	pred, err := s.compile(expr)
	if err != nil {
		return nil, err
	}
	views, err := repository.NewTransactionRepo(s.DB).View(ctx, scope)
	if err != nil {
		return nil, err
	}
	return rules.Filter(views, pred, func(v *repository.TransactionView) *rules.Row { return &v.Row }), nil
}
