// Package sampledata fills an empty ledger with a demo bank, statement lines,
// an opening balance and a starter rule set.
package sampledata

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jask/jaskledger/internal/database/repository"
	"github.com/jask/jaskledger/internal/service"
)

// Services bundles what Seed writes through.
type Services struct {
	Ingest   *service.IngestService
	History  *service.HistoryService
	Rules    *repository.RuleRepo
	Accounts *repository.AccountRepo
}

// Result reports what Seed created.
type Result struct {
	Ingest service.ParseResults
	Rules  []int64
}

const (
	BankID     = "DEMO"
	CheckingID = "DEMO-CHK"
)

var descriptions = []string{"UBER EATS* SUSHI", "AMAZON.COM*XYZ", "WOOLWORTHS", "SPOTIFY", "SALARY ACME"}

var starterRules = []repository.Rule{
	{Rule: "description = 'woolworths'", Group: "Food", Tags: []string{"Food > Groceries"}, Party: []string{"Woolworths"}},
	{Rule: "description starts with 'uber eats'", Group: "Food", Tags: []string{"Food > Takeaway"}, Party: []string{"Uber"}},
	{Rule: "description = 'amazon'", Group: "Shopping", Tags: []string{"Shopping > General"}, Party: []string{"Amazon"}},
	{Rule: "description = 'spotify'", Group: "Fixed Costs", Tags: []string{"Fixed Costs > Subscriptions"}},
	{Rule: "description = 'salary' and amount > 0", Group: "Income", Tags: []string{"Income"}},
}

// Seed creates the demo data. The same seed and day always yield the same
// statement lines, so seeding twice inserts nothing new.
func Seed(ctx context.Context, svc Services, seed int64, now time.Time) (Result, error) {
	var out Result
	if err := svc.Accounts.Upsert(ctx, repository.Account{ID: BankID, Name: "Sample Bank"}); err != nil {
		return out, err
	}
	parent := BankID
	if err := svc.Accounts.Upsert(ctx, repository.Account{ID: CheckingID, Name: "Sample Checking", ParentID: &parent}); err != nil {
		return out, err
	}

	rng := rand.New(rand.NewSource(seed))
	start := now.UTC().Truncate(24 * time.Hour).AddDate(0, 0, -10)
	anchored, err := repository.NewAccountHistoryRepo(svc.History.DB).HasAnchors(ctx, CheckingID)
	if err != nil {
		return out, err
	}
	if !anchored {
		if _, err := svc.History.RecordBalance(ctx, CheckingID, start, decimal.NewFromInt(2500), repository.HistoryData{Note: "opening balance"}); err != nil {
			return out, err
		}
	}

	recs := make([]service.Record, 0, 20)
	for i := 0; i < 20; i++ {
		desc := descriptions[rng.Intn(len(descriptions))]
		cents := decimal.New(int64(rng.Intn(20000)+500), -2)
		rec := service.Record{
			Datetime:    start.Add(time.Duration(rng.Intn(10*24)+1) * time.Hour),
			Description: desc,
			Raw:         map[string]string{"line": fmt.Sprint(i + 1)},
		}
		if desc == "SALARY ACME" {
			rec.Credit = decimal.NewNullDecimal(cents.Mul(decimal.NewFromInt(10)))
		} else {
			rec.Debit = decimal.NewNullDecimal(cents)
		}
		recs = append(recs, rec)
	}
	src := service.Source{
		Name:                  "sample",
		File:                  "sample.csv",
		AccountID:             CheckingID,
		UniqueColumns:         []string{"account", "datetime", "description", "credit", "debit", "line"},
		MustExistBeforeSaving: []string{"description", service.MustExistDebitOrCredit},
	}
	res, err := svc.Ingest.Ingest(ctx, src, recs)
	if err != nil {
		return out, err
	}
	out.Ingest = res

	existing, err := svc.Rules.List(ctx)
	if err != nil {
		return out, err
	}
	if len(existing) > 0 {
		return out, nil
	}
	for _, r := range starterRules {
		id, err := svc.Rules.Create(ctx, r)
		if err != nil {
			return out, fmt.Errorf("create rule %q: %w", r.Rule, err)
		}
		out.Rules = append(out.Rules, id)
	}
	return out, nil
}
