package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jask/jaskledger/internal/database"
	"github.com/jask/jaskledger/internal/database/repository"
	"github.com/jask/jaskledger/internal/fingerprint"
)

// MustExistDebitOrCredit is satisfied by a record carrying either amount.
const MustExistDebitOrCredit = "debit or credit"

// Source describes where a batch of records came from and how they are keyed.
type Source struct {
	Name                  string
	File                  string
	AccountID             string
	UniqueColumns         []string
	MustExistBeforeSaving []string
}

// Record is one normalized statement line. Account overrides the source
// account when set.
type Record struct {
	Datetime           time.Time
	Account            string
	Description        string
	Credit             decimal.NullDecimal
	Debit              decimal.NullDecimal
	Balance            decimal.NullDecimal
	Type               string
	Raw                map[string]string
	RevisedDescription *string
	Tags               []string
	Party              []string
}

// processed renders the standard fields the way they are fingerprinted.
// Unset amounts are present as "" so that a raw column of the same name never
// leaks into the key.
func (r Record) processed(account string) map[string]string {
	out := map[string]string{
		"account":     account,
		"description": r.Description,
		"credit":      decimalText(r.Credit),
		"debit":       decimalText(r.Debit),
		"balance":     decimalText(r.Balance),
		"type":        r.Type,
	}
	if !r.Datetime.IsZero() {
		out["datetime"] = database.FormatTime(r.Datetime)
	}
	return out
}

func decimalText(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}

func (r Record) missing(fields []string, account string) []string {
	var out []string
	for _, f := range fields {
		ok := true
		switch strings.ToLower(strings.TrimSpace(f)) {
		case "datetime":
			ok = !r.Datetime.IsZero()
		case "account":
			ok = account != ""
		case "description":
			ok = r.Description != ""
		case "credit":
			ok = r.Credit.Valid
		case "debit":
			ok = r.Debit.Valid
		case MustExistDebitOrCredit:
			ok = r.Credit.Valid || r.Debit.Valid
		case "balance":
			ok = r.Balance.Valid
		case "type":
			ok = r.Type != ""
		}
		if !ok {
			out = append(out, f)
		}
	}
	return out
}

// DateRange is the span of datetimes seen in one category.
type DateRange struct {
	Min time.Time
	Max time.Time
}

// Extend widens the range to include t.
func (d *DateRange) Extend(t time.Time) {
	if d.Min.IsZero() || t.Before(d.Min) {
		d.Min = t
	}
	if d.Max.IsZero() || t.After(d.Max) {
		d.Max = t
	}
}

func (d DateRange) IsZero() bool { return d.Min.IsZero() }

// ParseResults summarizes an ingest run.
type ParseResults struct {
	File     string
	Account  string
	Parser   string
	Lines    int
	Inserted int
	Skipped  int
	Invalid  int
	Dates    struct {
		InFile   DateRange
		Skipped  DateRange
		Inserted DateRange
	}
	InsertedIDs []string
	// Accounts lists the accounts that received new transactions.
	Accounts []string
	// Problems holds one message per invalid row.
	Problems []string
}

// IsSuccess reports whether every line was either inserted or skipped.
func (p ParseResults) IsSuccess() bool { return p.Invalid == 0 }

func (p *ParseResults) insert(id, account string) {
	p.Inserted++
	p.InsertedIDs = append(p.InsertedIDs, id)
	for _, a := range p.Accounts {
		if a == account {
			return
		}
	}
	p.Accounts = append(p.Accounts, account)
}

// IngestService stores normalized records, keyed by their fingerprint so a
// file can be ingested any number of times.
type IngestService struct {
	DB                    *sql.DB
	CreateMissingAccounts bool
	Log                   zerolog.Logger
}

type invalidRecordError struct {
	line   int
	reason string
}

func (e *invalidRecordError) Error() string { return fmt.Sprintf("row %d: %s", e.line, e.reason) }

// Ingest stores recs. Rows without a datetime or already present are
// skipped, rows failing validation are counted invalid, and neither stops the
// run. A fingerprint shared by several stored rows aborts it.
func (s *IngestService) Ingest(ctx context.Context, src Source, recs []Record) (ParseResults, error) {
	res := ParseResults{File: src.File, Account: src.AccountID, Parser: src.Name}
	log := s.Log.With().Str("file", src.File).Str("parser", src.Name).Logger()
	txs := repository.NewTransactionRepo(s.DB)

	for _, rec := range recs {
		res.Lines++
		if rec.Datetime.IsZero() {
			res.Skipped++
			continue
		}
		res.Dates.InFile.Extend(rec.Datetime)

		account := rec.Account
		if account == "" {
			account = src.AccountID
		}
		id := fingerprint.Fingerprint(rec.Raw, rec.processed(account), src.UniqueColumns)

		n, err := txs.CountByID(ctx, id)
		if err != nil {
			return res, fmt.Errorf("row %d: %w", res.Lines, err)
		}
		if n > 1 {
			err := &repository.MultipleMatchingRowsError{ID: id, Count: n}
			log.Error().Err(err).Int("row", res.Lines).Msg("dedupe invariant broken")
			return res, err
		}
		if n == 1 {
			res.Skipped++
			res.Dates.Skipped.Extend(rec.Datetime)
			continue
		}

		inserted, err := s.store(ctx, src, rec, id, account, res.Lines)
		if err != nil {
			var invalid *invalidRecordError
			var missingAcct *repository.AccountNotFoundError
			if !errors.As(err, &invalid) && !errors.As(err, &missingAcct) {
				return res, fmt.Errorf("row %d: %w", res.Lines, err)
			}
			res.Invalid++
			res.Problems = append(res.Problems, err.Error())
			log.Warn().Err(err).Int("row", res.Lines).Msg("invalid record")
			continue
		}
		if !inserted {
			res.Skipped++
			res.Dates.Skipped.Extend(rec.Datetime)
			continue
		}
		res.insert(id, account)
		res.Dates.Inserted.Extend(rec.Datetime)
		log.Debug().
			Str("id", id).
			Str("account", account).
			Time("datetime", rec.Datetime).
			Str("description", rec.Description).
			Msg("inserted")
	}

	log.Info().
		Int("lines", res.Lines).
		Int("inserted", res.Inserted).
		Int("skipped", res.Skipped).
		Int("invalid", res.Invalid).
		Msg("ingest finished")
	return res, nil
}

func (s *IngestService) store(ctx context.Context, src Source, rec Record, id, account string, line int) (bool, error) {
	if missing := rec.missing(src.MustExistBeforeSaving, account); len(missing) > 0 {
		return false, &invalidRecordError{line: line, reason: strings.Join(missing, ", ") + " must be set"}
	}
	if account == "" {
		return false, &invalidRecordError{line: line, reason: "no account"}
	}
	if rec.Credit.Valid && rec.Debit.Valid {
		return false, &invalidRecordError{line: line, reason: "both credit and debit are set"}
	}

	var inserted bool
	err := database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		if s.CreateMissingAccounts {
			created, err := repository.NewAccountRepo(tx).EnsureExists(ctx, account, account)
			if err != nil {
				return fmt.Errorf("ensure account %s: %w", account, err)
			}
			if created {
				s.Log.Info().Str("account", account).Msg("account created")
			}
		}
		var err error
		inserted, err = repository.NewTransactionRepo(tx).InsertIfAbsent(ctx, repository.Transaction{
			ID:          id,
			Datetime:    rec.Datetime,
			AccountID:   account,
			Description: rec.Description,
			Credit:      rec.Credit,
			Debit:       rec.Debit,
			Balance:     rec.Balance,
			Type:        rec.Type,
			Raw:         rec.Raw,
		})
		if err != nil || !inserted {
			return err
		}
		return s.enrich(ctx, tx, id, rec)
	})
	return inserted, err
}

// enrich stores parser-supplied overlay values. Nothing is written when the
// parser supplied none.
func (s *IngestService) enrich(ctx context.Context, tx *sql.Tx, id string, rec Record) error {
	e := repository.Enrichment{ID: id, AutoCategorize: true}
	if rec.RevisedDescription != nil && *rec.RevisedDescription != "" {
		e.Description = rec.RevisedDescription
	}
	if len(rec.Tags) > 0 {
		e.Tags = &repository.ManualAnnotation{Values: rec.Tags}
	}
	if len(rec.Party) > 0 {
		e.Party = &repository.ManualAnnotation{Values: rec.Party}
	}
	if e.Description == nil && e.Tags == nil && e.Party == nil {
		return nil
	}
	return repository.NewEnrichmentRepo(tx).Upsert(ctx, e)
}

// FingerprintMigration reports a MigrateFingerprints run.
type FingerprintMigration struct {
	Scanned    int
	Renamed    int
	Unchanged  int
	Foreign    int
	Collisions int
}

// MigrateFingerprints re-keys the account's transactions whose id is their
// fingerprint under oldKeys to their fingerprint under newKeys. Transactions
// and their overlays move together in one store transaction. A new id that is
// already taken is counted as a collision and left alone.
func (s *IngestService) MigrateFingerprints(ctx context.Context, accountID string, oldKeys, newKeys []string) (FingerprintMigration, error) {
	var out FingerprintMigration
	err := database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		txs := repository.NewTransactionRepo(tx)
		list, err := txs.ListByAccount(ctx, accountID)
		if err != nil {
			return err
		}
		for _, t := range list {
			out.Scanned++
			rec := Record{
				Datetime:    t.Datetime,
				Description: t.Description,
				Credit:      t.Credit,
				Debit:       t.Debit,
				Balance:     t.Balance,
				Type:        t.Type,
			}
			processed := rec.processed(t.AccountID)
			if fingerprint.Fingerprint(t.Raw, processed, oldKeys) != t.ID {
				out.Foreign++
				continue
			}
			newID := fingerprint.Fingerprint(t.Raw, processed, newKeys)
			if newID == t.ID {
				out.Unchanged++
				continue
			}
			n, err := txs.CountByID(ctx, newID)
			if err != nil {
				return err
			}
			if n > 0 {
				out.Collisions++
				s.Log.Warn().Str("old_id", t.ID).Str("new_id", newID).Msg("fingerprint collision, row kept")
				continue
			}
			if err := txs.Rename(ctx, t.ID, newID); err != nil {
				return fmt.Errorf("rename %s: %w", t.ID, err)
			}
			out.Renamed++
		}
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("migrate fingerprints of %s: %w", accountID, err)
	}
	s.Log.Info().
		Str("account_id", accountID).
		Int("scanned", out.Scanned).
		Int("renamed", out.Renamed).
		Int("collisions", out.Collisions).
		Msg("fingerprints migrated")
	return out, nil
}
