package repository

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/jask/jaskledger/internal/database"
	"github.com/jask/jaskledger/internal/rules"
)

// Account represents an account row.
type Account struct {
	ID          string
	Name        string
	Shortname   *string
	Institution *string
	Currency    *string
	Type        *string
	ParentID    *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Transaction represents a transaction row. Credit and Debit are never both set.
type Transaction struct {
	ID          string
	Datetime    time.Time
	AccountID   string
	Description string
	Credit      decimal.NullDecimal
	Debit       decimal.NullDecimal
	Balance     decimal.NullDecimal
	Type        string
	Tags        AutoTags
	Party       AutoParty
	Raw         map[string]string
	Notes       *string
	InsertedAt  time.Time
}

// Delta is the signed effect of the transaction on its account balance.
func (t Transaction) Delta() decimal.Decimal {
	d := decimal.Zero
	if t.Credit.Valid {
		d = d.Add(t.Credit.Decimal)
	}
	if t.Debit.Valid {
		d = d.Sub(t.Debit.Decimal)
	}
	return d
}

// Enrichment is the manual overlay for one transaction.
type Enrichment struct {
	ID             string
	Tags           *ManualAnnotation
	Party          *ManualAnnotation
	Description    *string
	AutoCategorize bool
}

// Rule is a persisted classification rule.
type Rule struct {
	ID        int64
	Rule      string
	Group     string
	Tags      []string
	Party     []string
	Comment   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TransactionView is one row of transaction_view.
type TransactionView struct {
	ID             string
	Datetime       time.Time
	AutoCategorize bool
	rules.Row
}

// History origins stored in account_history.data.from.
const (
	OriginManual     = "manual"
	OriginRecreation = "recreation"
)

// Anchor sources.
const (
	SourceAccountHistory = "account_history"
	SourceTransaction    = "transaction"
)

// BalancePoint describes the anchor a derived balance was computed from.
type BalancePoint struct {
	Datetime string          `json:"datetime"`
	Balance  decimal.Decimal `json:"balance"`
	Source   string          `json:"source"`
}

// HistoryData is the JSON metadata of an account_history row.
type HistoryData struct {
	From                string           `json:"from,omitempty"`
	Direction           string           `json:"direction,omitempty"`
	SourceBalanceFrom   *BalancePoint    `json:"source_balance_from,omitempty"`
	SourceBalanceNext   *BalancePoint    `json:"source_balance_next,omitempty"`
	TransactionID       string           `json:"transaction_id,omitempty"`
	IsManualBalance     bool             `json:"is_manual_balance,omitempty"`
	FinalForwardBalance *decimal.Decimal `json:"final_forward_balance,omitempty"`
	Note                string           `json:"note,omitempty"`
}

// IsDerived reports whether the row was produced by reconciliation.
func (d HistoryData) IsDerived() bool { return d.From == OriginRecreation }

// HistoryEntry is an account_history row.
type HistoryEntry struct {
	ID        int64
	AccountID string
	Datetime  time.Time
	Balance   decimal.Decimal
	Data      HistoryData
	// RawData is the stored JSON text, kept for byte-level comparisons.
	RawData string
}

// Anchor is a balance observation treated as ground truth.
type Anchor struct {
	Datetime time.Time
	Balance  decimal.Decimal
	Source   string
	Ref      string
}

// Point renders the anchor as derived-row metadata.
func (a Anchor) Point() *BalancePoint {
	return &BalancePoint{Datetime: database.FormatTime(a.Datetime), Balance: a.Balance, Source: a.Source}
}

// SeriesPoint is one balance observation in an account history series.
type SeriesPoint struct {
	AccountID string
	Datetime  time.Time
	Balance   decimal.Decimal
}
