// Package csvimport turns bank CSV exports into normalized records using a
// column mapping declared in config.
package csvimport

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jask/jaskledger/internal/service"
)

// Format maps the columns of one bank export to record fields.
//
// Either Account (a fixed account id) or AccountColumn must be set. Amounts
// come from AmountColumn (signed, positive is a credit) or from the
// CreditColumn/DebitColumn pair. When Headers is set the file has no header
// row and Headers names its columns.
type Format struct {
	Name              string   `mapstructure:"name"`
	FilePattern       string   `mapstructure:"file_pattern"`
	Account           string   `mapstructure:"account"`
	AccountColumn     string   `mapstructure:"account_column"`
	Delimiter         string   `mapstructure:"delimiter"`
	Headers           []string `mapstructure:"headers"`
	DateColumn        string   `mapstructure:"date_column"`
	DateLayout        string   `mapstructure:"date_layout"`
	Timezone          string   `mapstructure:"timezone"`
	DescriptionColumn string   `mapstructure:"description_column"`
	AmountColumn      string   `mapstructure:"amount_column"`
	CreditColumn      string   `mapstructure:"credit_column"`
	DebitColumn       string   `mapstructure:"debit_column"`
	BalanceColumn     string   `mapstructure:"balance_column"`
	TypeColumn        string   `mapstructure:"type_column"`
	Reverse           bool     `mapstructure:"reverse"`
	UniqueColumns     []string `mapstructure:"unique_columns"`
	MustExist         []string `mapstructure:"must_exist"`
}

// Validate checks the mapping is usable.
func (f Format) Validate() error {
	var problems []string
	if f.Name == "" {
		problems = append(problems, "name is required")
	}
	if f.Account == "" && f.AccountColumn == "" {
		problems = append(problems, "account or account_column is required")
	}
	if f.DateColumn == "" || f.DateLayout == "" {
		problems = append(problems, "date_column and date_layout are required")
	}
	if f.AmountColumn == "" && f.CreditColumn == "" && f.DebitColumn == "" {
		problems = append(problems, "amount_column or credit_column/debit_column is required")
	}
	if len(f.UniqueColumns) == 0 {
		problems = append(problems, "unique_columns is required")
	}
	if len([]rune(f.Delimiter)) > 1 {
		problems = append(problems, "delimiter must be a single character")
	}
	if f.FilePattern != "" {
		if _, err := filepath.Match(f.FilePattern, ""); err != nil {
			problems = append(problems, fmt.Sprintf("file_pattern: %v", err))
		}
	}
	if _, err := f.location(); err != nil {
		problems = append(problems, fmt.Sprintf("timezone: %v", err))
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, ", "))
	}
	return nil
}

// Matches reports whether the file's base name fits FilePattern.
func (f Format) Matches(fileName string) bool {
	if f.FilePattern == "" {
		return false
	}
	ok, _ := filepath.Match(f.FilePattern, filepath.Base(fileName))
	return ok
}

// Select returns the first format matching fileName.
func Select(formats []Format, fileName string) (Format, bool) {
	for _, f := range formats {
		if f.Matches(fileName) {
			return f, true
		}
	}
	return Format{}, false
}

// ByName returns the format called name.
func ByName(formats []Format, name string) (Format, bool) {
	for _, f := range formats {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return Format{}, false
}

func (f Format) location() (*time.Location, error) {
	if f.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(f.Timezone)
}

// Parse reads r and returns the source description plus one record per data
// row. Rows whose date cannot be parsed keep a zero Datetime so the ingest
// step counts them as skipped.
func (f Format) Parse(r io.Reader, fileName string) (service.Source, []service.Record, error) {
	src := service.Source{
		Name:                  f.Name,
		File:                  filepath.Base(fileName),
		AccountID:             f.Account,
		UniqueColumns:         f.UniqueColumns,
		MustExistBeforeSaving: f.MustExist,
	}
	loc, err := f.location()
	if err != nil {
		return src, nil, err
	}

	csvr := csv.NewReader(bufio.NewReader(r))
	csvr.TrimLeadingSpace = true
	csvr.FieldsPerRecord = -1
	if f.Delimiter != "" {
		csvr.Comma = []rune(f.Delimiter)[0]
	}

	headers := f.Headers
	if len(headers) == 0 {
		headers, err = csvr.Read()
		if errors.Is(err, io.EOF) {
			return src, nil, nil
		}
		if err != nil {
			return src, nil, fmt.Errorf("read header: %w", err)
		}
		for i := range headers {
			headers[i] = strings.TrimSpace(strings.TrimPrefix(headers[i], "\ufeff"))
		}
	}

	var records []service.Record
	line := 0
	for {
		line++
		row, err := csvr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return src, records, fmt.Errorf("line %d: %w", line, err)
		}
		raw := make(map[string]string, len(headers)+1)
		for i, h := range headers {
			if i < len(row) {
				raw[h] = row[i]
			}
		}
		raw["file"] = src.File
		records = append(records, f.record(raw, loc))
	}
	if f.Reverse {
		for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
			records[i], records[j] = records[j], records[i]
		}
	}
	return src, records, nil
}

func (f Format) record(raw map[string]string, loc *time.Location) service.Record {
	rec := service.Record{
		Account:     f.Account,
		Description: strings.TrimSpace(raw[f.DescriptionColumn]),
		Raw:         raw,
	}
	if f.AccountColumn != "" {
		rec.Account = strings.TrimSpace(raw[f.AccountColumn])
	}
	if t, err := time.ParseInLocation(f.DateLayout, strings.TrimSpace(raw[f.DateColumn]), loc); err == nil {
		rec.Datetime = t.UTC()
	}
	if f.TypeColumn != "" {
		rec.Type = strings.TrimSpace(raw[f.TypeColumn])
	}
	if f.AmountColumn != "" {
		if amt, ok := ParseAmount(raw[f.AmountColumn]); ok {
			if amt.IsNegative() {
				rec.Debit = decimal.NewNullDecimal(amt.Neg())
			} else {
				rec.Credit = decimal.NewNullDecimal(amt)
			}
		}
	} else {
		if amt, ok := ParseAmount(raw[f.CreditColumn]); ok && f.CreditColumn != "" {
			rec.Credit = decimal.NewNullDecimal(amt.Abs())
		}
		if amt, ok := ParseAmount(raw[f.DebitColumn]); ok && f.DebitColumn != "" {
			rec.Debit = decimal.NewNullDecimal(amt.Abs())
		}
	}
	if f.BalanceColumn != "" {
		if bal, ok := ParseAmount(raw[f.BalanceColumn]); ok {
			rec.Balance = decimal.NewNullDecimal(bal)
		}
	}
	return rec
}

// ParseAmount reads a money cell such as "+1,234.50", "$-20" or "(12.00)".
// Empty cells report false.
func ParseAmount(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	s = strings.NewReplacer(",", "", "$", "", "+", "", " ", "").Replace(s)
	if strings.HasSuffix(s, "CR") {
		s = strings.TrimSuffix(s, "CR")
	} else if strings.HasSuffix(s, "DR") {
		s = strings.TrimSuffix(s, "DR")
		neg = !neg
	}
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	if neg {
		d = d.Neg()
	}
	return d, true
}
