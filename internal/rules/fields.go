package rules

import (
	"database/sql"
	"sort"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"
)

// Row is the evaluable shape of a transaction as seen by rules. Field names
// mirror the columns of transaction_view so that a predicate evaluated here
// and the same predicate run by the store agree.
type Row struct {
	Description        sql.NullString
	OrigDescription    sql.NullString
	RevisedDescription sql.NullString
	Account            sql.NullString
	AccountShortname   sql.NullString
	Type               sql.NullString
	Amount             decimal.Decimal
	Credit             decimal.NullDecimal
	Debit              decimal.NullDecimal
	Balance            decimal.NullDecimal
	Tags               sql.NullString // effective tags, JSON array
	AutoTags           sql.NullString // {"tags":[...],"rule":[...]}
	ManualTags         sql.NullString // JSON array
	Party              sql.NullString
	AutoParty          sql.NullString
	ManualParty        sql.NullString
}

type fieldKind int

const (
	textField fieldKind = iota
	numberField
	jsonField
)

type field struct {
	name   string
	kind   fieldKind
	text   func(*Row) sql.NullString
	number func(*Row) decimal.NullDecimal
}

func textOf(name string, get func(*Row) sql.NullString) field {
	return field{name: name, kind: textField, text: get}
}

func jsonOf(name string, get func(*Row) sql.NullString) field {
	return field{name: name, kind: jsonField, text: get}
}

func numberOf(name string, get func(*Row) decimal.NullDecimal) field {
	return field{name: name, kind: numberField, number: get}
}

// fieldTable is the allowlist. The key is also the column emitted into SQL,
// so nothing outside this table can reach the query.
var fieldTable = map[string]field{
	"description":         textOf("description", func(r *Row) sql.NullString { return r.Description }),
	"orig_description":    textOf("orig_description", func(r *Row) sql.NullString { return r.OrigDescription }),
	"revised_description": textOf("revised_description", func(r *Row) sql.NullString { return r.RevisedDescription }),
	"account":             textOf("account", func(r *Row) sql.NullString { return r.Account }),
	"account_number":      textOf("account_number", func(r *Row) sql.NullString { return r.Account }),
	"account_shortname":   textOf("account_shortname", func(r *Row) sql.NullString { return r.AccountShortname }),
	"type":                textOf("type", func(r *Row) sql.NullString { return r.Type }),
	"amount": numberOf("amount", func(r *Row) decimal.NullDecimal {
		return decimal.NullDecimal{Decimal: r.Amount, Valid: true}
	}),
	"credit":       numberOf("credit", func(r *Row) decimal.NullDecimal { return r.Credit }),
	"debit":        numberOf("debit", func(r *Row) decimal.NullDecimal { return r.Debit }),
	"balance":      numberOf("balance", func(r *Row) decimal.NullDecimal { return r.Balance }),
	"tags":         jsonOf("tags", func(r *Row) sql.NullString { return r.Tags }),
	"auto_tags":    jsonOf("auto_tags", func(r *Row) sql.NullString { return r.AutoTags }),
	"manual_tags":  jsonOf("manual_tags", func(r *Row) sql.NullString { return r.ManualTags }),
	"party":        jsonOf("party", func(r *Row) sql.NullString { return r.Party }),
	"auto_party":   jsonOf("auto_party", func(r *Row) sql.NullString { return r.AutoParty }),
	"manual_party": jsonOf("manual_party", func(r *Row) sql.NullString { return r.ManualParty }),
}

// FieldNames lists every field a rule may reference.
func FieldNames() []string {
	names := make([]string, 0, len(fieldTable))
	for name := range fieldTable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// textValue renders the field the way sqlite does when it needs text.
func (f field) textValue(r *Row) (string, bool) {
	if f.kind == numberField {
		n := f.number(r)
		if !n.Valid {
			return "", false
		}
		return n.Decimal.String(), true
	}
	s := f.text(r)
	return s.String, s.Valid
}

// numberValue coerces the field to a number the way CAST(x AS REAL) does.
func (f field) numberValue(r *Row) (decimal.Decimal, bool) {
	if f.kind == numberField {
		n := f.number(r)
		return n.Decimal, n.Valid
	}
	s := f.text(r)
	if !s.Valid {
		return decimal.Zero, false
	}
	return castReal(s.String), true
}

func (f field) isBlank(r *Row) bool {
	if f.kind == numberField {
		return !f.number(r).Valid
	}
	s := f.text(r)
	if !s.Valid || s.String == "" {
		return true
	}
	return f.kind == jsonField && (s.String == "[]" || s.String == "{}")
}

// suggest returns the closest allowed name, or "" when nothing is near.
func suggest(name string, allowed map[string]field) string {
	best, bestDist := "", -1
	names := make([]string, 0, len(allowed))
	for n := range allowed {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		d := levenshtein.ComputeDistance(name, n)
		if bestDist == -1 || d < bestDist {
			best, bestDist = n, d
		}
	}
	if bestDist < 0 || bestDist > 3 || bestDist >= len(name) {
		return ""
	}
	return best
}
