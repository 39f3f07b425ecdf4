package repository

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// AutoTags are rule-assigned tags plus the ids of every rule that touched
// them. Stored as {"tags":[...],"rule":[...]}, or {} when empty.
type AutoTags struct {
	Tags  []string
	Rules []int64
}

type autoTagsJSON struct {
	Tags  []string `json:"tags"`
	Rules []int64  `json:"rule"`
}

// IsZero reports whether there is nothing to store.
func (a AutoTags) IsZero() bool { return len(a.Tags) == 0 }

// Merge returns the union of a with tags, recording ruleID. Existing order is
// kept and new values are appended.
func (a AutoTags) Merge(tags []string, ruleID int64) AutoTags {
	out := AutoTags{
		Tags:  unionStrings(a.Tags, tags),
		Rules: append([]int64(nil), a.Rules...),
	}
	if !out.HasRule(ruleID) {
		out.Rules = append(out.Rules, ruleID)
	}
	return out
}

// HasRule reports whether ruleID is in the audit trail.
func (a AutoTags) HasRule(ruleID int64) bool {
	for _, id := range a.Rules {
		if id == ruleID {
			return true
		}
	}
	return false
}

func (a AutoTags) MarshalJSON() ([]byte, error) {
	if a.IsZero() {
		return []byte("{}"), nil
	}
	rulesOut := a.Rules
	if rulesOut == nil {
		rulesOut = []int64{}
	}
	return json.Marshal(autoTagsJSON{Tags: a.Tags, Rules: rulesOut})
}

func (a *AutoTags) UnmarshalJSON(b []byte) error {
	var v autoTagsJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("decode auto tags: %w", err)
	}
	*a = AutoTags{Tags: v.Tags, Rules: v.Rules}
	return nil
}

func (a AutoTags) Value() (driver.Value, error) {
	b, err := a.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (a *AutoTags) Scan(src any) error {
	return scanJSON(src, a, func() { *a = AutoTags{} })
}

// AutoParty is the rule-assigned party. Only the last matching rule is kept.
// Stored as {"party":[...],"rule":id}, or {} when empty.
type AutoParty struct {
	Party []string
	Rule  int64
}

type autoPartyJSON struct {
	Party []string `json:"party"`
	Rule  int64    `json:"rule"`
}

func (p AutoParty) IsZero() bool { return len(p.Party) == 0 }

func (p AutoParty) MarshalJSON() ([]byte, error) {
	if p.IsZero() {
		return []byte("{}"), nil
	}
	return json.Marshal(autoPartyJSON{Party: p.Party, Rule: p.Rule})
}

func (p *AutoParty) UnmarshalJSON(b []byte) error {
	var v autoPartyJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("decode auto party: %w", err)
	}
	*p = AutoParty{Party: v.Party, Rule: v.Rule}
	return nil
}

func (p AutoParty) Value() (driver.Value, error) {
	b, err := p.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *AutoParty) Scan(src any) error {
	return scanJSON(src, p, func() { *p = AutoParty{} })
}

// ManualAnnotation is a user-entered list, stored as a bare JSON array.
type ManualAnnotation struct {
	Values []string
}

func (m ManualAnnotation) MarshalJSON() ([]byte, error) {
	if m.Values == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m.Values)
}

func (m *ManualAnnotation) UnmarshalJSON(b []byte) error {
	var v []string
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("decode manual annotation: %w", err)
	}
	m.Values = v
	return nil
}

func (m ManualAnnotation) Value() (driver.Value, error) {
	b, err := m.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *ManualAnnotation) Scan(src any) error {
	return scanJSON(src, m, func() { *m = ManualAnnotation{} })
}

func scanJSON(src any, dst json.Unmarshaler, reset func()) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		reset()
		return nil
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return fmt.Errorf("unsupported annotation column type %T", src)
	}
	if len(b) == 0 {
		reset()
		return nil
	}
	return dst.UnmarshalJSON(b)
}

func unionStrings(existing, add []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, list := range [][]string{existing, add} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
