package rules

import "fmt"

// SyntaxError reports a rule that does not reduce to a valid expression.
type SyntaxError struct {
	Rule string
	Pos  int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at position %d in %q: %s", e.Pos, e.Rule, e.Msg)
}

// FieldNotAllowedError reports a field outside the allowlist.
type FieldNotAllowedError struct {
	Field      string
	Rule       string
	Suggestion string
}

func (e *FieldNotAllowedError) Error() string {
	msg := fmt.Sprintf("field '%s' is not allowed in %s", e.Field, e.Rule)
	if e.Suggestion != "" {
		msg += fmt.Sprintf(" (did you mean '%s'?)", e.Suggestion)
	}
	return msg
}
