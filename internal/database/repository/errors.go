package repository

import "fmt"

// AccountNotFoundError is returned when a balance or transaction references
// an account that does not exist.
type AccountNotFoundError struct {
	AccountID string
}

func (e *AccountNotFoundError) Error() string {
	return fmt.Sprintf("account ID '%s' does not exist", e.AccountID)
}

// MultipleMatchingRowsError signals a broken dedupe invariant: more than one
// stored row shares a fingerprint.
type MultipleMatchingRowsError struct {
	ID    string
	Count int
}

func (e *MultipleMatchingRowsError) Error() string {
	return fmt.Sprintf("%d rows share transaction id %s", e.Count, e.ID)
}
