package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jask/jaskledger/internal/database"
)

// MaintenanceService houses destructive operations.
type MaintenanceService struct {
	DB  *sql.DB
	Log zerolog.Logger
}

// resetTables lists data tables children first.
var resetTables = []string{
	"account_history",
	"transaction_enriched",
	"transactions",
	"rules",
	"accounts",
}

// Reset wipes all user data. The schema stays intact. With keepRules the rule
// set survives.
func (s *MaintenanceService) Reset(ctx context.Context, keepRules bool) error {
	if s.DB == nil {
		return fmt.Errorf("maintenance: db not configured")
	}
	if err := database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		for _, t := range resetTables {
			if keepRules && t == "rules" {
				continue
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+t); err != nil {
				return fmt.Errorf("reset table %s: %w", t, err)
			}
		}
		return nil
	}); err != nil {
		return err
	}
	s.Log.Warn().Bool("keep_rules", keepRules).Msg("all data wiped")
	_, _ = s.DB.ExecContext(ctx, "VACUUM")
	return nil
}

// DeleteDerivedHistory removes every reconciliation row of accountID, or of
// every account when accountID is empty. Manual balances are kept.
func (s *MaintenanceService) DeleteDerivedHistory(ctx context.Context, accountID string) (int64, error) {
	q := `DELETE FROM account_history WHERE json_extract(data, '$.from') = 'recreation'`
	var args []any
	if accountID != "" {
		q += ` AND account_id = ?`
		args = append(args, accountID)
	}
	res, err := s.DB.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("delete derived history: %w", err)
	}
	return res.RowsAffected()
}
