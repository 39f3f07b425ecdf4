package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jask/jaskledger/internal/database"
)

// EnrichmentRepo stores the manual overlay of transactions.
type EnrichmentRepo struct{ db database.DBTX }

func NewEnrichmentRepo(db database.DBTX) *EnrichmentRepo { return &EnrichmentRepo{db: db} }

// WithTx returns a repo bound to tx.
func (r *EnrichmentRepo) WithTx(tx *sql.Tx) *EnrichmentRepo { return &EnrichmentRepo{db: tx} }

// Upsert writes e. Nil fields keep whatever is already stored.
func (r *EnrichmentRepo) Upsert(ctx context.Context, e Enrichment) error {
	var tags, party any
	if e.Tags != nil {
		tags = *e.Tags
	}
	if e.Party != nil {
		party = *e.Party
	}
	auto := 0
	if e.AutoCategorize {
		auto = 1
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO transaction_enriched(id, tags, description, party, auto_categorize)
	VALUES(?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
	 tags = COALESCE(excluded.tags, transaction_enriched.tags),
	 description = COALESCE(excluded.description, transaction_enriched.description),
	 party = COALESCE(excluded.party, transaction_enriched.party),
	 auto_categorize = excluded.auto_categorize;
	`, e.ID, tags, e.Description, party, auto)
	return err
}

// Get returns nil when the transaction has no overlay.
func (r *EnrichmentRepo) Get(ctx context.Context, id string) (*Enrichment, error) {
	var e Enrichment
	var tags, party *ManualAnnotation
	var description sql.NullString
	var tagsRaw, partyRaw sql.NullString
	var auto int
	err := r.db.QueryRowContext(ctx, `
	SELECT id, tags, description, party, auto_categorize FROM transaction_enriched WHERE id = ?
	`, id).Scan(&e.ID, &tagsRaw, &description, &partyRaw, &auto)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if tagsRaw.Valid {
		tags = &ManualAnnotation{}
		if err := tags.Scan(tagsRaw.String); err != nil {
			return nil, err
		}
	}
	if partyRaw.Valid {
		party = &ManualAnnotation{}
		if err := party.Scan(partyRaw.String); err != nil {
			return nil, err
		}
	}
	e.Tags = tags
	e.Party = party
	e.Description = nullableString(description)
	e.AutoCategorize = auto != 0
	return &e, nil
}

// SetAutoCategorize toggles whether rules may annotate id.
func (r *EnrichmentRepo) SetAutoCategorize(ctx context.Context, id string, enabled bool) error {
	auto := 0
	if enabled {
		auto = 1
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO transaction_enriched(id, auto_categorize) VALUES(?, ?)
	ON CONFLICT(id) DO UPDATE SET auto_categorize = excluded.auto_categorize;
	`, id, auto)
	return err
}
