package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jask/jaskledger/internal/database/repository"
	"github.com/jask/jaskledger/internal/events"
)

// ParseFunc turns a statement file into records.
type ParseFunc func(path string) (Source, []Record, error)

// BatchCollector ingests files one by one and, when told the burst is over,
// publishes what the burst inserted as one BatchCompleted event.
type BatchCollector struct {
	Ingest    *IngestService
	Parse     ParseFunc
	Publisher events.Publisher
	Log       zerolog.Logger

	mu       sync.Mutex
	files    []string
	inserted []string
	accounts map[string]struct{}
}

// ProcessFile parses and ingests path, remembering its inserts for the
// current batch.
func (b *BatchCollector) ProcessFile(ctx context.Context, path string) (ParseResults, error) {
	src, recs, err := b.Parse(path)
	if err != nil {
		return ParseResults{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	res, err := b.Ingest.Ingest(ctx, src, recs)
	b.record(path, res)
	return res, err
}

func (b *BatchCollector) record(path string, res ParseResults) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.accounts == nil {
		b.accounts = map[string]struct{}{}
	}
	b.files = append(b.files, filepath.Base(path))
	b.inserted = append(b.inserted, res.InsertedIDs...)
	for _, a := range res.Accounts {
		b.accounts[a] = struct{}{}
	}
}

// Flush publishes the pending batch and starts a new one. A batch with no
// files is not published.
func (b *BatchCollector) Flush(ctx context.Context) (events.BatchCompleted, error) {
	b.mu.Lock()
	ev := events.BatchCompleted{
		BatchID:     uuid.NewString(),
		Files:       b.files,
		InsertedIDs: b.inserted,
		CompletedAt: time.Now().UTC(),
	}
	for a := range b.accounts {
		ev.Accounts = append(ev.Accounts, a)
	}
	sort.Strings(ev.Accounts)
	b.files, b.inserted, b.accounts = nil, nil, nil
	b.mu.Unlock()

	if len(ev.Files) == 0 {
		return ev, nil
	}
	b.Log.Info().
		Str("batch_id", ev.BatchID).
		Int("files", len(ev.Files)).
		Int("inserted", len(ev.InsertedIDs)).
		Msg("batch completed")
	if err := b.Publisher.Publish(ctx, ev); err != nil {
		return ev, fmt.Errorf("publish batch %s: %w", ev.BatchID, err)
	}
	return ev, nil
}

// PostIngest is the batch-completion subscriber: it classifies the batch's
// new transactions, then rebuilds balance history of the touched accounts
// that have anchors.
type PostIngest struct {
	Classifier *Classifier
	Queue      *ReclassifyQueue
	Reconciler *BalanceReconciler
	History    *repository.AccountHistoryRepo
	Log        zerolog.Logger
}

// BatchOutcome reports one handled batch.
type BatchOutcome struct {
	Classification RunSummary
	Reconciled     []ReconcileSummary
}

// Handle implements events.Handler.
func (p *PostIngest) Handle(ctx context.Context, ev events.BatchCompleted) error {
	_, err := p.Run(ctx, ev)
	return err
}

// Run processes ev. Classification goes through the queue so it never
// overlaps a rule edit's reclassification.
func (p *PostIngest) Run(ctx context.Context, ev events.BatchCompleted) (BatchOutcome, error) {
	var out BatchOutcome
	if len(ev.InsertedIDs) == 0 {
		return out, nil
	}
	scope := append([]string{}, ev.InsertedIDs...)
	job, err := p.Queue.Enqueue(ctx, "batch "+ev.BatchID, 0, scope, func(ctx context.Context) (RunSummary, error) {
		return p.Classifier.ApplyAllRules(ctx, scope)
	})
	if err != nil {
		return out, fmt.Errorf("queue classification of batch %s: %w", ev.BatchID, err)
	}
	if out.Classification, err = job.Wait(ctx); err != nil {
		return out, fmt.Errorf("classify batch %s: %w", ev.BatchID, err)
	}

	anchored, err := p.History.AccountsWithAnchors(ctx, ev.Accounts)
	if err != nil {
		return out, err
	}
	out.Reconciled, err = p.Reconciler.RecalculateAccounts(ctx, anchored)
	p.Log.Info().
		Str("batch_id", ev.BatchID).
		Int("classified", out.Classification.TotalMatched).
		Int("accounts", len(anchored)).
		Msg("batch post-processing finished")
	return out, err
}
