// Package events carries the batch-completion signal from the ingest side to
// the classification side, either in process or over Kafka.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// BatchCompleted is fired once a burst of ingested files has gone quiet.
type BatchCompleted struct {
	BatchID     string    `json:"batch_id"`
	Files       []string  `json:"files"`
	InsertedIDs []string  `json:"inserted_ids"`
	Accounts    []string  `json:"accounts"`
	CompletedAt time.Time `json:"completed_at"`
}

// Handler reacts to a completed batch.
type Handler func(ctx context.Context, ev BatchCompleted) error

// Publisher sends batch-completion events.
type Publisher interface {
	Publish(ctx context.Context, ev BatchCompleted) error
	Close() error
}

// Subscriber delivers batch-completion events to a handler until ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// LocalBus delivers events to in-process handlers synchronously, in
// subscription order.
type LocalBus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewLocalBus() *LocalBus { return &LocalBus{} }

// Subscribe registers h. It does not block.
func (b *LocalBus) Subscribe(_ context.Context, h Handler) error {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
	return nil
}

// Publish runs every handler and returns their combined errors.
func (b *LocalBus) Publish(ctx context.Context, ev BatchCompleted) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.RUnlock()

	var errs error
	for _, h := range handlers {
		errs = multierr.Append(errs, h(ctx, ev))
	}
	return errs
}

func (b *LocalBus) Close() error { return nil }
