// Package watcher feeds statement files dropped into a directory to an
// ingest function, one at a time, and signals when a burst of files is over.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultSettle is how long a file must stay unchanged before it is read.
const DefaultSettle = 500 * time.Millisecond

// Watcher processes *.csv files appearing in Dir. Files present at start are
// processed too. OnQuiet runs once nothing was queued or processed for Quiet.
type Watcher struct {
	Dir     string
	Quiet   time.Duration
	Settle  time.Duration
	Process func(ctx context.Context, path string) error
	OnQuiet func(ctx context.Context)
	Log     zerolog.Logger

	mu       sync.Mutex
	settling map[string]*Debouncer
	inflight int
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.Dir, err)
	}

	settle := w.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	w.settling = map[string]*Debouncer{}
	queue := make(chan string, 256)
	quiet := NewDebouncer(w.Quiet, func() { w.fireQuiet(ctx) })
	defer quiet.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for path := range queue {
			w.process(ctx, path)
			w.mu.Lock()
			w.inflight--
			w.mu.Unlock()
			quiet.Trigger()
		}
	}()
	defer func() {
		w.mu.Lock()
		for _, d := range w.settling {
			d.Stop()
		}
		w.mu.Unlock()
		close(queue)
		wg.Wait()
	}()

	enqueue := func(path string) {
		w.mu.Lock()
		w.inflight++
		w.mu.Unlock()
		quiet.Trigger()
		select {
		case queue <- path:
		case <-ctx.Done():
		}
	}

	existing, err := csvFiles(w.Dir)
	if err != nil {
		return err
	}
	for _, path := range existing {
		enqueue(path)
	}
	w.Log.Info().Str("dir", w.Dir).Int("existing", len(existing)).Msg("watching for statement files")

	ready := make(chan string)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isCSV(ev.Name) || !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			w.settleFile(ctx, ev.Name, settle, ready)
		case path := <-ready:
			enqueue(path)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Log.Error().Err(err).Msg("watch error")
		}
	}
}

// settleFile delays handing path over until its writes stop.
func (w *Watcher) settleFile(ctx context.Context, path string, settle time.Duration, ready chan<- string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.settling[path]
	if !ok {
		d = NewDebouncer(settle, func() {
			w.mu.Lock()
			delete(w.settling, path)
			w.mu.Unlock()
			select {
			case ready <- path:
			case <-ctx.Done():
			}
		})
		w.settling[path] = d
	}
	d.Trigger()
}

func (w *Watcher) process(ctx context.Context, path string) {
	start := time.Now()
	if err := w.Process(ctx, path); err != nil {
		w.Log.Error().Err(err).Str("file", path).Msg("file processing failed")
		return
	}
	w.Log.Info().Str("file", filepath.Base(path)).Dur("took", time.Since(start)).Msg("file processed")
}

func (w *Watcher) fireQuiet(ctx context.Context) {
	w.mu.Lock()
	busy := w.inflight > 0 || len(w.settling) > 0
	w.mu.Unlock()
	if busy || ctx.Err() != nil || w.OnQuiet == nil {
		return
	}
	w.OnQuiet(ctx)
}

func isCSV(path string) bool { return strings.EqualFold(filepath.Ext(path), ".csv") }

func csvFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && isCSV(e.Name()) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
