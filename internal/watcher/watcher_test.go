package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestDebouncerCollapsesBursts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	d := NewDebouncer(50*time.Millisecond, func() { calls.Add(1) })
	for i := 0; i < 5; i++ {
		d.Trigger()
		time.Sleep(10 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())

	d.Stop()
	d.Trigger()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}

func TestWatcherProcessesExistingAndNewFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.csv"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	processed := make(chan string, 10)
	quiet := make(chan struct{}, 10)
	w := &Watcher{
		Dir:    dir,
		Quiet:  150 * time.Millisecond,
		Settle: 50 * time.Millisecond,
		Process: func(_ context.Context, path string) error {
			processed <- filepath.Base(path)
			return nil
		},
		OnQuiet: func(context.Context) { quiet <- struct{}{} },
		Log:     zerolog.Nop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Equal(t, "a.csv", waitFor(t, processed))
	waitFor(t, quiet)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.CSV"), []byte("y"), 0o644))
	require.Equal(t, "b.CSV", waitFor(t, processed))
	waitFor(t, quiet)

	cancel()
	require.NoError(t, <-done)
	require.Empty(t, processed)
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}
