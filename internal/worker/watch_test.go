package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type reloads chan string

func (r reloads) Reload(_ context.Context, src string) error {
	r <- src
	return nil
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "nb.star")
	require.NoError(t, os.WriteFile(name, []byte("x = 1\n"), 0o644))

	got := make(reloads, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, name, got) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// The watcher registers asynchronously, so keep writing until it notices.
	require.Eventually(t, func() bool {
		if err := os.WriteFile(name, []byte("x = 2\n"), 0o644); err != nil {
			return false
		}
		select {
		case src := <-got:
			return src == "x = 2\n"
		case <-time.After(300 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 50*time.Millisecond)
}

func TestWatchIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "nb.star")
	require.NoError(t, os.WriteFile(name, []byte("x = 1\n"), 0o644))

	got := make(reloads, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, name, got) }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("hi"), 0o644))
	select {
	case src := <-got:
		t.Fatalf("unexpected reload: %q", src)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	require.NoError(t, <-done)
}
