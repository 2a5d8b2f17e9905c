package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type batches struct {
	mu  sync.Mutex
	got [][]string
}

func (b *batches) flush(_ context.Context, batch [][]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	frames := make([]string, len(batch))
	for i, f := range batch {
		frames[i] = string(f)
	}
	b.got = append(b.got, frames)
	return nil
}

func (b *batches) snapshot() [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]string(nil), b.got...)
}

func (b *batches) total() int {
	n := 0
	for _, batch := range b.snapshot() {
		n += len(batch)
	}
	return n
}

func runBuffer(t *testing.T, buf *MessageBuffer) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = buf.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestMessageBufferBatchesQueuedFrames(t *testing.T) {
	out := &batches{}
	buf := NewMessageBuffer(16, 1000, 2, out.flush)
	for _, f := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, buf.Push(context.Background(), []byte(f)))
	}
	require.Equal(t, 5, buf.Len())

	runBuffer(t, buf)
	require.Eventually(t, func() bool { return out.total() == 5 }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, out.snapshot())
}

func TestMessageBufferPushBlocksWhenFull(t *testing.T) {
	buf := NewMessageBuffer(1, 0, 0, (&batches{}).flush)
	require.NoError(t, buf.Push(context.Background(), []byte("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, buf.Push(ctx, []byte("b")), context.DeadlineExceeded)
}

func TestMessageBufferDrainsOnStop(t *testing.T) {
	out := &batches{}
	buf := NewMessageBuffer(8, 0, 0, out.flush)
	for _, f := range []string{"a", "b", "c"} {
		require.NoError(t, buf.Push(context.Background(), []byte(f)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, buf.Run(ctx))
	require.Equal(t, 3, out.total())

	require.ErrorIs(t, buf.Push(context.Background(), []byte("late")), ErrBufferClosed)
}

func TestMessageBufferUnblocksPushOnceDrained(t *testing.T) {
	out := &batches{}
	buf := NewMessageBuffer(1, 1000, 0, out.flush)
	runBuffer(t, buf)

	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, buf.Push(ctx, []byte{byte('a' + i)}))
		cancel()
	}
	require.Eventually(t, func() bool { return out.total() == 20 }, 5*time.Second, 5*time.Millisecond)
}
