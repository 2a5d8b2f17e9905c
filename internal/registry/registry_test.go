package registry

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type previewReq struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

// sentLog records what a registry handed to its send function.
type sentLog struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (s *sentLog) send(_ context.Context, id string, _ previewReq) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	return s.err
}

func (s *sentLog) last(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.ids)
	return s.ids[len(s.ids)-1]
}

func (s *sentLog) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

func TestResolveDeliversReplyOnce(t *testing.T) {
	sent := &sentLog{}
	reg := New[previewReq, string]("test", sent.send)

	id, d := reg.Start(context.Background(), previewReq{Table: "t"})
	require.Equal(t, id, sent.last(t))
	require.Equal(t, 1, reg.Pending())

	reg.Resolve(id, "first")
	reg.Resolve(id, "second")
	reg.Reject(id, errors.New("late"))

	got, err := d.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "first", got)
	require.Zero(t, reg.Pending())
}

func TestUnknownIDsAreIgnored(t *testing.T) {
	reg := New[previewReq, string]("test", (&sentLog{}).send)
	reg.Resolve("nope", "x")
	reg.Reject("nope", errors.New("x"))
	reg.Cancel("nope")
	require.Zero(t, reg.Pending())
}

func TestRejectPropagatesToCallerOnly(t *testing.T) {
	sent := &sentLog{}
	reg := New[previewReq, string]("test", sent.send)

	idA, a := reg.Start(context.Background(), previewReq{Table: "a"})
	idB, b := reg.Start(context.Background(), previewReq{Table: "b"})
	require.NotEqual(t, idA, idB)

	boom := errors.New("backend failed")
	reg.Reject(idA, boom)
	_, err := a.Wait(context.Background())
	require.ErrorIs(t, err, boom)
	require.False(t, b.Settled())

	reg.Resolve(idB, "ok")
	got, err := b.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", got)
}

func TestSendFailureRejectsAndCleansUp(t *testing.T) {
	boom := errors.New("socket closed")
	sent := &sentLog{err: boom}
	reg := New[previewReq, string]("test", sent.send)

	_, err := reg.Request(context.Background(), previewReq{})
	require.ErrorIs(t, err, boom)
	require.Zero(t, reg.Pending())
}

func TestRequestCancelsOnContext(t *testing.T) {
	sent := &sentLog{}
	reg := New[previewReq, string]("test", sent.send)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := reg.Request(ctx, previewReq{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, reg.Pending())

	// A reply arriving after the caller gave up is dropped.
	reg.Resolve(sent.last(t), "late")
}

func TestCancelRejectsWithErrCanceled(t *testing.T) {
	reg := New[previewReq, string]("test", (&sentLog{}).send)

	id, d := reg.Start(context.Background(), previewReq{})
	reg.Cancel(id)

	_, err := d.Wait(context.Background())
	require.ErrorIs(t, err, ErrCanceled)
	require.Zero(t, reg.Pending())
}

func TestSynchronousReplyFromSend(t *testing.T) {
	var reg *Registry[previewReq, string]
	reg = New[previewReq, string]("loopback", func(_ context.Context, id string, req previewReq) error {
		reg.Resolve(id, req.Table)
		return nil
	})

	got, err := reg.Request(context.Background(), previewReq{Table: "echo"})
	require.NoError(t, err)
	require.Equal(t, "echo", got)
}

func TestCloseRejectsPending(t *testing.T) {
	reg := New[previewReq, string]("test", (&sentLog{}).send)
	_, d := reg.Start(context.Background(), previewReq{})

	reg.Close()
	reg.Close()

	_, err := d.Wait(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	_, err = reg.Request(context.Background(), previewReq{})
	require.ErrorIs(t, err, ErrClosed)
}

func TestCustomIDGenerator(t *testing.T) {
	var n atomic.Int32
	sent := &sentLog{}
	reg := New[previewReq, string]("test", sent.send).WithIDGenerator(func() string {
		return "req-" + strconv.Itoa(int(n.Add(1)))
	})

	reg.Start(context.Background(), previewReq{})
	require.Equal(t, "req-1", sent.last(t))
}
