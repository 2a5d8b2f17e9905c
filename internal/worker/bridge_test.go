package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bhandras/nbruntime/internal/protocol/wire"
	"github.com/bhandras/nbruntime/internal/requests"
	"github.com/bhandras/nbruntime/internal/transport"
	"github.com/bhandras/nbruntime/internal/worker/rpc"
)

func startBridge(t *testing.T, src string) (*Bridge, <-chan wire.Operation) {
	t.Helper()
	b := Start(context.Background(), Options{Filename: "nb.star", Source: src})
	t.Cleanup(func() { _ = b.Close() })

	ops := make(chan wire.Operation, 1024)
	b.Transport().Subscribe(transport.EventMessage, func(p transport.Payload) error {
		op, err := wire.ParseOperation(p.Data)
		if err != nil {
			return err
		}
		ops <- op
		return nil
	})
	return b, ops
}

// waitFor skips operations until one named name arrives.
func waitFor(t *testing.T, ops <-chan wire.Operation, name string, match func(wire.Operation) bool) wire.Operation {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case op := <-ops:
			if op.Op == name && (match == nil || match(op)) {
				return op
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", name)
		}
	}
}

func cellStatus(id, status string) func(wire.Operation) bool {
	return func(op wire.Operation) bool {
		var c wire.CellOp
		return op.Decode(&c) == nil && c.CellID == id && c.Status == status
	}
}

func TestBridgeBootstrapsAndRuns(t *testing.T) {
	b, ops := startBridge(t, sampleNotebook)

	first := <-ops
	require.Equal(t, wire.OpKernelReady, first.Op)
	var ready wire.KernelReady
	require.NoError(t, first.Decode(&ready))
	require.Len(t, ready.Cells, 3)

	require.NoError(t, b.SendRun(context.Background(), wire.RunRequest{
		CellIDs: []string{"c0", "c2"},
		Codes:   []string{"x = 1", "x + 1"},
	}))

	op := waitFor(t, ops, wire.OpCellOp, cellStatus("c2", wire.CellStatusIdle))
	var c wire.CellOp
	require.NoError(t, op.Decode(&c))
	require.Equal(t, "2", c.Output.Data)
	waitFor(t, ops, wire.OpCompletedRun, nil)
}

func TestBridgeRequestReplies(t *testing.T) {
	b, _ := startBridge(t, sampleNotebook)
	ctx := context.Background()

	code, err := b.ReadCode(ctx)
	require.NoError(t, err)
	require.Contains(t, code.Contents, "# %% setup")

	res, err := b.SendFunctionRequest(ctx, wire.FunctionCallRequest{FunctionCallID: "f", FunctionName: "missing"})
	require.NoError(t, err)
	require.Equal(t, wire.FunctionCallFailed, res.Status.State)

	list, err := b.SendListFiles(ctx, wire.FileListRequest{})
	require.NoError(t, err)
	require.Len(t, list.Files, 1)
	require.Equal(t, "nb.star", list.Files[0].Name)

	packages, err := b.GetPackageList(ctx)
	require.NoError(t, err)
	require.Empty(t, packages.Packages)
}

func TestBridgeErrorMapping(t *testing.T) {
	b, _ := startBridge(t, "")
	ctx := context.Background()

	require.ErrorIs(t, b.SendStdin(ctx, wire.StdinRequest{Text: "x"}), requests.ErrNotSupported)
	_, err := b.PreviewDatasetColumn(ctx, wire.PreviewDatasetColumnRequest{})
	require.ErrorIs(t, err, requests.ErrNotSupported)
	_, err = b.ListSecretKeys(ctx)
	require.ErrorIs(t, err, requests.ErrNotSupported)

	_, err = b.SendFileDetails(ctx, wire.FileDetailsRequest{Path: "missing"})
	var backendErr *requests.BackendError
	require.True(t, errors.As(err, &backendErr))
	require.Equal(t, methodFileDetails, backendErr.Op)
	require.Contains(t, backendErr.Message, "no such file")
}

func TestBridgeInterrupt(t *testing.T) {
	b, ops := startBridge(t, "")

	done := make(chan error, 1)
	go func() {
		done <- b.SendRun(context.Background(), wire.RunRequest{
			CellIDs: []string{"loop"},
			Codes:   []string{"while True:\n    pass"},
		})
	}()
	waitFor(t, ops, wire.OpCellOp, cellStatus("loop", wire.CellStatusRunning))
	require.NoError(t, b.SendInterrupt(context.Background()))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("run was not interrupted")
	}
	waitFor(t, ops, wire.OpInterrupted, nil)
	waitFor(t, ops, wire.OpCompletedRun, nil)
}

func TestBridgeReload(t *testing.T) {
	b, ops := startBridge(t, sampleNotebook)
	waitFor(t, ops, wire.OpKernelReady, nil)

	require.NoError(t, b.Reload(context.Background(), "# %% only\ny = 1\n"))
	op := waitFor(t, ops, wire.OpKernelReady, nil)
	var ready wire.KernelReady
	require.NoError(t, op.Decode(&ready))
	require.Len(t, ready.Cells, 1)
	require.Equal(t, "only", ready.Cells[0].Name)
}

func TestBridgeClose(t *testing.T) {
	b, _ := startBridge(t, "")
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	require.Equal(t, transport.StateClosed, b.Transport().ReadyState())
	_, err := b.ReadCode(context.Background())
	require.ErrorIs(t, err, rpc.ErrClosed)
}
