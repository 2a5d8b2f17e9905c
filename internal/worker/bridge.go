// Package worker runs a notebook kernel on a dedicated goroutine and exposes
// it through the same operation surface and transport as a network backend.
//
// The host and the worker share nothing but an rpc pipe and the interrupt
// buffer. Requests travel as rpc calls; kernel events travel back as batched
// "operations" notifications and are replayed into a Static transport.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bhandras/nbruntime/internal/protocol/wire"
	"github.com/bhandras/nbruntime/internal/requests"
	"github.com/bhandras/nbruntime/internal/transport"
	"github.com/bhandras/nbruntime/internal/worker/rpc"
	"github.com/bhandras/nbruntime/pkg/logger"
)

// rpc method names.
const (
	methodRun            = "run"
	methodRunScratchpad  = "run_scratchpad"
	methodInstantiate    = "instantiate"
	methodSetUIValues    = "set_ui_element_values"
	methodFunctionCall   = "function_call"
	methodStdin          = "stdin"
	methodRestart        = "restart"
	methodCompletion     = "code_completion"
	methodInstallMissing = "install_missing_packages"
	methodRename         = "rename"
	methodSave           = "save"
	methodFormat         = "format"
	methodDeleteCell     = "delete_cell"
	methodReadCode       = "read_code"
	methodReload         = "reload"
	methodListFiles      = "file_list"
	methodFileDetails    = "file_details"
	methodCreateFile     = "file_create"
	methodDeleteFile     = "file_delete"
	methodMoveFile       = "file_move"
	methodUpdateFile     = "file_update"
	methodAddPackage     = "add_package"
	methodRemovePackage  = "remove_package"
	methodListPackages   = "list_packages"

	notifyOperations = "operations"
)

const pipeBuffer = 64

// Options configure a Bridge.
type Options struct {
	// Filename names the notebook inside the worker file system.
	Filename string
	// Source is the notebook source.
	Source string

	BufferSize int
	FlushRate  float64
	MaxBatch   int
}

// Bridge is a worker-backed notebook backend. It implements
// requests.Requests; kernel events arrive on Transport().
type Bridge struct {
	host      *rpc.Peer
	interrupt *InterruptBuffer
	transport *transport.Static

	mu      sync.Mutex
	emit    func([]byte)
	backlog [][]byte

	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

var _ requests.Requests = (*Bridge)(nil)

// Start launches the worker goroutine and bootstraps the kernel. The
// kernel-ready operation is the first frame on Transport().
func Start(ctx context.Context, opts Options) *Bridge {
	ctx, cancel := context.WithCancel(ctx)
	hostConn, workerConn := rpc.Pipe(pipeBuffer)

	b := &Bridge{
		host:      rpc.NewPeer("host", hostConn),
		interrupt: &InterruptBuffer{},
		cancel:    cancel,
	}
	b.transport = transport.NewStaticWithProducer(b.produce)
	b.host.OnNotification(b.onNotification)

	workerPeer := rpc.NewPeer("worker", workerConn)
	buffer := NewMessageBuffer(opts.BufferSize, opts.FlushRate, opts.MaxBatch,
		func(ctx context.Context, batch [][]byte) error {
			frames := make([]json.RawMessage, len(batch))
			for i, frame := range batch {
				frames[i] = frame
			}
			return workerPeer.Notify(ctx, notifyOperations, frames)
		})

	group, gctx := errgroup.WithContext(ctx)
	b.group = group

	group.Go(func() error {
		return b.host.Serve(gctx)
	})
	group.Go(func() error {
		return buffer.Run(gctx)
	})
	group.Go(func() error {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		kernel := NewKernel(opts.Filename, opts.Source, b.interrupt,
			func(ctx context.Context, op wire.Operation) error {
				frame, err := op.Encode()
				if err != nil {
					return err
				}
				return buffer.Push(ctx, frame)
			})
		registerKernel(workerPeer, kernel)

		if err := kernel.Bootstrap(gctx); err != nil {
			return err
		}
		return workerPeer.Serve(gctx)
	})

	return b
}

// Transport carries the kernel's operations. Its producer is the worker.
func (b *Bridge) Transport() *transport.Static {
	return b.transport
}

func (b *Bridge) produce(emit func([]byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emit = emit
	for _, frame := range b.backlog {
		emit(frame)
	}
	b.backlog = nil
}

func (b *Bridge) onNotification(method string, params json.RawMessage) {
	if method != notifyOperations {
		logger.Debugf("worker: unexpected notification %s", method)
		return
	}
	var frames []json.RawMessage
	if err := json.Unmarshal(params, &frames); err != nil {
		logger.Warnf("worker: malformed operations batch: %v", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, frame := range frames {
		if b.emit == nil {
			b.backlog = append(b.backlog, frame)
			continue
		}
		b.emit(frame)
	}
}

// Close stops the worker and closes the transport.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		_ = b.host.Close()
		err := b.group.Wait()
		if err != nil && !errors.Is(err, context.Canceled) &&
			!errors.Is(err, rpc.ErrClosed) && !errors.Is(err, ErrBufferClosed) {
			b.closeErr = err
		}
		_ = b.transport.Close()
	})
	return b.closeErr
}

// Reload replaces the notebook source and restarts the session.
func (b *Bridge) Reload(ctx context.Context, src string) error {
	return b.call(ctx, methodReload, src)
}

func (b *Bridge) call(ctx context.Context, method string, params any) error {
	_, err := b.host.Call(ctx, method, params)
	return b.mapError(method, err)
}

func callResult[T any](ctx context.Context, b *Bridge, method string, params any) (T, error) {
	out, err := rpc.Call[T](ctx, b.host, method, params)
	return out, b.mapError(method, err)
}

func (b *Bridge) mapError(method string, err error) error {
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) {
		return err
	}
	switch rpcErr.Code {
	case rpc.CodeNotSupported, rpc.CodeMethodNotFound:
		return requests.ErrNotSupported
	default:
		return &requests.BackendError{Op: method, Message: rpcErr.Message}
	}
}

// SendRun runs cells and returns once the run has finished. Events stream on
// the transport meanwhile.
func (b *Bridge) SendRun(ctx context.Context, req wire.RunRequest) error {
	b.interrupt.Reset()
	return b.call(ctx, methodRun, req)
}

func (b *Bridge) SendRunScratchpad(ctx context.Context, req wire.RunScratchpadRequest) error {
	b.interrupt.Reset()
	return b.call(ctx, methodRunScratchpad, req)
}

func (b *Bridge) SendInstantiate(ctx context.Context, req wire.InstantiateRequest) error {
	b.interrupt.Reset()
	return b.call(ctx, methodInstantiate, req)
}

// SendInterrupt signals the running cell directly through the interrupt
// buffer; it does not wait behind the run on the rpc channel.
func (b *Bridge) SendInterrupt(context.Context) error {
	b.interrupt.Interrupt()
	return nil
}

func (b *Bridge) SendComponentValues(ctx context.Context, req wire.SetUIElementValueRequest) error {
	return b.call(ctx, methodSetUIValues, req)
}

func (b *Bridge) SendFunctionRequest(ctx context.Context, req wire.FunctionCallRequest) (wire.FunctionCallResult, error) {
	b.interrupt.Reset()
	return callResult[wire.FunctionCallResult](ctx, b, methodFunctionCall, req)
}

func (b *Bridge) SendStdin(ctx context.Context, req wire.StdinRequest) error {
	return b.call(ctx, methodStdin, req)
}

func (b *Bridge) SendRestart(ctx context.Context) error {
	b.interrupt.Reset()
	return b.call(ctx, methodRestart, nil)
}

func (b *Bridge) SendCodeCompletionRequest(ctx context.Context, req wire.CodeCompletionRequest) error {
	return b.call(ctx, methodCompletion, req)
}

func (b *Bridge) SendInstallMissingPackages(ctx context.Context, req wire.InstallMissingPackagesRequest) error {
	return b.call(ctx, methodInstallMissing, req)
}

// PreviewDatasetColumn is not supported: the worker has no data sources.
func (b *Bridge) PreviewDatasetColumn(context.Context, wire.PreviewDatasetColumnRequest) (wire.DataColumnPreview, error) {
	return wire.DataColumnPreview{}, requests.ErrNotSupported
}

// ListSecretKeys is not supported: the worker has no secret providers.
func (b *Bridge) ListSecretKeys(context.Context) (wire.SecretKeysResult, error) {
	return wire.SecretKeysResult{}, requests.ErrNotSupported
}

// SendShutdown stops the worker.
func (b *Bridge) SendShutdown(context.Context) error {
	return b.Close()
}

func (b *Bridge) SendRename(ctx context.Context, req wire.RenameRequest) error {
	return b.call(ctx, methodRename, req)
}

func (b *Bridge) SendSave(ctx context.Context, req wire.SaveRequest) error {
	return b.call(ctx, methodSave, req)
}

func (b *Bridge) SendFormat(ctx context.Context, req wire.FormatRequest) (wire.FormatResponse, error) {
	return callResult[wire.FormatResponse](ctx, b, methodFormat, req)
}

func (b *Bridge) SendDeleteCell(ctx context.Context, req wire.DeleteCellRequest) error {
	return b.call(ctx, methodDeleteCell, req)
}

func (b *Bridge) ReadCode(ctx context.Context) (wire.ReadCodeResponse, error) {
	return callResult[wire.ReadCodeResponse](ctx, b, methodReadCode, nil)
}

func (b *Bridge) SendListFiles(ctx context.Context, req wire.FileListRequest) (wire.FileListResponse, error) {
	return callResult[wire.FileListResponse](ctx, b, methodListFiles, req)
}

func (b *Bridge) SendFileDetails(ctx context.Context, req wire.FileDetailsRequest) (wire.FileDetailsResponse, error) {
	return callResult[wire.FileDetailsResponse](ctx, b, methodFileDetails, req)
}

func (b *Bridge) SendCreateFileOrFolder(ctx context.Context, req wire.FileCreateRequest) (wire.FileOperationResponse, error) {
	return callResult[wire.FileOperationResponse](ctx, b, methodCreateFile, req)
}

func (b *Bridge) SendDeleteFileOrFolder(ctx context.Context, req wire.FileDeleteRequest) (wire.FileOperationResponse, error) {
	return callResult[wire.FileOperationResponse](ctx, b, methodDeleteFile, req)
}

func (b *Bridge) SendRenameFileOrFolder(ctx context.Context, req wire.FileMoveRequest) (wire.FileOperationResponse, error) {
	return callResult[wire.FileOperationResponse](ctx, b, methodMoveFile, req)
}

func (b *Bridge) SendUpdateFile(ctx context.Context, req wire.FileUpdateRequest) (wire.FileOperationResponse, error) {
	return callResult[wire.FileOperationResponse](ctx, b, methodUpdateFile, req)
}

func (b *Bridge) AddPackage(ctx context.Context, req wire.AddPackageRequest) (wire.PackageOperationResponse, error) {
	return callResult[wire.PackageOperationResponse](ctx, b, methodAddPackage, req)
}

func (b *Bridge) RemovePackage(ctx context.Context, req wire.RemovePackageRequest) (wire.PackageOperationResponse, error) {
	return callResult[wire.PackageOperationResponse](ctx, b, methodRemovePackage, req)
}

func (b *Bridge) GetPackageList(ctx context.Context) (wire.ListPackagesResponse, error) {
	return callResult[wire.ListPackagesResponse](ctx, b, methodListPackages, nil)
}

// registerKernel exposes kernel methods on the worker peer.
func registerKernel(p *rpc.Peer, k *Kernel) {
	handle(p, methodRun, k.Run)
	handle(p, methodRunScratchpad, k.RunScratchpad)
	handle(p, methodInstantiate, k.Instantiate)
	handle(p, methodSetUIValues, k.SetUIValues)
	handle(p, methodFunctionCall, k.FunctionCall)
	handle(p, methodStdin, k.Stdin)
	handle(p, methodRestart, k.Restart)
	handle(p, methodCompletion, k.Complete)
	handle(p, methodInstallMissing, k.InstallMissing)
	handle(p, methodRename, k.Rename)
	handle(p, methodSave, k.Save)
	handle(p, methodFormat, k.Format)
	handle(p, methodDeleteCell, k.DeleteCell)
	handle(p, methodReadCode, k.ReadCode)
	handle(p, methodReload, func(ctx context.Context, src string) (none, error) {
		return none{}, k.Reload(ctx, src)
	})
	handle(p, methodListFiles, k.ListFiles)
	handle(p, methodFileDetails, k.FileDetails)
	handle(p, methodCreateFile, k.CreateFile)
	handle(p, methodDeleteFile, k.DeleteFile)
	handle(p, methodMoveFile, k.MoveFile)
	handle(p, methodUpdateFile, k.UpdateFile)
	handle(p, methodAddPackage, k.AddPackage)
	handle(p, methodRemovePackage, k.RemovePackage)
	handle(p, methodListPackages, k.Packages)
}

func handle[Req, Resp any](p *rpc.Peer, method string, fn func(context.Context, Req) (Resp, error)) {
	p.Handle(method, func(ctx context.Context, params json.RawMessage) (any, error) {
		var req Req
		if len(params) > 0 && string(params) != "null" {
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: err.Error()}
			}
		}
		resp, err := fn(ctx, req)
		if errors.Is(err, requests.ErrNotSupported) {
			return nil, &rpc.Error{Code: rpc.CodeNotSupported, Message: err.Error()}
		}
		if err != nil {
			return nil, err
		}
		return resp, nil
	})
}
