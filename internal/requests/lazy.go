package requests

import (
	"context"

	"github.com/bhandras/nbruntime/internal/protocol/wire"
)

// Initializer brings a backend up. EnsureInit must start initialization at
// most once and let every caller wait on that same attempt.
type Initializer interface {
	EnsureInit(ctx context.Context) error
}

// Lazy gates every operation on the backend's one-time initialization. The
// first call of any method starts it; concurrent callers wait on the same
// attempt. A Lazy built around a different Initializer initializes
// independently.
type Lazy struct {
	inner Requests
	init  Initializer
}

var _ Requests = (*Lazy)(nil)

// NewLazy wraps inner.
func NewLazy(inner Requests, init Initializer) *Lazy {
	return &Lazy{inner: inner, init: init}
}

func gate0(ctx context.Context, l *Lazy, fn func() error) error {
	if err := l.init.EnsureInit(ctx); err != nil {
		return err
	}
	return fn()
}

func gate[T any](ctx context.Context, l *Lazy, fn func() (T, error)) (T, error) {
	if err := l.init.EnsureInit(ctx); err != nil {
		var zero T
		return zero, err
	}
	return fn()
}

func (l *Lazy) SendRun(ctx context.Context, req wire.RunRequest) error {
	return gate0(ctx, l, func() error { return l.inner.SendRun(ctx, req) })
}

func (l *Lazy) SendRunScratchpad(ctx context.Context, req wire.RunScratchpadRequest) error {
	return gate0(ctx, l, func() error { return l.inner.SendRunScratchpad(ctx, req) })
}

func (l *Lazy) SendInstantiate(ctx context.Context, req wire.InstantiateRequest) error {
	return gate0(ctx, l, func() error { return l.inner.SendInstantiate(ctx, req) })
}

func (l *Lazy) SendInterrupt(ctx context.Context) error {
	return gate0(ctx, l, func() error { return l.inner.SendInterrupt(ctx) })
}

func (l *Lazy) SendComponentValues(ctx context.Context, req wire.SetUIElementValueRequest) error {
	return gate0(ctx, l, func() error { return l.inner.SendComponentValues(ctx, req) })
}

func (l *Lazy) SendFunctionRequest(ctx context.Context, req wire.FunctionCallRequest) (wire.FunctionCallResult, error) {
	return gate(ctx, l, func() (wire.FunctionCallResult, error) { return l.inner.SendFunctionRequest(ctx, req) })
}

func (l *Lazy) SendStdin(ctx context.Context, req wire.StdinRequest) error {
	return gate0(ctx, l, func() error { return l.inner.SendStdin(ctx, req) })
}

func (l *Lazy) SendRestart(ctx context.Context) error {
	return gate0(ctx, l, func() error { return l.inner.SendRestart(ctx) })
}

func (l *Lazy) SendCodeCompletionRequest(ctx context.Context, req wire.CodeCompletionRequest) error {
	return gate0(ctx, l, func() error { return l.inner.SendCodeCompletionRequest(ctx, req) })
}

func (l *Lazy) SendInstallMissingPackages(ctx context.Context, req wire.InstallMissingPackagesRequest) error {
	return gate0(ctx, l, func() error { return l.inner.SendInstallMissingPackages(ctx, req) })
}

func (l *Lazy) PreviewDatasetColumn(ctx context.Context, req wire.PreviewDatasetColumnRequest) (wire.DataColumnPreview, error) {
	return gate(ctx, l, func() (wire.DataColumnPreview, error) { return l.inner.PreviewDatasetColumn(ctx, req) })
}

func (l *Lazy) ListSecretKeys(ctx context.Context) (wire.SecretKeysResult, error) {
	return gate(ctx, l, func() (wire.SecretKeysResult, error) { return l.inner.ListSecretKeys(ctx) })
}

func (l *Lazy) SendShutdown(ctx context.Context) error {
	return gate0(ctx, l, func() error { return l.inner.SendShutdown(ctx) })
}

func (l *Lazy) SendRename(ctx context.Context, req wire.RenameRequest) error {
	return gate0(ctx, l, func() error { return l.inner.SendRename(ctx, req) })
}

func (l *Lazy) SendSave(ctx context.Context, req wire.SaveRequest) error {
	return gate0(ctx, l, func() error { return l.inner.SendSave(ctx, req) })
}

func (l *Lazy) SendFormat(ctx context.Context, req wire.FormatRequest) (wire.FormatResponse, error) {
	return gate(ctx, l, func() (wire.FormatResponse, error) { return l.inner.SendFormat(ctx, req) })
}

func (l *Lazy) SendDeleteCell(ctx context.Context, req wire.DeleteCellRequest) error {
	return gate0(ctx, l, func() error { return l.inner.SendDeleteCell(ctx, req) })
}

func (l *Lazy) ReadCode(ctx context.Context) (wire.ReadCodeResponse, error) {
	return gate(ctx, l, func() (wire.ReadCodeResponse, error) { return l.inner.ReadCode(ctx) })
}

func (l *Lazy) SendListFiles(ctx context.Context, req wire.FileListRequest) (wire.FileListResponse, error) {
	return gate(ctx, l, func() (wire.FileListResponse, error) { return l.inner.SendListFiles(ctx, req) })
}

func (l *Lazy) SendFileDetails(ctx context.Context, req wire.FileDetailsRequest) (wire.FileDetailsResponse, error) {
	return gate(ctx, l, func() (wire.FileDetailsResponse, error) { return l.inner.SendFileDetails(ctx, req) })
}

func (l *Lazy) SendCreateFileOrFolder(ctx context.Context, req wire.FileCreateRequest) (wire.FileOperationResponse, error) {
	return gate(ctx, l, func() (wire.FileOperationResponse, error) { return l.inner.SendCreateFileOrFolder(ctx, req) })
}

func (l *Lazy) SendDeleteFileOrFolder(ctx context.Context, req wire.FileDeleteRequest) (wire.FileOperationResponse, error) {
	return gate(ctx, l, func() (wire.FileOperationResponse, error) { return l.inner.SendDeleteFileOrFolder(ctx, req) })
}

func (l *Lazy) SendRenameFileOrFolder(ctx context.Context, req wire.FileMoveRequest) (wire.FileOperationResponse, error) {
	return gate(ctx, l, func() (wire.FileOperationResponse, error) { return l.inner.SendRenameFileOrFolder(ctx, req) })
}

func (l *Lazy) SendUpdateFile(ctx context.Context, req wire.FileUpdateRequest) (wire.FileOperationResponse, error) {
	return gate(ctx, l, func() (wire.FileOperationResponse, error) { return l.inner.SendUpdateFile(ctx, req) })
}

func (l *Lazy) AddPackage(ctx context.Context, req wire.AddPackageRequest) (wire.PackageOperationResponse, error) {
	return gate(ctx, l, func() (wire.PackageOperationResponse, error) { return l.inner.AddPackage(ctx, req) })
}

func (l *Lazy) RemovePackage(ctx context.Context, req wire.RemovePackageRequest) (wire.PackageOperationResponse, error) {
	return gate(ctx, l, func() (wire.PackageOperationResponse, error) { return l.inner.RemovePackage(ctx, req) })
}

func (l *Lazy) GetPackageList(ctx context.Context) (wire.ListPackagesResponse, error) {
	return gate(ctx, l, func() (wire.ListPackagesResponse, error) { return l.inner.GetPackageList(ctx) })
}
