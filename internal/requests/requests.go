// Package requests defines the operation surface a notebook backend accepts
// and the implementations that carry it: HTTP for live servers and a lazy
// wrapper that waits for the backend before any call goes out.
package requests

import (
	"context"
	"errors"
	"fmt"

	"github.com/bhandras/nbruntime/internal/protocol/wire"
)

// ErrNotSupported is returned by backends that cannot perform an operation,
// such as edits against a frozen export.
var ErrNotSupported = errors.New("operation not supported by this backend")

// BackendError is a request-level failure reported by the backend. It only
// fails the call that caused it.
type BackendError struct {
	Op      string
	Status  int
	Message string
}

func (e *BackendError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// RunRequests are the kernel-facing operations.
type RunRequests interface {
	SendRun(ctx context.Context, req wire.RunRequest) error
	SendRunScratchpad(ctx context.Context, req wire.RunScratchpadRequest) error
	SendInstantiate(ctx context.Context, req wire.InstantiateRequest) error
	SendInterrupt(ctx context.Context) error
	SendComponentValues(ctx context.Context, req wire.SetUIElementValueRequest) error
	SendFunctionRequest(ctx context.Context, req wire.FunctionCallRequest) (wire.FunctionCallResult, error)
	SendStdin(ctx context.Context, req wire.StdinRequest) error
	SendRestart(ctx context.Context) error
	SendCodeCompletionRequest(ctx context.Context, req wire.CodeCompletionRequest) error
	SendInstallMissingPackages(ctx context.Context, req wire.InstallMissingPackagesRequest) error
	PreviewDatasetColumn(ctx context.Context, req wire.PreviewDatasetColumnRequest) (wire.DataColumnPreview, error)
	ListSecretKeys(ctx context.Context) (wire.SecretKeysResult, error)
	SendShutdown(ctx context.Context) error
}

// EditRequests change the notebook document or its surroundings.
type EditRequests interface {
	SendRename(ctx context.Context, req wire.RenameRequest) error
	SendSave(ctx context.Context, req wire.SaveRequest) error
	SendFormat(ctx context.Context, req wire.FormatRequest) (wire.FormatResponse, error)
	SendDeleteCell(ctx context.Context, req wire.DeleteCellRequest) error
	ReadCode(ctx context.Context) (wire.ReadCodeResponse, error)

	SendListFiles(ctx context.Context, req wire.FileListRequest) (wire.FileListResponse, error)
	SendFileDetails(ctx context.Context, req wire.FileDetailsRequest) (wire.FileDetailsResponse, error)
	SendCreateFileOrFolder(ctx context.Context, req wire.FileCreateRequest) (wire.FileOperationResponse, error)
	SendDeleteFileOrFolder(ctx context.Context, req wire.FileDeleteRequest) (wire.FileOperationResponse, error)
	SendRenameFileOrFolder(ctx context.Context, req wire.FileMoveRequest) (wire.FileOperationResponse, error)
	SendUpdateFile(ctx context.Context, req wire.FileUpdateRequest) (wire.FileOperationResponse, error)

	AddPackage(ctx context.Context, req wire.AddPackageRequest) (wire.PackageOperationResponse, error)
	RemovePackage(ctx context.Context, req wire.RemovePackageRequest) (wire.PackageOperationResponse, error)
	GetPackageList(ctx context.Context) (wire.ListPackagesResponse, error)
}

// Requests is the full operation surface. Every backend implements all of
// it, so callers never branch on which backend is active.
type Requests interface {
	RunRequests
	EditRequests
}

// Unsupported rejects every operation with ErrNotSupported. Backends embed
// it and override what they can do.
type Unsupported struct{}

var _ Requests = Unsupported{}

func (Unsupported) SendRun(context.Context, wire.RunRequest) error { return ErrNotSupported }
func (Unsupported) SendRunScratchpad(context.Context, wire.RunScratchpadRequest) error {
	return ErrNotSupported
}
func (Unsupported) SendInstantiate(context.Context, wire.InstantiateRequest) error {
	return ErrNotSupported
}
func (Unsupported) SendInterrupt(context.Context) error { return ErrNotSupported }
func (Unsupported) SendComponentValues(context.Context, wire.SetUIElementValueRequest) error {
	return ErrNotSupported
}
func (Unsupported) SendFunctionRequest(context.Context, wire.FunctionCallRequest) (wire.FunctionCallResult, error) {
	return wire.FunctionCallResult{}, ErrNotSupported
}
func (Unsupported) SendStdin(context.Context, wire.StdinRequest) error { return ErrNotSupported }
func (Unsupported) SendRestart(context.Context) error                  { return ErrNotSupported }
func (Unsupported) SendCodeCompletionRequest(context.Context, wire.CodeCompletionRequest) error {
	return ErrNotSupported
}
func (Unsupported) SendInstallMissingPackages(context.Context, wire.InstallMissingPackagesRequest) error {
	return ErrNotSupported
}
func (Unsupported) PreviewDatasetColumn(context.Context, wire.PreviewDatasetColumnRequest) (wire.DataColumnPreview, error) {
	return wire.DataColumnPreview{}, ErrNotSupported
}
func (Unsupported) ListSecretKeys(context.Context) (wire.SecretKeysResult, error) {
	return wire.SecretKeysResult{}, ErrNotSupported
}
func (Unsupported) SendShutdown(context.Context) error { return ErrNotSupported }

func (Unsupported) SendRename(context.Context, wire.RenameRequest) error { return ErrNotSupported }
func (Unsupported) SendSave(context.Context, wire.SaveRequest) error     { return ErrNotSupported }
func (Unsupported) SendFormat(context.Context, wire.FormatRequest) (wire.FormatResponse, error) {
	return wire.FormatResponse{}, ErrNotSupported
}
func (Unsupported) SendDeleteCell(context.Context, wire.DeleteCellRequest) error {
	return ErrNotSupported
}
func (Unsupported) ReadCode(context.Context) (wire.ReadCodeResponse, error) {
	return wire.ReadCodeResponse{}, ErrNotSupported
}
func (Unsupported) SendListFiles(context.Context, wire.FileListRequest) (wire.FileListResponse, error) {
	return wire.FileListResponse{}, ErrNotSupported
}
func (Unsupported) SendFileDetails(context.Context, wire.FileDetailsRequest) (wire.FileDetailsResponse, error) {
	return wire.FileDetailsResponse{}, ErrNotSupported
}
func (Unsupported) SendCreateFileOrFolder(context.Context, wire.FileCreateRequest) (wire.FileOperationResponse, error) {
	return wire.FileOperationResponse{}, ErrNotSupported
}
func (Unsupported) SendDeleteFileOrFolder(context.Context, wire.FileDeleteRequest) (wire.FileOperationResponse, error) {
	return wire.FileOperationResponse{}, ErrNotSupported
}
func (Unsupported) SendRenameFileOrFolder(context.Context, wire.FileMoveRequest) (wire.FileOperationResponse, error) {
	return wire.FileOperationResponse{}, ErrNotSupported
}
func (Unsupported) SendUpdateFile(context.Context, wire.FileUpdateRequest) (wire.FileOperationResponse, error) {
	return wire.FileOperationResponse{}, ErrNotSupported
}
func (Unsupported) AddPackage(context.Context, wire.AddPackageRequest) (wire.PackageOperationResponse, error) {
	return wire.PackageOperationResponse{}, ErrNotSupported
}
func (Unsupported) RemovePackage(context.Context, wire.RemovePackageRequest) (wire.PackageOperationResponse, error) {
	return wire.PackageOperationResponse{}, ErrNotSupported
}
func (Unsupported) GetPackageList(context.Context) (wire.ListPackagesResponse, error) {
	return wire.ListPackagesResponse{}, ErrNotSupported
}
