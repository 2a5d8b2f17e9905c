package requests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bhandras/nbruntime/internal/metrics"
	"github.com/bhandras/nbruntime/internal/protocol/wire"
	"github.com/bhandras/nbruntime/internal/registry"
	"github.com/bhandras/nbruntime/internal/runtime"
	"github.com/bhandras/nbruntime/pkg/logger"
)

// Backend API paths, relative to the runtime base URL.
const (
	pathRun               = "api/kernel/run"
	pathRunScratchpad     = "api/kernel/scratchpad/run"
	pathInstantiate       = "api/kernel/instantiate"
	pathInterrupt         = "api/kernel/interrupt"
	pathSetUIElementValue = "api/kernel/set_ui_element_value"
	pathFunctionCall      = "api/kernel/function_call"
	pathStdin             = "api/kernel/stdin"
	pathRestart           = "api/kernel/restart_session"
	pathRename            = "api/kernel/rename"
	pathSave              = "api/kernel/save"
	pathFormat            = "api/kernel/format"
	pathDeleteCell        = "api/kernel/delete"
	pathCodeComplete      = "api/kernel/code_autocomplete"
	pathInstallMissing    = "api/kernel/install_missing_packages"
	pathReadCode          = "api/kernel/read_code"
	pathShutdown          = "api/kernel/shutdown"

	pathFileList    = "api/files/file_list"
	pathFileDetails = "api/files/file_details"
	pathFileCreate  = "api/files/create"
	pathFileDelete  = "api/files/delete"
	pathFileMove    = "api/files/move"
	pathFileUpdate  = "api/files/update"

	pathPackageAdd    = "api/packages/add"
	pathPackageRemove = "api/packages/remove"
	pathPackageList   = "api/packages/list"

	pathPreviewColumn = "api/datasources/preview_column"
	pathSecretKeys    = "api/secrets/keys"
)

// HTTPOption configures an HTTP backend.
type HTTPOption func(*HTTP)

// WithConnected reports whether the event socket is open. Run requests issued
// while it reports false are dropped.
func WithConnected(fn func() bool) HTTPOption {
	return func(h *HTTP) {
		if fn != nil {
			h.connected = fn
		}
	}
}

// WithClient overrides the manager's HTTP client.
func WithClient(c *http.Client) HTTPOption {
	return func(h *HTTP) {
		if c != nil {
			h.client = c
		}
	}
}

// WithPreviewCacheSize bounds the dataset preview cache.
func WithPreviewCacheSize(n int) HTTPOption {
	return func(h *HTTP) { h.cacheSize = n }
}

// HTTP issues operations as JSON POSTs against a live backend. Operations
// whose answer arrives later over the event socket are correlated through
// request registries; feed inbound operations to HandleOperation.
type HTTP struct {
	manager   *runtime.Manager
	client    *http.Client
	connected func() bool
	cacheSize int

	functions *registry.Registry[wire.FunctionCallRequest, wire.FunctionCallResult]
	previews  *registry.Caching[wire.PreviewDatasetColumnRequest, wire.DataColumnPreview]
	secrets   *registry.Registry[wire.ListSecretKeysRequest, wire.SecretKeysResult]
}

var _ Requests = (*HTTP)(nil)

// NewHTTP returns an HTTP backend for m.
func NewHTTP(m *runtime.Manager, opts ...HTTPOption) (*HTTP, error) {
	h := &HTTP{
		manager:   m,
		client:    m.HTTPClient(),
		connected: func() bool { return true },
	}
	for _, opt := range opts {
		opt(h)
	}

	h.functions = registry.New[wire.FunctionCallRequest, wire.FunctionCallResult]("function_call",
		func(ctx context.Context, id string, req wire.FunctionCallRequest) error {
			req.FunctionCallID = id
			return h.post(ctx, pathFunctionCall, req, nil)
		})

	previewReg := registry.New[wire.PreviewDatasetColumnRequest, wire.DataColumnPreview]("preview_column",
		func(ctx context.Context, id string, req wire.PreviewDatasetColumnRequest) error {
			req.RequestID = id
			return h.post(ctx, pathPreviewColumn, req, nil)
		})
	previews, err := registry.NewCaching(previewReg, h.cacheSize, previewKey)
	if err != nil {
		return nil, err
	}
	h.previews = previews

	h.secrets = registry.New[wire.ListSecretKeysRequest, wire.SecretKeysResult]("secret_keys",
		func(ctx context.Context, id string, req wire.ListSecretKeysRequest) error {
			req.RequestID = id
			return h.post(ctx, pathSecretKeys, req, nil)
		})
	return h, nil
}

// previewKey ignores the correlation id so repeated previews of the same
// column share one request.
func previewKey(req wire.PreviewDatasetColumnRequest) (string, error) {
	req.RequestID = ""
	return registry.CanonicalJSON(req)
}

// HandleOperation settles the pending request an inbound operation answers.
// It reports whether op was a reply.
func (h *HTTP) HandleOperation(op wire.Operation) bool {
	switch op.Op {
	case wire.OpFunctionCallResult:
		var res wire.FunctionCallResult
		if err := op.Decode(&res); err != nil {
			logger.Warnf("requests: %v", err)
			return true
		}
		h.functions.Resolve(res.FunctionCallID, res)
		return true

	case wire.OpDataColumnPreview:
		var res wire.DataColumnPreview
		if err := op.Decode(&res); err != nil {
			logger.Warnf("requests: %v", err)
			return true
		}
		if res.Error != "" {
			h.previews.Registry().Reject(res.RequestID, &BackendError{
				Op: "preview column", Message: res.Error,
			})
			return true
		}
		h.previews.Registry().Resolve(res.RequestID, res)
		return true

	case wire.OpSecretKeysResult:
		var res wire.SecretKeysResult
		if err := op.Decode(&res); err != nil {
			logger.Warnf("requests: %v", err)
			return true
		}
		h.secrets.Resolve(res.RequestID, res)
		return true
	}
	return false
}

// Close rejects every request still waiting for a reply.
func (h *HTTP) Close() {
	h.functions.Close()
	h.previews.Registry().Close()
	h.secrets.Close()
}

func (h *HTTP) post(ctx context.Context, path string, body, out any) error {
	return h.do(ctx, http.MethodPost, path, body, out)
}

func (h *HTTP) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	target := h.manager.FormatHTTPURL(path, nil, true)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return err
	}
	for k, vals := range h.manager.Headers() {
		req.Header[k] = vals
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logger.Debugf("requests: %s %s", method, target.Path)
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &BackendError{Op: path, Status: resp.StatusCode, Message: errorMessage(respBody)}
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var e wire.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}

// SendRun asks the kernel to run cells. Runs issued while the socket is down
// are dropped: their results could not be delivered and the cells would be
// stale by the time the socket is back.
func (h *HTTP) SendRun(ctx context.Context, req wire.RunRequest) error {
	if !h.connected() {
		metrics.DroppedRuns.Inc()
		logger.Warnf("requests: dropping run of %d cells, socket not connected", len(req.CellIDs))
		return nil
	}
	return h.post(ctx, pathRun, req, nil)
}

func (h *HTTP) SendRunScratchpad(ctx context.Context, req wire.RunScratchpadRequest) error {
	return h.post(ctx, pathRunScratchpad, req, nil)
}

func (h *HTTP) SendInstantiate(ctx context.Context, req wire.InstantiateRequest) error {
	return h.post(ctx, pathInstantiate, req, nil)
}

func (h *HTTP) SendInterrupt(ctx context.Context) error {
	return h.post(ctx, pathInterrupt, struct{}{}, nil)
}

func (h *HTTP) SendComponentValues(ctx context.Context, req wire.SetUIElementValueRequest) error {
	return h.post(ctx, pathSetUIElementValue, req, nil)
}

// SendFunctionRequest calls a UI-registered function and waits for its
// function-call-result operation.
func (h *HTTP) SendFunctionRequest(ctx context.Context, req wire.FunctionCallRequest) (wire.FunctionCallResult, error) {
	return h.functions.Request(ctx, req)
}

func (h *HTTP) SendStdin(ctx context.Context, req wire.StdinRequest) error {
	return h.post(ctx, pathStdin, req, nil)
}

func (h *HTTP) SendRestart(ctx context.Context) error {
	return h.post(ctx, pathRestart, struct{}{}, nil)
}

func (h *HTTP) SendCodeCompletionRequest(ctx context.Context, req wire.CodeCompletionRequest) error {
	return h.post(ctx, pathCodeComplete, req, nil)
}

func (h *HTTP) SendInstallMissingPackages(ctx context.Context, req wire.InstallMissingPackagesRequest) error {
	return h.post(ctx, pathInstallMissing, req, nil)
}

// PreviewDatasetColumn waits for the data-column-preview operation. Identical
// previews share one request.
func (h *HTTP) PreviewDatasetColumn(ctx context.Context, req wire.PreviewDatasetColumnRequest) (wire.DataColumnPreview, error) {
	return h.previews.Request(ctx, req)
}

func (h *HTTP) ListSecretKeys(ctx context.Context) (wire.SecretKeysResult, error) {
	return h.secrets.Request(ctx, wire.ListSecretKeysRequest{})
}

func (h *HTTP) SendShutdown(ctx context.Context) error {
	return h.post(ctx, pathShutdown, struct{}{}, nil)
}

func (h *HTTP) SendRename(ctx context.Context, req wire.RenameRequest) error {
	return h.post(ctx, pathRename, req, nil)
}

func (h *HTTP) SendSave(ctx context.Context, req wire.SaveRequest) error {
	return h.post(ctx, pathSave, req, nil)
}

func (h *HTTP) SendFormat(ctx context.Context, req wire.FormatRequest) (wire.FormatResponse, error) {
	var out wire.FormatResponse
	err := h.post(ctx, pathFormat, req, &out)
	return out, err
}

func (h *HTTP) SendDeleteCell(ctx context.Context, req wire.DeleteCellRequest) error {
	return h.post(ctx, pathDeleteCell, req, nil)
}

func (h *HTTP) ReadCode(ctx context.Context) (wire.ReadCodeResponse, error) {
	var out wire.ReadCodeResponse
	err := h.post(ctx, pathReadCode, struct{}{}, &out)
	return out, err
}

func (h *HTTP) SendListFiles(ctx context.Context, req wire.FileListRequest) (wire.FileListResponse, error) {
	var out wire.FileListResponse
	err := h.post(ctx, pathFileList, req, &out)
	return out, err
}

func (h *HTTP) SendFileDetails(ctx context.Context, req wire.FileDetailsRequest) (wire.FileDetailsResponse, error) {
	var out wire.FileDetailsResponse
	err := h.post(ctx, pathFileDetails, req, &out)
	return out, err
}

func (h *HTTP) SendCreateFileOrFolder(ctx context.Context, req wire.FileCreateRequest) (wire.FileOperationResponse, error) {
	return h.fileOp(ctx, pathFileCreate, req)
}

func (h *HTTP) SendDeleteFileOrFolder(ctx context.Context, req wire.FileDeleteRequest) (wire.FileOperationResponse, error) {
	return h.fileOp(ctx, pathFileDelete, req)
}

func (h *HTTP) SendRenameFileOrFolder(ctx context.Context, req wire.FileMoveRequest) (wire.FileOperationResponse, error) {
	return h.fileOp(ctx, pathFileMove, req)
}

func (h *HTTP) SendUpdateFile(ctx context.Context, req wire.FileUpdateRequest) (wire.FileOperationResponse, error) {
	return h.fileOp(ctx, pathFileUpdate, req)
}

func (h *HTTP) fileOp(ctx context.Context, path string, req any) (wire.FileOperationResponse, error) {
	var out wire.FileOperationResponse
	err := h.post(ctx, path, req, &out)
	return out, err
}

func (h *HTTP) AddPackage(ctx context.Context, req wire.AddPackageRequest) (wire.PackageOperationResponse, error) {
	var out wire.PackageOperationResponse
	err := h.post(ctx, pathPackageAdd, req, &out)
	return out, err
}

func (h *HTTP) RemovePackage(ctx context.Context, req wire.RemovePackageRequest) (wire.PackageOperationResponse, error) {
	var out wire.PackageOperationResponse
	err := h.post(ctx, pathPackageRemove, req, &out)
	return out, err
}

func (h *HTTP) GetPackageList(ctx context.Context) (wire.ListPackagesResponse, error) {
	var out wire.ListPackagesResponse
	err := h.do(ctx, http.MethodGet, pathPackageList, nil, &out)
	return out, err
}
