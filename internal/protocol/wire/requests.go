package wire

// Request payloads of the operation surface. Field names follow the backend's
// camelCase HTTP API.

// RunRequest runs cells with the given code.
type RunRequest struct {
	CellIDs []string `json:"cellIds"`
	Codes   []string `json:"codes"`
}

// RunScratchpadRequest runs throwaway code outside the dependency graph.
type RunScratchpadRequest struct {
	Code string `json:"code"`
}

// InstantiateRequest starts a session with initial UI element values.
type InstantiateRequest struct {
	ObjectIDs []string `json:"objectIds"`
	Values    []any    `json:"values"`
	AutoRun   bool     `json:"autoRun"`
}

// SetUIElementValueRequest pushes UI element values to the kernel.
type SetUIElementValueRequest struct {
	ObjectIDs []string `json:"objectIds"`
	Values    []any    `json:"values"`
	Token     string   `json:"token,omitempty"`
}

// RenameRequest renames the notebook file.
type RenameRequest struct {
	Filename string `json:"filename"`
}

// CellConfig is per-cell configuration saved with the notebook.
type CellConfig struct {
	Disabled   bool   `json:"disabled,omitempty"`
	HideCode   bool   `json:"hide_code,omitempty"`
	Column     *int   `json:"column,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// SaveRequest persists the notebook.
type SaveRequest struct {
	CellIDs  []string     `json:"cellIds"`
	Codes    []string     `json:"codes"`
	Names    []string     `json:"names"`
	Configs  []CellConfig `json:"configs"`
	Filename string       `json:"filename"`
	Persist  bool         `json:"persist"`
}

// FormatRequest asks the backend to format cell code.
type FormatRequest struct {
	Codes      map[string]string `json:"codes"`
	LineLength int               `json:"lineLength"`
}

// FormatResponse carries formatted code keyed by cell id.
type FormatResponse struct {
	Codes map[string]string `json:"codes"`
}

// DeleteCellRequest deletes a cell.
type DeleteCellRequest struct {
	CellID string `json:"cellId"`
}

// StdinRequest answers a pending input() prompt.
type StdinRequest struct {
	Text string `json:"text"`
}

// CodeCompletionRequest asks for completions; the answer arrives as a
// completion-result operation.
type CodeCompletionRequest struct {
	ID       string `json:"id"`
	Document string `json:"document"`
	CellID   string `json:"cellId"`
}

// FunctionCallRequest invokes a function defined in the notebook.
type FunctionCallRequest struct {
	FunctionCallID string         `json:"functionCallId"`
	Namespace      string         `json:"namespace"`
	FunctionName   string         `json:"functionName"`
	Args           map[string]any `json:"args"`
}

// InstallMissingPackagesRequest installs packages the notebook imports.
type InstallMissingPackagesRequest struct {
	Manager  string            `json:"manager"`
	Versions map[string]string `json:"versions"`
}

// ReadCodeResponse is the notebook source as stored by the backend.
type ReadCodeResponse struct {
	Contents string `json:"contents"`
}

// FileInfo describes a file or directory.
type FileInfo struct {
	ID          string     `json:"id"`
	Path        string     `json:"path"`
	Name        string     `json:"name"`
	IsDirectory bool       `json:"isDirectory"`
	IsNotebook  bool       `json:"isMarimoFile"`
	Children    []FileInfo `json:"children"`
}

// FileListRequest lists a directory.
type FileListRequest struct {
	Path string `json:"path,omitempty"`
}

// FileListResponse is the listing of a directory.
type FileListResponse struct {
	Files []FileInfo `json:"files"`
	Root  string     `json:"root"`
}

// FileDetailsRequest reads a file.
type FileDetailsRequest struct {
	Path string `json:"path"`
}

// FileDetailsResponse carries file metadata and contents.
type FileDetailsResponse struct {
	File     FileInfo `json:"file"`
	Contents *string  `json:"contents,omitempty"`
	MimeType string   `json:"mimeType,omitempty"`
}

// File types accepted by FileCreateRequest.
const (
	FileTypeFile      = "file"
	FileTypeDirectory = "directory"
)

// FileCreateRequest creates a file or directory under Path.
type FileCreateRequest struct {
	Path     string `json:"path"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	Contents string `json:"contents,omitempty"`
}

// FileDeleteRequest deletes a file or directory.
type FileDeleteRequest struct {
	Path string `json:"path"`
}

// FileMoveRequest renames a file or directory.
type FileMoveRequest struct {
	Path    string `json:"path"`
	NewPath string `json:"newPath"`
}

// FileUpdateRequest replaces a file's contents.
type FileUpdateRequest struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
}

// FileOperationResponse reports the outcome of a file mutation.
type FileOperationResponse struct {
	Success bool      `json:"success"`
	Message string    `json:"message,omitempty"`
	Info    *FileInfo `json:"info,omitempty"`
}

// AddPackageRequest installs a package.
type AddPackageRequest struct {
	Package string `json:"package"`
	Upgrade bool   `json:"upgrade,omitempty"`
}

// RemovePackageRequest uninstalls a package.
type RemovePackageRequest struct {
	Package string `json:"package"`
}

// PackageOperationResponse reports a package mutation.
type PackageOperationResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// PackageDescription is one installed package.
type PackageDescription struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ListPackagesResponse lists installed packages.
type ListPackagesResponse struct {
	Packages []PackageDescription `json:"packages"`
}

// PreviewDatasetColumnRequest asks for a column summary; answered by a
// data-column-preview operation carrying the same RequestID.
type PreviewDatasetColumnRequest struct {
	RequestID  string `json:"requestId"`
	Source     string `json:"source"`
	SourceType string `json:"sourceType"`
	TableName  string `json:"tableName"`
	ColumnName string `json:"columnName"`
}

// ListSecretKeysRequest asks for secret names; answered by a
// secret-keys-result operation carrying the same RequestID.
type ListSecretKeysRequest struct {
	RequestID string `json:"requestId"`
}

// SuccessResponse is the generic acknowledgement.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse is returned by the backend when a request fails.
type ErrorResponse struct {
	Error string `json:"error"`
}
