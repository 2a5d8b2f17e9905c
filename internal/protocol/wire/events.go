package wire

// Cell status values carried by cell-op.
const (
	CellStatusQueued      = "queued"
	CellStatusRunning     = "running"
	CellStatusIdle        = "idle"
	CellStatusDisabled    = "disabled-transitively"
	ChannelStdout         = "stdout"
	ChannelStderr         = "stderr"
	ChannelOutput         = "output"
	ChannelMarimoError    = "marimo-error"
	MimeTextPlain         = "text/plain"
	MimeApplicationJSON   = "application/json"
	MimeMarimoError       = "application/vnd.marimo+error"
	FunctionCallSucceeded = "success"
	FunctionCallFailed    = "error"
)

// CellData describes one cell of a notebook.
type CellData struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name,omitempty"`
}

// KernelReady is sent once a session is ready (and again after a reconnect).
type KernelReady struct {
	Cells    []CellData `json:"cells"`
	Filename string     `json:"filename,omitempty"`
	Resumed  bool       `json:"resumed"`
	// Kiosk is set when the backend serves a read-only view.
	Kiosk bool `json:"kiosk,omitempty"`
}

// CellOutput is one output or console chunk.
type CellOutput struct {
	Channel   string  `json:"channel"`
	MimeType  string  `json:"mimetype"`
	Data      any     `json:"data"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// CellOp reports a cell's status and outputs.
type CellOp struct {
	CellID    string       `json:"cell_id"`
	Status    string       `json:"status,omitempty"`
	Output    *CellOutput  `json:"output,omitempty"`
	Console   []CellOutput `json:"console,omitempty"`
	Timestamp float64      `json:"timestamp,omitempty"`
}

// CellError is one entry of a marimo-error output.
type CellError struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

// CompletedRun marks the end of a run request.
type CompletedRun struct{}

// Interrupted is sent after an interrupt stopped execution.
type Interrupted struct{}

// Reload tells the host the notebook changed underneath it. A fresh
// kernel-ready follows.
type Reload struct{}

// Reconnected is delivered once a lost connection is back up.
type Reconnected struct{}

// VariableDeclaration names one global and the cell that defines it.
type VariableDeclaration struct {
	Name       string   `json:"name"`
	DeclaredBy []string `json:"declared_by"`
}

// Variables lists the session globals after a run.
type Variables struct {
	Variables []VariableDeclaration `json:"variables"`
}

// Alert is a user-visible notification.
type Alert struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Variant     string `json:"variant,omitempty"`
}

// FunctionCallStatus reports whether a function call succeeded.
type FunctionCallStatus struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// FunctionCallResult answers a FunctionCallRequest.
type FunctionCallResult struct {
	FunctionCallID string             `json:"function_call_id"`
	ReturnValue    any                `json:"return_value"`
	Status         FunctionCallStatus `json:"status"`
}

// DataColumnPreview answers a PreviewDatasetColumnRequest.
type DataColumnPreview struct {
	RequestID  string         `json:"request_id"`
	TableName  string         `json:"table_name"`
	ColumnName string         `json:"column_name"`
	ChartSpec  string         `json:"chart_spec,omitempty"`
	Summary    map[string]any `json:"summary,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// SecretKeysWithProvider groups secret names by provider.
type SecretKeysWithProvider struct {
	Provider string   `json:"provider"`
	Name     string   `json:"name"`
	Keys     []string `json:"keys"`
}

// SecretKeysResult answers a ListSecretKeysRequest.
type SecretKeysResult struct {
	RequestID string                   `json:"request_id"`
	Secrets   []SecretKeysWithProvider `json:"secrets"`
}

// CompletionResult answers a CodeCompletionRequest.
type CompletionResult struct {
	CompletionID string   `json:"completion_id"`
	PrefixLength int      `json:"prefix_length"`
	Options      []string `json:"options"`
}

// Package installation states used by InstallingPackageAlert.
const (
	PackageQueued     = "queued"
	PackageInstalling = "installing"
	PackageInstalled  = "installed"
	PackageFailed     = "failed"
)

// InstallingPackageAlert reports package installation progress.
type InstallingPackageAlert struct {
	Packages map[string]string `json:"packages"`
}
