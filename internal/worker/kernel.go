package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/bhandras/nbruntime/internal/protocol/wire"
	"github.com/bhandras/nbruntime/internal/requests"
	"github.com/bhandras/nbruntime/pkg/logger"
)

// scratchCellID is the cell id scratchpad output is reported under.
const scratchCellID = "__scratch__"

// EmitFunc delivers one operation from the kernel to the host.
type EmitFunc func(ctx context.Context, op wire.Operation) error

// none is the request or reply of operations that carry no payload.
type none = struct{}

// Kernel is a Starlark notebook session. It is not safe for concurrent use:
// every method runs on the worker goroutine, one request at a time. The only
// input that crosses goroutines is the interrupt buffer.
type Kernel struct {
	nb        *Notebook
	fs        *memFS
	emit      EmitFunc
	interrupt *InterruptBuffer
	opts      *syntax.FileOptions
	now       func() time.Time

	globals starlark.StringDict
	defs    map[string][]string
	ui      map[string]any
	modules map[string]starlark.StringDict
}

// NewKernel loads the notebook source and prepares an empty session.
func NewKernel(filename, src string, interrupt *InterruptBuffer, emit EmitFunc) *Kernel {
	if interrupt == nil {
		interrupt = &InterruptBuffer{}
	}
	k := &Kernel{
		nb:        ParseNotebook(filename, src),
		fs:        newMemFS(),
		emit:      emit,
		interrupt: interrupt,
		opts: &syntax.FileOptions{
			Set:               true,
			While:             true,
			TopLevelControl:   true,
			GlobalReassign:    true,
			Recursion:         true,
			// Cells share one namespace, so loaded names must be global.
			LoadBindsGlobally: true,
		},
		now: time.Now,
	}
	if filename != "" {
		k.fs.write(filename, src)
	}
	k.reset()
	return k
}

func (k *Kernel) reset() {
	k.globals = k.builtins()
	k.defs = make(map[string][]string)
	k.ui = make(map[string]any)
	k.modules = make(map[string]starlark.StringDict)
}

func (k *Kernel) builtins() starlark.StringDict {
	return starlark.StringDict{
		"json": starjson.Module,
		"math": starmath.Module,
		"time": startime.Module,
		"ui":   starlark.NewBuiltin("ui", k.uiValue),
	}
}

// uiValue implements ui(id, default=None).
func (k *Kernel) uiValue(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		id  string
		def starlark.Value = starlark.None
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "id", &id, "default?", &def); err != nil {
		return nil, err
	}
	v, ok := k.ui[id]
	if !ok {
		return def, nil
	}
	return toStarlark(v)
}

func (k *Kernel) timestamp() float64 {
	return float64(k.now().UnixNano()) / 1e9
}

func (k *Kernel) send(ctx context.Context, op string, data any) error {
	o, err := wire.NewOperation(op, data)
	if err != nil {
		return err
	}
	return k.emit(ctx, o)
}

func (k *Kernel) cellOp(ctx context.Context, op wire.CellOp) error {
	op.Timestamp = k.timestamp()
	return k.send(ctx, wire.OpCellOp, op)
}

// Bootstrap announces the session to the host.
func (k *Kernel) Bootstrap(ctx context.Context) error {
	return k.send(ctx, wire.OpKernelReady, wire.KernelReady{
		Cells:    k.nb.CellData(),
		Filename: k.nb.Filename,
	})
}

// Reload replaces the notebook with src, resets the session and announces it
// again.
func (k *Kernel) Reload(ctx context.Context, src string) error {
	k.nb = ParseNotebook(k.nb.Filename, src)
	if k.nb.Filename != "" {
		k.fs.write(k.nb.Filename, src)
	}
	k.reset()
	if err := k.send(ctx, wire.OpReload, wire.Reload{}); err != nil {
		return err
	}
	return k.Bootstrap(ctx)
}

// Instantiate applies the initial UI values and optionally runs every cell.
func (k *Kernel) Instantiate(ctx context.Context, req wire.InstantiateRequest) (none, error) {
	k.setUI(req.ObjectIDs, req.Values)
	if !req.AutoRun {
		return none{}, nil
	}
	ids := k.nb.IDs()
	codes := make([]string, len(ids))
	for i, c := range k.nb.Cells {
		codes[i] = c.Code
	}
	return k.Run(ctx, wire.RunRequest{CellIDs: ids, Codes: codes})
}

// SetUIValues stores UI element values read by ui().
func (k *Kernel) SetUIValues(_ context.Context, req wire.SetUIElementValueRequest) (none, error) {
	k.setUI(req.ObjectIDs, req.Values)
	return none{}, nil
}

func (k *Kernel) setUI(ids []string, values []any) {
	for i, id := range ids {
		if i < len(values) {
			k.ui[id] = values[i]
		}
	}
}

// Run executes cells in request order. An interrupt stops the run; cells
// that did not start return to idle.
func (k *Kernel) Run(ctx context.Context, req wire.RunRequest) (none, error) {
	if len(req.CellIDs) != len(req.Codes) {
		return none{}, fmt.Errorf("run: %d cell ids for %d codes", len(req.CellIDs), len(req.Codes))
	}
	for i, id := range req.CellIDs {
		k.nb.Upsert(id, req.Codes[i])
		if err := k.cellOp(ctx, wire.CellOp{CellID: id, Status: wire.CellStatusQueued}); err != nil {
			return none{}, err
		}
	}

	interrupted := false
	for i, id := range req.CellIDs {
		if interrupted {
			if err := k.cellOp(ctx, wire.CellOp{CellID: id, Status: wire.CellStatusIdle}); err != nil {
				return none{}, err
			}
			continue
		}
		var err error
		interrupted, err = k.runCell(ctx, id, req.Codes[i], k.globals, true)
		if err != nil {
			return none{}, err
		}
	}
	if err := k.send(ctx, wire.OpVariables, k.variables()); err != nil {
		return none{}, err
	}
	return none{}, k.finishRun(ctx, interrupted)
}

// RunScratchpad executes code against a copy of the session globals.
func (k *Kernel) RunScratchpad(ctx context.Context, req wire.RunScratchpadRequest) (none, error) {
	scratch := make(starlark.StringDict, len(k.globals))
	for name, v := range k.globals {
		scratch[name] = v
	}
	interrupted, err := k.runCell(ctx, scratchCellID, req.Code, scratch, false)
	if err != nil {
		return none{}, err
	}
	return none{}, k.finishRun(ctx, interrupted)
}

func (k *Kernel) finishRun(ctx context.Context, interrupted bool) error {
	if interrupted {
		if err := k.send(ctx, wire.OpInterrupted, wire.Interrupted{}); err != nil {
			return err
		}
	}
	return k.send(ctx, wire.OpCompletedRun, wire.CompletedRun{})
}

// runCell executes one cell and reports its status, console and output.
// The returned error is an emit failure; cell errors become output. With
// track set, the names the cell binds are recorded for DeleteCell.
func (k *Kernel) runCell(ctx context.Context, id, code string, globals starlark.StringDict, track bool) (bool, error) {
	if err := k.cellOp(ctx, wire.CellOp{CellID: id, Status: wire.CellStatusRunning}); err != nil {
		return false, err
	}

	var emitErr error
	thread := k.thread(id, func(msg string) {
		if emitErr != nil {
			return
		}
		emitErr = k.cellOp(ctx, wire.CellOp{
			CellID: id,
			Console: []wire.CellOutput{{
				Channel:   wire.ChannelStdout,
				MimeType:  wire.MimeTextPlain,
				Data:      msg + "\n",
				Timestamp: k.timestamp(),
			}},
		})
	})

	stop := make(chan struct{})
	go k.interrupt.watch(stop, func() { thread.Cancel("interrupted") })
	stopCtx := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })

	value, execErr := k.exec(thread, id, code, globals)

	stopCtx()
	close(stop)
	if emitErr != nil {
		return false, emitErr
	}
	if track {
		k.recordDefs(id, globals)
	}

	interrupted := execErr != nil && k.interrupt.Requested()
	output := &wire.CellOutput{
		Channel:   wire.ChannelOutput,
		MimeType:  wire.MimeTextPlain,
		Data:      "",
		Timestamp: k.timestamp(),
	}
	switch {
	case interrupted:
		output.Channel = wire.ChannelMarimoError
		output.MimeType = wire.MimeMarimoError
		output.Data = []wire.CellError{{Type: "interruption", Msg: "This cell was interrupted"}}
	case execErr != nil:
		output.Channel = wire.ChannelMarimoError
		output.MimeType = wire.MimeMarimoError
		output.Data = []wire.CellError{{Type: "exception", Msg: errorText(execErr)}}
		logger.Debugf("worker: cell %s failed: %v", id, execErr)
	case value != nil && value != starlark.None:
		output.Data = display(value)
	}

	err := k.cellOp(ctx, wire.CellOp{CellID: id, Status: wire.CellStatusIdle, Output: output})
	return interrupted, err
}

func (k *Kernel) thread(name string, print func(string)) *starlark.Thread {
	return &starlark.Thread{
		Name:  name,
		Print: func(_ *starlark.Thread, msg string) { print(msg) },
		Load:  k.load,
	}
}

// exec runs code as a REPL chunk. A trailing expression statement is
// evaluated separately and becomes the cell's value.
func (k *Kernel) exec(thread *starlark.Thread, id, code string, globals starlark.StringDict) (starlark.Value, error) {
	f, err := k.opts.Parse(id, code, 0)
	if err != nil {
		return nil, err
	}

	var last syntax.Expr
	if n := len(f.Stmts); n > 0 {
		if stmt, ok := f.Stmts[n-1].(*syntax.ExprStmt); ok {
			last = stmt.X
			f.Stmts = f.Stmts[:n-1]
		}
	}
	if err := starlark.ExecREPLChunk(f, thread, globals); err != nil {
		return nil, err
	}
	if last == nil {
		return starlark.None, nil
	}
	return starlark.EvalExprOptions(k.opts, thread, last, globals)
}

// load serves load() statements from the worker file system.
func (k *Kernel) load(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	name := clean(module)
	if mod, ok := k.modules[name]; ok {
		return mod, nil
	}
	src, ok := k.fs.read(name)
	if !ok {
		return nil, fmt.Errorf("load %s: %w", module, errFileNotFound)
	}
	child := &starlark.Thread{Name: "load " + name, Print: thread.Print, Load: k.load}
	mod, err := starlark.ExecFileOptions(k.opts, child, name, src, k.builtins())
	if err != nil {
		return nil, err
	}
	k.modules[name] = mod
	return mod, nil
}

func (k *Kernel) recordDefs(id string, globals starlark.StringDict) {
	owned := make(map[string]bool)
	for cell, names := range k.defs {
		if cell == id {
			continue
		}
		for _, n := range names {
			owned[n] = true
		}
	}
	builtins := k.builtins()
	var names []string
	for name := range globals {
		if !owned[name] && !builtins.Has(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	k.defs[id] = names
}

// variables lists the tracked globals by name.
func (k *Kernel) variables() wire.Variables {
	vars := []wire.VariableDeclaration{}
	for cell, names := range k.defs {
		for _, name := range names {
			vars = append(vars, wire.VariableDeclaration{Name: name, DeclaredBy: []string{cell}})
		}
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
	return wire.Variables{Variables: vars}
}

func errorText(err error) string {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Backtrace()
	}
	return err.Error()
}

// FunctionCall invokes a notebook function with keyword arguments. The
// result is returned and also emitted as function-call-result.
func (k *Kernel) FunctionCall(ctx context.Context, req wire.FunctionCallRequest) (wire.FunctionCallResult, error) {
	result := wire.FunctionCallResult{
		FunctionCallID: req.FunctionCallID,
		Status:         wire.FunctionCallStatus{State: wire.FunctionCallSucceeded},
	}

	value, err := k.callFunction(req)
	if err != nil {
		result.Status = wire.FunctionCallStatus{State: wire.FunctionCallFailed, Error: err.Error()}
	} else {
		result.ReturnValue = fromStarlark(value)
	}
	if err := k.send(ctx, wire.OpFunctionCallResult, result); err != nil {
		return result, err
	}
	return result, nil
}

func (k *Kernel) callFunction(req wire.FunctionCallRequest) (starlark.Value, error) {
	scope := k.globals
	if req.Namespace != "" {
		ns, ok := k.globals[req.Namespace].(*starlark.Dict)
		if !ok {
			return nil, fmt.Errorf("namespace %q not found", req.Namespace)
		}
		scope = starlark.StringDict{}
		for _, item := range ns.Items() {
			if name, ok := item[0].(starlark.String); ok {
				scope[string(name)] = item[1]
			}
		}
	}
	fn, ok := scope[req.FunctionName].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("function %q not found", req.FunctionName)
	}

	names := make([]string, 0, len(req.Args))
	for name := range req.Args {
		names = append(names, name)
	}
	sort.Strings(names)
	kwargs := make([]starlark.Tuple, 0, len(names))
	for _, name := range names {
		v, err := toStarlark(req.Args[name])
		if err != nil {
			return nil, err
		}
		kwargs = append(kwargs, starlark.Tuple{starlark.String(name), v})
	}

	thread := &starlark.Thread{Name: "call " + req.FunctionName, Load: k.load}
	stop := make(chan struct{})
	defer close(stop)
	go k.interrupt.watch(stop, func() { thread.Cancel("interrupted") })
	return starlark.Call(thread, fn, nil, kwargs)
}

// Restart drops every definition and announces a fresh session.
func (k *Kernel) Restart(ctx context.Context, _ none) (none, error) {
	k.reset()
	return none{}, k.Bootstrap(ctx)
}

// Rename changes the notebook filename, moving the stored file with it.
func (k *Kernel) Rename(_ context.Context, req wire.RenameRequest) (none, error) {
	if req.Filename == "" {
		return none{}, errors.New("rename: empty filename")
	}
	if k.nb.Filename != "" {
		if _, ok := k.fs.read(k.nb.Filename); ok {
			if _, err := k.fs.move(k.nb.Filename, req.Filename); err != nil {
				return none{}, fmt.Errorf("rename: %w", err)
			}
		}
	}
	k.nb.Filename = req.Filename
	return none{}, nil
}

// Save replaces the notebook cells and, when asked, writes the file.
func (k *Kernel) Save(_ context.Context, req wire.SaveRequest) (none, error) {
	if len(req.CellIDs) != len(req.Codes) {
		return none{}, fmt.Errorf("save: %d cell ids for %d codes", len(req.CellIDs), len(req.Codes))
	}
	cells := make([]Cell, len(req.CellIDs))
	for i, id := range req.CellIDs {
		cells[i] = Cell{ID: id, Code: req.Codes[i]}
		if i < len(req.Names) && req.Names[i] != "_" {
			cells[i].Name = req.Names[i]
		}
	}
	k.nb.Cells = cells
	if req.Filename != "" {
		k.nb.Filename = req.Filename
	}
	if req.Persist && k.nb.Filename != "" {
		k.fs.write(k.nb.Filename, k.nb.Source())
	}
	return none{}, nil
}

// Format trims trailing whitespace from every line of each cell.
func (k *Kernel) Format(_ context.Context, req wire.FormatRequest) (wire.FormatResponse, error) {
	out := wire.FormatResponse{Codes: make(map[string]string, len(req.Codes))}
	for id, code := range req.Codes {
		lines := strings.Split(code, "\n")
		for i, line := range lines {
			lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
		}
		out.Codes[id] = strings.TrimRight(strings.Join(lines, "\n"), "\n")
	}
	return out, nil
}

// DeleteCell removes a cell and the globals it defined.
func (k *Kernel) DeleteCell(_ context.Context, req wire.DeleteCellRequest) (none, error) {
	if !k.nb.Delete(req.CellID) {
		return none{}, fmt.Errorf("delete: no cell %q", req.CellID)
	}
	for _, name := range k.defs[req.CellID] {
		delete(k.globals, name)
	}
	delete(k.defs, req.CellID)
	return none{}, nil
}

// ReadCode returns the notebook source.
func (k *Kernel) ReadCode(context.Context, none) (wire.ReadCodeResponse, error) {
	return wire.ReadCodeResponse{Contents: k.nb.Source()}, nil
}

// Complete answers with global and builtin names that extend the identifier
// at the end of the document.
func (k *Kernel) Complete(ctx context.Context, req wire.CodeCompletionRequest) (none, error) {
	prefix := identifierSuffix(req.Document)

	seen := make(map[string]bool)
	var options []string
	add := func(name string) {
		if strings.HasPrefix(name, prefix) && !seen[name] && !strings.HasPrefix(name, "_") {
			seen[name] = true
			options = append(options, name)
		}
	}
	for name := range k.globals {
		add(name)
	}
	for name := range starlark.Universe {
		add(name)
	}
	sort.Strings(options)

	return none{}, k.send(ctx, wire.OpCompletionResult, wire.CompletionResult{
		CompletionID: req.ID,
		PrefixLength: len(prefix),
		Options:      options,
	})
}

func identifierSuffix(doc string) string {
	i := len(doc)
	for i > 0 {
		c := doc[i-1]
		if c != '_' && !('a' <= c && c <= 'z') && !('A' <= c && c <= 'Z') && !('0' <= c && c <= '9') {
			break
		}
		i--
	}
	return doc[i:]
}

// InstallMissing reports every requested package as failed; the worker has
// no package index.
func (k *Kernel) InstallMissing(ctx context.Context, req wire.InstallMissingPackagesRequest) (none, error) {
	packages := make(map[string]string, len(req.Versions))
	for name := range req.Versions {
		packages[name] = wire.PackageFailed
	}
	if err := k.send(ctx, wire.OpInstallingPackageAlert, wire.InstallingPackageAlert{Packages: packages}); err != nil {
		return none{}, err
	}
	return none{}, k.send(ctx, wire.OpAlert, wire.Alert{
		Title:       "Packages not installed",
		Description: "Package installation is not available in the worker runtime.",
		Variant:     "danger",
	})
}

// AddPackage always fails; see InstallMissing.
func (k *Kernel) AddPackage(_ context.Context, req wire.AddPackageRequest) (wire.PackageOperationResponse, error) {
	return wire.PackageOperationResponse{Error: "cannot install " + req.Package + " in the worker runtime"}, nil
}

// RemovePackage always fails; nothing is installed.
func (k *Kernel) RemovePackage(_ context.Context, req wire.RemovePackageRequest) (wire.PackageOperationResponse, error) {
	return wire.PackageOperationResponse{Error: req.Package + " is not installed"}, nil
}

// Packages lists installed packages, of which there are none.
func (k *Kernel) Packages(context.Context, none) (wire.ListPackagesResponse, error) {
	return wire.ListPackagesResponse{Packages: []wire.PackageDescription{}}, nil
}

// Stdin is not supported: cells cannot block on input.
func (k *Kernel) Stdin(context.Context, wire.StdinRequest) (none, error) {
	return none{}, requests.ErrNotSupported
}

// ListFiles lists a directory of the worker file system.
func (k *Kernel) ListFiles(_ context.Context, req wire.FileListRequest) (wire.FileListResponse, error) {
	root := req.Path
	if root == "" {
		root = "/"
	}
	return wire.FileListResponse{Files: k.fs.list(root), Root: clean(root)}, nil
}

// FileDetails reads a file.
func (k *Kernel) FileDetails(_ context.Context, req wire.FileDetailsRequest) (wire.FileDetailsResponse, error) {
	details, err := k.fs.details(req.Path)
	if err != nil {
		return details, fmt.Errorf("%s: %w", req.Path, err)
	}
	return details, nil
}

// CreateFile creates a file or directory.
func (k *Kernel) CreateFile(_ context.Context, req wire.FileCreateRequest) (wire.FileOperationResponse, error) {
	info, err := k.fs.create(req)
	return fileResult(info, err), nil
}

// DeleteFile deletes a file or directory tree.
func (k *Kernel) DeleteFile(_ context.Context, req wire.FileDeleteRequest) (wire.FileOperationResponse, error) {
	return fileResult(wire.FileInfo{}, k.fs.remove(req.Path)), nil
}

// MoveFile renames a file or directory tree.
func (k *Kernel) MoveFile(_ context.Context, req wire.FileMoveRequest) (wire.FileOperationResponse, error) {
	info, err := k.fs.move(req.Path, req.NewPath)
	if err == nil && clean(req.Path) == clean(k.nb.Filename) {
		k.nb.Filename = clean(req.NewPath)
	}
	return fileResult(info, err), nil
}

// UpdateFile replaces a file's contents.
func (k *Kernel) UpdateFile(_ context.Context, req wire.FileUpdateRequest) (wire.FileOperationResponse, error) {
	info, err := k.fs.update(req.Path, req.Contents)
	return fileResult(info, err), nil
}

func fileResult(info wire.FileInfo, err error) wire.FileOperationResponse {
	if err != nil {
		return wire.FileOperationResponse{Message: err.Error()}
	}
	resp := wire.FileOperationResponse{Success: true}
	if info.Path != "" {
		resp.Info = &info
	}
	return resp
}
