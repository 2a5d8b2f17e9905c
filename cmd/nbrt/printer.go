package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/bhandras/nbruntime/internal/protocol/wire"
	"github.com/bhandras/nbruntime/internal/transport"
)

// printer is an sdk.Listener that writes operations as text. It also
// signals kernel-ready and completed-run so commands can wait on them.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	errOut  io.Writer
	verbose bool

	ready     chan struct{}
	completed chan struct{}
}

func newPrinter(out, errOut io.Writer, verbose bool) *printer {
	return &printer{
		out:       out,
		errOut:    errOut,
		verbose:   verbose,
		ready:     make(chan struct{}, 1),
		completed: make(chan struct{}, 1),
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (p *printer) OnOperation(op wire.Operation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch op.Op {
	case wire.OpKernelReady:
		var ready wire.KernelReady
		if err := op.Decode(&ready); err == nil {
			fmt.Fprintf(p.out, "kernel ready: %d cells\n", len(ready.Cells))
		}
		notify(p.ready)
		return

	case wire.OpCellOp:
		var cell wire.CellOp
		if err := op.Decode(&cell); err != nil {
			fmt.Fprintf(p.errOut, "bad cell-op: %v\n", err)
			return
		}
		p.printCell(cell)
		return

	case wire.OpCompletedRun:
		if p.verbose {
			fmt.Fprintln(p.out, "run completed")
		}
		notify(p.completed)
		return
	}

	if p.verbose {
		fmt.Fprintf(p.out, "%s %s\n", op.Op, op.Data)
	} else {
		fmt.Fprintln(p.out, op.Op)
	}
}

func (p *printer) printCell(cell wire.CellOp) {
	if p.verbose && cell.Status != "" {
		fmt.Fprintf(p.out, "[%s] %s\n", cell.CellID, cell.Status)
	}
	for _, line := range cell.Console {
		fmt.Fprintf(p.out, "[%s] %s", cell.CellID, text(line.Data))
	}
	if cell.Output == nil {
		return
	}
	data := text(cell.Output.Data)
	if data == "" {
		return
	}
	if cell.Output.MimeType == wire.MimeMarimoError {
		fmt.Fprintf(p.out, "[%s] error: %s\n", cell.CellID, data)
		return
	}
	fmt.Fprintf(p.out, "[%s] %s\n", cell.CellID, data)
}

func (p *printer) OnStateChange(state transport.ReadyState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.verbose {
		fmt.Fprintf(p.errOut, "connection %s\n", state)
	}
}

func (p *printer) OnError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.errOut, "error: %v\n", err)
}

func text(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
