package worker

import (
	"fmt"
	"strings"

	"github.com/bhandras/nbruntime/internal/protocol/wire"
)

// cellMarker starts a cell in a notebook source file. Text after the marker
// names the cell.
const cellMarker = "# %%"

// Cell is one unit of code in a worker notebook.
type Cell struct {
	ID   string
	Name string
	Code string
}

// Notebook is an ordered list of cells backed by a source file.
type Notebook struct {
	Filename string
	Cells    []Cell
}

// ParseNotebook splits src into cells at "# %%" markers. Code before the
// first marker becomes an unnamed cell. Cell ids are positional.
func ParseNotebook(filename, src string) *Notebook {
	nb := &Notebook{Filename: filename}

	var (
		name    string
		lines   []string
		started bool
	)
	flush := func() {
		code := strings.Trim(strings.Join(lines, "\n"), "\n")
		if started || strings.TrimSpace(code) != "" {
			nb.Cells = append(nb.Cells, Cell{
				ID:   fmt.Sprintf("c%d", len(nb.Cells)),
				Name: name,
				Code: code,
			})
		}
		lines = lines[:0]
	}

	for _, line := range strings.Split(strings.ReplaceAll(src, "\r\n", "\n"), "\n") {
		if rest, ok := strings.CutPrefix(line, cellMarker); ok {
			flush()
			started = true
			name = strings.TrimSpace(rest)
			continue
		}
		lines = append(lines, line)
	}
	flush()
	return nb
}

// Source renders the notebook back into its file form.
func (nb *Notebook) Source() string {
	var b strings.Builder
	for i, c := range nb.Cells {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(cellMarker)
		if c.Name != "" {
			b.WriteString(" " + c.Name)
		}
		b.WriteString("\n")
		if c.Code != "" {
			b.WriteString(c.Code)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Cell returns the cell with id.
func (nb *Notebook) Cell(id string) (*Cell, bool) {
	for i := range nb.Cells {
		if nb.Cells[i].ID == id {
			return &nb.Cells[i], true
		}
	}
	return nil, false
}

// Upsert sets the code of id, appending a new cell if it does not exist.
func (nb *Notebook) Upsert(id, code string) {
	if c, ok := nb.Cell(id); ok {
		c.Code = code
		return
	}
	nb.Cells = append(nb.Cells, Cell{ID: id, Code: code})
}

// Delete removes the cell with id.
func (nb *Notebook) Delete(id string) bool {
	for i := range nb.Cells {
		if nb.Cells[i].ID == id {
			nb.Cells = append(nb.Cells[:i], nb.Cells[i+1:]...)
			return true
		}
	}
	return false
}

// IDs returns the cell ids in order.
func (nb *Notebook) IDs() []string {
	ids := make([]string, len(nb.Cells))
	for i, c := range nb.Cells {
		ids[i] = c.ID
	}
	return ids
}

// CellData is the kernel-ready form of the cells.
func (nb *Notebook) CellData() []wire.CellData {
	out := make([]wire.CellData, len(nb.Cells))
	for i, c := range nb.Cells {
		out[i] = wire.CellData{ID: c.ID, Code: c.Code, Name: c.Name}
	}
	return out
}
