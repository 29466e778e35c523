// Package table renders any result as a text table.
package table

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/olekukonko/tablewriter"

	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/renderer"
	"github.com/msakrejda/cartographer/result"
)

// Name is the registered renderer name.
const Name = "table"

// DefaultMaxRows limits how many rows are drawn.
const DefaultMaxRows = 50

// Config controls table output.
type Config struct {
	MaxRows int
}

// Descriptor returns the table renderer descriptor. The table accepts every
// result, including failed queries and statements without a result set.
func Descriptor(cfg Config) *renderer.Descriptor {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	return &renderer.Descriptor{
		Name:                      Name,
		Description:               "Tabular view of every column",
		Accepts:                   func(*result.QueryResult) bool { return true },
		SupportsIncrementalReload: true,
		Create: func(surface renderer.Surface, r *result.QueryResult) (renderer.Instance, error) {
			inst := &Instance{surface: surface, cfg: cfg}
			if err := inst.draw(r); err != nil {
				return nil, err
			}
			return inst, nil
		},
	}
}

// Register adds the table renderer to reg.
func Register(reg *renderer.Registry) error {
	return reg.Register(Descriptor(Config{}))
}

// Instance is a live table.
type Instance struct {
	mu       sync.Mutex
	surface  renderer.Surface
	cfg      Config
	disposed bool
}

// Reload redraws the table with r.
func (t *Instance) Reload(r *result.QueryResult) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return errors.Wrap(errors.ErrAlreadyStopped, "Table", "Reload", "redraw")
	}
	t.surface.Clear()
	return t.draw(r)
}

// Dispose releases the surface.
func (t *Instance) Dispose() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disposed = true
	return nil
}

func (t *Instance) draw(r *result.QueryResult) error {
	if err := renderer.WriteCaption(t.surface, r); err != nil {
		return errors.Wrap(err, "Table", "draw", "write caption")
	}

	if r.Failed() {
		return writeErrors(t.surface, r.Errors())
	}
	if r.NumColumns() == 0 {
		_, err := io.WriteString(t.surface, "(no result set)\n")
		return err
	}

	tw := tablewriter.NewWriter(t.surface)
	tw.SetAutoWrapText(false)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	tw.SetBorder(true)

	columns := r.Columns()
	header := make([]string, len(columns))
	for i, col := range columns {
		header[i] = fmt.Sprintf("%s (%s)", col.Name, col.Type)
	}
	tw.SetHeader(header)

	shown := min(r.NumRows(), t.cfg.MaxRows)
	for i := 0; i < shown; i++ {
		row := r.Row(i)
		cells := make([]string, len(row))
		for j, cell := range row {
			cells[j] = renderer.String(cell)
		}
		tw.Append(cells)
	}
	tw.Render()

	if hidden := r.NumRows() - shown; hidden > 0 {
		if _, err := fmt.Fprintf(t.surface, "... %d more rows\n", hidden); err != nil {
			return errors.Wrap(err, "Table", "draw", "write footer")
		}
	}
	return nil
}

func writeErrors(w io.Writer, fields map[string]string) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := tablewriter.NewWriter(w)
	tw.SetAutoWrapText(false)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"field", "value"})
	for _, k := range keys {
		tw.Append([]string{k, fields[k]})
	}
	tw.Render()
	return nil
}
