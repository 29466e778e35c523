// Package bar draws a labeled numeric column as horizontal text bars.
package bar

import (
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/renderer"
	"github.com/msakrejda/cartographer/result"
	"github.com/msakrejda/cartographer/schema"
)

// Name is the registered renderer name.
const Name = "bar"

// Defaults used when Config leaves a field unset.
const (
	DefaultWidth   = 40
	DefaultMaxBars = 30
)

// Config controls bar output.
type Config struct {
	Width   int
	MaxBars int
}

// Accepts reports whether r has a text column to label bars and a numeric
// column to size them.
func Accepts(r *result.QueryResult) bool {
	return !r.Failed() && r.HasType(schema.Textual...) && r.HasType(schema.Numeric...)
}

// Descriptor returns the bar chart descriptor.
func Descriptor(cfg Config) *renderer.Descriptor {
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.MaxBars <= 0 {
		cfg.MaxBars = DefaultMaxBars
	}
	return &renderer.Descriptor{
		Name:                      Name,
		Description:               "Horizontal bars of a numeric column by label",
		Accepts:                   Accepts,
		SupportsIncrementalReload: true,
		Create: func(surface renderer.Surface, r *result.QueryResult) (renderer.Instance, error) {
			chart := &Chart{surface: surface, cfg: cfg}
			if err := chart.draw(r); err != nil {
				return nil, err
			}
			return chart, nil
		},
	}
}

// Register adds the bar chart to reg.
func Register(reg *renderer.Registry) error {
	return reg.Register(Descriptor(Config{}))
}

// Chart is a live bar chart.
type Chart struct {
	mu       sync.Mutex
	surface  renderer.Surface
	cfg      Config
	disposed bool
}

// Reload redraws the bars with r.
func (c *Chart) Reload(r *result.QueryResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return errors.Wrap(errors.ErrAlreadyStopped, "BarChart", "Reload", "redraw")
	}
	c.surface.Clear()
	return c.draw(r)
}

// Dispose stops the chart from drawing again.
func (c *Chart) Dispose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposed = true
	return nil
}

type bar struct {
	label string
	value float64
}

func (c *Chart) draw(r *result.QueryResult) error {
	columns := r.Columns()
	labelIndex, ok := schema.FirstIndexOfType(columns, schema.Text)
	if !ok {
		return errors.WrapInvalid(errors.ErrInvalidData, "BarChart", "draw", "find label column")
	}
	valueIndex, ok := schema.FirstIndexOfType(columns, schema.Numeric...)
	if !ok {
		return errors.WrapInvalid(errors.ErrInvalidData, "BarChart", "draw", "find value column")
	}

	bars := make([]bar, 0, min(r.NumRows(), c.cfg.MaxBars))
	labelWidth := 0
	peak := 0.0
	for i := 0; i < r.NumRows() && len(bars) < c.cfg.MaxBars; i++ {
		v, ok := renderer.Float(r.Cell(i, valueIndex))
		if !ok {
			continue
		}
		b := bar{label: renderer.String(r.Cell(i, labelIndex)), value: v}
		bars = append(bars, b)
		labelWidth = max(labelWidth, len(b.label))
		peak = math.Max(peak, math.Abs(v))
	}

	if err := renderer.WriteCaption(c.surface, r); err != nil {
		return errors.Wrap(err, "BarChart", "draw", "write caption")
	}
	if len(bars) == 0 {
		_, err := io.WriteString(c.surface, "(no plottable bars)\n")
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s by %s\n", columns[valueIndex].Name, columns[labelIndex].Name)
	for _, entry := range bars {
		length := 0
		if peak > 0 {
			length = int(math.Round(math.Abs(entry.value) / peak * float64(c.cfg.Width)))
		}
		glyph := "#"
		if entry.value < 0 {
			glyph = "-"
		}
		fmt.Fprintf(&b, "%-*s |%s %s\n", labelWidth, entry.label, strings.Repeat(glyph, length), renderer.String(entry.value))
	}
	if hidden := r.NumRows() - len(bars); hidden > 0 {
		fmt.Fprintf(&b, "(%d rows not shown)\n", hidden)
	}

	if _, err := io.WriteString(c.surface, b.String()); err != nil {
		return errors.Wrap(err, "BarChart", "draw", "write bars")
	}
	return nil
}
