// Package line draws results with a date column and numeric columns as a
// text line chart, one glyph per numeric series.
package line

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/renderer"
	"github.com/msakrejda/cartographer/result"
	"github.com/msakrejda/cartographer/schema"
)

// Name is the registered renderer name.
const Name = "line"

// Plot dimensions used when Config leaves them unset.
const (
	DefaultWidth  = 60
	DefaultHeight = 10
)

var glyphs = []rune{'*', '+', 'o', 'x', '#', '@'}

// Config controls the plot size.
type Config struct {
	Width  int
	Height int
}

// Accepts reports whether r has a date column and at least one numeric column.
func Accepts(r *result.QueryResult) bool {
	return !r.Failed() && r.HasType(schema.Temporal...) && r.HasType(schema.Numeric...)
}

// Descriptor returns the line chart descriptor.
func Descriptor(cfg Config) *renderer.Descriptor {
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Height < 2 {
		cfg.Height = DefaultHeight
	}
	return &renderer.Descriptor{
		Name:                      Name,
		Description:               "Numeric series over a date axis",
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

// Register adds the line chart to reg.
func Register(reg *renderer.Registry) error {
	return reg.Register(Descriptor(Config{}))
}

// Chart is a live line chart.
type Chart struct {
	mu       sync.Mutex
	surface  renderer.Surface
	cfg      Config
	disposed bool
}

// Reload redraws the chart with r.
func (c *Chart) Reload(r *result.QueryResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return errors.Wrap(errors.ErrAlreadyStopped, "LineChart", "Reload", "redraw")
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

type point struct {
	at     time.Time
	values []float64
	ok     []bool
}

type series struct {
	name  string
	index int
}

func (c *Chart) draw(r *result.QueryResult) error {
	columns := r.Columns()
	xIndex, ok := schema.FirstIndexOfType(columns, schema.Date)
	if !ok {
		return errors.WrapInvalid(errors.ErrInvalidData, "LineChart", "draw", "find date column")
	}
	var lines []series
	for _, idx := range schema.AllIndicesOfType(columns, schema.Numeric...) {
		lines = append(lines, series{name: columns[idx].Name, index: idx})
	}

	points := collect(r, xIndex, lines)

	if err := renderer.WriteCaption(c.surface, r); err != nil {
		return errors.Wrap(err, "LineChart", "draw", "write caption")
	}
	if len(points) == 0 {
		_, err := io.WriteString(c.surface, "(no plottable points)\n")
		return err
	}

	lo, hi := bounds(points)
	grid := c.plot(points, len(lines), lo, hi)

	var b strings.Builder
	for i, row := range grid {
		label := ""
		switch i {
		case 0:
			label = formatValue(hi)
		case len(grid) - 1:
			label = formatValue(lo)
		}
		fmt.Fprintf(&b, "%10s |%s\n", label, string(row))
	}
	fmt.Fprintf(&b, "%10s +%s\n", "", strings.Repeat("-", len(grid[0])))
	fmt.Fprintf(&b, "%10s  %s .. %s\n", columns[xIndex].Name,
		points[0].at.Format(time.RFC3339), points[len(points)-1].at.Format(time.RFC3339))

	legend := make([]string, len(lines))
	for s, line := range lines {
		legend[s] = fmt.Sprintf("%c %s", glyphs[s%len(glyphs)], line.name)
	}
	fmt.Fprintf(&b, "%10s  %s\n", "", strings.Join(legend, "  "))

	if _, err := io.WriteString(c.surface, b.String()); err != nil {
		return errors.Wrap(err, "LineChart", "draw", "write plot")
	}
	return nil
}

func collect(r *result.QueryResult, xIndex int, lines []series) []point {
	points := make([]point, 0, r.NumRows())
	for i := 0; i < r.NumRows(); i++ {
		at, ok := renderer.Time(r.Cell(i, xIndex))
		if !ok {
			continue
		}
		p := point{at: at, values: make([]float64, len(lines)), ok: make([]bool, len(lines))}
		plotted := false
		for s, line := range lines {
			p.values[s], p.ok[s] = renderer.Float(r.Cell(i, line.index))
			plotted = plotted || p.ok[s]
		}
		if plotted {
			points = append(points, p)
		}
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].at.Before(points[j].at) })
	return points
}

func bounds(points []point) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, p := range points {
		for s, v := range p.values {
			if !p.ok[s] {
				continue
			}
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	return lo, hi
}

func (c *Chart) plot(points []point, numSeries int, lo, hi float64) [][]rune {
	width := min(len(points), c.cfg.Width)
	height := c.cfg.Height

	grid := make([][]rune, height)
	for i := range grid {
		grid[i] = []rune(strings.Repeat(" ", width))
	}

	span := hi - lo
	for i, p := range points {
		col := i * width / len(points)
		for s := 0; s < numSeries; s++ {
			if !p.ok[s] {
				continue
			}
			level := 0.0
			if span > 0 {
				level = (p.values[s] - lo) / span
			}
			row := height - 1 - int(math.Round(level*float64(height-1)))
			grid[row][col] = glyphs[s%len(glyphs)]
		}
	}
	return grid
}

func formatValue(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e12 {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.3g", v)
}
