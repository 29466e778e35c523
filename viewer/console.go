package viewer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
)

const consoleHelp = `commands:
  list           list received results
  show <id>      select a result
  charts         list renderers for the selected result
  chart <name>   switch renderer
  status         show pipeline status
  redraw         repaint the chart
  quit           exit
`

// Console drives a Viewer from line-oriented input.
type Console struct {
	viewer *Viewer
	in     io.Reader
	out    io.Writer
	prompt string
}

// NewConsole creates a console reading commands from in and writing replies
// to out.
func NewConsole(v *Viewer, in io.Reader, out io.Writer) *Console {
	return &Console{viewer: v, in: in, out: out, prompt: "> "}
}

// Run reads commands until quit, end of input or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	c.printPrompt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.viewer.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if quit := c.Exec(ctx, line); quit {
				return nil
			}
			c.printPrompt()
		}
	}
}

func (c *Console) printPrompt() {
	_, _ = io.WriteString(c.out, c.prompt)
}

// Exec runs one command line and reports whether the console should exit.
func (c *Console) Exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	var err error
	switch cmd, args := fields[0], fields[1:]; cmd {
	case "quit", "exit":
		return true
	case "help", "?":
		_, _ = io.WriteString(c.out, consoleHelp)
	case "list", "ls":
		err = c.list(ctx)
	case "show":
		err = c.show(ctx, args)
	case "charts":
		err = c.charts(ctx)
	case "chart":
		err = c.chart(ctx, args)
	case "status":
		err = c.status(ctx)
	case "redraw":
		err = c.viewer.Redraw(ctx)
	default:
		err = fmt.Errorf("unknown command %q, try help", cmd)
	}

	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
	}
	return false
}

func (c *Console) list(ctx context.Context) error {
	results, err := c.viewer.Results(ctx)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		_, _ = io.WriteString(c.out, "no results yet\n")
		return nil
	}

	table := tablewriter.NewWriter(c.out)
	table.SetHeader([]string{"", "id", "rows", "columns", "query"})
	table.SetAutoWrapText(false)
	for _, r := range results {
		mark := ""
		if r.Selected {
			mark = "*"
		}
		rows := strconv.Itoa(r.Rows)
		if r.Failed {
			rows = "error"
		}
		table.Append([]string{mark, strconv.FormatInt(r.ID, 10), rows, strconv.Itoa(r.Columns), oneLine(r.Query, 60)})
	}
	table.Render()
	return nil
}

func (c *Console) show(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: show <id>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", args[0])
	}
	return c.viewer.SelectResult(ctx, id)
}

func (c *Console) charts(ctx context.Context) error {
	renderers, err := c.viewer.Renderers(ctx)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(c.out)
	table.SetHeader([]string{"", "name", "usable", "description"})
	for _, r := range renderers {
		mark := ""
		if r.Active {
			mark = "*"
		}
		usable := "no"
		if r.Compatible {
			usable = "yes"
		}
		table.Append([]string{mark, r.Name, usable, r.Description})
	}
	table.Render()
	return nil
}

func (c *Console) chart(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: chart <name>")
	}
	return c.viewer.SelectRenderer(ctx, args[0])
}

func (c *Console) status(ctx context.Context) error {
	st, err := c.viewer.Status(ctx)
	if err != nil {
		return err
	}

	upstream := st.Upstream
	if st.CloseReason != "" {
		upstream += " (" + st.CloseReason + ")"
	}
	renderer := st.Renderer
	if renderer == "" {
		renderer = "-"
	}

	fmt.Fprintf(c.out, "upstream:  %s\n", upstream)
	fmt.Fprintf(c.out, "engine:    %s, renderer %s, result %d, policy %s\n", st.State, renderer, st.ResultID, st.Policy)
	fmt.Fprintf(c.out, "history:   %d results\n", st.History)
	fmt.Fprintf(c.out, "intake:    %d received, %d appended, %d malformed\n",
		st.Intake.Received, st.Intake.Appended, st.Intake.Malformed)
	fmt.Fprintf(c.out, "loop:      %d/%d queued, %d processed\n", st.Loop.QueueDepth, st.Loop.QueueSize, st.Loop.Processed)
	return nil
}

// oneLine collapses whitespace and truncates s to n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
