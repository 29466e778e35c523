package capture

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgproto3/v2"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jonboulle/clockwork"

	"github.com/msakrejda/cartographer/result"
)

// Watcher follows one proxied session and assembles a result message for
// every completed simple-protocol statement. OnRequest and OnResponse may be
// called from different goroutines.
type Watcher struct {
	session string
	ids     *atomic.Int64
	clock   clockwork.Clock
	types   *pgtype.Map
	logger  *slog.Logger
	emit    func(*result.Message)

	mu      sync.Mutex
	query   string
	started time.Time
	active  bool
	fields  []pgproto3.FieldDescription
	rows    [][]any
	errs    map[string]string
}

// NewWatcher creates a watcher. ids is shared by every session of a proxy
// so message IDs increase across sessions; emit receives each message.
func NewWatcher(session string, ids *atomic.Int64, clock clockwork.Clock, logger *slog.Logger, emit func(*result.Message)) *Watcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		session: session,
		ids:     ids,
		clock:   clock,
		types:   pgtype.NewMap(),
		logger:  logger,
		emit:    emit,
	}
}

// OnRequest observes a message sent by the client.
func (w *Watcher) OnRequest(msg pgproto3.FrontendMessage) {
	q, ok := msg.(*pgproto3.Query)
	if !ok {
		// extended protocol messages are forwarded but not captured
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.resetLocked()
	w.query = q.String
	w.started = w.clock.Now()
	w.active = true
}

// OnResponse observes a message sent by the server.
func (w *Watcher) OnResponse(msg pgproto3.BackendMessage) {
	var out *result.Message

	w.mu.Lock()
	switch m := msg.(type) {
	case *pgproto3.RowDescription:
		w.fields = make([]pgproto3.FieldDescription, len(m.Fields))
		for i, f := range m.Fields {
			f.Name = append([]byte(nil), f.Name...)
			w.fields[i] = f
		}
		w.rows = nil
	case *pgproto3.DataRow:
		if w.active {
			w.rows = append(w.rows, w.decodeRowLocked(m.Values))
		}
	case *pgproto3.ErrorResponse:
		if w.active {
			w.errs = errorFields(m)
		}
	case *pgproto3.CommandComplete:
		if w.active {
			rows, _ := commandRows(string(m.CommandTag))
			w.logger.Debug("statement complete", "tag", string(m.CommandTag), "rows", rows)
			out = w.flushLocked()
		}
	case *pgproto3.EmptyQueryResponse:
		w.fields, w.rows = nil, nil
	case *pgproto3.ReadyForQuery:
		if w.active && w.errs != nil {
			out = w.flushLocked()
		}
		w.resetLocked()
	}
	w.mu.Unlock()

	if out != nil && w.emit != nil {
		w.emit(out)
	}
}

// flushLocked builds the message for the current statement. The query text
// is kept: a multi-statement query yields one message per statement.
func (w *Watcher) flushLocked() *result.Message {
	columns := []result.WireColumn{}
	rows := [][]any{}
	// a failed statement carries only its error, never partial rows
	if w.errs == nil {
		for _, f := range w.fields {
			columns = append(columns, result.WireColumn{Name: string(f.Name), Type: TypeName(w.types, f.DataTypeOID)})
		}
		if w.rows != nil {
			rows = w.rows
		}
	}

	msg := &result.Message{
		ID:      w.ids.Add(1),
		Query:   w.query,
		Runtime: float64(w.clock.Since(w.started).Microseconds()) / 1000,
		Columns: columns,
		Data:    rows,
		Error:   w.errs,
		Session: w.session,
	}

	w.fields, w.rows, w.errs = nil, nil, nil
	return msg
}

func (w *Watcher) resetLocked() {
	w.query = ""
	w.active = false
	w.fields, w.rows, w.errs = nil, nil, nil
}

func (w *Watcher) decodeRowLocked(values [][]byte) []any {
	row := make([]any, len(w.fields))
	for i := range row {
		if i >= len(values) {
			break
		}
		f := w.fields[i]
		row[i] = DecodeCell(w.types, f.DataTypeOID, f.Format, values[i])
	}
	return row
}

// errorFields flattens an ErrorResponse into named, non-empty fields.
func errorFields(m *pgproto3.ErrorResponse) map[string]string {
	fields := map[string]string{}
	put := func(key, value string) {
		if value != "" {
			fields[key] = value
		}
	}
	putInt := func(key string, value int32) {
		if value != 0 {
			fields[key] = strconv.Itoa(int(value))
		}
	}

	put("severity", m.Severity)
	put("code", m.Code)
	put("message", m.Message)
	put("detail", m.Detail)
	put("hint", m.Hint)
	putInt("position", m.Position)
	putInt("internal_position", m.InternalPosition)
	put("internal_query", m.InternalQuery)
	put("where", m.Where)
	put("schema", m.SchemaName)
	put("table", m.TableName)
	put("column", m.ColumnName)
	put("data_type", m.DataTypeName)
	put("constraint", m.ConstraintName)
	put("file", m.File)
	putInt("line", m.Line)
	put("routine", m.Routine)
	return fields
}
