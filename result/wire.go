package result

import (
	"fmt"
	"math"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/xeipuuv/gojsonschema"

	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/schema"
)

// Message is the inbound wire shape of one query result.
type Message struct {
	ID      int64             `json:"id"`
	Query   string            `json:"query"`
	Runtime float64           `json:"runtime"`
	Columns []WireColumn      `json:"columns"`
	Data    [][]any           `json:"data"`
	Error   map[string]string `json:"error,omitempty"`
	Session string            `json:"session,omitempty"`
}

// WireColumn is a column as it appears on the wire; Type is a raw token.
type WireColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

const messageSchema = `{
  "type": "object",
  "required": ["id", "query", "columns"],
  "properties": {
    "id": {"type": "integer"},
    "query": {"type": "string"},
    "runtime": {"type": "number", "minimum": 0},
    "columns": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "type"],
        "properties": {
          "name": {"type": "string"},
          "type": {"type": "string"}
        }
      }
    },
    "data": {
      "type": ["array", "null"],
      "items": {"type": "array"}
    },
    "error": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    }
  }
}`

// Decoder turns wire payloads into results. It is safe for concurrent use.
type Decoder struct {
	schema *gojsonschema.Schema
	tokens *schema.Tokens
	clock  clockwork.Clock
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithTokens sets the token table used to classify column types.
func WithTokens(tokens *schema.Tokens) DecoderOption {
	return func(d *Decoder) {
		if tokens != nil {
			d.tokens = tokens
		}
	}
}

// WithClock sets the clock used to stamp arrival times.
func WithClock(clock clockwork.Clock) DecoderOption {
	return func(d *Decoder) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// NewDecoder compiles the wire schema and applies options.
func NewDecoder(opts ...DecoderOption) (*Decoder, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(messageSchema))
	if err != nil {
		return nil, errors.WrapFatal(err, "Decoder", "NewDecoder", "compile wire schema")
	}

	d := &Decoder{
		schema: compiled,
		tokens: schema.DefaultTokens(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// Decode validates payload against the wire schema and builds a result.
// Every failure matches errors.ErrMalformedResult.
func (d *Decoder) Decode(payload []byte) (*QueryResult, error) {
	validation, err := d.schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return nil, malformed("parse payload", err.Error())
	}
	if !validation.Valid() {
		details := make([]string, 0, len(validation.Errors()))
		for _, desc := range validation.Errors() {
			details = append(details, desc.String())
		}
		return nil, malformed("validate payload", strings.Join(details, "; "))
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, malformed("unmarshal payload", err.Error())
	}

	columns := make([]schema.Column, len(msg.Columns))
	for i, col := range msg.Columns {
		columns[i] = schema.Column{Name: col.Name, Type: d.tokens.Classify(col.Type)}
	}

	rows := make([][]any, len(msg.Data))
	for i, row := range msg.Data {
		if len(row) != len(columns) {
			return nil, malformed("validate rows",
				fmt.Sprintf("row %d has %d cells, want %d", i, len(row), len(columns)))
		}
		rows[i] = normalizeRow(columns, row)
	}

	r, err := New(Spec{
		ID:            msg.ID,
		Query:         msg.Query,
		ElapsedMillis: msg.Runtime,
		Columns:       columns,
		Rows:          rows,
		Errors:        msg.Error,
		ReceivedAt:    d.clock.Now(),
	})
	if err != nil {
		return nil, malformed("build result", err.Error())
	}
	return r, nil
}

// Encode serializes a wire message.
func Encode(msg *Message) ([]byte, error) {
	if msg.Columns == nil {
		msg.Columns = []WireColumn{}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Encoder", "Encode", "marshal message")
	}
	return data, nil
}

// normalizeRow turns whole JSON numbers in integer columns into int64.
func normalizeRow(columns []schema.Column, row []any) []any {
	for j, cell := range row {
		f, ok := cell.(float64)
		if !ok || columns[j].Type != schema.Integer {
			continue
		}
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			row[j] = int64(f)
		}
	}
	return row
}

func malformed(action, detail string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrMalformedResult, detail),
		"Decoder", "Decode", action)
}
