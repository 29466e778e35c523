package schema

import (
	"maps"
	"strings"
)

// Tokens maps wire type tokens to logical types. Lookups are case-insensitive
// and unknown tokens classify as Text.
type Tokens struct {
	byToken map[string]LogicalType
}

var defaultTokens = map[string]LogicalType{
	// logical names pass through unchanged
	"text":    Text,
	"integer": Integer,
	"float":   Float,
	"date":    Date,

	"int2":     Integer,
	"int4":     Integer,
	"int8":     Integer,
	"smallint": Integer,
	"bigint":   Integer,
	"int":      Integer,
	"oid":      Integer,

	"float4":           Float,
	"float8":           Float,
	"real":             Float,
	"double precision": Float,
	"numeric":          Float,
	"decimal":          Float,
	"money":            Float,

	"timestamp":   Date,
	"timestamptz": Date,
	"time":        Date,
	"timetz":      Date,
	"datetime":    Date,

	"varchar": Text,
	"bpchar":  Text,
	"name":    Text,
	"bool":    Text,
	"uuid":    Text,
	"json":    Text,
	"jsonb":   Text,
}

// DefaultTokens returns the built-in token table covering Postgres type names.
func DefaultTokens() *Tokens {
	return &Tokens{byToken: maps.Clone(defaultTokens)}
}

// NewTokens returns the default table extended (or overridden) by extra.
// Extra entries with unknown logical types are ignored.
func NewTokens(extra map[string]string) *Tokens {
	tokens := DefaultTokens()
	for token, logical := range extra {
		t := LogicalType(strings.ToLower(logical))
		if !t.Valid() {
			continue
		}
		tokens.byToken[normalize(token)] = t
	}
	return tokens
}

// Classify returns the logical type for a wire token.
func (t *Tokens) Classify(token string) LogicalType {
	if t == nil {
		t = DefaultTokens()
	}
	if logical, ok := t.byToken[normalize(token)]; ok {
		return logical
	}
	// array types ("_int4") and anything else unknown render as text
	return Text
}

// Len returns the number of known tokens.
func (t *Tokens) Len() int {
	return len(t.byToken)
}

func normalize(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}
