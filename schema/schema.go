// Package schema classifies result columns by logical type and locates the
// columns that match a set of types. Every renderer's compatibility predicate
// is built from these functions.
package schema

import "strings"

// LogicalType is the renderer-facing classification of a column.
type LogicalType string

// Logical types recognized by renderers.
const (
	Text    LogicalType = "text"
	Integer LogicalType = "integer"
	Float   LogicalType = "float"
	Date    LogicalType = "date"
)

// Valid reports whether t is one of the four known logical types.
func (t LogicalType) Valid() bool {
	switch t {
	case Text, Integer, Float, Date:
		return true
	default:
		return false
	}
}

// IsNumeric reports whether t is an integer or float type.
func (t LogicalType) IsNumeric() bool {
	return t == Integer || t == Float
}

// Column describes one column of a result.
type Column struct {
	Name string      `json:"name"`
	Type LogicalType `json:"type"`
}

// Set is a set of logical types.
type Set []LogicalType

// Common sets.
var (
	Numeric  = Set{Integer, Float}
	Temporal = Set{Date}
	Textual  = Set{Text}
	Any      = Set{Text, Integer, Float, Date}
)

// Contains reports whether t is a member of s.
func (s Set) Contains(t LogicalType) bool {
	for _, member := range s {
		if member == t {
			return true
		}
	}
	return false
}

// String renders the set as "a|b|c".
func (s Set) String() string {
	parts := make([]string, len(s))
	for i, t := range s {
		parts[i] = string(t)
	}
	return strings.Join(parts, "|")
}

// FirstIndexOfType returns the lowest index whose column type is in types.
// The boolean is false when no column matches.
func FirstIndexOfType(columns []Column, types ...LogicalType) (int, bool) {
	set := Set(types)
	for i, col := range columns {
		if set.Contains(col.Type) {
			return i, true
		}
	}
	return -1, false
}

// AllIndicesOfType returns every index whose column type is in types, in
// column order. The result is empty, never nil, when nothing matches.
func AllIndicesOfType(columns []Column, types ...LogicalType) []int {
	set := Set(types)
	indices := make([]int, 0, len(columns))
	for i, col := range columns {
		if set.Contains(col.Type) {
			indices = append(indices, i)
		}
	}
	return indices
}

// HasType reports whether any column has a type in types.
func HasType(columns []Column, types ...LogicalType) bool {
	_, ok := FirstIndexOfType(columns, types...)
	return ok
}
