package table

import "fmt"

// ColumnType is the semantic type of a table column.
type ColumnType int

const (
	ColumnUnknown ColumnType = iota
	ColumnBool
	ColumnInt64
	ColumnFloat64
	ColumnString
	ColumnBytes
	ColumnObject
)

// String implements fmt.Stringer.
func (t ColumnType) String() string {
	switch t {
	case ColumnBool:
		return "bool"
	case ColumnInt64:
		return "int64"
	case ColumnFloat64:
		return "float64"
	case ColumnString:
		return "string"
	case ColumnBytes:
		return "bytes"
	case ColumnObject:
		return "object"
	default:
		return "unknown"
	}
}

// ColumnDef describes a single column: its name and semantic type.
type ColumnDef struct {
	Name string
	Type ColumnType
}

// Definition is an immutable table descriptor: an identifier plus an
// ordered sequence of columns. It is created once, at query-compile time,
// and never mutated afterward.
type Definition struct {
	ID      string
	Columns []ColumnDef
}

// IndexOf returns the ordinal position of the named column, or -1 if the
// definition has no such column.
func (d Definition) IndexOf(name string) int {
	for i, c := range d.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Validate checks that the definition is well-formed: a non-empty ID and
// no duplicate column names.
func (d Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("table: definition has no id")
	}
	seen := make(map[string]struct{}, len(d.Columns))
	for _, c := range d.Columns {
		if c.Name == "" {
			return fmt.Errorf("table: definition %q has an unnamed column", d.ID)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("table: definition %q has duplicate column %q", d.ID, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

// Row is an ordered tuple of values conforming to a Definition's columns.
type Row []interface{}

// Clone returns a shallow copy of the row, so backends may hand out rows
// without callers racing on the backing array.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// MatchingMetaInfo describes the schema of a correlated event arriving
// from a joined stream, used to compile conditions and update sets against
// state events. It is deliberately minimal: the real shape comes from the
// query compiler, which is out of scope here.
type MatchingMetaInfo struct {
	StreamName string
	Fields     []ColumnDef
}

// IndexOf returns the ordinal position of the named field, or -1.
func (m MatchingMetaInfo) IndexOf(name string) int {
	for i, f := range m.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}
