package table

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// CompiledCondition is an opaque predicate bound to exactly one Definition
// and one MatchingMetaInfo shape. It is produced once, at query-compile
// time, by the engine's condition compiler (out of scope here — see
// spec §4.2.1) and evaluated many times at event arrival. Evaluation must
// be deterministic and side-effect free.
//
// The table package only depends on this contract; it never constructs a
// CompiledCondition from a predicate AST itself.
type CompiledCondition interface {
	// Evaluate reports whether row matches state under this condition.
	// Behavior is undefined if row or state do not conform to the shapes
	// the condition was compiled against.
	Evaluate(state StateEvent, row Row) bool
}

// ConditionFunc adapts a plain function to a CompiledCondition, for tests
// and for backends that compile conditions into a Go closure.
type ConditionFunc func(state StateEvent, row Row) bool

// Evaluate implements CompiledCondition.
func (f ConditionFunc) Evaluate(state StateEvent, row Row) bool {
	return f(state, row)
}

// ValueExpr is a single compiled value-expression plan: given the state
// event driving an update, it produces the concrete new value for one
// column. It is the Go stand-in for the variable expression executors the
// query compiler builds upstream; the table package treats it as opaque.
type ValueExpr interface {
	Evaluate(state StateEvent) (interface{}, error)
}

// ValueExprFunc adapts a plain function to a ValueExpr.
type ValueExprFunc func(state StateEvent) (interface{}, error)

// Evaluate implements ValueExpr.
func (f ValueExprFunc) Evaluate(state StateEvent) (interface{}, error) {
	return f(state)
}

// UpdateAssignment is one (column name, expression) pair as supplied by the
// query compiler, before compilation resolves the column name to an index.
type UpdateAssignment struct {
	Column string
	Expr   ValueExpr
}

// compiledAssignment is an UpdateAssignment with its column name already
// resolved to an index into the table Definition.
type compiledAssignment struct {
	columnIndex int
	columnName  string
	expr        ValueExpr
}

// CompiledUpdateSet is an opaque, immutable sequence of
// (column-index, value-expression-plan) pairs produced once by
// Table.CompileUpdateSet. Column indices are validated at compile time, so
// evaluating a CompiledUpdateSet against a state event can only fail if an
// individual ValueExpr itself fails.
type CompiledUpdateSet struct {
	tableID     string
	assignments []compiledAssignment
}

// Evaluate computes the concrete new column values for the given state
// event. The returned map is keyed by column index.
func (u *CompiledUpdateSet) Evaluate(state StateEvent) (map[int]interface{}, error) {
	out := make(map[int]interface{}, len(u.assignments))
	for _, a := range u.assignments {
		v, err := a.expr.Evaluate(state)
		if err != nil {
			return nil, fmt.Errorf("table: evaluating update for column %q: %w", a.columnName, err)
		}
		out[a.columnIndex] = v
	}
	return out, nil
}

// Len reports how many column assignments the update set carries.
func (u *CompiledUpdateSet) Len() int {
	return len(u.assignments)
}

// AddingStreamEventExtractor yields the stream event to insert when an
// updateOrAdd call finds no matching row. Treated as immutable data.
type AddingStreamEventExtractor func(state StateEvent) Row

// CompileUpdateSet validates the update assignments against this table's
// Definition and produces an opaque, immutable CompiledUpdateSet, through
// the backend's CompileUpdateSet hook. Column indices are resolved once
// here; a missing or duplicate column fails compilation with a descriptive
// error and never surfaces on the hot path.
//
// queryName is carried only for diagnostics in the returned error.
func (t *Table) CompileUpdateSet(queryName string, matching MatchingMetaInfo, assignments []UpdateAssignment) (*CompiledUpdateSet, error) {
	return t.adapter.CompileUpdateSet(queryName, matching, assignments, t.def)
}

// CompileUpdateSetFor is the backend-facing counterpart of
// Table.CompileUpdateSet: it runs the same column-resolution and validation
// against an explicit Definition rather than a live Table, for
// BackendAdapter implementations whose CompileUpdateSet hook has no extra
// backend-specific preparation to add and can simply defer to this.
func CompileUpdateSetFor(tableDef Definition, matching MatchingMetaInfo, assignments []UpdateAssignment, queryName string) (*CompiledUpdateSet, error) {
	if len(assignments) == 0 {
		return nil, fmt.Errorf("%w: query %q: update set for table %q is empty", ErrCompileFailed, queryName, tableDef.ID)
	}

	// Column-index resolution for each assignment is independent of every
	// other, so it fans out across a small worker group rather than running
	// strictly sequentially; compilation happens once per query and is off
	// the hot path, but tableDef.IndexOf does a linear scan and wide update
	// sets are the case this is meant to help.
	resolved := make([]compiledAssignment, len(assignments))
	var g errgroup.Group
	for i, a := range assignments {
		i, a := i, a
		g.Go(func() error {
			if a.Expr == nil {
				return fmt.Errorf("%w: query %q: column %q has no expression", ErrCompileFailed, queryName, a.Column)
			}
			idx := tableDef.IndexOf(a.Column)
			if idx < 0 {
				return fmt.Errorf("%w: query %q: table %q has no column %q", ErrCompileFailed, queryName, tableDef.ID, a.Column)
			}
			resolved[i] = compiledAssignment{columnIndex: idx, columnName: a.Column, expr: a.Expr}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(resolved))
	for _, a := range resolved {
		if _, dup := seen[a.columnName]; dup {
			return nil, fmt.Errorf("%w: query %q: column %q assigned more than once", ErrCompileFailed, queryName, a.columnName)
		}
		seen[a.columnName] = struct{}{}
	}

	return &CompiledUpdateSet{tableID: tableDef.ID, assignments: resolved}, nil
}
