// Package memory implements an in-process BackendAdapter backed by a plain
// Go slice. It never returns a connection-unavailable error: Connect and
// Disconnect are no-ops, since there is no external resource to lose.
package memory

import (
	"context"
	"sync"

	"github.com/redbco/streamtable/table"
)

// Backend is a thread-compatible, in-memory table store. Callers of Table
// already serialize access to a BackendAdapter, but Backend keeps its own
// mutex so it can also be driven directly in tests without going through
// Table.
type Backend struct {
	mu  sync.Mutex
	def table.Definition

	rows []storedRow
	next int64
}

type storedRow struct {
	id  int64
	row table.Row
}

// New creates an unconnected in-memory backend.
func New() *Backend {
	return &Backend{}
}

// Init stores the table definition. It never fails.
func (b *Backend) Init(_ context.Context, def table.Definition, _ table.ConfigReader, _ table.EngineContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.def = def
	return nil
}

// Connect is a no-op: the backing store is already live once Init has run.
func (b *Backend) Connect(context.Context) error { return nil }

// Disconnect is a no-op.
func (b *Backend) Disconnect(context.Context) error { return nil }

// Destroy discards every stored row. It is safe to call more than once.
func (b *Backend) Destroy(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows = nil
	return nil
}

// Add appends every row in chunk.
func (b *Backend) Add(_ context.Context, chunk *table.StreamEventChunk) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		row, ok := chunk.Next()
		if !ok {
			break
		}
		b.next++
		b.rows = append(b.rows, storedRow{id: b.next, row: row.Clone()})
	}
	chunk.Reset()
	return nil
}

// Find returns every stored row for which cond reports a match against
// state, or every row if cond is nil.
func (b *Backend) Find(_ context.Context, state table.StateEvent, cond table.CompiledCondition) (*table.StreamEventChunk, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matched []table.Row
	for _, r := range b.rows {
		if b.matches(r.row, state, cond) {
			matched = append(matched, r.row.Clone())
		}
	}
	return table.NewStreamEventChunk(matched), nil
}

// Delete removes every stored row matching any state event in chunk under
// cond.
func (b *Backend) Delete(_ context.Context, chunk *table.StateEventChunk, cond table.CompiledCondition) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	states := chunk.Drain()

	kept := b.rows[:0]
	for _, r := range b.rows {
		remove := false
		for _, s := range states {
			if b.matches(r.row, s, cond) {
				remove = true
				break
			}
		}
		if !remove {
			kept = append(kept, r)
		}
	}
	b.rows = kept
	return nil
}

// Update applies updates to every stored row matching any state event in
// chunk under cond.
func (b *Backend) Update(_ context.Context, chunk *table.StateEventChunk, cond table.CompiledCondition, updates *table.CompiledUpdateSet) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	states := chunk.Drain()

	for i := range b.rows {
		for _, s := range states {
			if !b.matches(b.rows[i].row, s, cond) {
				continue
			}
			assignments, err := updates.Evaluate(s)
			if err != nil {
				return err
			}
			for col, val := range assignments {
				b.rows[i].row[col] = val
			}
		}
	}
	return nil
}

// UpdateOrAdd applies updates to every matching stored row, or appends the
// row extractor produces for any state event with no match.
func (b *Backend) UpdateOrAdd(_ context.Context, chunk *table.StateEventChunk, cond table.CompiledCondition, updates *table.CompiledUpdateSet, extractor table.AddingStreamEventExtractor) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		s, ok := chunk.Next()
		if !ok {
			break
		}

		matchedAny := false
		for i := range b.rows {
			if !b.matches(b.rows[i].row, s, cond) {
				continue
			}
			matchedAny = true
			assignments, err := updates.Evaluate(s)
			if err != nil {
				return err
			}
			for col, val := range assignments {
				b.rows[i].row[col] = val
			}
		}
		if !matchedAny && extractor != nil {
			b.next++
			b.rows = append(b.rows, storedRow{id: b.next, row: extractor(s).Clone()})
		}
	}
	chunk.Reset()
	return nil
}

// Contains reports whether any stored row matches state under cond.
func (b *Backend) Contains(_ context.Context, state table.StateEvent, cond table.CompiledCondition) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.rows {
		if b.matches(r.row, state, cond) {
			return true, nil
		}
	}
	return false, nil
}

// CompileUpdateSet defers to the table package's generic compiler; the
// in-memory backend needs no backend-specific preparation.
func (b *Backend) CompileUpdateSet(queryName string, matching table.MatchingMetaInfo, assignments []table.UpdateAssignment, tableDef table.Definition) (*table.CompiledUpdateSet, error) {
	return table.CompileUpdateSetFor(tableDef, matching, assignments, queryName)
}

func (b *Backend) matches(row table.Row, state table.StateEvent, cond table.CompiledCondition) bool {
	if cond == nil {
		return true
	}
	return cond.Evaluate(state, row)
}
