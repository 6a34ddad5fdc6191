// Package faketable provides a BackendAdapter test double for driving the
// facade's connection lifecycle deterministically: callers script exactly
// which Connect attempts succeed, fail transiently, or fail fatally, and
// inspect how many times Connect, Disconnect, Destroy and Add ran.
package faketable

import (
	"context"
	"sync"

	"github.com/redbco/streamtable/table"
)

// ConnectOutcome is one scripted result for a single Connect call.
type ConnectOutcome int

const (
	// ConnectOK makes Connect succeed.
	ConnectOK ConnectOutcome = iota
	// ConnectTransient makes Connect fail with ErrConnectionUnavailable.
	ConnectTransient
	// ConnectFatal makes Connect fail with a plain, non-transient error.
	ConnectFatal
)

// Backend is a scriptable BackendAdapter. The zero value connects
// successfully on the first attempt and stores rows in memory like the
// memory backend; call Script to drive specific failure sequences.
type Backend struct {
	mu sync.Mutex

	script      []ConnectOutcome
	addFailures int
	rows        []table.Row

	connectCalls    int
	disconnectCalls int
	destroyCalls    int
	addCalls        int
	findCalls       int
}

// New creates a Backend that connects successfully on every attempt until
// Script overrides that.
func New() *Backend {
	return &Backend{}
}

// Script replaces the queued sequence of Connect outcomes. Once the queue is
// exhausted, Connect keeps returning the last scripted outcome (ConnectOK by
// default).
func (b *Backend) Script(outcomes ...ConnectOutcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.script = append([]ConnectOutcome(nil), outcomes...)
}

// FailNextAdds schedules the next n calls to Add to fail with a transient
// connection-unavailable error before consuming any of the chunk, so a
// caller that retries can replay the same chunk successfully.
func (b *Backend) FailNextAdds(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addFailures = n
}

// ConnectCalls reports how many times Connect has run.
func (b *Backend) ConnectCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectCalls
}

// DisconnectCalls reports how many times Disconnect has run.
func (b *Backend) DisconnectCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnectCalls
}

// DestroyCalls reports how many times Destroy has run.
func (b *Backend) DestroyCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyCalls
}

// AddCalls reports how many times Add has run.
func (b *Backend) AddCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addCalls
}

// Init is a no-op; faketable carries no backend-specific configuration.
func (b *Backend) Init(context.Context, table.Definition, table.ConfigReader, table.EngineContext) error {
	return nil
}

// Connect consumes the next scripted outcome, or repeats the last one if
// the script is exhausted.
func (b *Backend) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.connectCalls++
	outcome := ConnectOK
	switch {
	case len(b.script) > 1:
		outcome, b.script = b.script[0], b.script[1:]
	case len(b.script) == 1:
		outcome = b.script[0]
	}

	switch outcome {
	case ConnectOK:
		return nil
	case ConnectTransient:
		return table.NewConnectionUnavailableError("faketable", "connect", errTransient)
	default:
		return errFatal
	}
}

// Disconnect records the call; it never fails.
func (b *Backend) Disconnect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnectCalls++
	return nil
}

// Destroy records the call and clears stored rows; it never fails.
func (b *Backend) Destroy(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyCalls++
	b.rows = nil
	return nil
}

// Add stores every row in chunk.
func (b *Backend) Add(_ context.Context, chunk *table.StreamEventChunk) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addCalls++

	if b.addFailures > 0 {
		b.addFailures--
		return table.NewConnectionUnavailableError("faketable", "add", errTransient)
	}

	for {
		row, ok := chunk.Next()
		if !ok {
			break
		}
		b.rows = append(b.rows, row.Clone())
	}
	chunk.Reset()
	return nil
}

// Find returns every stored row matching state under cond.
func (b *Backend) Find(_ context.Context, state table.StateEvent, cond table.CompiledCondition) (*table.StreamEventChunk, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.findCalls++

	var matched []table.Row
	for _, r := range b.rows {
		if cond == nil || cond.Evaluate(state, r) {
			matched = append(matched, r.Clone())
		}
	}
	return table.NewStreamEventChunk(matched), nil
}

// Delete is unimplemented: lifecycle-scenario tests never need it. Tests
// driving the CRUD surface directly should use the memory backend instead.
func (b *Backend) Delete(context.Context, *table.StateEventChunk, table.CompiledCondition) error {
	return nil
}

// Update is unimplemented for the same reason as Delete.
func (b *Backend) Update(context.Context, *table.StateEventChunk, table.CompiledCondition, *table.CompiledUpdateSet) error {
	return nil
}

// UpdateOrAdd is unimplemented for the same reason as Delete.
func (b *Backend) UpdateOrAdd(context.Context, *table.StateEventChunk, table.CompiledCondition, *table.CompiledUpdateSet, table.AddingStreamEventExtractor) error {
	return nil
}

// Contains reports whether any stored row matches state under cond.
func (b *Backend) Contains(_ context.Context, state table.StateEvent, cond table.CompiledCondition) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.rows {
		if cond == nil || cond.Evaluate(state, r) {
			return true, nil
		}
	}
	return false, nil
}

// CompileUpdateSet defers to the generic compiler.
func (b *Backend) CompileUpdateSet(queryName string, matching table.MatchingMetaInfo, assignments []table.UpdateAssignment, tableDef table.Definition) (*table.CompiledUpdateSet, error) {
	return table.CompileUpdateSetFor(tableDef, matching, assignments, queryName)
}

type fakeError string

func (e fakeError) Error() string { return string(e) }

const (
	errTransient = fakeError("faketable: scripted transient failure")
	errFatal     = fakeError("faketable: scripted fatal failure")
)
