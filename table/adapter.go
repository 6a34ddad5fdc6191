package table

import "context"

// ConfigReader is a typed key/value accessor a backend consumes at Init
// time. The table package never interprets its contents; it only threads
// it through to BackendAdapter.Init. See internal/tableconfig for the
// concrete implementation tables are constructed with.
type ConfigReader interface {
	Get(key string) string
	GetAll() map[string]string
}

// EngineContext carries the diagnostic identity the facade stamps onto
// every log line and error: which query/engine owns this table, for
// operators reading logs across many tables.
type EngineContext struct {
	EngineName string
}

// BackendAdapter is the inward-facing contract every concrete storage
// implementation (in-memory hash table, relational pool, key-value store)
// must satisfy. The facade (Table) is identical across backends; the
// adapter plugs in storage semantics.
//
// Every primitive operation may return an error satisfying
// errors.Is(err, ErrConnectionUnavailable) to signal a transient,
// retry-worthy failure. Any other non-nil error is treated as fatal and
// propagated to the caller without retry.
type BackendAdapter interface {
	// Init performs one-shot initialization. It must not open network
	// connections — those belong to Connect.
	Init(ctx context.Context, def Definition, cfg ConfigReader, engine EngineContext) error

	// Connect establishes backend resources. It may fail with an error
	// satisfying errors.Is(err, ErrConnectionUnavailable), or with any
	// other error which is treated as fatal.
	Connect(ctx context.Context) error

	// Disconnect releases resources without destroying them.
	Disconnect(ctx context.Context) error

	// Destroy releases everything. It must be idempotent: calling it
	// after it has already run, or before Connect ever succeeded, must
	// not panic or error.
	Destroy(ctx context.Context) error

	// Add inserts every row in chunk.
	Add(ctx context.Context, chunk *StreamEventChunk) error

	// Find returns every row matching state under cond, as a new
	// StreamEventChunk, or an empty chunk if none match.
	Find(ctx context.Context, state StateEvent, cond CompiledCondition) (*StreamEventChunk, error)

	// Delete removes every row matching any state event in chunk under
	// cond.
	Delete(ctx context.Context, chunk *StateEventChunk, cond CompiledCondition) error

	// Update applies updates to every row matching any state event in
	// chunk under cond.
	Update(ctx context.Context, chunk *StateEventChunk, cond CompiledCondition, updates *CompiledUpdateSet) error

	// UpdateOrAdd applies updates to every matching row, or inserts the
	// row extractor produces when no row matches a given state event.
	UpdateOrAdd(ctx context.Context, chunk *StateEventChunk, cond CompiledCondition, updates *CompiledUpdateSet, extractor AddingStreamEventExtractor) error

	// Contains reports whether any row matches state under cond.
	Contains(ctx context.Context, state StateEvent, cond CompiledCondition) (bool, error)

	// CompileUpdateSet produces a backend-specific CompiledUpdateSet. It
	// must be deterministic and side-effect free. Table.CompileUpdateSet
	// calls it. Most backends can defer entirely to CompileUpdateSetFor;
	// this hook exists for backends
	// whose storage layout needs to bake in extra, backend-specific
	// preparation (e.g. a prepared statement).
	CompileUpdateSet(queryName string, matching MatchingMetaInfo, assignments []UpdateAssignment, tableDef Definition) (*CompiledUpdateSet, error)
}
