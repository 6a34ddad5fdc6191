// Package table is the Table subsystem of the streaming engine: it exposes
// mutable relational state to continuous queries behind one uniform CRUD
// facade regardless of what actually stores the rows.
//
// # Architecture
//
// A Table pairs a fixed Definition with a BackendAdapter. The adapter plugs
// in storage semantics (in-memory map, relational pool, key-value store);
// the facade contributes the parts every backend would otherwise have to
// reimplement: connection lifecycle tracking, bounded-retry reconnection
// with exponential backoff, and uniform error handling.
//
// # Usage
//
//	def := table.Definition{ID: "orders", Columns: []table.ColumnDef{
//	    {Name: "symbol", Type: table.ColumnString},
//	    {Name: "price", Type: table.ColumnInt64},
//	}}
//	tbl, err := table.New(ctx, def, memory.New(), table.Options{EngineName: "orders-query"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tbl.Shutdown(ctx)
//
//	err = tbl.AddEvents(ctx, someStreamChunk)
//
// # Thread safety
//
// A Table is thread-compatible, not thread-safe: the owning query plan is
// expected to serialize CRUD calls into a single table. The lifecycle
// flags are atomic so a scheduled reconnect callback racing with the next
// CRUD call never corrupts state, but two CRUD calls racing each other are
// not supported.
package table
