package table

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/redbco/streamtable/table/internal/tablelog"
)

// Options configures a Table at construction time.
type Options struct {
	// EngineName identifies the owning query/engine context; it is
	// stamped onto every diagnostic message and error this table emits.
	EngineName string

	// Config is threaded through to BackendAdapter.Init unchanged. If
	// nil, an empty reader is used.
	Config ConfigReader

	// Scheduler runs scheduled reconnect attempts. Defaults to
	// RealScheduler.
	Scheduler Scheduler

	// BackoffFloor and BackoffCeiling bound the reconnect backoff
	// sequence. Both default to the package defaults when zero.
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
}

type emptyConfig struct{}

func (emptyConfig) Get(string) string         { return "" }
func (emptyConfig) GetAll() map[string]string { return nil }

// Table is the uniform CRUD facade over a BackendAdapter: add, find,
// delete, update, updateOrAdd, contains, all wrapped in the connection
// lifecycle, exception translation, and retry-on-disconnect logic of
// §4.3/§4.4. A Table is thread-compatible, not thread-safe: the caller
// must serialize CRUD calls into a single table.
type Table struct {
	def     Definition
	adapter BackendAdapter
	engine  EngineContext

	scheduler Scheduler
	backoff   *BackoffCounter
	logger    *tablelog.Logger

	connected       atomic.Bool
	tryingToConnect atomic.Bool
	shutdown        atomic.Bool

	droppedEvents     atomic.Int64
	reconnectAttempts atomic.Int64
}

// New constructs a Table over adapter for the given definition, runs the
// adapter's one-shot Init, and returns without connecting: the first CRUD
// call performs the initial connect, per the boundary behavior in §8.
func New(ctx context.Context, def Definition, adapter BackendAdapter, opts Options) (*Table, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if adapter == nil {
		return nil, fmt.Errorf("table: nil backend adapter for table %q", def.ID)
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = emptyConfig{}
	}
	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = RealScheduler
	}
	floor := DefaultBackoffFloor
	if opts.BackoffFloor > 0 {
		floor = opts.BackoffFloor
	}
	ceiling := DefaultBackoffCeiling
	if opts.BackoffCeiling > 0 {
		ceiling = opts.BackoffCeiling
	}

	engine := EngineContext{EngineName: opts.EngineName}
	t := &Table{
		def:       def,
		adapter:   adapter,
		engine:    engine,
		scheduler: scheduler,
		backoff:   NewBackoffCounter(floor, ceiling),
		logger:    tablelog.New(fmt.Sprintf("%s:%s", engine.EngineName, def.ID)),
	}

	if err := adapter.Init(ctx, def, cfg, engine); err != nil {
		return nil, fmt.Errorf("table: init backend for %q: %w", def.ID, err)
	}
	return t, nil
}

// Definition returns the table's immutable descriptor.
func (t *Table) Definition() Definition {
	return t.def
}

// DroppedEvents reports how many CRUD calls this table has dropped while
// mid-reconnect, since construction.
func (t *Table) DroppedEvents() int64 {
	return t.droppedEvents.Load()
}

// ReconnectAttempts reports how many times this table has invoked the
// backend's Connect, since construction.
func (t *Table) ReconnectAttempts() int64 {
	return t.reconnectAttempts.Load()
}

// IsConnected reports the current value of the connected flag.
func (t *Table) IsConnected() bool {
	return t.connected.Load()
}

// ConnectWithRetry is the inward-facing lifecycle primitive described in
// §4.3. It returns immediately if already connected; otherwise it makes
// exactly one attempt to connect. On success it clears tryingToConnect and
// resets the backoff counter. On a transient failure it schedules another
// attempt on the scheduler after the current backoff interval, increments
// the backoff, and returns nil (the retry proceeds asynchronously). On any
// other failure it returns a *FatalError and clears tryingToConnect so the
// table does not get stranded in a permanent drop state.
func (t *Table) ConnectWithRetry(ctx context.Context) error {
	return t.connectWithRetry(ctx)
}

func (t *Table) connectWithRetry(ctx context.Context) error {
	if t.connected.Load() {
		return nil
	}
	t.tryingToConnect.Store(true)
	t.reconnectAttempts.Add(1)

	err := t.adapter.Connect(ctx)
	if err == nil {
		t.connected.Store(true)
		t.tryingToConnect.Store(false)
		t.backoff.Reset()
		t.logger.WithFields(t.fields(map[string]string{})).Info("connected")
		return nil
	}

	if isConnUnavailable(err) {
		delay, human := t.backoff.Current()
		t.logger.WithFields(t.fields(map[string]string{
			"cause":    err.Error(),
			"retry_in": human,
		})).Error("connect attempt failed, scheduling retry")

		t.scheduler.Schedule(delay, func() {
			_ = t.connectWithRetry(context.Background())
		})
		t.backoff.Increment()
		return nil
	}

	// Fatal: the table is broken in a non-transient way. Clear
	// tryingToConnect rather than stranding the table in a permanent
	// drop state (a deliberate departure from the legacy behavior; see
	// DESIGN.md).
	t.tryingToConnect.Store(false)
	fatal := NewFatalError(t.def.ID, "connect", err)
	t.logger.WithFields(t.fields(map[string]string{"cause": err.Error()})).Error("connect failed fatally")
	return fatal
}

func (t *Table) fields(extra map[string]string) map[string]string {
	f := map[string]string{"engine": t.engine.EngineName, "table": t.def.ID}
	for k, v := range extra {
		f[k] = v
	}
	return f
}

func isConnUnavailable(err error) bool {
	return errors.Is(err, ErrConnectionUnavailable)
}

// recordDrop logs and counts a dropped call.
func (t *Table) recordDrop(op, payload string) {
	t.droppedEvents.Add(1)
	t.logger.WithFields(t.fields(map[string]string{
		"op":      op,
		"payload": tablelog.Truncate(payload, 200),
		"drop_id": uuid.NewString(),
	})).Error("dropped: table mid-reconnect")
}

// ensureConnectedForCall gets the table into a connected state before a
// primitive runs, or reports the drop/fatal outcome that prevents that. A
// cold-start or post-shutdown connect made here is not a "retry" charged
// against invoke's single post-disconnect retry budget — it is the first
// connection attempt for this call, not a recovery from one.
func (t *Table) ensureConnectedForCall(ctx context.Context, op, payload string) error {
	if t.connected.Load() {
		return nil
	}
	if t.tryingToConnect.Load() {
		t.recordDrop(op, payload)
		return fmt.Errorf("table %q: %s: %w", t.def.ID, op, ErrDropped)
	}
	if cerr := t.connectWithRetry(ctx); cerr != nil {
		return cerr
	}
	if !t.connected.Load() {
		// Transient failure: connectWithRetry scheduled an async retry.
		// Nothing left to do on this call synchronously.
		t.recordDrop(op, payload)
		return fmt.Errorf("table %q: %s: %w", t.def.ID, op, ErrDropped)
	}
	return nil
}

// invoke runs primitive under the §4.3 lifecycle rules. Establishing the
// connection for a call that starts disconnected is not itself a retry;
// once connected, a primitive failure gets exactly one synchronous
// reconnect-and-retry before the call is dropped. R is the primitive's
// result type; zero is returned whenever the call is dropped or fails
// fatally.
func invoke[R any](t *Table, ctx context.Context, op, payload string, zero R, primitive func(context.Context) (R, error)) (R, error) {
	if t.shutdown.Load() {
		return zero, ErrShutdown
	}

	if err := t.ensureConnectedForCall(ctx, op, payload); err != nil {
		return zero, err
	}

	retried := false
	for {
		result, err := primitive(ctx)
		if err == nil {
			return result, nil
		}
		if !isConnUnavailable(err) {
			return zero, classify(t.def.ID, op, err)
		}

		t.connected.Store(false)
		t.logger.WithFields(t.fields(map[string]string{
			"op":    op,
			"cause": err.Error(),
		})).Error("connection lost")

		if retried {
			break
		}
		retried = true

		if cerr := t.connectWithRetry(ctx); cerr != nil {
			return zero, cerr
		}
		if !t.connected.Load() {
			// Reconnect was rescheduled asynchronously: the one
			// synchronous retry budget is spent either way.
			break
		}
		// The reconnect succeeded synchronously: retry the primitive once.
	}

	t.recordDrop(op, payload)
	return zero, fmt.Errorf("table %q: %s: %w", t.def.ID, op, ErrDropped)
}

// AddEvents inserts every row in chunk.
func (t *Table) AddEvents(ctx context.Context, chunk *StreamEventChunk) error {
	_, err := invoke(t, ctx, "add", fmt.Sprintf("%d rows", chunk.Len()), struct{}{}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.adapter.Add(ctx, chunk)
	})
	return err
}

// Find returns every row matching state under cond, or an empty chunk if
// the call was dropped or nothing matched.
func (t *Table) Find(ctx context.Context, state StateEvent, cond CompiledCondition) (*StreamEventChunk, error) {
	empty := NewStreamEventChunk(nil)
	result, err := invoke(t, ctx, "find", fmt.Sprintf("%+v", state.Values), empty, func(ctx context.Context) (*StreamEventChunk, error) {
		return t.adapter.Find(ctx, state, cond)
	})
	if err != nil {
		return empty, err
	}
	if result == nil {
		return empty, nil
	}
	return result, nil
}

// DeleteEvents removes every row matching any state event in chunk under
// cond.
func (t *Table) DeleteEvents(ctx context.Context, chunk *StateEventChunk, cond CompiledCondition) error {
	_, err := invoke(t, ctx, "delete", fmt.Sprintf("%d events", chunk.Len()), struct{}{}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.adapter.Delete(ctx, chunk, cond)
	})
	return err
}

// UpdateEvents applies updates to every row matching any state event in
// chunk under cond.
func (t *Table) UpdateEvents(ctx context.Context, chunk *StateEventChunk, cond CompiledCondition, updates *CompiledUpdateSet) error {
	_, err := invoke(t, ctx, "update", fmt.Sprintf("%d events", chunk.Len()), struct{}{}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.adapter.Update(ctx, chunk, cond, updates)
	})
	return err
}

// UpdateOrAddEvents applies updates to every matching row, inserting the
// row extractor produces for any state event with no match.
func (t *Table) UpdateOrAddEvents(ctx context.Context, chunk *StateEventChunk, cond CompiledCondition, updates *CompiledUpdateSet, extractor AddingStreamEventExtractor) error {
	_, err := invoke(t, ctx, "updateOrAdd", fmt.Sprintf("%d events", chunk.Len()), struct{}{}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.adapter.UpdateOrAdd(ctx, chunk, cond, updates, extractor)
	})
	return err
}

// ContainsEvent reports whether any row matches state under cond. A
// dropped call reports false alongside a wrapped ErrDropped.
func (t *Table) ContainsEvent(ctx context.Context, state StateEvent, cond CompiledCondition) (bool, error) {
	return invoke(t, ctx, "contains", fmt.Sprintf("%+v", state.Values), false, func(ctx context.Context) (bool, error) {
		return t.adapter.Contains(ctx, state, cond)
	})
}

// Shutdown drives disconnect then destroy on the backend, then clears both
// lifecycle flags. It is idempotent: calling it again after it has already
// run is a no-op. After Shutdown returns, the Table is terminal and every
// further CRUD call returns ErrShutdown.
func (t *Table) Shutdown(ctx context.Context) error {
	if t.shutdown.Swap(true) {
		return nil
	}

	var errs []error
	if err := t.adapter.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("disconnect: %w", err))
	}
	if err := t.adapter.Destroy(ctx); err != nil {
		errs = append(errs, fmt.Errorf("destroy: %w", err))
	}

	t.connected.Store(false)
	t.tryingToConnect.Store(false)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
