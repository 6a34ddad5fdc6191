// Package postgres implements a relational BackendAdapter over a pgx
// connection pool. Every row is stored in a single wide table created from
// the Definition's columns, keyed by a synthetic bigserial id; CRUD
// operations are plain SQL driven by the compiled condition and update set.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redbco/streamtable/table"
)

// Config configures the pool this backend opens in Connect. It mirrors the
// parent project's PostgreSQL connection settings, trimmed to what an
// in-process table needs.
type Config struct {
	Host              string
	Port              int
	User              string
	Password          string
	Database          string
	SSLMode           string
	MaxConnections    int32
	ConnectionTimeout time.Duration
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig() Config {
	return Config{
		Host:              "localhost",
		Port:              5432,
		SSLMode:           "disable",
		MaxConnections:    10,
		ConnectionTimeout: 5 * time.Second,
	}
}

// Backend is a BackendAdapter storing each table row as one row of a
// Postgres table, each column mapped 1:1 onto a Postgres column of a
// matching type.
type Backend struct {
	cfg Config
	def table.Definition

	pool      *pgxpool.Pool
	connected atomic.Bool
}

// New creates an unconnected Postgres backend using cfg.
func New(cfg Config) *Backend {
	return &Backend{cfg: cfg}
}

// Init records the table definition; it opens no network connection.
func (b *Backend) Init(_ context.Context, def table.Definition, cr table.ConfigReader, _ table.EngineContext) error {
	b.def = def
	if cr != nil {
		if v := cr.Get("postgres.host"); v != "" {
			b.cfg.Host = v
		}
		if v := cr.Get("postgres.database"); v != "" {
			b.cfg.Database = v
		}
		if v := cr.Get("postgres.sslmode"); v != "" {
			b.cfg.SSLMode = v
		}
	}
	return nil
}

// Connect opens the pool, pings it, and ensures the backing table exists.
// A failure to reach the server is reported as ErrConnectionUnavailable so
// the facade retries; a malformed configuration or schema mismatch is
// fatal.
func (b *Backend) Connect(ctx context.Context) error {
	if b.cfg.Database == "" {
		return fmt.Errorf("postgres backend: database name is required")
	}

	// A reconnect after a lost connection calls Connect again without an
	// intervening Disconnect; close whatever pool is still around first so
	// reconnecting doesn't leak it.
	if b.pool != nil {
		b.pool.Close()
		b.pool = nil
	}

	poolCfg, err := pgxpool.ParseConfig("")
	if err != nil {
		return fmt.Errorf("postgres backend: parse config: %w", err)
	}
	poolCfg.ConnConfig.Host = b.cfg.Host
	poolCfg.ConnConfig.Port = uint16(b.cfg.Port)
	poolCfg.ConnConfig.Database = b.cfg.Database
	poolCfg.ConnConfig.User = b.cfg.User
	poolCfg.ConnConfig.Password = b.cfg.Password
	poolCfg.ConnConfig.ConnectTimeout = b.cfg.ConnectionTimeout
	if b.cfg.SSLMode == "disable" {
		poolCfg.ConnConfig.TLSConfig = nil
	}
	poolCfg.MaxConns = b.cfg.MaxConnections

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return table.NewConnectionUnavailableError(b.def.ID, "connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return table.NewConnectionUnavailableError(b.def.ID, "connect", err)
	}

	if err := b.ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return fmt.Errorf("postgres backend: ensure schema: %w", err)
	}

	b.pool = pool
	b.connected.Store(true)
	return nil
}

// Disconnect closes the pool without dropping the table.
func (b *Backend) Disconnect(context.Context) error {
	if b.pool != nil {
		b.pool.Close()
		b.pool = nil
	}
	b.connected.Store(false)
	return nil
}

// Destroy drops the backing table. It is idempotent: calling it with no
// pool open, or after the table is already gone, is a no-op.
func (b *Backend) Destroy(ctx context.Context) error {
	if b.pool == nil {
		return nil
	}
	_, err := b.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", b.quotedTableName()))
	return err
}

func (b *Backend) ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	cols := make([]string, 0, len(b.def.Columns)+1)
	cols = append(cols, "__row_id BIGSERIAL PRIMARY KEY")
	for _, c := range b.def.Columns {
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(c.Name), sqlType(c.Type)))
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", b.quotedTableName(), strings.Join(cols, ", "))
	_, err := pool.Exec(ctx, stmt)
	return err
}

func sqlType(t table.ColumnType) string {
	switch t {
	case table.ColumnBool:
		return "BOOLEAN"
	case table.ColumnInt64:
		return "BIGINT"
	case table.ColumnFloat64:
		return "DOUBLE PRECISION"
	case table.ColumnString:
		return "TEXT"
	case table.ColumnBytes:
		return "BYTEA"
	case table.ColumnObject:
		return "JSONB"
	default:
		return "TEXT"
	}
}

func (b *Backend) quotedTableName() string {
	return quoteIdent(b.def.ID)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Add inserts every row in chunk in a single batched transaction.
func (b *Backend) Add(ctx context.Context, chunk *table.StreamEventChunk) error {
	if !b.connected.Load() {
		return table.NewConnectionUnavailableError(b.def.ID, "add", errNotConnected)
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return b.wrapConnErr("add", err)
	}
	defer tx.Rollback(ctx)

	colNames := make([]string, len(b.def.Columns))
	placeholders := make([]string, len(b.def.Columns))
	for i, c := range b.def.Columns {
		colNames[i] = quoteIdent(c.Name)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", b.quotedTableName(), strings.Join(colNames, ", "), strings.Join(placeholders, ", "))

	for {
		row, ok := chunk.Next()
		if !ok {
			break
		}
		if _, err := tx.Exec(ctx, stmt, []interface{}(row)...); err != nil {
			// tx.Rollback (deferred) undoes every insert already done in
			// this batch, so the whole chunk — not just what remains — is
			// safe to replay on retry.
			chunk.Reset()
			return b.wrapConnErr("add", err)
		}
	}
	chunk.Reset()
	return tx.Commit(ctx)
}

// Find loads every row and evaluates cond in Go, since CompiledCondition is
// an opaque predicate the backend cannot translate into SQL.
func (b *Backend) Find(ctx context.Context, state table.StateEvent, cond table.CompiledCondition) (*table.StreamEventChunk, error) {
	rows, err := b.scanAll(ctx, "find")
	if err != nil {
		return nil, err
	}
	var matched []table.Row
	for _, r := range rows {
		if cond == nil || cond.Evaluate(state, r) {
			matched = append(matched, r)
		}
	}
	return table.NewStreamEventChunk(matched), nil
}

// Contains reports whether any stored row matches state under cond.
func (b *Backend) Contains(ctx context.Context, state table.StateEvent, cond table.CompiledCondition) (bool, error) {
	rows, err := b.scanAll(ctx, "contains")
	if err != nil {
		return false, err
	}
	for _, r := range rows {
		if cond == nil || cond.Evaluate(state, r) {
			return true, nil
		}
	}
	return false, nil
}

func (b *Backend) scanAll(ctx context.Context, op string) ([]table.Row, error) {
	if !b.connected.Load() {
		return nil, table.NewConnectionUnavailableError(b.def.ID, op, errNotConnected)
	}

	colNames := make([]string, len(b.def.Columns))
	for i, c := range b.def.Columns {
		colNames[i] = quoteIdent(c.Name)
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s", strings.Join(colNames, ", "), b.quotedTableName())

	rows, err := b.pool.Query(ctx, stmt)
	if err != nil {
		return nil, b.wrapConnErr(op, err)
	}
	defer rows.Close()

	var out []table.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("postgres backend: %s: scan: %w", op, err)
		}
		out = append(out, table.Row(values))
	}
	return out, rows.Err()
}

// Delete removes every stored row matching any state event in chunk under
// cond. Matching happens in Go; matched ids are deleted in one statement.
func (b *Backend) Delete(ctx context.Context, chunk *table.StateEventChunk, cond table.CompiledCondition) error {
	ids, err := b.matchingIDs(ctx, chunk, cond, "delete")
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE __row_id = ANY($1)", b.quotedTableName())
	if _, err := b.pool.Exec(ctx, stmt, ids); err != nil {
		return b.wrapConnErr("delete", err)
	}
	return nil
}

// Update applies updates to every stored row matching any state event in
// chunk under cond.
func (b *Backend) Update(ctx context.Context, chunk *table.StateEventChunk, cond table.CompiledCondition, updates *table.CompiledUpdateSet) error {
	return b.forEachMatch(ctx, chunk, cond, func(id int64, row table.Row, state table.StateEvent) error {
		assignments, err := updates.Evaluate(state)
		if err != nil {
			return err
		}
		return b.applyAssignments(ctx, id, assignments)
	})
}

// UpdateOrAdd applies updates to every matching stored row, or inserts the
// row extractor produces for any state event with no match.
func (b *Backend) UpdateOrAdd(ctx context.Context, chunk *table.StateEventChunk, cond table.CompiledCondition, updates *table.CompiledUpdateSet, extractor table.AddingStreamEventExtractor) error {
	if !b.connected.Load() {
		return table.NewConnectionUnavailableError(b.def.ID, "updateOrAdd", errNotConnected)
	}

	rows, err := b.scanAllWithIDs(ctx, "updateOrAdd")
	if err != nil {
		return err
	}

	for {
		state, ok := chunk.Next()
		if !ok {
			break
		}
		matchedAny := false
		for _, r := range rows {
			if cond != nil && !cond.Evaluate(state, r.row) {
				continue
			}
			matchedAny = true
			assignments, err := updates.Evaluate(state)
			if err != nil {
				return err
			}
			if err := b.applyAssignments(ctx, r.id, assignments); err != nil {
				return err
			}
		}
		if !matchedAny && extractor != nil {
			single := table.NewStreamEventChunk([]table.Row{extractor(state)})
			if err := b.Add(ctx, single); err != nil {
				return err
			}
		}
	}
	chunk.Reset()
	return nil
}

type idRow struct {
	id  int64
	row table.Row
}

func (b *Backend) scanAllWithIDs(ctx context.Context, op string) ([]idRow, error) {
	colNames := make([]string, len(b.def.Columns))
	for i, c := range b.def.Columns {
		colNames[i] = quoteIdent(c.Name)
	}
	stmt := fmt.Sprintf("SELECT __row_id, %s FROM %s", strings.Join(colNames, ", "), b.quotedTableName())

	rows, err := b.pool.Query(ctx, stmt)
	if err != nil {
		return nil, b.wrapConnErr(op, err)
	}
	defer rows.Close()

	var out []idRow
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("postgres backend: %s: scan: %w", op, err)
		}
		id, _ := values[0].(int64)
		out = append(out, idRow{id: id, row: table.Row(values[1:])})
	}
	return out, rows.Err()
}

func (b *Backend) matchingIDs(ctx context.Context, chunk *table.StateEventChunk, cond table.CompiledCondition, op string) ([]int64, error) {
	if !b.connected.Load() {
		return nil, table.NewConnectionUnavailableError(b.def.ID, op, errNotConnected)
	}
	rows, err := b.scanAllWithIDs(ctx, op)
	if err != nil {
		return nil, err
	}

	states := chunk.Drain()

	var ids []int64
	for _, r := range rows {
		for _, s := range states {
			if cond == nil || cond.Evaluate(s, r.row) {
				ids = append(ids, r.id)
				break
			}
		}
	}
	return ids, nil
}

func (b *Backend) forEachMatch(ctx context.Context, chunk *table.StateEventChunk, cond table.CompiledCondition, fn func(id int64, row table.Row, state table.StateEvent) error) error {
	if !b.connected.Load() {
		return table.NewConnectionUnavailableError(b.def.ID, "update", errNotConnected)
	}
	rows, err := b.scanAllWithIDs(ctx, "update")
	if err != nil {
		return err
	}

	states := chunk.Drain()

	for _, r := range rows {
		for _, s := range states {
			if cond != nil && !cond.Evaluate(s, r.row) {
				continue
			}
			if err := fn(r.id, r.row, s); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Backend) applyAssignments(ctx context.Context, id int64, assignments map[int]interface{}) error {
	if len(assignments) == 0 {
		return nil
	}
	sets := make([]string, 0, len(assignments))
	args := make([]interface{}, 0, len(assignments)+1)
	i := 1
	for colIdx, val := range assignments {
		sets = append(sets, fmt.Sprintf("%s = $%d", quoteIdent(b.def.Columns[colIdx].Name), i))
		args = append(args, val)
		i++
	}
	args = append(args, id)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE __row_id = $%d", b.quotedTableName(), strings.Join(sets, ", "), i)
	if _, err := b.pool.Exec(ctx, stmt, args...); err != nil {
		return b.wrapConnErr("update", err)
	}
	return nil
}

// CompileUpdateSet defers to the generic compiler; Postgres needs no extra
// backend-specific preparation since statements are built at call time from
// the resolved column indices.
func (b *Backend) CompileUpdateSet(queryName string, matching table.MatchingMetaInfo, assignments []table.UpdateAssignment, tableDef table.Definition) (*table.CompiledUpdateSet, error) {
	return table.CompileUpdateSetFor(tableDef, matching, assignments, queryName)
}

func (b *Backend) wrapConnErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	// A *pgconn.PgError means the server received and rejected the
	// statement (bad SQL, missing column, constraint violation) — the
	// connection itself is fine, so this is a permanent error, not a
	// reason to tear down connected and retry forever.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return table.NewFatalError(b.def.ID, op, err)
	}
	b.connected.Store(false)
	return table.NewConnectionUnavailableError(b.def.ID, op, err)
}

var errNotConnected = errors.New("postgres backend: not connected")
