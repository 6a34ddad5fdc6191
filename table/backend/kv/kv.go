// Package kv implements a BackendAdapter over a Redis client. Each row is
// stored as a hash under a synthetic key, with the row's own generated id
// tracked in a set so the backend can enumerate every row for the
// in-process predicate evaluation CompiledCondition requires.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/redbco/streamtable/table"
)

// Config configures the Redis client this backend opens in Connect.
type Config struct {
	Host         string
	Port         int
	Password     string
	DB           int
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         6379,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// Backend is a BackendAdapter storing rows as Redis hashes, one per row,
// indexed by a per-table set of row ids.
type Backend struct {
	cfg Config
	def table.Definition

	client    *redis.Client
	connected atomic.Bool
}

// New creates an unconnected Redis-backed backend using cfg.
func New(cfg Config) *Backend {
	return &Backend{cfg: cfg}
}

// Init records the table definition.
func (b *Backend) Init(_ context.Context, def table.Definition, cr table.ConfigReader, _ table.EngineContext) error {
	b.def = def
	if cr != nil {
		if v := cr.Get("redis.host"); v != "" {
			b.cfg.Host = v
		}
		if v := cr.Get("redis.password"); v != "" {
			b.cfg.Password = v
		}
	}
	return nil
}

func (b *Backend) indexKey() string { return fmt.Sprintf("table:%s:rows", b.def.ID) }
func (b *Backend) rowKey(id string) string {
	return fmt.Sprintf("table:%s:row:%s", b.def.ID, id)
}

// Connect opens the client and pings it. A failed ping is reported as
// ErrConnectionUnavailable so the facade retries.
func (b *Backend) Connect(ctx context.Context) error {
	// A reconnect after a lost connection calls Connect again without an
	// intervening Disconnect; close whatever client is still around first
	// so reconnecting doesn't leak its connection pool.
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", b.cfg.Host, b.cfg.Port),
		Password:     b.cfg.Password,
		DB:           b.cfg.DB,
		MaxRetries:   b.cfg.MaxRetries,
		PoolSize:     b.cfg.PoolSize,
		MinIdleConns: b.cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return table.NewConnectionUnavailableError(b.def.ID, "connect", err)
	}

	b.client = client
	b.connected.Store(true)
	return nil
}

// Disconnect closes the client without removing stored rows.
func (b *Backend) Disconnect(context.Context) error {
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
	b.connected.Store(false)
	return nil
}

// Destroy removes every row belonging to this table and the index set. It
// is idempotent.
func (b *Backend) Destroy(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	ids, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if len(ids) > 0 {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = b.rowKey(id)
		}
		if err := b.client.Del(ctx, keys...).Err(); err != nil {
			return err
		}
	}
	return b.client.Del(ctx, b.indexKey()).Err()
}

// Add inserts every row in chunk under a freshly generated id.
func (b *Backend) Add(ctx context.Context, chunk *table.StreamEventChunk) error {
	if !b.connected.Load() {
		return table.NewConnectionUnavailableError(b.def.ID, "add", errNotConnected)
	}

	// The whole chunk is queued into one MULTI/EXEC pipeline so a failure
	// leaves no row half-written; chunk.Reset() on any error path lets the
	// facade's retry replay the entire chunk safely.
	pipe := b.client.TxPipeline()
	for {
		row, ok := chunk.Next()
		if !ok {
			break
		}
		fields, err := b.encode(row)
		if err != nil {
			chunk.Reset()
			return err
		}
		id := uuid.NewString()
		pipe.HSet(ctx, b.rowKey(id), fields)
		pipe.SAdd(ctx, b.indexKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		chunk.Reset()
		return b.wrapConnErr("add", err)
	}
	chunk.Reset()
	return nil
}

func (b *Backend) encode(row table.Row) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(b.def.Columns))
	for i, c := range b.def.Columns {
		if i >= len(row) {
			continue
		}
		s, err := encodeValue(c.Type, row[i])
		if err != nil {
			return nil, fmt.Errorf("kv backend: encode column %q: %w", c.Name, err)
		}
		fields[c.Name] = s
	}
	return fields, nil
}

func encodeValue(t table.ColumnType, v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	switch t {
	case table.ColumnObject:
		b, err := json.Marshal(v)
		return string(b), err
	case table.ColumnBytes:
		if b, ok := v.([]byte); ok {
			return string(b), nil
		}
		return fmt.Sprintf("%v", v), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func decodeValue(t table.ColumnType, s string) (interface{}, error) {
	if s == "" {
		return nil, nil
	}
	switch t {
	case table.ColumnBool:
		return strconv.ParseBool(s)
	case table.ColumnInt64:
		return strconv.ParseInt(s, 10, 64)
	case table.ColumnFloat64:
		return strconv.ParseFloat(s, 64)
	case table.ColumnBytes:
		return []byte(s), nil
	case table.ColumnObject:
		var out interface{}
		err := json.Unmarshal([]byte(s), &out)
		return out, err
	default:
		return s, nil
	}
}

func (b *Backend) decodeRow(fields map[string]string) (table.Row, error) {
	row := make(table.Row, len(b.def.Columns))
	for i, c := range b.def.Columns {
		v, err := decodeValue(c.Type, fields[c.Name])
		if err != nil {
			return nil, fmt.Errorf("kv backend: decode column %q: %w", c.Name, err)
		}
		row[i] = v
	}
	return row, nil
}

func (b *Backend) scanAll(ctx context.Context, op string) (map[string]table.Row, error) {
	if !b.connected.Load() {
		return nil, table.NewConnectionUnavailableError(b.def.ID, op, errNotConnected)
	}
	ids, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, b.wrapConnErr(op, err)
	}

	out := make(map[string]table.Row, len(ids))
	for _, id := range ids {
		fields, err := b.client.HGetAll(ctx, b.rowKey(id)).Result()
		if err != nil {
			return nil, b.wrapConnErr(op, err)
		}
		row, err := b.decodeRow(fields)
		if err != nil {
			return nil, err
		}
		out[id] = row
	}
	return out, nil
}

// Find returns every stored row matching state under cond.
func (b *Backend) Find(ctx context.Context, state table.StateEvent, cond table.CompiledCondition) (*table.StreamEventChunk, error) {
	rows, err := b.scanAll(ctx, "find")
	if err != nil {
		return nil, err
	}
	var matched []table.Row
	for _, row := range rows {
		if cond == nil || cond.Evaluate(state, row) {
			matched = append(matched, row)
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
	for _, row := range rows {
		if cond == nil || cond.Evaluate(state, row) {
			return true, nil
		}
	}
	return false, nil
}

// Delete removes every stored row matching any state event in chunk under
// cond.
func (b *Backend) Delete(ctx context.Context, chunk *table.StateEventChunk, cond table.CompiledCondition) error {
	rows, err := b.scanAll(ctx, "delete")
	if err != nil {
		return err
	}

	states := chunk.Drain()

	for id, row := range rows {
		for _, s := range states {
			if cond == nil || cond.Evaluate(s, row) {
				if err := b.client.Del(ctx, b.rowKey(id)).Err(); err != nil {
					return b.wrapConnErr("delete", err)
				}
				if err := b.client.SRem(ctx, b.indexKey(), id).Err(); err != nil {
					return b.wrapConnErr("delete", err)
				}
				break
			}
		}
	}
	return nil
}

// Update applies updates to every stored row matching any state event in
// chunk under cond.
func (b *Backend) Update(ctx context.Context, chunk *table.StateEventChunk, cond table.CompiledCondition, updates *table.CompiledUpdateSet) error {
	rows, err := b.scanAll(ctx, "update")
	if err != nil {
		return err
	}

	states := chunk.Drain()

	for id, row := range rows {
		for _, s := range states {
			if cond != nil && !cond.Evaluate(s, row) {
				continue
			}
			assignments, err := updates.Evaluate(s)
			if err != nil {
				return err
			}
			if err := b.applyAssignments(ctx, id, assignments); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdateOrAdd applies updates to every matching stored row, or inserts the
// row extractor produces for any state event with no match.
func (b *Backend) UpdateOrAdd(ctx context.Context, chunk *table.StateEventChunk, cond table.CompiledCondition, updates *table.CompiledUpdateSet, extractor table.AddingStreamEventExtractor) error {
	rows, err := b.scanAll(ctx, "updateOrAdd")
	if err != nil {
		return err
	}

	for {
		s, ok := chunk.Next()
		if !ok {
			break
		}
		matchedAny := false
		for id, row := range rows {
			if cond != nil && !cond.Evaluate(s, row) {
				continue
			}
			matchedAny = true
			assignments, err := updates.Evaluate(s)
			if err != nil {
				return err
			}
			if err := b.applyAssignments(ctx, id, assignments); err != nil {
				return err
			}
		}
		if !matchedAny && extractor != nil {
			single := table.NewStreamEventChunk([]table.Row{extractor(s)})
			if err := b.Add(ctx, single); err != nil {
				return err
			}
		}
	}
	chunk.Reset()
	return nil
}

func (b *Backend) applyAssignments(ctx context.Context, id string, assignments map[int]interface{}) error {
	if len(assignments) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(assignments))
	for colIdx, val := range assignments {
		c := b.def.Columns[colIdx]
		s, err := encodeValue(c.Type, val)
		if err != nil {
			return err
		}
		fields[c.Name] = s
	}
	if err := b.client.HSet(ctx, b.rowKey(id), fields).Err(); err != nil {
		return b.wrapConnErr("update", err)
	}
	return nil
}

// CompileUpdateSet defers to the generic compiler.
func (b *Backend) CompileUpdateSet(queryName string, matching table.MatchingMetaInfo, assignments []table.UpdateAssignment, tableDef table.Definition) (*table.CompiledUpdateSet, error) {
	return table.CompileUpdateSetFor(tableDef, matching, assignments, queryName)
}

func (b *Backend) wrapConnErr(op string, err error) error {
	b.connected.Store(false)
	return table.NewConnectionUnavailableError(b.def.ID, op, err)
}

var errNotConnected = errors.New("kv backend: not connected")
