package table

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/streamtable/table/backend/faketable"
)

func testDefinition() Definition {
	return Definition{
		ID: "orders",
		Columns: []ColumnDef{
			{Name: "id", Type: ColumnInt64},
			{Name: "symbol", Type: ColumnString},
			{Name: "qty", Type: ColumnInt64},
		},
	}
}

func newTestTable(t *testing.T, backend BackendAdapter, sched Scheduler) *Table {
	t.Helper()
	tbl, err := New(context.Background(), testDefinition(), backend, Options{
		EngineName: "test-engine",
		Scheduler:  sched,
	})
	require.NoError(t, err)
	tbl.logger.Disable()
	return tbl
}

func TestNewRejectsInvalidDefinition(t *testing.T) {
	_, err := New(context.Background(), Definition{}, faketable.New(), Options{})
	assert.Error(t, err)
}

func TestNewRejectsNilAdapter(t *testing.T) {
	_, err := New(context.Background(), testDefinition(), nil, Options{})
	assert.Error(t, err)
}

func TestAddEventsConnectsOnFirstCall(t *testing.T) {
	fb := faketable.New()
	tbl := newTestTable(t, fb, NewManualScheduler())

	chunk := NewStreamEventChunk([]Row{{int64(1), "AAPL", int64(10)}})
	err := tbl.AddEvents(context.Background(), chunk)

	require.NoError(t, err)
	assert.True(t, tbl.IsConnected())
	assert.Equal(t, int64(1), tbl.ReconnectAttempts())
	assert.Equal(t, 1, fb.ConnectCalls())
	assert.Equal(t, 1, fb.AddCalls())
}

func TestAddEventsTransientThenRetrySucceeds(t *testing.T) {
	fb := faketable.New()
	fb.Script(faketable.ConnectTransient, faketable.ConnectOK)
	sched := NewManualScheduler()
	tbl := newTestTable(t, fb, sched)

	chunk := NewStreamEventChunk([]Row{{int64(1), "AAPL", int64(10)}})
	err := tbl.AddEvents(context.Background(), chunk)

	// The first connect attempt fails transiently and schedules a retry
	// asynchronously; the call itself is dropped rather than blocking.
	require.Error(t, err)
	assert.True(t, IsDropped(err))
	assert.Equal(t, int64(1), tbl.DroppedEvents())
	assert.False(t, tbl.IsConnected())
	assert.Equal(t, 1, sched.Pending())

	fired := sched.FireAll()
	assert.Equal(t, 1, fired)
	assert.True(t, tbl.IsConnected())
}

func TestAddEventsRecoversFromPrimitiveBlipOnFirstCall(t *testing.T) {
	fb := faketable.New()
	fb.FailNextAdds(1)
	tbl := newTestTable(t, fb, NewManualScheduler())

	chunk := NewStreamEventChunk([]Row{{"X", int64(1)}})
	err := tbl.AddEvents(context.Background(), chunk)

	// The cold-start connect is not charged against the single
	// post-disconnect retry budget, so the row survives a transient blip
	// in the primitive immediately after connecting.
	require.NoError(t, err)
	assert.True(t, tbl.IsConnected())
	assert.Equal(t, int64(0), tbl.DroppedEvents())
	assert.Equal(t, 2, fb.AddCalls())

	found, err := tbl.Find(context.Background(), StateEvent{}, ConditionFunc(func(_ StateEvent, row Row) bool {
		return row[0] == "X"
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, found.Len())
}

func TestAddEventsFatalConnectPropagatesAndClearsFlag(t *testing.T) {
	fb := faketable.New()
	fb.Script(faketable.ConnectFatal)
	tbl := newTestTable(t, fb, NewManualScheduler())

	chunk := NewStreamEventChunk([]Row{{int64(1), "AAPL", int64(10)}})
	err := tbl.AddEvents(context.Background(), chunk)

	require.Error(t, err)
	var fatal *FatalError
	require.True(t, errors.As(err, &fatal))
	assert.False(t, tbl.IsConnected())

	// The table must not be stranded: a later call retries connecting
	// rather than dropping forever.
	fb.Script(faketable.ConnectOK)
	err = tbl.AddEvents(context.Background(), NewStreamEventChunk([]Row{{int64(2), "MSFT", int64(5)}}))
	require.NoError(t, err)
	assert.True(t, tbl.IsConnected())
}

func TestFindReturnsEmptyChunkWhenDropped(t *testing.T) {
	fb := faketable.New()
	fb.Script(faketable.ConnectTransient)
	tbl := newTestTable(t, fb, NewManualScheduler())

	result, err := tbl.Find(context.Background(), StateEvent{}, nil)
	require.Error(t, err)
	assert.True(t, IsDropped(err))
	assert.Equal(t, 0, result.Len())
}

func TestContainsEventAfterAdd(t *testing.T) {
	fb := faketable.New()
	tbl := newTestTable(t, fb, NewManualScheduler())

	chunk := NewStreamEventChunk([]Row{{int64(1), "AAPL", int64(10)}})
	require.NoError(t, tbl.AddEvents(context.Background(), chunk))

	cond := ConditionFunc(func(state StateEvent, row Row) bool {
		return row[1] == "AAPL"
	})
	found, err := tbl.ContainsEvent(context.Background(), StateEvent{}, cond)
	require.NoError(t, err)
	assert.True(t, found)

	cond = ConditionFunc(func(state StateEvent, row Row) bool {
		return row[1] == "TSLA"
	})
	found, err = tbl.ContainsEvent(context.Background(), StateEvent{}, cond)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestShutdownIsIdempotentAndBlocksFurtherCalls(t *testing.T) {
	fb := faketable.New()
	tbl := newTestTable(t, fb, NewManualScheduler())

	require.NoError(t, tbl.Shutdown(context.Background()))
	require.NoError(t, tbl.Shutdown(context.Background()))
	assert.Equal(t, 1, fb.DisconnectCalls())
	assert.Equal(t, 1, fb.DestroyCalls())

	_, err := tbl.ContainsEvent(context.Background(), StateEvent{}, nil)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestCompileUpdateSetRejectsUnknownColumn(t *testing.T) {
	tbl := newTestTable(t, faketable.New(), NewManualScheduler())

	_, err := tbl.CompileUpdateSet("q1", MatchingMetaInfo{}, []UpdateAssignment{
		{Column: "nope", Expr: ValueExprFunc(func(StateEvent) (interface{}, error) { return nil, nil })},
	})
	assert.Error(t, err)
}

func TestCompileUpdateSetRejectsDuplicateColumn(t *testing.T) {
	tbl := newTestTable(t, faketable.New(), NewManualScheduler())

	expr := ValueExprFunc(func(StateEvent) (interface{}, error) { return int64(1), nil })
	_, err := tbl.CompileUpdateSet("q1", MatchingMetaInfo{}, []UpdateAssignment{
		{Column: "qty", Expr: expr},
		{Column: "qty", Expr: expr},
	})
	assert.Error(t, err)
}

func TestCompileUpdateSetEvaluates(t *testing.T) {
	tbl := newTestTable(t, faketable.New(), NewManualScheduler())

	expr := ValueExprFunc(func(s StateEvent) (interface{}, error) {
		return s.Get("newQty"), nil
	})
	set, err := tbl.CompileUpdateSet("q1", MatchingMetaInfo{}, []UpdateAssignment{
		{Column: "qty", Expr: expr},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())

	meta := MatchingMetaInfo{Fields: []ColumnDef{{Name: "newQty", Type: ColumnInt64}}}
	state := StateEvent{Meta: meta, Values: Row{int64(42)}}
	result, err := set.Evaluate(state)
	require.NoError(t, err)
	assert.Equal(t, int64(42), result[2])
}
