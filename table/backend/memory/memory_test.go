package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/streamtable/table"
	"github.com/redbco/streamtable/table/backend/memory"
)

func testDef() table.Definition {
	return table.Definition{
		ID: "orders",
		Columns: []table.ColumnDef{
			{Name: "id", Type: table.ColumnInt64},
			{Name: "symbol", Type: table.ColumnString},
			{Name: "qty", Type: table.ColumnInt64},
		},
	}
}

func symbolEquals(symbol string) table.CompiledCondition {
	return table.ConditionFunc(func(_ table.StateEvent, row table.Row) bool {
		return row[1] == symbol
	})
}

func TestAddFindDelete(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	require.NoError(t, b.Init(ctx, testDef(), nil, table.EngineContext{}))
	require.NoError(t, b.Connect(ctx))

	require.NoError(t, b.Add(ctx, table.NewStreamEventChunk([]table.Row{
		{int64(1), "AAPL", int64(10)},
		{int64(2), "MSFT", int64(5)},
	})))

	found, err := b.Find(ctx, table.StateEvent{}, symbolEquals("AAPL"))
	require.NoError(t, err)
	assert.Equal(t, 1, found.Len())

	contains, err := b.Contains(ctx, table.StateEvent{}, symbolEquals("MSFT"))
	require.NoError(t, err)
	assert.True(t, contains)

	del := table.NewStateEventChunk([]table.StateEvent{{}})
	require.NoError(t, b.Delete(ctx, del, symbolEquals("AAPL")))

	contains, err = b.Contains(ctx, table.StateEvent{}, symbolEquals("AAPL"))
	require.NoError(t, err)
	assert.False(t, contains)
}

func TestUpdateOrAddInsertsWhenNoMatch(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	def := testDef()
	require.NoError(t, b.Init(ctx, def, nil, table.EngineContext{}))
	require.NoError(t, b.Connect(ctx))

	qtyExpr := table.ValueExprFunc(func(s table.StateEvent) (interface{}, error) {
		return s.Get("qty"), nil
	})
	updates, err := table.CompileUpdateSetFor(def, table.MatchingMetaInfo{
		Fields: []table.ColumnDef{{Name: "qty", Type: table.ColumnInt64}},
	}, []table.UpdateAssignment{{Column: "qty", Expr: qtyExpr}}, "q1")
	require.NoError(t, err)

	meta := table.MatchingMetaInfo{Fields: []table.ColumnDef{{Name: "qty", Type: table.ColumnInt64}}}
	extractor := func(s table.StateEvent) table.Row {
		return table.Row{int64(99), "TSLA", s.Get("qty")}
	}

	events := table.NewStateEventChunk([]table.StateEvent{
		{Meta: meta, Values: table.Row{int64(7)}},
	})
	require.NoError(t, b.UpdateOrAdd(ctx, events, symbolEquals("TSLA"), updates, extractor))

	contains, err := b.Contains(ctx, table.StateEvent{}, symbolEquals("TSLA"))
	require.NoError(t, err)
	assert.True(t, contains)
}

func TestDestroyClearsRows(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	require.NoError(t, b.Init(ctx, testDef(), nil, table.EngineContext{}))
	require.NoError(t, b.Add(ctx, table.NewStreamEventChunk([]table.Row{{int64(1), "AAPL", int64(10)}})))

	require.NoError(t, b.Destroy(ctx))

	contains, err := b.Contains(ctx, table.StateEvent{}, symbolEquals("AAPL"))
	require.NoError(t, err)
	assert.False(t, contains)
}
