package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/streamtable/table"
	"github.com/redbco/streamtable/table/backend/postgres"
)

// These tests talk to a real Postgres server and only run when
// STREAMTABLE_POSTGRES_TEST_HOST names a reachable host; they are skipped by
// default so the suite never depends on local infrastructure.
func requireLivePostgres(t *testing.T) string {
	t.Helper()
	host := os.Getenv("STREAMTABLE_POSTGRES_TEST_HOST")
	if host == "" {
		t.Skip("set STREAMTABLE_POSTGRES_TEST_HOST to run Postgres backend integration tests")
	}
	return host
}

func testDef() table.Definition {
	return table.Definition{
		ID: "kv_orders_it",
		Columns: []table.ColumnDef{
			{Name: "id", Type: table.ColumnInt64},
			{Name: "symbol", Type: table.ColumnString},
			{Name: "qty", Type: table.ColumnInt64},
		},
	}
}

func TestConnectAddFindDestroy(t *testing.T) {
	host := requireLivePostgres(t)
	ctx := context.Background()

	cfg := postgres.DefaultConfig()
	cfg.Host = host
	cfg.Database = "streamtable_test"
	cfg.User = "postgres"
	cfg.Password = "postgres"

	b := postgres.New(cfg)
	require.NoError(t, b.Init(ctx, testDef(), nil, table.EngineContext{}))
	require.NoError(t, b.Connect(ctx))
	defer func() {
		_ = b.Destroy(ctx)
		_ = b.Disconnect(ctx)
	}()

	require.NoError(t, b.Add(ctx, table.NewStreamEventChunk([]table.Row{
		{int64(1), "AAPL", int64(10)},
	})))

	cond := table.ConditionFunc(func(_ table.StateEvent, row table.Row) bool {
		return row[1] == "AAPL"
	})
	found, err := b.Find(ctx, table.StateEvent{}, cond)
	require.NoError(t, err)
	assert.Equal(t, 1, found.Len())
}
