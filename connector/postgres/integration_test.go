//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testcontainers "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	common "github.com/Ants24/data-tunnel-common"
	tunnel "github.com/Ants24/db2pg-tunnel"
)

func startPostgres(t *testing.T) tunnel.ConnectionConfig {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "secret",
				"POSTGRES_DB":       "maximo",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	return tunnel.ConnectionConfig{
		Dialect:    Dialect,
		Host:       host,
		Port:       port.Int(),
		Database:   "maximo",
		User:       "postgres",
		Password:   "secret",
		MaxRetries: 5,
		RetryDelay: time.Second,
	}
}

func TestIntegration_RoundTrip(t *testing.T) {
	cfg := startPostgres(t)
	ctx := context.Background()
	logger := common.Logger{Logger: zaptest.NewLogger(t)}

	conn, err := tunnel.NewConnector(logger, cfg)
	require.NoError(t, err)
	require.NoError(t, conn.Connect(ctx))
	defer conn.Disconnect(ctx)

	require.NoError(t, conn.ExecuteDDL(ctx, `CREATE TABLE "public"."ASSET" ("ID" INTEGER PRIMARY KEY, "NAME" VARCHAR(20), "PRICE" NUMERIC(10,2))`))
	exists, err := conn.TableExists(ctx, "ASSET", "")
	require.NoError(t, err)
	assert.True(t, exists)

	n, err := conn.BulkInsert(ctx, "ASSET", "", tunnel.Batch{
		{int32(2), []byte("valve"), []byte("3.10")},
		{int32(1), "pump", "12.50"},
		{int32(3), nil, nil},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	count, err := conn.RowCount(ctx, "ASSET", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	sample, err := conn.FetchSample(ctx, "ASSET", "", 2)
	require.NoError(t, err)
	require.Len(t, sample, 2)
	assert.Equal(t, int32(1), sample[0][0])

	batches := make(chan tunnel.Batch, 4)
	require.NoError(t, conn.FetchBatches(ctx, "ASSET", "", 2, batches))
	close(batches)
	var rows int
	for batch := range batches {
		rows += len(batch)
	}
	assert.Equal(t, 3, rows)

	cols, err := conn.TableColumns(ctx, "ASSET", "")
	require.NoError(t, err)
	require.Len(t, cols, 3)
	assert.Equal(t, "numeric", cols[2].Type)
	assert.Equal(t, 2, cols[2].Scale)
	assert.False(t, cols[0].Nullable)
}
