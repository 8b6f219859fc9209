package db2

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	common "github.com/Ants24/data-tunnel-common"
	tunnel "github.com/Ants24/db2pg-tunnel"
)

func TestDSN(t *testing.T) {
	cfg := tunnel.ConnectionConfig{
		Host: "db2.example.com", Port: 50000, Database: "MAXDB",
		User: "maximo", Password: "secret",
	}
	assert.Equal(t, "DATABASE=MAXDB;HOSTNAME=db2.example.com;PORT=50000;UID=maximo;PWD=secret;PROTOCOL=TCPIP", DSN(cfg))

	cfg.SSL = true
	cfg.Timeout = 30 * time.Second
	assert.Equal(t, "DATABASE=MAXDB;HOSTNAME=db2.example.com;PORT=50000;UID=maximo;PWD=secret;PROTOCOL=TCPIP;SECURITY=SSL;CONNECTTIMEOUT=30", DSN(cfg))
}

func TestNew_Defaults(t *testing.T) {
	c := New(common.Logger{Logger: zaptest.NewLogger(t)}, tunnel.ConnectionConfig{User: "maximo"})
	assert.Equal(t, DefaultDriver, c.cfg.Driver)
	assert.Equal(t, tunnel.DefaultMaxRetries, c.cfg.MaxRetries)
	assert.Equal(t, tunnel.DefaultRetryDelay, c.cfg.RetryDelay)
	assert.Equal(t, "MAXIMO", c.Schema())
}

func TestConnector_Registered(t *testing.T) {
	assert.Contains(t, tunnel.Dialects(), Dialect)
}

func TestConnector_NotConnected(t *testing.T) {
	c := New(common.Logger{Logger: zaptest.NewLogger(t)}, tunnel.ConnectionConfig{User: "maximo"})
	ctx := context.Background()

	_, err := c.RowCount(ctx, "ASSET", "")
	assert.ErrorIs(t, err, tunnel.ErrNotConnected)
	assert.ErrorIs(t, c.ExecuteDDL(ctx, "DROP TABLE X"), tunnel.ErrNotConnected)
	assert.ErrorIs(t, c.FetchBatches(ctx, "ASSET", "", 10, make(chan tunnel.Batch)), tunnel.ErrNotConnected)
	assert.NoError(t, c.Disconnect(ctx))
}

func TestConnector_RowCount(t *testing.T) {
	conn, mock := newMockConnector(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "MAXIMO"."ASSET"`)).
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(int64(1500)))

	count, err := conn.RowCount(context.Background(), "ASSET", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnector_TableExists(t *testing.T) {
	conn, mock := newMockConnector(t)
	query := `SELECT COUNT\(\*\) FROM SYSCAT\.TABLES WHERE TABSCHEMA = \? AND TABNAME = \?`
	mock.ExpectQuery(query).WithArgs("OTHER", "ASSET").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(int64(1)))
	mock.ExpectQuery(query).WithArgs("MAXIMO", "MISSING").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(int64(0)))

	ok, err := conn.TableExists(context.Background(), "ASSET", "OTHER")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = conn.TableExists(context.Background(), "MISSING", "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnector_FetchBatches(t *testing.T) {
	conn, mock := newMockConnector(t)
	rows := sqlmock.NewRows([]string{"ID", "NAME"})
	for i := int64(1); i <= 5; i++ {
		rows.AddRow(i, "row")
	}
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "MAXIMO"."ASSET"`)).WillReturnRows(rows)

	batches := make(chan tunnel.Batch, 10)
	require.NoError(t, conn.FetchBatches(context.Background(), "ASSET", "", 2, batches))
	close(batches)

	var sizes []int
	for batch := range batches {
		sizes = append(sizes, len(batch))
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnector_FetchBatches_Cancelled(t *testing.T) {
	conn, mock := newMockConnector(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "MAXIMO"."ASSET"`)).
		WillReturnRows(sqlmock.NewRows([]string{"ID"}).AddRow(int64(1)).AddRow(int64(2)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// unbuffered and never read, so the send has to observe the cancellation
	err := conn.FetchBatches(ctx, "ASSET", "", 1, make(chan tunnel.Batch))
	assert.Error(t, err)
}

func TestConnector_FetchSample(t *testing.T) {
	conn, mock := newMockConnector(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "MAXIMO"."ASSET" ORDER BY 1 FETCH FIRST 3 ROWS ONLY`)).
		WillReturnRows(sqlmock.NewRows([]string{"ID", "NAME"}).
			AddRow(int64(1), "pump").
			AddRow(int64(2), "valve"))

	sample, err := conn.FetchSample(context.Background(), "ASSET", "", 3)
	require.NoError(t, err)
	require.Len(t, sample, 2)
	assert.Equal(t, tunnel.Record{int64(2), "valve"}, sample[1])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnector_BulkInsert(t *testing.T) {
	conn, mock := newMockConnector(t)
	mock.ExpectQuery(`FROM SYSCAT\.COLUMNS`).
		WithArgs("MAXIMO", "ASSET").
		WillReturnRows(sqlmock.NewRows([]string{"COLNAME", "TYPENAME", "LENGTH", "SCALE", "NULLS", "DEFAULT", "IDENTITY"}).
			AddRow("ID", "INTEGER", 4, 0, "N", nil, "N").
			AddRow("NAME", "VARCHAR", 20, 0, "Y", nil, "N"))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "MAXIMO"\."ASSET" \("ID","NAME"\) VALUES \(\?,\?\),\(\?,\?\)`).
		WithArgs(int64(1), "pump", int64(2), "valve").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := conn.BulkInsert(context.Background(), "ASSET", "", tunnel.Batch{
		{int64(1), "pump"},
		{int64(2), "valve"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnector_BulkInsertRollsBack(t *testing.T) {
	conn, mock := newMockConnector(t)
	mock.ExpectQuery(`FROM SYSCAT\.COLUMNS`).
		WillReturnRows(sqlmock.NewRows([]string{"COLNAME", "TYPENAME", "LENGTH", "SCALE", "NULLS", "DEFAULT", "IDENTITY"}).
			AddRow("ID", "INTEGER", 4, 0, "N", nil, "N"))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := conn.BulkInsert(context.Background(), "ASSET", "", tunnel.Batch{{int64(1)}})
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())

	n, err := conn.BulkInsert(context.Background(), "ASSET", "", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}
