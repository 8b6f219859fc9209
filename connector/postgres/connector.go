// Package postgres is the PostgreSQL target connector built on pgx.
//
// A Connector wraps a single pgx connection and is not safe for concurrent
// use. Parallel migrations open one connector per worker.
package postgres

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	common "github.com/Ants24/data-tunnel-common"
	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/juju/clock"

	tunnel "github.com/Ants24/db2pg-tunnel"
)

const (
	Dialect       = "postgres"
	DefaultSchema = "public"
)

func init() {
	tunnel.RegisterConnector(Dialect, func(logger common.Logger, cfg tunnel.ConnectionConfig) (tunnel.Connector, error) {
		return New(logger, cfg), nil
	})
}

// pgConn is the subset of *pgx.Conn the connector uses.
type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

type Connector struct {
	logger common.Logger
	cfg    tunnel.ConnectionConfig
	clock  clock.Clock
	dial   func(ctx context.Context, dsn string) (pgConn, error)

	mu      sync.RWMutex
	db      pgConn
	columns map[string][]tunnel.Column
}

var (
	_ tunnel.Connector    = (*Connector)(nil)
	_ tunnel.TxRollbacker = (*Connector)(nil)
)

func New(logger common.Logger, cfg tunnel.ConnectionConfig) *Connector {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = tunnel.DefaultMaxRetries
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = tunnel.DefaultRetryDelay
	}
	return &Connector{
		logger: logger,
		cfg:    cfg,
		clock:  clock.WallClock,
		dial: func(ctx context.Context, dsn string) (pgConn, error) {
			return pgx.Connect(ctx, dsn)
		},
		columns: make(map[string][]tunnel.Column),
	}
}

// DSN renders a postgres:// URL for cfg.
func DSN(cfg tunnel.ConnectionConfig) string {
	query := url.Values{}
	if cfg.SSL {
		query.Set("sslmode", "require")
	} else {
		query.Set("sslmode", "disable")
	}
	if cfg.Timeout > 0 {
		query.Set("connect_timeout", strconv.Itoa(int(cfg.Timeout.Seconds())))
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Database,
		RawQuery: query.Encode(),
	}
	return u.String()
}

func (c *Connector) Connect(ctx context.Context) error {
	target := fmt.Sprintf("PostgreSQL %s:%d/%s", c.cfg.Host, c.cfg.Port, c.cfg.Database)
	return tunnel.ConnectWithRetry(ctx, c.logger, target, c.cfg.MaxRetries, c.cfg.RetryDelay, c.clock, func(ctx context.Context) error {
		db, err := c.dial(ctx, DSN(c.cfg))
		if err != nil {
			return err
		}
		if err := db.Ping(ctx); err != nil {
			db.Close(ctx)
			return err
		}
		c.mu.Lock()
		c.db = db
		c.mu.Unlock()
		return nil
	})
}

func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close(ctx)
	c.db = nil
	c.columns = make(map[string][]tunnel.Column)
	c.logger.Info("Disconnected from PostgreSQL")
	return err
}

func (c *Connector) conn() (pgConn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return nil, tunnel.ErrNotConnected
	}
	return c.db, nil
}

func (c *Connector) Schema() string {
	if c.cfg.Schema != "" {
		return c.cfg.Schema
	}
	return DefaultSchema
}

func (c *Connector) schemaOr(schema string) string {
	if schema == "" {
		return c.Schema()
	}
	return schema
}

func qualifiedTable(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

func (c *Connector) ExecuteQuery(ctx context.Context, query string, args ...any) ([][]any, error) {
	db, err := c.conn()
	if err != nil {
		return nil, err
	}
	c.logger.Logger.Sugar().Debugf("Query sql: %s, args: %v", query, args)
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) ([]any, error) {
		return row.Values()
	})
}

func (c *Connector) ExecuteDDL(ctx context.Context, ddl string) error {
	db, err := c.conn()
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, ddl); err != nil {
		return err
	}
	// DDL may have reshaped a table whose column list was cached
	c.mu.Lock()
	c.columns = make(map[string][]tunnel.Column)
	c.mu.Unlock()
	return nil
}

// Rollback abandons an open transaction. PostgreSQL only warns when there is
// none.
func (c *Connector) Rollback(ctx context.Context) error {
	db, err := c.conn()
	if err != nil {
		return nil
	}
	_, err = db.Exec(ctx, "ROLLBACK")
	return err
}

func (c *Connector) RowCount(ctx context.Context, table, schema string) (int64, error) {
	db, err := c.conn()
	if err != nil {
		return 0, err
	}
	var count int64
	query := "SELECT COUNT(*) FROM " + qualifiedTable(c.schemaOr(schema), table)
	if err := db.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return count, nil
}

func (c *Connector) TableExists(ctx context.Context, table, schema string) (bool, error) {
	db, err := c.conn()
	if err != nil {
		return false, err
	}
	query, args, err := sq.Select("COUNT(*)").
		From("information_schema.tables").
		Where(sq.Eq{"table_schema": c.schemaOr(schema)}).
		Where(sq.Eq{"table_name": table}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return false, err
	}
	var count int64
	if err := db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (c *Connector) TableColumns(ctx context.Context, table, schema string) ([]tunnel.Column, error) {
	db, err := c.conn()
	if err != nil {
		return nil, err
	}
	schema = c.schemaOr(schema)
	query, args, err := sq.Select(
		"column_name::text",
		"data_type::text",
		"COALESCE(character_maximum_length, numeric_precision, 0)::int",
		"COALESCE(numeric_scale, 0)::int",
		"is_nullable::text",
		"column_default::text",
		"is_identity::text",
	).
		From("information_schema.columns").
		Where(sq.Eq{"table_schema": schema}).
		Where(sq.Eq{"table_name": table}).
		OrderBy("ordinal_position").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	cols, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (tunnel.Column, error) {
		var (
			col                tunnel.Column
			length, scale      int32
			nullable, identity string
		)
		if err := row.Scan(&col.Name, &col.Type, &length, &scale, &nullable, &col.Default, &identity); err != nil {
			return col, err
		}
		col.Length = int(length)
		col.Scale = int(scale)
		col.Nullable = nullable == "YES"
		col.Identity = identity == "YES"
		return col, nil
	})
	if err != nil {
		return nil, fmt.Errorf("read columns of %s.%s: %w", schema, table, err)
	}
	return cols, nil
}

func (c *Connector) FetchBatches(ctx context.Context, table, schema string, batchSize int, batches chan<- tunnel.Batch) error {
	db, err := c.conn()
	if err != nil {
		return err
	}
	if batchSize <= 0 {
		batchSize = tunnel.DefaultBatchSize
	}
	rows, err := db.Query(ctx, "SELECT * FROM "+qualifiedTable(c.schemaOr(schema), table))
	if err != nil {
		return err
	}
	defer rows.Close()

	send := func(batch tunnel.Batch) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batches <- batch:
			return nil
		}
	}
	batch := make(tunnel.Batch, 0, batchSize)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return err
		}
		batch = append(batch, tunnel.Record(values))
		if len(batch) == batchSize {
			if err := send(batch); err != nil {
				return err
			}
			batch = make(tunnel.Batch, 0, batchSize)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return send(batch)
	}
	return nil
}

func (c *Connector) FetchSample(ctx context.Context, table, schema string, n int) ([]tunnel.Record, error) {
	db, err := c.conn()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT * FROM %s ORDER BY 1 LIMIT %d", qualifiedTable(c.schemaOr(schema), table), n)
	rows, err := db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (tunnel.Record, error) {
		values, err := row.Values()
		return tunnel.Record(values), err
	})
}

func (c *Connector) cachedColumns(ctx context.Context, table, schema string) ([]tunnel.Column, error) {
	key := schema + "." + table
	c.mu.RLock()
	cols, ok := c.columns[key]
	c.mu.RUnlock()
	if ok {
		return cols, nil
	}
	cols, err := c.TableColumns(ctx, table, schema)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s has no columns or does not exist", key)
	}
	c.mu.Lock()
	c.columns[key] = cols
	c.mu.Unlock()
	return cols, nil
}

// coerce turns driver byte slices into text unless the target column is
// binary; DB2 hands DECIMAL and some character types back as []byte.
func coerce(value any, col tunnel.Column) any {
	if b, ok := value.([]byte); ok && !strings.EqualFold(col.Type, "bytea") {
		return string(b)
	}
	return value
}

// BulkInsert loads rows with COPY, matching values to the target columns by
// position. COPY is a single statement, so a failed batch leaves no rows.
func (c *Connector) BulkInsert(ctx context.Context, table, schema string, rows tunnel.Batch) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	db, err := c.conn()
	if err != nil {
		return 0, err
	}
	schema = c.schemaOr(schema)
	cols, err := c.cachedColumns(ctx, table, schema)
	if err != nil {
		return 0, err
	}
	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = col.Name
	}
	values := make([][]any, len(rows))
	for i, row := range rows {
		if len(row) != len(cols) {
			return 0, fmt.Errorf("row %d has %d values, %s.%s has %d columns", i, len(row), schema, table, len(cols))
		}
		converted := make([]any, len(row))
		for j, value := range row {
			converted[j] = coerce(value, cols[j])
		}
		values[i] = converted
	}
	return db.CopyFrom(ctx, pgx.Identifier{schema, table}, names, pgx.CopyFromRows(values))
}
