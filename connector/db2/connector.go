// Package db2 is the IBM DB2 source connector. The cgo driver is only linked
// in builds with the db2 tag; without it Connect fails with an unknown driver
// error.
package db2

import (
	"context"
	"fmt"
	"strings"
	"sync"

	common "github.com/Ants24/data-tunnel-common"
	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/juju/clock"

	tunnel "github.com/Ants24/db2pg-tunnel"
)

const (
	Dialect       = "db2"
	DefaultDriver = "go_ibm_db"
)

func init() {
	tunnel.RegisterConnector(Dialect, func(logger common.Logger, cfg tunnel.ConnectionConfig) (tunnel.Connector, error) {
		return New(logger, cfg), nil
	})
}

type Connector struct {
	logger common.Logger
	cfg    tunnel.ConnectionConfig
	clock  clock.Clock

	mu sync.RWMutex
	db *sqlx.DB
}

var _ tunnel.Connector = (*Connector)(nil)

func New(logger common.Logger, cfg tunnel.ConnectionConfig) *Connector {
	if cfg.Driver == "" {
		cfg.Driver = DefaultDriver
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = tunnel.DefaultMaxRetries
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = tunnel.DefaultRetryDelay
	}
	return &Connector{logger: logger, cfg: cfg, clock: clock.WallClock}
}

// NewWithDB wraps an already open handle.
func NewWithDB(logger common.Logger, cfg tunnel.ConnectionConfig, db *sqlx.DB) *Connector {
	c := New(logger, cfg)
	c.db = db
	return c
}

// DSN renders the CLI connection string understood by the IBM driver.
func DSN(cfg tunnel.ConnectionConfig) string {
	parts := []string{
		"DATABASE=" + cfg.Database,
		"HOSTNAME=" + cfg.Host,
		fmt.Sprintf("PORT=%d", cfg.Port),
		"UID=" + cfg.User,
		"PWD=" + cfg.Password,
		"PROTOCOL=TCPIP",
	}
	if cfg.SSL {
		parts = append(parts, "SECURITY=SSL")
	}
	if cfg.Timeout > 0 {
		parts = append(parts, fmt.Sprintf("CONNECTTIMEOUT=%d", int(cfg.Timeout.Seconds())))
	}
	return strings.Join(parts, ";")
}

func (c *Connector) Connect(ctx context.Context) error {
	target := fmt.Sprintf("DB2 %s:%d/%s", c.cfg.Host, c.cfg.Port, c.cfg.Database)
	return tunnel.ConnectWithRetry(ctx, c.logger, target, c.cfg.MaxRetries, c.cfg.RetryDelay, c.clock, func(ctx context.Context) error {
		db, err := sqlx.Open(c.cfg.Driver, DSN(c.cfg))
		if err != nil {
			return err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
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
	err := c.db.Close()
	c.db = nil
	c.logger.Info("Disconnected from DB2")
	return err
}

func (c *Connector) conn() (*sqlx.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return nil, tunnel.ErrNotConnected
	}
	return c.db, nil
}

// Schema is the configured schema, else the connecting user's, which is
// DB2's default.
func (c *Connector) Schema() string {
	if c.cfg.Schema != "" {
		return c.cfg.Schema
	}
	return strings.ToUpper(c.cfg.User)
}

func (c *Connector) schemaOr(schema string) string {
	if schema == "" {
		return c.Schema()
	}
	return schema
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func qualifiedTable(schema, table string) string {
	return quoteIdent(schema) + "." + quoteIdent(table)
}

func scanRows(rows *sqlx.Rows) ([]tunnel.Record, error) {
	defer rows.Close()
	var records []tunnel.Record
	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return records, err
		}
		records = append(records, tunnel.Record(values))
	}
	return records, rows.Err()
}

func (c *Connector) ExecuteQuery(ctx context.Context, query string, args ...any) ([][]any, error) {
	db, err := c.conn()
	if err != nil {
		return nil, err
	}
	c.logger.Logger.Sugar().Debugf("Query sql: %s, args: %v", query, args)
	rows, err := db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	records, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	out := make([][]any, len(records))
	for i, record := range records {
		out[i] = record
	}
	return out, nil
}

func (c *Connector) ExecuteDDL(ctx context.Context, ddl string) error {
	db, err := c.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, ddl)
	return err
}

func (c *Connector) RowCount(ctx context.Context, table, schema string) (int64, error) {
	db, err := c.conn()
	if err != nil {
		return 0, err
	}
	var count int64
	query := "SELECT COUNT(*) FROM " + qualifiedTable(c.schemaOr(schema), table)
	if err := db.GetContext(ctx, &count, query); err != nil {
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
		From("SYSCAT.TABLES").
		Where(sq.Eq{"TABSCHEMA": c.schemaOr(schema)}).
		Where(sq.Eq{"TABNAME": table}).
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return false, err
	}
	var count int
	if err := db.GetContext(ctx, &count, query, args...); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (c *Connector) TableColumns(ctx context.Context, table, schema string) ([]tunnel.Column, error) {
	db, err := c.conn()
	if err != nil {
		return nil, err
	}
	return columns(ctx, db, c.schemaOr(schema), table)
}

// FetchBatches streams the table with a single cursor.
func (c *Connector) FetchBatches(ctx context.Context, table, schema string, batchSize int, batches chan<- tunnel.Batch) error {
	db, err := c.conn()
	if err != nil {
		return err
	}
	if batchSize <= 0 {
		batchSize = tunnel.DefaultBatchSize
	}
	query := "SELECT * FROM " + qualifiedTable(c.schemaOr(schema), table)
	c.logger.Logger.Sugar().Debugf("Query table data sql: %s", query)
	rows, err := db.QueryxContext(ctx, query)
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
		values, err := rows.SliceScan()
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

// FetchSample reads the first n rows ordered by the first column.
func (c *Connector) FetchSample(ctx context.Context, table, schema string, n int) ([]tunnel.Record, error) {
	db, err := c.conn()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT * FROM %s ORDER BY 1 FETCH FIRST %d ROWS ONLY", qualifiedTable(c.schemaOr(schema), table), n)
	rows, err := db.QueryxContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return scanRows(rows)
}

// BulkInsert writes rows with one multi-row INSERT inside a transaction.
func (c *Connector) BulkInsert(ctx context.Context, table, schema string, rows tunnel.Batch) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	db, err := c.conn()
	if err != nil {
		return 0, err
	}
	schema = c.schemaOr(schema)
	cols, err := columns(ctx, db, schema, table)
	if err != nil {
		return 0, err
	}
	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = quoteIdent(col.Name)
	}
	insert := sq.Insert(qualifiedTable(schema, table)).Columns(names...).PlaceholderFormat(sq.Question)
	for _, row := range rows {
		insert = insert.Values(row...)
	}
	query, args, err := insert.ToSql()
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return int64(len(rows)), nil
	}
	return affected, nil
}
