package db2pgtunnel

import (
	"context"
	"time"
)

// Record is one positional row; Batch is a bounded group of them flowing from a
// source fetch to a target bulk write.
type Record []any
type Batch []Record

type Column struct {
	Name     string
	Type     string
	Length   int
	Scale    int
	Nullable bool
	Default  *string
	Identity bool
}

type ForeignKey struct {
	Name             string
	Column           string
	ReferencedTable  string
	ReferencedColumn string
}

type Index struct {
	Name    string
	Columns []string
	Unique  bool
	Primary bool
}

type ConnectionConfig struct {
	Dialect    string
	Driver     string
	Host       string
	Port       int
	Database   string
	User       string
	Password   string
	Schema     string
	SSL        bool
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Connector is the capability set the core needs from a database engine.
//
// FetchBatches sends batches of at most batchSize records to the channel and
// returns once the table cursor is exhausted. It must not close the channel and
// must stop sending when ctx is done. The sequence it produces cannot be
// restarted; a second call reads the table again from the beginning.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Schema() string

	ExecuteQuery(ctx context.Context, query string, args ...any) ([][]any, error)
	ExecuteDDL(ctx context.Context, ddl string) error

	RowCount(ctx context.Context, table, schema string) (int64, error)
	TableExists(ctx context.Context, table, schema string) (bool, error)
	TableColumns(ctx context.Context, table, schema string) ([]Column, error)

	FetchBatches(ctx context.Context, table, schema string, batchSize int, batches chan<- Batch) error
	FetchSample(ctx context.Context, table, schema string, n int) ([]Record, error)
	BulkInsert(ctx context.Context, table, schema string, rows Batch) (int64, error)
}

// TxRollbacker is implemented by connectors that can abandon an open
// transaction after a failed table.
type TxRollbacker interface {
	Rollback(ctx context.Context) error
}

type SchemaExtractor interface {
	Columns(ctx context.Context, table string) ([]Column, error)
	PrimaryKeys(ctx context.Context, table string) ([]string, error)
	ForeignKeys(ctx context.Context, table string) ([]ForeignKey, error)
	Indexes(ctx context.Context, table string) ([]Index, error)
}

type SchemaConverter interface {
	RenderCreateTable(table, schema string, columns []Column) string
	RenderPrimaryKey(table, schema string, columns []string) string
	RenderForeignKey(table, schema string, fk ForeignKey) string
	RenderIndex(table, schema string, idx Index) string
	RenderDropTable(table, schema string) string
	RenderTruncateTable(table, schema string) string
}

type TypeConverter interface {
	Convert(sourceType string) string
}
