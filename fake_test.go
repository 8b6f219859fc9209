package db2pgtunnel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	common "github.com/Ants24/data-tunnel-common"
	"go.uber.org/zap/zaptest"
)

func testLogger(t *testing.T) common.Logger {
	return common.Logger{Logger: zaptest.NewLogger(t)}
}

type fakeTable struct {
	columns []Column
	rows    []Record
}

// fakeConnector keeps tables in memory and understands the handful of DDL
// statements fakeConverter renders.
type fakeConnector struct {
	mu        sync.Mutex
	schema    string
	connected bool
	tables    map[string]*fakeTable

	ddl        []string
	queries    []string
	args       [][]any
	writes     map[string][]int
	fetches    map[string]int
	rollbacks  int
	failDDL    map[string]error
	failInsert map[string]error
	failCount  map[string]error
	query      func(query string, args []any) ([][]any, error)
}

var (
	_ Connector    = (*fakeConnector)(nil)
	_ TxRollbacker = (*fakeConnector)(nil)
)

func newFakeConnector(schema string) *fakeConnector {
	return &fakeConnector{
		schema:     schema,
		connected:  true,
		tables:     make(map[string]*fakeTable),
		writes:     make(map[string][]int),
		fetches:    make(map[string]int),
		failDDL:    make(map[string]error),
		failInsert: make(map[string]error),
		failCount:  make(map[string]error),
	}
}

func (f *fakeConnector) addTable(name string, columns []Column, rows ...Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = &fakeTable{columns: columns, rows: rows}
}

func (f *fakeConnector) rows(name string) []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	table, ok := f.tables[name]
	if !ok {
		return nil
	}
	return append([]Record(nil), table.rows...)
}

func (f *fakeConnector) hasTable(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tables[name]
	return ok
}

func (f *fakeConnector) ddlLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ddl...)
}

func (f *fakeConnector) queryLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

func (f *fakeConnector) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.fetches {
		total += n
	}
	return total
}

func (f *fakeConnector) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeConnector) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeConnector) Schema() string { return f.schema }

func (f *fakeConnector) ExecuteQuery(_ context.Context, query string, args ...any) ([][]any, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.args = append(f.args, args)
	handler := f.query
	f.mu.Unlock()
	if handler == nil {
		return nil, nil
	}
	return handler(query, args)
}

func (f *fakeConnector) ExecuteDDL(_ context.Context, ddl string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ddl = append(f.ddl, ddl)
	if err, ok := f.failDDL[ddl]; ok {
		return err
	}
	fields := strings.Fields(ddl)
	if len(fields) < 3 || fields[1] != "TABLE" {
		return nil
	}
	name := fields[2]
	switch fields[0] {
	case "CREATE":
		if _, exists := f.tables[name]; exists {
			return fmt.Errorf("relation %s already exists", name)
		}
		f.tables[name] = &fakeTable{}
	case "DROP":
		delete(f.tables, name)
	case "TRUNCATE":
		if table, ok := f.tables[name]; ok {
			table.rows = nil
		}
	}
	return nil
}

func (f *fakeConnector) Rollback(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks++
	return nil
}

func (f *fakeConnector) RowCount(_ context.Context, table, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failCount[table]; ok {
		return 0, err
	}
	t, ok := f.tables[table]
	if !ok {
		return 0, fmt.Errorf("relation %s does not exist", table)
	}
	return int64(len(t.rows)), nil
}

func (f *fakeConnector) TableExists(_ context.Context, table, _ string) (bool, error) {
	return f.hasTable(table), nil
}

func (f *fakeConnector) TableColumns(_ context.Context, table, _ string) ([]Column, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		return nil, fmt.Errorf("relation %s does not exist", table)
	}
	return t.columns, nil
}

func (f *fakeConnector) FetchBatches(ctx context.Context, table, _ string, batchSize int, batches chan<- Batch) error {
	f.mu.Lock()
	f.fetches[table]++
	t, ok := f.tables[table]
	var rows []Record
	if ok {
		rows = append(rows, t.rows...)
	}
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("relation %s does not exist", table)
	}
	for start := 0; start < len(rows); start += batchSize {
		end := min(start+batchSize, len(rows))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batches <- Batch(rows[start:end]):
		}
	}
	return nil
}

func (f *fakeConnector) FetchSample(_ context.Context, table, _ string, n int) ([]Record, error) {
	rows := f.rows(table)
	if len(rows) > n {
		rows = rows[:n]
	}
	return rows, nil
}

func (f *fakeConnector) BulkInsert(_ context.Context, table, _ string, rows Batch) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failInsert[table]; ok {
		return 0, err
	}
	t, ok := f.tables[table]
	if !ok {
		return 0, fmt.Errorf("relation %s does not exist", table)
	}
	t.rows = append(t.rows, rows...)
	f.writes[table] = append(f.writes[table], len(rows))
	return int64(len(rows)), nil
}

type fakeExtractor struct {
	mu      sync.Mutex
	schemas map[string]tableSchema
	calls   map[string]int
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{schemas: make(map[string]tableSchema), calls: make(map[string]int)}
}

func (e *fakeExtractor) add(table string, schema tableSchema) {
	e.schemas[table] = schema
}

func (e *fakeExtractor) lookup(table string) (tableSchema, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[table]++
	schema, ok := e.schemas[table]
	if !ok {
		return schema, fmt.Errorf("table %s not found in catalog", table)
	}
	return schema, nil
}

func (e *fakeExtractor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, n := range e.calls {
		total += n
	}
	return total
}

func (e *fakeExtractor) Columns(_ context.Context, table string) ([]Column, error) {
	schema, err := e.lookup(table)
	return schema.Columns, err
}

func (e *fakeExtractor) PrimaryKeys(_ context.Context, table string) ([]string, error) {
	schema, err := e.lookup(table)
	return schema.PrimaryKeys, err
}

func (e *fakeExtractor) ForeignKeys(_ context.Context, table string) ([]ForeignKey, error) {
	schema, err := e.lookup(table)
	return schema.ForeignKeys, err
}

func (e *fakeExtractor) Indexes(_ context.Context, table string) ([]Index, error) {
	schema, err := e.lookup(table)
	return schema.Indexes, err
}

type fakeConverter struct{}

func (fakeConverter) RenderCreateTable(table, _ string, _ []Column) string {
	return "CREATE TABLE " + table
}

func (fakeConverter) RenderPrimaryKey(table, _ string, columns []string) string {
	return "ALTER TABLE " + table + " ADD PRIMARY KEY (" + strings.Join(columns, ",") + ")"
}

func (fakeConverter) RenderForeignKey(table, _ string, fk ForeignKey) string {
	return "ALTER TABLE " + table + " ADD CONSTRAINT " + fk.Name
}

func (fakeConverter) RenderIndex(table, _ string, idx Index) string {
	return "CREATE INDEX " + idx.Name + " ON " + table
}

func (fakeConverter) RenderDropTable(table, _ string) string {
	return "DROP TABLE " + table
}

func (fakeConverter) RenderTruncateTable(table, _ string) string {
	return "TRUNCATE TABLE " + table
}

type recordedProgress struct {
	mu     sync.Mutex
	totals []int64
	err    error
}

func (r *recordedProgress) UpdateProgress(_ string, rowsMigrated int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals = append(r.totals, rowsMigrated)
	return r.err
}

func numberedRows(n int) []Record {
	rows := make([]Record, n)
	for i := range rows {
		rows[i] = Record{int64(i + 1), fmt.Sprintf("row-%d", i+1)}
	}
	return rows
}

var twoColumns = []Column{{Name: "ID", Type: "INTEGER"}, {Name: "NAME", Type: "VARCHAR(20)", Nullable: true}}
