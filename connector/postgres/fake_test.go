package postgres

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeRows struct {
	values [][]any
	pos    int
	err    error
	closed bool
}

func newFakeRows(values ...[]any) *fakeRows {
	return &fakeRows{values: values, pos: -1}
}

func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.closed || r.pos+1 >= len(r.values) {
		r.closed = true
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() ([]any, error) {
	return append([]any(nil), r.values[r.pos]...), nil
}

func (r *fakeRows) Scan(dest ...any) error {
	return scanInto(r.values[r.pos], dest)
}

func scanInto(values []any, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("scan: %d values into %d targets", len(values), len(dest))
	}
	for i, value := range values {
		target := reflect.ValueOf(dest[i]).Elem()
		if value == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		v := reflect.ValueOf(value)
		if target.Kind() == reflect.Ptr {
			ptr := reflect.New(target.Type().Elem())
			ptr.Elem().Set(v.Convert(target.Type().Elem()))
			target.Set(ptr)
			continue
		}
		target.Set(v.Convert(target.Type()))
	}
	return nil
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(r.values, dest)
}

type copied struct {
	table   pgx.Identifier
	columns []string
	rows    [][]any
}

// fakeConn answers queries from canned results keyed by a substring of the
// statement.
type fakeConn struct {
	mu      sync.Mutex
	results map[string][][]any
	execs   []string
	queries []string
	copies  []copied
	execErr error
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{results: make(map[string][][]any)}
}

func (f *fakeConn) on(fragment string, rows ...[]any) {
	f.results[fragment] = rows
}

func (f *fakeConn) lookup(sql string) ([][]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, sql)
	for fragment, rows := range f.results {
		if strings.Contains(sql, fragment) {
			return rows, nil
		}
	}
	return nil, fmt.Errorf("unexpected query: %s", sql)
}

func (f *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakeConn) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	rows, err := f.lookup(sql)
	if err != nil {
		return nil, err
	}
	return newFakeRows(rows...), nil
}

func (f *fakeConn) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	rows, err := f.lookup(sql)
	if err != nil {
		return fakeRow{err: err}
	}
	if len(rows) == 0 {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{values: rows[0]}
}

func (f *fakeConn) CopyFrom(_ context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	var rows [][]any
	for src.Next() {
		values, err := src.Values()
		if err != nil {
			return 0, err
		}
		rows = append(rows, values)
	}
	if err := src.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.copies = append(f.copies, copied{table: table, columns: columns, rows: rows})
	f.mu.Unlock()
	return int64(len(rows)), nil
}

func (f *fakeConn) Ping(context.Context) error { return nil }

func (f *fakeConn) Close(context.Context) error {
	if f.closed {
		return errors.New("already closed")
	}
	f.closed = true
	return nil
}
