package db2pgtunnel

import (
	"context"
	"fmt"
	"strings"

	common "github.com/Ants24/data-tunnel-common"
	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/spf13/cast"
)

const DefaultCounterTable = "MAXSEQUENCE"

// SequenceBinding ties a target sequence to the column whose default it feeds.
type SequenceBinding struct {
	Table        string
	Column       string
	SequenceName string
	StartValue   int64
}

type SyncStats struct {
	Total   int
	Synced  int
	Failed  int
	Skipped int
}

type SequenceOptions struct {
	SourceSchema string
	TargetSchema string
	// CounterTable is the source table holding reserved key values per
	// table (TBNAME, NAME, MAXRESERVED).
	CounterTable string
}

type SequenceManager struct {
	logger  common.Logger
	source  Connector
	target  Connector
	options SequenceOptions
}

func NewSequenceManager(logger common.Logger, source, target Connector, options SequenceOptions) *SequenceManager {
	if options.SourceSchema == "" {
		options.SourceSchema = source.Schema()
	}
	if options.TargetSchema == "" {
		options.TargetSchema = target.Schema()
	}
	if options.CounterTable == "" {
		options.CounterTable = DefaultCounterTable
	}
	return &SequenceManager{logger: logger, source: source, target: target, options: options}
}

func SequenceName(table, column string) string {
	return strings.ToLower(table) + "_" + strings.ToLower(column) + "_seq"
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (m *SequenceManager) qualified(schema string, names ...string) string {
	if schema == "" {
		return pgx.Identifier(names).Sanitize()
	}
	return pgx.Identifier(append([]string{schema}, names...)).Sanitize()
}

// reservedCounter looks the column up in the source counter table. ok is false
// when the table has no row for it or the lookup fails.
func (m *SequenceManager) reservedCounter(ctx context.Context, table, column string) (int64, bool) {
	from := m.options.CounterTable
	if m.options.SourceSchema != "" {
		from = m.options.SourceSchema + "." + from
	}
	query, args, err := sq.Select("TBNAME", "NAME", "MAXRESERVED").
		From(from).
		Where(sq.Eq{"TBNAME": table}).
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return 0, false
	}
	rows, err := m.source.ExecuteQuery(ctx, query, args...)
	if err != nil {
		m.logger.Logger.Sugar().Debugf("Could not read %s for %s: %v", m.options.CounterTable, table, err)
		return 0, false
	}
	if len(rows) == 0 || len(rows[0]) < 3 {
		return 0, false
	}
	if !strings.EqualFold(strings.TrimSpace(cast.ToString(rows[0][1])), column) {
		return 0, false
	}
	reserved, err := cast.ToInt64E(rows[0][2])
	if err != nil {
		return 0, false
	}
	return reserved, true
}

func maxValue(ctx context.Context, conn Connector, schema, table, column string) (int64, bool, error) {
	query := fmt.Sprintf("SELECT MAX(%s) FROM %s",
		pgx.Identifier{column}.Sanitize(), qualifiedTable(schema, table))
	rows, err := conn.ExecuteQuery(ctx, query)
	if err != nil {
		return 0, false, err
	}
	if len(rows) == 0 || len(rows[0]) == 0 || rows[0][0] == nil {
		return 0, false, nil
	}
	max, err := cast.ToInt64E(rows[0][0])
	if err != nil {
		return 0, false, fmt.Errorf("max of %s.%s is not an integer: %w", table, column, err)
	}
	return max, true, nil
}

func qualifiedTable(schema, table string) string {
	if schema == "" {
		return pgx.Identifier{table}.Sanitize()
	}
	return pgx.Identifier{schema, table}.Sanitize()
}

// StartValue picks where a new sequence for table.column begins: the
// reserved counter plus one, else the source maximum plus one, else 1.
func (m *SequenceManager) StartValue(ctx context.Context, table, column string) int64 {
	if reserved, ok := m.reservedCounter(ctx, table, column); ok {
		m.logger.Logger.Sugar().Infof("Using %s value %d for %s.%s", m.options.CounterTable, reserved, table, column)
		return reserved + 1
	}
	max, ok, err := maxValue(ctx, m.source, m.options.SourceSchema, table, column)
	if err != nil {
		m.logger.Logger.Sugar().Debugf("Could not get max value for %s.%s: %v", table, column, err)
	}
	if ok && max > 0 {
		m.logger.Logger.Sugar().Infof("Using max table value %d for %s.%s", max, table, column)
		return max + 1
	}
	m.logger.Logger.Sugar().Infof("No usable max value for %s.%s, starting at 1", table, column)
	return 1
}

// CreateSequenceForColumn creates the sequence, makes it the column default
// and hands ownership to the column. Only a failed CREATE SEQUENCE is an error.
func (m *SequenceManager) CreateSequenceForColumn(ctx context.Context, table, column string, start *int64) (string, error) {
	name := SequenceName(table, column)
	var startValue int64
	if start != nil {
		startValue = *start
	} else {
		startValue = m.StartValue(ctx, table, column)
	}
	seq := m.qualified(m.options.TargetSchema, name)

	createSql := fmt.Sprintf("CREATE SEQUENCE %s START WITH %d INCREMENT BY 1 NO MINVALUE NO MAXVALUE CACHE 1", seq, startValue)
	if err := m.target.ExecuteDDL(ctx, createSql); err != nil {
		m.logger.Logger.Sugar().Warnf("Could not create sequence %s: %v", name, err)
		return "", fmt.Errorf("create sequence %s: %w", name, err)
	}
	m.logger.Logger.Sugar().Infof("Created sequence %s starting at %d", name, startValue)

	tableIdent := qualifiedTable(m.options.TargetSchema, table)
	defaultSql := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT nextval(%s)",
		tableIdent, pgx.Identifier{column}.Sanitize(), quoteLiteral(seq))
	if err := m.target.ExecuteDDL(ctx, defaultSql); err != nil {
		m.logger.Logger.Sugar().Warnf("Could not set default for %s.%s: %v", table, column, err)
	}
	ownedSql := fmt.Sprintf("ALTER SEQUENCE %s OWNED BY %s.%s", seq, tableIdent, pgx.Identifier{column}.Sanitize())
	if err := m.target.ExecuteDDL(ctx, ownedSql); err != nil {
		m.logger.Logger.Sugar().Warnf("Could not set sequence ownership for %s: %v", name, err)
	}
	return name, nil
}

// CreateSequencesForTable returns the bindings that were created; a failing
// column does not stop the remaining ones.
func (m *SequenceManager) CreateSequencesForTable(ctx context.Context, table string, pkColumns []string) []SequenceBinding {
	if len(pkColumns) == 0 {
		m.logger.Logger.Sugar().Debugf("No primary key columns for %s", table)
		return nil
	}
	bindings := make([]SequenceBinding, 0, len(pkColumns))
	for _, column := range pkColumns {
		m.logger.Logger.Sugar().Infof("Creating sequence for %s.%s", table, column)
		start := m.StartValue(ctx, table, column)
		name, err := m.CreateSequenceForColumn(ctx, table, column, &start)
		if err != nil {
			continue
		}
		bindings = append(bindings, SequenceBinding{Table: table, Column: column, SequenceName: name, StartValue: start})
	}
	return bindings
}

type syncOutcome int

const (
	syncFailed syncOutcome = iota
	syncAdvanced
	syncEmpty
)

func (m *SequenceManager) syncSequence(ctx context.Context, table, column, schema, sequence string) syncOutcome {
	max, ok, err := maxValue(ctx, m.target, schema, table, column)
	if err != nil {
		m.logger.Logger.Sugar().Warnf("Could not sync sequence %s for %s.%s: %v", sequence, table, column, err)
		return syncFailed
	}
	if !ok {
		m.logger.Logger.Sugar().Infof("Table %s is empty, sequence %s remains at start value", table, sequence)
		return syncEmpty
	}
	next := max + 1
	if _, err := m.target.ExecuteQuery(ctx, "SELECT setval($1::regclass, $2, false)", m.qualified(schema, sequence), next); err != nil {
		m.logger.Logger.Sugar().Warnf("Could not sync sequence %s for %s.%s: %v", sequence, table, column, err)
		return syncFailed
	}
	m.logger.Logger.Sugar().Infof("Synced sequence %s to %d (max value in table: %d)", sequence, next, max)
	return syncAdvanced
}

// SyncSequenceAfterInsert moves the column's sequence past the current
// maximum so that nextval never collides with loaded rows. An empty table is
// a success that leaves the sequence untouched. Repeating the call is safe.
func (m *SequenceManager) SyncSequenceAfterInsert(ctx context.Context, table, column, schema string) bool {
	if schema == "" {
		schema = m.options.TargetSchema
	}
	return m.syncSequence(ctx, table, column, schema, SequenceName(table, column)) != syncFailed
}

func (m *SequenceManager) SyncSequencesForTable(ctx context.Context, table string, pkColumns []string, schema string) SyncStats {
	if schema == "" {
		schema = m.options.TargetSchema
	}
	stats := SyncStats{Total: len(pkColumns)}
	for _, column := range pkColumns {
		m.logger.Logger.Sugar().Infof("Syncing sequence for %s.%s", table, column)
		stats.add(m.syncSequence(ctx, table, column, schema, SequenceName(table, column)))
	}
	return stats
}

func (s *SyncStats) add(outcome syncOutcome) {
	switch outcome {
	case syncAdvanced:
		s.Synced++
	case syncEmpty:
		s.Skipped++
	default:
		s.Failed++
	}
}

func (m *SequenceManager) ownedSequences(ctx context.Context, schema, table string) ([]SequenceBinding, error) {
	builder := sq.Select("t.relname", "a.attname", "s.relname").
		From("pg_class s").
		Join("pg_depend d ON d.objid = s.oid").
		Join("pg_class t ON d.refobjid = t.oid").
		Join("pg_attribute a ON a.attrelid = t.oid AND a.attnum = d.refobjsubid").
		Join("pg_namespace n ON n.oid = s.relnamespace").
		Where(sq.Eq{"s.relkind": "S", "n.nspname": schema}).
		OrderBy("t.relname", "a.attname").
		PlaceholderFormat(sq.Dollar)
	if table != "" {
		builder = builder.Where(sq.Eq{"t.relname": table})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := m.target.ExecuteQuery(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	bindings := make([]SequenceBinding, 0, len(rows))
	for _, row := range rows {
		if len(row) < 3 {
			continue
		}
		bindings = append(bindings, SequenceBinding{
			Table:        cast.ToString(row[0]),
			Column:       cast.ToString(row[1]),
			SequenceName: cast.ToString(row[2]),
		})
	}
	return bindings, nil
}

// TableSequences lists sequences owned by columns of table. Lookup failures
// are logged and yield an empty list.
func (m *SequenceManager) TableSequences(ctx context.Context, table, schema string) []SequenceBinding {
	if schema == "" {
		schema = m.options.TargetSchema
	}
	bindings, err := m.ownedSequences(ctx, schema, table)
	if err != nil {
		m.logger.Logger.Sugar().Warnf("Could not get sequences for %s: %v", table, err)
		return nil
	}
	return bindings
}

func (m *SequenceManager) AllSequences(ctx context.Context, schema string) []SequenceBinding {
	if schema == "" {
		schema = m.options.TargetSchema
	}
	bindings, err := m.ownedSequences(ctx, schema, "")
	if err != nil {
		m.logger.Logger.Sugar().Warnf("Could not get sequences for schema %s: %v", schema, err)
		return nil
	}
	return bindings
}

// SyncAllSequencesInSchema resyncs every owned sequence in schema, limited to
// tables when that list is non-empty.
func (m *SequenceManager) SyncAllSequencesInSchema(ctx context.Context, schema string, tables []string) SyncStats {
	if schema == "" {
		schema = m.options.TargetSchema
	}
	m.logger.Logger.Sugar().Infof("Discovering sequences in schema %q", schema)
	bindings := m.AllSequences(ctx, schema)
	if len(bindings) == 0 {
		m.logger.Logger.Sugar().Warnf("No sequences found in schema %q", schema)
		return SyncStats{}
	}
	if len(tables) > 0 {
		wanted := make(map[string]struct{}, len(tables))
		for _, table := range tables {
			wanted[table] = struct{}{}
		}
		filtered := bindings[:0]
		for _, binding := range bindings {
			if _, ok := wanted[binding.Table]; ok {
				filtered = append(filtered, binding)
			}
		}
		bindings = filtered
		m.logger.Logger.Sugar().Infof("Filtered to %d sequences for specified tables", len(bindings))
	}
	stats := SyncStats{Total: len(bindings)}
	for _, binding := range bindings {
		stats.add(m.syncSequence(ctx, binding.Table, binding.Column, schema, binding.SequenceName))
	}
	return stats
}
