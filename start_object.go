package db2pgtunnel

import (
	"context"
	"fmt"

	common "github.com/Ants24/data-tunnel-common"
)

type tableSchema struct {
	Columns     []Column
	PrimaryKeys []string
	ForeignKeys []ForeignKey
	Indexes     []Index
}

type pendingForeignKey struct {
	Table string
	Key   ForeignKey
}

func extractTableSchema(ctx context.Context, logger common.Logger, extractor SchemaExtractor, table string) (tableSchema, error) {
	var schema tableSchema
	var err error
	logger.Logger.Sugar().Infof("Extracting schema for %s", table)
	if schema.Columns, err = extractor.Columns(ctx, table); err != nil {
		return schema, fmt.Errorf("extract columns: %w", err)
	}
	if len(schema.Columns) == 0 {
		return schema, fmt.Errorf("source table %s has no columns", table)
	}
	if schema.PrimaryKeys, err = extractor.PrimaryKeys(ctx, table); err != nil {
		return schema, fmt.Errorf("extract primary keys: %w", err)
	}
	if schema.ForeignKeys, err = extractor.ForeignKeys(ctx, table); err != nil {
		return schema, fmt.Errorf("extract foreign keys: %w", err)
	}
	if schema.Indexes, err = extractor.Indexes(ctx, table); err != nil {
		return schema, fmt.Errorf("extract indexes: %w", err)
	}
	logger.Logger.Sugar().Debugf("table %s: %d columns, %d pk columns, %d foreign keys, %d indexes",
		table, len(schema.Columns), len(schema.PrimaryKeys), len(schema.ForeignKeys), len(schema.Indexes))
	return schema, nil
}

// applyTableObjects runs the DDL phase for one table and reports whether the
// table was created by this call. An existing target table is left untouched
// unless the job drops existing tables.
func (m *Migrator) applyTableObjects(ctx context.Context, logger common.Logger, session *Session, job MigrationJob, table string, schema tableSchema) (bool, error) {
	targetSchema := session.Target.Schema()
	if job.DropExisting {
		dropSql := m.converter.RenderDropTable(table, targetSchema)
		logger.Logger.Sugar().Infof("Dropping existing table: %s", dropSql)
		if err := session.Target.ExecuteDDL(ctx, dropSql); err != nil {
			return false, fmt.Errorf("drop table: %w", err)
		}
	} else {
		exists, err := session.Target.TableExists(ctx, table, targetSchema)
		if err != nil {
			return false, fmt.Errorf("check target table: %w", err)
		}
		if exists {
			logger.Logger.Sugar().Infof("Table %s already exists in target, skipping DDL", table)
			return false, nil
		}
	}

	createSql := m.converter.RenderCreateTable(table, targetSchema, schema.Columns)
	logger.Logger.Sugar().Debugf("Create table sql: %s", createSql)
	if err := session.Target.ExecuteDDL(ctx, createSql); err != nil {
		return false, fmt.Errorf("create table: %w", err)
	}
	if len(schema.PrimaryKeys) > 0 {
		pkSql := m.converter.RenderPrimaryKey(table, targetSchema, schema.PrimaryKeys)
		if err := session.Target.ExecuteDDL(ctx, pkSql); err != nil {
			return true, fmt.Errorf("add primary key: %w", err)
		}
		// sequences need the key constraint in place first
		if job.CreateSequences {
			bindings := session.Sequences.CreateSequencesForTable(ctx, table, schema.PrimaryKeys)
			logger.Logger.Sugar().Infof("Created %d/%d sequences for %s", len(bindings), len(schema.PrimaryKeys), table)
		}
	}
	if job.CreateIndexes {
		for _, idx := range schema.Indexes {
			if idx.Primary {
				continue
			}
			indexSql := m.converter.RenderIndex(table, targetSchema, idx)
			if err := session.Target.ExecuteDDL(ctx, indexSql); err != nil {
				logger.Logger.Sugar().Warnf("Could not create index %s on %s: %v", idx.Name, table, err)
			}
		}
	}
	return true, nil
}

// applyForeignKeys adds the collected constraints once every table exists and
// returns how many could not be applied.
func (m *Migrator) applyForeignKeys(ctx context.Context, pending []pendingForeignKey) int {
	if len(pending) == 0 {
		return 0
	}
	targetSchema := m.session.Target.Schema()
	m.logger.Logger.Sugar().Infof("Applying %d foreign keys", len(pending))
	failures := 0
	for _, fk := range pending {
		fkSql := m.converter.RenderForeignKey(fk.Table, targetSchema, fk.Key)
		if err := m.session.Target.ExecuteDDL(ctx, fkSql); err != nil {
			m.logger.Logger.Sugar().Warnf("Could not add foreign key %s on %s: %v", fk.Key.Name, fk.Table, err)
			failures++
		}
	}
	return failures
}
