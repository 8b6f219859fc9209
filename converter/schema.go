package converter

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	tunnel "github.com/Ants24/db2pg-tunnel"
)

// SchemaConverter renders PostgreSQL DDL for tables extracted from DB2.
// Identifiers are always quoted so that DB2's upper-case names survive.
type SchemaConverter struct {
	types tunnel.TypeConverter
}

var _ tunnel.SchemaConverter = (*SchemaConverter)(nil)

func NewSchemaConverter(types tunnel.TypeConverter) *SchemaConverter {
	if types == nil {
		types = NewTypeConverter()
	}
	return &SchemaConverter{types: types}
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func quoteTable(schema, table string) string {
	if schema == "" {
		return pgx.Identifier{table}.Sanitize()
	}
	return pgx.Identifier{schema, table}.Sanitize()
}

func quoteColumns(columns []string) string {
	quoted := make([]string, len(columns))
	for i, column := range columns {
		quoted[i] = quoteIdent(column)
	}
	return strings.Join(quoted, ", ")
}

// ConvertDefault rewrites DB2 special registers in a column default into
// their PostgreSQL spelling.
func ConvertDefault(value string) string {
	if value == "" {
		return value
	}
	upper := strings.ToUpper(strings.TrimSpace(value))
	switch upper {
	case "USER":
		return "CURRENT_USER"
	case "CURRENT SCHEMA":
		return "CURRENT_SCHEMA()"
	case "NULL":
		return "NULL"
	}
	replacer := strings.NewReplacer(
		"CURRENT TIMESTAMP", "CURRENT_TIMESTAMP",
		"CURRENT DATE", "CURRENT_DATE",
		"CURRENT TIMEZONE", "CURRENT_TIMESTAMP",
		"CURRENT TIME", "CURRENT_TIME",
	)
	return replacer.Replace(value)
}

func (c *SchemaConverter) identityType(sourceType string) string {
	pgType := c.types.Convert(sourceType)
	switch base := baseType(pgType); base {
	case "BIGINT":
		return "BIGSERIAL"
	case "SMALLINT":
		return "SMALLSERIAL"
	case "INTEGER":
		return "SERIAL"
	}
	return pgType + " GENERATED ALWAYS AS IDENTITY"
}

func (c *SchemaConverter) columnDefinition(column tunnel.Column) string {
	var def string
	if column.Identity {
		def = quoteIdent(column.Name) + " " + c.identityType(column.Type)
	} else {
		def = quoteIdent(column.Name) + " " + c.types.Convert(column.Type)
		if column.Default != nil {
			def += " DEFAULT " + ConvertDefault(*column.Default)
		}
	}
	if !column.Nullable {
		def += " NOT NULL"
	}
	return def
}

func (c *SchemaConverter) RenderCreateTable(table, schema string, columns []tunnel.Column) string {
	if len(columns) == 0 {
		return fmt.Sprintf("CREATE TABLE %s ()", quoteTable(schema, table))
	}
	defs := make([]string, len(columns))
	for i, column := range columns {
		defs[i] = c.columnDefinition(column)
	}
	return fmt.Sprintf("CREATE TABLE %s (\n    %s\n)", quoteTable(schema, table), strings.Join(defs, ",\n    "))
}

func (c *SchemaConverter) RenderPrimaryKey(table, schema string, columns []string) string {
	return fmt.Sprintf("ALTER TABLE %s ADD PRIMARY KEY (%s)", quoteTable(schema, table), quoteColumns(columns))
}

func (c *SchemaConverter) RenderForeignKey(table, schema string, fk tunnel.ForeignKey) string {
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
		quoteTable(schema, table), quoteIdent(fk.Name), quoteIdent(fk.Column),
		quoteTable(schema, fk.ReferencedTable), quoteIdent(fk.ReferencedColumn))
}

func (c *SchemaConverter) RenderIndex(table, schema string, idx tunnel.Index) string {
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	// index names share the schema namespace in PostgreSQL but not in DB2
	return fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
		unique, quoteIdent(idx.Name), quoteTable(schema, table), quoteColumns(idx.Columns))
}

func (c *SchemaConverter) RenderDropTable(table, schema string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", quoteTable(schema, table))
}

func (c *SchemaConverter) RenderTruncateTable(table, schema string) string {
	return fmt.Sprintf("TRUNCATE TABLE %s", quoteTable(schema, table))
}
