package db2

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	tunnel "github.com/Ants24/db2pg-tunnel"
)

// Catalog answers schema questions from the SYSCAT views of the connected
// database.
type Catalog struct {
	conn   *Connector
	schema string
}

var _ tunnel.SchemaExtractor = (*Catalog)(nil)

func NewCatalog(conn *Connector) *Catalog {
	return &Catalog{conn: conn, schema: conn.Schema()}
}

type columnRow struct {
	Name     string         `db:"COLNAME"`
	TypeName string         `db:"TYPENAME"`
	Length   int            `db:"LENGTH"`
	Scale    int            `db:"SCALE"`
	Nulls    string         `db:"NULLS"`
	Default  sql.NullString `db:"DEFAULT"`
	Identity string         `db:"IDENTITY"`
}

// typeString adds length and scale for the types whose definition needs
// them.
func (r columnRow) typeString() string {
	name := strings.TrimSpace(r.TypeName)
	switch name {
	case "VARCHAR", "CHAR", "CHARACTER", "GRAPHIC", "VARGRAPHIC":
		return fmt.Sprintf("%s(%d)", name, r.Length)
	case "DECIMAL", "NUMERIC":
		return fmt.Sprintf("%s(%d,%d)", name, r.Length, r.Scale)
	}
	return name
}

func columns(ctx context.Context, db *sqlx.DB, schema, table string) ([]tunnel.Column, error) {
	query, args, err := sq.Select("COLNAME", "TYPENAME", "LENGTH", "SCALE", "NULLS", `"DEFAULT"`, "IDENTITY").
		From("SYSCAT.COLUMNS").
		Where(sq.Eq{"TABSCHEMA": schema}).
		Where(sq.Eq{"TABNAME": table}).
		OrderBy("COLNO").
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return nil, err
	}
	var rows []columnRow
	if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("read columns of %s.%s: %w", schema, table, err)
	}
	cols := make([]tunnel.Column, len(rows))
	for i, row := range rows {
		col := tunnel.Column{
			Name:     strings.TrimSpace(row.Name),
			Type:     row.typeString(),
			Length:   row.Length,
			Scale:    row.Scale,
			Nullable: row.Nulls == "Y",
			Identity: row.Identity == "Y",
		}
		if row.Default.Valid {
			value := row.Default.String
			col.Default = &value
		}
		cols[i] = col
	}
	return cols, nil
}

func (c *Catalog) Columns(ctx context.Context, table string) ([]tunnel.Column, error) {
	db, err := c.conn.conn()
	if err != nil {
		return nil, err
	}
	return columns(ctx, db, c.schema, table)
}

func (c *Catalog) PrimaryKeys(ctx context.Context, table string) ([]string, error) {
	db, err := c.conn.conn()
	if err != nil {
		return nil, err
	}
	query, args, err := sq.Select("k.COLNAME").
		From("SYSCAT.KEYCOLUSE k").
		Join("SYSCAT.TABCONST t ON k.CONSTNAME = t.CONSTNAME AND k.TABSCHEMA = t.TABSCHEMA AND k.TABNAME = t.TABNAME").
		Where(sq.Eq{"t.TABSCHEMA": c.schema}).
		Where(sq.Eq{"t.TABNAME": table}).
		Where(sq.Eq{"t.TYPE": "P"}).
		OrderBy("k.COLSEQ").
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return nil, err
	}
	var keys []string
	if err := db.SelectContext(ctx, &keys, query, args...); err != nil {
		return nil, fmt.Errorf("read primary key of %s: %w", table, err)
	}
	for i := range keys {
		keys[i] = strings.TrimSpace(keys[i])
	}
	return keys, nil
}

type foreignKeyRow struct {
	Name             string `db:"CONSTNAME"`
	Column           string `db:"COLNAME"`
	ReferencedTable  string `db:"REFTABNAME"`
	ReferencedColumn string `db:"REFCOLNAME"`
}

func (c *Catalog) ForeignKeys(ctx context.Context, table string) ([]tunnel.ForeignKey, error) {
	db, err := c.conn.conn()
	if err != nil {
		return nil, err
	}
	query, args, err := sq.Select("r.CONSTNAME", "fk.COLNAME", "r.REFTABNAME", "pk.COLNAME AS REFCOLNAME").
		From("SYSCAT.REFERENCES r").
		Join("SYSCAT.KEYCOLUSE fk ON r.CONSTNAME = fk.CONSTNAME AND r.TABSCHEMA = fk.TABSCHEMA AND r.TABNAME = fk.TABNAME").
		Join("SYSCAT.KEYCOLUSE pk ON r.REFKEYNAME = pk.CONSTNAME AND r.REFTABSCHEMA = pk.TABSCHEMA AND fk.COLSEQ = pk.COLSEQ").
		Where(sq.Eq{"r.TABSCHEMA": c.schema}).
		Where(sq.Eq{"r.TABNAME": table}).
		OrderBy("r.CONSTNAME", "fk.COLSEQ").
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return nil, err
	}
	var rows []foreignKeyRow
	if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("read foreign keys of %s: %w", table, err)
	}
	keys := make([]tunnel.ForeignKey, len(rows))
	for i, row := range rows {
		keys[i] = tunnel.ForeignKey{
			Name:             strings.TrimSpace(row.Name),
			Column:           strings.TrimSpace(row.Column),
			ReferencedTable:  strings.TrimSpace(row.ReferencedTable),
			ReferencedColumn: strings.TrimSpace(row.ReferencedColumn),
		}
	}
	return keys, nil
}

type indexRow struct {
	Name       string `db:"INDNAME"`
	UniqueRule string `db:"UNIQUERULE"`
	Column     string `db:"COLNAME"`
}

// Indexes groups index columns by index in key order. UNIQUERULE P marks the
// index backing the primary key.
func (c *Catalog) Indexes(ctx context.Context, table string) ([]tunnel.Index, error) {
	db, err := c.conn.conn()
	if err != nil {
		return nil, err
	}
	query, args, err := sq.Select("i.INDNAME", "i.UNIQUERULE", "k.COLNAME").
		From("SYSCAT.INDEXES i").
		Join("SYSCAT.INDEXCOLUSE k ON i.INDSCHEMA = k.INDSCHEMA AND i.INDNAME = k.INDNAME").
		Where(sq.Eq{"i.TABSCHEMA": c.schema}).
		Where(sq.Eq{"i.TABNAME": table}).
		OrderBy("i.INDNAME", "k.COLSEQ").
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return nil, err
	}
	var rows []indexRow
	if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("read indexes of %s: %w", table, err)
	}
	var indexes []tunnel.Index
	positions := make(map[string]int)
	for _, row := range rows {
		name := strings.TrimSpace(row.Name)
		pos, ok := positions[name]
		if !ok {
			pos = len(indexes)
			positions[name] = pos
			indexes = append(indexes, tunnel.Index{
				Name:    name,
				Unique:  row.UniqueRule == "U" || row.UniqueRule == "P",
				Primary: row.UniqueRule == "P",
			})
		}
		indexes[pos].Columns = append(indexes[pos].Columns, strings.TrimSpace(row.Column))
	}
	return indexes, nil
}

// Tables lists the base tables of the schema.
func (c *Catalog) Tables(ctx context.Context) ([]string, error) {
	db, err := c.conn.conn()
	if err != nil {
		return nil, err
	}
	query, args, err := sq.Select("TABNAME").
		From("SYSCAT.TABLES").
		Where(sq.Eq{"TABSCHEMA": c.schema}).
		Where(sq.Eq{"TYPE": "T"}).
		OrderBy("TABNAME").
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return nil, err
	}
	var tables []string
	if err := db.SelectContext(ctx, &tables, query, args...); err != nil {
		return nil, fmt.Errorf("list tables of %s: %w", c.schema, err)
	}
	for i := range tables {
		tables[i] = strings.TrimSpace(tables[i])
	}
	return tables, nil
}
