// Package converter maps DB2 column types and table definitions to
// PostgreSQL DDL.
package converter

import (
	"regexp"
	"strings"
)

var typeMap = map[string]string{
	"SMALLINT":         "SMALLINT",
	"INTEGER":          "INTEGER",
	"INT":              "INTEGER",
	"BIGINT":           "BIGINT",
	"DECIMAL":          "NUMERIC",
	"DEC":              "NUMERIC",
	"NUMERIC":          "NUMERIC",
	"REAL":             "REAL",
	"DOUBLE":           "DOUBLE PRECISION",
	"DOUBLE PRECISION": "DOUBLE PRECISION",
	"FLOAT":            "DOUBLE PRECISION",
	"DECFLOAT":         "NUMERIC",

	"CHAR":              "CHAR",
	"CHARACTER":         "CHAR",
	"VARCHAR":           "VARCHAR",
	"CHARACTER VARYING": "VARCHAR",
	"CLOB":              "TEXT",
	"GRAPHIC":           "CHAR",
	"VARGRAPHIC":        "VARCHAR",
	"DBCLOB":            "TEXT",
	"LONG VARCHAR":      "TEXT",

	"DATE":      "DATE",
	"TIME":      "TIME",
	"TIMESTAMP": "TIMESTAMP",

	"BLOB":                "BYTEA",
	"BINARY":              "BYTEA",
	"VARBINARY":           "BYTEA",
	"BINARY LARGE OBJECT": "BYTEA",

	"XML":     "XML",
	"BOOLEAN": "BOOLEAN",
	"ROWID":   "OID",
}

var (
	parameterizedType = regexp.MustCompile(`^([A-Z\s]+?)\s*\((.+)\)$`)
	baseTypeName      = regexp.MustCompile(`^([A-Z\s]+)`)
)

// target types that accept a length or precision; the rest drop it
var keepsParameters = map[string]struct{}{
	"CHAR":    {},
	"VARCHAR": {},
	"NUMERIC": {},
}

// fallback for anything not in typeMap
const defaultType = "TEXT"

type TypeConverter struct{}

func NewTypeConverter() *TypeConverter {
	return &TypeConverter{}
}

// Convert maps a DB2 type such as "VARCHAR(255)" or "DECIMAL(10,2)" to its
// PostgreSQL equivalent. Unknown types become TEXT.
func (TypeConverter) Convert(sourceType string) string {
	sourceType = strings.ToUpper(strings.TrimSpace(sourceType))
	if m := parameterizedType.FindStringSubmatch(sourceType); m != nil {
		base := strings.TrimSpace(m[1])
		params := strings.TrimSpace(m[2])
		switch base {
		case "DECIMAL", "DEC":
			return "NUMERIC(" + params + ")"
		case "BINARY", "VARBINARY":
			return "BYTEA"
		}
		target, ok := typeMap[base]
		if !ok {
			return defaultType
		}
		if _, keep := keepsParameters[target]; !keep {
			return target
		}
		return target + "(" + params + ")"
	}
	if target, ok := typeMap[sourceType]; ok {
		return target
	}
	return defaultType
}

func baseType(pgType string) string {
	m := baseTypeName.FindStringSubmatch(strings.ToUpper(pgType))
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func IsNumeric(pgType string) bool {
	switch baseType(pgType) {
	case "SMALLINT", "INTEGER", "BIGINT", "NUMERIC", "REAL", "DOUBLE PRECISION", "SERIAL", "BIGSERIAL":
		return true
	}
	return false
}

func IsString(pgType string) bool {
	switch baseType(pgType) {
	case "CHAR", "VARCHAR", "TEXT":
		return true
	}
	return false
}
