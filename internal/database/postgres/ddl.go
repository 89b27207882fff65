package postgres

import (
	"fmt"
	"strings"

	"github.com/koustreak/blockidx/internal/database"
)

func (Dialect) TableExistsQuery() string {
	return `
		SELECT 1
		FROM information_schema.tables
		WHERE table_schema = current_schema()
		  AND table_type   = 'BASE TABLE'
		  AND table_name   = $1`
}

func (Dialect) ListTablesQuery() string {
	return `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = current_schema()
		  AND table_type   = 'BASE TABLE'
		ORDER BY table_name`
}

// CreateTable renders CREATE TABLE followed by one CREATE INDEX per indexed
// column. Charset is a database-level setting in Postgres and is ignored.
func (d Dialect) CreateTable(def database.TableDef) []string {
	lines := make([]string, 0, len(def.Columns)+1)
	for _, col := range def.Columns {
		lines = append(lines, d.columnSQL(col))
	}
	if len(def.PrimaryKey) > 0 {
		lines = append(lines, fmt.Sprintf("PRIMARY KEY (%s)", d.quoteList(def.PrimaryKey)))
	}

	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		d.QuoteIdent(def.Name), strings.Join(lines, ",\n\t"))}

	for _, col := range def.Columns {
		var unique string
		switch col.Index {
		case database.IndexKey:
		case database.IndexUnique:
			unique = "UNIQUE "
		default:
			continue
		}
		stmts = append(stmts, fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
			unique, d.QuoteIdent(def.Name+"_"+col.Name), d.QuoteIdent(def.Name), d.QuoteIdent(col.Name)))
	}
	return stmts
}

func (d Dialect) AddIndex(table, name string, parts []database.IndexPart) string {
	cols := make([]string, len(parts))
	for i, p := range parts {
		cols[i] = d.QuoteIdent(p.Key) + " " + strings.ToUpper(p.Direction)
	}
	return fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
		d.QuoteIdent(database.IndexName(table, name)), d.QuoteIdent(table), strings.Join(cols, ", "))
}

func (d Dialect) columnSQL(col database.ColumnDef) string {
	var b strings.Builder
	b.WriteString(d.QuoteIdent(col.Name))
	b.WriteString(" ")
	b.WriteString(columnType(col))
	if col.Nullable {
		b.WriteString(" NULL")
	} else {
		b.WriteString(" NOT NULL")
	}
	if col.Default != nil {
		// table.Schema.Validate has already rejected defaults Literal cannot render.
		if lit, err := database.Literal(col.Default); err == nil {
			b.WriteString(" DEFAULT ")
			b.WriteString(lit)
		}
	}
	return b.String()
}

func columnType(col database.ColumnDef) string {
	switch col.Type {
	case database.TypeString:
		size := col.Size
		if size <= 0 {
			size = 255
		}
		return fmt.Sprintf("VARCHAR(%d)", size)
	case database.TypeText:
		return "TEXT"
	case database.TypeInteger:
		return "INTEGER"
	case database.TypeBigInteger:
		return "BIGINT"
	case database.TypeFloat:
		return "DOUBLE PRECISION"
	case database.TypeBoolean:
		return "BOOLEAN"
	case database.TypeJSON:
		return "JSONB"
	default:
		return "VARCHAR(255)"
	}
}
