package mysql

import (
	"fmt"
	"strings"

	"github.com/koustreak/blockidx/internal/database"
)

func (Dialect) TableExistsQuery() string {
	return `
		SELECT 1
		FROM information_schema.tables
		WHERE table_schema = DATABASE()
		  AND table_type   = 'BASE TABLE'
		  AND table_name   = ?`
}

func (Dialect) ListTablesQuery() string {
	return `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = DATABASE()
		  AND table_type   = 'BASE TABLE'
		ORDER BY table_name`
}

// CreateTable renders a single CREATE TABLE with inline per-column indexes.
func (d Dialect) CreateTable(def database.TableDef) []string {
	lines := make([]string, 0, len(def.Columns)+1)
	for _, col := range def.Columns {
		lines = append(lines, d.columnSQL(col))
	}

	if len(def.PrimaryKey) > 0 {
		lines = append(lines, fmt.Sprintf("PRIMARY KEY (%s)", d.quoteList(def.PrimaryKey)))
	}

	for _, col := range def.Columns {
		switch col.Index {
		case database.IndexKey:
			lines = append(lines, fmt.Sprintf("INDEX %s (%s)", d.QuoteIdent(col.Name), d.indexColumn(col)))
		case database.IndexUnique:
			lines = append(lines, fmt.Sprintf("UNIQUE %s (%s)", d.QuoteIdent(col.Name), d.indexColumn(col)))
		}
	}

	charset := def.Charset
	if charset == "" {
		charset = defaultCharset
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n) CHARSET %s",
		d.QuoteIdent(def.Name), strings.Join(lines, ",\n\t"), charset)
	return []string{stmt}
}

func (d Dialect) AddIndex(table, name string, parts []database.IndexPart) string {
	cols := make([]string, len(parts))
	for i, p := range parts {
		cols[i] = d.QuoteIdent(p.Key) + " " + strings.ToUpper(p.Direction)
	}
	return fmt.Sprintf("ALTER TABLE %s ADD INDEX %s (%s)",
		d.QuoteIdent(table), d.QuoteIdent(database.IndexName(table, name)), strings.Join(cols, ", "))
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
	// MySQL rejects literal defaults on TEXT and JSON columns.
	if col.Default != nil && col.Type != database.TypeText && col.Type != database.TypeJSON {
		// table.Schema.Validate has already rejected defaults Literal cannot render.
		if lit, err := database.Literal(col.Default); err == nil {
			b.WriteString(" DEFAULT ")
			b.WriteString(lit)
		}
	}
	return b.String()
}

// indexColumn adds a prefix length for TEXT columns, which MySQL cannot
// index whole.
func (d Dialect) indexColumn(col database.ColumnDef) string {
	if col.Type == database.TypeText {
		return d.QuoteIdent(col.Name) + "(255)"
	}
	return d.QuoteIdent(col.Name)
}

func (d Dialect) quoteList(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = d.QuoteIdent(c)
	}
	return strings.Join(out, ", ")
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
		return "INT"
	case database.TypeBigInteger:
		return "BIGINT"
	case database.TypeFloat:
		return "DOUBLE"
	case database.TypeBoolean:
		return "BOOLEAN"
	case database.TypeJSON:
		return "JSON"
	default:
		return "VARCHAR(255)"
	}
}
