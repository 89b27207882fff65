// Package postgres is the PostgreSQL dialect, backed by the pgx/v5
// database/sql driver. Importing it registers the "postgres" endpoint
// scheme ("postgresql" is folded into it when endpoints are parsed).
package postgres

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib" // register "pgx" driver
	"github.com/koustreak/blockidx/internal/database"
)

func init() {
	database.RegisterDialect(Dialect{})
}

// Dialect implements database.Dialect for PostgreSQL 11+.
type Dialect struct{}

func (Dialect) Name() string           { return "postgres" }
func (Dialect) DriverName() string     { return "pgx" }
func (Dialect) DefaultPort() int       { return defaultPort }
func (Dialect) DefaultCharset() string { return defaultCharset }

func (Dialect) Placeholder() sq.PlaceholderFormat { return sq.Dollar }

func (Dialect) QuoteIdent(name string) string {
	return database.QuoteIdent(name, `"`)
}

// LikeOperator is ILIKE so searches ignore case the way MySQL's default
// collation does.
func (Dialect) LikeOperator() string { return "ILIKE" }

func (d Dialect) JSONContains(column string) string {
	return fmt.Sprintf("%s @> ?::jsonb", d.QuoteIdent(column))
}

func (d Dialect) UpsertSuffix(primaryKey, update []string) string {
	conflict := fmt.Sprintf("ON CONFLICT (%s)", d.quoteList(primaryKey))
	if len(update) == 0 {
		return conflict + " DO NOTHING"
	}
	sets := make([]string, len(update))
	for i, col := range update {
		q := d.QuoteIdent(col)
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", q, q)
	}
	return conflict + " DO UPDATE SET " + strings.Join(sets, ", ")
}

func (d Dialect) quoteList(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = d.QuoteIdent(c)
	}
	return strings.Join(out, ", ")
}
