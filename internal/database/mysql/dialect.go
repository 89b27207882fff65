// Package mysql is the MySQL dialect, backed by go-sql-driver/mysql.
// Importing it registers the "mysql" endpoint scheme:
//
//	import _ "github.com/koustreak/blockidx/internal/database/mysql"
package mysql

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/go-sql-driver/mysql" // register "mysql" driver
	"github.com/koustreak/blockidx/internal/database"
)

func init() {
	database.RegisterDialect(Dialect{})
}

// Dialect implements database.Dialect for MySQL 5.7+ and MariaDB.
type Dialect struct{}

func (Dialect) Name() string           { return "mysql" }
func (Dialect) DriverName() string     { return "mysql" }
func (Dialect) DefaultPort() int       { return defaultPort }
func (Dialect) DefaultCharset() string { return defaultCharset }

func (Dialect) Placeholder() sq.PlaceholderFormat { return sq.Question }

func (Dialect) QuoteIdent(name string) string {
	return database.QuoteIdent(name, "`")
}

// LikeOperator is plain LIKE: the default utf8mb4 collations are already
// case-insensitive.
func (Dialect) LikeOperator() string { return "LIKE" }

func (d Dialect) JSONContains(column string) string {
	return fmt.Sprintf("JSON_CONTAINS(%s, ?)", d.QuoteIdent(column))
}

// UpsertSuffix merges only the columns present in the inserted row. With no
// such column the first key column is assigned to itself so the statement
// still succeeds on conflict.
func (d Dialect) UpsertSuffix(primaryKey, update []string) string {
	if len(update) == 0 {
		pk := d.QuoteIdent(primaryKey[0])
		return "ON DUPLICATE KEY UPDATE " + pk + " = " + pk
	}
	sets := make([]string, len(update))
	for i, col := range update {
		q := d.QuoteIdent(col)
		sets[i] = fmt.Sprintf("%s = VALUES(%s)", q, q)
	}
	return "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}
