package database

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"

	sq "github.com/Masterminds/squirrel"
	"github.com/koustreak/blockidx/internal/errs"
)

// ColumnType is the logical type of a table column. Each dialect maps it to
// a concrete SQL type, and the table facade casts values to it on write.
type ColumnType string

const (
	TypeString     ColumnType = "string"
	TypeText       ColumnType = "text"
	TypeInteger    ColumnType = "integer"
	TypeBigInteger ColumnType = "bigInteger"
	TypeFloat      ColumnType = "float"
	TypeBoolean    ColumnType = "boolean"
	TypeJSON       ColumnType = "json"
)

// IndexKind is the kind of a single-column index.
type IndexKind string

const (
	IndexKey    IndexKind = "key"
	IndexUnique IndexKind = "unique"
)

// ColumnDef is the DDL view of one column.
type ColumnDef struct {
	Name     string
	Type     ColumnType
	Size     int // VARCHAR length for TypeString; 0 means 255
	Nullable bool
	Default  any // nil means no DEFAULT clause
	Index    IndexKind
}

// IndexPart is one column of a composite index.
type IndexPart struct {
	Key       string
	Direction string // asc or desc
}

// TableDef is everything a dialect needs to render CREATE TABLE.
type TableDef struct {
	Name       string
	Charset    string
	Columns    []ColumnDef
	PrimaryKey []string
}

// Dialect isolates every engine-specific detail: driver registration, DSN
// format, quoting, DDL, upsert syntax and error classification.
type Dialect interface {
	// Name is the endpoint scheme the dialect serves (mysql, postgres).
	Name() string
	// DriverName is the database/sql driver to open.
	DriverName() string
	DefaultPort() int
	DefaultCharset() string
	// DSN renders a driver connection string for the endpoint.
	DSN(ep Endpoint, cfg *Config) (string, error)

	Placeholder() sq.PlaceholderFormat
	QuoteIdent(name string) string
	// LikeOperator is the case-insensitive pattern match operator.
	LikeOperator() string
	// JSONContains returns a predicate with a single placeholder testing that
	// column contains the JSON document bound to it.
	JSONContains(column string) string
	// UpsertSuffix renders the conflict clause appended to a multi-row INSERT.
	UpsertSuffix(primaryKey, update []string) string

	// TableExistsQuery selects one row when the table (bound as the only
	// argument) exists in the current database.
	TableExistsQuery() string
	// ListTablesQuery selects the name of every base table, ordered.
	ListTablesQuery() string
	// CreateTable returns the statements creating def, in order.
	CreateTable(def TableDef) []string
	// AddIndex returns the statement creating a composite index.
	AddIndex(table, name string, parts []IndexPart) string

	// MapError translates a native driver error into *errs.Error.
	MapError(err error, msg string) *errs.Error
	// IsAlreadyExists reports a "table/index already exists" DDL race.
	IsAlreadyExists(err error) bool
	// IsConnRefused reports a refused connection.
	IsConnRefused(err error) bool
}

var (
	dialectsMu sync.RWMutex
	dialects   = map[string]Dialect{}
)

// RegisterDialect makes a dialect available by its endpoint scheme. Dialect
// packages call it from init, the same way database/sql drivers register.
func RegisterDialect(d Dialect) {
	dialectsMu.Lock()
	defer dialectsMu.Unlock()

	if d == nil {
		panic("database: RegisterDialect dialect is nil")
	}
	if _, dup := dialects[d.Name()]; dup {
		panic("database: RegisterDialect called twice for " + d.Name())
	}
	dialects[d.Name()] = d
}

// LookupDialect returns the dialect registered for scheme.
func LookupDialect(scheme string) (Dialect, error) {
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()

	d, ok := dialects[scheme]
	if !ok {
		names := make([]string, 0, len(dialects))
		for n := range dialects {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, errs.Newf(errs.ErrKindInvalidInput,
			"no dialect for scheme %q (registered: %s)", scheme, strings.Join(names, ", "))
	}
	return d, nil
}

// QuoteIdent quotes a possibly table-qualified identifier with q, doubling
// any embedded quote characters. "*" parts are left bare.
func QuoteIdent(name string, q string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		if p == "*" {
			continue
		}
		parts[i] = q + strings.ReplaceAll(p, q, q+q) + q
	}
	return strings.Join(parts, ".")
}

// Literal renders a DDL default value. Only scalar values are accepted.
func Literal(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(t, "'", "''") + "'", nil
	case bool:
		if t {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int:
		return strconv.Itoa(t), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	default:
		return "", errs.Newf(errs.ErrKindInvalidInput, "unsupported default value %T", v)
	}
}

// IndexName is the name given to a composite index: <table>_index_<name>.
func IndexName(table, name string) string {
	return fmt.Sprintf("%s_index_%s", table, name)
}

// IsConnRefused reports whether err is (or wraps) ECONNREFUSED.
func IsConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
