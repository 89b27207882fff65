// Package table is the per-table facade consumers use to read and write
// rows. A Table is created from a Schema, creates its table lazily on first
// open and routes every statement through the query builder and a
// transaction, either the caller's or an auto-transaction of its own.
package table

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/koustreak/blockidx/internal/database"
	"github.com/koustreak/blockidx/internal/errs"
	"github.com/koustreak/blockidx/internal/logger"
	"github.com/koustreak/blockidx/internal/query"
	"github.com/spf13/cast"
)

// Row is one table row keyed by column name.
type Row = map[string]any

// Update sets columns on every row matching Where.
type Update struct {
	Where query.Params
	Set   Row
}

// Delta adjusts numeric columns by a signed amount on every row matching
// Where.
type Delta struct {
	Columns map[string]any
	Where   query.Params
}

// Table is safe for concurrent use. Every method takes an optional
// transaction last; nil runs the statement in an auto-transaction.
type Table struct {
	conn    *database.Conn
	schema  Schema
	builder *query.Builder
	log     *logger.Logger
}

// Open connects to endpoint, makes sure the table exists and returns its
// facade.
func Open(ctx context.Context, reg *database.Registry, schema Schema, endpoint string) (*Table, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	conn, err := reg.Connect(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if err := EnsureTable(ctx, reg, conn, schema); err != nil {
		return nil, err
	}

	log := reg.Logger().With().Str("table", schema.TableName).Logger()
	return &Table{
		conn:    conn,
		schema:  schema,
		builder: query.NewBuilder(conn.Dialect(), schema.TableName, log),
		log:     log,
	}, nil
}

// Name returns the table name.
func (t *Table) Name() string { return t.schema.TableName }

// Schema returns the table's declaration.
func (t *Table) Schema() Schema { return t.schema }

// Conn returns the pool the table lives in.
func (t *Table) Conn() *database.Conn { return t.conn }

// Begin starts a transaction on the table's pool. It can be shared with
// every table and key-value store opened on the same endpoint.
func (t *Table) Begin(ctx context.Context) (*database.Tx, error) {
	return t.conn.Begin(ctx)
}

// Upsert inserts rows, merging into existing rows on primary-key conflict.
// Only the columns present in a row are written, so re-upserting a subset
// of columns leaves the others untouched. Rows are grouped by column set
// and each group is written with one multi-row statement. It returns the
// number of rows written.
func (t *Table) Upsert(ctx context.Context, rows []Row, tx *database.Tx) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	return t.insert(ctx, rows, true, tx)
}

// InsertMissing inserts the rows whose primary key is not present yet and
// leaves existing rows untouched.
func (t *Table) InsertMissing(ctx context.Context, rows []Row, tx *database.Tx) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	return t.insert(ctx, rows, false, tx)
}

func (t *Table) insert(ctx context.Context, rows []Row, merge bool, tx *database.Tx) (int, error) {
	stmts, err := t.upsertStatements(rows, merge)
	if err != nil {
		return 0, err
	}
	err = database.RunInTx(ctx, t.conn, tx, func(tx *database.Tx) error {
		for _, s := range stmts {
			if _, err := tx.Exec(ctx, s.sql, s.args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// UpsertOne upserts a single row.
func (t *Table) UpsertOne(ctx context.Context, row Row, tx *database.Tx) (int, error) {
	return t.Upsert(ctx, []Row{row}, tx)
}

type statement struct {
	sql  string
	args []any
}

type upsertGroup struct {
	columns []string
	values  [][]any
}

func (t *Table) upsertStatements(rows []Row, merge bool) ([]statement, error) {
	var (
		order  []string
		groups = make(map[string]*upsertGroup)
	)
	for i, row := range rows {
		cols := make([]string, 0, len(row))
		for c := range row {
			cols = append(cols, c)
		}
		sort.Strings(cols)

		for _, pk := range t.schema.PrimaryKey {
			if v, ok := row[pk]; !ok || v == nil {
				return nil, errs.Newf(errs.ErrKindInvalidInput,
					"row %d of %s has no value for primary key %q", i, t.schema.TableName, pk)
			}
		}

		values := make([]any, len(cols))
		for j, c := range cols {
			col, ok := t.schema.Column(c)
			if !ok {
				return nil, errs.Newf(errs.ErrKindInvalidInput, "%s has no column %q", t.schema.TableName, c)
			}
			v, err := toColumn(col, row[c])
			if err != nil {
				return nil, err
			}
			values[j] = v
		}

		sig := strings.Join(cols, "\x00")
		g, ok := groups[sig]
		if !ok {
			g = &upsertGroup{columns: cols}
			groups[sig] = g
			order = append(order, sig)
		}
		g.values = append(g.values, values)
	}

	d := t.conn.Dialect()
	stmts := make([]statement, 0, len(order))
	for _, sig := range order {
		g := groups[sig]
		ins := t.builder.Statement().Insert(t.builder.Table()).Columns(t.quoteAll(g.columns)...)
		for _, v := range g.values {
			ins = ins.Values(v...)
		}
		var update []string
		if merge {
			update = t.nonKey(g.columns)
		}
		ins = ins.Suffix(d.UpsertSuffix(t.schema.PrimaryKey, update))

		sql, args, err := ins.ToSql()
		if err != nil {
			return nil, errs.Wrap(errs.ErrKindInvalidInput, "cannot render upsert", err)
		}
		stmts = append(stmts, statement{sql: sql, args: args})
	}
	return stmts, nil
}

// Find returns the rows matching p. With no columns only the primary key is
// selected.
func (t *Table) Find(ctx context.Context, p query.Params, columns []string, tx *database.Tx) ([]Row, error) {
	if len(columns) == 0 {
		columns = t.schema.PrimaryKey
		t.log.DebugWith("find without columns selects the primary key", map[string]interface{}{
			"columns": columns,
		})
	}
	sql, args, err := t.builder.Select(p, columns, false)
	if err != nil {
		return nil, err
	}
	rows, err := t.query(ctx, tx, sql, args)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		t.decode(r)
	}
	return rows, nil
}

// Count returns the number of rows matching p, counting column (the first
// primary key column when empty). With p.Distinct set it counts distinct
// values of that column instead.
func (t *Table) Count(ctx context.Context, p query.Params, column string, tx *database.Tx) (int64, error) {
	if column == "" {
		column = t.schema.PrimaryKey[0]
	}
	sql, args, err := t.builder.Select(p, []string{column}, true)
	if err != nil {
		return 0, err
	}
	rows, err := t.query(ctx, tx, sql, args)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := cast.ToInt64E(rows[0]["count"])
	if err != nil {
		return 0, errs.Wrap(errs.ErrKindQueryFailed, "count returned a non-numeric value", err)
	}
	return n, nil
}

// Update applies u.Set to every row matching u.Where and returns the number
// of rows affected. An update without a predicate is refused.
func (t *Table) Update(ctx context.Context, u Update, tx *database.Tx) (int64, error) {
	if len(u.Set) == 0 {
		return 0, errs.New(errs.ErrKindInvalidInput, "update sets no column")
	}
	pred, err := t.requirePredicate(u.Where, "update")
	if err != nil {
		return 0, err
	}

	set := make(map[string]any, len(u.Set))
	for c, v := range u.Set {
		col, ok := t.schema.Column(c)
		if !ok {
			return 0, errs.Newf(errs.ErrKindInvalidInput, "%s has no column %q", t.schema.TableName, c)
		}
		cv, err := toColumn(col, v)
		if err != nil {
			return 0, err
		}
		set[t.builder.Quote(c)] = cv
	}
	return t.exec(ctx, tx, t.builder.Statement().Update(t.builder.Table()).SetMap(set).Where(pred))
}

// Delete removes every row matching p and returns how many were removed.
// A delete without a predicate is refused.
func (t *Table) Delete(ctx context.Context, p query.Params, tx *database.Tx) (int64, error) {
	pred, err := t.requirePredicate(p, "delete")
	if err != nil {
		return 0, err
	}
	return t.exec(ctx, tx, t.builder.Statement().Delete(t.builder.Table()).Where(pred))
}

// DeleteByPrimaryKey removes rows by key. ids is a single key or a slice of
// keys; with a composite primary key each key is a Row holding every key
// column.
func (t *Table) DeleteByPrimaryKey(ctx context.Context, ids any, tx *database.Tx) (int64, error) {
	keys := normalizeIDs(ids)
	if len(keys) == 0 {
		return 0, nil
	}

	var pred sq.Sqlizer
	if len(t.schema.PrimaryKey) == 1 {
		pk := t.schema.PrimaryKey[0]
		col, _ := t.schema.Column(pk)
		values := make([]any, len(keys))
		for i, k := range keys {
			v, err := toColumn(col, k)
			if err != nil {
				return 0, err
			}
			values[i] = v
		}
		pred = sq.Eq{t.builder.Quote(pk): values}
	} else {
		match := make(sq.Or, 0, len(keys))
		for _, k := range keys {
			m, ok := k.(map[string]any)
			if !ok {
				return 0, errs.Newf(errs.ErrKindInvalidInput,
					"%s has a composite primary key; expected a row per key, got %T", t.schema.TableName, k)
			}
			eq := make(sq.Eq, len(t.schema.PrimaryKey))
			for _, pk := range t.schema.PrimaryKey {
				raw, ok := m[pk]
				if !ok {
					return 0, errs.Newf(errs.ErrKindInvalidInput, "key is missing primary key column %q", pk)
				}
				col, _ := t.schema.Column(pk)
				v, err := toColumn(col, raw)
				if err != nil {
					return 0, err
				}
				eq[t.builder.Quote(pk)] = v
			}
			match = append(match, eq)
		}
		pred = match
	}
	return t.exec(ctx, tx, t.builder.Statement().Delete(t.builder.Table()).Where(pred))
}

// Increment adds each delta to its column on the rows matching d.Where. A
// result of 0 means no row matched, which callers use to fall back to an
// insert.
func (t *Table) Increment(ctx context.Context, d Delta, tx *database.Tx) (int64, error) {
	return t.adjust(ctx, d, "+", tx)
}

// Decrement subtracts each delta from its column on the rows matching
// d.Where.
func (t *Table) Decrement(ctx context.Context, d Delta, tx *database.Tx) (int64, error) {
	return t.adjust(ctx, d, "-", tx)
}

func (t *Table) adjust(ctx context.Context, d Delta, op string, tx *database.Tx) (int64, error) {
	if len(d.Columns) == 0 {
		return 0, errs.New(errs.ErrKindInvalidInput, "no column to adjust")
	}
	pred, err := t.requirePredicate(d.Where, "adjust")
	if err != nil {
		return 0, err
	}

	names := make([]string, 0, len(d.Columns))
	for c := range d.Columns {
		names = append(names, c)
	}
	sort.Strings(names)

	stmt := t.builder.Statement().Update(t.builder.Table())
	for _, c := range names {
		col, ok := t.schema.Column(c)
		if !ok {
			return 0, errs.Newf(errs.ErrKindInvalidInput, "%s has no column %q", t.schema.TableName, c)
		}
		switch col.Type {
		case TypeInteger, TypeBigInteger, TypeFloat:
		default:
			return 0, errs.Newf(errs.ErrKindInvalidInput, "column %s is not numeric", c)
		}
		delta, err := toColumn(col, d.Columns[c])
		if err != nil {
			return 0, err
		}
		if delta == nil {
			return 0, errs.Newf(errs.ErrKindInvalidInput, "delta for %s is nil", c)
		}
		q := t.builder.Quote(c)
		stmt = stmt.Set(q, sq.Expr(fmt.Sprintf("%s %s ?", q, op), delta))
	}
	return t.exec(ctx, tx, stmt.Where(pred))
}

// RawQuery runs a statement the builder cannot express and returns its
// rows undecoded.
func (t *Table) RawQuery(ctx context.Context, statement string, args []any, tx *database.Tx) ([]Row, error) {
	return t.query(ctx, tx, statement, args)
}

func (t *Table) requirePredicate(p query.Params, op string) (sq.Sqlizer, error) {
	pred, err := t.builder.Predicate(p)
	if err != nil {
		return nil, err
	}
	if pred == nil {
		return nil, errs.Newf(errs.ErrKindInvalidInput, "refusing to %s every row of %s", op, t.schema.TableName)
	}
	return pred, nil
}

func (t *Table) exec(ctx context.Context, tx *database.Tx, stmt sq.Sqlizer) (int64, error) {
	sql, args, err := stmt.ToSql()
	if err != nil {
		return 0, errs.Wrap(errs.ErrKindInvalidInput, "cannot render statement", err)
	}
	var n int64
	err = database.RunInTx(ctx, t.conn, tx, func(tx *database.Tx) error {
		var err error
		n, err = tx.Exec(ctx, sql, args...)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (t *Table) query(ctx context.Context, tx *database.Tx, sql string, args []any) ([]Row, error) {
	var rows []Row
	err := database.RunInTx(ctx, t.conn, tx, func(tx *database.Tx) error {
		var err error
		rows, err = tx.Query(ctx, sql, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t *Table) decode(r Row) {
	for k, v := range r {
		if col, ok := t.schema.Column(k); ok {
			r[k] = fromColumn(col, v)
		}
	}
}

func (t *Table) quoteAll(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = t.builder.Quote(c)
	}
	return out
}

// nonKey returns the columns of cols outside the primary key.
func (t *Table) nonKey(cols []string) []string {
	var out []string
	for _, c := range cols {
		isKey := false
		for _, pk := range t.schema.PrimaryKey {
			if c == pk {
				isKey = true
				break
			}
		}
		if !isKey {
			out = append(out, c)
		}
	}
	return out
}

// normalizeIDs turns a scalar key into a one-element list and any slice or
// array into its elements.
func normalizeIDs(ids any) []any {
	if ids == nil {
		return nil
	}
	if list, ok := ids.([]any); ok {
		return list
	}
	v := reflect.ValueOf(ids)
	if (v.Kind() == reflect.Slice || v.Kind() == reflect.Array) && v.Type().Elem().Kind() != reflect.Uint8 {
		out := make([]any, v.Len())
		for i := range out {
			out[i] = v.Index(i).Interface()
		}
		return out
	}
	return []any{ids}
}
