package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/koustreak/blockidx/internal/database"
	"github.com/koustreak/blockidx/internal/errs"
	"github.com/koustreak/blockidx/internal/logger"
)

// Builder renders Params into SQL for one table. It is stateless apart from
// its configuration and safe for concurrent use.
//
// Every identifier coming from Params is quoted by the dialect; values are
// always bound. OrderByRaw and HavingRaw are inserted verbatim and must not
// carry untrusted input.
type Builder struct {
	dialect database.Dialect
	table   string
	log     *logger.Logger
}

// NewBuilder creates a builder for table.
func NewBuilder(d database.Dialect, table string, log *logger.Logger) *Builder {
	if log == nil {
		log = logger.Nop()
	}
	return &Builder{dialect: d, table: table, log: log}
}

// Statement returns a squirrel statement builder using the dialect's
// placeholder format.
func (b *Builder) Statement() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(b.dialect.Placeholder())
}

// Quote quotes an identifier for the dialect.
func (b *Builder) Quote(name string) string {
	return b.dialect.QuoteIdent(name)
}

// Table returns the quoted table name.
func (b *Builder) Table() string {
	return b.dialect.QuoteIdent(b.table)
}

// Select renders a SELECT. With isCount the select list is a single
// count(columns[0]) (or count(distinct p.Distinct)) aliased "count".
func (b *Builder) Select(p Params, columns []string, isCount bool) (string, []any, error) {
	if err := p.Validate(); err != nil {
		return "", nil, err
	}
	if len(columns) == 0 {
		return "", nil, errs.New(errs.ErrKindInvalidInput, "no column to select")
	}

	// columns
	var selected []string
	if isCount {
		target := b.countTarget(columns[0])
		if p.Distinct != "" {
			target = "distinct " + b.Quote(p.Distinct)
		}
		selected = []string{fmt.Sprintf("count(%s) AS %s", target, b.Quote("count"))}
	} else {
		selected = b.quoteAll(columns)
		if p.Distinct != "" {
			selected = addColumn(selected, b.Quote(p.Distinct))
		}
	}

	// aggregation goes first so raw ordering can refer to its alias
	if p.Aggregate != "" && !isCount {
		selected = append(selected, fmt.Sprintf("sum(%s) AS %s", b.Quote(p.Aggregate), b.Quote("total")))
	}

	var (
		orderBy  []string
		notNulls []sq.Sqlizer
	)

	// sorting
	for _, s := range p.Sort {
		col := b.Quote(s.Column)
		notNulls = append(notNulls, sq.NotEq{col: nil})
		if isCount {
			continue
		}
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		orderBy = append(orderBy, col+" "+dir)
		selected = addColumn(selected, col)
	}
	for _, raw := range p.OrderByRaw {
		raw = strings.TrimSpace(raw)
		if raw == "" || isCount {
			continue
		}
		orderBy = append(orderBy, raw)
		// A leading bare column is selected so DISTINCT and grouped queries can order by it.
		if token := strings.Fields(raw)[0]; isIdentifier(token) && !hasAlias(selected, b.Quote(strings.Trim(token, "`\""))) {
			selected = addColumn(selected, token)
		}
	}

	stmt := b.Statement().Select(selected...).From(b.Table())
	if p.Distinct != "" && !isCount {
		stmt = stmt.Distinct()
	}
	if len(p.GroupBy) > 0 {
		stmt = stmt.GroupBy(b.quoteAll(p.GroupBy)...)
	}
	if len(orderBy) > 0 {
		stmt = stmt.OrderBy(orderBy...)
	}
	if p.HavingRaw != "" {
		stmt = stmt.Having(p.HavingRaw)
	}

	// pagination
	if p.Limit != nil {
		stmt = stmt.Limit(uint64(ClampLimit(*p.Limit)))
	} else if !isCount {
		b.log.WarnWith("query without limit scans the whole table", nil, map[string]interface{}{
			"table": b.table,
		})
	}
	if p.Offset > 0 {
		stmt = stmt.Offset(uint64(p.Offset))
	}

	// joins and filters
	for _, j := range p.Joins {
		clause := fmt.Sprintf("%s ON %s = %s", b.Quote(j.Table), b.Quote(j.Left), b.Quote(j.Right))
		switch j.Kind {
		case LeftOuterJoin:
			stmt = stmt.LeftJoin(clause)
		case RightOuterJoin:
			stmt = stmt.RightJoin(clause)
		default:
			stmt = stmt.InnerJoin(clause)
		}
	}

	pred, err := b.predicate(p)
	if err != nil {
		return "", nil, err
	}
	if len(notNulls) > 0 {
		pred = append(pred, notNulls...)
	}
	if len(pred) > 0 {
		stmt = stmt.Where(pred)
	}

	if p.ForUpdate && !isCount {
		stmt = stmt.Suffix("FOR UPDATE")
	}

	sql, args, err := stmt.ToSql()
	if err != nil {
		return "", nil, errs.Wrap(errs.ErrKindInvalidInput, "cannot render select", err)
	}
	return sql, args, nil
}

// Predicate renders only the filter part of p, for UPDATE and DELETE.
// Joins, sorting, grouping and pagination are ignored. It returns nil when
// p has no filter.
func (b *Builder) Predicate(p Params) (sq.Sqlizer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	pred, err := b.predicate(p)
	if err != nil {
		return nil, err
	}
	if len(pred) == 0 {
		return nil, nil
	}
	return pred, nil
}

// predicate builds the AND-ed filter list in a fixed precedence order:
// equality, ranges, IN, JSON containment, NOT, BETWEEN, AND groups, OR
// groups, OR IN, searches, any-searches, NULL checks.
func (b *Builder) predicate(p Params) (sq.And, error) {
	var (
		pred       sq.And
		ranges     []Range
		ins        []In
		jsons      []JSONSuperset
		nots       []Not
		betweens   []Between
		ands       []And
		ors        []Or
		orIns      []OrIn
		searches   []Search
		anySearchs []AnySearch
		nulls      []Null
	)
	for _, f := range p.Filters {
		switch v := f.(type) {
		case Range:
			ranges = append(ranges, v)
		case In:
			ins = append(ins, v)
		case JSONSuperset:
			jsons = append(jsons, v)
		case Not:
			nots = append(nots, v)
		case Between:
			betweens = append(betweens, v)
		case And:
			ands = append(ands, v)
		case Or:
			ors = append(ors, v)
		case OrIn:
			orIns = append(orIns, v)
		case Search:
			searches = append(searches, v)
		case AnySearch:
			anySearchs = append(anySearchs, v)
		case Null:
			nulls = append(nulls, v)
		default:
			return nil, errs.Newf(errs.ErrKindInvalidInput, "unsupported filter %T", f)
		}
	}

	if eq := b.eq(p.Equality()); eq != nil {
		pred = append(pred, eq)
	}

	for _, r := range ranges {
		col := b.Quote(r.Column)
		if r.From != nil {
			pred = append(pred, sq.GtOrEq{col: r.From})
		}
		if r.To != nil {
			pred = append(pred, sq.LtOrEq{col: r.To})
		}
		if r.Gt != nil {
			pred = append(pred, sq.Gt{col: r.Gt})
		}
		if r.Lt != nil {
			pred = append(pred, sq.Lt{col: r.Lt})
		}
	}

	for _, in := range ins {
		values := in.Values
		if values == nil {
			values = []any{}
		}
		if in.Not {
			pred = append(pred, sq.NotEq{b.Quote(in.Column): values})
		} else {
			pred = append(pred, sq.Eq{b.Quote(in.Column): values})
		}
	}

	for _, js := range jsons {
		group := make(sq.Or, 0, len(js.Values))
		for _, v := range js.Values {
			doc, err := json.Marshal(v)
			if err != nil {
				return nil, errs.Wrap(errs.ErrKindInvalidInput, "whereJsonSupersetOf value is not JSON", err)
			}
			group = append(group, sq.Expr(b.dialect.JSONContains(js.Column), string(doc)))
		}
		pred = append(pred, group)
	}

	for _, n := range nots {
		pred = append(pred, not{b.eq(n.Match)})
	}

	for _, bt := range betweens {
		pred = append(pred, sq.Expr(b.Quote(bt.Column)+" BETWEEN ? AND ?", bt.Low, bt.High))
	}

	for _, a := range ands {
		pred = append(pred, sq.And{b.eq(a.Match)})
	}

	for _, o := range ors {
		group := make(sq.Or, 0, len(o.Branches))
		for _, br := range o.Branches {
			group = append(group, sq.And{b.eq(br)})
		}
		pred = append(pred, group)
	}

	for _, oi := range orIns {
		values := oi.Values
		if values == nil {
			values = []any{}
		}
		in := sq.Eq{b.Quote(oi.Column): values}
		if len(pred) == 0 {
			pred = sq.And{in}
			continue
		}
		pred = sq.And{sq.Or{pred, in}}
	}

	for _, s := range searches {
		pred = append(pred, b.search(s))
	}

	for _, as := range anySearchs {
		group := make(sq.Or, 0, len(as.Searches))
		for _, s := range as.Searches {
			group = append(group, b.search(s))
		}
		pred = append(pred, group)
	}

	for _, n := range nulls {
		if n.Not {
			pred = append(pred, sq.NotEq{b.Quote(n.Column): nil})
		} else {
			pred = append(pred, sq.Eq{b.Quote(n.Column): nil})
		}
	}

	return pred, nil
}

// eq renders an equality map with quoted columns, or nil for an empty map.
func (b *Builder) eq(m map[string]any) sq.Sqlizer {
	if len(m) == 0 {
		return nil
	}
	eq := make(sq.Eq, len(m))
	for k, v := range m {
		eq[b.Quote(k)] = v
	}
	return eq
}

func (b *Builder) search(s Search) sq.Sqlizer {
	pattern := s.Pattern
	if !s.AllowWildcards {
		pattern = EscapeLike(pattern)
	}
	switch s.Mode {
	case Prefix:
		pattern += "%"
	case Suffix:
		pattern = "%" + pattern
	default:
		pattern = "%" + pattern + "%"
	}
	return sq.Expr(fmt.Sprintf("%s %s ?", b.Quote(s.Column), b.dialect.LikeOperator()), pattern)
}

func (b *Builder) countTarget(column string) string {
	if column == "*" {
		return "*"
	}
	return b.Quote(column)
}

func (b *Builder) quoteAll(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = b.Quote(c)
	}
	return out
}

// ClampLimit turns any requested limit into a positive row count.
func ClampLimit(n int) int {
	if n < 0 {
		n = -n
	}
	if n < 1 {
		return 1
	}
	return n
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeLike backslash-escapes LIKE wildcards so pattern matches literally.
func EscapeLike(pattern string) string {
	return likeEscaper.Replace(pattern)
}

// not negates a predicate.
type not struct {
	inner sq.Sqlizer
}

func (n not) ToSql() (string, []interface{}, error) {
	if n.inner == nil {
		return "", nil, nil
	}
	sql, args, err := n.inner.ToSql()
	if err != nil {
		return "", nil, err
	}
	return "NOT (" + sql + ")", args, nil
}

func hasAlias(cols []string, alias string) bool {
	for _, c := range cols {
		if strings.HasSuffix(c, " AS "+alias) {
			return true
		}
	}
	return false
}

// isIdentifier reports whether s is a plain or quoted column name, optionally
// qualified by a table.
func isIdentifier(s string) bool {
	if n := len(s); n > 2 && (s[0] == '`' || s[0] == '"') && s[n-1] == s[0] {
		s = s[1 : n-1]
	}
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r == '.' || r >= '0' && r <= '9'):
		default:
			return false
		}
	}
	return true
}

func addColumn(cols []string, col string) []string {
	for _, c := range cols {
		if c == col {
			return cols
		}
	}
	return append(cols, col)
}

// sortedKeys is used where deterministic iteration over a map matters.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
