// Package query translates a declarative parameter object into SQL.
//
// Params is the typed form every facade method accepts. Filters are a
// closed set of variants (In, Null, Range, Search, ...) so the builder can
// switch over them exhaustively; loose map payloads coming from HTTP or job
// configuration are turned into Params by Parse at the boundary.
package query

import (
	"github.com/koustreak/blockidx/internal/errs"
)

// Params describes one query against a single table.
type Params struct {
	// Match holds implicit equality filters: column -> value. A nil value
	// matches NULL, a slice matches any of its elements.
	Match map[string]any
	// Where is an explicit equality map. When non-nil it replaces Match.
	Where map[string]any

	Filters []Filter
	Joins   []Join

	Distinct   string
	GroupBy    []string
	Sort       []Sort
	OrderByRaw []string
	HavingRaw  string
	Aggregate  string

	Limit  *int
	Offset int

	// ForUpdate locks the selected rows until the transaction ends. It has
	// no effect on counts and is never read from a request.
	ForUpdate bool
}

// Equality returns the equality map in effect: Where when set, else Match.
func (p Params) Equality() map[string]any {
	if p.Where != nil {
		return p.Where
	}
	return p.Match
}

// HasPredicate reports whether the params restrict the affected rows.
func (p Params) HasPredicate() bool {
	return len(p.Equality()) > 0 || len(p.Filters) > 0
}

// WithLimit sets Limit and returns p.
func (p Params) WithLimit(n int) Params {
	p.Limit = &n
	return p
}

// Validate checks the structural rules the builder relies on.
func (p Params) Validate() error {
	for _, f := range p.Filters {
		if err := f.validate(); err != nil {
			return err
		}
	}
	for _, j := range p.Joins {
		if j.Table == "" || j.Left == "" || j.Right == "" {
			return errs.New(errs.ErrKindInvalidInput, "join needs a target table and two columns")
		}
	}
	for _, s := range p.Sort {
		if s.Column == "" {
			return errs.New(errs.ErrKindInvalidInput, "sort column is empty")
		}
	}
	if p.Offset < 0 {
		return errs.Newf(errs.ErrKindInvalidInput, "offset must not be negative, got %d", p.Offset)
	}
	return nil
}

// Sort orders by one column. Sorted columns are also filtered to non-null
// values and added to the select list.
type Sort struct {
	Column string
	Desc   bool
}

// JoinKind selects the SQL join flavour.
type JoinKind int

const (
	InnerJoin JoinKind = iota
	LeftOuterJoin
	RightOuterJoin
)

// Join is an equality join of Left = Right against Table.
type Join struct {
	Kind  JoinKind
	Table string
	Left  string
	Right string
}

// Filter is one predicate variant. The set is closed: only types in this
// package implement it.
type Filter interface {
	validate() error
}

// In matches Column against any of Values (NOT IN when Not is set).
type In struct {
	Column string
	Values []any
	Not    bool
}

// OrIn is OR-ed onto every predicate that precedes it.
type OrIn struct {
	Column string
	Values []any
}

// Null matches NULL (IS NOT NULL when Not is set).
type Null struct {
	Column string
	Not    bool
}

// Range bounds Column. Each non-nil bound adds one conjunct: From (>=),
// To (<=), Gt (>) and Lt (<).
type Range struct {
	Column string
	From   any
	To     any
	Gt     any
	Lt     any
}

// Between is an inclusive BETWEEN Low AND High.
type Between struct {
	Column string
	Low    any
	High   any
}

// Not negates an equality group.
type Not struct {
	Match map[string]any
}

// And is a nested AND group of equalities.
type And struct {
	Match map[string]any
}

// Or matches when any branch matches; each branch is an AND of equalities.
type Or struct {
	Branches []map[string]any
}

// JSONSuperset tests that a JSON column contains one of Values.
type JSONSuperset struct {
	Column string
	Values []any
}

// SearchMode anchors a Search pattern.
type SearchMode int

const (
	Substring SearchMode = iota
	Prefix
	Suffix
)

// Search is a case-insensitive LIKE. Wildcards in Pattern are matched
// literally unless AllowWildcards is set.
type Search struct {
	Column         string
	Pattern        string
	Mode           SearchMode
	AllowWildcards bool
}

// AnySearch matches when any of its searches matches.
type AnySearch struct {
	Searches []Search
}

func (f In) validate() error { return needColumn("whereIn", f.Column) }

func (f OrIn) validate() error { return needColumn("orWhereIn", f.Column) }

func (f Null) validate() error { return needColumn("whereNull", f.Column) }

func (f Range) validate() error {
	if err := needColumn("propBetweens", f.Column); err != nil {
		return err
	}
	if f.From == nil && f.To == nil && f.Gt == nil && f.Lt == nil {
		return errs.Newf(errs.ErrKindInvalidInput, "range on %q has no bound", f.Column)
	}
	return nil
}

func (f Between) validate() error {
	if err := needColumn("whereBetween", f.Column); err != nil {
		return err
	}
	if f.Low == nil || f.High == nil {
		return errs.Newf(errs.ErrKindInvalidInput, "between on %q needs two bounds", f.Column)
	}
	return nil
}

func (f Not) validate() error { return needMatch("whereNot", f.Match) }

func (f And) validate() error { return needMatch("andWhere", f.Match) }

func (f Or) validate() error {
	if len(f.Branches) == 0 {
		return errs.New(errs.ErrKindInvalidInput, "orWhere has no branch")
	}
	for _, b := range f.Branches {
		if err := needMatch("orWhere", b); err != nil {
			return err
		}
	}
	return nil
}

func (f JSONSuperset) validate() error {
	if err := needColumn("whereJsonSupersetOf", f.Column); err != nil {
		return err
	}
	if len(f.Values) == 0 {
		return errs.Newf(errs.ErrKindInvalidInput, "whereJsonSupersetOf on %q has no value", f.Column)
	}
	return nil
}

func (f Search) validate() error { return needColumn("search", f.Column) }

func (f AnySearch) validate() error {
	if len(f.Searches) == 0 {
		return errs.New(errs.ErrKindInvalidInput, "orSearch has no entry")
	}
	for _, s := range f.Searches {
		if err := s.validate(); err != nil {
			return err
		}
	}
	return nil
}

func needColumn(op, column string) error {
	if column == "" {
		return errs.Newf(errs.ErrKindInvalidInput, "%s: property is required", op)
	}
	return nil
}

func needMatch(op string, m map[string]any) error {
	if len(m) == 0 {
		return errs.Newf(errs.ErrKindInvalidInput, "%s: empty condition", op)
	}
	return nil
}
