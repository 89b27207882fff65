package table

import (
	"strings"

	"github.com/koustreak/blockidx/internal/database"
	"github.com/koustreak/blockidx/internal/errs"
)

// Column types, re-exported so schema declarations only import this package.
type ColumnType = database.ColumnType

const (
	TypeString     = database.TypeString
	TypeText       = database.TypeText
	TypeInteger    = database.TypeInteger
	TypeBigInteger = database.TypeBigInteger
	TypeFloat      = database.TypeFloat
	TypeBoolean    = database.TypeBoolean
	TypeJSON       = database.TypeJSON
)

// IndexKind is the kind of a single-column index.
type IndexKind = database.IndexKind

const (
	IndexKey    = database.IndexKey
	IndexUnique = database.IndexUnique
)

// IndexPart is one column of a composite index.
type IndexPart = database.IndexPart

// Column describes one column of a table.
type Column struct {
	Name     string
	Type     ColumnType
	Size     int // VARCHAR length for TypeString; 0 means 255
	Nullable bool
	Default  any
}

// Schema is the immutable declaration of one table, supplied by its owner.
type Schema struct {
	TableName  string
	PrimaryKey []string
	Charset    string
	Columns    []Column
	// Indexes maps a column to its single-column index kind.
	Indexes map[string]IndexKind
	// CompositeIndexes maps an index name to its ordered columns. The index
	// is created as <table>_index_<name>.
	CompositeIndexes map[string][]IndexPart
}

// Column returns the declared column called name.
func (s *Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Validate checks that every key referenced by the primary key and the
// indexes is a declared column.
func (s *Schema) Validate() error {
	if strings.TrimSpace(s.TableName) == "" {
		return errs.New(errs.ErrKindInvalidInput, "schema has no table name")
	}
	if len(s.Columns) == 0 {
		return errs.Newf(errs.ErrKindInvalidInput, "table %s declares no column", s.TableName)
	}
	if len(s.PrimaryKey) == 0 {
		return errs.Newf(errs.ErrKindInvalidInput, "table %s has no primary key", s.TableName)
	}

	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if c.Name == "" {
			return errs.Newf(errs.ErrKindInvalidInput, "table %s has a column without a name", s.TableName)
		}
		if seen[c.Name] {
			return errs.Newf(errs.ErrKindInvalidInput, "table %s declares column %q twice", s.TableName, c.Name)
		}
		if !knownType(c.Type) {
			return errs.Newf(errs.ErrKindInvalidInput, "column %s.%s has unknown type %q", s.TableName, c.Name, c.Type)
		}
		if c.Default != nil {
			if _, err := database.Literal(c.Default); err != nil {
				return errs.Wrap(errs.ErrKindInvalidInput, "column "+s.TableName+"."+c.Name+" has an unusable default", err)
			}
		}
		seen[c.Name] = true
	}

	for _, k := range s.PrimaryKey {
		if !seen[k] {
			return errs.Newf(errs.ErrKindInvalidInput, "primary key %q of %s is not a column", k, s.TableName)
		}
	}
	for col, kind := range s.Indexes {
		if !seen[col] {
			return errs.Newf(errs.ErrKindInvalidInput, "index on %q of %s is not a column", col, s.TableName)
		}
		if kind != IndexKey && kind != IndexUnique {
			return errs.Newf(errs.ErrKindInvalidInput, "index on %s.%s has unknown kind %q", s.TableName, col, kind)
		}
	}
	for name, parts := range s.CompositeIndexes {
		if len(parts) == 0 {
			return errs.Newf(errs.ErrKindInvalidInput, "composite index %q of %s has no column", name, s.TableName)
		}
		for _, p := range parts {
			if !seen[p.Key] {
				return errs.Newf(errs.ErrKindInvalidInput, "composite index %q references unknown column %q", name, p.Key)
			}
			switch strings.ToLower(p.Direction) {
			case "", "asc", "desc":
			default:
				return errs.Newf(errs.ErrKindInvalidInput, "composite index %q: direction %q is not asc or desc", name, p.Direction)
			}
		}
	}
	return nil
}

// definition converts the schema into the dialect's DDL view.
func (s *Schema) definition() database.TableDef {
	def := database.TableDef{
		Name:       s.TableName,
		Charset:    s.Charset,
		PrimaryKey: append([]string(nil), s.PrimaryKey...),
		Columns:    make([]database.ColumnDef, len(s.Columns)),
	}
	for i, c := range s.Columns {
		def.Columns[i] = database.ColumnDef{
			Name:     c.Name,
			Type:     c.Type,
			Size:     c.Size,
			Nullable: c.Nullable,
			Default:  c.Default,
			Index:    s.Indexes[c.Name],
		}
	}
	return def
}

func knownType(t ColumnType) bool {
	switch t {
	case TypeString, TypeText, TypeInteger, TypeBigInteger, TypeFloat, TypeBoolean, TypeJSON:
		return true
	}
	return false
}
