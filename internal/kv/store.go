// Package kv is a typed key-value store kept in one table. Keys are
// namespaced by a prefix so several components can share the table.
package kv

import (
	"context"
	"math/big"
	"strings"

	"github.com/koustreak/blockidx/internal/database"
	"github.com/koustreak/blockidx/internal/errs"
	"github.com/koustreak/blockidx/internal/logger"
	"github.com/koustreak/blockidx/internal/query"
	"github.com/koustreak/blockidx/internal/table"
	"github.com/spf13/cast"
)

// TableName is the table every store writes to.
const TableName = "key_value_store"

const (
	colKey   = "key"
	colValue = "value"
	colType  = "type"
)

// Schema is the layout of the key-value table.
var Schema = table.Schema{
	TableName:  TableName,
	PrimaryKey: []string{colKey},
	Columns: []table.Column{
		{Name: colKey, Type: table.TypeString, Size: 255},
		{Name: colValue, Type: table.TypeText, Nullable: true},
		{Name: colType, Type: table.TypeString, Size: 16},
	},
}

// Entry is one key and its value, with the store's prefix removed.
type Entry struct {
	Key   string
	Value Value
}

// Store is safe for concurrent use. Like table.Table every method takes an
// optional transaction last.
type Store struct {
	tbl    *table.Table
	prefix string
	log    *logger.Logger
}

// Open returns the store for prefix on endpoint, creating the table on
// first use.
func Open(ctx context.Context, reg *database.Registry, prefix, endpoint string) (*Store, error) {
	tbl, err := table.Open(ctx, reg, Schema, endpoint)
	if err != nil {
		return nil, err
	}
	return &Store{
		tbl:    tbl,
		prefix: prefix,
		log:    reg.Logger().With().Str("kv", prefix).Logger(),
	}, nil
}

// Prefix returns the namespace prepended to every key.
func (s *Store) Prefix() string { return s.prefix }

// Table returns the underlying table facade.
func (s *Store) Table() *table.Table { return s.tbl }

// Begin starts a transaction usable with this store and any table on the
// same endpoint.
func (s *Store) Begin(ctx context.Context) (*database.Tx, error) {
	return s.tbl.Begin(ctx)
}

// Set stores v under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key string, v Value, tx *database.Tx) error {
	row := table.Row{colKey: s.prefix + key, colType: string(v.Kind()), colValue: nil}
	if enc, ok := v.encode(); ok {
		row[colValue] = enc
	}
	_, err := s.tbl.UpsertOne(ctx, row, tx)
	return err
}

// SetAny converts x with FromAny and stores it. Unsupported types are
// logged and returned as ErrKindUnsupportedType; nothing is written.
func (s *Store) SetAny(ctx context.Context, key string, x any, tx *database.Tx) error {
	v, err := FromAny(x)
	if err != nil {
		s.log.WarnWith("rejected key-value write", err, map[string]interface{}{"key": key})
		return err
	}
	return s.Set(ctx, key, v, tx)
}

// Get returns the value stored under key, or Undefined when there is none.
func (s *Store) Get(ctx context.Context, key string, tx *database.Tx) (Value, error) {
	return s.get(ctx, key, false, tx)
}

func (s *Store) get(ctx context.Context, key string, lock bool, tx *database.Tx) (Value, error) {
	p := query.Params{Match: map[string]any{colKey: s.prefix + key}, ForUpdate: lock}.WithLimit(1)
	rows, err := s.tbl.Find(ctx, p, []string{colValue, colType}, tx)
	if err != nil {
		return Value{}, err
	}
	if len(rows) == 0 {
		return Undefined(), nil
	}
	return decode(cast.ToString(rows[0][colType]), rows[0][colValue])
}

// GetByPattern returns every entry of this store whose key contains
// pattern. Matching is case-insensitive and LIKE wildcards in pattern are
// taken literally. Entries are ordered by key.
func (s *Store) GetByPattern(ctx context.Context, pattern string, tx *database.Tx) ([]Entry, error) {
	p := query.Params{
		Filters: []query.Filter{query.Search{
			Column:         colKey,
			Pattern:        query.EscapeLike(s.prefix) + "%" + query.EscapeLike(pattern),
			Mode:           query.Prefix,
			AllowWildcards: true,
		}},
		Sort: []query.Sort{{Column: colKey}},
	}
	rows, err := s.tbl.Find(ctx, p, []string{colKey, colValue, colType}, tx)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		v, err := decode(cast.ToString(r[colType]), r[colValue])
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Key: s.strip(cast.ToString(r[colKey])), Value: v})
	}
	return entries, nil
}

// Delete removes key and returns the number of rows removed.
func (s *Store) Delete(ctx context.Context, key string, tx *database.Tx) (int64, error) {
	return s.tbl.DeleteByPrimaryKey(ctx, s.prefix+key, tx)
}

// Increment adds delta to the integer stored under key and returns the new
// value. A missing key counts as zero. The read and the write happen in one
// transaction with the row locked, so concurrent increments do not lose
// updates. A missing key is first inserted as undefined, so the lock is
// always a row lock and concurrent first increments queue on it.
func (s *Store) Increment(ctx context.Context, key string, delta *big.Int, tx *database.Tx) (Value, error) {
	if delta == nil {
		return Value{}, errs.New(errs.ErrKindInvalidInput, "increment delta is nil")
	}

	var next Value
	err := database.RunInTx(ctx, s.tbl.Conn(), tx, func(tx *database.Tx) error {
		seed := table.Row{colKey: s.prefix + key, colType: string(KindUndefined), colValue: nil}
		if _, err := s.tbl.InsertMissing(ctx, []table.Row{seed}, tx); err != nil {
			return err
		}
		cur, err := s.get(ctx, key, true, tx)
		if err != nil {
			return err
		}

		sum := new(big.Int)
		if !cur.IsUndefined() {
			n, ok := cur.AsBigInt()
			if !ok {
				return errs.Newf(errs.ErrKindInvalidInput, "cannot increment %s value under %q", cur.Kind(), key)
			}
			sum = n
		}
		sum.Add(sum, delta)

		next = BigInt(sum)
		if cur.Kind() == KindNumber && sum.IsInt64() {
			next = Int(sum.Int64())
		}
		return s.Set(ctx, key, next, tx)
	})
	if err != nil {
		return Value{}, err
	}
	return next, nil
}

// strip removes the prefix; the match is case-insensitive so the stored
// key may differ from s.prefix in case only.
func (s *Store) strip(key string) string {
	if len(key) >= len(s.prefix) && strings.EqualFold(key[:len(s.prefix)], s.prefix) {
		return key[len(s.prefix):]
	}
	return key
}
