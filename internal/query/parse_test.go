package query

import (
	"encoding/json"
	"net/url"
	"testing"

	"github.com/koustreak/blockidx/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeParams(t *testing.T, doc string) map[string]any {
	t.Helper()
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(doc), &raw))
	return raw
}

func TestParse_EqualityAndPagination(t *testing.T) {
	p, err := Parse(decodeParams(t, `{
		"address": "0xabc",
		"tokenID": "LSK",
		"limit": 25,
		"offset": 50,
		"sort": "height:desc",
		"distinct": "tokenID"
	}`))
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"address": "0xabc", "tokenID": "LSK"}, p.Match)
	assert.Nil(t, p.Where)
	require.NotNil(t, p.Limit)
	assert.Equal(t, 25, *p.Limit)
	assert.Equal(t, 50, p.Offset)
	assert.Equal(t, []Sort{{Column: "height", Desc: true}}, p.Sort)
	assert.Equal(t, "tokenID", p.Distinct)
}

func TestParse_WhereOverridesMatch(t *testing.T) {
	p, err := Parse(decodeParams(t, `{"address": "0x1", "where": {"tokenID": "X"}}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tokenID": "X"}, p.Equality())
}

func TestParse_Filters(t *testing.T) {
	p, err := Parse(decodeParams(t, `{
		"whereIn": {"property": "tokenID", "values": ["A", "B"]},
		"whereNotIn": [{"property": "address", "values": ["x"]}],
		"orWhereIn": {"property": "kind", "values": ["stake"]},
		"whereNull": ["memo", "deleted"],
		"whereNotNull": "height",
		"whereBetween": {"property": "balance", "values": [1, 5]},
		"propBetweens": [{"property": "height", "from": 10, "lowerThan": 20}],
		"andWhere": {"frozen": false},
		"whereNot": {"kind": "unlock"},
		"orWhere": {"a": 1},
		"orWhereWith": {"b": 2},
		"search": {"property": "key", "pattern": "KEY_", "mode": "prefix"},
		"orSearch": [{"property": "name", "pattern": "lisk"}, {"property": "symbol", "pattern": "LSK", "allowWildcards": true}],
		"whereJsonSupersetOf": {"property": "tags", "values": ["x"]}
	}`))
	require.NoError(t, err)

	assert.Contains(t, p.Filters, In{Column: "tokenID", Values: []any{"A", "B"}})
	assert.Contains(t, p.Filters, In{Column: "address", Values: []any{"x"}, Not: true})
	assert.Contains(t, p.Filters, OrIn{Column: "kind", Values: []any{"stake"}})
	assert.Contains(t, p.Filters, Null{Column: "memo"})
	assert.Contains(t, p.Filters, Null{Column: "deleted"})
	assert.Contains(t, p.Filters, Null{Column: "height", Not: true})
	assert.Contains(t, p.Filters, Between{Column: "balance", Low: float64(1), High: float64(5)})
	assert.Contains(t, p.Filters, Range{Column: "height", From: float64(10), Lt: float64(20)})
	assert.Contains(t, p.Filters, And{Match: map[string]any{"frozen": false}})
	assert.Contains(t, p.Filters, Not{Match: map[string]any{"kind": "unlock"}})
	assert.Contains(t, p.Filters, Or{Branches: []map[string]any{{"a": float64(1)}, {"b": float64(2)}}})
	assert.Contains(t, p.Filters, Search{Column: "key", Pattern: "KEY_", Mode: Prefix})
	assert.Contains(t, p.Filters, AnySearch{Searches: []Search{
		{Column: "name", Pattern: "lisk"},
		{Column: "symbol", Pattern: "LSK", AllowWildcards: true},
	}})
	assert.Contains(t, p.Filters, JSONSuperset{Column: "tags", Values: []any{"x"}})
	assert.Empty(t, p.Match)
}

func TestParse_Joins(t *testing.T) {
	p, err := Parse(decodeParams(t, `{
		"leftOuterJoin": {"targetTable": "accounts", "leftColumn": "balances.address", "rightColumn": "accounts.address"},
		"innerJoin": [{"targetTable": "tokens", "leftColumn": "balances.tokenID", "rightColumn": "tokens.id"}]
	}`))
	require.NoError(t, err)
	assert.ElementsMatch(t, []Join{
		{Kind: LeftOuterJoin, Table: "accounts", Left: "balances.address", Right: "accounts.address"},
		{Kind: InnerJoin, Table: "tokens", Left: "balances.tokenID", Right: "tokens.id"},
	}, p.Joins)
}

func TestParse_TypedSlices(t *testing.T) {
	p, err := Parse(map[string]any{
		"whereIn":             map[string]any{"property": "address", "values": []string{"a", "b"}},
		"whereNotIn":          []map[string]any{{"property": "tokenID", "values": [1]string{"X"}}},
		"orWhereIn":           map[string]any{"property": "nonce", "values": []int64{1, 2}},
		"whereBetween":        []map[string]any{{"property": "height", "values": []int{10, 20}}},
		"whereJsonSupersetOf": map[string]any{"property": "tags", "values": []string{"x"}},
	})
	require.NoError(t, err)

	assert.Contains(t, p.Filters, In{Column: "address", Values: []any{"a", "b"}})
	assert.Contains(t, p.Filters, In{Column: "tokenID", Values: []any{"X"}, Not: true})
	assert.Contains(t, p.Filters, OrIn{Column: "nonce", Values: []any{int64(1), int64(2)}})
	assert.Contains(t, p.Filters, Between{Column: "height", Low: 10, High: 20})
	assert.Contains(t, p.Filters, JSONSuperset{Column: "tags", Values: []any{"x"}})

	_, err = Parse(map[string]any{"whereIn": map[string]any{"property": "a", "values": []byte("ab")}})
	assert.True(t, errs.IsInvalidInput(err), "got %v", err)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "where not an object", doc: `{"where": 5}`},
		{name: "whereIn without property", doc: `{"whereIn": {"values": [1]}}`},
		{name: "whereIn values not a list", doc: `{"whereIn": {"property": "a", "values": 1}}`},
		{name: "whereBetween arity", doc: `{"whereBetween": {"property": "a", "values": [1]}}`},
		{name: "propBetweens without bound", doc: `{"propBetweens": {"property": "a"}}`},
		{name: "bad sort direction", doc: `{"sort": "a:sideways"}`},
		{name: "bad limit", doc: `{"limit": "many"}`},
		{name: "bad search mode", doc: `{"search": {"property": "a", "pattern": "x", "mode": "fuzzy"}}`},
		{name: "join missing column", doc: `{"innerJoin": {"targetTable": "t", "leftColumn": "a"}}`},
		{name: "empty whereNot", doc: `{"whereNot": {}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(decodeParams(t, tt.doc))
			require.Error(t, err)
			assert.True(t, errs.IsInvalidInput(err), "got %v", err)
		})
	}
}

func TestParseValues(t *testing.T) {
	v := url.Values{}
	v.Set("address", "0xabc")
	v.Add("tokenID", "A")
	v.Add("tokenID", "B")
	v.Set("limit", "10")
	v.Add("sort", "height:desc,address")
	v.Set("whereIn", `{"property": "kind", "values": ["stake"]}`)
	v.Add("whereNull", "memo")

	p, err := ParseValues(v)
	require.NoError(t, err)

	assert.Equal(t, "0xabc", p.Match["address"])
	assert.Equal(t, []any{"A", "B"}, p.Match["tokenID"])
	require.NotNil(t, p.Limit)
	assert.Equal(t, 10, *p.Limit)
	assert.Equal(t, []Sort{{Column: "height", Desc: true}, {Column: "address"}}, p.Sort)
	assert.Contains(t, p.Filters, In{Column: "kind", Values: []any{"stake"}})
	assert.Contains(t, p.Filters, Null{Column: "memo"})
}

func TestParseValues_Rejects(t *testing.T) {
	for _, v := range []url.Values{
		{"orderByRaw": {"1; DROP TABLE balances"}},
		{"havingRaw": {"1=1"}},
		{"whereIn": {"not json"}},
	} {
		_, err := ParseValues(v)
		require.Error(t, err)
		assert.True(t, errs.IsInvalidInput(err))
	}
}

func TestParseSort(t *testing.T) {
	s, err := ParseSort(" balance : DESC ")
	require.NoError(t, err)
	assert.Equal(t, Sort{Column: "balance", Desc: true}, s)

	s, err = ParseSort("height")
	require.NoError(t, err)
	assert.Equal(t, Sort{Column: "height"}, s)

	_, err = ParseSort(":asc")
	assert.True(t, errs.IsInvalidInput(err))
}
