package query

import (
	"encoding/json"
	"net/url"
	"reflect"
	"strings"

	"github.com/koustreak/blockidx/internal/errs"
	"github.com/spf13/cast"
)

// Parse validates a loose parameter object, as decoded from JSON or job
// configuration, and returns the typed Params. Keys it does not recognise
// become equality filters.
//
// Recognised keys and their payloads:
//
//	where                           {col: value}
//	whereIn, whereNotIn, orWhereIn  {property, values} or a list of them
//	whereNull, whereNotNull         "col" or ["col", ...]
//	whereBetween                    {property, values: [low, high]} or a list
//	propBetweens                    {property, from, to, greaterThan, lowerThan} or a list
//	andWhere, whereNot              {col: value} or a list of them
//	orWhere, orWhereWith            {col: value} or a list; all branches form one OR group
//	search, orSearch                {property, pattern, mode, allowWildcards} or a list
//	whereJsonSupersetOf             {property, values} or a list
//	leftOuterJoin, rightOuterJoin,
//	innerJoin                       {targetTable, leftColumn, rightColumn} or a list
//	distinct, aggregate, havingRaw  "col"
//	groupBy, orderByRaw             "x" or ["x", ...]
//	sort, order                     "col:asc|desc" or a list
//	limit, offset                   number
func Parse(raw map[string]any) (Params, error) {
	var p Params
	var orBranches []map[string]any

	for _, key := range sortedKeys(raw) {
		val := raw[key]
		var err error
		switch key {
		case "where":
			p.Where, err = toMatch(key, val)
		case "whereIn", "whereNotIn":
			err = eachObject(key, val, func(o map[string]any) error {
				col, values, err := propertyValues(key, o)
				p.Filters = append(p.Filters, In{Column: col, Values: values, Not: key == "whereNotIn"})
				return err
			})
		case "orWhereIn":
			err = eachObject(key, val, func(o map[string]any) error {
				col, values, err := propertyValues(key, o)
				p.Filters = append(p.Filters, OrIn{Column: col, Values: values})
				return err
			})
		case "whereNull", "whereNotNull":
			var cols []string
			cols, err = toStrings(key, val)
			for _, c := range cols {
				p.Filters = append(p.Filters, Null{Column: c, Not: key == "whereNotNull"})
			}
		case "whereBetween":
			err = eachObject(key, val, func(o map[string]any) error {
				col, values, err := propertyValues(key, o)
				if err != nil {
					return err
				}
				if len(values) != 2 {
					return errs.Newf(errs.ErrKindInvalidInput, "%s: expected [low, high] for %q", key, col)
				}
				p.Filters = append(p.Filters, Between{Column: col, Low: values[0], High: values[1]})
				return nil
			})
		case "propBetweens":
			err = eachObject(key, val, func(o map[string]any) error {
				col, err := cast.ToStringE(o["property"])
				if err != nil {
					return errs.Wrap(errs.ErrKindInvalidInput, key+": property must be a string", err)
				}
				p.Filters = append(p.Filters, Range{
					Column: col,
					From:   o["from"],
					To:     o["to"],
					Gt:     o["greaterThan"],
					Lt:     o["lowerThan"],
				})
				return nil
			})
		case "andWhere":
			err = eachObject(key, val, func(o map[string]any) error {
				p.Filters = append(p.Filters, And{Match: o})
				return nil
			})
		case "whereNot":
			err = eachObject(key, val, func(o map[string]any) error {
				p.Filters = append(p.Filters, Not{Match: o})
				return nil
			})
		case "orWhere", "orWhereWith":
			err = eachObject(key, val, func(o map[string]any) error {
				orBranches = append(orBranches, o)
				return nil
			})
		case "search":
			err = eachObject(key, val, func(o map[string]any) error {
				s, err := toSearch(key, o)
				p.Filters = append(p.Filters, s)
				return err
			})
		case "orSearch":
			var group AnySearch
			err = eachObject(key, val, func(o map[string]any) error {
				s, err := toSearch(key, o)
				group.Searches = append(group.Searches, s)
				return err
			})
			if err == nil {
				p.Filters = append(p.Filters, group)
			}
		case "whereJsonSupersetOf":
			err = eachObject(key, val, func(o map[string]any) error {
				col, values, err := propertyValues(key, o)
				p.Filters = append(p.Filters, JSONSuperset{Column: col, Values: values})
				return err
			})
		case "leftOuterJoin", "rightOuterJoin", "innerJoin":
			kind := map[string]JoinKind{
				"leftOuterJoin":  LeftOuterJoin,
				"rightOuterJoin": RightOuterJoin,
				"innerJoin":      InnerJoin,
			}[key]
			err = eachObject(key, val, func(o map[string]any) error {
				p.Joins = append(p.Joins, Join{
					Kind:  kind,
					Table: cast.ToString(o["targetTable"]),
					Left:  cast.ToString(o["leftColumn"]),
					Right: cast.ToString(o["rightColumn"]),
				})
				return nil
			})
		case "distinct":
			p.Distinct, err = toString(key, val)
		case "aggregate":
			p.Aggregate, err = toString(key, val)
		case "havingRaw":
			p.HavingRaw, err = toString(key, val)
		case "groupBy":
			p.GroupBy, err = toStrings(key, val)
		case "orderByRaw":
			p.OrderByRaw, err = toStrings(key, val)
		case "sort", "order":
			var specs []string
			specs, err = toStrings(key, val)
			for _, spec := range specs {
				var s Sort
				if s, err = ParseSort(spec); err != nil {
					break
				}
				p.Sort = append(p.Sort, s)
			}
		case "limit":
			var n int
			if n, err = cast.ToIntE(val); err == nil {
				p.Limit = &n
			}
		case "offset":
			p.Offset, err = cast.ToIntE(val)
		default:
			if p.Match == nil {
				p.Match = make(map[string]any)
			}
			p.Match[key] = val
		}
		if err != nil {
			if errs.KindOf(err) == errs.ErrKindUnknown {
				err = errs.Wrap(errs.ErrKindInvalidInput, "invalid "+key, err)
			}
			return Params{}, err
		}
	}

	if len(orBranches) > 0 {
		p.Filters = append(p.Filters, Or{Branches: orBranches})
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// rawKeys may only be set programmatically, never from a request.
var rawKeys = map[string]bool{"orderByRaw": true, "havingRaw": true}

// structuredKeys carry JSON payloads when sent as query-string values.
var structuredKeys = map[string]bool{
	"where": true, "whereIn": true, "whereNotIn": true, "orWhereIn": true,
	"whereBetween": true, "propBetweens": true, "andWhere": true, "whereNot": true,
	"orWhere": true, "orWhereWith": true, "search": true, "orSearch": true,
	"whereJsonSupersetOf": true, "leftOuterJoin": true, "rightOuterJoin": true, "innerJoin": true,
}

// listKeys accept the parameter repeated.
var listKeys = map[string]bool{"whereNull": true, "whereNotNull": true, "groupBy": true, "sort": true, "order": true}

// ParseValues adapts an HTTP query string onto Parse. Structured keys take a
// JSON document, list keys may repeat, and a repeated equality key matches
// any of its values. Raw SQL keys are rejected.
func ParseValues(values url.Values) (Params, error) {
	raw := make(map[string]any, len(values))
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		switch {
		case rawKeys[key]:
			return Params{}, errs.Newf(errs.ErrKindInvalidInput, "%s is not accepted from a request", key)
		case structuredKeys[key]:
			var doc any
			if err := json.Unmarshal([]byte(vals[0]), &doc); err != nil {
				return Params{}, errs.Wrap(errs.ErrKindInvalidInput, key+" must be JSON", err)
			}
			raw[key] = doc
		case listKeys[key]:
			list := make([]any, 0, len(vals))
			for _, v := range vals {
				for _, part := range strings.Split(v, ",") {
					if part = strings.TrimSpace(part); part != "" {
						list = append(list, part)
					}
				}
			}
			raw[key] = list
		case len(vals) == 1:
			raw[key] = vals[0]
		default:
			list := make([]any, len(vals))
			for i, v := range vals {
				list[i] = v
			}
			raw[key] = list
		}
	}
	return Parse(raw)
}

// ParseSort parses "column[:asc|desc]".
func ParseSort(spec string) (Sort, error) {
	col, dir, _ := strings.Cut(strings.TrimSpace(spec), ":")
	col = strings.TrimSpace(col)
	if col == "" {
		return Sort{}, errs.Newf(errs.ErrKindInvalidInput, "sort %q has no column", spec)
	}
	switch strings.ToLower(strings.TrimSpace(dir)) {
	case "", "asc":
		return Sort{Column: col}, nil
	case "desc":
		return Sort{Column: col, Desc: true}, nil
	default:
		return Sort{}, errs.Newf(errs.ErrKindInvalidInput, "sort %q: direction must be asc or desc", spec)
	}
}

func toSearch(key string, o map[string]any) (Search, error) {
	s := Search{
		Column:  cast.ToString(o["property"]),
		Pattern: cast.ToString(o["pattern"]),
	}
	if v, ok := o["allowWildcards"]; ok {
		allow, err := cast.ToBoolE(v)
		if err != nil {
			return s, errs.Wrap(errs.ErrKindInvalidInput, key+": allowWildcards must be a boolean", err)
		}
		s.AllowWildcards = allow
	}
	switch strings.ToLower(cast.ToString(o["mode"])) {
	case "", "substring":
		s.Mode = Substring
	case "prefix", "startswith":
		s.Mode = Prefix
	case "suffix", "endswith":
		s.Mode = Suffix
	default:
		return s, errs.Newf(errs.ErrKindInvalidInput, "%s: unknown mode %v", key, o["mode"])
	}
	return s, nil
}

func propertyValues(key string, o map[string]any) (string, []any, error) {
	col, err := cast.ToStringE(o["property"])
	if err != nil || col == "" {
		return "", nil, errs.Newf(errs.ErrKindInvalidInput, "%s: property is required", key)
	}
	values, ok := asList(o["values"])
	if !ok {
		return col, nil, errs.Newf(errs.ErrKindInvalidInput, "%s: values for %q must be a list", key, col)
	}
	return col, values, nil
}

// asList returns the elements of any slice or array other than a byte
// slice, so typed Go lists and decoded JSON arrays read the same.
func asList(val any) ([]any, bool) {
	if list, ok := val.([]any); ok {
		return list, true
	}
	v := reflect.ValueOf(val)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return nil, false
	}
	if v.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, v.Len())
	for i := range out {
		out[i] = v.Index(i).Interface()
	}
	return out, true
}

// eachObject calls fn for val when it is an object, or for each element
// when it is a list of objects.
func eachObject(key string, val any, fn func(map[string]any) error) error {
	if list, ok := asList(val); ok {
		for _, item := range list {
			if err := eachObject(key, item, fn); err != nil {
				return err
			}
		}
		return nil
	}
	o, err := cast.ToStringMapE(val)
	if err != nil {
		return errs.Newf(errs.ErrKindInvalidInput, "%s: expected an object or a list of objects", key)
	}
	return fn(o)
}

func toMatch(key string, val any) (map[string]any, error) {
	m, err := cast.ToStringMapE(val)
	if err != nil {
		return nil, errs.Newf(errs.ErrKindInvalidInput, "%s: expected an object", key)
	}
	return m, nil
}

func toString(key string, val any) (string, error) {
	s, err := cast.ToStringE(val)
	if err != nil {
		return "", errs.Newf(errs.ErrKindInvalidInput, "%s: expected a string", key)
	}
	return s, nil
}

func toStrings(key string, val any) ([]string, error) {
	if s, ok := val.(string); ok {
		return []string{s}, nil
	}
	out, err := cast.ToStringSliceE(val)
	if err != nil {
		return nil, errs.Newf(errs.ErrKindInvalidInput, "%s: expected a string or a list of strings", key)
	}
	return out, nil
}
