package model

import "sort"

// Operator is a filter comparison
type Operator string

const (
	OpEqual    Operator = "="
	OpNotEqual Operator = "!="
	OpIn       Operator = "in"
	OpNotIn    Operator = "!in"
)

// Supported reports whether the operator can be evaluated by the cache and
// the backing stores
func (o Operator) Supported() bool {
	switch o {
	case OpEqual, OpNotEqual, OpIn, OpNotIn:
		return true
	}
	return false
}

// Filter is a (field, op, value) triple. Value is used by = and !=, Values
// by in and !in.
type Filter struct {
	Field  string
	Op     Operator
	Value  Value
	Values []Value
}

// Match evaluates the filter against an entity. A missing field matches
// nothing except != and !in.
func (f Filter) Match(e *Entity) bool {
	v, ok := e.Get(f.Field)
	switch f.Op {
	case OpEqual:
		return ok && v.Equal(f.Value)
	case OpNotEqual:
		return !ok || !v.Equal(f.Value)
	case OpIn:
		return ok && containsValue(f.Values, v)
	case OpNotIn:
		return !ok || !containsValue(f.Values, v)
	}
	return false
}

func containsValue(values []Value, v Value) bool {
	for _, candidate := range values {
		if candidate.Equal(v) {
			return true
		}
	}
	return false
}

// MatchAll reports whether every filter matches
func MatchAll(filters []Filter, e *Entity) bool {
	for _, f := range filters {
		if !f.Match(e) {
			return false
		}
	}
	return true
}

// OrderDirection is ASC or DESC
type OrderDirection string

const (
	OrderAsc  OrderDirection = "ASC"
	OrderDesc OrderDirection = "DESC"
)

// QueryOptions bounds and orders a getByFields query
type QueryOptions struct {
	Limit          int
	Offset         int
	OrderBy        string
	OrderDirection OrderDirection
}

// SortEntities orders entities by a field, ties broken by id. An empty
// orderBy orders by id alone. Missing fields sort as null.
func SortEntities(entities []*Entity, orderBy string, dir OrderDirection) {
	sort.SliceStable(entities, func(i, j int) bool {
		c := 0
		if orderBy != "" && orderBy != IDField {
			a, _ := entities[i].Get(orderBy)
			b, _ := entities[j].Get(orderBy)
			c = a.Compare(b)
		}
		if c == 0 {
			c = compareIDs(entities[i].ID, entities[j].ID)
		}
		if dir == OrderDesc {
			return c > 0
		}
		return c < 0
	})
}

func compareIDs(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
