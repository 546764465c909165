package model

import "sort"

// IDField is the reserved field name resolving to the entity id
const IDField = "id"

// Entity is a single indexed record. Identity is the ID, all other fields are
// opaque payload.
type Entity struct {
	ID     string
	Fields map[string]Value
}

// NewEntity builds an entity, copying the supplied fields
func NewEntity(id string, fields map[string]Value) *Entity {
	e := &Entity{ID: id, Fields: make(map[string]Value, len(fields))}
	for k, v := range fields {
		e.Fields[k] = v.Clone()
	}
	return e
}

// Clone returns a deep copy so callers can never mutate cached state
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	return NewEntity(e.ID, e.Fields)
}

// Get returns a field value. The "id" field resolves to the entity id.
func (e *Entity) Get(field string) (Value, bool) {
	if field == IDField {
		return String(e.ID), true
	}
	v, ok := e.Fields[field]
	return v, ok
}

// FieldNames returns the field names in sorted order
func (e *Entity) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Equal compares id and every field
func (e *Entity) Equal(o *Entity) bool {
	if e == nil || o == nil {
		return e == o
	}
	if e.ID != o.ID || len(e.Fields) != len(o.Fields) {
		return false
	}
	for k, v := range e.Fields {
		ov, ok := o.Fields[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
