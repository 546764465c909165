package model

import "fmt"

// BlockRange is the half-open interval [Start, End) of heights over which a
// stored row is visible. A nil End means the range is still open.
type BlockRange struct {
	Start uint64
	End   *uint64
}

// Contains reports whether height falls inside the range
func (r BlockRange) Contains(height uint64) bool {
	if height < r.Start {
		return false
	}
	return r.End == nil || height < *r.End
}

// IsOpen reports whether the range has no upper bound
func (r BlockRange) IsOpen() bool { return r.End == nil }

func (r BlockRange) String() string {
	if r.End == nil {
		return fmt.Sprintf("[%d,)", r.Start)
	}
	return fmt.Sprintf("[%d,%d)", r.Start, *r.End)
}

// Height returns a pointer to h, for optional heights
func Height(h uint64) *uint64 { return &h }

// HistoricalValue is one logical version of a buffered entity
type HistoricalValue struct {
	Data        *Entity
	StartHeight uint64
	EndHeight   *uint64
	Removed     bool
}

// IsOpen reports whether this version is still visible at the tip
func (hv *HistoricalValue) IsOpen() bool { return hv.EndHeight == nil }

// Range returns the visibility interval of this version
func (hv *HistoricalValue) Range() BlockRange {
	r := BlockRange{Start: hv.StartHeight}
	if hv.EndHeight != nil {
		r.End = Height(*hv.EndHeight)
	}
	return r
}

// Clone copies the version and its data
func (hv *HistoricalValue) Clone() *HistoricalValue {
	c := &HistoricalValue{Data: hv.Data.Clone(), StartHeight: hv.StartHeight, Removed: hv.Removed}
	if hv.EndHeight != nil {
		c.EndHeight = Height(*hv.EndHeight)
	}
	return c
}

// Row is the persisted form of an entity version. Range is nil for
// non-historical tables.
type Row struct {
	ID     string
	Fields map[string]Value
	Range  *BlockRange
}

// Entity converts the row back to an entity
func (r Row) Entity() *Entity {
	return NewEntity(r.ID, r.Fields)
}
