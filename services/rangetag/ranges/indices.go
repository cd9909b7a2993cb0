// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ranges provides the value types shared by every rangetag
// structure: half-open index ranges, tags and tagged entries.
//
// # Ownership Model
//
// Indices and Entry are immutable values. Stores never hand out pointers
// into their backing arrays, so the only way to change a stored entry is to
// remove it and insert a replacement. Tags are referenced by pointer and
// compared by identity; a tag must not be mutated after it has been added to
// any store.
package ranges

import (
	"errors"
	"fmt"
)

// OpenEnd marks a range that has no defined end.
const OpenEnd int64 = -1

// ErrInvalidRange is returned when range bounds violate the
// start >= 0 and (end == OpenEnd || end >= start) invariants.
var ErrInvalidRange = errors.New("invalid range")

// Indices is a half-open range [Start, End) over a linear sequence plus a
// tie-break order for ranges that share a start index.
//
// Invariants:
//   - start >= 0
//   - end == OpenEnd or end >= start
//
// Ordering is by start, then order. End does not take part in ordering.
type Indices struct {
	start int64
	end   int64
	order int64
}

// NewIndices validates and builds an Indices value.
//
// Inputs:
//   - start: First covered index. Must be >= 0.
//   - end: One past the last covered index, or OpenEnd.
//   - order: Tie-break among ranges that share start.
//
// Outputs:
//   - Indices: The range. Zero value on error.
//   - error: Wraps ErrInvalidRange when the invariants are violated.
func NewIndices(start, end, order int64) (Indices, error) {
	if start < 0 {
		return Indices{}, fmt.Errorf("%w: start %d is negative", ErrInvalidRange, start)
	}
	if end != OpenEnd && end < start {
		return Indices{}, fmt.Errorf("%w: end %d precedes start %d", ErrInvalidRange, end, start)
	}
	return Indices{start: start, end: end, order: order}, nil
}

// MustIndices is NewIndices for literals; it panics on invalid bounds.
func MustIndices(start, end, order int64) Indices {
	ind, err := NewIndices(start, end, order)
	if err != nil {
		panic(err)
	}
	return ind
}

// Start returns the first covered index.
func (r Indices) Start() int64 { return r.start }

// End returns one past the last covered index, or OpenEnd.
func (r Indices) End() int64 { return r.end }

// Order returns the tie-break order among same-start ranges.
func (r Indices) Order() int64 { return r.order }

// IsOpen reports whether the range has no defined end.
func (r Indices) IsOpen() bool { return r.end == OpenEnd }

// IsEmpty reports whether the range covers nothing (start == end).
func (r Indices) IsEmpty() bool { return r.start == r.end }

// Len returns end-start, or -1 for open ranges.
func (r Indices) Len() int64 {
	if r.IsOpen() {
		return -1
	}
	return r.end - r.start
}

// Contains reports whether index i lies in the range.
//
// Closed ranges contain i when start <= i < end. Open ranges contain every
// i >= start.
func (r Indices) Contains(i int64) bool {
	if i < r.start {
		return false
	}
	if r.IsOpen() {
		return true
	}
	return i < r.end
}

// LastCovered returns the largest covered index of a closed, non-empty
// range. The boolean is false for empty and open ranges.
func (r Indices) LastCovered() (int64, bool) {
	if r.IsOpen() || r.IsEmpty() {
		return 0, false
	}
	return r.end - 1, true
}

// WithOrder returns a copy of r carrying a different order.
func (r Indices) WithOrder(order int64) Indices {
	r.order = order
	return r
}

// Compare orders ranges by start, then order.
//
// Outputs:
//   - int: -1, 0 or +1.
func (r Indices) Compare(other Indices) int {
	return ComparePosition(r.start, r.order, other.start, other.order)
}

// Equal reports whether start, end and order all match.
func (r Indices) Equal(other Indices) bool {
	return r.start == other.start && r.end == other.end && r.order == other.order
}

// String renders the range as "[start,end)#order".
func (r Indices) String() string {
	if r.IsOpen() {
		return fmt.Sprintf("[%d,…)#%d", r.start, r.order)
	}
	return fmt.Sprintf("[%d,%d)#%d", r.start, r.end, r.order)
}

// ComparePosition compares two (start, order) keys.
func ComparePosition(startA, orderA, startB, orderB int64) int {
	switch {
	case startA < startB:
		return -1
	case startA > startB:
		return 1
	case orderA < orderB:
		return -1
	case orderA > orderB:
		return 1
	default:
		return 0
	}
}
