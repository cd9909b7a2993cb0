// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ranges

// Entry pairs a tag with the range it covers.
type Entry struct {
	Tag     *Tag
	Indices Indices
}

// Start is shorthand for e.Indices.Start().
func (e Entry) Start() int64 { return e.Indices.start }

// Order is shorthand for e.Indices.Order().
func (e Entry) Order() int64 { return e.Indices.order }

// Covers reports whether the entry's range contains index i.
func (e Entry) Covers(i int64) bool { return e.Indices.Contains(i) }

// Same reports whether both entries hold the same tag over equal indices.
func (e Entry) Same(other Entry) bool {
	return e.Tag == other.Tag && e.Indices.Equal(other.Indices)
}

// Compare orders entries by (start, order).
func (e Entry) Compare(other Entry) int {
	return e.Indices.Compare(other.Indices)
}

func (e Entry) String() string {
	return e.Tag.String() + e.Indices.String()
}
