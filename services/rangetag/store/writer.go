// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import "github.com/AleutianAI/rangetag/services/rangetag/ranges"

// Writer mutates a store on behalf of a named origin. Every change it
// causes carries that origin, which lets a subscriber recognise and skip
// the echoes of its own writes.
type Writer struct {
	s      *OrderedStore
	origin Origin
}

// Origin returns the origin stamped on this writer's changes.
func (w Writer) Origin() Origin { return w.origin }

// Insert is OrderedStore.Insert tagged with the writer's origin.
func (w Writer) Insert(tag *ranges.Tag, ind ranges.Indices) (int, bool) {
	return w.s.insert(w.origin, tag, ind)
}

// InsertAt is OrderedStore.InsertAt tagged with the writer's origin.
func (w Writer) InsertAt(tag *ranges.Tag, start, end int64) (int, bool) {
	return w.s.insertAt(w.origin, tag, start, end)
}

// InsertPosition is OrderedStore.InsertPosition tagged with the writer's origin.
func (w Writer) InsertPosition(pos int, e ranges.Entry) error {
	return w.s.insertPosition(w.origin, pos, e)
}

// RemovePosition is OrderedStore.RemovePosition tagged with the writer's origin.
func (w Writer) RemovePosition(pos int) (ranges.Entry, bool) {
	if pos < 0 || pos >= w.s.Len() {
		return ranges.Entry{}, false
	}
	return w.s.removePosition(w.origin, pos), true
}

// RemoveAllAt is OrderedStore.RemoveAllAt tagged with the writer's origin.
func (w Writer) RemoveAllAt(start int64, buf *[]ranges.Entry) int {
	return w.s.removeAllAt(w.origin, start, buf)
}

// ReplaceAt is OrderedStore.ReplaceAt tagged with the writer's origin.
func (w Writer) ReplaceAt(pos int, e ranges.Entry) error {
	return w.s.replaceAt(w.origin, pos, e)
}

// Load is OrderedStore.Load tagged with the writer's origin.
func (w Writer) Load(entries []ranges.Entry) error {
	return w.s.load(w.origin, entries)
}

// Clear is OrderedStore.Clear tagged with the writer's origin.
func (w Writer) Clear() int {
	return w.s.clear(w.origin)
}
