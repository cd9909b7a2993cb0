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

import (
	"fmt"

	"github.com/AleutianAI/rangetag/services/rangetag/ranges"
)

// ChangeKind identifies the structural mutation a Change describes.
type ChangeKind int

const (
	// ChangeAdd: one entry was inserted at Position.
	ChangeAdd ChangeKind = iota

	// ChangeRemove: Entries were removed; the first one sat at Position and
	// the rest followed it contiguously.
	ChangeRemove

	// ChangeReplace: the entry at Position was swapped for Entries[0];
	// Replaced holds the previous value.
	ChangeReplace

	// ChangeReset: the whole collection changed. Subscribers must resync
	// from a fresh snapshot.
	ChangeReset

	// ChangeMove is reserved. Stores never emit it and subscribers treat it
	// as unsupported.
	ChangeMove
)

// String returns the name of the kind.
func (k ChangeKind) String() string {
	switch k {
	case ChangeAdd:
		return "add"
	case ChangeRemove:
		return "remove"
	case ChangeReplace:
		return "replace"
	case ChangeReset:
		return "reset"
	case ChangeMove:
		return "move"
	default:
		return "unknown"
	}
}

// Origin tags a change with the party that caused it. The zero value is
// an ordinary external caller. A subscriber that mutates a store it also
// listens to writes through Via(origin) and ignores changes carrying its
// own origin.
type Origin string

// Change describes one structural mutation of an ObservableStore.
type Change struct {
	Kind     ChangeKind
	Origin   Origin
	Position int

	// Seq numbers changes in the order the store applied them, starting
	// at 1. A subscriber that resyncs from a snapshot mid-dispatch skips
	// queued changes with Seq at or below the snapshot's.
	Seq uint64

	// Entries holds the added entry, the removed entries, or the
	// replacement, depending on Kind. Nil for Reset.
	Entries []ranges.Entry

	// Replaced is the previous entry of a ChangeReplace.
	Replaced ranges.Entry

	// Shifted counts the same-start entries right after Position whose
	// order was raised by one to make room for a ChangeAdd. Subscribers
	// that copy entries apply the same increment.
	Shifted int
}

// Entry returns the first payload entry, or false when there is none.
func (c Change) Entry() (ranges.Entry, bool) {
	if len(c.Entries) == 0 {
		return ranges.Entry{}, false
	}
	return c.Entries[0], true
}

func (c Change) String() string {
	switch c.Kind {
	case ChangeReset:
		return fmt.Sprintf("reset(origin=%q)", c.Origin)
	case ChangeReplace:
		return fmt.Sprintf("replace@%d %v -> %v", c.Position, c.Replaced, c.Entries)
	default:
		return fmt.Sprintf("%s@%d %v", c.Kind, c.Position, c.Entries)
	}
}

// Handler receives changes synchronously, before the mutating call returns.
type Handler func(Change)
