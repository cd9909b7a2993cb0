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
	"iter"
	"log/slog"
	"slices"
	"sort"

	"github.com/AleutianAI/rangetag/services/rangetag/ranges"
)

// Validator decides whether a tag may enter a store.
type Validator func(tag *ranges.Tag) bool

// Options configures a store.
type Options struct {
	// Name identifies the store in logs and metrics.
	Name string

	// Validator vetoes tags on insert. Nil accepts every non-nil tag.
	Validator Validator

	// Logger receives store diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// Option is a functional option for configuring a store.
type Option func(*Options)

// WithName sets the store name used in logs and metrics.
func WithName(name string) Option {
	return func(o *Options) {
		o.Name = name
	}
}

// WithValidator sets the tag validator.
func WithValidator(v Validator) Option {
	return func(o *Options) {
		o.Validator = v
	}
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// OrderedStore is a collection of (Tag, Indices) entries kept sorted by
// (start, order).
//
// Invariants:
//   - entries are sorted by (start, order)
//   - entries sharing a start are contiguous
//   - entries sharing a start have distinct orders after every public call
//
// Entries are values; a stored entry is never modified in place except for
// the order shift performed when an insert collides with an existing
// (start, order), which is reported through Change.Shifted.
//
// Thread Safety: Not safe for concurrent use.
type OrderedStore struct {
	entries []ranges.Entry
	options Options

	// sink receives every change; set by ObservableStore.
	sink func(Change)
}

// NewOrderedStore creates an empty store.
//
// Example:
//
//	s := store.NewOrderedStore(store.WithValidator(func(t *ranges.Tag) bool {
//	    return t.Name() != ""
//	}))
//	s.TryAddAt(tag, 0, 5)
func NewOrderedStore(opts ...Option) *OrderedStore {
	options := Options{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &OrderedStore{options: options}
}

// Name returns the configured store name.
func (s *OrderedStore) Name() string { return s.options.Name }

// Len returns the number of entries.
func (s *OrderedStore) Len() int { return len(s.entries) }

// At returns the entry at position pos. It panics when pos is out of range,
// like a slice index.
func (s *OrderedStore) At(pos int) ranges.Entry { return s.entries[pos] }

// Entries returns a copy of all entries in order.
func (s *OrderedStore) Entries() []ranges.Entry { return slices.Clone(s.entries) }

// All iterates positions and entries in order. The store must not be
// mutated during iteration.
func (s *OrderedStore) All() iter.Seq2[int, ranges.Entry] {
	return func(yield func(int, ranges.Entry) bool) {
		for i, e := range s.entries {
			if !yield(i, e) {
				return
			}
		}
	}
}

// Accepts reports whether the validator admits tag.
func (s *OrderedStore) Accepts(tag *ranges.Tag) bool {
	if tag == nil {
		return false
	}
	return s.options.Validator == nil || s.options.Validator(tag)
}

// Via returns a Writer whose mutations carry origin on their changes.
func (s *OrderedStore) Via(origin Origin) Writer {
	return Writer{s: s, origin: origin}
}

// =============================================================================
// Insert
// =============================================================================

// TryAdd inserts tag over ind.
//
// Description:
//
//	Binary-searches the insertion point by (start, order). If an entry with
//	the same (start, order) exists, that entry and every same-start entry
//	after it get their order raised by one to make room.
//
// Outputs:
//   - bool: False when the tag is nil or rejected by the validator.
func (s *OrderedStore) TryAdd(tag *ranges.Tag, ind ranges.Indices) bool {
	_, ok := s.insert("", tag, ind)
	return ok
}

// TryAddAt inserts tag over [start, end) ahead of every entry already at
// start: its order is the first existing order at start minus one, or 0.
//
// Outputs:
//   - bool: False when the bounds are invalid or the tag is rejected.
func (s *OrderedStore) TryAddAt(tag *ranges.Tag, start, end int64) bool {
	_, ok := s.insertAt("", tag, start, end)
	return ok
}

// Insert is TryAdd that also reports the insertion position.
func (s *OrderedStore) Insert(tag *ranges.Tag, ind ranges.Indices) (int, bool) {
	return s.insert("", tag, ind)
}

// InsertAt is TryAddAt that also reports the insertion position.
func (s *OrderedStore) InsertAt(tag *ranges.Tag, start, end int64) (int, bool) {
	return s.insertAt("", tag, start, end)
}

// DefaultOrder returns the order TryAddAt would assign at start.
func (s *OrderedStore) DefaultOrder(start int64) int64 {
	if i := s.firstAt(start); i >= 0 {
		return s.entries[i].Order() - 1
	}
	return 0
}

func (s *OrderedStore) insertAt(origin Origin, tag *ranges.Tag, start, end int64) (int, bool) {
	ind, err := ranges.NewIndices(start, end, s.DefaultOrder(start))
	if err != nil {
		recordOperation(s.options.Name, "add", false)
		return -1, false
	}
	return s.insert(origin, tag, ind)
}

func (s *OrderedStore) insert(origin Origin, tag *ranges.Tag, ind ranges.Indices) (int, bool) {
	if !s.Accepts(tag) {
		recordOperation(s.options.Name, "add", false)
		return -1, false
	}

	pos, found := s.search(ind.Start(), ind.Order())
	shifted := 0
	if found {
		shifted = s.adjustOrderAt(pos)
	}

	e := ranges.Entry{Tag: tag, Indices: ind}
	s.entries = slices.Insert(s.entries, pos, e)

	recordOperation(s.options.Name, "add", true)
	s.emit(Change{
		Kind:     ChangeAdd,
		Origin:   origin,
		Position: pos,
		Entries:  []ranges.Entry{e},
		Shifted:  shifted,
	})
	return pos, true
}

// adjustOrderAt raises the order of the entry at pos and of every
// same-start entry after it by one. Returns how many entries moved.
func (s *OrderedStore) adjustOrderAt(pos int) int {
	start := s.entries[pos].Start()
	n := 0
	for i := pos; i < len(s.entries) && s.entries[i].Start() == start; i++ {
		e := s.entries[i]
		e.Indices = e.Indices.WithOrder(e.Order() + 1)
		s.entries[i] = e
		n++
	}
	return n
}

// InsertPosition places e at pos without searching or shifting orders.
//
// Description:
//
//	Used by callers that mirror another store and already know where the
//	entry belongs. Like ReplaceAt, equal (start, order) neighbours are
//	tolerated.
//
// Outputs:
//   - error: ErrPosition, ErrRejected or ErrOutOfOrder. The store is
//     unchanged on error.
func (s *OrderedStore) InsertPosition(pos int, e ranges.Entry) error {
	return s.insertPosition("", pos, e)
}

func (s *OrderedStore) insertPosition(origin Origin, pos int, e ranges.Entry) error {
	if pos < 0 || pos > len(s.entries) {
		return fmt.Errorf("%w: %d not in [0,%d]", ErrPosition, pos, len(s.entries))
	}
	if !s.Accepts(e.Tag) {
		return fmt.Errorf("%w: %v", ErrRejected, e.Tag)
	}
	if pos > 0 && s.entries[pos-1].Compare(e) > 0 {
		return fmt.Errorf("%w: %v sorts before its predecessor %v", ErrOutOfOrder, e, s.entries[pos-1])
	}
	if pos < len(s.entries) && e.Compare(s.entries[pos]) > 0 {
		return fmt.Errorf("%w: %v sorts after its successor %v", ErrOutOfOrder, e, s.entries[pos])
	}

	s.entries = slices.Insert(s.entries, pos, e)
	recordOperation(s.options.Name, "add", true)
	s.emit(Change{
		Kind:     ChangeAdd,
		Origin:   origin,
		Position: pos,
		Entries:  []ranges.Entry{e},
	})
	return nil
}

// =============================================================================
// Remove
// =============================================================================

// RemoveAt removes the first (lowest-order) entry at start.
func (s *OrderedStore) RemoveAt(start int64) bool {
	i := s.firstAt(start)
	if i < 0 {
		recordOperation(s.options.Name, "remove", false)
		return false
	}
	s.removePosition("", i)
	return true
}

// RemoveAtOrder removes the entry at exactly (start, order).
func (s *OrderedStore) RemoveAtOrder(start, order int64) bool {
	i, found := s.search(start, order)
	if !found {
		recordOperation(s.options.Name, "remove", false)
		return false
	}
	s.removePosition("", i)
	return true
}

// RemoveAllAt removes every entry at start.
//
// Inputs:
//   - start: The start index to clear.
//   - buf: Optional. Removed entries are appended to *buf.
//
// Outputs:
//   - int: Number of removed entries. One ChangeRemove carries all of them.
func (s *OrderedStore) RemoveAllAt(start int64, buf *[]ranges.Entry) int {
	return s.removeAllAt("", start, buf)
}

// Remove removes the entry holding tag over exactly ind.
func (s *OrderedStore) Remove(tag *ranges.Tag, ind ranges.Indices) bool {
	i, ok := s.Find(ranges.Entry{Tag: tag, Indices: ind})
	if !ok {
		recordOperation(s.options.Name, "remove", false)
		return false
	}
	s.removePosition("", i)
	return true
}

// RemoveTag removes the first entry holding tag, whatever its range.
//
// Complexity: O(n). Prefer Remove when the indices are known.
func (s *OrderedStore) RemoveTag(tag *ranges.Tag) bool {
	i := s.indexOfTag(tag)
	if i < 0 {
		recordOperation(s.options.Name, "remove", false)
		return false
	}
	s.removePosition("", i)
	return true
}

// RemovePosition removes the entry at pos.
func (s *OrderedStore) RemovePosition(pos int) (ranges.Entry, bool) {
	if pos < 0 || pos >= len(s.entries) {
		return ranges.Entry{}, false
	}
	return s.removePosition("", pos), true
}

func (s *OrderedStore) removePosition(origin Origin, pos int) ranges.Entry {
	e := s.entries[pos]
	s.entries = slices.Delete(s.entries, pos, pos+1)
	recordOperation(s.options.Name, "remove", true)
	s.emit(Change{
		Kind:     ChangeRemove,
		Origin:   origin,
		Position: pos,
		Entries:  []ranges.Entry{e},
	})
	return e
}

func (s *OrderedStore) removeAllAt(origin Origin, start int64, buf *[]ranges.Entry) int {
	lo, hi := s.Span(start)
	if lo == hi {
		recordOperation(s.options.Name, "remove_all", false)
		return 0
	}
	removed := slices.Clone(s.entries[lo:hi])
	s.entries = slices.Delete(s.entries, lo, hi)
	if buf != nil {
		*buf = append(*buf, removed...)
	}
	recordOperation(s.options.Name, "remove_all", true)
	s.emit(Change{
		Kind:     ChangeRemove,
		Origin:   origin,
		Position: lo,
		Entries:  removed,
	})
	return len(removed)
}

// =============================================================================
// Replace / bulk
// =============================================================================

// ReplaceAt swaps the entry at pos for e.
//
// Description:
//
//	Whole-entry replacement is the only way to change a stored entry.
//	The replacement must sort between its neighbours; equal keys are
//	tolerated so that callers can renumber a run of orders one entry at a
//	time.
//
// Outputs:
//   - error: ErrPosition, ErrRejected or ErrOutOfOrder. The store is
//     unchanged on error.
func (s *OrderedStore) ReplaceAt(pos int, e ranges.Entry) error {
	return s.replaceAt("", pos, e)
}

func (s *OrderedStore) replaceAt(origin Origin, pos int, e ranges.Entry) error {
	if pos < 0 || pos >= len(s.entries) {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrPosition, pos, len(s.entries))
	}
	if !s.Accepts(e.Tag) {
		return fmt.Errorf("%w: %v", ErrRejected, e.Tag)
	}
	if pos > 0 && s.entries[pos-1].Compare(e) > 0 {
		return fmt.Errorf("%w: %v sorts before its predecessor %v", ErrOutOfOrder, e, s.entries[pos-1])
	}
	if pos+1 < len(s.entries) && e.Compare(s.entries[pos+1]) > 0 {
		return fmt.Errorf("%w: %v sorts after its successor %v", ErrOutOfOrder, e, s.entries[pos+1])
	}

	old := s.entries[pos]
	s.entries[pos] = e
	recordOperation(s.options.Name, "replace", true)
	s.emit(Change{
		Kind:     ChangeReplace,
		Origin:   origin,
		Position: pos,
		Entries:  []ranges.Entry{e},
		Replaced: old,
	})
	return nil
}

// Move always fails: the change feed has no way to describe it.
func (s *OrderedStore) Move(from, to int) error {
	return fmt.Errorf("%w: move %d -> %d", ErrNotImplemented, from, to)
}

// Clear removes every entry and emits a single ChangeReset.
//
// Outputs:
//   - int: Number of removed entries. Clearing an empty store is a no-op.
func (s *OrderedStore) Clear() int {
	return s.clear("")
}

func (s *OrderedStore) clear(origin Origin) int {
	n := len(s.entries)
	if n == 0 {
		return 0
	}
	s.entries = s.entries[:0]
	recordOperation(s.options.Name, "clear", true)
	s.emit(Change{Kind: ChangeReset, Origin: origin})
	return n
}

// Load replaces the whole content with entries and emits one ChangeReset.
//
// Description:
//
//	Entries are validated, copied and stable-sorted by (start, order).
//	Within a start, an order that does not exceed its predecessor's is
//	raised to predecessor+1. Nothing changes if any tag is rejected.
//
// Outputs:
//   - error: Wraps ErrRejected naming the first rejected entry.
func (s *OrderedStore) Load(entries []ranges.Entry) error {
	return s.load("", entries)
}

func (s *OrderedStore) load(origin Origin, entries []ranges.Entry) error {
	for i, e := range entries {
		if !s.Accepts(e.Tag) {
			recordOperation(s.options.Name, "load", false)
			return fmt.Errorf("%w: entry[%d] %v", ErrRejected, i, e)
		}
	}
	next := slices.Clone(entries)
	slices.SortStableFunc(next, ranges.Entry.Compare)
	for i := 1; i < len(next); i++ {
		prev := next[i-1]
		if next[i].Start() == prev.Start() && next[i].Order() <= prev.Order() {
			next[i].Indices = next[i].Indices.WithOrder(prev.Order() + 1)
		}
	}
	s.entries = next
	recordOperation(s.options.Name, "load", true)
	s.emit(Change{Kind: ChangeReset, Origin: origin})
	return nil
}

// =============================================================================
// Lookup
// =============================================================================

// TagAt returns the first tag at start.
func (s *OrderedStore) TagAt(start int64) (*ranges.Tag, bool) {
	i := s.firstAt(start)
	if i < 0 {
		return nil, false
	}
	return s.entries[i].Tag, true
}

// TagAtOrder returns the tag at exactly (start, order).
func (s *OrderedStore) TagAtOrder(start, order int64) (*ranges.Tag, bool) {
	i, found := s.search(start, order)
	if !found {
		return nil, false
	}
	return s.entries[i].Tag, true
}

// TagsAt returns every tag at start in order. Nil when there are none.
func (s *OrderedStore) TagsAt(start int64) []*ranges.Tag {
	lo, hi := s.Span(start)
	if lo == hi {
		return nil
	}
	tags := make([]*ranges.Tag, 0, hi-lo)
	for _, e := range s.entries[lo:hi] {
		tags = append(tags, e.Tag)
	}
	return tags
}

// EntriesAt returns a copy of every entry at start.
func (s *OrderedStore) EntriesAt(start int64) []ranges.Entry {
	lo, hi := s.Span(start)
	if lo == hi {
		return nil
	}
	return slices.Clone(s.entries[lo:hi])
}

// IndicesOf returns the range of the first entry holding tag.
//
// Complexity: O(n).
func (s *OrderedStore) IndicesOf(tag *ranges.Tag) (ranges.Indices, bool) {
	i := s.indexOfTag(tag)
	if i < 0 {
		return ranges.Indices{}, false
	}
	return s.entries[i].Indices, true
}

// Find returns the position of the entry with e's tag and indices.
func (s *OrderedStore) Find(e ranges.Entry) (int, bool) {
	if i, found := s.search(e.Start(), e.Order()); found && s.entries[i].Same(e) {
		return i, true
	}
	// Equal keys can appear transiently while orders are renumbered.
	lo, hi := s.Span(e.Start())
	for i := lo; i < hi; i++ {
		if s.entries[i].Same(e) {
			return i, true
		}
	}
	return -1, false
}

// FindTagAt returns the position of tag among the entries at start.
func (s *OrderedStore) FindTagAt(tag *ranges.Tag, start int64) (int, bool) {
	lo, hi := s.Span(start)
	for i := lo; i < hi; i++ {
		if s.entries[i].Tag == tag {
			return i, true
		}
	}
	return -1, false
}

// Span returns the positions [lo, hi) of the entries at start. When there
// are none, lo == hi is where such an entry would be inserted.
func (s *OrderedStore) Span(start int64) (lo, hi int) {
	lo = sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].Start() >= start
	})
	hi = lo
	for hi < len(s.entries) && s.entries[hi].Start() == start {
		hi++
	}
	return lo, hi
}

// Validate checks the sort and distinct-order invariants.
//
// Complexity: O(n).
func (s *OrderedStore) Validate() error {
	for i := 1; i < len(s.entries); i++ {
		prev, cur := s.entries[i-1], s.entries[i]
		if c := prev.Compare(cur); c > 0 {
			return fmt.Errorf("%w: position %d %v after %v", ErrOutOfOrder, i, cur, prev)
		} else if c == 0 {
			return fmt.Errorf("%w: position %d %v shares (start, order) with %v", ErrOutOfOrder, i, cur, prev)
		}
	}
	return nil
}

// Search binary-searches for (start, order). When absent, the position is
// where such an entry would be inserted.
func (s *OrderedStore) Search(start, order int64) (int, bool) {
	return s.search(start, order)
}

func (s *OrderedStore) search(start, order int64) (int, bool) {
	return slices.BinarySearchFunc(s.entries, ranges.Indices{}, func(e ranges.Entry, _ ranges.Indices) int {
		return ranges.ComparePosition(e.Start(), e.Order(), start, order)
	})
}

// anyAt binary-searches for some entry at start, or -1.
func (s *OrderedStore) anyAt(start int64) int {
	lo, hi := 0, len(s.entries)-1
	for lo <= hi {
		mid := int(uint(lo+hi) >> 1)
		switch st := s.entries[mid].Start(); {
		case st < start:
			lo = mid + 1
		case st > start:
			hi = mid - 1
		default:
			return mid
		}
	}
	return -1
}

// firstAt walks back from any match to the first entry at start, or -1.
func (s *OrderedStore) firstAt(start int64) int {
	i := s.anyAt(start)
	if i < 0 {
		return -1
	}
	for i > 0 && s.entries[i-1].Start() == start {
		i--
	}
	return i
}

func (s *OrderedStore) indexOfTag(tag *ranges.Tag) int {
	if tag == nil {
		return -1
	}
	for i, e := range s.entries {
		if e.Tag == tag {
			return i
		}
	}
	return -1
}

func (s *OrderedStore) emit(c Change) {
	if s.sink != nil {
		s.sink(c)
	}
}
