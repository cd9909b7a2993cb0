// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/rangetag/services/rangetag/ranges"
	"github.com/AleutianAI/rangetag/services/rangetag/store"
)

// Source is a store the cache can follow. *store.ObservableStore
// satisfies it, and so does a manager's union.
type Source interface {
	Entries() []ranges.Entry
	Seq() uint64
	Subscribe(h store.Handler) string
	Unsubscribe(id string) bool
}

// Options configures a PositionCache.
type Options struct {
	// Name identifies the cache in logs and metrics.
	Name string

	// Logger receives consistency violations. Default: slog.Default().
	Logger *slog.Logger
}

// Option is a functional option for configuring a PositionCache.
type Option func(*Options)

// WithName sets the cache name.
func WithName(name string) Option {
	return func(o *Options) {
		o.Name = name
	}
}

// WithLogger sets the cache logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// window bounds the array positions of the entries covering one index.
type window struct {
	min, max int
}

func (w *window) widen(p int) {
	w.min = min(w.min, p)
	w.max = max(w.max, p)
}

// shiftUp moves bounds at or after p one position up.
func (w *window) shiftUp(p int) {
	if w.min >= p {
		w.min++
	}
	if w.max >= p {
		w.max++
	}
}

// shiftDown moves bounds after p one position down.
func (w *window) shiftDown(p int) {
	if w.min > p {
		w.min--
	}
	if w.max > p {
		w.max--
	}
}

// Stats reports cache size and activity.
type Stats struct {
	Entries     int
	Windows     int
	OpenEntries int
	Rebuilds    int64
	Inserts     int64
	Removes     int64
	Violations  int64
}

// PositionCache indexes a Source by covered position.
//
// Description:
//
//	Holds a copy of the source entries in array order plus one MinMax
//	window per covered index. Changes from the source are applied
//	incrementally; a Reset drops everything and the cache is rebuilt from
//	Source.Entries on the next query.
//
// Thread Safety: Not safe for concurrent use. Enumerators are invalidated
// by any change to the source.
type PositionCache struct {
	src     Source
	subID   string
	options Options

	entries     []ranges.Entry
	windows     map[int64]*window
	startCounts map[int64]int

	// open is the window over open-ended entries; nil when there are none.
	open         *window
	openCount    int
	minOpenStart int64

	// Global bounds of the indices covered by closed entries.
	hasCovered bool
	minCovered int64
	maxCovered int64

	// builtSeq is the source Seq the last rebuild reflects.
	builtSeq uint64

	dirty bool
	err   error
	stats Stats
}

// New builds a cache over src and subscribes to its changes.
//
// Example:
//
//	c := cache.New(m.Union())
//	defer c.Close()
//	for it := c.Forward(i); it.Next(); {
//	    apply(it.Entry().Tag)
//	}
func New(src Source, opts ...Option) *PositionCache {
	options := Options{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	c := &PositionCache{
		src:     src,
		options: options,
	}
	c.rebuild()
	c.subID = src.Subscribe(c.onChange)
	return c
}

// Close detaches the cache from its source.
func (c *PositionCache) Close() {
	if c.subID != "" {
		c.src.Unsubscribe(c.subID)
		c.subID = ""
	}
}

// Err returns the first consistency violation, or nil.
func (c *PositionCache) Err() error { return c.err }

// Len returns the number of cached entries.
func (c *PositionCache) Len() int {
	c.ensure()
	return len(c.entries)
}

// Stats returns size and activity counters.
func (c *PositionCache) Stats() Stats {
	c.ensure()
	s := c.stats
	s.Entries = len(c.entries)
	s.Windows = len(c.windows)
	s.OpenEntries = c.openCount
	return s
}

// Bounds returns the lowest and highest index covered by a closed entry.
func (c *PositionCache) Bounds() (lo, hi int64, ok bool) {
	c.ensure()
	return c.minCovered, c.maxCovered, c.hasCovered
}

// =============================================================================
// Queries
// =============================================================================

// GetContaining returns every entry covering i, in array order.
func (c *PositionCache) GetContaining(i int64) []ranges.Entry {
	return c.AppendContaining(nil, i)
}

// AppendContaining appends every entry covering i to dst.
func (c *PositionCache) AppendContaining(dst []ranges.Entry, i int64) []ranges.Entry {
	for it := c.Forward(i); it.Next(); {
		dst = append(dst, it.Entry())
	}
	return dst
}

// Containing iterates the entries covering i in array order.
func (c *PositionCache) Containing(i int64) iter.Seq[ranges.Entry] {
	return func(yield func(ranges.Entry) bool) {
		for it := c.Forward(i); it.Next(); {
			if !yield(it.Entry()) {
				return
			}
		}
	}
}

// GetAt returns the entries starting exactly at i, including empty ones.
func (c *PositionCache) GetAt(i int64) []ranges.Entry {
	c.ensure()
	lo := sort.Search(len(c.entries), func(p int) bool {
		return c.entries[p].Start() >= i
	})
	var out []ranges.Entry
	for p := lo; p < len(c.entries) && c.entries[p].Start() == i; p++ {
		out = append(out, c.entries[p])
	}
	return out
}

// HasAnyContaining reports whether any entry covers i.
//
// Complexity: O(1).
func (c *PositionCache) HasAnyContaining(i int64) bool {
	c.ensure()
	if c.open != nil && i >= c.minOpenStart {
		return true
	}
	if !c.hasCovered || i < c.minCovered || i > c.maxCovered {
		return false
	}
	_, ok := c.windows[i]
	return ok
}

// HasAnyAt reports whether any entry starts at i.
//
// Complexity: O(1).
func (c *PositionCache) HasAnyAt(i int64) bool {
	c.ensure()
	return c.startCounts[i] > 0
}

// probe returns the positions [lo, hi] that may hold entries covering i.
func (c *PositionCache) probe(i int64) (lo, hi int) {
	lo, hi = 0, -1
	if c.hasCovered && i >= c.minCovered && i <= c.maxCovered {
		if w := c.windows[i]; w != nil {
			lo, hi = w.min, w.max
		}
	}
	if c.open != nil && i >= c.minOpenStart {
		if hi < lo {
			lo, hi = c.open.min, c.open.max
		} else {
			lo, hi = min(lo, c.open.min), max(hi, c.open.max)
		}
	}
	return lo, hi
}

// Forward enumerates the entries covering an index in array order without
// allocating.
type Forward struct {
	entries []ranges.Entry
	i       int64
	pos     int
	hi      int
	cur     ranges.Entry
}

// Forward starts a forward enumeration of the entries covering i.
func (c *PositionCache) Forward(i int64) Forward {
	c.ensure()
	lo, hi := c.probe(i)
	return Forward{entries: c.entries, i: i, pos: lo, hi: hi}
}

// Next advances to the next covering entry. It stops at the first entry
// that starts after the index.
func (f *Forward) Next() bool {
	for f.pos <= f.hi {
		e := f.entries[f.pos]
		f.pos++
		if e.Start() > f.i {
			f.pos = f.hi + 1
			return false
		}
		if e.Covers(f.i) {
			f.cur = e
			return true
		}
	}
	return false
}

// Entry returns the current entry.
func (f *Forward) Entry() ranges.Entry { return f.cur }

// Backward enumerates the entries covering an index in reverse array order
// without allocating.
type Backward struct {
	entries []ranges.Entry
	i       int64
	pos     int
	lo      int
	cur     ranges.Entry
}

// Backward starts a reverse enumeration of the entries covering i.
func (c *PositionCache) Backward(i int64) Backward {
	c.ensure()
	lo, hi := c.probe(i)
	return Backward{entries: c.entries, i: i, pos: hi, lo: lo}
}

// Next moves to the previous covering entry.
func (b *Backward) Next() bool {
	for b.pos >= b.lo {
		e := b.entries[b.pos]
		b.pos--
		if e.Covers(b.i) {
			b.cur = e
			return true
		}
	}
	return false
}

// Entry returns the current entry.
func (b *Backward) Entry() ranges.Entry { return b.cur }

// =============================================================================
// Maintenance
// =============================================================================

func (c *PositionCache) onChange(ch store.Change) {
	if ch.Seq <= c.builtSeq {
		// Already part of the last rebuild's snapshot.
		return
	}
	if c.dirty && ch.Kind != store.ChangeReset {
		return
	}

	switch ch.Kind {
	case store.ChangeAdd:
		e, _ := ch.Entry()
		c.insert(ch.Position, e)
		for q := ch.Position + 1; q <= ch.Position+ch.Shifted && q < len(c.entries); q++ {
			shifted := c.entries[q]
			c.entries[q].Indices = shifted.Indices.WithOrder(shifted.Order() + 1)
		}

	case store.ChangeRemove:
		for range ch.Entries {
			c.remove(ch.Position)
		}

	case store.ChangeReplace:
		e, _ := ch.Entry()
		c.remove(ch.Position)
		c.insert(ch.Position, e)

	case store.ChangeReset:
		c.reset()

	default:
		c.violation("change", fmt.Errorf("%w: %s change", store.ErrNotImplemented, ch.Kind))
		c.reset()
	}
}

// insert places e at position p.
//
// Description:
//
//	Windows are shifted first, since every position at or after p moves
//	up by one, then each index e covers gets a new {p, p} window or has
//	its window widened to include p.
func (c *PositionCache) insert(p int, e ranges.Entry) {
	c.stats.Inserts++
	for _, w := range c.windows {
		w.shiftUp(p)
	}
	if c.open != nil {
		c.open.shiftUp(p)
	}

	c.entries = slices.Insert(c.entries, p, e)
	c.startCounts[e.Start()]++
	c.index(p, e)
}

// index records the entry at p in the windows and global bounds.
func (c *PositionCache) index(p int, e ranges.Entry) {
	if e.Indices.IsOpen() {
		if c.open == nil {
			c.open = &window{min: p, max: p}
			c.minOpenStart = e.Start()
		} else {
			c.open.widen(p)
			c.minOpenStart = min(c.minOpenStart, e.Start())
		}
		c.openCount++
		return
	}

	last, ok := e.Indices.LastCovered()
	if !ok {
		return
	}
	for i := e.Start(); i <= last; i++ {
		if w := c.windows[i]; w != nil {
			w.widen(p)
		} else {
			c.windows[i] = &window{min: p, max: p}
		}
	}
	if !c.hasCovered {
		c.hasCovered = true
		c.minCovered, c.maxCovered = e.Start(), last
		return
	}
	c.minCovered = min(c.minCovered, e.Start())
	c.maxCovered = max(c.maxCovered, last)
}

// remove drops the entry at position p.
//
// Description:
//
//	For every index the entry covers, a window bound equal to p is moved
//	to the nearest other covering entry by linear probe. Bounds after p
//	then shift down by one. Global bounds and the open-start bound are
//	rescanned when the removed entry held them.
func (c *PositionCache) remove(p int) {
	if p < 0 || p >= len(c.entries) {
		c.violation("remove", fmt.Errorf("%w: position %d not in [0,%d)", ErrInconsistent, p, len(c.entries)))
		return
	}
	c.stats.Removes++
	e := c.entries[p]

	if e.Indices.IsOpen() {
		c.repairOpen(p)
	} else if last, ok := e.Indices.LastCovered(); ok {
		for i := e.Start(); i <= last; i++ {
			c.repairWindow(i, p)
		}
	}

	c.entries = slices.Delete(c.entries, p, p+1)
	for _, w := range c.windows {
		w.shiftDown(p)
	}
	if c.open != nil {
		c.open.shiftDown(p)
	}

	if n := c.startCounts[e.Start()]; n <= 1 {
		delete(c.startCounts, e.Start())
	} else {
		c.startCounts[e.Start()] = n - 1
	}

	if e.Indices.IsOpen() {
		c.openCount--
		if c.open != nil && e.Start() == c.minOpenStart {
			c.rescanOpenStart()
		}
	} else if last, ok := e.Indices.LastCovered(); ok {
		if e.Start() == c.minCovered || last == c.maxCovered {
			c.rescanBounds()
		}
	}
}

// repairWindow moves the bounds of index i's window off position p.
func (c *PositionCache) repairWindow(i int64, p int) {
	w := c.windows[i]
	if w == nil {
		c.violation("remove", fmt.Errorf("%w: no window at index %d for position %d", ErrInconsistent, i, p))
		return
	}
	if w.min == p && w.max == p {
		delete(c.windows, i)
		return
	}
	covers := func(q int) bool {
		e := c.entries[q]
		return !e.Indices.IsOpen() && e.Covers(i)
	}
	if w.min == p {
		q := p + 1
		for q <= w.max && !covers(q) {
			q++
		}
		if q > w.max {
			c.violation("remove", fmt.Errorf("%w: no entry left in window [%d,%d] at index %d", ErrInconsistent, w.min, w.max, i))
			return
		}
		w.min = q
	}
	if w.max == p {
		q := p - 1
		for q >= w.min && !covers(q) {
			q--
		}
		if q < w.min {
			c.violation("remove", fmt.Errorf("%w: no entry left in window [%d,%d] at index %d", ErrInconsistent, w.min, w.max, i))
			return
		}
		w.max = q
	}
}

// repairOpen moves the bounds of the open window off position p.
func (c *PositionCache) repairOpen(p int) {
	w := c.open
	if w == nil {
		c.violation("remove", fmt.Errorf("%w: no open window for position %d", ErrInconsistent, p))
		return
	}
	if w.min == p && w.max == p {
		c.open = nil
		return
	}
	if w.min == p {
		q := p + 1
		for q <= w.max && !c.entries[q].Indices.IsOpen() {
			q++
		}
		if q > w.max {
			c.violation("remove", fmt.Errorf("%w: no open entry left in [%d,%d]", ErrInconsistent, w.min, w.max))
			return
		}
		w.min = q
	}
	if w.max == p {
		q := p - 1
		for q >= w.min && !c.entries[q].Indices.IsOpen() {
			q--
		}
		if q < w.min {
			c.violation("remove", fmt.Errorf("%w: no open entry left in [%d,%d]", ErrInconsistent, w.min, w.max))
			return
		}
		w.max = q
	}
}

// rescanBounds recomputes the global covered bounds from the entries.
func (c *PositionCache) rescanBounds() {
	c.hasCovered = false
	c.minCovered, c.maxCovered = 0, 0
	for _, e := range c.entries {
		if e.Indices.IsOpen() {
			continue
		}
		last, ok := e.Indices.LastCovered()
		if !ok {
			continue
		}
		if !c.hasCovered {
			c.hasCovered = true
			c.minCovered, c.maxCovered = e.Start(), last
			continue
		}
		c.minCovered = min(c.minCovered, e.Start())
		c.maxCovered = max(c.maxCovered, last)
	}
}

// rescanOpenStart recomputes the lowest start among open entries.
func (c *PositionCache) rescanOpenStart() {
	for _, e := range c.entries {
		if e.Indices.IsOpen() {
			// Entries are start-sorted, so the first open one is lowest.
			c.minOpenStart = e.Start()
			return
		}
	}
}

// reset drops all state; the next query rebuilds it.
func (c *PositionCache) reset() {
	c.dirty = true
	c.entries = nil
	c.windows = nil
	c.startCounts = nil
	c.open = nil
	c.openCount = 0
	c.hasCovered = false
}

func (c *PositionCache) ensure() {
	if c.dirty {
		c.rebuild()
	}
}

// rebuild recreates every window from a fresh snapshot of the source.
func (c *PositionCache) rebuild() {
	ctx, span := startRebuildSpan(context.Background(), c.options.Name)
	defer span.End()
	started := time.Now()

	c.reset()
	c.dirty = false
	c.builtSeq = c.src.Seq()
	c.entries = c.src.Entries()
	c.windows = make(map[int64]*window)
	c.startCounts = make(map[int64]int)
	for p, e := range c.entries {
		c.startCounts[e.Start()]++
		c.index(p, e)
	}
	c.stats.Rebuilds++

	span.SetAttributes(
		attribute.Int("cache.entries", len(c.entries)),
		attribute.Int("cache.windows", len(c.windows)),
	)
	span.SetStatus(codes.Ok, "")
	recordRebuild(ctx, c.options.Name, time.Since(started).Seconds(), len(c.windows))
}

func (c *PositionCache) violation(op string, err error) {
	c.stats.Violations++
	recordViolation(c.options.Name)
	c.options.Logger.Error("position cache consistency violation",
		slog.String("cache", c.options.Name),
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	if c.err == nil {
		c.err = err
	}
}

// Validate cross-checks the cache against its source and a naive scan.
//
// Description:
//
//	Checks that the cached entries equal the source, that every window is
//	tight (its bounds cover the index and no covering entry lies outside
//	it), and that the start counts and global bounds match the entries.
//
// Complexity: O(n * covered length).
func (c *PositionCache) Validate() error {
	c.ensure()

	src := c.src.Entries()
	if len(src) != len(c.entries) {
		return fmt.Errorf("%w: %d cached entries, source has %d", ErrInconsistent, len(c.entries), len(src))
	}
	for p := range src {
		if !src[p].Same(c.entries[p]) {
			return fmt.Errorf("%w: position %d cached %v, source %v", ErrInconsistent, p, c.entries[p], src[p])
		}
	}

	want := make(map[int64]window)
	counts := make(map[int64]int)
	var (
		openWin    *window
		hasBounds  bool
		minB, maxB int64
	)
	for p, e := range c.entries {
		counts[e.Start()]++
		if e.Indices.IsOpen() {
			if openWin == nil {
				openWin = &window{min: p, max: p}
			}
			openWin.widen(p)
			continue
		}
		last, ok := e.Indices.LastCovered()
		if !ok {
			continue
		}
		if !hasBounds {
			hasBounds, minB, maxB = true, e.Start(), last
		}
		minB, maxB = min(minB, e.Start()), max(maxB, last)
		for i := e.Start(); i <= last; i++ {
			w, seen := want[i]
			if !seen {
				w = window{min: p, max: p}
			}
			w.widen(p)
			want[i] = w
		}
	}

	if len(want) != len(c.windows) {
		return fmt.Errorf("%w: %d windows, expected %d", ErrInconsistent, len(c.windows), len(want))
	}
	for i, w := range want {
		got := c.windows[i]
		if got == nil || *got != w {
			return fmt.Errorf("%w: window at %d is %v, expected %v", ErrInconsistent, i, got, w)
		}
	}
	if hasBounds != c.hasCovered || (hasBounds && (minB != c.minCovered || maxB != c.maxCovered)) {
		return fmt.Errorf("%w: bounds [%d,%d], expected [%d,%d]", ErrInconsistent, c.minCovered, c.maxCovered, minB, maxB)
	}
	if (openWin == nil) != (c.open == nil) || (openWin != nil && *openWin != *c.open) {
		return fmt.Errorf("%w: open window %v, expected %v", ErrInconsistent, c.open, openWin)
	}
	if openWin != nil && c.minOpenStart != c.entries[openWin.min].Start() {
		return fmt.Errorf("%w: open start %d, expected %d", ErrInconsistent, c.minOpenStart, c.entries[openWin.min].Start())
	}
	if len(counts) != len(c.startCounts) {
		return fmt.Errorf("%w: %d start counts, expected %d", ErrInconsistent, len(c.startCounts), len(counts))
	}
	for s, n := range counts {
		if c.startCounts[s] != n {
			return fmt.Errorf("%w: %d entries at %d, expected %d", ErrInconsistent, c.startCounts[s], s, n)
		}
	}
	return nil
}
