// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manager

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/rangetag/services/rangetag/ranges"
	"github.com/AleutianAI/rangetag/services/rangetag/store"
)

// Options configures a Manager.
type Options struct {
	// Name identifies the union store in logs and metrics. Default: "union".
	Name string

	// Logger receives consistency violations and lifecycle messages.
	// Default: slog.Default().
	Logger *slog.Logger
}

// Option is a functional option for configuring a Manager.
type Option func(*Options)

// WithName sets the union store name.
func WithName(name string) Option {
	return func(o *Options) {
		o.Name = name
	}
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// registration binds a key to its sub-store.
type registration struct {
	key   Key
	store *store.ObservableStore
	subID string
	rank  int

	// syncedSeq is the sub-store Seq the last union rebuild reflects.
	syncedSeq uint64
}

// Manager owns keyed sub-stores and their order-consistent union.
//
// Description:
//
//	Tags are routed to the sub-store whose key prefix matches the tag's
//	prefix. Every sub-store entry has exactly one copy in the union, with
//	equal tag, indices and order. Entries sharing a start are strictly
//	ordered in the union; when a change breaks that, later entries are
//	bumped to previous+1 in both the union and their sub-store.
//
//	Sub-stores are exposed and may be mutated directly. Such changes are
//	replayed into the union. The manager's own writes carry a private
//	Origin so their echoes are ignored.
//
// Thread Safety: Not safe for concurrent use.
type Manager struct {
	options  Options
	origin   store.Origin
	regs     []*registration
	byPrefix map[rune]*registration
	union    *store.ObservableStore
	unionW   store.Writer
	err      error
}

// New creates a manager with no keys.
//
// Example:
//
//	m := manager.New()
//	m.AddKey(manager.NewKey("effects", '!'))
//	m.AddKey(manager.NewKey("styles", '#'))
//	m.TryAddAt(ranges.NewTag("wave", '!', nil), 0, 12)
func New(opts ...Option) *Manager {
	options := Options{Name: "union"}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	m := &Manager{
		options:  options,
		origin:   store.Origin("manager/" + uuid.NewString()),
		byPrefix: make(map[rune]*registration),
	}
	m.union = store.NewObservableStore(
		store.WithName(options.Name),
		store.WithLogger(options.Logger),
		store.WithValidator(m.owns),
	)
	m.unionW = m.union.Via(m.origin)
	return m
}

// AddKey registers key and creates its sub-store.
//
// Inputs:
//   - key: The key. Its prefix must not be owned by another key.
//
// Outputs:
//   - *store.ObservableStore: The new sub-store.
//   - error: ErrNilKey, ErrDuplicateKey or ErrDuplicatePrefix.
func (m *Manager) AddKey(key Key) (*store.ObservableStore, error) {
	if key == nil {
		return nil, ErrNilKey
	}
	for _, reg := range m.regs {
		if reg.key == key {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, keyName(key))
		}
	}
	prefix := key.Prefix()
	if owner, ok := m.byPrefix[prefix]; ok {
		return nil, fmt.Errorf("%w: %q owned by %s", ErrDuplicatePrefix, prefix, keyName(owner.key))
	}

	sub := store.NewObservableStore(
		store.WithName(keyName(key)),
		store.WithLogger(m.options.Logger),
		store.WithValidator(func(tag *ranges.Tag) bool {
			return tag.Prefix() == prefix && key.Validate(tag)
		}),
	)
	reg := &registration{
		key:   key,
		store: sub,
		rank:  len(m.regs),
	}
	reg.subID = sub.Subscribe(func(c store.Change) {
		m.onSubChange(reg, c)
	})
	m.regs = append(m.regs, reg)
	m.byPrefix[prefix] = reg

	m.options.Logger.Debug("key registered",
		slog.String("manager", m.options.Name),
		slog.String("key", keyName(key)),
		slog.Int("rank", reg.rank),
	)
	return sub, nil
}

// Keys returns the registered keys in registration order.
func (m *Manager) Keys() []Key {
	keys := make([]Key, 0, len(m.regs))
	for _, reg := range m.regs {
		keys = append(keys, reg.key)
	}
	return keys
}

// Store returns the sub-store owning prefix.
func (m *Manager) Store(prefix rune) (*store.ObservableStore, bool) {
	reg, ok := m.byPrefix[prefix]
	if !ok {
		return nil, false
	}
	return reg.store, true
}

// Union returns the union store. Callers may read and subscribe to it
// but must not mutate it.
func (m *Manager) Union() *store.ObservableStore { return m.union }

// Len returns the number of entries across all sub-stores.
func (m *Manager) Len() int { return m.union.Len() }

// Err returns the first consistency violation, or nil. Once set it is
// never cleared; the structure is undefined from then on.
func (m *Manager) Err() error { return m.err }

// TryAdd routes tag to its sub-store, inserts it over ind and mirrors it
// into the union.
//
// Outputs:
//   - bool: False when no key owns the tag's prefix or the key rejects the
//     tag. Nothing changes in that case.
func (m *Manager) TryAdd(tag *ranges.Tag, ind ranges.Indices) bool {
	reg, ok := m.route(tag)
	if !ok {
		return false
	}
	pos, ok := reg.store.Via(m.origin).Insert(tag, ind)
	if !ok {
		return false
	}
	m.mirrorInsert(reg, pos)
	return true
}

// TryAddAt inserts tag over [start, end) ahead of every entry the union
// already holds at start, whichever sub-store owns them.
func (m *Manager) TryAddAt(tag *ranges.Tag, start, end int64) bool {
	reg, ok := m.route(tag)
	if !ok {
		return false
	}
	ind, err := ranges.NewIndices(start, end, m.union.DefaultOrder(start))
	if err != nil {
		return false
	}
	pos, ok := reg.store.Via(m.origin).Insert(tag, ind)
	if !ok {
		return false
	}
	m.mirrorInsert(reg, pos)
	return true
}

// Remove removes tag over exactly ind from its sub-store and the union.
func (m *Manager) Remove(tag *ranges.Tag, ind ranges.Indices) bool {
	reg, ok := m.route(tag)
	if !ok {
		return false
	}
	pos, ok := reg.store.Find(ranges.Entry{Tag: tag, Indices: ind})
	if !ok {
		return false
	}
	e, _ := reg.store.Via(m.origin).RemovePosition(pos)
	m.mirrorRemove(e)
	return true
}

// RemoveTag removes the first entry holding tag.
//
// Complexity: O(n) in the size of the owning sub-store.
func (m *Manager) RemoveTag(tag *ranges.Tag) bool {
	reg, ok := m.route(tag)
	if !ok {
		return false
	}
	ind, ok := reg.store.IndicesOf(tag)
	if !ok {
		return false
	}
	return m.Remove(tag, ind)
}

// RemoveAllAt removes every entry at start from every sub-store.
//
// Outputs:
//   - int: Number of removed entries.
func (m *Manager) RemoveAllAt(start int64) int {
	var removed []ranges.Entry
	for _, reg := range m.regs {
		reg.store.Via(m.origin).RemoveAllAt(start, &removed)
	}
	if len(removed) == 0 {
		return 0
	}
	if n := m.unionW.RemoveAllAt(start, nil); n != len(removed) {
		m.fail("remove_all", fmt.Errorf("%w: removed %d sub-store entries at %d but %d union entries",
			ErrInconsistent, len(removed), start, n))
	}
	return len(removed)
}

// Clear empties every sub-store and the union.
func (m *Manager) Clear() {
	for _, reg := range m.regs {
		reg.store.Via(m.origin).Clear()
	}
	m.unionW.Clear()
}

// Close detaches the manager from its sub-stores. The stores keep their
// content but changes to them are no longer replayed.
func (m *Manager) Close() {
	for _, reg := range m.regs {
		reg.store.Unsubscribe(reg.subID)
	}
}

// Validate checks every store's ordering and the union/sub-store
// bijection.
//
// Complexity: O(n log n).
func (m *Manager) Validate() error {
	if err := m.union.Validate(); err != nil {
		return fmt.Errorf("union: %w", err)
	}
	total := 0
	for _, reg := range m.regs {
		if err := reg.store.Validate(); err != nil {
			return fmt.Errorf("%s: %w", keyName(reg.key), err)
		}
		total += reg.store.Len()
		for _, e := range reg.store.All() {
			if _, ok := m.union.Find(e); !ok {
				return fmt.Errorf("%w: %v missing from union", ErrInconsistent, e)
			}
		}
	}
	if total != m.union.Len() {
		return fmt.Errorf("%w: union holds %d entries, sub-stores %d", ErrInconsistent, m.union.Len(), total)
	}
	return nil
}

// =============================================================================
// Mirroring
// =============================================================================

func (m *Manager) owns(tag *ranges.Tag) bool {
	_, ok := m.byPrefix[tag.Prefix()]
	return ok
}

func (m *Manager) route(tag *ranges.Tag) (*registration, bool) {
	if tag == nil {
		return nil, false
	}
	reg, ok := m.byPrefix[tag.Prefix()]
	return reg, ok
}

// onSubChange replays a sub-store change that the manager did not cause.
func (m *Manager) onSubChange(reg *registration, c store.Change) {
	if c.Origin == m.origin || c.Seq <= reg.syncedSeq {
		return
	}
	recordReplay(m.options.Name, c.Kind.String())

	switch c.Kind {
	case store.ChangeAdd:
		e, _ := c.Entry()
		pos, ok := reg.store.Find(e)
		if !ok {
			m.fail("replay_add", fmt.Errorf("%w: added entry %v not found in %s", ErrInconsistent, e, keyName(reg.key)))
			return
		}
		m.mirrorInsert(reg, pos)

	case store.ChangeRemove:
		m.mirrorRemove(c.Entries...)

	case store.ChangeReplace:
		e, _ := c.Entry()
		if !m.mirrorRemove(c.Replaced) {
			return
		}
		pos, ok := reg.store.Find(e)
		if !ok {
			m.fail("replay_replace", fmt.Errorf("%w: replacement %v not found in %s", ErrInconsistent, e, keyName(reg.key)))
			return
		}
		m.mirrorInsert(reg, pos)

	case store.ChangeReset:
		m.rebuild()

	default:
		m.fail("replay", fmt.Errorf("%w: %s change", store.ErrNotImplemented, c.Kind))
	}
}

// mirrorInsert copies the sub-store entry at ownerPos into the union and
// runs the validation pass at its start.
//
// Description:
//
//	The copy goes ahead of union entries with an equal (start, order), so
//	the newest entry wins, but never ahead of the copy of its own
//	sub-store predecessor. This keeps each sub-store's relative order
//	intact inside the union.
func (m *Manager) mirrorInsert(reg *registration, ownerPos int) bool {
	e := reg.store.At(ownerPos)
	pos, _ := m.union.Search(e.Start(), e.Order())

	if ownerPos > 0 {
		if prev := reg.store.At(ownerPos - 1); prev.Start() == e.Start() {
			pi, ok := m.union.Find(prev)
			if !ok {
				m.fail("mirror_insert", fmt.Errorf("%w: predecessor %v of %v missing from union", ErrInconsistent, prev, e))
				return false
			}
			pos = max(pos, pi+1)
		}
	}

	if err := m.unionW.InsertPosition(pos, e); err != nil {
		m.fail("mirror_insert", err)
		return false
	}
	return m.reconcile(e.Start())
}

// mirrorRemove removes the union copies of entries.
func (m *Manager) mirrorRemove(entries ...ranges.Entry) bool {
	for _, e := range entries {
		pos, ok := m.union.Find(e)
		if !ok {
			m.fail("mirror_remove", fmt.Errorf("%w: %v missing from union", ErrInconsistent, e))
			return false
		}
		m.unionW.RemovePosition(pos)
	}
	return true
}

type ownerFix struct {
	reg *registration
	pos int
	e   ranges.Entry
}

type unionFix struct {
	pos int
	e   ranges.Entry
}

// reconcile is the order-validation pass over the union entries at start.
//
// Description:
//
//	Walks the union block in order and pairs the k-th union entry of each
//	sub-store with that sub-store's k-th entry at start. The target order
//	of each entry is its sub-store order, raised to previous+1 when it
//	does not exceed its union predecessor. Targets are written back to
//	both stores from the end of the block, so every intermediate state
//	stays sorted.
//
// Outputs:
//   - bool: False on a consistency violation.
func (m *Manager) reconcile(start int64) bool {
	lo, hi := m.union.Span(start)
	if lo == hi {
		return true
	}

	var (
		ufix []unionFix
		ofix []ownerFix
		prev int64
	)
	seen := make(map[*registration]int, len(m.regs))

	for p := lo; p < hi; p++ {
		u := m.union.At(p)
		reg, ok := m.byPrefix[u.Tag.Prefix()]
		if !ok {
			m.fail("reconcile", fmt.Errorf("%w: union entry %v has no owner", ErrInconsistent, u))
			return false
		}

		olo, ohi := reg.store.Span(start)
		k := seen[reg]
		seen[reg] = k + 1
		if olo+k >= ohi {
			m.fail("reconcile", fmt.Errorf("%w: union entry %v has no counterpart in %s", ErrInconsistent, u, keyName(reg.key)))
			return false
		}
		oe := reg.store.At(olo + k)
		if oe.Tag != u.Tag || oe.Indices.End() != u.Indices.End() {
			m.fail("reconcile", fmt.Errorf("%w: union entry %v paired with %v", ErrInconsistent, u, oe))
			return false
		}

		want := oe.Order()
		if p > lo && want <= prev {
			want = prev + 1
		}
		if u.Order() != want {
			ufix = append(ufix, unionFix{pos: p, e: ranges.Entry{Tag: u.Tag, Indices: u.Indices.WithOrder(want)}})
		}
		if oe.Order() != want {
			ofix = append(ofix, ownerFix{reg: reg, pos: olo + k, e: ranges.Entry{Tag: oe.Tag, Indices: oe.Indices.WithOrder(want)}})
		}
		prev = want
	}

	for _, reg := range m.regs {
		olo, ohi := reg.store.Span(start)
		if ohi-olo != seen[reg] {
			m.fail("reconcile", fmt.Errorf("%w: %s holds %d entries at %d, union holds %d",
				ErrInconsistent, keyName(reg.key), ohi-olo, start, seen[reg]))
			return false
		}
	}

	for i := len(ofix) - 1; i >= 0; i-- {
		f := ofix[i]
		if err := f.reg.store.Via(m.origin).ReplaceAt(f.pos, f.e); err != nil {
			m.fail("reconcile", err)
			return false
		}
	}
	for i := len(ufix) - 1; i >= 0; i-- {
		f := ufix[i]
		if err := m.unionW.ReplaceAt(f.pos, f.e); err != nil {
			m.fail("reconcile", err)
			return false
		}
	}
	recordBumps(m.options.Name, len(ufix))
	return true
}

type rebuildItem struct {
	e   ranges.Entry
	reg *registration
	pos int
}

// rebuild replaces the union with a sort-merge of all sub-stores.
//
// Description:
//
//	Entries are ordered by (start, order) with key registration rank as
//	the final tiebreak, then renumbered per start exactly like reconcile.
//	Renumbered orders are written back to the sub-stores and the union is
//	loaded in one step, emitting a single Reset.
func (m *Manager) rebuild() {
	ctx, span := startRebuildSpan(context.Background(), m.options.Name)
	defer span.End()
	started := time.Now()

	var items []rebuildItem
	for _, reg := range m.regs {
		reg.syncedSeq = reg.store.Seq()
		for pos, e := range reg.store.All() {
			items = append(items, rebuildItem{e: e, reg: reg, pos: pos})
		}
	}
	slices.SortStableFunc(items, func(a, b rebuildItem) int {
		if c := a.e.Compare(b.e); c != 0 {
			return c
		}
		return cmp.Compare(a.reg.rank, b.reg.rank)
	})

	merged := make([]ranges.Entry, len(items))
	bumps := 0
	for i, it := range items {
		e := it.e
		if i > 0 {
			prev := merged[i-1]
			if prev.Start() == e.Start() && e.Order() <= prev.Order() {
				e.Indices = e.Indices.WithOrder(prev.Order() + 1)
				bumps++
			}
		}
		merged[i] = e
	}

	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		if merged[i].Order() == it.e.Order() {
			continue
		}
		if err := it.reg.store.Via(m.origin).ReplaceAt(it.pos, merged[i]); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "write back failed")
			m.fail("rebuild", err)
			return
		}
	}

	if err := m.unionW.Load(merged); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "union load failed")
		m.fail("rebuild", err)
		return
	}

	span.SetAttributes(
		attribute.Int("manager.entries", len(merged)),
		attribute.Int("manager.bumps", bumps),
	)
	span.SetStatus(codes.Ok, "")
	recordBumps(m.options.Name, bumps)
	recordRebuild(ctx, m.options.Name, time.Since(started).Seconds(), len(merged))

	m.options.Logger.Debug("union rebuilt",
		slog.String("manager", m.options.Name),
		slog.Int("entries", len(merged)),
		slog.Int("bumps", bumps),
	)
}

// fail records a consistency violation. Only the first one is kept.
func (m *Manager) fail(op string, err error) {
	if !errors.Is(err, ErrInconsistent) {
		err = fmt.Errorf("%w: %w", ErrInconsistent, err)
	}
	recordViolation(m.options.Name)
	m.options.Logger.Error("union consistency violation",
		slog.String("manager", m.options.Name),
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	if m.err == nil {
		m.err = err
	}
}
