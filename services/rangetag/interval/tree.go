// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package interval provides a static centered interval tree.
//
// The tree is independent of tags: it answers point and range overlap
// queries over any closed intervals [From, To] whose endpoints can be
// compared. Add and Remove only mark the tree stale; the next query
// rebuilds it, so batches of edits cost one rebuild.
package interval

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Sentinel errors for interval tree operations.
var (
	ErrInvalidInterval = errors.New("interval From must not exceed To")
	ErrNilCompare      = errors.New("compare function must not be nil")
	ErrCorrupted       = errors.New("interval tree invariant violated")
)

// Interval is a closed interval [From, To] carrying a value.
type Interval[K, V comparable] struct {
	From  K
	To    K
	Value V
}

func (iv Interval[K, V]) String() string {
	return fmt.Sprintf("[%v,%v]=%v", iv.From, iv.To, iv.Value)
}

// Option configures a Tree.
type Option func(*options)

type options struct {
	name   string
	logger *slog.Logger
}

// WithName sets the tree name used in logs and spans.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithLogger sets the tree logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// node is one centered node of the tree.
type node[K, V comparable] struct {
	center K
	left   *node[K, V]
	right  *node[K, V]

	// items contain center, sorted by (From, To).
	items []Interval[K, V]
}

// Tree is a lazily rebuilt centered interval tree.
//
// Description:
//
//	Each node picks the median of its intervals' endpoints as center.
//	Intervals ending before the center go left, intervals starting after
//	it go right, and the rest stay at the node sorted by (From, To) so a
//	scan can stop at the first From past the query.
//
// Invariants:
//   - every item of a node contains the node's center
//   - every item in the left subtree has To < center
//   - every item in the right subtree has From > center
//   - when in sync, the tree holds exactly the added items
//
// Thread Safety: Not safe for concurrent use. Queries may rebuild the
// tree, so even concurrent reads must be serialized.
type Tree[K, V comparable] struct {
	compare func(a, b K) int
	options options

	items  []Interval[K, V]
	root   *node[K, V]
	inSync bool

	rebuilds  int64
	buildTime time.Duration
}

// TreeStats contains statistics about the tree.
type TreeStats struct {
	Items          int           // Number of intervals
	Nodes          int           // Number of nodes
	Depth          int           // Longest root-to-leaf path
	MaxCenterItems int           // Largest node item list
	InSync         bool          // False when the next query rebuilds
	Rebuilds       int64         // Rebuilds performed
	BuildTime      time.Duration // Duration of the last rebuild
}

// New creates an empty tree over naturally ordered keys.
//
// Example:
//
//	t := interval.New[int64, string]()
//	t.Add(0, 4, "a")
//	t.Add(3, 9, "b")
//	hits := t.Query(4) // [0,4]=a and [3,9]=b
func New[K cmp.Ordered, V comparable](opts ...Option) *Tree[K, V] {
	t, _ := NewWithCompare[K, V](cmp.Compare[K], opts...)
	return t
}

// NewWithCompare creates an empty tree ordered by compare.
//
// Inputs:
//   - compare: Returns <0, 0 or >0 like cmp.Compare. Must not be nil.
//
// Outputs:
//   - *Tree: The tree. Nil on error.
//   - error: ErrNilCompare.
func NewWithCompare[K, V comparable](compare func(a, b K) int, opts ...Option) (*Tree[K, V], error) {
	if compare == nil {
		return nil, ErrNilCompare
	}
	o := options{name: "interval"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return &Tree[K, V]{
		compare: compare,
		options: o,
		inSync:  true,
	}, nil
}

// Add inserts [from, to] with value v and marks the tree stale.
//
// Outputs:
//   - error: ErrInvalidInterval when from > to.
//
// Complexity: O(1).
func (t *Tree[K, V]) Add(from, to K, v V) error {
	if t.compare(from, to) > 0 {
		return fmt.Errorf("%w: [%v,%v]", ErrInvalidInterval, from, to)
	}
	t.items = append(t.items, Interval[K, V]{From: from, To: to, Value: v})
	t.inSync = false
	return nil
}

// Remove deletes one interval equal to [from, to] with value v and marks
// the tree stale.
//
// Complexity: O(n).
func (t *Tree[K, V]) Remove(from, to K, v V) bool {
	i := slices.IndexFunc(t.items, func(iv Interval[K, V]) bool {
		return iv.Value == v && t.compare(iv.From, from) == 0 && t.compare(iv.To, to) == 0
	})
	if i < 0 {
		return false
	}
	t.items = slices.Delete(t.items, i, i+1)
	t.inSync = false
	return true
}

// Len returns the number of intervals.
func (t *Tree[K, V]) Len() int { return len(t.items) }

// Items returns a copy of the intervals in insertion order.
func (t *Tree[K, V]) Items() []Interval[K, V] { return slices.Clone(t.items) }

// Clear removes every interval.
func (t *Tree[K, V]) Clear() {
	t.items = nil
	t.root = nil
	t.inSync = true
}

// Query returns every interval containing p. Order is unspecified.
func (t *Tree[K, V]) Query(p K) []Interval[K, V] {
	t.ensure()
	var out []Interval[K, V]
	for n := t.root; n != nil; {
		for _, iv := range n.items {
			if t.compare(iv.From, p) > 0 {
				break
			}
			if t.compare(iv.To, p) >= 0 {
				out = append(out, iv)
			}
		}
		switch c := t.compare(p, n.center); {
		case c < 0:
			n = n.left
		case c > 0:
			n = n.right
		default:
			return out
		}
	}
	return out
}

// QueryRange returns every interval overlapping [from, to]. Order is
// unspecified. A reversed range matches nothing.
func (t *Tree[K, V]) QueryRange(from, to K) []Interval[K, V] {
	if t.compare(from, to) > 0 {
		return nil
	}
	t.ensure()
	var out []Interval[K, V]
	t.queryRange(t.root, from, to, &out)
	return out
}

func (t *Tree[K, V]) queryRange(n *node[K, V], from, to K, out *[]Interval[K, V]) {
	for n != nil {
		for _, iv := range n.items {
			if t.compare(iv.From, to) > 0 {
				break
			}
			if t.compare(iv.To, from) >= 0 {
				*out = append(*out, iv)
			}
		}
		goLeft := t.compare(from, n.center) < 0
		goRight := t.compare(to, n.center) > 0
		switch {
		case goLeft && goRight:
			t.queryRange(n.left, from, to, out)
			n = n.right
		case goLeft:
			n = n.left
		case goRight:
			n = n.right
		default:
			return
		}
	}
}

func (t *Tree[K, V]) ensure() {
	if !t.inSync {
		t.Rebuild(context.Background())
	}
}

// Rebuild reconstructs the tree from its intervals.
//
// Description:
//
//	Queries call Rebuild on their own when the tree is stale; calling it
//	directly moves the cost out of the first query.
//
// Algorithm:
//
//	Time:  O(n log² n) worst case (endpoint sort per level)
//	Space: O(n)
func (t *Tree[K, V]) Rebuild(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	_, span := otel.Tracer("rangetag.interval").Start(ctx, "interval.Tree.Rebuild",
		trace.WithAttributes(
			attribute.String("name", t.options.name),
			attribute.Int("items", len(t.items)),
		),
	)
	defer span.End()

	start := time.Now()
	t.root = t.build(slices.Clone(t.items))
	t.inSync = true
	t.rebuilds++
	t.buildTime = time.Since(start)

	span.SetAttributes(attribute.Int64("build_time_us", t.buildTime.Microseconds()))
	span.SetStatus(codes.Ok, "interval tree rebuilt")

	t.options.logger.Debug("interval tree rebuilt",
		slog.String("name", t.options.name),
		slog.Int("items", len(t.items)),
		slog.Duration("build_time", t.buildTime),
	)
}

// build partitions items around the median endpoint.
func (t *Tree[K, V]) build(items []Interval[K, V]) *node[K, V] {
	if len(items) == 0 {
		return nil
	}

	endpoints := make([]K, 0, 2*len(items))
	for _, iv := range items {
		endpoints = append(endpoints, iv.From, iv.To)
	}
	slices.SortFunc(endpoints, t.compare)
	center := endpoints[len(endpoints)/2]

	// The center is some interval's endpoint, so mid is never empty and
	// both sides shrink.
	var left, right, mid []Interval[K, V]
	for _, iv := range items {
		switch {
		case t.compare(iv.To, center) < 0:
			left = append(left, iv)
		case t.compare(iv.From, center) > 0:
			right = append(right, iv)
		default:
			mid = append(mid, iv)
		}
	}
	slices.SortFunc(mid, func(a, b Interval[K, V]) int {
		if c := t.compare(a.From, b.From); c != 0 {
			return c
		}
		return t.compare(a.To, b.To)
	})

	return &node[K, V]{
		center: center,
		left:   t.build(left),
		right:  t.build(right),
		items:  mid,
	}
}

// Stats returns statistics about the tree. It does not rebuild.
func (t *Tree[K, V]) Stats() TreeStats {
	s := TreeStats{
		Items:     len(t.items),
		InSync:    t.inSync,
		Rebuilds:  t.rebuilds,
		BuildTime: t.buildTime,
	}
	if !t.inSync {
		return s
	}
	var walk func(n *node[K, V], depth int)
	walk = func(n *node[K, V], depth int) {
		if n == nil {
			return
		}
		s.Nodes++
		s.Depth = max(s.Depth, depth)
		s.MaxCenterItems = max(s.MaxCenterItems, len(n.items))
		walk(n.left, depth+1)
		walk(n.right, depth+1)
	}
	walk(t.root, 1)
	return s
}

// Validate rebuilds if needed and checks every node invariant.
func (t *Tree[K, V]) Validate() error {
	t.ensure()
	count, err := t.validate(t.root, nil, nil)
	if err != nil {
		return err
	}
	if count != len(t.items) {
		return fmt.Errorf("%w: tree holds %d items, expected %d", ErrCorrupted, count, len(t.items))
	}
	return nil
}

// validate checks n against the open bounds (lo, hi) inherited from its
// ancestors' centers and returns the subtree's item count.
func (t *Tree[K, V]) validate(n *node[K, V], lo, hi *K) (int, error) {
	if n == nil {
		return 0, nil
	}
	for i, iv := range n.items {
		if t.compare(iv.From, n.center) > 0 || t.compare(iv.To, n.center) < 0 {
			return 0, fmt.Errorf("%w: %v does not contain center %v", ErrCorrupted, iv, n.center)
		}
		if lo != nil && t.compare(iv.From, *lo) <= 0 {
			return 0, fmt.Errorf("%w: %v not right of ancestor center %v", ErrCorrupted, iv, *lo)
		}
		if hi != nil && t.compare(iv.To, *hi) >= 0 {
			return 0, fmt.Errorf("%w: %v not left of ancestor center %v", ErrCorrupted, iv, *hi)
		}
		if i > 0 {
			prev := n.items[i-1]
			if c := t.compare(prev.From, iv.From); c > 0 || (c == 0 && t.compare(prev.To, iv.To) > 0) {
				return 0, fmt.Errorf("%w: %v sorted after %v", ErrCorrupted, prev, iv)
			}
		}
	}
	center := n.center
	nl, err := t.validate(n.left, lo, &center)
	if err != nil {
		return 0, err
	}
	nr, err := t.validate(n.right, &center, hi)
	if err != nil {
		return 0, err
	}
	return len(n.items) + nl + nr, nil
}
