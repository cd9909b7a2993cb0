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
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/rangetag/services/rangetag/manager"
	"github.com/AleutianAI/rangetag/services/rangetag/ranges"
	"github.com/AleutianAI/rangetag/services/rangetag/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tag(name string) *ranges.Tag {
	return ranges.NewTag(name, '!', nil)
}

func tagNames(entries []ranges.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Tag.Name())
	}
	return out
}

// naiveContaining is the reference O(n) scan.
func naiveContaining(entries []ranges.Entry, i int64) []ranges.Entry {
	var out []ranges.Entry
	for _, e := range entries {
		if e.Start() <= i && e.Covers(i) {
			out = append(out, e)
		}
	}
	return out
}

func naiveAt(entries []ranges.Entry, i int64) []ranges.Entry {
	var out []ranges.Entry
	for _, e := range entries {
		if e.Start() == i {
			out = append(out, e)
		}
	}
	return out
}

func TestPositionCache_Queries(t *testing.T) {
	s := store.NewObservableStore()
	require.True(t, s.TryAddAt(tag("a"), 0, 5))
	require.True(t, s.TryAddAt(tag("b"), 2, 7))
	require.True(t, s.TryAddAt(tag("empty"), 3, 3))
	require.True(t, s.TryAddAt(tag("c"), 3, 4))

	c := New(s, WithLogger(quietLogger()))
	defer c.Close()

	assert.Equal(t, []string{"a"}, tagNames(c.GetContaining(1)))
	assert.Equal(t, []string{"a", "b", "c"}, tagNames(c.GetContaining(3)))
	assert.Equal(t, []string{"b"}, tagNames(c.GetContaining(6)))
	assert.Empty(t, c.GetContaining(7))

	assert.Equal(t, []string{"c", "empty"}, tagNames(c.GetAt(3)))
	assert.Empty(t, c.GetAt(4))

	assert.True(t, c.HasAnyAt(3))
	assert.False(t, c.HasAnyAt(4))
	assert.True(t, c.HasAnyContaining(6))
	assert.False(t, c.HasAnyContaining(7))

	lo, hi, ok := c.Bounds()
	require.True(t, ok)
	assert.Equal(t, int64(0), lo)
	assert.Equal(t, int64(6), hi)
	assert.NoError(t, c.Validate())
}

func TestPositionCache_EnumeratorsAgree(t *testing.T) {
	s := store.NewObservableStore()
	require.True(t, s.TryAddAt(tag("a"), 0, 9))
	require.True(t, s.TryAddAt(tag("b"), 1, 3))
	require.True(t, s.TryAddAt(tag("c"), 2, 6))
	require.True(t, s.TryAddAt(tag("d"), 4, 5))

	c := New(s)
	defer c.Close()

	var fwd, bwd, seq []string
	for it := c.Forward(2); it.Next(); {
		fwd = append(fwd, it.Entry().Tag.Name())
	}
	for it := c.Backward(2); it.Next(); {
		bwd = append(bwd, it.Entry().Tag.Name())
	}
	for e := range c.Containing(2) {
		seq = append(seq, e.Tag.Name())
	}

	assert.Equal(t, []string{"a", "b", "c"}, fwd)
	assert.Equal(t, fwd, seq)
	slices.Reverse(bwd)
	assert.Equal(t, fwd, bwd)

	dst := make([]ranges.Entry, 0, 4)
	dst = c.AppendContaining(dst, 4)
	assert.Equal(t, []string{"a", "c", "d"}, tagNames(dst))
}

func TestPositionCache_RemoveGlobalMax(t *testing.T) {
	s := store.NewObservableStore()
	a, b := tag("a"), tag("b")
	require.True(t, s.TryAddAt(a, 0, 5))
	require.True(t, s.TryAddAt(b, 2, 10))

	c := New(s)
	defer c.Close()

	_, hi, _ := c.Bounds()
	assert.Equal(t, int64(9), hi)
	assert.True(t, c.HasAnyContaining(8))

	ind, ok := s.IndicesOf(b)
	require.True(t, ok)
	require.True(t, s.Remove(b, ind))

	_, hi, ok = c.Bounds()
	require.True(t, ok)
	assert.Equal(t, int64(4), hi)
	assert.False(t, c.HasAnyContaining(8))
	assert.NoError(t, c.Validate())
	assert.NoError(t, c.Err())
}

func TestPositionCache_OpenEndedEntries(t *testing.T) {
	s := store.NewObservableStore()
	require.True(t, s.TryAddAt(tag("closed"), 0, 3))
	require.True(t, s.TryAddAt(tag("open"), 5, ranges.OpenEnd))
	require.True(t, s.TryAddAt(tag("late"), 7, 8))

	c := New(s)
	defer c.Close()

	assert.False(t, c.HasAnyContaining(4))
	assert.True(t, c.HasAnyContaining(1_000))
	assert.Equal(t, []string{"open", "late"}, tagNames(c.GetContaining(7)))
	assert.Equal(t, []string{"open"}, tagNames(c.GetContaining(1_000)))
	assert.Equal(t, 1, c.Stats().OpenEntries)

	require.True(t, s.RemoveAt(5))
	assert.False(t, c.HasAnyContaining(1_000))
	assert.Equal(t, 0, c.Stats().OpenEntries)
	assert.NoError(t, c.Validate())
}

func TestPositionCache_ResetRebuildsLazily(t *testing.T) {
	s := store.NewObservableStore()
	require.True(t, s.TryAddAt(tag("a"), 0, 2))

	c := New(s)
	defer c.Close()
	assert.Equal(t, int64(1), c.stats.Rebuilds)

	require.NoError(t, s.Load([]ranges.Entry{
		{Tag: tag("x"), Indices: ranges.MustIndices(4, 6, 0)},
	}))
	assert.True(t, c.dirty)
	assert.Equal(t, int64(1), c.stats.Rebuilds)

	assert.Equal(t, []string{"x"}, tagNames(c.GetContaining(5)))
	assert.Equal(t, int64(2), c.Stats().Rebuilds)
	assert.NoError(t, c.Validate())
}

func TestPositionCache_CloseStopsTracking(t *testing.T) {
	s := store.NewObservableStore()
	c := New(s)
	c.Close()
	require.True(t, s.TryAddAt(tag("a"), 0, 2))
	assert.Empty(t, c.GetContaining(1))
	assert.Equal(t, 0, s.SubscriberCount())
}

func TestPositionCache_RandomizedAgainstNaiveScan(t *testing.T) {
	s := store.NewObservableStore()
	c := New(s, WithLogger(quietLogger()))
	defer c.Close()
	rng := rand.New(rand.NewPCG(1, 2))

	randomEnd := func(start int64) int64 {
		if rng.IntN(8) == 0 {
			return ranges.OpenEnd
		}
		return start + rng.Int64N(7)
	}

	for step := 0; step < 1500; step++ {
		start := rng.Int64N(20)
		switch op := rng.IntN(10); {
		case op < 4:
			s.TryAdd(tag("t"), ranges.MustIndices(start, randomEnd(start), rng.Int64N(4)))
		case op < 5:
			s.TryAddAt(tag("t"), start, randomEnd(start))
		case op < 7:
			if n := s.Len(); n > 0 {
				_, ok := s.RemovePosition(rng.IntN(n))
				require.True(t, ok)
			}
		case op < 8:
			s.RemoveAllAt(start, nil)
		case op < 9:
			if n := s.Len(); n > 0 {
				pos := rng.IntN(n)
				e := s.At(pos)
				require.NoError(t, s.ReplaceAt(pos, ranges.Entry{
					Tag:     e.Tag,
					Indices: ranges.MustIndices(e.Start(), randomEnd(e.Start()), e.Order()),
				}))
			}
		default:
			if rng.IntN(5) == 0 {
				require.NoError(t, s.Load(s.Entries()))
			}
		}

		if step%10 != 0 {
			continue
		}
		require.NoError(t, c.Validate(), "step %d", step)
		entries := s.Entries()
		for i := int64(0); i < 30; i++ {
			require.Equal(t, naiveContaining(entries, i), c.AppendContaining(nil, i), "step %d index %d", step, i)
			require.Equal(t, naiveAt(entries, i), c.GetAt(i), "step %d index %d", step, i)
			require.Equal(t, len(naiveContaining(entries, i)) > 0, c.HasAnyContaining(i), "step %d index %d", step, i)
		}
	}
	assert.NoError(t, c.Err())
}

func TestPositionCache_FollowsManagerUnion(t *testing.T) {
	m := manager.New(manager.WithLogger(quietLogger()))
	_, err := m.AddKey(manager.NewKey("effects", '!'))
	require.NoError(t, err)
	styles, err := m.AddKey(manager.NewKey("styles", '#'))
	require.NoError(t, err)

	c := New(m.Union(), WithName("union"))
	defer c.Close()

	require.True(t, m.TryAdd(ranges.NewTag("a", '!', nil), ranges.MustIndices(3, 6, 0)))
	require.True(t, m.TryAdd(ranges.NewTag("b", '#', nil), ranges.MustIndices(3, 4, 0)))
	require.True(t, styles.TryAddAt(ranges.NewTag("c", '#', nil), 1, 5))

	assert.Equal(t, []string{"c", "b", "a"}, tagNames(c.GetContaining(3)))
	assert.NoError(t, c.Validate())
	assert.NoError(t, m.Validate())
}

func TestPositionCache_SkipsChangesInRebuildSnapshot(t *testing.T) {
	s := store.NewObservableStore()
	x := tag("x")
	require.True(t, s.TryAddAt(x, 0, 4))

	c := New(s, WithLogger(quietLogger()))
	defer c.Close()

	b := tag("b")
	fired := false
	s.Subscribe(func(ch store.Change) {
		if ch.Kind != store.ChangeReset || fired {
			return
		}
		fired = true
		// The Add is queued behind this Reset, but the query rebuilds
		// from entries that already include it.
		require.True(t, s.TryAddAt(b, 1, 3))
		assert.Equal(t, []string{"x", "b"}, tagNames(c.GetContaining(2)))
	})

	require.NoError(t, s.Load([]ranges.Entry{{Tag: x, Indices: ranges.MustIndices(0, 4, 0)}}))
	require.True(t, fired)

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, []string{"x", "b"}, tagNames(c.GetContaining(2)))
	assert.NoError(t, c.Validate())
	assert.NoError(t, c.Err())
}
