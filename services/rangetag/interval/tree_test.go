// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package interval

import (
	"cmp"
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bruteForcePoint(items []Interval[int64, int], p int64) []Interval[int64, int] {
	var out []Interval[int64, int]
	for _, iv := range items {
		if iv.From <= p && p <= iv.To {
			out = append(out, iv)
		}
	}
	return out
}

func bruteForceRange(items []Interval[int64, int], from, to int64) []Interval[int64, int] {
	var out []Interval[int64, int]
	for _, iv := range items {
		if iv.From <= to && iv.To >= from {
			out = append(out, iv)
		}
	}
	return out
}

func TestTree_Basic(t *testing.T) {
	tree := New[int64, string]()
	require.NoError(t, tree.Add(0, 4, "a"))
	require.NoError(t, tree.Add(3, 9, "b"))
	require.NoError(t, tree.Add(6, 6, "point"))
	assert.ErrorIs(t, tree.Add(5, 1, "bad"), ErrInvalidInterval)

	assert.False(t, tree.Stats().InSync)
	hits := tree.Query(4)
	assert.ElementsMatch(t, []Interval[int64, string]{{0, 4, "a"}, {3, 9, "b"}}, hits)
	assert.True(t, tree.Stats().InSync)

	assert.ElementsMatch(t, []Interval[int64, string]{{3, 9, "b"}, {6, 6, "point"}}, tree.Query(6))
	assert.Empty(t, tree.Query(10))
	assert.ElementsMatch(t, []Interval[int64, string]{{0, 4, "a"}}, tree.QueryRange(-5, 2))
	assert.Nil(t, tree.QueryRange(5, 2))
	assert.Equal(t, 3, tree.Len())
	assert.NoError(t, tree.Validate())
}

func TestTree_RemoveMarksStale(t *testing.T) {
	tree := New[int64, string]()
	require.NoError(t, tree.Add(0, 4, "a"))
	require.NoError(t, tree.Add(0, 4, "b"))
	tree.Rebuild(context.Background())
	rebuilds := tree.Stats().Rebuilds

	assert.False(t, tree.Remove(0, 4, "c"))
	assert.True(t, tree.Stats().InSync)
	assert.True(t, tree.Remove(0, 4, "a"))
	assert.False(t, tree.Stats().InSync)

	assert.Equal(t, []Interval[int64, string]{{0, 4, "b"}}, tree.Query(2))
	assert.Equal(t, rebuilds+1, tree.Stats().Rebuilds)

	tree.Query(3)
	assert.Equal(t, rebuilds+1, tree.Stats().Rebuilds, "in-sync queries do not rebuild")

	tree.Clear()
	assert.Equal(t, 0, tree.Len())
	assert.Empty(t, tree.Query(2))
}

func TestTree_NewWithCompare(t *testing.T) {
	_, err := NewWithCompare[int, int](nil)
	assert.ErrorIs(t, err, ErrNilCompare)

	type pos struct{ line, col int }
	byPos := func(a, b pos) int {
		if c := cmp.Compare(a.line, b.line); c != 0 {
			return c
		}
		return cmp.Compare(a.col, b.col)
	}

	tree, err := NewWithCompare[pos, string](byPos, WithName("positions"))
	require.NoError(t, err)
	require.NoError(t, tree.Add(pos{1, 0}, pos{3, 5}, "block"))
	require.NoError(t, tree.Add(pos{2, 2}, pos{2, 8}, "call"))
	assert.ErrorIs(t, tree.Add(pos{4, 0}, pos{3, 9}, "bad"), ErrInvalidInterval)

	assert.ElementsMatch(t, []string{"block", "call"}, values(tree.Query(pos{2, 4})))
	assert.ElementsMatch(t, []string{"block"}, values(tree.Query(pos{3, 0})))
	assert.ElementsMatch(t, []string{"block", "call"}, values(tree.QueryRange(pos{2, 7}, pos{2, 9})))
	assert.ElementsMatch(t, []string{"block"}, values(tree.QueryRange(pos{2, 9}, pos{9, 9})))
	assert.NoError(t, tree.Validate())
}

func values[K comparable](ivs []Interval[K, string]) []string {
	out := make([]string, 0, len(ivs))
	for _, iv := range ivs {
		out = append(out, iv.Value)
	}
	return out
}

func TestTree_RandomizedAgainstBruteForce(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))

	for round := 0; round < 20; round++ {
		tree := New[int64, int]()
		n := 1 + rng.IntN(200)
		for i := 0; i < n; i++ {
			from := rng.Int64N(100)
			var to int64
			switch rng.IntN(4) {
			case 0:
				to = from // degenerate
			case 1:
				to = from + rng.Int64N(3)
			default:
				to = from + rng.Int64N(60)
			}
			require.NoError(t, tree.Add(from, to, i))
		}
		// Fully nested chain.
		for d := int64(0); d < 10; d++ {
			require.NoError(t, tree.Add(40-d, 60+d, 1000+int(d)))
		}
		// Remove a few to exercise the stale path.
		items := tree.Items()
		for k := 0; k < 5 && len(items) > 0; k++ {
			iv := items[rng.IntN(len(items))]
			tree.Remove(iv.From, iv.To, iv.Value)
			items = tree.Items()
		}

		require.NoError(t, tree.Validate(), "round %d", round)
		for p := int64(-2); p < 170; p++ {
			require.ElementsMatch(t, bruteForcePoint(items, p), tree.Query(p), "round %d point %d", round, p)
		}
		for q := 0; q < 100; q++ {
			from := rng.Int64N(180) - 10
			to := from + rng.Int64N(30)
			require.ElementsMatch(t, bruteForceRange(items, from, to), tree.QueryRange(from, to),
				"round %d range [%d,%d]", round, from, to)
		}
	}
}
