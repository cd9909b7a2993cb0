// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/rangetag/services/rangetag/interval"
	"github.com/AleutianAI/rangetag/services/rangetag/ranges"
)

func parseIndex(s string) (int64, error) {
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil || i < 0 {
		return 0, fmt.Errorf("index must be a non-negative integer, got %q", s)
	}
	return i, nil
}

// newQueryCmd: rangetag query <index> [--at]
func newQueryCmd(a *app) *cobra.Command {
	var startingAt bool

	cmd := &cobra.Command{
		Use:   "query <index>",
		Short: "List the entries covering an index",
		Long: `List the entries whose range contains the index, in union order.
With --at, list the entries that start exactly at the index instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			i, err := parseIndex(args[0])
			if err != nil {
				return err
			}

			var found []ranges.Entry
			if startingAt {
				found = a.cache.GetAt(i)
			} else {
				found = a.cache.GetContaining(i)
			}
			if err := a.cache.Err(); err != nil {
				return err
			}
			return a.printEntries(cmd.OutOrStdout(), found)
		},
	}
	cmd.Flags().BoolVar(&startingAt, "at", false, "list entries starting at the index")
	return cmd
}

// newDumpCmd: rangetag dump [--validate]
func newDumpCmd(a *app) *cobra.Command {
	var validate bool

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print every entry in union order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if validate {
				if err := a.mgr.Validate(); err != nil {
					return err
				}
				if err := a.cache.Validate(); err != nil {
					return err
				}
				stats := a.cache.Stats()
				a.logger.Info("index consistent",
					slog.Int("entries", a.mgr.Len()),
					slog.Int("keys", len(a.mgr.Keys())),
					slog.Int("windows", stats.Windows),
					slog.Int("open_entries", stats.OpenEntries),
				)
			}
			return a.printEntries(cmd.OutOrStdout(), a.mgr.Union().Entries())
		},
	}
	cmd.Flags().BoolVar(&validate, "validate", false, "check union, key stores and cache for consistency first")
	return cmd
}

// newOverlapCmd: rangetag overlap --from N --to M
func newOverlapCmd(a *app) *cobra.Command {
	var from, to int64

	cmd := &cobra.Command{
		Use:   "overlap",
		Short: "List the entries overlapping an inclusive index range",
		Long: `List the entries that cover at least one index in [from, to], using an
interval tree built over the union. Open-ended entries extend to infinity;
empty entries cover nothing and never match.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if from < 0 || to < from {
				return fmt.Errorf("need 0 <= --from <= --to, got %d and %d", from, to)
			}

			tree := interval.New[int64, ranges.Entry](
				interval.WithName("overlap"),
				interval.WithLogger(a.logger.Slog()),
			)
			for _, e := range a.mgr.Union().All() {
				last, ok := e.Indices.LastCovered()
				switch {
				case ok:
				case e.Indices.IsOpen():
					last = math.MaxInt64
				default:
					continue
				}
				if err := tree.Add(e.Start(), last, e); err != nil {
					return err
				}
			}
			tree.Rebuild(cmd.Context())

			hits := tree.QueryRange(from, to)
			found := make([]ranges.Entry, len(hits))
			for i, iv := range hits {
				found[i] = iv.Value
			}
			slices.SortFunc(found, ranges.Entry.Compare)
			return a.printEntries(cmd.OutOrStdout(), found)
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "first index of the range")
	cmd.Flags().Int64Var(&to, "to", 0, "last index of the range (inclusive)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
