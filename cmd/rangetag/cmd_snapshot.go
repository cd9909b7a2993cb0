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
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
)

func newSnapshotCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Save and restore the index in the snapshot database",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "save <name>",
			Short: "Save the union under a name, replacing any previous snapshot",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				snaps, closeDB, err := a.openSnapshots()
				if err != nil {
					return err
				}
				defer closeDB()

				entries := a.mgr.Union().Entries()
				if err := snaps.Save(cmd.Context(), args[0], entries); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %q (%d entries)\n", args[0], len(entries))
				return nil
			},
		},
		&cobra.Command{
			Use:   "load <name>",
			Short: "Replace the index with a snapshot and print it",
			Long: `Replace the index with a snapshot and print the result. Entries whose
prefix no configured key accepts are skipped with a warning.`,
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				snaps, closeDB, err := a.openSnapshots()
				if err != nil {
					return err
				}
				defer closeDB()

				entries, err := snaps.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				a.mgr.Clear()
				skipped := 0
				for _, e := range entries {
					if !a.mgr.TryAdd(e.Tag, e.Indices) {
						skipped++
						a.logger.Warn("snapshot entry rejected",
							slog.String("tag", e.Tag.String()),
							slog.Int64("start", e.Start()),
						)
					}
				}
				if err := a.mgr.Err(); err != nil {
					return err
				}
				a.logger.Info("snapshot loaded",
					slog.String("name", args[0]),
					slog.Int("entries", len(entries)-skipped),
					slog.Int("skipped", skipped),
				)
				return a.printEntries(cmd.OutOrStdout(), a.mgr.Union().Entries())
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List stored snapshots",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				snaps, closeDB, err := a.openSnapshots()
				if err != nil {
					return err
				}
				defer closeDB()

				infos, err := snaps.List(cmd.Context())
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if a.jsonOutput {
					enc := json.NewEncoder(w)
					enc.SetIndent("", "  ")
					return enc.Encode(infos)
				}
				for _, info := range infos {
					fmt.Fprintf(w, "%-20s %5d entries %5d tags %8d bytes  %s\n",
						info.Name, info.Entries, info.Tags, info.Size, info.SavedAt.Format(time.RFC3339))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Delete a snapshot",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				snaps, closeDB, err := a.openSnapshots()
				if err != nil {
					return err
				}
				defer closeDB()

				if err := snaps.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %q\n", args[0])
				return nil
			},
		},
	)
	return cmd
}
