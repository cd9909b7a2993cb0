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
	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree around a fresh app.
func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "rangetag",
		Short: "Inspect and maintain a range-tag index",
		Long: `rangetag keeps tags attached to index ranges, sorted by start and a
tie-breaking order, across one store per tag key plus a merged union.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (YAML, or TOML by .toml extension)")
	flags.StringVarP(&a.fixturePath, "fixture", "f", "", "fixture file of tagged ranges to load")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&a.jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(
		newQueryCmd(a),
		newDumpCmd(a),
		newOverlapCmd(a),
		newSnapshotCmd(a),
		newWatchCmd(a),
	)
	return rootCmd
}
