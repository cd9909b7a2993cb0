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
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/AleutianAI/rangetag/services/rangetag/ranges"
)

// entryView is the printed form of one entry.
type entryView struct {
	Key    string            `json:"key,omitempty"`
	Tag    string            `json:"tag"`
	Prefix string            `json:"prefix"`
	Params map[string]string `json:"params,omitempty"`
	Start  int64             `json:"start"`
	End    *int64            `json:"end"`
	Order  int64             `json:"order"`
}

func (a *app) view(e ranges.Entry) entryView {
	v := entryView{
		Key:    a.keyNames[e.Tag.Prefix()],
		Tag:    e.Tag.Name(),
		Prefix: string(e.Tag.Prefix()),
		Params: e.Tag.Params(),
		Start:  e.Indices.Start(),
		Order:  e.Indices.Order(),
	}
	if !e.Indices.IsOpen() {
		end := e.Indices.End()
		v.End = &end
	}
	return v
}

// printEntries writes entries as JSON or as one line each:
//
//	!wave      [4,9)   order=0  speed=2
func (a *app) printEntries(w io.Writer, entries []ranges.Entry) error {
	views := make([]entryView, len(entries))
	for i, e := range entries {
		views[i] = a.view(e)
	}

	if a.jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}

	for _, v := range views {
		end := "…"
		if v.End != nil {
			end = strconv.FormatInt(*v.End, 10)
		}
		line := fmt.Sprintf("%-12s [%d,%s)\torder=%d", v.Prefix+v.Tag, v.Start, end, v.Order)
		if len(v.Params) > 0 {
			keys := slices.Sorted(maps.Keys(v.Params))
			pairs := make([]string, len(keys))
			for i, k := range keys {
				pairs[i] = k + "=" + v.Params[k]
			}
			line += "\t" + strings.Join(pairs, " ")
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
