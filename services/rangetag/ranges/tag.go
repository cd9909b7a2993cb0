// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ranges

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// NoPrefix is the prefix of a tag that is not routed to any key.
const NoPrefix rune = 0

// Tag is an opaque tag discovered by a parser.
//
// Tags are compared by pointer identity. The index never interprets the
// name or the parameters.
type Tag struct {
	name   string
	prefix rune
	params map[string]string
}

// NewTag creates a tag. The params map is copied.
func NewTag(name string, prefix rune, params map[string]string) *Tag {
	t := &Tag{name: name, prefix: prefix}
	if len(params) > 0 {
		t.params = maps.Clone(params)
	}
	return t
}

// Name returns the tag name.
func (t *Tag) Name() string { return t.name }

// Prefix returns the routing character, or NoPrefix.
func (t *Tag) Prefix() rune { return t.prefix }

// Param returns a parameter value.
func (t *Tag) Param(key string) (string, bool) {
	v, ok := t.params[key]
	return v, ok
}

// Params returns a copy of the parameter map.
func (t *Tag) Params() map[string]string {
	return maps.Clone(t.params)
}

// String renders the tag the way a markup parser would see it,
// e.g. "<!wave amp=2>".
func (t *Tag) String() string {
	if t == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteByte('<')
	if t.prefix != NoPrefix {
		b.WriteRune(t.prefix)
	}
	b.WriteString(t.name)
	for _, k := range slices.Sorted(maps.Keys(t.params)) {
		fmt.Fprintf(&b, " %s=%s", k, t.params[k])
	}
	b.WriteByte('>')
	return b.String()
}
