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
	"fmt"
	"slices"

	"github.com/AleutianAI/rangetag/services/rangetag/ranges"
)

// Key identifies one sub-store of a Manager.
//
// Implementations must be comparable; the manager uses == to detect a key
// registered twice.
type Key interface {
	// Prefix is the routing rune. Tags whose prefix equals it belong to
	// this key's sub-store.
	Prefix() rune

	// Validate reports whether the sub-store accepts tag.
	Validate(tag *ranges.Tag) bool
}

// TagKey is a Key that accepts tags by name.
type TagKey struct {
	name    string
	prefix  rune
	allowed []string
}

// NewKey creates a key routing prefix to a sub-store named name. When
// allowed is empty every tag name is accepted.
//
// Example:
//
//	effects := manager.NewKey("effects", '!', "wave", "shake")
func NewKey(name string, prefix rune, allowed ...string) *TagKey {
	return &TagKey{
		name:    name,
		prefix:  prefix,
		allowed: slices.Clone(allowed),
	}
}

// Name returns the key name.
func (k *TagKey) Name() string { return k.name }

// Prefix implements Key.
func (k *TagKey) Prefix() rune { return k.prefix }

// Allowed returns the accepted tag names, or nil when all are accepted.
func (k *TagKey) Allowed() []string { return slices.Clone(k.allowed) }

// Validate implements Key.
func (k *TagKey) Validate(tag *ranges.Tag) bool {
	if tag == nil || tag.Prefix() != k.prefix {
		return false
	}
	return len(k.allowed) == 0 || slices.Contains(k.allowed, tag.Name())
}

func (k *TagKey) String() string {
	return fmt.Sprintf("%s(%q)", k.name, k.prefix)
}

// keyName returns a printable name for any Key.
func keyName(k Key) string {
	if s, ok := k.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T(%q)", k, k.Prefix())
}
