// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manager routes tags into keyed sub-stores and keeps an
// order-consistent union of all of them.
//
// Each registered Key owns one ObservableStore and a unique prefix rune;
// a tag goes to the store whose key prefix matches the tag's prefix. The
// union store holds a copy of every sub-store entry. After each change the
// entries sharing a start in the union are renumbered so their orders are
// strictly increasing, and every renumbering is written back to the owning
// sub-store.
//
// # Consistency
//
// A failed mirror between a sub-store and the union means the two have
// diverged. The manager logs the violation, records ErrInconsistent
// (see Manager.Err) and does not try to repair it.
package manager

import "errors"

// Sentinel errors for manager operations.
var (
	// ErrDuplicateKey is returned when a key is registered twice.
	ErrDuplicateKey = errors.New("key already registered")

	// ErrDuplicatePrefix is returned when a key's prefix is already owned
	// by another key.
	ErrDuplicatePrefix = errors.New("prefix already registered")

	// ErrNilKey is returned when AddKey receives a nil key.
	ErrNilKey = errors.New("key must not be nil")

	// ErrUnknownPrefix is returned when no key owns a tag's prefix.
	ErrUnknownPrefix = errors.New("no key owns prefix")

	// ErrInconsistent marks a divergence between the union and a sub-store.
	ErrInconsistent = errors.New("union and sub-store diverged")
)
