// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides the ordered tag collections the rest of rangetag
// is built on.
//
// OrderedStore keeps (Tag, Indices) entries sorted by (start, order) and
// offers binary-search insert, remove and lookup. ObservableStore adds a
// synchronous change feed so dependent structures (the manager's union,
// position caches) can follow a store incrementally.
//
// # Thread Safety
//
// Stores are not safe for concurrent use. Callers that share a store
// between goroutines must serialize access themselves.
package store

import "errors"

// Sentinel errors for store operations.
var (
	// ErrNotImplemented is returned by operations the change feed cannot
	// describe, such as moving an entry between positions.
	ErrNotImplemented = errors.New("not implemented")

	// ErrRejected is returned when the store's validator refuses a tag
	// during a bulk load.
	ErrRejected = errors.New("tag rejected by validator")

	// ErrOutOfOrder is returned when a replacement would break the
	// (start, order) sort of the store.
	ErrOutOfOrder = errors.New("entry out of order")

	// ErrPosition is returned for a position outside [0, Len()).
	ErrPosition = errors.New("position out of range")
)
