// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache answers "which tags cover index i" for a store that is
// read one index at a time.
//
// A PositionCache follows an ObservableStore through its change feed and
// keeps, for every covered index, a MinMax window: the lowest and highest
// array positions of the entries covering that index. A query scans only
// the window, and stops as soon as an entry starts after the index.
//
// Open-ended entries cover every index from their start on; they share a
// single window instead of one per index.
package cache

import "errors"

// ErrInconsistent marks a window that could not be repaired. The cache
// logs it, keeps the first one (see PositionCache.Err) and makes no attempt
// at repair.
var ErrInconsistent = errors.New("position cache inconsistent")
