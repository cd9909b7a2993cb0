// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/AleutianAI/rangetag/services/rangetag/ranges"
)

var (
	// ErrSnapshotNotFound is returned when no snapshot has the given name.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSnapshotCorrupted is returned when a stored snapshot fails its
	// checksum, cannot be decoded, or describes invalid entries.
	ErrSnapshotCorrupted = errors.New("snapshot corrupted")

	// ErrInvalidName is returned for an empty snapshot name.
	ErrInvalidName = errors.New("invalid snapshot name")
)

// recordVersion is bumped whenever the record layout changes.
const recordVersion = 1

const checksumSize = 32

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("badger: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// record is the stored form of a snapshot. Tags are listed once and
// entries refer to them by index, so entries that shared a tag share one
// again after a load.
type record struct {
	Version int           `cbor:"1,keyasint"`
	Name    string        `cbor:"2,keyasint"`
	SavedAt int64         `cbor:"3,keyasint"`
	Tags    []tagRecord   `cbor:"4,keyasint"`
	Entries []entryRecord `cbor:"5,keyasint"`
}

type tagRecord struct {
	Name   string            `cbor:"1,keyasint"`
	Prefix int32             `cbor:"2,keyasint"`
	Params map[string]string `cbor:"3,keyasint,omitempty"`
}

type entryRecord struct {
	Tag   int   `cbor:"1,keyasint"`
	Start int64 `cbor:"2,keyasint"`
	End   int64 `cbor:"3,keyasint"`
	Order int64 `cbor:"4,keyasint"`
}

// encodeSnapshot returns the stored value: a blake3 digest of the CBOR
// payload followed by the payload.
func encodeSnapshot(name string, savedAt time.Time, entries []ranges.Entry) ([]byte, error) {
	rec := record{
		Version: recordVersion,
		Name:    name,
		SavedAt: savedAt.UnixNano(),
		Entries: make([]entryRecord, 0, len(entries)),
	}

	ids := make(map[*ranges.Tag]int)
	for _, e := range entries {
		if e.Tag == nil {
			return nil, errors.New("entry has no tag")
		}
		id, ok := ids[e.Tag]
		if !ok {
			id = len(rec.Tags)
			ids[e.Tag] = id
			rec.Tags = append(rec.Tags, tagRecord{
				Name:   e.Tag.Name(),
				Prefix: e.Tag.Prefix(),
				Params: e.Tag.Params(),
			})
		}
		rec.Entries = append(rec.Entries, entryRecord{
			Tag:   id,
			Start: e.Indices.Start(),
			End:   e.Indices.End(),
			Order: e.Indices.Order(),
		})
	}

	payload, err := cborEncMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	sum := blake3.Sum256(payload)
	out := make([]byte, 0, checksumSize+len(payload))
	out = append(out, sum[:]...)
	return append(out, payload...), nil
}

// decodeRecord verifies the checksum and decodes the payload.
func decodeRecord(value []byte) (record, error) {
	if len(value) < checksumSize {
		return record{}, fmt.Errorf("%w: value too short (%d bytes)", ErrSnapshotCorrupted, len(value))
	}
	payload := value[checksumSize:]
	sum := blake3.Sum256(payload)
	if !bytes.Equal(sum[:], value[:checksumSize]) {
		return record{}, fmt.Errorf("%w: checksum mismatch", ErrSnapshotCorrupted)
	}

	var rec record
	if err := cbor.Unmarshal(payload, &rec); err != nil {
		return record{}, fmt.Errorf("%w: %w", ErrSnapshotCorrupted, err)
	}
	if rec.Version != recordVersion {
		return record{}, fmt.Errorf("%w: unsupported version %d", ErrSnapshotCorrupted, rec.Version)
	}
	return rec, nil
}

// entries rebuilds the entry list with freshly created tags.
func (rec record) entries() ([]ranges.Entry, error) {
	tags := make([]*ranges.Tag, len(rec.Tags))
	for i, t := range rec.Tags {
		tags[i] = ranges.NewTag(t.Name, t.Prefix, t.Params)
	}

	out := make([]ranges.Entry, 0, len(rec.Entries))
	for i, er := range rec.Entries {
		if er.Tag < 0 || er.Tag >= len(tags) {
			return nil, fmt.Errorf("%w: entry %d refers to tag %d of %d", ErrSnapshotCorrupted, i, er.Tag, len(tags))
		}
		ind, err := ranges.NewIndices(er.Start, er.End, er.Order)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrSnapshotCorrupted, i, err)
		}
		out = append(out, ranges.Entry{Tag: tags[er.Tag], Indices: ind})
	}
	return out, nil
}
