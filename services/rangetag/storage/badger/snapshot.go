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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/rangetag/services/rangetag/ranges"
)

const snapshotPrefix = "snapshot:"

func snapshotKey(name string) []byte {
	return []byte(snapshotPrefix + name)
}

// SnapshotInfo describes a stored snapshot.
type SnapshotInfo struct {
	Name    string
	Entries int
	Tags    int
	SavedAt time.Time
	Size    int
}

// SnapshotOption configures a SnapshotStore.
type SnapshotOption func(*SnapshotStore)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) SnapshotOption {
	return func(s *SnapshotStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source used to stamp saves.
func WithClock(now func() time.Time) SnapshotOption {
	return func(s *SnapshotStore) {
		if now != nil {
			s.now = now
		}
	}
}

// SnapshotStore saves and restores named entry lists.
//
// Description:
//
//	Each snapshot is one key, "snapshot:{name}", holding a blake3 digest
//	followed by a canonical CBOR record. Saving under an existing name
//	replaces it. Loading verifies the digest and re-creates tags, so a
//	loaded snapshot never shares tag pointers with the one that was saved;
//	entries that shared a tag when saved share one again.
//
// Thread Safety: Safe for concurrent use.
type SnapshotStore struct {
	db     *DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSnapshotStore creates a snapshot store over db.
func NewSnapshotStore(db *DB, opts ...SnapshotOption) (*SnapshotStore, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	s := &SnapshotStore{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Save stores entries under name, replacing any previous snapshot.
//
// Inputs:
//   - ctx: Context for cancellation and tracing.
//   - name: Snapshot name. Must not be empty.
//   - entries: Entries in store order. Every entry must have a tag.
//
// Outputs:
//   - error: ErrInvalidName, an encoding error, or a badger error.
func (s *SnapshotStore) Save(ctx context.Context, name string, entries []ranges.Entry) (err error) {
	start := time.Now()
	ctx, span := startSnapshotSpan(ctx, "Save", name)
	defer func() { endSnapshotSpan(ctx, span, "save", start, err) }()

	if name == "" {
		return ErrInvalidName
	}

	value, err := encodeSnapshot(name, s.now(), entries)
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.Int("snapshot.entries", len(entries)),
		attribute.Int("snapshot.bytes", len(value)),
	)

	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(name), value)
	})
	if err != nil {
		return fmt.Errorf("save snapshot %q: %w", name, err)
	}

	recordSnapshotSize(ctx, len(value))
	s.logger.Info("snapshot saved",
		slog.String("name", name),
		slog.Int("entries", len(entries)),
		slog.Int("bytes", len(value)),
	)
	return nil
}

// Load returns the entries of the named snapshot in the order they were
// saved.
//
// Outputs:
//   - []ranges.Entry: The entries, with freshly created tags.
//   - error: ErrSnapshotNotFound, ErrSnapshotCorrupted, or a badger error.
func (s *SnapshotStore) Load(ctx context.Context, name string) (entries []ranges.Entry, err error) {
	start := time.Now()
	ctx, span := startSnapshotSpan(ctx, "Load", name)
	defer func() { endSnapshotSpan(ctx, span, "load", start, err) }()

	rec, _, err := s.read(ctx, name)
	if err != nil {
		return nil, err
	}
	entries, err = rec.entries()
	if err != nil {
		s.corrupted(ctx, name, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("snapshot.entries", len(entries)))
	return entries, nil
}

// Info returns metadata for the named snapshot.
func (s *SnapshotStore) Info(ctx context.Context, name string) (SnapshotInfo, error) {
	rec, size, err := s.read(ctx, name)
	if err != nil {
		return SnapshotInfo{}, err
	}
	return infoOf(rec, name, size), nil
}

// List returns every stored snapshot sorted by name. Snapshots that fail
// verification are logged and skipped.
func (s *SnapshotStore) List(ctx context.Context) (infos []SnapshotInfo, err error) {
	start := time.Now()
	ctx, span := startSnapshotSpan(ctx, "List", "")
	defer func() { endSnapshotSpan(ctx, span, "list", start, err) }()

	err = s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			Prefix:         []byte(snapshotPrefix),
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			name := strings.TrimPrefix(string(item.Key()), snapshotPrefix)
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := decodeRecord(value)
			if err != nil {
				s.corrupted(ctx, name, err)
				continue
			}
			infos = append(infos, infoOf(rec, name, len(value)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	slices.SortFunc(infos, func(a, b SnapshotInfo) int { return strings.Compare(a.Name, b.Name) })
	return infos, nil
}

// Delete removes the named snapshot.
//
// Outputs:
//   - error: ErrSnapshotNotFound when there is nothing to delete.
func (s *SnapshotStore) Delete(ctx context.Context, name string) (err error) {
	start := time.Now()
	ctx, span := startSnapshotSpan(ctx, "Delete", name)
	defer func() { endSnapshotSpan(ctx, span, "delete", start, err) }()

	if name == "" {
		return ErrInvalidName
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(snapshotKey(name)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %q", ErrSnapshotNotFound, name)
			}
			return err
		}
		return txn.Delete(snapshotKey(name))
	})
}

// read fetches and verifies one snapshot record.
func (s *SnapshotStore) read(ctx context.Context, name string) (record, int, error) {
	if name == "" {
		return record{}, 0, ErrInvalidName
	}

	var value []byte
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(name))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return record{}, 0, fmt.Errorf("%w: %q", ErrSnapshotNotFound, name)
	}
	if err != nil {
		return record{}, 0, fmt.Errorf("read snapshot %q: %w", name, err)
	}

	rec, err := decodeRecord(value)
	if err != nil {
		s.corrupted(ctx, name, err)
		return record{}, 0, err
	}
	return rec, len(value), nil
}

func (s *SnapshotStore) corrupted(ctx context.Context, name string, err error) {
	recordCorrupted(ctx)
	s.logger.Error("snapshot failed verification",
		slog.String("name", name),
		slog.String("error", err.Error()),
	)
}

func infoOf(rec record, name string, size int) SnapshotInfo {
	return SnapshotInfo{
		Name:    name,
		Entries: len(rec.Entries),
		Tags:    len(rec.Tags),
		SavedAt: time.Unix(0, rec.SavedAt),
		Size:    size,
	}
}
