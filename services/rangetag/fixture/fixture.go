// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fixture loads declarative tag files into a manager.
//
// A fixture lists tagged ranges:
//
//	entries:
//	  - name: wave
//	    prefix: "!"
//	    params: {speed: "2"}
//	    start: 4
//	    end: 9
//	  - name: bold
//	    prefix: "#"
//	    start: 4        # no end: open-ended
//	    order: 0        # optional; omitted means "newest first"
//
// YAML and TOML are supported, chosen by file extension.
package fixture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/rangetag/services/rangetag/manager"
	"github.com/AleutianAI/rangetag/services/rangetag/ranges"
)

var (
	// ErrBadPrefix is returned for an entry whose prefix is not one character.
	ErrBadPrefix = errors.New("prefix must be a single character")

	// ErrRejected is returned for an entry the manager refused.
	ErrRejected = errors.New("entry rejected by manager")
)

// Format is a fixture file encoding.
type Format int

const (
	FormatYAML Format = iota
	FormatTOML
)

// FormatOf picks the format from a file extension. Anything other than
// ".toml" is read as YAML.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Document is a parsed fixture file.
type Document struct {
	Entries []EntrySpec `yaml:"entries" toml:"entries" json:"entries"`
}

// EntrySpec declares one tagged range.
type EntrySpec struct {
	Name   string            `yaml:"name" toml:"name" json:"name"`
	Prefix string            `yaml:"prefix" toml:"prefix" json:"prefix"`
	Params map[string]string `yaml:"params,omitempty" toml:"params,omitempty" json:"params,omitempty"`
	Start  int64             `yaml:"start" toml:"start" json:"start"`

	// End is exclusive. Nil makes the range open-ended.
	End *int64 `yaml:"end,omitempty" toml:"end,omitempty" json:"end,omitempty"`

	// Order positions the entry among others at the same start. Nil places
	// it before all of them.
	Order *int64 `yaml:"order,omitempty" toml:"order,omitempty" json:"order,omitempty"`
}

func (s EntrySpec) end() int64 {
	if s.End == nil {
		return ranges.OpenEnd
	}
	return *s.End
}

// Tag builds a new tag from the entry. Every call returns a distinct tag.
func (s EntrySpec) Tag() (*ranges.Tag, error) {
	r, size := utf8.DecodeRuneInString(s.Prefix)
	if size == 0 || size != len(s.Prefix) || r == utf8.RuneError {
		return nil, fmt.Errorf("%w: %q", ErrBadPrefix, s.Prefix)
	}
	return ranges.NewTag(s.Name, r, s.Params), nil
}

// Parse decodes a fixture document.
func Parse(data []byte, format Format) (Document, error) {
	var doc Document
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return Document{}, fmt.Errorf("parse TOML fixture: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Document{}, fmt.Errorf("parse YAML fixture: %w", err)
		}
	}
	return doc, nil
}

// ReadFile reads and parses the fixture at path.
func ReadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read fixture: %w", err)
	}
	return Parse(data, FormatOf(path))
}

// Rejection reports one entry that could not be applied.
type Rejection struct {
	Index int
	Entry EntrySpec
	Err   error
}

func (r Rejection) Error() string {
	return fmt.Sprintf("entry %d (%s%s@%d): %v", r.Index, r.Entry.Prefix, r.Entry.Name, r.Entry.Start, r.Err)
}

// Result summarises an Apply.
type Result struct {
	Applied  int
	Rejected []Rejection
}

// Err joins the rejections, or returns nil when every entry applied.
func (r Result) Err() error {
	if len(r.Rejected) == 0 {
		return nil
	}
	errs := make([]error, len(r.Rejected))
	for i, rej := range r.Rejected {
		errs[i] = rej
	}
	return errors.Join(errs...)
}

// Apply inserts every entry of the document into m, in document order.
// Entries that fail are collected in the result; the rest still apply.
func (d Document) Apply(m *manager.Manager) Result {
	var res Result
	for i, es := range d.Entries {
		if err := apply(m, es); err != nil {
			res.Rejected = append(res.Rejected, Rejection{Index: i, Entry: es, Err: err})
			continue
		}
		res.Applied++
	}
	return res
}

func apply(m *manager.Manager, es EntrySpec) error {
	tag, err := es.Tag()
	if err != nil {
		return err
	}

	order := int64(0)
	if es.Order != nil {
		order = *es.Order
	}
	ind, err := ranges.NewIndices(es.Start, es.end(), order)
	if err != nil {
		return err
	}

	var ok bool
	if es.Order != nil {
		ok = m.TryAdd(tag, ind)
	} else {
		ok = m.TryAddAt(tag, es.Start, es.end())
	}
	if !ok {
		return ErrRejected
	}
	return nil
}

// Reload clears m and applies the fixture at path. On a read or parse
// error m is left untouched.
func Reload(m *manager.Manager, path string) (Result, error) {
	doc, err := ReadFile(path)
	if err != nil {
		return Result{}, err
	}
	m.Clear()
	return doc.Apply(m), nil
}
