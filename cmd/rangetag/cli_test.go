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
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFixture = `
entries:
  - {name: wave, prefix: "!", params: {speed: "2"}, start: 4, end: 9}
  - {name: bold, prefix: "#", start: 4}
  - {name: shake, prefix: "!", start: 1, end: 3, order: 5}
  - {name: gap, prefix: "#", start: 6, end: 6}
`

// syncBuffer is a bytes.Buffer safe for the watch goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testEnv struct {
	dir     string
	config  string
	fixture string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	env := testEnv{
		dir:     dir,
		config:  filepath.Join(dir, "rangetag.yaml"),
		fixture: filepath.Join(dir, "tags.yaml"),
	}
	cfg := "logging:\n  level: error\n  service: rangetag\n" +
		"snapshot:\n  path: " + filepath.Join(dir, "snapshots") + "\n  sync_writes: false\n" +
		"watch:\n  debounce: 20ms\n"
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0o600))
	require.NoError(t, os.WriteFile(env.fixture, []byte(testFixture), 0o600))
	return env
}

func runCLI(ctx context.Context, out *syncBuffer, args ...string) error {
	cmd := newRootCmd()
	cmd.SetOut(out)
	cmd.SetErr(&syncBuffer{})
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func (e testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out syncBuffer
	err := runCLI(context.Background(), &out, append([]string{"--config", e.config}, args...)...)
	return out.String(), err
}

func tagsIn(out string) []string {
	var tags []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if fields := strings.Fields(line); len(fields) > 0 {
			tags = append(tags, fields[0])
		}
	}
	return tags
}

func TestCLI_Query(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "--fixture", env.fixture, "query", "5")
	require.NoError(t, err)
	assert.Equal(t, []string{"#bold", "!wave"}, tagsIn(out))
	assert.Contains(t, out, "speed=2")
	assert.Contains(t, out, "[4,…)")

	out, err = env.run(t, "--fixture", env.fixture, "query", "2")
	require.NoError(t, err)
	assert.Equal(t, []string{"!shake"}, tagsIn(out))

	out, err = env.run(t, "--fixture", env.fixture, "query", "--at", "6")
	require.NoError(t, err)
	assert.Equal(t, []string{"#gap"}, tagsIn(out))

	_, err = env.run(t, "query", "abc")
	assert.Error(t, err)
}

func TestCLI_DumpJSON(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "--fixture", env.fixture, "--json", "dump", "--validate")
	require.NoError(t, err)

	var views []entryView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 4)

	names := make([]string, len(views))
	for i, v := range views {
		names[i] = v.Tag
	}
	assert.Equal(t, []string{"shake", "bold", "wave", "gap"}, names)
	assert.Equal(t, "effects", views[0].Key)
	assert.Nil(t, views[1].End, "open-ended entries have no end")
	assert.Equal(t, int64(-1), views[1].Order)
}

func TestCLI_Overlap(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "--fixture", env.fixture, "overlap", "--from", "2", "--to", "4")
	require.NoError(t, err)
	assert.Equal(t, []string{"!shake", "#bold", "!wave"}, tagsIn(out))

	out, err = env.run(t, "--fixture", env.fixture, "overlap", "--from", "100", "--to", "200")
	require.NoError(t, err)
	assert.Equal(t, []string{"#bold"}, tagsIn(out))

	out, err = env.run(t, "--fixture", env.fixture, "overlap", "--from", "6", "--to", "6")
	require.NoError(t, err)
	assert.NotContains(t, out, "#gap", "empty entries never overlap")

	_, err = env.run(t, "overlap", "--from", "5", "--to", "1")
	assert.Error(t, err)
}

func TestCLI_SnapshotLifecycle(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "--fixture", env.fixture, "snapshot", "save", "first")
	require.NoError(t, err)
	assert.Contains(t, out, `saved "first" (4 entries)`)

	out, err = env.run(t, "snapshot", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "first")

	out, err = env.run(t, "snapshot", "load", "first")
	require.NoError(t, err)
	assert.Equal(t, []string{"!shake", "#bold", "!wave", "#gap"}, tagsIn(out))

	_, err = env.run(t, "snapshot", "load", "missing")
	assert.Error(t, err)

	out, err = env.run(t, "snapshot", "delete", "first")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted")

	out, err = env.run(t, "snapshot", "list")
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(out))
}

func TestCLI_WatchRequiresFixture(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "watch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--fixture")
}

func TestCLI_WatchReloads(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- runCLI(ctx, &out, "--config", env.config, "--fixture", env.fixture, "watch")
	}()

	require.Eventually(t, func() bool {
		// Rewrite until the watcher is up and reports a reload.
		_ = os.WriteFile(env.fixture, []byte(testFixture), 0o600)
		return strings.Contains(out.String(), "reloaded: 4 entries")
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestCLI_BadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("keys: []\n"), 0o600))

	var out syncBuffer
	err := runCLI(context.Background(), &out, "--config", path, "dump")
	assert.Error(t, err)
}
