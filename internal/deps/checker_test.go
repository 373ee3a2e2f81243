package deps

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckExecutablePath(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "steamcmd.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755))

	status := Check(context.Background(), SteamCMD(script))
	assert.True(t, status.Available)
	assert.Equal(t, script, status.Path)
	assert.Empty(t, status.Message)
}

func TestCheckExecutableNotExecutable(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "steamcmd.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o644))

	dep := SteamCMD(script)
	dep.CheckCommands = nil
	status := Check(context.Background(), dep)
	assert.False(t, status.Available)
	assert.Contains(t, status.Message, "not executable")
}

func TestCheckExecutableMissing(t *testing.T) {
	dep := SteamCMD(filepath.Join(t.TempDir(), "nope", "steamcmd.sh"))
	dep.CheckCommands = []string{"depot-test-no-such-binary"}
	status := Check(context.Background(), dep)
	assert.False(t, status.Available)
	assert.Contains(t, status.Message, "SteamCMD not found")
	assert.Contains(t, status.Message, "depot-test-no-such-binary")
}

func TestCheckExecutableFallsBackToPath(t *testing.T) {
	dep := SteamCMD(filepath.Join(t.TempDir(), "missing.sh"))
	dep.CheckCommands = []string{"sh"}
	status := Check(context.Background(), dep)
	assert.True(t, status.Available)
	assert.NotEmpty(t, status.Path)
}

func TestCheckDirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "library")
	status := Check(context.Background(), Directory("download_root", "Download root", root))
	assert.True(t, status.Available)
	assert.DirExists(t, root)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "probe file is removed")

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	status = Check(context.Background(), Directory("state_dir", "State directory", filepath.Join(blocker, "sub")))
	assert.False(t, status.Available)
	assert.Contains(t, status.Message, "cannot create")

	status = Check(context.Background(), Directory("state_dir", "State directory", ""))
	assert.False(t, status.Available)
	assert.Contains(t, status.Message, "not configured")
}

func TestMissingDeps(t *testing.T) {
	deps := []Dependency{
		Directory("a", "A", t.TempDir()),
		Directory("b", "B", ""),
	}
	statuses := CheckAll(context.Background(), deps)
	assert.True(t, HasMissingDeps(statuses))
	missing := GetMissingDeps(deps, statuses)
	require.Len(t, missing, 1)
	assert.Equal(t, "b", missing[0].Name)
	assert.Nil(t, CheckAll(context.Background(), nil))
}
