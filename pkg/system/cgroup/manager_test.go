//go:build linux

package cgroup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeV1Root builds a throwaway directory that looks enough like a mounted
// net_cls hierarchy (the manager only ever stats the root itself) for
// createV1 to proceed without real cgroup permissions.
func fakeV1Root(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return dir
}

// fakeV2Root builds a throwaway directory containing a cgroup.controllers
// file, which is all createV2 checks for before proceeding.
func fakeV2Root(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cgroup.controllers"), []byte("cpu io memory"), 0o644))
	return dir
}

func TestManager_CreateFor_V1(t *testing.T) {
	root := fakeV1Root(t)
	m := newManagerAt(V1, root, "")

	h, err := m.CreateFor(4242)
	require.NoError(t, err)
	assert.Equal(t, V1, h.Version)
	assert.NotZero(t, h.ClassID)
	assert.FileExists(t, filepath.Join(h.Path, "net_cls.classid"))
	assert.FileExists(t, filepath.Join(h.Path, "tasks"))

	classContent, err := os.ReadFile(filepath.Join(h.Path, "net_cls.classid"))
	require.NoError(t, err)
	assert.NotEmpty(t, classContent)

	taskContent, err := os.ReadFile(filepath.Join(h.Path, "tasks"))
	require.NoError(t, err)
	assert.Equal(t, "4242", string(taskContent))
}

func TestManager_CreateFor_V2(t *testing.T) {
	root := fakeV2Root(t)
	m := newManagerAt(V2, "", root)

	h, err := m.CreateFor(777)
	require.NoError(t, err)
	assert.Equal(t, V2, h.Version)
	assert.Zero(t, h.ClassID, "v2 handles have no classid")
	assert.FileExists(t, filepath.Join(h.Path, "cgroup.procs"))

	procsContent, err := os.ReadFile(filepath.Join(h.Path, "cgroup.procs"))
	require.NoError(t, err)
	assert.Equal(t, "777", string(procsContent))
}

func TestManager_CreateFor_Refcount(t *testing.T) {
	root := fakeV2Root(t)
	m := newManagerAt(V2, "", root)

	h1, err := m.CreateFor(1001)
	require.NoError(t, err)
	assert.Equal(t, 1, m.RefCount(h1))

	h2, err := m.CreateFor(1001)
	require.NoError(t, err)
	assert.Equal(t, h1.Path, h2.Path, "same pid must return the same handle")
	assert.Equal(t, 2, m.RefCount(h1), "second CreateFor for the same pid increments refcount")
}

func TestManager_Release_DecrementsThenDestroys(t *testing.T) {
	root := fakeV2Root(t)
	m := newManagerAt(V2, "", root)

	h, err := m.CreateFor(55)
	require.NoError(t, err)
	_, err = m.CreateFor(55)
	require.NoError(t, err)
	assert.Equal(t, 2, m.RefCount(h))

	require.NoError(t, m.Release(h))
	assert.Equal(t, 1, m.RefCount(h), "first release only decrements")
	assert.DirExists(t, h.Path)

	require.NoError(t, m.Release(h))
	assert.Equal(t, 0, m.RefCount(h))
	_, statErr := os.Stat(h.Path)
	assert.True(t, os.IsNotExist(statErr), "leaf directory removed once refcount hits zero")
}

func TestManager_Release_UnknownHandleIsIdempotent(t *testing.T) {
	root := fakeV2Root(t)
	m := newManagerAt(V2, "", root)

	// Releasing a handle this manager never issued must be a silent
	// success (spec.md §9 Open Question: idempotent cleanup).
	err := m.Release(Handle{Version: V2, Path: filepath.Join(root, "nethogspp", "pid-99999")})
	assert.NoError(t, err)
}

func TestManager_ClassIDOf_PathOf_IDOf(t *testing.T) {
	root := fakeV1Root(t)
	m := newManagerAt(V1, root, "")

	h, err := m.CreateFor(10)
	require.NoError(t, err)

	assert.Equal(t, h.ClassID, m.ClassIDOf(h))
	assert.Equal(t, h.Path, m.PathOf(h))
	assert.Equal(t, h.ID, m.IDOf(h))
}

func TestManager_CreateFor_UnsupportedVersion(t *testing.T) {
	m := newManagerAt(Unsupported, "", "")
	_, err := m.CreateFor(1)
	assert.Error(t, err)
}

func TestManager_CreateFor_MissingMount(t *testing.T) {
	m := newManagerAt(V2, "", filepath.Join(t.TempDir(), "does-not-exist"))
	_, err := m.CreateFor(1)
	require.Error(t, err)
	var nse NotSupportedError
	assert.ErrorAs(t, err, &nse)
}
