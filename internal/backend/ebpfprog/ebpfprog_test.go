//go:build linux

package ebpfprog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/BSteffaniak/nethogspp/internal/model"
)

type fakeMap struct {
	entries map[string][]byte
	closed  bool
}

func newFakeMap() *fakeMap { return &fakeMap{entries: make(map[string][]byte)} }

func (m *fakeMap) Put(key, value []byte) error {
	m.entries[string(key)] = append([]byte(nil), value...)
	return nil
}
func (m *fakeMap) Lookup(key, out []byte) error {
	v, ok := m.entries[string(key)]
	if !ok {
		return errors.New("not found")
	}
	copy(out, v)
	return nil
}
func (m *fakeMap) Delete(key []byte) error {
	delete(m.entries, string(key))
	return nil
}
func (m *fakeMap) Close() error { m.closed = true; return nil }

type fakeProgram struct {
	fd     int
	closed bool
}

func (p *fakeProgram) FD() int     { return p.fd }
func (p *fakeProgram) Close() error { p.closed = true; return nil }

type fakeLoader struct {
	probeResult   bool
	loadMapsErr   error
	loadProgsErr  error
	nextProgFD    int
	egress        *fakeProgram
	ingress       *fakeProgram
}

func (f *fakeLoader) Probe() bool { return f.probeResult }

func (f *fakeLoader) LoadMaps() (MapOps, MapOps, MapOps, error) {
	if f.loadMapsErr != nil {
		return nil, nil, nil, f.loadMapsErr
	}
	return newFakeMap(), newFakeMap(), newFakeMap(), nil
}

func (f *fakeLoader) LoadPrograms(config, bucket, stats MapOps) (ProgramOps, ProgramOps, error) {
	if f.loadProgsErr != nil {
		return nil, nil, f.loadProgsErr
	}
	f.nextProgFD++
	f.egress = &fakeProgram{fd: f.nextProgFD}
	f.nextProgFD++
	f.ingress = &fakeProgram{fd: f.nextProgFD}
	return f.egress, f.ingress, nil
}

type fakeLink struct{ closed bool }

func (l *fakeLink) Close() error { l.closed = true; return nil }

type attachCall struct {
	path string
	dir  model.AttachDirection
}

type fakeAttacher struct {
	linkErr      error
	legacyErr    error
	linksAttached []attachCall
	legacyAttached []attachCall
	legacyDetached []struct {
		path string
		dir  model.AttachDirection
		fd   int
	}
	lastLink *fakeLink
}

func (f *fakeAttacher) AttachLink(path string, dir model.AttachDirection, prog ProgramOps) (LinkHandle, error) {
	if f.linkErr != nil {
		return nil, f.linkErr
	}
	f.linksAttached = append(f.linksAttached, attachCall{path, dir})
	f.lastLink = &fakeLink{}
	return f.lastLink, nil
}

func (f *fakeAttacher) AttachLegacy(path string, dir model.AttachDirection, prog ProgramOps) error {
	if f.legacyErr != nil {
		return f.legacyErr
	}
	f.legacyAttached = append(f.legacyAttached, attachCall{path, dir})
	return nil
}

func (f *fakeAttacher) DetachLegacy(path string, dir model.AttachDirection, fd int) error {
	f.legacyDetached = append(f.legacyDetached, struct {
		path string
		dir  model.AttachDirection
		fd   int
	}{path, dir, fd})
	return nil
}

func fakeCgroupID(path string) (uint64, error) {
	// deterministic stand-in: every distinct path maps to a distinct id.
	var h uint64 = 14695981039346656037
	for i := 0; i < len(path); i++ {
		h ^= uint64(path[i])
		h *= 1099511628211
	}
	return h, nil
}

func fakeCgroupPathFor(pidToPath map[int]string) func(int) (string, error) {
	return func(pid int) (string, error) {
		p, ok := pidToPath[pid]
		if !ok {
			return "", errors.New("no such pid")
		}
		return p, nil
	}
}

func TestApply_AttachesLinkModeAndWritesConfig(t *testing.T) {
	loader := &fakeLoader{}
	attacher := &fakeAttacher{}
	paths := map[int]string{100: "/sys/fs/cgroup/user.slice/user-1000.slice/session.scope"}
	b := newWithOps(model.AttachLink, loader, attacher, fakeCgroupID, fakeCgroupPathFor(paths))
	require.NoError(t, b.Init())

	require.NoError(t, b.Apply(100, model.ThrottleLimit{UploadBps: 1000}))
	assert.Len(t, attacher.linksAttached, 1)
	assert.Equal(t, model.AttachEgress, attacher.linksAttached[0].dir)
	assert.Empty(t, attacher.legacyAttached)
}

func TestApply_AutoFallsThroughToLegacyOnLinkFailure(t *testing.T) {
	loader := &fakeLoader{}
	attacher := &fakeAttacher{linkErr: unix.EINVAL}
	paths := map[int]string{7: "/sys/fs/cgroup/user.slice/user-1000.slice/session.scope"}
	b := newWithOps(model.AttachAuto, loader, attacher, fakeCgroupID, fakeCgroupPathFor(paths))
	require.NoError(t, b.Init())

	require.NoError(t, b.Apply(7, model.ThrottleLimit{DownloadBps: 500}))
	assert.Empty(t, attacher.linksAttached)
	require.Len(t, attacher.legacyAttached, 1)
	assert.Equal(t, model.AttachIngress, attacher.legacyAttached[0].dir)
}

func TestApply_AutoSurfacesNonEINVALLinkErrorWithoutFallingThrough(t *testing.T) {
	loader := &fakeLoader{}
	attacher := &fakeAttacher{linkErr: unix.EPERM}
	paths := map[int]string{7: "/sys/fs/cgroup/user.slice/user-1000.slice/session.scope"}
	b := newWithOps(model.AttachAuto, loader, attacher, fakeCgroupID, fakeCgroupPathFor(paths))
	require.NoError(t, b.Init())

	err := b.Apply(7, model.ThrottleLimit{DownloadBps: 500})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrAttachmentFailed)
	assert.Empty(t, attacher.legacyAttached, "a non-EINVAL link failure must not fall through to legacy")
}

func TestApply_SeedsBucketAndStatsOnFirstConfig(t *testing.T) {
	loader := &fakeLoader{}
	attacher := &fakeAttacher{}
	paths := map[int]string{1: "/sys/fs/cgroup/a/b"}
	b := newWithOps(model.AttachLink, loader, attacher, fakeCgroupID, fakeCgroupPathFor(paths))
	require.NoError(t, b.Init())

	require.NoError(t, b.Apply(1, model.ThrottleLimit{UploadBps: 1000}))

	id, err := fakeCgroupID(paths[1])
	require.NoError(t, err)
	key := string(cgroupIDKey(id))

	bucket := b.bucketMap.(*fakeMap)
	_, ok := bucket.entries[key]
	assert.True(t, ok, "bucket entry should be seeded on first configuration")

	stats := b.statsMap.(*fakeMap)
	_, ok = stats.entries[key]
	assert.True(t, ok, "stats entry should be seeded on first configuration")

	// a second Apply for the same pid must not re-seed (would wipe any
	// accrued tokens/counters).
	bucket.entries[key] = []byte("sentinel-not-zeroed")
	require.NoError(t, b.Apply(1, model.ThrottleLimit{UploadBps: 2000}))
	assert.Equal(t, []byte("sentinel-not-zeroed"), bucket.entries[key])
}

func TestRemove_DeletesBucketAndStatsEntries(t *testing.T) {
	loader := &fakeLoader{}
	attacher := &fakeAttacher{}
	paths := map[int]string{1: "/sys/fs/cgroup/a/b"}
	b := newWithOps(model.AttachLink, loader, attacher, fakeCgroupID, fakeCgroupPathFor(paths))
	require.NoError(t, b.Init())
	require.NoError(t, b.Apply(1, model.ThrottleLimit{UploadBps: 1000}))

	id, err := fakeCgroupID(paths[1])
	require.NoError(t, err)
	key := string(cgroupIDKey(id))

	require.NoError(t, b.Remove(1))
	bucket := b.bucketMap.(*fakeMap)
	stats := b.statsMap.(*fakeMap)
	_, ok := bucket.entries[key]
	assert.False(t, ok)
	_, ok = stats.entries[key]
	assert.False(t, ok)
}

func TestApply_ExplicitLinkModeDoesNotFallThrough(t *testing.T) {
	loader := &fakeLoader{}
	attacher := &fakeAttacher{linkErr: unix.EINVAL}
	paths := map[int]string{7: "/sys/fs/cgroup/a/b"}
	b := newWithOps(model.AttachLink, loader, attacher, fakeCgroupID, fakeCgroupPathFor(paths))
	require.NoError(t, b.Init())

	err := b.Apply(7, model.ThrottleLimit{UploadBps: 500})
	assert.Error(t, err)
	assert.Empty(t, attacher.legacyAttached)
}

func TestApply_SharedParentCgroupReusesOneAttachment(t *testing.T) {
	loader := &fakeLoader{}
	attacher := &fakeAttacher{}
	paths := map[int]string{
		1: "/sys/fs/cgroup/user.slice/user-1000.slice/a.scope",
		2: "/sys/fs/cgroup/user.slice/user-1000.slice/b.scope",
	}
	b := newWithOps(model.AttachLegacyDirect, loader, attacher, fakeCgroupID, fakeCgroupPathFor(paths))
	require.NoError(t, b.Init())

	require.NoError(t, b.Apply(1, model.ThrottleLimit{UploadBps: 1000}))
	require.NoError(t, b.Apply(2, model.ThrottleLimit{UploadBps: 2000}))

	assert.Len(t, attacher.legacyAttached, 1, "one parent attach supports many leaf ids")
	key := attachKey{"/sys/fs/cgroup/user.slice/user-1000.slice", model.AttachEgress}
	assert.Equal(t, 2, b.attachments[key].RefCount)
}

func TestRemove_DoesNotRereadCgroup_DecrementsAndDetachesAtZero(t *testing.T) {
	loader := &fakeLoader{}
	attacher := &fakeAttacher{}
	paths := map[int]string{
		1: "/sys/fs/cgroup/user.slice/user-1000.slice/a.scope",
		2: "/sys/fs/cgroup/user.slice/user-1000.slice/b.scope",
	}
	b := newWithOps(model.AttachLegacyDirect, loader, attacher, fakeCgroupID, fakeCgroupPathFor(paths))
	require.NoError(t, b.Init())
	require.NoError(t, b.Apply(1, model.ThrottleLimit{UploadBps: 1000}))
	require.NoError(t, b.Apply(2, model.ThrottleLimit{UploadBps: 2000}))

	delete(paths, 1) // simulate pid 1 already gone; Remove must not need its cgroup again
	require.NoError(t, b.Remove(1))
	assert.Empty(t, attacher.legacyDetached, "refcount still 1, must not detach yet")

	require.NoError(t, b.Remove(2))
	require.Len(t, attacher.legacyDetached, 1)
	assert.Equal(t, loader.egress.fd, attacher.legacyDetached[0].fd, "detach must reuse the exact stored program handle")
}

func TestRemove_UnknownPidIsIdempotent(t *testing.T) {
	b := newWithOps(model.AttachLegacyDirect, &fakeLoader{}, &fakeAttacher{}, fakeCgroupID, fakeCgroupPathFor(nil))
	assert.NoError(t, b.Remove(999))
}

func TestApply_RequiresInit(t *testing.T) {
	b := newWithOps(model.AttachLegacyDirect, &fakeLoader{}, &fakeAttacher{}, fakeCgroupID, fakeCgroupPathFor(map[int]string{1: "/x"}))
	err := b.Apply(1, model.ThrottleLimit{UploadBps: 1000})
	assert.Error(t, err)
}

func TestCleanup_DetachesLink_Idempotent(t *testing.T) {
	loader := &fakeLoader{}
	attacher := &fakeAttacher{}
	paths := map[int]string{
		1: "/sys/fs/cgroup/a/b", // link mode -> egress
	}
	b := newWithOps(model.AttachLink, loader, attacher, fakeCgroupID, fakeCgroupPathFor(paths))
	require.NoError(t, b.Init())
	require.NoError(t, b.Apply(1, model.ThrottleLimit{UploadBps: 1000}))

	require.NoError(t, b.Cleanup())
	assert.True(t, attacher.lastLink.closed)
	assert.True(t, loader.egress.closed)

	require.NoError(t, b.Cleanup(), "second cleanup is a no-op")
}

func TestIsAvailable_DelegatesToLoaderProbe(t *testing.T) {
	avail := newWithOps(model.AttachAuto, &fakeLoader{probeResult: true}, &fakeAttacher{}, fakeCgroupID, fakeCgroupPathFor(nil))
	assert.True(t, avail.IsAvailable())

	unavail := newWithOps(model.AttachAuto, &fakeLoader{probeResult: false}, &fakeAttacher{}, fakeCgroupID, fakeCgroupPathFor(nil))
	assert.False(t, unavail.IsAvailable())
}
