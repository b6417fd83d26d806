//go:build linux

package throttle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BSteffaniak/nethogspp/internal/model"
)

// fakeBackend is a minimal in-memory UploadBackend/DownloadBackend used to
// exercise the coordinator without any real kernel operation, mirroring
// the pack's fake-backed interface seam for kernel-dependent logic.
type fakeBackend struct {
	name      string
	priority  model.Priority
	available bool
	classes   []model.TrafficClass

	initCalls    int
	initErr      error
	applied      map[int]model.ThrottleLimit
	applyErr     error
	removeCalls  []int
	removeErr    error
	cleanupCalls int
	cleanupErr   error
}

func newFakeBackend(name string, priority model.Priority) *fakeBackend {
	return &fakeBackend{
		name:      name,
		priority:  priority,
		available: true,
		classes:   []model.TrafficClass{model.ClassAll},
		applied:   make(map[int]model.ThrottleLimit),
	}
}

func (f *fakeBackend) Descriptor() model.BackendDescriptor {
	return model.BackendDescriptor{Name: f.name, Priority: f.priority, Classes: f.classes}
}
func (f *fakeBackend) IsAvailable() bool { return f.available }
func (f *fakeBackend) Init() error       { f.initCalls++; return f.initErr }
func (f *fakeBackend) Apply(pid int, limit model.ThrottleLimit) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied[pid] = limit
	return nil
}
func (f *fakeBackend) Remove(pid int) error {
	f.removeCalls = append(f.removeCalls, pid)
	delete(f.applied, pid)
	return f.removeErr
}
func (f *fakeBackend) Cleanup() error { f.cleanupCalls++; return f.cleanupErr }

func TestSelect_AutoPicksHighestPriority(t *testing.T) {
	c := NewCoordinator()
	good := newFakeBackend("good", model.PriorityGood)
	best := newFakeBackend("best", model.PriorityBest)
	c.RegisterUpload(good)
	c.RegisterUpload(best)

	require.NoError(t, c.Select("", ""))
	assert.Equal(t, 1, best.initCalls)
	assert.Equal(t, 0, good.initCalls)
}

func TestSelect_SkipsUnavailableCandidates(t *testing.T) {
	c := NewCoordinator()
	unavailable := newFakeBackend("best", model.PriorityBest)
	unavailable.available = false
	fallback := newFakeBackend("fallback", model.PriorityFallback)
	c.RegisterUpload(unavailable)
	c.RegisterUpload(fallback)

	require.NoError(t, c.Select("", ""))
	assert.Equal(t, 1, fallback.initCalls)
	assert.Equal(t, 0, unavailable.initCalls)
}

func TestSelect_ExplicitPreference_Unavailable_HardFailure(t *testing.T) {
	c := NewCoordinator()
	unavailable := newFakeBackend("best", model.PriorityBest)
	unavailable.available = false
	c.RegisterUpload(unavailable)

	err := c.Select("best", "")
	assert.ErrorIs(t, err, model.ErrBackendUnavailable)
}

func TestSelect_ExplicitPreference_Unknown_HardFailure(t *testing.T) {
	c := NewCoordinator()
	c.RegisterUpload(newFakeBackend("good", model.PriorityGood))

	err := c.Select("nonexistent", "")
	assert.ErrorIs(t, err, model.ErrBackendUnavailable)
}

func TestSelect_NoBackendsRegistered_IsNotAnError(t *testing.T) {
	c := NewCoordinator()
	assert.NoError(t, c.Select("", ""))
}

func TestThrottle_NoActiveBackends_ReturnsNoCompatibleBackend(t *testing.T) {
	c := NewCoordinator()
	_, err := c.Throttle(1, model.ThrottleLimit{UploadBps: 1000})
	assert.ErrorIs(t, err, model.ErrNoCompatibleBackend)
}

func TestThrottle_AppliesToActiveUploadOnly(t *testing.T) {
	c := NewCoordinator()
	up := newFakeBackend("tchtb", model.PriorityBest)
	c.RegisterUpload(up)
	require.NoError(t, c.Select("", ""))

	res, err := c.Throttle(42, model.ThrottleLimit{UploadBps: 5000})
	require.NoError(t, err)
	assert.True(t, res.UploadApplied)
	assert.False(t, res.DownloadApplied)
	assert.Equal(t, uint64(5000), up.applied[42].UploadBps)
}

func TestThrottle_DownloadRequestedButNoBackend_IsPartialSuccess(t *testing.T) {
	c := NewCoordinator()
	up := newFakeBackend("tchtb", model.PriorityBest)
	c.RegisterUpload(up)
	require.NoError(t, c.Select("", ""))

	res, err := c.Throttle(7, model.ThrottleLimit{UploadBps: 1000, DownloadBps: 2000})
	require.NoError(t, err)
	assert.True(t, res.UploadApplied)
	assert.False(t, res.DownloadApplied)
	assert.ErrorIs(t, res.DownloadErr, model.ErrBackendUnavailable)
}

func TestThrottle_UnsupportedTrafficClass(t *testing.T) {
	c := NewCoordinator()
	up := newFakeBackend("tcpolice", model.PriorityFallback)
	up.classes = []model.TrafficClass{model.ClassAll}
	c.RegisterUpload(up)
	require.NoError(t, c.Select("", ""))

	res, err := c.Throttle(1, model.ThrottleLimit{UploadBps: 100, Class: model.ClassInternet})
	require.NoError(t, err)
	assert.False(t, res.UploadApplied)
	assert.ErrorIs(t, res.UploadErr, model.ErrTrafficClassUnsupported)
}

func TestRemove_UnknownPid_IsSilentSuccess(t *testing.T) {
	c := NewCoordinator()
	up := newFakeBackend("tchtb", model.PriorityBest)
	c.RegisterUpload(up)
	require.NoError(t, c.Select("", ""))

	assert.NoError(t, c.Remove(999))
}

func TestRemove_ClearsPidFromBothDirections(t *testing.T) {
	c := NewCoordinator()
	up := newFakeBackend("tchtb", model.PriorityBest)
	down := newFakeBackend("ifbtc", model.PriorityBest)
	c.RegisterUpload(up)
	c.RegisterDownload(down)
	require.NoError(t, c.Select("", ""))

	_, err := c.Throttle(3, model.ThrottleLimit{UploadBps: 100, DownloadBps: 200})
	require.NoError(t, err)

	require.NoError(t, c.Remove(3))
	assert.Contains(t, up.removeCalls, 3)
	assert.Contains(t, down.removeCalls, 3)

	entries := c.List()
	for _, e := range entries {
		assert.NotContains(t, e.Limits, 3)
	}
}

func TestList_ReportsActiveBackendsAndLimits(t *testing.T) {
	c := NewCoordinator()
	up := newFakeBackend("tchtb", model.PriorityBest)
	c.RegisterUpload(up)
	require.NoError(t, c.Select("", ""))

	_, err := c.Throttle(5, model.ThrottleLimit{UploadBps: 10})
	require.NoError(t, err)

	entries := c.List()
	require.Len(t, entries, 1)
	assert.Equal(t, model.Upload, entries[0].Direction)
	assert.Equal(t, "tchtb", entries[0].Backend)
	assert.Contains(t, entries[0].Limits, 5)
}

func TestSwitchUpload_ExistingThrottlesNotMigrated(t *testing.T) {
	c := NewCoordinator()
	old := newFakeBackend("old", model.PriorityGood)
	fresh := newFakeBackend("fresh", model.PriorityBest)
	c.RegisterUpload(old)
	c.RegisterUpload(fresh)
	require.NoError(t, c.Select("old", ""))

	_, err := c.Throttle(1, model.ThrottleLimit{UploadBps: 100})
	require.NoError(t, err)
	assert.Contains(t, old.applied, 1)

	require.NoError(t, c.SwitchUpload("fresh"))
	assert.Contains(t, old.applied, 1, "outgoing backend's throttle must remain until explicitly removed")

	_, err = c.Throttle(2, model.ThrottleLimit{UploadBps: 50})
	require.NoError(t, err)
	assert.Contains(t, fresh.applied, 2)
	assert.NotContains(t, old.applied, 2)
}

func TestSwitchUpload_UnknownBackend(t *testing.T) {
	c := NewCoordinator()
	err := c.SwitchUpload("ghost")
	assert.ErrorIs(t, err, model.ErrBackendUnavailable)
}

func TestCleanup_CallsEveryRegisteredBackend_NotJustActive(t *testing.T) {
	c := NewCoordinator()
	active := newFakeBackend("active", model.PriorityBest)
	inactive := newFakeBackend("inactive", model.PriorityFallback)
	c.RegisterUpload(active)
	c.RegisterUpload(inactive)
	require.NoError(t, c.Select("", ""))

	require.NoError(t, c.Cleanup())
	assert.Equal(t, 1, active.cleanupCalls)
	assert.Equal(t, 1, inactive.cleanupCalls)
}

func TestCleanup_IsIdempotent(t *testing.T) {
	c := NewCoordinator()
	b := newFakeBackend("b", model.PriorityBest)
	c.RegisterUpload(b)
	require.NoError(t, c.Select("", ""))

	require.NoError(t, c.Cleanup())
	require.NoError(t, c.Cleanup())
	assert.Equal(t, 2, b.cleanupCalls)
}

func TestCleanup_CollectsErrorsButFinishes(t *testing.T) {
	c := NewCoordinator()
	failing := newFakeBackend("failing", model.PriorityBest)
	failing.cleanupErr = errors.New("boom")
	ok := newFakeBackend("ok", model.PriorityGood)
	c.RegisterUpload(failing)
	c.RegisterUpload(ok)
	require.NoError(t, c.Select("", ""))

	err := c.Cleanup()
	assert.Error(t, err)
	assert.Equal(t, 1, failing.cleanupCalls)
	assert.Equal(t, 1, ok.cleanupCalls)
}

func TestAllDescriptors_ReportsBothDirectionsAndActiveFlag(t *testing.T) {
	c := NewCoordinator()
	up := newFakeBackend("up", model.PriorityBest)
	down := newFakeBackend("down", model.PriorityGood)
	down.available = false
	c.RegisterUpload(up)
	c.RegisterDownload(down)
	require.NoError(t, c.Select("", ""))

	entries := c.AllDescriptors()
	require.Len(t, entries, 2)

	byName := map[string]DescriptorEntry{}
	for _, e := range entries {
		byName[e.Descriptor.Name] = e
	}
	assert.True(t, byName["up"].Active)
	assert.Equal(t, model.Upload, byName["up"].Direction)
	assert.False(t, byName["down"].Available)
	assert.False(t, byName["down"].Active, "never selected: auto mode found nothing available")
}
