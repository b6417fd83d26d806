//go:build linux

package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BSteffaniak/nethogspp/internal/capture"
	"github.com/BSteffaniak/nethogspp/internal/model"
	"github.com/BSteffaniak/nethogspp/internal/ratetrack"
	"github.com/BSteffaniak/nethogspp/internal/sockmap"
	"github.com/BSteffaniak/nethogspp/internal/throttle"
)

// fakeUploadBackend is a minimal in-memory throttle.UploadBackend, used so
// RunExternal can be exercised without any real kernel/netlink/cgroup
// dependency, mirroring internal/throttle's own fakeBackend test seam.
type fakeUploadBackend struct {
	applied map[int]model.ThrottleLimit
	removed []int
}

func newFakeUploadBackend() *fakeUploadBackend {
	return &fakeUploadBackend{applied: make(map[int]model.ThrottleLimit)}
}

func (f *fakeUploadBackend) Descriptor() model.BackendDescriptor {
	return model.BackendDescriptor{Name: "fake", Priority: model.PriorityGood, Classes: []model.TrafficClass{model.ClassAll}}
}
func (f *fakeUploadBackend) IsAvailable() bool { return true }
func (f *fakeUploadBackend) Init() error       { return nil }
func (f *fakeUploadBackend) Apply(pid int, limit model.ThrottleLimit) error {
	f.applied[pid] = limit
	return nil
}
func (f *fakeUploadBackend) Remove(pid int) error {
	f.removed = append(f.removed, pid)
	delete(f.applied, pid)
	return nil
}
func (f *fakeUploadBackend) Cleanup() error { return nil }

func newTestApp(t *testing.T, backend throttle.UploadBackend) *App {
	t.Helper()
	coord := throttle.NewCoordinator()
	coord.RegisterUpload(backend)
	require.NoError(t, coord.Select("", ""))

	mapper := sockmap.NewProcScanMapper()
	mon := capture.New(mapper, ratetrack.New(), capture.Config{})

	return &App{cfg: DefaultConfig(), Monitor: mon, Coordinator: coord, Mapper: mapper}
}

func TestDefaultConfig_Sane(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, time.Second, cfg.SampleInterval)
	assert.Equal(t, model.AttachAuto, cfg.BPFAttachMethod)
}

func TestParseAttachMethod(t *testing.T) {
	t.Run("known", func(t *testing.T) {
		for in, want := range map[string]model.AttachMode{
			"":       model.AttachAuto,
			"auto":   model.AttachAuto,
			"link":   model.AttachLink,
			"LEGACY": model.AttachLegacyDirect,
		} {
			got, err := ParseAttachMethod(in)
			require.NoError(t, err)
			assert.Equal(t, want, got, "in=%q", in)
		}
	})
	t.Run("unknown", func(t *testing.T) {
		_, err := ParseAttachMethod("bogus")
		assert.Error(t, err)
	})
}

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	want := &PersistedState{
		UploadBackend: "tchtb",
		Throttles:     []PersistedThrottle{{PID: 123, Name: "curl", DownloadLimit: 1000}},
	}
	require.NoError(t, SaveState(path, want))

	got, err := LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadState_MissingFileIsEmptyNotError(t *testing.T) {
	st, err := LoadState(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Empty(t, st.Throttles)
}

func TestLoadYAMLDefaults_FillsOnlyUnsetFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defaults.yaml")
	require.NoError(t, os.WriteFile(path, []byte("upload_backend: tchtb\ndownload_backend: ifbtc\n"), 0o644))

	cfg := Config{DownloadBackend: "tcpolice"}
	require.NoError(t, LoadYAMLDefaults(path, &cfg))

	assert.Equal(t, "tchtb", cfg.UploadBackend, "unset field picks up the default")
	assert.Equal(t, "tcpolice", cfg.DownloadBackend, "already-set field is not overridden")
}

func TestRunExternal_AppliesThenRemovesOnTimeout(t *testing.T) {
	backend := newFakeUploadBackend()
	a := newTestApp(t, backend)

	pid := os.Getpid()
	err := RunExternal(context.Background(), a, pid, model.ThrottleLimit{UploadBps: 1000}, 10*time.Millisecond)
	require.NoError(t, err)

	assert.Contains(t, backend.removed, pid, "throttle must be removed on exit")
}

func TestRunExternal_UnknownPidFailsFast(t *testing.T) {
	backend := newFakeUploadBackend()
	a := newTestApp(t, backend)

	err := RunExternal(context.Background(), a, 1<<30, model.ThrottleLimit{UploadBps: 1000}, time.Millisecond)
	assert.Error(t, err)
}

func TestSnapshotState_DedupesAcrossDirections(t *testing.T) {
	backend := newFakeUploadBackend()
	a := newTestApp(t, backend)
	a.Coordinator.RegisterDownload(backend)
	require.NoError(t, a.Coordinator.SwitchDownload("fake"))

	_, err := a.Coordinator.Throttle(os.Getpid(), model.ThrottleLimit{UploadBps: 500, DownloadBps: 700})
	require.NoError(t, err)

	st := a.SnapshotState()
	require.Len(t, st.Throttles, 1)
	assert.Equal(t, uint64(500), st.Throttles[0].UploadLimit)
	assert.Equal(t, uint64(700), st.Throttles[0].DownloadLimit)
}
