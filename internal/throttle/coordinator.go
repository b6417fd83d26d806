//go:build linux

package throttle

import (
	"fmt"
	"sync"

	"github.com/BSteffaniak/nethogspp/internal/model"
)

// descriptorHolder is the minimal shape both UploadBackend and
// DownloadBackend satisfy; used to share selection logic between
// directions without duplicating it per interface.
type descriptorHolder interface {
	Descriptor() model.BackendDescriptor
}

// selectPreferred picks the highest-priority available backend among
// candidates, unless name is non-empty, in which case it must exist and be
// available — no silent fallback past an explicit preference
// (spec.md §4.4).
func selectPreferred[T descriptorHolder](candidates map[string]T, isAvailable func(T) bool, name string) (T, error) {
	var zero T

	if name != "" {
		b, ok := candidates[name]
		if !ok {
			return zero, fmt.Errorf("throttle: backend %q: %w", name, model.ErrBackendUnavailable)
		}
		if !isAvailable(b) {
			return zero, fmt.Errorf("throttle: backend %q unavailable: %w", name, model.ErrBackendUnavailable)
		}
		return b, nil
	}

	var best T
	haveBest := false
	bestPriority := model.PriorityFallback - 1
	for _, b := range candidates {
		if !isAvailable(b) {
			continue
		}
		p := b.Descriptor().Priority
		if !haveBest || p > bestPriority {
			best, bestPriority, haveBest = b, p, true
		}
	}
	if !haveBest {
		return zero, model.ErrNoCompatibleBackend
	}
	return best, nil
}

// pidState tracks which backend, if any, currently holds a throttle for a
// pid in each direction.
type pidState struct {
	uploadBackend   string
	downloadBackend string
	limit           model.ThrottleLimit
}

// Result reports, per direction, whether a throttle request succeeded,
// was skipped for lack of a backend, or failed outright
// (spec.md §4.4: "partial-success indication").
type Result struct {
	UploadApplied   bool
	UploadErr       error
	DownloadApplied bool
	DownloadErr     error
}

// Coordinator holds at most one active upload backend and one active
// download backend, and exposes the throttle/remove/list/switch/cleanup
// API spec.md §4.4 names.
type Coordinator struct {
	mu sync.Mutex

	uploadBackends   map[string]UploadBackend
	downloadBackends map[string]DownloadBackend

	activeUpload   UploadBackend
	activeDownload DownloadBackend

	pids map[int]*pidState
}

// NewCoordinator returns an empty Coordinator; backends are added with
// RegisterUpload/RegisterDownload before Select is called.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		uploadBackends:   make(map[string]UploadBackend),
		downloadBackends: make(map[string]DownloadBackend),
		pids:             make(map[int]*pidState),
	}
}

// RegisterUpload adds an upload-capable backend to the registry. Must be
// called before Select.
func (c *Coordinator) RegisterUpload(b UploadBackend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploadBackends[b.Descriptor().Name] = b
}

// RegisterDownload adds a download-capable backend to the registry.
func (c *Coordinator) RegisterDownload(b DownloadBackend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downloadBackends[b.Descriptor().Name] = b
}

// Select chooses and initializes the active upload and download backends.
// An empty preference auto-selects by priority; a non-empty preference
// that doesn't exist or isn't available is a hard failure (no auto
// fallback past an explicit choice). Either direction may end up with no
// active backend at all if none is compiled in or available — the
// coordinator remains usable with monitoring-only.
func (c *Coordinator) Select(uploadPref, downloadPref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.uploadBackends) > 0 {
		b, err := selectPreferred(c.uploadBackends, uploadAvailable, uploadPref)
		if err != nil {
			if uploadPref != "" {
				return err
			}
			// Auto mode with nothing available is not an error; upload
			// throttling is simply absent.
		} else {
			if err := b.Init(); err != nil {
				return fmt.Errorf("throttle: init upload backend %q: %w", b.Descriptor().Name, err)
			}
			c.activeUpload = b
		}
	}

	if len(c.downloadBackends) > 0 {
		b, err := selectPreferred(c.downloadBackends, downloadAvailable, downloadPref)
		if err != nil {
			if downloadPref != "" {
				return err
			}
		} else {
			if err := b.Init(); err != nil {
				return fmt.Errorf("throttle: init download backend %q: %w", b.Descriptor().Name, err)
			}
			c.activeDownload = b
		}
	}

	return nil
}

func uploadAvailable(b UploadBackend) bool     { return b.IsAvailable() }
func downloadAvailable(b DownloadBackend) bool { return b.IsAvailable() }

// Throttle applies limit to pid on whichever of the active backends cover
// the requested directions. A direction with no active backend is simply
// skipped (not an error) unless neither direction can be served at all.
func (c *Coordinator) Throttle(pid int, limit model.ThrottleLimit) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activeUpload == nil && c.activeDownload == nil {
		return Result{}, model.ErrNoCompatibleBackend
	}

	var res Result

	if limit.HasUpload() {
		if c.activeUpload == nil {
			res.UploadErr = model.ErrBackendUnavailable
		} else if !c.activeUpload.Descriptor().SupportsClass(limit.Class) {
			res.UploadErr = model.ErrTrafficClassUnsupported
		} else if err := c.activeUpload.Apply(pid, limit); err != nil {
			res.UploadErr = err
		} else {
			res.UploadApplied = true
		}
	}

	if limit.HasDownload() {
		if c.activeDownload == nil {
			res.DownloadErr = model.ErrBackendUnavailable
		} else if !c.activeDownload.Descriptor().SupportsClass(limit.Class) {
			res.DownloadErr = model.ErrTrafficClassUnsupported
		} else if err := c.activeDownload.Apply(pid, limit); err != nil {
			res.DownloadErr = err
		} else {
			res.DownloadApplied = true
		}
	}

	st, ok := c.pids[pid]
	if !ok {
		st = &pidState{}
		c.pids[pid] = st
	}
	st.limit = limit
	if res.UploadApplied {
		st.uploadBackend = c.activeUpload.Descriptor().Name
	}
	if res.DownloadApplied {
		st.downloadBackend = c.activeDownload.Descriptor().Name
	}

	return res, nil
}

// Remove removes whatever throttles the managed backends hold for pid, in
// both directions, tolerantly: removing an unknown pid is a silent
// success (spec.md §9 Open Question).
func (c *Coordinator) Remove(pid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Route to the backends that recorded the throttle, which may no longer
	// be the active ones after a switch.
	up, down := c.activeUpload, c.activeDownload
	if st, ok := c.pids[pid]; ok {
		if b, ok := c.uploadBackends[st.uploadBackend]; ok {
			up = b
		}
		if b, ok := c.downloadBackends[st.downloadBackend]; ok {
			down = b
		}
	}

	var errs []error
	if up != nil {
		if err := up.Remove(pid); err != nil {
			errs = append(errs, fmt.Errorf("upload remove: %w", err))
		}
	}
	if down != nil {
		if err := down.Remove(pid); err != nil {
			errs = append(errs, fmt.Errorf("download remove: %w", err))
		}
	}
	delete(c.pids, pid)

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("throttle: remove pid %d: %v", pid, errs)
}

// BackendListEntry is one row of Coordinator.List's report.
type BackendListEntry struct {
	Direction model.Direction
	Backend   string
	Limits    map[int]model.ThrottleLimit
}

// List reports, per direction, the active backend name and its current
// pid → limit map.
func (c *Coordinator) List() []BackendListEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []BackendListEntry

	if c.activeUpload != nil {
		limits := make(map[int]model.ThrottleLimit)
		for pid, st := range c.pids {
			if st.uploadBackend == c.activeUpload.Descriptor().Name {
				limits[pid] = st.limit
			}
		}
		out = append(out, BackendListEntry{Direction: model.Upload, Backend: c.activeUpload.Descriptor().Name, Limits: limits})
	}
	if c.activeDownload != nil {
		limits := make(map[int]model.ThrottleLimit)
		for pid, st := range c.pids {
			if st.downloadBackend == c.activeDownload.Descriptor().Name {
				limits[pid] = st.limit
			}
		}
		out = append(out, BackendListEntry{Direction: model.Download, Backend: c.activeDownload.Descriptor().Name, Limits: limits})
	}

	return out
}

// DescriptorEntry is one row of Coordinator.AllDescriptors' report: every
// registered backend's static capabilities, regardless of whether it is
// currently selected or even available on this host.
type DescriptorEntry struct {
	Direction  model.Direction
	Descriptor model.BackendDescriptor
	Available  bool
	Active     bool
}

// AllDescriptors reports every registered backend in both directions, for
// --list-backends (spec.md §6): "print backend tables and exit".
func (c *Coordinator) AllDescriptors() []DescriptorEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []DescriptorEntry
	for _, b := range c.uploadBackends {
		out = append(out, DescriptorEntry{
			Direction:  model.Upload,
			Descriptor: b.Descriptor(),
			Available:  b.IsAvailable(),
			Active:     c.activeUpload != nil && c.activeUpload.Descriptor().Name == b.Descriptor().Name,
		})
	}
	for _, b := range c.downloadBackends {
		out = append(out, DescriptorEntry{
			Direction:  model.Download,
			Descriptor: b.Descriptor(),
			Available:  b.IsAvailable(),
			Active:     c.activeDownload != nil && c.activeDownload.Descriptor().Name == b.Descriptor().Name,
		})
	}
	return out
}

// SwitchUpload replaces the active upload backend. Existing throttles on
// the outgoing backend are NOT migrated; they remain attached to it until
// explicitly removed (spec.md §4.4's deliberate non-migration policy).
func (c *Coordinator) SwitchUpload(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.uploadBackends[name]
	if !ok {
		return fmt.Errorf("throttle: upload backend %q: %w", name, model.ErrBackendUnavailable)
	}
	if err := b.Init(); err != nil {
		return fmt.Errorf("throttle: init upload backend %q: %w", name, err)
	}
	c.activeUpload = b
	return nil
}

// SwitchDownload replaces the active download backend, with the same
// non-migration semantics as SwitchUpload.
func (c *Coordinator) SwitchDownload(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.downloadBackends[name]
	if !ok {
		return fmt.Errorf("throttle: download backend %q: %w", name, model.ErrBackendUnavailable)
	}
	if err := b.Init(); err != nil {
		return fmt.Errorf("throttle: init download backend %q: %w", name, err)
	}
	c.activeDownload = b
	return nil
}

// Cleanup calls Cleanup on every registered backend, regardless of which
// is active, and is idempotent and safe to call on every exit path
// (spec.md §4.4). Errors from individual backends are collected, not
// fatal: cleanup always finishes.
func (c *Coordinator) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, b := range c.uploadBackends {
		if err := b.Cleanup(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, b := range c.downloadBackends {
		if err := b.Cleanup(); err != nil {
			errs = append(errs, err)
		}
	}
	c.activeUpload = nil
	c.activeDownload = nil
	c.pids = make(map[int]*pidState)

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("throttle: cleanup errors: %v", errs)
}
