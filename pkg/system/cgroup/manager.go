//go:build linux

package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// root subtree name under the relevant hierarchy. Created lazily on the
// first CreateFor call, removed when the last handle under it is released.
const subtreeName = "nethogspp"

const (
	v1NetClsMount = "/sys/fs/cgroup/net_cls"
	v2Mount       = "/sys/fs/cgroup"
)

// Handle identifies one leaf cgroup this manager created, shared by the
// upload and download backends for the same pid (spec.md §3: "A cgroup
// handle is shared by upload and download backends for the same pid").
type Handle struct {
	Version Version
	Path    string
	ID      uint64 // stable numeric id: the v1 classid minor, or a synthetic v2 id
	ClassID uint32 // v1 only; 0 for v2
}

type leaf struct {
	handle  Handle
	refs    int
	pid     int
}

// Manager creates, populates, and destroys the per-pid leaf cgroups shared
// by every Linux throttle backend, abstracting the v1/v2 difference behind
// a single Handle type (spec.md §4.3).
type Manager struct {
	mu      sync.Mutex
	version Version
	byPID   map[int]*leaf
	nextID  uint64

	// v1Mount/v2Mount are overridable so tests can point the manager at a
	// throwaway directory instead of the real /sys/fs/cgroup, mirroring the
	// fake-backed-seam idiom used for the netlink-dependent TC backends.
	v1Mount string
	v2Mount string
}

// NewManager builds a Manager, detecting the host's cgroup version once.
func NewManager() (*Manager, error) {
	ver, _, err := Detect()
	if err != nil {
		return nil, fmt.Errorf("cgroup: detect version: %w", err)
	}
	if ver == Unsupported {
		return nil, NotSupportedError{Detail: "no cgroup mounts found"}
	}
	// Hybrid hosts use the v2 unified hierarchy for new leaves; the v1
	// net_cls hierarchy is only consulted when v2 is entirely absent.
	effective := ver
	if ver == Hybrid {
		effective = V2
	}
	return &Manager{
		version: effective,
		byPID:   make(map[int]*leaf),
		v1Mount: v1NetClsMount,
		v2Mount: v2Mount,
	}, nil
}

// newManagerAt builds a Manager pinned to a specific version and mount
// roots, bypassing host detection entirely. Used by tests.
func newManagerAt(version Version, v1Root, v2Root string) *Manager {
	return &Manager{
		version: version,
		byPID:   make(map[int]*leaf),
		v1Mount: v1Root,
		v2Mount: v2Root,
	}
}

// NotSupportedError reports a missing cgroup controller or unified hierarchy.
type NotSupportedError struct{ Detail string }

func (e NotSupportedError) Error() string { return "cgroup: not supported: " + e.Detail }

// CreateFor returns the leaf cgroup handle for pid, creating it if this is
// the first request for that pid, and incrementing its refcount otherwise.
func (m *Manager) CreateFor(pid int) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byPID[pid]; ok {
		existing.refs++
		return existing.handle, nil
	}

	var (
		h   Handle
		err error
	)
	switch m.version {
	case V1:
		h, err = m.createV1(pid)
	case V2:
		h, err = m.createV2(pid)
	default:
		return Handle{}, NotSupportedError{Detail: "unsupported cgroup version"}
	}
	if err != nil {
		return Handle{}, err
	}

	m.byPID[pid] = &leaf{handle: h, refs: 1, pid: pid}
	return h, nil
}

func (m *Manager) createV1(pid int) (Handle, error) {
	if _, err := os.Stat(m.v1Mount); err != nil {
		return Handle{}, NotSupportedError{Detail: "net_cls controller not mounted"}
	}

	id := m.nextID
	m.nextID++

	dir := filepath.Join(m.v1Mount, subtreeName, fmt.Sprintf("pid-%d", pid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Handle{}, fmt.Errorf("cgroup: mkdir %s: %w", dir, err)
	}

	// classid major:minor encoded as 0x00010000 | id, a deterministic,
	// collision-free minor per leaf (spec.md: "write a deterministic classid").
	classID := uint32(0x00010000) | uint32(id&0xFFFF)
	classIDPath := filepath.Join(dir, "net_cls.classid")
	if err := os.WriteFile(classIDPath, []byte(strconv.FormatUint(uint64(classID), 10)), 0o644); err != nil {
		_ = os.Remove(dir)
		return Handle{}, fmt.Errorf("cgroup: write classid: %w", err)
	}

	if err := writeTask(dir, pid); err != nil {
		_ = os.Remove(dir)
		return Handle{}, err
	}

	return Handle{Version: V1, Path: dir, ID: id, ClassID: classID}, nil
}

func (m *Manager) createV2(pid int) (Handle, error) {
	if _, err := os.Stat(filepath.Join(m.v2Mount, "cgroup.controllers")); err != nil {
		return Handle{}, NotSupportedError{Detail: "unified hierarchy not mounted"}
	}

	id := m.nextID
	m.nextID++

	dir := filepath.Join(m.v2Mount, subtreeName, fmt.Sprintf("pid-%d", pid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Handle{}, fmt.Errorf("cgroup: mkdir %s: %w", dir, err)
	}

	if err := writeProcs(dir, pid); err != nil {
		_ = os.Remove(dir)
		return Handle{}, err
	}

	return Handle{Version: V2, Path: dir, ID: id}, nil
}

func writeTask(dir string, pid int) error {
	path := filepath.Join(dir, "tasks")
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("cgroup: write tasks: %w", err)
	}
	return nil
}

func writeProcs(dir string, pid int) error {
	path := filepath.Join(dir, "cgroup.procs")
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("cgroup: write cgroup.procs: %w", err)
	}
	return nil
}

// Release decrements the refcount on handle's owning pid entry; at zero it
// removes the pid from the leaf's task list (best-effort, the process may
// already be gone) and removes the leaf directory. Removal failures are
// warnings, not errors, matching spec.md §4.3's stated failure semantics.
func (m *Manager) Release(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var target *leaf
	var pid int
	for p, l := range m.byPID {
		if l.handle.Path == h.Path {
			target = l
			pid = p
			break
		}
	}
	if target == nil {
		// Already released, or never created here: idempotent no-op.
		return nil
	}

	target.refs--
	if target.refs > 0 {
		return nil
	}

	delete(m.byPID, pid)
	return m.destroy(target.handle)
}

func (m *Manager) destroy(h Handle) error {
	// Best-effort: migrate any straggling task back toward the parent
	// before removal, but a failure here does not block leaf removal.
	switch h.Version {
	case V1:
		_ = os.WriteFile(filepath.Join(filepath.Dir(h.Path), "tasks"), nil, 0o644)
	case V2:
		_ = os.WriteFile(filepath.Join(filepath.Dir(h.Path), "cgroup.procs"), nil, 0o644)
	}
	if err := os.Remove(h.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cgroup: remove leaf %s: %w (warning only)", h.Path, err)
	}
	return nil
}

// ClassIDOf returns the v1 major/minor classid used by TC filters. Zero for
// a v2 handle, which has no classid concept.
func (m *Manager) ClassIDOf(h Handle) uint32 { return h.ClassID }

// PathOf returns the cgroup leaf's filesystem path.
func (m *Manager) PathOf(h Handle) string { return h.Path }

// IDOf returns the stable numeric id assigned to the handle at creation.
func (m *Manager) IDOf(h Handle) uint64 { return h.ID }

// RefCount reports the current refcount for the pid owning h, for tests and
// diagnostics; returns 0 if no such handle is tracked.
func (m *Manager) RefCount(h Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.byPID {
		if l.handle.Path == h.Path {
			return l.refs
		}
	}
	return 0
}
