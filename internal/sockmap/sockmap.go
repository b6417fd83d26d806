//go:build linux

// Package sockmap provides the pluggable socket-inode → (pid, name) index
// the capture monitor consults on every refresh cycle (spec.md §2
// "Socket-to-PID mapper"). A single built-in backend, procscan, walks
// /proc directly; the Mapper interface leaves room for a faster
// library-based enumerator to register itself and be chosen by priority,
// the way spec.md §4.4 describes backend auto-selection in general.
//
// Grounded on the teacher's deleted pkg/system/proc/proc.go for the
// fd-table-walk idiom (now in pkg/system/procutil), and on the pack's
// preference (nestybox-sysbox-libs/dockerUtils, runZeroInc-sockstats) for
// treating "how do I learn about this socket" as a swappable strategy
// rather than a single hardcoded path.
package sockmap

import (
	"sync"

	"github.com/BSteffaniak/nethogspp/internal/model"
	"github.com/BSteffaniak/nethogspp/pkg/system/procutil"
)

// Owner is the attribution result for one socket inode.
type Owner struct {
	PID  int
	Name string
}

// Mapper builds and serves the inode → Owner index.
type Mapper interface {
	// Name identifies this mapper for --socket-mapper selection.
	Name() string
	// Priority ranks this mapper among other available mappers for
	// auto-selection.
	Priority() model.Priority
	// IsAvailable reports whether this mapper can run on this host; must
	// be fast and side-effect free.
	IsAvailable() bool
	// Refresh rebuilds the inode index. Called on a slower cadence than
	// packet processing (spec.md §4.1: "design target: ~1 Hz").
	Refresh() error
	// Lookup resolves a socket inode to its owning process, if known.
	Lookup(inode uint64) (Owner, bool)
}

// ProcScanMapper is the default mapper: it scans every process's open file
// descriptor table under /proc to build the inode index.
type ProcScanMapper struct {
	mu    sync.RWMutex
	index map[uint64]Owner
}

// NewProcScanMapper returns an empty ProcScanMapper; call Refresh before
// the first Lookup.
func NewProcScanMapper() *ProcScanMapper {
	return &ProcScanMapper{index: make(map[uint64]Owner)}
}

func (m *ProcScanMapper) Name() string            { return "procscan" }
func (m *ProcScanMapper) Priority() model.Priority { return model.PriorityGood }

// IsAvailable reports whether /proc is readable at all; procscan is the
// universal fallback and is available on any Linux host.
func (m *ProcScanMapper) IsAvailable() bool {
	_, err := procutil.ListPIDs()
	return err == nil
}

// Refresh walks every live pid's fd table, attributing each open socket
// inode to that pid and its short command name. Builds the replacement
// index off to the side and swaps it in under the write lock, so
// concurrent Lookups (spec.md §5: "readers use a shared lock on a
// per-lookup basis") never see a partially rebuilt index.
func (m *ProcScanMapper) Refresh() error {
	pids, err := procutil.ListPIDs()
	if err != nil {
		return err
	}

	m.mu.RLock()
	sizeHint := len(m.index)
	m.mu.RUnlock()

	next := make(map[uint64]Owner, sizeHint)
	for _, pid := range pids {
		inodes, err := procutil.SocketInodesOf(pid)
		if err != nil {
			// Process may have exited mid-scan, or we lack permission
			// for its fd table; skip it, matching spec.md §4.1's
			// "socket-index refresh errors are logged" non-fatal policy.
			continue
		}
		if len(inodes) == 0 {
			continue
		}
		name, err := procutil.ReadComm(pid)
		if err != nil {
			name = ""
		}
		for inode := range inodes {
			next[inode] = Owner{PID: pid, Name: name}
		}
	}

	m.mu.Lock()
	m.index = next
	m.mu.Unlock()
	return nil
}

// Lookup resolves inode using the most recently built index.
func (m *ProcScanMapper) Lookup(inode uint64) (Owner, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.index[inode]
	return o, ok
}

// Len reports the number of currently indexed socket inodes, for tests and
// diagnostics.
func (m *ProcScanMapper) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.index)
}
