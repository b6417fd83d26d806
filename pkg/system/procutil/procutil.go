//go:build linux

// Package procutil provides lightweight, zero-dependency process and
// socket-table scanning on Linux: enumerating processes, reading a pid's
// command name, and mapping socket inodes to owning pids via the per-process
// file-descriptor table. It is the building block both internal/capture
// (attribution) and internal/sockmap (the procscan backend) depend on.
//
// The scanning idiom (open /proc/<x>, bufio.Scanner, strings.Fields) is
// carried over from the teacher's deleted pkg/system/proc/proc.go.
package procutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Exists reports whether a given PID currently exists in /proc.
func Exists(pid int) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}

// ReadComm returns the short process name from /proc/<pid>/comm
// (truncated to 15 bytes by the kernel, newline-stripped here).
func ReadComm(pid int) (string, error) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// ListPIDs enumerates every numeric entry directly under /proc.
func ListPIDs() ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if pid, err := strconv.Atoi(e.Name()); err == nil {
			out = append(out, pid)
		}
	}
	return out, nil
}

// SocketInodesOf returns the set of socket inodes owned by a pid's open
// file descriptor table, by resolving each /proc/<pid>/fd/* symlink and
// matching the "socket:[<inode>]" target form.
func SocketInodesOf(pid int) (map[uint64]struct{}, error) {
	dir := fmt.Sprintf("/proc/%d/fd", pid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	out := make(map[uint64]struct{})
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		if inode, ok := parseSocketLink(target); ok {
			out[inode] = struct{}{}
		}
	}
	return out, nil
}

func parseSocketLink(target string) (uint64, bool) {
	const prefix = "socket:["
	if !strings.HasPrefix(target, prefix) || !strings.HasSuffix(target, "]") {
		return 0, false
	}
	num := target[len(prefix) : len(target)-1]
	inode, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return 0, false
	}
	return inode, true
}

// ReadProcChildren returns the direct child PIDs of a process by reading
// /proc/<pid>/task/*/children, deduplicated across threads.
func ReadProcChildren(pid int) ([]int, error) {
	glob := fmt.Sprintf("/proc/%d/task/*/children", pid)
	paths, _ := filepath.Glob(glob)
	set := map[int]struct{}{}
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		for _, s := range strings.Fields(string(b)) {
			if id, err := strconv.Atoi(s); err == nil {
				set[id] = struct{}{}
			}
		}
	}
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}

// CgroupPath returns a pid's unified (v2) cgroup path by reading the
// "0::<path>" line of /proc/<pid>/cgroup. Used only at attach time; once
// an in-kernel program is attached, its record is keyed by cgroup id, not
// re-derived from this (spec.md §4.10: "NOT by re-reading the process's
// cgroup — the process may already be gone").
func CgroupPath(pid int) (string, error) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(b), "\n") {
		if rest, ok := strings.CutPrefix(line, "0::"); ok {
			return strings.TrimSpace(rest), nil
		}
	}
	return "", fmt.Errorf("procutil: no unified cgroup line for pid %d", pid)
}
