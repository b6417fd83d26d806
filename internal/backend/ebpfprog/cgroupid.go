//go:build linux

package ebpfprog

import "golang.org/x/sys/unix"

// cgroupDirInode returns a cgroup directory's kernfs node id, which the
// kernel also uses as the stable cgroup id bpf_get_current_cgroup_id()
// returns — the id this backend's maps are keyed on.
func cgroupDirInode(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	return st.Ino, nil
}
