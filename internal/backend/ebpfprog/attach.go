//go:build linux

package ebpfprog

import (
	"fmt"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"golang.org/x/sys/unix"

	"github.com/BSteffaniak/nethogspp/internal/model"
)

// LinkHandle is the seam over a modern cgroup link: closing it detaches
// automatically, exactly as spec.md §4.10 describes mode "link".
type LinkHandle interface {
	Close() error
}

// Attacher performs the two-mode attach/detach spec.md §4.10 names.
type Attacher interface {
	AttachLink(cgroupPath string, direction model.AttachDirection, prog ProgramOps) (LinkHandle, error)
	AttachLegacy(cgroupPath string, direction model.AttachDirection, prog ProgramOps) error
	DetachLegacy(cgroupPath string, direction model.AttachDirection, progFD int) error
}

// RealAttacher attaches against the real kernel cgroup hierarchy.
type RealAttacher struct{}

func attachTypeFor(direction model.AttachDirection) ebpf.AttachType {
	if direction == model.AttachEgress {
		return ebpf.AttachCGroupInetEgress
	}
	return ebpf.AttachCGroupInetIngress
}

func (RealAttacher) AttachLink(cgroupPath string, direction model.AttachDirection, prog ProgramOps) (LinkHandle, error) {
	rp, ok := prog.(realProgram)
	if !ok {
		return nil, fmt.Errorf("ebpfprog: AttachLink requires a program loaded by RealLoader")
	}
	l, err := link.AttachCgroup(link.CgroupOptions{
		Path:    cgroupPath,
		Attach:  attachTypeFor(direction),
		Program: rp.p,
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// bpfAttrProgAttach mirrors the kernel's bpf_attr union members used by
// BPF_PROG_ATTACH/BPF_PROG_DETACH (linux/bpf.h "struct { } attach_bpf").
type bpfAttrProgAttach struct {
	TargetFD     uint32
	AttachBPFFD  uint32
	AttachType   uint32
	AttachFlags  uint32
	ReplaceBPFFD uint32
}

func (RealAttacher) AttachLegacy(cgroupPath string, direction model.AttachDirection, prog ProgramOps) error {
	cgroupFD, err := unix.Open(cgroupPath, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return fmt.Errorf("ebpfprog: open cgroup %s: %w", cgroupPath, err)
	}
	defer unix.Close(cgroupFD)

	attr := bpfAttrProgAttach{
		TargetFD:    uint32(cgroupFD),
		AttachBPFFD: uint32(prog.FD()),
		AttachType:  uint32(attachTypeFor(direction)),
		AttachFlags: unix.BPF_F_ALLOW_MULTI,
	}
	_, _, errno := unix.Syscall(unix.SYS_BPF, unix.BPF_PROG_ATTACH, uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr))
	if errno != 0 {
		return fmt.Errorf("ebpfprog: BPF_PROG_ATTACH: %w", errno)
	}
	return nil
}

// DetachLegacy requires the exact program fd stored at attach time and
// the same BPF_F_ALLOW_MULTI flag used to attach it — passing zero or a
// mismatched fd silently "succeeds" at the syscall layer without actually
// detaching anything, the bug spec.md §4.10 calls out as the single most
// common mistake in this area.
func (RealAttacher) DetachLegacy(cgroupPath string, direction model.AttachDirection, progFD int) error {
	cgroupFD, err := unix.Open(cgroupPath, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return fmt.Errorf("ebpfprog: open cgroup %s: %w", cgroupPath, err)
	}
	defer unix.Close(cgroupFD)

	attr := bpfAttrProgAttach{
		TargetFD:    uint32(cgroupFD),
		AttachBPFFD: uint32(progFD),
		AttachType:  uint32(attachTypeFor(direction)),
		AttachFlags: unix.BPF_F_ALLOW_MULTI,
	}
	_, _, errno := unix.Syscall(unix.SYS_BPF, unix.BPF_PROG_DETACH, uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr))
	if errno != 0 {
		return fmt.Errorf("ebpfprog: BPF_PROG_DETACH: %w", errno)
	}
	return nil
}
