package model

import "net"

// Proto identifies the connection's protocol/address family pairing.
type Proto int

const (
	TCP Proto = iota
	UDP
	TCPv6
	UDPv6
)

func (p Proto) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	case TCPv6:
		return "tcp6"
	case UDPv6:
		return "udp6"
	default:
		return "unknown"
	}
}

// TrafficClass restricts throttling to a subset of destination addresses.
type TrafficClass int

const (
	ClassAll TrafficClass = iota
	ClassInternet
	ClassLocal
)

func (c TrafficClass) String() string {
	switch c {
	case ClassAll:
		return "all"
	case ClassInternet:
		return "internet"
	case ClassLocal:
		return "local"
	default:
		return "unknown"
	}
}

// Direction is an upload or download throttle direction.
type Direction int

const (
	Upload Direction = iota
	Download
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// Priority ranks backends for auto-selection; higher value wins among
// available backends (spec.md §2: "Selected at startup by priority").
type Priority int

const (
	PriorityFallback Priority = iota
	PriorityGood
	PriorityBetter
	PriorityBest
)

func (p Priority) String() string {
	switch p {
	case PriorityFallback:
		return "fallback"
	case PriorityGood:
		return "good"
	case PriorityBetter:
		return "better"
	case PriorityBest:
		return "best"
	default:
		return "unknown"
	}
}

// Connection is one observed socket's 4-tuple, keyed to a kernel socket
// inode (spec.md §3 "Connection tuple").
type Connection struct {
	Proto      Proto
	LocalAddr  net.IP
	LocalPort  uint16
	RemoteAddr net.IP
	RemotePort uint16
	Inode      uint64
}

// ThrottleLimit is an optional per-direction byte-rate cap plus the traffic
// class it applies to (spec.md §3 "Throttle limit").
type ThrottleLimit struct {
	DownloadBps uint64 // 0 means "no download limit"
	UploadBps   uint64 // 0 means "no upload limit"
	Class       TrafficClass
}

// HasDownload reports whether a download limit is set.
func (t ThrottleLimit) HasDownload() bool { return t.DownloadBps > 0 }

// HasUpload reports whether an upload limit is set.
func (t ThrottleLimit) HasUpload() bool { return t.UploadBps > 0 }

// Process is the accounting record for one observed pid (spec.md §3
// "Process record"). InterfaceBytes sums to RxBytes/TxBytes across
// interfaces; the capture monitor maintains the invariant, not this type.
type Process struct {
	PID  int
	Name string

	RxBytes uint64
	TxBytes uint64
	RxRate  uint64 // bytes/sec, most recent tick
	TxRate  uint64

	InterfaceBytes map[string]InterfaceBytes
	Connections    map[uint64]Connection // keyed by socket inode

	Limit          *ThrottleLimit
	UploadBackend  string
	DownloadBackend string
}

// InterfaceBytes is one process's accumulated traffic on one interface.
type InterfaceBytes struct {
	RxBytes uint64
	TxBytes uint64
}

// Interface is the per-NIC aggregate record (spec.md §3 "Interface record").
type Interface struct {
	Name         string
	PrimaryAddr  net.IP
	RxBytes      uint64
	TxBytes      uint64
	RxRate       uint64
	TxRate       uint64
	ProcessCount int
}

// Snapshot is the read-only view returned to the UI/CLI on each tick
// (spec.md §6: "The core exposes this by returning a snapshot structure on
// each tick").
type Snapshot struct {
	Processes  []Process
	Interfaces []Interface
}

// BackendDescriptor identifies one compiled-in backend and its
// capabilities, independent of whether it is currently available
// (spec.md §3 "Backend descriptor").
type BackendDescriptor struct {
	Name         string
	Priority     Priority
	Kind         BackendKind
	SupportsIPv4 bool
	SupportsIPv6 bool
	PerProcess   bool
	PerConnection bool
	Classes      []TrafficClass
}

// BackendKind distinguishes the four backend categories the registry holds.
type BackendKind int

const (
	KindMonitor BackendKind = iota
	KindUploadThrottle
	KindDownloadThrottle
	KindSocketMapper
)

// SupportsClass reports whether this descriptor's backend can filter by
// the given traffic class.
func (d BackendDescriptor) SupportsClass(c TrafficClass) bool {
	for _, cl := range d.Classes {
		if cl == c {
			return true
		}
	}
	return false
}

// CgroupHandleKind distinguishes the two kernel cgroup hierarchies a
// handle may live in.
type CgroupHandleKind int

const (
	CgroupV1NetCls CgroupHandleKind = iota
	CgroupV2
)

// CgroupHandle mirrors pkg/system/cgroup.Handle at the model layer so
// throttle backends can depend on model without importing the cgroup
// package directly (spec.md §3 "Cgroup handle").
type CgroupHandle struct {
	Kind    CgroupHandleKind
	Path    string
	ID      uint64
	ClassID uint32
}

// AttachDirection is the hook side an in-kernel program attaches to.
type AttachDirection int

const (
	AttachIngress AttachDirection = iota
	AttachEgress
)

func (d AttachDirection) String() string {
	if d == AttachIngress {
		return "ingress"
	}
	return "egress"
}

// AttachMode selects between the modern link-create attach and the legacy
// BPF_PROG_ATTACH path (spec.md §4.10).
type AttachMode int

const (
	AttachAuto AttachMode = iota
	AttachLink
	AttachLegacyDirect
)

// AttachedProgramRecord tracks one in-kernel program attachment so it can
// be torn down with the same handle and flags it was created with
// (spec.md §3 "Attached program record"). ebpfprog keys these records by
// parent cgroup path and direction.
type AttachedProgramRecord struct {
	CgroupPath string
	CgroupID   uint64
	Direction  AttachDirection
	Mode       AttachMode
	// ProgramHandle is the fd/handle returned by the attach call; it must
	// be reused verbatim at detach time (legacy detach correctness).
	ProgramHandle int
	// LinkHandle is valid only when Mode == AttachLink.
	LinkHandle int
	RefCount   int
}
