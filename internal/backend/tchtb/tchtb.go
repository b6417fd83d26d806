//go:build linux

// Package tchtb implements the TC-HTB upload backend: a per-interface root
// HTB qdisc, one leaf HTB class per throttled pid, and a cgroup-classid
// filter routing that pid's egress traffic into its leaf (spec.md §4.6).
//
// Grounded on adumbdinosaur-vex-cli's throttler.go for both the netlink
// qdisc lifecycle (QdiscAdd/QdiscDel/QdiscList, netlink.HANDLE_ROOT,
// netlink.MakeHandle) and its NetlinkOps test seam, which this package
// adopts verbatim in shape so the class/filter logic can be unit tested
// without a real interface or root privileges.
package tchtb

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/BSteffaniak/nethogspp/internal/model"
	"github.com/BSteffaniak/nethogspp/pkg/system/cgroup"
)

var log = logrus.WithField("component", "tchtb")

// rootHandle is the fixed HTB root qdisc handle, major 1 minor 0, the
// conventional "1:" TC handle used across the pack's TC examples.
var rootHandle = netlink.MakeHandle(1, 0)

// classMinorBase starts leaf class minors above the root's own
// implicit default class to avoid collisions.
const classMinorBase = 0x10

// burstHorizonMillis is the small fixed horizon bursts are derived from
// (spec.md §4.6: "bursts are derived from rate × a small fixed horizon").
const burstHorizonMillis = 50

// NetlinkOps is the seam over vishvananda/netlink this backend depends on,
// so tests can substitute a fake instead of touching a real link.
type NetlinkOps interface {
	LinkByName(name string) (netlink.Link, error)
	QdiscList(link netlink.Link) ([]netlink.Qdisc, error)
	QdiscAdd(qdisc netlink.Qdisc) error
	QdiscDel(qdisc netlink.Qdisc) error
	ClassAdd(class netlink.Class) error
	ClassDel(class netlink.Class) error
	FilterAdd(filter netlink.Filter) error
	FilterDel(filter netlink.Filter) error
}

// RealNetlinkOps delegates every call to the real vishvananda/netlink
// package, for production use.
type RealNetlinkOps struct{}

func (RealNetlinkOps) LinkByName(name string) (netlink.Link, error) { return netlink.LinkByName(name) }
func (RealNetlinkOps) QdiscList(link netlink.Link) ([]netlink.Qdisc, error) {
	return netlink.QdiscList(link)
}
func (RealNetlinkOps) QdiscAdd(q netlink.Qdisc) error   { return netlink.QdiscAdd(q) }
func (RealNetlinkOps) QdiscDel(q netlink.Qdisc) error   { return netlink.QdiscDel(q) }
func (RealNetlinkOps) ClassAdd(c netlink.Class) error   { return netlink.ClassAdd(c) }
func (RealNetlinkOps) ClassDel(c netlink.Class) error   { return netlink.ClassDel(c) }
func (RealNetlinkOps) FilterAdd(f netlink.Filter) error { return netlink.FilterAdd(f) }
func (RealNetlinkOps) FilterDel(f netlink.Filter) error { return netlink.FilterDel(f) }

// CgroupManager is the subset of *cgroup.Manager this backend needs,
// narrowed to an interface for testability.
type CgroupManager interface {
	CreateFor(pid int) (cgroup.Handle, error)
	Release(h cgroup.Handle) error
	ClassIDOf(h cgroup.Handle) uint32
}

type pidState struct {
	handle   cgroup.Handle
	minor    uint16
	filterID uint32
}

// Backend is the TC-HTB upload throttle backend.
type Backend struct {
	mu sync.Mutex

	iface   string
	nl      NetlinkOps
	cgroups CgroupManager

	linkIndex  int
	rootAdded  bool
	nextMinor  uint16
	pids       map[int]*pidState
}

// New returns a Backend targeting the given interface, using the real
// netlink and cgroup manager implementations.
func New(iface string, cgroups CgroupManager) *Backend {
	return &Backend{
		iface:     iface,
		nl:        RealNetlinkOps{},
		cgroups:   cgroups,
		nextMinor: classMinorBase,
		pids:      make(map[int]*pidState),
	}
}

// newWithOps is used by tests to inject a fake NetlinkOps.
func newWithOps(iface string, nl NetlinkOps, cgroups CgroupManager) *Backend {
	return &Backend{
		iface:     iface,
		nl:        nl,
		cgroups:   cgroups,
		nextMinor: classMinorBase,
		pids:      make(map[int]*pidState),
	}
}

// Descriptor reports this backend's name, priority, and capabilities.
func (b *Backend) Descriptor() model.BackendDescriptor {
	return model.BackendDescriptor{
		Name:         "tchtb",
		Priority:     model.PriorityBest,
		Kind:         model.KindUploadThrottle,
		SupportsIPv4: true,
		SupportsIPv6: true,
		PerProcess:   true,
		Classes:      []model.TrafficClass{model.ClassAll},
	}
}

// IsAvailable reports whether the target interface exists.
func (b *Backend) IsAvailable() bool {
	_, err := b.nl.LinkByName(b.iface)
	return err == nil
}

// Init creates the per-interface root HTB qdisc, once.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	link, err := b.nl.LinkByName(b.iface)
	if err != nil {
		return fmt.Errorf("tchtb: link %s: %w", b.iface, model.ErrNotSupported)
	}
	b.linkIndex = link.Attrs().Index

	qdisc := netlink.NewHtb(netlink.QdiscAttrs{
		LinkIndex: b.linkIndex,
		Handle:    rootHandle,
		Parent:    netlink.HANDLE_ROOT,
	})
	if err := b.nl.QdiscAdd(qdisc); err != nil {
		return fmt.Errorf("tchtb: add root htb qdisc: %w", err)
	}
	b.rootAdded = true
	log.WithField("iface", b.iface).Debug("root htb qdisc added")
	return nil
}

// Apply creates (or replaces) the leaf HTB class and cgroup-classid filter
// for pid at the requested upload rate.
func (b *Backend) Apply(pid int, limit model.ThrottleLimit) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !limit.HasUpload() {
		return nil
	}

	handle, err := b.cgroups.CreateFor(pid)
	if err != nil {
		return fmt.Errorf("tchtb: cgroup for pid %d: %w", pid, err)
	}

	st, exists := b.pids[pid]
	if !exists {
		st = &pidState{handle: handle, minor: b.nextMinor}
		b.nextMinor++
		b.pids[pid] = st
	}

	classHandle := netlink.MakeHandle(1, st.minor)
	rate := limit.UploadBps
	burst := rate * burstHorizonMillis / 1000
	if burst == 0 {
		burst = rate
	}

	class := netlink.NewHtbClass(netlink.ClassAttrs{
		LinkIndex: b.linkIndex,
		Parent:    rootHandle,
		Handle:    classHandle,
	}, netlink.HtbClassAttrs{
		Rate:    rate,
		Ceil:    rate,
		Buffer:  uint32(burst),
		Cbuffer: uint32(burst),
	})
	if err := b.nl.ClassAdd(class); err != nil {
		return fmt.Errorf("tchtb: add htb class for pid %d: %w", pid, err)
	}

	classid := b.cgroups.ClassIDOf(handle)
	filter, err := netlink.NewFw(netlink.FilterAttrs{
		LinkIndex: b.linkIndex,
		Parent:    rootHandle,
		Priority:  1,
		Protocol:  unix_ETH_P_ALL,
		Handle:    classid,
	}, netlink.FilterFwAttrs{ClassId: classHandle})
	if err != nil {
		return fmt.Errorf("tchtb: build cgroup-classid filter for pid %d: %w", pid, err)
	}
	if err := b.nl.FilterAdd(filter); err != nil {
		return fmt.Errorf("tchtb: add cgroup-classid filter for pid %d: %w", pid, err)
	}
	st.filterID = classid

	log.WithField("pid", pid).WithField("rate", rate).Debug("htb class applied")
	return nil
}

// Remove deletes the pid's filter and leaf class; the root qdisc persists
// until Cleanup. Unknown pids are a silent success (idempotent).
func (b *Backend) Remove(pid int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.pids[pid]
	if !ok {
		return nil
	}
	delete(b.pids, pid)

	classHandle := netlink.MakeHandle(1, st.minor)
	filter, err := netlink.NewFw(netlink.FilterAttrs{
		LinkIndex: b.linkIndex,
		Parent:    rootHandle,
		Priority:  1,
		Protocol:  unix_ETH_P_ALL,
		Handle:    st.filterID,
	}, netlink.FilterFwAttrs{ClassId: classHandle})
	if err == nil {
		_ = b.nl.FilterDel(filter) // best-effort; pid may already be gone
	}

	class := netlink.NewHtbClass(netlink.ClassAttrs{
		LinkIndex: b.linkIndex,
		Parent:    rootHandle,
		Handle:    classHandle,
	}, netlink.HtbClassAttrs{})
	if err := b.nl.ClassDel(class); err != nil {
		return fmt.Errorf("tchtb: delete htb class for pid %d: %w", pid, err)
	}

	return b.cgroups.Release(st.handle)
}

// Cleanup removes the root qdisc entirely, which implicitly drops every
// remaining leaf class. Idempotent.
func (b *Backend) Cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.rootAdded {
		return nil
	}

	qdisc := netlink.NewHtb(netlink.QdiscAttrs{
		LinkIndex: b.linkIndex,
		Handle:    rootHandle,
		Parent:    netlink.HANDLE_ROOT,
	})
	if err := b.nl.QdiscDel(qdisc); err != nil {
		return fmt.Errorf("tchtb: delete root htb qdisc: %w", err)
	}
	b.rootAdded = false
	b.pids = make(map[int]*pidState)
	log.WithField("iface", b.iface).Debug("root htb qdisc removed")
	return nil
}

// unix_ETH_P_ALL is ETH_P_ALL (0x0003) in host byte order (netlink swaps a
// filter's protocol to network byte order itself), the protocol value TC
// filters use to match every ethertype.
const unix_ETH_P_ALL = 0x0003
