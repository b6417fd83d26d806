//go:build linux

// Package tcpolice implements the interface-wide ingress policer fallback:
// a single netlink.PoliceAction attached to an ingress qdisc, rate-limiting
// an entire interface rather than any one process (spec.md §4.8). It is
// the backend a coordinator falls back to when ifbtc's IFB device can't be
// created (older kernels, missing ifb module) but some download limit is
// still better than none.
//
// Shares tchtb's NetlinkOps seam (grounded on adumbdinosaur-vex-cli's
// throttler.go), narrowed to the subset this backend actually calls.
package tcpolice

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/BSteffaniak/nethogspp/internal/model"
)

var log = logrus.WithField("component", "tcpolice")

var ingressHandle = netlink.MakeHandle(0xffff, 0)

// NetlinkOps is the seam this backend depends on.
type NetlinkOps interface {
	LinkByName(name string) (netlink.Link, error)
	QdiscAdd(qdisc netlink.Qdisc) error
	QdiscDel(qdisc netlink.Qdisc) error
	FilterAdd(filter netlink.Filter) error
	FilterDel(filter netlink.Filter) error
}

// RealNetlinkOps delegates to the real vishvananda/netlink package.
type RealNetlinkOps struct{}

func (RealNetlinkOps) LinkByName(name string) (netlink.Link, error) { return netlink.LinkByName(name) }
func (RealNetlinkOps) QdiscAdd(q netlink.Qdisc) error                { return netlink.QdiscAdd(q) }
func (RealNetlinkOps) QdiscDel(q netlink.Qdisc) error                { return netlink.QdiscDel(q) }
func (RealNetlinkOps) FilterAdd(f netlink.Filter) error              { return netlink.FilterAdd(f) }
func (RealNetlinkOps) FilterDel(f netlink.Filter) error              { return netlink.FilterDel(f) }

// Backend is the whole-interface TC-police download fallback. It has no
// notion of per-pid state: Apply/Remove operate on the single shared
// policer filter, keyed only by whether any limit is currently active.
type Backend struct {
	mu sync.Mutex

	iface string
	nl    NetlinkOps

	linkIndex   int
	qdiscAdded  bool
	filterAdded bool
	activePids  map[int]struct{}
}

// New returns a Backend targeting iface with the real netlink implementation.
func New(iface string) *Backend {
	return &Backend{iface: iface, nl: RealNetlinkOps{}, activePids: make(map[int]struct{})}
}

func newWithOps(iface string, nl NetlinkOps) *Backend {
	return &Backend{iface: iface, nl: nl, activePids: make(map[int]struct{})}
}

// Descriptor reports this backend's name, priority, and capabilities. It is
// deliberately lower priority than ifbtc and has PerProcess = false: every
// throttled pid shares one interface-wide rate.
func (b *Backend) Descriptor() model.BackendDescriptor {
	return model.BackendDescriptor{
		Name:         "tcpolice",
		Priority:     model.PriorityGood,
		Kind:         model.KindDownloadThrottle,
		SupportsIPv4: true,
		SupportsIPv6: true,
		PerProcess:   false,
		Classes:      []model.TrafficClass{model.ClassAll},
	}
}

// IsAvailable reports whether the target interface exists.
func (b *Backend) IsAvailable() bool {
	_, err := b.nl.LinkByName(b.iface)
	return err == nil
}

// Init resolves the interface index; the ingress qdisc itself is added
// lazily on the first Apply so a backend that's registered but never used
// leaves nothing installed.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	link, err := b.nl.LinkByName(b.iface)
	if err != nil {
		return fmt.Errorf("tcpolice: link %s: %w", b.iface, model.ErrNotSupported)
	}
	b.linkIndex = link.Attrs().Index
	return nil
}

// Apply installs (or replaces) the single shared policer filter at the
// requested download rate. Since this backend is not per-process, the
// most recently applied limit wins for the whole interface; pid is
// tracked only so Remove knows when the last caller has let go.
func (b *Backend) Apply(pid int, limit model.ThrottleLimit) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !limit.HasDownload() {
		return nil
	}

	if !b.qdiscAdded {
		ingress := netlink.NewIngress(netlink.QdiscAttrs{
			LinkIndex: b.linkIndex,
			Parent:    netlink.HANDLE_INGRESS,
		})
		if err := b.nl.QdiscAdd(ingress); err != nil {
			return fmt.Errorf("tcpolice: add ingress qdisc: %w", err)
		}
		b.qdiscAdded = true
	}

	if b.filterAdded {
		b.removeFilterLocked()
	}

	police := netlink.NewPoliceAction()
	police.Rate = uint32(limit.DownloadBps)
	police.Burst = uint32(limit.DownloadBps)
	police.ExceedAction = netlink.TC_POLICE_SHOT

	filter := &netlink.U32{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: b.linkIndex,
			Parent:    ingressHandle,
			Priority:  1,
			Protocol:  unix_ETH_P_ALL,
		},
		Actions: []netlink.Action{police},
	}
	if err := b.nl.FilterAdd(filter); err != nil {
		return fmt.Errorf("tcpolice: add police filter: %w", err)
	}
	b.filterAdded = true
	b.activePids[pid] = struct{}{}

	log.WithField("iface", b.iface).WithField("rate", limit.DownloadBps).Debug("shared policer filter applied")
	return nil
}

func (b *Backend) removeFilterLocked() {
	filter := &netlink.U32{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: b.linkIndex,
			Parent:    ingressHandle,
			Priority:  1,
			Protocol:  unix_ETH_P_ALL,
		},
	}
	_ = b.nl.FilterDel(filter) // best-effort
	b.filterAdded = false
}

// Remove drops pid from the set of callers holding the shared limit; once
// the last one lets go the policer filter is torn down. Unknown pids are
// a silent success.
func (b *Backend) Remove(pid int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.activePids[pid]; !ok {
		return nil
	}
	delete(b.activePids, pid)

	if len(b.activePids) == 0 && b.filterAdded {
		b.removeFilterLocked()
	}
	return nil
}

// Cleanup removes the ingress qdisc entirely, dropping the policer filter
// with it. Idempotent.
func (b *Backend) Cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.qdiscAdded {
		return nil
	}

	ingress := netlink.NewIngress(netlink.QdiscAttrs{
		LinkIndex: b.linkIndex,
		Parent:    netlink.HANDLE_INGRESS,
	})
	if err := b.nl.QdiscDel(ingress); err != nil {
		return fmt.Errorf("tcpolice: delete ingress qdisc: %w", err)
	}
	b.qdiscAdded = false
	b.filterAdded = false
	b.activePids = make(map[int]struct{})
	log.WithField("iface", b.iface).Debug("ingress qdisc removed")
	return nil
}

const unix_ETH_P_ALL = 0x0003
