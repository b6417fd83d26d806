//go:build linux

// Package capture is the packet capture monitor: it opens a raw link-layer
// socket on each chosen interface, parses link/IP/transport headers,
// consults the socket-to-PID mapper, and attributes byte counts to
// processes and interfaces (spec.md §4.1).
//
// Grounded on gravwell-gravwell's networkLog/main.go sniffer/pcapIngester
// pattern (one goroutine per interface reading pcap.Handle.ReadPacketData in
// a loop, NextErrorTimeoutExpired treated as "no packet yet", an I/O error
// ending that interface's loop only) — adapted from forwarding raw frames to
// an ingester, into the four-tuple attribution pipeline spec.md describes.
// The socket-table parsing and the socket-to-PID index come from
// pkg/system/procutil and internal/sockmap respectively.
package capture

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/BSteffaniak/nethogspp/internal/model"
	"github.com/BSteffaniak/nethogspp/internal/ratetrack"
	"github.com/BSteffaniak/nethogspp/internal/sockmap"
	"github.com/BSteffaniak/nethogspp/pkg/system/procutil"
)

// PacketSource is the seam over *pcap.Handle this package depends on.
type PacketSource interface {
	ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error)
	LinkType() layers.LinkType
	Close()
}

// SourceOpener opens a PacketSource on a named interface. Split out so
// tests can substitute an in-memory fake instead of a real pcap live
// capture.
type SourceOpener interface {
	Open(iface string, snapLen int, promisc bool, timeout time.Duration) (PacketSource, error)
}

// RealOpener opens live captures via gopacket/pcap.
type RealOpener struct{}

func (RealOpener) Open(iface string, snapLen int, promisc bool, timeout time.Duration) (PacketSource, error) {
	return pcap.OpenLive(iface, int32(snapLen), promisc, timeout)
}

// Config tunes the underlying live captures.
type Config struct {
	SnapLen     int
	Promisc     bool
	ReadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SnapLen == 0 {
		c.SnapLen = 65536
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	return c
}

type connKey struct {
	proto       procutil.Proto
	local       string
	localPort   uint16
	remote      string
	remotePort  uint16
}

type ifaceState struct {
	name        string
	primaryAddr net.IP
	localAddrs  map[string]bool
	handle      PacketSource
	rxBytes     uint64
	txBytes     uint64
	procSet     map[int]bool
}

type procState struct {
	pid        int
	name       string
	rxBytes    uint64
	txBytes    uint64
	ifaceBytes map[string]*model.InterfaceBytes
	conns      map[uint64]model.Connection
}

// Monitor is the packet capture monitor (spec.md §4.1). It owns one
// capture goroutine per started interface and the process/interface
// accounting tables those goroutines write into.
type Monitor struct {
	opener  SourceOpener
	mapper  sockmap.Mapper
	tracker *ratetrack.Tracker
	cfg     Config

	mu     sync.Mutex // guards ifaces and procs: writers are the capture
	ifaces map[string]*ifaceState
	procs  map[int]*procState

	connMu    sync.RWMutex // guards connIndex: refresher writes, capture reads
	connIndex map[connKey]uint64

	wg     sync.WaitGroup
	stop   chan struct{}
	stopOnce sync.Once

	warnMu   sync.Mutex
	warnings []error
}

// New returns a Monitor that captures via real pcap live handles.
func New(mapper sockmap.Mapper, tracker *ratetrack.Tracker, cfg Config) *Monitor {
	return newWithOpener(RealOpener{}, mapper, tracker, cfg)
}

func newWithOpener(opener SourceOpener, mapper sockmap.Mapper, tracker *ratetrack.Tracker, cfg Config) *Monitor {
	return &Monitor{
		opener:    opener,
		mapper:    mapper,
		tracker:   tracker,
		cfg:       cfg.withDefaults(),
		ifaces:    make(map[string]*ifaceState),
		procs:     make(map[int]*procState),
		connIndex: make(map[connKey]uint64),
		stop:      make(chan struct{}),
	}
}

// Start opens a capture on each named interface and spawns one worker
// goroutine per interface. It fails fast, before spawning any worker, if
// an interface does not exist or cannot be opened.
func (m *Monitor) Start(interfaces []string) error {
	opened := make([]*ifaceState, 0, len(interfaces))
	closeOpened := func() {
		for _, st := range opened {
			st.handle.Close()
		}
	}
	for _, name := range interfaces {
		local, primary, err := localAddressesOf(name)
		if err != nil {
			closeOpened()
			return fmt.Errorf("capture: interface %s: %w", name, model.ErrInterfaceUnavailable)
		}

		handle, err := m.opener.Open(name, m.cfg.SnapLen, m.cfg.Promisc, m.cfg.ReadTimeout)
		if err != nil {
			closeOpened()
			return fmt.Errorf("capture: open %s: %w", name, classifyOpenErr(err))
		}

		opened = append(opened, &ifaceState{
			name:        name,
			primaryAddr: primary,
			localAddrs:  local,
			handle:      handle,
			procSet:     make(map[int]bool),
		})
	}

	for _, st := range opened {
		m.mu.Lock()
		m.ifaces[st.name] = st
		m.mu.Unlock()

		m.wg.Add(1)
		go m.captureLoop(st)
	}
	return nil
}

// classifyOpenErr maps a pcap open failure onto the sentinel the coordinator
// expects, without depending on pcap's internal error types.
func classifyOpenErr(err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "permission") {
		return fmt.Errorf("%w: %v", model.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", model.ErrIO, err)
}

func localAddressesOf(name string) (map[string]bool, net.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, nil, err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, nil, err
	}

	local := make(map[string]bool)
	var primary net.IP
	for _, a := range addrs {
		ip, _, err := net.ParseCIDR(a.String())
		if err != nil {
			ip = net.ParseIP(a.String())
		}
		if ip == nil {
			continue
		}
		local[ip.String()] = true
		if primary == nil {
			primary = ip
		}
	}
	return local, primary, nil
}

// captureLoop is one interface's capture worker (spec.md §4.1 "Spawn one
// capture worker per interface"). An I/O error ends this interface's
// capture only; the monitor remains usable for the others.
func (m *Monitor) captureLoop(st *ifaceState) {
	defer m.wg.Done()
	linkType := st.handle.LinkType()

	for {
		select {
		case <-m.stop:
			return
		default:
		}

		data, _, err := st.handle.ReadPacketData()
		if err != nil {
			if errors.Is(err, pcap.NextErrorTimeoutExpired) {
				continue
			}
			m.recordWarning(fmt.Errorf("capture: %s: %w", st.name, err))
			return
		}

		m.attribute(st, data, linkType)
	}
}

func (m *Monitor) recordWarning(err error) {
	m.warnMu.Lock()
	m.warnings = append(m.warnings, err)
	m.warnMu.Unlock()
}

// Warnings drains the partial-capture and parse-failure warnings
// accumulated since the last call (spec.md §4.1 "non-fatal... the monitor
// reports a partial-capture warning and remains usable").
func (m *Monitor) Warnings() []error {
	m.warnMu.Lock()
	defer m.warnMu.Unlock()
	out := m.warnings
	m.warnings = nil
	return out
}

// attribute runs the five-step attribution algorithm on one captured frame
// (spec.md §4.1).
func (m *Monitor) attribute(st *ifaceState, data []byte, linkType layers.LinkType) {
	packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	// Step 1: parse link header; discard non-IP payloads.
	netLayer := packet.NetworkLayer()
	if netLayer == nil {
		return
	}

	var srcIP, dstIP net.IP
	switch nl := netLayer.(type) {
	case *layers.IPv4:
		srcIP, dstIP = nl.SrcIP, nl.DstIP
	case *layers.IPv6:
		srcIP, dstIP = nl.SrcIP, nl.DstIP
	default:
		return
	}

	isUpload, matched := classifyDirection(st.localAddrs, srcIP, dstIP)
	frameLen := uint64(len(data))

	if matched {
		m.mu.Lock()
		if isUpload {
			st.txBytes += frameLen
		} else {
			st.rxBytes += frameLen
		}
		m.mu.Unlock()
	}
	if !matched {
		// Neither address is local to this interface: can't tell direction,
		// so it isn't counted anywhere. Rare outside promiscuous captures.
		return
	}

	// Step 2: parse IP header; non-TCP/UDP already counted to the
	// interface above, nothing more to attribute.
	transport := packet.TransportLayer()
	if transport == nil {
		return
	}

	var proto model.Proto
	var localPort, remotePort uint16
	isV6 := dstIP.To4() == nil

	switch t := transport.(type) {
	case *layers.TCP:
		localPort, remotePort = portsFor(isUpload, uint16(t.SrcPort), uint16(t.DstPort))
		if isV6 {
			proto = model.TCPv6
		} else {
			proto = model.TCP
		}
	case *layers.UDP:
		localPort, remotePort = portsFor(isUpload, uint16(t.SrcPort), uint16(t.DstPort))
		if isV6 {
			proto = model.UDPv6
		} else {
			proto = model.UDP
		}
	default:
		return
	}

	// Step 3: build the 4-tuple from the local host's point of view.
	var localAddr, remoteAddr net.IP
	if isUpload {
		localAddr, remoteAddr = srcIP, dstIP
	} else {
		localAddr, remoteAddr = dstIP, srcIP
	}

	key := connKey{
		proto:      procutilProtoOf(proto),
		local:      localAddr.String(),
		localPort:  localPort,
		remote:     remoteAddr.String(),
		remotePort: remotePort,
	}

	// Step 4: look up the 4-tuple, then the inode; either miss means
	// interface-only attribution (already done above), retried on the
	// next refresh_sockets cadence.
	m.connMu.RLock()
	inode, ok := m.connIndex[key]
	m.connMu.RUnlock()
	if !ok {
		return
	}

	owner, ok := m.mapper.Lookup(inode)
	if !ok {
		return
	}

	conn := model.Connection{
		Proto:      proto,
		LocalAddr:  localAddr,
		LocalPort:  localPort,
		RemoteAddr: remoteAddr,
		RemotePort: remotePort,
		Inode:      inode,
	}

	// Step 5: add to the process and (process, interface) accumulators.
	m.mu.Lock()
	ps := m.procs[owner.PID]
	if ps == nil {
		ps = &procState{
			pid:        owner.PID,
			name:       owner.Name,
			ifaceBytes: make(map[string]*model.InterfaceBytes),
			conns:      make(map[uint64]model.Connection),
		}
		m.procs[owner.PID] = ps
	} else if owner.Name != "" {
		ps.name = owner.Name
	}

	ib := ps.ifaceBytes[st.name]
	if ib == nil {
		ib = &model.InterfaceBytes{}
		ps.ifaceBytes[st.name] = ib
		st.procSet[owner.PID] = true
	}
	if isUpload {
		ps.txBytes += frameLen
		ib.TxBytes += frameLen
	} else {
		ps.rxBytes += frameLen
		ib.RxBytes += frameLen
	}
	ps.conns[inode] = conn
	m.mu.Unlock()
}

func portsFor(isUpload bool, srcPort, dstPort uint16) (localPort, remotePort uint16) {
	if isUpload {
		return srcPort, dstPort
	}
	return dstPort, srcPort
}

// classifyDirection infers direction from whether the source address
// matches any local address of the capturing interface (spec.md §4.1 step
// 3); if neither address is local, the packet is unattributable.
func classifyDirection(local map[string]bool, src, dst net.IP) (isUpload, matched bool) {
	if local[src.String()] {
		return true, true
	}
	if local[dst.String()] {
		return false, true
	}
	return false, false
}

func procutilProtoOf(p model.Proto) procutil.Proto {
	switch p {
	case model.TCP:
		return procutil.TCP
	case model.UDP:
		return procutil.UDP
	case model.TCPv6:
		return procutil.TCPv6
	case model.UDPv6:
		return procutil.UDPv6
	default:
		return procutil.TCP
	}
}

// RefreshSockets rebuilds both the socket-to-PID mapper's inode index and
// this monitor's connection→inode index from the kernel's socket tables
// (spec.md §4.1 "refresh_sockets"; design cadence ~1 Hz).
func (m *Monitor) RefreshSockets() error {
	if err := m.mapper.Refresh(); err != nil {
		return fmt.Errorf("capture: refresh socket mapper: %w", err)
	}

	entries := procutil.ReadAllSocketTables()
	next := make(map[connKey]uint64, len(entries))
	for _, e := range entries {
		next[connKey{
			proto:      e.Proto,
			local:      e.LocalAddr.String(),
			localPort:  e.LocalPort,
			remote:     e.RemoteAddr.String(),
			remotePort: e.RemotePort,
		}] = e.Inode
	}

	m.connMu.Lock()
	m.connIndex = next
	m.connMu.Unlock()
	return nil
}

// Tick computes rates for the just-completed interval and returns a
// consistent snapshot of the process and interface tables (spec.md §4.1
// "tick"). It holds the accounting tables' lock for the duration of the
// computation, matching the monitor's role as their exclusive writer.
func (m *Monitor) Tick(now float64) model.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var samples []ratetrack.Sample
	for pid, ps := range m.procs {
		for iface, ib := range ps.ifaceBytes {
			samples = append(samples, ratetrack.Sample{
				PID: pid, Iface: iface, RxBytes: ib.RxBytes, TxBytes: ib.TxBytes,
			})
		}
	}
	rates := m.tracker.Tick(now, samples)

	procRxRate := make(map[int]uint64)
	procTxRate := make(map[int]uint64)
	for _, r := range rates {
		procRxRate[r.PID] += r.RxRate
		procTxRate[r.PID] += r.TxRate
	}

	procsOut := make([]model.Process, 0, len(m.procs))
	for pid, ps := range m.procs {
		ifaceBytes := make(map[string]model.InterfaceBytes, len(ps.ifaceBytes))
		for iface, ib := range ps.ifaceBytes {
			ifaceBytes[iface] = *ib
		}
		conns := make(map[uint64]model.Connection, len(ps.conns))
		for k, v := range ps.conns {
			conns[k] = v
		}
		procsOut = append(procsOut, model.Process{
			PID:            pid,
			Name:           ps.name,
			RxBytes:        ps.rxBytes,
			TxBytes:        ps.txBytes,
			RxRate:         procRxRate[pid],
			TxRate:         procTxRate[pid],
			InterfaceBytes: ifaceBytes,
			Connections:    conns,
		})
	}
	sort.Slice(procsOut, func(i, j int) bool { return procsOut[i].PID < procsOut[j].PID })

	ifacesOut := make([]model.Interface, 0, len(m.ifaces))
	for name, st := range m.ifaces {
		rxRate, txRate := m.tracker.InterfaceRate(name)
		ifacesOut = append(ifacesOut, model.Interface{
			Name:         name,
			PrimaryAddr:  st.primaryAddr,
			RxBytes:      st.rxBytes,
			TxBytes:      st.txBytes,
			RxRate:       rxRate,
			TxRate:       txRate,
			ProcessCount: len(st.procSet),
		})
	}
	sort.Slice(ifacesOut, func(i, j int) bool { return ifacesOut[i].Name < ifacesOut[j].Name })

	return model.Snapshot{Processes: procsOut, Interfaces: ifacesOut}
}

// Stop closes every interface's capture handle, joins the worker
// goroutines, and drops all accounting state (spec.md §4.1 "stop").
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	for _, st := range m.ifaces {
		st.handle.Close()
	}
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	m.ifaces = make(map[string]*ifaceState)
	m.procs = make(map[int]*procState)
	m.mu.Unlock()
}

// Forget drops a process's accounting state and its rate-tracker
// counters, called when a process has exited and holds no throttle
// (spec.md §3 "Process record" lifecycle).
func (m *Monitor) Forget(pid int) {
	m.mu.Lock()
	delete(m.procs, pid)
	for _, st := range m.ifaces {
		delete(st.procSet, pid)
	}
	m.mu.Unlock()
	m.tracker.Forget(pid)
}
