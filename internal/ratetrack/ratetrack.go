//go:build linux

// Package ratetrack converts accumulated byte counters into per-process and
// per-interface download/upload rates on a fixed sampling tick. It does no
// I/O and is driven entirely by Tick(now, samples) calls, so it can be unit
// tested with synthetic byte sequences (spec.md §4.2).
//
// The accumulate-then-derive-on-tick shape is grounded on the teacher's
// pkg/consumption.Accumulator (Apply updates running sums; Averages reads
// them back on demand); the per-sample formula itself is replaced with
// spec.md §4.2's rate definition, and the smoothing/delta helpers are the
// teacher's own pkg/system/util.
package ratetrack

import (
	"github.com/BSteffaniak/nethogspp/pkg/system/util"
)

// windowDepth is the number of retained samples per counter
// (spec.md §4.2: "A 60-sample-deep rolling window").
const windowDepth = 60

// counter tracks one monotonic byte counter and its derived rate history.
type counter struct {
	lastBytes uint64
	lastNow   float64
	haveLast  bool

	rate   uint64
	window []uint64 // most recent first, capped at windowDepth
}

func (c *counter) apply(now float64, bytesNow uint64) {
	if !c.haveLast {
		c.lastBytes, c.lastNow, c.haveLast = bytesNow, now, true
		c.rate = 0
		c.pushWindow(0)
		return
	}

	delta := util.DeltaU64(bytesNow, c.lastBytes)
	dt := now - c.lastNow
	rate := util.SafeDiv(float64(delta), dt)
	if rate < 0 {
		rate = 0
	}

	c.rate = uint64(rate)
	c.lastBytes, c.lastNow = bytesNow, now
	c.pushWindow(c.rate)
}

func (c *counter) pushWindow(v uint64) {
	c.window = append([]uint64{v}, c.window...)
	if len(c.window) > windowDepth {
		c.window = c.window[:windowDepth]
	}
}

// processKey pairs a pid with the interface a sample was observed on; there
// is no separate process-wide counter (Rates.TotalRx/TotalTx are summed per
// tick instead).
type processKey struct {
	pid  int
	iface string
}

// Tracker holds the live rx/tx counters for every process and interface
// seen so far, and derives rates on each Tick call.
type Tracker struct {
	procRx map[processKey]*counter
	procTx map[processKey]*counter
	ifRx   map[string]*counter
	ifTx   map[string]*counter
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{
		procRx: make(map[processKey]*counter),
		procTx: make(map[processKey]*counter),
		ifRx:   make(map[string]*counter),
		ifTx:   make(map[string]*counter),
	}
}

// Sample is one process's accumulated rx/tx bytes on one interface, as
// observed by the capture monitor since the process was first seen.
type Sample struct {
	PID     int
	Iface   string
	RxBytes uint64
	TxBytes uint64
}

// Rates is the derived per-process, per-interface rate pair for a tick.
type Rates struct {
	PID       int
	Iface     string
	RxRate    uint64
	TxRate    uint64
	TotalRx   uint64 // process-wide, across all interfaces
	TotalTx   uint64
}

// Tick advances every counter implied by samples to "now" (a monotonic
// seconds value) and returns the derived per-(pid,iface) rates for this
// interval, clamped to non-negative per spec.md §4.2.
func (t *Tracker) Tick(now float64, samples []Sample) []Rates {
	out := make([]Rates, 0, len(samples))

	totalRx := make(map[int]uint64)
	totalTx := make(map[int]uint64)
	ifaceRx := make(map[string]uint64)
	ifaceTx := make(map[string]uint64)

	for _, s := range samples {
		key := processKey{pid: s.PID, iface: s.Iface}

		rxC, ok := t.procRx[key]
		if !ok {
			rxC = &counter{}
			t.procRx[key] = rxC
		}
		txC, ok := t.procTx[key]
		if !ok {
			txC = &counter{}
			t.procTx[key] = txC
		}
		rxC.apply(now, s.RxBytes)
		txC.apply(now, s.TxBytes)

		totalRx[s.PID] += s.RxBytes
		totalTx[s.PID] += s.TxBytes
		ifaceRx[s.Iface] += s.RxBytes
		ifaceTx[s.Iface] += s.TxBytes

		out = append(out, Rates{
			PID:    s.PID,
			Iface:  s.Iface,
			RxRate: rxC.rate,
			TxRate: txC.rate,
		})
	}

	// Interface counters are applied once per interface per tick, from the
	// sum of every process's sample on that interface — applying them once
	// per sample (as before) clobbered the earlier samples' deltas when more
	// than one process shares an interface in the same tick.
	for iface, sum := range ifaceRx {
		c, ok := t.ifRx[iface]
		if !ok {
			c = &counter{}
			t.ifRx[iface] = c
		}
		c.apply(now, sum)
	}
	for iface, sum := range ifaceTx {
		c, ok := t.ifTx[iface]
		if !ok {
			c = &counter{}
			t.ifTx[iface] = c
		}
		c.apply(now, sum)
	}

	for i := range out {
		out[i].TotalRx = totalRx[out[i].PID]
		out[i].TotalTx = totalTx[out[i].PID]
	}

	return out
}

// Window returns the retained rolling rate history for one process on one
// interface, most-recent sample first, for the UI's graph collaborator.
func (t *Tracker) Window(pid int, iface string, rx bool) []uint64 {
	key := processKey{pid: pid, iface: iface}
	var c *counter
	if rx {
		c = t.procRx[key]
	} else {
		c = t.procTx[key]
	}
	if c == nil {
		return nil
	}
	out := make([]uint64, len(c.window))
	copy(out, c.window)
	return out
}

// InterfaceRate returns the current rx/tx rate for an interface aggregate.
func (t *Tracker) InterfaceRate(iface string) (rx, tx uint64) {
	if c, ok := t.ifRx[iface]; ok {
		rx = c.rate
	}
	if c, ok := t.ifTx[iface]; ok {
		tx = c.rate
	}
	return rx, tx
}

// Forget drops all counters for a process, called when a process ends and
// holds no remaining throttle (spec.md §3 "Process record" lifecycle).
func (t *Tracker) Forget(pid int) {
	for key := range t.procRx {
		if key.pid == pid {
			delete(t.procRx, key)
			delete(t.procTx, key)
		}
	}
}
