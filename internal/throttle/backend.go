//go:build linux

// Package throttle holds the capability-typed backend registry and the
// coordinator that routes upload/download throttle requests to whichever
// backends are compiled in, available, and selected (spec.md §4.4).
package throttle

import "github.com/BSteffaniak/nethogspp/internal/model"

// UploadBackend is implemented by every backend capable of throttling a
// process's egress traffic.
type UploadBackend interface {
	Descriptor() model.BackendDescriptor
	// IsAvailable probes whether this backend can run on this host. Must
	// return quickly and have no side effects (spec.md §4.4).
	IsAvailable() bool
	Init() error
	Apply(pid int, limit model.ThrottleLimit) error
	Remove(pid int) error
	Cleanup() error
}

// DownloadBackend is implemented by every backend capable of throttling a
// process's ingress traffic. Kept as a distinct interface from
// UploadBackend even though the method set is identical: a single backend
// implementation (e.g. the in-kernel program backend) may satisfy both,
// while tchtb/ifbtc are direction-specific by construction (spec.md §4.4:
// "Hold at most one active upload backend and at most one active download
// backend at a time").
type DownloadBackend interface {
	Descriptor() model.BackendDescriptor
	IsAvailable() bool
	Init() error
	Apply(pid int, limit model.ThrottleLimit) error
	Remove(pid int) error
	Cleanup() error
}
