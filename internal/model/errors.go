// Package model holds the data types and error taxonomy shared across the
// monitor and throttle packages: process and connection records, interface
// aggregates, throttle limits, cgroup/backend descriptors, and the sentinel
// error kinds every backend reports through (spec.md §3, §7).
package model

import "errors"

// Error kinds. These are sentinels, not types: callers compare with
// errors.Is, and backend code wraps one of these with context via
// fmt.Errorf("...: %w", ErrKind).
var (
	// ErrPermissionDenied is returned when a raw socket or kernel operation
	// is attempted without sufficient privilege.
	ErrPermissionDenied = errors.New("model: permission denied")

	// ErrNotSupported is returned when a kernel feature a backend needs is
	// absent (no IFB, no unified cgroups, no kernel-program syscall). The
	// backend is treated as unavailable, not as a fatal condition.
	ErrNotSupported = errors.New("model: not supported")

	// ErrBackendUnavailable is returned when a user explicitly selects a
	// backend that exists but is not available on this host. No silent
	// auto-fallback follows an explicit preference.
	ErrBackendUnavailable = errors.New("model: backend unavailable")

	// ErrTrafficClassUnsupported is returned when a user requests the
	// internet or local traffic class on a backend that can only filter
	// by "all".
	ErrTrafficClassUnsupported = errors.New("model: traffic class unsupported by backend")

	// ErrAttachmentFailed is returned when the kernel rejects a modern
	// link-create attach with an invalid-argument class error. In auto
	// attach mode the caller retries via the legacy path; otherwise this
	// surfaces unchanged.
	ErrAttachmentFailed = errors.New("model: kernel attachment failed")

	// ErrIO wraps a failure in an external utility call or file operation.
	ErrIO = errors.New("model: io error")

	// ErrParse wraps a failure to parse a malformed kernel response
	// (mountinfo, /proc/net/*, netlink reply).
	ErrParse = errors.New("model: parse error")

	// ErrNoCompatibleBackend is returned when no configured backend
	// supports the requested operation at all.
	ErrNoCompatibleBackend = errors.New("model: no compatible backend")

	// ErrInterfaceUnavailable is returned when the capture monitor is
	// asked to start on a network interface that does not exist.
	ErrInterfaceUnavailable = errors.New("model: interface unavailable")
)
