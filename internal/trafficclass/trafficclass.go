// Package trafficclass classifies a destination address into one of the
// three traffic classes every backend understands: all, internet-routable,
// or local (RFC1918, loopback, link-local, unique-local, broadcast,
// unspecified). Classification is pure range comparison on the address
// bytes — no DNS, no connection tracking (spec.md §4.5).
//
// Grounded on the pack's own preference for net.IP's built-in byte-range
// predicates over hand-rolled CIDR tables (gravwell-gravwell's
// ipexist_test.go classifies generated addresses with ip.IsLoopback()/
// ip.IsMulticast() directly); this package composes the same stdlib
// predicates into the three-way classification spec.md names.
package trafficclass

import (
	"fmt"
	"net"
	"strings"

	"github.com/BSteffaniak/nethogspp/internal/model"
)

// broadcastV4 is the limited broadcast address, not covered by any
// net.IP predicate.
var broadcastV4 = net.IPv4(255, 255, 255, 255)

// IsLocal reports whether ip falls in a "local" range: RFC1918 private,
// loopback, link-local (v4 169.254/16, v6 fe80::/10), IPv6 unique-local
// (fc00::/7), the unspecified address, or the IPv4 limited broadcast.
func IsLocal(ip net.IP) bool {
	if ip == nil {
		return false
	}
	switch {
	case ip.IsLoopback():
		return true
	case ip.IsPrivate(): // RFC1918 (v4) and unique-local (v6, fc00::/7)
		return true
	case ip.IsLinkLocalUnicast():
		return true
	case ip.IsLinkLocalMulticast():
		return true
	case ip.IsUnspecified():
		return true
	case ip.Equal(broadcastV4):
		return true
	default:
		return false
	}
}

// IsInternet reports whether ip is a publicly routable destination: the
// complement of IsLocal restricted to valid unicast/multicast addresses.
func IsInternet(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsMulticast() && !ip.IsLinkLocalMulticast() {
		return true
	}
	return !IsLocal(ip)
}

// ParseClass parses the --traffic-class flag value into a model.TrafficClass,
// the userspace side of the same all/internet/local vocabulary the range
// tests above implement (spec.md §4.5).
func ParseClass(s string) (model.TrafficClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return model.ClassAll, nil
	case "internet":
		return model.ClassInternet, nil
	case "local":
		return model.ClassLocal, nil
	default:
		return model.ClassAll, fmt.Errorf("trafficclass: unknown class %q: want all, internet, or local", s)
	}
}

// Matches reports whether a destination address falls in a requested
// traffic class: for ClassAll every address matches; for
// ClassInternet/ClassLocal only addresses in that range match.
func Matches(want model.TrafficClass, dst net.IP) bool {
	switch want {
	case model.ClassAll:
		return true
	case model.ClassInternet:
		return IsInternet(dst)
	case model.ClassLocal:
		return IsLocal(dst)
	default:
		return false
	}
}
