//go:build linux

// Package ebpfprog implements the in-kernel token-bucket program backend:
// two cgroup/skb programs (one per direction), three maps keyed on cgroup
// id (config, bucket, stats), and the two-mode attach/detach state machine
// spec.md §4.10 describes in detail. This is the hardest backend in the
// tree; every transition here follows §4.10 verbatim, not an approximation
// of it.
package ebpfprog

import "encoding/binary"

// configEntry mirrors the "config" map's value layout: whether and how to
// rate-limit a cgroup id (spec.md §4.10's map table).
type configEntry struct {
	PID        uint32
	Class      uint8
	_          [3]byte // pad to 8-byte alignment for the following u64s
	RateBps    uint64
	BurstBytes uint64
}

func (c configEntry) marshal() []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint32(buf[0:4], c.PID)
	buf[4] = c.Class
	binary.LittleEndian.PutUint64(buf[8:16], c.RateBps)
	binary.LittleEndian.PutUint64(buf[16:24], c.BurstBytes)
	return buf
}

func unmarshalConfigEntry(b []byte) configEntry {
	return configEntry{
		PID:        binary.LittleEndian.Uint32(b[0:4]),
		Class:      b[4],
		RateBps:    binary.LittleEndian.Uint64(b[8:16]),
		BurstBytes: binary.LittleEndian.Uint64(b[16:24]),
	}
}

// bucketEntry mirrors the "bucket" map's value layout: live token-bucket
// state for a cgroup id.
type bucketEntry struct {
	Tokens       uint64
	LastUpdateNs uint64
}

func (b bucketEntry) marshal() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], b.Tokens)
	binary.LittleEndian.PutUint64(buf[8:16], b.LastUpdateNs)
	return buf
}

func unmarshalBucketEntry(b []byte) bucketEntry {
	return bucketEntry{
		Tokens:       binary.LittleEndian.Uint64(b[0:8]),
		LastUpdateNs: binary.LittleEndian.Uint64(b[8:16]),
	}
}

// statsEntry mirrors the "stats" map's value layout: per-cgroup-id
// observability counters.
type statsEntry struct {
	Calls          uint64
	ConfigMisses   uint64
	PacketsTotal   uint64
	PacketsDropped uint64
	BytesTotal     uint64
	BytesDropped   uint64
}

func (s statsEntry) marshal() []byte {
	buf := make([]byte, 48)
	binary.LittleEndian.PutUint64(buf[0:8], s.Calls)
	binary.LittleEndian.PutUint64(buf[8:16], s.ConfigMisses)
	binary.LittleEndian.PutUint64(buf[16:24], s.PacketsTotal)
	binary.LittleEndian.PutUint64(buf[24:32], s.PacketsDropped)
	binary.LittleEndian.PutUint64(buf[32:40], s.BytesTotal)
	binary.LittleEndian.PutUint64(buf[40:48], s.BytesDropped)
	return buf
}

func unmarshalStatsEntry(b []byte) statsEntry {
	return statsEntry{
		Calls:          binary.LittleEndian.Uint64(b[0:8]),
		ConfigMisses:   binary.LittleEndian.Uint64(b[8:16]),
		PacketsTotal:   binary.LittleEndian.Uint64(b[16:24]),
		PacketsDropped: binary.LittleEndian.Uint64(b[24:32]),
		BytesTotal:     binary.LittleEndian.Uint64(b[32:40]),
		BytesDropped:   binary.LittleEndian.Uint64(b[40:48]),
	}
}

func cgroupIDKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, id)
	return buf
}
