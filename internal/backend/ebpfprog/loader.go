//go:build linux

package ebpfprog

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
)

// MapOps is the seam over *ebpf.Map this backend depends on.
type MapOps interface {
	Put(key, value []byte) error
	Lookup(key, valueOut []byte) error
	Delete(key []byte) error
	Close() error
}

// ProgramOps is the seam over *ebpf.Program this backend depends on.
type ProgramOps interface {
	FD() int
	Close() error
}

// Loader creates the three maps and two programs at Init. Split out of
// Backend so tests can substitute an in-memory fake instead of loading
// real BPF objects.
type Loader interface {
	LoadMaps() (config, bucket, stats MapOps, err error)
	LoadPrograms(config, bucket, stats MapOps) (egress, ingress ProgramOps, err error)
}

// RealLoader loads real BPF maps and programs via cilium/ebpf.
type RealLoader struct{}

// Probe creates and immediately closes a throwaway map to check whether
// this kernel/permission set can load BPF objects at all, leaving no
// state behind either way.
func (RealLoader) Probe() bool {
	m, err := ebpf.NewMap(&ebpf.MapSpec{Type: ebpf.Array, KeySize: 4, ValueSize: 4, MaxEntries: 1})
	if err != nil {
		return false
	}
	m.Close()
	return true
}

func (RealLoader) LoadMaps() (MapOps, MapOps, MapOps, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, nil, nil, fmt.Errorf("ebpfprog: remove memlock rlimit: %w", err)
	}

	cfg, err := ebpf.NewMap(configMapSpec())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("ebpfprog: create config map: %w", err)
	}
	bucket, err := ebpf.NewMap(bucketMapSpec())
	if err != nil {
		cfg.Close()
		return nil, nil, nil, fmt.Errorf("ebpfprog: create bucket map: %w", err)
	}
	stats, err := ebpf.NewMap(statsMapSpec())
	if err != nil {
		cfg.Close()
		bucket.Close()
		return nil, nil, nil, fmt.Errorf("ebpfprog: create stats map: %w", err)
	}

	return realMap{cfg}, realMap{bucket}, realMap{stats}, nil
}

func (RealLoader) LoadPrograms(config, bucket, stats MapOps) (ProgramOps, ProgramOps, error) {
	cfg, ok := config.(realMap)
	if !ok {
		return nil, nil, fmt.Errorf("ebpfprog: LoadPrograms requires a config map created by RealLoader")
	}
	buck, ok := bucket.(realMap)
	if !ok {
		return nil, nil, fmt.Errorf("ebpfprog: LoadPrograms requires a bucket map created by RealLoader")
	}
	stat, ok := stats.(realMap)
	if !ok {
		return nil, nil, fmt.Errorf("ebpfprog: LoadPrograms requires a stats map created by RealLoader")
	}

	egress, err := loadProgram(ebpf.CGroupSKB, ebpf.AttachCGroupInetEgress, cfg.m, buck.m, stat.m)
	if err != nil {
		return nil, nil, fmt.Errorf("ebpfprog: load egress program: %w", err)
	}
	ingress, err := loadProgram(ebpf.CGroupSKB, ebpf.AttachCGroupInetIngress, cfg.m, buck.m, stat.m)
	if err != nil {
		egress.Close()
		return nil, nil, fmt.Errorf("ebpfprog: load ingress program: %w", err)
	}

	return realProgram{egress}, realProgram{ingress}, nil
}

type realMap struct{ m *ebpf.Map }

func (r realMap) Put(key, value []byte) error      { return r.m.Put(key, value) }
func (r realMap) Lookup(key, out []byte) error      { return r.m.Lookup(key, out) }
func (r realMap) Delete(key []byte) error           { return r.m.Delete(key) }
func (r realMap) Close() error                      { return r.m.Close() }

type realProgram struct{ p *ebpf.Program }

func (r realProgram) FD() int     { return r.p.FD() }
func (r realProgram) Close() error { return r.p.Close() }
