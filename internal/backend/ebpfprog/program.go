//go:build linux

package ebpfprog

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
)

const (
	configMapName = "nethogspp_config"
	bucketMapName = "nethogspp_bucket"
	statsMapName  = "nethogspp_stats"

	configMapMaxEntries = 4096
	bucketMapMaxEntries = 4096
	statsMapMaxEntries  = 4096
)

func configMapSpec() *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       configMapName,
		Type:       ebpf.Hash,
		KeySize:    8,
		ValueSize:  24,
		MaxEntries: configMapMaxEntries,
	}
}

func bucketMapSpec() *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       bucketMapName,
		Type:       ebpf.Hash,
		KeySize:    8,
		ValueSize:  16,
		MaxEntries: bucketMapMaxEntries,
	}
}

func statsMapSpec() *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       statsMapName,
		Type:       ebpf.Hash,
		KeySize:    8,
		ValueSize:  48,
		MaxEntries: statsMapMaxEntries,
	}
}

// Stack slots, all eight bytes wide and addressed off r10 (the read-only
// frame pointer). Everything that must survive a helper call — which
// clobbers r0-r5 — lives here instead of in a register.
const (
	offKey   = -8  // cgroup id, the lookup key shared by all three maps
	offRate  = -16 // config.RateBps
	offBurst = -24 // config.BurstBytes
	offClass = -32 // config.Class, zero-extended
	offNow   = -40 // bpf_ktime_get_ns()
	offLen   = -48 // __sk_buff.len, zero-extended
)

// cgroupSKBProgram builds one direction's instruction stream. r6 holds ctx
// for the whole program (callee-saved across calls); r8 and r9 hold the
// config/bucket/stats entry pointers returned by the lookup helpers, one
// call's worth at a time since those too are only valid until the next
// call clobbers r0-r5 unless copied out.
//
// Control flow follows the same five steps in every direction's program:
// config lookup, traffic-class match, token-bucket refill, length compare
// against the refilled bucket, stats update. A miss or a class mismatch
// takes the allow_noaccount exit — the packet passes, nothing is charged
// against the bucket and nothing is counted. Only real per-packet allow
// and drop verdicts touch the stats map.
func cgroupSKBProgram(configFD, bucketFD, statsFD int) asm.Instructions {
	return asm.Instructions{
		// r6 = ctx (*__sk_buff)
		asm.Mov.Reg(asm.R6, asm.R1),

		// key := bpf_get_current_cgroup_id()
		asm.FnGetCurrentCgroupId.Call(),
		asm.StoreMem(asm.R10, offKey, asm.R0, asm.DWord),

		// step 1: config lookup. no entry -> allow, untracked.
		asm.LoadMapPtr(asm.R1, configFD),
		asm.Mov.Reg(asm.R2, asm.R10),
		asm.Add.Imm(asm.R2, offKey),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "allow_noaccount"),
		asm.Mov.Reg(asm.R8, asm.R0),

		asm.LoadMem(asm.R1, asm.R8, 4, asm.Byte),
		asm.StoreMem(asm.R10, offClass, asm.R1, asm.DWord),
		asm.LoadMem(asm.R1, asm.R8, 8, asm.DWord),
		asm.StoreMem(asm.R10, offRate, asm.R1, asm.DWord),
		asm.LoadMem(asm.R1, asm.R8, 16, asm.DWord),
		asm.StoreMem(asm.R10, offBurst, asm.R1, asm.DWord),

		// step 2: traffic-class match. class 0 (all) never needs a header
		// parse.
		asm.LoadMem(asm.R1, asm.R10, offClass, asm.DWord),
		asm.JEq.Imm(asm.R1, 0, "skip_class_check"),

		// bounds-check before touching packet bytes: need at least one
		// byte to read the IP version nibble.
		asm.LoadMem(asm.R2, asm.R6, 76, asm.Word).Sym("check_header"),
		asm.LoadMem(asm.R3, asm.R6, 80, asm.Word),
		asm.Mov.Reg(asm.R4, asm.R2),
		asm.Add.Imm(asm.R4, 1),
		asm.JGT.Reg(asm.R4, asm.R3, "allow_noaccount"),

		asm.LoadMem(asm.R4, asm.R2, 0, asm.Byte),
		asm.RSh.Imm(asm.R4, 4),
		asm.JEq.Imm(asm.R4, 4, "parse_v4"),
		asm.JEq.Imm(asm.R4, 6, "parse_v6"),
		asm.Ja("allow_noaccount"),

		// ipv4: dest address is the 20-byte header's last 4 bytes, at
		// offset 16. Classify by the same ranges trafficclass.IsLocal
		// covers in userspace: 10/8, 172.16/12, 192.168/16, 127/8,
		// 169.254/16, 0/8, 255.255.255.255.
		asm.Mov.Reg(asm.R4, asm.R2).Sym("parse_v4"),
		asm.Add.Imm(asm.R4, 20),
		asm.JGT.Reg(asm.R4, asm.R3, "allow_noaccount"),
		asm.LoadMem(asm.R4, asm.R2, 16, asm.Byte), // first octet
		asm.LoadMem(asm.R5, asm.R2, 17, asm.Byte), // second octet

		asm.Mov.Imm(asm.R1, 0), // r1: local-flag, default not-local
		asm.JEq.Imm(asm.R4, 10, "v4_local"),
		asm.JEq.Imm(asm.R4, 127, "v4_local"),
		asm.JEq.Imm(asm.R4, 0, "v4_local"),
		asm.JNE.Imm(asm.R4, 172, "v4_not_172"),
		asm.JGE.Imm(asm.R5, 16, "v4_maybe_172_local"),
		asm.Ja("class_compare"),
		asm.JGT.Imm(asm.R5, 31, "class_compare").Sym("v4_maybe_172_local"),
		asm.Ja("v4_local"),
		asm.JNE.Imm(asm.R4, 192, "v4_not_192").Sym("v4_not_172"),
		asm.JEq.Imm(asm.R5, 168, "v4_local"),
		asm.Ja("class_compare"),
		asm.JNE.Imm(asm.R4, 169, "v4_not_169").Sym("v4_not_192"),
		asm.JEq.Imm(asm.R5, 254, "v4_local"),
		asm.Ja("class_compare"),
		asm.JNE.Imm(asm.R4, 255, "class_compare").Sym("v4_not_169"),
		asm.JNE.Imm(asm.R5, 255, "class_compare"),
		asm.LoadMem(asm.R5, asm.R2, 18, asm.Byte), // third octet
		asm.JNE.Imm(asm.R5, 255, "class_compare"),
		asm.LoadMem(asm.R5, asm.R2, 19, asm.Byte), // fourth octet
		asm.JNE.Imm(asm.R5, 255, "class_compare"),
		asm.Mov.Imm(asm.R1, 1).Sym("v4_local"),
		asm.Ja("class_compare"),

		// ipv6: dest address starts at byte 24 of the 40-byte fixed
		// header (4 ver/tc/flow + 2 paylen + 1 nexthdr + 1 hoplimit + 16
		// src). Approximate fe80::/10 and fc00::/7 by their leading byte.
		asm.Mov.Reg(asm.R4, asm.R2).Sym("parse_v6"),
		asm.Add.Imm(asm.R4, 40),
		asm.JGT.Reg(asm.R4, asm.R3, "allow_noaccount"),
		asm.LoadMem(asm.R4, asm.R2, 24, asm.Byte),
		asm.Mov.Imm(asm.R1, 0),
		asm.JEq.Imm(asm.R4, 0xfe, "v6_local"),
		asm.JEq.Imm(asm.R4, 0xfc, "v6_local"),
		asm.JEq.Imm(asm.R4, 0xfd, "v6_local"),
		asm.Ja("class_compare"),
		asm.Mov.Imm(asm.R1, 1).Sym("v6_local"),

		// r1 = 1 if the destination is local, 0 if internet-facing.
		// class 1 == internet (wants r1 == 0), class 2 == local (wants
		// r1 == 1); anything else mismatches and skips accounting.
		asm.LoadMem(asm.R4, asm.R10, offClass, asm.DWord).Sym("class_compare"),
		asm.JNE.Imm(asm.R4, 1, "check_local_class"),
		asm.JEq.Imm(asm.R1, 0, "skip_class_check"),
		asm.Ja("allow_noaccount"),
		asm.JNE.Imm(asm.R4, 2, "allow_noaccount").Sym("check_local_class"),
		asm.JEq.Imm(asm.R1, 1, "skip_class_check"),
		asm.Ja("allow_noaccount"),

		// step 3: token-bucket refill. Unconditional once class has
		// matched (or didn't need checking) — happens whether the
		// packet that triggered it ends up allowed or dropped.
		asm.FnKtimeGetNs.Call().Sym("skip_class_check"),
		asm.StoreMem(asm.R10, offNow, asm.R0, asm.DWord),

		asm.LoadMapPtr(asm.R1, bucketFD),
		asm.Mov.Reg(asm.R2, asm.R10),
		asm.Add.Imm(asm.R2, offKey),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "allow_noaccount"),
		asm.Mov.Reg(asm.R9, asm.R0),

		asm.LoadMem(asm.R2, asm.R9, 0, asm.DWord),  // r2 = tokens
		asm.LoadMem(asm.R3, asm.R9, 8, asm.DWord),  // r3 = last update ns
		asm.LoadMem(asm.R4, asm.R10, offNow, asm.DWord),
		asm.Mov.Reg(asm.R5, asm.R4),
		asm.Sub.Reg(asm.R5, asm.R3), // r5 = delta ns
		asm.LoadMem(asm.R3, asm.R10, offRate, asm.DWord),
		asm.Mul.Reg(asm.R5, asm.R3),
		asm.Mov.Imm(asm.R3, 1000000000),
		asm.Div.Reg(asm.R5, asm.R3), // r5 = tokens earned since last update
		asm.Add.Reg(asm.R2, asm.R5),
		asm.LoadMem(asm.R3, asm.R10, offBurst, asm.DWord),
		asm.JLE.Reg(asm.R2, asm.R3, "store_tokens"),
		asm.Mov.Reg(asm.R2, asm.R3),
		asm.StoreMem(asm.R9, 0, asm.R2, asm.DWord).Sym("store_tokens"),
		asm.StoreMem(asm.R9, 8, asm.R4, asm.DWord),

		// step 4: compare the packet's length to the refilled bucket.
		asm.LoadMem(asm.R3, asm.R6, 0, asm.Word), // __sk_buff.len
		asm.StoreMem(asm.R10, offLen, asm.R3, asm.DWord),
		asm.JGT.Reg(asm.R3, asm.R2, "drop"),

		asm.Sub.Reg(asm.R2, asm.R3),
		asm.StoreMem(asm.R9, 0, asm.R2, asm.DWord),

		asm.LoadMapPtr(asm.R1, statsFD),
		asm.Mov.Reg(asm.R2, asm.R10),
		asm.Add.Imm(asm.R2, offKey),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "allow"),
		asm.Mov.Reg(asm.R8, asm.R0),
		asm.LoadMem(asm.R1, asm.R8, 0, asm.DWord),
		asm.Add.Imm(asm.R1, 1),
		asm.StoreMem(asm.R8, 0, asm.R1, asm.DWord), // calls++
		asm.LoadMem(asm.R1, asm.R8, 16, asm.DWord),
		asm.Add.Imm(asm.R1, 1),
		asm.StoreMem(asm.R8, 16, asm.R1, asm.DWord), // packets_total++
		asm.LoadMem(asm.R1, asm.R10, offLen, asm.DWord),
		asm.LoadMem(asm.R2, asm.R8, 32, asm.DWord),
		asm.Add.Reg(asm.R2, asm.R1),
		asm.StoreMem(asm.R8, 32, asm.R2, asm.DWord), // bytes_total += len

		asm.Mov.Imm(asm.R0, 1).Sym("allow"),
		asm.Return(),

		asm.LoadMapPtr(asm.R1, statsFD).Sym("drop"),
		asm.Mov.Reg(asm.R2, asm.R10),
		asm.Add.Imm(asm.R2, offKey),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "deny"),
		asm.Mov.Reg(asm.R8, asm.R0),
		asm.LoadMem(asm.R1, asm.R8, 0, asm.DWord),
		asm.Add.Imm(asm.R1, 1),
		asm.StoreMem(asm.R8, 0, asm.R1, asm.DWord), // calls++
		asm.LoadMem(asm.R1, asm.R8, 16, asm.DWord),
		asm.Add.Imm(asm.R1, 1),
		asm.StoreMem(asm.R8, 16, asm.R1, asm.DWord), // packets_total++
		asm.LoadMem(asm.R1, asm.R8, 24, asm.DWord),
		asm.Add.Imm(asm.R1, 1),
		asm.StoreMem(asm.R8, 24, asm.R1, asm.DWord), // packets_dropped++
		asm.LoadMem(asm.R1, asm.R10, offLen, asm.DWord),
		asm.LoadMem(asm.R2, asm.R8, 32, asm.DWord),
		asm.Add.Reg(asm.R2, asm.R1),
		asm.StoreMem(asm.R8, 32, asm.R2, asm.DWord), // bytes_total += len
		asm.LoadMem(asm.R2, asm.R8, 40, asm.DWord),
		asm.Add.Reg(asm.R2, asm.R1),
		asm.StoreMem(asm.R8, 40, asm.R2, asm.DWord), // bytes_dropped += len

		asm.Mov.Imm(asm.R0, 0).Sym("deny"),
		asm.Return(),

		// shared exit for: config miss, header-parse-out-of-bounds,
		// unknown IP version, class mismatch, bucket miss. No
		// accounting happens on this path; the packet is out of scope
		// for the limit, not denied by it.
		asm.Mov.Imm(asm.R0, 1).Sym("allow_noaccount"),
		asm.Return(),
	}
}

// loadProgram assembles and loads one direction's program against the
// three maps it needs file descriptors for at verifier time.
func loadProgram(progType ebpf.ProgramType, attach ebpf.AttachType, configMap, bucketMap, statsMap *ebpf.Map) (*ebpf.Program, error) {
	spec := &ebpf.ProgramSpec{
		Type:         progType,
		AttachType:   attach,
		License:      "GPL",
		Instructions: cgroupSKBProgram(configMap.FD(), bucketMap.FD(), statsMap.FD()),
	}
	return ebpf.NewProgram(spec)
}
