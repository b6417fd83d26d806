//go:build linux

package util

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

type EMA struct {
	alpha, prev float64
	ok          bool
}

func NewEMA(alpha float64) *EMA { return &EMA{alpha: alpha} }
func (e *EMA) Next(v float64) float64 {
	if !e.ok {
		e.prev, e.ok = v, true
		return v
	}
	e.prev = e.alpha*v + (1-e.alpha)*e.prev
	return e.prev
}

func DeltaU64(now, prev uint64) uint64 {
	if now >= prev {
		return now - prev
	}
	// counter wrapped or prev unset
	return 0
}

func SafeDiv(n, d float64) float64 {
	const eps = 1e-12
	if d > eps || d < -eps {
		return n / d
	}
	return 0
}

func Clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	// guard against NaN
	if math.IsNaN(x) {
		return 0
	}
	return x
}

func Pow(a, b float64) float64 {
	if a <= 0 {
		return 0
	}
	return math.Exp(b * math.Log(a))
}

// ParsePIDs parses a list of command-line pid tokens, each either a bare
// integer or an inclusive "start..end" range, and returns them expanded
// in the order given.
func ParsePIDs(args []string) ([]int, error) {
	var out []int
	for _, raw := range args {
		tok := strings.TrimSpace(raw)
		if tok == "" {
			continue
		}
		if strings.Contains(tok, "..") {
			parts := strings.SplitN(tok, "..", 2)
			var lo, hi int
			var errLo, errHi error
			if len(parts) == 2 {
				lo, errLo = strconv.Atoi(strings.TrimSpace(parts[0]))
				hi, errHi = strconv.Atoi(strings.TrimSpace(parts[1]))
			}
			if len(parts) != 2 || errLo != nil || errHi != nil || lo > hi {
				return nil, fmt.Errorf("bad range: %q", tok)
			}
			for p := lo; p <= hi; p++ {
				out = append(out, p)
			}
			continue
		}
		p, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("bad pid: %q", tok)
		}
		out = append(out, p)
	}
	return out, nil
}

// FmtFloat formats x to three decimal places, clamping anything within
// 0.0005 of zero to "0.000" so near-zero noise never prints as "-0.000".
func FmtFloat(x float64) string {
	if math.Abs(x) < 0.0005 {
		x = 0
	}
	return fmt.Sprintf("%.3f", x)
}

// charsToString decodes a NUL-terminated byte slice (as returned by
// unix.Utsname fields) into a Go string, stopping at the first zero byte.
func charsToString(in []byte) string {
	if n := bytes.IndexByte(in, 0); n >= 0 {
		return string(in[:n])
	}
	return string(in)
}

// SystemSummary returns a short host/kernel/cpu/memory banner for the
// startup console output.
func SystemSummary() (host, kernel, cpus, mem string) {
	host, _ = os.Hostname()

	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		kernel = charsToString(uts.Release[:])
	}

	n := runtime.NumCPU()
	cpus = fmt.Sprintf("%.2f", float64(n)/float64(n))

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err == nil && info.Totalram > 0 {
		total := float64(info.Totalram) * float64(info.Unit)
		free := float64(info.Freeram) * float64(info.Unit)
		mem = fmt.Sprintf("%.2f%%", (total-free)/total*100)
	} else {
		mem = "0.00%"
	}
	return
}

// PidNames resolves each pid's command name, skipping pids that have
// already exited or cannot be read.
func PidNames(pids []int) map[int]string {
	out := make(map[int]string, len(pids))
	for _, pid := range pids {
		data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
		if err != nil {
			continue
		}
		out[pid] = strings.TrimSpace(string(data))
	}
	return out
}
