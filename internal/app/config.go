//go:build linux

// Package app wires the capture monitor, the socket-to-pid mapper, and the
// throttle coordinator into the two driver shapes spec.md §4.11 and §6
// describe: an external (non-interactive, --pid) run and the snapshot/
// control surface an interactive TUI collaborator drives tick by tick.
//
// Grounded on the teacher's cmd/consumption/main.go for the overall
// Config-struct-plus-functional-defaults and signal/ticker-loop shape,
// generalized from power sampling to bandwidth monitoring/throttling.
package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/BSteffaniak/nethogspp/internal/model"
)

// Config holds every knob spec.md §6's CLI surface exposes, independent of
// how it was populated (flags, an optional YAML defaults file, or a test
// building one by hand).
type Config struct {
	Interfaces []string

	SampleInterval  time.Duration
	RefreshInterval time.Duration

	UploadBackend   string
	DownloadBackend string
	SocketMapper    string

	BPFAttachMethod model.AttachMode

	StatePath string
	Restore   bool
	NoSave    bool
}

// DefaultConfig returns the zero-value-safe baseline every run starts
// from before flags are applied, mirroring the teacher's
// `_defaultConfig()` pattern (pkg/consumption/model.go).
func DefaultConfig() Config {
	return Config{
		SampleInterval:  time.Second,
		RefreshInterval: time.Second,
		BPFAttachMethod: model.AttachAuto,
		StatePath:       "/var/lib/nethogspp/state.json",
	}
}

// ParseAttachMethod maps the --bpf-attach-method flag's string value (or
// its equivalent environment variable) to a model.AttachMode.
func ParseAttachMethod(s string) (model.AttachMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return model.AttachAuto, nil
	case "link":
		return model.AttachLink, nil
	case "legacy":
		return model.AttachLegacyDirect, nil
	default:
		return 0, fmt.Errorf("app: unknown bpf attach method %q", s)
	}
}
