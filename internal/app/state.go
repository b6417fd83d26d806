//go:build linux

package app

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/BSteffaniak/nethogspp/internal/model"
)

// PersistedThrottle is one active throttle entry in the on-disk state file
// (spec.md §6: "the set of active throttles as {pid, name, download-limit,
// upload-limit}").
type PersistedThrottle struct {
	PID           int    `json:"pid"`
	Name          string `json:"name"`
	DownloadLimit uint64 `json:"download_limit"`
	UploadLimit   uint64 `json:"upload_limit"`
}

// PersistedState is the plain key-value dictionary spec.md §6 describes:
// preferred backends plus the active throttle set. The core only reads and
// writes it; argument parsing and any richer persistence layer remain an
// external collaborator (spec.md's Non-goals).
type PersistedState struct {
	UploadBackend   string              `json:"upload_backend,omitempty"`
	DownloadBackend string              `json:"download_backend,omitempty"`
	SocketMapper    string              `json:"socket_mapper,omitempty"`
	Throttles       []PersistedThrottle `json:"throttles,omitempty"`
}

// LoadState reads the state file at path. A missing file is not an error:
// it just means there is nothing to restore yet.
func LoadState(path string) (*PersistedState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &PersistedState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("app: read state %q: %w", path, err)
	}
	var st PersistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("app: parse state %q: %w: %w", path, model.ErrParse, err)
	}
	return &st, nil
}

// SaveState writes st to path as indented JSON, creating parent
// directories as needed, following the teacher's ad-hoc
// os.MkdirAll-then-os.Create report-writing idiom (cmd/consumption/main.go).
func SaveState(path string, st *PersistedState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("app: mkdir for state %q: %w", path, err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("app: marshal state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("app: write state %q: %w", path, err)
	}
	return nil
}

// yamlDefaults is the on-disk shape of an optional config-file loader's
// output: a small dictionary of backend preferences, the same fields a
// user could otherwise pass as flags. The config file's own parsing and
// the decision of *which* path to load are an external collaborator's
// job (spec.md's Non-goals: "config file persistence"); this is just the
// on-disk dictionary shape the core is handed once it's been read.
type yamlDefaults struct {
	UploadBackend   string   `yaml:"upload_backend"`
	DownloadBackend string   `yaml:"download_backend"`
	SocketMapper    string   `yaml:"socket_mapper"`
	Interfaces      []string `yaml:"interfaces"`
}

// LoadYAMLDefaults reads a YAML defaults dictionary and applies it to cfg,
// without overriding fields cfg already has set, so values applied to cfg
// from flags before this call win over anything loaded here.
func LoadYAMLDefaults(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("app: read config %q: %w", path, err)
	}
	var d yamlDefaults
	if err := yaml.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("app: parse config %q: %w: %w", path, model.ErrParse, err)
	}
	if cfg.UploadBackend == "" {
		cfg.UploadBackend = d.UploadBackend
	}
	if cfg.DownloadBackend == "" {
		cfg.DownloadBackend = d.DownloadBackend
	}
	if cfg.SocketMapper == "" {
		cfg.SocketMapper = d.SocketMapper
	}
	if len(cfg.Interfaces) == 0 {
		cfg.Interfaces = d.Interfaces
	}
	return nil
}
