// Package settings loads the optional daemon-settings file: listen
// addresses, worker-pool size, and audit log path. These values keep
// sensible defaults and are overlaid with an optional YAML file parsed
// via sigs.k8s.io/yaml.
package settings

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Defaults match spec §6's fixed values exactly.
const (
	DefaultTCPAddr    = ":12345"
	DefaultLocalPath  = "/tmp/simple-telnetd"
	DefaultConfigPath = "/etc/remote-runnerd.conf"
	DefaultPoolSize   = 8
)

// Settings is the daemon's ambient configuration, independent of the
// whitelist file (which keeps its own fixed line format per spec §6).
type Settings struct {
	// TCPAddr is passed to net.Listen("tcp", ...).
	TCPAddr string `json:"tcpAddr"`
	// LocalPath is the Unix-domain socket path, created where the
	// platform supports it. Empty disables the local listener.
	LocalPath string `json:"localPath"`
	// WhitelistPath is the config file parsed by internal/whitelist.
	WhitelistPath string `json:"whitelistPath"`
	// PoolSize is the fixed worker-pool size backing every session's
	// strand (spec §4.2).
	PoolSize int `json:"poolSize"`
	// AuditLogPath, if non-empty, enables the supplemented audit
	// trail (internal/audit). Off by default.
	AuditLogPath string `json:"auditLogPath,omitempty"`
	// RedactCommands, when true and AuditLogPath is set, records a
	// siphash fingerprint of each command instead of its text.
	RedactCommands bool `json:"redactCommands,omitempty"`
}

// Default returns the settings the daemon uses when no settings file
// is given, matching the original's hardcoded settings.h constants.
func Default() Settings {
	return Settings{
		TCPAddr:       DefaultTCPAddr,
		LocalPath:     DefaultLocalPath,
		WhitelistPath: DefaultConfigPath,
		PoolSize:      DefaultPoolSize,
	}
}

// Load reads path as YAML (or JSON, which is a YAML subset) and
// overlays it onto Default(). A missing field keeps its default
// value; an empty path is a documented no-op returning Default().
func Load(path string) (Settings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("settings: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("settings: parsing %s: %w", path, err)
	}
	if s.PoolSize <= 0 {
		s.PoolSize = DefaultPoolSize
	}
	return s, nil
}
