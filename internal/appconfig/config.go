package appconfig

import (
	"os"
	"path/filepath"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int             `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string          `mapstructure:"state_dir" yaml:"state_dir"`
	Kernel        KernelConfig    `mapstructure:"kernel" yaml:"kernel"`
	Execution     ExecutionConfig `mapstructure:"execution" yaml:"execution"`
	History       HistoryConfig   `mapstructure:"history" yaml:"history"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// Kernel backends.
const (
	BackendInProcess = "inprocess"
	BackendProcess   = "process"
	BackendGRPC      = "grpc"
)

// KernelConfig selects and configures the kernel a client talks to.
type KernelConfig struct {
	Backend                  string            `mapstructure:"backend" yaml:"backend"`
	Binary                   string            `mapstructure:"binary" yaml:"binary"`
	Args                     []string          `mapstructure:"args" yaml:"args"`
	Env                      map[string]string `mapstructure:"env" yaml:"env"`
	SocketPath               string            `mapstructure:"socket_path" yaml:"socket_path"`
	KeepaliveIntervalSeconds int               `mapstructure:"keepalive_interval_seconds" yaml:"keepalive_interval_seconds"`
	KeepaliveMisses          int               `mapstructure:"keepalive_misses" yaml:"keepalive_misses"`
	ShutdownGraceSeconds     int               `mapstructure:"shutdown_grace_seconds" yaml:"shutdown_grace_seconds"`
}

// ExecutionConfig holds the request flags used by the CLI.
type ExecutionConfig struct {
	StopOnError  bool `mapstructure:"stop_on_error" yaml:"stop_on_error"`
	StoreHistory bool `mapstructure:"store_history" yaml:"store_history"`
	AllowStdin   bool `mapstructure:"allow_stdin" yaml:"allow_stdin"`
}

// HistoryConfig locates the execution history database.
type HistoryConfig struct {
	Path     string `mapstructure:"path" yaml:"path"`
	Disabled bool   `mapstructure:"disabled" yaml:"disabled"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	stateDir := filepath.Join(home, ".nbkernel", "state")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      stateDir,
		Kernel: KernelConfig{
			Backend:                  BackendInProcess,
			Binary:                   "nbkernel",
			Args:                     []string{"kernel"},
			Env:                      map[string]string{},
			SocketPath:               filepath.Join(stateDir, "gateway.sock"),
			KeepaliveIntervalSeconds: 10,
			KeepaliveMisses:          3,
			ShutdownGraceSeconds:     5,
		},
		Execution: ExecutionConfig{
			StopOnError:  true,
			StoreHistory: true,
			AllowStdin:   true,
		},
		History: HistoryConfig{
			Path: filepath.Join(stateDir, "history.db"),
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".nbkernel", "config.yaml"), nil
}
