package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("kernel.backend", cfg.Kernel.Backend)
	v.SetDefault("kernel.binary", cfg.Kernel.Binary)
	v.SetDefault("kernel.args", cfg.Kernel.Args)
	v.SetDefault("kernel.env", cfg.Kernel.Env)
	v.SetDefault("kernel.socket_path", cfg.Kernel.SocketPath)
	v.SetDefault("kernel.keepalive_interval_seconds", cfg.Kernel.KeepaliveIntervalSeconds)
	v.SetDefault("kernel.keepalive_misses", cfg.Kernel.KeepaliveMisses)
	v.SetDefault("kernel.shutdown_grace_seconds", cfg.Kernel.ShutdownGraceSeconds)
	v.SetDefault("execution.stop_on_error", cfg.Execution.StopOnError)
	v.SetDefault("execution.store_history", cfg.Execution.StoreHistory)
	v.SetDefault("execution.allow_stdin", cfg.Execution.AllowStdin)
	v.SetDefault("history.path", cfg.History.Path)
	v.SetDefault("history.disabled", cfg.History.Disabled)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that viper cannot type-check.
func Validate(cfg Config) error {
	switch cfg.Kernel.Backend {
	case BackendInProcess:
	case BackendProcess:
		if strings.TrimSpace(cfg.Kernel.Binary) == "" {
			return fmt.Errorf("kernel.binary is required for the %s backend", BackendProcess)
		}
	case BackendGRPC:
		if strings.TrimSpace(cfg.Kernel.SocketPath) == "" {
			return fmt.Errorf("kernel.socket_path is required for the %s backend", BackendGRPC)
		}
	default:
		return fmt.Errorf("unsupported kernel.backend %q", cfg.Kernel.Backend)
	}
	if cfg.Kernel.KeepaliveIntervalSeconds < 0 || cfg.Kernel.KeepaliveMisses < 0 {
		return fmt.Errorf("kernel keepalive settings must not be negative")
	}
	if cfg.Kernel.ShutdownGraceSeconds < 0 {
		return fmt.Errorf("kernel.shutdown_grace_seconds must not be negative")
	}
	if !cfg.History.Disabled && strings.TrimSpace(cfg.History.Path) == "" {
		return fmt.Errorf("history.path is required unless history.disabled is set")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Kernel.Binary = expandEnv(cfg.Kernel.Binary)
	cfg.Kernel.SocketPath = expandEnv(cfg.Kernel.SocketPath)
	for i, arg := range cfg.Kernel.Args {
		cfg.Kernel.Args[i] = expandEnv(arg)
	}
	for key, val := range cfg.Kernel.Env {
		cfg.Kernel.Env[key] = expandEnv(val)
	}
	cfg.History.Path = expandEnv(cfg.History.Path)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
