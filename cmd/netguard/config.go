package main

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/caarlos0/env/v9"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/alexandremahdhaoui/netguard/pkg/network"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path.
	ConfigPathEnvKey = "NETGUARD_CONFIG_PATH"

	defaultConfigPath = "/etc/netguard/config.yaml"
	envPrefix         = "NETGUARD_"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is used to configure netguard.
//
// Values are read from the defaults, then the optional YAML file, then
// NETGUARD_* environment variables.
type Config struct {
	// Logging

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `json:"logLevel" env:"LOG_LEVEL"`
	// LogFile is the append-only guard log.
	LogFile string `json:"logFile" env:"LOG_FILE"`

	// Files

	// StateFile persists the last known host interface name.
	StateFile string `json:"stateFile" env:"STATE_FILE"`
	// LockFile serializes guard sessions.
	LockFile string `json:"lockFile" env:"LOCK_FILE"`
	// MetricsTextfile is written for node_exporter's textfile collector.
	// Empty disables metrics.
	MetricsTextfile string `json:"metricsTextfile" env:"METRICS_TEXTFILE"`

	// Manager

	ManagerUnit string `json:"managerUnit" env:"MANAGER_UNIT"`
	LibvirtURI  string `json:"libvirtURI" env:"LIBVIRT_URI"`
	// BridgePattern narrows the watcher to the manager's bridges.
	BridgePattern string `json:"bridgePattern" env:"BRIDGE_PATTERN"`

	// Watcher and timeouts

	WatchInterval  metav1.Duration `json:"watchInterval" env:"WATCH_INTERVAL"`
	WatchEvents    bool            `json:"watchEvents" env:"WATCH_EVENTS"`
	SettleWindow   metav1.Duration `json:"settleWindow" env:"SETTLE_WINDOW"`
	StartupTimeout metav1.Duration `json:"startupTimeout" env:"STARTUP_TIMEOUT"`
	ProbeTimeout   metav1.Duration `json:"probeTimeout" env:"PROBE_TIMEOUT"`
	LockTimeout    metav1.Duration `json:"lockTimeout" env:"LOCK_TIMEOUT"`

	// Installation

	// SudoPrefix is prepended to systemctl invocations, e.g. ["sudo", "-n"].
	SudoPrefix []string `json:"sudoPrefix" env:"SUDO_PREFIX" envSeparator:" "`
	// SystemdDir is where the drop-in is written.
	SystemdDir string `json:"systemdDir" env:"SYSTEMD_DIR"`
	// Binary is the executable referenced by the drop-in. Defaults to the
	// running executable.
	Binary string `json:"binary" env:"BINARY"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() Config {
	return Config{
		LogLevel:       "info",
		LogFile:        "/var/log/netguard.log",
		StateFile:      "/var/lib/netguard/host-interface",
		LockFile:       "/run/netguard.lock",
		ManagerUnit:    "libvirtd.service",
		LibvirtURI:     "qemu:///system",
		BridgePattern:  "virbr*",
		WatchInterval:  metav1.Duration{Duration: 100 * time.Millisecond},
		WatchEvents:    true,
		SettleWindow:   metav1.Duration{Duration: 3 * time.Second},
		StartupTimeout: metav1.Duration{Duration: 2 * time.Minute},
		ProbeTimeout:   metav1.Duration{Duration: network.DefaultProbeTimeout},
		LockTimeout:    metav1.Duration{Duration: 30 * time.Second},
		SystemdDir:     "/etc/systemd/system",
	}
}

// loadConfig loads the configuration. A missing config file is not an error
// unless its path was set explicitly through NETGUARD_CONFIG_PATH.
func loadConfig() (*Config, error) {
	config := DefaultConfig()

	configPath, explicit := os.LookupEnv(ConfigPathEnvKey)
	if !explicit || configPath == "" {
		configPath = defaultConfigPath
	}

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		// Parse YAML (uses json tags)
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := applyEnv(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// fallbackConfig is used when loadConfig fails. It keeps the NETGUARD_*
// overrides on top of the defaults, or the bare defaults if those are broken
// too.
func fallbackConfig() *Config {
	config := DefaultConfig()
	if err := applyEnv(&config); err != nil || config.Validate() != nil {
		config = DefaultConfig()
	}
	return &config
}

func applyEnv(config *Config) error {
	if err := env.ParseWithOptions(config, env.Options{
		Prefix: envPrefix,
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(metav1.Duration{}): parseDuration,
		},
	}); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}
	return nil
}

func parseDuration(v string) (interface{}, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil, err
	}
	return metav1.Duration{Duration: d}, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ManagerUnit == "" {
		return fmt.Errorf("%w: managerUnit is required", ErrInvalidConfig)
	}
	if c.StateFile == "" {
		return fmt.Errorf("%w: stateFile is required", ErrInvalidConfig)
	}
	if c.LockFile == "" {
		return fmt.Errorf("%w: lockFile is required", ErrInvalidConfig)
	}
	if err := network.ValidatePattern(c.BridgePattern); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	for name, d := range map[string]metav1.Duration{
		"watchInterval":  c.WatchInterval,
		"settleWindow":   c.SettleWindow,
		"startupTimeout": c.StartupTimeout,
		"probeTimeout":   c.ProbeTimeout,
		"lockTimeout":    c.LockTimeout,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, name)
		}
	}

	return nil
}
