// Package config loads the manager's static configuration: port/worker
// topology, backpressure/wake-up mode selection, and logging/metrics setup.
// Viper-backed YAML under a wrapper root key, environment overrides, and
// post-load validation against the host topology.
package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"onvmgo.dev/onvm/internal/backpressure"
	"onvmgo.dev/onvm/internal/chain"
	"onvmgo.dev/onvm/internal/ipc"
	"onvmgo.dev/onvm/internal/log"
)

// ManagerConfig is the top-level static configuration, matching the
// `onvm-mgr:` root key in YAML.
type ManagerConfig struct {
	Ports   PortsConfig   `mapstructure:"ports"`
	Workers WorkersConfig `mapstructure:"workers"`
	Wake    WakeConfig    `mapstructure:"wake"`

	Backpressure BackpressureConfig `mapstructure:"backpressure"`

	Enqueue EnqueueConfig `mapstructure:"enqueue"`

	Control ControlConfig `mapstructure:"control"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`

	// DefaultChainFile points at a YAML or JSON file describing the
	// boot-time default chain (internal/chain.ChainSpec). Empty means the
	// caller falls back to a single-hop Drop chain.
	DefaultChainFile string `mapstructure:"default_chain_file"`

	// ResolutionStrategy selects how a service id resolves to one of its
	// instances: "fnv-mod" (hash modulo instance count, the default) or
	// "consistent-hash" (stable under instance churn).
	ResolutionStrategy string `mapstructure:"resolution_strategy"`
}

// Strategy builds the instance-selection strategy the registry resolves
// services through, defaulting to FNV-modulo for an empty or unrecognized
// value.
func (c *ManagerConfig) Strategy() chain.Strategy {
	if strings.EqualFold(c.ResolutionStrategy, "consistent-hash") {
		return chain.NewConsistentHashStrategy()
	}
	return chain.FNVModStrategy{}
}

// PortsConfig names which physical ports the manager services.
type PortsConfig struct {
	// Portmask is the bitmask of enabled NIC port ids, matching the
	// manager CLI's `-p <portmask>` flag.
	Portmask uint32 `mapstructure:"portmask"`
}

// PortIDs expands Portmask into the enabled port id list.
func (p PortsConfig) PortIDs() []uint16 {
	var ids []uint16
	for i := uint16(0); i < 32; i++ {
		if p.Portmask&(1<<i) != 0 {
			ids = append(ids, i)
		}
	}
	return ids
}

// WorkersConfig sizes the RX/TX worker pools. Counts are fixed at startup;
// R + T + 2 CPUs are required (master + optional wake thread).
type WorkersConfig struct {
	RXWorkers int `mapstructure:"rx_workers"`
	TXWorkers int `mapstructure:"tx_workers"`
	// NumClients mirrors the manager CLI's `-n <num_clients>` flag; it is
	// advisory sizing only, since registry.MaxClients is the hard cap.
	NumClients int `mapstructure:"num_clients"`
}

// RequiredCPUs returns the "R + T + 2" minimum CPU requirement.
func (w WorkersConfig) RequiredCPUs() int {
	return w.RXWorkers + w.TXWorkers + 2
}

// WakeConfig selects the IPC wake primitive and scheduler tuning.
type WakeConfig struct {
	Mode           string `mapstructure:"mode"` // poll | semaphore | signal | socket
	DynamicWeights bool   `mapstructure:"dynamic_weights"`
	WakeThreshold  int    `mapstructure:"wake_threshold"`
	EpochCycles    int64  `mapstructure:"epoch_cycles"`
}

// IPCMode resolves the configured string to an ipc.Mode, defaulting to
// ModePoll for an empty/unrecognized value.
func (w WakeConfig) IPCMode() ipc.Mode {
	switch strings.ToLower(w.Mode) {
	case "semaphore":
		return ipc.ModeSemaphore
	case "signal":
		return ipc.ModeSignal
	case "socket":
		return ipc.ModeSocket
	default:
		return ipc.ModePoll
	}
}

// BackpressureConfig selects the two composable backpressure mechanisms
// plus the advisory ECN marker.
type BackpressureConfig struct {
	DropUpstream      bool `mapstructure:"drop_upstream"`
	ScheduleThrottle  bool `mapstructure:"schedule_throttle"`
	HopByHop          bool `mapstructure:"hop_by_hop"`
	DropOnlyAtIngress bool `mapstructure:"drop_only_at_ingress"`
	ECN               bool `mapstructure:"ecn"`
	BFTCapacity       int  `mapstructure:"bft_capacity"`
}

// Engine builds the backpressure.Config this section describes.
func (b BackpressureConfig) Engine() backpressure.Config {
	return backpressure.Config{
		DropUpstream:      b.DropUpstream,
		ScheduleThrottle:  b.ScheduleThrottle,
		HopByHop:          b.HopByHop,
		DropOnlyAtIngress: b.DropOnlyAtIngress,
		ECN:               b.ECN,
		BFTCapacity:       b.BFTCapacity,
	}
}

// EnqueueConfig selects the per-NF enqueue engine's full-ring policy.
type EnqueueConfig struct {
	// HoldOnBottleneck opts into holding a staged batch for retry instead
	// of dropping it when the destination ring is full. Default false:
	// holding risks head-of-line blocking the TX worker that staged it.
	HoldOnBottleneck bool `mapstructure:"hold_on_bottleneck"`
}

// ControlConfig configures the local UDS control-plane surface
// (internal/control) NFs submit admission requests through.
type ControlConfig struct {
	Socket string `mapstructure:"socket"`
}

// MetricsConfig configures the Prometheus HTTP exposition server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// LogConfig configures the logrus-backed structured logger
// (internal/log).
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Pattern  string `mapstructure:"pattern"`
	Time     string `mapstructure:"time"`
	Appender string `mapstructure:"appender"`
	File     FileLogConfig `mapstructure:"file"`
}

// FileLogConfig configures the optional rotating file appender.
type FileLogConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// LoggerConfig adapts this section to internal/log.LoggerConfig, folding
// the rotating file appender in alongside stdout when FileLogConfig.Enabled
// and no explicit Appender was set.
func (l LogConfig) LoggerConfig() *log.LoggerConfig {
	appender := l.Appender
	if appender == "" {
		if l.File.Enabled {
			appender = "both"
		} else {
			appender = "stdout"
		}
	}
	return &log.LoggerConfig{
		Pattern:  l.Pattern,
		Time:     l.Time,
		Level:    l.Level,
		Appender: appender,
		File: log.FileAppenderOpt{
			Filename:   l.File.Filename,
			MaxSize:    l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAge:     l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
	}
}

type configRoot struct {
	OnvmMgr ManagerConfig `mapstructure:"onvm-mgr"`
}

// Load reads path (YAML) into a ManagerConfig, applying defaults and
// environment overrides under the ONVM_MGR_ prefix, then validates the
// CPU/topology requirement. path may be empty, in which case only defaults
// and environment apply — a missing config file is not a fatal condition
// for the manager the way a missing shared-memory attachment is; only the
// checks in Validate (CPU count, a portmask enabling at least one port)
// are.
func Load(path string) (*ManagerConfig, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("onvm-mgr")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/onvm")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		// No config file found at the default search paths: proceed on
		// defaults+env. Fatal startup errors are reserved for resources
		// the manager cannot function without, not config files.
	}

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}
	cfg := root.OnvmMgr

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("onvm-mgr.resolution_strategy", "fnv-mod")

	v.SetDefault("onvm-mgr.workers.rx_workers", 1)
	v.SetDefault("onvm-mgr.workers.tx_workers", 1)
	v.SetDefault("onvm-mgr.workers.num_clients", 4)

	v.SetDefault("onvm-mgr.wake.mode", "poll")
	v.SetDefault("onvm-mgr.wake.dynamic_weights", false)
	v.SetDefault("onvm-mgr.wake.wake_threshold", 32)
	v.SetDefault("onvm-mgr.wake.epoch_cycles", 0)

	v.SetDefault("onvm-mgr.backpressure.drop_upstream", true)
	v.SetDefault("onvm-mgr.backpressure.schedule_throttle", false)
	v.SetDefault("onvm-mgr.backpressure.bft_capacity", backpressure.DefaultBFTCapacity)

	v.SetDefault("onvm-mgr.enqueue.hold_on_bottleneck", false)

	v.SetDefault("onvm-mgr.control.socket", "/var/run/onvm-mgr.sock")

	v.SetDefault("onvm-mgr.metrics.enabled", true)
	v.SetDefault("onvm-mgr.metrics.listen", ":9100")
	v.SetDefault("onvm-mgr.metrics.path", "/metrics")

	v.SetDefault("onvm-mgr.log.level", "info")
	v.SetDefault("onvm-mgr.log.pattern", "%time [%level] %field %msg\n")
	v.SetDefault("onvm-mgr.log.time", "2006-01-02T15:04:05.000Z07:00")
	v.SetDefault("onvm-mgr.log.appender", "stdout")
	v.SetDefault("onvm-mgr.log.file.max_size_mb", 100)
	v.SetDefault("onvm-mgr.log.file.max_backups", 5)
	v.SetDefault("onvm-mgr.log.file.max_age_days", 30)
	v.SetDefault("onvm-mgr.log.file.compress", true)
}

// Validate checks the R + T + 2 CPU requirement against the host's
// available CPUs, and rejects a zero-port configuration early.
func (c *ManagerConfig) Validate() error {
	need := c.Workers.RequiredCPUs()
	have := runtime.NumCPU()
	if have < need {
		return fmt.Errorf("config: %d workers (rx=%d tx=%d) need %d CPUs, host has %d",
			c.Workers.RXWorkers+c.Workers.TXWorkers, c.Workers.RXWorkers, c.Workers.TXWorkers, need, have)
	}
	if len(c.Ports.PortIDs()) == 0 {
		return fmt.Errorf("config: portmask 0x%x enables no ports", c.Ports.Portmask)
	}
	return nil
}
