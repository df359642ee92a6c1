package config

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/bootguard/pkg/rtos"
	"github.com/psantana5/bootguard/pkg/tracing"
)

// EnvPrefix is the prefix for environment overrides, e.g. BOOTGUARD_LOG_LEVEL
const EnvPrefix = "BOOTGUARD"

// Injected runtime faults for the simulator
const (
	FaultNone     = ""
	FaultStack    = "stack"
	FaultOverflow = "overflow"
	FaultBounds   = "bounds"
	FaultHard     = "hardfault"
	FaultPanic    = "panic"
)

var validFaults = map[string]bool{
	FaultNone:     true,
	FaultStack:    true,
	FaultOverflow: true,
	FaultBounds:   true,
	FaultHard:     true,
	FaultPanic:    true,
}

// DeviceConfig is the complete configuration of a simulated device
type DeviceConfig struct {
	Kernel  KernelConfig   `yaml:"kernel" mapstructure:"kernel"`
	Boot    BootConfig     `yaml:"boot" mapstructure:"boot"`
	Diag    DiagConfig     `yaml:"diag" mapstructure:"diag"`
	Log     LogConfig      `yaml:"log" mapstructure:"log"`
	Metrics MetricsConfig  `yaml:"metrics" mapstructure:"metrics"`
	Tracing tracing.Config `yaml:"tracing" mapstructure:"tracing"`
	Sim     SimConfig      `yaml:"sim" mapstructure:"sim"`
}

// KernelConfig sizes the simulated scheduler
type KernelConfig struct {
	Tick           string `yaml:"tick" mapstructure:"tick"` // e.g. "1ms"
	HeapWords      int    `yaml:"heap_words" mapstructure:"heap_words"`
	IdleStackWords int    `yaml:"idle_stack_words" mapstructure:"idle_stack_words"`
}

// BootConfig controls the boot sequence and the terminal path
type BootConfig struct {
	HeartbeatPeriod   string         `yaml:"heartbeat_period" mapstructure:"heartbeat_period"`
	HeartbeatPriority int            `yaml:"heartbeat_priority" mapstructure:"heartbeat_priority"`
	TaskPriorities    map[string]int `yaml:"task_priorities,omitempty" mapstructure:"task_priorities"`
	FlushDelay        string         `yaml:"flush_delay" mapstructure:"flush_delay"`
	MaxResets         int            `yaml:"max_resets" mapstructure:"max_resets"`
}

// DiagConfig controls hard fault capture
type DiagConfig struct {
	CaptureEnabled bool   `yaml:"capture_enabled" mapstructure:"capture_enabled"`
	SnapshotDB     string `yaml:"snapshot_db" mapstructure:"snapshot_db"` // empty keeps snapshots in memory
}

// LogConfig controls the diagnostic channel
type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	JSON  bool   `yaml:"json" mapstructure:"json"`
	File  string `yaml:"file,omitempty" mapstructure:"file"`
	Baud  int    `yaml:"baud" mapstructure:"baud"` // serial line rate, 0 for unpaced
}

// MetricsConfig controls the debug HTTP endpoint
type MetricsConfig struct {
	Addr  string `yaml:"addr" mapstructure:"addr"` // empty disables the endpoint
	Token string `yaml:"token,omitempty" mapstructure:"token"` // bearer token, empty leaves the endpoint open
}

// SimConfig holds fault injection knobs for the simulated board
type SimConfig struct {
	FailInitStep     string `yaml:"fail_init_step,omitempty" mapstructure:"fail_init_step"`
	FailTask         string `yaml:"fail_task,omitempty" mapstructure:"fail_task"`
	FailScheduler    bool   `yaml:"fail_scheduler" mapstructure:"fail_scheduler"`
	ResetIneffective bool   `yaml:"reset_ineffective" mapstructure:"reset_ineffective"`
	Fault            string `yaml:"fault,omitempty" mapstructure:"fault"`
	FaultTask        string `yaml:"fault_task,omitempty" mapstructure:"fault_task"`
	FaultAfter       string `yaml:"fault_after" mapstructure:"fault_after"`
	Seed             string `yaml:"seed,omitempty" mapstructure:"seed"` // hex, 32 bytes
}

// Default returns the decoder's production settings
func Default() *DeviceConfig {
	return &DeviceConfig{
		Kernel: KernelConfig{
			Tick:           "1ms",
			HeapWords:      16 * 1024,
			IdleStackWords: rtos.MinimalStackWords,
		},
		Boot: BootConfig{
			HeartbeatPeriod:   "1ms",
			HeartbeatPriority: int(rtos.IdlePriority + 5),
			FlushDelay:        "1s",
			MaxResets:         3,
		},
		Log: LogConfig{
			Level: "info",
			Baud:  115200,
		},
		Tracing: tracing.Config{
			ServiceName: "bootguard",
		},
		Sim: SimConfig{
			FaultAfter: "50ms",
		},
	}
}

// SetDefaults registers every default on v so file and env values overlay them
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("kernel.tick", d.Kernel.Tick)
	v.SetDefault("kernel.heap_words", d.Kernel.HeapWords)
	v.SetDefault("kernel.idle_stack_words", d.Kernel.IdleStackWords)
	v.SetDefault("boot.heartbeat_period", d.Boot.HeartbeatPeriod)
	v.SetDefault("boot.heartbeat_priority", d.Boot.HeartbeatPriority)
	v.SetDefault("boot.flush_delay", d.Boot.FlushDelay)
	v.SetDefault("boot.max_resets", d.Boot.MaxResets)
	v.SetDefault("diag.capture_enabled", d.Diag.CaptureEnabled)
	v.SetDefault("diag.snapshot_db", d.Diag.SnapshotDB)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.baud", d.Log.Baud)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("metrics.token", d.Metrics.Token)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.service_version", d.Tracing.ServiceVersion)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("sim.fail_init_step", d.Sim.FailInitStep)
	v.SetDefault("sim.fail_task", d.Sim.FailTask)
	v.SetDefault("sim.fail_scheduler", d.Sim.FailScheduler)
	v.SetDefault("sim.reset_ineffective", d.Sim.ResetIneffective)
	v.SetDefault("sim.fault", d.Sim.Fault)
	v.SetDefault("sim.fault_task", d.Sim.FaultTask)
	v.SetDefault("sim.fault_after", d.Sim.FaultAfter)
	v.SetDefault("sim.seed", d.Sim.Seed)
}

// Load builds a validated config from v. Environment variables override
// file values, using EnvPrefix and "_" for nesting (BOOTGUARD_BOOT_MAX_RESETS).
func Load(v *viper.Viper) (*DeviceConfig, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &DeviceConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field that can be wrong
func (c *DeviceConfig) Validate() error {
	tick, err := parseDuration("kernel.tick", c.Kernel.Tick)
	if err != nil {
		return err
	}
	if tick <= 0 {
		return fmt.Errorf("kernel.tick must be positive, got %s", c.Kernel.Tick)
	}
	if c.Kernel.HeapWords <= 0 {
		return fmt.Errorf("kernel.heap_words must be positive, got %d", c.Kernel.HeapWords)
	}
	if c.Kernel.IdleStackWords <= 0 {
		return fmt.Errorf("kernel.idle_stack_words must be positive, got %d", c.Kernel.IdleStackWords)
	}

	if _, err := parseDuration("boot.heartbeat_period", c.Boot.HeartbeatPeriod); err != nil {
		return err
	}
	if c.Boot.HeartbeatPriority <= int(rtos.IdlePriority) || c.Boot.HeartbeatPriority >= rtos.MaxPriorities {
		return fmt.Errorf("boot.heartbeat_priority must be in (%d, %d), got %d",
			rtos.IdlePriority, rtos.MaxPriorities, c.Boot.HeartbeatPriority)
	}
	for name, prio := range c.Boot.TaskPriorities {
		if prio < int(rtos.IdlePriority) || prio >= c.Boot.HeartbeatPriority {
			return fmt.Errorf("boot.task_priorities.%s must be in [%d, %d), got %d",
				name, rtos.IdlePriority, c.Boot.HeartbeatPriority, prio)
		}
	}
	if _, err := parseDuration("boot.flush_delay", c.Boot.FlushDelay); err != nil {
		return err
	}
	if c.Boot.MaxResets < 0 {
		return fmt.Errorf("boot.max_resets must not be negative, got %d", c.Boot.MaxResets)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	if c.Log.Baud < 0 {
		return fmt.Errorf("log.baud must not be negative, got %d", c.Log.Baud)
	}

	if c.Tracing.Enabled && c.Tracing.OTLPEndpoint == "" {
		return fmt.Errorf("tracing.otlp_endpoint is required when tracing is enabled")
	}

	if !validFaults[c.Sim.Fault] {
		return fmt.Errorf("sim.fault %q is not one of stack, overflow, bounds, hardfault, panic", c.Sim.Fault)
	}
	if _, err := parseDuration("sim.fault_after", c.Sim.FaultAfter); err != nil {
		return err
	}
	if _, err := c.Seed(); err != nil {
		return err
	}
	return nil
}

// Tick returns the kernel tick
func (c *DeviceConfig) Tick() time.Duration {
	return mustDuration(c.Kernel.Tick)
}

// HeartbeatPeriod returns the heartbeat delay
func (c *DeviceConfig) HeartbeatPeriod() time.Duration {
	return mustDuration(c.Boot.HeartbeatPeriod)
}

// FlushDelay returns the drain delay before reset
func (c *DeviceConfig) FlushDelay() time.Duration {
	return mustDuration(c.Boot.FlushDelay)
}

// FaultAfter returns how long the injected fault waits after start
func (c *DeviceConfig) FaultAfter() time.Duration {
	return mustDuration(c.Sim.FaultAfter)
}

// HeartbeatPriority returns the heartbeat's scheduler priority
func (c *DeviceConfig) HeartbeatPriority() rtos.Priority {
	return rtos.Priority(c.Boot.HeartbeatPriority)
}

// Seed decodes the TRNG seed; nil means seed from the host
func (c *DeviceConfig) Seed() ([]byte, error) {
	if c.Sim.Seed == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(c.Sim.Seed)
	if err != nil {
		return nil, fmt.Errorf("sim.seed is not hex: %w", err)
	}
	if len(seed) != 32 {
		return nil, fmt.Errorf("sim.seed must be 32 bytes, got %d", len(seed))
	}
	return seed, nil
}

// WriteYAML renders the config as YAML
func (c *DeviceConfig) WriteYAML(w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return encoder.Close()
}

func parseDuration(key, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %s", key, value)
	}
	return d, nil
}

// mustDuration is only used after Validate accepted the value
func mustDuration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}
