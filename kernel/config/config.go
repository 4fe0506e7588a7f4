// Package config holds the machine configuration consumed at boot.
// Values are loaded from a YAML file and overridable by the CLI.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Mode selects the build/run profile of the machine.
type Mode string

// Recognized run modes.
const (
	ModeDebug   Mode = "debug"
	ModeRelease Mode = "release"
)

// Config describes a Chronix machine.
type Config struct {
	// Machine geometry.
	Machine MachineConfig `yaml:"machine"`

	// Scheduler tuning.
	Sched SchedConfig `yaml:"sched"`

	// Logging options.
	Logging LoggingConfig `yaml:"logging"`
}

// MachineConfig describes the simulated hardware.
type MachineConfig struct {
	// MemoryMiB is the size of the physical memory bank.
	MemoryMiB int `yaml:"memory_mib"`

	// Harts is the number of hardware execution units.
	Harts int `yaml:"harts"`

	// Board names the emulated board variant (qemu-virt only today).
	Board string `yaml:"board"`

	// Mode is the build/run profile.
	Mode Mode `yaml:"mode"`
}

// SchedConfig tunes the stride scheduler.
type SchedConfig struct {
	// TimeSlice is the number of user instructions a task may retire
	// before the timer fires.
	TimeSlice int `yaml:"time_slice"`
}

// LoggingConfig mirrors klog.Options.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when no file is supplied: a
// 128 MiB single-hart qemu-virt machine.
func Default() Config {
	return Config{
		Machine: MachineConfig{
			MemoryMiB: 128,
			Harts:     1,
			Board:     "qemu-virt",
			Mode:      ModeDebug,
		},
		Sched: SchedConfig{
			TimeSlice: 128,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file, layering it over Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects geometries the machine cannot boot with.
func (c Config) Validate() error {
	if c.Machine.MemoryMiB < 8 {
		return fmt.Errorf("config: memory_mib %d below the 8 MiB minimum", c.Machine.MemoryMiB)
	}
	if c.Machine.Harts < 1 {
		return fmt.Errorf("config: harts must be at least 1, got %d", c.Machine.Harts)
	}
	if c.Sched.TimeSlice < 1 {
		return fmt.Errorf("config: time_slice must be positive, got %d", c.Sched.TimeSlice)
	}
	switch c.Machine.Mode {
	case ModeDebug, ModeRelease:
	default:
		return fmt.Errorf("config: unknown mode %q", c.Machine.Mode)
	}
	return nil
}
