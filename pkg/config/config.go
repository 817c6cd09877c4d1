// Package config holds the YAML-tagged configuration structs for the three
// ring-master daemons, with default values restored from the original
// implementation's readconf defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// OrchestratorConfig is ringmasterd's configuration (spec §4.2.1, §6).
type OrchestratorConfig struct {
	Swiftdir   string `yaml:"swiftdir"`
	BackupDir  string `yaml:"backup_dir"`
	PauseFile  string `yaml:"pause_file_path"`
	MetricsBind string `yaml:"metrics_bind"`

	DefaultWeightShift   float64 `yaml:"default_weight_shift"`
	BalanceThreshold     float64 `yaml:"balance_threshold"`
	MinSecondsSinceChange int64  `yaml:"min_seconds_since_change"`
	MinPartHoursCheck    bool    `yaml:"min_part_hours_check"`
	ContainerMinPct      float64 `yaml:"container_min_pct"`
	ObjectMinPct         float64 `yaml:"object_min_pct"`
	Interval             int     `yaml:"interval"`
	ChangeInterval       int     `yaml:"change_interval"`
	LockTimeout          int     `yaml:"lock_timeout"`
	DispersionCmd        string  `yaml:"dispersion_cmd"`

	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`
}

// DefaultOrchestratorConfig returns a config populated with the Swift-style
// defaults from the Python original's RingMasterServer.__init__.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Swiftdir:              "/etc/swift",
		BackupDir:             "/etc/swift/backups",
		PauseFile:             "/tmp/.srm-pause",
		MetricsBind:           "0.0.0.0:9090",
		DefaultWeightShift:    25.0,
		BalanceThreshold:      2.0,
		MinSecondsSinceChange: 120,
		MinPartHoursCheck:     true,
		ContainerMinPct:       99.75,
		ObjectMinPct:          99.75,
		Interval:              120,
		ChangeInterval:        3600,
		LockTimeout:           90,
		DispersionCmd:         "swift-dispersion-report",
		LogLevel:              "info",
		LogJSON:               false,
	}
}

// DistributorConfig is ringdistd's configuration (spec §4.3, §6).
type DistributorConfig struct {
	Swiftdir string `yaml:"swiftdir"`
	Bind     string `yaml:"bind"`
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// DefaultDistributorConfig returns the default distributor configuration.
func DefaultDistributorConfig() DistributorConfig {
	return DistributorConfig{
		Swiftdir: "/etc/swift",
		Bind:     "0.0.0.0:8090",
		LogLevel: "info",
		LogJSON:  false,
	}
}

// MinionConfig is ringminiond's configuration (spec §4.4, §6).
type MinionConfig struct {
	Swiftdir         string `yaml:"swiftdir"`
	RingMaster       string `yaml:"ring_master"`
	CheckInterval    int    `yaml:"check_interval"`
	StartDelayRange  int    `yaml:"start_delay_range"`
	RingMasterTimeout int   `yaml:"ring_master_timeout"`
	LogLevel         string `yaml:"log_level"`
	LogJSON          bool   `yaml:"log_json"`
}

// DefaultMinionConfig returns the default minion configuration.
func DefaultMinionConfig() MinionConfig {
	return MinionConfig{
		Swiftdir:          "/etc/swift",
		RingMaster:        "http://127.0.0.1:8090/",
		CheckInterval:     30,
		StartDelayRange:   30,
		RingMasterTimeout: 5,
		LogLevel:          "info",
		LogJSON:           false,
	}
}

// Load reads a YAML config file at path into cfg, which should be a pointer
// to an already-default-populated config struct so that keys absent from
// the file retain their defaults.
func Load(path string, cfg interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// BuilderPath returns the configured builder file path for a ring kind
// under swiftdir, e.g. "<swiftdir>/account.builder".
func BuilderPath(swiftdir, kind string) string {
	return filepath.Join(swiftdir, kind+".builder")
}

// RingPath returns the configured ring file path for a ring kind under
// swiftdir, e.g. "<swiftdir>/account.ring.gz".
func RingPath(swiftdir, kind string) string {
	return filepath.Join(swiftdir, kind+".ring.gz")
}
