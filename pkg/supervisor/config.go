package supervisor

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qbrc-cnap/mev-procman/pkg/errors"
	"github.com/qbrc-cnap/mev-procman/pkg/logging"
	"github.com/qbrc-cnap/mev-procman/pkg/processfile"
	"github.com/qbrc-cnap/mev-procman/pkg/program"
)

// Config is the daemon configuration file (procman.yaml).
type Config struct {
	Supervisor Options           `yaml:"supervisor"`
	Programs   []program.Program `yaml:"programs"`
}

// Options holds the daemon-level settings.
type Options struct {
	// Control API listen address. Loopback by default.
	ListenAddress string `yaml:"listen_address,omitempty"`

	// Daemon logging backend.
	Logging logging.ZapConfig `yaml:"logging,omitempty"`

	// PID file and log path conventions.
	ProcessFile processfile.ProcessFileConfig `yaml:"process_file,omitempty"`

	// Re-adopt still-running programs via PID files at boot.
	AttachExisting bool `yaml:"attach_existing,omitempty"`

	// Upper bound for stopping all programs at shutdown.
	ForceShutdownTimeout time.Duration `yaml:"force_shutdown_timeout,omitempty"`
}

const (
	DefaultListenAddress        = "127.0.0.1:9001"
	DefaultForceShutdownTimeout = 60 * time.Second
)

// LoadConfigFromFile loads and parses a daemon configuration file.
// Unknown fields are rejected to catch typos in program definitions.
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read config file", err).WithContext("config_file", filename)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var config Config
	if err := decoder.Decode(&config); err != nil && err != io.EOF {
		return nil, errors.NewValidationError("failed to parse config file", err).WithContext("config_file", filename)
	}

	setConfigDefaults(&config)

	return &config, nil
}

func setConfigDefaults(config *Config) {
	if config.Supervisor.ListenAddress == "" {
		config.Supervisor.ListenAddress = DefaultListenAddress
	}
	if config.Supervisor.ForceShutdownTimeout == 0 {
		config.Supervisor.ForceShutdownTimeout = DefaultForceShutdownTimeout
	}
	if config.Supervisor.Logging.Level == "" {
		config.Supervisor.Logging = logging.DefaultZapConfig()
	}
	for i := range config.Programs {
		config.Programs[i].SetDefaults()
	}
}

// ValidateConfig validates the daemon options and every program definition.
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("config cannot be nil", nil)
	}
	if config.Supervisor.ListenAddress == "" {
		return errors.NewValidationError("listen_address cannot be empty", nil)
	}
	if config.Supervisor.ForceShutdownTimeout < 0 {
		return errors.NewValidationError(
			fmt.Sprintf("force_shutdown_timeout cannot be negative: %v", config.Supervisor.ForceShutdownTimeout), nil)
	}
	if len(config.Programs) == 0 {
		return errors.NewValidationError("no programs defined", nil)
	}
	return program.ValidateAll(config.Programs)
}

// ValidateConfigFile validates a configuration file without running it.
// Useful for configuration testing and CI.
func ValidateConfigFile(configFile string) error {
	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return err
	}
	return ValidateConfig(config)
}

// ConfigSummary is a human-oriented digest of a loaded configuration.
type ConfigSummary struct {
	ListenAddress string           `json:"listen_address"`
	ProgramCount  int              `json:"program_count"`
	Programs      []ProgramSummary `json:"programs"`
}

type ProgramSummary struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Priority    int    `json:"priority"`
	Autostart   bool   `json:"autostart"`
	Autorestart string `json:"autorestart"`
}

func GetConfigSummary(config *Config) ConfigSummary {
	summary := ConfigSummary{
		ListenAddress: config.Supervisor.ListenAddress,
		ProgramCount:  len(config.Programs),
	}
	programs := make([]program.Program, len(config.Programs))
	copy(programs, config.Programs)
	program.SortByPriority(programs)
	for _, p := range programs {
		summary.Programs = append(summary.Programs, ProgramSummary{
			Name:        p.Name,
			Command:     p.Command,
			Priority:    p.Priority,
			Autostart:   p.AutostartEnabled(),
			Autorestart: string(p.Autorestart),
		})
	}
	return summary
}
