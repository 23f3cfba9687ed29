package program

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/qbrc-cnap/mev-procman/pkg/errors"
	"github.com/qbrc-cnap/mev-procman/pkg/monitoring"
)

// RestartPolicy defines when an exited program is started again.
type RestartPolicy string

const (
	RestartNever         RestartPolicy = "never"
	RestartOnFailure     RestartPolicy = "on-failure"
	RestartAlways        RestartPolicy = "always"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
)

// BackoffConfig defines restart retry mechanics.
type BackoffConfig struct {
	MaxRetries         int           `yaml:"max_retries,omitempty"`
	RetryDelay         time.Duration `yaml:"retry_delay,omitempty"`
	BackoffRate        float64       `yaml:"backoff_rate,omitempty"` // exponential backoff multiplier
	StartupGracePeriod time.Duration `yaml:"startup_grace_period,omitempty"`
}

// Program defines a single supervised process.
type Program struct {
	Name        string   `yaml:"name"`
	Command     string   `yaml:"command"`
	Args        []string `yaml:"args,omitempty"`
	Directory   string   `yaml:"directory,omitempty"`
	User        string   `yaml:"user,omitempty"`        // run-as user, requires root
	Environment []string `yaml:"environment,omitempty"` // KEY=VALUE pairs appended to the daemon environment

	StdoutLogfile   string `yaml:"stdout_logfile,omitempty"`
	StderrLogfile   string `yaml:"stderr_logfile,omitempty"`
	LogfileMaxBytes int64  `yaml:"logfile_max_bytes,omitempty"`
	LogfileBackups  int    `yaml:"logfile_backups,omitempty"`

	Priority  int   `yaml:"priority,omitempty"` // lower starts first, shutdown in reverse
	Autostart *bool `yaml:"autostart,omitempty"`

	Autorestart       RestartPolicy `yaml:"autorestart,omitempty"`
	ExpectedExitCodes []int         `yaml:"expected_exit_codes,omitempty"` // consulted by on-failure

	StopSignal  string        `yaml:"stopsignal,omitempty"` // symbolic name, e.g. TERM
	StopTimeout time.Duration `yaml:"stop_timeout,omitempty"`

	Backoff BackoffConfig `yaml:"backoff,omitempty"`

	HealthCheck *monitoring.HealthCheckConfig `yaml:"health_check,omitempty"`
}

const (
	DefaultPriority        = 999
	DefaultStopSignal      = "TERM"
	DefaultStopTimeout     = 10 * time.Second
	DefaultLogfileMaxBytes = 50 * 1024 * 1024
	DefaultLogfileBackups  = 10
)

var programNameRegexp = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// SetDefaults fills unset fields with their defaults.
func (p *Program) SetDefaults() {
	if p.Priority == 0 {
		p.Priority = DefaultPriority
	}
	if p.Autostart == nil {
		autostart := true
		p.Autostart = &autostart
	}
	if p.Autorestart == "" {
		p.Autorestart = RestartOnFailure
	}
	if len(p.ExpectedExitCodes) == 0 {
		p.ExpectedExitCodes = []int{0}
	}
	if p.StopSignal == "" {
		p.StopSignal = DefaultStopSignal
	}
	if p.StopTimeout == 0 {
		p.StopTimeout = DefaultStopTimeout
	}
	if p.LogfileMaxBytes == 0 {
		p.LogfileMaxBytes = DefaultLogfileMaxBytes
	}
	if p.LogfileBackups == 0 {
		p.LogfileBackups = DefaultLogfileBackups
	}
	if p.Backoff.MaxRetries == 0 {
		p.Backoff.MaxRetries = 3
	}
	if p.Backoff.RetryDelay == 0 {
		p.Backoff.RetryDelay = 5 * time.Second
	}
	if p.Backoff.BackoffRate == 0 {
		p.Backoff.BackoffRate = 1.5
	}
	if p.Backoff.StartupGracePeriod == 0 {
		p.Backoff.StartupGracePeriod = 30 * time.Second
	}
	if p.HealthCheck != nil {
		p.HealthCheck.SetDefaults()
	}
}

// Validate checks the program definition. User existence is only checked at
// spawn time, since config files may be validated on a different host.
func (p *Program) Validate() error {
	if p.Name == "" {
		return errors.NewValidationError("program name cannot be empty", nil)
	}
	if !programNameRegexp.MatchString(p.Name) {
		return errors.NewValidationError(
			fmt.Sprintf("invalid program name '%s': must start with an alphanumeric character and contain only alphanumerics, '_', '.', '-'", p.Name), nil)
	}
	if strings.TrimSpace(p.Command) == "" {
		return errors.NewValidationError(
			fmt.Sprintf("program '%s': command cannot be empty", p.Name), nil).WithContext("program", p.Name)
	}
	switch p.Autorestart {
	case RestartNever, RestartOnFailure, RestartAlways, RestartUnlessStopped:
	default:
		return errors.NewValidationError(
			fmt.Sprintf("program '%s': unknown autorestart policy '%s'", p.Name, p.Autorestart), nil).WithContext("program", p.Name)
	}
	if _, err := LookupStopSignal(p.StopSignal); err != nil {
		return errors.NewValidationError(
			fmt.Sprintf("program '%s': %v", p.Name, err), nil).WithContext("program", p.Name)
	}
	if p.StopTimeout < 0 {
		return errors.NewValidationError(
			fmt.Sprintf("program '%s': stop_timeout cannot be negative: %v", p.Name, p.StopTimeout), nil).WithContext("program", p.Name)
	}
	if p.LogfileMaxBytes < 0 {
		return errors.NewValidationError(
			fmt.Sprintf("program '%s': logfile_max_bytes cannot be negative: %d", p.Name, p.LogfileMaxBytes), nil).WithContext("program", p.Name)
	}
	if p.LogfileBackups < 0 {
		return errors.NewValidationError(
			fmt.Sprintf("program '%s': logfile_backups cannot be negative: %d", p.Name, p.LogfileBackups), nil).WithContext("program", p.Name)
	}
	for _, env := range p.Environment {
		if !strings.Contains(env, "=") {
			return errors.NewValidationError(
				fmt.Sprintf("program '%s': environment entry '%s' is not KEY=VALUE", p.Name, env), nil).WithContext("program", p.Name)
		}
	}
	if err := validateBackoffConfig(p.Backoff); err != nil {
		return errors.NewValidationError(
			fmt.Sprintf("program '%s': %v", p.Name, err), nil).WithContext("program", p.Name)
	}
	if p.HealthCheck != nil {
		if err := p.HealthCheck.Validate(); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("program '%s': invalid health check", p.Name), err).WithContext("program", p.Name)
		}
	}
	return nil
}

func validateBackoffConfig(config BackoffConfig) error {
	if config.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative: %d", config.MaxRetries)
	}
	if config.RetryDelay < 0 {
		return fmt.Errorf("retry_delay cannot be negative: %v", config.RetryDelay)
	}
	if config.BackoffRate <= 0 {
		return fmt.Errorf("backoff_rate must be positive: %f", config.BackoffRate)
	}
	if config.StartupGracePeriod < 0 {
		return fmt.Errorf("startup_grace_period cannot be negative: %v", config.StartupGracePeriod)
	}
	return nil
}

// AutostartEnabled reports whether the program starts at daemon boot.
func (p *Program) AutostartEnabled() bool {
	return p.Autostart == nil || *p.Autostart
}

// IsExpectedExitCode reports whether the exit code counts as a clean exit.
func (p *Program) IsExpectedExitCode(code int) bool {
	for _, expected := range p.ExpectedExitCodes {
		if code == expected {
			return true
		}
	}
	return false
}

// ValidateAll validates a program list and checks for duplicate names.
func ValidateAll(programs []Program) error {
	seen := make(map[string]bool, len(programs))
	for i := range programs {
		if err := programs[i].Validate(); err != nil {
			return err
		}
		if seen[programs[i].Name] {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate program name '%s'", programs[i].Name), nil)
		}
		seen[programs[i].Name] = true
	}
	return nil
}

// SortByPriority orders programs by ascending priority, name as tiebreak.
// The order is the startup order; shutdown walks it in reverse.
func SortByPriority(programs []Program) {
	sort.SliceStable(programs, func(i, j int) bool {
		if programs[i].Priority != programs[j].Priority {
			return programs[i].Priority < programs[j].Priority
		}
		return programs[i].Name < programs[j].Name
	})
}
