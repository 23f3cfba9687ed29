package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/qbrc-cnap/mev-procman/pkg/errors"
	"github.com/qbrc-cnap/mev-procman/pkg/logging"
)

const DefaultAppName = "mev-procman"

// ProcessFileConfig holds configuration for PID file and log path generation.
type ProcessFileConfig struct {
	// Base directory for PID files. If empty, uses an OS-appropriate default.
	BaseDirectory string `yaml:"base_directory,omitempty"`

	// Service context, affects directory selection.
	ServiceContext ServiceContext `yaml:"service_context,omitempty"`

	// Application name for subdirectory creation.
	AppName string `yaml:"app_name,omitempty"`

	// Create a subdirectory for the app (recommended for system services).
	UseSubdirectory bool `yaml:"use_subdirectory,omitempty"`
}

// ServiceContext defines the context in which the daemon runs.
type ServiceContext string

const (
	// SystemService runs as a system daemon.
	SystemService ServiceContext = "system"

	// UserService runs as a user service.
	UserService ServiceContext = "user"
)

// ProcessFileManager generates and manages PID file and log paths.
type ProcessFileManager struct {
	config ProcessFileConfig
	logger logging.Logger
}

func NewProcessFileManager(config ProcessFileConfig, logger logging.Logger) *ProcessFileManager {
	if config.AppName == "" {
		config.AppName = DefaultAppName
	}
	if config.ServiceContext == "" {
		config.ServiceContext = SystemService
	}

	return &ProcessFileManager{
		config: config,
		logger: logger,
	}
}

// GeneratePIDFilePath generates the PID file path for the given program name.
func (m *ProcessFileManager) GeneratePIDFilePath(programName string) string {
	baseDir := m.getBaseDirectory()

	if m.config.UseSubdirectory {
		baseDir = filepath.Join(baseDir, m.config.AppName)
	}

	return filepath.Join(baseDir, programName+".pid")
}

// WritePIDFile writes the process PID to the program's PID file.
func (m *ProcessFileManager) WritePIDFile(programName string, pid int) error {
	pidFilePath := m.GeneratePIDFilePath(programName)
	m.logger.Debugf("Writing PID file, program: %s, pid: %d, path: %s", programName, pid, pidFilePath)

	if err := ValidatePIDFileDirectory(pidFilePath); err != nil {
		return errors.NewIOError("PID file directory validation failed", err).WithContext("pid_file", pidFilePath)
	}

	pidContent := fmt.Sprintf("%d\n", pid)
	if err := os.WriteFile(pidFilePath, []byte(pidContent), 0644); err != nil {
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", pidFilePath).WithContext("pid", pid)
	}

	return nil
}

// RemovePIDFile removes the program's PID file. A missing file is not an error.
func (m *ProcessFileManager) RemovePIDFile(programName string) error {
	pidFilePath := m.GeneratePIDFilePath(programName)
	m.logger.Debugf("Removing PID file, program: %s, path: %s", programName, pidFilePath)

	if err := os.Remove(pidFilePath); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", pidFilePath)
	}

	return nil
}

// GenerateLogDirectoryPath generates the log directory path for the daemon.
func (m *ProcessFileManager) GenerateLogDirectoryPath() string {
	baseDir := m.getLogBaseDirectory()

	if m.config.UseSubdirectory {
		return filepath.Join(baseDir, m.config.AppName, "logs")
	}

	return filepath.Join(baseDir, "logs")
}

// GenerateProgramLogFilePath resolves a log file path for a program. Absolute
// paths are kept as-is, relative ones land under the daemon log directory.
func (m *ProcessFileManager) GenerateProgramLogFilePath(path string, programName string) string {
	resolved := strings.ReplaceAll(path, "{program_name}", programName)
	if filepath.IsAbs(resolved) {
		return resolved
	}
	return filepath.Join(m.GenerateLogDirectoryPath(), resolved)
}

func (m *ProcessFileManager) getBaseDirectory() string {
	if m.config.BaseDirectory != "" {
		return m.config.BaseDirectory
	}

	switch m.config.ServiceContext {
	case UserService:
		return m.getUserServiceDirectory()
	default:
		return m.getSystemServiceDirectory()
	}
}

func (m *ProcessFileManager) getSystemServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = "C:\\ProgramData"
		}
		return programData

	case "darwin":
		return "/var/run"

	default:
		// Modern standard is /run, with fallback to /var/run.
		if _, err := os.Stat("/run"); err == nil {
			return "/run"
		}
		return "/var/run"
	}
}

func (m *ProcessFileManager) getUserServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			userProfile := os.Getenv("USERPROFILE")
			if userProfile != "" {
				localAppData = filepath.Join(userProfile, "AppData", "Local")
			} else {
				localAppData = "C:\\Users\\Default\\AppData\\Local"
			}
		}
		return localAppData

	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "/tmp"
		}
		return filepath.Join(homeDir, "Library", "Application Support")

	default:
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return runtimeDir
		}
		return "/tmp"
	}
}

func (m *ProcessFileManager) getLogBaseDirectory() string {
	if m.config.BaseDirectory != "" {
		return filepath.Join(m.config.BaseDirectory, "logs")
	}

	switch m.config.ServiceContext {
	case UserService:
		return m.getUserLogDirectory()
	default:
		return m.getSystemLogDirectory()
	}
}

func (m *ProcessFileManager) getSystemLogDirectory() string {
	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = "C:\\ProgramData"
		}
		return programData

	default:
		return "/var/log"
	}
}

func (m *ProcessFileManager) getUserLogDirectory() string {
	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = "C:\\Users\\Default\\AppData\\Local"
		}
		return filepath.Join(localAppData, "logs")

	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "/tmp/logs"
		}
		return filepath.Join(homeDir, "Library", "Logs")

	default:
		if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
			return filepath.Join(dataHome, "logs")
		}
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "/tmp/logs"
		}
		return filepath.Join(homeDir, ".local", "share", "logs")
	}
}

// ValidatePIDFileDirectory validates that the PID file directory exists and is
// writable, creating it if missing.
func ValidatePIDFileDirectory(pidFilePath string) error {
	dir := filepath.Dir(pidFilePath)

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return errors.NewIOError("failed to create PID file directory", err).WithContext("directory", dir)
			}
		} else {
			return errors.NewIOError("failed to access PID file directory", err).WithContext("directory", dir)
		}
	} else if !info.IsDir() {
		return errors.NewValidationError("PID file path is not a directory", nil).WithContext("path", dir)
	}

	testFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return errors.NewPermissionError("PID file directory is not writable", err).WithContext("directory", dir)
	}
	file.Close()
	os.Remove(testFile)

	return nil
}
