package processfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/qbrc-cnap/mev-procman/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logging.Logger {
	return logging.NewLogger("test: ", logging.LogFuncs{})
}

func TestGeneratePIDFilePath(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name     string
		config   ProcessFileConfig
		program  string
		expected string
	}{
		{
			name:     "explicit_base_directory",
			config:   ProcessFileConfig{BaseDirectory: tmpDir},
			program:  "redis",
			expected: filepath.Join(tmpDir, "redis.pid"),
		},
		{
			name:     "with_subdirectory",
			config:   ProcessFileConfig{BaseDirectory: tmpDir, UseSubdirectory: true},
			program:  "redis",
			expected: filepath.Join(tmpDir, DefaultAppName, "redis.pid"),
		},
		{
			name:     "custom_app_name",
			config:   ProcessFileConfig{BaseDirectory: tmpDir, AppName: "myapp", UseSubdirectory: true},
			program:  "worker",
			expected: filepath.Join(tmpDir, "myapp", "worker.pid"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := NewProcessFileManager(tt.config, testLogger())
			assert.Equal(t, tt.expected, manager.GeneratePIDFilePath(tt.program))
		})
	}
}

func TestWriteAndRemovePIDFile(t *testing.T) {
	tmpDir := t.TempDir()
	manager := NewProcessFileManager(ProcessFileConfig{BaseDirectory: tmpDir}, testLogger())

	require.NoError(t, manager.WritePIDFile("redis", 4321))

	content, err := os.ReadFile(manager.GeneratePIDFilePath("redis"))
	require.NoError(t, err)
	assert.Equal(t, "4321", strings.TrimSpace(string(content)))

	require.NoError(t, manager.RemovePIDFile("redis"))
	_, err = os.Stat(manager.GeneratePIDFilePath("redis"))
	assert.True(t, os.IsNotExist(err))

	// Removing again is not an error.
	assert.NoError(t, manager.RemovePIDFile("redis"))
}

func TestWritePIDFileCreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	manager := NewProcessFileManager(ProcessFileConfig{
		BaseDirectory:   filepath.Join(tmpDir, "nested"),
		UseSubdirectory: true,
	}, testLogger())

	require.NoError(t, manager.WritePIDFile("worker", 99))
	assert.FileExists(t, manager.GeneratePIDFilePath("worker"))
}

func TestGenerateProgramLogFilePath(t *testing.T) {
	tmpDir := t.TempDir()
	manager := NewProcessFileManager(ProcessFileConfig{BaseDirectory: tmpDir}, testLogger())

	absolute := filepath.Join(tmpDir, "redis.log")
	assert.Equal(t, absolute, manager.GenerateProgramLogFilePath(absolute, "redis"))

	relative := manager.GenerateProgramLogFilePath("redis-stdout.log", "redis")
	assert.Equal(t, filepath.Join(manager.GenerateLogDirectoryPath(), "redis-stdout.log"), relative)

	templated := manager.GenerateProgramLogFilePath("{program_name}.out", "redis")
	assert.True(t, strings.HasSuffix(templated, "redis.out"))
}
