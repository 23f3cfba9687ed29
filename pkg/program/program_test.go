package program

import (
	"testing"
	"time"

	"github.com/qbrc-cnap/mev-procman/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgramSetDefaults(t *testing.T) {
	p := Program{
		Name:    "redis",
		Command: "redis-server",
	}
	p.SetDefaults()

	assert.Equal(t, DefaultPriority, p.Priority)
	require.NotNil(t, p.Autostart)
	assert.True(t, *p.Autostart)
	assert.Equal(t, RestartOnFailure, p.Autorestart)
	assert.Equal(t, []int{0}, p.ExpectedExitCodes)
	assert.Equal(t, DefaultStopSignal, p.StopSignal)
	assert.Equal(t, DefaultStopTimeout, p.StopTimeout)
	assert.Equal(t, int64(DefaultLogfileMaxBytes), p.LogfileMaxBytes)
	assert.Equal(t, DefaultLogfileBackups, p.LogfileBackups)
	assert.Equal(t, 3, p.Backoff.MaxRetries)
	assert.Equal(t, 5*time.Second, p.Backoff.RetryDelay)
	assert.Equal(t, 1.5, p.Backoff.BackoffRate)
}

func TestProgramSetDefaultsKeepsExplicitValues(t *testing.T) {
	autostart := false
	p := Program{
		Name:        "worker",
		Command:     "celery",
		Priority:    100,
		Autostart:   &autostart,
		Autorestart: RestartAlways,
		StopSignal:  "QUIT",
		StopTimeout: 3 * time.Second,
	}
	p.SetDefaults()

	assert.Equal(t, 100, p.Priority)
	assert.False(t, *p.Autostart)
	assert.Equal(t, RestartAlways, p.Autorestart)
	assert.Equal(t, "QUIT", p.StopSignal)
	assert.Equal(t, 3*time.Second, p.StopTimeout)
}

func TestProgramValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(p *Program)
		shouldErr bool
	}{
		{
			name:      "valid_program",
			mutate:    func(p *Program) {},
			shouldErr: false,
		},
		{
			name:      "empty_name",
			mutate:    func(p *Program) { p.Name = "" },
			shouldErr: true,
		},
		{
			name:      "name_with_spaces",
			mutate:    func(p *Program) { p.Name = "my program" },
			shouldErr: true,
		},
		{
			name:      "name_leading_dash",
			mutate:    func(p *Program) { p.Name = "-redis" },
			shouldErr: true,
		},
		{
			name:      "empty_command",
			mutate:    func(p *Program) { p.Command = "  " },
			shouldErr: true,
		},
		{
			name:      "unknown_restart_policy",
			mutate:    func(p *Program) { p.Autorestart = "sometimes" },
			shouldErr: true,
		},
		{
			name:      "unknown_stop_signal",
			mutate:    func(p *Program) { p.StopSignal = "FROB" },
			shouldErr: true,
		},
		{
			name:      "negative_stop_timeout",
			mutate:    func(p *Program) { p.StopTimeout = -time.Second },
			shouldErr: true,
		},
		{
			name:      "bad_environment_entry",
			mutate:    func(p *Program) { p.Environment = []string{"NO_EQUALS_SIGN"} },
			shouldErr: true,
		},
		{
			name:      "negative_max_retries",
			mutate:    func(p *Program) { p.Backoff.MaxRetries = -1 },
			shouldErr: true,
		},
		{
			name:      "zero_backoff_rate",
			mutate:    func(p *Program) { p.Backoff.BackoffRate = 0 },
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Program{
				Name:    "redis",
				Command: "redis-server",
			}
			p.SetDefaults()
			tt.mutate(&p)

			err := p.Validate()
			if tt.shouldErr {
				require.Error(t, err)
				assert.True(t, errors.IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateAllRejectsDuplicateNames(t *testing.T) {
	programs := []Program{
		{Name: "redis", Command: "redis-server"},
		{Name: "redis", Command: "redis-server"},
	}
	for i := range programs {
		programs[i].SetDefaults()
	}

	err := ValidateAll(programs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate program name")
}

func TestLookupStopSignal(t *testing.T) {
	for _, name := range []string{"TERM", "term", "SIGTERM", "INT", "QUIT", "HUP", "USR1", "USR2", "KILL"} {
		sig, err := LookupStopSignal(name)
		require.NoError(t, err, "signal %s", name)
		assert.NotNil(t, sig)
	}

	_, err := LookupStopSignal("WINCH")
	assert.Error(t, err)
}

func TestIsExpectedExitCode(t *testing.T) {
	p := Program{
		Name:              "worker",
		Command:           "celery",
		ExpectedExitCodes: []int{0, 2},
	}

	assert.True(t, p.IsExpectedExitCode(0))
	assert.True(t, p.IsExpectedExitCode(2))
	assert.False(t, p.IsExpectedExitCode(1))
}

func TestSortByPriority(t *testing.T) {
	programs := []Program{
		{Name: "worker", Priority: 999},
		{Name: "api", Priority: 500},
		{Name: "redis", Priority: 100},
		{Name: "beat", Priority: 999},
	}

	SortByPriority(programs)

	names := make([]string, 0, len(programs))
	for _, p := range programs {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"redis", "api", "beat", "worker"}, names)
}
