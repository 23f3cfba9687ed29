package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateHealthCheckConfig(t *testing.T) {
	tests := []struct {
		name      string
		config    HealthCheckConfig
		shouldErr bool
	}{
		{
			name: "valid_http",
			config: HealthCheckConfig{
				Type: HealthCheckTypeHTTP,
				HTTP: HTTPHealthCheckConfig{URL: "http://localhost:8080/healthz"},
			},
			shouldErr: false,
		},
		{
			name: "http_missing_url",
			config: HealthCheckConfig{
				Type: HealthCheckTypeHTTP,
			},
			shouldErr: true,
		},
		{
			name: "valid_tcp",
			config: HealthCheckConfig{
				Type: HealthCheckTypeTCP,
				TCP:  TCPHealthCheckConfig{Address: "127.0.0.1", Port: 6379},
			},
			shouldErr: false,
		},
		{
			name: "tcp_port_out_of_range",
			config: HealthCheckConfig{
				Type: HealthCheckTypeTCP,
				TCP:  TCPHealthCheckConfig{Address: "127.0.0.1", Port: 70000},
			},
			shouldErr: true,
		},
		{
			name: "tcp_missing_address",
			config: HealthCheckConfig{
				Type: HealthCheckTypeTCP,
				TCP:  TCPHealthCheckConfig{Port: 6379},
			},
			shouldErr: true,
		},
		{
			name: "valid_exec",
			config: HealthCheckConfig{
				Type: HealthCheckTypeExec,
				Exec: ExecHealthCheckConfig{Command: "redis-cli", Args: []string{"ping"}},
			},
			shouldErr: false,
		},
		{
			name: "exec_missing_command",
			config: HealthCheckConfig{
				Type: HealthCheckTypeExec,
			},
			shouldErr: true,
		},
		{
			name: "valid_process",
			config: HealthCheckConfig{
				Type: HealthCheckTypeProcess,
			},
			shouldErr: false,
		},
		{
			name:      "empty_type_is_disabled",
			config:    HealthCheckConfig{},
			shouldErr: false,
		},
		{
			name: "unknown_type",
			config: HealthCheckConfig{
				Type: HealthCheckType("grpc"),
			},
			shouldErr: true,
		},
		{
			name: "negative_interval",
			config: HealthCheckConfig{
				Type:       HealthCheckTypeProcess,
				RunOptions: HealthCheckRunOptions{Interval: -time.Second},
			},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.shouldErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHealthCheckConfigSetDefaults(t *testing.T) {
	config := HealthCheckConfig{Type: HealthCheckTypeProcess}
	config.SetDefaults()

	assert.Equal(t, 30*time.Second, config.RunOptions.Interval)
	assert.Equal(t, 5*time.Second, config.RunOptions.Timeout)
}
