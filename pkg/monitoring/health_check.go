package monitoring

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/qbrc-cnap/mev-procman/pkg/errors"
	"github.com/qbrc-cnap/mev-procman/pkg/logging"
	"github.com/qbrc-cnap/mev-procman/pkg/processstate"
)

type HealthCheckType string

const (
	HealthCheckTypeHTTP    HealthCheckType = "http"
	HealthCheckTypeTCP     HealthCheckType = "tcp"
	HealthCheckTypeExec    HealthCheckType = "exec"
	HealthCheckTypeProcess HealthCheckType = "process"
)

type HTTPHealthCheckConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

type TCPHealthCheckConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type ExecHealthCheckConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

type HealthCheckConfig struct {
	Type HealthCheckType `yaml:"type"`

	HTTP HTTPHealthCheckConfig `yaml:"http,omitempty"`
	TCP  TCPHealthCheckConfig  `yaml:"tcp,omitempty"`
	Exec ExecHealthCheckConfig `yaml:"exec,omitempty"`

	RunOptions HealthCheckRunOptions `yaml:"run_options,omitempty"`
}

type HealthCheckRunOptions struct {
	Interval     time.Duration `yaml:"interval,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	InitialDelay time.Duration `yaml:"initial_delay,omitempty"`
}

// SetDefaults fills unset run options with their defaults.
func (c *HealthCheckConfig) SetDefaults() {
	if c.RunOptions.Interval == 0 {
		c.RunOptions.Interval = 30 * time.Second
	}
	if c.RunOptions.Timeout == 0 {
		c.RunOptions.Timeout = 5 * time.Second
	}
}

type HealthCheckStatus string

const (
	HealthCheckStatusUnknown   HealthCheckStatus = "unknown"
	HealthCheckStatusHealthy   HealthCheckStatus = "healthy"
	HealthCheckStatusDegraded  HealthCheckStatus = "degraded"
	HealthCheckStatusUnhealthy HealthCheckStatus = "unhealthy"
)

type HealthCheckState struct {
	Status               HealthCheckStatus
	LastCheck            time.Time
	Message              string
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
}

// HealthRestartCallback is invoked when consecutive failures warrant a restart.
type HealthRestartCallback func(reason string) error

// HealthRecoveryCallback is invoked when health recovers from an unhealthy state.
type HealthRecoveryCallback func()

type HealthMonitor interface {
	Start(ctx context.Context) error
	Stop()
	State() *HealthCheckState
	SetProcessInfo(pid int)
	SetRestartCallback(callback HealthRestartCallback)
	SetRecoveryCallback(callback HealthRecoveryCallback)
}

type healthMonitor struct {
	config           *HealthCheckConfig
	state            *HealthCheckState
	stopChan         chan struct{}
	wg               sync.WaitGroup
	mutex            sync.Mutex
	logger           logging.Logger
	id               string
	pid              int
	restartCallback  HealthRestartCallback
	recoveryCallback HealthRecoveryCallback
}

func NewHealthMonitor(config *HealthCheckConfig, id string, logger logging.Logger) HealthMonitor {
	return &healthMonitor{
		config:   config,
		state:    &HealthCheckState{Status: HealthCheckStatusUnknown},
		stopChan: make(chan struct{}),
		logger:   logger,
		id:       id,
	}
}

func (h *healthMonitor) Start(ctx context.Context) error {
	h.logger.Infof("Starting health monitor, id: %s, type: %s, interval: %v", h.id, h.config.Type, h.config.RunOptions.Interval)

	if err := h.config.Validate(); err != nil {
		h.logger.Errorf("Health check configuration validation failed, id: %s, error: %v", h.id, err)
		return errors.NewValidationError("invalid health check configuration", err).WithContext("id", h.id)
	}

	h.wg.Add(1)
	go h.loop()
	return nil
}

func (h *healthMonitor) Stop() {
	h.logger.Infof("Stopping health monitor, id: %s", h.id)
	close(h.stopChan)
	h.wg.Wait()
	h.logger.Infof("Health monitor stopped, id: %s", h.id)
}

func (h *healthMonitor) State() *HealthCheckState {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	stateCopy := *h.state
	return &stateCopy
}

func (h *healthMonitor) SetProcessInfo(pid int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.pid = pid
	h.logger.Debugf("Process info updated for health monitor, id: %s, PID: %d", h.id, pid)
}

func (h *healthMonitor) SetRestartCallback(callback HealthRestartCallback) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.restartCallback = callback
}

func (h *healthMonitor) SetRecoveryCallback(callback HealthRecoveryCallback) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.recoveryCallback = callback
}

func (h *healthMonitor) loop() {
	defer h.wg.Done()

	if h.config.Type == "" {
		h.logger.Debugf("Health monitor loop is disabled due to empty type, id: %s", h.id)
		return
	}

	if h.config.RunOptions.InitialDelay > 0 {
		select {
		case <-time.After(h.config.RunOptions.InitialDelay):
		case <-h.stopChan:
			return
		}
	}

	ticker := time.NewTicker(h.config.RunOptions.Interval)
	defer ticker.Stop()

	h.performCheck()

	for {
		select {
		case <-ticker.C:
			h.performCheck()
		case <-h.stopChan:
			h.logger.Debugf("Health monitor loop stopping, id: %s", h.id)
			return
		}
	}
}

func (h *healthMonitor) performCheck() {
	h.mutex.Lock()
	h.state.LastCheck = time.Now()
	h.mutex.Unlock()

	var isHealthy bool
	var message string

	switch h.config.Type {
	case HealthCheckTypeHTTP:
		isHealthy, message = h.checkHTTP()
	case HealthCheckTypeTCP:
		isHealthy, message = h.checkTCP()
	case HealthCheckTypeExec:
		isHealthy, message = h.checkExec()
	case HealthCheckTypeProcess:
		isHealthy, message = h.checkProcess()
	default:
		isHealthy = false
		message = "Unknown health check type: " + string(h.config.Type)
		h.logger.Errorf("Unknown health check type, id: %s, type: %s", h.id, h.config.Type)
	}

	h.updateState(isHealthy, message)
}

func (h *healthMonitor) updateState(isHealthy bool, message string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	previousStatus := h.state.Status

	if isHealthy {
		h.state.ConsecutiveSuccesses++
		h.state.ConsecutiveFailures = 0

		previousWasUnhealthy := previousStatus == HealthCheckStatusDegraded || previousStatus == HealthCheckStatusUnhealthy

		if h.state.Status != HealthCheckStatusHealthy {
			h.state.Status = HealthCheckStatusHealthy
			h.logger.Infof("Health check recovered, id: %s, previous: %s, consecutive_successes: %d",
				h.id, previousStatus, h.state.ConsecutiveSuccesses)

			if previousWasUnhealthy && h.recoveryCallback != nil {
				go h.recoveryCallback() // do not block the check loop
			}
		} else {
			h.logger.Debugf("Health check passed, id: %s, consecutive_successes: %d",
				h.id, h.state.ConsecutiveSuccesses)
		}
	} else {
		h.state.ConsecutiveFailures++
		h.state.ConsecutiveSuccesses = 0

		// First failure degrades; repeated failures are unhealthy.
		var newStatus HealthCheckStatus
		if h.state.ConsecutiveFailures == 1 {
			newStatus = HealthCheckStatusDegraded
		} else {
			newStatus = HealthCheckStatusUnhealthy
		}

		if h.state.Status != newStatus {
			h.state.Status = newStatus
			h.logger.Warnf("Health check status changed, id: %s, status: %s->%s, consecutive_failures: %d, message: %s",
				h.id, previousStatus, newStatus, h.state.ConsecutiveFailures, message)
		} else {
			h.logger.Warnf("Health check failed, id: %s, status: %s, consecutive_failures: %d, message: %s",
				h.id, h.state.Status, h.state.ConsecutiveFailures, message)
		}

		if h.state.Status == HealthCheckStatusUnhealthy && h.restartCallback != nil {
			callback := h.restartCallback
			reason := fmt.Sprintf("health check failure: %s", message)
			go func() {
				if err := callback(reason); err != nil {
					h.logger.Errorf("Failed to trigger restart, id: %s, error: %v", h.id, err)
				}
			}()
		}
	}

	h.state.Message = message
}

func (h *healthMonitor) checkHTTP() (bool, string) {
	client := &http.Client{
		Timeout: h.config.RunOptions.Timeout,
	}

	method := h.config.HTTP.Method
	if method == "" {
		method = "GET"
	}

	req, err := http.NewRequest(method, h.config.HTTP.URL, nil)
	if err != nil {
		return false, fmt.Sprintf("Failed to create HTTP request: %v", err)
	}

	for key, value := range h.config.HTTP.Headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("HTTP request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, fmt.Sprintf("HTTP health check passed: %d %s", resp.StatusCode, resp.Status)
	}

	return false, fmt.Sprintf("HTTP health check failed: %d %s", resp.StatusCode, resp.Status)
}

func (h *healthMonitor) checkTCP() (bool, string) {
	address := fmt.Sprintf("%s:%d", h.config.TCP.Address, h.config.TCP.Port)

	conn, err := net.DialTimeout("tcp", address, h.config.RunOptions.Timeout)
	if err != nil {
		return false, fmt.Sprintf("TCP connection failed: %v", err)
	}
	defer conn.Close()

	return true, fmt.Sprintf("TCP connection successful to %s", address)
}

func (h *healthMonitor) checkExec() (bool, string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.RunOptions.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.config.Exec.Command, h.config.Exec.Args...)
	output, err := cmd.CombinedOutput()

	if ctx.Err() == context.DeadlineExceeded {
		return false, fmt.Sprintf("Exec health check timed out after %v", h.config.RunOptions.Timeout)
	}

	if err != nil {
		return false, fmt.Sprintf("Exec health check failed: %v, output: %s", err, string(output))
	}

	return true, fmt.Sprintf("Exec health check passed, output: %s", string(output))
}

func (h *healthMonitor) checkProcess() (bool, string) {
	h.mutex.Lock()
	pid := h.pid
	h.mutex.Unlock()

	if pid <= 0 {
		return false, "Process health check: no PID available"
	}

	running, err := processstate.IsProcessRunning(pid)
	if err != nil {
		return false, fmt.Sprintf("Process check failed for PID %d: %v", pid, err)
	}
	if !running {
		return false, fmt.Sprintf("Process not running: PID %d", pid)
	}

	return true, fmt.Sprintf("Process is running: PID %d", pid)
}
