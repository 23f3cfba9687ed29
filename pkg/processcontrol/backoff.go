package processcontrol

import (
	"sync"
	"time"

	"github.com/qbrc-cnap/mev-procman/pkg/errors"
	"github.com/qbrc-cnap/mev-procman/pkg/logging"
	"github.com/qbrc-cnap/mev-procman/pkg/program"
)

type RestartFunc func() error

// BackoffGateState provides insight into the restart gate status.
type BackoffGateState struct {
	IsOpen          bool           `json:"is_open"`
	RestartAttempts int            `json:"restart_attempts"`
	LastRestartTime time.Time      `json:"last_restart_time"`
	CreationTime    time.Time      `json:"creation_time"`
	LastTrigger     RestartTrigger `json:"last_trigger,omitempty"`
}

// BackoffGate serializes restart attempts: it enforces the retry delay with
// exponential backoff, blocks restarts during the startup grace period, and
// opens permanently once max retries is exceeded until Reset.
type BackoffGate interface {
	GetState() BackoffGateState
	ExecuteRestart(restartFunc RestartFunc, trigger RestartTrigger, reason string) error
	Reset()
}

func NewBackoffGate(config program.BackoffConfig, id string, logger logging.Logger) BackoffGate {
	return &backoffGate{
		config:          config,
		id:              id,
		logger:          logger,
		lastRestartTime: time.Now(),
		creationTime:    time.Now(),
	}
}

type backoffGate struct {
	config program.BackoffConfig
	id     string
	logger logging.Logger

	restartAttempts int
	lastRestartTime time.Time
	creationTime    time.Time
	open            bool
	lastTrigger     RestartTrigger
	mutex           sync.Mutex
}

func (g *backoffGate) ExecuteRestart(restartFunc RestartFunc, trigger RestartTrigger, reason string) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.lastTrigger = trigger

	g.logger.Debugf("Restart request, id: %s, trigger: %s, reason: %s", g.id, trigger, reason)

	if g.open {
		g.logger.Errorf("Restart gate is open, ignoring restart request, id: %s, attempts: %d, trigger: %s",
			g.id, g.restartAttempts, trigger)
		return errors.NewInternalError("restart gate is open", nil).WithContext("id", g.id).WithContext("trigger", string(trigger))
	}

	// Restarts during the startup grace period usually mean a crash loop in
	// the program's own initialization, not a transient failure.
	if trigger != RestartTriggerManual && g.config.StartupGracePeriod > 0 {
		if time.Since(g.creationTime) < g.config.StartupGracePeriod {
			g.logger.Infof("Restart blocked: within startup grace period, id: %s, trigger: %s, remaining: %v",
				g.id, trigger, g.config.StartupGracePeriod-time.Since(g.creationTime))
			return errors.NewValidationError("restart blocked: within startup grace period", nil).WithContext("id", g.id)
		}
	}

	if g.config.MaxRetries > 0 && g.restartAttempts >= g.config.MaxRetries {
		g.logger.Errorf("Max restart retries exceeded, opening restart gate, id: %s, attempts: %d, max: %d, trigger: %s",
			g.id, g.restartAttempts, g.config.MaxRetries, trigger)
		g.open = true
		return errors.NewInternalError("max restart retries exceeded", nil).WithContext("id", g.id).WithContext("trigger", string(trigger))
	}

	// Exponential backoff on the configured retry delay.
	retryDelay := g.config.RetryDelay
	for i := 0; i < g.restartAttempts; i++ {
		retryDelay = time.Duration(float64(retryDelay) * g.config.BackoffRate)
	}

	timeSinceLastRestart := time.Since(g.lastRestartTime)
	if timeSinceLastRestart < retryDelay {
		waitTime := retryDelay - timeSinceLastRestart
		g.logger.Infof("Enforcing retry delay, id: %s, trigger: %s, attempt: %d, waiting: %v",
			g.id, trigger, g.restartAttempts+1, waitTime)

		// Release the lock during the wait to avoid blocking state queries.
		g.mutex.Unlock()
		time.Sleep(waitTime)
		g.mutex.Lock()

		if g.open {
			return errors.NewInternalError("restart gate opened during delay", nil).WithContext("id", g.id)
		}
	}

	g.restartAttempts++
	g.lastRestartTime = time.Now()

	g.logger.Warnf("Proceeding with restart, id: %s, trigger: %s, attempt: %d/%d, reason: %s",
		g.id, trigger, g.restartAttempts, g.config.MaxRetries, reason)

	// Release the lock before the restart itself to prevent deadlock with
	// callbacks that query gate state.
	g.mutex.Unlock()
	defer func() { g.mutex.Lock() }()

	if err := restartFunc(); err != nil {
		g.logger.Errorf("Failed to restart, id: %s, trigger: %s, error: %v", g.id, trigger, err)
		return err
	}

	g.logger.Infof("Restart completed, id: %s, trigger: %s, attempt: %d", g.id, trigger, g.restartAttempts)
	return nil
}

func (g *backoffGate) Reset() {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.restartAttempts > 0 || g.open {
		g.logger.Infof("Resetting restart gate, id: %s, previous attempts: %d", g.id, g.restartAttempts)
		g.restartAttempts = 0
		g.open = false
		g.lastRestartTime = time.Time{}
		g.lastTrigger = ""
	}
}

func (g *backoffGate) GetState() BackoffGateState {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return BackoffGateState{
		IsOpen:          g.open,
		RestartAttempts: g.restartAttempts,
		LastRestartTime: g.lastRestartTime,
		CreationTime:    g.creationTime,
		LastTrigger:     g.lastTrigger,
	}
}
