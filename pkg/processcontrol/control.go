package processcontrol

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/qbrc-cnap/mev-procman/pkg/errors"
	"github.com/qbrc-cnap/mev-procman/pkg/logfiles"
	"github.com/qbrc-cnap/mev-procman/pkg/logging"
	"github.com/qbrc-cnap/mev-procman/pkg/monitoring"
	"github.com/qbrc-cnap/mev-procman/pkg/process"
	"github.com/qbrc-cnap/mev-procman/pkg/processfile"
	"github.com/qbrc-cnap/mev-procman/pkg/processstate"
	"github.com/qbrc-cnap/mev-procman/pkg/program"
)

// ProcessControl manages the lifecycle of a single supervised program.
type ProcessControl interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context, force bool) error
	State() ProcessState
	Diagnostics() ProcessDiagnostics
}

// Options provides configuration for ProcessControl instances.
type Options struct {
	Program program.Program

	// PID file and log path management. Required.
	PIDManager *processfile.ProcessFileManager

	// Attempt to re-adopt a still-running process via its PID file before
	// spawning a new one (daemon restart scenario).
	AttachExisting bool

	// Observability hooks, all optional.
	OnExit    func(programName string, kind ExitKind)
	OnRestart func(programName string, trigger RestartTrigger)
	LogTotals logfiles.TotalsCallback
}

type exitResult struct {
	code int
	err  error
}

type processControl struct {
	options Options
	logger  logging.Logger

	proc              *os.Process
	processDoneSignal chan exitResult
	attached          bool
	startTime         *time.Time

	collector     *logfiles.Collector
	healthMonitor monitoring.HealthMonitor
	gate          BackoffGate

	state        ProcessState
	lastExitCode *int
	lastError    string

	mutex sync.RWMutex
}

func NewProcessControl(options Options, logger logging.Logger) ProcessControl {
	return &processControl{
		options: options,
		logger:  logger,
		gate:    NewBackoffGate(options.Program.Backoff, options.Program.Name, logger),
		state:   ProcessStateIdle,
	}
}

func (pc *processControl) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	// A manual start is a fresh beginning for the restart budget.
	pc.gate.Reset()

	return pc.startInternal(ctx)
}

func (pc *processControl) Stop(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	return pc.stopInternal(ctx)
}

func (pc *processControl) Restart(ctx context.Context, force bool) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	pc.logger.Infof("Restart requested, program: %s, force: %t", pc.options.Program.Name, force)

	if pc.options.OnRestart != nil {
		pc.options.OnRestart(pc.options.Program.Name, RestartTriggerManual)
	}

	if force {
		pc.logger.Infof("Force restart: bypassing restart gate, program: %s", pc.options.Program.Name)
		if err := pc.restartInternal(ctx); err != nil {
			return err
		}
		pc.gate.Reset()
		return nil
	}

	err := pc.gate.ExecuteRestart(func() error {
		return pc.restartInternal(ctx)
	}, RestartTriggerManual, "manual restart request")
	if err != nil {
		return err
	}
	pc.gate.Reset()
	return nil
}

func (pc *processControl) State() ProcessState {
	pc.mutex.RLock()
	defer pc.mutex.RUnlock()
	return pc.state
}

func (pc *processControl) Diagnostics() ProcessDiagnostics {
	pc.mutex.RLock()
	defer pc.mutex.RUnlock()

	diagnostics := ProcessDiagnostics{
		State:           pc.state,
		RestartAttempts: pc.gate.GetState().RestartAttempts,
		LastExitCode:    pc.lastExitCode,
		LastError:       pc.lastError,
		StartTime:       pc.startTime,
	}
	if pc.proc != nil {
		diagnostics.ProcessID = pc.proc.Pid
	}
	if pc.healthMonitor != nil {
		status := pc.healthMonitor.State().Status
		diagnostics.Health = &status
	}
	return diagnostics
}

func (pc *processControl) startInternal(ctx context.Context) error {
	prog := pc.options.Program

	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	if !canStartFromState(pc.state) {
		return errors.NewConflictError(
			fmt.Sprintf("cannot start program '%s' in state '%s'", prog.Name, pc.state),
			nil).WithContext("program", prog.Name).WithContext("current_state", string(pc.state))
	}

	pc.state = ProcessStateStarting
	pc.logger.Infof("Starting program '%s'", prog.Name)

	proc, attached, stdout, stderr, err := pc.spawnOrAttach(ctx)
	if err != nil {
		pc.state = ProcessStateFailedStart
		pc.lastError = err.Error()
		pc.logger.Errorf("Failed to start program '%s': %v", prog.Name, err)
		return err
	}

	if err := pc.options.PIDManager.WritePIDFile(prog.Name, proc.Pid); err != nil {
		// Supervision works without the PID file, attach after a daemon
		// restart will not.
		pc.logger.Warnf("Failed to write PID file, program: %s, error: %v", prog.Name, err)
	}

	var collector *logfiles.Collector
	if !attached {
		stdoutPath := ""
		if prog.StdoutLogfile != "" {
			stdoutPath = pc.options.PIDManager.GenerateProgramLogFilePath(prog.StdoutLogfile, prog.Name)
		}
		stderrPath := ""
		if prog.StderrLogfile != "" {
			stderrPath = pc.options.PIDManager.GenerateProgramLogFilePath(prog.StderrLogfile, prog.Name)
		}
		collector = logfiles.NewCollector(prog.Name, stdoutPath, stderrPath, prog.LogfileMaxBytes, prog.LogfileBackups, pc.logger)
		if pc.options.LogTotals != nil {
			collector.SetTotalsCallback(pc.options.LogTotals)
		}
		collector.Collect(stdout, stderr)
	}

	healthMonitor := pc.startHealthMonitor(ctx, proc.Pid)

	doneSignal := make(chan exitResult, 1)

	pc.proc = proc
	pc.attached = attached
	pc.processDoneSignal = doneSignal
	pc.collector = collector
	pc.healthMonitor = healthMonitor
	now := time.Now()
	pc.startTime = &now
	pc.lastError = ""
	pc.state = ProcessStateRunning

	go pc.watchProcess(proc, attached, doneSignal)

	pc.logger.Infof("Program '%s' started, PID: %d, attached: %t", prog.Name, proc.Pid, attached)
	return nil
}

// spawnOrAttach tries PID file attach first when enabled, then falls back to
// spawning a fresh process. Stale PID files are removed on the way.
func (pc *processControl) spawnOrAttach(ctx context.Context) (*os.Process, bool, io.ReadCloser, io.ReadCloser, error) {
	prog := pc.options.Program

	if pc.options.AttachExisting {
		pidFile := pc.options.PIDManager.GeneratePIDFilePath(prog.Name)
		if _, err := os.Stat(pidFile); err == nil {
			attach := process.NewAttachCmd(pidFile, prog.Name, pc.logger)
			proc, err := attach(ctx)
			if err == nil {
				pc.logger.Infof("Attached to existing process, program: %s, PID: %d", prog.Name, proc.Pid)
				return proc, true, nil, nil, nil
			}
			pc.logger.Warnf("Failed to attach to existing process, program: %s, error: %v", prog.Name, err)
			if errors.IsProcessError(err) {
				if removeErr := pc.options.PIDManager.RemovePIDFile(prog.Name); removeErr != nil {
					pc.logger.Warnf("Failed to remove stale PID file, program: %s, error: %v", prog.Name, removeErr)
				}
			}
		}
	}

	execute := process.NewExecuteCmd(prog, prog.Name, pc.logger)
	proc, stdout, stderr, err := execute(ctx)
	if err != nil {
		return nil, false, nil, nil, err
	}
	return proc, false, stdout, stderr, nil
}

func (pc *processControl) startHealthMonitor(ctx context.Context, pid int) monitoring.HealthMonitor {
	prog := pc.options.Program
	if prog.HealthCheck == nil || prog.HealthCheck.Type == "" {
		return nil
	}

	healthMonitor := monitoring.NewHealthMonitor(prog.HealthCheck, prog.Name, pc.logger)
	healthMonitor.SetProcessInfo(pid)

	if prog.Autorestart != program.RestartNever {
		healthMonitor.SetRestartCallback(func(reason string) error {
			pc.logger.Warnf("Health restart requested, program: %s, reason: %s", prog.Name, reason)
			if pc.options.OnRestart != nil {
				pc.options.OnRestart(prog.Name, RestartTriggerHealthFailure)
			}
			return pc.gate.ExecuteRestart(func() error {
				return pc.restartInternal(context.Background())
			}, RestartTriggerHealthFailure, reason)
		})
		healthMonitor.SetRecoveryCallback(func() {
			pc.logger.Infof("Health recovered, resetting restart gate, program: %s", prog.Name)
			pc.gate.Reset()
		})
	}

	if err := healthMonitor.Start(ctx); err != nil {
		pc.logger.Warnf("Failed to start health monitor, program: %s, error: %v", prog.Name, err)
		return nil
	}
	return healthMonitor
}

// watchProcess waits for the process to exit. Spawned children are reaped via
// Wait, attached processes are polled for liveness.
func (pc *processControl) watchProcess(proc *os.Process, attached bool, doneSignal chan exitResult) {
	var result exitResult

	if attached {
		ticker := time.NewTicker(time.Second)
		for range ticker.C {
			running, _ := processstate.IsProcessRunning(proc.Pid)
			if !running {
				break
			}
		}
		ticker.Stop()
		result = exitResult{code: -1} // exit code unknown for adopted processes
	} else {
		state, err := proc.Wait()
		if err != nil {
			result = exitResult{code: -1, err: err}
		} else {
			result = exitResult{code: state.ExitCode()}
		}
	}

	doneSignal <- result
	pc.handleProcessExit(proc.Pid, result, doneSignal)
}

// handleProcessExit applies the autorestart policy after an exit that was not
// requested through Stop.
func (pc *processControl) handleProcessExit(pid int, result exitResult, doneSignal chan exitResult) {
	prog := pc.options.Program

	pc.mutex.Lock()

	// A stop or termination in flight owns this exit; it consumes the done
	// signal and performs cleanup itself.
	if pc.processDoneSignal != doneSignal {
		pc.mutex.Unlock()
		return
	}

	collector := pc.collector
	healthMonitor := pc.healthMonitor

	code := result.code
	pc.lastExitCode = &code
	if result.err != nil {
		pc.lastError = result.err.Error()
	}
	pc.proc = nil
	pc.processDoneSignal = nil
	pc.collector = nil
	pc.healthMonitor = nil
	pc.state = ProcessStateIdle
	pc.mutex.Unlock()

	if healthMonitor != nil {
		healthMonitor.Stop()
	}
	if collector != nil {
		collector.Wait()
	}
	if err := pc.options.PIDManager.RemovePIDFile(prog.Name); err != nil {
		pc.logger.Warnf("Failed to remove PID file, program: %s, error: %v", prog.Name, err)
	}

	expected := result.err == nil && prog.IsExpectedExitCode(result.code)
	kind := ExitKindUnexpected
	if expected {
		kind = ExitKindExpected
	}

	pc.logger.Infof("Program '%s' exited, PID: %d, exit code: %d, expected: %t", prog.Name, pid, result.code, expected)

	if pc.options.OnExit != nil {
		pc.options.OnExit(prog.Name, kind)
	}

	shouldRestart := false
	switch prog.Autorestart {
	case program.RestartAlways, program.RestartUnlessStopped:
		// Stop requests never reach this path, so unless-stopped behaves
		// like always here.
		shouldRestart = true
	case program.RestartOnFailure:
		shouldRestart = !expected
	case program.RestartNever:
		shouldRestart = false
	}

	if !shouldRestart {
		return
	}

	if pc.options.OnRestart != nil {
		pc.options.OnRestart(prog.Name, RestartTriggerExit)
	}

	reason := fmt.Sprintf("process exited with code %d", result.code)
	if err := pc.gate.ExecuteRestart(func() error {
		return pc.startInternal(context.Background())
	}, RestartTriggerExit, reason); err != nil {
		pc.logger.Errorf("Automatic restart failed, program: %s, error: %v", prog.Name, err)
	}
}

func (pc *processControl) restartInternal(ctx context.Context) error {
	prog := pc.options.Program
	pc.logger.Infof("Restarting program '%s'", prog.Name)

	if err := pc.stopInternal(ctx); err != nil {
		return fmt.Errorf("failed to stop program during restart: %w", err)
	}
	if err := pc.startInternal(ctx); err != nil {
		return fmt.Errorf("failed to start program during restart: %w", err)
	}

	pc.logger.Infof("Program '%s' restarted successfully", prog.Name)
	return nil
}

// stopPlan holds data extracted under lock for the stop operation.
type stopPlan struct {
	proc          *os.Process
	doneSignal    chan exitResult
	collector     *logfiles.Collector
	healthMonitor monitoring.HealthMonitor
	shouldProceed bool
	errorToReturn error
}

func (pc *processControl) stopInternal(ctx context.Context) error {
	prog := pc.options.Program

	// Phase 1: state validation and planning under lock.
	plan := pc.validateAndPlanStop()
	if !plan.shouldProceed {
		return plan.errorToReturn
	}

	// Phase 2: termination outside the lock.
	var terminationError error
	if plan.proc != nil {
		if err := pc.terminateProcess(ctx, plan.proc, plan.doneSignal); err != nil {
			terminationError = err
		}
	}

	// Phase 3: resource teardown outside the lock, then final transition.
	if plan.healthMonitor != nil {
		plan.healthMonitor.Stop()
	}
	if plan.collector != nil {
		plan.collector.Wait()
	}
	if err := pc.options.PIDManager.RemovePIDFile(prog.Name); err != nil {
		pc.logger.Warnf("Failed to remove PID file, program: %s, error: %v", prog.Name, err)
	}

	pc.finalizeStop()

	if pc.options.OnExit != nil && plan.proc != nil {
		pc.options.OnExit(prog.Name, ExitKindStopped)
	}

	if terminationError != nil {
		return terminationError
	}

	pc.logger.Infof("Program '%s' stopped", prog.Name)
	return nil
}

func (pc *processControl) validateAndPlanStop() *stopPlan {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	plan := &stopPlan{}

	if !canStopFromState(pc.state) {
		plan.errorToReturn = errors.NewConflictError(
			fmt.Sprintf("cannot stop program '%s' in state '%s'", pc.options.Program.Name, pc.state),
			nil).WithContext("program", pc.options.Program.Name).WithContext("current_state", string(pc.state))
		return plan
	}

	// Fast path: nothing running.
	if pc.state == ProcessStateIdle || pc.state == ProcessStateFailedStart {
		pc.state = ProcessStateIdle
		return plan
	}

	pc.state = ProcessStateStopping

	plan.proc = pc.proc
	plan.doneSignal = pc.processDoneSignal
	plan.collector = pc.collector
	plan.healthMonitor = pc.healthMonitor
	plan.shouldProceed = true

	pc.proc = nil
	pc.processDoneSignal = nil
	pc.collector = nil
	pc.healthMonitor = nil

	return plan
}

func (pc *processControl) finalizeStop() {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()
	pc.state = ProcessStateIdle
	pc.startTime = nil
}

// terminateProcess sends the configured stop signal, waits out the graceful
// window and escalates to a kill.
func (pc *processControl) terminateProcess(ctx context.Context, proc *os.Process, doneSignal chan exitResult) error {
	prog := pc.options.Program
	pid := proc.Pid

	stopSignal, err := program.LookupStopSignal(prog.StopSignal)
	if err != nil {
		// Validated config cannot reach this, but never skip termination.
		pc.logger.Errorf("Unknown stop signal '%s', program: %s, falling back to kill", prog.StopSignal, prog.Name)
		stopSignal = os.Kill
	}

	stopTimeout := prog.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = program.DefaultStopTimeout
	}

	pc.logger.Infof("Sending stop signal %v to PID %d, program: %s, timeout: %v", stopSignal, pid, prog.Name, stopTimeout)

	if err := process.SendSignal(pid, stopSignal); err != nil {
		// Attached processes may not lead their own group, signal the PID
		// directly before escalating.
		pc.logger.Warnf("Failed to signal process group of PID %d: %v", pid, err)
		if err := proc.Signal(stopSignal); err != nil {
			pc.logger.Warnf("Failed to signal PID %d directly: %v", pid, err)
		}
	}

	select {
	case result := <-doneSignal:
		if result.err != nil {
			return errors.NewProcessError("process termination failed", result.err).WithContext("pid", pid)
		}
		pc.logger.Infof("Process PID %d terminated gracefully", pid)
		return nil
	case <-time.After(stopTimeout):
		pc.logger.Warnf("Process PID %d did not terminate within %v, forcing termination", pid, stopTimeout)
	case <-ctx.Done():
		pc.logger.Warnf("Context cancelled during graceful termination of PID %d, forcing termination", pid)
	}

	pc.mutexSetTerminating()

	if err := process.Kill(pid); err != nil {
		pc.logger.Warnf("Failed to kill process group of PID %d: %v", pid, err)
		if err := proc.Kill(); err != nil {
			return errors.NewProcessError("failed to kill process", err).WithContext("pid", pid)
		}
	}

	select {
	case result := <-doneSignal:
		if result.err != nil {
			return errors.NewProcessError("forced termination failed", result.err).WithContext("pid", pid)
		}
		pc.logger.Infof("Process PID %d force terminated", pid)
		return nil
	case <-time.After(5 * time.Second):
		return errors.NewTimeoutError("process did not terminate even after force termination", nil).WithContext("pid", pid)
	case <-ctx.Done():
		return errors.NewCancelledError("termination cancelled", ctx.Err()).WithContext("pid", pid)
	}
}

func (pc *processControl) mutexSetTerminating() {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()
	pc.state = ProcessStateTerminating
}
