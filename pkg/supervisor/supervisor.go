package supervisor

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/qbrc-cnap/mev-procman/pkg/errors"
	"github.com/qbrc-cnap/mev-procman/pkg/logging"
	"github.com/qbrc-cnap/mev-procman/pkg/metrics"
	"github.com/qbrc-cnap/mev-procman/pkg/processcontrol"
	"github.com/qbrc-cnap/mev-procman/pkg/processfile"
	"github.com/qbrc-cnap/mev-procman/pkg/program"
)

// SupervisorState represents the daemon lifecycle.
type SupervisorState string

const (
	SupervisorStateIdle     SupervisorState = "idle"
	SupervisorStateStarting SupervisorState = "starting"
	SupervisorStateRunning  SupervisorState = "running"
	SupervisorStateStopping SupervisorState = "stopping"
	SupervisorStateStopped  SupervisorState = "stopped"
)

// ProgramStatus is the externally visible status of a registered program.
type ProgramStatus struct {
	Name        string                            `json:"name"`
	Priority    int                               `json:"priority"`
	Autostart   bool                              `json:"autostart"`
	Autorestart string                            `json:"autorestart"`
	State       processcontrol.ProcessState       `json:"state"`
	Diagnostics processcontrol.ProcessDiagnostics `json:"diagnostics"`
}

type programEntry struct {
	program program.Program
	control processcontrol.ProcessControl
}

// Supervisor is the daemon core: a registry of programs with priority-ordered
// boot and shutdown.
type Supervisor struct {
	options    Options
	logger     logging.Logger
	pidManager *processfile.ProcessFileManager

	mutex    sync.RWMutex
	programs map[string]*programEntry
	state    SupervisorState
}

func NewSupervisor(options Options, logger logging.Logger) *Supervisor {
	pidManager := processfile.NewProcessFileManager(options.ProcessFile, logger)
	return &Supervisor{
		options:    options,
		logger:     logger,
		pidManager: pidManager,
		programs:   make(map[string]*programEntry),
		state:      SupervisorStateIdle,
	}
}

// AddProgram registers a program without starting it.
func (s *Supervisor) AddProgram(prog program.Program) error {
	prog.SetDefaults()
	if err := prog.Validate(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.programs[prog.Name]; exists {
		return errors.NewConflictError(
			fmt.Sprintf("program '%s' is already registered", prog.Name), nil).WithContext("program", prog.Name)
	}

	s.programs[prog.Name] = &programEntry{
		program: prog,
		control: s.newProcessControl(prog),
	}

	s.logger.Infof("Program registered: %s (priority %d)", prog.Name, prog.Priority)
	return nil
}

func (s *Supervisor) newProcessControl(prog program.Program) processcontrol.ProcessControl {
	return processcontrol.NewProcessControl(processcontrol.Options{
		Program:        prog,
		PIDManager:     s.pidManager,
		AttachExisting: s.options.AttachExisting,
		OnExit: func(programName string, kind processcontrol.ExitKind) {
			metrics.ProgramExits.WithLabelValues(programName, string(kind)).Inc()
			s.updateRunningGauge()
		},
		OnRestart: func(programName string, trigger processcontrol.RestartTrigger) {
			metrics.ProgramRestarts.WithLabelValues(programName, string(trigger)).Inc()
		},
		LogTotals: func(programName string, stream string, bytes int) {
			metrics.LogLines.WithLabelValues(programName, stream).Inc()
			metrics.LogBytes.WithLabelValues(programName, stream).Add(float64(bytes))
		},
	}, s.logger)
}

// RemoveProgram unregisters a program. Running programs must be stopped first.
func (s *Supervisor) RemoveProgram(name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry, exists := s.programs[name]
	if !exists {
		return errors.NewNotFoundError(
			fmt.Sprintf("program '%s' is not registered", name), nil).WithContext("program", name)
	}

	switch entry.control.State() {
	case processcontrol.ProcessStateIdle, processcontrol.ProcessStateFailedStart:
	default:
		return errors.NewConflictError(
			fmt.Sprintf("cannot remove program '%s' in state '%s'", name, entry.control.State()),
			nil).WithContext("program", name)
	}

	delete(s.programs, name)
	s.logger.Infof("Program removed: %s", name)
	return nil
}

func (s *Supervisor) StartProgram(ctx context.Context, name string) error {
	entry, err := s.getEntry(name)
	if err != nil {
		return err
	}
	err = entry.control.Start(ctx)
	s.updateRunningGauge()
	return err
}

func (s *Supervisor) StopProgram(ctx context.Context, name string) error {
	entry, err := s.getEntry(name)
	if err != nil {
		return err
	}
	err = entry.control.Stop(ctx)
	s.updateRunningGauge()
	return err
}

func (s *Supervisor) RestartProgram(ctx context.Context, name string, force bool) error {
	entry, err := s.getEntry(name)
	if err != nil {
		return err
	}
	err = entry.control.Restart(ctx, force)
	s.updateRunningGauge()
	return err
}

// ProgramStatus returns the status of a single program.
func (s *Supervisor) ProgramStatus(name string) (ProgramStatus, error) {
	entry, err := s.getEntry(name)
	if err != nil {
		return ProgramStatus{}, err
	}
	return statusOf(entry), nil
}

// ListPrograms returns the status of all programs in startup order.
func (s *Supervisor) ListPrograms() []ProgramStatus {
	s.mutex.RLock()
	entries := make([]*programEntry, 0, len(s.programs))
	for _, entry := range s.programs {
		entries = append(entries, entry)
	}
	s.mutex.RUnlock()

	programs := make([]program.Program, len(entries))
	byName := make(map[string]*programEntry, len(entries))
	for i, entry := range entries {
		programs[i] = entry.program
		byName[entry.program.Name] = entry
	}
	program.SortByPriority(programs)

	statuses := make([]ProgramStatus, 0, len(programs))
	for _, p := range programs {
		statuses = append(statuses, statusOf(byName[p.Name]))
	}
	return statuses
}

func statusOf(entry *programEntry) ProgramStatus {
	return ProgramStatus{
		Name:        entry.program.Name,
		Priority:    entry.program.Priority,
		Autostart:   entry.program.AutostartEnabled(),
		Autorestart: string(entry.program.Autorestart),
		State:       entry.control.State(),
		Diagnostics: entry.control.Diagnostics(),
	}
}

// State returns the daemon lifecycle state.
func (s *Supervisor) State() SupervisorState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state
}

// StartAll starts autostart programs in ascending priority order. Failures are
// logged and do not block later programs.
func (s *Supervisor) StartAll(ctx context.Context) {
	s.setState(SupervisorStateStarting)

	for _, p := range s.sortedPrograms() {
		if !p.AutostartEnabled() {
			s.logger.Debugf("Skipping autostart-disabled program: %s", p.Name)
			continue
		}
		if err := s.StartProgram(ctx, p.Name); err != nil {
			s.logger.Errorf("Failed to start program %s: %v", p.Name, err)
			continue
		}
		s.logger.Infof("Started program: %s", p.Name)
	}

	s.setState(SupervisorStateRunning)
	s.logger.Infof("All autostart programs processed, supervisor is running")
}

// StopAll stops all programs in descending priority order, bounded by the
// force shutdown timeout.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.setState(SupervisorStateStopping)

	timeout := s.options.ForceShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultForceShutdownTimeout
	}
	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sorted := s.sortedPrograms()
	collection := errors.NewErrorCollection()
	for i := len(sorted) - 1; i >= 0; i-- {
		name := sorted[i].Name
		if err := s.StopProgram(stopCtx, name); err != nil {
			s.logger.Errorf("Failed to stop program %s: %v", name, err)
			collection.Add(err)
			continue
		}
		s.logger.Infof("Stopped program: %s", name)
	}

	s.setState(SupervisorStateStopped)
	if collection.HasErrors() {
		s.logger.Warnf("Supervisor stopped with %d errors", len(collection.Errors))
	} else {
		s.logger.Infof("Supervisor stopped")
	}
}

// Reload applies a new program set: new programs are registered and started
// if autostart, removed programs are stopped and dropped, changed programs
// are restarted with their new definition.
func (s *Supervisor) Reload(ctx context.Context, newPrograms []program.Program) error {
	for i := range newPrograms {
		newPrograms[i].SetDefaults()
	}
	if err := program.ValidateAll(newPrograms); err != nil {
		return err
	}

	s.mutex.RLock()
	current := make(map[string]program.Program, len(s.programs))
	for name, entry := range s.programs {
		current[name] = entry.program
	}
	s.mutex.RUnlock()

	incoming := make(map[string]program.Program, len(newPrograms))
	for _, p := range newPrograms {
		incoming[p.Name] = p
	}

	// Removed programs: stop and drop.
	for name := range current {
		if _, keep := incoming[name]; keep {
			continue
		}
		s.logger.Infof("Reload: removing program %s", name)
		if err := s.StopProgram(ctx, name); err != nil {
			s.logger.Warnf("Reload: failed to stop removed program %s: %v", name, err)
		}
		if err := s.RemoveProgram(name); err != nil {
			s.logger.Warnf("Reload: failed to remove program %s: %v", name, err)
		}
	}

	// Added and changed programs, in priority order for predictable starts.
	ordered := make([]program.Program, len(newPrograms))
	copy(ordered, newPrograms)
	program.SortByPriority(ordered)

	for _, p := range ordered {
		existing, exists := current[p.Name]
		if !exists {
			s.logger.Infof("Reload: adding program %s", p.Name)
			if err := s.AddProgram(p); err != nil {
				s.logger.Errorf("Reload: failed to add program %s: %v", p.Name, err)
				continue
			}
			if p.AutostartEnabled() {
				if err := s.StartProgram(ctx, p.Name); err != nil {
					s.logger.Errorf("Reload: failed to start added program %s: %v", p.Name, err)
				}
			}
			continue
		}

		if reflect.DeepEqual(existing, p) {
			continue
		}

		s.logger.Infof("Reload: program %s changed, restarting with new definition", p.Name)
		wasRunning := s.programState(p.Name) == processcontrol.ProcessStateRunning
		if err := s.StopProgram(ctx, p.Name); err != nil {
			s.logger.Warnf("Reload: failed to stop changed program %s: %v", p.Name, err)
		}
		if err := s.RemoveProgram(p.Name); err != nil {
			s.logger.Errorf("Reload: failed to replace program %s: %v", p.Name, err)
			continue
		}
		if err := s.AddProgram(p); err != nil {
			s.logger.Errorf("Reload: failed to re-add program %s: %v", p.Name, err)
			continue
		}
		if wasRunning || p.AutostartEnabled() {
			if err := s.StartProgram(ctx, p.Name); err != nil {
				s.logger.Errorf("Reload: failed to start changed program %s: %v", p.Name, err)
			}
		}
	}

	s.logger.Infof("Reload complete, %d programs registered", len(incoming))
	return nil
}

func (s *Supervisor) getEntry(name string) (*programEntry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	entry, exists := s.programs[name]
	if !exists {
		return nil, errors.NewNotFoundError(
			fmt.Sprintf("program '%s' is not registered", name), nil).WithContext("program", name)
	}
	return entry, nil
}

func (s *Supervisor) programState(name string) processcontrol.ProcessState {
	entry, err := s.getEntry(name)
	if err != nil {
		return processcontrol.ProcessStateIdle
	}
	return entry.control.State()
}

func (s *Supervisor) sortedPrograms() []program.Program {
	s.mutex.RLock()
	programs := make([]program.Program, 0, len(s.programs))
	for _, entry := range s.programs {
		programs = append(programs, entry.program)
	}
	s.mutex.RUnlock()

	program.SortByPriority(programs)
	return programs
}

func (s *Supervisor) setState(state SupervisorState) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.state = state
	s.logger.Debugf("Supervisor state: %s", state)
}

func (s *Supervisor) updateRunningGauge() {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	running := 0
	for _, entry := range s.programs {
		if entry.control.State() == processcontrol.ProcessStateRunning {
			running++
		}
	}
	metrics.ProgramsRunning.Set(float64(running))
}

// WaitUntilStopped blocks until the supervisor reaches the stopped state or
// the context is done. Used by tests and the validate path.
func (s *Supervisor) WaitUntilStopped(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.State() == SupervisorStateStopped {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
