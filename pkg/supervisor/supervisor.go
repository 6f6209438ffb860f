package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/bothive/bothive/pkg/broadcast"
	"github.com/bothive/bothive/pkg/deploy"
	"github.com/bothive/bothive/pkg/env"
	"github.com/bothive/bothive/pkg/errors"
	"github.com/bothive/bothive/pkg/logging"
	"github.com/bothive/bothive/pkg/process"
	"github.com/bothive/bothive/pkg/registry"
)

// Options configures the supervisor.
type Options struct {
	// RuntimeCommand launches a unit's entrypoint, e.g. "node".
	RuntimeCommand string

	// InstallCommand is run in a unit's working directory to install its
	// dependencies, e.g. ["npm", "install"].
	InstallCommand []string

	// QuiescenceDelay is the pause between an observed termination and
	// the re-launch during restart, letting OS resources such as bound
	// ports release.
	QuiescenceDelay time.Duration
}

// UnitStatus is one entry of the unit listing.
type UnitStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

const (
	StatusRunning = "Running"
	StatusStopped = "Stopped"
)

// runningInstance exists only while a unit's process is alive. It is owned
// exclusively by the supervisor and keyed by unit name; at most one per
// unit.
type runningInstance struct {
	process        *os.Process
	restartPending bool
	done           chan struct{}
}

// Supervisor tracks one long-lived child process per registered unit and
// drives its lifecycle. All mutations of the running table happen under one
// mutex; process spawning and termination run outside it.
type Supervisor struct {
	options  Options
	store    *registry.Store
	pipeline *deploy.Pipeline
	hub      *broadcast.Hub
	logger   logging.Logger

	mutex   sync.Mutex
	running map[string]*runningInstance

	// busy marks units whose working directory is being mutated (install,
	// delete, redeploy). Checked together with the running table so a
	// start cannot spawn into a directory mid-mutation and two mutations
	// cannot overlap.
	busy map[string]bool
}

// NewSupervisor creates a supervisor over the given registry, deployment
// pipeline and broadcast hub.
func NewSupervisor(options Options, store *registry.Store, pipeline *deploy.Pipeline, hub *broadcast.Hub, logger logging.Logger) *Supervisor {
	if options.QuiescenceDelay <= 0 {
		options.QuiescenceDelay = 1 * time.Second
	}
	return &Supervisor{
		options:  options,
		store:    store,
		pipeline: pipeline,
		hub:      hub,
		logger:   logger,
		running:  make(map[string]*runningInstance),
		busy:     make(map[string]bool),
	}
}

// List returns every registered unit with its current status. A unit is
// Running if and only if it has a live instance.
func (s *Supervisor) List() []UnitStatus {
	names := s.store.List()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	statuses := make([]UnitStatus, 0, len(names))
	for _, name := range names {
		status := StatusStopped
		if _, ok := s.running[name]; ok {
			status = StatusRunning
		}
		statuses = append(statuses, UnitStatus{Name: name, Status: status})
	}
	return statuses
}

// IsRunning reports whether a unit currently has a live instance.
func (s *Supervisor) IsRunning(name string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, ok := s.running[name]
	return ok
}

// Start spawns the unit's process. Fails with a conflict if the unit is
// already running, and with a resolution failure if no entrypoint can be
// resolved.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	if err := ctx.Err(); err != nil {
		return errors.NewCancelledError("unit start was cancelled", err).WithContext("unit", name)
	}

	rec, exists := s.store.Get(name)
	if !exists {
		return errors.NewNotFoundError("unit not found", nil).WithContext("unit", name)
	}

	workDir := s.pipeline.WorkingDirectory(name)
	if _, err := os.Stat(workDir); err != nil {
		return errors.NewNotFoundError("unit has no working directory", err).WithContext("unit", name)
	}

	entrypoint, ok := deploy.ResolveEntrypoint(workDir)
	if !ok {
		return errors.NewResolutionError("entrypoint not found", nil).WithContext("unit", name)
	}

	// Reserve the unit's slot before spawning so concurrent starts cannot
	// both pass the running check.
	instance := &runningInstance{done: make(chan struct{})}
	if err := s.reserve(name, instance); err != nil {
		return err
	}

	s.logger.Infof("Starting unit, name: %s, entrypoint: %s", name, entrypoint)

	// The child must outlive the caller's context (a request context is
	// cancelled as soon as the response is written), so the spawn is
	// detached; ctx only gates getting this far.
	handle, err := process.Execute(context.Background(), process.ExecutionConfig{
		Command:          []string{s.options.RuntimeCommand, entrypoint},
		Environment:      env.Resolve(os.Environ(), rec.Env),
		WorkingDirectory: workDir,
	}, name, s.logger)
	if err != nil {
		s.release(name)
		close(instance.done)
		return errors.NewProcessError("failed to start unit", err).WithContext("unit", name)
	}

	s.mutex.Lock()
	instance.process = handle.Process
	s.mutex.Unlock()

	s.forwardStream(name, handle.Stdout, false)
	s.forwardStream(name, handle.Stderr, true)
	go s.watchExit(name, instance)

	s.hub.Publish(name, "starting", false)
	s.hub.PublishRegistryChanged()

	s.logger.Infof("Unit started, name: %s, PID: %d", name, handle.Process.Pid)
	return nil
}

// Stop requests termination of the unit's process and returns without
// waiting; the exit watcher performs cleanup once the process is gone.
// There is no forced-kill escalation: a process that ignores the signal
// stays in Running until it exits.
func (s *Supervisor) Stop(name string) error {
	s.mutex.Lock()
	instance, ok := s.running[name]
	if ok && instance.process == nil {
		// Slot reserved but the process is not spawned yet.
		ok = false
	}
	s.mutex.Unlock()

	if !ok {
		return errors.NewConflictError("unit is not running", nil).WithContext("unit", name)
	}

	s.logger.Infof("Stopping unit, name: %s, PID: %d", name, instance.process.Pid)
	s.hub.Publish(name, "stopping", false)

	if err := process.SendTerminationSignal(instance.process.Pid); err != nil {
		return errors.NewProcessError("failed to send termination signal", err).WithContext("unit", name).WithContext("pid", instance.process.Pid)
	}
	return nil
}

// Restart stops the unit and starts it again after the quiescence delay.
// The start-on-exit intent is registered once per instance: repeated
// restart calls before the process actually exits do not stack watchers or
// spawn extra instances. A unit that is not running is simply started.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	s.mutex.Lock()
	instance, ok := s.running[name]
	if ok && instance.process == nil {
		s.mutex.Unlock()
		return errors.NewConflictError("unit is still starting", nil).WithContext("unit", name)
	}
	if ok {
		alreadyPending := instance.restartPending
		instance.restartPending = true
		s.mutex.Unlock()

		if alreadyPending {
			s.logger.Debugf("Restart already pending, name: %s", name)
			return nil
		}
		if err := s.Stop(name); err != nil {
			// The process exited on its own between registering the
			// intent and the stop; the exit watcher read the intent and
			// performs the restart, so the request has succeeded.
			if errors.IsConflictError(err) {
				s.logger.Debugf("Unit exited before stop, restart proceeds, name: %s", name)
				return nil
			}
			return err
		}
		return nil
	}
	s.mutex.Unlock()

	return s.Start(ctx, name)
}

// Install runs the dependency installation command in the unit's working
// directory. Rejected while the unit is running or while another mutation
// of its working directory is in flight.
func (s *Supervisor) Install(ctx context.Context, name string) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}
	if err := ctx.Err(); err != nil {
		return errors.NewCancelledError("install was cancelled", err).WithContext("unit", name)
	}

	rec, exists := s.store.Get(name)
	if !exists {
		return errors.NewNotFoundError("unit not found", nil).WithContext("unit", name)
	}

	workDir := s.pipeline.WorkingDirectory(name)
	if !deploy.HasManifest(workDir) {
		return errors.NewResolutionError("unit has no dependency manifest", nil).WithContext("unit", name)
	}

	if err := s.markBusy(name); err != nil {
		return err
	}

	s.logger.Infof("Installing dependencies, name: %s, command: %v", name, s.options.InstallCommand)

	// Detached for the same reason as Start: the install continues after
	// the triggering request completes.
	handle, err := process.Execute(context.Background(), process.ExecutionConfig{
		Command:          s.options.InstallCommand,
		Environment:      env.Resolve(os.Environ(), rec.Env),
		WorkingDirectory: workDir,
	}, name+":install", s.logger)
	if err != nil {
		s.clearBusy(name)
		return errors.NewProcessError("failed to start install", err).WithContext("unit", name)
	}

	s.hub.Publish(name, "installing dependencies", false)
	s.forwardStream(name, handle.Stdout, false)
	s.forwardStream(name, handle.Stderr, true)

	go func() {
		code := waitExitCode(handle.Process)
		s.clearBusy(name)
		s.hub.Publish(name, fmt.Sprintf("install finished with code %d", code), code != 0)
		s.logger.Infof("Install finished, name: %s, code: %d", name, code)
	}()

	return nil
}

// Delete removes the unit's working directory and registry record.
// Irreversible; rejected while the unit is running or busy. The unit stays
// marked busy until the removal finishes so a concurrent start cannot
// reserve the slot mid-removal.
func (s *Supervisor) Delete(name string) error {
	if _, exists := s.store.Get(name); !exists {
		return errors.NewNotFoundError("unit not found", nil).WithContext("unit", name)
	}

	if err := s.markBusy(name); err != nil {
		return err
	}
	defer s.clearBusy(name)

	s.logger.Infof("Deleting unit, name: %s", name)

	if err := os.RemoveAll(s.pipeline.WorkingDirectory(name)); err != nil {
		return errors.NewIOError("failed to remove working directory", err).WithContext("unit", name)
	}
	if err := s.store.Remove(name); err != nil {
		return err
	}

	s.hub.PublishRegistryChanged()
	return nil
}

// Deploy extracts an uploaded archive into a fresh working directory and
// registers the unit. A running unit of the same name is stopped first
// (upgrade in place). The unit is marked busy for the whole replacement so
// no start, install or delete can touch the directory mid-extraction, and
// a deploy during an in-flight install is rejected rather than pulling the
// directory out from under the install process.
func (s *Supervisor) Deploy(archive []byte, declaredName string) (string, error) {
	name, err := deploy.UnitName(declaredName)
	if err != nil {
		return "", err
	}

	s.mutex.Lock()
	if s.busy[name] {
		s.mutex.Unlock()
		return "", errors.NewConflictError("unit is busy", nil).WithContext("unit", name)
	}
	s.busy[name] = true
	instance, isRunning := s.running[name]
	if isRunning {
		// The old contents are about to be replaced; a leftover restart
		// intent must not revive them.
		instance.restartPending = false
	}
	s.mutex.Unlock()
	defer s.clearBusy(name)

	if isRunning {
		// A conflict here means the process exited on its own after the
		// check above; the exit watcher closes done either way.
		if err := s.Stop(name); err != nil && !errors.IsConflictError(err) {
			return "", err
		}
		select {
		case <-instance.done:
		case <-time.After(stopOnDeployTimeout):
			return "", errors.NewProcessError("unit did not stop in time for redeploy", nil).WithContext("unit", name)
		}
	}

	deployed, err := s.pipeline.Deploy(archive, declaredName)
	if err != nil {
		return "", err
	}

	s.hub.PublishRegistryChanged()
	return deployed, nil
}

// StopAll requests termination of every running unit, for supervisor
// shutdown.
func (s *Supervisor) StopAll() error {
	s.mutex.Lock()
	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	s.mutex.Unlock()

	errorCollection := errors.NewErrorCollection()
	for _, name := range names {
		if err := s.Stop(name); err != nil && !errors.IsConflictError(err) {
			errorCollection.Add(err)
		}
	}
	return errorCollection.ToError()
}

// reserve claims the unit's running slot, failing on conflict with a live
// instance or an in-flight working-directory mutation.
func (s *Supervisor) reserve(name string, instance *runningInstance) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.running[name]; ok {
		return errors.NewConflictError("unit already running", nil).WithContext("unit", name)
	}
	if s.busy[name] {
		return errors.NewConflictError("unit is busy", nil).WithContext("unit", name)
	}
	s.running[name] = instance
	return nil
}

func (s *Supervisor) release(name string) {
	s.mutex.Lock()
	delete(s.running, name)
	s.mutex.Unlock()
}

// markBusy claims the unit's mutation slot, failing on conflict with a
// live instance or another mutation.
func (s *Supervisor) markBusy(name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.running[name]; ok {
		return errors.NewConflictError("unit is running", nil).WithContext("unit", name)
	}
	if s.busy[name] {
		return errors.NewConflictError("unit is busy", nil).WithContext("unit", name)
	}
	s.busy[name] = true
	return nil
}

func (s *Supervisor) clearBusy(name string) {
	s.mutex.Lock()
	delete(s.busy, name)
	s.mutex.Unlock()
}

const stopOnDeployTimeout = 10 * time.Second

// watchExit is the single exit observer for one instance. It removes the
// instance exactly once, reports the exit, and performs the one-shot
// restart intent if one was registered.
func (s *Supervisor) watchExit(name string, instance *runningInstance) {
	code := waitExitCode(instance.process)

	s.mutex.Lock()
	restart := instance.restartPending
	delete(s.running, name)
	s.mutex.Unlock()
	close(instance.done)

	s.logger.Infof("Unit exited, name: %s, code: %d, restart pending: %t", name, code, restart)

	s.hub.Publish(name, fmt.Sprintf("stopped with code %d", code), code != 0)
	s.hub.PublishRegistryChanged()

	if restart {
		time.Sleep(s.options.QuiescenceDelay)
		if err := s.Start(context.Background(), name); err != nil {
			s.logger.Errorf("Failed to restart unit, name: %s, error: %v", name, err)
			s.hub.Publish(name, "restart failed: "+err.Error(), true)
		}
	}
}

// forwardStream pumps one output stream to the broadcaster line by line.
func (s *Supervisor) forwardStream(name string, stream io.Reader, isError bool) {
	go func() {
		scanner := bufio.NewScanner(stream)
		for scanner.Scan() {
			s.hub.Publish(name, scanner.Text(), isError)
		}
		if err := scanner.Err(); err != nil {
			s.logger.Debugf("Stream closed, name: %s, error: %v", name, err)
		}
	}()
}

// waitExitCode waits for a process and maps every exit cause to a code.
func waitExitCode(proc *os.Process) int {
	state, err := proc.Wait()
	if err != nil {
		return -1
	}
	return state.ExitCode()
}
