package miner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mmmagent/clock"
	"mmmagent/logger"
)

// DefaultRestartDelay is the pause before relaunching a miner that exited.
const DefaultRestartDelay = 30 * time.Second

// errReplaced stops the current process when a new operation is applied.
var errReplaced = errors.New("operation replaced")

// Options configures a Supervisor.
type Options struct {
	Launcher     Launcher     // defaults to ExecLauncher
	Devices      DeviceLookup // receives parsed hash rates; may be nil
	Clock        clock.Clock
	RestartDelay time.Duration
	LogOutput    bool // echo miner output at debug level
	Logger       *slog.Logger
}

// Supervisor keeps exactly one miner process running for the most recently
// applied operation. Apply may be called from any goroutine; Run owns the
// process.
type Supervisor struct {
	launcher     Launcher
	devices      DeviceLookup
	clock        clock.Clock
	restartDelay time.Duration
	logOutput    bool
	logger       *slog.Logger

	mu       sync.Mutex
	current  *Operation
	launches int
	updates  chan struct{}
}

// NewSupervisor creates an idle Supervisor.
func NewSupervisor(opts Options) *Supervisor {
	s := &Supervisor{
		launcher:     opts.Launcher,
		devices:      opts.Devices,
		clock:        opts.Clock,
		restartDelay: opts.RestartDelay,
		logOutput:    opts.LogOutput,
		logger:       opts.Logger,
		updates:      make(chan struct{}, 1),
	}
	if s.launcher == nil {
		s.launcher = ExecLauncher{}
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.restartDelay <= 0 {
		s.restartDelay = DefaultRestartDelay
	}
	if s.logger == nil {
		s.logger = logger.Discard()
	}
	return s
}

// Apply switches the miner to the operation described by raw. Applying the
// same payload again leaves the running miner untouched.
func (s *Supervisor) Apply(_ context.Context, raw json.RawMessage) error {
	op, err := DecodeOperation(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.current != nil && s.current.Same(op) {
		s.mu.Unlock()
		s.logger.Debug("mining operation unchanged", "operation", op.String())
		return nil
	}
	s.current = &op
	s.mu.Unlock()

	s.logger.Info("switching mining operation",
		"miner", op.Miner,
		"algorithm", op.Algorithm,
		"pool", op.Pool)

	select {
	case s.updates <- struct{}{}:
	default:
	}
	return nil
}

// Active returns the operation currently applied, or nil.
func (s *Supervisor) Active() *Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	op := *s.current
	return &op
}

// Launches returns how many miner processes have been started.
func (s *Supervisor) Launches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launches
}

// Run supervises the miner until ctx is cancelled. It waits idle until an
// operation is applied, restarts the miner after RestartDelay when it exits,
// and replaces it immediately when a different operation is applied.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		op := s.Active()
		if op == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-s.updates:
				continue
			}
		}

		err := s.runOnce(ctx, *op)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errReplaced):
			continue
		case err != nil:
			s.logger.Warn("miner stopped", "operation", op.String(), "error", err, "restart_in", s.restartDelay)
		default:
			s.logger.Warn("miner exited", "operation", op.String(), "restart_in", s.restartDelay)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.updates:
		case <-s.clock.After(s.restartDelay):
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, op Operation) error {
	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	proc, err := s.launcher.Launch(procCtx, op)
	if err != nil {
		return fmt.Errorf("failed to launch %s: %w", op.Executable(), err)
	}

	s.mu.Lock()
	s.launches++
	s.mu.Unlock()
	s.logger.Info("miner started", "command", op.Executable(), "args", op.Args())

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		consumeOutput(proc.Output(), s.devices, s.logOutput, s.logger)
	}()

	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()

	var result error
wait:
	for {
		select {
		case <-ctx.Done():
			cancel()
			<-exited
			result = ctx.Err()
			break wait
		case <-s.updates:
			// The update may predate this launch.
			if next := s.Active(); next != nil && next.Same(op) {
				continue
			}
			s.logger.Info("stopping miner for new operation", "operation", op.String())
			cancel()
			<-exited
			result = errReplaced
			break wait
		case result = <-exited:
			break wait
		}
	}

	<-readDone
	return result
}
