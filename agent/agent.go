// Package agent keeps a mining rig synchronized with the mmm-server.
//
// On startup the agent resolves its rig (registering it when the server
// does not know the hostname), applies the current mining directive and then
// runs two things side by side: the miner workload in the foreground and a
// SyncLoop in the background that, once per interval, reports aggregated
// hash rate and power draw and refreshes the directive.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mmmagent/clock"
	"mmmagent/config"
	"mmmagent/logger"
	"mmmagent/rig"
)

// Server is the mmm-server API used by the agent.
type Server interface {
	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, body, out any) error
	Put(ctx context.Context, path string, body, out any) error
}

// Workload is the foreground mining process supervisor.
type Workload interface {
	Run(ctx context.Context) error
}

// Options wires an Agent.
type Options struct {
	Server       Server
	ServerURL    string
	Registration rig.Registration
	Applier      Applier
	Workload     Workload
	Devices      []Device
	Clock        clock.Clock

	Interval      time.Duration // stats and directive cycle, defaults to 900s
	RetryInterval time.Duration // startup retry delay
	MaxRetryTime  time.Duration // give up on startup after this long

	Observer Observer
	Logger   *slog.Logger
}

// Agent is the composition root: one rig identity, one sync loop, one
// workload.
type Agent struct {
	identity      *rig.Identity
	loop          *SyncLoop
	workload      Workload
	clock         clock.Clock
	retryInterval time.Duration
	maxRetryTime  time.Duration
	observer      Observer
	logger        *slog.Logger
}

// New creates an Agent from opts.
func New(opts Options) *Agent {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Observer == nil {
		opts.Observer = ObserverFunc(func(Event) {})
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = config.DefaultAgentRetryInterval
	}
	if opts.MaxRetryTime <= 0 {
		opts.MaxRetryTime = config.DefaultAgentMaxRetryTime
	}

	identity := rig.NewIdentity(opts.Server, opts.Registration, opts.Logger)
	loop := NewSyncLoop(LoopOptions{
		Identity:  identity,
		Server:    opts.Server,
		Applier:   opts.Applier,
		Stats:     NewStats(opts.Devices, opts.Server, opts.Logger),
		Clock:     opts.Clock,
		Interval:  opts.Interval,
		ServerURL: opts.ServerURL,
		Observer:  opts.Observer,
		Logger:    opts.Logger,
	})

	return &Agent{
		identity:      identity,
		loop:          loop,
		workload:      opts.Workload,
		clock:         opts.Clock,
		retryInterval: opts.RetryInterval,
		maxRetryTime:  opts.MaxRetryTime,
		observer:      opts.Observer,
		logger:        opts.Logger,
	}
}

// Identity returns the agent's rig identity.
func (a *Agent) Identity() *rig.Identity {
	return a.identity
}

// Loop returns the agent's sync loop.
func (a *Agent) Loop() *SyncLoop {
	return a.loop
}

// Start fetches and applies the first directive, then runs the sync loop in
// the background and the workload in the foreground until ctx is cancelled
// or the workload returns. It returns the startup error when the server
// stays unreachable for MaxRetryTime.
func (a *Agent) Start(ctx context.Context) error {
	reportPath, err := a.bootstrap(ctx)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		a.loop.RunForever(loopCtx, reportPath)
	}()

	var workErr error
	if a.workload != nil {
		workErr = a.workload.Run(loopCtx)
	} else {
		<-loopCtx.Done()
	}

	cancel()
	<-loopDone
	return workErr
}

// bootstrap retries the first directive fetch every retryInterval until it
// succeeds or maxRetryTime has passed.
func (a *Agent) bootstrap(ctx context.Context) (string, error) {
	deadline := a.clock.Now().Add(a.maxRetryTime)

	for {
		reportPath, _, err := a.loop.FetchAndApplyDirective(ctx)
		if err == nil {
			a.observer.Observe(Event{Time: a.clock.Now(), Phase: PhaseStartup, ReportPath: reportPath})
			return reportPath, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		a.observer.Observe(Event{
			Time:      a.clock.Now(),
			Phase:     PhaseStartup,
			Error:     err.Error(),
			ErrorKind: ErrorKind(err),
		})

		remaining := deadline.Sub(a.clock.Now())
		if remaining <= 0 {
			return "", fmt.Errorf("failed to reach mmm-server after %v: %w", a.maxRetryTime, err)
		}
		a.logger.Warn("failed to contact mmm-server",
			"error", err,
			"kind", ErrorKind(err),
			"retry_in", a.retryInterval,
			"remaining", remaining.Round(time.Second))

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-a.clock.After(a.retryInterval):
		}
	}
}
