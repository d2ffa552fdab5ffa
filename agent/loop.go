package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"mmmagent/clock"
	"mmmagent/config"
	"mmmagent/logger"
	"mmmagent/mmmclient"
)

// Resolver returns the resource path of this host's rig.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Applier switches the local miner to a what_to_mine payload.
type Applier interface {
	Apply(ctx context.Context, whatToMine json.RawMessage) error
}

// DirectiveSource fetches rig resources from the server.
type DirectiveSource interface {
	Get(ctx context.Context, path string, out any) error
}

// directive is the body of GET {resourcePath}.
type directive struct {
	Rig struct {
		WhatToMine  json.RawMessage `json:"what_to_mine"`
		HashrateURL string          `json:"hashrate_url"`
	} `json:"rig"`
}

func (d directive) hasOperation() bool {
	raw := bytes.TrimSpace(d.Rig.WhatToMine)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// LoopOptions configures a SyncLoop.
type LoopOptions struct {
	Identity  Resolver
	Server    DirectiveSource
	Applier   Applier
	Stats     *Stats
	Clock     clock.Clock
	Interval  time.Duration // defaults to 900s
	ServerURL string        // shown to the operator when no directive exists
	Observer  Observer
	Logger    *slog.Logger
}

// SyncLoop keeps the miner in line with the server's directive and reports
// statistics once per interval.
type SyncLoop struct {
	identity  Resolver
	server    DirectiveSource
	applier   Applier
	stats     *Stats
	clock     clock.Clock
	interval  time.Duration
	serverURL string
	observer  Observer
	logger    *slog.Logger
}

// NewSyncLoop creates a SyncLoop.
func NewSyncLoop(opts LoopOptions) *SyncLoop {
	l := &SyncLoop{
		identity:  opts.Identity,
		server:    opts.Server,
		applier:   opts.Applier,
		stats:     opts.Stats,
		clock:     opts.Clock,
		interval:  opts.Interval,
		serverURL: opts.ServerURL,
		observer:  opts.Observer,
		logger:    opts.Logger,
	}
	if l.clock == nil {
		l.clock = clock.Real()
	}
	if l.interval <= 0 {
		l.interval = config.DefaultAgentSyncInterval
	}
	if l.logger == nil {
		l.logger = logger.Discard()
	}
	if l.stats == nil {
		l.stats = NewStats(nil, nil, l.logger)
	}
	if l.observer == nil {
		l.observer = ObserverFunc(func(Event) {})
	}
	return l
}

// FetchAndApplyDirective resolves the rig, fetches its directive and
// applies it. It returns the stats report path when the directive names
// one. A rig without a directive is not an error: nothing is applied and
// ok is false.
func (l *SyncLoop) FetchAndApplyDirective(ctx context.Context) (reportPath string, ok bool, err error) {
	resourcePath, err := l.identity.Resolve(ctx)
	if err != nil {
		return "", false, err
	}

	var d directive
	if err := l.server.Get(ctx, resourcePath, &d); err != nil {
		return "", false, fmt.Errorf("failed to fetch directive: %w", err)
	}

	if !d.hasOperation() {
		l.logger.Warn("no mining operation, configure your rig on " + l.serverURL)
		return "", false, nil
	}

	if err := l.applier.Apply(ctx, d.Rig.WhatToMine); err != nil {
		return "", false, fmt.Errorf("failed to apply mining operation: %w", err)
	}

	if d.Rig.HashrateURL == "" {
		l.logger.Warn("directive has no hashrate_url, keeping the previous report path")
		return "", false, nil
	}
	reportPath, err = mmmclient.PathOf(d.Rig.HashrateURL)
	if err != nil {
		return "", false, err
	}
	return reportPath, reportPath != "", nil
}

// RunForever flushes stats and refreshes the directive once per interval
// until ctx is cancelled. Cycle errors are logged and never stop the loop.
func (l *SyncLoop) RunForever(ctx context.Context, reportPath string) {
	l.logger.Debug("sync loop started", "interval", l.interval, "report_path", reportPath)
	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("sync loop stopped")
			return
		case <-l.clock.After(l.interval):
		}

		event := l.cycle(ctx, &reportPath)
		if event.Error != "" {
			l.logger.Warn("error contacting mmm-server",
				"error", event.Error,
				"kind", event.ErrorKind,
				"next_attempt", l.interval)
		}
		l.observer.Observe(event)
	}
}

// cycle runs one flush and refresh. reportPath is replaced only when the
// server returns a new one.
func (l *SyncLoop) cycle(ctx context.Context, reportPath *string) Event {
	event := Event{Phase: PhaseCycle}

	err := l.flush(ctx, *reportPath, &event)
	if err == nil {
		l.logger.Info("getting best mining operation from server")
		var next string
		var ok bool
		next, ok, err = l.FetchAndApplyDirective(ctx)
		if err == nil && ok {
			*reportPath = next
		}
	}

	event.Time = l.clock.Now()
	event.ReportPath = *reportPath
	if err != nil {
		event.Error = err.Error()
		event.ErrorKind = ErrorKind(err)
	}
	return event
}

func (l *SyncLoop) flush(ctx context.Context, reportPath string, event *Event) error {
	if reportPath == "" {
		l.stats.ClearAll()
		return nil
	}
	sample := l.stats.Collect()
	event.Sample = &sample
	reported, err := l.stats.Flush(ctx, reportPath, sample)
	event.Reported = reported
	return err
}
