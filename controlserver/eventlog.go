package controlserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"mmmagent/clock"
)

// Event types written to the log.
const (
	EventRigRegistered    = "rig_registered"
	EventDirectiveFetched = "directive_fetched"
	EventStatsReported    = "stats_reported"
	EventOperationSet     = "operation_set"
)

// LogEntry is one event in the log file.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	RigID     string         `json:"rig_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Message   string         `json:"message"`
}

// FleetSnapshot is the registry state at the time the log is written.
type FleetSnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	TotalRigs       int       `json:"total_rigs"`
	TotalHashRate   int64     `json:"total_hash_rate"`
	TotalPowerUsage int64     `json:"total_power_usage"`
	Rigs            []Rig     `json:"rigs"`
}

// LogFile is the complete log file structure.
type LogFile struct {
	ServerStartTime time.Time     `json:"server_start_time"`
	ServerUptime    float64       `json:"server_uptime_seconds"`
	LastUpdate      time.Time     `json:"last_update"`
	Events          []LogEntry    `json:"events"`
	CurrentSnapshot FleetSnapshot `json:"current_snapshot"`
}

// EventLog keeps recent server events and periodically writes them, with a
// registry snapshot, to a JSON file.
type EventLog struct {
	registry       *Registry
	logFile        string
	updateInterval time.Duration
	clock          clock.Clock
	startTime      time.Time
	maxEvents      int

	mu     sync.RWMutex
	events []LogEntry
}

// NewEventLog creates an event log. An empty logFile keeps events in
// memory only.
func NewEventLog(registry *Registry, logFile string, updateInterval time.Duration, clk clock.Clock) *EventLog {
	if clk == nil {
		clk = clock.Real()
	}
	return &EventLog{
		registry:       registry,
		logFile:        logFile,
		updateInterval: updateInterval,
		clock:          clk,
		startTime:      clk.Now(),
		maxEvents:      1000,
	}
}

// LogEvent appends an event, keeping the newest maxEvents.
func (el *EventLog) LogEvent(eventType, message, rigID string, details map[string]any) {
	el.mu.Lock()
	defer el.mu.Unlock()

	el.events = append(el.events, LogEntry{
		Timestamp: el.clock.Now(),
		EventType: eventType,
		RigID:     rigID,
		Details:   details,
		Message:   message,
	})
	if len(el.events) > el.maxEvents {
		el.events = el.events[len(el.events)-el.maxEvents:]
	}
}

// Events returns a copy of the retained events.
func (el *EventLog) Events() []LogEntry {
	el.mu.RLock()
	defer el.mu.RUnlock()
	return append([]LogEntry(nil), el.events...)
}

// Snapshot summarizes the registry.
func (el *EventLog) Snapshot() FleetSnapshot {
	rigs, rate, power := el.registry.Totals()
	return FleetSnapshot{
		Timestamp:       el.clock.Now(),
		TotalRigs:       rigs,
		TotalHashRate:   rate,
		TotalPowerUsage: power,
		Rigs:            el.registry.List(),
	}
}

// WriteLog writes the current state to the log file atomically.
func (el *EventLog) WriteLog() error {
	if el.logFile == "" {
		return nil
	}

	now := el.clock.Now()
	logData := LogFile{
		ServerStartTime: el.startTime,
		ServerUptime:    now.Sub(el.startTime).Seconds(),
		LastUpdate:      now,
		Events:          el.Events(),
		CurrentSnapshot: el.Snapshot(),
	}

	data, err := json.MarshalIndent(logData, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal log data: %w", err)
	}

	tempFile := el.logFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write log file: %w", err)
	}
	if err := os.Rename(tempFile, el.logFile); err != nil {
		return fmt.Errorf("failed to rename log file: %w", err)
	}
	return nil
}

// Run writes the log immediately and then every update interval until ctx
// is cancelled, with a final write on the way out.
func (el *EventLog) Run(ctx context.Context) error {
	if el.logFile == "" {
		<-ctx.Done()
		return nil
	}
	if err := el.WriteLog(); err != nil {
		return err
	}

	ticker := el.clock.NewTicker(el.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return el.WriteLog()
		case <-ticker.C:
			if err := el.WriteLog(); err != nil {
				return err
			}
		}
	}
}
