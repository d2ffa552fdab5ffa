package agent

import (
	"context"
	"fmt"
	"log/slog"

	"mmmagent/hardware"
	"mmmagent/logger"
)

// Device is a compute device whose averaged counters are reported.
type Device interface {
	Name() string
	// Drain returns the averages since the last reset and resets them atomically.
	Drain() (hashRate, powerDraw int64)
	ResetCounters()
}

// GPUDevices adapts detected GPUs to Devices.
func GPUDevices(gpus []*hardware.GPU) []Device {
	devices := make([]Device, len(gpus))
	for i, g := range gpus {
		devices[i] = g
	}
	return devices
}

// Reporter uploads a stats sample.
type Reporter interface {
	Put(ctx context.Context, path string, body, out any) error
}

// Sample is the aggregate hash rate and power draw of one interval.
type Sample struct {
	Rate       int64 `json:"rate"`        // H/s
	PowerUsage int64 `json:"power_usage"` // W
}

// Stats aggregates device counters and reports them to the server.
type Stats struct {
	devices  []Device
	reporter Reporter
	logger   *slog.Logger
}

// NewStats creates a Stats over devices.
func NewStats(devices []Device, reporter Reporter, log *slog.Logger) *Stats {
	if log == nil {
		log = logger.Discard()
	}
	return &Stats{devices: devices, reporter: reporter, logger: log}
}

// Collect sums every device's averages and resets its counters. Each
// device is read and reset in one step, so no sample is counted twice.
func (s *Stats) Collect() Sample {
	var sample Sample
	for _, d := range s.devices {
		rate, power := d.Drain()
		s.logger.Debug("device stats", "device", d.Name(), "rate", rate, "power_usage", power)
		sample.Rate += rate
		sample.PowerUsage += power
	}
	return sample
}

// Flush logs sample and sends it to reportPath. A zero hash rate is not
// sent.
func (s *Stats) Flush(ctx context.Context, reportPath string, sample Sample) (bool, error) {
	s.logger.Info(fmt.Sprintf("sending stats: %d H/s at %d W", sample.Rate, sample.PowerUsage))
	if sample.Rate == 0 {
		return false, nil
	}
	if err := s.reporter.Put(ctx, reportPath, sample, nil); err != nil {
		return false, fmt.Errorf("failed to send stats: %w", err)
	}
	return true, nil
}

// ClearAll resets every device's counters.
func (s *Stats) ClearAll() {
	s.logger.Info("clearing statistics for the next mining round")
	for _, d := range s.devices {
		d.ResetCounters()
	}
}
