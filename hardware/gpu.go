// Package hardware discovers the compute devices of a mining host and keeps
// per-device moving averages of hash rate and power draw between reports.
package hardware

import (
	"fmt"
	"sync"
)

// GPU is a detected graphics card. Samplers record observations into it and
// the stats reporter reads and clears the averages once per interval.
//
// All methods are safe for concurrent use.
type GPU struct {
	Index int    // Driver index as reported by nvidia-smi
	Model string // Product name
	UUID  string // Stable unique identifier

	mu        sync.Mutex
	hashRate  average
	powerDraw average
}

// average accumulates samples until reset.
type average struct {
	sum   float64
	count int64
}

func (a *average) add(v float64) {
	a.sum += v
	a.count++
}

func (a *average) value() int64 {
	if a.count == 0 {
		return 0
	}
	return int64(a.sum / float64(a.count))
}

// NewGPU creates a GPU with empty counters.
func NewGPU(index int, model, uuid string) *GPU {
	return &GPU{Index: index, Model: model, UUID: uuid}
}

// Name returns a human-readable label for logs.
func (g *GPU) Name() string {
	return fmt.Sprintf("GPU #%d %s", g.Index, g.Model)
}

// RecordHashRate adds a hash rate observation in H/s.
func (g *GPU) RecordHashRate(hashesPerSecond float64) {
	if hashesPerSecond < 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hashRate.add(hashesPerSecond)
}

// RecordPowerDraw adds a power draw observation in watts.
func (g *GPU) RecordPowerDraw(watts float64) {
	if watts < 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.powerDraw.add(watts)
}

// AverageHashRate returns the mean hash rate since the last reset, truncated to H/s.
func (g *GPU) AverageHashRate() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hashRate.value()
}

// AveragePowerDraw returns the mean power draw since the last reset, truncated to W.
func (g *GPU) AveragePowerDraw() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.powerDraw.value()
}

// ResetCounters discards all samples.
func (g *GPU) ResetCounters() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hashRate = average{}
	g.powerDraw = average{}
}

// Drain returns both averages and resets the counters in one critical
// section, so a sample recorded concurrently lands in exactly one interval.
func (g *GPU) Drain() (hashRate, powerDraw int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	hashRate, powerDraw = g.hashRate.value(), g.powerDraw.value()
	g.hashRate = average{}
	g.powerDraw = average{}
	return hashRate, powerDraw
}
