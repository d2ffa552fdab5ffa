package hardware

import (
	"context"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
)

// CPU describes the host processor for startup logging.
type CPU struct {
	Model    string
	Cores    int
	Threads  int
	MHz      float64
	Platform string // OS platform and kernel, e.g. "ubuntu 22.04 (linux 6.5.0)"
}

// DetectCPU probes the host processor. Fields that cannot be read are left
// zero; an error is returned only when nothing could be determined.
func DetectCPU(ctx context.Context) (CPU, error) {
	var c CPU

	infos, infoErr := cpu.InfoWithContext(ctx)
	if infoErr == nil && len(infos) > 0 {
		c.Model = strings.TrimSpace(infos[0].ModelName)
		c.MHz = infos[0].Mhz
	}
	if cores, err := cpu.CountsWithContext(ctx, false); err == nil {
		c.Cores = cores
	}
	if threads, err := cpu.CountsWithContext(ctx, true); err == nil {
		c.Threads = threads
	}
	if hi, err := host.InfoWithContext(ctx); err == nil && hi != nil {
		c.Platform = fmt.Sprintf("%s %s (%s %s)", hi.Platform, hi.PlatformVersion, hi.OS, hi.KernelVersion)
	}

	if c.Model == "" && c.Threads == 0 {
		if infoErr == nil {
			infoErr = fmt.Errorf("no cpu information available")
		}
		return c, fmt.Errorf("failed to detect cpu: %w", infoErr)
	}
	return c, nil
}

// HumanReadable summarizes the CPU in one line.
func (c CPU) HumanReadable() string {
	model := c.Model
	if model == "" {
		model = "unknown CPU"
	}
	var parts []string
	if c.Cores > 0 {
		parts = append(parts, fmt.Sprintf("%d cores", c.Cores))
	}
	if c.Threads > 0 && c.Threads != c.Cores {
		parts = append(parts, fmt.Sprintf("%d threads", c.Threads))
	}
	if c.MHz > 0 {
		parts = append(parts, fmt.Sprintf("%.0f MHz", c.MHz))
	}
	if len(parts) == 0 {
		return model
	}
	return fmt.Sprintf("%s (%s)", model, strings.Join(parts, ", "))
}
