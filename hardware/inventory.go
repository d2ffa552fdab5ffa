package hardware

import (
	"context"
	"errors"
	"log/slog"

	"mmmagent/logger"
)

// Inventory is the hardware found on the host at startup.
type Inventory struct {
	CPU  CPU
	GPUs []*GPU
}

// Discover probes the CPU and, when nvidia is non-nil, the NVIDIA GPUs.
// A GPU probe failure is not fatal: it is logged and the host is treated as
// having no GPUs. A nil log falls back to the logger carried by ctx. The
// only error returned is ctx's.
func Discover(ctx context.Context, nvidia *Nvidia, log *slog.Logger) (*Inventory, error) {
	if log == nil {
		log = logger.FromContext(ctx)
	}
	inv := &Inventory{}

	c, err := DetectCPU(ctx)
	if err != nil {
		log.Warn("cpu detection incomplete", "error", err)
	}
	inv.CPU = c

	if nvidia == nil {
		return inv, ctx.Err()
	}

	gpus, err := nvidia.Enumerate(ctx)
	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, ErrNoNvidiaSMI):
		log.Info("nvidia-smi not installed, no GPUs will be reported", "binary", nvidia.Binary)
	case err != nil:
		log.Warn("gpu enumeration failed, no GPUs will be reported", "binary", nvidia.Binary, "error", err)
	default:
		inv.GPUs = gpus
	}
	return inv, nil
}

// HasGPUs reports whether any GPU was detected.
func (inv *Inventory) HasGPUs() bool {
	return len(inv.GPUs) > 0
}

// GPUByIndex returns the GPU with the given driver index, or nil.
func (inv *Inventory) GPUByIndex(index int) *GPU {
	for _, g := range inv.GPUs {
		if g.Index == index {
			return g
		}
	}
	return nil
}

// LogSummary writes the startup hardware report.
func (inv *Inventory) LogSummary(log *slog.Logger, hostname string) {
	log.Info("hostname is " + hostname)
	log.Info("found " + inv.CPU.HumanReadable())
	if inv.CPU.Platform != "" {
		log.Debug("platform", "platform", inv.CPU.Platform)
	}
	log.Info("found GPUs", "count", len(inv.GPUs))
	for _, g := range inv.GPUs {
		log.Info(g.Model, "uuid", g.UUID, "index", g.Index)
	}
}
