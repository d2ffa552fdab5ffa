package hardware

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"mmmagent/clock"
	"mmmagent/logger"
)

// Runner executes an external command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// ErrNoNvidiaSMI is returned when the nvidia-smi binary is not installed.
var ErrNoNvidiaSMI = errors.New("nvidia-smi not found")

// Nvidia talks to NVIDIA drivers through nvidia-smi.
type Nvidia struct {
	Binary string
	Run    Runner
}

// NewNvidia returns an Nvidia prober using binary (defaults to "nvidia-smi").
func NewNvidia(binary string) *Nvidia {
	if binary == "" {
		binary = "nvidia-smi"
	}
	return &Nvidia{Binary: binary, Run: ExecRunner}
}

// Enumerate lists installed GPUs. A host without the driver yields
// ErrNoNvidiaSMI so callers can fall back to CPU-only operation.
func (n *Nvidia) Enumerate(ctx context.Context) ([]*GPU, error) {
	out, err := n.Run(ctx, n.Binary, "--query-gpu=index,name,uuid", "--format=csv,noheader")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, ErrNoNvidiaSMI
		}
		return nil, fmt.Errorf("failed to enumerate gpus: %w", err)
	}

	var gpus []*GPU
	for _, fields := range parseCSV(out) {
		if len(fields) < 3 {
			continue
		}
		index, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("unexpected gpu index %q: %w", fields[0], err)
		}
		gpus = append(gpus, NewGPU(index, fields[1], fields[2]))
	}
	return gpus, nil
}

// PowerDraw returns the current power draw in watts keyed by GPU index.
// GPUs reporting "[N/A]" are omitted.
func (n *Nvidia) PowerDraw(ctx context.Context) (map[int]float64, error) {
	out, err := n.Run(ctx, n.Binary, "--query-gpu=index,power.draw", "--format=csv,noheader,nounits")
	if err != nil {
		return nil, fmt.Errorf("failed to query power draw: %w", err)
	}

	draws := make(map[int]float64)
	for _, fields := range parseCSV(out) {
		if len(fields) < 2 {
			continue
		}
		index, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		watts, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		draws[index] = watts
	}
	return draws, nil
}

func parseCSV(out []byte) [][]string {
	var rows [][]string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		rows = append(rows, fields)
	}
	return rows
}

// PowerSampler periodically records power draw into GPUs.
type PowerSampler struct {
	nvidia   *Nvidia
	gpus     map[int]*GPU
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// NewPowerSampler creates a sampler feeding gpus every interval.
func NewPowerSampler(nvidia *Nvidia, gpus []*GPU, interval time.Duration, clk clock.Clock, log *slog.Logger) *PowerSampler {
	byIndex := make(map[int]*GPU, len(gpus))
	for _, g := range gpus {
		byIndex[g.Index] = g
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &PowerSampler{nvidia: nvidia, gpus: byIndex, interval: interval, clock: clk, logger: log}
}

// Run samples until ctx is cancelled. Query failures are logged and the
// next tick retried.
func (s *PowerSampler) Run(ctx context.Context) error {
	if len(s.gpus) == 0 {
		return nil
	}

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sample(ctx)
		}
	}
}

// Sample takes one power reading for every known GPU.
func (s *PowerSampler) Sample(ctx context.Context) {
	draws, err := s.nvidia.PowerDraw(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("power sampling failed", "error", err)
		}
		return
	}
	for index, watts := range draws {
		if g, ok := s.gpus[index]; ok {
			g.RecordPowerDraw(watts)
		}
	}
}
