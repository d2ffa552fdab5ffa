// Command mmm-agent keeps a mining rig in sync with an mmm-server.
//
// The agent registers the rig on first contact, runs the miner the server
// assigns and reports the rig's hash rate and power draw every sync
// interval (15 minutes by default).
//
// Configuration comes from flags, MMM_AGENT_* environment variables and
// agent-config.yaml, in that order of precedence.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"mmmagent/agent"
	"mmmagent/config"
	"mmmagent/hardware"
	"mmmagent/logger"
	"mmmagent/miner"
	"mmmagent/mmmclient"
	"mmmagent/rig"
	"mmmagent/status"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "mmm-agent: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("mmm-agent", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to agent-config.yaml")
	config.RegisterAgentFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.LoadAgentConfig(*configPath, fs)
	if err != nil {
		return err
	}

	log := logger.NewFromAgentConfig(cfg)
	logger.Set(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithLogger(ctx, log)

	err = config.WatchAgentConfig(ctx, *configPath, func(c *config.AgentConfig) {
		level := logger.ApplyLevel(c.Logging)
		logger.Info("log level applied", "level", level.String())
	}, log)
	if err != nil {
		logger.Warn("config watch disabled", "error", err)
	}

	var nvidia *hardware.Nvidia
	if cfg.Hardware.GPUEnabled {
		nvidia = hardware.NewNvidia(cfg.Hardware.NvidiaSMI)
	}
	inventory, err := hardware.Discover(ctx, nvidia, nil)
	if err != nil {
		return fmt.Errorf("hardware discovery failed: %w", err)
	}
	inventory.LogSummary(log, cfg.Agent.Hostname)

	client, err := mmmclient.New(mmmclient.Options{
		BaseURL:  cfg.Server.URL,
		Username: cfg.Server.Username,
		Password: cfg.Server.Password,
		Timeout:  cfg.Server.Timeout,
	})
	if err != nil {
		return err
	}

	supervisor := miner.NewSupervisor(miner.Options{
		Devices:      inventory.GPUByIndex,
		RestartDelay: cfg.Miner.RestartDelay,
		LogOutput:    cfg.Miner.LogOutput,
		Logger:       log.With("component", "miner"),
	})

	var hub *status.Hub
	observers := []agent.Observer{systemdObserver()}
	if cfg.Status.Listen != "" {
		hub = status.NewHub(status.Options{
			Hostname:  cfg.Agent.Hostname,
			GPUs:      inventory.GPUs,
			Operation: supervisor.Active,
			Logger:    log.With("component", "status"),
		})
		observers = append(observers, hub)
	}

	a := agent.New(agent.Options{
		Server:    client,
		ServerURL: cfg.Server.URL,
		Registration: rig.Registration{
			Hostname:      cfg.Agent.Hostname,
			PowerPrice:    cfg.Agent.PowerPrice,
			PowerCurrency: cfg.Agent.PowerCurrency,
		},
		Applier:       supervisor,
		Workload:      supervisor,
		Devices:       agent.GPUDevices(inventory.GPUs),
		Interval:      cfg.Sync.Interval,
		RetryInterval: cfg.Network.RetryInterval,
		MaxRetryTime:  cfg.Network.MaxRetryTime,
		Observer:      agent.MultiObserver(observers...),
		Logger:        log,
	})

	g, gctx := errgroup.WithContext(ctx)

	if nvidia != nil && inventory.HasGPUs() {
		sampler := hardware.NewPowerSampler(nvidia, inventory.GPUs, cfg.Hardware.SampleInterval, nil, log.With("component", "power"))
		g.Go(func() error { return sampler.Run(gctx) })
	}
	if hub != nil {
		g.Go(func() error { return hub.Run(gctx) })
		g.Go(func() error { return hub.Serve(gctx, cfg.Status.Listen) })
	}
	g.Go(func() error {
		if err := a.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	logger.Info("mmm-agent started", "server", cfg.Server.URL, "interval", cfg.Sync.Interval)
	err = g.Wait()
	notify("STOPPING=1")
	if err != nil {
		logger.Error("mmm-agent stopped", "error", err)
		return err
	}
	logger.Info("mmm-agent stopped")
	return nil
}
