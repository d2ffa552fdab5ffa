// Command mmm-devserver is a minimal in-memory mmm-server for local testing.
//
// It implements the rig endpoints the agent talks to (listing,
// registration, rig detail and hash rate reports) plus two admin endpoints:
// PUT /rigs/{id}/what_to_mine.json assigns an operation and GET /events.json
// shows what the rigs have been doing. State is lost on restart; the fleet
// is periodically snapshotted to a JSON file.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"mmmagent/config"
	"mmmagent/controlserver"
	"mmmagent/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "mmm-devserver: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("mmm-devserver", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to dev-server-config.yaml")
	listen := fs.String("listen", config.DefaultDevServerListen, "address to listen on")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.LoadDevServerConfig(*configPath)
	if err != nil {
		return err
	}
	if fs.Changed("listen") {
		cfg.Listen = *listen
	}

	log := logger.NewFromLoggingConfig(cfg.Logging)
	logger.Set(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := controlserver.NewRegistry(nil)
	events := controlserver.NewEventLog(registry, cfg.EventLog.FilePath, cfg.EventLog.UpdateInterval, nil)
	srv := controlserver.New(controlserver.Options{
		PublicURL: cfg.PublicURL,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Registry:  registry,
		Events:    events,
		Logger:    log,
	})

	printBanner(cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return events.Run(gctx) })
	g.Go(func() error { return srv.Serve(gctx, cfg.Listen) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("mmm-devserver stopped")
	return nil
}

func printBanner(cfg *config.DevServerConfig) {
	fmt.Println("=== mmm development server ===")
	fmt.Printf("Listening on %s, advertising %s\n", cfg.Listen, cfg.PublicURL)

	_, port, err := net.SplitHostPort(cfg.Listen)
	if err == nil {
		for _, ip := range networkIPs() {
			fmt.Printf("  Agents on the LAN can use: http://%s\n", net.JoinHostPort(ip, port))
		}
	}
	if cfg.Username == "" {
		fmt.Println("WARNING: basic auth is disabled")
	}
	if cfg.EventLog.FilePath != "" {
		fmt.Printf("Fleet snapshot: %s (every %v)\n", cfg.EventLog.FilePath, cfg.EventLog.UpdateInterval)
	}
	fmt.Println()
}

// networkIPs returns the non-loopback IPv4 addresses of the interfaces
// that are up.
func networkIPs() []string {
	var ips []string

	interfaces, err := net.Interfaces()
	if err != nil {
		return ips
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip := ipNet.IP.To4(); ip != nil && !ip.IsLoopback() {
				ips = append(ips, ip.String())
			}
		}
	}

	return ips
}
