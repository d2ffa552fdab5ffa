//go:build tools
// +build tools

// Package main validates mmm-agent and mmm-devserver configuration files.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"mmmagent/config"
)

func main() {
	agentConfig := pflag.String("agent", "", "Path to agent config file (default: search paths)")
	serverConfig := pflag.String("devserver", "", "Path to dev server config file (default: search paths)")
	all := pflag.Bool("all", false, "Validate all config files in search paths")
	pflag.Parse()

	exitCode := 0

	if *all || (*agentConfig == "" && *serverConfig == "") {
		fmt.Println("Validating mmm Configuration Files")
		fmt.Println("==================================")
		fmt.Println()

		if !validateAgentConfig(*agentConfig) {
			exitCode = 1
		}
		fmt.Println()

		if !validateDevServerConfig(*serverConfig) {
			exitCode = 1
		}
	} else {
		if *agentConfig != "" && !validateAgentConfig(*agentConfig) {
			exitCode = 1
		}
		if *serverConfig != "" && !validateDevServerConfig(*serverConfig) {
			exitCode = 1
		}
	}

	os.Exit(exitCode)
}

func validateAgentConfig(configPath string) bool {
	fmt.Println("Agent Configuration")
	fmt.Println("-------------------")

	if configPath == "" {
		configPath = findConfigFile("agent-config.yaml")
		if configPath == "" {
			printSearchPaths("agent-config.yaml")
			return true
		}
	}

	fmt.Printf("File: %s\n", configPath)

	cfg, err := config.LoadAgentConfig(configPath, nil)
	if err != nil {
		fmt.Printf("Status: ❌ INVALID\n")
		fmt.Printf("Error: %v\n", err)
		return false
	}

	fmt.Println("Status: ✅ VALID")
	fmt.Println()
	fmt.Println("Loaded Configuration:")
	fmt.Printf("  Server URL:           %s\n", cfg.Server.URL)
	fmt.Printf("  Basic Auth:           %t\n", cfg.Server.Username != "")
	fmt.Printf("  Hostname:             %s\n", cfg.Agent.Hostname)
	fmt.Printf("  Power Price:          %.4f %s\n", cfg.Agent.PowerPrice, cfg.Agent.PowerCurrency)
	fmt.Printf("  Sync Interval:        %v\n", cfg.Sync.Interval)
	fmt.Printf("  Retry Interval:       %v\n", cfg.Network.RetryInterval)
	fmt.Printf("  Max Retry Time:       %v\n", cfg.Network.MaxRetryTime)
	fmt.Printf("  GPU Enabled:          %t\n", cfg.Hardware.GPUEnabled)
	fmt.Printf("  Miner Restart Delay:  %v\n", cfg.Miner.RestartDelay)
	if cfg.Status.Listen != "" {
		fmt.Printf("  Status Endpoint:      %s\n", cfg.Status.Listen)
	}

	return true
}

func validateDevServerConfig(configPath string) bool {
	fmt.Println("Dev Server Configuration")
	fmt.Println("------------------------")

	if configPath == "" {
		configPath = findConfigFile("dev-server-config.yaml")
		if configPath == "" {
			printSearchPaths("dev-server-config.yaml")
			return true
		}
	}

	fmt.Printf("File: %s\n", configPath)

	cfg, err := config.LoadDevServerConfig(configPath)
	if err != nil {
		fmt.Printf("Status: ❌ INVALID\n")
		fmt.Printf("Error: %v\n", err)
		return false
	}

	fmt.Println("Status: ✅ VALID")
	fmt.Println()
	fmt.Println("Loaded Configuration:")
	fmt.Printf("  Listen:               %s\n", cfg.Listen)
	fmt.Printf("  Public URL:           %s\n", cfg.PublicURL)
	fmt.Printf("  Basic Auth:           %t\n", cfg.Username != "")
	fmt.Printf("  Snapshot Interval:    %v\n", cfg.EventLog.UpdateInterval)
	fmt.Printf("  Snapshot File:        %s\n", cfg.EventLog.FilePath)

	return true
}

func printSearchPaths(filename string) {
	fmt.Println("Status: ⚠️  No config file found (will use defaults)")
	fmt.Println("Search paths:")
	fmt.Printf("  - ./%s\n", filename)
	fmt.Printf("  - ~/.mmm/%s\n", filename)
	fmt.Printf("  - /etc/mmm/%s\n", filename)
}

func findConfigFile(filename string) string {
	searchPaths := []string{
		filepath.Join(".", filename),
		filepath.Join(os.Getenv("HOME"), ".mmm", filename),
		filepath.Join("/etc/mmm", filename),
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
