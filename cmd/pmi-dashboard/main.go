package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/config"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	mockMode   bool
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:     "pmi-dashboard",
	Short:   "PMI Dashboard - adaptive polling engine for Proxmox and backup infrastructure",
	Long:    `PMI Dashboard polls Proxmox VE nodes, guests, backup agents, and the local host, reconciles the results into live state, and streams deltas to connected dashboard clients.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("PMI Dashboard %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file and print a summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Println("Configuration OK")
		if cfg.ConfigPath != "" {
			fmt.Printf("  file:              %s\n", cfg.ConfigPath)
		} else {
			fmt.Println("  file:              (built-in defaults)")
		}
		fmt.Printf("  listen:            %s\n", cfg.Server.Addr())
		fmt.Printf("  pve instances:     %d\n", len(cfg.PVE))
		fmt.Printf("  backup instances:  %d\n", len(cfg.Acronis))
		fmt.Printf("  host polling:      %v\n", cfg.Host.Enabled)
		fmt.Printf("  mock mode:         %v\n", cfg.MockMode)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.Flags().BoolVar(&mockMode, "mock", false, "Run with synthetic data instead of real sources")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
