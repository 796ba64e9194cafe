// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/Thermoquad/tpbridge/pkg/config"
	"github.com/Thermoquad/tpbridge/pkg/logging"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string

	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// cfg is loaded before any subcommand runs
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "tpbridge",
	Short: "KNX TP1 gateway and host link tools",
	Long: `tpbridge - A KNX TP1 to host gateway with tools for the host side of the link.

The run and dashboard commands operate the gateway itself: the host controller
is attached over the serial port or WebSocket and the TP1 line is simulated.
The monitor and send commands act as the host, talking to a gateway.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 19200]    (8 data bits, even parity)
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password comes from host.password in the
config file or the TPBRIDGE_HOST_PASSWORD environment variable, and is prompted
for on the terminal otherwise.`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 19200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")
}

// loadConfig reads the configuration file, lets explicit flags override it
// and starts logging
func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("port") || cfg.Host.Port == "" {
		cfg.Host.Port = portName
	}
	if flags.Changed("baud") {
		cfg.Host.Baud = baudRate
	}
	if flags.Changed("url") || cfg.Host.URL == "" {
		cfg.Host.URL = wsURL
	}
	if flags.Changed("username") || cfg.Host.Username == "" {
		cfg.Host.Username = wsUsername
	}
	if flags.Changed("no-ssl-verify") {
		cfg.Host.InsecureTLS = wsNoSSLVerify
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}

	if err := logging.Initialize(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}

// Execute runs the root command
func Execute() error {
	defer logging.Sync()
	return rootCmd.Execute()
}
