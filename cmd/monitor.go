// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/Thermoquad/tpbridge/pkg/tpuart"
	"github.com/spf13/cobra"
)

var (
	monitorReset bool
	monitorState bool
	monitorAck   string
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Display gateway indications in human-readable format",
	Long: `Continuously decode and display the services a gateway sends to its host:
received frames (L_Data.ind), transmit confirmations (L_Data.con), reset and
state indications, and any bytes forwarded unframed.

The monitor acts as the host. It can reset the gateway, request its state and
set which acknowledgment the gateway returns for frames addressed to it.

Supports both serial and WebSocket connections.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorReset, "reset", false, "Send U_Reset.request before monitoring")
	monitorCmd.Flags().BoolVar(&monitorState, "state", false, "Send U_State.request before monitoring")
	monitorCmd.Flags().StringVar(&monitorAck, "ack", "", "Send U_AckInformation (addressed, busy, nack)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	// Open connection (serial or WebSocket)
	conn, connInfo, err := openHost(cfg.Host, 0)
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("tpbridge - Monitor\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	requests, err := monitorRequests()
	if err != nil {
		return err
	}
	if len(requests) > 0 {
		if _, err := conn.Write(requests); err != nil {
			return fmt.Errorf("sending requests: %w", err)
		}
	}

	decoder := tpuart.NewDecoder()
	buf := make([]byte, 128)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Printf("Connection closed")
				return nil
			}
			return fmt.Errorf("reading host link: %w", err)
		}

		for i := 0; i < n; i++ {
			ind, err := decoder.DecodeByte(buf[i])
			if err != nil {
				fmt.Printf("[ERROR] %v\n", err)
				continue
			}
			if ind != nil {
				fmt.Print(tpuart.FormatIndication(ind))
			}
		}
	}
}

// monitorRequests collects the host requests selected by flags
func monitorRequests() ([]byte, error) {
	var out []byte
	if monitorReset {
		out = append(out, tpuart.ResetReq)
	}
	if monitorState {
		out = append(out, tpuart.StateReq)
	}
	if monitorAck != "" {
		flags, err := parseAckFlags(monitorAck)
		if err != nil {
			return nil, err
		}
		out = append(out, tpuart.EncodeAckInfo(flags))
	}
	return out, nil
}

// parseAckFlags maps a flag name to U_AckInformation bits
func parseAckFlags(s string) (byte, error) {
	switch s {
	case "none":
		return 0, nil
	case "addressed":
		return tpuart.AckAddressed, nil
	case "busy":
		return tpuart.AckBusy, nil
	case "nack":
		return tpuart.AckNack, nil
	default:
		return 0, fmt.Errorf("unknown ack %q (use none, addressed, busy or nack)", s)
	}
}
