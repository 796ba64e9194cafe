// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/tpbridge/pkg/tpuart"
	"github.com/spf13/cobra"
)

var (
	sendFrame   string
	sendRaw     bool
	sendSource  string
	sendGroup   string
	sendValue   uint8
	sendTimeout int
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one frame through a gateway and wait for its confirmation",
	Long: `Send a frame to the gateway as an L_Data request and wait for L_Data.con.

The frame is given either as hex with --frame (the check byte is appended
unless --raw is set) or built as a group write from --source, --group and
--value.

Exit codes:
  0 - Positive confirmation received
  1 - Negative confirmation, or no confirmation before timeout
  2 - Connection error

Useful for testing a gateway end to end.`,
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendFrame, "frame", "", "Frame as hex bytes")
	sendCmd.Flags().BoolVar(&sendRaw, "raw", false, "Frame already ends with its check byte")
	sendCmd.Flags().StringVar(&sendSource, "source", "1.1.1", "Source individual address for a group write")
	sendCmd.Flags().StringVar(&sendGroup, "group", "", "Destination group address for a group write")
	sendCmd.Flags().Uint8Var(&sendValue, "value", 1, "6-bit value for a group write")
	sendCmd.Flags().IntVar(&sendTimeout, "timeout", 5, "Timeout in seconds to wait for the confirmation")
}

func runSend(cmd *cobra.Command, args []string) error {
	frame, err := sendFrameBytes()
	if err != nil {
		return err
	}
	request, err := tpuart.EncodeDataRequest(frame)
	if err != nil {
		return err
	}

	// Open connection (serial or WebSocket)
	conn, connInfo, err := openHost(cfg.Host, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("tpbridge - Send\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Frame: % X\n", frame)
	fmt.Printf("Timeout: %d seconds\n\n", sendTimeout)

	confChan := make(chan *tpuart.Indication, 1)
	errChan := make(chan error, 1)

	// Reader goroutine
	go func() {
		decoder := tpuart.NewDecoder()
		buf := make([]byte, 128)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				errChan <- err
				return
			}

			for i := 0; i < n; i++ {
				ind, decodeErr := decoder.DecodeByte(buf[i])
				if decodeErr != nil || ind == nil {
					continue
				}
				if ind.Kind == tpuart.IndConfirm {
					confChan <- ind
					return
				}
				// other traffic passes by while we wait
				fmt.Print(tpuart.FormatIndication(ind))
			}
		}
	}()

	sentAt := time.Now()
	if _, err := conn.Write(request); err != nil {
		fmt.Fprintf(os.Stderr, "Write error: %v\n", err)
		os.Exit(2)
	}

	// Wait for confirmation or timeout
	select {
	case ind := <-confChan:
		elapsed := time.Since(sentAt).Round(time.Millisecond)
		if ind.Success() {
			fmt.Printf("SUCCESS: Positive confirmation (0x%02X) after %v\n", ind.Value, elapsed)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "FAILED: Negative confirmation (0x%02X) after %v\n", ind.Value, elapsed)
		os.Exit(1)

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-time.After(time.Duration(sendTimeout) * time.Second):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No confirmation received within %d seconds\n", sendTimeout)
		os.Exit(1)
	}

	return nil
}

func sendFrameBytes() ([]byte, error) {
	switch {
	case sendFrame != "" && sendGroup != "":
		return nil, fmt.Errorf("use either --frame or --group, not both")
	case sendFrame != "":
		return parseHexFrame(sendFrame, sendRaw)
	case sendGroup != "":
		return groupWriteFrame(sendSource, sendGroup, sendValue)
	default:
		return nil, fmt.Errorf("either --frame or --group must be specified")
	}
}
