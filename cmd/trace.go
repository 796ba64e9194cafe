// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Thermoquad/tpbridge/pkg/gateway"
	"github.com/Thermoquad/tpbridge/pkg/trace"
	"github.com/spf13/cobra"
)

var (
	traceFailuresOnly bool
	traceSummary      bool
)

var traceCmd = &cobra.Command{
	Use:   "trace <file>",
	Short: "Display a recorded diagnostic trace",
	Long: `Decode a CBOR trace written by "run --trace" and print one line per event
with its wall-clock time and bus time.

With --summary the events are also replayed into the gateway statistics and a
summary is printed at the end.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrace,
}

func init() {
	rootCmd.AddCommand(traceCmd)
	traceCmd.Flags().BoolVar(&traceFailuresOnly, "failures", false, "Show only failure events")
	traceCmd.Flags().BoolVar(&traceSummary, "summary", false, "Print statistics after the events")
}

func runTrace(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening trace: %w", err)
	}
	defer f.Close()

	return dumpTrace(cmd.OutOrStdout(), f)
}

// dumpTrace prints every record of a trace and, when requested, the
// statistics they add up to
func dumpTrace(out io.Writer, r io.Reader) error {
	reader := trace.NewReader(r)
	stats := gateway.NewStatistics()
	records := 0

	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("record %d: %w", records+1, err)
		}
		records++

		ev := gateway.EventFromRecord(rec)
		stats.HandleEvent(ev)
		if traceFailuresOnly && !ev.Kind.Failure() {
			continue
		}

		line := fmt.Sprintf("[%s] @%-12v %s", rec.Wall.Format("15:04:05.000"), rec.At, ev)
		if rec.Err != "" {
			line += ": " + rec.Err
		}
		fmt.Fprintln(out, line)
	}

	fmt.Fprintf(out, "\n%d records\n", records)
	if traceSummary {
		fmt.Fprint(out, stats.Snapshot().String())
	}
	return nil
}
