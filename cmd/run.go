// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Thermoquad/tpbridge/pkg/gateway"
	"github.com/Thermoquad/tpbridge/pkg/logging"
	"github.com/Thermoquad/tpbridge/pkg/mqttpub"
	"github.com/Thermoquad/tpbridge/pkg/trace"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Execution shapes
const (
	shapeTasks     = "tasks"
	shapeSuperloop = "superloop"
)

var (
	runShape      string
	runTraceFile  string
	runMQTTBroker string
	runSimTraffic time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gateway between the host connection and a simulated TP1 line",
	Long: `Run the gateway engine. The host controller talks to the gateway over the
serial port or WebSocket using the TP-UART host services; the TP1 line is
simulated and advanced with the wall clock.

Execution shapes:
  tasks      bus, host and health tasks on separate goroutines (default)
  superloop  a single loop that reads the host, then steps the bus

Diagnostic events can be recorded to a CBOR trace with --trace and replayed
with the trace command. With --mqtt-broker (or mqtt.broker in the config
file) health and statistics are published to the broker.`,
	RunE: runGateway,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runShape, "shape", shapeTasks, "Execution shape (tasks, superloop)")
	runCmd.Flags().StringVar(&runTraceFile, "trace", "", "Record diagnostic events to a CBOR trace file")
	runCmd.Flags().StringVar(&runMQTTBroker, "mqtt-broker", "", "MQTT broker for health publishing (host:port or URL)")
	runCmd.Flags().DurationVar(&runSimTraffic, "sim-traffic", 0, "Inject a simulated group write at this interval (0 disables)")
}

func runGateway(cmd *cobra.Command, args []string) error {
	logger := logging.Named("run")

	if runShape != shapeTasks && runShape != shapeSuperloop {
		return fmt.Errorf("unknown shape %q (use %s or %s)", runShape, shapeTasks, shapeSuperloop)
	}
	if runMQTTBroker != "" {
		cfg.MQTT.Broker = runMQTTBroker
	}

	var readTimeout time.Duration
	if runShape == shapeSuperloop {
		readTimeout = cfg.Host.ReadTimeout
	}
	conn, connInfo, err := openHost(cfg.Host, readTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	bus := newSimBus(cfg, logging.Named("tp1"))

	opts := []gateway.Option{gateway.WithLogger(logging.Named("gateway"))}
	if runTraceFile != "" {
		f, err := os.Create(runTraceFile)
		if err != nil {
			return fmt.Errorf("creating trace file: %w", err)
		}
		w := trace.NewWriter(f)
		defer func() {
			if err := w.Flush(); err != nil {
				logger.Error("flushing trace", zap.Error(err))
			}
			f.Close()
			logger.Info("trace written", zap.String("file", runTraceFile), zap.Int("records", w.Count()))
		}()
		opts = append(opts, gateway.WithEventSink(gateway.NewTraceSink(w, logger)))
	}

	engine := gateway.NewEngine(cfg, bus.rx, bus.tx, conn, opts...)

	health, closeHealth := newHealthReporter(engine, bus, logger)
	defer closeHealth()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runSimTraffic > 0 {
		go bus.generateTraffic(ctx, runSimTraffic)
	}

	fmt.Printf("tpbridge - Gateway\n")
	fmt.Printf("Host: %s\n", connInfo)
	fmt.Printf("Bus: simulated TP1 line\n")
	fmt.Printf("Shape: %s\n", runShape)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	rc := gateway.RunConfig{
		Host:   conn,
		Clock:  bus.pacer,
		Driver: bus.pacer,
		Health: health,
	}

	if runShape == shapeSuperloop {
		err = engine.RunSuperloop(ctx, rc)
	} else {
		go func() {
			// unblocks the host task
			<-ctx.Done()
			conn.Close()
		}()
		err = engine.Run(ctx, rc)
	}

	gateway.LogRunError(logger, err)
	fmt.Print(engine.Stats().String())

	if errors.Is(err, gateway.ErrHostClosed) {
		fmt.Println("Host connection closed")
		return nil
	}
	return err
}

// newHealthReporter builds the supervision task, connecting to the MQTT
// broker when one is configured. A broker that cannot be reached leaves
// health reporting to the log.
func newHealthReporter(engine *gateway.Engine, bus *simBus, logger *zap.Logger) (*gateway.HealthReporter, func()) {
	hc := gateway.HealthReporterConfig{
		Engine: engine,
		Clock:  bus.pacer.Wall(),
		Health: cfg.Health,
		Topic:  cfg.MQTT.Topic,
		QoS:    byte(cfg.MQTT.QoS),
		Logger: logging.Named("health"),
	}

	closeFn := func() {}
	if cfg.MQTT.Enabled() {
		pub, err := mqttpub.Connect(cfg.MQTT, logging.Named("mqtt"))
		if err != nil {
			logger.Warn("health publishing disabled", zap.Error(err))
		} else {
			hc.Publisher = pub
			closeFn = func() {
				if err := pub.Close(); err != nil {
					logger.Debug("closing mqtt", zap.Error(err))
				}
			}
		}
	}

	return gateway.NewHealthReporter(hc), closeFn
}
