// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the gateway deployment configuration.
//
// Configuration is read once at startup from YAML, then environment
// variables override selected values. Missing files are not an error: the
// defaults describe a standard TP1 deployment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure
type Config struct {
	Host      HostConfig      `yaml:"host"`
	Bus       BusConfig       `yaml:"bus"`
	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Health    HealthConfig    `yaml:"health"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// HostConfig describes the link to the host controller
type HostConfig struct {
	Port        string        `yaml:"port"`
	Baud        int           `yaml:"baud"`
	URL         string        `yaml:"url"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	InsecureTLS bool          `yaml:"insecure_tls"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// BusConfig holds TP1 line timing
type BusConfig struct {
	BusyTimeout      time.Duration `yaml:"busy_timeout"`
	InterByteTimeout time.Duration `yaml:"inter_byte_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	RecoveryAttempts int           `yaml:"recovery_attempts"`
	RxFIFOSize       int           `yaml:"rx_fifo_size"`
}

// QueueConfig sizes the transmit queue
type QueueConfig struct {
	Capacity          int `yaml:"capacity"`
	NearlyFullPercent int `yaml:"nearly_full_percent"`
}

// SchedulerConfig holds the transmit, echo and acknowledgment timing
type SchedulerConfig struct {
	BackoffMin   time.Duration `yaml:"backoff_min"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	EchoTimeout  time.Duration `yaml:"echo_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	ConfirmDelay time.Duration `yaml:"confirm_delay"`
	AckSlotStart int           `yaml:"ack_slot_start"` // bit periods after the check byte
	AckSlotEnd   int           `yaml:"ack_slot_end"`
}

// HealthConfig controls the supervision task
type HealthConfig struct {
	Interval        time.Duration `yaml:"interval"`
	StatsInterval   time.Duration `yaml:"stats_interval"`
	WatchdogTimeout time.Duration `yaml:"watchdog_timeout"`
}

// MQTTConfig configures optional health publishing
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
}

// Enabled reports whether a broker has been configured
func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// LoggingConfig selects the log level
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration of a standard deployment
func Default() *Config {
	return &Config{
		Host: HostConfig{
			Baud:        19200,
			IdleTimeout: 100 * time.Millisecond,
			ReadTimeout: time.Millisecond,
		},
		Bus: BusConfig{
			BusyTimeout:      4 * time.Millisecond,
			InterByteTimeout: 1500 * time.Microsecond,
			PollInterval:     500 * time.Microsecond,
			RecoveryAttempts: 5,
			RxFIFOSize:       64,
		},
		Queue: QueueConfig{
			Capacity:          50,
			NearlyFullPercent: 80,
		},
		Scheduler: SchedulerConfig{
			BackoffMin:   2 * time.Millisecond,
			BackoffMax:   10 * time.Millisecond,
			EchoTimeout:  7 * time.Millisecond,
			MaxRetries:   3,
			ConfirmDelay: 2600 * time.Microsecond,
			AckSlotStart: 13,
			AckSlotEnd:   15,
		},
		Health: HealthConfig{
			Interval:        200 * time.Millisecond,
			StatsInterval:   time.Minute,
			WatchdogTimeout: 2 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID: "tpbridge",
			Topic:    "tpbridge/health",
			QoS:      1,
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path or a
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies TPBRIDGE_* environment variables
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TPBRIDGE_HOST_PORT"); v != "" {
		cfg.Host.Port = v
	}
	if v := os.Getenv("TPBRIDGE_HOST_BAUD"); v != "" {
		if baud, err := strconv.Atoi(v); err == nil {
			cfg.Host.Baud = baud
		}
	}
	if v := os.Getenv("TPBRIDGE_HOST_PASSWORD"); v != "" {
		cfg.Host.Password = v
	}
	if v := os.Getenv("TPBRIDGE_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("TPBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("TPBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for values the gateway cannot run with
func (c *Config) Validate() error {
	var errs []string

	if c.Host.Baud <= 0 {
		errs = append(errs, "host.baud must be positive")
	}
	if c.Host.IdleTimeout <= 0 {
		errs = append(errs, "host.idle_timeout must be positive")
	}
	if c.Bus.BusyTimeout <= 0 {
		errs = append(errs, "bus.busy_timeout must be positive")
	}
	if c.Bus.InterByteTimeout <= 0 {
		errs = append(errs, "bus.inter_byte_timeout must be positive")
	}
	if c.Bus.PollInterval <= 0 {
		errs = append(errs, "bus.poll_interval must be positive")
	}
	if c.Bus.RecoveryAttempts < 0 {
		errs = append(errs, "bus.recovery_attempts must not be negative")
	}
	if c.Queue.Capacity < 1 {
		errs = append(errs, "queue.capacity must be at least 1")
	}
	if c.Queue.NearlyFullPercent < 1 || c.Queue.NearlyFullPercent > 100 {
		errs = append(errs, "queue.nearly_full_percent must be between 1 and 100")
	}
	if c.Scheduler.BackoffMin <= 0 || c.Scheduler.BackoffMax < c.Scheduler.BackoffMin {
		errs = append(errs, "scheduler.backoff_min must be positive and not exceed backoff_max")
	}
	if c.Scheduler.EchoTimeout <= 0 {
		errs = append(errs, "scheduler.echo_timeout must be positive")
	}
	if c.Scheduler.MaxRetries < 0 {
		errs = append(errs, "scheduler.max_retries must not be negative")
	}
	if c.Scheduler.AckSlotStart < 1 || c.Scheduler.AckSlotEnd <= c.Scheduler.AckSlotStart {
		errs = append(errs, "scheduler.ack_slot_start must be positive and below ack_slot_end")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
