// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package mqttpub publishes gateway health to an MQTT broker.
package mqttpub

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Thermoquad/tpbridge/pkg/config"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	defaultReconnectInterval = 5 * time.Second
)

var (
	ErrConnectionFailed = errors.New("mqttpub: connection failed")
	ErrNotConnected     = errors.New("mqttpub: not connected")
	ErrPublishTimeout   = errors.New("mqttpub: publish timed out")
)

// Publisher is a connected MQTT client used for health reporting. It
// implements gateway.HealthPublisher.
type Publisher struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	logger *zap.Logger

	connected bool
	connMu    sync.RWMutex
}

// Connect establishes a connection to the broker. A last will marks the
// gateway offline if the connection drops without Close.
func Connect(cfg config.MQTTConfig, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Publisher{cfg: cfg, logger: logger}

	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg)

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		p.setConnected(true)
		p.logger.Info("mqtt connected", zap.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.setConnected(false)
		p.logger.Warn("mqtt connection lost", zap.Error(err))
	})

	p.client = pahomqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// the connect handler runs asynchronously
	p.setConnected(true)
	return p, nil
}

// Publish sends payload to topic and waits for the broker to accept it
func (p *Publisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %s", ErrPublishTimeout, topic)
	}
	return token.Error()
}

// IsConnected returns the current connection state
func (p *Publisher) IsConnected() bool {
	if p == nil || p.client == nil {
		return false
	}
	p.connMu.RLock()
	defer p.connMu.RUnlock()
	return p.connected && p.client.IsConnected()
}

// Close publishes a graceful offline status and disconnects
func (p *Publisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}

	if p.IsConnected() {
		token := p.client.Publish(StatusTopic(p.cfg.Topic), byte(p.cfg.QoS), true, offlinePayload(p.cfg.ClientID, "graceful_shutdown"))
		token.WaitTimeout(defaultPublishTimeout)
	}

	p.client.Disconnect(defaultDisconnectQuiesce)
	p.setConnected(false)
	return nil
}

func (p *Publisher) setConnected(v bool) {
	p.connMu.Lock()
	p.connected = v
	p.connMu.Unlock()
}

// BrokerURL normalises a broker address, defaulting to tcp://
func BrokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// StatusTopic is the retained online/offline topic next to the health topic
func StatusTopic(healthTopic string) string {
	base := strings.TrimSuffix(healthTopic, "/health")
	if base == "" {
		base = "tpbridge"
	}
	return base + "/status"
}

func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(BrokerURL(cfg.Broker))
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(defaultReconnectInterval)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	return opts
}

func configureLWT(opts *pahomqtt.ClientOptions, cfg config.MQTTConfig) {
	opts.SetWill(StatusTopic(cfg.Topic), offlinePayload(cfg.ClientID, "unexpected_disconnect"), 1, true)
}

func offlinePayload(clientID, reason string) string {
	return fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"%s","timestamp":"%s"}`,
		clientID,
		reason,
		time.Now().UTC().Format(time.RFC3339),
	)
}
