package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const DefaultMQTTTopic = "openroberta"

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT mirrors the bridge status onto retained topics under prefix and takes
// connect/disconnect/server commands from prefix/cmd/#.
type MQTT struct {
	client mqtt.Client

	mu  sync.Mutex
	pub publisher

	controller Controller
	prefix     string
	logger     *slog.Logger
}

func NewMQTT(controller Controller, prefix string, logger *slog.Logger) *MQTT {
	if prefix == "" {
		prefix = DefaultMQTTTopic
	}

	return &MQTT{controller: controller, prefix: strings.TrimSuffix(prefix, "/"), logger: logger}
}

func (m *MQTT) topic(parts ...string) string {
	return m.prefix + "/" + strings.Join(parts, "/")
}

func (m *MQTT) clientOptions(mqttUrl string) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	opts.ClientID = "roberta-connector-" + uuid.NewString()[:8]

	if u, err := url.Parse(mqttUrl); err != nil {
		return nil, fmt.Errorf("mqtt url parse: %w", err)
	} else {
		opts.Servers = []*url.URL{u}
	}

	opts.SetWill(m.topic("availability"), "offline", 1, true)
	opts.SetOnConnectHandler(m.connected)
	opts.SetConnectionLostHandler(m.disconnected)
	// Commands publish status while being handled.
	opts.SetOrderMatters(false)

	return opts, nil
}

func (m *MQTT) Start(ctx context.Context, mqttUrl string) error {
	opts, err := m.clientOptions(mqttUrl)
	if err != nil {
		return err
	}

	m.client = mqtt.NewClient(opts)

	m.mu.Lock()
	m.pub = m.client
	m.mu.Unlock()

	retry := time.NewTicker(1 * time.Second)
	defer retry.Stop()

	m.logger.Info("Attempting to connect to MQTT.", "url", mqttUrl)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-retry.C:
			token := m.client.Connect()
			token.Wait()

			if err := token.Error(); err != nil {
				m.logger.Error("Connect attempt failed, will retry.", "err", err)
			} else {
				return nil
			}
		}
	}
}

func (m *MQTT) Stop() error {
	if m.client == nil {
		return nil
	}

	m.logger.Info("Disconnecting from MQTT.")
	m.publish("availability", true, "offline")
	m.client.Disconnect(1500)
	return nil
}

func (m *MQTT) connected(c mqtt.Client) {
	m.logger.Info("Connected to MQTT.")

	c.Subscribe(m.topic("cmd", "#"), 1, m.messageCommand)

	m.publish("availability", true, "online")
	m.publishStatus()
}

func (m *MQTT) disconnected(c mqtt.Client, err error) {
	// paho reconnects on its own; the bridge keeps running meanwhile.
	m.logger.Error("Disconnected from MQTT.", "err", err)
}

func (m *MQTT) messageCommand(c mqtt.Client, message mqtt.Message) {
	cmd := strings.TrimPrefix(message.Topic(), m.topic("cmd")+"/")

	switch cmd {
	case "connect":
		if token, err := m.controller.Connect(); err != nil {
			m.logger.Warn("Connect command rejected.", "err", err)
		} else {
			m.logger.Info("Connect command accepted.", "token", token)
		}
	case "disconnect":
		if err := m.controller.Disconnect(); err != nil {
			m.logger.Warn("Disconnect command rejected.", "err", err)
		}
	case "server":
		cs := CustomServer{}

		if err := json.Unmarshal(message.Payload(), &cs); err != nil {
			m.logger.Error("Unable to unmarshal server payload.", "err", err)
			return
		}

		if err := m.controller.SetCustomServer(cs); err != nil {
			m.logger.Warn("Server command rejected.", "err", err)
		}
	default:
		m.logger.Debug("Ignoring unknown command topic.", "topic", message.Topic())
	}
}

func (m *MQTT) publish(sub string, retained bool, payload interface{}) {
	m.mu.Lock()
	pub := m.pub
	m.mu.Unlock()

	if pub == nil {
		return
	}

	topic := m.topic(sub)
	token := pub.Publish(topic, 1, retained, payload)

	if !token.WaitTimeout(5 * time.Second) {
		m.logger.Error("Timed out publishing.", "topic", topic)
	} else if err := token.Error(); err != nil {
		m.logger.Error("Failed to publish.", "topic", topic, "err", err)
	}
}

func (m *MQTT) publishStatus() {
	data, err := json.Marshal(m.controller.Status())
	if err != nil {
		m.logger.Error("Unable to marshal status.", "err", err)
		return
	}

	m.publish("status", true, data)
}

func (m *MQTT) StateChanged(s State) {
	m.publish("state", true, s.String())
	m.publishStatus()
}

func (m *MQTT) TokenChanged(token string) {
	m.publish("token", true, token)
	m.publishStatus()
}

func (m *MQTT) ConnectEnabled(enabled bool) {
	m.publish("connect_enabled", true, strconv.FormatBool(enabled))
	m.publishStatus()
}

func (m *MQTT) IndicatorChanged(i Indicator) {
	m.publish("indicator", true, string(i))
}

func (m *MQTT) Notify(n Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		m.logger.Error("Unable to marshal notification.", "err", err)
		return
	}

	m.publish("notification", false, data)
}
