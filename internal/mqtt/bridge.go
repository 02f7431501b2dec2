//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"kraken-go-home/internal/device"
	"kraken-go-home/internal/events"
	"kraken-go-home/internal/kraken"
	"kraken-go-home/internal/update"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge publishes cooler telemetry to MQTT and applies attribute writes
// received on the set topics.
type Bridge struct {
	client  pahomqtt.Client
	devices *device.Manager
	bus     *events.Bus
	prefix  string
	logger  *slog.Logger
	unsubs  []func()

	publishFn func(topic string, payload []byte, retained bool)
}

// state is the retained payload of <prefix>/<id>/state.
type state struct {
	kraken.Telemetry
	Model     string            `json:"model"`
	OK        bool              `json:"ok"`
	Error     string            `json:"error,omitempty"`
	Update    update.Status     `json:"update"`
	Settings  map[string]string `json:"settings,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// updateCommand is the payload of <prefix>/<id>/update/set.
type updateCommand struct {
	IntervalMS *int  `json:"interval_ms"`
	Enabled    *bool `json:"enabled"`
}

func newBridge(devices *device.Manager, bus *events.Bus, cfg Config, logger *slog.Logger) *Bridge {
	b := &Bridge{
		devices: devices,
		bus:     bus,
		prefix:  cfg.TopicPrefix,
		logger:  logger.With("component", "mqtt"),
	}
	b.publishFn = b.clientPublish
	return b
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(devices *device.Manager, bus *events.Bus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(devices, bus, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("kraken-go-home").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDevices()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to device events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsubs = append(b.unsubs,
		b.bus.Subscribe(func(e events.UpdateCompletedEvent) { b.publishState(e) }),
		b.bus.Subscribe(func(e events.DeviceAttachedEvent) { b.publishDevice(e.DeviceID) }),
		b.bus.Subscribe(func(e events.DeviceDetachedEvent) { b.publishAvailability(e.DeviceID, "offline") }),
	)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop marks every device offline, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	for _, u := range b.unsubs {
		u()
	}
	for _, dev := range b.devices.List() {
		b.publishAvailability(dev.ID(), "offline")
	}
	b.publishBridgeState("offline")
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) topic(id string, parts ...string) string {
	return b.prefix + "/" + id + "/" + strings.Join(parts, "/")
}

func (b *Bridge) publishBridgeState(state string) {
	b.publishFn(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAvailability(id, avail string) {
	b.publishFn(b.topic(id, "availability"), []byte(avail), true)
}

func (b *Bridge) publishAllDevices() {
	for _, dev := range b.devices.List() {
		b.publishDevice(dev.ID())
	}
}

// publishDevice announces a device to Home Assistant and marks it online.
func (b *Bridge) publishDevice(id string) {
	dev, err := b.devices.Get(id)
	if err != nil {
		return
	}
	desc := discoveryDevice{ID: dev.ID(), Model: dev.Model(), Attrs: dev.Attributes()}
	for _, msg := range buildDiscovery(desc, b.prefix) {
		b.publishFn(msg.Topic, msg.Payload, true)
	}
	b.publishAvailability(id, "online")
	b.logger.Info("published HA discovery", "device", id, "model", dev.Model())
}

func (b *Bridge) publishState(e events.UpdateCompletedEvent) {
	st := state{
		Telemetry: e.Telemetry,
		Model:     e.Model,
		OK:        e.OK,
		Error:     e.Error,
		Timestamp: e.Timestamp,
	}
	if dev, err := b.devices.Get(e.DeviceID); err == nil {
		st.Update = dev.UpdateStatus()
		st.Settings = settings(dev)
	}
	b.publishFn(b.topic(e.DeviceID, "state"), mustJSON(st), true)
}

// settings collects the current value of every readable, writable
// attribute that has one.
func settings(dev *device.Device) map[string]string {
	out := make(map[string]string)
	for _, a := range dev.Attributes() {
		if !a.Readable() || !a.Writable() {
			continue
		}
		if v, err := dev.Get(a.Name); err == nil {
			out[a.Name] = v
		}
	}
	return out
}

func (b *Bridge) subscribeCommands() {
	for _, topic := range []string{b.prefix + "/+/set/#", b.prefix + "/+/update/set"} {
		b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			b.handleMessage(msg.Topic(), msg.Payload())
		})
	}
}

// parseCommandTopic splits <prefix>/<id>/set/<attr> and
// <prefix>/<id>/update/set. Attribute names may contain slashes.
func (b *Bridge) parseCommandTopic(topic string) (id, kind, attr string, ok bool) {
	rest, found := strings.CutPrefix(topic, b.prefix+"/")
	if !found {
		return "", "", "", false
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[0] == "" {
		return "", "", "", false
	}
	switch {
	case parts[1] == "set" && parts[2] != "":
		return parts[0], "set", parts[2], true
	case parts[1] == "update" && parts[2] == "set":
		return parts[0], "update", "", true
	}
	return "", "", "", false
}

func (b *Bridge) handleMessage(topic string, payload []byte) {
	id, kind, attr, ok := b.parseCommandTopic(topic)
	if !ok {
		return
	}
	dev, err := b.devices.Get(id)
	if err != nil {
		b.logger.Warn("command for unknown device", "device", id)
		return
	}

	switch kind {
	case "set":
		if err := dev.Set(attr, string(payload)); err != nil {
			b.logger.Warn("set attribute failed", "device", id, "attr", attr, "err", err)
		}
	case "update":
		if err := applyUpdateCommand(dev, payload); err != nil {
			b.logger.Warn("invalid update command", "device", id, "err", err)
		}
	}
}

var errBadCommand = errors.New("bad update command")

func applyUpdateCommand(dev *device.Device, payload []byte) error {
	var cmd updateCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("%w: %w", errBadCommand, err)
	}
	if cmd.IntervalMS == nil && cmd.Enabled == nil {
		return fmt.Errorf("%w: neither interval_ms nor enabled given", errBadCommand)
	}
	if cmd.IntervalMS != nil && *cmd.IntervalMS < 0 {
		return fmt.Errorf("%w: negative interval %d", errBadCommand, *cmd.IntervalMS)
	}
	if cmd.IntervalMS != nil {
		dev.SetUpdateInterval(time.Duration(*cmd.IntervalMS) * time.Millisecond)
	}
	if cmd.Enabled != nil {
		dev.SetUpdateEnabled(*cmd.Enabled)
	}
	return nil
}

func (b *Bridge) clientPublish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
