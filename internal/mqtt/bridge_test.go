//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"kraken-go-home/internal/device"
	"kraken-go-home/internal/events"
	"kraken-go-home/internal/kraken"
	"kraken-go-home/internal/update"
	"kraken-go-home/internal/usbio"
	"kraken-go-home/internal/usbio/usbiotest"
	"kraken-go-home/internal/x61"
	"kraken-go-home/internal/x62"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type recorder struct {
	mu   sync.Mutex
	msgs []published
}

func (r *recorder) publish(topic string, payload []byte, retained bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, published{topic, payload, retained})
}

func (r *recorder) last(topic string) (published, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.msgs) - 1; i >= 0; i-- {
		if r.msgs[i].topic == topic {
			return r.msgs[i], true
		}
	}
	return published{}, false
}

func serialDescriptor(s string) []byte {
	d := []byte{byte(2 + 2*len(s)), 0x03}
	for _, c := range []byte(s) {
		d = append(d, c, 0)
	}
	return d
}

// newTestBridge attaches one X62 cooler with serial KX1 and updates off.
func newTestBridge(t *testing.T) (*Bridge, *device.Device, *recorder) {
	t.Helper()
	bus := events.New()
	m := device.NewManager(context.Background(), device.Config{Update: update.Config{}}, nil, bus, testLogger())
	t.Cleanup(m.Close)

	fake := usbiotest.New()
	fake.SetControlRead(serialDescriptor("KX1"))
	fake.SetRead(0x81, []byte{0x04, 30, 0x07, 0x03, 0xe8, 0x0a, 0x8c, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	dev, err := m.Attach(context.Background(), fake, usbio.DeviceInfo{Vendor: 0x1e71, Product: 0x170e, Bus: 1, Address: 3})
	if err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	b := newBridge(m, bus, Config{TopicPrefix: "kraken"}, testLogger())
	b.publishFn = rec.publish
	return b, dev, rec
}

func TestDiscoveryX62(t *testing.T) {
	attrs := x62.New(nil, testLogger()).Attributes()
	msgs := buildDiscovery(discoveryDevice{ID: "KX1", Model: "x62", Attrs: attrs}, "kraken")

	topics := make(map[string]haDiscovery)
	for _, m := range msgs {
		var p haDiscovery
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			t.Fatalf("unmarshal %s: %v", m.Topic, err)
		}
		topics[m.Topic] = p
	}
	if len(topics) != 5 {
		t.Fatalf("got %d discovery topics, want 3 sensors and 2 numbers", len(topics))
	}

	temp, ok := topics["homeassistant/sensor/kraken_KX1/temp_liquid/config"]
	if !ok {
		t.Fatal("temperature discovery not found")
	}
	if temp.DeviceClass != "temperature" || temp.UnitOfMeasurement != "°C" {
		t.Errorf("temperature = %+v", temp)
	}
	if temp.StateTopic != "kraken/KX1/state" || temp.AvailabilityTopic != "kraken/KX1/availability" {
		t.Errorf("topics = %s, %s", temp.StateTopic, temp.AvailabilityTopic)
	}
	if temp.ValueTemplate != "{{ value_json.temp_liquid }}" {
		t.Errorf("value_template = %q", temp.ValueTemplate)
	}
	if temp.Device.Manufacturer != "NZXT" || temp.Device.Identifiers[0] != "kraken_KX1" {
		t.Errorf("device = %+v", temp.Device)
	}

	fan, ok := topics["homeassistant/number/kraken_KX1/fan_percent/config"]
	if !ok {
		t.Fatal("fan duty discovery not found")
	}
	if fan.CommandTopic != "kraken/KX1/set/fan_percent" || fan.Min != 35 || fan.Max != 100 {
		t.Errorf("fan duty = %+v", fan)
	}
	if _, ok := topics["homeassistant/number/kraken_KX1/speed/config"]; ok {
		t.Error("X62 announced the X61 speed attribute")
	}
}

func TestDiscoveryX61(t *testing.T) {
	attrs := x61.New(nil, testLogger()).Attributes()
	msgs := buildDiscovery(discoveryDevice{ID: "usb-1-4", Model: "x61", Attrs: attrs}, "kraken")
	if len(msgs) != 4 {
		t.Fatalf("got %d discovery messages, want 4", len(msgs))
	}
	last := msgs[len(msgs)-1]
	if last.Topic != "homeassistant/number/kraken_usb-1-4/speed/config" {
		t.Errorf("topic = %s", last.Topic)
	}
}

func TestTopicSafe(t *testing.T) {
	tests := []struct{ in, want string }{
		{"61A0B2C3D4", "61A0B2C3D4"},
		{"usb-1-4", "usb-1-4"},
		{"a/b+c#d e", "a_b_c_d_e"},
	}
	for _, tt := range tests {
		if got := topicSafe(tt.in); got != tt.want {
			t.Errorf("topicSafe(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseCommandTopic(t *testing.T) {
	b := &Bridge{prefix: "kraken"}
	tests := []struct {
		topic          string
		id, kind, attr string
		ok             bool
	}{
		{"kraken/KX1/set/fan_percent", "KX1", "set", "fan_percent", true},
		{"kraken/KX1/set/led/colors_logo", "KX1", "set", "led/colors_logo", true},
		{"kraken/KX1/update/set", "KX1", "update", "", true},
		{"kraken/KX1/set/", "", "", "", false},
		{"kraken/KX1/update/get", "", "", "", false},
		{"kraken/KX1/state", "", "", "", false},
		{"other/KX1/set/fan_percent", "", "", "", false},
		{"kraken//set/fan_percent", "", "", "", false},
	}
	for _, tt := range tests {
		id, kind, attr, ok := b.parseCommandTopic(tt.topic)
		if id != tt.id || kind != tt.kind || attr != tt.attr || ok != tt.ok {
			t.Errorf("parseCommandTopic(%q) = %q %q %q %v", tt.topic, id, kind, attr, ok)
		}
	}
}

func TestHandleSet(t *testing.T) {
	b, dev, _ := newTestBridge(t)

	b.handleMessage("kraken/KX1/set/fan_percent", []byte(" 60\n"))
	if v, err := dev.Get("fan_percent"); err != nil || v != "60" {
		t.Errorf("fan_percent = %q, %v", v, err)
	}

	// Rejected and misdirected writes leave the device alone.
	b.handleMessage("kraken/KX1/set/fan_percent", []byte("20"))
	b.handleMessage("kraken/KX1/set/temp_liquid", []byte("20"))
	b.handleMessage("kraken/OTHER/set/fan_percent", []byte("90"))
	if v, _ := dev.Get("fan_percent"); v != "60" {
		t.Errorf("fan_percent = %q after rejected writes", v)
	}
}

func TestHandleUpdateSet(t *testing.T) {
	b, dev, _ := newTestBridge(t)

	b.handleMessage("kraken/KX1/update/set", []byte(`{"interval_ms": 1000, "enabled": true}`))
	st := dev.UpdateStatus()
	if !st.Enabled || st.IntervalMS != 1000 {
		t.Errorf("status = %+v", st)
	}

	b.handleMessage("kraken/KX1/update/set", []byte(`{"enabled": false}`))
	if st := dev.UpdateStatus(); st.Enabled || st.IntervalMS != 1000 {
		t.Errorf("status = %+v", st)
	}
}

func TestApplyUpdateCommandErrors(t *testing.T) {
	_, dev, _ := newTestBridge(t)
	for _, payload := range []string{`not json`, `{}`, `{"interval_ms": -5}`} {
		if err := applyUpdateCommand(dev, []byte(payload)); err == nil {
			t.Errorf("applyUpdateCommand(%s) succeeded", payload)
		}
	}
}

func TestPublishDevice(t *testing.T) {
	b, _, rec := newTestBridge(t)
	b.publishAllDevices()

	avail, ok := rec.last("kraken/KX1/availability")
	if !ok || string(avail.payload) != "online" || !avail.retained {
		t.Errorf("availability = %+v", avail)
	}
	if _, ok := rec.last("homeassistant/sensor/kraken_KX1/pump_rpm/config"); !ok {
		t.Error("no pump discovery published")
	}
}

func TestPublishState(t *testing.T) {
	b, dev, rec := newTestBridge(t)
	if err := dev.Set("pump_percent", "70"); err != nil {
		t.Fatal(err)
	}

	b.publishState(events.UpdateCompletedEvent{
		DeviceID:  "KX1",
		Model:     "x62",
		OK:        true,
		Telemetry: kraken.Telemetry{LiquidTemp: 31, FanRPM: 900, PumpRPM: 2700, Serial: "KX1"},
		Timestamp: time.Now(),
	})

	msg, ok := rec.last("kraken/KX1/state")
	if !ok {
		t.Fatal("no state published")
	}
	if !msg.retained {
		t.Error("state not retained")
	}
	var got map[string]any
	if err := json.Unmarshal(msg.payload, &got); err != nil {
		t.Fatal(err)
	}
	if got["temp_liquid"] != float64(31) || got["pump_rpm"] != float64(2700) || got["ok"] != true {
		t.Errorf("state = %s", msg.payload)
	}
	settings, _ := got["settings"].(map[string]any)
	if settings["pump_percent"] != "70" {
		t.Errorf("settings = %v", settings)
	}
	if _, ok := settings["fan_percent"]; ok {
		t.Error("unset fan_percent included in settings")
	}
	if _, ok := got["update"].(map[string]any); !ok {
		t.Errorf("update status missing from %s", msg.payload)
	}
}

func TestStartFollowsEvents(t *testing.T) {
	b, _, rec := newTestBridge(t)
	b.Start()
	defer func() {
		for _, u := range b.unsubs {
			u()
		}
	}()

	b.bus.Publish(events.DeviceDetachedEvent{DeviceID: "KX1", Timestamp: time.Now()})
	deadline := time.Now().Add(time.Second)
	for {
		if msg, ok := rec.last("kraken/KX1/availability"); ok && string(msg.payload) == "offline" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("detach did not mark the device offline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
