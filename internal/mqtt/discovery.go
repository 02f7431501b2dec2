//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"kraken-go-home/internal/kraken"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/kraken_61A0B2C3D4/temp_liquid/config"
	Payload []byte // JSON
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	Min               int      `json:"min,omitempty"`
	Max               int      `json:"max,omitempty"`
	Mode              string   `json:"mode,omitempty"`
	Device            haDevice `json:"device"`
}

// discoveryDevice is what discovery needs to know about a cooler.
type discoveryDevice struct {
	ID    string
	Model string
	Attrs []kraken.Attribute
}

func (d discoveryDevice) has(name string) bool {
	_, err := kraken.Find(d.Attrs, name)
	return err == nil
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(id string) string {
	return "kraken_" + topicSafe(id)
}

// topicSafe keeps only characters that are safe in topic levels and HA
// object ids.
func topicSafe(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, s)
}

type sensorDef struct {
	field, name, deviceClass, unit string
}

var sensors = []sensorDef{
	{"temp_liquid", "Liquid Temperature", "temperature", "°C"},
	{"fan_rpm", "Fan Speed", "", "rpm"},
	{"pump_rpm", "Pump Speed", "", "rpm"},
}

// Duty attributes published as HA number entities, with their ranges.
var numbers = []struct {
	attr, name string
	min, max   int
}{
	{"fan_percent", "Fan Duty", 35, 100},
	{"pump_percent", "Pump Duty", 50, 100},
	{"speed", "Duty", 30, 100},
}

// buildDiscovery generates HA discovery messages for a cooler.
func buildDiscovery(dev discoveryDevice, prefix string) []discoveryMsg {
	nodeID := deviceIdentifier(dev.ID)
	base := prefix + "/" + dev.ID
	avail := base + "/availability"
	stateTopic := base + "/state"
	displayName := "Kraken " + strings.ToUpper(dev.Model) + " " + dev.ID

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "NZXT",
		Model:        "Kraken " + strings.ToUpper(dev.Model),
		Name:         displayName,
	}

	var msgs []discoveryMsg
	for _, s := range sensors {
		payload := haDiscovery{
			Name:              displayName + " " + s.name,
			UniqueID:          nodeID + "_" + s.field,
			StateTopic:        stateTopic,
			AvailabilityTopic: avail,
			ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", s.field),
			UnitOfMeasurement: s.unit,
			DeviceClass:       s.deviceClass,
			StateClass:        "measurement",
			Device:            haDev,
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, s.field),
			Payload: mustJSON(payload),
		})
	}

	for _, n := range numbers {
		if !dev.has(n.attr) {
			continue
		}
		payload := haDiscovery{
			Name:              displayName + " " + n.name,
			UniqueID:          nodeID + "_" + n.attr,
			StateTopic:        stateTopic,
			CommandTopic:      base + "/set/" + n.attr,
			AvailabilityTopic: avail,
			ValueTemplate:     fmt.Sprintf("{{ value_json.settings.%s | default(None) }}", n.attr),
			UnitOfMeasurement: "%",
			Min:               n.min,
			Max:               n.max,
			Mode:              "slider",
			Device:            haDev,
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/number/%s/%s/config", nodeID, n.attr),
			Payload: mustJSON(payload),
		})
	}
	return msgs
}
