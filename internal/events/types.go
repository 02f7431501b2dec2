package events

import (
	"time"

	"kraken-go-home/internal/kraken"
)

// Event type constants for kelindar/event.
const (
	TypeDeviceAttached uint32 = iota + 1
	TypeDeviceDetached
	TypeUpdateCompleted
	TypeUpdatesHalted
	TypeAttributeChanged
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// Name returns the wire name of an event, as used in websocket frames.
func Name(ev Event) string {
	switch ev.Type() {
	case TypeDeviceAttached:
		return "device_attached"
	case TypeDeviceDetached:
		return "device_detached"
	case TypeUpdateCompleted:
		return "update_completed"
	case TypeUpdatesHalted:
		return "updates_halted"
	case TypeAttributeChanged:
		return "attribute_changed"
	}
	return "unknown"
}

// DeviceAttachedEvent is published once a device is initialized and its
// settings are replayed.
type DeviceAttachedEvent struct {
	DeviceID  string    `json:"device_id"`
	Model     string    `json:"model"`
	Timestamp time.Time `json:"timestamp"`
}

func (e DeviceAttachedEvent) Type() uint32 { return TypeDeviceAttached }

// DeviceDetachedEvent is published after a device is closed.
type DeviceDetachedEvent struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (e DeviceDetachedEvent) Type() uint32 { return TypeDeviceDetached }

// UpdateCompletedEvent is published after every pass, failed or not.
type UpdateCompletedEvent struct {
	DeviceID  string           `json:"device_id"`
	Model     string           `json:"model"`
	OK        bool             `json:"ok"`
	Error     string           `json:"error,omitempty"`
	Duration  time.Duration    `json:"duration_ns"`
	Telemetry kraken.Telemetry `json:"telemetry"`
	Timestamp time.Time        `json:"timestamp"`
}

func (e UpdateCompletedEvent) Type() uint32 { return TypeUpdateCompleted }

// UpdatesHaltedEvent is published when a failed pass disables updates.
type UpdatesHaltedEvent struct {
	DeviceID  string    `json:"device_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

func (e UpdatesHaltedEvent) Type() uint32 { return TypeUpdatesHalted }

// AttributeChangedEvent is published after a successful attribute write.
type AttributeChangedEvent struct {
	DeviceID  string    `json:"device_id"`
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

func (e AttributeChangedEvent) Type() uint32 { return TypeAttributeChanged }
