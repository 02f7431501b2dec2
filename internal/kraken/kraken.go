// Package kraken holds what every cooler driver shares: the error taxonomy,
// colors, attribute descriptors and parsing of textual attribute values.
package kraken

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidArgument reports malformed or out-of-range input. State is
	// left unchanged.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidConfiguration reports a lighting configuration the device
	// does not accept. The previously committed configuration is kept.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrUnknownAttribute reports an attribute the driver does not have.
	ErrUnknownAttribute = errors.New("unknown attribute")
	// ErrReadOnly reports a write to a read-only attribute.
	ErrReadOnly = errors.New("attribute is read-only")
	// ErrWriteOnly reports a read of a write-only attribute.
	ErrWriteOnly = errors.New("attribute is write-only")
	// ErrNoValue reports an attribute that has not been given a value yet.
	ErrNoValue = errors.New("no value set")
)

// Access describes how an attribute may be used.
type Access uint8

const (
	Read Access = 1 << iota
	Write
)

// Attribute describes one named value of a device.
type Attribute struct {
	Name   string `json:"name"`
	Access Access `json:"-"`
	Doc    string `json:"doc,omitempty"`
}

// Readable reports whether the attribute can be read.
func (a Attribute) Readable() bool { return a.Access&Read != 0 }

// Writable reports whether the attribute can be written.
func (a Attribute) Writable() bool { return a.Access&Write != 0 }

// Mode renders the access bits as r, w or rw.
func (a Attribute) Mode() string {
	switch a.Access {
	case Read | Write:
		return "rw"
	case Write:
		return "w"
	}
	return "r"
}

// Find returns the attribute called name.
func Find(attrs []Attribute, name string) (Attribute, error) {
	for _, a := range attrs {
		if a.Name == name {
			return a, nil
		}
	}
	return Attribute{}, fmt.Errorf("%q: %w", name, ErrUnknownAttribute)
}

// Color is an RGB triple.
type Color struct {
	R, G, B uint8
}

func (c Color) String() string {
	return fmt.Sprintf("%02x%02x%02x", c.R, c.G, c.B)
}

// Telemetry is the set of readings a pass produced. Fields a model does not
// report are zero.
type Telemetry struct {
	LiquidTemp int    `json:"temp_liquid"`
	FanRPM     int    `json:"fan_rpm"`
	PumpRPM    int    `json:"pump_rpm"`
	Serial     string `json:"serial,omitempty"`
}

// ParseEnum maps word onto its index in names, ignoring case.
func ParseEnum(word string, names []string) (int, error) {
	for i, n := range names {
		if strings.EqualFold(word, n) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %q is not one of %s", ErrInvalidArgument, word, strings.Join(names, ", "))
}
