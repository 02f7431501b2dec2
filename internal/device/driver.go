// Package device ties a cooler driver to its connection and update
// scheduler, and keeps the set of attached coolers.
package device

import (
	"context"
	"log/slog"

	"kraken-go-home/internal/kraken"
	"kraken-go-home/internal/usbio"
	"kraken-go-home/internal/x61"
	"kraken-go-home/internal/x62"
)

// Driver is what a cooler model implements. Update is only ever called from
// the device's scheduler goroutine; the other methods may be called
// concurrently with it.
type Driver interface {
	Model() string
	// Init runs once after the connection is opened and returns the serial
	// number, or "" when the model has none.
	Init(ctx context.Context) (string, error)
	Update(ctx context.Context) error
	Attributes() []kraken.Attribute
	Get(name string) (string, error)
	Set(name, value string) error
	Telemetry() kraken.Telemetry
}

// Model maps a USB id onto a driver constructor.
type Model struct {
	Name    string
	Vendor  uint16
	Product uint16
	New     func(conn *usbio.Conn, logger *slog.Logger) Driver
}

// Models lists the supported coolers.
var Models = []Model{
	{Name: x62.Model, Vendor: 0x1e71, Product: 0x170e,
		New: func(c *usbio.Conn, l *slog.Logger) Driver { return x62.New(c, l) }},
	{Name: x61.Model, Vendor: 0x2433, Product: 0xb200,
		New: func(c *usbio.Conn, l *slog.Logger) Driver { return x61.New(c, l) }},
}

// LookupModel finds the model for a vendor:product pair.
func LookupModel(vendor, product uint16) (Model, bool) {
	for _, m := range Models {
		if m.Vendor == vendor && m.Product == product {
			return m, true
		}
	}
	return Model{}, false
}

// ModelByName finds a model by driver name.
func ModelByName(name string) (Model, bool) {
	for _, m := range Models {
		if m.Name == name {
			return m, true
		}
	}
	return Model{}, false
}

// IDs returns the USB ids of every supported model.
func IDs() []usbio.ID {
	ids := make([]usbio.ID, len(Models))
	for i, m := range Models {
		ids[i] = usbio.ID{Vendor: m.Vendor, Product: m.Product}
	}
	return ids
}
