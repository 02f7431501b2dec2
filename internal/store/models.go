package store

import "time"

// Device is the persisted record of one cooler.
type Device struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Vendor    uint16    `json:"vendor"`
	Product   uint16    `json:"product"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	// Settings maps writable attribute names to the last value accepted.
	Settings map[string]string `json:"settings,omitempty"`
	Update   *UpdateSettings   `json:"update,omitempty"`
}

// UpdateSettings is the last requested update period and switch.
type UpdateSettings struct {
	IntervalMS int  `json:"interval_ms"`
	Enabled    bool `json:"enabled"`
}

// SetSetting records value for attribute name.
func (d *Device) SetSetting(name, value string) {
	if d.Settings == nil {
		d.Settings = make(map[string]string)
	}
	d.Settings[name] = value
}
