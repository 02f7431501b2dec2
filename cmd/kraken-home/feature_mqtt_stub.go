//go:build no_mqtt

package main

import (
	"log/slog"

	"kraken-go-home/internal/device"
	"kraken-go-home/internal/events"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *device.Manager, _ *events.Bus, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
