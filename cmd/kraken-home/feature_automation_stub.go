//go:build no_automation

package main

import (
	"log/slog"

	"kraken-go-home/internal/device"
	"kraken-go-home/internal/events"
	"kraken-go-home/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *device.Manager, _ *events.Bus, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
