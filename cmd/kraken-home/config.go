package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kraken-go-home/internal/device"
	"kraken-go-home/internal/update"
)

type Config struct {
	Update struct {
		IntervalMS *int   `yaml:"interval_ms"`
		Mode       string `yaml:"mode"` // "periodic" or "continuous"
		Enabled    *bool  `yaml:"enabled"`
	} `yaml:"update"`
	Transport struct {
		Type         string `yaml:"type"` // "usb" or "serial"
		Port         string `yaml:"port"`
		Baud         int    `yaml:"baud"`
		Model        string `yaml:"model"`         // serial only
		ScanInterval string `yaml:"scan_interval"` // usb only
	} `yaml:"transport"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
	// Devices holds initial attribute values by device id.
	Devices map[string]map[string]string `yaml:"devices"`
}

func (c *Config) validate() error {
	if *c.Update.IntervalMS < 0 {
		return fmt.Errorf("update.interval_ms must not be negative, got %d", *c.Update.IntervalMS)
	}
	if _, err := update.ParseMode(c.Update.Mode); err != nil {
		return fmt.Errorf("update.mode: %w", err)
	}
	switch c.Transport.Type {
	case "usb":
		if d, err := time.ParseDuration(c.Transport.ScanInterval); err != nil || d <= 0 {
			return fmt.Errorf("transport.scan_interval must be a positive duration, got %q", c.Transport.ScanInterval)
		}
	case "serial":
		if c.Transport.Port == "" {
			return fmt.Errorf("transport.port is required for the serial transport")
		}
		if _, ok := device.ModelByName(c.Transport.Model); !ok {
			return fmt.Errorf("transport.model must name a supported cooler, got %q", c.Transport.Model)
		}
	default:
		return fmt.Errorf("unknown transport type: %q (supported: usb, serial)", c.Transport.Type)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// updateConfig is the scheduling every device starts with.
func (c *Config) updateConfig() update.Config {
	mode, _ := update.ParseMode(c.Update.Mode)
	return update.Config{
		Interval: time.Duration(*c.Update.IntervalMS) * time.Millisecond,
		Mode:     mode,
		Enabled:  *c.Update.Enabled,
	}
}

func (c *Config) scanInterval() time.Duration {
	d, _ := time.ParseDuration(c.Transport.ScanInterval)
	return d
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Update.IntervalMS == nil {
		ms := int(update.DefaultInterval / time.Millisecond)
		cfg.Update.IntervalMS = &ms
	}
	if cfg.Update.Enabled == nil {
		on := true
		cfg.Update.Enabled = &on
	}
	if cfg.Transport.Type == "" {
		cfg.Transport.Type = "usb"
	}
	if cfg.Transport.Baud == 0 {
		cfg.Transport.Baud = 115200
	}
	if cfg.Transport.ScanInterval == "" {
		cfg.Transport.ScanInterval = "5s"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8090"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "kraken-home.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "kraken"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	return &cfg, nil
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
