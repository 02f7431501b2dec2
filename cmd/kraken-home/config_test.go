package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kraken-go-home/internal/update"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig([]byte("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}

	uc := cfg.updateConfig()
	if uc.Interval != time.Second || !uc.Enabled || uc.Mode != update.Periodic {
		t.Errorf("update config = %+v", uc)
	}
	if cfg.Transport.Type != "usb" || cfg.scanInterval() != 5*time.Second {
		t.Errorf("transport = %+v", cfg.Transport)
	}
	if cfg.Web.Listen != "127.0.0.1:8090" || cfg.Store.Path != "kraken-home.db" {
		t.Errorf("web/store = %q %q", cfg.Web.Listen, cfg.Store.Path)
	}
	if cfg.MQTT.TopicPrefix != "kraken" || cfg.ScriptsDir != "scripts" {
		t.Errorf("mqtt prefix %q, scripts %q", cfg.MQTT.TopicPrefix, cfg.ScriptsDir)
	}
}

func TestParseConfigExplicitZero(t *testing.T) {
	cfg, err := parseConfig([]byte("update:\n  interval_ms: 0\n  enabled: false\n"))
	if err != nil {
		t.Fatal(err)
	}
	uc := cfg.updateConfig()
	if uc.Interval != 0 || uc.Enabled {
		t.Errorf("update config = %+v, want off", uc)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
update:
  interval_ms: 250
  mode: continuous
transport:
  type: serial
  port: /dev/ttyACM0
  model: x61
devices:
  KX1:
    fan_percent: "60"
    led/preset: fixed
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Transport.Baud != 115200 {
		t.Errorf("baud = %d", cfg.Transport.Baud)
	}
	if uc := cfg.updateConfig(); uc.Mode != update.Continuous || uc.Interval != 250*time.Millisecond {
		t.Errorf("update config = %+v", uc)
	}
	if cfg.Devices["KX1"]["led/preset"] != "fixed" {
		t.Errorf("devices = %v", cfg.Devices)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("want error for a missing file")
	}
	if _, err := parseConfig([]byte("update: [")); err == nil {
		t.Error("want error for bad yaml")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"negative interval", "update: {interval_ms: -5}", "interval_ms"},
		{"bad mode", "update: {mode: sometimes}", "update.mode"},
		{"bad transport", "transport: {type: bluetooth}", "unknown transport"},
		{"bad scan interval", "transport: {scan_interval: often}", "scan_interval"},
		{"serial without port", "transport: {type: serial, model: x62}", "transport.port"},
		{"serial without model", "transport: {type: serial, port: /dev/ttyACM0}", "transport.model"},
		{"mqtt without broker", "mqtt: {enabled: true}", "mqtt.broker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parseConfig([]byte(tt.yaml))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg, _ := parseConfig([]byte("log: {level: warn, format: json}"))
	var buf bytes.Buffer
	logger := newLogger(cfg, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "device", "KX1")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info logged at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"device":"KX1"`) {
		t.Errorf("json output = %s", out)
	}
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()
	if f := root.PersistentFlags().Lookup("config"); f == nil || f.DefValue != "config.yaml" {
		t.Fatalf("config flag = %+v", f)
	}
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"list", "run"} {
		found := false
		for _, n := range names {
			found = found || n == want
		}
		if !found {
			t.Errorf("missing subcommand %q in %v", want, names)
		}
	}

	root.SetArgs([]string{"run", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	if err := root.Execute(); err == nil {
		t.Error("run with a missing config should fail")
	}
}
