package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

const minimalYAML = `quoteflow:
  name: "TestApp"
  version: "1.0"
venues:
  binance:
    enabled: true
    ws_url: "wss://example.com/ws"
    symbols: ["BTC-USD"]
    channels: ["trade"]
    heartbeat_interval: 20s
    read_timeout: 60s
  kraken:
    enabled: true
    rest_url: "https://example.com"
    symbols: ["BTC-USD"]
    channels: ["funding"]
    poll_interval: 45s
`

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, minimalYAML)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Quoteflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Quoteflow.Name)
	}
	if got := cfg.Venues["binance"].HeartbeatInterval; got != 20*time.Second {
		t.Errorf("unexpected heartbeat interval: %s", got)
	}
	// A REST-only venue needs no websocket endpoint or heartbeat.
	if got := cfg.Venues["kraken"].PollInterval; got != 45*time.Second {
		t.Errorf("unexpected poll interval: %s", got)
	}
	// Defaults survive partial configuration.
	if cfg.Sink.BatchSize != 500 {
		t.Errorf("unexpected default batch size: %d", cfg.Sink.BatchSize)
	}
	if cfg.Router.QueueDepth != 1024 {
		t.Errorf("unexpected default queue depth: %d", cfg.Router.QueueDepth)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("TEST_WS_URL", "wss://env.example.com/ws")
	path := writeTempConfig(t, `quoteflow:
  name: "TestApp"
  version: "1.0"
venues:
  binance:
    enabled: true
    ws_url: "${TEST_WS_URL}"
    symbols: ["BTC-USD"]
    channels: ["trade"]
    heartbeat_interval: 20s
    read_timeout: 60s
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.Venues["binance"].WsURL; got != "wss://env.example.com/ws" {
		t.Errorf("placeholder not expanded: %s", got)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing name", `quoteflow:
  version: "1.0"
venues:
  binance:
    enabled: true
    ws_url: "wss://x"
    symbols: ["BTC-USD"]
    channels: ["trade"]
    heartbeat_interval: 20s
    read_timeout: 60s
`},
		{"no venues", `quoteflow:
  name: "x"
  version: "1.0"
`},
		{"no endpoint at all", `quoteflow:
  name: "x"
  version: "1.0"
venues:
  kraken:
    enabled: true
    symbols: ["BTC-USD"]
    channels: ["funding"]
`},
		{"read timeout below heartbeat", `quoteflow:
  name: "x"
  version: "1.0"
venues:
  binance:
    enabled: true
    ws_url: "wss://x"
    symbols: ["BTC-USD"]
    channels: ["trade"]
    heartbeat_interval: 20s
    read_timeout: 5s
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempConfig(t, tt.yaml)
			if _, err := LoadConfig(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnabledVenues(t *testing.T) {
	cfg := &Config{Venues: map[string]VenueConfig{
		"okx":     {Enabled: true},
		"binance": {Enabled: true},
		"bybit":   {Enabled: false},
	}}
	got := cfg.EnabledVenues()
	if len(got) != 2 || got[0] != "binance" || got[1] != "okx" {
		t.Fatalf("unexpected enabled venues: %v", got)
	}
}
