package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func noEnv(string) (string, bool) { return "", false }

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if cfg.Serial.Port != DefaultSerialPort || cfg.Serial.Baud != DefaultBaud || cfg.Serial.Echo {
		t.Fatalf("serial defaults: %+v", cfg.Serial)
	}
	if cfg.Radio.TXTimeout != 800*time.Millisecond || cfg.Radio.MaxPayload != 60 || !*cfg.Radio.HighPower {
		t.Fatalf("radio defaults: %+v", cfg.Radio)
	}
	if cfg.Liveness.Timeout != 600*time.Second || cfg.Loop.SubCycles != 5 || cfg.Loop.Watchdog != 8*time.Second {
		t.Fatalf("loop defaults: %+v %+v", cfg.Liveness, cfg.Loop)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoad_YAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gw.yaml")
	data := `
serial:
  port: /dev/ttyUSB0
  echo: true
radio:
  broker: tcp://broker:1883
  high_power: false
  tx_timeout: 500ms
store:
  driver: sqlite
registry:
  capacity: 8
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Serial.Port != "/dev/ttyUSB0" || !cfg.Serial.Echo || cfg.Serial.Baud != DefaultBaud {
		t.Fatalf("serial=%+v", cfg.Serial)
	}
	if *cfg.Radio.HighPower || cfg.Radio.TXTimeout != 500*time.Millisecond {
		t.Fatalf("radio=%+v", cfg.Radio)
	}
	if cfg.Store.Path != "metergw.db" || cfg.Registry.Capacity != 8 {
		t.Fatalf("store=%+v registry=%+v", cfg.Store, cfg.Registry)
	}
}

func TestLoad_TOML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gw.toml")
	data := `
[radio]
transport = "memory"
await_replies = true

[liveness]
timeout = "2m"

[monitor]
listen = ":8090"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Radio.Transport != TransportMemory || !cfg.Radio.AwaitReplies {
		t.Fatalf("radio=%+v", cfg.Radio)
	}
	if cfg.Liveness.Timeout != 2*time.Minute || cfg.Monitor.Listen != ":8090" {
		t.Fatalf("liveness=%+v monitor=%+v", cfg.Liveness, cfg.Monitor)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"METERGW_SERIAL_BAUD":      "9600",
		"METERGW_RADIO_BROKER":     "tcp://other:1883",
		"METERGW_RADIO_HIGH_POWER": "false",
		"METERGW_STORE_DRIVER":     "memory",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	var cfg Config
	if err := ApplyEnv(&cfg, lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	ApplyDefaults(&cfg)
	if cfg.Serial.Baud != 9600 || cfg.Radio.Broker != "tcp://other:1883" || *cfg.Radio.HighPower {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Store.Driver != StoreMemory || cfg.Store.Path != "" {
		t.Fatalf("store=%+v", cfg.Store)
	}

	env["METERGW_SERIAL_BAUD"] = "fast"
	if err := ApplyEnv(&cfg, lookup); err == nil || !strings.Contains(err.Error(), "METERGW_SERIAL_BAUD") {
		t.Fatalf("expected baud error, got %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Store.Driver = "floppy"
	cfg.Registry.Capacity = 300
	cfg.Radio.ReplyTimeout = 8 * time.Second
	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"store.driver", "registry.capacity", "loop.watchdog"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
	if err := ApplyEnv(&cfg, noEnv); err != nil {
		t.Errorf("ApplyEnv with nothing set: %v", err)
	}
}

func TestSaveThenLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sub", "gw.yaml")
	cfg := Default()
	cfg.Radio.TXTimeout = 1500 * time.Millisecond
	cfg.Serial.Port = "/dev/ttyS1"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Radio.TXTimeout != cfg.Radio.TXTimeout || got.Serial.Port != "/dev/ttyS1" {
		t.Fatalf("got %+v", got)
	}
}

func TestLoadDotEnv_Missing(t *testing.T) {
	t.Parallel()

	if err := LoadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}
}
