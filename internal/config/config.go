// Package config loads the process configuration of the gateway from a YAML
// or TOML file, a .env file and METERGW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/metergateway/internal/gwconfig"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSerialPort   = "-"
	DefaultBaud         = 115200
	DefaultBroker       = "tcp://localhost:1883"
	DefaultTopicPrefix  = "metergw"
	DefaultClientID     = "metergateway"
	DefaultTXTimeout    = 800 * time.Millisecond
	DefaultReplyTimeout = 800 * time.Millisecond
	DefaultMaxPayload   = 60
	DefaultStoreDriver  = StoreFile
	DefaultStorePath    = "metergw.eeprom"
	DefaultStoreSize    = 1024
	DefaultCapacity     = 5
	DefaultDarkTimeout  = 600 * time.Second
	DefaultSubCycles    = 5
	DefaultIdle         = 10 * time.Millisecond
	DefaultWatchdog     = 8 * time.Second
	DefaultSerialBudget = 64
)

// Store drivers.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Radio transports.
const (
	TransportMQTT   = "mqtt"
	TransportMemory = "memory"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "METERGW_"

type Config struct {
	Serial   SerialConfig   `yaml:"serial" toml:"serial"`
	Radio    RadioConfig    `yaml:"radio" toml:"radio"`
	Store    StoreConfig    `yaml:"store" toml:"store"`
	Registry RegistryConfig `yaml:"registry" toml:"registry"`
	Liveness LivenessConfig `yaml:"liveness" toml:"liveness"`
	Loop     LoopConfig     `yaml:"loop" toml:"loop"`
	Log      LogConfig      `yaml:"log" toml:"log"`
	Monitor  MonitorConfig  `yaml:"monitor" toml:"monitor"`
}

// SerialConfig is the link to the server. Port "-" uses stdin and stdout.
type SerialConfig struct {
	Port string `yaml:"port" toml:"port"`
	Baud int    `yaml:"baud" toml:"baud"`
	Echo bool   `yaml:"echo" toml:"echo"`
}

type RadioConfig struct {
	Transport    string        `yaml:"transport" toml:"transport"`
	Broker       string        `yaml:"broker" toml:"broker"`
	TopicPrefix  string        `yaml:"topic_prefix" toml:"topic_prefix"`
	ClientID     string        `yaml:"client_id" toml:"client_id"`
	Username     string        `yaml:"username" toml:"username"`
	Password     string        `yaml:"password" toml:"password"`
	HighPower    *bool         `yaml:"high_power,omitempty" toml:"high_power"`
	TXTimeout    time.Duration `yaml:"tx_timeout" toml:"tx_timeout"`
	AwaitReplies bool          `yaml:"await_replies" toml:"await_replies"`
	ReplyTimeout time.Duration `yaml:"reply_timeout" toml:"reply_timeout"`
	MaxPayload   int           `yaml:"max_payload" toml:"max_payload"`
}

type StoreConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
	Size   int    `yaml:"size" toml:"size"`
}

type RegistryConfig struct {
	Capacity int `yaml:"capacity" toml:"capacity"`
}

type LivenessConfig struct {
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
}

type LoopConfig struct {
	SubCycles int           `yaml:"sub_cycles" toml:"sub_cycles"`
	Idle      time.Duration `yaml:"idle" toml:"idle"`
	Watchdog  time.Duration `yaml:"watchdog" toml:"watchdog"`
	// SerialBudget caps the bytes read from the server link per sub-cycle.
	SerialBudget int `yaml:"serial_budget" toml:"serial_budget"`
}

type LogConfig struct {
	Console bool   `yaml:"console" toml:"console"`
	NoColor bool   `yaml:"no_color" toml:"no_color"`
	File    string `yaml:"file" toml:"file"`
}

// MonitorConfig enables the websocket monitor when Listen is set.
type MonitorConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// Default returns a config with every default applied.
func Default() Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return cfg
}

// Load reads a config file, YAML unless the extension is .toml, then applies
// environment overrides and defaults. An empty path yields the defaults with
// environment overrides.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// Save writes cfg as YAML.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadDotEnv loads path into the environment if it exists. Variables already
// set are kept.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnv overrides cfg from METERGW_* variables found by lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := get(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("SERIAL_PORT", &cfg.Serial.Port)
	num("SERIAL_BAUD", &cfg.Serial.Baud)
	flag("SERIAL_ECHO", &cfg.Serial.Echo)
	str("RADIO_TRANSPORT", &cfg.Radio.Transport)
	str("RADIO_BROKER", &cfg.Radio.Broker)
	str("RADIO_TOPIC_PREFIX", &cfg.Radio.TopicPrefix)
	str("RADIO_CLIENT_ID", &cfg.Radio.ClientID)
	str("RADIO_USERNAME", &cfg.Radio.Username)
	str("RADIO_PASSWORD", &cfg.Radio.Password)
	if v, ok := get("RADIO_HIGH_POWER"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRADIO_HIGH_POWER: %w", EnvPrefix, err))
		} else {
			cfg.Radio.HighPower = &b
		}
	}
	str("STORE_DRIVER", &cfg.Store.Driver)
	str("STORE_PATH", &cfg.Store.Path)
	str("MONITOR_LISTEN", &cfg.Monitor.Listen)
	str("LOG_FILE", &cfg.Log.File)
	return errors.Join(errs...)
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Serial.Port == "" {
		cfg.Serial.Port = DefaultSerialPort
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = DefaultBaud
	}

	if cfg.Radio.Transport == "" {
		cfg.Radio.Transport = TransportMQTT
	}
	if cfg.Radio.Broker == "" {
		cfg.Radio.Broker = DefaultBroker
	}
	if cfg.Radio.TopicPrefix == "" {
		cfg.Radio.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Radio.ClientID == "" {
		cfg.Radio.ClientID = DefaultClientID
	}
	if cfg.Radio.HighPower == nil {
		high := true
		cfg.Radio.HighPower = &high
	}
	if cfg.Radio.TXTimeout == 0 {
		cfg.Radio.TXTimeout = DefaultTXTimeout
	}
	if cfg.Radio.ReplyTimeout == 0 {
		cfg.Radio.ReplyTimeout = DefaultReplyTimeout
	}
	if cfg.Radio.MaxPayload == 0 {
		cfg.Radio.MaxPayload = DefaultMaxPayload
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DefaultStoreDriver
	}
	if cfg.Store.Path == "" && cfg.Store.Driver != StoreMemory {
		cfg.Store.Path = DefaultStorePath
		if cfg.Store.Driver == StoreSQLite {
			cfg.Store.Path = "metergw.db"
		}
	}
	if cfg.Store.Size == 0 {
		cfg.Store.Size = DefaultStoreSize
	}

	if cfg.Registry.Capacity == 0 {
		cfg.Registry.Capacity = DefaultCapacity
	}
	if cfg.Liveness.Timeout == 0 {
		cfg.Liveness.Timeout = DefaultDarkTimeout
	}
	if cfg.Loop.SubCycles == 0 {
		cfg.Loop.SubCycles = DefaultSubCycles
	}
	if cfg.Loop.Idle == 0 {
		cfg.Loop.Idle = DefaultIdle
	}
	if cfg.Loop.Watchdog == 0 {
		cfg.Loop.Watchdog = DefaultWatchdog
	}
	if cfg.Loop.SerialBudget == 0 {
		cfg.Loop.SerialBudget = DefaultSerialBudget
	}
}

// Validate checks a config after defaults have been applied.
func Validate(cfg Config) error {
	var errs []error
	if cfg.Serial.Baud < 0 {
		errs = append(errs, fmt.Errorf("serial.baud must be positive"))
	}
	switch cfg.Radio.Transport {
	case TransportMQTT:
		if strings.TrimSpace(cfg.Radio.Broker) == "" {
			errs = append(errs, fmt.Errorf("radio.broker is required"))
		}
	case TransportMemory:
	default:
		errs = append(errs, fmt.Errorf("radio.transport %q unknown (mqtt, memory)", cfg.Radio.Transport))
	}
	if cfg.Radio.MaxPayload < 0 || cfg.Radio.TXTimeout < 0 || cfg.Radio.ReplyTimeout < 0 {
		errs = append(errs, fmt.Errorf("radio limits must be positive"))
	}
	switch cfg.Store.Driver {
	case StoreFile, StoreSQLite:
		if strings.TrimSpace(cfg.Store.Path) == "" {
			errs = append(errs, fmt.Errorf("store.path is required for %s", cfg.Store.Driver))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver %q unknown (file, sqlite, memory)", cfg.Store.Driver))
	}
	if cfg.Store.Size < gwconfig.Size {
		errs = append(errs, fmt.Errorf("store.size %d too small", cfg.Store.Size))
	}
	if cfg.Registry.Capacity < 1 || cfg.Registry.Capacity > 253 {
		errs = append(errs, fmt.Errorf("registry.capacity %d not in [1,253]", cfg.Registry.Capacity))
	}
	if cfg.Loop.SubCycles < 1 {
		errs = append(errs, fmt.Errorf("loop.sub_cycles must be at least 1"))
	}
	if cfg.Loop.Watchdog < 0 || cfg.Loop.Idle < 0 || cfg.Liveness.Timeout < 0 {
		errs = append(errs, fmt.Errorf("durations must be positive"))
	}
	if w := cfg.Loop.Watchdog; w > 0 && cfg.Radio.TXTimeout+cfg.Radio.ReplyTimeout >= w {
		errs = append(errs, fmt.Errorf("radio.tx_timeout plus radio.reply_timeout must be below loop.watchdog %s", w))
	}
	return errors.Join(errs...)
}
