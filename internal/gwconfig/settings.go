// Package gwconfig holds the gateway settings persisted in non-volatile
// storage and the rules for validating them.
package gwconfig

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

var (
	ErrLogLevel  = errors.New("gwconfig: bad log level")
	ErrTXPower   = errors.New("gwconfig: bad tx power")
	ErrGatewayID = errors.New("gwconfig: bad gateway id")
	ErrNetworkID = errors.New("gwconfig: bad network id")
	ErrKey       = errors.New("gwconfig: bad key")
	ErrAlign     = errors.New("gwconfig: bad entry alignment")
)

type LogLevel uint8

const (
	LogNone LogLevel = iota
	LogError
	LogWarn
	LogInfo
	LogDebug
)

var logLevelNames = [...]string{"NONE", "ERROR", "WARN", "INFO", "DEBUG"}

func (l LogLevel) Valid() bool {
	return l <= LogDebug
}

func (l LogLevel) String() string {
	if !l.Valid() {
		return "LogLevel(" + strconv.Itoa(int(l)) + ")"
	}
	return logLevelNames[l]
}

// Zerolog maps the persisted level onto the process logger level.
func (l LogLevel) Zerolog() zerolog.Level {
	switch l {
	case LogError:
		return zerolog.ErrorLevel
	case LogWarn:
		return zerolog.WarnLevel
	case LogInfo:
		return zerolog.InfoLevel
	case LogDebug:
		return zerolog.DebugLevel
	default:
		return zerolog.Disabled
	}
}

// ParseLogLevel accepts a level name, case-insensitively.
func ParseLogLevel(s string) (LogLevel, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, name := range logLevelNames {
		if s == name {
			return LogLevel(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrLogLevel, s)
}

// NetworkID is the four-octet radio network identifier.
type NetworkID [4]uint8

func (n NetworkID) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", n[0], n[1], n[2], n[3])
}

func (n NetworkID) Validate() error {
	for i, o := range n {
		if o == 255 || (i >= 2 && o == 0) {
			return fmt.Errorf("%w: %s", ErrNetworkID, n)
		}
	}
	return nil
}

// ParseNetworkID parses "a.b.c.d" and validates the octets.
func ParseNetworkID(s string) (NetworkID, error) {
	var n NetworkID
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 4 {
		return n, fmt.Errorf("%w: %q", ErrNetworkID, s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return n, fmt.Errorf("%w: %q", ErrNetworkID, s)
		}
		n[i] = uint8(v)
	}
	return n, n.Validate()
}

const KeyLength = 16

type Key [KeyLength]byte

func (k Key) String() string {
	return string(k[:])
}

func (k Key) Validate() error {
	for _, b := range k {
		if b < 32 || b > 126 {
			return fmt.Errorf("%w: non-printable byte 0x%02x", ErrKey, b)
		}
	}
	return nil
}

func ParseKey(s string) (Key, error) {
	var k Key
	if len(s) != KeyLength {
		return k, fmt.Errorf("%w: length %d, want %d", ErrKey, len(s), KeyLength)
	}
	copy(k[:], s)
	return k, k.Validate()
}

// TXPowerRange returns the permitted transmit power in dBm.
func TXPowerRange(highPower bool) (min, max int8) {
	if highPower {
		return -2, 20
	}
	return -18, 13
}

func ValidateTXPower(p int8, highPower bool) error {
	min, max := TXPowerRange(highPower)
	if p < min || p > max {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrTXPower, p, min, max)
	}
	return nil
}

func ValidateGatewayID(id uint8) error {
	if id < 1 || id > 253 {
		return fmt.Errorf("%w: %d not in [1,253]", ErrGatewayID, id)
	}
	return nil
}

// Settings is the persisted gateway configuration.
type Settings struct {
	LogLevel     LogLevel
	TXPower      int8
	GatewayID    uint8
	NetworkID    NetworkID
	Key          Key
	AlignEntries bool
}

const (
	DefaultLogLevel  = LogDebug
	DefaultTXPower   = 20
	DefaultGatewayID = 1
	DefaultKey       = "CHANGE_ME_PLEASE"
)

var DefaultNetworkID = NetworkID{0, 0, 1, 1}

// Defaults returns factory settings. The TX power is capped to the range of
// the radio's power mode.
func Defaults(highPower bool) Settings {
	s := Settings{
		LogLevel:     DefaultLogLevel,
		TXPower:      DefaultTXPower,
		GatewayID:    DefaultGatewayID,
		NetworkID:    DefaultNetworkID,
		AlignEntries: true,
	}
	copy(s.Key[:], DefaultKey)
	if _, max := TXPowerRange(highPower); s.TXPower > max {
		s.TXPower = max
	}
	return s
}

// Validate checks every field and joins all failures.
func (s Settings) Validate(highPower bool) error {
	var errs []error
	if !s.LogLevel.Valid() {
		errs = append(errs, fmt.Errorf("%w: %d", ErrLogLevel, s.LogLevel))
	}
	if err := ValidateTXPower(s.TXPower, highPower); err != nil {
		errs = append(errs, err)
	}
	if err := ValidateGatewayID(s.GatewayID); err != nil {
		errs = append(errs, err)
	}
	if err := s.NetworkID.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := s.Key.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
