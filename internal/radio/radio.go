// Package radio is the gateway's view of the reliable-datagram radio network.
// The RF modem itself sits behind a bridge process; the gateway talks to it
// through a Transport.
package radio

import (
	"context"
	"errors"
	"time"

	"github.com/metergateway/internal/gwconfig"
)

const (
	BroadcastAddr uint8 = 255

	// DefaultMaxPayload is the largest payload the modem accepts.
	DefaultMaxPayload = 60
	// DefaultTXTimeout bounds the wait for a link-level acknowledgement.
	DefaultTXTimeout = 800 * time.Millisecond
)

var (
	ErrNoAck          = errors.New("radio: no ack")
	ErrNoReply        = errors.New("radio: no reply")
	ErrPayloadTooLong = errors.New("radio: payload too long")
	ErrClosed         = errors.New("radio: transport closed")
)

// Datagram is one radio frame as seen by the gateway.
type Datagram struct {
	From    uint8
	To      uint8
	Payload []byte
	RSSI    int8
}

// Transport is implemented by every radio backend.
type Transport interface {
	// SendWithAck sends payload to dest and waits, bounded, for the link-level
	// acknowledgement. Broadcasts are not acknowledged.
	SendWithAck(ctx context.Context, dest uint8, payload []byte) error
	// SendAndAwaitReply sends like SendWithAck and then waits up to timeout
	// for the next datagram from dest.
	SendAndAwaitReply(ctx context.Context, dest uint8, payload []byte, timeout time.Duration) (Datagram, error)
	// Poll returns a received datagram without blocking.
	Poll() (Datagram, bool)
	// Apply reconfigures address, network and power from settings.
	Apply(s gwconfig.Settings) error
	MaxPayload() int
}

// RadioConfig is what the bridge needs to program the modem.
type RadioConfig struct {
	Address   uint8  `json:"address"`
	NetworkID string `json:"network_id"`
	Key       string `json:"key"`
	TXPower   int8   `json:"tx_power"`
	HighPower bool   `json:"high_power"`
}

func ConfigFromSettings(s gwconfig.Settings, highPower bool) RadioConfig {
	return RadioConfig{
		Address:   s.GatewayID,
		NetworkID: s.NetworkID.String(),
		Key:       s.Key.String(),
		TXPower:   s.TXPower,
		HighPower: highPower,
	}
}
