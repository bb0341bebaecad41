package gwconfig

import (
	"errors"
	"fmt"
)

// Byte offsets of each field in the store.
const (
	offLogLevel  = 0
	offTXPower   = 1
	offGatewayID = 2
	offNetworkID = 3
	offKey       = offNetworkID + 4
	offAlign     = offKey + KeyLength

	// Size is the number of bytes the settings occupy.
	Size = offAlign + 1
)

// Encode lays s out in store order.
func Encode(s Settings) [Size]byte {
	var b [Size]byte
	b[offLogLevel] = byte(s.LogLevel)
	b[offTXPower] = byte(s.TXPower)
	b[offGatewayID] = s.GatewayID
	copy(b[offNetworkID:offKey], s.NetworkID[:])
	copy(b[offKey:offAlign], s.Key[:])
	if s.AlignEntries {
		b[offAlign] = 1
	}
	return b
}

// Decode reads settings laid out by Encode and validates every field.
func Decode(b [Size]byte, highPower bool) (Settings, error) {
	var s Settings
	s.LogLevel = LogLevel(b[offLogLevel])
	s.TXPower = int8(b[offTXPower])
	s.GatewayID = b[offGatewayID]
	copy(s.NetworkID[:], b[offNetworkID:offKey])
	copy(s.Key[:], b[offKey:offAlign])

	var errs []error
	switch b[offAlign] {
	case 0:
	case 1:
		s.AlignEntries = true
	default:
		errs = append(errs, fmt.Errorf("%w: %d", ErrAlign, b[offAlign]))
	}
	if err := s.Validate(highPower); err != nil {
		errs = append(errs, err)
	}
	return s, errors.Join(errs...)
}
