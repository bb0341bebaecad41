package serialproto

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/metergateway/internal/registry"
	"github.com/metergateway/internal/wire"
)

// Server to gateway tags.
const (
	TagSetTime          = "STIME"
	TagGatewaySnapshot  = "GGWSNAP"
	TagNodeSnapshot     = "GNOSNAP"
	TagSetMeterValue    = "SMVAL"
	TagSetPuckLED       = "SPLED"
	TagSetMeterInterval = "SMINT"
	TagSetPollRate      = "SGITR"
)

var (
	ErrNotMessage = errors.New("serialproto: not a server message")
	ErrUnknownTag = errors.New("serialproto: unknown message tag")
	ErrMalformed  = errors.New("serialproto: malformed message")
)

// NodeIDError reports a node id field that is not a byte. Token is the field
// as the server sent it.
type NodeIDError struct {
	Tag   string
	Token string
	Err   error
}

func (e *NodeIDError) Error() string {
	return fmt.Sprintf("%s: %s node id %q: %v", ErrMalformed, e.Tag, e.Token, e.Err)
}

func (e *NodeIDError) Unwrap() error { return ErrMalformed }

// Message is a parsed server message.
type Message interface {
	Tag() string
}

type SetTime struct{ Epoch uint32 }

type GatewaySnapshot struct{}

// NodeSnapshot asks for one node, or all when NodeID is registry.AllNodes.
type NodeSnapshot struct{ NodeID registry.NodeID }

type SetMeterValue struct {
	NodeID registry.NodeID
	Value  uint64
}

type SetPuckLED struct {
	NodeID     registry.NodeID
	Rate       uint64
	DurationMS uint64
}

type SetMeterInterval struct {
	NodeID   registry.NodeID
	Interval uint64
}

type SetPollRate struct {
	NodeID     registry.NodeID
	RateSecs   uint64
	PeriodSecs uint64
}

func (SetTime) Tag() string          { return TagSetTime }
func (GatewaySnapshot) Tag() string  { return TagGatewaySnapshot }
func (NodeSnapshot) Tag() string     { return TagNodeSnapshot }
func (SetMeterValue) Tag() string    { return TagSetMeterValue }
func (SetPuckLED) Tag() string       { return TagSetPuckLED }
func (SetMeterInterval) Tag() string { return TagSetMeterInterval }
func (SetPollRate) Tag() string      { return TagSetPollRate }

// IsMessage reports whether line carries the server message prefix.
func IsMessage(line string) bool {
	return len(line) >= len(wire.InPrefix) && strings.EqualFold(line[:len(wire.InPrefix)], wire.InPrefix)
}

// ParseMessage parses a "S>G:TAG,fields" line. When the node id parsed but a
// later field did not, the partially filled message is returned with the
// error so the caller can NACK that node.
func ParseMessage(line string) (Message, error) {
	if !IsMessage(line) {
		return nil, ErrNotMessage
	}
	rest := strings.TrimSpace(line[len(wire.InPrefix):])
	tag, body := rest, ""
	if i := strings.IndexAny(rest, ",;"); i >= 0 {
		tag, body = rest[:i], rest[i+1:]
	}
	fs := strings.FieldsFunc(body, func(r rune) bool { return r == ',' || r == ';' })
	for i := range fs {
		fs[i] = strings.TrimSpace(fs[i])
	}

	num := func(i int, bits int) (uint64, error) {
		if i >= len(fs) {
			return 0, fmt.Errorf("%w: %s missing field %d", ErrMalformed, tag, i+1)
		}
		v, err := strconv.ParseUint(fs[i], 10, bits)
		if err != nil {
			return 0, fmt.Errorf("%w: %s field %d: %v", ErrMalformed, tag, i+1, err)
		}
		return v, nil
	}
	nodeID := func() (registry.NodeID, error) {
		if len(fs) == 0 {
			return 0, fmt.Errorf("%w: %s missing node id", ErrMalformed, tag)
		}
		v, err := strconv.ParseUint(fs[0], 10, 8)
		if err != nil {
			return 0, &NodeIDError{Tag: tag, Token: fs[0], Err: err}
		}
		return registry.NodeID(v), nil
	}

	switch strings.ToUpper(tag) {
	case TagSetTime:
		v, err := num(0, 32)
		return SetTime{Epoch: uint32(v)}, err

	case TagGatewaySnapshot:
		return GatewaySnapshot{}, nil

	case TagNodeSnapshot:
		id, err := nodeID()
		return NodeSnapshot{NodeID: id}, err

	case TagSetMeterValue:
		m := SetMeterValue{}
		var err error
		if m.NodeID, err = nodeID(); err != nil {
			return m, err
		}
		m.Value, err = num(1, 64)
		return m, err

	case TagSetPuckLED:
		m := SetPuckLED{}
		var err error
		if m.NodeID, err = nodeID(); err != nil {
			return m, err
		}
		if m.Rate, err = num(1, 64); err != nil {
			return m, err
		}
		m.DurationMS, err = num(2, 64)
		return m, err

	case TagSetMeterInterval:
		m := SetMeterInterval{}
		var err error
		if m.NodeID, err = nodeID(); err != nil {
			return m, err
		}
		m.Interval, err = num(1, 64)
		return m, err

	case TagSetPollRate:
		m := SetPollRate{}
		var err error
		if m.NodeID, err = nodeID(); err != nil {
			return m, err
		}
		if m.RateSecs, err = num(1, 64); err != nil {
			return m, err
		}
		m.PeriodSecs, err = num(2, 64)
		return m, err
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
}
