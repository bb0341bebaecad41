package dispatch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Node to gateway tags.
const (
	TagRebase             = "MREB"
	TagUpdateWithCurrent  = "MUPC"
	TagUpdate             = "MUP_"
	TagInstructionRequest = "GINR"
	TagPingRequest        = "PREQ"
	TagGeneral            = "GMSG"
)

// Gateway to node tags.
const (
	TagPollRate     = "GITR"
	TagMeterValue   = "MVAI"
	TagInterval     = "MINI"
	TagLED          = "MPLI"
	TagNoOp         = "MNOI"
	TagPingResponse = "PRSP"
)

var (
	ErrUnknownTag = errors.New("dispatch: unknown tag")
	ErrMalformed  = errors.New("dispatch: malformed message")
)

// Message is one parsed node message.
type Message interface {
	Tag() string
}

// Rebase replaces the node's meter baseline.
type Rebase struct {
	FinishTime uint32
	Value      uint32
}

// MeterUpdate is a baseline folded with the accumulation entries that follow
// it.
type MeterUpdate struct {
	WithCurrent bool
	FinishTime  uint32
	Value       uint32
	// Current is the reading of the last entry; only set when WithCurrent
	// and Entries > 0.
	Current float64
	Entries int
}

// InstructionRequest is a node's periodic status report and poll.
type InstructionRequest struct {
	BatteryMV     uint16
	UptimeSecs    uint32
	SleptSecs     uint32
	FreeRAM       uint16
	RSSIAtNode    int8
	LEDRate       uint8
	LEDDurationMS uint16
	IntervalMins  uint8
	ImpPerKWh     uint16
}

type PingRequest struct {
	NodeTime uint32
}

// General is free text, forwarded as received.
type General struct {
	Text string
}

func (Rebase) Tag() string             { return TagRebase }
func (InstructionRequest) Tag() string { return TagInstructionRequest }
func (PingRequest) Tag() string        { return TagPingRequest }
func (General) Tag() string            { return TagGeneral }

func (m MeterUpdate) Tag() string {
	if m.WithCurrent {
		return TagUpdateWithCurrent
	}
	return TagUpdate
}

// splitTag separates the leading tag from the body. The tag may be followed
// by ',' or ';'.
func splitTag(payload string) (tag, body string) {
	i := strings.IndexAny(payload, ",;")
	if i < 0 {
		return payload, ""
	}
	return payload[:i], payload[i+1:]
}

// tokens splits on both separators and drops empty trailing tokens.
func tokens(body string) []string {
	fs := strings.FieldsFunc(body, func(r rune) bool { return r == ',' || r == ';' })
	for i := range fs {
		fs[i] = strings.TrimSpace(fs[i])
	}
	return fs
}

// Parse decodes a node payload into its message variant.
func Parse(payload []byte) (Message, error) {
	text := strings.TrimRight(string(payload), "\x00\r\n")
	tag, body := splitTag(text)

	switch strings.ToUpper(tag) {
	case TagRebase:
		return parseRebase(body)
	case TagUpdateWithCurrent:
		return parseUpdate(body, true)
	case TagUpdate:
		return parseUpdate(body, false)
	case TagInstructionRequest:
		return parseInstructionRequest(body)
	case TagPingRequest:
		return parsePing(body)
	case TagGeneral:
		return General{Text: text}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
}

type fieldParser struct {
	fs  []string
	err error
}

func (p *fieldParser) uint(i, bits int) uint64 {
	if p.err != nil {
		return 0
	}
	if i >= len(p.fs) {
		p.err = fmt.Errorf("%w: missing field %d", ErrMalformed, i+1)
		return 0
	}
	v, err := strconv.ParseUint(p.fs[i], 10, bits)
	if err != nil {
		p.err = fmt.Errorf("%w: field %d: %v", ErrMalformed, i+1, err)
	}
	return v
}

func (p *fieldParser) int(i, bits int) int64 {
	if p.err != nil {
		return 0
	}
	if i >= len(p.fs) {
		p.err = fmt.Errorf("%w: missing field %d", ErrMalformed, i+1)
		return 0
	}
	v, err := strconv.ParseInt(p.fs[i], 10, bits)
	if err != nil {
		p.err = fmt.Errorf("%w: field %d: %v", ErrMalformed, i+1, err)
	}
	return v
}

func (p *fieldParser) float(i int) float64 {
	if p.err != nil {
		return 0
	}
	if i >= len(p.fs) {
		p.err = fmt.Errorf("%w: missing field %d", ErrMalformed, i+1)
		return 0
	}
	v, err := strconv.ParseFloat(p.fs[i], 64)
	if err != nil {
		p.err = fmt.Errorf("%w: field %d: %v", ErrMalformed, i+1, err)
	}
	return v
}

func parseRebase(body string) (Message, error) {
	p := fieldParser{fs: tokens(body)}
	m := Rebase{
		FinishTime: uint32(p.uint(0, 32)),
		Value:      uint32(p.uint(1, 32)),
	}
	if p.err != nil {
		return nil, p.err
	}
	return m, nil
}

// parseUpdate folds "<finish>,<value>" followed by repeated entries of
// "<duration>,<value>[,<current>]": durations add to the finish time, values
// to the meter value, and the last current wins.
func parseUpdate(body string, withCurrent bool) (Message, error) {
	fs := tokens(body)
	width := 2
	if withCurrent {
		width = 3
	}
	if len(fs) < 2 || (len(fs)-2)%width != 0 {
		return nil, fmt.Errorf("%w: %d fields do not fold into entries of %d", ErrMalformed, len(fs), width)
	}

	p := fieldParser{fs: fs}
	m := MeterUpdate{
		WithCurrent: withCurrent,
		FinishTime:  uint32(p.uint(0, 32)),
		Value:       uint32(p.uint(1, 32)),
	}
	for i := 2; i < len(fs); i += width {
		m.FinishTime += uint32(p.uint(i, 32))
		m.Value += uint32(p.uint(i+1, 32))
		if withCurrent {
			m.Current = p.float(i + 2)
		}
		m.Entries++
	}
	if p.err != nil {
		return nil, p.err
	}
	return m, nil
}

// parseInstructionRequest accepts the status fields in order; older nodes
// omit the trailing pulses-per-kWh.
func parseInstructionRequest(body string) (Message, error) {
	fs := tokens(body)
	p := fieldParser{fs: fs}
	m := InstructionRequest{
		BatteryMV:     uint16(p.uint(0, 16)),
		UptimeSecs:    uint32(p.uint(1, 32)),
		SleptSecs:     uint32(p.uint(2, 32)),
		FreeRAM:       uint16(p.uint(3, 16)),
		RSSIAtNode:    int8(p.int(4, 8)),
		LEDRate:       uint8(p.uint(5, 8)),
		LEDDurationMS: uint16(p.uint(6, 16)),
		IntervalMins:  uint8(p.uint(7, 8)),
	}
	if len(fs) > 8 {
		m.ImpPerKWh = uint16(p.uint(8, 16))
	}
	if p.err != nil {
		return nil, p.err
	}
	return m, nil
}

func parsePing(body string) (Message, error) {
	p := fieldParser{fs: tokens(body)}
	m := PingRequest{NodeTime: uint32(p.uint(0, 32))}
	if p.err != nil {
		return nil, p.err
	}
	return m, nil
}
