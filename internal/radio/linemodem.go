package radio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LineModem drives a radio modem that speaks a line protocol over a serial
// port:
//
//	-> CFG,<addr>,<net>,<txpow>,<highpower>,<key>
//	-> TX,<seq>,<to>,<payload>
//	<- RX,<from>,<to>,<rssi>,<payload>
//	<- ACK,<seq>,<0|1>
type LineModem struct {
	port    io.ReadWriteCloser
	timeout time.Duration
	log     zerolog.Logger

	wmu  sync.Mutex
	rx   chan Datagram
	mu   sync.Mutex
	seq  uint32
	acks map[uint32]chan bool
}

func NewLineModem(port io.ReadWriteCloser, timeout time.Duration, log zerolog.Logger) *LineModem {
	if timeout <= 0 {
		timeout = DefaultTXTimeout
	}
	m := &LineModem{
		port:    port,
		timeout: timeout,
		log:     log,
		rx:      make(chan Datagram, inboxSize),
		acks:    make(map[uint32]chan bool),
	}
	go m.readLoop()
	return m
}

func (m *LineModem) readLoop() {
	defer close(m.rx)
	scanner := bufio.NewScanner(m.port)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if err := m.handleLine(line); err != nil {
			m.log.Warn().Err(err).Str("line", line).Msg("modem line ignored")
		}
	}
	if err := scanner.Err(); err != nil {
		m.log.Error().Err(err).Msg("modem read failed")
	}
}

func (m *LineModem) handleLine(line string) error {
	switch {
	case strings.HasPrefix(line, "RX,"):
		d, err := ParseRXLine(line)
		if err != nil {
			return err
		}
		select {
		case m.rx <- d:
		default:
			m.log.Warn().Uint8("from", d.From).Msg("modem rx queue full")
		}
	case strings.HasPrefix(line, "ACK,"):
		parts := strings.Split(line, ",")
		if len(parts) != 3 {
			return fmt.Errorf("bad ack line")
		}
		seq, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return fmt.Errorf("bad ack seq: %w", err)
		}
		m.mu.Lock()
		ch := m.acks[uint32(seq)]
		m.mu.Unlock()
		if ch != nil {
			select {
			case ch <- parts[2] == "1":
			default:
			}
		}
	default:
		m.log.Debug().Str("line", line).Msg("modem")
	}
	return nil
}

// ParseRXLine parses "RX,<from>,<to>,<rssi>,<payload>". The payload may
// itself contain commas.
func ParseRXLine(line string) (Datagram, error) {
	parts := strings.SplitN(line, ",", 5)
	if len(parts) != 5 || parts[0] != "RX" {
		return Datagram{}, fmt.Errorf("bad rx line")
	}
	from, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return Datagram{}, fmt.Errorf("bad rx from: %w", err)
	}
	to, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return Datagram{}, fmt.Errorf("bad rx to: %w", err)
	}
	rssi, err := strconv.ParseInt(parts[3], 10, 8)
	if err != nil {
		return Datagram{}, fmt.Errorf("bad rx rssi: %w", err)
	}
	return Datagram{From: uint8(from), To: uint8(to), RSSI: int8(rssi), Payload: []byte(parts[4])}, nil
}

func (m *LineModem) writeLine(s string) error {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	_, err := io.WriteString(m.port, s+"\n")
	return err
}

func (m *LineModem) Configure(cfg RadioConfig) error {
	hp := 0
	if cfg.HighPower {
		hp = 1
	}
	return m.writeLine(fmt.Sprintf("CFG,%d,%s,%d,%d,%s", cfg.Address, cfg.NetworkID, cfg.TXPower, hp, cfg.Key))
}

func (m *LineModem) Send(ctx context.Context, to uint8, payload []byte) (bool, error) {
	m.mu.Lock()
	m.seq++
	seq := m.seq
	ack := make(chan bool, 1)
	m.acks[seq] = ack
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.acks, seq)
		m.mu.Unlock()
	}()

	if err := m.writeLine(fmt.Sprintf("TX,%d,%d,%s", seq, to, payload)); err != nil {
		return false, err
	}
	if to == BroadcastAddr {
		return true, nil
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case ok := <-ack:
		return ok, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (m *LineModem) Receive() <-chan Datagram { return m.rx }

func (m *LineModem) Close() error { return m.port.Close() }
