package radio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/metergateway/internal/gwconfig"
)

// Memory is an in-process Transport. Inbound datagrams are queued with
// Deliver; everything sent is recorded.
type Memory struct {
	mu         sync.Mutex
	maxPayload int
	inbox      []Datagram
	sent       []Datagram
	replies    map[uint8][]Datagram
	settings   gwconfig.Settings
	applied    int

	// SendErr, when set, is returned for every send to a matching node.
	SendErr func(dest uint8) error
}

func NewMemory(maxPayload int) *Memory {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Memory{maxPayload: maxPayload, replies: make(map[uint8][]Datagram)}
}

// Deliver queues a datagram for Poll.
func (m *Memory) Deliver(d Datagram) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbox = append(m.inbox, d)
}

// QueueReply makes the next SendAndAwaitReply to d.From return d.
func (m *Memory) QueueReply(d Datagram) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies[d.From] = append(m.replies[d.From], d)
}

// Sent returns a copy of every datagram sent so far.
func (m *Memory) Sent() []Datagram {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Datagram(nil), m.sent...)
}

// Applied returns the last applied settings and how many times Apply ran.
func (m *Memory) Applied() (gwconfig.Settings, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings, m.applied
}

func (m *Memory) MaxPayload() int { return m.maxPayload }

func (m *Memory) Apply(s gwconfig.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = s
	m.applied++
	return nil
}

func (m *Memory) Poll() (Datagram, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inbox) == 0 {
		return Datagram{}, false
	}
	d := m.inbox[0]
	m.inbox = m.inbox[1:]
	return d, true
}

func (m *Memory) SendWithAck(ctx context.Context, dest uint8, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(payload) > m.maxPayload {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLong, len(payload), m.maxPayload)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		if err := m.SendErr(dest); err != nil {
			return err
		}
	}
	m.sent = append(m.sent, Datagram{From: m.settings.GatewayID, To: dest, Payload: append([]byte(nil), payload...)})
	return nil
}

func (m *Memory) SendAndAwaitReply(ctx context.Context, dest uint8, payload []byte, _ time.Duration) (Datagram, error) {
	if err := m.SendWithAck(ctx, dest, payload); err != nil {
		return Datagram{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.replies[dest]
	if len(q) == 0 {
		return Datagram{}, fmt.Errorf("%w: node %d", ErrNoReply, dest)
	}
	m.replies[dest] = q[1:]
	return q[0], nil
}
