package radio

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/metergateway/internal/gwconfig"
	"github.com/rs/zerolog"
)

const inboxSize = 32

type MQTTOptions struct {
	Prefix     string
	HighPower  bool
	TXTimeout  time.Duration
	MaxPayload int
	QoS        byte
}

// MQTTTransport reaches the modem bridge over an MQTT bus. Received datagrams
// are filtered to the gateway's own address and broadcast.
type MQTTTransport struct {
	bus  Bus
	opts MQTTOptions
	log  zerolog.Logger

	seq atomic.Uint32

	mu      sync.Mutex
	addr    uint8
	topics  Topics
	applied bool
	inbox   chan Datagram
	acks    map[uint32]chan bool
	replies map[uint8]chan Datagram
}

func NewMQTT(bus Bus, opts MQTTOptions, log zerolog.Logger) *MQTTTransport {
	if opts.Prefix == "" {
		opts.Prefix = "metergw"
	}
	if opts.TXTimeout <= 0 {
		opts.TXTimeout = DefaultTXTimeout
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = DefaultMaxPayload
	}
	return &MQTTTransport{
		bus:     bus,
		opts:    opts,
		log:     log,
		inbox:   make(chan Datagram, inboxSize),
		acks:    make(map[uint32]chan bool),
		replies: make(map[uint8]chan Datagram),
	}
}

func (t *MQTTTransport) MaxPayload() int { return t.opts.MaxPayload }

// Apply publishes the radio settings for the bridge and moves the
// subscriptions when the network id changes. The settings are also published
// on the previous network so a bridge still listening there follows.
func (t *MQTTTransport) Apply(s gwconfig.Settings) error {
	cfg := ConfigFromSettings(s, t.opts.HighPower)
	next := TopicsFor(t.opts.Prefix, cfg.NetworkID)

	t.mu.Lock()
	prev, had := t.topics, t.applied
	t.addr = cfg.Address
	t.topics = next
	t.applied = true
	t.mu.Unlock()

	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("radio: encode config: %w", err)
	}

	if had && prev != next {
		if err := t.bus.Publish(prev.Config, body, t.opts.QoS, true); err != nil {
			t.log.Warn().Err(err).Str("topic", prev.Config).Msg("failed to publish config on previous network")
		}
		if err := t.bus.Unsubscribe(prev.RX, prev.Ack); err != nil {
			t.log.Warn().Err(err).Msg("failed to unsubscribe previous network")
		}
	}
	if !had || prev != next {
		if err := t.bus.Subscribe(next.RX, t.opts.QoS, t.onRX); err != nil {
			return fmt.Errorf("radio: subscribe %s: %w", next.RX, err)
		}
		if err := t.bus.Subscribe(next.Ack, t.opts.QoS, t.onAck); err != nil {
			return fmt.Errorf("radio: subscribe %s: %w", next.Ack, err)
		}
		t.log.Info().Str("rx", next.RX).Str("ack", next.Ack).Msg("radio subscribed")
	}

	if err := t.bus.Publish(next.Config, body, t.opts.QoS, true); err != nil {
		return fmt.Errorf("radio: publish config: %w", err)
	}
	t.log.Debug().Uint8("address", cfg.Address).Str("network", cfg.NetworkID).Int8("tx_power", cfg.TXPower).Msg("radio configured")
	return nil
}

func (t *MQTTTransport) onRX(_ string, payload []byte) {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		t.log.Warn().Err(err).Msg("dropping malformed rx frame")
		return
	}

	t.mu.Lock()
	addr := t.addr
	waiter := t.replies[f.From]
	t.mu.Unlock()

	if f.To != addr && f.To != BroadcastAddr {
		return
	}
	d := Datagram{From: f.From, To: f.To, Payload: []byte(f.Payload), RSSI: f.RSSI}

	if waiter != nil {
		select {
		case waiter <- d:
			return
		default:
		}
	}
	select {
	case t.inbox <- d:
	default:
		t.log.Warn().Uint8("from", f.From).Msg("rx inbox full, dropping datagram")
	}
}

func (t *MQTTTransport) onAck(_ string, payload []byte) {
	var a AckFrame
	if err := json.Unmarshal(payload, &a); err != nil {
		t.log.Warn().Err(err).Msg("dropping malformed ack frame")
		return
	}
	t.mu.Lock()
	ch, ok := t.acks[a.Seq]
	t.mu.Unlock()
	if ok {
		select {
		case ch <- a.OK:
		default:
		}
	}
}

func (t *MQTTTransport) Poll() (Datagram, bool) {
	select {
	case d := <-t.inbox:
		return d, true
	default:
		return Datagram{}, false
	}
}

func (t *MQTTTransport) SendWithAck(ctx context.Context, dest uint8, payload []byte) error {
	if len(payload) > t.opts.MaxPayload {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLong, len(payload), t.opts.MaxPayload)
	}

	t.mu.Lock()
	if !t.applied {
		t.mu.Unlock()
		return fmt.Errorf("radio: transport not configured")
	}
	f := Frame{Seq: t.seq.Add(1), From: t.addr, To: dest, Payload: string(payload)}
	topic := t.topics.TX
	ack := make(chan bool, 1)
	if dest != BroadcastAddr {
		t.acks[f.Seq] = ack
	}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.acks, f.Seq)
		t.mu.Unlock()
	}()

	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("radio: encode frame: %w", err)
	}
	if err := t.bus.Publish(topic, body, t.opts.QoS, false); err != nil {
		return fmt.Errorf("radio: publish: %w", err)
	}
	if dest == BroadcastAddr {
		return nil
	}

	timer := time.NewTimer(t.opts.TXTimeout)
	defer timer.Stop()
	select {
	case ok := <-ack:
		if !ok {
			return fmt.Errorf("%w: node %d", ErrNoAck, dest)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: node %d after %s", ErrNoAck, dest, t.opts.TXTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *MQTTTransport) SendAndAwaitReply(ctx context.Context, dest uint8, payload []byte, timeout time.Duration) (Datagram, error) {
	reply := make(chan Datagram, 1)
	t.mu.Lock()
	t.replies[dest] = reply
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.replies[dest] == reply {
			delete(t.replies, dest)
		}
		t.mu.Unlock()
	}()

	if err := t.SendWithAck(ctx, dest, payload); err != nil {
		return Datagram{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d := <-reply:
		return d, nil
	case <-timer.C:
		return Datagram{}, fmt.Errorf("%w: node %d", ErrNoReply, dest)
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}

// Close drops the subscriptions.
func (t *MQTTTransport) Close() error {
	t.mu.Lock()
	topics, had := t.topics, t.applied
	t.applied = false
	t.mu.Unlock()
	if !had {
		return nil
	}
	return t.bus.Unsubscribe(topics.RX, topics.Ack)
}
