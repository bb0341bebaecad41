package radio

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// Modem is the bridge's handle on the RF hardware, real or simulated.
type Modem interface {
	Configure(cfg RadioConfig) error
	// Send transmits payload and reports whether the link-level ack arrived.
	Send(ctx context.Context, to uint8, payload []byte) (bool, error)
	Receive() <-chan Datagram
	Close() error
}

// Bridge relays between a Modem and the bus topics of one radio network. It
// follows the network id carried in published radio settings.
type Bridge struct {
	bus    Bus
	modem  Modem
	prefix string
	qos    byte
	log    zerolog.Logger

	topics Topics
	txs    chan Frame
	cfgs   chan RadioConfig
}

func NewBridge(bus Bus, modem Modem, prefix, networkID string, log zerolog.Logger) *Bridge {
	if prefix == "" {
		prefix = "metergw"
	}
	return &Bridge{
		bus:    bus,
		modem:  modem,
		prefix: prefix,
		log:    log,
		topics: TopicsFor(prefix, networkID),
		txs:    make(chan Frame, inboxSize),
		cfgs:   make(chan RadioConfig, 4),
	}
}

// Run relays until ctx is done. Bus handlers only enqueue; all modem and bus
// calls happen on this goroutine.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.subscribe(b.topics); err != nil {
		return err
	}
	b.log.Info().Str("tx", b.topics.TX).Msg("bridge listening")
	defer b.bus.Unsubscribe(b.topics.TX, b.topics.Config)

	rx := b.modem.Receive()
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-rx:
			if !ok {
				return fmt.Errorf("radio: modem closed")
			}
			b.forward(d)
		case f := <-b.txs:
			b.transmit(ctx, f)
		case cfg := <-b.cfgs:
			b.reconfigure(cfg)
		}
	}
}

func (b *Bridge) subscribe(t Topics) error {
	if err := b.bus.Subscribe(t.TX, b.qos, b.onTX); err != nil {
		return fmt.Errorf("radio: subscribe %s: %w", t.TX, err)
	}
	if err := b.bus.Subscribe(t.Config, b.qos, b.onConfig); err != nil {
		return fmt.Errorf("radio: subscribe %s: %w", t.Config, err)
	}
	return nil
}

func (b *Bridge) onTX(_ string, payload []byte) {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		b.log.Warn().Err(err).Msg("dropping malformed tx frame")
		return
	}
	select {
	case b.txs <- f:
	default:
		b.log.Warn().Uint32("seq", f.Seq).Msg("tx queue full")
	}
}

func (b *Bridge) onConfig(_ string, payload []byte) {
	var cfg RadioConfig
	if err := json.Unmarshal(payload, &cfg); err != nil {
		b.log.Warn().Err(err).Msg("dropping malformed radio config")
		return
	}
	select {
	case b.cfgs <- cfg:
	default:
	}
}

func (b *Bridge) forward(d Datagram) {
	body, err := json.Marshal(Frame{From: d.From, To: d.To, Payload: string(d.Payload), RSSI: d.RSSI})
	if err != nil {
		b.log.Error().Err(err).Msg("encode rx frame")
		return
	}
	if err := b.bus.Publish(b.topics.RX, body, b.qos, false); err != nil {
		b.log.Warn().Err(err).Msg("publish rx frame")
	}
}

func (b *Bridge) transmit(ctx context.Context, f Frame) {
	ok, err := b.modem.Send(ctx, f.To, []byte(f.Payload))
	if err != nil {
		b.log.Warn().Err(err).Uint8("to", f.To).Msg("modem send failed")
	}
	if f.To == BroadcastAddr {
		return
	}
	body, _ := json.Marshal(AckFrame{Seq: f.Seq, OK: ok && err == nil})
	if err := b.bus.Publish(b.topics.Ack, body, b.qos, false); err != nil {
		b.log.Warn().Err(err).Msg("publish ack")
	}
}

func (b *Bridge) reconfigure(cfg RadioConfig) {
	if err := b.modem.Configure(cfg); err != nil {
		b.log.Error().Err(err).Msg("modem configure failed")
		return
	}
	next := TopicsFor(b.prefix, cfg.NetworkID)
	if next == b.topics {
		return
	}
	if err := b.bus.Unsubscribe(b.topics.TX, b.topics.Config); err != nil {
		b.log.Warn().Err(err).Msg("unsubscribe previous network")
	}
	if err := b.subscribe(next); err != nil {
		b.log.Error().Err(err).Msg("subscribe new network")
		return
	}
	b.topics = next
	b.log.Info().Str("network", cfg.NetworkID).Msg("bridge moved network")
}
