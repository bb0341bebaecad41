// Package dispatch handles datagrams received from meter nodes: it updates
// the registry, forwards what the server needs and answers nodes that expect
// a reply.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/metergateway/internal/clock"
	"github.com/metergateway/internal/radio"
	"github.com/metergateway/internal/registry"
	"github.com/metergateway/internal/wire"
	"github.com/rs/zerolog"
)

const (
	DefaultReplyTimeout = 800 * time.Millisecond
	DefaultMaxDepth     = 3
)

type Config struct {
	Registry  *registry.Registry
	Clock     *clock.Clock
	Transport radio.Transport
	Writer    *wire.Writer
	// AlignEntries reports the live entry alignment setting.
	AlignEntries func() bool

	TXTimeout time.Duration
	// AwaitReplies makes every reply wait for an immediate answer from the
	// node, which is then handled in turn, up to MaxDepth deep.
	AwaitReplies bool
	ReplyTimeout time.Duration
	MaxDepth     int
	// Kick is called before every radio send so a chain of awaited replies
	// keeps the watchdog fed.
	Kick func()

	Log zerolog.Logger
}

// Stats are the link figures reported on the console.
type Stats struct {
	LastRSSIAtGateway int8
	LastRSSIAtNode    int8
	LastFrom          uint8
}

// Dispatcher is owned by the gateway loop.
type Dispatcher struct {
	cfg   Config
	stats Stats
	log   zerolog.Logger
}

func New(cfg Config) *Dispatcher {
	if cfg.TXTimeout <= 0 {
		cfg.TXTimeout = radio.DefaultTXTimeout
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.AlignEntries == nil {
		cfg.AlignEntries = func() bool { return true }
	}
	if cfg.Kick == nil {
		cfg.Kick = func() {}
	}
	return &Dispatcher{cfg: cfg, log: cfg.Log}
}

func (d *Dispatcher) Stats() Stats { return d.stats }

// Poll handles at most one waiting datagram. It reports whether one was
// waiting.
func (d *Dispatcher) Poll(ctx context.Context) (bool, error) {
	dg, ok := d.cfg.Transport.Poll()
	if !ok {
		return false, nil
	}
	return true, d.Handle(ctx, dg)
}

// Handle processes one datagram. Every failure is logged here; the returned
// error is informational.
func (d *Dispatcher) Handle(ctx context.Context, dg radio.Datagram) error {
	return d.handle(ctx, dg, 0)
}

func (d *Dispatcher) handle(ctx context.Context, dg radio.Datagram, depth int) error {
	d.stats.LastRSSIAtGateway = dg.RSSI
	d.stats.LastFrom = dg.From
	d.log.Debug().Uint8("from", dg.From).Int8("rssi", dg.RSSI).Str("payload", string(dg.Payload)).Msg("radio rx")

	node, err := d.cfg.Registry.FindOrCreate(registry.NodeID(dg.From))
	if err != nil {
		d.log.Error().Err(err).Uint8("node", dg.From).Msg("cannot track node")
		return err
	}
	now := d.cfg.Clock.Now()
	node.LastSeen.Set(now)
	node.LastRSSI = dg.RSSI

	msg, err := Parse(dg.Payload)
	if err != nil {
		if errors.Is(err, ErrUnknownTag) {
			d.log.Warn().Uint8("node", dg.From).Str("payload", string(dg.Payload)).Msg("unknown message from node")
		} else {
			d.log.Warn().Err(err).Uint8("node", dg.From).Str("payload", string(dg.Payload)).Msg("bad message from node")
		}
		return err
	}

	switch m := msg.(type) {
	case Rebase:
		node.LastEntryFinish = m.FinishTime
		node.MeterValue = m.Value
		return d.forward(wire.TagMeterRebase, dg)

	case MeterUpdate:
		node.LastEntryFinish = m.FinishTime
		node.MeterValue = m.Value
		tag := wire.TagMeterUpdateNoC
		if m.WithCurrent {
			tag = wire.TagMeterUpdate
			if m.Entries > 0 {
				node.CurrentRMS = m.Current
			}
		}
		return d.forward(tag, dg)

	case InstructionRequest:
		node.BatteryMV = m.BatteryMV
		node.UptimeSecs = m.UptimeSecs
		node.SleptSecs = m.SleptSecs
		node.FreeRAM = m.FreeRAM
		node.LEDRate = m.LEDRate
		node.LEDDurationMS = m.LEDDurationMS
		node.IntervalMins = m.IntervalMins
		node.ImpPerKWh = m.ImpPerKWh
		d.stats.LastRSSIAtNode = m.RSSIAtNode
		d.log.Info().Uint8("node", dg.From).Int8("rssi_at_node", m.RSSIAtNode).Msg("instruction request")

		inst := node.Pending.Take()
		d.log.Info().Uint8("node", dg.From).Stringer("instruction", inst.Kind).Msg("sending instruction")
		return d.reply(ctx, dg.From, FormatInstruction(inst, dg.RSSI), depth)

	case PingRequest:
		node.DriftSecs = int64(now) - int64(m.NodeTime)
		return d.reply(ctx, dg.From, FormatPingResponse(m.NodeTime, now, d.cfg.AlignEntries(), dg.RSSI), depth)

	case General:
		d.log.Info().Uint8("node", dg.From).Str("text", m.Text).Msg("message from node")
		return d.forward(wire.TagGeneral, dg)
	}
	return nil
}

// forward passes the raw payload to the server as TAG;<id>,<payload>.
func (d *Dispatcher) forward(tag string, dg radio.Datagram) error {
	err := d.cfg.Writer.Message(tag, []string{strconv.Itoa(int(dg.From)), string(dg.Payload)})
	if err != nil {
		d.log.Error().Err(err).Str("tag", tag).Msg("forward to server failed")
	}
	return err
}

func (d *Dispatcher) reply(ctx context.Context, dest uint8, payload string, depth int) error {
	if limit := d.cfg.Transport.MaxPayload(); len(payload) > limit {
		err := fmt.Errorf("%w: %d > %d", radio.ErrPayloadTooLong, len(payload), limit)
		d.log.Error().Err(err).Uint8("node", dest).Str("payload", payload).Msg("reply not sent")
		return err
	}

	d.cfg.Kick()
	if d.cfg.AwaitReplies && depth < d.cfg.MaxDepth {
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.TXTimeout+d.cfg.ReplyTimeout)
		answer, err := d.cfg.Transport.SendAndAwaitReply(sendCtx, dest, []byte(payload), d.cfg.ReplyTimeout)
		cancel()
		switch {
		case errors.Is(err, radio.ErrNoReply):
			return nil
		case err != nil:
			d.log.Warn().Err(err).Uint8("node", dest).Str("payload", payload).Msg("send failed")
			return err
		}
		return d.handle(ctx, answer, depth+1)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.TXTimeout)
	defer cancel()
	if err := d.cfg.Transport.SendWithAck(ctx, dest, []byte(payload)); err != nil {
		d.log.Warn().Err(err).Uint8("node", dest).Str("payload", payload).Msg("send failed")
		return err
	}
	return nil
}
