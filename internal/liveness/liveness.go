// Package liveness reports meter nodes that have gone quiet.
package liveness

import (
	"time"

	"github.com/metergateway/internal/clock"
	"github.com/metergateway/internal/registry"
	"github.com/metergateway/internal/wire"
	"github.com/rs/zerolog"
)

const DefaultTimeout = 600 * time.Second

// Monitor raises one NDARK notification per silence. The node's last seen
// time is cleared once notified, so it is only reported again after it has
// been heard from.
type Monitor struct {
	reg     *registry.Registry
	clock   *clock.Clock
	out     *wire.Writer
	timeout uint32
	log     zerolog.Logger
}

func New(reg *registry.Registry, clk *clock.Clock, out *wire.Writer, timeout time.Duration, log zerolog.Logger) *Monitor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Monitor{
		reg:     reg,
		clock:   clk,
		out:     out,
		timeout: uint32(timeout / time.Second),
		log:     log,
	}
}

// Check scans the registry and returns how many nodes were reported dark.
func (m *Monitor) Check() int {
	now := m.clock.Now()
	dark := 0
	m.reg.Each(func(n *registry.Node) {
		seen, ok := n.LastSeen.Get()
		if !ok || now < seen || now-seen <= m.timeout {
			return
		}
		m.log.Warn().Uint8("node", uint8(n.ID)).Uint32("last_seen", seen).Msg("node dark")
		if err := m.out.Message(wire.TagNodeDark, wire.Fields(n.ID, seen)); err != nil {
			m.log.Error().Err(err).Msg("dark notification failed")
		}
		n.LastSeen.Clear()
		dark++
	})
	return dark
}
