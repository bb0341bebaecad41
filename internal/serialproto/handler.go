// Package serialproto implements the server side of the serial link: line
// assembly, structured S>G: messages and the operator command console.
package serialproto

import (
	"errors"
	"math"
	"runtime"
	"strconv"

	"github.com/metergateway/internal/clock"
	"github.com/metergateway/internal/dispatch"
	"github.com/metergateway/internal/gwconfig"
	"github.com/metergateway/internal/registry"
	"github.com/metergateway/internal/wire"
	"github.com/rs/zerolog"
)

// Limits applied to server instructions before they are queued for a node.
const (
	MaxMeterValue     = math.MaxUint32
	MaxLEDDurationMS  = 3000
	MinPollRateSecs   = 10
	MaxPollRateSecs   = 600
	MinPollPeriodSecs = 10
	MaxPollPeriodSecs = 3000
)

// RadioConfigurer pushes settings to the live radio.
type RadioConfigurer interface {
	Apply(gwconfig.Settings) error
}

type Config struct {
	Registry *registry.Registry
	Clock    *clock.Clock
	Settings *gwconfig.Manager
	Radio    RadioConfigurer
	Writer   *wire.Writer
	// Stats returns the latest radio link figures.
	Stats func() dispatch.Stats
	// OnLogLevel is called whenever the log level setting changes.
	OnLogLevel func(gwconfig.LogLevel)
	Log        zerolog.Logger
}

// Handler answers lines read from the server link. It is owned by the gateway
// loop and is not safe for concurrent use.
type Handler struct {
	cfg Config
	log zerolog.Logger
}

func NewHandler(cfg Config) *Handler {
	if cfg.Stats == nil {
		cfg.Stats = func() dispatch.Stats { return dispatch.Stats{} }
	}
	if cfg.OnLogLevel == nil {
		cfg.OnLogLevel = func(gwconfig.LogLevel) {}
	}
	return &Handler{cfg: cfg, log: cfg.Log}
}

// HandleLine routes a complete line to the message or the command handler.
func (h *Handler) HandleLine(line string) {
	h.log.Debug().Str("line", line).Msg("serial rx")
	if IsMessage(line) {
		h.handleMessage(line)
		return
	}
	h.handleCommand(line)
}

// FreeMemory reports heap memory held by the process but not in use.
func FreeMemory() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapIdle - ms.HeapReleased
}

func (h *Handler) handleMessage(line string) {
	msg, err := ParseMessage(line)
	if errors.Is(err, ErrUnknownTag) || errors.Is(err, ErrNotMessage) {
		h.log.Warn().Str("line", line).Msg("Bad Serial Message")
		return
	}
	if err != nil {
		h.log.Warn().Err(err).Str("line", line).Msg("malformed serial message")
	}

	switch m := msg.(type) {
	case SetTime:
		if err != nil || m.Epoch == 0 {
			h.send(wire.TagTimeNack)
			return
		}
		h.cfg.Clock.Set(m.Epoch)
		h.log.Info().Str("time", clock.Format(m.Epoch)).Msg("time set by server")
		h.send(wire.TagTimeAck)

	case GatewaySnapshot:
		s := h.cfg.Settings.Settings()
		h.send(wire.TagGatewaySnap, wire.Fields(
			s.GatewayID, h.cfg.Clock.Booted(), FreeMemory(), h.cfg.Clock.Now(),
			s.LogLevel, s.Key, s.NetworkID, s.TXPower,
		))

	case NodeSnapshot:
		nodes, serr := h.cfg.Registry.Snapshot(m.NodeID)
		if err != nil || serr != nil {
			h.send(wire.TagNodeSnapNack, wire.Fields(nackID(m.NodeID, err)))
			return
		}
		groups := make([][]string, 0, len(nodes))
		for _, n := range nodes {
			groups = append(groups, registry.MessageFields(n))
		}
		h.send(wire.TagNodeSnap, groups...)

	case SetMeterValue:
		node, ok := h.known(m.NodeID)
		if err != nil || !ok || m.Value == 0 || m.Value >= MaxMeterValue {
			h.send(wire.TagMeterValNack, wire.Fields(nackID(m.NodeID, err)))
			return
		}
		node.Pending.ArmMeterValue(uint32(m.Value))
		h.send(wire.TagMeterValAck, wire.Fields(m.NodeID))

	case SetPuckLED:
		node, ok := h.known(m.NodeID)
		if err != nil || !ok || m.Rate >= 255 || m.DurationMS > MaxLEDDurationMS {
			h.send(wire.TagPuckLEDNack, wire.Fields(nackID(m.NodeID, err)))
			return
		}
		node.Pending.ArmLED(registry.LEDSetting{Rate: uint8(m.Rate), DurationMS: uint16(m.DurationMS)})
		h.send(wire.TagPuckLEDAck, wire.Fields(m.NodeID))

	case SetMeterInterval:
		node, ok := h.known(m.NodeID)
		if err != nil || !ok || m.Interval >= 255 {
			h.send(wire.TagIntervalNack, wire.Fields(nackID(m.NodeID, err)))
			return
		}
		node.Pending.ArmInterval(uint8(m.Interval))
		h.send(wire.TagIntervalAck, wire.Fields(m.NodeID))

	case SetPollRate:
		node, ok := h.known(m.NodeID)
		if err != nil || !ok ||
			m.RateSecs < MinPollRateSecs || m.RateSecs > MaxPollRateSecs ||
			m.PeriodSecs < MinPollPeriodSecs || m.PeriodSecs > MaxPollPeriodSecs {
			h.send(wire.TagPollRateNack, wire.Fields(nackID(m.NodeID, err)))
			return
		}
		node.Pending.ArmPollRate(registry.PollRate{RateSecs: uint16(m.RateSecs), PeriodSecs: uint16(m.PeriodSecs)})
		h.send(wire.TagPollRateAck, wire.Fields(m.NodeID))
	}
}

// nackID is the node id to echo in a NACK: the parsed id, or the raw field
// when it was not a byte.
func nackID(id registry.NodeID, err error) any {
	var ide *NodeIDError
	if errors.As(err, &ide) {
		return ide.Token
	}
	return id
}

func (h *Handler) known(id registry.NodeID) (*registry.Node, bool) {
	if !id.Valid() {
		return nil, false
	}
	return h.cfg.Registry.Find(id)
}

func (h *Handler) send(tag string, groups ...[]string) {
	if err := h.cfg.Writer.Message(tag, groups...); err != nil {
		h.log.Error().Err(err).Str("tag", tag).Msg("serial reply failed")
	}
}

func (h *Handler) console(format string, args ...any) {
	if err := h.cfg.Writer.Console(format, args...); err != nil {
		h.log.Error().Err(err).Msg("console write failed")
	}
}

func (h *Handler) handleCommand(line string) {
	cmd, err := ParseCommand(line)
	if err != nil {
		h.log.Debug().Str("line", line).Msg("bad command")
		h.console("Bad Cmd")
		h.console(HelpLine())
		return
	}

	switch cmd.Name {
	case CmdHelp:
		h.console(HelpLine())
	case CmdDumpGW:
		h.dumpGateway()
	case CmdDumpNodes:
		h.dumpNodes(cmd)
	case CmdResetCfg:
		s, err := h.cfg.Settings.Reset()
		if err != nil {
			h.log.Error().Err(err).Msg("settings reset not saved")
			h.console("Save failed")
		}
		h.applied(s)
		h.console("Config reset")
	default:
		if cmd.Setter && !h.set(cmd) {
			return
		}
		h.get(cmd.Name)
	}
}

func (h *Handler) dumpGateway() {
	h.console("Booted=%s", clock.Format(h.cfg.Clock.Booted()))
	h.console("Free RAM (B)=%d", FreeMemory())
	for _, name := range []string{CmdTime, CmdLogLevel, CmdKey, CmdNetworkID, CmdGatewayID, CmdTXPower, CmdAlign} {
		h.get(name)
	}
}

func (h *Handler) dumpNodes(cmd Command) {
	id := registry.AllNodes
	if cmd.Setter {
		v, err := strconv.ParseUint(cmd.Value, 10, 8)
		if err != nil || v < 1 || v > uint64(registry.AllNodes) {
			h.console("Bad Node Id (1-253, 254 for all)")
			return
		}
		id = registry.NodeID(v)
	}
	nodes, err := h.cfg.Registry.Snapshot(id)
	if err != nil {
		h.console("Node is unknown")
		return
	}
	for _, n := range nodes {
		for _, l := range registry.ConsoleLines(n) {
			h.console("%s", l)
		}
	}
}

func (h *Handler) get(name string) {
	s := h.cfg.Settings.Settings()
	switch name {
	case CmdTime:
		now := h.cfg.Clock.Now()
		h.console("Time=%s / %d", clock.Format(now), now)
	case CmdLogLevel:
		h.console("LogLev=%s", s.LogLevel)
	case CmdKey:
		h.console("Key=%s", s.Key)
	case CmdNetworkID:
		h.console("Net Id=%s", s.NetworkID)
	case CmdGatewayID:
		h.console("Gway Id=%d", s.GatewayID)
	case CmdTXPower:
		st := h.cfg.Stats()
		h.console("TX Pow=%d", s.TXPower)
		h.console("Last SSI @ Gway=%d from node %d", st.LastRSSIAtGateway, st.LastFrom)
		h.console("Last SSI @ Node %d=%d", st.LastFrom, st.LastRSSIAtNode)
	case CmdAlign:
		h.console("Entry Algn=%d", boolDigit(s.AlignEntries))
	}
}

// set applies a setter and reports whether it was accepted.
func (h *Handler) set(cmd Command) bool {
	if cmd.Name == CmdTime {
		epoch, err := strconv.ParseUint(cmd.Value, 10, 32)
		if err != nil || epoch == 0 {
			h.console("Bad Time")
			return false
		}
		h.cfg.Clock.Set(uint32(epoch))
		return true
	}

	var (
		update func(s *gwconfig.Settings) error
		bad    string
	)
	switch cmd.Name {
	case CmdLogLevel:
		bad = "Bad LogLev"
		update = func(s *gwconfig.Settings) (err error) {
			s.LogLevel, err = gwconfig.ParseLogLevel(cmd.Value)
			return err
		}
	case CmdKey:
		bad = "Bad Key"
		update = func(s *gwconfig.Settings) (err error) {
			s.Key, err = gwconfig.ParseKey(cmd.Value)
			return err
		}
	case CmdNetworkID:
		bad = "Bad Addr"
		update = func(s *gwconfig.Settings) (err error) {
			s.NetworkID, err = gwconfig.ParseNetworkID(cmd.Value)
			return err
		}
	case CmdGatewayID:
		bad = "Bad Gway Id"
		update = func(s *gwconfig.Settings) error {
			v, err := strconv.ParseUint(cmd.Value, 10, 8)
			if err != nil {
				return gwconfig.ErrGatewayID
			}
			s.GatewayID = uint8(v)
			return nil
		}
	case CmdTXPower:
		bad = "Bad TX Power"
		update = func(s *gwconfig.Settings) error {
			v, err := strconv.ParseInt(cmd.Value, 10, 8)
			if err != nil {
				return gwconfig.ErrTXPower
			}
			s.TXPower = int8(v)
			return nil
		}
	case CmdAlign:
		bad = "Bad ENTA"
		update = func(s *gwconfig.Settings) error {
			switch cmd.Value {
			case "0":
				s.AlignEntries = false
			case "1":
				s.AlignEntries = true
			default:
				return gwconfig.ErrAlign
			}
			return nil
		}
	default:
		h.console("%s is read only", cmd.Name)
		return false
	}

	s, err := h.cfg.Settings.Update(update)
	switch {
	case errors.Is(err, gwconfig.ErrLogLevel), errors.Is(err, gwconfig.ErrKey),
		errors.Is(err, gwconfig.ErrNetworkID), errors.Is(err, gwconfig.ErrGatewayID),
		errors.Is(err, gwconfig.ErrTXPower), errors.Is(err, gwconfig.ErrAlign):
		h.console("%s", bad)
		return false
	case err != nil:
		h.log.Error().Err(err).Str("cmd", cmd.Name).Msg("setting not saved")
		h.console("Save failed")
		return false
	}
	h.applied(s)
	return true
}

// applied pushes accepted settings to the radio and the logger.
func (h *Handler) applied(s gwconfig.Settings) {
	if h.cfg.Radio != nil {
		if err := h.cfg.Radio.Apply(s); err != nil {
			h.log.Error().Err(err).Msg("radio configuration failed")
		}
	}
	h.cfg.OnLogLevel(s.LogLevel)
}

func boolDigit(b bool) int {
	if b {
		return 1
	}
	return 0
}
