// Package gateway runs the cooperative service loop that ties the server link,
// the radio and the node registry together.
package gateway

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/metergateway/internal/clock"
	"github.com/metergateway/internal/dispatch"
	"github.com/metergateway/internal/gwconfig"
	"github.com/metergateway/internal/liveness"
	"github.com/metergateway/internal/logging"
	"github.com/metergateway/internal/models"
	"github.com/metergateway/internal/radio"
	"github.com/metergateway/internal/registry"
	"github.com/metergateway/internal/serialproto"
	"github.com/metergateway/internal/wire"
	"github.com/rs/zerolog"
)

// Version is reported in the boot message.
var Version = "6"

const (
	DefaultSubCycles    = 5
	DefaultSerialBudget = 64
	DefaultIdle         = 10 * time.Millisecond
	DefaultWatchdog     = 8 * time.Second
)

// Monitor receives every line on the server link and supplies console lines
// typed elsewhere.
type Monitor interface {
	Publish(models.Event)
	Commands() <-chan string
}

type Config struct {
	Settings  *gwconfig.Manager
	Transport radio.Transport
	// Serial is read by a background goroutine; Out receives every line.
	Serial io.Reader
	Out    io.Writer
	Echo   bool
	// Counter drives the clock. Defaults to the process monotonic clock.
	Counter  clock.Counter
	Capacity int
	Monitor  Monitor
	// OnLogLevel applies the persisted log level. Defaults to
	// logging.SetLevel.
	OnLogLevel func(gwconfig.LogLevel)

	SubCycles       int
	SerialBudget    int
	Idle            time.Duration
	Watchdog        time.Duration
	LivenessTimeout time.Duration
	TXTimeout       time.Duration
	ReplyTimeout    time.Duration
	AwaitReplies    bool

	Log zerolog.Logger
}

// Gateway owns all mutable protocol state. Only the goroutine running Boot,
// Pass and Run may touch it.
type Gateway struct {
	cfg        Config
	clock      *clock.Clock
	registry   *registry.Registry
	out        *wire.Writer
	reader     *serialproto.LineReader
	handler    *serialproto.Handler
	dispatcher *dispatch.Dispatcher
	liveness   *liveness.Monitor
	watchdog   *Watchdog

	serialIn chan []byte
	inbuf    []byte
	log      zerolog.Logger
}

func New(cfg Config) *Gateway {
	if cfg.Counter == nil {
		cfg.Counter = clock.NewSystemCounter()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = registry.DefaultCapacity
	}
	if cfg.SubCycles <= 0 {
		cfg.SubCycles = DefaultSubCycles
	}
	if cfg.SerialBudget <= 0 {
		cfg.SerialBudget = DefaultSerialBudget
	}
	if cfg.Idle <= 0 {
		cfg.Idle = DefaultIdle
	}
	if cfg.Watchdog <= 0 {
		cfg.Watchdog = DefaultWatchdog
	}
	if cfg.OnLogLevel == nil {
		cfg.OnLogLevel = func(l gwconfig.LogLevel) { logging.SetLevel(l.Zerolog()) }
	}

	g := &Gateway{
		cfg:      cfg,
		clock:    clock.New(cfg.Counter),
		registry: registry.New(cfg.Capacity),
		out:      wire.NewWriter(cfg.Out),
		serialIn: make(chan []byte, 16),
		log:      cfg.Log,
	}
	g.clock.OnSet(func(uint32) { g.registry.ForgetLastSeen() })

	if cfg.Monitor != nil {
		g.out.Observe(func(line string) {
			cfg.Monitor.Publish(models.Event{Direction: models.DirectionOut, Line: line, At: time.Now()})
		})
	}

	var echo io.Writer
	if cfg.Echo {
		echo = rawWriter{g.out}
	}
	g.reader = serialproto.NewLineReader(echo)
	g.watchdog = NewWatchdog(cfg.Watchdog, logging.Component(cfg.Log, "watchdog"))

	g.dispatcher = dispatch.New(dispatch.Config{
		Registry:     g.registry,
		Clock:        g.clock,
		Transport:    cfg.Transport,
		Writer:       g.out,
		AlignEntries: func() bool { return cfg.Settings.Settings().AlignEntries },
		TXTimeout:    cfg.TXTimeout,
		AwaitReplies: cfg.AwaitReplies,
		ReplyTimeout: cfg.ReplyTimeout,
		Kick:         g.watchdog.Kick,
		Log:          logging.Component(cfg.Log, "dispatch"),
	})
	g.handler = serialproto.NewHandler(serialproto.Config{
		Registry:   g.registry,
		Clock:      g.clock,
		Settings:   cfg.Settings,
		Radio:      cfg.Transport,
		Writer:     g.out,
		Stats:      g.dispatcher.Stats,
		OnLogLevel: cfg.OnLogLevel,
		Log:        logging.Component(cfg.Log, "serial"),
	})
	g.liveness = liveness.New(g.registry, g.clock, g.out, cfg.LivenessTimeout, logging.Component(cfg.Log, "liveness"))
	return g
}

func (g *Gateway) Registry() *registry.Registry { return g.registry }
func (g *Gateway) Clock() *clock.Clock          { return g.clock }

// Boot loads the persisted settings, configures the radio, announces itself
// to the server and asks for the time.
func (g *Gateway) Boot(ctx context.Context) error {
	s, err := g.cfg.Settings.Load()
	if err != nil {
		g.log.Error().Err(err).Msg("settings unavailable, running on defaults")
	}
	g.cfg.OnLogLevel(s.LogLevel)
	if err := g.cfg.Transport.Apply(s); err != nil {
		g.log.Error().Err(err).Msg("radio configuration failed")
	}

	g.send(wire.TagGeneral, wire.Fields(s.GatewayID, wire.TagGeneral, "BOOT v"+Version+". Flags: 0"))
	g.clock.Set(clock.InitTime)
	g.send(wire.TagGetTime)

	if g.cfg.Serial != nil {
		go g.readSerial(ctx)
	}
	g.log.Info().Uint8("gateway", s.GatewayID).Str("network", s.NetworkID.String()).Msg("gateway booted")
	return nil
}

// Run boots and then services the loop until ctx is done or the watchdog
// fires.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if err := g.Boot(ctx); err != nil {
		return err
	}
	go g.watchdog.Run(ctx, cancel)

	for {
		g.Pass(ctx)
		select {
		case <-ctx.Done():
			if err := context.Cause(ctx); errors.Is(err, ErrWatchdog) {
				return err
			}
			return nil
		case <-time.After(g.cfg.Idle):
		}
	}
}

// Pass runs one round of sub-cycles. Serial input is serviced every
// sub-cycle, the radio every second one and the liveness check on the last,
// the latter two only while no line is half typed.
func (g *Gateway) Pass(ctx context.Context) {
	for i := 1; i <= g.cfg.SubCycles; i++ {
		g.watchdog.Kick()
		g.serviceSerial()
		g.serviceConsole()

		if g.reader.Pending() {
			continue
		}
		if i%2 == 0 {
			g.dispatcher.Poll(ctx)
		}
		if i == g.cfg.SubCycles {
			g.liveness.Check()
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (g *Gateway) serviceSerial() {
	for budget := g.cfg.SerialBudget; budget > 0; {
		if len(g.inbuf) == 0 {
			select {
			case chunk, ok := <-g.serialIn:
				if !ok {
					return
				}
				g.inbuf = chunk
			default:
				return
			}
		}
		n := min(budget, len(g.inbuf))
		for _, b := range g.inbuf[:n] {
			if line, ok := g.reader.Feed(b); ok {
				g.handleLine(line, "serial")
			}
		}
		g.inbuf = g.inbuf[n:]
		budget -= n
	}
}

// serviceConsole handles at most one line typed on the monitor.
func (g *Gateway) serviceConsole() {
	if g.cfg.Monitor == nil || g.reader.Pending() {
		return
	}
	select {
	case line := <-g.cfg.Monitor.Commands():
		g.handleLine(line, "monitor")
	default:
	}
}

func (g *Gateway) handleLine(line, source string) {
	if g.cfg.Monitor != nil {
		g.cfg.Monitor.Publish(models.Event{Direction: models.DirectionIn, Line: line, At: time.Now(), Source: source})
	}
	g.handler.HandleLine(line)
}

func (g *Gateway) readSerial(ctx context.Context) {
	defer close(g.serialIn)
	buf := make([]byte, 256)
	for {
		n, err := g.cfg.Serial.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case g.serialIn <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				g.log.Warn().Msg("serial input closed")
			} else if ctx.Err() == nil {
				g.log.Error().Err(err).Msg("serial read failed")
			}
			return
		}
	}
}

func (g *Gateway) send(tag string, groups ...[]string) {
	if err := g.out.Message(tag, groups...); err != nil {
		g.log.Error().Err(err).Str("tag", tag).Msg("serial write failed")
	}
}

type rawWriter struct{ w *wire.Writer }

func (r rawWriter) Write(p []byte) (int, error) {
	if err := r.w.Raw(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
