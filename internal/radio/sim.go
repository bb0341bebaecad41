package radio

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SimNode is a simulated meter node.
type SimNode struct {
	ID         uint8
	BatteryMV  uint16
	Uptime     uint32
	Slept      uint32
	Clock      uint32
	Finish     uint32
	MeterValue uint32
	Interval   uint8
	ImpPerKWh  uint16
	LEDRate    uint8
	LEDTimeMS  uint16
	PollSecs   uint16
	LastRSSI   int8

	step int
}

// next builds the node's next message. Nodes cycle through a boot notice,
// pings, status polls and meter updates.
func (n *SimNode) next(rnd *rand.Rand, elapsed uint32) string {
	n.Uptime += elapsed
	n.Slept += elapsed / 2
	n.Clock += elapsed
	defer func() { n.step++ }()

	if n.step == 0 {
		return "GMSG,BOOT 1"
	}
	switch n.step % 4 {
	case 1:
		return "PREQ," + strconv.FormatUint(uint64(n.Clock), 10)
	case 2:
		return fmt.Sprintf("GINR,%d,%d,%d,%d,%d,%d,%d,%d,%d",
			n.BatteryMV, n.Uptime, n.Slept, 880, n.LastRSSI,
			n.LEDRate, n.LEDTimeMS, n.Interval, n.ImpPerKWh)
	case 3:
		base := fmt.Sprintf("MUPC,%d,%d", n.Finish, n.MeterValue)
		var b strings.Builder
		b.WriteString(base)
		for i := 0; i < 2; i++ {
			dur := uint32(n.Interval) * 60
			wh := uint32(rnd.Intn(5))
			n.Finish += dur
			n.MeterValue += wh
			fmt.Fprintf(&b, ";%d,%d,%.1f", dur, wh, 5+rnd.Float64()*10)
		}
		return b.String()
	default:
		return fmt.Sprintf("MUP_,%d,%d;%d,%d", n.Finish, n.MeterValue, 60, 0)
	}
}

// apply handles an instruction sent by the gateway.
func (n *SimNode) apply(payload string) {
	f := strings.Split(payload, ",")
	num := func(i int) uint64 {
		if i >= len(f) {
			return 0
		}
		v, _ := strconv.ParseUint(f[i], 10, 32)
		return v
	}
	if len(f) > 0 {
		if rssi, err := strconv.ParseInt(f[len(f)-1], 10, 8); err == nil {
			n.LastRSSI = int8(rssi)
		}
	}
	switch f[0] {
	case "MVAI":
		n.MeterValue = uint32(num(1))
	case "MINI":
		n.Interval = uint8(num(1))
	case "MPLI":
		n.LEDRate = uint8(num(1))
		n.LEDTimeMS = uint16(num(2))
	case "GITR":
		n.PollSecs = uint16(num(1))
	case "PRSP":
		n.Clock = uint32(num(2))
	}
}

// SimModem is a Modem whose far side is a set of simulated nodes.
type SimModem struct {
	every time.Duration
	log   zerolog.Logger
	rx    chan Datagram

	mu      sync.Mutex
	nodes   []*SimNode
	gateway uint8
	rnd     *rand.Rand
	stop    chan struct{}
	once    sync.Once
}

func NewSimModem(ids []uint8, every time.Duration, seed int64, log zerolog.Logger) *SimModem {
	if every <= 0 {
		every = 2 * time.Second
	}
	rnd := rand.New(rand.NewSource(seed))
	now := uint32(time.Now().Unix())
	m := &SimModem{
		every:   every,
		log:     log,
		rx:      make(chan Datagram, inboxSize),
		gateway: 1,
		rnd:     rnd,
		stop:    make(chan struct{}),
	}
	for _, id := range ids {
		m.nodes = append(m.nodes, &SimNode{
			ID:         id,
			BatteryMV:  uint16(3900 + rnd.Intn(500)),
			Clock:      now - uint32(rnd.Intn(30)),
			Finish:     now,
			MeterValue: uint32(rnd.Intn(100000)),
			Interval:   5,
			ImpPerKWh:  1000,
			LEDRate:    10,
			LEDTimeMS:  100,
			LastRSSI:   -70,
		})
	}
	go m.loop()
	return m
}

func (m *SimModem) loop() {
	ticker := time.NewTicker(m.every)
	defer ticker.Stop()
	i := 0
	for {
		select {
		case <-m.stop:
			close(m.rx)
			return
		case <-ticker.C:
		}
		m.mu.Lock()
		if len(m.nodes) == 0 {
			m.mu.Unlock()
			continue
		}
		n := m.nodes[i%len(m.nodes)]
		i++
		d := Datagram{
			From:    n.ID,
			To:      m.gateway,
			Payload: []byte(n.next(m.rnd, uint32(m.every/time.Second)*uint32(len(m.nodes)))),
			RSSI:    int8(-40 - m.rnd.Intn(50)),
		}
		m.mu.Unlock()

		select {
		case m.rx <- d:
		default:
		}
	}
}

func (m *SimModem) Configure(cfg RadioConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateway = cfg.Address
	m.log.Info().Uint8("gateway", cfg.Address).Str("network", cfg.NetworkID).Msg("sim modem configured")
	return nil
}

func (m *SimModem) Send(_ context.Context, to uint8, payload []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acked := false
	for _, n := range m.nodes {
		if n.ID == to || to == BroadcastAddr {
			n.apply(string(payload))
			acked = true
		}
	}
	m.log.Info().Uint8("to", to).Str("payload", string(payload)).Bool("acked", acked).Msg("sim node received")
	return acked, nil
}

func (m *SimModem) Receive() <-chan Datagram { return m.rx }

func (m *SimModem) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}
