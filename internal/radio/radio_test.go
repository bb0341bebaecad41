package radio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/metergateway/internal/gwconfig"
	"github.com/rs/zerolog"
)

type fakeBus struct {
	mu        sync.Mutex
	subs      map[string][]func(string, []byte)
	retained  map[string][]byte
	published map[string]int
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		subs:      make(map[string][]func(string, []byte)),
		retained:  make(map[string][]byte),
		published: make(map[string]int),
	}
}

func (b *fakeBus) Publish(topic string, payload []byte, _ byte, retained bool) error {
	b.mu.Lock()
	b.published[topic]++
	if retained {
		b.retained[topic] = payload
	}
	hs := append(([]func(string, []byte))(nil), b.subs[topic]...)
	b.mu.Unlock()
	for _, h := range hs {
		h(topic, payload)
	}
	return nil
}

func (b *fakeBus) Subscribe(topic string, _ byte, h func(string, []byte)) error {
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], h)
	r := b.retained[topic]
	b.mu.Unlock()
	if r != nil {
		h(topic, r)
	}
	return nil
}

func (b *fakeBus) Unsubscribe(topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		delete(b.subs, t)
	}
	return nil
}

func (b *fakeBus) subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic]) > 0
}

func (b *fakeBus) count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[topic]
}

// scriptModem acks sends to known nodes and can queue a reply per send.
type scriptModem struct {
	mu      sync.Mutex
	known   map[uint8]bool
	replies map[uint8]string
	rx      chan Datagram
	cfg     RadioConfig
}

func newScriptModem(known ...uint8) *scriptModem {
	m := &scriptModem{known: map[uint8]bool{}, replies: map[uint8]string{}, rx: make(chan Datagram, 8)}
	for _, id := range known {
		m.known[id] = true
	}
	return m
}

func (m *scriptModem) Configure(cfg RadioConfig) error {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

func (m *scriptModem) Send(_ context.Context, to uint8, _ []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.replies[to]; ok {
		m.rx <- Datagram{From: to, To: gwconfig.DefaultGatewayID, Payload: []byte(r), RSSI: -55}
	}
	return m.known[to], nil
}

func (m *scriptModem) Receive() <-chan Datagram { return m.rx }
func (m *scriptModem) Close() error             { return nil }

func defaultSettings() gwconfig.Settings {
	return gwconfig.Defaults(true)
}

func startBridge(t *testing.T, bus *fakeBus, modem Modem) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	br := NewBridge(bus, modem, "test", gwconfig.DefaultNetworkID.String(), zerolog.Nop())
	go func() {
		defer close(done)
		br.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	tx := TopicsFor("test", gwconfig.DefaultNetworkID.String()).TX
	deadline := time.Now().Add(2 * time.Second)
	for !bus.subscribed(tx) {
		if time.Now().After(deadline) {
			t.Fatalf("bridge never subscribed to %s", tx)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTransport(t *testing.T, bus *fakeBus) *MQTTTransport {
	t.Helper()
	tr := NewMQTT(bus, MQTTOptions{Prefix: "test", HighPower: true, TXTimeout: 200 * time.Millisecond}, zerolog.Nop())
	if err := tr.Apply(defaultSettings()); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	return tr
}

func TestMQTTTransportAddressFiltering(t *testing.T) {
	bus := newFakeBus()
	tr := newTransport(t, bus)
	rx := TopicsFor("test", "0.0.1.1").RX

	for _, f := range []Frame{
		{From: 3, To: 1, Payload: "PREQ,10", RSSI: -60},
		{From: 3, To: 2, Payload: "PREQ,11"},
		{From: 4, To: BroadcastAddr, Payload: "GMSG,hello"},
	} {
		body, _ := json.Marshal(f)
		bus.Publish(rx, body, 0, false)
	}

	d, ok := tr.Poll()
	if !ok || d.From != 3 || string(d.Payload) != "PREQ,10" || d.RSSI != -60 {
		t.Fatalf("first poll = %+v, %v", d, ok)
	}
	d, ok = tr.Poll()
	if !ok || d.From != 4 || d.To != BroadcastAddr {
		t.Fatalf("second poll = %+v, %v", d, ok)
	}
	if _, ok := tr.Poll(); ok {
		t.Errorf("datagram for another address was not filtered")
	}
}

func TestMQTTTransportAckThroughBridge(t *testing.T) {
	bus := newFakeBus()
	tr := newTransport(t, bus)
	startBridge(t, bus, newScriptModem(5))

	ctx := context.Background()
	if err := tr.SendWithAck(ctx, 5, []byte("MNOI,-60")); err != nil {
		t.Errorf("send to known node: %v", err)
	}
	if err := tr.SendWithAck(ctx, 6, []byte("MNOI,-60")); !errors.Is(err, ErrNoAck) {
		t.Errorf("expected ErrNoAck, got %v", err)
	}
	long := []byte(strings.Repeat("x", DefaultMaxPayload+1))
	if err := tr.SendWithAck(ctx, 5, long); !errors.Is(err, ErrPayloadTooLong) {
		t.Errorf("expected ErrPayloadTooLong, got %v", err)
	}
}

func TestMQTTTransportAwaitReply(t *testing.T) {
	bus := newFakeBus()
	tr := newTransport(t, bus)
	modem := newScriptModem(5)
	modem.replies[5] = "PREQ,100"
	startBridge(t, bus, modem)

	d, err := tr.SendAndAwaitReply(context.Background(), 5, []byte("MNOI,-60"), time.Second)
	if err != nil {
		t.Fatalf("SendAndAwaitReply: %v", err)
	}
	if d.From != 5 || string(d.Payload) != "PREQ,100" {
		t.Errorf("reply = %+v", d)
	}
	if _, ok := tr.Poll(); ok {
		t.Errorf("reply must not also land in the inbox")
	}
}

func TestMQTTTransportNetworkChange(t *testing.T) {
	bus := newFakeBus()
	tr := newTransport(t, bus)
	old := TopicsFor("test", "0.0.1.1")

	s := defaultSettings()
	s.NetworkID = gwconfig.NetworkID{10, 0, 2, 3}
	if err := tr.Apply(s); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	next := TopicsFor("test", "10.0.2.3")

	if bus.subscribed(old.RX) || !bus.subscribed(next.RX) || !bus.subscribed(next.Ack) {
		t.Errorf("subscriptions did not move")
	}
	if bus.count(old.Config) != 2 || bus.count(next.Config) != 1 {
		t.Errorf("config published old=%d new=%d", bus.count(old.Config), bus.count(next.Config))
	}
}

func TestParseRXLine(t *testing.T) {
	d, err := ParseRXLine("RX,7,1,-81,MUPC,1000,500;15,1,10.2")
	if err != nil {
		t.Fatalf("ParseRXLine: %v", err)
	}
	if d.From != 7 || d.To != 1 || d.RSSI != -81 || string(d.Payload) != "MUPC,1000,500;15,1,10.2" {
		t.Errorf("got %+v", d)
	}
	for _, bad := range []string{"RX,7,1", "RX,x,1,-5,P", "RX,7,1,-500,P", "TX,1,2,3,4"} {
		if _, err := ParseRXLine(bad); err == nil {
			t.Errorf("ParseRXLine(%q) accepted", bad)
		}
	}
}

func TestLineModem(t *testing.T) {
	host, dev := net.Pipe()
	m := NewLineModem(host, 500*time.Millisecond, zerolog.Nop())
	defer m.Close()

	go func() {
		sc := bufio.NewScanner(dev)
		for sc.Scan() {
			line := sc.Text()
			if strings.HasPrefix(line, "TX,1,5,") {
				dev.Write([]byte("ACK,1,1\r\nRX,5,1,-60,GINR,4300\n"))
			}
		}
	}()

	ok, err := m.Send(context.Background(), 5, []byte("MNOI,-60"))
	if err != nil || !ok {
		t.Fatalf("Send = %v, %v", ok, err)
	}
	select {
	case d := <-m.Receive():
		if d.From != 5 || string(d.Payload) != "GINR,4300" {
			t.Errorf("received %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("no datagram received")
	}
}

func TestSimNodeCycleAndInstructions(t *testing.T) {
	n := &SimNode{ID: 2, Interval: 5, MeterValue: 100, Finish: 1000}
	rnd := rand.New(rand.NewSource(1))

	wantPrefix := []string{"GMSG,", "PREQ,", "GINR,", "MUPC,", "MUP_,"}
	for i, p := range wantPrefix {
		if got := n.next(rnd, 2); !strings.HasPrefix(got, p) {
			t.Errorf("message %d = %q, want prefix %q", i, got, p)
		}
	}

	n.apply("MVAI,120000,-70")
	n.apply("MPLI,1,500,-71")
	n.apply("PRSP,5,1600000000,1,-72")
	if n.MeterValue != 120000 || n.LEDRate != 1 || n.LEDTimeMS != 500 || n.Clock != 1600000000 || n.LastRSSI != -72 {
		t.Errorf("instructions not applied: %+v", n)
	}
}
