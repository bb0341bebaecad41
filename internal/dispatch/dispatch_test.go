package dispatch

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/metergateway/internal/clock"
	"github.com/metergateway/internal/radio"
	"github.com/metergateway/internal/registry"
	"github.com/metergateway/internal/wire"
	"github.com/rs/zerolog"
)

type fakeCounter struct{ secs uint32 }

func (f *fakeCounter) Seconds() uint32 { return f.secs }
func (f *fakeCounter) Max() uint32     { return 1 << 30 }

type fixture struct {
	d     *Dispatcher
	reg   *registry.Registry
	clk   *clock.Clock
	radio *radio.Memory
	out   *bytes.Buffer
}

func newFixture(t *testing.T, capacity int, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		reg:   registry.New(capacity),
		clk:   clock.New(&fakeCounter{}),
		radio: radio.NewMemory(radio.DefaultMaxPayload),
		out:   &bytes.Buffer{},
	}
	f.clk.Set(1600000000)
	cfg := Config{
		Registry:  f.reg,
		Clock:     f.clk,
		Transport: f.radio,
		Writer:    wire.NewWriter(f.out),
		Log:       zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.d = New(cfg)
	return f
}

func (f *fixture) handle(from uint8, payload string) error {
	return f.d.Handle(context.Background(), radio.Datagram{From: from, To: 1, Payload: []byte(payload), RSSI: -60})
}

func (f *fixture) sent() []string {
	var out []string
	for _, d := range f.radio.Sent() {
		out = append(out, string(d.Payload))
	}
	return out
}

const ginr = "GINR,4300,890000,555000,880,-80,10,100,5,1000"

func TestParseFoldWithCurrent(t *testing.T) {
	m, err := Parse([]byte("MUPC,1000,500;15,1,10.2;15,5,10.7"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	u := m.(MeterUpdate)
	if u.FinishTime != 1030 || u.Value != 506 || u.Current != 10.7 || u.Entries != 2 || !u.WithCurrent {
		t.Errorf("Expected 1030/506/10.7 over 2 entries, got %+v", u)
	}
}

func TestParseFoldWithoutCurrent(t *testing.T) {
	m, err := Parse([]byte("MUP_,1000,500;15,1;15,5;15,2;"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	u := m.(MeterUpdate)
	if u.FinishTime != 1045 || u.Value != 508 || u.WithCurrent {
		t.Errorf("got %+v", u)
	}
}

func TestParseVariants(t *testing.T) {
	m, err := Parse([]byte("GINR;4300,890000,555000,880,-80,10,100,5"))
	if err != nil {
		t.Fatalf("GINR without imp/kWh: %v", err)
	}
	req := m.(InstructionRequest)
	if req.BatteryMV != 4300 || req.RSSIAtNode != -80 || req.IntervalMins != 5 || req.ImpPerKWh != 0 {
		t.Errorf("got %+v", req)
	}

	m, err = Parse([]byte("MREB,1496842913,18829393"))
	if err != nil || m.(Rebase).Value != 18829393 {
		t.Errorf("MREB = %+v, %v", m, err)
	}

	m, err = Parse([]byte("GMSG,BOOT 1"))
	if err != nil || m.(General).Text != "GMSG,BOOT 1" {
		t.Errorf("GMSG = %+v, %v", m, err)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		payload string
		want    error
	}{
		{"ZZZZ,1,2", ErrUnknownTag},
		{"", ErrUnknownTag},
		{"MUPC,1000,500;15,1", ErrMalformed},
		{"MUP_,1000", ErrMalformed},
		{"MREB,abc,1", ErrMalformed},
		{"PREQ", ErrMalformed},
		{"GINR,1,2", ErrMalformed},
		{"GINR,4300,1,1,1,-300,1,1,1", ErrMalformed},
	}
	for _, tt := range tests {
		if _, err := Parse([]byte(tt.payload)); !errors.Is(err, tt.want) {
			t.Errorf("Parse(%q) = %v, want %v", tt.payload, err, tt.want)
		}
	}
}

func TestHandleMeterUpdateForwards(t *testing.T) {
	f := newFixture(t, registry.DefaultCapacity, nil)
	payload := "MUPC,1000,500;15,1,10.2;15,5,10.7"
	if err := f.handle(7, payload); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	n, ok := f.reg.Find(7)
	if !ok {
		t.Fatal("node 7 not registered")
	}
	if n.LastEntryFinish != 1030 || n.MeterValue != 506 || n.CurrentRMS != 10.7 {
		t.Errorf("node state %+v", n)
	}
	if seen, ok := n.LastSeen.Get(); !ok || seen != 1600000000 || n.LastRSSI != -60 {
		t.Errorf("last seen %d/%v rssi %d", seen, ok, n.LastRSSI)
	}
	if got, want := f.out.String(), "G>S:MUPC;7,"+payload+"\r\n"; got != want {
		t.Errorf("forwarded %q, want %q", got, want)
	}
	if len(f.sent()) != 0 {
		t.Errorf("meter updates must not be answered")
	}
}

func TestHandleRebaseAndGeneral(t *testing.T) {
	f := newFixture(t, registry.DefaultCapacity, nil)
	f.handle(3, "MREB,1000,42")
	f.handle(3, "GMSG,hello")

	n, _ := f.reg.Find(3)
	if n.LastEntryFinish != 1000 || n.MeterValue != 42 {
		t.Errorf("rebase not applied: %+v", n)
	}
	want := "G>S:MREB;3,MREB,1000,42\r\nG>S:GMSG;3,GMSG,hello\r\n"
	if f.out.String() != want {
		t.Errorf("got %q", f.out.String())
	}
}

func TestInstructionPriority(t *testing.T) {
	f := newFixture(t, registry.DefaultCapacity, nil)
	n, _ := f.reg.FindOrCreate(4)
	n.Pending.ArmInterval(15)
	n.Pending.ArmMeterValue(120000)

	for i := 0; i < 3; i++ {
		if err := f.handle(4, ginr); err != nil {
			t.Fatalf("Handle %d: %v", i, err)
		}
		if i == 0 && !n.Pending.Interval.Present() {
			t.Errorf("interval override should survive the first poll")
		}
	}

	want := []string{"MVAI,120000,-60", "MINI,15,-60", "MNOI,-60"}
	got := f.sent()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if n.BatteryMV != 4300 || n.ImpPerKWh != 1000 || n.IntervalMins != 5 {
		t.Errorf("telemetry not stored: %+v", n)
	}
	if s := f.d.Stats(); s.LastRSSIAtNode != -80 || s.LastRSSIAtGateway != -60 || s.LastFrom != 4 {
		t.Errorf("stats %+v", s)
	}
}

func TestPollRateAndLEDReplies(t *testing.T) {
	f := newFixture(t, registry.DefaultCapacity, nil)
	n, _ := f.reg.FindOrCreate(4)
	n.Pending.ArmLED(registry.LEDSetting{Rate: 1, DurationMS: 500})
	n.Pending.ArmPollRate(registry.PollRate{RateSecs: 30, PeriodSecs: 600})

	f.handle(4, ginr)
	f.handle(4, ginr)

	want := "GITR,30,600,-60|MPLI,1,500,-60"
	if got := strings.Join(f.sent(), "|"); got != want {
		t.Errorf("got %s", got)
	}
}

func TestPingRecordsDrift(t *testing.T) {
	f := newFixture(t, registry.DefaultCapacity, func(c *Config) {
		c.AlignEntries = func() bool { return false }
	})
	if err := f.handle(2, "PREQ,1599999990"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	n, _ := f.reg.Find(2)
	if n.DriftSecs != 10 {
		t.Errorf("drift = %d", n.DriftSecs)
	}
	if got := f.sent(); len(got) != 1 || got[0] != "PRSP,1599999990,1600000000,0,-60" {
		t.Errorf("sent %v", got)
	}
}

func TestUnknownTagIsNotAnswered(t *testing.T) {
	f := newFixture(t, registry.DefaultCapacity, nil)
	if err := f.handle(9, "WHAT,1"); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
	if len(f.sent()) != 0 || f.out.Len() != 0 {
		t.Errorf("unknown tag produced output")
	}
	if n, ok := f.reg.Find(9); !ok || !n.LastSeen.Present() {
		t.Errorf("sender should still be tracked")
	}
}

func TestFullRegistryAbortsUpdate(t *testing.T) {
	f := newFixture(t, 1, nil)
	f.reg.FindOrCreate(1)

	if err := f.handle(2, ginr); !errors.Is(err, registry.ErrRegistryFull) {
		t.Fatalf("expected ErrRegistryFull, got %v", err)
	}
	if len(f.sent()) != 0 || f.out.Len() != 0 {
		t.Errorf("aborted message produced output")
	}
	if f.reg.Len() != 1 {
		t.Errorf("registry changed")
	}
}

func TestSendFailureIsReported(t *testing.T) {
	f := newFixture(t, registry.DefaultCapacity, nil)
	f.radio.SendErr = func(uint8) error { return radio.ErrNoAck }
	n, _ := f.reg.FindOrCreate(5)
	n.Pending.ArmMeterValue(7)

	if err := f.handle(5, ginr); !errors.Is(err, radio.ErrNoAck) {
		t.Fatalf("expected ErrNoAck, got %v", err)
	}
	if n.Pending.Armed() {
		t.Errorf("selected instruction should be disarmed")
	}
}

func TestOversizedReplyIsNotSent(t *testing.T) {
	f := newFixture(t, registry.DefaultCapacity, func(c *Config) {
		c.Transport = radio.NewMemory(10)
	})
	n, _ := f.reg.FindOrCreate(5)
	n.Pending.ArmPollRate(registry.PollRate{RateSecs: 600, PeriodSecs: 3000})

	if err := f.handle(5, ginr); !errors.Is(err, radio.ErrPayloadTooLong) {
		t.Fatalf("expected ErrPayloadTooLong, got %v", err)
	}
}

func TestAwaitRepliesHandlesAnswer(t *testing.T) {
	f := newFixture(t, registry.DefaultCapacity, func(c *Config) {
		c.AwaitReplies = true
	})
	f.radio.QueueReply(radio.Datagram{From: 4, To: 1, Payload: []byte(ginr), RSSI: -45})

	if err := f.handle(4, "PREQ,1600000000"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	want := "PRSP,1600000000,1600000000,1,-60|MNOI,-45"
	if got := strings.Join(f.sent(), "|"); got != want {
		t.Errorf("got %s", got)
	}
	n, _ := f.reg.Find(4)
	if n.BatteryMV != 4300 || n.LastRSSI != -45 {
		t.Errorf("answer not handled: %+v", n)
	}
}

func TestPollDrainsOne(t *testing.T) {
	f := newFixture(t, registry.DefaultCapacity, nil)
	if ok, _ := f.d.Poll(context.Background()); ok {
		t.Fatal("nothing should be waiting")
	}
	f.radio.Deliver(radio.Datagram{From: 6, Payload: []byte("GMSG,hi")})
	f.radio.Deliver(radio.Datagram{From: 6, Payload: []byte("GMSG,again")})

	if ok, err := f.d.Poll(context.Background()); !ok || err != nil {
		t.Fatalf("Poll = %v, %v", ok, err)
	}
	if strings.Count(f.out.String(), "\r\n") != 1 {
		t.Errorf("Poll handled more than one datagram: %q", f.out.String())
	}
}

// slowTransport answers like radio.Memory after a delay.
type slowTransport struct {
	*radio.Memory
	delay time.Duration
}

func (s slowTransport) SendAndAwaitReply(ctx context.Context, dest uint8, payload []byte, timeout time.Duration) (radio.Datagram, error) {
	time.Sleep(s.delay)
	return s.Memory.SendAndAwaitReply(ctx, dest, payload, timeout)
}

// TestAwaitRepliesKicksEverySend tests that a chain of slow answers calls
// Kick before each send and stops at the depth limit
func TestAwaitRepliesKicksEverySend(t *testing.T) {
	mem := radio.NewMemory(radio.DefaultMaxPayload)
	for i := 0; i < 5; i++ {
		mem.QueueReply(radio.Datagram{From: 4, To: 1, Payload: []byte("PREQ,1600000000"), RSSI: -50})
	}
	var kicks int
	f := newFixture(t, registry.DefaultCapacity, func(c *Config) {
		c.Transport = slowTransport{Memory: mem, delay: 5 * time.Millisecond}
		c.AwaitReplies = true
		c.Kick = func() { kicks++ }
	})

	if err := f.d.Handle(context.Background(), radio.Datagram{From: 4, To: 1, Payload: []byte("PREQ,1600000000"), RSSI: -60}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	sent := len(mem.Sent())
	if sent != DefaultMaxDepth+1 {
		t.Errorf("Expected %d sends, got %d", DefaultMaxDepth+1, sent)
	}
	if kicks != sent {
		t.Errorf("Expected a kick per send (%d), got %d", sent, kicks)
	}
}

func TestDefaultReplyTimeout(t *testing.T) {
	d := New(Config{Log: zerolog.Nop()})
	if d.cfg.ReplyTimeout != 800*time.Millisecond {
		t.Errorf("Expected 800ms reply timeout, got %s", d.cfg.ReplyTimeout)
	}
}
