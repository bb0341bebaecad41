package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/metergateway/internal/logging"
	"github.com/metergateway/internal/mqttclient"
	"github.com/metergateway/internal/radio"
	"github.com/rs/zerolog"
)

type bridgeFlags struct {
	broker  string
	prefix  string
	network string
	nodes   string
	every   time.Duration
	seed    int64
	console bool
}

// runBridge connects to the broker and relays for modem until interrupted.
func runBridge(f bridgeFlags, modem radio.Modem, log zerolog.Logger) error {
	defer modem.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mqttc, err := mqttclient.New(mqttclient.Options{
		BrokerURL: f.broker,
		ClientID:  fmt.Sprintf("radiobridge-%d", time.Now().UnixNano()),
	})
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	defer mqttc.Close()

	b := radio.NewBridge(mqttc, modem, f.prefix, f.network, logging.Component(log, "bridge"))
	log.Info().Stringer("mqtt", mqttc).Str("network", f.network).Msg("bridge started")
	return b.Run(ctx)
}

func newSimModem(f bridgeFlags, log zerolog.Logger) (radio.Modem, error) {
	ids, err := parseNodeIDs(f.nodes)
	if err != nil {
		return nil, err
	}
	return radio.NewSimModem(ids, f.every, f.seed, logging.Component(log, "sim")), nil
}

// parseNodeIDs parses a comma separated list such as "2,3,4".
func parseNodeIDs(s string) ([]uint8, error) {
	var ids []uint8
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(part, 10, 8)
		if err != nil || v == 0 || v == 255 {
			return nil, fmt.Errorf("bad node id %q", part)
		}
		ids = append(ids, uint8(v))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no node ids in %q", s)
	}
	return ids, nil
}
