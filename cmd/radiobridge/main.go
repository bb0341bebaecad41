//go:build !no_serial
// +build !no_serial

package main

import (
	"flag"
	"os"
	"time"

	"github.com/metergateway/internal/logging"
	"github.com/metergateway/internal/radio"
	"github.com/tarm/serial"
)

func main() {
	var f bridgeFlags
	port := flag.String("port", "/dev/ttyUSB0", "serial port of the radio modem")
	baud := flag.Int("baud", 115200, "serial baud rate")
	sim := flag.Bool("sim", false, "simulate meter nodes instead of driving a modem")
	flag.StringVar(&f.broker, "broker", "tcp://localhost:1883", "mqtt broker")
	flag.StringVar(&f.prefix, "prefix", "metergw", "topic prefix")
	flag.StringVar(&f.network, "network", "0.0.1.1", "radio network id to serve until the gateway publishes its settings")
	flag.StringVar(&f.nodes, "nodes", "2,3,4", "simulated node ids")
	flag.DurationVar(&f.every, "every", 2*time.Second, "simulated node message period")
	flag.Int64Var(&f.seed, "seed", time.Now().UnixNano(), "simulation seed")
	flag.BoolVar(&f.console, "log_console", true, "human readable logs")
	flag.Parse()

	log := logging.New("radiobridge", logging.Options{Console: f.console})

	var modem radio.Modem
	if *sim {
		m, err := newSimModem(f, log)
		if err != nil {
			log.Fatal().Err(err).Msg("simulation")
		}
		modem = m
	} else {
		s, err := serial.OpenPort(&serial.Config{Name: *port, Baud: *baud})
		if err != nil {
			log.Fatal().Err(err).Str("port", *port).Msg("open serial")
		}
		modem = radio.NewLineModem(s, radio.DefaultTXTimeout, logging.Component(log, "modem"))
	}

	if err := runBridge(f, modem, log); err != nil {
		log.Error().Err(err).Msg("bridge stopped")
		os.Exit(1)
	}
}
