package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/metergateway/internal/config"
	"github.com/metergateway/internal/gateway"
	"github.com/metergateway/internal/gwconfig"
	"github.com/metergateway/internal/logging"
	"github.com/metergateway/internal/monitor"
	"github.com/metergateway/internal/mqttclient"
	"github.com/metergateway/internal/nvstore"
	"github.com/metergateway/internal/radio"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "config file (.yaml, .yml or .toml)")
	envFile := flag.String("env", ".env", "dotenv file loaded before the environment is read")
	port := flag.String("port", "", "serial port to the server, - for stdin/stdout")
	baud := flag.Int("baud", 0, "serial baud rate")
	echo := flag.Bool("echo", false, "echo typed characters back on the serial link")
	broker := flag.String("broker", "", "MQTT broker URL of the radio bridge")
	transport := flag.String("transport", "", "radio transport: mqtt | memory")
	storeDriver := flag.String("store", "", "settings store: file | sqlite | memory")
	storePath := flag.String("store_path", "", "settings store path")
	monitorAddr := flag.String("monitor", "", "websocket monitor listen address, empty to disable")
	console := flag.Bool("log_console", false, "human readable logs")
	writeConfig := flag.String("write_config", "", "write the effective config as YAML to this path and exit")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(2)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Serial.Port = *port
		case "baud":
			cfg.Serial.Baud = *baud
		case "echo":
			cfg.Serial.Echo = *echo
		case "broker":
			cfg.Radio.Broker = *broker
		case "transport":
			cfg.Radio.Transport = *transport
		case "store":
			cfg.Store.Driver = *storeDriver
			cfg.Store.Path = ""
		case "store_path":
			cfg.Store.Path = *storePath
		case "monitor":
			cfg.Monitor.Listen = *monitorAddr
		case "log_console":
			cfg.Log.Console = *console
		}
	})
	config.ApplyDefaults(&cfg)
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	if *writeConfig != "" {
		if err := config.Save(*writeConfig, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "write config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg); err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	var logOut io.Writer = os.Stderr
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
			return err
		}
		defer f.Close()
		logOut = f
	}
	log := logging.New("metergateway", logging.Options{Output: logOut, Console: cfg.Log.Console, NoColor: cfg.Log.NoColor})
	logging.SetLevel(zerolog.DebugLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("serial", cfg.Serial.Port).
		Str("transport", cfg.Radio.Transport).
		Str("store", cfg.Store.Driver).
		Msg("starting gateway")

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Error().Err(err).Msg("settings store unavailable")
		return err
	}
	defer store.Close()
	settings := gwconfig.NewManager(store, *cfg.Radio.HighPower, logging.Component(log, "settings"))

	tr, closeTransport, err := openTransport(cfg.Radio, log)
	if err != nil {
		log.Error().Err(err).Msg("radio transport unavailable")
		return err
	}
	defer closeTransport()

	serialIn, serialOut, closeSerial, err := openLink(cfg.Serial)
	if err != nil {
		log.Error().Err(err).Str("port", cfg.Serial.Port).Msg("open serial")
		return err
	}
	defer closeSerial()

	var mon gateway.Monitor
	if cfg.Monitor.Listen != "" {
		hub := monitor.NewHub(logging.Component(log, "monitor"))
		go hub.Run(ctx)
		srv := serveMonitor(cfg.Monitor.Listen, hub, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		mon = hub
	}

	gw := gateway.New(gateway.Config{
		Settings:        settings,
		Transport:       tr,
		Serial:          serialIn,
		Out:             serialOut,
		Echo:            cfg.Serial.Echo,
		Capacity:        cfg.Registry.Capacity,
		Monitor:         mon,
		SubCycles:       cfg.Loop.SubCycles,
		SerialBudget:    cfg.Loop.SerialBudget,
		Idle:            cfg.Loop.Idle,
		Watchdog:        cfg.Loop.Watchdog,
		LivenessTimeout: cfg.Liveness.Timeout,
		TXTimeout:       cfg.Radio.TXTimeout,
		ReplyTimeout:    cfg.Radio.ReplyTimeout,
		AwaitReplies:    cfg.Radio.AwaitReplies,
		Log:             logging.Component(log, "gateway"),
	})
	if err := gw.Run(ctx); err != nil {
		log.Error().Err(err).Msg("gateway stopped")
		return err
	}
	log.Info().Msg("shutting down")
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (nvstore.Store, error) {
	switch cfg.Driver {
	case config.StoreFile:
		return nvstore.OpenFile(cfg.Path, cfg.Size)
	case config.StoreSQLite:
		return nvstore.OpenSQLite(ctx, cfg.Path, cfg.Size)
	case config.StoreMemory:
		return nvstore.NewMemory(cfg.Size), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func openTransport(cfg config.RadioConfig, log zerolog.Logger) (radio.Transport, func(), error) {
	if cfg.Transport == config.TransportMemory {
		log.Warn().Msg("memory radio transport: no nodes will be heard")
		return radio.NewMemory(cfg.MaxPayload), func() {}, nil
	}

	mqttc, err := mqttclient.New(mqttclient.Options{
		BrokerURL: cfg.Broker,
		ClientID:  fmt.Sprintf("%s-%d", cfg.ClientID, time.Now().UnixNano()),
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, nil, err
	}
	log.Info().Stringer("mqtt", mqttc).Msg("connected to radio bridge broker")

	tr := radio.NewMQTT(mqttc, radio.MQTTOptions{
		Prefix:     cfg.TopicPrefix,
		HighPower:  *cfg.HighPower,
		TXTimeout:  cfg.TXTimeout,
		MaxPayload: cfg.MaxPayload,
	}, logging.Component(log, "radio"))
	return tr, func() {
		tr.Close()
		mqttc.Close()
	}, nil
}

// openLink opens the server link. "-" uses stdin and stdout.
func openLink(cfg config.SerialConfig) (io.Reader, io.Writer, func(), error) {
	if cfg.Port == "-" {
		return os.Stdin, os.Stdout, func() {}, nil
	}
	port, err := openSerial(cfg.Port, cfg.Baud)
	if err != nil {
		return nil, nil, nil, err
	}
	return port, port, func() { port.Close() }, nil
}

func serveMonitor(addr string, hub *monitor.Hub, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok clients=%d\n", hub.ClientCount())
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", addr).Msg("monitor listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("monitor server failed")
		}
	}()
	return srv
}
