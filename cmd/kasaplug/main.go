// Command kasaplug bridges TP-Link Kasa smart plugs on the local network
// to homie. Each plug that answers the periodic broadcast becomes a
// homie device with an "outlet" node and a settable "on" property.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	homie "github.com/duke1swd/homie-device"
)

const (
	defaultNetwork         = "192.168.1.0/24"
	defaultBroadcastPeriod = 10 // seconds
	defaultDebugRunLength  = 10 // seconds
	defaultLogDirectory    = "/var/log"
	logFileName            = "HomeAutomationLog"
	defaultTopicBase       = "devices"
	debugTopicBase         = "kasadebug"
)

type settings struct {
	debug           bool
	network         string
	broadcastPeriod time.Duration
	debugRunLength  time.Duration
	logFile         string
	topicBase       string
	metricsAddr     string
}

func envSeconds(name string, def int) time.Duration {
	n := def
	if s, ok := os.LookupEnv(name); ok {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			n = v
		}
	}
	return time.Duration(n) * time.Second
}

func envOr(name, def string) string {
	if s, ok := os.LookupEnv(name); ok {
		return s
	}
	return def
}

func loadSettings() settings {
	var s settings
	flag.BoolVar(&s.debug, "d", false, "debugging: short broadcast period, debug topic, bounded run")
	flag.StringVar(&s.metricsAddr, "metrics", "", "listen address for /metrics, disabled when empty")
	flag.Parse()

	s.network = envOr("NETWORK", defaultNetwork)
	period := defaultBroadcastPeriod
	if s.debug {
		period = 1
	}
	s.broadcastPeriod = envSeconds("BROADCASTPERIOD", period)
	s.debugRunLength = envSeconds("DEBUGRUNLENGTH", defaultDebugRunLength)
	s.logFile = filepath.Join(envOr("LOGDIR", defaultLogDirectory), logFileName)

	s.topicBase = envOr("HOMIETOPIC", defaultTopicBase)
	if s.debug {
		s.topicBase = debugTopicBase
	}
	return s
}

// newLogger logs to stdout when LOGDIR is "-" (containers) and appends to
// the log file otherwise.
func newLogger(s settings) (*slog.Logger, io.Closer, error) {
	level := slog.LevelInfo
	if s.debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	if filepath.Dir(s.logFile) == "-" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(s.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	var w io.Writer = f
	if s.debug {
		w = io.MultiWriter(f, os.Stdout)
	}
	return slog.New(slog.NewTextHandler(w, opts)), f, nil
}

// mqttConfig reads the MQTT_* variables, accepting the older MQTTBROKER
// for the broker address.
func mqttConfig() (homie.ClientConfig, error) {
	if _, ok := os.LookupEnv(homie.EnvServer); !ok {
		if b, ok := os.LookupEnv("MQTTBROKER"); ok {
			if err := os.Setenv(homie.EnvServer, b); err != nil {
				return homie.ClientConfig{}, err
			}
		}
	}
	return homie.ClientConfigFromEnv()
}

func main() {
	if err := run(loadSettings()); err != nil {
		fmt.Fprintln(os.Stderr, "kasaplug:", err)
		os.Exit(1)
	}
}

func run(s settings) error {
	logger, closer, err := newLogger(s)
	if err != nil {
		return err
	}
	defer closer.Close()

	cfg, err := mqttConfig()
	if err != nil {
		return err
	}
	to, err := broadcastAddr(s.network, kasaPort)
	if err != nil {
		return fmt.Errorf("network %s: %w", s.network, err)
	}

	reg := prometheus.NewRegistry()
	metrics, err := homie.NewMetrics(reg)
	if err != nil {
		return err
	}
	if s.metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
			if err := http.ListenAndServe(s.metricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if s.debug {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.debugRunLength)
		defer cancel()
	}

	b := &bridge{
		conn:        conn,
		topicBase:   s.topicBase,
		lostTimeout: 10 * s.broadcastPeriod,
		logger:      logger,
		plugs:       make(map[string]*plug),
		connect: func(d *homie.Device) transport {
			return homie.NewClient(d, cfg, homie.WithClientLogger(logger), homie.WithMetrics(metrics))
		},
	}

	replies := make(chan sysinfo, 100)
	go listen(ctx, conn, replies, logger)
	go broadcaster(ctx, conn, to, s.broadcastPeriod, logger)

	logger.Info("running", "network", s.network, "broadcast", to, "topic", s.topicBase)
	b.run(ctx, replies)
	logger.Info("stopped")
	return nil
}
