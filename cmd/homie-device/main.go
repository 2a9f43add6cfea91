package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	homie "github.com/duke1swd/homie-device"
	"github.com/duke1swd/homie-device/mqttv5"
)

const (
	defaultDeviceID  = "thermostat"
	defaultTopicBase = "homie"
	connectTimeout   = 30 * time.Second
	shutdownTimeout  = 5 * time.Second
)

// transport is what both MQTT clients offer.
type transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Do(fn func() error) error
}

type args struct {
	configPath  string
	logLevel    string
	metricsAddr string
	deviceID    string
	topicBase   string
	period      time.Duration
	v5          bool
}

func parseArgs() args {
	var a args
	flag.StringVar(&a.configPath, "config", "", "YAML broker config; MQTT_* environment variables are used when empty")
	flag.StringVar(&a.logLevel, "log-level", "info", "debug, info, warn or error")
	flag.StringVar(&a.metricsAddr, "metrics", "", "listen address for /metrics, disabled when empty")
	flag.StringVar(&a.deviceID, "id", defaultDeviceID, "homie device id")
	flag.StringVar(&a.topicBase, "topic", defaultTopicBase, "homie base topic (HOMIETOPIC overrides)")
	flag.DurationVar(&a.period, "period", 10*time.Second, "simulation period")
	flag.BoolVar(&a.v5, "v5", false, "use MQTT v5")
	flag.Parse()

	if t, ok := os.LookupEnv("HOMIETOPIC"); ok {
		a.topicBase = t
	}
	return a
}

// ParseLogLevel converts a case-insensitive level name to an slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: debug, info, warn, error)", s)
}

func loadConfig(path string) (homie.ClientConfig, error) {
	if path == "" {
		return homie.ClientConfigFromEnv()
	}
	return homie.LoadClientConfig(path)
}

func main() {
	if err := run(parseArgs()); err != nil {
		fmt.Fprintln(os.Stderr, "homie-device:", err)
		os.Exit(1)
	}
}

func run(a args) error {
	lvl, err := ParseLogLevel(a.logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}

	device, err := homie.NewDevice(a.deviceID, "Simulated thermostat",
		homie.WithBaseTopic(a.topicBase), homie.WithLogger(logger))
	if err != nil {
		return err
	}
	th, err := newThermostat(device)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics, err := homie.NewMetrics(reg)
	if err != nil {
		return err
	}
	if a.metricsAddr != "" {
		go serveMetrics(logger, a.metricsAddr, reg)
	}

	var client transport
	if a.v5 {
		client = mqttv5.New(device, cfg, mqttv5.WithLogger(logger), mqttv5.WithMetrics(metrics))
	} else {
		client = homie.NewClient(device, cfg, homie.WithClientLogger(logger), homie.WithMetrics(metrics))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	err = client.Connect(connCtx)
	cancel()
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if err := client.Do(func() error { return device.SetState(homie.StateReady) }); err != nil {
		return err
	}
	logger.Info("device ready", "topic", device.StateTopic())

	ticker := time.NewTicker(a.period)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if err := client.Do(th.step); err != nil {
				logger.Warn("simulation step failed", "error", err)
			}
		}
	}

	logger.Info("shutting down")
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	return client.Disconnect(sctx)
}

func serveMetrics(logger *slog.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}
