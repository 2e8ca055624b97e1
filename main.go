package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/okzk/sdnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"

	"github.com/nimdanitro/disk-monitor-go/pkg/config"
	"github.com/nimdanitro/disk-monitor-go/pkg/probe"
)

const instrumentationName = "github.com/nimdanitro/disk-monitor-go"

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer cancel()

	// Parse command line flags
	config.RegisterFlags(pflag.CommandLine)
	pflag.Parse()

	cfg, err := config.Load(pflag.CommandLine, "/etc/disk-monitor", ".")
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot load configuration:", err)
		sdnotify.Errno(int(unix.EINVAL))
		return 1
	}

	if dump, _ := pflag.CommandLine.GetBool("print-config"); dump {
		if err := printConfig(os.Stdout, cfg); err != nil {
			fmt.Fprintln(os.Stderr, "cannot print configuration:", err)
			return 1
		}
		return 0
	}

	// Setup Otel
	if cfg.OTel.Enabled {
		shutdown, err := setupOTelSDK(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "cannot set up OpenTelemetry:", err)
			return 1
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(ctx)
		}()
	}

	// Initialize logger; stdout carries readings, so logs go to stderr
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot create logger:", err)
		sdnotify.Errno(int(unix.EINVAL))
		return 1
	}
	defer logger.Sync()
	logger.Info("starting up",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("buildDate", date),
		zap.Strings("devices", cfg.Devices),
		zap.Duration("interval", cfg.Interval),
	)

	// Initialize metrics
	meter := otel.Meter(
		instrumentationName,
		metric.WithInstrumentationAttributes(semconv.OTelScopeName(instrumentationName)),
	)
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := probe.NewMetrics(meter, reg)
	if err != nil {
		logger.Error("cannot create metrics", zap.Error(err))
		return 1
	}
	if cfg.Metrics.Addr != "" {
		stop := serveMetrics(cfg.Metrics.Addr, reg, logger)
		defer stop()
	}

	// create the sampler
	sampler, err := probe.NewSampler(
		probe.WithLogger(logger),
		probe.WithDevices(cfg.Devices),
		probe.WithSensorsCommand(probe.Command{Name: cfg.Sensors.Command, Args: cfg.Sensors.Args}),
		probe.WithSmartctlCommand(probe.Command{Name: cfg.Smartctl.Command, Args: cfg.Smartctl.Args}),
		probe.WithToolTimeout(cfg.ToolTimeout),
		probe.WithRateLimit(cfg.ToolRate),
	)
	if err != nil {
		logger.Error("cannot create sampler", zap.Error(err))
		sdnotify.Errno(int(unix.EINVAL))
		return 1
	}

	watchdog, err := watchdogInterval()
	if err != nil {
		logger.Error("invalid WATCHDOG_USEC", zap.Error(err))
		sdnotify.Errno(int(unix.EINVAL))
		return 1
	}
	if watchdog > 0 {
		logger.Info("will send watchdog notifications", zap.Duration("frequency", watchdog))
	}

	driver := &probe.Driver{
		Sampler:          sampler,
		Out:              os.Stdout,
		Interval:         cfg.Interval,
		Count:            cfg.Count,
		Logger:           logger,
		Metrics:          metrics,
		Notifier:         systemd{},
		WatchdogInterval: watchdog,
	}
	if err := driver.Run(ctx); err != nil {
		logger.Error("sampling stopped", zap.Error(err))
		return 1
	}
	return 0
}

// printConfig writes the effective configuration as YAML.
func printConfig(w io.Writer, cfg *config.Config) error {
	out, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.Lock(os.Stderr), level),
	}
	if cfg.OTel.Enabled {
		cores = append(cores, otelzap.NewCore(instrumentationName, otelzap.WithLoggerProvider(global.GetLoggerProvider())))
	}
	return zap.New(zapcore.NewTee(cores...)), nil
}

// serveMetrics exposes the probe's own health on /metrics until stop is
// called.
func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(mux, "metrics"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// watchdogInterval returns half the systemd watchdog timeout, or zero when
// the watchdog is not enabled.
func watchdogInterval() (time.Duration, error) {
	usec, ok := os.LookupEnv("WATCHDOG_USEC")
	if !ok {
		return 0, nil
	}
	freq, err := strconv.Atoi(usec)
	if err != nil {
		return 0, err
	}
	return time.Duration(freq) * time.Microsecond / 2, nil
}

type systemd struct{}

func (systemd) Ready() error            { return sdnotify.Ready() }
func (systemd) Watchdog() error         { return sdnotify.Watchdog() }
func (systemd) Status(msg string) error { return sdnotify.Status(msg) }
func (systemd) Stopping() error         { return sdnotify.Stopping() }
