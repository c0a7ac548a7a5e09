// Package main implements uvreplier, a NATS request-reply responder used to
// benchmark requesters. It answers a fixed number of requests, prints the
// throughput and connection counters, and meanwhile serves a simulated data
// stream whenever a trigger message arrives.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ChenYida/UVClient/config"
	"github.com/ChenYida/UVClient/errors"
	"github.com/ChenYida/UVClient/health"
	"github.com/ChenYida/UVClient/metric"
	"github.com/ChenYida/UVClient/natsclient"
	"github.com/ChenYida/UVClient/replier"
	"github.com/ChenYida/UVClient/stream"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "uvreplier"
)

const shutdownTimeout = 10 * time.Second

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	code := exitCode(err)
	if code != 0 {
		slog.Error("Application failed", "error", err, "exit_code", code)
		os.Exit(code)
	}
}

// exitCode maps run errors to process status: 2 for usage and configuration
// errors, 1 for everything else.
func exitCode(err error) int {
	switch {
	case err == nil, stderrors.Is(err, flag.ErrHelp):
		return 0
	case errors.IsInvalid(err):
		return 2
	default:
		return 1
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cli, err := parseFlags(args, stderr)
	if err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return err
		}
		return errors.WrapInvalid(err, "main", "run", "parse flags")
	}

	if cli.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format, stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger, stdout)
}

// loadConfig layers defaults, the config file, environment and flags, then
// validates the result.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		return nil, err
	}

	cli.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// serve connects, answers the configured requests and prints the report.
// Teardown runs in reverse: streamer, metrics server, then connection.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) error {
	runCfg := cfg.ReplierRun()

	logger.Info("Starting uvreplier",
		"url", cfg.NATS.URL,
		"subject", runCfg.Subject,
		"count", runCfg.Count,
		"mode", string(runCfg.Mode),
		"stream", cfg.Stream.Enabled)

	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor(appName)

	client, err := connect(ctx, cfg, registry, monitor, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.NATS.DrainTimeout.Std()+time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			logger.Warn("Failed to close NATS connection", "error", err)
		}
	}()

	if cfg.Metrics.Port > 0 {
		server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry,
			metric.WithHealthHandler(monitor))
		if err := server.Start(); err != nil {
			return err
		}
		logger.Info("Metrics server started", "address", server.Address())
		defer func() {
			if err := server.Stop(); err != nil {
				logger.Warn("Failed to stop metrics server", "error", err)
			}
		}()
	}

	if cfg.Stream.Enabled {
		streamer, err := stream.New(client, cfg.StreamRun(),
			stream.WithLogger(logger),
			stream.WithMetrics(registry.CoreMetrics()))
		if err != nil {
			return err
		}
		if err := streamer.Start(ctx); err != nil {
			return err
		}
		monitor.Healthy("stream", "listening for triggers on "+cfg.Stream.TriggerSubject)
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := streamer.Stop(stopCtx); err != nil {
				logger.Warn("Failed to stop streamer", "error", err)
			}
		}()
	}

	r, err := replier.New(client, runCfg,
		replier.WithLogger(logger),
		replier.WithMetrics(registry.CoreMetrics()))
	if err != nil {
		return err
	}

	runCtx := ctx
	if timeout := cfg.Replier.Timeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	monitor.Healthy("replier", "answering requests on "+runCfg.Subject)
	res, runErr := r.Run(runCtx)
	if runErr != nil {
		monitor.Unhealthy("replier", runErr.Error())
	} else {
		monitor.Healthy("replier", fmt.Sprintf("answered %d requests", res.Received))
	}

	if err := replier.NewReport(res, client).Render(stdout); err != nil {
		logger.Error("Failed to write report", "error", err)
		if runErr == nil {
			runErr = errors.WrapFatal(err, "main", "serve", "write report")
		}
	}

	return runErr
}

// connect builds the client and connects, retrying transient failures up to
// cfg.NATS.ConnectAttempts times.
func connect(
	ctx context.Context,
	cfg *config.Config,
	registry *metric.MetricsRegistry,
	monitor *health.Monitor,
	logger *slog.Logger,
) (*natsclient.Client, error) {
	monitor.Degraded("nats", "connecting")

	// Assigned before Connect, which fires the first health change.
	var client *natsclient.Client

	opts := []natsclient.ClientOption{
		natsclient.WithLogger(natsclient.NewSlogLogger(logger)),
		natsclient.WithName(fmt.Sprintf("%s-%s", cfg.NATS.Name, uuid.NewString()[:8])),
		natsclient.WithTimeout(cfg.NATS.Timeout.Std()),
		natsclient.WithDrainTimeout(cfg.NATS.DrainTimeout.Std()),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()),
		natsclient.WithPingInterval(cfg.NATS.PingInterval.Std()),
		natsclient.WithHealthInterval(cfg.NATS.HealthInterval.Std()),
		natsclient.WithCircuitBreakerThreshold(int32(cfg.NATS.CircuitThreshold)),
		natsclient.WithMaxBackoff(cfg.NATS.MaxBackoff.Std()),
		natsclient.WithCompression(cfg.NATS.Compression),
		natsclient.WithMetrics(registry),
		natsclient.WithDisconnectCallback(func(err error) {
			logger.Warn("Disconnected from NATS", "error", err)
		}),
		natsclient.WithReconnectCallback(func() {
			logger.Info("Reconnected to NATS")
		}),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				monitor.Healthy("nats", natsHealthMessage(client.GetStatus()))
			} else {
				monitor.Unhealthy("nats", "connection lost")
			}
		}),
	}
	if cfg.NATS.Creds != "" {
		opts = append(opts, natsclient.WithUserCredentials(cfg.NATS.Creds))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	if tls := cfg.NATS.TLS; tls.Enabled() {
		opts = append(opts, natsclient.WithTLS(tls.CertFile, tls.KeyFile, tls.CAFile))
	}

	var err error
	client, err = natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, err
	}

	policy := errors.DefaultRetryConfig()
	policy.MaxRetries = cfg.NATS.ConnectAttempts - 1

	attempt := 0
	err = policy.Do(ctx, func() error {
		attempt++
		err := client.Connect(ctx)
		if err != nil {
			logger.Warn("NATS connection attempt failed",
				"url", client.URL(),
				"attempt", attempt,
				"max_attempts", cfg.NATS.ConnectAttempts,
				"failures", client.Failures(),
				"circuit_backoff", client.Backoff(),
				"error", err)
		}
		return err
	})
	if err != nil {
		monitor.Unhealthy("nats", err.Error())
		return nil, errors.WrapTransient(err, "main", "connect",
			fmt.Sprintf("connect to %s after %d attempts", cfg.NATS.URL, attempt))
	}

	return client, nil
}

// natsHealthMessage summarizes a live connection for the health endpoint.
func natsHealthMessage(s *natsclient.Status) string {
	msg := fmt.Sprintf("%s, rtt %s", s.Status, s.RTT.Round(time.Microsecond))
	if s.Reconnects > 0 {
		msg += fmt.Sprintf(", %d reconnects", s.Reconnects)
	}
	return msg
}
