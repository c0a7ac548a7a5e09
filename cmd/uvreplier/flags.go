package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ChenYida/UVClient/config"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	URL             string
	Subject         string
	Creds           string
	Count           int
	Sync            bool
	Verbose         bool
	Timeout         time.Duration
	LogLevel        string
	LogFormat       string
	MetricsPort     int
	ConnectAttempts int
	NoStream        bool
	ShowVersion     bool

	// set records the flags given on the command line
	set map[string]bool
}

// parseFlags parses args into a CLIConfig. Defaults shown in the usage text
// come from config.Default. Usage goes to output on error.
func parseFlags(args []string, output io.Writer) (*CLIConfig, error) {
	defaults := config.Default()
	cli := &CLIConfig{set: make(map[string]bool)}

	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&cli.ConfigPath, "config",
		getEnv(config.EnvPrefix+"_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: UVREPLIER_CONFIG)")
	fs.StringVar(&cli.URL, "url", defaults.NATS.URL,
		"NATS server URL (env: UVREPLIER_URL)")
	fs.StringVar(&cli.Subject, "subject", defaults.Replier.Subject,
		"Subject to answer requests on (env: UVREPLIER_SUBJECT)")
	fs.StringVar(&cli.Creds, "creds", "",
		"User credentials file (env: UVREPLIER_CREDS)")
	fs.IntVar(&cli.Count, "count", defaults.Replier.Count,
		"Number of requests to answer (env: UVREPLIER_COUNT)")
	fs.BoolVar(&cli.Sync, "sync", false,
		"Pull requests with a synchronous subscription (env: UVREPLIER_SYNC)")
	fs.BoolVar(&cli.Verbose, "verbose", false,
		"Log every request (env: UVREPLIER_VERBOSE)")
	fs.DurationVar(&cli.Timeout, "timeout", 0,
		"Abort the run after this long, 0 waits forever (env: UVREPLIER_TIMEOUT)")
	fs.StringVar(&cli.LogLevel, "log-level", defaults.Log.Level,
		"Log level: debug, info, warn, error (env: UVREPLIER_LOG_LEVEL)")
	fs.StringVar(&cli.LogFormat, "log-format", defaults.Log.Format,
		"Log format: json, text (env: UVREPLIER_LOG_FORMAT)")
	fs.IntVar(&cli.MetricsPort, "metrics-port", defaults.Metrics.Port,
		"Prometheus metrics port, 0 to disable (env: UVREPLIER_METRICS_PORT)")
	fs.IntVar(&cli.ConnectAttempts, "connect-attempts", defaults.NATS.ConnectAttempts,
		"Connection attempts before giving up (env: UVREPLIER_CONNECT_ATTEMPTS)")
	fs.BoolVar(&cli.NoStream, "no-stream", false,
		"Do not answer stream triggers")
	fs.BoolVar(&cli.ShowVersion, "version", false, "Show version information")

	fs.Usage = func() {
		printUsage(fs, output)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	fs.Visit(func(f *flag.Flag) {
		cli.set[f.Name] = true
	})

	return cli, nil
}

// apply overrides cfg with every flag given on the command line.
func (cli *CLIConfig) apply(cfg *config.Config) {
	overrides := map[string]func(){
		"url":              func() { cfg.NATS.URL = cli.URL },
		"creds":            func() { cfg.NATS.Creds = cli.Creds },
		"connect-attempts": func() { cfg.NATS.ConnectAttempts = cli.ConnectAttempts },
		"subject":          func() { cfg.Replier.Subject = cli.Subject },
		"count":            func() { cfg.Replier.Count = cli.Count },
		"sync":             func() { cfg.Replier.Sync = cli.Sync },
		"verbose":          func() { cfg.Replier.Verbose = cli.Verbose },
		"timeout":          func() { cfg.Replier.Timeout = config.Duration(cli.Timeout) },
		"log-level":        func() { cfg.Log.Level = cli.LogLevel },
		"log-format":       func() { cfg.Log.Format = cli.LogFormat },
		"metrics-port":     func() { cfg.Metrics.Port = cli.MetricsPort },
	}

	for name, override := range overrides {
		if cli.set[name] {
			override()
		}
	}

	if cli.NoStream {
		cfg.Stream.Enabled = false
	}
}

func printUsage(fs *flag.FlagSet, w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s - NATS request-reply responder

Usage: %s [options]

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Examples:
  # Answer 10000 requests on "foo" with a pull subscription
  %s -count 10000 -sync

  # Load settings from a file and expose metrics
  %s -config replier.yaml -metrics-port 9090

Precedence: flags, then UVREPLIER_* environment, then config file, then defaults.

Version: %s
`, appName, appName, Version)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
