package config

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/ChenYida/UVClient/errors"
	"github.com/ChenYida/UVClient/replier"
	"github.com/ChenYida/UVClient/stream"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "UVREPLIER"

// Config is the complete configuration of the responder.
type Config struct {
	NATS    NATSConfig    `json:"nats" yaml:"nats"`
	Replier ReplierConfig `json:"replier" yaml:"replier"`
	Stream  StreamConfig  `json:"stream" yaml:"stream"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Log     LogConfig     `json:"log" yaml:"log"`
}

// NATSConfig describes the connection.
type NATSConfig struct {
	URL             string   `json:"url" yaml:"url"`
	Name            string   `json:"name,omitempty" yaml:"name,omitempty"`
	Creds           string   `json:"creds,omitempty" yaml:"creds,omitempty"` // JWT/nkey credentials file
	Username        string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password        string   `json:"password,omitempty" yaml:"password,omitempty"`
	Token           string   `json:"token,omitempty" yaml:"token,omitempty"`
	TLS             TLS      `json:"tls,omitempty" yaml:"tls,omitempty"`
	Timeout         Duration `json:"timeout" yaml:"timeout"`
	DrainTimeout    Duration `json:"drain_timeout" yaml:"drain_timeout"`
	MaxReconnects   int      `json:"max_reconnects" yaml:"max_reconnects"` // -1 for infinite
	ReconnectWait   Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	ConnectAttempts int      `json:"connect_attempts" yaml:"connect_attempts"`

	PingInterval     Duration `json:"ping_interval" yaml:"ping_interval"`
	HealthInterval   Duration `json:"health_interval" yaml:"health_interval"` // 0 disables health checks
	Compression      bool     `json:"compression" yaml:"compression"`
	CircuitThreshold int      `json:"circuit_threshold" yaml:"circuit_threshold"` // failed connects before the circuit opens
	MaxBackoff       Duration `json:"max_backoff" yaml:"max_backoff"`
}

// TLS holds client certificate paths.
type TLS struct {
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
}

// Enabled reports whether any TLS setting is present.
func (t TLS) Enabled() bool {
	return t.CertFile != "" || t.KeyFile != "" || t.CAFile != ""
}

// ReplierConfig describes the request-reply run.
type ReplierConfig struct {
	Subject string   `json:"subject" yaml:"subject"`
	Count   int      `json:"count" yaml:"count"`
	Sync    bool     `json:"sync" yaml:"sync"`
	Verbose bool     `json:"verbose" yaml:"verbose"`
	Timeout Duration `json:"timeout" yaml:"timeout"` // 0 waits forever
}

// StreamConfig describes the triggered data stream.
type StreamConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	TriggerSubject string   `json:"trigger_subject" yaml:"trigger_subject"`
	OutputSubject  string   `json:"output_subject" yaml:"output_subject"`
	Points         int      `json:"points" yaml:"points"`
	Interval       Duration `json:"interval" yaml:"interval"`
	Sentinel       string   `json:"sentinel" yaml:"sentinel"`
}

// MetricsConfig describes the Prometheus endpoint.
type MetricsConfig struct {
	Port int    `json:"port" yaml:"port"` // 0 disables the endpoint
	Path string `json:"path" yaml:"path"`
}

// LogConfig describes logging.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	streamDefaults := stream.DefaultConfig()

	return &Config{
		NATS: NATSConfig{
			URL:             "nats://127.0.0.1:4222",
			Name:            "uvreplier",
			Timeout:         Duration(5 * time.Second),
			DrainTimeout:    Duration(5 * time.Second),
			MaxReconnects:   -1,
			ReconnectWait:   Duration(2 * time.Second),
			ConnectAttempts: 1,

			PingInterval:     Duration(30 * time.Second),
			HealthInterval:   Duration(10 * time.Second),
			CircuitThreshold: 5,
			MaxBackoff:       Duration(time.Minute),
		},
		Replier: ReplierConfig{
			Subject: "foo",
			Count:   200,
		},
		Stream: StreamConfig{
			Enabled:        true,
			TriggerSubject: streamDefaults.TriggerSubject,
			OutputSubject:  streamDefaults.OutputSubject,
			Points:         streamDefaults.Points,
			Interval:       Duration(streamDefaults.Interval),
			Sentinel:       streamDefaults.Sentinel,
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load returns the defaults overlaid with the file at path (if any) and
// then with UVREPLIER_* environment variables. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := safeReadFile(path)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrConfigNotFound, path), "Config", "Load", "read file")
		}
		return errors.WrapInvalid(err, "Config", "Load", "read file")
	}

	switch formatOf(path) {
	case formatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !stderrors.Is(err, io.EOF) {
			return errors.WrapInvalid(err, "Config", "Load", "parse YAML")
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return errors.WrapInvalid(err, "Config", "Load", "check JSON structure")
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(c); err != nil {
			return errors.WrapInvalid(err, "Config", "Load", "parse JSON")
		}
	}

	return nil
}

type fileFormat int

const (
	formatUnknown fileFormat = iota
	formatJSON
	formatYAML
)

func formatOf(path string) fileFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		return formatJSON
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatUnknown
	}
}

// ApplyEnv overrides fields from UVREPLIER_* environment variables.
func (c *Config) ApplyEnv() error {
	strs := map[string]*string{
		"URL":        &c.NATS.URL,
		"NAME":       &c.NATS.Name,
		"CREDS":      &c.NATS.Creds,
		"USERNAME":   &c.NATS.Username,
		"PASSWORD":   &c.NATS.Password,
		"TOKEN":      &c.NATS.Token,
		"SUBJECT":    &c.Replier.Subject,
		"LOG_LEVEL":  &c.Log.Level,
		"LOG_FORMAT": &c.Log.Format,
	}
	ints := map[string]*int{
		"COUNT":            &c.Replier.Count,
		"METRICS_PORT":     &c.Metrics.Port,
		"CONNECT_ATTEMPTS": &c.NATS.ConnectAttempts,
	}
	bools := map[string]*bool{
		"SYNC":        &c.Replier.Sync,
		"VERBOSE":     &c.Replier.Verbose,
		"STREAM":      &c.Stream.Enabled,
		"COMPRESSION": &c.NATS.Compression,
	}
	durations := map[string]*Duration{
		"TIMEOUT":         &c.Replier.Timeout,
		"PING_INTERVAL":   &c.NATS.PingInterval,
		"HEALTH_INTERVAL": &c.NATS.HealthInterval,
	}

	for key, dst := range strs {
		if val, ok, err := lookupEnv(key); err != nil {
			return err
		} else if ok {
			*dst = val
		}
	}
	for key, dst := range ints {
		val, ok, err := lookupEnv(key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return envError(key, err)
		}
		*dst = n
	}
	for key, dst := range bools {
		val, ok, err := lookupEnv(key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			return envError(key, err)
		}
		*dst = b
	}
	for key, dst := range durations {
		val, ok, err := lookupEnv(key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		d, err := parseDurationWithDays(val)
		if err != nil {
			return envError(key, err)
		}
		*dst = Duration(d)
	}

	return nil
}

// lookupEnv reads EnvPrefix_key. Empty values count as unset.
func lookupEnv(key string) (string, bool, error) {
	name := EnvPrefix + "_" + key
	val := os.Getenv(name)
	if val == "" {
		return "", false, nil
	}
	if err := validateEnvVar(name, val); err != nil {
		return "", false, errors.WrapInvalid(err, "Config", "ApplyEnv", "check "+name)
	}
	return val, true, nil
}

func envError(key string, err error) error {
	return errors.WrapInvalid(err, "Config", "ApplyEnv", "parse "+EnvPrefix+"_"+key)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.WrapInvalid(
			fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
			"Config", "Validate", "check configuration")
	}

	if c.NATS.URL == "" {
		return invalid("nats.url is required")
	}
	if c.NATS.ConnectAttempts < 1 {
		return invalid("nats.connect_attempts must be at least 1, got %d", c.NATS.ConnectAttempts)
	}
	if c.NATS.Timeout < 0 || c.NATS.DrainTimeout < 0 || c.NATS.ReconnectWait < 0 || c.NATS.HealthInterval < 0 {
		return invalid("nats timeouts cannot be negative")
	}
	if c.NATS.PingInterval <= 0 {
		return invalid("nats.ping_interval must be positive")
	}
	if c.NATS.CircuitThreshold < 1 {
		return invalid("nats.circuit_threshold must be at least 1, got %d", c.NATS.CircuitThreshold)
	}
	if c.NATS.MaxBackoff.Std() < time.Second {
		return invalid("nats.max_backoff must be at least 1s, got %s", c.NATS.MaxBackoff.Std())
	}
	if (c.NATS.TLS.CertFile == "") != (c.NATS.TLS.KeyFile == "") {
		return invalid("nats.tls.cert_file and nats.tls.key_file must be set together")
	}
	for name, file := range map[string]string{
		"nats.creds":         c.NATS.Creds,
		"nats.tls.cert_file": c.NATS.TLS.CertFile,
		"nats.tls.key_file":  c.NATS.TLS.KeyFile,
		"nats.tls.ca_file":   c.NATS.TLS.CAFile,
	} {
		if file == "" {
			continue
		}
		if _, err := os.Stat(file); err != nil {
			return invalid("%s: %v", name, err)
		}
	}

	if !isValidNATSSubject(c.Replier.Subject, true) {
		return invalid("replier.subject %q is not a valid NATS subject", c.Replier.Subject)
	}
	if c.Replier.Count < 0 {
		return invalid("replier.count cannot be negative, got %d", c.Replier.Count)
	}
	if c.Replier.Timeout < 0 {
		return invalid("replier.timeout cannot be negative")
	}

	if c.Stream.Enabled {
		if !isValidNATSSubject(c.Stream.TriggerSubject, true) {
			return invalid("stream.trigger_subject %q is not a valid NATS subject", c.Stream.TriggerSubject)
		}
		if !isValidNATSSubject(c.Stream.OutputSubject, false) {
			return invalid("stream.output_subject %q is not a valid publish subject", c.Stream.OutputSubject)
		}
		if c.Stream.Points < 0 {
			return invalid("stream.points cannot be negative, got %d", c.Stream.Points)
		}
		if c.Stream.Interval < 0 {
			return invalid("stream.interval cannot be negative")
		}
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return invalid("metrics.port %d out of range", c.Metrics.Port)
	}
	if c.Metrics.Path != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		return invalid("metrics.path %q must start with /", c.Metrics.Path)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level %q must be debug, info, warn or error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return invalid("log.format %q must be json or text", c.Log.Format)
	}

	return nil
}

// isValidNATSSubject checks a dot separated subject. Each token holds
// letters, digits, dashes and underscores. Wildcard tokens (* and a trailing
// >) are accepted only when wildcards is set.
func isValidNATSSubject(s string, wildcards bool) bool {
	if s == "" {
		return false
	}

	tokens := strings.Split(s, ".")
	for i, tok := range tokens {
		switch {
		case tok == "*" && wildcards:
			continue
		case tok == ">" && wildcards && i == len(tokens)-1:
			continue
		case !isValidNATSSubjectPart(tok):
			return false
		}
	}
	return true
}

// isValidNATSSubjectPart checks one subject token.
func isValidNATSSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}

	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// ReplierRun returns the run parameters for replier.New.
func (c *Config) ReplierRun() replier.Config {
	mode := replier.ModeAsync
	if c.Replier.Sync {
		mode = replier.ModeSync
	}
	return replier.Config{
		Subject: c.Replier.Subject,
		Count:   c.Replier.Count,
		Mode:    mode,
		Verbose: c.Replier.Verbose,
	}
}

// StreamRun returns the parameters for stream.New.
func (c *Config) StreamRun() stream.Config {
	return stream.Config{
		TriggerSubject: c.Stream.TriggerSubject,
		OutputSubject:  c.Stream.OutputSubject,
		Points:         c.Stream.Points,
		Interval:       c.Stream.Interval.Std(),
		Sentinel:       c.Stream.Sentinel,
	}
}

// String returns a JSON representation with secrets masked.
func (c *Config) String() string {
	redacted := *c
	for _, secret := range []*string{&redacted.NATS.Password, &redacted.NATS.Token} {
		if *secret != "" {
			*secret = "***"
		}
	}
	data, _ := json.MarshalIndent(&redacted, "", "  ")
	return string(data)
}
