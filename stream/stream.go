// Package stream publishes a simulated real-time data series each time a
// trigger message arrives.
//
// Every trigger starts its own run: Points values, one per Interval, on the
// output subject, followed by the Sentinel payload. Runs are independent
// goroutines with their own counters and never wait on each other or on the
// request-reply loop.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/ChenYida/UVClient/errors"
	"github.com/ChenYida/UVClient/metric"
	"github.com/ChenYida/UVClient/natsclient"
)

// Conn is the part of natsclient.Client a Streamer uses.
type Conn interface {
	Publish(ctx context.Context, subject string, data []byte) error
	SubscribeAsync(ctx context.Context, subject string, handler nats.MsgHandler) (natsclient.Subscription, error)
}

// Point is one published value.
type Point struct {
	Run string `json:"run"`
	X   int    `json:"x"`
	Y   int    `json:"y"`
}

// Config holds the stream parameters.
type Config struct {
	TriggerSubject string
	OutputSubject  string
	Points         int
	Interval       time.Duration
	Sentinel       string
}

// DefaultConfig returns the stream defaults.
func DefaultConfig() Config {
	return Config{
		TriggerSubject: "RunMethod",
		OutputSubject:  "RealtimeData",
		Points:         30,
		Interval:       200 * time.Millisecond,
		Sentinel:       "Complete",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.TriggerSubject == "":
		return errors.WrapInvalid(errors.ErrMissingConfig, "Streamer", "Validate", "check trigger subject")
	case c.OutputSubject == "":
		return errors.WrapInvalid(errors.ErrMissingConfig, "Streamer", "Validate", "check output subject")
	case c.Points < 0:
		return errors.WrapInvalid(
			fmt.Errorf("%w: points %d is negative", errors.ErrInvalidConfig, c.Points),
			"Streamer", "Validate", "check points")
	case c.Interval < 0:
		return errors.WrapInvalid(
			fmt.Errorf("%w: interval %v is negative", errors.ErrInvalidConfig, c.Interval),
			"Streamer", "Validate", "check interval")
	}
	return nil
}

// Option configures a Streamer.
type Option func(*Streamer)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Streamer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records runs, points and errors.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(s *Streamer) {
		s.metrics = metrics
	}
}

// Streamer runs one data series per trigger.
type Streamer struct {
	conn    Conn
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics

	mu      sync.Mutex
	sub     natsclient.Subscription
	runCtx  context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// New creates a Streamer.
func New(conn Conn, cfg Config, opts ...Option) (*Streamer, error) {
	if conn == nil {
		return nil, errors.WrapInvalid(errors.ErrNoConnection, "Streamer", "New", "check connection")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Streamer{
		conn:   conn,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "stream", "trigger", cfg.TriggerSubject, "output", cfg.OutputSubject)

	return s, nil
}

// Start subscribes to the trigger subject. Runs live until Stop.
func (s *Streamer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Streamer", "Start", "start streamer")
	}

	// Runs outlive the ctx passed to Start, Stop cancels them.
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	sub, err := s.conn.SubscribeAsync(ctx, s.cfg.TriggerSubject, func(*nats.Msg) {
		s.Trigger()
	})
	if err != nil {
		s.cancel()
		return errors.WrapTransient(err, "Streamer", "Start", "subscribe to trigger")
	}

	s.sub = sub
	s.started = true
	s.logger.Info("Streamer started")
	return nil
}

// Trigger starts a run and returns its id. It returns "" when the streamer
// is not started.
func (s *Streamer) Trigger() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.logger.Warn("Trigger ignored, streamer not started")
		return ""
	}

	id := uuid.NewString()
	s.wg.Add(1)
	s.metrics.RecordStreamStarted()
	go s.run(s.runCtx, id)
	return id
}

// Stop unsubscribes the trigger and waits for in-flight runs until ctx is
// done, then cancels the remaining runs.
func (s *Streamer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	sub := s.sub
	s.sub = nil
	cancel := s.cancel
	s.mu.Unlock()

	var unsubErr error
	if err := sub.Unsubscribe(); err != nil {
		unsubErr = errors.Wrap(err, "Streamer", "Stop", "unsubscribe trigger")
		s.logger.Warn("Failed to unsubscribe trigger", "error", err)
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn("Cancelling in-flight stream runs")
		cancel()
		<-drained
	}
	cancel()

	s.logger.Info("Streamer stopped")
	return unsubErr
}

func (s *Streamer) run(ctx context.Context, id string) {
	defer s.wg.Done()

	logger := s.logger.With("run", id)
	logger.Info("Stream run started", "points", s.cfg.Points, "interval", s.cfg.Interval)

	outcome := "completed"
	if err := s.publishSeries(ctx, logger, id); err != nil {
		outcome = "failed"
		if ctx.Err() != nil {
			outcome = "cancelled"
		}
		logger.Warn("Stream run aborted", "error", err)
	} else {
		logger.Info("Stream run completed")
	}

	s.metrics.RecordStreamFinished(s.cfg.OutputSubject, outcome)
}

func (s *Streamer) publishSeries(ctx context.Context, logger *slog.Logger, id string) error {
	for i := 0; i < s.cfg.Points; i++ {
		point := Point{Run: id, X: i, Y: i * 10}
		data, err := json.Marshal(point)
		if err != nil {
			return errors.WrapFatal(err, "Streamer", "run", "encode point")
		}

		if err := s.conn.Publish(ctx, s.cfg.OutputSubject, data); err != nil {
			s.metrics.RecordStreamError(s.cfg.OutputSubject)
			return errors.WrapTransient(err, "Streamer", "run", fmt.Sprintf("publish point %d", i))
		}
		s.metrics.RecordStreamPoint(s.cfg.OutputSubject)
		logger.Debug("Sent point", "x", point.X, "y", point.Y)

		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Streamer", "run", "wait between points")
		case <-time.After(s.cfg.Interval):
		}
	}

	if err := s.conn.Publish(ctx, s.cfg.OutputSubject, []byte(s.cfg.Sentinel)); err != nil {
		s.metrics.RecordStreamError(s.cfg.OutputSubject)
		return errors.WrapTransient(err, "Streamer", "run", "publish sentinel")
	}
	return nil
}
