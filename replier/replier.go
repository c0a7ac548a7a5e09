package replier

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ChenYida/UVClient/errors"
	"github.com/ChenYida/UVClient/metric"
	"github.com/ChenYida/UVClient/natsclient"
)

// Mode selects how requests are received.
type Mode string

// Receive modes
const (
	ModeAsync Mode = "async"
	ModeSync  Mode = "sync"
)

// Conn is the part of natsclient.Client a Replier uses.
type Conn interface {
	PublishMsg(ctx context.Context, msg *nats.Msg) error
	Flush(ctx context.Context) error
	SubscribeAsync(ctx context.Context, subject string, handler nats.MsgHandler) (natsclient.Subscription, error)
	SubscribeSync(ctx context.Context, subject string) (natsclient.SyncSubscription, error)
}

// Config holds the parameters of a run.
type Config struct {
	Subject string
	Count   int
	Mode    Mode
	Verbose bool
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Subject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Replier", "Validate", "check subject")
	}
	if c.Count < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: count %d is negative", errors.ErrInvalidConfig, c.Count),
			"Replier", "Validate", "check count")
	}
	switch c.Mode {
	case "", ModeAsync, ModeSync:
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown mode %q", errors.ErrInvalidConfig, c.Mode),
			"Replier", "Validate", "check mode")
	}
	return nil
}

// Result is the outcome of a run.
type Result struct {
	Received int
	Elapsed  time.Duration
}

// Option configures a Replier.
type Option func(*Replier)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Replier) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records requests, replies and run durations.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(r *Replier) {
		r.metrics = metrics
	}
}

// WithTokenSource replaces RandomToken.
func WithTokenSource(tokens TokenSource) Option {
	return func(r *Replier) {
		if tokens != nil {
			r.tokens = tokens
		}
	}
}

// Replier answers Config.Count requests on Config.Subject.
type Replier struct {
	conn    Conn
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics
	tokens  TokenSource
	running atomic.Bool
}

// New creates a Replier.
func New(conn Conn, cfg Config, opts ...Option) (*Replier, error) {
	if conn == nil {
		return nil, errors.WrapInvalid(errors.ErrNoConnection, "Replier", "New", "check connection")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAsync
	}

	r := &Replier{
		conn:   conn,
		cfg:    cfg,
		logger: slog.Default(),
		tokens: RandomToken,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "replier", "subject", cfg.Subject, "mode", string(cfg.Mode))

	return r, nil
}

// Run subscribes, answers Count requests and returns. Cancelling ctx stops
// the run early with the partial Result and an error.
func (r *Replier) Run(ctx context.Context) (Result, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Result{}, errors.WrapInvalid(errors.ErrAlreadyStarted, "Replier", "Run", "start run")
	}
	defer r.running.Store(false)

	if r.cfg.Count == 0 {
		r.logger.Info("Nothing to answer, count is zero")
		return Result{}, nil
	}

	st := &runState{target: r.cfg.Count}

	var err error
	switch r.cfg.Mode {
	case ModeSync:
		err = r.runSync(ctx, st)
	default:
		err = r.runAsync(ctx, st)
	}

	res := st.result()
	if err != nil {
		r.logger.Error("Run aborted", "received", res.Received, "error", err)
		return res, err
	}

	r.metrics.RecordRunElapsed(r.cfg.Subject, string(r.cfg.Mode), res.Elapsed)
	r.logger.Info("Run complete", "received", res.Received, "elapsed", res.Elapsed)
	return res, nil
}

func (r *Replier) runAsync(ctx context.Context, st *runState) error {
	done := make(chan error, 1)

	sub, err := r.conn.SubscribeAsync(ctx, r.cfg.Subject, func(msg *nats.Msg) {
		finished, err := r.handle(ctx, st, msg, true)
		if finished {
			done <- err
		}
	})
	if err != nil {
		return errors.WrapTransient(err, "Replier", "Run", "subscribe")
	}
	defer r.release(sub)

	r.logger.Info("Listening for requests", "count", r.cfg.Count)

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		st.stop()
		return errors.WrapTransient(ctx.Err(), "Replier", "Run", "wait for requests")
	}
}

func (r *Replier) runSync(ctx context.Context, st *runState) error {
	sub, err := r.conn.SubscribeSync(ctx, r.cfg.Subject)
	if err != nil {
		return errors.WrapTransient(err, "Replier", "Run", "subscribe")
	}
	defer r.release(sub)

	r.logger.Info("Listening for requests", "count", r.cfg.Count)

	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			r.metrics.RecordReplyError(r.cfg.Subject, "fetch")
			return errors.WrapTransient(err, "Replier", "Run", "fetch request")
		}

		finished, err := r.handle(ctx, st, msg, false)
		if finished {
			return err
		}
	}
}

// handle runs the per-request steps under the run mutex. It reports finished
// exactly once per run: when the last request is answered or a reply fails.
// Requests arriving after that are ignored.
func (r *Replier) handle(ctx context.Context, st *runState, msg *nats.Msg, flush bool) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.finished {
		return false, nil
	}

	if st.received == 0 {
		st.start = time.Now()
	}
	st.received++

	r.metrics.RecordRequestReceived(r.cfg.Subject, string(r.cfg.Mode))
	if r.cfg.Verbose {
		r.logger.Info("Received request",
			"seq", st.received,
			"reply", msg.Reply,
			"payload", string(msg.Data))
	}

	if err := r.reply(ctx, msg, flush); err != nil {
		st.finished = true
		return true, err
	}

	if st.received == st.target {
		st.elapsed = time.Since(st.start)
		st.finished = true
		return true, nil
	}
	return false, nil
}

func (r *Replier) reply(ctx context.Context, msg *nats.Msg, flush bool) error {
	if msg.Reply == "" {
		r.metrics.RecordReplyError(r.cfg.Subject, "no_reply")
		r.logger.Warn("Request has no reply subject, not answering", "error", errors.ErrNoReplySubject)
		return nil
	}

	begin := time.Now()
	out := &nats.Msg{
		Subject: msg.Reply,
		Data:    Synthesize(msg.Data, r.tokens()),
	}

	if err := r.conn.PublishMsg(ctx, out); err != nil {
		r.metrics.RecordReplyError(r.cfg.Subject, "publish")
		return errors.WrapTransient(err, "Replier", "Run", "publish reply")
	}
	if flush {
		if err := r.conn.Flush(ctx); err != nil {
			r.metrics.RecordReplyError(r.cfg.Subject, "flush")
			return errors.WrapTransient(err, "Replier", "Run", "flush reply")
		}
	}

	r.metrics.RecordReplyPublished(r.cfg.Subject, string(r.cfg.Mode), time.Since(begin))
	return nil
}

func (r *Replier) release(sub natsclient.Subscription) {
	if err := sub.Unsubscribe(); err != nil {
		r.logger.Warn("Failed to unsubscribe", "error", err)
	}
}

type runState struct {
	mu       sync.Mutex
	target   int
	received int
	start    time.Time
	elapsed  time.Duration
	finished bool
}

// stop makes the handler ignore any request still in flight.
func (s *runState) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
}

func (s *runState) result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Result{Received: s.received, Elapsed: s.elapsed}
}
