package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ChenYida/UVClient/natsclient"
)

const mockQueueSize = 4096

// MockConn is an in-memory stand-in for natsclient.Client.
// Every published message is recorded, and messages published or delivered
// on a subject reach its subscribers in order. Thread-safe for concurrent use.
type MockConn struct {
	mu        sync.Mutex
	published []*nats.Msg
	subs      map[string][]*mockSub
	stats     nats.Statistics
	flushes   int
	closed    bool
	changed   chan struct{}

	// Failure injection. A non-nil result fails the call. Hooks run with the
	// connection locked and must not call back into it.
	PublishErr     func(msg *nats.Msg) error
	FlushErr       func() error
	SubscribeErr   func(subject string) error
	UnsubscribeErr error
}

// NewMockConn creates an empty mock connection.
func NewMockConn() *MockConn {
	return &MockConn{
		subs:    make(map[string][]*mockSub),
		changed: make(chan struct{}),
	}
}

// notify wakes every waiter. Callers hold c.mu.
func (c *MockConn) notify() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Publish records data on subject (matches natsclient.Client signature).
func (c *MockConn) Publish(ctx context.Context, subject string, data []byte) error {
	return c.PublishMsg(ctx, &nats.Msg{Subject: subject, Data: data})
}

// PublishMsg records msg and hands a copy to subscribers of msg.Subject.
func (c *MockConn) PublishMsg(_ context.Context, msg *nats.Msg) error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return nats.ErrConnectionClosed
	}
	if c.PublishErr != nil {
		if err := c.PublishErr(msg); err != nil {
			c.mu.Unlock()
			return err
		}
	}

	recorded := copyMsg(msg.Subject, msg.Reply, msg.Data)
	c.published = append(c.published, recorded)
	c.stats.OutMsgs++
	c.stats.OutBytes += uint64(len(msg.Data))

	pending := c.routeLocked(msg.Subject, msg.Reply, msg.Data)
	c.notify()
	c.mu.Unlock()

	enqueue(pending)
	return nil
}

// Deliver plays a message arriving from the server on subject.
// It returns the number of subscriptions that received it.
func (c *MockConn) Deliver(subject, reply string, data []byte) int {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	pending := c.routeLocked(subject, reply, data)
	c.mu.Unlock()

	enqueue(pending)
	return len(pending)
}

type delivery struct {
	sub *mockSub
	msg *nats.Msg
}

// routeLocked picks the subscribers of subject and counts the inbound
// traffic. Callers hold c.mu and enqueue after releasing it, so a full queue
// never blocks a handler that publishes.
func (c *MockConn) routeLocked(subject, reply string, data []byte) []delivery {
	subs := c.subs[subject]
	pending := make([]delivery, 0, len(subs))
	for _, sub := range subs {
		c.stats.InMsgs++
		c.stats.InBytes += uint64(len(data))
		pending = append(pending, delivery{sub: sub, msg: copyMsg(subject, reply, data)})
	}
	return pending
}

// enqueue blocks while a queue is full. Messages for a closed subscription
// are dropped.
func enqueue(pending []delivery) {
	for _, d := range pending {
		select {
		case d.sub.queue <- d.msg:
		case <-d.sub.done:
		}
	}
}

// SubscribeAsync runs handler for each message on subject, one at a time,
// from a dedicated goroutine.
func (c *MockConn) SubscribeAsync(_ context.Context, subject string, handler nats.MsgHandler) (natsclient.Subscription, error) {
	sub, err := c.subscribe(subject)
	if err != nil {
		return nil, err
	}

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case msg := <-sub.queue:
				select {
				case <-sub.done:
					return
				default:
				}
				handler(msg)
			}
		}
	}()

	return sub, nil
}

// SubscribeSync creates a pull subscription on subject.
func (c *MockConn) SubscribeSync(_ context.Context, subject string) (natsclient.SyncSubscription, error) {
	return c.subscribe(subject)
}

func (c *MockConn) subscribe(subject string) (*mockSub, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, nats.ErrConnectionClosed
	}
	if c.SubscribeErr != nil {
		if err := c.SubscribeErr(subject); err != nil {
			return nil, err
		}
	}

	sub := &mockSub{
		conn:    c,
		subject: subject,
		queue:   make(chan *nats.Msg, mockQueueSize),
		done:    make(chan struct{}),
	}
	c.subs[subject] = append(c.subs[subject], sub)
	c.notify()
	return sub, nil
}

func (c *MockConn) unsubscribe(sub *mockSub) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs := c.subs[sub.subject]
	for i, s := range subs {
		if s != sub {
			continue
		}
		c.subs[sub.subject] = append(subs[:i:i], subs[i+1:]...)
		if len(c.subs[sub.subject]) == 0 {
			delete(c.subs, sub.subject)
		}
		close(sub.done)
		c.notify()
		return c.UnsubscribeErr
	}
	return nats.ErrBadSubscription
}

// Flush counts the call (matches natsclient.Client signature).
func (c *MockConn) Flush(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nats.ErrConnectionClosed
	}
	if c.FlushErr != nil {
		if err := c.FlushErr(); err != nil {
			return err
		}
	}
	c.flushes++
	return nil
}

// Stats returns the traffic counters.
func (c *MockConn) Stats() nats.Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Flushes returns how many times Flush succeeded.
func (c *MockConn) Flushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushes
}

// Published returns the messages published on subject, or every published
// message when subject is empty.
func (c *MockConn) Published(subject string) []*nats.Msg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publishedLocked(subject)
}

func (c *MockConn) publishedLocked(subject string) []*nats.Msg {
	var out []*nats.Msg
	for _, msg := range c.published {
		if subject == "" || msg.Subject == subject {
			out = append(out, msg)
		}
	}
	return out
}

// SubscriberCount returns the number of live subscriptions on subject.
func (c *MockConn) SubscriberCount(subject string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[subject])
}

// WaitForPublished waits until at least n messages were published on subject
// and returns them. On timeout it returns whatever was published.
func (c *MockConn) WaitForPublished(subject string, n int, timeout time.Duration) []*nats.Msg {
	return waitFor(c, timeout, func() ([]*nats.Msg, bool) {
		msgs := c.publishedLocked(subject)
		return msgs, len(msgs) >= n
	})
}

// WaitForSubscribers waits until subject has n live subscriptions.
func (c *MockConn) WaitForSubscribers(subject string, n int, timeout time.Duration) bool {
	return waitFor(c, timeout, func() (bool, bool) {
		ok := len(c.subs[subject]) == n
		return ok, ok
	})
}

func waitFor[T any](c *MockConn, timeout time.Duration, check func() (T, bool)) T {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		c.mu.Lock()
		result, ok := check()
		changed := c.changed
		c.mu.Unlock()

		if ok {
			return result
		}

		select {
		case <-changed:
		case <-deadline.C:
			return result
		}
	}
}

// Close drops every subscription and fails further calls.
func (c *MockConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for subject, subs := range c.subs {
		for _, sub := range subs {
			close(sub.done)
		}
		delete(c.subs, subject)
	}
	c.notify()
}

type mockSub struct {
	conn    *MockConn
	subject string
	queue   chan *nats.Msg
	done    chan struct{}
}

// Unsubscribe removes the subscription; pending messages are dropped.
func (s *mockSub) Unsubscribe() error {
	return s.conn.unsubscribe(s)
}

// NextMsgWithContext returns the next queued message.
func (s *mockSub) NextMsgWithContext(ctx context.Context) (*nats.Msg, error) {
	select {
	case msg := <-s.queue:
		return msg, nil
	default:
	}

	select {
	case msg := <-s.queue:
		return msg, nil
	case <-s.done:
		return nil, nats.ErrBadSubscription
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func copyMsg(subject, reply string, data []byte) *nats.Msg {
	return &nats.Msg{
		Subject: subject,
		Reply:   reply,
		Data:    append([]byte(nil), data...),
	}
}
