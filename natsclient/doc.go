// Package natsclient wraps a single NATS connection with circuit breaker
// protection, health monitoring and the handful of operations a
// request-reply responder needs.
//
// # Core Features
//
// Circuit Breaker Pattern: Connect fails fast after a threshold of consecutive
// failures (default: 5). The circuit stays open for a backoff period that
// doubles on every further round of failures up to a maximum, then lets the
// next Connect try again.
//
// Connection Lifecycle Management: Disconnected → Connecting → Connected →
// Reconnecting → Connected. Disconnect, reconnect and health callbacks run
// outside the client's locks.
//
// Push and Pull Subscriptions: SubscribeAsync hands each message to a
// nats.MsgHandler; nats.go runs one delivery goroutine per subscription, so
// the handler is never entered concurrently for the same subscription.
// SubscribeSync returns a subscription the caller drains with
// NextMsgWithContext.
//
// Statistics: Stats exposes the connection's message and byte counters. With
// WithMetrics the same counters, the status and the last RTT are exported to
// Prometheus.
//
// # Basic Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithUserCredentials("/etc/nats/user.creds"),
//	    natsclient.WithLogger(natsclient.NewSlogLogger(slog.Default())),
//	)
//	if err != nil {
//	    return err
//	}
//
//	ctx := context.Background()
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	sub, err := client.SubscribeAsync(ctx, "svc", func(msg *nats.Msg) {
//	    _ = client.PublishMsg(ctx, &nats.Msg{Subject: msg.Reply, Data: []byte("ok")})
//	})
//	if err != nil {
//	    return err
//	}
//	defer sub.Unsubscribe()
//
// # Thread Safety
//
// All Client methods are safe for concurrent use. Publish and PublishMsg go
// straight to *nats.Conn, which serializes writes internally.
//
// # Testing
//
// NewTestClient starts a NATS server in a container with testcontainers and
// returns a connected Client. It is used by tests behind the integration
// build tag:
//
//	tc := natsclient.NewTestClient(t, natsclient.WithFastStartup())
//	requester := tc.NewRequester(t)
package natsclient
