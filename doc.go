// Package uvclient is a benchmarkable NATS request-reply responder.
//
// The uvreplier binary subscribes to a subject and answers a fixed number of
// requests. Each reply echoes the request payload with a random token. It
// then prints the reply rate and the connection's byte counters. While it
// runs, every message on the trigger subject starts an independent stream of
// 30 data points, 200ms apart, followed by a "Complete" marker.
//
// # Layout
//
//	cmd/uvreplier  flags, logging and process lifecycle
//	config         defaults, JSON/YAML file, UVREPLIER_* environment, validation
//	natsclient     connection facade with circuit breaker, health checks and metrics
//	replier        reply synthesis, the receive-reply loop and the final report
//	stream         trigger-driven data series
//	metric         Prometheus registry and /metrics server
//	health         component health behind /health
//	errors         transient, invalid and fatal error classes plus retry policy
//	pkg/retry      exponential backoff
//	testutil       in-memory connection for unit tests
//
// # Receive modes
//
// The default push mode answers from a subscription callback and flushes
// after every reply. Pull mode (-sync) fetches each request from a
// synchronous subscription and skips the per-reply flush. Both stop exactly
// when the configured count is reached. The timer starts on the first
// request, so the rate excludes the wait for the requester.
//
// # Running
//
//	go run ./cmd/uvreplier -url nats://127.0.0.1:4222 -subject foo -count 10000
//	go run ./cmd/uvreplier -config replier.yaml -metrics-port 9090
//
// Unit tests run against testutil.MockConn. Tests tagged integration start a
// NATS server with testcontainers:
//
//	go test -tags integration ./...
package uvclient
