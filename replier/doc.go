// Package replier answers a fixed number of requests on a NATS subject and
// measures how long it took.
//
// A Replier subscribes to its subject and, for every request, publishes
//
//	UV received your request <payload> and returns <token>
//
// to the request's reply subject, where token is a fresh random number. The
// run completes the instant the configured count of requests has been
// processed. Elapsed time spans from the first request to the last one.
//
// Two receive modes share the same per-message steps:
//
//   - ModeAsync (default): a push subscription whose handler publishes and
//     flushes every reply. Handler calls are serialized by a run mutex.
//   - ModeSync: a pull subscription drained by a single loop, no per-reply
//     flush.
//
// A publish, flush or fetch failure aborts the run with a transient error.
// The subscription is always released before Run returns.
//
// Report combines a Result with the connection's traffic counters and
// renders the summary printed at the end of a benchmark run.
package replier
