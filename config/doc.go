// Package config loads the uvreplier configuration.
//
// Values are layered: Default, then an optional JSON or YAML file, then
// UVREPLIER_* environment variables. Command-line flags are applied by the
// caller on top of the returned Config. Load does not validate; call
// Validate once every layer is applied.
//
// # File format
//
//	nats:
//	  url: nats://127.0.0.1:4222
//	  creds: /etc/nats/replier.creds
//	  connect_attempts: 5
//	replier:
//	  subject: foo
//	  count: 10000
//	  sync: false
//	stream:
//	  enabled: true
//	  interval: 200ms
//	metrics:
//	  port: 9090
//	log:
//	  level: info
//	  format: json
//
// Durations accept Go syntax ("200ms", "1m30s"), a "d" suffix for days, or
// integer nanoseconds. Unknown keys are rejected.
//
// # Environment
//
//	UVREPLIER_URL, UVREPLIER_NAME, UVREPLIER_CREDS
//	UVREPLIER_USERNAME, UVREPLIER_PASSWORD, UVREPLIER_TOKEN
//	UVREPLIER_SUBJECT, UVREPLIER_COUNT, UVREPLIER_SYNC, UVREPLIER_VERBOSE
//	UVREPLIER_TIMEOUT, UVREPLIER_STREAM, UVREPLIER_CONNECT_ATTEMPTS
//	UVREPLIER_METRICS_PORT, UVREPLIER_LOG_LEVEL, UVREPLIER_LOG_FORMAT
//
// Empty variables are ignored. Malformed numbers, booleans or durations
// make Load fail with an invalid-class error.
//
// Config file paths must end in .json, .yaml or .yml. Relative paths may
// not resolve outside the working directory.
package config
