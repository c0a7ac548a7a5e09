// Package testutil provides test doubles for code that talks to NATS.
//
// MockConn implements the connection operations of natsclient.Client in
// memory:
//   - Publish and PublishMsg record every message and update Stats
//   - Deliver injects a message as if it arrived from the server
//   - SubscribeAsync runs the handler from one goroutine per subscription
//   - SubscribeSync queues messages for NextMsgWithContext
//   - PublishErr, FlushErr, SubscribeErr and UnsubscribeErr inject failures
//
// No NATS server is required. Tests that need a real server use
// natsclient.NewTestClient behind the integration build tag.
//
// Example:
//
//	conn := testutil.NewMockConn()
//	go run(conn)
//	conn.WaitForSubscribers("foo", 1, time.Second)
//	conn.Deliver("foo", "_INBOX.1", []byte("a"))
//	replies := conn.WaitForPublished("_INBOX.1", 1, time.Second)
package testutil
