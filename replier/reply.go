package replier

import (
	"bytes"
	"math/rand/v2"
	"strconv"
	"unicode/utf8"
)

const replyPrefix = "UV received your request <"

// TokenSource draws the number appended to each reply.
type TokenSource func() int32

// RandomToken draws a non-negative 31-bit integer. The top-level math/rand/v2
// generator keeps per-goroutine state, so concurrent callers do not contend.
func RandomToken() int32 {
	return rand.Int32()
}

// Synthesize builds the reply for a request payload. The payload is read as
// UTF-8 text: each run of invalid bytes becomes U+FFFD. It is never modified.
func Synthesize(payload []byte, token int32) []byte {
	if !utf8.Valid(payload) {
		payload = bytes.ToValidUTF8(payload, []byte(string(utf8.RuneError)))
	}

	out := make([]byte, 0, len(replyPrefix)+len(payload)+len("> and returns ")+11)
	out = append(out, replyPrefix...)
	out = append(out, payload...)
	out = append(out, "> and returns "...)
	return strconv.AppendInt(out, int64(token), 10)
}
