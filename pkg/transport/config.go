// Package transport implements the resilient RPC transport of spec.md
// §4.1: a client/server pair over two coupled channels — a request/ack
// channel with strict head-of-line blocking, and an out-of-band reply
// channel the server uses to post business results back to the
// client's own listener.
package transport

import (
	"time"

	"github.com/zeebo/errs"
)

// Error is the class for all transport failures.
var Error = errs.Class("transport")

// Config holds the timeouts spec.md §4.1 fixes by name.
type Config struct {
	// HandshakeRetryInterval is how long a disconnected client waits
	// before it may attempt another handshake.
	HandshakeRetryInterval time.Duration
	// AckTimeout bounds how long the client waits for an ack before it
	// disconnects and requeues the unacked request.
	AckTimeout time.Duration
	// MaxIdleTime is how long a connected, idle client waits before it
	// voluntarily disconnects.
	MaxIdleTime time.Duration
}

// DefaultConfig returns the timeouts named in spec.md §4.1.
func DefaultConfig() Config {
	return Config{
		HandshakeRetryInterval: 60 * time.Second,
		AckTimeout:             10 * time.Minute,
		MaxIdleTime:            30 * time.Minute,
	}
}
