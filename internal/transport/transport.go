// Package transport provides the two peer transports behind a common
// line-oriented contract: a reliable stream transport (TCP) and an
// unreliable datagram transport (UDP) with framing, retransmit and
// timeout. The peer layer is transport-agnostic.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bitboxsync/bitbox/internal/config"
)

// maxLineBytes bounds a single wire message. A block response is
// base64(blockSize) plus envelope, so this leaves generous headroom.
const maxLineBytes = 32 * 1024 * 1024

// Conn carries newline-delimited JSON messages to one peer. Exactly one
// reader and one writer may use a Conn concurrently.
type Conn interface {
	// ReadLine returns the next message line, without the trailing
	// newline. It honors context cancellation and deadlines.
	ReadLine(ctx context.Context) ([]byte, error)

	// WriteLine sends one message line. The datagram transport blocks
	// until the frame is acknowledged or retries are exhausted.
	WriteLine(ctx context.Context, line []byte) error

	Close() error

	RemoteAddr() string
}

// Listener accepts inbound peer connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() string
}

// Options carries the datagram retry parameters.
type Options struct {
	UDPTimeout time.Duration
	UDPRetries int
	Logger     *slog.Logger
}

// Listen binds a listener for the given transport mode.
func Listen(mode, addr string, opts Options) (Listener, error) {
	switch mode {
	case config.ModeTCP:
		return ListenTCP(addr)
	case config.ModeUDP:
		return ListenUDP(addr, opts)
	default:
		return nil, fmt.Errorf("unknown transport mode %q", mode)
	}
}

// Dial opens an outbound connection for the given transport mode.
func Dial(ctx context.Context, mode, addr string, opts Options) (Conn, error) {
	switch mode {
	case config.ModeTCP:
		return DialTCP(ctx, addr)
	case config.ModeUDP:
		return DialUDP(addr, opts)
	default:
		return nil, fmt.Errorf("unknown transport mode %q", mode)
	}
}
