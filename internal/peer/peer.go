// Package peer implements the per-peer connection state machine and the
// bounded registry of active peers.
package peer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bitboxsync/bitbox/internal/logging"
	"github.com/bitboxsync/bitbox/internal/protocol"
	"github.com/bitboxsync/bitbox/internal/transport"
)

// State is the lifecycle of a peer connection. Once closed, a peer
// never changes state again.
type State int32

const (
	StateWaiting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Peer is one connection to a remote bitbox node. A reader goroutine
// parses inbound lines; a writer goroutine drains the outbound queue.
// They are the only users of the underlying transport connection.
type Peer struct {
	hostPort    string
	hp          protocol.HostPort
	conn        transport.Conn
	queue       *OrderedQueue[string]
	logger      *slog.Logger
	wasOutgoing bool

	state        atomic.Int32
	lastInbound  atomic.Int64
	lastOutbound atomic.Int64

	onClose func(*Peer)
}

func newPeer(conn transport.Conn, logger *slog.Logger, outgoing bool) *Peer {
	p := &Peer{
		conn:        conn,
		queue:       NewOrderedQueue[string](),
		logger:      logger,
		wasOutgoing: outgoing,
	}

	now := time.Now().UnixNano()
	p.lastInbound.Store(now)
	p.lastOutbound.Store(now)

	return p
}

// HostPort returns the advertised remote endpoint. Empty until the
// handshake supplies it.
func (p *Peer) HostPort() string {
	return p.hostPort
}

// State returns the current lifecycle state.
func (p *Peer) State() State {
	return State(p.state.Load())
}

// WasOutgoing reports whether this node dialed the connection.
func (p *Peer) WasOutgoing() bool {
	return p.wasOutgoing
}

// Send encodes a message onto the outbound queue. Messages are
// delivered in enqueue order while the peer is active; sends to a
// closed peer are dropped.
func (p *Peer) Send(m protocol.Message) {
	line, err := protocol.Encode(m)
	if err != nil {
		p.logger.Error("encoding outbound message",
			slog.String("command", m.Command()),
			slog.String("error", err.Error()),
		)

		return
	}

	if !p.queue.Add(string(line)) && p.State() != StateClosed {
		p.logger.Debug("suppressed duplicate outbound message",
			slog.String("command", m.Command()),
		)
	}
}

// activate promotes the peer to ACTIVE with its advertised endpoint.
func (p *Peer) activate(hostPort string) {
	p.hostPort = hostPort
	p.logger = logging.ForPeer(p.logger, hostPort)
	p.state.CompareAndSwap(int32(StateWaiting), int32(StateActive))
}

// close transitions to CLOSED exactly once, tears down the transport,
// unblocks the writer, and notifies the registry.
func (p *Peer) close() {
	prev := p.state.Swap(int32(StateClosed))
	if State(prev) == StateClosed {
		return
	}

	p.queue.Close()
	p.conn.Close()

	p.logger.Info("peer closed", slog.String("host_port", p.hostPort))

	if p.onClose != nil {
		p.onClose(p)
	}
}

// writeLoop drains the outbound queue in order. It exits when the
// queue closes or a write fails.
func (p *Peer) writeLoop(ctx context.Context) {
	for {
		line, err := p.queue.Take()
		if err != nil {
			return
		}

		if err := p.conn.WriteLine(ctx, []byte(line)); err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("peer write failed",
					slog.String("host_port", p.hostPort),
					slog.String("error", err.Error()),
				)
			}
			p.close()

			return
		}

		p.lastOutbound.Store(time.Now().UnixNano())
	}
}

// readLine reads the next inbound line, enforcing the idle timeout.
func (p *Peer) readLine(ctx context.Context, idleTimeout time.Duration) ([]byte, error) {
	readCtx, cancel := context.WithTimeout(ctx, idleTimeout)
	defer cancel()

	line, err := p.conn.ReadLine(readCtx)
	if err != nil {
		return nil, err
	}

	p.lastInbound.Store(time.Now().UnixNano())

	return line, nil
}

// sendNow bypasses the queue for pre-activation traffic (handshake
// replies, refusals) where the writer is not running yet.
func (p *Peer) sendNow(ctx context.Context, m protocol.Message) error {
	line, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	p.lastOutbound.Store(time.Now().UnixNano())

	return p.conn.WriteLine(ctx, line)
}
