package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/bitboxsync/bitbox/internal/config"
	bberrors "github.com/bitboxsync/bitbox/internal/errors"
	"github.com/bitboxsync/bitbox/internal/protocol"
	"github.com/bitboxsync/bitbox/internal/transport"
)

// handshakeTimeout bounds how long a connection may sit in WAITING.
const handshakeTimeout = 30 * time.Second

// Handler receives peer lifecycle notifications and routed messages.
// The sync engine implements it.
type Handler interface {
	// HandlePeerMessage routes an inbound post-handshake message. The
	// peer is addressed by host:port handle; it may already be gone by
	// the time a response is sent, which the registry tolerates.
	HandlePeerMessage(hostPort string, m protocol.Message)

	// PeerActivated fires when a handshake completes.
	PeerActivated(hostPort string)

	// PeerClosed fires when a peer leaves the registry.
	PeerClosed(hostPort string)
}

// Registry is the sole owner of peers. It enforces the incoming
// connection bound, runs the handshake state machine, and performs the
// connection-refused fallback search.
type Registry struct {
	local  protocol.HostPort
	mode   string
	opts   transport.Options
	logger *slog.Logger

	maxIncoming atomic.Int32
	idleTimeout atomic.Int64

	handlerMu sync.RWMutex
	handler   Handler

	mu     sync.Mutex
	peers  map[string]*Peer
	failed map[string]struct{}
}

// NewRegistry creates a registry advertising local as this node's
// endpoint.
func NewRegistry(local protocol.HostPort, cfg *config.Config, opts transport.Options, logger *slog.Logger) *Registry {
	r := &Registry{
		local:  local,
		mode:   cfg.Mode,
		opts:   opts,
		logger: logger,
		peers:  make(map[string]*Peer),
		failed: make(map[string]struct{}),
	}
	r.ApplyConfig(cfg)

	return r
}

// SetHandler wires the sync engine in. Must be called before any
// connection is handled.
func (r *Registry) SetHandler(h Handler) {
	r.handlerMu.Lock()
	r.handler = h
	r.handlerMu.Unlock()
}

// ApplyConfig refreshes the bounded parameters from a config snapshot.
func (r *Registry) ApplyConfig(cfg *config.Config) {
	r.maxIncoming.Store(int32(cfg.MaximumIncomingConnections))
	r.idleTimeout.Store(int64(2 * cfg.SyncInterval))
}

func (r *Registry) getHandler() Handler {
	r.handlerMu.RLock()
	defer r.handlerMu.RUnlock()

	return r.handler
}

// HandleIncoming runs the inbound handshake and, on success, the peer's
// read loop. It blocks until the peer closes; the server calls it in a
// goroutine per accepted connection.
func (r *Registry) HandleIncoming(ctx context.Context, conn transport.Conn) {
	p := newPeer(conn, r.logger, false)

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	line, err := conn.ReadLine(hsCtx)
	cancel()
	if err != nil {
		r.logger.Debug("handshake read failed",
			slog.String("remote", conn.RemoteAddr()),
			slog.String("error", err.Error()),
		)
		conn.Close()

		return
	}

	m, err := protocol.Decode(line)
	if err != nil {
		r.refuseProtocol(ctx, p, err)
		return
	}

	hs, ok := m.(*protocol.HandshakeRequest)
	if !ok {
		r.refuseProtocol(ctx, p, &protocol.Error{Message: fmt.Sprintf("expected HANDSHAKE_REQUEST, got %s", m.Command())})
		return
	}

	hostPort := hs.HostPort

	r.mu.Lock()
	if _, dup := r.peers[hostPort.String()]; dup {
		r.mu.Unlock()
		r.refuseProtocol(ctx, p, &protocol.Error{Message: fmt.Sprintf("peer already connected: %s", hostPort)})

		return
	}

	if r.incomingActiveLocked() >= int(r.maxIncoming.Load()) {
		active := r.activeHostPortsLocked()
		r.mu.Unlock()

		r.logger.Info("refusing incoming peer, connection limit reached",
			slog.String("host_port", hostPort.String()),
			slog.Int("active", len(active)),
		)

		_ = p.sendNow(ctx, protocol.ConnectionRefused{
			Message: "connection limit reached",
			Peers:   active,
		})
		conn.Close()

		return
	}

	p.activate(hostPort.String())
	p.hp = hostPort
	p.onClose = r.removePeer
	r.peers[hostPort.String()] = p
	r.mu.Unlock()

	if err := p.sendNow(ctx, protocol.HandshakeResponse{HostPort: r.local}); err != nil {
		p.close()
		return
	}

	r.logger.Info("incoming peer activated", slog.String("host_port", hostPort.String()))

	go p.writeLoop(ctx)

	if h := r.getHandler(); h != nil {
		h.PeerActivated(hostPort.String())
	}

	r.readLoop(ctx, p)
}

// ConnectOutgoing dials addr, performs the handshake, and starts the
// peer loops. On CONNECTION_REFUSED it falls back to the peers listed
// in the refusal.
func (r *Registry) ConnectOutgoing(ctx context.Context, addr string) error {
	r.mu.Lock()
	if _, present := r.peers[addr]; present {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	conn, err := transport.Dial(ctx, r.mode, addr, r.opts)
	if err != nil {
		r.markFailed(addr)
		return fmt.Errorf("dialing peer %s: %w", addr, err)
	}

	p := newPeer(conn, r.logger, true)

	if err := p.sendNow(ctx, protocol.HandshakeRequest{HostPort: r.local}); err != nil {
		conn.Close()
		r.markFailed(addr)

		return fmt.Errorf("sending handshake to %s: %w", addr, err)
	}

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	line, err := conn.ReadLine(hsCtx)
	cancel()
	if err != nil {
		conn.Close()
		r.markFailed(addr)

		return fmt.Errorf("awaiting handshake from %s: %w", addr, bberrors.ErrHandshakeTimeout)
	}

	m, err := protocol.Decode(line)
	if err != nil {
		r.refuseProtocol(ctx, p, err)
		r.markFailed(addr)

		return fmt.Errorf("handshake with %s: %w", addr, err)
	}

	switch msg := m.(type) {
	case *protocol.HandshakeResponse:
		hostPort := msg.HostPort

		r.mu.Lock()
		if _, dup := r.peers[hostPort.String()]; dup {
			r.mu.Unlock()
			conn.Close()

			return nil
		}
		p.activate(hostPort.String())
		p.hp = hostPort
		p.onClose = r.removePeer
		r.peers[hostPort.String()] = p
		r.mu.Unlock()

		r.logger.Info("outgoing peer activated", slog.String("host_port", hostPort.String()))

		go p.writeLoop(ctx)
		go r.readLoop(ctx, p)

		if h := r.getHandler(); h != nil {
			h.PeerActivated(hostPort.String())
		}

		return nil

	case *protocol.ConnectionRefused:
		conn.Close()
		r.markFailed(addr)

		r.logger.Info("peer refused connection, trying alternates",
			slog.String("host_port", addr),
			slog.Int("alternates", len(msg.Peers)),
		)

		return r.TryFallback(ctx, msg.Peers)

	default:
		r.refuseProtocol(ctx, p, &protocol.Error{Message: fmt.Sprintf("expected HANDSHAKE_RESPONSE, got %s", m.Command())})
		r.markFailed(addr)

		return fmt.Errorf("unexpected handshake reply from %s: %s", addr, m.Command())
	}
}

// TryFallback dials each listed peer in order until one handshake
// succeeds. Peers already present or already failed this session are
// skipped.
func (r *Registry) TryFallback(ctx context.Context, peers []protocol.HostPort) error {
	for _, hp := range peers {
		addr := hp.String()

		r.mu.Lock()
		_, present := r.peers[addr]
		_, failed := r.failed[addr]
		r.mu.Unlock()

		if present || failed {
			continue
		}

		if err := r.ConnectOutgoing(ctx, addr); err != nil {
			r.logger.Debug("fallback peer failed",
				slog.String("host_port", addr),
				slog.String("error", err.Error()),
			)

			continue
		}

		return nil
	}

	return bberrors.ErrConnectionRefused
}

// readLoop routes inbound messages until the peer dies. Any protocol
// violation is answered with INVALID_PROTOCOL and closes the peer.
func (r *Registry) readLoop(ctx context.Context, p *Peer) {
	for {
		line, err := p.readLine(ctx, r.idleTimeoutDur())
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, bberrors.ErrPeerClosed) {
				r.logger.Info("peer unreachable",
					slog.String("host_port", p.hostPort),
					slog.String("error", err.Error()),
				)
			}
			p.close()

			return
		}

		m, err := protocol.Decode(line)
		if err != nil {
			var perr *protocol.Error
			if errors.As(err, &perr) {
				_ = p.sendNow(ctx, protocol.InvalidProtocol{Message: perr.Message})
			}
			p.close()

			return
		}

		switch m.(type) {
		case *protocol.HandshakeRequest, *protocol.HandshakeResponse, *protocol.ConnectionRefused:
			_ = p.sendNow(ctx, protocol.InvalidProtocol{Message: "handshaking already complete"})
			p.close()

			return

		case *protocol.InvalidProtocol:
			r.logger.Warn("peer reported protocol violation",
				slog.String("host_port", p.hostPort),
				slog.String("message", m.(*protocol.InvalidProtocol).Message),
			)
			p.close()

			return

		default:
			if h := r.getHandler(); h != nil {
				h.HandlePeerMessage(p.hostPort, m)
			}
		}
	}
}

func (r *Registry) refuseProtocol(ctx context.Context, p *Peer, err error) {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		_ = p.sendNow(ctx, protocol.InvalidProtocol{Message: perr.Message})
	}

	p.conn.Close()
}

func (r *Registry) markFailed(addr string) {
	r.mu.Lock()
	r.failed[addr] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) removePeer(p *Peer) {
	r.mu.Lock()
	if existing, ok := r.peers[p.hostPort]; ok && existing == p {
		delete(r.peers, p.hostPort)
	}
	r.mu.Unlock()

	if h := r.getHandler(); h != nil && p.hostPort != "" {
		h.PeerClosed(p.hostPort)
	}
}

func (r *Registry) incomingActiveLocked() int {
	count := 0
	for _, p := range r.peers {
		if !p.wasOutgoing && p.State() == StateActive {
			count++
		}
	}

	return count
}

func (r *Registry) activeHostPortsLocked() []protocol.HostPort {
	active := lo.Filter(lo.Values(r.peers), func(p *Peer, _ int) bool {
		return p.State() == StateActive
	})

	return lo.Map(active, func(p *Peer, _ int) protocol.HostPort {
		return p.hp
	})
}

// ActivePeers returns the endpoints of all active peers.
func (r *Registry) ActivePeers() []protocol.HostPort {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.activeHostPortsLocked()
}

// SendTo queues a message for one peer by host:port handle. Absent
// peers are tolerated: the caller re-resolves on each use.
func (r *Registry) SendTo(hostPort string, m protocol.Message) error {
	r.mu.Lock()
	p, ok := r.peers[hostPort]
	r.mu.Unlock()

	if !ok || p.State() != StateActive {
		return bberrors.ErrPeerNotFound
	}

	p.Send(m)

	return nil
}

// Broadcast queues a message for every active peer.
func (r *Registry) Broadcast(m protocol.Message) {
	r.mu.Lock()
	peers := lo.Values(r.peers)
	r.mu.Unlock()

	for _, p := range peers {
		if p.State() == StateActive {
			p.Send(m)
		}
	}
}

// DisconnectPeer closes a peer on operator request.
func (r *Registry) DisconnectPeer(hostPort string) error {
	r.mu.Lock()
	p, ok := r.peers[hostPort]
	r.mu.Unlock()

	if !ok {
		return bberrors.ErrPeerNotFound
	}

	p.close()

	return nil
}

// CloseAll tears down every peer. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	peers := lo.Values(r.peers)
	r.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}

func (r *Registry) idleTimeoutDur() time.Duration {
	return time.Duration(r.idleTimeout.Load())
}
