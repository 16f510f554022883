package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	bberrors "github.com/bitboxsync/bitbox/internal/errors"
)

const (
	// maxDatagramBytes is the largest UDP payload we will send.
	maxDatagramBytes = 65507

	// seenWindow is how many recently received sequence numbers are
	// remembered for duplicate suppression.
	seenWindow = 1024

	udpInboundChanSize = 64
	udpAcceptChanSize  = 16
)

// frame is the datagram envelope. Data frames carry seq and payload;
// acknowledgement frames carry ack only. Pointers distinguish sequence
// zero from an absent field.
type frame struct {
	Seq     *uint64         `json:"seq,omitempty"`
	Ack     *uint64         `json:"ack,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// udpConn is one peer flow multiplexed over a datagram socket. Writes
// block until the frame is acknowledged; unacknowledged frames are
// retransmitted on an exponential schedule and the connection breaks
// when retries run out.
type udpConn struct {
	remote  string
	opts    Options
	send    func([]byte) error
	onClose func()

	writeMu sync.Mutex
	nextSeq uint64

	mu      sync.Mutex
	pending map[uint64]chan struct{}
	seen    map[uint64]struct{}
	seenQ   []uint64

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newUDPConn(remote string, opts Options, send func([]byte) error, onClose func()) *udpConn {
	return &udpConn{
		remote:  remote,
		opts:    opts,
		send:    send,
		onClose: onClose,
		pending: make(map[uint64]chan struct{}),
		seen:    make(map[uint64]struct{}),
		inbound: make(chan []byte, udpInboundChanSize),
		closed:  make(chan struct{}),
	}
}

// DialUDP opens a datagram flow to addr over a dedicated socket.
func DialUDP(addr string, opts Options) (Conn, error) {
	socket, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing udp %s: %w", addr, err)
	}

	conn := newUDPConn(addr, opts, func(data []byte) error {
		_, err := socket.Write(data)
		return err
	}, func() {
		socket.Close()
	})

	go func() {
		buf := make([]byte, maxDatagramBytes)
		for {
			n, err := socket.Read(buf)
			if err != nil {
				conn.Close()
				return
			}

			data := make([]byte, n)
			copy(data, buf[:n])
			conn.handleFrame(data)
		}
	}()

	return conn, nil
}

// handleFrame processes one raw datagram for this flow: acks release
// pending writes, data frames are acknowledged, deduplicated and
// delivered.
func (c *udpConn) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		if c.opts.Logger != nil {
			c.opts.Logger.Debug("dropping malformed datagram",
				slog.String("remote", c.remote),
			)
		}

		return
	}

	if f.Ack != nil {
		c.mu.Lock()
		ch, ok := c.pending[*f.Ack]
		c.mu.Unlock()

		if ok {
			select {
			case ch <- struct{}{}:
			default:
			}
		}

		return
	}

	if f.Seq == nil || f.Payload == nil {
		return
	}

	// Always re-acknowledge: the sender retransmits until it hears us.
	ack := frame{Ack: f.Seq}
	if ackData, err := json.Marshal(ack); err == nil {
		_ = c.send(ackData)
	}

	c.mu.Lock()
	if _, dup := c.seen[*f.Seq]; dup {
		c.mu.Unlock()
		return
	}
	c.seen[*f.Seq] = struct{}{}
	c.seenQ = append(c.seenQ, *f.Seq)
	if len(c.seenQ) > seenWindow {
		delete(c.seen, c.seenQ[0])
		c.seenQ = c.seenQ[1:]
	}
	c.mu.Unlock()

	select {
	case c.inbound <- []byte(f.Payload):
	default:
		// Datagram semantics: a slow consumer drops, it never blocks
		// the socket read loop.
		if c.opts.Logger != nil {
			c.opts.Logger.Warn("inbound datagram dropped, consumer too slow",
				slog.String("remote", c.remote),
			)
		}
	}
}

func (c *udpConn) ReadLine(ctx context.Context) ([]byte, error) {
	select {
	case line := <-c.inbound:
		return line, nil
	case <-c.closed:
		return nil, bberrors.ErrPeerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *udpConn) WriteLine(ctx context.Context, line []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return bberrors.ErrPeerClosed
	default:
	}

	for len(line) > 0 && line[len(line)-1] == '\n' {
		line = line[:len(line)-1]
	}

	c.nextSeq++
	seq := c.nextSeq

	data, err := json.Marshal(frame{Seq: &seq, Payload: json.RawMessage(line)})
	if err != nil {
		return fmt.Errorf("framing datagram: %w", err)
	}
	if len(data) > maxDatagramBytes {
		return fmt.Errorf("message exceeds datagram capacity: %d bytes", len(data))
	}

	ackCh := make(chan struct{}, 1)
	c.mu.Lock()
	c.pending[seq] = ackCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	// Retransmit on an exponential schedule: udpTimeout, 2x, 4x, ...
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.UDPTimeout
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = time.Hour
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 0; attempt <= c.opts.UDPRetries; attempt++ {
		if err := c.send(data); err != nil {
			c.Close()
			return fmt.Errorf("sending datagram: %w", err)
		}

		select {
		case <-ackCh:
			return nil
		case <-time.After(bo.NextBackOff()):
		case <-c.closed:
			return bberrors.ErrPeerClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.Close()

	return bberrors.ErrRetriesExhausted
}

func (c *udpConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.onClose != nil {
			c.onClose()
		}
	})

	return nil
}

func (c *udpConn) RemoteAddr() string {
	return c.remote
}

// udpListener demultiplexes one datagram socket into per-remote flows.
// A frame from an unknown remote creates a flow and surfaces it through
// Accept.
type udpListener struct {
	socket *net.UDPConn
	opts   Options

	mu    sync.Mutex
	conns map[string]*udpConn

	acceptCh  chan Conn
	closed    chan struct{}
	closeOnce sync.Once
}

// ListenUDP binds a datagram listener on addr.
func ListenUDP(addr string, opts Options) (Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving udp address %s: %w", addr, err)
	}

	socket, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("binding udp listener on %s: %w", addr, err)
	}

	l := &udpListener{
		socket:   socket,
		opts:     opts,
		conns:    make(map[string]*udpConn),
		acceptCh: make(chan Conn, udpAcceptChanSize),
		closed:   make(chan struct{}),
	}

	go l.readLoop()

	return l, nil
}

func (l *udpListener) readLoop() {
	buf := make([]byte, maxDatagramBytes)

	for {
		n, remote, err := l.socket.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.closed:
			default:
				l.Close()
			}

			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		l.connFor(remote).handleFrame(data)
	}
}

func (l *udpListener) connFor(remote *net.UDPAddr) *udpConn {
	key := remote.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	if conn, ok := l.conns[key]; ok {
		return conn
	}

	conn := newUDPConn(key, l.opts, func(data []byte) error {
		_, err := l.socket.WriteToUDP(data, remote)
		return err
	}, func() {
		l.mu.Lock()
		delete(l.conns, key)
		l.mu.Unlock()
	})

	l.conns[key] = conn

	select {
	case l.acceptCh <- conn:
	default:
		if l.opts.Logger != nil {
			l.opts.Logger.Warn("accept backlog full, dropping datagram flow",
				slog.String("remote", key),
			)
		}
	}

	return conn
}

func (l *udpListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.acceptCh:
		return conn, nil
	case <-l.closed:
		return nil, bberrors.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *udpListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.socket.Close()

		l.mu.Lock()
		conns := make([]*udpConn, 0, len(l.conns))
		for _, conn := range l.conns {
			conns = append(conns, conn)
		}
		l.mu.Unlock()

		for _, conn := range conns {
			conn.Close()
		}
	})

	return nil
}

func (l *udpListener) Addr() string {
	return l.socket.LocalAddr().String()
}
