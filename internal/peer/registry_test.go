package peer

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitboxsync/bitbox/internal/config"
	bberrors "github.com/bitboxsync/bitbox/internal/errors"
	"github.com/bitboxsync/bitbox/internal/protocol"
	"github.com/bitboxsync/bitbox/internal/transport"
)

// fakeConn is an in-memory transport.Conn driven by the test.
type fakeConn struct {
	remote string
	in     chan []byte
	out    chan []byte

	closed chan struct{}
	once   sync.Once
}

func newFakeConn(remote string) *fakeConn {
	return &fakeConn{
		remote: remote,
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadLine(ctx context.Context) ([]byte, error) {
	select {
	case line := <-c.in:
		return line, nil
	case <-c.closed:
		return nil, bberrors.ErrPeerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteLine(ctx context.Context, line []byte) error {
	select {
	case <-c.closed:
		return bberrors.ErrPeerClosed
	default:
	}

	out := make([]byte, len(line))
	copy(out, line)

	select {
	case c.out <- out:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) RemoteAddr() string {
	return c.remote
}

// push feeds an encoded message into the conn's read side.
func (c *fakeConn) push(t *testing.T, m protocol.Message) {
	t.Helper()

	line, err := protocol.Encode(m)
	require.NoError(t, err)

	c.in <- bytes.TrimSuffix(line, []byte("\n"))
}

// next decodes the next message the registry wrote to the conn.
func (c *fakeConn) next(t *testing.T) protocol.Message {
	t.Helper()

	select {
	case line := <-c.out:
		m, err := protocol.Decode(line)
		require.NoError(t, err)
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

func (c *fakeConn) waitClosed(t *testing.T) {
	t.Helper()

	select {
	case <-c.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed")
	}
}

// recordingHandler captures engine-side notifications.
type recordingHandler struct {
	mu        sync.Mutex
	activated []string
	closedP   []string
	messages  []protocol.Message
}

func (h *recordingHandler) HandlePeerMessage(hostPort string, m protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, m)
}

func (h *recordingHandler) PeerActivated(hostPort string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activated = append(h.activated, hostPort)
}

func (h *recordingHandler) PeerClosed(hostPort string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closedP = append(h.closedP, hostPort)
}

func (h *recordingHandler) waitActivated(t *testing.T, hostPort string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		for _, hp := range h.activated {
			if hp == hostPort {
				h.mu.Unlock()
				return
			}
		}
		h.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("peer %s was never activated", hostPort)
}

func testRegistry(t *testing.T, maxIncoming int) (*Registry, *recordingHandler, context.Context) {
	t.Helper()

	cfg := &config.Config{
		Mode:                       config.ModeTCP,
		SyncInterval:               time.Second,
		MaximumIncomingConnections: maxIncoming,
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	r := NewRegistry(protocol.HostPort{Host: "local", Port: 8111}, cfg, transport.Options{}, logger)

	h := &recordingHandler{}
	r.SetHandler(h)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return r, h, ctx
}

func TestHandleIncoming_HandshakeActivatesPeer(t *testing.T) {
	r, h, ctx := testRegistry(t, 3)

	conn := newFakeConn("10.0.0.2:4001")
	conn.push(t, protocol.HandshakeRequest{HostPort: protocol.HostPort{Host: "remote", Port: 8200}})

	go r.HandleIncoming(ctx, conn)

	resp, ok := conn.next(t).(*protocol.HandshakeResponse)
	require.True(t, ok, "expected HANDSHAKE_RESPONSE")
	assert.Equal(t, protocol.HostPort{Host: "local", Port: 8111}, resp.HostPort)

	h.waitActivated(t, "remote:8200")
	assert.Equal(t, []protocol.HostPort{{Host: "remote", Port: 8200}}, r.ActivePeers())
}

func TestHandleIncoming_RefusesOverCap(t *testing.T) {
	r, h, ctx := testRegistry(t, 1)

	first := newFakeConn("10.0.0.2:4001")
	first.push(t, protocol.HandshakeRequest{HostPort: protocol.HostPort{Host: "remote", Port: 8200}})
	go r.HandleIncoming(ctx, first)
	first.next(t)
	h.waitActivated(t, "remote:8200")

	second := newFakeConn("10.0.0.3:4002")
	second.push(t, protocol.HandshakeRequest{HostPort: protocol.HostPort{Host: "late", Port: 8300}})
	go r.HandleIncoming(ctx, second)

	refused, ok := second.next(t).(*protocol.ConnectionRefused)
	require.True(t, ok, "expected CONNECTION_REFUSED")
	assert.Equal(t, "connection limit reached", refused.Message)
	assert.Equal(t, []protocol.HostPort{{Host: "remote", Port: 8200}}, refused.Peers)

	second.waitClosed(t)
	assert.Len(t, r.ActivePeers(), 1)
}

func TestHandleIncoming_InvalidFirstMessage(t *testing.T) {
	r, _, ctx := testRegistry(t, 3)

	conn := newFakeConn("10.0.0.2:4001")
	conn.push(t, protocol.DirectoryCreateRequest{PathName: "docs"})

	go r.HandleIncoming(ctx, conn)

	invalid, ok := conn.next(t).(*protocol.InvalidProtocol)
	require.True(t, ok, "expected INVALID_PROTOCOL")
	assert.Contains(t, invalid.Message, "HANDSHAKE_REQUEST")

	conn.waitClosed(t)
}

func TestReadLoop_RoutesActiveMessages(t *testing.T) {
	r, h, ctx := testRegistry(t, 3)

	conn := newFakeConn("10.0.0.2:4001")
	conn.push(t, protocol.HandshakeRequest{HostPort: protocol.HostPort{Host: "remote", Port: 8200}})

	go r.HandleIncoming(ctx, conn)
	conn.next(t)
	h.waitActivated(t, "remote:8200")

	conn.push(t, protocol.FileDeleteRequest{
		PathName:       "a.txt",
		FileDescriptor: protocol.FileDescriptor{MD5: "x", LastModified: 1, FileSize: 1},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		count := len(h.messages)
		h.mu.Unlock()
		if count > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.messages, 1)
	assert.IsType(t, &protocol.FileDeleteRequest{}, h.messages[0])
}

func TestReadLoop_HandshakeWhileActive(t *testing.T) {
	r, h, ctx := testRegistry(t, 3)

	conn := newFakeConn("10.0.0.2:4001")
	conn.push(t, protocol.HandshakeRequest{HostPort: protocol.HostPort{Host: "remote", Port: 8200}})

	go r.HandleIncoming(ctx, conn)
	conn.next(t)
	h.waitActivated(t, "remote:8200")

	conn.push(t, protocol.HandshakeRequest{HostPort: protocol.HostPort{Host: "remote", Port: 8200}})

	invalid, ok := conn.next(t).(*protocol.InvalidProtocol)
	require.True(t, ok, "expected INVALID_PROTOCOL")
	assert.Equal(t, "handshaking already complete", invalid.Message)

	conn.waitClosed(t)
	assert.Empty(t, r.ActivePeers())
}

func TestSendTo_AbsentPeerTolerated(t *testing.T) {
	r, _, _ := testRegistry(t, 3)

	err := r.SendTo("ghost:9999", &protocol.DirectoryCreateRequest{PathName: "docs"})
	assert.ErrorIs(t, err, bberrors.ErrPeerNotFound)

	assert.ErrorIs(t, r.DisconnectPeer("ghost:9999"), bberrors.ErrPeerNotFound)
}

func TestDisconnectPeer_ClosesAndNotifies(t *testing.T) {
	r, h, ctx := testRegistry(t, 3)

	conn := newFakeConn("10.0.0.2:4001")
	conn.push(t, protocol.HandshakeRequest{HostPort: protocol.HostPort{Host: "remote", Port: 8200}})

	go r.HandleIncoming(ctx, conn)
	conn.next(t)
	h.waitActivated(t, "remote:8200")

	require.NoError(t, r.DisconnectPeer("remote:8200"))
	conn.waitClosed(t)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(r.ActivePeers()) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("peer was not removed from the registry")
}
