package client

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitboxsync/bitbox/internal/config"
	bberrors "github.com/bitboxsync/bitbox/internal/errors"
	"github.com/bitboxsync/bitbox/internal/protocol"
)

// fakeManager records operator commands without a real peer registry.
type fakeManager struct {
	mu           sync.Mutex
	peers        []protocol.HostPort
	connected    []string
	disconnected []string
}

func (m *fakeManager) ActivePeers() []protocol.HostPort {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]protocol.HostPort{}, m.peers...)
}

func (m *fakeManager) ConnectOutgoing(ctx context.Context, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = append(m.connected, addr)

	return nil
}

func (m *fakeManager) DisconnectPeer(hostPort string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, hp := range m.peers {
		if hp.String() == hostPort {
			m.disconnected = append(m.disconnected, hostPort)
			return nil
		}
	}

	return bberrors.ErrPeerNotFound
}

func startTestServer(t *testing.T, manager *fakeManager, authorizedKeys []string) string {
	t.Helper()

	cfg := &config.Config{AuthorizedKeys: authorizedKeys}
	srv := NewServer(cfg, manager, testLogger())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		_ = srv.Run(ctx, listener)
	}()

	return listener.Addr().String()
}

func TestClientServer_AuthenticatedCommandExchange(t *testing.T) {
	priv := testRSAKey(t)
	entry := authorizedEntry(t, &priv.PublicKey, "fred@station")

	manager := &fakeManager{
		peers: []protocol.HostPort{{Host: "beta", Port: 8112}},
	}
	addr := startTestServer(t, manager, []string{entry})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, addr, "fred@station", priv)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Authenticate())

	peers, err := c.ListPeers()
	require.NoError(t, err)
	assert.Equal(t, []protocol.HostPort{{Host: "beta", Port: 8112}}, peers)

	status, message, err := c.ConnectPeer(protocol.HostPort{Host: "gamma", Port: 8113})
	require.NoError(t, err)
	assert.True(t, status)
	assert.Equal(t, "connected to peer", message)
	assert.Equal(t, []string{"gamma:8113"}, manager.connected)

	status, message, err = c.DisconnectPeer(protocol.HostPort{Host: "beta", Port: 8112})
	require.NoError(t, err)
	assert.True(t, status)
	assert.Equal(t, "disconnected from peer", message)

	status, message, err = c.DisconnectPeer(protocol.HostPort{Host: "ghost", Port: 9999})
	require.NoError(t, err)
	assert.False(t, status)
	assert.Equal(t, "connection not active", message)
}

func TestClientServer_UnknownIdentityRejected(t *testing.T) {
	priv := testRSAKey(t)
	entry := authorizedEntry(t, &priv.PublicKey, "fred@station")

	addr := startTestServer(t, &fakeManager{}, []string{entry})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, addr, "mallory@station", priv)
	require.NoError(t, err)
	defer c.Close()

	err = c.Authenticate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "public key not found")
}

func TestClientServer_CommandBeforeAuthClosesSession(t *testing.T) {
	addr := startTestServer(t, &fakeManager{}, nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"command":"LIST_PEERS_REQUEST"}` + "\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	scanner := bufio.NewScanner(conn)
	assert.False(t, scanner.Scan(), "server must close without answering unauthenticated commands")
}

func TestClientServer_WrongKeyCannotDecryptSession(t *testing.T) {
	serverKnown := testRSAKey(t)
	entry := authorizedEntry(t, &serverKnown.PublicKey, "fred@station")

	addr := startTestServer(t, &fakeManager{}, []string{entry})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The identity matches but the client holds a different private key,
	// so the unwrapped session key is garbage and the first encrypted
	// exchange falls apart.
	imposter := testRSAKey(t)

	c, err := Dial(ctx, addr, "fred@station", imposter)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Authenticate(), "auth succeeds; only decryption exposes the mismatch")

	_, err = c.ListPeers()
	assert.Error(t, err)
}
