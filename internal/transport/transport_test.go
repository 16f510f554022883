package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bberrors "github.com/bitboxsync/bitbox/internal/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testOptions() Options {
	return Options{
		UDPTimeout: 50 * time.Millisecond,
		UDPRetries: 3,
		Logger:     testLogger(),
	}
}

func TestTCP_RoundTrip(t *testing.T) {
	listener, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan Conn, 1)
	go func() {
		conn, err := listener.Accept(ctx)
		if err == nil {
			accepted <- conn
		}
	}()

	client, err := DialTCP(ctx, listener.Addr())
	require.NoError(t, err)
	defer client.Close()

	server := <-accepted
	defer server.Close()

	require.NoError(t, client.WriteLine(ctx, []byte(`{"command":"HANDSHAKE_REQUEST"}`)))

	line, err := server.ReadLine(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"HANDSHAKE_REQUEST"}`, string(line))

	// And back the other way.
	require.NoError(t, server.WriteLine(ctx, []byte(`{"command":"HANDSHAKE_RESPONSE"}`)))

	line, err = client.ReadLine(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"HANDSHAKE_RESPONSE"}`, string(line))
}

func TestTCP_ReadLineHonorsContext(t *testing.T) {
	listener, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	ctx := context.Background()

	accepted := make(chan Conn, 1)
	go func() {
		conn, err := listener.Accept(ctx)
		if err == nil {
			accepted <- conn
		}
	}()

	client, err := DialTCP(ctx, listener.Addr())
	require.NoError(t, err)
	defer client.Close()

	<-accepted

	readCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = client.ReadLine(readCtx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTCP_PeerCloseEndsRead(t *testing.T) {
	listener, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan Conn, 1)
	go func() {
		conn, err := listener.Accept(ctx)
		if err == nil {
			accepted <- conn
		}
	}()

	client, err := DialTCP(ctx, listener.Addr())
	require.NoError(t, err)

	server := <-accepted
	require.NoError(t, server.Close())

	_, err = client.ReadLine(ctx)
	assert.ErrorIs(t, err, bberrors.ErrPeerClosed)
}

func TestUDP_RoundTripWithAck(t *testing.T) {
	listener, err := ListenUDP("127.0.0.1:0", testOptions())
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialUDP(listener.Addr(), testOptions())
	require.NoError(t, err)
	defer client.Close()

	// WriteLine blocks until the server side acknowledges the frame.
	require.NoError(t, client.WriteLine(ctx, []byte(`{"command":"HANDSHAKE_REQUEST"}`)))

	server, err := listener.Accept(ctx)
	require.NoError(t, err)

	line, err := server.ReadLine(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"HANDSHAKE_REQUEST"}`, string(line))

	require.NoError(t, server.WriteLine(ctx, []byte(`{"command":"HANDSHAKE_RESPONSE"}`)))

	line, err = client.ReadLine(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"HANDSHAKE_RESPONSE"}`, string(line))
}

func TestUDP_RetriesExhaustedClosesConn(t *testing.T) {
	// Bind a socket that swallows datagrams without ever acking.
	sink, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer sink.Close()
	addr := sink.LocalAddr().String()

	opts := Options{
		UDPTimeout: 10 * time.Millisecond,
		UDPRetries: 2,
		Logger:     testLogger(),
	}

	client, err := DialUDP(addr, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = client.WriteLine(ctx, []byte(`{"command":"HANDSHAKE_REQUEST"}`))
	require.Error(t, err)

	// The connection is broken after giving up.
	_, err = client.ReadLine(ctx)
	assert.ErrorIs(t, err, bberrors.ErrPeerClosed)
}

func TestUDP_DuplicateFramesSuppressed(t *testing.T) {
	listener, err := ListenUDP("127.0.0.1:0", testOptions())
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialUDP(listener.Addr(), testOptions())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WriteLine(ctx, []byte(`{"command":"HANDSHAKE_REQUEST"}`)))

	server, err := listener.Accept(ctx)
	require.NoError(t, err)

	serverConn, ok := server.(*udpConn)
	require.True(t, ok)

	// Simulate a retransmitted duplicate of seq 1 arriving again.
	seq := uint64(1)
	dup, err := json.Marshal(frame{Seq: &seq, Payload: json.RawMessage(`{"command":"HANDSHAKE_REQUEST"}`)})
	require.NoError(t, err)
	serverConn.handleFrame(dup)

	line, err := server.ReadLine(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"HANDSHAKE_REQUEST"}`, string(line))

	// Only one copy is delivered.
	readCtx, cancelRead := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelRead()

	_, err = server.ReadLine(readCtx)
	assert.Error(t, err, "duplicate frame must not be delivered twice")
}

func TestListen_UnknownMode(t *testing.T) {
	_, err := Listen("sctp", "127.0.0.1:0", testOptions())
	assert.Error(t, err)

	_, err = Dial(context.Background(), "sctp", "127.0.0.1:1", testOptions())
	assert.Error(t, err)
}
