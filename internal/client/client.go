package client

import (
	"bufio"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net"

	"github.com/tidwall/gjson"

	"github.com/bitboxsync/bitbox/internal/protocol"
)

// Client is the operator's side of the control channel: one socket,
// one authenticated session.
type Client struct {
	conn     net.Conn
	scanner  *bufio.Scanner
	identity string
	priv     *rsa.PrivateKey
	aesKey   []byte
}

// Dial connects to a bitbox daemon's client port.
func Dial(ctx context.Context, addr, identity string, priv *rsa.PrivateKey) (*Client, error) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	return &Client{
		conn:     conn,
		scanner:  scanner,
		identity: identity,
		priv:     priv,
	}, nil
}

// Close tears the session down.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Authenticate performs the challenge: it sends the identity, and on
// success unwraps the AES session key with the private key.
func (c *Client) Authenticate() error {
	if err := c.writeLine(authRequest{Command: protocol.CmdAuthRequest, Identity: c.identity}); err != nil {
		return err
	}

	doc, err := c.readLine()
	if err != nil {
		return err
	}

	if !doc.Get("status").Bool() {
		return fmt.Errorf("authentication rejected: %s", doc.Get("message").String())
	}

	wrapped := doc.Get("AES128")
	if !wrapped.Exists() {
		return fmt.Errorf("authentication response missing AES128 field")
	}

	key, err := UnwrapSecretKey(wrapped.String(), c.priv)
	if err != nil {
		return fmt.Errorf("unwrapping session key: %w", err)
	}

	c.aesKey = key

	return nil
}

// ListPeers returns the daemon's active peers.
func (c *Client) ListPeers() ([]protocol.HostPort, error) {
	doc, err := c.roundTrip(listPeersRequest{Command: protocol.CmdListPeersRequest})
	if err != nil {
		return nil, err
	}

	var peers []protocol.HostPort
	for _, entry := range doc.Get("peers").Array() {
		peers = append(peers, protocol.HostPort{
			Host: entry.Get("host").String(),
			Port: int(entry.Get("port").Int()),
		})
	}

	return peers, nil
}

// ConnectPeer asks the daemon to dial a new peer.
func (c *Client) ConnectPeer(hp protocol.HostPort) (bool, string, error) {
	return c.peerCommand(protocol.CmdConnectPeerRequest, hp)
}

// DisconnectPeer asks the daemon to drop a peer.
func (c *Client) DisconnectPeer(hp protocol.HostPort) (bool, string, error) {
	return c.peerCommand(protocol.CmdDisconnectPeerRequest, hp)
}

func (c *Client) peerCommand(command string, hp protocol.HostPort) (bool, string, error) {
	doc, err := c.roundTrip(peerRequest{Command: command, Host: hp.Host, Port: hp.Port})
	if err != nil {
		return false, "", err
	}

	return doc.Get("status").Bool(), doc.Get("message").String(), nil
}

// roundTrip encrypts a request document, sends it, and decrypts the
// response.
func (c *Client) roundTrip(req any) (gjson.Result, error) {
	if c.aesKey == nil {
		return gjson.Result{}, fmt.Errorf("session is not authenticated")
	}

	data, err := json.Marshal(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marshaling request: %w", err)
	}

	payload, err := EncryptMessage(c.aesKey, data)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("encrypting request: %w", err)
	}

	if err := c.writeLine(encryptedEnvelope{Payload: payload}); err != nil {
		return gjson.Result{}, err
	}

	doc, err := c.readLine()
	if err != nil {
		return gjson.Result{}, err
	}

	envelope := doc.Get("payload")
	if !envelope.Exists() {
		return gjson.Result{}, fmt.Errorf("response missing encrypted payload")
	}

	plain, err := DecryptMessage(c.aesKey, envelope.String())
	if err != nil {
		return gjson.Result{}, fmt.Errorf("decrypting response: %w", err)
	}

	if !gjson.ValidBytes(plain) {
		return gjson.Result{}, fmt.Errorf("decrypted response is not valid JSON")
	}

	return gjson.ParseBytes(plain), nil
}

func (c *Client) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}

	return nil
}

func (c *Client) readLine() (gjson.Result, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return gjson.Result{}, fmt.Errorf("reading response: %w", err)
		}

		return gjson.Result{}, fmt.Errorf("server closed the connection")
	}

	line := c.scanner.Bytes()
	if !gjson.ValidBytes(line) {
		return gjson.Result{}, fmt.Errorf("malformed response from server")
	}

	return gjson.ParseBytes(line), nil
}
