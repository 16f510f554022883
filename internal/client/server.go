package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/bitboxsync/bitbox/internal/config"
	"github.com/bitboxsync/bitbox/internal/protocol"
)

// PeerManager is the slice of the peer registry the control channel
// needs to service operator commands.
type PeerManager interface {
	ActivePeers() []protocol.HostPort
	ConnectOutgoing(ctx context.Context, addr string) error
	DisconnectPeer(hostPort string) error
}

// Server accepts control connections and runs one authenticated
// session per socket.
type Server struct {
	manager PeerManager
	logger  *slog.Logger

	keysMu sync.RWMutex
	keys   []AuthorizedKey
}

// NewServer creates the control channel server with the authorized
// keys from the config snapshot.
func NewServer(cfg *config.Config, manager PeerManager, logger *slog.Logger) *Server {
	s := &Server{
		manager: manager,
		logger:  logger,
	}
	s.ApplyConfig(cfg)

	return s
}

// ApplyConfig re-parses the authorized key list from a fresh snapshot.
func (s *Server) ApplyConfig(cfg *config.Config) {
	keys := ParseAuthorizedKeys(cfg.AuthorizedKeys, s.logger)

	s.keysMu.Lock()
	s.keys = keys
	s.keysMu.Unlock()

	s.logger.Info("authorized keys loaded", slog.Int("count", len(keys)))
}

func (s *Server) lookupKey(identity string) (AuthorizedKey, bool) {
	s.keysMu.RLock()
	defer s.keysMu.RUnlock()

	for _, key := range s.keys {
		if key.Identity == identity {
			return key, true
		}
	}

	return AuthorizedKey{}, false
}

// Run accepts control connections until the context is cancelled.
func (s *Server) Run(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = listener.Close()
	})
	defer stop()

	s.logger.Info("client channel listening", slog.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("accepting client connection: %w", err)
		}

		go s.handleSession(ctx, conn)
	}
}

// session is one control socket. The AES key exists only after a
// successful AUTH_REQUEST; from then on every exchange is encrypted.
type session struct {
	id     string
	conn   net.Conn
	writer *bufio.Writer

	aesKey        []byte
	authenticated bool
}

func (s *Server) handleSession(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sess := &session{
		id:     uuid.NewString(),
		conn:   conn,
		writer: bufio.NewWriter(conn),
	}

	logger := s.logger.With(
		slog.String("session", sess.id),
		slog.String("remote", conn.RemoteAddr().String()),
	)
	logger.Info("client connected")

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()

		keepOpen, err := s.handleLine(ctx, sess, line, logger)
		if err != nil {
			logger.Warn("client session error", slog.String("error", err.Error()))
			return
		}
		if !keepOpen {
			return
		}
	}

	logger.Info("client disconnected")
}

// handleLine processes one inbound line. The returned bool reports
// whether the session stays open.
func (s *Server) handleLine(ctx context.Context, sess *session, line []byte, logger *slog.Logger) (bool, error) {
	if !gjson.ValidBytes(line) {
		return false, fmt.Errorf("malformed JSON from client")
	}

	doc := gjson.ParseBytes(line)

	// Encrypted envelope: everything after auth arrives wrapped.
	if payload := doc.Get("payload"); payload.Exists() {
		if !sess.authenticated {
			return false, fmt.Errorf("encrypted payload before authentication")
		}

		plain, err := DecryptMessage(sess.aesKey, payload.String())
		if err != nil {
			return false, fmt.Errorf("decrypting payload: %w", err)
		}

		if !gjson.ValidBytes(plain) {
			return false, fmt.Errorf("decrypted payload is not valid JSON")
		}

		doc = gjson.ParseBytes(plain)
	}

	command := doc.Get("command")
	if !command.Exists() || command.Type != gjson.String {
		return false, fmt.Errorf("message must contain a command field")
	}

	if command.String() == protocol.CmdAuthRequest {
		return s.handleAuth(sess, doc, logger)
	}

	if !sess.authenticated {
		return false, fmt.Errorf("command %s before authentication", command.String())
	}

	return s.handleCommand(ctx, sess, command.String(), doc, logger)
}

func (s *Server) handleAuth(sess *session, doc gjson.Result, logger *slog.Logger) (bool, error) {
	identity := doc.Get("identity")
	if !identity.Exists() || identity.Type != gjson.String {
		return false, fmt.Errorf("AUTH_REQUEST must contain an identity field")
	}

	resp := authResponse{Command: protocol.CmdAuthResponse}

	key, found := s.lookupKey(identity.String())
	if !found {
		logger.Info("auth rejected, unknown identity", slog.String("identity", identity.String()))

		resp.Status = false
		resp.Message = "public key not found"
		if err := sess.writePlain(resp); err != nil {
			return false, err
		}

		return false, nil
	}

	aesKey, err := GenerateAESKey()
	if err == nil {
		resp.AES128, err = WrapSecretKey(aesKey, key.Key)
	}
	if err != nil {
		logger.Error("session key establishment failed", slog.String("error", err.Error()))

		resp.Status = false
		resp.Message = "error generating key"
		if werr := sess.writePlain(resp); werr != nil {
			return false, werr
		}

		return false, nil
	}

	resp.Status = true
	resp.Message = "public key found"

	// The auth response itself travels in the clear; everything after
	// it is encrypted under the session key.
	if err := sess.writePlain(resp); err != nil {
		return false, err
	}

	sess.aesKey = aesKey
	sess.authenticated = true

	logger.Info("client authenticated", slog.String("identity", identity.String()))

	return true, nil
}

func (s *Server) handleCommand(ctx context.Context, sess *session, command string, doc gjson.Result, logger *slog.Logger) (bool, error) {
	switch command {
	case protocol.CmdListPeersRequest:
		peers := s.manager.ActivePeers()
		if peers == nil {
			peers = []protocol.HostPort{}
		}

		return true, sess.writeEncrypted(listPeersResponse{
			Command: protocol.CmdListPeersResponse,
			Peers:   peers,
		})

	case protocol.CmdConnectPeerRequest:
		hp, err := hostPortFields(doc)
		if err != nil {
			return false, err
		}

		resp := peerResponse{
			Command: protocol.CmdConnectPeerResponse,
			Host:    hp.Host,
			Port:    hp.Port,
		}

		if err := s.manager.ConnectOutgoing(ctx, hp.String()); err != nil {
			logger.Info("operator connect failed",
				slog.String("host_port", hp.String()),
				slog.String("error", err.Error()),
			)
			resp.Status = false
			resp.Message = "connection failed"
		} else {
			resp.Status = true
			resp.Message = "connected to peer"
		}

		return true, sess.writeEncrypted(resp)

	case protocol.CmdDisconnectPeerRequest:
		hp, err := hostPortFields(doc)
		if err != nil {
			return false, err
		}

		resp := peerResponse{
			Command: protocol.CmdDisconnectPeerResponse,
			Host:    hp.Host,
			Port:    hp.Port,
		}

		if err := s.manager.DisconnectPeer(hp.String()); err != nil {
			resp.Status = false
			resp.Message = "connection not active"
		} else {
			resp.Status = true
			resp.Message = "disconnected from peer"
		}

		return true, sess.writeEncrypted(resp)

	default:
		return false, fmt.Errorf("unknown client command: %s", command)
	}
}

func hostPortFields(doc gjson.Result) (protocol.HostPort, error) {
	host := doc.Get("host")
	port := doc.Get("port")

	if !host.Exists() || host.Type != gjson.String {
		return protocol.HostPort{}, fmt.Errorf("message must contain a host field")
	}
	if !port.Exists() || port.Type != gjson.Number {
		return protocol.HostPort{}, fmt.Errorf("message must contain a port field")
	}

	return protocol.HostPort{Host: host.String(), Port: int(port.Int())}, nil
}

func (sess *session) writePlain(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling response: %w", err)
	}

	return sess.writeLine(data)
}

func (sess *session) writeEncrypted(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling response: %w", err)
	}

	payload, err := EncryptMessage(sess.aesKey, data)
	if err != nil {
		return fmt.Errorf("encrypting response: %w", err)
	}

	envelope, err := json.Marshal(encryptedEnvelope{Payload: payload})
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	return sess.writeLine(envelope)
}

func (sess *session) writeLine(data []byte) error {
	if _, err := sess.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}

	return sess.writer.Flush()
}
