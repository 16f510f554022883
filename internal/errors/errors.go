package errors

import "errors"

// Peer lifecycle errors.
var (
	ErrPeerClosed        = errors.New("peer connection closed")
	ErrQueueClosed       = errors.New("outbound queue closed")
	ErrHandshakeTimeout  = errors.New("handshake timed out")
	ErrConnectionRefused = errors.New("connection refused by peer")
	ErrRegistryFull      = errors.New("incoming connection limit reached")
	ErrPeerNotFound      = errors.New("peer not found")
)

// Transport errors.
var (
	ErrRetriesExhausted = errors.New("datagram retries exhausted")
	ErrListenerClosed   = errors.New("listener closed")
)
