package client

import "github.com/bitboxsync/bitbox/internal/protocol"

// Control channel documents. Unlike the peer protocol, host and port
// appear at the top level of peer management messages.

type authRequest struct {
	Command  string `json:"command"`
	Identity string `json:"identity"`
}

type authResponse struct {
	Command string `json:"command"`
	Status  bool   `json:"status"`
	AES128  string `json:"AES128,omitempty"`
	Message string `json:"message"`
}

type encryptedEnvelope struct {
	Payload string `json:"payload"`
}

type listPeersRequest struct {
	Command string `json:"command"`
}

type listPeersResponse struct {
	Command string              `json:"command"`
	Peers   []protocol.HostPort `json:"peers"`
}

type peerRequest struct {
	Command string `json:"command"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

type peerResponse struct {
	Command string `json:"command"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Status  bool   `json:"status"`
	Message string `json:"message"`
}
