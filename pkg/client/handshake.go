package client

import (
	"errors"
	"fmt"
)

// LTPVersion is the protocol version the client advertises.
const LTPVersion = "0.6"

// HandshakeInit opens a thread. The ECDH fields are present only when key
// exchange is enabled; ClientPublicKey mirrors ClientECDHPublicKey for
// peers that still read the legacy field name.
type HandshakeInit struct {
	Type                string         `json:"type"`
	LTPVersion          string         `json:"ltp_version"`
	ClientID            string         `json:"client_id"`
	DeviceFingerprint   string         `json:"device_fingerprint,omitempty"`
	Intent              string         `json:"intent,omitempty"`
	Capabilities        []string       `json:"capabilities,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	ClientPublicKey     string         `json:"client_public_key,omitempty"`
	ClientECDHPublicKey string         `json:"client_ecdh_public_key,omitempty"`
	ClientECDHSignature string         `json:"client_ecdh_signature,omitempty"`
	ClientECDHTimestamp int64          `json:"client_ecdh_timestamp,omitempty"`
	KeyAgreement        map[string]any `json:"key_agreement,omitempty"`
}

// HandshakeResume reopens an existing thread after a disconnect.
type HandshakeResume struct {
	Type         string `json:"type"`
	LTPVersion   string `json:"ltp_version"`
	ClientID     string `json:"client_id"`
	ThreadID     string `json:"thread_id"`
	ResumeReason string `json:"resume_reason"`
}

// HandshakeAck is the peer's answer, echoing the thread and session ids
// and, when key exchange runs, its own authenticated ephemeral key.
type HandshakeAck struct {
	Type                string         `json:"type"`
	LTPVersion          string         `json:"ltp_version"`
	ThreadID            string         `json:"thread_id"`
	SessionID           string         `json:"session_id"`
	Resumed             bool           `json:"resumed"`
	ServerCapabilities  []string       `json:"server_capabilities,omitempty"`
	HeartbeatIntervalMS uint64         `json:"heartbeat_interval_ms"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	ServerPublicKey     string         `json:"server_public_key,omitempty"`
	ServerECDHPublicKey string         `json:"server_ecdh_public_key,omitempty"`
	ServerECDHSignature string         `json:"server_ecdh_signature,omitempty"`
	ServerECDHTimestamp int64          `json:"server_ecdh_timestamp,omitempty"`
	ServerID            string         `json:"server_id,omitempty"`
}

// HandshakeReject reports a refused handshake.
type HandshakeReject struct {
	Type       string `json:"type"`
	LTPVersion string `json:"ltp_version"`
	Reason     string `json:"reason"`
	SuggestNew bool   `json:"suggest_new"`
}

// BuildHandshakeInit assembles the opening handshake envelope. When ECDH
// is enabled the ephemeral key pair is minted here and the public half
// travels signed under the identity key.
func (c *Client) BuildHandshakeInit(capabilities []string) (*HandshakeInit, error) {
	init := &HandshakeInit{
		Type:         "handshake_init",
		LTPVersion:   LTPVersion,
		ClientID:     c.clientID,
		Capabilities: capabilities,
	}

	if !c.ecdhEnabled {
		return init, nil
	}

	pub, sig, ts, err := c.BeginKeyExchange()
	if err != nil {
		if errors.Is(err, ErrAlreadyStarted) {
			return nil, err
		}
		return nil, fmt.Errorf("client: build handshake init: %w", err)
	}

	init.ClientECDHPublicKey = pub
	init.ClientPublicKey = pub
	init.ClientECDHSignature = sig
	init.ClientECDHTimestamp = ts
	init.KeyAgreement = map[string]any{
		"algorithm": "secp256r1",
		"method":    "ecdh",
		"hkdf":      "sha256",
	}
	return init, nil
}

// BuildHandshakeResume assembles the thread-resumption handshake. It fails
// before the first connect, when no thread exists yet.
func (c *Client) BuildHandshakeResume(reason string) (*HandshakeResume, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.threadID == "" {
		return nil, errors.New("client: no thread to resume")
	}
	if reason == "" {
		reason = "reconnect"
	}
	return &HandshakeResume{
		Type:         "handshake_resume",
		LTPVersion:   LTPVersion,
		ClientID:     c.clientID,
		ThreadID:     c.threadID,
		ResumeReason: reason,
	}, nil
}

// ProcessHandshakeAck adopts the ack's thread and session ids and, when
// the peer offered an ephemeral key, verifies it and derives the session
// key triple. The signing entity defaults to the ack's server id.
func (c *Client) ProcessHandshakeAck(ack *HandshakeAck) error {
	if ack.Type != "handshake_ack" {
		return fmt.Errorf("client: unexpected handshake reply %q", ack.Type)
	}
	if ack.ThreadID == "" || ack.SessionID == "" {
		return errors.New("client: handshake ack missing thread or session id")
	}

	c.mu.Lock()
	c.threadID = ack.ThreadID
	c.sessionID = ack.SessionID
	started := c.ecdhPrivate != ""
	c.mu.Unlock()

	serverKey := ack.ServerECDHPublicKey
	if serverKey == "" {
		serverKey = ack.ServerPublicKey
	}
	if serverKey == "" || !started {
		return nil
	}

	return c.CompleteKeyExchange(serverKey, ack.ServerID, ack.ServerECDHTimestamp, ack.ServerECDHSignature)
}
