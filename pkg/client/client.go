package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ltp-dev/ltp/pkg/protocol"
)

// Sentinel errors surfaced by the client session.
var (
	ErrNotConnected   = errors.New("client: not connected")
	ErrHandshake      = errors.New("client: handshake failed")
	ErrReplayedNonce  = errors.New("client: replayed nonce")
	ErrChainBroken    = errors.New("client: envelope hash chain broken")
	ErrBadSignature   = errors.New("client: envelope signature invalid")
	ErrNoSessionKeys  = errors.New("client: session keys not established")
	ErrAlreadyStarted = errors.New("client: key exchange already started")
)

// Client is an LTP client session. It dials a node, completes the hello
// handshake, and emits protected envelopes. The thread id survives
// reconnects; the session id is re-minted by the node on every connect.
type Client struct {
	url      string
	clientID string
	apiKey   string
	label    string

	identityKey        string
	ecdhEnabled        bool
	metadataEncryption bool
	maxKeyAge          time.Duration
	writeTimeout       time.Duration
	log                *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	threadID  string
	sessionID string

	ecdhPrivate string
	ecdhPublic  string
	keys        *SessionKeys

	lastSentHash     string
	lastReceivedHash string
	seenNonces       map[string]struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithClientLabel sets the label sent in the hello frame.
func WithClientLabel(label string) Option {
	return func(c *Client) { c.label = label }
}

// WithIdentityKey sets the long-lived shared key used for envelope
// signatures and authenticated ECDH.
func WithIdentityKey(key string) Option {
	return func(c *Client) { c.identityKey = key }
}

// WithECDHKeyExchange enables the ephemeral key agreement handshake.
func WithECDHKeyExchange(enable bool) Option {
	return func(c *Client) { c.ecdhEnabled = enable }
}

// WithMetadataEncryption enables AES-GCM sealing of envelope metadata.
// Requires completed key exchange before envelopes are sent.
func WithMetadataEncryption(enable bool) Option {
	return func(c *Client) { c.metadataEncryption = enable }
}

// WithMaxKeyAge bounds how stale a peer's key-exchange signature may be.
func WithMaxKeyAge(d time.Duration) Option {
	return func(c *Client) { c.maxKeyAge = d }
}

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New builds a client for the given node URL and identity.
func New(url, clientID, apiKey string, opts ...Option) *Client {
	c := &Client{
		url:          url,
		clientID:     clientID,
		apiKey:       apiKey,
		maxKeyAge:    time.Minute,
		writeTimeout: 10 * time.Second,
		log:          slog.Default().With("component", "ltp-client"),
		seenNonces:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the node and completes the hello handshake. The api key
// travels both as the X-Api-Key upgrade header and inside the hello frame;
// the node validates both. On first connect a thread id is minted; it is
// reused verbatim on every reconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	header := http.Header{"X-Api-Key": []string{c.apiKey}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", ErrHandshake, err)
	}

	hello, err := protocol.EncodeInbound(&protocol.Hello{APIKey: c.apiKey, ClientLabel: c.label})
	if err != nil {
		conn.Close()
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		conn.Close()
		return fmt.Errorf("%w: send hello: %v", ErrHandshake, err)
	}

	conn.SetReadDeadline(time.Now().Add(c.writeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: read ack: %v", ErrHandshake, err)
	}
	conn.SetReadDeadline(time.Time{})

	frame, err := protocol.DecodeOutbound(data)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	ack, ok := frame.(*protocol.HelloAck)
	if !ok {
		conn.Close()
		if ef, isErr := frame.(*protocol.ErrorFrame); isErr {
			return fmt.Errorf("%w: node replied %s", ErrHandshake, ef.Code)
		}
		return fmt.Errorf("%w: unexpected %T", ErrHandshake, frame)
	}
	if !ack.Accepted || ack.SessionID == "" {
		conn.Close()
		return fmt.Errorf("%w: hello not accepted", ErrHandshake)
	}

	if c.threadID == "" {
		tid, err := mintThreadID()
		if err != nil {
			conn.Close()
			return err
		}
		c.threadID = tid
	}

	c.conn = conn
	c.connected = true
	c.sessionID = ack.SessionID

	// A fresh session invalidates any previously derived keys; the key
	// exchange must rerun against the new session id.
	c.keys = nil
	c.ecdhPrivate = ""
	c.ecdhPublic = ""

	c.log.Info("connected",
		"node_id", ack.NodeID,
		"session_id", ack.SessionID,
		"thread_id", c.threadID)
	return nil
}

// Reconnect tears down the current connection and dials again, resuming
// the same thread. Envelope hash chains restart with the new session.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.connected = false
	}
	c.lastSentHash = ""
	c.lastReceivedHash = ""
	return c.connectLocked(ctx)
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.writeTimeout))
	err := c.conn.Close()
	c.conn = nil
	c.connected = false
	return err
}

// ThreadID returns the stable thread id, empty before the first connect.
func (c *Client) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// SessionID returns the node-minted session id for the live connection.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SendHeartbeat emits a heartbeat frame for the bound session.
func (c *Client) SendHeartbeat(timestampMS int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	return c.writeInbound(&protocol.Heartbeat{SessionID: c.sessionID, TimestampMS: timestampMS})
}

// SendOrientation reports orientation state. The node sends no reply.
func (c *Client) SendOrientation(fm *float64, to *protocol.TimeOrientation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	return c.writeInbound(&protocol.Orientation{
		SessionID:       c.sessionID,
		FocusMomentum:   fm,
		TimeOrientation: to,
	})
}

// RequestRoute asks for a routing suggestion.
func (c *Client) RequestRoute() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	return c.writeInbound(&protocol.RouteRequest{SessionID: c.sessionID})
}

// ReadFrame blocks for the next node frame. Heartbeat acks, route
// suggestions, and errors all surface here.
func (c *Client) ReadFrame() (protocol.Outbound, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeOutbound(data)
}

func (c *Client) writeInbound(f protocol.Inbound) error {
	data, err := protocol.EncodeInbound(f)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// BeginKeyExchange mints the ephemeral key pair and returns the public
// key with its identity-key signature and timestamp, ready to offer to
// the peer.
func (c *Client) BeginKeyExchange() (publicKey, signature string, timestampMS int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ecdhEnabled {
		return "", "", 0, errors.New("client: ecdh key exchange not enabled")
	}
	if c.identityKey == "" {
		return "", "", 0, errors.New("client: identity key required for authenticated ecdh")
	}
	if c.ecdhPrivate != "" {
		return "", "", 0, ErrAlreadyStarted
	}

	pub, priv, err := GenerateECDHKeyPair()
	if err != nil {
		return "", "", 0, err
	}
	c.ecdhPublic = pub
	c.ecdhPrivate = priv

	ts := time.Now().UnixMilli()
	sig := SignECDHPublicKey(pub, c.clientID, ts, c.identityKey)
	return pub, sig, ts, nil
}

// CompleteKeyExchange verifies the peer's authenticated ephemeral key and
// derives the session key triple. peerID names the signing entity (the
// node id).
func (c *Client) CompleteKeyExchange(peerPublicKey, peerID string, peerTimestampMS int64, peerSignature string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ecdhPrivate == "" {
		return errors.New("client: key exchange not started")
	}
	if c.sessionID == "" {
		return ErrNotConnected
	}

	if err := VerifyECDHPublicKey(peerPublicKey, peerID, peerTimestampMS, peerSignature, c.identityKey, c.maxKeyAge.Milliseconds()); err != nil {
		return err
	}

	shared, err := DeriveSharedSecret(c.ecdhPrivate, peerPublicKey)
	if err != nil {
		return err
	}
	keys, err := DeriveSessionKeys(shared, c.sessionID)
	if err != nil {
		return err
	}
	c.keys = &keys

	// The scalar is single-use; drop it as soon as the secret is derived.
	c.ecdhPrivate = ""

	c.log.Info("session keys established", "session_id", c.sessionID)
	return nil
}

// SessionKeysEstablished reports whether the key exchange completed.
func (c *Client) SessionKeysEstablished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys != nil
}

// NewEnvelope builds an unprotected envelope bound to the live session.
func (c *Client) NewEnvelope(msgType, kind string, data any) (*Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("client: marshal payload: %w", err)
	}
	return &Envelope{
		Type:            msgType,
		ThreadID:        c.threadID,
		SessionID:       c.sessionID,
		Timestamp:       time.Now().UnixMilli(),
		ContentEncoding: EncodingJSON,
		Payload:         Payload{Kind: kind, Data: raw},
	}, nil
}

// Protect applies the envelope protections in order: nonce, hash chain,
// signature, then (when enabled) metadata encryption with routing tag.
// The returned hash is the commitment the next envelope chains from; it is
// recorded automatically on Emit.
func (c *Client) Protect(e *Envelope) (hash string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protectLocked(e)
}

func (c *Client) protectLocked(e *Envelope) (string, error) {
	// Nonce: MAC-bound once keys exist, random UUID before the exchange.
	if c.keys != nil {
		nonce, err := GenerateHMACNonce(c.keys.MACKey)
		if err != nil {
			return "", err
		}
		e.Nonce = nonce
	} else {
		nonce, err := RandomNonce()
		if err != nil {
			return "", err
		}
		e.Nonce = nonce
	}

	// Hash chain: commit to the prior envelope.
	if c.lastSentHash != "" {
		e.PrevMessageHash = c.lastSentHash
	}

	// Signature over the canonical subset, before any field is blanked.
	if c.identityKey != "" {
		sig, err := SignEnvelope(e, c.identityKey)
		if err != nil {
			return "", err
		}
		e.Signature = sig
	}

	// The chain hash covers the plaintext form the signature covers.
	hash, err := HashEnvelope(e)
	if err != nil {
		return "", err
	}

	if c.metadataEncryption {
		if c.keys == nil {
			return "", ErrNoSessionKeys
		}
		tag, err := GenerateRoutingTag(e.ThreadID, e.SessionID, c.keys.MACKey)
		if err != nil {
			return "", err
		}
		sealed, err := EncryptMetadata(Metadata{
			ThreadID:  e.ThreadID,
			SessionID: e.SessionID,
			Timestamp: e.Timestamp,
		}, c.keys.EncryptionKey)
		if err != nil {
			return "", err
		}
		e.EncryptedMetadata = sealed
		e.RoutingTag = tag
		e.ThreadID = ""
		e.SessionID = ""
		e.Timestamp = 0
	}

	return hash, nil
}

// Emit protects and sends one envelope, then advances the sent-side chain.
func (c *Client) Emit(e *Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}

	hash, err := c.protectLocked(e)
	if err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("client: marshal envelope: %w", err)
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}

	c.lastSentHash = hash
	return nil
}

// Open verifies and unseals a received envelope: GCM tag and structure
// (during decryption), then the hash chain, then the signature — in that
// order. The envelope is restored to its plaintext form on success.
func (c *Client) Open(e *Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.EncryptedMetadata != "" {
		if c.keys == nil {
			return ErrNoSessionKeys
		}
		meta, err := DecryptMetadata(e.EncryptedMetadata, c.keys.EncryptionKey)
		if err != nil {
			return err
		}
		e.ThreadID = meta.ThreadID
		e.SessionID = meta.SessionID
		e.Timestamp = meta.Timestamp
		e.EncryptedMetadata = ""
		e.RoutingTag = ""
	}

	if e.Nonce != "" {
		if _, seen := c.seenNonces[e.Nonce]; seen {
			return ErrReplayedNonce
		}
		c.seenNonces[e.Nonce] = struct{}{}
	}

	if c.lastReceivedHash != "" && e.PrevMessageHash != c.lastReceivedHash {
		return ErrChainBroken
	}

	if e.Signature != "" && c.identityKey != "" {
		ok, err := VerifyEnvelopeSignature(e, c.identityKey)
		if err != nil {
			return err
		}
		if !ok {
			return ErrBadSignature
		}
	}

	hash, err := HashEnvelope(e)
	if err != nil {
		return err
	}
	c.lastReceivedHash = hash
	return nil
}

func mintThreadID() (string, error) {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("client: mint thread id: %w", err)
	}
	return "thread-" + hex.EncodeToString(buf[:]), nil
}
