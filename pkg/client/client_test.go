package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ltp-dev/ltp/internal/auth"
	"github.com/ltp-dev/ltp/internal/server"
	"github.com/ltp-dev/ltp/internal/store"
	"github.com/ltp-dev/ltp/pkg/protocol"
)

// startNode runs a real node for the client to dial.
func startNode(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	keysPath := filepath.Join(dir, "keys.json")
	if err := os.WriteFile(keysPath, []byte(`{"id1":"k1"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	reg, err := auth.New(auth.ModeAPIKey, keysPath, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	cfg := server.DefaultConfig()
	srv := server.New(cfg, store.New(), reg, nil, server.NewMetrics())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestConnectAndHeartbeat(t *testing.T) {
	url := startNode(t)
	c := New(url, "client-a", "k1", WithClientLabel("test"))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if c.SessionID() == "" {
		t.Fatal("no session id after connect")
	}
	if !strings.HasPrefix(c.ThreadID(), "thread-") {
		t.Errorf("thread id = %q", c.ThreadID())
	}

	if err := c.SendHeartbeat(42); err != nil {
		t.Fatalf("SendHeartbeat: %v", err)
	}
	frame, err := c.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	ack, ok := frame.(*protocol.HeartbeatAck)
	if !ok || ack.TimestampMS != 42 {
		t.Errorf("unexpected reply: %#v", frame)
	}
}

func TestOrientationAndRoute(t *testing.T) {
	url := startNode(t)
	c := New(url, "client-a", "k1")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	fm := 0.8
	to := protocol.TimeOrientation{Direction: protocol.DirectionFuture, Strength: 0.9}
	if err := c.SendOrientation(&fm, &to); err != nil {
		t.Fatal(err)
	}
	if err := c.RequestRoute(); err != nil {
		t.Fatal(err)
	}

	frame, err := c.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	suggestion, ok := frame.(*protocol.RouteSuggestion)
	if !ok {
		t.Fatalf("unexpected reply: %#v", frame)
	}
	if !strings.Contains(suggestion.SuggestedSector, "future_planning") {
		t.Errorf("sector = %q", suggestion.SuggestedSector)
	}
}

func TestReconnectKeepsThread(t *testing.T) {
	url := startNode(t)
	c := New(url, "client-a", "k1")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	thread := c.ThreadID()
	session := c.SessionID()

	if err := c.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	defer c.Close()

	if c.ThreadID() != thread {
		t.Errorf("thread id changed across reconnect: %q -> %q", thread, c.ThreadID())
	}
	if c.SessionID() == session {
		t.Error("session id should be re-minted on reconnect")
	}
}

func TestConnectRejectedKey(t *testing.T) {
	url := startNode(t)
	c := New(url, "client-a", "wrong")
	if err := c.Connect(context.Background()); !errors.Is(err, ErrHandshake) {
		t.Errorf("expected handshake error, got %v", err)
	}
}

// pairedClients returns two clients sharing an identity key with a
// completed key exchange, without a node (crypto is peer-to-peer).
func pairedClients(t *testing.T) (*Client, *Client) {
	t.Helper()
	a := New("ws://unused", "client-a", "k1",
		WithIdentityKey("shared-identity"),
		WithECDHKeyExchange(true),
		WithMetadataEncryption(true))
	b := New("ws://unused", "client-b", "k1",
		WithIdentityKey("shared-identity"),
		WithECDHKeyExchange(true),
		WithMetadataEncryption(true))

	// Both ends pretend the node minted the same session.
	a.sessionID = "s1"
	b.sessionID = "s1"
	a.threadID = "thread-fixed"
	b.threadID = "thread-fixed"

	aPub, aSig, aTS, err := a.BeginKeyExchange()
	if err != nil {
		t.Fatal(err)
	}
	bPub, bSig, bTS, err := b.BeginKeyExchange()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.CompleteKeyExchange(bPub, "client-b", bTS, bSig); err != nil {
		t.Fatalf("a.CompleteKeyExchange: %v", err)
	}
	if err := b.CompleteKeyExchange(aPub, "client-a", aTS, aSig); err != nil {
		t.Fatalf("b.CompleteKeyExchange: %v", err)
	}
	return a, b
}

func TestKeyExchangeDerivesMatchingKeys(t *testing.T) {
	a, b := pairedClients(t)
	if !a.SessionKeysEstablished() || !b.SessionKeysEstablished() {
		t.Fatal("keys not established")
	}
	if a.keys.EncryptionKey != b.keys.EncryptionKey {
		t.Error("both ends must derive the same encryption key")
	}
	if a.keys.MACKey != b.keys.MACKey {
		t.Error("both ends must derive the same mac key")
	}
}

func TestProtectOrderAndOpen(t *testing.T) {
	a, b := pairedClients(t)

	e := &Envelope{
		Type:            "state_update",
		ThreadID:        a.threadID,
		SessionID:       a.sessionID,
		Timestamp:       time.Now().UnixMilli(),
		ContentEncoding: EncodingJSON,
		Payload:         Payload{Kind: "test", Data: json.RawMessage(`{"v":1}`)},
	}

	hash, err := a.Protect(e)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if hash == "" {
		t.Fatal("Protect returned no chain hash")
	}

	// After protection the plaintext metadata is blanked and sealed.
	if e.ThreadID != "" || e.SessionID != "" || e.Timestamp != 0 {
		t.Errorf("plaintext fields not blanked: %+v", e)
	}
	if e.EncryptedMetadata == "" || e.RoutingTag == "" {
		t.Error("sealed fields missing")
	}
	if !strings.HasPrefix(e.Nonce, "hmac-") {
		t.Errorf("nonce should be MAC-bound after the exchange: %s", e.Nonce)
	}
	if e.Signature == "" {
		t.Error("signature missing")
	}

	// The receiving side restores and verifies.
	if err := b.Open(e); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if e.ThreadID != "thread-fixed" || e.SessionID != "s1" {
		t.Errorf("metadata not restored: %+v", e)
	}
}

func TestOpenRejectsReplay(t *testing.T) {
	a, b := pairedClients(t)

	e := &Envelope{
		Type: "state_update", ThreadID: a.threadID, SessionID: a.sessionID,
		Timestamp: time.Now().UnixMilli(), ContentEncoding: EncodingJSON,
		Payload: Payload{Kind: "test", Data: json.RawMessage(`{}`)},
	}
	if _, err := a.Protect(e); err != nil {
		t.Fatal(err)
	}

	// Deliver the identical envelope twice.
	var replay Envelope
	raw, _ := json.Marshal(e)
	json.Unmarshal(raw, &replay)

	if err := b.Open(e); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := b.Open(&replay); !errors.Is(err, ErrReplayedNonce) {
		t.Errorf("replay should be rejected, got %v", err)
	}
}

func TestOpenRejectsBrokenChain(t *testing.T) {
	a, b := pairedClients(t)

	build := func() *Envelope {
		return &Envelope{
			Type: "state_update", ThreadID: "thread-fixed", SessionID: "s1",
			Timestamp: time.Now().UnixMilli(), ContentEncoding: EncodingJSON,
			Payload: Payload{Kind: "test", Data: json.RawMessage(`{}`)},
		}
	}

	first := build()
	hash1, err := a.Protect(first)
	if err != nil {
		t.Fatal(err)
	}
	a.lastSentHash = hash1

	second := build()
	if _, err := a.Protect(second); err != nil {
		t.Fatal(err)
	}
	if second.PrevMessageHash != hash1 {
		t.Fatalf("second envelope chains from %q, want %q", second.PrevMessageHash, hash1)
	}

	if err := b.Open(first); err != nil {
		t.Fatal(err)
	}

	// Tamper with the chain pointer: verification order reaches the chain
	// check after decryption and before the signature.
	second.PrevMessageHash = strings.Repeat("f", 64)
	if err := b.Open(second); !errors.Is(err, ErrChainBroken) {
		t.Errorf("broken chain should be rejected, got %v", err)
	}
}

func TestProtectWithoutKeysUsesFallbackNonce(t *testing.T) {
	c := New("ws://unused", "client-a", "k1", WithIdentityKey("id-key"))
	c.threadID = "thread-x"
	c.sessionID = "s1"

	e := &Envelope{
		Type: "event", ThreadID: "thread-x", SessionID: "s1",
		Timestamp: 1, ContentEncoding: EncodingJSON,
		Payload: Payload{Kind: "k", Data: json.RawMessage(`{}`)},
	}
	if _, err := c.Protect(e); err != nil {
		t.Fatal(err)
	}
	if strings.HasPrefix(e.Nonce, "hmac-") {
		t.Error("pre-exchange nonce should be the random fallback")
	}
	if e.EncryptedMetadata != "" {
		t.Error("metadata must stay plaintext when encryption is off")
	}
}

func TestProtectRequiresKeysForEncryption(t *testing.T) {
	c := New("ws://unused", "client-a", "k1",
		WithIdentityKey("id-key"), WithMetadataEncryption(true))
	c.threadID = "t"
	c.sessionID = "s"

	e := &Envelope{Type: "event", ThreadID: "t", SessionID: "s", Timestamp: 1,
		ContentEncoding: EncodingJSON, Payload: Payload{Kind: "k", Data: json.RawMessage(`{}`)}}
	if _, err := c.Protect(e); !errors.Is(err, ErrNoSessionKeys) {
		t.Errorf("expected ErrNoSessionKeys, got %v", err)
	}
}
