// Package client is the LTP client library: it dials a node, runs the
// authenticated key-exchange handshake, and builds, protects, and verifies
// envelopes.
//
// The crypto in this file mirrors the protocol's v0.6 security surface:
// ephemeral P-256 ECDH with HMAC-signed public keys, HKDF-SHA256 session
// keys, AES-256-GCM metadata encryption, HMAC routing tags, HMAC-bound
// nonces, and SHA-256 envelope hash chaining. All key material crosses API
// boundaries hex-encoded.
package client

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/ltp-dev/ltp/pkg/trace"
)

// Session key derivation parameters. The salt binds keys to one session.
const (
	kdfSaltPrefix  = "ltp-v0.5-"
	infoEncryption = "ltp-encryption-key"
	infoMAC        = "ltp-mac-key"
	infoIV         = "ltp-iv-key"

	encryptionKeyLen = 32
	macKeyLen        = 32
	ivKeyLen         = 16

	gcmIVLen  = 12
	gcmTagLen = 16

	// maxFutureSkewMS bounds how far ahead a peer's key-exchange timestamp
	// may sit before it is rejected as coming from the future.
	maxFutureSkewMS = 5000
)

// hmacSHA256Hex computes HMAC-SHA256 over input and returns lowercase hex.
func hmacSHA256Hex(input, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(input))
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateHMACNonce builds a nonce bound to the session MAC key:
// hmac-{rand16 hex}-{ts_ms}-{hmac(ts-rand, mac_key)[:32]}. Random entropy
// gives uniqueness, the timestamp ordering, and the digest prefix
// authenticity.
func GenerateHMACNonce(macKey string) (string, error) {
	var randomBytes [16]byte
	if _, err := rand.Read(randomBytes[:]); err != nil {
		return "", fmt.Errorf("client: nonce entropy: %w", err)
	}
	randomHex := hex.EncodeToString(randomBytes[:])
	ts := time.Now().UnixMilli()

	digest := hmacSHA256Hex(fmt.Sprintf("%d-%s", ts, randomHex), macKey)
	return fmt.Sprintf("hmac-%s-%d-%s", randomHex, ts, digest[:32]), nil
}

// RandomNonce is the pre-exchange fallback: a v4-UUID-shaped random id.
func RandomNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("client: nonce entropy: %w", err)
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16]), nil
}

// GenerateECDHKeyPair mints an ephemeral P-256 key pair. The public key is
// hex of the uncompressed SEC1 point (0x04 || x || y); the private key is
// hex of the 32-byte scalar.
func GenerateECDHKeyPair() (publicHex, privateHex string, err error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("client: generate ecdh key: %w", err)
	}
	return hex.EncodeToString(priv.PublicKey().Bytes()), hex.EncodeToString(priv.Bytes()), nil
}

// DeriveSharedSecret runs ECDH between our private scalar and the peer's
// public point, returning the 32-byte shared secret as hex.
func DeriveSharedSecret(privateHex, peerPublicHex string) (string, error) {
	privBytes, err := hex.DecodeString(privateHex)
	if err != nil {
		return "", fmt.Errorf("client: decode private key: %w", err)
	}
	priv, err := ecdh.P256().NewPrivateKey(privBytes)
	if err != nil {
		return "", fmt.Errorf("client: parse private key: %w", err)
	}

	peerBytes, err := hex.DecodeString(peerPublicHex)
	if err != nil {
		return "", fmt.Errorf("client: decode peer public key: %w", err)
	}
	peer, err := ecdh.P256().NewPublicKey(peerBytes)
	if err != nil {
		return "", fmt.Errorf("client: parse peer public key: %w", err)
	}

	shared, err := priv.ECDH(peer)
	if err != nil {
		return "", fmt.Errorf("client: ecdh: %w", err)
	}
	return hex.EncodeToString(shared), nil
}

// deriveKey expands one HKDF-SHA256 subkey.
func deriveKey(sharedSecretHex, salt, info string, length int) (string, error) {
	secret, err := hex.DecodeString(sharedSecretHex)
	if err != nil {
		return "", fmt.Errorf("client: decode shared secret: %w", err)
	}

	saltBytes := []byte(salt)
	if salt == "" {
		saltBytes = make([]byte, 32)
	}

	okm := make([]byte, length)
	kdf := hkdf.New(sha256.New, secret, saltBytes, []byte(info))
	if _, err := io.ReadFull(kdf, okm); err != nil {
		return "", fmt.Errorf("client: hkdf expand: %w", err)
	}
	return hex.EncodeToString(okm), nil
}

// SessionKeys is the HKDF-derived triple for one session.
type SessionKeys struct {
	EncryptionKey string
	MACKey        string
	IVKey         string
}

// DeriveSessionKeys derives the encryption, MAC, and IV subkeys from an
// ECDH shared secret, salted with the session id.
func DeriveSessionKeys(sharedSecretHex, sessionID string) (SessionKeys, error) {
	salt := kdfSaltPrefix + sessionID

	enc, err := deriveKey(sharedSecretHex, salt, infoEncryption, encryptionKeyLen)
	if err != nil {
		return SessionKeys{}, err
	}
	mac, err := deriveKey(sharedSecretHex, salt, infoMAC, macKeyLen)
	if err != nil {
		return SessionKeys{}, err
	}
	iv, err := deriveKey(sharedSecretHex, salt, infoIV, ivKeyLen)
	if err != nil {
		return SessionKeys{}, err
	}
	return SessionKeys{EncryptionKey: enc, MACKey: mac, IVKey: iv}, nil
}

// SignECDHPublicKey authenticates an ephemeral public key against the
// long-lived identity key, binding it to the entity and a timestamp.
func SignECDHPublicKey(publicKey, entityID string, timestampMS int64, identityKey string) string {
	input := fmt.Sprintf("%s:%s:%d", publicKey, entityID, timestampMS)
	return hmacSHA256Hex(input, identityKey)
}

// VerifyECDHPublicKey checks a peer's key signature. Signatures older than
// maxAgeMS or more than a small skew in the future are rejected before the
// constant-time digest comparison.
func VerifyECDHPublicKey(publicKey, entityID string, timestampMS int64, signature, identityKey string, maxAgeMS int64) error {
	age := time.Now().UnixMilli() - timestampMS
	if age > maxAgeMS {
		return fmt.Errorf("client: ecdh key signature expired (age %dms, max %dms)", age, maxAgeMS)
	}
	if age < -maxFutureSkewMS {
		return fmt.Errorf("client: ecdh key signature from the future (skew %dms)", -age)
	}

	expected := SignECDHPublicKey(publicKey, entityID, timestampMS, identityKey)
	if subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) != 1 {
		return errors.New("client: ecdh key signature mismatch")
	}
	return nil
}

// HashEnvelope returns the SHA-256 commitment over the envelope's
// canonical subset; hash chains are built from these.
func HashEnvelope(e *Envelope) (string, error) {
	canonical, err := trace.CanonicalBytes(e.canonicalForm())
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// SignEnvelope computes the HMAC-SHA256 signature over the canonical
// subset under the identity key.
func SignEnvelope(e *Envelope, identityKey string) (string, error) {
	canonical, err := trace.CanonicalBytes(e.canonicalForm())
	if err != nil {
		return "", err
	}
	return hmacSHA256Hex(string(canonical), identityKey), nil
}

// VerifyEnvelopeSignature recomputes the signature and compares it in
// constant time against the envelope's Signature field.
func VerifyEnvelopeSignature(e *Envelope, identityKey string) (bool, error) {
	if e.Signature == "" {
		return false, errors.New("client: envelope carries no signature")
	}
	expected, err := SignEnvelope(e, identityKey)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(e.Signature), []byte(expected)) == 1, nil
}

// EncryptMetadata seals the sensitive field triple with AES-256-GCM under
// the HKDF-derived encryption key. Output format: hex(ct):hex(iv):hex(tag).
func EncryptMetadata(meta Metadata, encryptionKeyHex string) (string, error) {
	plaintext, err := trace.CanonicalBytes(meta)
	if err != nil {
		return "", err
	}

	aead, err := newGCM(encryptionKeyHex)
	if err != nil {
		return "", err
	}

	iv := make([]byte, gcmIVLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("client: iv entropy: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)
	ct := sealed[:len(sealed)-gcmTagLen]
	tag := sealed[len(sealed)-gcmTagLen:]

	return fmt.Sprintf("%s:%s:%s", hex.EncodeToString(ct), hex.EncodeToString(iv), hex.EncodeToString(tag)), nil
}

// DecryptMetadata opens an encrypted_metadata blob, verifying the GCM tag
// first and the field structure second.
func DecryptMetadata(blob, encryptionKeyHex string) (Metadata, error) {
	parts := strings.Split(blob, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Metadata{}, errors.New("client: invalid encrypted metadata format, expected ct:iv:tag")
	}

	ct, err := hex.DecodeString(parts[0])
	if err != nil {
		return Metadata{}, fmt.Errorf("client: decode ciphertext: %w", err)
	}
	iv, err := hex.DecodeString(parts[1])
	if err != nil {
		return Metadata{}, fmt.Errorf("client: decode iv: %w", err)
	}
	tag, err := hex.DecodeString(parts[2])
	if err != nil {
		return Metadata{}, fmt.Errorf("client: decode tag: %w", err)
	}
	if len(iv) != gcmIVLen {
		return Metadata{}, errors.New("client: invalid iv length, expected 12 bytes")
	}

	aead, err := newGCM(encryptionKeyHex)
	if err != nil {
		return Metadata{}, err
	}

	plaintext, err := aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("client: metadata decryption failed: %w", err)
	}

	var meta Metadata
	if err := unmarshalStrictMetadata(plaintext, &meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// GenerateRoutingTag derives the short dispatch tag the node routes by
// when plaintext metadata is sealed: HMAC(mac_key, thread:session)[:32].
func GenerateRoutingTag(threadID, sessionID, macKeyHex string) (string, error) {
	macKey, err := hex.DecodeString(macKeyHex)
	if err != nil {
		return "", fmt.Errorf("client: decode mac key: %w", err)
	}

	mac := hmac.New(sha256.New, macKey)
	mac.Write([]byte(threadID + ":" + sessionID))
	digest := hex.EncodeToString(mac.Sum(nil))
	return digest[:32], nil
}

func newGCM(keyHex string) (cipher.AEAD, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("client: decode encryption key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("client: invalid encryption key: %w", err)
	}
	return cipher.NewGCM(block)
}
