package client

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ContentEncoding names the payload serialization of an envelope.
type ContentEncoding string

const (
	EncodingJSON ContentEncoding = "json"
	EncodingTOON ContentEncoding = "toon"
)

// Payload is the typed body of an envelope.
type Payload struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Envelope is the client-side message unit. Optional fields are omitted
// from the wire entirely rather than serialized as null. ThreadID stays
// stable across reconnects; SessionID is the server-minted binding for the
// current connection.
type Envelope struct {
	Type              string          `json:"type"`
	ThreadID          string          `json:"thread_id"`
	SessionID         string          `json:"session_id,omitempty"`
	Timestamp         int64           `json:"timestamp"`
	ContentEncoding   ContentEncoding `json:"content_encoding"`
	Payload           Payload         `json:"payload"`
	Meta              map[string]any  `json:"meta,omitempty"`
	Nonce             string          `json:"nonce,omitempty"`
	Signature         string          `json:"signature,omitempty"`
	PrevMessageHash   string          `json:"prev_message_hash,omitempty"`
	EncryptedMetadata string          `json:"encrypted_metadata,omitempty"`
	RoutingTag        string          `json:"routing_tag,omitempty"`
}

// Metadata is the sensitive field triple sealed by metadata encryption.
type Metadata struct {
	ThreadID  string `json:"thread_id"`
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
}

// unmarshalStrictMetadata parses a decrypted metadata blob and rejects it
// unless all three fields are present.
func unmarshalStrictMetadata(data []byte, meta *Metadata) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("client: parse decrypted metadata: %w", err)
	}
	for _, field := range []string{"thread_id", "session_id", "timestamp"} {
		if _, ok := raw[field]; !ok {
			return errors.New("client: invalid decrypted metadata structure")
		}
	}
	return json.Unmarshal(data, meta)
}

// canonicalForm extracts the subset of fields hashes and signatures cover,
// with the defaults the dialect prescribes for absent values. Object keys
// sort during canonical serialization.
func (e *Envelope) canonicalForm() map[string]any {
	payload := any(map[string]any{})
	if e.Payload.Kind != "" || len(e.Payload.Data) > 0 {
		payload = e.Payload
	}
	meta := any(map[string]any{})
	if e.Meta != nil {
		meta = e.Meta
	}
	return map[string]any{
		"type":             e.Type,
		"thread_id":        e.ThreadID,
		"session_id":       e.SessionID,
		"timestamp":        e.Timestamp,
		"nonce":            e.Nonce,
		"payload":          payload,
		"meta":             meta,
		"content_encoding": string(e.ContentEncoding),
	}
}
