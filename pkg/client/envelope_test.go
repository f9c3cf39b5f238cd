package client

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEnvelopeOmitsAbsentFields(t *testing.T) {
	e := &Envelope{
		Type:            "event",
		ThreadID:        "thread-1",
		Timestamp:       1,
		ContentEncoding: EncodingJSON,
		Payload:         Payload{Kind: "k", Data: json.RawMessage(`{}`)},
	}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)

	for _, field := range []string{
		"session_id", "meta", "nonce", "signature",
		"prev_message_hash", "encrypted_metadata", "routing_tag",
	} {
		if strings.Contains(s, `"`+field+`"`) {
			t.Errorf("absent field %q serialized: %s", field, s)
		}
	}
	if strings.Contains(s, "null") {
		t.Errorf("no field may serialize as null: %s", s)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	e := &Envelope{
		Type:            "state_update",
		ThreadID:        "thread-1",
		SessionID:       "s1",
		Timestamp:       1712345678,
		ContentEncoding: EncodingTOON,
		Payload:         Payload{Kind: "orientation", Data: json.RawMessage(`{"v":2}`)},
		Meta:            map[string]any{"tag": "x"},
		Nonce:           "n-1",
		Signature:       "sig",
		PrevMessageHash: strings.Repeat("a", 64),
	}

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var back Envelope
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Type != e.Type || back.ThreadID != e.ThreadID || back.ContentEncoding != EncodingTOON {
		t.Errorf("round trip mismatch: %+v", back)
	}
	if back.Meta["tag"] != "x" || back.PrevMessageHash != e.PrevMessageHash {
		t.Errorf("round trip mismatch: %+v", back)
	}
}

func TestUnmarshalStrictMetadata(t *testing.T) {
	var meta Metadata
	good := []byte(`{"thread_id":"t","session_id":"s","timestamp":5}`)
	if err := unmarshalStrictMetadata(good, &meta); err != nil {
		t.Fatalf("valid metadata rejected: %v", err)
	}
	if meta.Timestamp != 5 {
		t.Errorf("meta = %+v", meta)
	}

	for _, bad := range []string{
		`{"thread_id":"t","session_id":"s"}`,
		`{"thread_id":"t","timestamp":5}`,
		`{}`,
		`[]`,
	} {
		if err := unmarshalStrictMetadata([]byte(bad), &meta); err == nil {
			t.Errorf("structure %s should be rejected", bad)
		}
	}
}
