package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeHello(t *testing.T) {
	f, err := DecodeInbound([]byte(`{"type":"hello","api_key":"k1","client_label":"probe"}`))
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	hello, ok := f.(*Hello)
	if !ok {
		t.Fatalf("got %T, want *Hello", f)
	}
	if hello.APIKey != "k1" || hello.ClientLabel != "probe" {
		t.Errorf("unexpected hello: %+v", hello)
	}
}

func TestDecodeHelloMissingKey(t *testing.T) {
	if _, err := DecodeInbound([]byte(`{"type":"hello"}`)); err == nil {
		t.Fatal("hello without api_key should fail")
	}
}

func TestDecodeHeartbeat(t *testing.T) {
	f, err := DecodeInbound([]byte(`{"type":"heartbeat","session_id":"s1","timestamp_ms":10}`))
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	hb := f.(*Heartbeat)
	if hb.SessionID != "s1" || hb.TimestampMS != 10 {
		t.Errorf("unexpected heartbeat: %+v", hb)
	}
}

func TestDecodeOrientation(t *testing.T) {
	raw := `{"type":"orientation","session_id":"s1","focus_momentum":0.8,` +
		`"time_orientation":{"direction":"future","strength":0.9}}`
	f, err := DecodeInbound([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	o := f.(*Orientation)
	if o.FocusMomentum == nil || *o.FocusMomentum != 0.8 {
		t.Errorf("focus_momentum = %v, want 0.8", o.FocusMomentum)
	}
	if o.TimeOrientation == nil || o.TimeOrientation.Direction != DirectionFuture {
		t.Errorf("time_orientation = %+v", o.TimeOrientation)
	}
}

func TestDecodeOrientationPartial(t *testing.T) {
	f, err := DecodeInbound([]byte(`{"type":"orientation","session_id":"s1"}`))
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	o := f.(*Orientation)
	if o.FocusMomentum != nil || o.TimeOrientation != nil {
		t.Errorf("absent fields should decode to nil: %+v", o)
	}
}

func TestDecodeRejections(t *testing.T) {
	cases := map[string]string{
		"malformed":         `{"type":`,
		"unknown type":      `{"type":"teleport","session_id":"s1"}`,
		"missing type":      `{"session_id":"s1"}`,
		"wrong typed field": `{"type":"heartbeat","session_id":"s1","timestamp_ms":"ten"}`,
		"momentum range":    `{"type":"orientation","session_id":"s1","focus_momentum":1.5}`,
		"bad direction":     `{"type":"orientation","session_id":"s1","time_orientation":{"direction":"sideways","strength":0.5}}`,
		"strength range":    `{"type":"orientation","session_id":"s1","time_orientation":{"direction":"past","strength":2}}`,
		"empty session":     `{"type":"route_request","session_id":""}`,
	}
	for name, raw := range cases {
		if _, err := DecodeInbound([]byte(raw)); err == nil {
			t.Errorf("%s: expected decode failure for %s", name, raw)
		}
	}
}

func TestEncodeOutboundDiscriminators(t *testing.T) {
	cases := []struct {
		frame Outbound
		typ   string
	}{
		{&HelloAck{NodeID: "n1", Accepted: true, SessionID: "s1"}, "hello_ack"},
		{&HeartbeatAck{SessionID: "s1", TimestampMS: 7}, "heartbeat_ack"},
		{&RouteSuggestion{SessionID: "s1", SuggestedSector: string(SectorBaseNeutral)}, "route_suggestion"},
		{&ErrorFrame{Code: ErrForbidden, Message: "nope"}, "error"},
	}
	for _, tc := range cases {
		data, err := EncodeOutbound(tc.frame)
		if err != nil {
			t.Fatalf("EncodeOutbound(%T): %v", tc.frame, err)
		}
		var env map[string]any
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("re-parse: %v", err)
		}
		if env["type"] != tc.typ {
			t.Errorf("type = %v, want %s", env["type"], tc.typ)
		}
	}
}

func TestErrorCodeScreamingSnake(t *testing.T) {
	data, err := EncodeOutbound(&ErrorFrame{Code: ErrRateLimit})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"RATE_LIMIT"`) {
		t.Errorf("error code not SCREAMING_SNAKE_CASE: %s", data)
	}
}

func TestOutboundRoundTrip(t *testing.T) {
	frames := []Outbound{
		&HelloAck{NodeID: "n1", Accepted: true, SessionID: "abc"},
		&HeartbeatAck{SessionID: "abc", TimestampMS: 42},
		&RouteSuggestion{
			SessionID:       "abc",
			SuggestedSector: "future_planning-high-momentum",
			Reason:          "client oriented to future",
			Debug:           &RouteDebug{FocusMomentum: ptr(0.8)},
		},
		&ErrorFrame{Code: ErrInvalid, Message: "bad frame"},
	}
	for _, f := range frames {
		data, err := EncodeOutbound(f)
		if err != nil {
			t.Fatalf("encode %T: %v", f, err)
		}
		back, err := DecodeOutbound(data)
		if err != nil {
			t.Fatalf("decode %T: %v", f, err)
		}
		a, _ := json.Marshal(f)
		b, _ := json.Marshal(back)
		if string(a) != string(b) {
			t.Errorf("round trip mismatch:\n%s\n%s", a, b)
		}
	}
}

func TestOmittedFieldsAbsent(t *testing.T) {
	data, err := EncodeOutbound(&RouteSuggestion{SessionID: "s1", SuggestedSector: "base_neutral"})
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	if strings.Contains(s, "reason") || strings.Contains(s, "debug") || strings.Contains(s, "null") {
		t.Errorf("omitted fields must not be serialized: %s", s)
	}
}

func TestSessionIDHelper(t *testing.T) {
	if got := SessionID(&Hello{APIKey: "k"}); got != "" {
		t.Errorf("hello session id = %q, want empty", got)
	}
	if got := SessionID(&Heartbeat{SessionID: "s9"}); got != "s9" {
		t.Errorf("heartbeat session id = %q", got)
	}
}

func ptr(f float64) *float64 { return &f }
