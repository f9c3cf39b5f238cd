package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeError wraps every decode failure so callers can map it to the
// INVALID wire code without inspecting the cause.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(reason string, err error) error {
	return &DecodeError{Reason: reason, Err: err}
}

// envelope peels off the discriminator before the typed second pass.
type envelope struct {
	Type string `json:"type"`
}

// DecodeInbound parses one text frame into its tagged variant. It fails on
// malformed JSON, an unknown or missing type, wrong-typed fields, and
// out-of-range orientation values.
func DecodeInbound(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, decodeErr("malformed frame", err)
	}

	switch env.Type {
	case "hello":
		var f Hello
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, decodeErr("malformed hello", err)
		}
		if f.APIKey == "" {
			return nil, decodeErr("hello missing api_key", nil)
		}
		return &f, nil

	case "heartbeat":
		var f Heartbeat
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, decodeErr("malformed heartbeat", err)
		}
		if f.SessionID == "" {
			return nil, decodeErr("heartbeat missing session_id", nil)
		}
		return &f, nil

	case "orientation":
		var f Orientation
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, decodeErr("malformed orientation", err)
		}
		if f.SessionID == "" {
			return nil, decodeErr("orientation missing session_id", nil)
		}
		if f.FocusMomentum != nil && (*f.FocusMomentum < 0 || *f.FocusMomentum > 1) {
			return nil, decodeErr("focus_momentum out of range", nil)
		}
		if f.TimeOrientation != nil {
			if !f.TimeOrientation.Direction.Valid() {
				return nil, decodeErr("unknown time_orientation direction", nil)
			}
			if f.TimeOrientation.Strength < 0 || f.TimeOrientation.Strength > 1 {
				return nil, decodeErr("time_orientation strength out of range", nil)
			}
		}
		return &f, nil

	case "route_request":
		var f RouteRequest
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, decodeErr("malformed route_request", err)
		}
		if f.SessionID == "" {
			return nil, decodeErr("route_request missing session_id", nil)
		}
		return &f, nil

	case "":
		return nil, decodeErr("missing type", nil)

	default:
		return nil, decodeErr("unknown type "+env.Type, nil)
	}
}

// EncodeOutbound serializes an outbound frame with its snake_case
// discriminator. Encoding is total over the defined variants.
func EncodeOutbound(f Outbound) ([]byte, error) {
	switch v := f.(type) {
	case *HelloAck:
		return json.Marshal(struct {
			Type string `json:"type"`
			*HelloAck
		}{"hello_ack", v})
	case *HeartbeatAck:
		return json.Marshal(struct {
			Type string `json:"type"`
			*HeartbeatAck
		}{"heartbeat_ack", v})
	case *RouteSuggestion:
		return json.Marshal(struct {
			Type string `json:"type"`
			*RouteSuggestion
		}{"route_suggestion", v})
	case *ErrorFrame:
		return json.Marshal(struct {
			Type string `json:"type"`
			*ErrorFrame
		}{"error", v})
	default:
		return nil, fmt.Errorf("protocol: unencodable frame %T", f)
	}
}

// EncodeInbound serializes an inbound frame with its discriminator. The
// client library uses it to emit frames; the node uses it to record the
// accepted frame in the trace log exactly as dispatched.
func EncodeInbound(f Inbound) ([]byte, error) {
	switch v := f.(type) {
	case *Hello:
		return json.Marshal(struct {
			Type string `json:"type"`
			*Hello
		}{"hello", v})
	case *Heartbeat:
		return json.Marshal(struct {
			Type string `json:"type"`
			*Heartbeat
		}{"heartbeat", v})
	case *Orientation:
		return json.Marshal(struct {
			Type string `json:"type"`
			*Orientation
		}{"orientation", v})
	case *RouteRequest:
		return json.Marshal(struct {
			Type string `json:"type"`
			*RouteRequest
		}{"route_request", v})
	default:
		return nil, fmt.Errorf("protocol: unencodable frame %T", f)
	}
}

// InboundType returns the wire discriminator of an inbound frame.
func InboundType(f Inbound) string {
	switch f.(type) {
	case *Hello:
		return "hello"
	case *Heartbeat:
		return "heartbeat"
	case *Orientation:
		return "orientation"
	case *RouteRequest:
		return "route_request"
	}
	return "unknown"
}

// DecodeOutbound parses a frame emitted by a node. The client library uses
// it to process acks and errors; the node itself never reads these.
func DecodeOutbound(data []byte) (Outbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, decodeErr("malformed frame", err)
	}

	switch env.Type {
	case "hello_ack":
		var f HelloAck
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, decodeErr("malformed hello_ack", err)
		}
		return &f, nil
	case "heartbeat_ack":
		var f HeartbeatAck
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, decodeErr("malformed heartbeat_ack", err)
		}
		return &f, nil
	case "route_suggestion":
		var f RouteSuggestion
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, decodeErr("malformed route_suggestion", err)
		}
		return &f, nil
	case "error":
		var f ErrorFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, decodeErr("malformed error", err)
		}
		return &f, nil
	case "":
		return nil, decodeErr("missing type", nil)
	default:
		return nil, decodeErr("unknown type "+env.Type, nil)
	}
}
