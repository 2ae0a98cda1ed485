package protocol

import (
	"encoding/json"
	"fmt"
)

// Client to server frames.

type Handshake struct {
	Type            string `json:"type"`
	ID              string `json:"id"`
	ProtocolVersion int    `json:"protocolVersion"`
}

func NewHandshake(id string) Handshake {
	return Handshake{Type: TypeHandshake, ID: id, ProtocolVersion: Version}
}

// Query doubles as the mutation frame; the two differ only in Type.
type Query struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
	Select SelectTree      `json:"select,omitempty"`
}

type Subscribe struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
	Fields FieldSet        `json:"fields,omitempty"`
}

type Unsubscribe struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type UpdateFields struct {
	Type   string   `json:"type"`
	ID     string   `json:"id"`
	Fields FieldSet `json:"fields"`
}

// ReconnectSubscription is the client's last known position for one
// subscription, presented during reconnect.
type ReconnectSubscription struct {
	ID       string   `json:"id"`
	Entity   string   `json:"entity"`
	EntityID string   `json:"entityId"`
	Fields   FieldSet `json:"fields,omitempty"`
	Version  int64    `json:"version"`
	DataHash string   `json:"dataHash,omitempty"`
}

type Reconnect struct {
	Type            string                  `json:"type"`
	ProtocolVersion int                     `json:"protocolVersion"`
	ReconnectID     string                  `json:"reconnectId"`
	ClientTime      int64                   `json:"clientTime"`
	Subscriptions   []ReconnectSubscription `json:"subscriptions"`
}

// Server to client frames.

type HandshakeAck struct {
	Type          string   `json:"type"`
	ID            string   `json:"id"`
	Version       int      `json:"version"`
	Queries       []string `json:"queries"`
	Mutations     []string `json:"mutations"`
	Subscriptions []string `json:"subscriptions"`
}

type Data struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

type ErrorFrame struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Error *Error `json:"error"`
}

func NewErrorFrame(id string, err *Error) ErrorFrame {
	return ErrorFrame{Type: TypeError, ID: id, Error: err}
}

type SubscriptionAck struct {
	Type     string         `json:"type"`
	ID       string         `json:"id"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entityId"`
	Version  int64          `json:"version"`
	Data     map[string]any `json:"data"`
	DataHash string         `json:"dataHash,omitempty"`
}

// UpdateFrame carries one emit's worth of per-field updates for a single
// subscription. Version labels the entity state the updates produce.
type UpdateFrame struct {
	Type     string            `json:"type"`
	ID       string            `json:"id"`
	Entity   string            `json:"entity"`
	EntityID string            `json:"entityId"`
	Version  int64             `json:"version,omitempty"`
	Updates  map[string]Update `json:"updates"`
}

type Complete struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Reconnect result statuses.
const (
	StatusCurrent  = "current"
	StatusPatched  = "patched"
	StatusSnapshot = "snapshot"
	StatusDeleted  = "deleted"
	StatusError    = "error"
)

// ReconnectResult is the server's catch-up decision for one subscription.
// Patched results carry one patch-op array per intervening version, in
// ascending version order.
type ReconnectResult struct {
	Status   string         `json:"status"`
	Version  int64          `json:"version"`
	Data     map[string]any `json:"data,omitempty"`
	DataHash string         `json:"dataHash,omitempty"`
	Patches  [][]PatchOp    `json:"patches,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type ReconnectAck struct {
	Type           string                     `json:"type"`
	ReconnectID    string                     `json:"reconnectId"`
	ServerTime     int64                      `json:"serverTime"`
	ProcessingTime int64                      `json:"processingTime"`
	Results        map[string]ReconnectResult `json:"results"`
}

// PeekType extracts the type tag of a frame without decoding the rest.
func PeekType(b []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return "", fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if probe.Type == "" {
		return "", fmt.Errorf("protocol: frame missing type")
	}
	return probe.Type, nil
}

// DecodeClientFrame decodes a client to server frame into its concrete
// type. Malformed JSON, a missing type tag and an unknown type all come
// back as a parse_error *Error, which dispatchers forward verbatim.
func DecodeClientFrame(b []byte) (any, error) {
	t, err := PeekType(b)
	if err != nil {
		return nil, NewError(CodeParseError, "malformed frame: missing or invalid type")
	}
	var frame any
	switch t {
	case TypeHandshake:
		frame = &Handshake{}
	case TypeQuery, TypeMutation:
		frame = &Query{}
	case TypeSubscribe:
		frame = &Subscribe{}
	case TypeUnsubscribe:
		frame = &Unsubscribe{}
	case TypeUpdateFields:
		frame = &UpdateFields{}
	case TypeReconnect:
		frame = &Reconnect{}
	default:
		return nil, Errorf(CodeParseError, "unknown frame type %q", t)
	}
	if err := json.Unmarshal(b, frame); err != nil {
		return nil, Errorf(CodeParseError, "decode %s frame: %v", t, err)
	}
	return frame, nil
}

// DecodeServerFrame decodes a server to client frame into its concrete
// type. Used by client implementations.
func DecodeServerFrame(b []byte) (any, error) {
	t, err := PeekType(b)
	if err != nil {
		return nil, err
	}
	var frame any
	switch t {
	case TypeHandshakeAck:
		frame = &HandshakeAck{}
	case TypeData:
		frame = &Data{}
	case TypeError:
		frame = &ErrorFrame{}
	case TypeSubscriptionAck:
		frame = &SubscriptionAck{}
	case TypeUpdate:
		frame = &UpdateFrame{}
	case TypeComplete:
		frame = &Complete{}
	case TypeReconnectAck:
		frame = &ReconnectAck{}
	default:
		return nil, fmt.Errorf("protocol: unknown server frame type %q", t)
	}
	if err := json.Unmarshal(b, frame); err != nil {
		return nil, fmt.Errorf("protocol: decode %s frame: %w", t, err)
	}
	return frame, nil
}
