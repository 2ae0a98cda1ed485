// Package protocol defines the wire contract of the driftwire sync runtime:
// frame types exchanged over a bidirectional JSON stream, the per-field
// update union, the RFC 6902 patch operation shape, and the reconnect
// request/result records. Both the server runtime and the Go client build
// on this package; it has no dependencies beyond the standard library.
package protocol

import (
	"fmt"
	"strings"
)

// Version is the protocol version spoken by this runtime. Handshake and
// reconnect frames carrying a different version are rejected with a
// validation_error.
const Version = 2

// Client to server frame types.
const (
	TypeHandshake    = "handshake"
	TypeQuery        = "query"
	TypeMutation     = "mutation"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeUpdateFields = "update_fields"
	TypeReconnect    = "reconnect"
)

// Server to client frame types.
const (
	TypeHandshakeAck    = "handshake_ack"
	TypeData            = "data"
	TypeError           = "error"
	TypeSubscriptionAck = "subscription_ack"
	TypeUpdate          = "update"
	TypeComplete        = "complete"
	TypeReconnectAck    = "reconnect_ack"
)

// EntityKey builds the canonical "type:id" key addressing one entity
// reference in the state store, op-log and fan-out indices.
func EntityKey(entity, id string) string {
	return entity + ":" + id
}

// SplitEntityKey is the inverse of EntityKey. The id part may itself
// contain colons; only the first separator is significant.
func SplitEntityKey(key string) (entity, id string, err error) {
	entity, id, ok := strings.Cut(key, ":")
	if !ok || entity == "" {
		return "", "", fmt.Errorf("protocol: malformed entity key %q", key)
	}
	return entity, id, nil
}
