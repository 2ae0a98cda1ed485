package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// DataHash returns the hex sha256 of the canonical JSON encoding of v.
// encoding/json sorts object keys, so the hash is stable across processes
// for structurally equal values. Used to short-circuit reconnect catch-up
// when client and server state already agree.
func DataHash(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
