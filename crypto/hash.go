// Package crypto provides the hashing, signing and key-handling primitives
// used across the simulator: SHA-256 content hashing over canonical JSON and
// ECDSA (P-256) message authentication with PEM key exchange.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// Hash returns the SHA-256 hash of data as a lowercase hex string.
func Hash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HashBytes returns the raw SHA-256 bytes of data.
func HashBytes(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// HashValue hashes a value of any shape. Strings are hashed as-is; everything
// else is canonically serialized first so that two structurally equal values
// always produce the same digest.
func HashValue(v any) string {
	if s, ok := v.(string); ok {
		return Hash([]byte(s))
	}
	return Hash(CanonicalJSON(v))
}

// CanonicalJSON serializes v deterministically: object keys sorted ascending,
// no insignificant whitespace. encoding/json already emits map keys in sorted
// order, so canonical form is reached by normalizing v into maps first.
// Returns nil only if v contains values JSON cannot represent.
func CanonicalJSON(v any) []byte {
	data, err := json.Marshal(normalize(v))
	if err != nil {
		return nil
	}
	return data
}

// FormatTimestamp renders a seconds-since-epoch timestamp as the string form
// used inside block hashing. The textual form only has to be stable within
// this implementation; -1 precision keeps it minimal and unambiguous.
func FormatTimestamp(ts float64) string {
	return strconv.FormatFloat(ts, 'f', -1, 64)
}

// normalize rewrites v into a tree of maps, slices and JSON-native scalars so
// that marshalling is independent of the original Go type. Structs and other
// composites round-trip through encoding/json; anything that still cannot be
// represented falls back to its string form, mirroring a default stringifier.
func normalize(v any) any {
	switch t := v.(type) {
	case nil, bool, string, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return string(data)
		}
		return normalize(generic)
	}
}
