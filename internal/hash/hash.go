// Package hash provides deterministic content fingerprinting for skill
// inputs, outputs, and audit chain links.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Sum returns the hex-encoded SHA-256 digest of the canonical JSON form of v.
// Map keys are sorted recursively, so two structurally equal values hash
// identically regardless of insertion order. Sum(nil) hashes the JSON null.
func Sum(v any) string {
	data, err := canonicalJSON(v)
	if err != nil {
		// Unserializable values still get a stable fingerprint from the
		// error text rather than a panic mid-pipeline.
		data = []byte(fmt.Sprintf("!unhashable:%v", err))
	}
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

// canonicalJSON normalizes v through a marshal/unmarshal round trip so that
// a struct and its map equivalent serialize to the same bytes. encoding/json
// emits map keys in sorted order, which gives the canonical form.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var norm any
	if err := json.Unmarshal(raw, &norm); err != nil {
		return nil, err
	}
	return json.Marshal(norm)
}
