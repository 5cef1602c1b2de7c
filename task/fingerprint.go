package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint computes a canonical cache key over (kind, fully-resolved
// input, options affecting determinism). encoding/json sorts map keys when
// marshaling, which is enough canonicalization for identical fingerprints
// to always yield identical cached outputs.
func Fingerprint(kind string, input map[string]any, options map[string]any) string {
	payload := struct {
		Kind    string         `json:"kind"`
		Input   map[string]any `json:"input"`
		Options map[string]any `json:"options,omitempty"`
	}{Kind: kind, Input: input, Options: options}

	b, err := json.Marshal(payload)
	if err != nil {
		// Marshal failure means the input is not fingerprintable; fall
		// back to a kind-only fingerprint so callers don't panic, but such
		// a task should not be marked Cacheable in the first place.
		b = []byte(kind)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
