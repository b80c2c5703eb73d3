// Package cache implements the response cache's fingerprint hashing. The
// Redis-backed Cache lives in redis_cache.go.
//
// Grounded on llm/cache/hash_key.go: a stable
// SHA-256 fingerprint over the deterministic request fields, built by
// marshaling a fixed-shape struct (never map iteration order) before
// hashing.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// fingerprintInput is the fixed, ordered shape hashed into a fingerprint.
// Using a struct (not a map) keeps json.Marshal's field order stable
// across Go versions, the same reasoning hash_key.go documents for its own
// request struct.
type fingerprintInput struct {
	Provider    string         `json:"provider"`
	Model       string         `json:"model"`
	Prompt      string         `json:"prompt"`
	Temperature float64        `json:"temperature"`
	MaxTokens   int            `json:"max_tokens"`
	ExtraKwargs map[string]any `json:"extra_kwargs,omitempty"`
}

// Fingerprint computes a stable cache key for one (provider, model, prompt,
// temperature, max_tokens, extra_kwargs) tuple.
func Fingerprint(provider, model, prompt string, temperature float64, maxTokens int, extraKwargs map[string]any) (string, error) {
	input := fingerprintInput{
		Provider:    provider,
		Model:       model,
		Prompt:      prompt,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		ExtraKwargs: sortedCopy(extraKwargs),
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// sortedCopy returns a copy of m, or nil when m is empty so the field is
// omitted. The copy is an ordinary map and keeps no key order of its own;
// the stable hash relies on json.Marshal emitting map[string]any keys in
// sorted order.
func sortedCopy(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]any, len(m))
	for _, k := range keys {
		out[k] = m[k]
	}
	return out
}
