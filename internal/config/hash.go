package config

import (
	"bytes"
	"encoding/json"

	"github.com/cespare/xxhash/v2"
)

// digestJSON hashes a JSON value after a decode/encode round trip, which
// sorts object keys and drops insignificant whitespace. Undecodable input
// is hashed as-is.
func digestJSON(raw []byte) uint64 {
	if len(bytes.TrimSpace(raw)) == 0 {
		return 0
	}
	var v any
	if json.Unmarshal(raw, &v) == nil {
		if b, err := json.Marshal(v); err == nil {
			raw = b
		}
	}
	return xxhash.Sum64(raw)
}

// hashConfig is zero for nil so an unloaded manager never matches.
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(b)
}
