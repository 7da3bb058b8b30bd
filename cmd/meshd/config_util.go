package main

import (
	"encoding/hex"
	"fmt"
)

// decodeHex parses a hex string and requires it to decode to exactly
// wantLen bytes, used for the fixed-width ext-address and network-key
// config fields.
func decodeHex(s string, wantLen int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != wantLen {
		return nil, fmt.Errorf("expected %d bytes, got %d", wantLen, len(b))
	}
	return b, nil
}
