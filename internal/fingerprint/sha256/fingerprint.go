// Package sha256 fingerprints fragment payloads: canonical JSON bytes
// hashed with SHA-256.
package sha256

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprinter implements crawl.Fingerprinter. Canonical bytes are produced
// by re-encoding the payload through encoding/json, which writes object keys
// in sorted order, so JSON-equal payloads always hash identically no matter
// how they were built.
type Fingerprinter struct{}

// New returns a Fingerprinter.
func New() *Fingerprinter {
	return &Fingerprinter{}
}

// Canonical renders the payload as deterministic JSON bytes.
func (f *Fingerprinter) Canonical(payload map[string]any) ([]byte, error) {
	first, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	// A payload may arrive with typed values (structs, ints) that encode the
	// same JSON as their map[string]any form. One decode/encode round trip
	// collapses both representations onto the same bytes.
	var normalized any
	decoder := json.NewDecoder(bytes.NewReader(first))
	decoder.UseNumber()
	if err := decoder.Decode(&normalized); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	out, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return out, nil
}

// Sum returns the hex SHA-256 digest of the input.
func (f *Fingerprinter) Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
