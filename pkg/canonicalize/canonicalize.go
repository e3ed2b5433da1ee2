// Package canonicalize provides deterministic JSON serialization and
// SHA-256 hashing for Pathwell artifacts. Two canonical forms coexist:
//
//   - JCS (RFC 8785, sorted keys) for policy decision hashes and external
//     event payload hashes, via github.com/gowebpki/jcs.
//   - Declared-order encoding for receipt hashing, where the field order of
//     the struct itself is the contract (see pkg/receipts).
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v. The value is
// first marshalled with its json tags, then transformed into canonical form.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the JCS form of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes as a hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DeclaredOrderHash hashes json.Marshal(v) directly. Go's encoder emits
// struct fields in declaration order, which is exactly the receipt hashing
// contract; callers must pass a struct declared in canonical order.
func DeclaredOrderHash(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize: marshal failed: %w", err)
	}
	return HashBytes(b), nil
}
