// Package id generates opaque identifiers for cache peers.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a 26-character lower-case base32 encoding of a random UUIDv4.
func NewID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(u[:])), nil
}

// PeerID returns id when it is set, or a freshly generated id prefixed with
// the given role (for example "synchub-" or "cachectl-").
func PeerID(id string, role string) (string, error) {
	if trimmed := strings.TrimSpace(id); trimmed != "" {
		return trimmed, nil
	}
	generated, err := NewID()
	if err != nil {
		return "", err
	}
	role = strings.TrimSpace(role)
	if role == "" {
		return generated, nil
	}
	return role + "-" + generated, nil
}
