// Package peer provides the PeerID type used to self-identify nodes in the
// transport runtime.
package peer

import (
	"errors"
	"fmt"

	b58 "github.com/mr-tron/base58"
	mh "github.com/multiformats/go-multihash"
)

// ID is an opaque, self-certifying identity: the multihash of a node's
// public key. Two IDs are equal iff their underlying byte strings are equal.
type ID string

// Empty reports whether the ID carries no identity.
func (id ID) Empty() bool {
	return id == ""
}

// String returns the base58 (Bitcoin alphabet) encoding of the ID, which is
// the conventional human-readable form used on the wire and in logs.
func (id ID) String() string {
	if id == "" {
		return ""
	}
	return b58.Encode([]byte(id))
}

// ShortString returns a truncated form of String suitable for log lines.
func (id ID) ShortString() string {
	s := id.String()
	if len(s) <= 10 {
		return s
	}
	return s[:10]
}

// Validate checks that the ID decodes to a well-formed multihash.
func (id ID) Validate() error {
	if id == "" {
		return errors.New("peer: empty ID")
	}
	if _, err := mh.Cast([]byte(id)); err != nil {
		return fmt.Errorf("peer: invalid ID: %w", err)
	}
	return nil
}

// Decode parses the base58 textual representation of a PeerID.
func Decode(s string) (ID, error) {
	raw, err := b58.Decode(s)
	if err != nil {
		return "", fmt.Errorf("peer: failed to decode id %q: %w", s, err)
	}
	id := ID(raw)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// FromPublicKeyBytes derives a PeerID by multihashing the raw public key
// bytes with SHA2-256, mirroring the identity scheme used throughout the
// libp2p ecosystem this runtime is modeled on.
func FromPublicKeyBytes(pub []byte) (ID, error) {
	digest, err := mh.Sum(pub, mh.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("peer: failed to hash public key: %w", err)
	}
	return ID(digest), nil
}

// MatchesEmbedded reports whether an embedded peer identity found on an
// Address (which may be empty) is compatible with id: empty always matches.
func MatchesEmbedded(id, embedded ID) bool {
	return embedded == "" || embedded == id
}
