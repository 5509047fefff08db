// Package address defines the structured, multi-layer network address type
// shared by the dial pipeline and the upgrade pipeline.
package address

import (
	"fmt"

	"github.com/ferrolabs/go-p2p-transport/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// Address wraps a multiaddr with the two pieces of information the dial
// pipeline cares about beyond the raw bytes: an optional embedded peer
// identity and whether the address was certified (signed) by that peer.
//
// Two Addresses are equal iff their String forms are equal; IsCertified is
// not part of identity and combines by OR on deduplication (see Merge).
type Address struct {
	Multiaddr   ma.Multiaddr
	Peer        peer.ID
	IsCertified bool
}

// New builds an Address from a multiaddr string, extracting any embedded
// /p2p/<id> component as the Peer field.
func New(s string) (Address, error) {
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return Address{}, fmt.Errorf("address: %w", err)
	}
	return FromMultiaddr(m), nil
}

// FromMultiaddr builds an Address from an already-parsed multiaddr.
func FromMultiaddr(m ma.Multiaddr) Address {
	a := Address{Multiaddr: m}
	if p, err := peerIDFromMultiaddr(m); err == nil && p != "" {
		a.Peer = p
	}
	return a
}

// String returns the canonical wire form, used for equality and
// deduplication.
func (a Address) String() string {
	if a.Multiaddr == nil {
		return ""
	}
	return a.Multiaddr.String()
}

// Equal reports whether two addresses have the same string form. IsCertified
// is deliberately excluded: it is metadata about provenance, not identity.
func (a Address) Equal(other Address) bool {
	return a.String() == other.String()
}

// IsPathStyle reports whether this is a relative/path-style address (e.g. a
// circuit-relay hop) that should not have a peer ID appended to it even when
// one is known for the dial.
func (a Address) IsPathStyle() bool {
	if a.Multiaddr == nil {
		return false
	}
	return hasP2PCircuit(a.Multiaddr)
}

// WithPeer returns a copy of a with the given peer ID embedded as a /p2p
// component, unless one is already present or a is path-style.
func (a Address) WithPeer(id peer.ID) Address {
	if id == "" || a.Peer != "" || a.IsPathStyle() {
		return a
	}
	comp, err := ma.NewComponent("p2p", id.String())
	if err != nil {
		return a
	}
	return Address{
		Multiaddr:   a.Multiaddr.Encapsulate(comp),
		Peer:        id,
		IsCertified: a.IsCertified,
	}
}

// Merge combines two equal (by String) addresses, OR-ing IsCertified.
func Merge(a, b Address) Address {
	a.IsCertified = a.IsCertified || b.IsCertified
	return a
}

// Dedup deduplicates addrs by String form, OR-ing IsCertified across
// duplicates. The relative order of first occurrence is preserved.
func Dedup(addrs []Address) []Address {
	seen := make(map[string]int, len(addrs))
	out := make([]Address, 0, len(addrs))
	for _, a := range addrs {
		key := a.String()
		if idx, ok := seen[key]; ok {
			out[idx] = Merge(out[idx], a)
			continue
		}
		seen[key] = len(out)
		out = append(out, a)
	}
	return out
}

func peerIDFromMultiaddr(m ma.Multiaddr) (peer.ID, error) {
	var id peer.ID
	var outerErr error
	ma.ForEach(m, func(c ma.Component) bool {
		if c.Protocol().Code == ma.P_P2P {
			p, err := peer.Decode(c.Value())
			if err != nil {
				outerErr = err
				return false
			}
			id = p
		}
		return true
	})
	return id, outerErr
}

func hasP2PCircuit(m ma.Multiaddr) bool {
	found := false
	ma.ForEach(m, func(c ma.Component) bool {
		if c.Protocol().Code == ma.P_CIRCUIT {
			found = true
			return false
		}
		return true
	})
	return found
}
